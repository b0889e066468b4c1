package core

import (
	"bytes"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newCaptureLogger() (*LogrusAdapter, *bytes.Buffer) {
	var buf bytes.Buffer
	l := logrus.New()
	l.SetOutput(&buf)
	l.SetLevel(logrus.DebugLevel)
	l.SetFormatter(&logrus.TextFormatter{
		DisableColors: true,
		CallerPrettyfier: func(f *runtime.Frame) (string, string) {
			return "", filepath.Base(f.File)
		},
	})
	return &LogrusAdapter{Logger: l}, &buf
}

func TestLogrusAdapterLevels(t *testing.T) {
	a, buf := newCaptureLogger()

	a.Debugf("debug %d", 1)
	a.Noticef("notice %d", 2)
	a.Warningf("warning %d", 3)
	a.Errorf("error %d", 4)

	out := buf.String()
	assert.Contains(t, out, `level=debug msg="debug 1"`)
	assert.Contains(t, out, `level=info msg="notice 2"`)
	assert.Contains(t, out, `level=warning msg="warning 3"`)
	assert.Contains(t, out, `level=error msg="error 4"`)
}

func TestLogrusAdapterKeepsOwnFileOutOfEntries(t *testing.T) {
	a, buf := newCaptureLogger()
	a.Logger.SetReportCaller(true)

	a.Noticef("hello %s", "world")

	out := buf.String()
	require.Contains(t, out, "hello world")
	// The adapter resolves the call site itself; its own file must never be
	// stamped on the entry.
	assert.NotContains(t, out, "logrus_logger.go")
	assert.True(t, a.Logger.ReportCaller, "ReportCaller must be restored after the write")
}
