package core

import (
	"runtime"
	"sync"

	"github.com/sirupsen/logrus"
)

// callerSkip is the stack depth from logf back to the caller of the
// level method (logf, level method, caller).
const callerSkip = 2

// LogrusAdapter satisfies Logger on top of a logrus.Logger while keeping
// caller attribution correct: logrus would stamp every entry with this file,
// so the adapter resolves the real call site itself and stamps it on the
// entry with ReportCaller toggled off for the write.
type LogrusAdapter struct {
	*logrus.Logger

	mu sync.Mutex
}

var _ Logger = (*LogrusAdapter)(nil)

func (a *LogrusAdapter) logf(level logrus.Level, format string, args ...any) {
	a.mu.Lock()
	defer a.mu.Unlock()

	entry := logrus.NewEntry(a.Logger)
	if a.Logger.ReportCaller {
		if pc, file, line, ok := runtime.Caller(callerSkip); ok {
			entry.Caller = &runtime.Frame{
				PC:       pc,
				File:     file,
				Line:     line,
				Function: runtime.FuncForPC(pc).Name(),
			}
		}
		a.Logger.SetReportCaller(false)
		defer a.Logger.SetReportCaller(true)
	}
	entry.Logf(level, format, args...)
}

func (a *LogrusAdapter) Criticalf(format string, args ...any) {
	a.logf(logrus.FatalLevel, format, args...)
}

func (a *LogrusAdapter) Debugf(format string, args ...any) {
	a.logf(logrus.DebugLevel, format, args...)
}

func (a *LogrusAdapter) Errorf(format string, args ...any) {
	a.logf(logrus.ErrorLevel, format, args...)
}

func (a *LogrusAdapter) Noticef(format string, args ...any) {
	a.logf(logrus.InfoLevel, format, args...)
}

func (a *LogrusAdapter) Warningf(format string, args ...any) {
	a.logf(logrus.WarnLevel, format, args...)
}
