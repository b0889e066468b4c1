package logging

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/taskgrid/taskgrid/core"
)

// Options selects where and how the daemon logs.
type Options struct {
	// Level is a logrus level name: debug, info, warning, error.
	Level string

	// File, when set, tees the log into a size-rotated file.
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int

	// JSON switches the file/stderr format to structured JSON.
	JSON bool

	// TailSize bounds the in-memory tail served by the API. Zero picks the
	// default.
	TailSize int
}

const defaultTailSize = 2000

// Setup configures the process-wide logrus logger: stderr, the optional
// rotated file, and a bounded in-memory tail for the log API. The returned
// ring receives every formatted line.
func Setup(logger *logrus.Logger, opts Options) (*core.LineRing, error) {
	level, err := logrus.ParseLevel(defaultLevel(opts.Level))
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", opts.Level, err)
	}
	logger.SetLevel(level)

	if opts.JSON {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	tailSize := opts.TailSize
	if tailSize <= 0 {
		tailSize = defaultTailSize
	}
	tail := core.NewLineRing(tailSize)

	writers := []io.Writer{os.Stderr, NewRingWriter(tail)}
	if opts.File != "" {
		writers = append(writers, &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    defaultInt(opts.MaxSizeMB, 20),
			MaxBackups: defaultInt(opts.MaxBackups, 5),
			MaxAge:     defaultInt(opts.MaxAgeDays, 14),
			Compress:   true,
		})
	}
	logger.SetOutput(io.MultiWriter(writers...))
	return tail, nil
}

func defaultLevel(s string) string {
	if strings.TrimSpace(s) == "" {
		return "info"
	}
	return s
}

func defaultInt(v, fallback int) int {
	if v <= 0 {
		return fallback
	}
	return v
}

// RingWriter splits a write stream on newlines into a LineRing. Partial lines
// are held until their newline arrives.
type RingWriter struct {
	mu   sync.Mutex
	ring *core.LineRing
	rest []byte
}

func NewRingWriter(ring *core.LineRing) *RingWriter {
	return &RingWriter{ring: ring}
}

func (w *RingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.rest = append(w.rest, p...)
	for {
		idx := bytes.IndexByte(w.rest, '\n')
		if idx < 0 {
			break
		}
		w.ring.Append(string(w.rest[:idx]))
		w.rest = w.rest[idx+1:]
	}
	return len(p), nil
}

// Flush pushes any trailing partial line into the ring.
func (w *RingWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if len(w.rest) > 0 {
		w.ring.Append(string(w.rest))
		w.rest = nil
	}
}
