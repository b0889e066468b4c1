package test

import (
	"fmt"
	"strings"
	"sync"
)

// Logger is a capturing implementation of core.Logger shared across test
// suites.
type Logger struct {
	mu       sync.RWMutex
	messages []LogEntry
}

// LogEntry is one captured message with its level.
type LogEntry struct {
	Level   string
	Message string
}

func NewTestLogger() *Logger {
	return &Logger{messages: make([]LogEntry, 0)}
}

func (l *Logger) Criticalf(s string, v ...any) { l.log("CRITICAL", s, v...) }
func (l *Logger) Errorf(s string, v ...any)    { l.log("ERROR", s, v...) }
func (l *Logger) Warningf(s string, v ...any)  { l.log("WARN", s, v...) }
func (l *Logger) Noticef(s string, v ...any)   { l.log("NOTICE", s, v...) }
func (l *Logger) Debugf(s string, v ...any)    { l.log("DEBUG", s, v...) }

func (l *Logger) log(level, format string, v ...any) {
	msg := fmt.Sprintf(format, v...)
	l.mu.Lock()
	l.messages = append(l.messages, LogEntry{Level: level, Message: msg})
	l.mu.Unlock()
}

// Messages returns all captured entries.
func (l *Logger) Messages() []LogEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]LogEntry, len(l.messages))
	copy(out, l.messages)
	return out
}

// HasMessage reports whether any entry contains the substring.
func (l *Logger) HasMessage(substr string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()

	for _, entry := range l.messages {
		if strings.Contains(entry.Message, substr) {
			return true
		}
	}
	return false
}

// HasLevel reports whether an entry of the level contains the substring.
func (l *Logger) HasLevel(level, substr string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()

	for _, entry := range l.messages {
		if entry.Level == level && strings.Contains(entry.Message, substr) {
			return true
		}
	}
	return false
}

// Clear drops all captured entries.
func (l *Logger) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.messages = l.messages[:0]
}
