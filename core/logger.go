package core

// Logger is the logging interface used across the engine. The daemon backs it
// with logrus; tests use a recording implementation.
type Logger interface {
	Criticalf(format string, args ...any)
	Debugf(format string, args ...any)
	Errorf(format string, args ...any)
	Noticef(format string, args ...any)
	Warningf(format string, args ...any)
}
