package core

import (
	"errors"
	"fmt"
)

// Common errors used across the package
var (
	// Catalog errors
	ErrJobNotFound       = errors.New("job not found")
	ErrJobAlreadyExists  = errors.New("job already exists")
	ErrUnknownGroup      = errors.New("resource group not found")
	ErrInvalidTrigger    = errors.New("invalid trigger spec")
	ErrMissingWindow     = errors.New("success repeat requires a trigger window")
	ErrPriorityRange     = errors.New("priority out of range")
	ErrEmptyCommand      = errors.New("command cannot be empty")
	ErrUnknownStepKind   = errors.New("unknown step kind")
	ErrDuplicateJobID    = errors.New("duplicate job id")
	ErrCatalogRejected   = errors.New("catalog rejected, previous snapshot remains in force")

	// Run errors
	ErrRunNotFound      = errors.New("run not found")
	ErrRunNotCancelable = errors.New("run is not pending or running")

	// Scheduler errors
	ErrSchedulerBusy    = errors.New("scheduler running in auto mode blocks manual runs")
	ErrSchedulerStopped = errors.New("scheduler is stopped")
	ErrUnknownMode      = errors.New("unknown scheduler mode")
	ErrStopTimeout      = errors.New("scheduler stop timed out")
)

// WrapJobError wraps a job-related error with context.
func WrapJobError(op string, jobID string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s job %q: %w", op, jobID, err)
}

// TermReason classifies why a run reached a terminal state.
type TermReason string

const (
	ReasonExit    TermReason = "exit"
	ReasonTimeout TermReason = "timeout"
	ReasonCancel  TermReason = "cancel"
	ReasonSignal  TermReason = "signal"
	ReasonSpawn   TermReason = "spawn"
	ReasonPrelude TermReason = "prelude"
	ReasonKeyword TermReason = "keyword"
)

// SpawnError marks a process that could not be started at all.
type SpawnError struct {
	Err error
}

func (e SpawnError) Error() string {
	return fmt.Sprintf("spawn failed: %v", e.Err)
}

func (e SpawnError) Unwrap() error { return e.Err }

// SignalExitError marks a process killed by a signal the supervisor did not
// send.
type SignalExitError struct {
	Signal string
}

func (e SignalExitError) Error() string {
	return fmt.Sprintf("process killed by signal %s", e.Signal)
}

// NonZeroExitError represents a subprocess exit with non-zero code.
type NonZeroExitError struct {
	ExitCode int
}

func (e NonZeroExitError) Error() string {
	return fmt.Sprintf("non-zero exit code: %d", e.ExitCode)
}

// IsNonZeroExitError checks if the error is a non-zero exit code error.
func IsNonZeroExitError(err error) bool {
	var nz NonZeroExitError
	return errors.As(err, &nz)
}
