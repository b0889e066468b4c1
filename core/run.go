package core

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/armon/circbuf"
)

// RunOrigin records how a run came to exist.
type RunOrigin string

const (
	OriginScheduler     RunOrigin = "scheduler"
	OriginManual        RunOrigin = "manual"
	OriginFailureRetry  RunOrigin = "failure_retry"
	OriginSuccessRepeat RunOrigin = "success_repeat"
)

// RunStatus is the run lifecycle state.
type RunStatus string

const (
	StatusPending   RunStatus = "pending"
	StatusRunning   RunStatus = "running"
	StatusCompleted RunStatus = "completed"
	StatusFailed    RunStatus = "failed"
	StatusCancelled RunStatus = "cancelled"
	StatusPreempted RunStatus = "preempted"
)

// Terminal reports whether the status admits no further transitions.
func (s RunStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusPreempted:
		return true
	}
	return false
}

// DefaultLineRingSize bounds the per-run output buffer.
const DefaultLineRingSize = 1000

// maxStreamSize bounds the raw captured output per run.
const maxStreamSize = 10 * 1024 * 1024

// KeywordHit records one keyword rule match on one output line.
type KeywordHit struct {
	RunID   int64       `json:"run_id"`
	Kind    KeywordKind `json:"kind"`
	Message string      `json:"message"`
	Line    string      `json:"line"`
	At      time.Time   `json:"at"`
}

// Run is an instance of a job being or having been executed. Identity is a
// monotone integer unique per process lifetime. Runs reference their job by ID
// only and carry an immutable snapshot of the job taken at creation.
//
// The identity and lineage fields are fixed before the run is published to the
// queue. Status, Reason, ExitCode, StartedAt, FinishedAt and KeywordHits keep
// changing while the supervisor owns the run; they are guarded by the run lock
// and must be written through MarkStarted/MarkFinished/SetExitCode/
// AddKeywordHit and read through CurrentStatus or MarshalJSON while the run is
// live. After the run is reaped from the finished channel no writer remains
// and the fields are safe to read directly.
type Run struct {
	ID            int64     `json:"run_id"`
	JobID         string    `json:"job_id"`
	Origin        RunOrigin `json:"origin"`
	Attempt       int       `json:"attempt"`
	Repeat        int       `json:"repeat,omitempty"`
	Priority      int       `json:"priority"`
	ResourceGroup string    `json:"resource_group"`

	ScheduledFor time.Time `json:"scheduled_for"`
	EnqueuedAt   time.Time `json:"enqueued_at"`
	StartedAt    time.Time `json:"started_at,omitzero"`
	FinishedAt   time.Time `json:"finished_at,omitzero"`

	ExitCode int        `json:"exit_code"`
	Status   RunStatus  `json:"status"`
	Reason   TermReason `json:"reason,omitempty"`

	KeywordHits []KeywordHit `json:"keyword_hits,omitempty"`

	// WindowOriginFire is set on success-repeat runs: the scheduled_for of the
	// fire that opened the window. WindowEnd bounds further repeats.
	WindowOriginFire time.Time `json:"window_origin_fire,omitzero"`
	WindowEnd        time.Time `json:"window_end,omitzero"`

	// Manual marks the run (or its retry lineage) as operator-initiated;
	// manual lineage is admissible even while the tick loop is stopped.
	Manual bool `json:"manual,omitempty"`

	// mu guards the mutable lifecycle fields above against concurrent
	// readers (API marshalling, running-count scans) while the supervisor
	// updates them.
	mu sync.Mutex

	job    *Job
	lines  *LineRing
	output *circbuf.Buffer
	cancel chan struct{}
	once   sync.Once
}

// NewRun builds a pending run against a job snapshot.
func NewRun(id int64, job *Job, origin RunOrigin, attempt int, scheduledFor, enqueuedAt time.Time) *Run {
	output, _ := circbuf.NewBuffer(maxStreamSize)
	return &Run{
		ID:            id,
		JobID:         job.ID,
		Origin:        origin,
		Attempt:       attempt,
		Priority:      job.Priority,
		ResourceGroup: job.ResourceGroup,
		ScheduledFor:  scheduledFor,
		EnqueuedAt:    enqueuedAt,
		Status:        StatusPending,
		job:           job,
		lines:         NewLineRing(DefaultLineRingSize),
		output:        output,
		cancel:        make(chan struct{}),
	}
}

// MarkStarted transitions the run to running. The start time recorded by the
// first caller wins, so the scheduler's launch timestamp survives the
// supervisor's own transition.
func (r *Run) MarkStarted(at time.Time) {
	r.mu.Lock()
	if r.StartedAt.IsZero() {
		r.StartedAt = at
	}
	r.Status = StatusRunning
	r.mu.Unlock()
}

// MarkFinished records the terminal state.
func (r *Run) MarkFinished(status RunStatus, reason TermReason, at time.Time) {
	r.mu.Lock()
	r.Status = status
	r.Reason = reason
	r.FinishedAt = at
	r.mu.Unlock()
}

// SetExitCode records the process exit code.
func (r *Run) SetExitCode(code int) {
	r.mu.Lock()
	r.ExitCode = code
	r.mu.Unlock()
}

// AddKeywordHit appends a keyword match to the run record.
func (r *Run) AddKeywordHit(hit KeywordHit) {
	r.mu.Lock()
	r.KeywordHits = append(r.KeywordHits, hit)
	r.mu.Unlock()
}

// CurrentStatus reads the status under the run lock; use it wherever the run
// may still be live.
func (r *Run) CurrentStatus() RunStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.Status
}

// runView mirrors Run's wire fields so marshalling can snapshot them under
// the run lock instead of racing the supervisor.
type runView struct {
	ID            int64     `json:"run_id"`
	JobID         string    `json:"job_id"`
	Origin        RunOrigin `json:"origin"`
	Attempt       int       `json:"attempt"`
	Repeat        int       `json:"repeat,omitempty"`
	Priority      int       `json:"priority"`
	ResourceGroup string    `json:"resource_group"`

	ScheduledFor time.Time `json:"scheduled_for"`
	EnqueuedAt   time.Time `json:"enqueued_at"`
	StartedAt    time.Time `json:"started_at,omitzero"`
	FinishedAt   time.Time `json:"finished_at,omitzero"`

	ExitCode int        `json:"exit_code"`
	Status   RunStatus  `json:"status"`
	Reason   TermReason `json:"reason,omitempty"`

	KeywordHits []KeywordHit `json:"keyword_hits,omitempty"`

	WindowOriginFire time.Time `json:"window_origin_fire,omitzero"`
	WindowEnd        time.Time `json:"window_end,omitzero"`

	Manual bool `json:"manual,omitempty"`
}

// MarshalJSON serves a consistent snapshot of the run, safe to call while the
// supervisor is still mutating it.
func (r *Run) MarshalJSON() ([]byte, error) {
	r.mu.Lock()
	v := runView{
		ID:               r.ID,
		JobID:            r.JobID,
		Origin:           r.Origin,
		Attempt:          r.Attempt,
		Repeat:           r.Repeat,
		Priority:         r.Priority,
		ResourceGroup:    r.ResourceGroup,
		ScheduledFor:     r.ScheduledFor,
		EnqueuedAt:       r.EnqueuedAt,
		StartedAt:        r.StartedAt,
		FinishedAt:       r.FinishedAt,
		ExitCode:         r.ExitCode,
		Status:           r.Status,
		Reason:           r.Reason,
		KeywordHits:      append([]KeywordHit(nil), r.KeywordHits...),
		WindowOriginFire: r.WindowOriginFire,
		WindowEnd:        r.WindowEnd,
		Manual:           r.Manual,
	}
	r.mu.Unlock()
	return json.Marshal(v)
}

// Job returns the job snapshot the run was created against.
func (r *Run) Job() *Job { return r.job }

// Lines returns the run's bounded output buffer.
func (r *Run) Lines() *LineRing { return r.lines }

// OutputStream returns the raw capture buffer for process output.
func (r *Run) OutputStream() *circbuf.Buffer { return r.output }

// Output returns everything captured so far, oldest bytes evicted first.
func (r *Run) Output() string { return r.output.String() }

// Cancel flips the per-run cancel flag. Idempotent.
func (r *Run) Cancel() {
	r.once.Do(func() { close(r.cancel) })
}

// CancelRequested exposes the cancel channel for select loops.
func (r *Run) CancelRequested() <-chan struct{} { return r.cancel }

// Cancelled reports whether cancellation was requested.
func (r *Run) Cancelled() bool {
	select {
	case <-r.cancel:
		return true
	default:
		return false
	}
}

// LineRing is a bounded ring of output lines. Appends past capacity evict the
// oldest line.
type LineRing struct {
	mu    sync.Mutex
	lines []string
	next  int
	full  bool
	total int
}

func NewLineRing(capacity int) *LineRing {
	if capacity <= 0 {
		capacity = DefaultLineRingSize
	}
	return &LineRing{lines: make([]string, capacity)}
}

func (lr *LineRing) Append(line string) {
	lr.mu.Lock()
	defer lr.mu.Unlock()
	lr.lines[lr.next] = line
	lr.next = (lr.next + 1) % len(lr.lines)
	if lr.next == 0 {
		lr.full = true
	}
	lr.total++
}

// Tail returns up to n of the most recent lines in emission order. n <= 0
// returns all buffered lines.
func (lr *LineRing) Tail(n int) []string {
	lr.mu.Lock()
	defer lr.mu.Unlock()

	var ordered []string
	if lr.full {
		ordered = append(ordered, lr.lines[lr.next:]...)
		ordered = append(ordered, lr.lines[:lr.next]...)
	} else {
		ordered = append(ordered, lr.lines[:lr.next]...)
	}
	if n > 0 && len(ordered) > n {
		ordered = ordered[len(ordered)-n:]
	}
	return ordered
}

// Total returns the number of lines ever appended.
func (lr *LineRing) Total() int {
	lr.mu.Lock()
	defer lr.mu.Unlock()
	return lr.total
}
