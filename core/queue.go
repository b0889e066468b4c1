package core

import (
	"sync"
	"time"
)

// RunQueue orders pending runs awaiting admission. Ordering key:
// (priority ASC, scheduled_for ASC, enqueued_at ASC, job_id ASC).
// The queue is a sorted slice; admission scans in order and removes the first
// run whose group admits it, leaving the rest in place.
type RunQueue struct {
	mu   sync.Mutex
	runs []*Run
}

func NewRunQueue() *RunQueue {
	return &RunQueue{}
}

func queueLess(a, b *Run) bool {
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	if !a.ScheduledFor.Equal(b.ScheduledFor) {
		return a.ScheduledFor.Before(b.ScheduledFor)
	}
	if !a.EnqueuedAt.Equal(b.EnqueuedAt) {
		return a.EnqueuedAt.Before(b.EnqueuedAt)
	}
	return a.JobID < b.JobID
}

// Push inserts the run at its ordered position.
func (q *RunQueue) Push(r *Run) {
	q.mu.Lock()
	defer q.mu.Unlock()

	at := len(q.runs)
	for i, queued := range q.runs {
		if queueLess(r, queued) {
			at = i
			break
		}
	}
	q.runs = append(q.runs, nil)
	copy(q.runs[at+1:], q.runs[at:])
	q.runs[at] = r
}

// PopBestAdmissible scans in order and returns the first run that is due
// (scheduled_for <= now), passes eligible, and whose admit callback reserves a
// slot. Non-admissible runs stay in place.
func (q *RunQueue) PopBestAdmissible(now time.Time, eligible func(*Run) bool, admit func(*Run) bool) *Run {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, r := range q.runs {
		if r.ScheduledFor.After(now) {
			continue
		}
		if eligible != nil && !eligible(r) {
			continue
		}
		if !admit(r) {
			continue
		}
		q.runs = append(q.runs[:i], q.runs[i+1:]...)
		return r
	}
	return nil
}

// Remove deletes the run with the given ID, reporting whether it was queued.
func (q *RunQueue) Remove(runID int64) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, r := range q.runs {
		if r.ID == runID {
			q.runs = append(q.runs[:i], q.runs[i+1:]...)
			return true
		}
	}
	return false
}

// DrainIf removes and returns every queued run the predicate selects.
func (q *RunQueue) DrainIf(pred func(*Run) bool) []*Run {
	q.mu.Lock()
	defer q.mu.Unlock()

	var drained []*Run
	kept := q.runs[:0]
	for _, r := range q.runs {
		if pred(r) {
			drained = append(drained, r)
		} else {
			kept = append(kept, r)
		}
	}
	q.runs = kept
	return drained
}

// Snapshot returns the queued runs in order. Callers get a copy of the slice;
// run records themselves are shared.
func (q *RunQueue) Snapshot() []*Run {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]*Run, len(q.runs))
	copy(out, q.runs)
	return out
}

// Len returns the queue depth.
func (q *RunQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.runs)
}

// HasJob reports whether any queued run belongs to the job.
func (q *RunQueue) HasJob(jobID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, r := range q.runs {
		if r.JobID == jobID {
			return true
		}
	}
	return false
}
