package core

import "time"

// FollowUp describes a run the engine should enqueue after another run
// reached a terminal state.
type FollowUp struct {
	Origin       RunOrigin
	Attempt      int
	Repeat       int
	ScheduledFor time.Time

	WindowOriginFire time.Time
	WindowEnd        time.Time

	Manual bool
}

// PlanFollowUp inspects a terminal run and decides whether it spawns a
// failure retry or an in-window success repeat. Cancelled and preempted runs
// never spawn follow-ups.
//
// Attempt counts failure retries within one lineage; Repeat counts success
// repeats within one trigger window. A success repeat starts with a fresh
// failure budget.
func PlanFollowUp(r *Run) (FollowUp, bool) {
	job := r.Job()
	if job == nil {
		return FollowUp{}, false
	}

	switch r.Status {
	case StatusFailed:
		// Attempt is 1-indexed within the chain, so attempt N has used N-1
		// retries.
		policy := job.Retry
		if policy.MaxFailureRetries <= 0 || r.Attempt > policy.MaxFailureRetries {
			return FollowUp{}, false
		}
		return FollowUp{
			Origin:           OriginFailureRetry,
			Attempt:          r.Attempt + 1,
			Repeat:           r.Repeat,
			ScheduledFor:     r.FinishedAt.Add(time.Duration(policy.FailureRetryDelaySeconds) * time.Second),
			WindowOriginFire: r.WindowOriginFire,
			WindowEnd:        r.WindowEnd,
			Manual:           r.Manual,
		}, true

	case StatusCompleted:
		policy := job.Retry
		if !policy.SuccessRepeatWithinWindow || r.WindowEnd.IsZero() {
			return FollowUp{}, false
		}
		if policy.SuccessRepeatMax > 0 && r.Repeat >= policy.SuccessRepeatMax {
			return FollowUp{}, false
		}
		// The window end is inclusive: a repeat landing exactly on it still runs.
		next := r.FinishedAt.Add(time.Duration(policy.SuccessRepeatDelaySeconds) * time.Second)
		if next.After(r.WindowEnd) {
			return FollowUp{}, false
		}
		// A repeat opens a fresh chain with its own failure budget.
		return FollowUp{
			Origin:           OriginSuccessRepeat,
			Attempt:          1,
			Repeat:           r.Repeat + 1,
			ScheduledFor:     next,
			WindowOriginFire: r.WindowOriginFire,
			WindowEnd:        r.WindowEnd,
			Manual:           r.Manual,
		}, true
	}

	return FollowUp{}, false
}
