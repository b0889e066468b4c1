package core

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func terminalRun(job *Job, status RunStatus, attempt int) *Run {
	r := NewRun(1, job, OriginScheduler, attempt, testEpoch, testEpoch)
	r.Status = status
	r.FinishedAt = testEpoch.Add(time.Minute)
	return r
}

func TestPlanFollowUpFailureRetry(t *testing.T) {
	job := testJob("j", func(j *Job) {
		j.Retry.MaxFailureRetries = 2
		j.Retry.FailureRetryDelaySeconds = 30
	})

	r := terminalRun(job, StatusFailed, 1)
	fu, ok := PlanFollowUp(r)
	require.True(t, ok)
	assert.Equal(t, OriginFailureRetry, fu.Origin)
	assert.Equal(t, 2, fu.Attempt)
	assert.Equal(t, r.FinishedAt.Add(30*time.Second), fu.ScheduledFor)

	// Attempt 2 still has one retry left.
	r = terminalRun(job, StatusFailed, 2)
	fu, ok = PlanFollowUp(r)
	require.True(t, ok)
	assert.Equal(t, 3, fu.Attempt)

	// Attempt 3 exhausted the budget of 2 retries.
	r = terminalRun(job, StatusFailed, 3)
	_, ok = PlanFollowUp(r)
	assert.False(t, ok)
}

func TestPlanFollowUpNoRetryPolicy(t *testing.T) {
	job := testJob("j")
	_, ok := PlanFollowUp(terminalRun(job, StatusFailed, 1))
	assert.False(t, ok)
}

func TestPlanFollowUpRetryCarriesLineage(t *testing.T) {
	job := testJob("j", func(j *Job) { j.Retry.MaxFailureRetries = 1 })

	r := terminalRun(job, StatusFailed, 1)
	r.Manual = true
	r.Repeat = 2
	r.WindowOriginFire = testEpoch
	r.WindowEnd = testEpoch.Add(time.Hour)

	fu, ok := PlanFollowUp(r)
	require.True(t, ok)
	assert.True(t, fu.Manual)
	assert.Equal(t, 2, fu.Repeat)
	assert.Equal(t, r.WindowOriginFire, fu.WindowOriginFire)
	assert.Equal(t, r.WindowEnd, fu.WindowEnd)
}

func TestPlanFollowUpSuccessRepeat(t *testing.T) {
	job := testJob("j", func(j *Job) {
		j.Retry.SuccessRepeatWithinWindow = true
		j.Retry.SuccessRepeatDelaySeconds = 120
	})

	r := terminalRun(job, StatusCompleted, 3)
	r.WindowOriginFire = testEpoch
	r.WindowEnd = testEpoch.Add(time.Hour)

	fu, ok := PlanFollowUp(r)
	require.True(t, ok)
	assert.Equal(t, OriginSuccessRepeat, fu.Origin)
	// A repeat opens a fresh lineage with a clean failure budget.
	assert.Equal(t, 1, fu.Attempt)
	assert.Equal(t, 1, fu.Repeat)
	assert.Equal(t, r.FinishedAt.Add(2*time.Minute), fu.ScheduledFor)
}

func TestPlanFollowUpSuccessRepeatStopsAtWindowEnd(t *testing.T) {
	job := testJob("j", func(j *Job) {
		j.Retry.SuccessRepeatWithinWindow = true
		j.Retry.SuccessRepeatDelaySeconds = 120
	})

	r := terminalRun(job, StatusCompleted, 1)
	r.WindowOriginFire = testEpoch
	r.WindowEnd = r.FinishedAt.Add(time.Minute) // next repeat would land past the end

	_, ok := PlanFollowUp(r)
	assert.False(t, ok)

	// Landing exactly on the window end still repeats; the bound is inclusive.
	r = terminalRun(job, StatusCompleted, 1)
	r.WindowOriginFire = testEpoch
	r.WindowEnd = r.FinishedAt.Add(2 * time.Minute)

	fu, ok := PlanFollowUp(r)
	require.True(t, ok)
	assert.Equal(t, r.WindowEnd, fu.ScheduledFor)
}

func TestPlanFollowUpSuccessRepeatMax(t *testing.T) {
	job := testJob("j", func(j *Job) {
		j.Retry.SuccessRepeatWithinWindow = true
		j.Retry.SuccessRepeatMax = 2
	})

	r := terminalRun(job, StatusCompleted, 1)
	r.WindowEnd = testEpoch.Add(24 * time.Hour)
	r.Repeat = 2

	_, ok := PlanFollowUp(r)
	assert.False(t, ok)
}

func TestPlanFollowUpSuccessWithoutWindow(t *testing.T) {
	job := testJob("j", func(j *Job) { j.Retry.SuccessRepeatWithinWindow = true })
	// No WindowEnd recorded on the run, e.g. a manual run outside any window.
	_, ok := PlanFollowUp(terminalRun(job, StatusCompleted, 1))
	assert.False(t, ok)
}

func TestPlanFollowUpQuietStatuses(t *testing.T) {
	job := testJob("j", func(j *Job) {
		j.Retry.MaxFailureRetries = 3
		j.Retry.SuccessRepeatWithinWindow = true
	})

	for _, status := range []RunStatus{StatusCancelled, StatusPreempted} {
		r := terminalRun(job, status, 1)
		r.WindowEnd = testEpoch.Add(time.Hour)
		_, ok := PlanFollowUp(r)
		assert.False(t, ok, string(status))
	}
}
