package core

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLineRingEviction(t *testing.T) {
	lr := NewLineRing(3)
	for i := 1; i <= 5; i++ {
		lr.Append(fmt.Sprintf("line %d", i))
	}

	assert.Equal(t, 5, lr.Total())
	assert.Equal(t, []string{"line 3", "line 4", "line 5"}, lr.Tail(0))
	assert.Equal(t, []string{"line 5"}, lr.Tail(1))
	assert.Equal(t, []string{"line 3", "line 4", "line 5"}, lr.Tail(10))
}

func TestLineRingPartialFill(t *testing.T) {
	lr := NewLineRing(10)
	lr.Append("only")
	assert.Equal(t, []string{"only"}, lr.Tail(0))
	assert.Equal(t, 1, lr.Total())
}

func TestRunCancelIdempotent(t *testing.T) {
	r := NewRun(1, testJob("j"), OriginManual, 1, testEpoch, testEpoch)

	assert.False(t, r.Cancelled())
	r.Cancel()
	r.Cancel() // second call must not panic
	assert.True(t, r.Cancelled())

	select {
	case <-r.CancelRequested():
	default:
		t.Fatal("cancel channel not closed")
	}
}

func TestRunOutputCapture(t *testing.T) {
	r := NewRun(1, testJob("j"), OriginScheduler, 1, testEpoch, testEpoch)
	fmt.Fprintln(r.OutputStream(), "raw output")
	assert.Contains(t, r.Output(), "raw output")
}

func TestRunStatusTerminal(t *testing.T) {
	for _, s := range []RunStatus{StatusCompleted, StatusFailed, StatusCancelled, StatusPreempted} {
		assert.True(t, s.Terminal(), string(s))
	}
	for _, s := range []RunStatus{StatusPending, StatusRunning} {
		assert.False(t, s.Terminal(), string(s))
	}
}

func TestRunMarshalWhileUpdating(t *testing.T) {
	r := NewRun(1, testJob("j"), OriginScheduler, 1, testEpoch, testEpoch)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 500; i++ {
			r.MarkStarted(testEpoch)
			r.SetExitCode(i)
			r.AddKeywordHit(KeywordHit{RunID: 1, Kind: KeywordFailure, Message: "boom", Line: "boom", At: testEpoch})
			r.MarkFinished(StatusFailed, ReasonExit, testEpoch.Add(time.Second))
		}
	}()

	for {
		_, err := json.Marshal(r)
		require.NoError(t, err)
		select {
		case <-done:
			out, err := json.Marshal(r)
			require.NoError(t, err)
			assert.Contains(t, string(out), `"status":"failed"`)
			return
		default:
		}
	}
}

func TestRunSnapshotIsolation(t *testing.T) {
	job := testJob("j")
	r := NewRun(1, job, OriginScheduler, 1, testEpoch, testEpoch)
	require.Same(t, job, r.Job())

	// The run keeps its snapshot's priority even if a later catalog version
	// changes the job.
	assert.Equal(t, job.Priority, r.Priority)
}
