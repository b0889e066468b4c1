package core

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	mu   sync.Mutex
	got  []Notification
	fail bool
}

func (s *recordingSink) Name() string { return "recording" }

func (s *recordingSink) Notify(n Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("sink down")
	}
	s.got = append(s.got, n)
	return nil
}

func (s *recordingSink) all() []Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Notification, len(s.got))
	copy(out, s.got)
	return out
}

func newTestNotifier(sink NotifySink) (*Notifier, *FakeClock) {
	clock := NewFakeClock(testEpoch)
	n := NewNotifier(clock, &testLogger{}, []NotifySink{sink})
	return n, clock
}

func TestNotifierDeliversToSinks(t *testing.T) {
	sink := &recordingSink{}
	n, _ := newTestNotifier(sink)
	n.Start()

	n.Publish(Notification{Kind: NotifyFailure, JobID: "j", Title: "boom"})
	n.Stop()

	got := sink.all()
	require.Len(t, got, 1)
	assert.Equal(t, "boom", got[0].Title)
}

func TestNotifierRateLimitPerJobAndKind(t *testing.T) {
	sink := &recordingSink{}
	n, _ := newTestNotifier(sink)
	n.Start()

	for i := 0; i < 8; i++ {
		n.Publish(Notification{Kind: NotifyFailure, JobID: "noisy", Title: fmt.Sprintf("fail %d", i)})
	}
	// A different kind has its own bucket and is unaffected.
	n.Publish(Notification{Kind: NotifySuccess, JobID: "noisy", Title: "ok"})
	n.Stop()

	got := sink.all()
	require.Len(t, got, defaultNotifyLimit+1)
}

func TestNotifierOverflowSummaryAfterWindow(t *testing.T) {
	sink := &recordingSink{}
	n, clock := newTestNotifier(sink)
	n.Start()

	for i := 0; i < 8; i++ {
		n.Publish(Notification{Kind: NotifyFailure, JobID: "noisy", Title: "fail"})
	}
	// Everything above queues synchronously; wait for the worker to drain so
	// the suppression state is settled before the window rolls.
	waitFor(t, func() bool {
		return len(sink.all()) == defaultNotifyLimit && suppressedCount(n, "noisy", NotifyFailure) == 3
	})

	clock.Advance(defaultNotifyWindow + time.Second)
	n.Publish(Notification{Kind: NotifyFailure, JobID: "noisy", Title: "next window"})
	n.Stop()

	got := sink.all()
	require.Len(t, got, defaultNotifyLimit+2)
	summary := got[defaultNotifyLimit]
	assert.Equal(t, NotifySystem, summary.Kind)
	assert.Contains(t, summary.Title, "suppressed 3")
	assert.Equal(t, "next window", got[defaultNotifyLimit+1].Title)
}

func TestNotifierOverflowSummaryWithoutFollowUpTraffic(t *testing.T) {
	sink := &recordingSink{}
	n, clock := newTestNotifier(sink)
	n.Start()

	for i := 0; i < 8; i++ {
		n.Publish(Notification{Kind: NotifyFailure, JobID: "noisy", Title: "fail"})
	}
	waitFor(t, func() bool {
		return len(sink.all()) == defaultNotifyLimit && suppressedCount(n, "noisy", NotifyFailure) == 3
	})

	// No further messages arrive; the periodic sweep alone must surface the
	// suppression once the window expires.
	clock.Advance(defaultNotifyWindow + time.Second)
	waitFor(t, func() bool { return len(sink.all()) == defaultNotifyLimit+1 })
	n.Stop()

	got := sink.all()
	require.Len(t, got, defaultNotifyLimit+1)
	summary := got[defaultNotifyLimit]
	assert.Equal(t, NotifySystem, summary.Kind)
	assert.Equal(t, "noisy", summary.JobID)
	assert.Contains(t, summary.Title, "suppressed 3")
}

// suppressedCount peeks at the live bucket for asserting on suppression state
// while the worker is still draining.
func suppressedCount(n *Notifier, jobID string, kind NotifyKind) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	if b, ok := n.buckets[jobID+"/"+string(kind)]; ok {
		return b.dropped
	}
	return 0
}

func TestNotifierDisabledLimit(t *testing.T) {
	sink := &recordingSink{}
	n, _ := newTestNotifier(sink)
	n.SetRateLimit(0, 0)
	n.Start()

	for i := 0; i < 20; i++ {
		n.Publish(Notification{Kind: NotifyFailure, JobID: "j", Title: "fail"})
	}
	n.Stop()
	assert.Len(t, sink.all(), 20)
}

func TestNotifierSinkErrorsDoNotStopDelivery(t *testing.T) {
	bad := &recordingSink{fail: true}
	good := &recordingSink{}
	clock := NewFakeClock(testEpoch)
	logger := &testLogger{}
	n := NewNotifier(clock, logger, []NotifySink{bad, good})
	n.Start()

	n.Publish(Notification{Kind: NotifySystem, Title: "hello"})
	n.Stop()

	assert.Len(t, good.all(), 1)
	assert.NotEmpty(t, logger.all())
}

func TestNotifierRunFinishedRespectsFlags(t *testing.T) {
	sink := &recordingSink{}
	n, _ := newTestNotifier(sink)
	n.Start()

	quiet := testJob("quiet")
	r := NewRun(1, quiet, OriginScheduler, 1, testEpoch, testEpoch)
	r.Status = StatusCompleted
	n.RunFinished(r) // on_success defaults to off

	loud := testJob("loud", func(j *Job) { j.Notify = NotifyFlags{OnSuccess: true, OnFailure: true} })
	r2 := NewRun(2, loud, OriginScheduler, 1, testEpoch, testEpoch)
	r2.Status = StatusCompleted
	n.RunFinished(r2)

	r3 := NewRun(3, loud, OriginScheduler, 2, testEpoch, testEpoch)
	r3.Status = StatusFailed
	r3.Reason = ReasonExit
	r3.ExitCode = 2
	r3.Lines().Append("last line before death")
	n.RunFinished(r3)

	// Cancelled runs never notify.
	r4 := NewRun(4, loud, OriginScheduler, 1, testEpoch, testEpoch)
	r4.Status = StatusCancelled
	n.RunFinished(r4)

	n.Stop()

	got := sink.all()
	require.Len(t, got, 2)
	assert.Equal(t, NotifySuccess, got[0].Kind)
	assert.Equal(t, NotifyFailure, got[1].Kind)
	assert.Contains(t, got[1].Body, "last line before death")
}

func TestNotifierKeywordHit(t *testing.T) {
	sink := &recordingSink{}
	n, _ := newTestNotifier(sink)
	n.Start()

	job := testJob("j", func(j *Job) { j.Notify.OnKeyword = true })
	r := NewRun(1, job, OriginScheduler, 1, testEpoch, testEpoch)
	n.KeywordHit(r, KeywordHit{RunID: 1, Kind: KeywordAlert, Message: "low disk", Line: "WARN low disk"})
	n.Stop()

	got := sink.all()
	require.Len(t, got, 1)
	assert.Equal(t, NotifyKeyword, got[0].Kind)
	assert.Contains(t, got[0].Title, "low disk")
}

// waitFor polls a condition with a real-time bound, for asserting on the
// notifier worker goroutine.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}
