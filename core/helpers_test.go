package core

import (
	"fmt"
	"sync"
	"time"
)

// testLogger captures log lines for assertions without external output.
type testLogger struct {
	mu    sync.Mutex
	lines []string
}

func (l *testLogger) record(level, format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lines = append(l.lines, level+": "+fmt.Sprintf(format, args...))
}

func (l *testLogger) Criticalf(format string, args ...any) { l.record("CRITICAL", format, args...) }
func (l *testLogger) Debugf(format string, args ...any)    { l.record("DEBUG", format, args...) }
func (l *testLogger) Errorf(format string, args ...any)    { l.record("ERROR", format, args...) }
func (l *testLogger) Noticef(format string, args ...any)   { l.record("NOTICE", format, args...) }
func (l *testLogger) Warningf(format string, args ...any)  { l.record("WARNING", format, args...) }

func (l *testLogger) all() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.lines))
	copy(out, l.lines)
	return out
}

var testEpoch = time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

func testJob(id string, mutate ...func(*Job)) *Job {
	j := &Job{
		ID:            id,
		Enabled:       true,
		ResourceGroup: "default",
		Trigger:       TriggerSpec{Kind: TriggerInterval, Every: "60s"},
		Command:       "echo ok",
		Retry:         RetryPolicy{FailureRetryDelaySeconds: 60, SuccessRepeatDelaySeconds: 60},
	}
	for _, m := range mutate {
		m(j)
	}
	return j
}

func testCatalog(jobs ...*Job) *Catalog {
	c, err := NewCatalog(1, nil, jobs)
	if err != nil {
		panic(err)
	}
	return c
}

// newTestScheduler wires a scheduler over a fake clock with no metrics and a
// sinkless notifier. The loop goroutine is not started; tests drive tick
// directly.
func newTestScheduler(jobs ...*Job) (*Scheduler, *FakeClock, *testLogger) {
	clock := NewFakeClock(testEpoch)
	logger := &testLogger{}
	sup := NewSupervisor(clock, logger)
	notifier := NewNotifier(clock, logger, nil)
	s := NewScheduler(testCatalog(jobs...), clock, logger, sup, notifier)
	s.eval.loc = time.UTC
	return s, clock, logger
}

// awaitFinished drives reap for the next terminal run, failing the test on a
// real-time timeout.
func (s *Scheduler) awaitFinished(timeout time.Duration) (*Run, bool) {
	select {
	case r := <-s.finished:
		s.reap(r)
		return r, true
	case <-time.After(timeout):
		return nil, false
	}
}
