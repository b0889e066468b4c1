package core

import (
	"fmt"
	"sync"
	"time"
)

// NotifyKind classifies an outbound notification.
type NotifyKind string

const (
	NotifyStart   NotifyKind = "start"
	NotifySuccess NotifyKind = "success"
	NotifyFailure NotifyKind = "failure"
	NotifyKeyword NotifyKind = "keyword"
	NotifySystem  NotifyKind = "system"
)

// Notification is one outbound message, fanned out to every configured sink.
type Notification struct {
	Kind  NotifyKind `json:"kind"`
	At    time.Time  `json:"at"`
	JobID string     `json:"job_id,omitempty"`
	RunID int64      `json:"run_id,omitempty"`
	Title string     `json:"title"`
	Body  string     `json:"body,omitempty"`
}

// NotifySink delivers notifications to one destination.
type NotifySink interface {
	Name() string
	Notify(n Notification) error
}

const (
	defaultNotifyLimit  = 5
	defaultNotifyWindow = time.Minute
	notifyQueueDepth    = 256
)

type notifyBucket struct {
	jobID   string
	kind    NotifyKind
	start   time.Time
	sent    int
	dropped int
}

// Notifier fans notifications out to sinks from a single worker goroutine, so
// slow sinks never stall the engine. Per (job, kind) delivery is capped inside
// a sliding window; suppressed messages surface as one summary when the window
// expires, through a periodic sweep so a silent burst still reports itself.
type Notifier struct {
	clock  Clock
	logger Logger
	sinks  []NotifySink

	limit  int
	window time.Duration

	ch     chan Notification
	done   chan struct{}
	ticker Ticker

	mu      sync.Mutex
	buckets map[string]*notifyBucket
}

func NewNotifier(clock Clock, logger Logger, sinks []NotifySink) *Notifier {
	return &Notifier{
		clock:   clock,
		logger:  logger,
		sinks:   sinks,
		limit:   defaultNotifyLimit,
		window:  defaultNotifyWindow,
		ch:      make(chan Notification, notifyQueueDepth),
		done:    make(chan struct{}),
		buckets: make(map[string]*notifyBucket),
	}
}

// SetRateLimit overrides the per (job, kind) cap. limit <= 0 disables
// suppression. Call before Start.
func (n *Notifier) SetRateLimit(limit int, window time.Duration) {
	n.limit = limit
	if window > 0 {
		n.window = window
	}
}

func (n *Notifier) Start() {
	n.ticker = n.clock.NewTicker(n.window)
	go n.worker()
}

// Stop drains the queue and waits for the worker to exit.
func (n *Notifier) Stop() {
	close(n.ch)
	<-n.done
}

// Publish enqueues without blocking; a full queue drops the message with a
// log line rather than stalling the caller.
func (n *Notifier) Publish(msg Notification) {
	select {
	case n.ch <- msg:
	default:
		n.logger.Warningf("notification queue full, dropping %s for job %s", msg.Kind, msg.JobID)
	}
}

func (n *Notifier) worker() {
	defer close(n.done)
	defer n.ticker.Stop()
	for {
		select {
		case msg, ok := <-n.ch:
			if !ok {
				// Flush summaries for windows that already expired; an open
				// window keeps its count to itself.
				for _, s := range n.sweep(n.clock.Now()) {
					n.deliver(s)
				}
				return
			}
			summary, allow := n.admit(msg)
			if summary != nil {
				n.deliver(*summary)
			}
			if allow {
				n.deliver(msg)
			}
		case now := <-n.ticker.C():
			for _, s := range n.sweep(now) {
				n.deliver(s)
			}
		}
	}
}

// sweep drops buckets whose window has expired and returns an overflow
// summary for each one that suppressed deliveries, so a burst with no
// follow-up traffic still gets reported.
func (n *Notifier) sweep(now time.Time) []Notification {
	n.mu.Lock()
	defer n.mu.Unlock()

	var out []Notification
	for key, b := range n.buckets {
		if now.Sub(b.start) < n.window {
			continue
		}
		if b.dropped > 0 {
			out = append(out, Notification{
				Kind:  NotifySystem,
				At:    now,
				JobID: b.jobID,
				Title: fmt.Sprintf("suppressed %d %s notifications for %s", b.dropped, b.kind, b.jobID),
			})
		}
		delete(n.buckets, key)
	}
	return out
}

// admit applies the windowed cap. It returns a pending overflow summary when
// the message's window just rolled over with suppressed deliveries.
func (n *Notifier) admit(msg Notification) (*Notification, bool) {
	if n.limit <= 0 {
		return nil, true
	}

	key := msg.JobID + "/" + string(msg.Kind)
	now := n.clock.Now()

	n.mu.Lock()
	defer n.mu.Unlock()

	b, ok := n.buckets[key]
	if !ok {
		b = &notifyBucket{jobID: msg.JobID, kind: msg.Kind, start: now}
		n.buckets[key] = b
	}

	var summary *Notification
	if now.Sub(b.start) >= n.window {
		if b.dropped > 0 {
			summary = &Notification{
				Kind:  NotifySystem,
				At:    now,
				JobID: msg.JobID,
				Title: fmt.Sprintf("suppressed %d %s notifications for %s", b.dropped, msg.Kind, msg.JobID),
			}
		}
		b.start = now
		b.sent = 0
		b.dropped = 0
	}

	if b.sent < n.limit {
		b.sent++
		return summary, true
	}
	b.dropped++
	return summary, false
}

func (n *Notifier) deliver(msg Notification) {
	for _, sink := range n.sinks {
		if err := sink.Notify(msg); err != nil {
			n.logger.Errorf("notify via %s failed: %v", sink.Name(), err)
		}
	}
}

// RunStarted publishes a start notification when the job opted in.
func (n *Notifier) RunStarted(r *Run) {
	job := r.Job()
	if job == nil || !job.Notify.OnStart {
		return
	}
	n.Publish(Notification{
		Kind:  NotifyStart,
		At:    r.StartedAt,
		JobID: r.JobID,
		RunID: r.ID,
		Title: fmt.Sprintf("%s started (run %d, %s)", job.DisplayName(), r.ID, r.Origin),
	})
}

// RunFinished publishes a success or failure notification per the job's
// flags. Cancelled and preempted runs stay quiet.
func (n *Notifier) RunFinished(r *Run) {
	job := r.Job()
	if job == nil {
		return
	}

	switch r.Status {
	case StatusCompleted:
		if !job.Notify.OnSuccess {
			return
		}
		n.Publish(Notification{
			Kind:  NotifySuccess,
			At:    r.FinishedAt,
			JobID: r.JobID,
			RunID: r.ID,
			Title: fmt.Sprintf("%s succeeded (run %d)", job.DisplayName(), r.ID),
		})
	case StatusFailed:
		if !job.Notify.OnFailure {
			return
		}
		n.Publish(Notification{
			Kind:  NotifyFailure,
			At:    r.FinishedAt,
			JobID: r.JobID,
			RunID: r.ID,
			Title: fmt.Sprintf("%s failed (run %d, %s, exit %d)", job.DisplayName(), r.ID, r.Reason, r.ExitCode),
			Body:  tailBody(r, 10),
		})
	}
}

// KeywordHit publishes a keyword notification when the job opted in.
func (n *Notifier) KeywordHit(r *Run, hit KeywordHit) {
	job := r.Job()
	if job == nil || !job.Notify.OnKeyword {
		return
	}
	n.Publish(Notification{
		Kind:  NotifyKeyword,
		At:    hit.At,
		JobID: r.JobID,
		RunID: r.ID,
		Title: fmt.Sprintf("%s keyword %s: %s", job.DisplayName(), hit.Kind, hit.Message),
		Body:  hit.Line,
	})
}

func tailBody(r *Run, lines int) string {
	tail := r.Lines().Tail(lines)
	if len(tail) == 0 {
		return ""
	}
	out := ""
	for i, l := range tail {
		if i > 0 {
			out += "\n"
		}
		out += l
	}
	return out
}
