package core

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// SchedulerMode is the global admission policy.
type SchedulerMode string

const (
	// ModeAuto admits runs freely under group caps.
	ModeAuto SchedulerMode = "auto"
	// ModeSingle admits only manual runs, at most one running at a time.
	ModeSingle SchedulerMode = "single"
)

// ParseMode maps the API's mode strings onto SchedulerMode.
func ParseMode(s string) (SchedulerMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "auto":
		return ModeAuto, nil
	case "single":
		return ModeSingle, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownMode, s)
}

// DefaultTickInterval is the scheduler loop cadence.
const DefaultTickInterval = time.Second

// DefaultStopGrace bounds how long Stop waits for cancelled runs to exit.
const DefaultStopGrace = 10 * time.Second

// manualPriority is the boost applied to operator-initiated runs so they win
// queue ordering.
const manualPriority = -100

// MetricsRecorder receives engine lifecycle hooks. The prometheus collector
// implements it; a nil recorder disables instrumentation.
type MetricsRecorder interface {
	RunStarted(jobID string)
	RunFinished(jobID string, status RunStatus, reason TermReason, duration time.Duration)
	KeywordHit(kind KeywordKind)
}

// Scheduler is the engine: it ticks, plans due fires, admits queued runs
// under group caps and mode policy, launches them through the supervisor, and
// reacts to terminal runs with retries, repeats and notifications.
//
// The loop goroutine stays alive for the process lifetime; the Start/Stop API
// only toggles trigger planning. While stopped, finished runs are still
// reaped and manual runs are still admitted.
type Scheduler struct {
	clock    Clock
	logger   Logger
	eval     *Evaluator
	queue    *RunQueue
	groups   *GroupTable
	store    *RunStore
	sup      *Supervisor
	notifier *Notifier

	mu        sync.Mutex
	catalog   *Catalog
	mode      SchedulerMode
	active    bool
	nextFires map[string]time.Time
	lastFires map[string]time.Time

	metrics MetricsRecorder

	wake     chan struct{}
	finished chan *Run
	quit     chan struct{}
	loopDone chan struct{}
	quitOnce sync.Once

	runWG sync.WaitGroup
}

// NewScheduler builds a stopped engine over the catalog. Call Run to start the
// loop and Start to begin trigger planning.
func NewScheduler(catalog *Catalog, clock Clock, logger Logger, sup *Supervisor, notifier *Notifier) *Scheduler {
	s := &Scheduler{
		clock:     clock,
		logger:    logger,
		eval:      NewEvaluator(),
		queue:     NewRunQueue(),
		groups:    NewGroupTable(catalog.GroupSpecs()),
		store:     NewRunStore(DefaultHistoryPerJob),
		sup:       sup,
		notifier:  notifier,
		catalog:   catalog,
		mode:      ModeAuto,
		nextFires: make(map[string]time.Time),
		lastFires: make(map[string]time.Time),
		wake:      make(chan struct{}, 1),
		finished:  make(chan *Run, 64),
		quit:      make(chan struct{}),
		loopDone:  make(chan struct{}),
	}

	prevKeyword := sup.OnKeyword
	sup.OnKeyword = func(r *Run, hit KeywordHit) {
		s.store.Record(Event{
			At:      hit.At,
			Kind:    "keyword_hit",
			JobID:   r.JobID,
			RunID:   r.ID,
			Message: fmt.Sprintf("%s: %s", hit.Kind, hit.Message),
		})
		s.notifier.KeywordHit(r, hit)
		if s.metrics != nil {
			s.metrics.KeywordHit(hit.Kind)
		}
		if prevKeyword != nil {
			prevKeyword(r, hit)
		}
	}
	return s
}

// SetMetrics installs the metrics recorder. Call before Run.
func (s *Scheduler) SetMetrics(m MetricsRecorder) { s.metrics = m }

// Store exposes the run record store for the API layer.
func (s *Scheduler) Store() *RunStore { return s.store }

// Groups exposes the resource group table for the API layer.
func (s *Scheduler) Groups() *GroupTable { return s.groups }

// Notifier exposes the notifier, used for synthetic test notifications.
func (s *Scheduler) Notifier() *Notifier { return s.notifier }

// Evaluator exposes the trigger evaluator.
func (s *Scheduler) Evaluator() *Evaluator { return s.eval }

// Catalog returns the current catalog snapshot.
func (s *Scheduler) Catalog() *Catalog {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.catalog
}

// Mode returns the current admission mode.
func (s *Scheduler) Mode() SchedulerMode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

// Active reports whether trigger planning is running.
func (s *Scheduler) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// QueueSnapshot returns the pending runs in admission order.
func (s *Scheduler) QueueSnapshot() []*Run { return s.queue.Snapshot() }

// Run executes the scheduler loop until Shutdown. Callers run it on its own
// goroutine.
func (s *Scheduler) Run() {
	defer close(s.loopDone)

	ticker := s.clock.NewTicker(DefaultTickInterval)
	defer ticker.Stop()

	s.logger.Debugf("scheduler loop started")
	for {
		select {
		case <-s.quit:
			return
		case r := <-s.finished:
			s.reap(r)
			s.tick()
		case <-s.wake:
			s.tick()
		case <-ticker.C():
			s.tick()
		}
	}
}

// tick is one pass of planning and admission. A panic here is a bug in the
// engine; it is logged and the loop continues on the next tick.
func (s *Scheduler) tick() {
	defer func() {
		if rec := recover(); rec != nil {
			s.logger.Errorf("scheduler tick panicked: %v", rec)
		}
	}()

	now := s.clock.Now()
	s.planDue(now)
	s.admitAll(now)
}

// planDue asks the evaluator for due fires and enqueues scheduler-origin
// runs. A fire whose job still has a live run is coalesced: dropped with a
// skip event, never queued behind itself.
func (s *Scheduler) planDue(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.active || s.mode != ModeAuto {
		return
	}

	for _, job := range s.catalog.Jobs {
		if !job.Enabled {
			continue
		}

		next, ok := s.nextFires[job.ID]
		if !ok {
			n, has := s.eval.Next(job.Trigger, now, s.lastFires[job.ID])
			if !has {
				continue
			}
			s.nextFires[job.ID] = n
			next = n
		}
		if next.After(now) {
			continue
		}

		delete(s.nextFires, job.ID)
		s.lastFires[job.ID] = next

		if len(s.store.LiveForJob(job.ID)) > 0 {
			s.logger.Warningf("job %s: fire at %s coalesced, a prior run is still live", job.ID, next.Format(time.RFC3339))
			s.store.Record(Event{
				At:      now,
				Kind:    "fire_skipped",
				JobID:   job.ID,
				Message: fmt.Sprintf("fire at %s dropped, prior run still live", next.Format(time.RFC3339)),
			})
			continue
		}

		r := s.store.NewRun(job, OriginScheduler, 1, next, now)
		if _, end, windowed := s.eval.Window(job.Trigger, next); windowed {
			r.WindowOriginFire = next
			r.WindowEnd = end
		}
		s.queue.Push(r)
		s.logger.Debugf("job %s: run %d enqueued for %s", job.ID, r.ID, next.Format(time.RFC3339))
		s.store.Record(Event{At: now, Kind: "run_enqueued", JobID: job.ID, RunID: r.ID, Message: "scheduled fire"})
	}
}

// admitAll drains the queue while mode and group caps permit.
func (s *Scheduler) admitAll(now time.Time) {
	for {
		s.mu.Lock()
		active, mode := s.active, s.mode
		s.mu.Unlock()

		if mode == ModeSingle && s.store.RunningCount() >= 1 {
			return
		}

		eligible := func(r *Run) bool {
			if !active || mode == ModeSingle {
				return r.Manual
			}
			return true
		}
		r := s.queue.PopBestAdmissible(now, eligible, func(r *Run) bool {
			return s.groups.TryAcquire(r.ResourceGroup, r.ID)
		})
		if r == nil {
			return
		}
		if r.Cancelled() {
			s.groups.Release(r.ResourceGroup, r.ID)
			s.finalizePending(r, StatusCancelled, ReasonCancel)
			continue
		}
		s.launch(r)
	}
}

func (s *Scheduler) launch(r *Run) {
	r.MarkStarted(s.clock.Now())

	job := r.Job()
	s.logger.Noticef("job %s: run %d started (%s, attempt %d)", job.ID, r.ID, r.Origin, r.Attempt)
	s.store.Record(Event{At: r.StartedAt, Kind: "run_started", JobID: r.JobID, RunID: r.ID, Message: string(r.Origin)})
	s.notifier.RunStarted(r)
	if s.metrics != nil {
		s.metrics.RunStarted(r.JobID)
	}

	s.runWG.Add(1)
	go func() {
		defer s.runWG.Done()
		s.sup.Execute(r)
		s.finished <- r
	}()
}

// reap handles one terminal run: releases its slot, archives it, notifies,
// and enqueues any retry or success-repeat follow-up.
func (s *Scheduler) reap(r *Run) {
	s.groups.Release(r.ResourceGroup, r.ID)
	s.store.Retire(r)

	s.logger.Noticef("job %s: run %d finished %s (%s, exit %d)", r.JobID, r.ID, r.Status, r.Reason, r.ExitCode)
	s.store.Record(Event{
		At:      r.FinishedAt,
		Kind:    "run_finished",
		JobID:   r.JobID,
		RunID:   r.ID,
		Message: fmt.Sprintf("%s (%s)", r.Status, r.Reason),
	})
	s.notifier.RunFinished(r)
	if s.metrics != nil {
		var dur time.Duration
		if !r.StartedAt.IsZero() {
			dur = r.FinishedAt.Sub(r.StartedAt)
		}
		s.metrics.RunFinished(r.JobID, r.Status, r.Reason, dur)
	}

	fu, ok := PlanFollowUp(r)
	if !ok {
		return
	}

	s.mu.Lock()
	active, mode, catalog := s.active, s.mode, s.catalog
	s.mu.Unlock()

	if (!active || mode != ModeAuto) && !fu.Manual {
		s.logger.Debugf("job %s: dropping %s follow-up, scheduler not in auto", r.JobID, fu.Origin)
		return
	}

	// Follow-ups consult the live catalog: a deleted job spawns nothing, and
	// a disabled one only continues a manual lineage.
	job := catalog.Job(r.JobID)
	if job == nil || (!job.Enabled && !fu.Manual) {
		s.logger.Debugf("job %s: dropping %s follow-up, job removed or disabled", r.JobID, fu.Origin)
		return
	}

	nr := s.store.NewRun(job, fu.Origin, fu.Attempt, fu.ScheduledFor, s.clock.Now())
	nr.Repeat = fu.Repeat
	nr.Manual = fu.Manual
	nr.WindowOriginFire = fu.WindowOriginFire
	nr.WindowEnd = fu.WindowEnd
	if fu.Manual {
		nr.Priority = manualPriority
	}
	s.queue.Push(nr)
	s.logger.Noticef("job %s: %s run %d scheduled for %s", r.JobID, fu.Origin, nr.ID, fu.ScheduledFor.Format(time.RFC3339))
	s.store.Record(Event{
		At:      s.clock.Now(),
		Kind:    "run_enqueued",
		JobID:   r.JobID,
		RunID:   nr.ID,
		Message: fmt.Sprintf("%s after run %d", fu.Origin, r.ID),
	})
}

// finalizePending retires a run that never acquired its group slot.
func (s *Scheduler) finalizePending(r *Run, status RunStatus, reason TermReason) {
	r.MarkFinished(status, reason, s.clock.Now())
	s.store.Retire(r)
	s.store.Record(Event{
		At:      r.FinishedAt,
		Kind:    "run_finished",
		JobID:   r.JobID,
		RunID:   r.ID,
		Message: string(status),
	})
}

// Start begins trigger planning. Idempotent.
func (s *Scheduler) Start() {
	s.mu.Lock()
	if s.active {
		s.mu.Unlock()
		return
	}
	s.active = true
	s.nextFires = make(map[string]time.Time)
	s.mu.Unlock()

	s.logger.Noticef("scheduler started")
	s.store.Record(Event{At: s.clock.Now(), Kind: "scheduler_started", Message: "trigger planning enabled"})
	s.notifier.Publish(Notification{Kind: NotifySystem, At: s.clock.Now(), Title: "scheduler started"})
	s.kick()
}

// Stop halts trigger planning, cancels every pending run, and signals every
// running run, waiting up to grace for them to exit. Runs issued manually
// afterwards are still admitted.
func (s *Scheduler) Stop(grace time.Duration) error {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return nil
	}
	s.active = false
	s.nextFires = make(map[string]time.Time)
	s.mu.Unlock()

	for _, r := range s.queue.DrainIf(func(*Run) bool { return true }) {
		s.finalizePending(r, StatusCancelled, ReasonCancel)
	}

	cancelled := 0
	for _, r := range s.store.Live() {
		if r.CurrentStatus() == StatusRunning {
			r.Cancel()
			cancelled++
		}
	}

	s.logger.Noticef("scheduler stopped, %d running runs signalled", cancelled)
	s.store.Record(Event{At: s.clock.Now(), Kind: "scheduler_stopped", Message: fmt.Sprintf("%d running runs signalled", cancelled)})
	s.notifier.Publish(Notification{Kind: NotifySystem, At: s.clock.Now(), Title: "scheduler stopped"})

	if grace <= 0 || cancelled == 0 {
		return nil
	}
	return s.awaitRuns(grace)
}

func (s *Scheduler) awaitRuns(grace time.Duration) error {
	done := make(chan struct{})
	go func() {
		s.runWG.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-s.clock.After(grace):
		return ErrStopTimeout
	}
}

// SetMode switches the admission policy. AUTO to SINGLE preempts every
// pending non-manual run; SINGLE back to AUTO recomputes all fires.
func (s *Scheduler) SetMode(mode SchedulerMode) error {
	if mode != ModeAuto && mode != ModeSingle {
		return fmt.Errorf("%w: %q", ErrUnknownMode, mode)
	}

	s.mu.Lock()
	if s.mode == mode {
		s.mu.Unlock()
		return nil
	}
	s.mode = mode
	if mode == ModeAuto {
		s.nextFires = make(map[string]time.Time)
	}
	s.mu.Unlock()

	if mode == ModeSingle {
		for _, r := range s.queue.DrainIf(func(r *Run) bool { return !r.Manual }) {
			s.finalizePending(r, StatusPreempted, "")
		}
	}

	s.logger.Noticef("scheduler mode set to %s", mode)
	s.store.Record(Event{At: s.clock.Now(), Kind: "mode_changed", Message: string(mode)})
	s.notifier.Publish(Notification{Kind: NotifySystem, At: s.clock.Now(), Title: fmt.Sprintf("scheduler mode changed to %s", mode)})
	s.kick()
	return nil
}

// RunJobNow creates a manual run. Refused while the scheduler is actively
// planning in auto mode; the operator stops the scheduler or switches to
// single mode first.
func (s *Scheduler) RunJobNow(jobID string) (*Run, error) {
	s.mu.Lock()
	catalog, mode, active := s.catalog, s.mode, s.active
	s.mu.Unlock()

	job := catalog.Job(jobID)
	if job == nil {
		return nil, WrapJobError("run", jobID, ErrJobNotFound)
	}
	if active && mode == ModeAuto {
		return nil, ErrSchedulerBusy
	}

	now := s.clock.Now()
	r := s.store.NewRun(job, OriginManual, 1, now, now)
	r.Manual = true
	r.Priority = manualPriority
	s.queue.Push(r)

	s.logger.Noticef("job %s: manual run %d requested", jobID, r.ID)
	s.store.Record(Event{At: now, Kind: "run_enqueued", JobID: jobID, RunID: r.ID, Message: "manual"})
	s.kick()
	return r, nil
}

// CancelRun cancels one run by ID. Pending runs retire immediately without
// touching their group; running runs get the cancel signal and retire when
// the supervisor reaps them. Cancelling an already cancelled run is a no-op.
func (s *Scheduler) CancelRun(runID int64) error {
	r, ok := s.store.Get(runID)
	if !ok {
		return ErrRunNotFound
	}

	switch r.CurrentStatus() {
	case StatusPending:
		r.Cancel()
		if s.queue.Remove(runID) {
			s.finalizePending(r, StatusCancelled, ReasonCancel)
		}
		return nil
	case StatusRunning:
		r.Cancel()
		return nil
	case StatusCancelled:
		return nil
	default:
		return ErrRunNotCancelable
	}
}

// CancelLatest cancels the most recent live run of a job.
func (s *Scheduler) CancelLatest(jobID string) (*Run, error) {
	live := s.store.LiveForJob(jobID)
	if len(live) == 0 {
		return nil, ErrRunNotFound
	}
	r := live[len(live)-1]
	if err := s.CancelRun(r.ID); err != nil {
		return nil, err
	}
	return r, nil
}

// Reload swaps in a new catalog snapshot. In-flight runs keep their original
// job snapshot; planning state is recomputed against the new version.
func (s *Scheduler) Reload(catalog *Catalog) {
	s.mu.Lock()
	s.catalog = catalog
	s.nextFires = make(map[string]time.Time)
	for id := range s.lastFires {
		if catalog.Job(id) == nil {
			delete(s.lastFires, id)
		}
	}
	s.mu.Unlock()

	s.groups.Reload(catalog.GroupSpecs())
	s.logger.Noticef("catalog version %d loaded: %d jobs, %d groups", catalog.Version, len(catalog.Jobs), len(catalog.GroupSpecs()))
	s.store.Record(Event{
		At:      s.clock.Now(),
		Kind:    "catalog_loaded",
		Message: fmt.Sprintf("version %d, %d jobs", catalog.Version, len(catalog.Jobs)),
	})
	s.kick()
}

// AddJob publishes a new catalog version with the job appended.
func (s *Scheduler) AddJob(job *Job) error {
	if err := job.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrCatalogRejected, err)
	}

	s.mu.Lock()
	cur := s.catalog
	s.mu.Unlock()

	if cur.Job(job.ID) != nil {
		return fmt.Errorf("%w: %q", ErrJobAlreadyExists, job.ID)
	}
	jobs := append(append([]*Job{}, cur.Jobs...), job)
	next, err := NewCatalog(cur.Version+1, cur.Groups, jobs)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCatalogRejected, err)
	}
	s.Reload(next)
	return nil
}

// UpdateJob publishes a new catalog version with the job replaced in place.
func (s *Scheduler) UpdateJob(job *Job) error {
	if err := job.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrCatalogRejected, err)
	}

	s.mu.Lock()
	cur := s.catalog
	s.mu.Unlock()

	if cur.Job(job.ID) == nil {
		return WrapJobError("update", job.ID, ErrJobNotFound)
	}
	jobs := make([]*Job, len(cur.Jobs))
	for i, j := range cur.Jobs {
		if j.ID == job.ID {
			jobs[i] = job
		} else {
			jobs[i] = j
		}
	}
	next, err := NewCatalog(cur.Version+1, cur.Groups, jobs)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCatalogRejected, err)
	}
	s.Reload(next)
	return nil
}

// DeleteJob publishes a new catalog version without the job. Its live runs
// finish undisturbed; pending ones are cancelled.
func (s *Scheduler) DeleteJob(jobID string) error {
	s.mu.Lock()
	cur := s.catalog
	s.mu.Unlock()

	if cur.Job(jobID) == nil {
		return WrapJobError("delete", jobID, ErrJobNotFound)
	}
	jobs := make([]*Job, 0, len(cur.Jobs)-1)
	for _, j := range cur.Jobs {
		if j.ID != jobID {
			jobs = append(jobs, j)
		}
	}
	next, err := NewCatalog(cur.Version+1, cur.Groups, jobs)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCatalogRejected, err)
	}

	for _, r := range s.queue.DrainIf(func(r *Run) bool { return r.JobID == jobID }) {
		s.finalizePending(r, StatusCancelled, ReasonCancel)
	}
	s.Reload(next)
	return nil
}

// SetJobEnabled toggles one job without replacing its spec.
func (s *Scheduler) SetJobEnabled(jobID string, enabled bool) error {
	s.mu.Lock()
	cur := s.catalog
	s.mu.Unlock()

	job := cur.Job(jobID)
	if job == nil {
		return WrapJobError("toggle", jobID, ErrJobNotFound)
	}
	if job.Enabled == enabled {
		return nil
	}
	clone := *job
	clone.Enabled = enabled
	return s.UpdateJob(&clone)
}

// NextFire computes the job's next fire time without mutating planner state.
func (s *Scheduler) NextFire(jobID string) (time.Time, bool) {
	s.mu.Lock()
	catalog := s.catalog
	last := s.lastFires[jobID]
	if next, ok := s.nextFires[jobID]; ok {
		s.mu.Unlock()
		return next, true
	}
	s.mu.Unlock()

	job := catalog.Job(jobID)
	if job == nil || !job.Enabled {
		return time.Time{}, false
	}
	return s.eval.Next(job.Trigger, s.clock.Now(), last)
}

// SchedulerStatus is the read model behind GET /api/status.
type SchedulerStatus struct {
	Running        bool          `json:"running"`
	Mode           SchedulerMode `json:"mode"`
	TotalJobs      int           `json:"total_jobs"`
	RunningRuns    int           `json:"running_runs"`
	QueueDepth     int           `json:"queue_depth"`
	CatalogVersion int64         `json:"catalog_version"`
}

func (s *Scheduler) Status() SchedulerStatus {
	s.mu.Lock()
	active, mode, catalog := s.active, s.mode, s.catalog
	s.mu.Unlock()

	return SchedulerStatus{
		Running:        active,
		Mode:           mode,
		TotalJobs:      len(catalog.Jobs),
		RunningRuns:    s.store.RunningCount(),
		QueueDepth:     s.queue.Len(),
		CatalogVersion: catalog.Version,
	}
}

// JobStatus is the read model behind GET /api/tasks/{id}.
type JobStatus struct {
	Job      *Job      `json:"job"`
	NextFire time.Time `json:"next_fire,omitzero"`
	LastFire time.Time `json:"last_fire,omitzero"`
	Live     []*Run    `json:"live_runs"`
	History  []*Run    `json:"history"`
}

func (s *Scheduler) JobStatus(jobID string) (JobStatus, error) {
	s.mu.Lock()
	catalog := s.catalog
	last := s.lastFires[jobID]
	s.mu.Unlock()

	job := catalog.Job(jobID)
	if job == nil {
		return JobStatus{}, WrapJobError("get", jobID, ErrJobNotFound)
	}

	st := JobStatus{
		Job:      job,
		LastFire: last,
		Live:     s.store.LiveForJob(jobID),
		History:  s.store.History(jobID),
	}
	if next, ok := s.NextFire(jobID); ok {
		st.NextFire = next
	}
	return st, nil
}

// Shutdown stops planning, cancels everything, and terminates the loop. The
// error reports runs that outlived the grace period.
func (s *Scheduler) Shutdown(grace time.Duration) error {
	_ = s.Stop(0) // without grace Stop never fails

	waitErr := s.awaitRuns(grace)

	s.quitOnce.Do(func() { close(s.quit) })
	<-s.loopDone
	return waitErr
}

// kick nudges the loop without waiting for the next tick.
func (s *Scheduler) kick() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}
