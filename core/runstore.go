package core

import (
	"sort"
	"sync"
	"time"
)

// DefaultHistoryPerJob bounds the per-job terminal run history.
const DefaultHistoryPerJob = 20

// DefaultEventRingSize bounds the global event feed.
const DefaultEventRingSize = 200

// Event is one entry in the global activity feed: run transitions, keyword
// hits, mode and catalog changes.
type Event struct {
	At      time.Time `json:"at"`
	Kind    string    `json:"kind"`
	JobID   string    `json:"job_id,omitempty"`
	RunID   int64     `json:"run_id,omitempty"`
	Message string    `json:"message"`
}

// RunStore owns run identity and retention. IDs are monotone integers unique
// per process lifetime; terminal runs move to a bounded per-job history.
type RunStore struct {
	mu         sync.Mutex
	nextID     int64
	live       map[int64]*Run
	history    map[string][]*Run
	perJob     int
	events     []Event
	eventsNext int
	eventsFull bool
}

func NewRunStore(historyPerJob int) *RunStore {
	if historyPerJob <= 0 {
		historyPerJob = DefaultHistoryPerJob
	}
	return &RunStore{
		nextID:  1,
		live:    make(map[int64]*Run),
		history: make(map[string][]*Run),
		perJob:  historyPerJob,
		events:  make([]Event, DefaultEventRingSize),
	}
}

// NewRun allocates an ID and registers a pending run.
func (s *RunStore) NewRun(job *Job, origin RunOrigin, attempt int, scheduledFor, enqueuedAt time.Time) *Run {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextID
	s.nextID++
	r := NewRun(id, job, origin, attempt, scheduledFor, enqueuedAt)
	s.live[id] = r
	return r
}

// Get returns the run by ID, live or historical.
func (s *RunStore) Get(id int64) (*Run, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if r, ok := s.live[id]; ok {
		return r, true
	}
	for _, runs := range s.history {
		for _, r := range runs {
			if r.ID == id {
				return r, true
			}
		}
	}
	return nil, false
}

// Live returns all non-terminal runs sorted by ID.
func (s *RunStore) Live() []*Run {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*Run, 0, len(s.live))
	for _, r := range s.live {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// LiveForJob returns the job's non-terminal runs sorted by ID.
func (s *RunStore) LiveForJob(jobID string) []*Run {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*Run
	for _, r := range s.live {
		if r.JobID == jobID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// RunningCount returns how many runs are currently in status running.
func (s *RunStore) RunningCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for _, r := range s.live {
		if r.CurrentStatus() == StatusRunning {
			count++
		}
	}
	return count
}

// Retire moves a terminal run from the live set into the job's history ring,
// evicting the oldest entry past the retention cap.
func (s *RunStore) Retire(r *Run) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.live, r.ID)
	runs := append(s.history[r.JobID], r)
	if len(runs) > s.perJob {
		runs = runs[len(runs)-s.perJob:]
	}
	s.history[r.JobID] = runs
}

// History returns the job's retained terminal runs, most recent last.
func (s *RunStore) History(jobID string) []*Run {
	s.mu.Lock()
	defer s.mu.Unlock()

	runs := s.history[jobID]
	out := make([]*Run, len(runs))
	copy(out, runs)
	return out
}

// Record appends an entry to the global event feed.
func (s *RunStore) Record(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.events[s.eventsNext] = ev
	s.eventsNext = (s.eventsNext + 1) % len(s.events)
	if s.eventsNext == 0 {
		s.eventsFull = true
	}
}

// Events returns up to n recent entries, oldest first. n <= 0 returns all.
func (s *RunStore) Events(n int) []Event {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ordered []Event
	if s.eventsFull {
		ordered = append(ordered, s.events[s.eventsNext:]...)
		ordered = append(ordered, s.events[:s.eventsNext]...)
	} else {
		ordered = append(ordered, s.events[:s.eventsNext]...)
	}
	if n > 0 && len(ordered) > n {
		ordered = ordered[len(ordered)-n:]
	}
	return ordered
}
