// Package web serves the JSON control API over the scheduler engine.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/creasty/defaults"

	"github.com/taskgrid/taskgrid/core"
)

// Server is the HTTP control surface. It only reads and writes through the
// engine's public operations; no engine state lives here.
type Server struct {
	addr      string
	sched     *core.Scheduler
	globalLog *core.LineRing
	logger    core.Logger
	stopGrace time.Duration
	srv       *http.Server
}

// NewServer wires all endpoints. metricsHandler may be nil when metrics are
// disabled.
func NewServer(addr string, sched *core.Scheduler, globalLog *core.LineRing, metricsHandler http.Handler, logger core.Logger) *Server {
	s := &Server{
		addr:      addr,
		sched:     sched,
		globalLog: globalLog,
		logger:    logger,
		stopGrace: core.DefaultStopGrace,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/status", s.statusHandler)
	mux.HandleFunc("POST /api/scheduler/start", s.startHandler)
	mux.HandleFunc("POST /api/scheduler/stop", s.stopHandler)
	mux.HandleFunc("POST /api/scheduler/mode", s.modeHandler)

	mux.HandleFunc("GET /api/tasks", s.listTasksHandler)
	mux.HandleFunc("POST /api/tasks", s.createTaskHandler)
	mux.HandleFunc("GET /api/tasks/{id}", s.getTaskHandler)
	mux.HandleFunc("PUT /api/tasks/{id}", s.updateTaskHandler)
	mux.HandleFunc("DELETE /api/tasks/{id}", s.deleteTaskHandler)
	mux.HandleFunc("POST /api/tasks/{id}/run", s.runTaskHandler)
	mux.HandleFunc("POST /api/tasks/{id}/cancel", s.cancelTaskHandler)
	mux.HandleFunc("POST /api/tasks/{id}/enable", s.enableTaskHandler)
	mux.HandleFunc("POST /api/tasks/{id}/disable", s.disableTaskHandler)
	mux.HandleFunc("GET /api/tasks/{id}/logs", s.taskLogsHandler)
	mux.HandleFunc("GET /api/tasks/{id}/history", s.taskHistoryHandler)

	mux.HandleFunc("GET /api/runs/{id}", s.getRunHandler)
	mux.HandleFunc("POST /api/runs/{id}/cancel", s.cancelRunHandler)

	mux.HandleFunc("GET /api/logs", s.globalLogsHandler)
	mux.HandleFunc("GET /api/resource-groups", s.resourceGroupsHandler)
	mux.HandleFunc("GET /api/events", s.eventsHandler)
	mux.HandleFunc("POST /api/test-notification", s.testNotificationHandler)
	mux.HandleFunc("GET /healthz", s.healthzHandler)
	if metricsHandler != nil {
		mux.Handle("GET /metrics", metricsHandler)
	}

	rl := newRateLimiter(10, 30)
	var handler http.Handler = mux
	handler = securityHeaders(handler)
	handler = rl.middleware(handler)

	s.srv = &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	return s
}

// Handler exposes the full middleware chain for tests.
func (s *Server) Handler() http.Handler { return s.srv.Handler }

// Start begins serving. ListenAndServe errors other than a clean close are
// reported through the returned channel.
func (s *Server) Start() <-chan error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.logger.Noticef("control API listening on %s", s.addr)
	return errCh
}

func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}
	return nil
}

type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, apiError{Error: code, Message: message})
}

// writeEngineError maps engine errors onto the API's error shape.
func (s *Server) writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, core.ErrJobNotFound), errors.Is(err, core.ErrRunNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, core.ErrSchedulerBusy):
		writeError(w, http.StatusConflict, "scheduler_busy",
			"scheduler is running in auto mode; stop the scheduler or switch to single-task mode")
	case errors.Is(err, core.ErrRunNotCancelable):
		writeError(w, http.StatusConflict, "not_cancelable", err.Error())
	case errors.Is(err, core.ErrJobAlreadyExists):
		writeError(w, http.StatusConflict, "already_exists", err.Error())
	case errors.Is(err, core.ErrCatalogRejected), errors.Is(err, core.ErrUnknownMode):
		writeError(w, http.StatusBadRequest, "invalid_spec", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
	}
}

func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.sched.Status())
}

func (s *Server) startHandler(w http.ResponseWriter, r *http.Request) {
	s.sched.Start()
	writeJSON(w, http.StatusOK, s.sched.Status())
}

func (s *Server) stopHandler(w http.ResponseWriter, r *http.Request) {
	if err := s.sched.Stop(s.stopGrace); err != nil {
		s.logger.Warningf("stop: %v", err)
	}
	writeJSON(w, http.StatusOK, s.sched.Status())
}

func (s *Server) modeHandler(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Mode string `json:"mode"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}
	mode, err := core.ParseMode(body.Mode)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_mode", err.Error())
		return
	}
	if err := s.sched.SetMode(mode); err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.sched.Status())
}

// apiTask is the list-view summary of one job.
type apiTask struct {
	ID       string           `json:"id"`
	Name     string           `json:"name"`
	Enabled  bool             `json:"enabled"`
	Priority int              `json:"priority"`
	Group    string           `json:"resource_group"`
	Trigger  core.TriggerKind `json:"trigger"`
	NextFire time.Time        `json:"next_fire,omitzero"`
	LiveRuns int              `json:"live_runs"`
}

func (s *Server) listTasksHandler(w http.ResponseWriter, r *http.Request) {
	catalog := s.sched.Catalog()
	store := s.sched.Store()

	out := make([]apiTask, 0, len(catalog.Jobs))
	for _, job := range catalog.Jobs {
		t := apiTask{
			ID:       job.ID,
			Name:     job.DisplayName(),
			Enabled:  job.Enabled,
			Priority: job.Priority,
			Group:    job.ResourceGroup,
			Trigger:  job.Trigger.Kind,
			LiveRuns: len(store.LiveForJob(job.ID)),
		}
		if next, ok := s.sched.NextFire(job.ID); ok {
			t.NextFire = next
		}
		out = append(out, t)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) decodeJob(r *http.Request) (*core.Job, error) {
	job := &core.Job{}
	if err := defaults.Set(job); err != nil {
		return nil, err
	}
	if err := json.NewDecoder(r.Body).Decode(job); err != nil {
		return nil, err
	}
	return job, nil
}

func (s *Server) createTaskHandler(w http.ResponseWriter, r *http.Request) {
	job, err := s.decodeJob(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}
	if err := s.sched.AddJob(job); err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, job)
}

func (s *Server) getTaskHandler(w http.ResponseWriter, r *http.Request) {
	st, err := s.sched.JobStatus(r.PathValue("id"))
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) updateTaskHandler(w http.ResponseWriter, r *http.Request) {
	job, err := s.decodeJob(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}
	if id := r.PathValue("id"); job.ID == "" {
		job.ID = id
	} else if job.ID != id {
		writeError(w, http.StatusBadRequest, "invalid_body", "body id does not match path")
		return
	}
	if err := s.sched.UpdateJob(job); err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) deleteTaskHandler(w http.ResponseWriter, r *http.Request) {
	if err := s.sched.DeleteJob(r.PathValue("id")); err != nil {
		s.writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) runTaskHandler(w http.ResponseWriter, r *http.Request) {
	run, err := s.sched.RunJobNow(r.PathValue("id"))
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, run)
}

func (s *Server) cancelTaskHandler(w http.ResponseWriter, r *http.Request) {
	run, err := s.sched.CancelLatest(r.PathValue("id"))
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) enableTaskHandler(w http.ResponseWriter, r *http.Request) {
	s.toggleTask(w, r, true)
}

func (s *Server) disableTaskHandler(w http.ResponseWriter, r *http.Request) {
	s.toggleTask(w, r, false)
}

func (s *Server) toggleTask(w http.ResponseWriter, r *http.Request, enabled bool) {
	id := r.PathValue("id")
	if err := s.sched.SetJobEnabled(id, enabled); err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "enabled": enabled})
}

func (s *Server) taskLogsHandler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	lines := queryInt(r, "lines", 100)

	var run *core.Run
	if rawRun := r.URL.Query().Get("run"); rawRun != "" {
		runID, err := strconv.ParseInt(rawRun, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_run", "run must be an integer")
			return
		}
		got, ok := s.sched.Store().Get(runID)
		if !ok || got.JobID != id {
			writeError(w, http.StatusNotFound, "not_found", "run not found for task")
			return
		}
		run = got
	} else {
		run = s.latestRun(id)
		if run == nil {
			writeError(w, http.StatusNotFound, "not_found", "task has no runs")
			return
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"run_id": run.ID,
		"status": run.CurrentStatus(),
		"lines":  run.Lines().Tail(lines),
		"total":  run.Lines().Total(),
	})
}

// latestRun prefers the newest live run, falling back to history.
func (s *Server) latestRun(jobID string) *core.Run {
	store := s.sched.Store()
	if live := store.LiveForJob(jobID); len(live) > 0 {
		return live[len(live)-1]
	}
	if hist := store.History(jobID); len(hist) > 0 {
		return hist[len(hist)-1]
	}
	return nil
}

func (s *Server) taskHistoryHandler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if s.sched.Catalog().Job(id) == nil {
		writeError(w, http.StatusNotFound, "not_found", "unknown task")
		return
	}
	writeJSON(w, http.StatusOK, s.sched.Store().History(id))
}

func (s *Server) getRunHandler(w http.ResponseWriter, r *http.Request) {
	runID, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_run", "run id must be an integer")
		return
	}
	run, ok := s.sched.Store().Get(runID)
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "run not found")
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) cancelRunHandler(w http.ResponseWriter, r *http.Request) {
	runID, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_run", "run id must be an integer")
		return
	}
	if err := s.sched.CancelRun(runID); err != nil {
		s.writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) globalLogsHandler(w http.ResponseWriter, r *http.Request) {
	lines := queryInt(r, "lines", 200)
	writeJSON(w, http.StatusOK, map[string]any{
		"lines": s.globalLog.Tail(lines),
		"total": s.globalLog.Total(),
	})
}

func (s *Server) resourceGroupsHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.sched.Groups().Summaries())
}

func (s *Server) eventsHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.sched.Store().Events(queryInt(r, "limit", 100)))
}

func (s *Server) testNotificationHandler(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Title string `json:"title"`
		Body  string `json:"body"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	if body.Title == "" {
		body.Title = "test notification"
	}

	s.sched.Notifier().Publish(core.Notification{
		Kind:  core.NotifySystem,
		At:    time.Now(),
		Title: body.Title,
		Body:  body.Body,
	})
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
}

func (s *Server) healthzHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return fallback
	}
	return v
}
