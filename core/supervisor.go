package core

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/gobs/args"
)

// killGracePeriod is how long a process group gets between SIGTERM and
// SIGKILL.
const killGracePeriod = 5 * time.Second

const defaultHTTPStepTimeout = 30 * time.Second

// WebhookFunc delivers a templated payload. The daemon wires this to the
// notify sinks so webhook-send steps share their configuration.
type WebhookFunc func(template string, vars map[string]string) error

// Supervisor executes runs: the emulator prelude first, then the main steps in
// order. Output lines stream into the run's buffers and through the keyword
// scanner as they arrive. One run deadline covers the whole sequence.
type Supervisor struct {
	Clock  Clock
	Logger Logger

	// Webhook backs webhook-send steps. Nil makes those steps fail.
	Webhook WebhookFunc

	// OnKeyword fires for every keyword hit, from the reader goroutines.
	OnKeyword func(r *Run, hit KeywordHit)

	// GlobalLines receives every output line, prefixed with its run, for the
	// shared log tail.
	GlobalLines *LineRing

	// ADBPath is the adb binary used by device steps.
	ADBPath string

	HTTPClient *http.Client
}

func NewSupervisor(clock Clock, logger Logger) *Supervisor {
	return &Supervisor{
		Clock:      clock,
		Logger:     logger,
		ADBPath:    "adb",
		HTTPClient: &http.Client{Timeout: defaultHTTPStepTimeout},
	}
}

type runState struct {
	run     *Run
	scanner *KeywordScanner

	// deadline is nil when the job has no timeout; a nil channel never fires.
	deadline <-chan time.Time

	mu         sync.Mutex
	timedOut   bool
	aborted    bool
	failureHit bool
}

func (st *runState) setTimedOut() {
	st.mu.Lock()
	st.timedOut = true
	st.mu.Unlock()
}

func (st *runState) isTimedOut() bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.timedOut
}

func (st *runState) setAborted() {
	st.mu.Lock()
	st.aborted = true
	st.mu.Unlock()
}

func (st *runState) isAborted() bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.aborted
}

func (st *runState) recordHit(hit KeywordHit) {
	st.run.AddKeywordHit(hit)
	st.mu.Lock()
	if hit.Kind == KeywordFailure {
		st.failureHit = true
	}
	st.mu.Unlock()
}

func (st *runState) hasFailureHit() bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.failureHit
}

// Execute runs the job to a terminal state, blocking until done. On return the
// run's Status, Reason, ExitCode and FinishedAt are final.
func (s *Supervisor) Execute(r *Run) {
	job := r.Job()
	r.MarkStarted(s.Clock.Now())

	st := &runState{run: r, scanner: NewKeywordScanner(job.Keywords)}
	if t := job.Timeout(); t > 0 {
		st.deadline = s.Clock.After(t)
	}

	finish := func(status RunStatus, reason TermReason) {
		r.MarkFinished(status, reason, s.Clock.Now())
	}

	for _, step := range job.PreludeSteps() {
		if err := s.runStep(st, step); err != nil {
			switch {
			case st.isTimedOut():
				finish(StatusFailed, ReasonTimeout)
			case r.Cancelled():
				finish(StatusCancelled, ReasonCancel)
			default:
				s.Logger.Errorf("job %s run %d: prelude step %q failed: %v", job.ID, r.ID, step.Describe(), err)
				finish(StatusFailed, ReasonPrelude)
			}
			return
		}
	}

	var stepErr error
	for _, step := range job.MainSteps() {
		err := s.runStep(st, step)
		if err == nil {
			continue
		}
		if step.ContinueOnError && !st.isTimedOut() && !st.isAborted() && !r.Cancelled() {
			s.Logger.Warningf("job %s run %d: step %q failed, continuing: %v", job.ID, r.ID, step.Describe(), err)
			continue
		}
		stepErr = err
		break
	}

	switch {
	case st.isTimedOut():
		finish(StatusFailed, ReasonTimeout)
	case r.Cancelled():
		finish(StatusCancelled, ReasonCancel)
	case st.isAborted():
		finish(StatusFailed, ReasonKeyword)
	case stepErr != nil:
		var sp SpawnError
		var sig SignalExitError
		switch {
		case errors.As(stepErr, &sp):
			finish(StatusFailed, ReasonSpawn)
		case errors.As(stepErr, &sig):
			finish(StatusFailed, ReasonSignal)
		default:
			finish(StatusFailed, ReasonExit)
		}
	case st.hasFailureHit():
		// A failure keyword overrides a clean exit.
		finish(StatusFailed, ReasonKeyword)
	default:
		finish(StatusCompleted, ReasonExit)
	}
}

func (s *Supervisor) runStep(st *runState, step Step) error {
	if st.isTimedOut() {
		return fmt.Errorf("run deadline exceeded")
	}
	if st.run.Cancelled() {
		return fmt.Errorf("run cancelled")
	}

	switch step.Kind {
	case StepCommand:
		return s.runCommand(st, args.GetArgs(step.Command))
	case StepSleep:
		return s.interruptibleSleep(st, time.Duration(step.Seconds*float64(time.Second)))
	case StepFileWrite:
		return os.WriteFile(step.Path, []byte(step.Content), 0o644)
	case StepFileCopy:
		return copyFile(step.Source, step.Dest)
	case StepFileDelete:
		if err := os.Remove(step.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
		return nil
	case StepHTTPGet:
		return s.httpStep(st, http.MethodGet, step.URL, "")
	case StepHTTPPost:
		return s.httpStep(st, http.MethodPost, step.URL, step.Body)
	case StepWebhookSend:
		if s.Webhook == nil {
			return fmt.Errorf("no webhook sink configured")
		}
		return s.Webhook(step.Template, step.Vars)
	case StepADBWake:
		if err := s.runCommand(st, s.adb(step.Device, "shell", "input", "keyevent", "KEYCODE_WAKEUP")); err != nil {
			return err
		}
		// Swipe up to clear a possible lock screen.
		return s.runCommand(st, s.adb(step.Device, "shell", "input", "swipe", "300", "1000", "300", "500"))
	case StepResolutionCheck:
		return s.runCommand(st, s.adb(step.Device, "shell", "wm", "size", step.Resolution))
	case StepADBStartApp:
		var argv []string
		if step.Activity != "" {
			argv = s.adb(step.Device, "shell", "am", "start", "-n", step.Package+"/"+step.Activity)
		} else {
			argv = s.adb(step.Device, "shell", "monkey", "-p", step.Package, "-c", "android.intent.category.LAUNCHER", "1")
		}
		if err := s.runCommand(st, argv); err != nil {
			return err
		}
		if step.DelaySecs > 0 {
			return s.interruptibleSleep(st, time.Duration(step.DelaySecs)*time.Second)
		}
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrUnknownStepKind, step.Kind)
	}
}

func (s *Supervisor) adb(device string, rest ...string) []string {
	argv := []string{s.ADBPath}
	if device != "" {
		argv = append(argv, "-s", device)
	}
	return append(argv, rest...)
}

// runCommand starts the process in its own group, streams both pipes through
// the keyword scanner, and enforces the run deadline and cancellation by
// signalling the whole group.
func (s *Supervisor) runCommand(st *runState, argv []string) error {
	if len(argv) == 0 {
		return ErrEmptyCommand
	}
	job := st.run.Job()

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = job.WorkingDirectory
	cmd.SysProcAttr = sysProcAttr()
	if len(job.Environment) > 0 {
		cmd.Env = append(os.Environ(), flattenEnv(job.Environment)...)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return SpawnError{Err: err}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return SpawnError{Err: err}
	}
	if err := cmd.Start(); err != nil {
		return SpawnError{Err: err}
	}

	pid := cmd.Process.Pid
	exited := make(chan struct{})
	var killOnce sync.Once
	kill := func() {
		killOnce.Do(func() {
			go s.killGracefully(pid, exited)
		})
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.consume(st, stdout, kill)
	}()
	go func() {
		defer wg.Done()
		s.consume(st, stderr, kill)
	}()

	watchDone := make(chan struct{})
	go func() {
		select {
		case <-st.deadline:
			st.setTimedOut()
			kill()
		case <-st.run.CancelRequested():
			kill()
		case <-watchDone:
		}
	}()

	wg.Wait()
	waitErr := cmd.Wait()
	close(exited)
	close(watchDone)

	st.run.SetExitCode(cmd.ProcessState.ExitCode())

	if waitErr == nil {
		return nil
	}
	if sig, ok := exitSignal(waitErr); ok {
		return SignalExitError{Signal: sig}
	}
	if code := cmd.ProcessState.ExitCode(); code > 0 {
		return NonZeroExitError{ExitCode: code}
	}
	return waitErr
}

// consume reads one pipe line by line into the run buffers and the keyword
// scanner. An abort-on-hit failure keyword kills the process group.
func (s *Supervisor) consume(st *runState, rc io.Reader, kill func()) {
	scanner := bufio.NewScanner(rc)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		st.run.Lines().Append(line)
		fmt.Fprintln(st.run.OutputStream(), line)
		if s.GlobalLines != nil {
			s.GlobalLines.Append(fmt.Sprintf("[%s#%d] %s", st.run.JobID, st.run.ID, line))
		}

		if st.scanner.Empty() {
			continue
		}
		hit, abort, ok := st.scanner.Scan(st.run.ID, line, s.Clock.Now())
		if !ok {
			continue
		}
		st.recordHit(hit)
		s.Logger.Noticef("job %s run %d: keyword %s hit: %s", st.run.JobID, st.run.ID, hit.Kind, hit.Message)
		if s.OnKeyword != nil {
			s.OnKeyword(st.run, hit)
		}
		if abort {
			st.setAborted()
			kill()
		}
	}
}

// killGracefully signals the process group with SIGTERM, then SIGKILL after
// the grace period if it has not exited.
func (s *Supervisor) killGracefully(pid int, exited <-chan struct{}) {
	if err := terminateGroup(pid); err != nil {
		s.Logger.Debugf("terminate pgid %d: %v", pid, err)
	}
	select {
	case <-exited:
	case <-s.Clock.After(killGracePeriod):
		if err := killGroup(pid); err != nil {
			s.Logger.Debugf("kill pgid %d: %v", pid, err)
		}
	}
}

func (s *Supervisor) interruptibleSleep(st *runState, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	select {
	case <-s.Clock.After(d):
		return nil
	case <-st.deadline:
		st.setTimedOut()
		return fmt.Errorf("run deadline exceeded")
	case <-st.run.CancelRequested():
		return fmt.Errorf("run cancelled")
	}
}

func (s *Supervisor) httpStep(st *runState, method, url, body string) error {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		return err
	}
	if method == http.MethodPost {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := s.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	st.run.Lines().Append(fmt.Sprintf("%s %s -> %s", method, url, resp.Status))
	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("%s %s: unexpected status %s", method, url, resp.Status)
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func flattenEnv(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}
