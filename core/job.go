package core

import (
	"fmt"
	"time"
)

// Job is the declarative definition of a runnable task. Jobs are owned by the
// catalog and published to the engine as immutable snapshots; runs reference
// their job by ID only.
type Job struct {
	ID          string `yaml:"id" json:"id" mapstructure:"id" validate:"required"`
	Name        string `yaml:"name" json:"name" mapstructure:"name"`
	Description string `yaml:"description,omitempty" json:"description,omitempty" mapstructure:"description"`
	Enabled     bool   `yaml:"enabled" json:"enabled" mapstructure:"enabled" default:"true"`

	// Priority orders pending runs: lower value wins. Ties break by earliest
	// scheduled_for, then enqueue time, then job ID.
	Priority      int    `yaml:"priority" json:"priority" mapstructure:"priority" validate:"gte=-100,lte=100"`
	ResourceGroup string `yaml:"resource_group" json:"resource_group" mapstructure:"resource_group" default:"default"`

	Trigger TriggerSpec `yaml:"trigger" json:"trigger" mapstructure:"trigger"`

	// Command is shorthand for a single command step. Steps, when present,
	// replace it with an ordered list of tagged step variants.
	Command          string            `yaml:"command,omitempty" json:"command,omitempty" mapstructure:"command"`
	Steps            []Step            `yaml:"steps,omitempty" json:"steps,omitempty" mapstructure:"steps"`
	WorkingDirectory string            `yaml:"working_directory,omitempty" json:"working_directory,omitempty" mapstructure:"working_directory"`
	Environment      map[string]string `yaml:"environment,omitempty" json:"environment,omitempty" mapstructure:"environment"`

	// TimeoutSeconds bounds the whole run, prelude included. 0 = no timeout.
	TimeoutSeconds int `yaml:"timeout_seconds" json:"timeout_seconds" mapstructure:"timeout_seconds" validate:"gte=0"`

	Retry    RetryPolicy   `yaml:"retry" json:"retry" mapstructure:"retry"`
	Keywords []KeywordRule `yaml:"keywords,omitempty" json:"keywords,omitempty" mapstructure:"keywords"`
	Notify   NotifyFlags   `yaml:"notify" json:"notify" mapstructure:"notify"`

	// Emulator pre-steps, synthesized into a prelude before the main steps.
	Emulator *EmulatorPrelude `yaml:"emulator,omitempty" json:"emulator,omitempty" mapstructure:"emulator"`
}

// RetryPolicy controls failure retries and in-window success repeats.
type RetryPolicy struct {
	MaxFailureRetries        int  `yaml:"max_failure_retries" json:"max_failure_retries" mapstructure:"max_failure_retries" validate:"gte=0"`
	FailureRetryDelaySeconds int  `yaml:"failure_retry_delay_seconds" json:"failure_retry_delay_seconds" mapstructure:"failure_retry_delay_seconds" default:"60" validate:"gte=0"`
	SuccessRepeatWithinWindow bool `yaml:"success_repeat_within_window" json:"success_repeat_within_window" mapstructure:"success_repeat_within_window"`
	SuccessRepeatDelaySeconds int  `yaml:"success_repeat_delay_seconds" json:"success_repeat_delay_seconds" mapstructure:"success_repeat_delay_seconds" default:"60" validate:"gte=0"`
	SuccessRepeatMax          int  `yaml:"success_repeat_max" json:"success_repeat_max" mapstructure:"success_repeat_max" validate:"gte=0"`
}

// KeywordRule matches emitted output lines and fires a typed event.
// Rules are tested in declaration order; first match wins per line.
type KeywordRule struct {
	Patterns   []string    `yaml:"patterns" json:"patterns" mapstructure:"patterns" validate:"min=1"`
	Kind       KeywordKind `yaml:"kind" json:"kind" mapstructure:"kind" validate:"oneof=success failure alert"`
	Message    string      `yaml:"message,omitempty" json:"message,omitempty" mapstructure:"message"`
	IgnoreCase bool        `yaml:"ignore_case,omitempty" json:"ignore_case,omitempty" mapstructure:"ignore_case"`
	// AbortOnHit cancels the still-running process on the first failure hit.
	AbortOnHit bool `yaml:"abort_on_hit,omitempty" json:"abort_on_hit,omitempty" mapstructure:"abort_on_hit"`
}

type KeywordKind string

const (
	KeywordSuccess KeywordKind = "success"
	KeywordFailure KeywordKind = "failure"
	KeywordAlert   KeywordKind = "alert"
)

// NotifyFlags selects which run transitions dispatch notifications.
type NotifyFlags struct {
	OnStart   bool `yaml:"on_start" json:"on_start" mapstructure:"on_start"`
	OnSuccess bool `yaml:"on_success" json:"on_success" mapstructure:"on_success"`
	OnFailure bool `yaml:"on_failure" json:"on_failure" mapstructure:"on_failure" default:"true"`
	OnKeyword bool `yaml:"on_keyword" json:"on_keyword" mapstructure:"on_keyword"`
}

// EmulatorPrelude declares device pre-steps: wake/keep-awake, optional
// resolution assertion, and app launch via the device shell.
type EmulatorPrelude struct {
	DeviceID           string `yaml:"device_id" json:"device_id" mapstructure:"device_id" validate:"required"`
	TargetResolution   string `yaml:"target_resolution,omitempty" json:"target_resolution,omitempty" mapstructure:"target_resolution"`
	StartupApp         string `yaml:"startup_app,omitempty" json:"startup_app,omitempty" mapstructure:"startup_app"`
	StartupActivity    string `yaml:"startup_activity,omitempty" json:"startup_activity,omitempty" mapstructure:"startup_activity"`
	LaunchDelaySeconds int    `yaml:"launch_delay_seconds,omitempty" json:"launch_delay_seconds,omitempty" mapstructure:"launch_delay_seconds" validate:"gte=0"`
}

// ResourceGroupSpec declares a named concurrency pool.
type ResourceGroupSpec struct {
	Name          string `yaml:"name" json:"name" mapstructure:"name" validate:"required"`
	Description   string `yaml:"description,omitempty" json:"description,omitempty" mapstructure:"description"`
	MaxConcurrent int    `yaml:"max_concurrent" json:"max_concurrent" mapstructure:"max_concurrent" default:"1" validate:"gte=1"`
}

// Validate checks the job's semantic invariants beyond what struct tags can
// express. Violations reject the whole catalog version.
func (j *Job) Validate() error {
	if j.ID == "" {
		return fmt.Errorf("job id is required")
	}
	if j.Priority < -100 || j.Priority > 100 {
		return WrapJobError("validate", j.ID, ErrPriorityRange)
	}
	if err := j.Trigger.Validate(); err != nil {
		return WrapJobError("validate", j.ID, err)
	}
	if len(j.MainSteps()) == 0 {
		return WrapJobError("validate", j.ID, ErrEmptyCommand)
	}
	for i := range j.Steps {
		if err := j.Steps[i].Validate(); err != nil {
			return WrapJobError("validate", j.ID, fmt.Errorf("step %d: %w", i+1, err))
		}
	}
	if j.TimeoutSeconds < 0 {
		return WrapJobError("validate", j.ID, fmt.Errorf("timeout_seconds must be >= 0"))
	}
	if j.Retry.MaxFailureRetries < 0 || j.Retry.SuccessRepeatMax < 0 {
		return WrapJobError("validate", j.ID, fmt.Errorf("retry counts must be >= 0"))
	}
	if j.Retry.SuccessRepeatWithinWindow && !j.Trigger.Windowed() {
		return WrapJobError("validate", j.ID, ErrMissingWindow)
	}
	for _, rule := range j.Keywords {
		if len(rule.Patterns) == 0 {
			return WrapJobError("validate", j.ID, fmt.Errorf("keyword rule without patterns"))
		}
		switch rule.Kind {
		case KeywordSuccess, KeywordFailure, KeywordAlert:
		default:
			return WrapJobError("validate", j.ID, fmt.Errorf("unknown keyword kind %q", rule.Kind))
		}
	}
	if j.Emulator != nil && j.Emulator.DeviceID == "" {
		return WrapJobError("validate", j.ID, fmt.Errorf("emulator prelude requires device_id"))
	}
	return nil
}

// Timeout returns the run timeout as a duration, zero meaning none.
func (j *Job) Timeout() time.Duration {
	return time.Duration(j.TimeoutSeconds) * time.Second
}

// DisplayName returns the human name, falling back to the ID.
func (j *Job) DisplayName() string {
	if j.Name != "" {
		return j.Name
	}
	return j.ID
}

// MainSteps returns the job's step list, expanding the Command shorthand.
func (j *Job) MainSteps() []Step {
	if len(j.Steps) > 0 {
		return j.Steps
	}
	if j.Command != "" {
		return []Step{{Kind: StepCommand, Command: j.Command}}
	}
	return nil
}

// Catalog is an immutable published snapshot of jobs and groups. Writers build
// a new Catalog and publish it; readers hold their snapshot until the next
// scheduler tick.
type Catalog struct {
	Version int64
	Groups  []ResourceGroupSpec
	Jobs    []*Job

	byID map[string]*Job
}

// NewCatalog builds a catalog snapshot and indexes jobs by ID.
// Returns an error for duplicate job IDs or references to unknown groups.
func NewCatalog(version int64, groups []ResourceGroupSpec, jobs []*Job) (*Catalog, error) {
	c := &Catalog{
		Version: version,
		Groups:  groups,
		Jobs:    jobs,
		byID:    make(map[string]*Job, len(jobs)),
	}

	known := make(map[string]bool, len(groups)+1)
	known["default"] = true
	for _, g := range groups {
		known[g.Name] = true
	}

	for _, j := range jobs {
		if _, dup := c.byID[j.ID]; dup {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateJobID, j.ID)
		}
		if !known[j.ResourceGroup] {
			return nil, fmt.Errorf("%w: job %q references %q", ErrUnknownGroup, j.ID, j.ResourceGroup)
		}
		c.byID[j.ID] = j
	}
	return c, nil
}

// Job returns the job with the given ID, or nil.
func (c *Catalog) Job(id string) *Job {
	if c == nil {
		return nil
	}
	return c.byID[id]
}

// GroupSpecs returns the declared groups plus the implicit default group when
// it is not declared explicitly.
func (c *Catalog) GroupSpecs() []ResourceGroupSpec {
	for _, g := range c.Groups {
		if g.Name == "default" {
			return c.Groups
		}
	}
	out := make([]ResourceGroupSpec, 0, len(c.Groups)+1)
	out = append(out, ResourceGroupSpec{Name: "default", MaxConcurrent: 1})
	out = append(out, c.Groups...)
	return out
}
