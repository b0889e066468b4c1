package core

import "fmt"

// StepKind is the closed set of step variants a job may execute. New kinds are
// a schema change, not runtime registration.
type StepKind string

const (
	StepCommand         StepKind = "command"
	StepSleep           StepKind = "sleep"
	StepFileWrite       StepKind = "file-write"
	StepFileCopy        StepKind = "file-copy"
	StepFileDelete      StepKind = "file-delete"
	StepHTTPGet         StepKind = "http-get"
	StepHTTPPost        StepKind = "http-post"
	StepWebhookSend     StepKind = "webhook-send"
	StepADBWake         StepKind = "adb-wake"
	StepADBStartApp     StepKind = "adb-start-app"
	StepResolutionCheck StepKind = "resolution-check"
)

// Step is one unit of work inside a run. Steps execute sequentially; a failing
// step fails the run unless ContinueOnError is set.
type Step struct {
	Kind            StepKind `yaml:"kind" json:"kind" mapstructure:"kind"`
	ContinueOnError bool     `yaml:"continue_on_error,omitempty" json:"continue_on_error,omitempty" mapstructure:"continue_on_error"`

	// command
	Command string `yaml:"command,omitempty" json:"command,omitempty" mapstructure:"command"`

	// sleep
	Seconds float64 `yaml:"seconds,omitempty" json:"seconds,omitempty" mapstructure:"seconds"`

	// file-write / file-copy / file-delete
	Path    string `yaml:"path,omitempty" json:"path,omitempty" mapstructure:"path"`
	Content string `yaml:"content,omitempty" json:"content,omitempty" mapstructure:"content"`
	Source  string `yaml:"source,omitempty" json:"source,omitempty" mapstructure:"source"`
	Dest    string `yaml:"dest,omitempty" json:"dest,omitempty" mapstructure:"dest"`

	// http-get / http-post
	URL  string `yaml:"url,omitempty" json:"url,omitempty" mapstructure:"url"`
	Body string `yaml:"body,omitempty" json:"body,omitempty" mapstructure:"body"`

	// webhook-send
	Template string            `yaml:"template,omitempty" json:"template,omitempty" mapstructure:"template"`
	Vars     map[string]string `yaml:"vars,omitempty" json:"vars,omitempty" mapstructure:"vars"`

	// adb-wake / adb-start-app / resolution-check
	Device     string `yaml:"device,omitempty" json:"device,omitempty" mapstructure:"device"`
	Resolution string `yaml:"resolution,omitempty" json:"resolution,omitempty" mapstructure:"resolution"`
	Package    string `yaml:"package,omitempty" json:"package,omitempty" mapstructure:"package"`
	Activity   string `yaml:"activity,omitempty" json:"activity,omitempty" mapstructure:"activity"`
	DelaySecs  int    `yaml:"delay_seconds,omitempty" json:"delay_seconds,omitempty" mapstructure:"delay_seconds"`
}

// Validate checks the per-variant required fields.
func (s *Step) Validate() error {
	switch s.Kind {
	case StepCommand:
		if s.Command == "" {
			return ErrEmptyCommand
		}
	case StepSleep:
		if s.Seconds <= 0 {
			return fmt.Errorf("sleep step: seconds must be positive")
		}
	case StepFileWrite:
		if s.Path == "" {
			return fmt.Errorf("file-write step: path required")
		}
	case StepFileCopy:
		if s.Source == "" || s.Dest == "" {
			return fmt.Errorf("file-copy step: source and dest required")
		}
	case StepFileDelete:
		if s.Path == "" {
			return fmt.Errorf("file-delete step: path required")
		}
	case StepHTTPGet, StepHTTPPost:
		if s.URL == "" {
			return fmt.Errorf("%s step: url required", s.Kind)
		}
	case StepWebhookSend:
		if s.Template == "" {
			return fmt.Errorf("webhook-send step: template required")
		}
	case StepADBWake, StepResolutionCheck:
		if s.Device == "" {
			return fmt.Errorf("%s step: device required", s.Kind)
		}
	case StepADBStartApp:
		if s.Device == "" || s.Package == "" {
			return fmt.Errorf("adb-start-app step: device and package required")
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownStepKind, s.Kind)
	}
	return nil
}

// Describe returns a short human label for run logs.
func (s *Step) Describe() string {
	switch s.Kind {
	case StepCommand:
		return s.Command
	case StepSleep:
		return fmt.Sprintf("sleep %.1fs", s.Seconds)
	case StepFileWrite:
		return "write " + s.Path
	case StepFileCopy:
		return fmt.Sprintf("copy %s -> %s", s.Source, s.Dest)
	case StepFileDelete:
		return "delete " + s.Path
	case StepHTTPGet:
		return "GET " + s.URL
	case StepHTTPPost:
		return "POST " + s.URL
	case StepWebhookSend:
		return "webhook " + s.Template
	case StepADBWake:
		return "adb wake " + s.Device
	case StepADBStartApp:
		return fmt.Sprintf("adb start %s on %s", s.Package, s.Device)
	case StepResolutionCheck:
		return fmt.Sprintf("assert resolution %s on %s", s.Resolution, s.Device)
	default:
		return string(s.Kind)
	}
}

// PreludeSteps synthesizes the emulator pre-steps into an ordered step list:
// device wake, optional resolution assertion, optional app launch. A failing
// prelude step marks the run failed with reason prelude before the main steps
// are reached.
func (j *Job) PreludeSteps() []Step {
	e := j.Emulator
	if e == nil {
		return nil
	}

	steps := []Step{{Kind: StepADBWake, Device: e.DeviceID}}
	if e.TargetResolution != "" {
		steps = append(steps, Step{
			Kind:       StepResolutionCheck,
			Device:     e.DeviceID,
			Resolution: e.TargetResolution,
		})
	}
	if e.StartupApp != "" {
		steps = append(steps, Step{
			Kind:      StepADBStartApp,
			Device:    e.DeviceID,
			Package:   e.StartupApp,
			Activity:  e.StartupActivity,
			DelaySecs: e.LaunchDelaySeconds,
		})
	}
	return steps
}
