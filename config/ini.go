package config

import (
	"fmt"
	"strings"

	"github.com/creasty/defaults"
	"gopkg.in/ini.v1"

	"github.com/taskgrid/taskgrid/core"
)

// Legacy INI section names.
const (
	sectionSchedule = "TaskSchedule"
	sectionPayloads = "TaskPayloads"
	sectionKeywords = "TaskKeywords"
)

// LoadINI adapts the older INI catalog format into equivalent jobs. Each key
// in [TaskSchedule] names a task; [TaskPayloads] supplies its command and
// [TaskKeywords] a comma-separated list of failure keywords.
func LoadINI(data []byte) ([]*core.Job, error) {
	f, err := ini.Load(data)
	if err != nil {
		return nil, fmt.Errorf("parse ini: %w", err)
	}

	schedule := f.Section(sectionSchedule)
	payloads := f.Section(sectionPayloads)
	keywords := f.Section(sectionKeywords)

	jobs := make([]*core.Job, 0, len(schedule.Keys()))
	for _, key := range schedule.Keys() {
		id := key.Name()

		command := payloads.Key(id).String()
		if command == "" {
			return nil, fmt.Errorf("task %q has a schedule but no payload", id)
		}

		trigger, err := parseLegacySchedule(key.String())
		if err != nil {
			return nil, fmt.Errorf("task %q: %w", id, err)
		}

		job := &core.Job{
			ID:      id,
			Name:    id,
			Trigger: trigger,
			Command: command,
		}
		if err := defaults.Set(job); err != nil {
			return nil, err
		}

		if raw := keywords.Key(id).String(); raw != "" {
			var patterns []string
			for _, p := range strings.Split(raw, ",") {
				if p = strings.TrimSpace(p); p != "" {
					patterns = append(patterns, p)
				}
			}
			if len(patterns) > 0 {
				job.Keywords = []core.KeywordRule{{
					Patterns: patterns,
					Kind:     core.KeywordFailure,
				}}
			}
		}

		if err := job.Validate(); err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// parseLegacySchedule maps the INI schedule shorthand onto a trigger spec:
// "HH:MM" daily, "HH:MM-HH:MM" random within window, a suffixed duration as
// an interval, anything else as a cron expression.
func parseLegacySchedule(s string) (core.TriggerSpec, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return core.TriggerSpec{}, fmt.Errorf("empty schedule")
	}

	if start, end, ok := strings.Cut(s, "-"); ok && isClock(start) && isClock(end) {
		return core.TriggerSpec{
			Kind:      core.TriggerRandom,
			StartTime: strings.TrimSpace(start),
			EndTime:   strings.TrimSpace(end),
		}, nil
	}
	if isClock(s) {
		return core.TriggerSpec{Kind: core.TriggerScheduled, StartTime: s}, nil
	}
	if every := strings.TrimPrefix(s, "@every "); !strings.Contains(every, " ") {
		if _, err := core.ParseInterval(every); err == nil {
			return core.TriggerSpec{Kind: core.TriggerInterval, Every: every}, nil
		}
	}

	spec := core.TriggerSpec{Kind: core.TriggerCron, Expression: s}
	if err := spec.Validate(); err != nil {
		return core.TriggerSpec{}, fmt.Errorf("unrecognized schedule %q", s)
	}
	return spec, nil
}

func isClock(s string) bool {
	s = strings.TrimSpace(s)
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return false
	}
	for _, p := range parts {
		if len(p) == 0 || len(p) > 2 {
			return false
		}
		for _, c := range p {
			if c < '0' || c > '9' {
				return false
			}
		}
	}
	return true
}
