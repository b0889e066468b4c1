package core

import (
	"fmt"
	"math/rand"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// TriggerKind is the closed set of trigger variants.
type TriggerKind string

const (
	TriggerCron      TriggerKind = "cron"
	TriggerInterval  TriggerKind = "interval"
	TriggerScheduled TriggerKind = "scheduled"
	TriggerRandom    TriggerKind = "random"
	TriggerWeekly    TriggerKind = "weekly"
	TriggerMonthly   TriggerKind = "monthly"
	TriggerDate      TriggerKind = "date"
)

// TriggerSpec declares when a job's next run should fire.
type TriggerSpec struct {
	Kind TriggerKind `yaml:"kind" json:"kind" mapstructure:"kind" validate:"required"`

	// cron: standard five-field expression.
	Expression string `yaml:"expression,omitempty" json:"expression,omitempty" mapstructure:"expression"`

	// interval: suffixed value such as "90s", "5m", "2h" or "9.5h".
	Every string `yaml:"every,omitempty" json:"every,omitempty" mapstructure:"every"`

	// scheduled/random/weekly/monthly: wall-clock times "HH:MM". EndTime, when
	// set, bounds the fire window (and success repeats).
	StartTime string `yaml:"start_time,omitempty" json:"start_time,omitempty" mapstructure:"start_time"`
	EndTime   string `yaml:"end_time,omitempty" json:"end_time,omitempty" mapstructure:"end_time"`

	// weekly: 0=Sunday..6=Saturday. monthly: 1..31.
	DaysOfWeek  []int `yaml:"days_of_week,omitempty" json:"days_of_week,omitempty" mapstructure:"days_of_week"`
	DaysOfMonth []int `yaml:"days_of_month,omitempty" json:"days_of_month,omitempty" mapstructure:"days_of_month"`

	// date: absolute datetimes "2006-01-02 15:04".
	Dates []string `yaml:"dates,omitempty" json:"dates,omitempty" mapstructure:"dates"`

	// Location overrides the system time zone for this job.
	Location string `yaml:"location,omitempty" json:"location,omitempty" mapstructure:"location"`
}

// Windowed reports whether the trigger carries a wall-clock window that can
// bound success repeats.
func (s *TriggerSpec) Windowed() bool {
	switch s.Kind {
	case TriggerScheduled, TriggerWeekly, TriggerMonthly, TriggerRandom:
		return s.StartTime != "" && s.EndTime != ""
	default:
		return false
	}
}

// Validate checks the per-variant required fields without evaluating.
func (s *TriggerSpec) Validate() error {
	switch s.Kind {
	case TriggerCron:
		if _, err := cron.ParseStandard(s.Expression); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidTrigger, err)
		}
	case TriggerInterval:
		if _, err := ParseInterval(s.Every); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidTrigger, err)
		}
	case TriggerScheduled:
		if _, _, err := parseClock(s.StartTime); err != nil {
			return fmt.Errorf("%w: start_time: %v", ErrInvalidTrigger, err)
		}
	case TriggerRandom:
		if _, _, err := parseClock(s.StartTime); err != nil {
			return fmt.Errorf("%w: start_time: %v", ErrInvalidTrigger, err)
		}
		if _, _, err := parseClock(s.EndTime); err != nil {
			return fmt.Errorf("%w: end_time: %v", ErrInvalidTrigger, err)
		}
	case TriggerWeekly:
		if len(s.DaysOfWeek) == 0 {
			return fmt.Errorf("%w: weekly trigger requires days_of_week", ErrInvalidTrigger)
		}
		for _, d := range s.DaysOfWeek {
			if d < 0 || d > 6 {
				return fmt.Errorf("%w: day_of_week %d out of range", ErrInvalidTrigger, d)
			}
		}
		if _, _, err := parseClock(s.StartTime); err != nil {
			return fmt.Errorf("%w: start_time: %v", ErrInvalidTrigger, err)
		}
	case TriggerMonthly:
		if len(s.DaysOfMonth) == 0 {
			return fmt.Errorf("%w: monthly trigger requires days_of_month", ErrInvalidTrigger)
		}
		for _, d := range s.DaysOfMonth {
			if d < 1 || d > 31 {
				return fmt.Errorf("%w: day_of_month %d out of range", ErrInvalidTrigger, d)
			}
		}
		if _, _, err := parseClock(s.StartTime); err != nil {
			return fmt.Errorf("%w: start_time: %v", ErrInvalidTrigger, err)
		}
	case TriggerDate:
		if len(s.Dates) == 0 {
			return fmt.Errorf("%w: date trigger requires dates", ErrInvalidTrigger)
		}
		for _, d := range s.Dates {
			if _, err := parseDatetime(d, time.UTC); err != nil {
				return fmt.Errorf("%w: %v", ErrInvalidTrigger, err)
			}
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidTrigger, s.Kind)
	}
	if s.Location != "" {
		if _, err := time.LoadLocation(s.Location); err != nil {
			return fmt.Errorf("%w: location: %v", ErrInvalidTrigger, err)
		}
	}
	return nil
}

// ParseInterval parses a suffixed interval: integer seconds/minutes/hours
// ("30s", "5m", "2h") with decimal hours allowed ("9.5h"). A bare number is
// taken as seconds.
func ParseInterval(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty interval")
	}

	unit := time.Second
	num := s
	switch s[len(s)-1] {
	case 's':
		num = s[:len(s)-1]
	case 'm':
		unit = time.Minute
		num = s[:len(s)-1]
	case 'h':
		unit = time.Hour
		num = s[:len(s)-1]
	}

	v, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid interval %q", s)
	}
	d := time.Duration(v * float64(unit))
	if d <= 0 {
		return 0, fmt.Errorf("interval %q must be positive", s)
	}
	return d, nil
}

func parseClock(s string) (hour, minute int, err error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid time %q, want HH:MM", s)
	}
	hour, err = strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, fmt.Errorf("invalid hour in %q", s)
	}
	minute, err = strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("invalid minute in %q", s)
	}
	return hour, minute, nil
}

func parseDatetime(s string, loc *time.Location) (time.Time, error) {
	normalized := strings.ReplaceAll(strings.TrimSpace(s), "T", " ")
	for _, layout := range []string{"2006-01-02 15:04", "2006-01-02 15:04:05"} {
		if t, err := time.ParseInLocation(layout, normalized, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid datetime %q, want YYYY-MM-DD HH:MM", s)
}

// Evaluator computes next fire times for trigger specs. It is deterministic
// for every variant except random, whose draw comes from the seeded source.
type Evaluator struct {
	loc *time.Location

	mu  sync.Mutex
	rnd *rand.Rand
}

// NewEvaluator returns an evaluator using the system local zone and a
// time-seeded random source.
func NewEvaluator() *Evaluator {
	return NewEvaluatorWithSeed(time.Now().UnixNano())
}

// NewEvaluatorWithSeed pins the random source; tests use a fixed seed.
func NewEvaluatorWithSeed(seed int64) *Evaluator {
	return &Evaluator{
		loc: time.Local,
		rnd: rand.New(rand.NewSource(seed)),
	}
}

// Next computes the next fire time at or after ref for the given
// spec. lastFire is the most recent fire of this trigger (zero if none); it
// suppresses a second fire inside an already-served window. The boolean is
// false when the trigger will never fire again.
func (e *Evaluator) Next(spec TriggerSpec, ref, lastFire time.Time) (time.Time, bool) {
	loc := e.loc
	if spec.Location != "" {
		if l, err := time.LoadLocation(spec.Location); err == nil {
			loc = l
		}
	}
	ref = ref.In(loc)

	switch spec.Kind {
	case TriggerCron:
		return e.nextCron(spec, ref)
	case TriggerInterval:
		return e.nextInterval(spec, ref, lastFire)
	case TriggerScheduled:
		return e.nextDaily(spec, ref, lastFire, loc)
	case TriggerRandom:
		return e.nextRandom(spec, ref, lastFire, loc)
	case TriggerWeekly:
		return e.nextWeekly(spec, ref, lastFire, loc)
	case TriggerMonthly:
		return e.nextMonthly(spec, ref, lastFire, loc)
	case TriggerDate:
		return e.nextDate(spec, ref, lastFire, loc)
	default:
		return time.Time{}, false
	}
}

// Window returns the [start, end] window containing fire, for windowed
// triggers. The window may have opened the previous day when it crosses
// midnight.
func (e *Evaluator) Window(spec TriggerSpec, fire time.Time) (start, end time.Time, ok bool) {
	if !spec.Windowed() {
		return time.Time{}, time.Time{}, false
	}
	loc := e.loc
	if spec.Location != "" {
		if l, err := time.LoadLocation(spec.Location); err == nil {
			loc = l
		}
	}
	fire = fire.In(loc)

	start, end = dayWindow(spec, fire, loc)
	if fire.Before(start) {
		start, end = dayWindow(spec, fire.AddDate(0, 0, -1), loc)
	}
	return start, end, true
}

func (e *Evaluator) nextCron(spec TriggerSpec, ref time.Time) (time.Time, bool) {
	sched, err := cron.ParseStandard(spec.Expression)
	if err != nil {
		return time.Time{}, false
	}
	next := sched.Next(ref)
	if next.IsZero() {
		return time.Time{}, false
	}
	return next, true
}

func (e *Evaluator) nextInterval(spec TriggerSpec, ref, lastFire time.Time) (time.Time, bool) {
	every, err := ParseInterval(spec.Every)
	if err != nil {
		return time.Time{}, false
	}
	if lastFire.IsZero() {
		// First fire is one interval away.
		return ref.Add(every), true
	}
	return lastFire.Add(every), true
}

// nextDaily handles the scheduled trigger: one fire per day at StartTime, due
// for the whole window [start, end] so an engine started mid-window still
// fires.
func (e *Evaluator) nextDaily(spec TriggerSpec, ref, lastFire time.Time, loc *time.Location) (time.Time, bool) {
	for day := 0; day < 2; day++ {
		base := ref.AddDate(0, 0, day)
		start, end := dayWindow(spec, base, loc)
		if firedWithin(lastFire, start, end) {
			continue
		}
		if windowExpired(ref, start, end) {
			continue
		}
		return start, true
	}
	// Both today and tomorrow served; the day after is always fresh.
	start, _ := dayWindow(spec, ref.AddDate(0, 0, 2), loc)
	return start, true
}

func (e *Evaluator) nextRandom(spec TriggerSpec, ref, lastFire time.Time, loc *time.Location) (time.Time, bool) {
	start, end := dayWindow(spec, ref, loc)

	// Once fired within a window, no further random fires in that same window.
	if firedWithin(lastFire, start, end) || ref.After(end) {
		start = start.AddDate(0, 0, 1)
		end = end.AddDate(0, 0, 1)
	}

	effective := start
	if ref.After(effective) {
		effective = ref
	}
	if !effective.Before(end) {
		return end, true
	}

	span := end.Sub(effective)
	e.mu.Lock()
	offset := time.Duration(e.rnd.Int63n(int64(span) + 1))
	e.mu.Unlock()
	return effective.Add(offset), true
}

func (e *Evaluator) nextWeekly(spec TriggerSpec, ref, lastFire time.Time, loc *time.Location) (time.Time, bool) {
	match := make(map[time.Weekday]bool, len(spec.DaysOfWeek))
	for _, d := range spec.DaysOfWeek {
		match[time.Weekday(d)] = true
	}

	for day := 0; day < 9; day++ {
		base := ref.AddDate(0, 0, day)
		if !match[base.Weekday()] {
			continue
		}
		start, end := dayWindow(spec, base, loc)
		if firedWithin(lastFire, start, end) || windowExpired(ref, start, end) {
			continue
		}
		return start, true
	}
	return time.Time{}, false
}

func (e *Evaluator) nextMonthly(spec TriggerSpec, ref, lastFire time.Time, loc *time.Location) (time.Time, bool) {
	match := make(map[int]bool, len(spec.DaysOfMonth))
	for _, d := range spec.DaysOfMonth {
		match[d] = true
	}

	// 62 days covers any two consecutive months.
	for day := 0; day < 63; day++ {
		base := ref.AddDate(0, 0, day)
		if !match[base.Day()] {
			continue
		}
		start, end := dayWindow(spec, base, loc)
		if firedWithin(lastFire, start, end) || windowExpired(ref, start, end) {
			continue
		}
		return start, true
	}
	return time.Time{}, false
}

func (e *Evaluator) nextDate(spec TriggerSpec, ref, lastFire time.Time, loc *time.Location) (time.Time, bool) {
	var best time.Time
	for _, raw := range spec.Dates {
		t, err := parseDatetime(raw, loc)
		if err != nil {
			continue
		}
		if !t.After(ref) || (!lastFire.IsZero() && !t.After(lastFire)) {
			continue
		}
		if best.IsZero() || t.Before(best) {
			best = t
		}
	}
	if best.IsZero() {
		return time.Time{}, false
	}
	return best, true
}

// dayWindow returns the trigger's [start, end] window anchored on base's date.
// Without an EndTime the window collapses to the start instant. An end at or
// before the start crosses midnight into the next day.
func dayWindow(spec TriggerSpec, base time.Time, loc *time.Location) (start, end time.Time) {
	sh, sm, _ := parseClock(spec.StartTime)
	start = atLocalTime(base.Year(), base.Month(), base.Day(), sh, sm, loc)
	if spec.EndTime == "" {
		return start, start
	}
	eh, em, err := parseClock(spec.EndTime)
	if err != nil {
		return start, start
	}
	end = atLocalTime(base.Year(), base.Month(), base.Day(), eh, em, loc)
	if !end.After(start) {
		end = end.AddDate(0, 0, 1)
	}
	return start, end
}

func firedWithin(lastFire, start, end time.Time) bool {
	return !lastFire.IsZero() && !lastFire.Before(start) && !lastFire.After(end)
}

func windowExpired(ref, _, end time.Time) bool {
	return ref.After(end)
}

// atLocalTime resolves a nominal wall-clock time on a date. Inside a DST gap
// the nominal time does not exist; the earliest valid instant at or after it
// is used. When an instant recurs, time.Date yields the earlier occurrence.
func atLocalTime(year int, month time.Month, day, hour, minute int, loc *time.Location) time.Time {
	t := time.Date(year, month, day, hour, minute, 0, 0, loc)
	if t.Hour() == hour && t.Minute() == minute {
		return t
	}
	want := hour*60 + minute
	probe := time.Date(year, month, day, 0, 0, 0, 0, loc)
	limit := probe.Add(48 * time.Hour)
	for probe.Before(limit) {
		if probe.Day() == day && probe.Hour()*60+probe.Minute() >= want {
			return probe
		}
		probe = probe.Add(time.Minute)
	}
	return t
}
