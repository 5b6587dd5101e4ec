package scheduler

import (
	"fmt"
	"strconv"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/slok/codeclaw/internal/model"
)

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// nextRunFunc returns the earliest run of a schedule value strictly after now.
type nextRunFunc func(value string, now time.Time, loc *time.Location) (time.Time, error)

var nextRunFuncs = map[model.ScheduleKind]nextRunFunc{
	model.ScheduleKindCron:     cronNextRun,
	model.ScheduleKindInterval: intervalNextRun,
	model.ScheduleKindOnce:     onceNextRun,
}

// NextRun computes the next run of a schedule, strictly after now.
func NextRun(s model.Schedule, now time.Time, loc *time.Location) (time.Time, error) {
	if err := s.Validate(); err != nil {
		return time.Time{}, err
	}
	if loc == nil {
		loc = time.UTC
	}

	f, ok := nextRunFuncs[s.Kind]
	if !ok {
		return time.Time{}, fmt.Errorf("unknown schedule kind %q: %w", s.Kind, model.ErrNotValid)
	}

	next, err := f(s.Value, now, loc)
	if err != nil {
		return time.Time{}, err
	}

	return next.UTC(), nil
}

// Reschedule computes the next run after a dispatch at now. Once schedules are
// retired so it returns nil for them.
func Reschedule(s model.Schedule, now time.Time, loc *time.Location) (*time.Time, error) {
	if s.Kind == model.ScheduleKindOnce {
		return nil, nil
	}

	next, err := NextRun(s, now, loc)
	if err != nil {
		return nil, err
	}
	return &next, nil
}

func cronNextRun(value string, now time.Time, loc *time.Location) (time.Time, error) {
	sched, err := cronParser.Parse(value)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid cron expression %q: %w", value, model.ErrNotValid)
	}

	next := sched.Next(now.In(loc))
	if next.IsZero() {
		return time.Time{}, fmt.Errorf("cron expression %q never matches: %w", value, model.ErrNotValid)
	}
	return next, nil
}

func intervalNextRun(value string, now time.Time, _ *time.Location) (time.Time, error) {
	ms, err := strconv.ParseInt(value, 10, 64)
	if err != nil || ms <= 0 {
		return time.Time{}, fmt.Errorf("interval must be a positive number of milliseconds, got %q: %w", value, model.ErrNotValid)
	}
	return now.Add(time.Duration(ms) * time.Millisecond), nil
}

func onceNextRun(value string, now time.Time, loc *time.Location) (time.Time, error) {
	ts, err := parseTimestamp(value, loc)
	if err != nil {
		return time.Time{}, err
	}
	if !ts.After(now) {
		return time.Time{}, fmt.Errorf("once timestamp %s is not in the future: %w", ts.Format(time.RFC3339), model.ErrNotValid)
	}
	return ts, nil
}

// parseTimestamp accepts RFC3339 timestamps, or local ones without offset in the configured timezone.
func parseTimestamp(value string, loc *time.Location) (time.Time, error) {
	if ts, err := time.Parse(time.RFC3339, value); err == nil {
		return ts, nil
	}
	for _, layout := range []string{"2006-01-02T15:04:05", "2006-01-02 15:04:05", "2006-01-02T15:04"} {
		if ts, err := time.ParseInLocation(layout, value, loc); err == nil {
			return ts, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid once timestamp %q: %w", value, model.ErrNotValid)
}
