package scheduler_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slok/codeclaw/internal/model"
	"github.com/slok/codeclaw/internal/scheduler"
)

func TestNextRun(t *testing.T) {
	now := time.Date(2026, 1, 30, 10, 30, 0, 0, time.UTC)
	madrid, err := time.LoadLocation("Europe/Madrid")
	require.NoError(t, err)

	tests := map[string]struct {
		schedule model.Schedule
		loc      *time.Location
		expNext  time.Time
		expErr   bool
	}{
		"A cron schedule should return the next matching time.": {
			schedule: model.Schedule{Kind: model.ScheduleKindCron, Value: "0 9 * * *"},
			expNext:  time.Date(2026, 1, 31, 9, 0, 0, 0, time.UTC),
		},

		"A cron schedule matching now should return the next one, strictly after.": {
			schedule: model.Schedule{Kind: model.ScheduleKindCron, Value: "30 10 * * *"},
			expNext:  time.Date(2026, 1, 31, 10, 30, 0, 0, time.UTC),
		},

		"A cron schedule should be evaluated in the configured timezone.": {
			schedule: model.Schedule{Kind: model.ScheduleKindCron, Value: "0 12 * * *"},
			loc:      madrid,
			expNext:  time.Date(2026, 1, 30, 11, 0, 0, 0, time.UTC),
		},

		"An invalid cron schedule should fail.": {
			schedule: model.Schedule{Kind: model.ScheduleKindCron, Value: "every day"},
			expErr:   true,
		},

		"An interval schedule should add the interval to now.": {
			schedule: model.Schedule{Kind: model.ScheduleKindInterval, Value: "90000"},
			expNext:  now.Add(90 * time.Second),
		},

		"A zero interval should fail.": {
			schedule: model.Schedule{Kind: model.ScheduleKindInterval, Value: "0"},
			expErr:   true,
		},

		"A non numeric interval should fail.": {
			schedule: model.Schedule{Kind: model.ScheduleKindInterval, Value: "1h"},
			expErr:   true,
		},

		"A future once schedule should return its timestamp.": {
			schedule: model.Schedule{Kind: model.ScheduleKindOnce, Value: "2026-02-01T08:00:00Z"},
			expNext:  time.Date(2026, 2, 1, 8, 0, 0, 0, time.UTC),
		},

		"A once schedule without offset should use the configured timezone.": {
			schedule: model.Schedule{Kind: model.ScheduleKindOnce, Value: "2026-02-01T08:00:00"},
			loc:      madrid,
			expNext:  time.Date(2026, 2, 1, 7, 0, 0, 0, time.UTC),
		},

		"A past once schedule should fail.": {
			schedule: model.Schedule{Kind: model.ScheduleKindOnce, Value: "2026-01-30T10:30:00Z"},
			expErr:   true,
		},

		"An unknown kind should fail.": {
			schedule: model.Schedule{Kind: "weekly", Value: "monday"},
			expErr:   true,
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)

			gotNext, err := scheduler.NextRun(test.schedule, now, test.loc)
			if test.expErr {
				assert.ErrorIs(err, model.ErrNotValid)
			} else if assert.NoError(err) {
				assert.Equal(test.expNext, gotNext)
				assert.True(gotNext.After(now))
			}
		})
	}
}

func TestReschedule(t *testing.T) {
	now := time.Date(2026, 1, 30, 10, 30, 0, 0, time.UTC)

	next, err := scheduler.Reschedule(model.Schedule{Kind: model.ScheduleKindOnce, Value: "2026-01-01T00:00:00Z"}, now, time.UTC)
	require.NoError(t, err)
	assert.Nil(t, next)

	next, err = scheduler.Reschedule(model.Schedule{Kind: model.ScheduleKindInterval, Value: "60000"}, now, time.UTC)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, now.Add(time.Minute), *next)
}
