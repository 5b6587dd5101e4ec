package printer_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/slok/codeclaw/internal/printer"
)

func TestRelativeTimes(t *testing.T) {
	now := time.Now().UTC()

	tests := map[string]struct {
		format func(time.Time) string
		time   time.Time
		exp    string
	}{
		"A task run a few seconds ago should show seconds.": {
			format: printer.TimeAgo,
			time:   now.Add(-42 * time.Second),
			exp:    "42 seconds ago (UTC)",
		},
		"A task run one minute ago should be singular.": {
			format: printer.TimeAgo,
			time:   now.Add(-61 * time.Second),
			exp:    "1 minute ago (UTC)",
		},
		"A task run hours ago should show hours.": {
			format: printer.TimeAgo,
			time:   now.Add(-3*time.Hour - time.Minute),
			exp:    "3 hours ago (UTC)",
		},
		"A task run last week should show days.": {
			format: printer.TimeAgo,
			time:   now.Add(-8 * 24 * time.Hour),
			exp:    "8 days ago (UTC)",
		},
		"A last run in the future should be marked.": {
			format: printer.TimeAgo,
			time:   now.Add(10 * time.Minute),
			exp:    "in the future (UTC)",
		},
		"A next run in 90 minutes should round down to hours.": {
			format: printer.TimeUntil,
			time:   now.Add(90*time.Minute + time.Second),
			exp:    "in 1 hour (UTC)",
		},
		"A next run in days should show days.": {
			format: printer.TimeUntil,
			time:   now.Add(3*24*time.Hour + time.Minute),
			exp:    "in 3 days (UTC)",
		},
		"A next run in the past should be overdue.": {
			format: printer.TimeUntil,
			time:   now.Add(-5 * time.Minute),
			exp:    "overdue (UTC)",
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, test.exp, test.format(test.time))
		})
	}
}

func TestFormatTimestamp(t *testing.T) {
	tests := map[string]struct {
		time time.Time
		exp  string
	}{
		"UTC timestamps should be printed as is.": {
			time: time.Date(2026, 1, 30, 10, 15, 30, 0, time.UTC),
			exp:  "2026-01-30 10:15:30 UTC",
		},
		"Timestamps in other zones should be converted to UTC.": {
			time: time.Date(2026, 1, 30, 10, 15, 30, 0, time.FixedZone("CET", 3600)),
			exp:  "2026-01-30 09:15:30 UTC",
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, test.exp, printer.FormatTimestamp(test.time))
		})
	}
}
