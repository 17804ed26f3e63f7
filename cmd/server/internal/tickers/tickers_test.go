package tickers

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNextDailyUTC(t *testing.T) {
	tests := []struct {
		name     string
		now      time.Time
		hour     int
		minute   int
		expected time.Time
	}{
		{
			name:     "LaterToday",
			now:      time.Date(2026, 8, 6, 6, 0, 0, 0, time.UTC),
			hour:     8,
			expected: time.Date(2026, 8, 6, 8, 0, 0, 0, time.UTC),
		},
		{
			name:     "AlreadyPassedRollsToTomorrow",
			now:      time.Date(2026, 8, 6, 9, 0, 0, 0, time.UTC),
			hour:     8,
			expected: time.Date(2026, 8, 7, 8, 0, 0, 0, time.UTC),
		},
		{
			name:     "MidnightRollsToNextDay",
			now:      time.Date(2026, 8, 6, 0, 0, 0, 0, time.UTC),
			hour:     0,
			expected: time.Date(2026, 8, 7, 0, 0, 0, 0, time.UTC),
		},
		{
			name:     "MonthBoundary",
			now:      time.Date(2026, 8, 31, 23, 59, 0, 0, time.UTC),
			hour:     0,
			expected: time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, nextDailyUTC(tt.now, tt.hour, tt.minute))
		})
	}
}
