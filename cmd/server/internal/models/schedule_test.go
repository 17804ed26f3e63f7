package models_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/testexechq/control-plane/cmd/server/internal/models"
)

func TestDaySetRoundTrip(t *testing.T) {
	tests := []struct {
		name     string
		days     []int
		expected string
	}{
		{name: "Empty", days: nil, expected: ""},
		{name: "Single", days: []int{3}, expected: "3"},
		{name: "SortedAndDeduplicated", days: []int{5, 1, 5, 3}, expected: "1,3,5"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			formatted := models.FormatDaySet(tt.days)
			assert.Equal(t, tt.expected, formatted)

			parsed := models.ParseDaySet(formatted)
			if len(tt.days) == 0 {
				assert.Empty(t, parsed)
				return
			}

			reformatted := models.FormatDaySet(parsed)
			assert.Equal(t, formatted, reformatted)
		})
	}
}

func TestParseDaySetTolerant(t *testing.T) {
	assert.Equal(t, []int{1, 3}, models.ParseDaySet("1, 3,"))
	assert.Equal(t, []int{2}, models.ParseDaySet("x,2"))
	assert.Empty(t, models.ParseDaySet(""))
}

func TestScheduleDaySetAccessors(t *testing.T) {
	schedule := models.TestJobSchedule{
		DaysOfWeek:  "0,6",
		DaysOfMonth: "1,15,31",
	}

	assert.Equal(t, []int{0, 6}, schedule.DaysOfWeekSet())
	assert.Equal(t, []int{1, 15, 31}, schedule.DaysOfMonthSet())
}
