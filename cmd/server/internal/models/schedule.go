package models

import (
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/testexechq/control-plane/internal/types"
)

// TestJobSchedule fires jobs on a time pattern. The day sets are stored
// as comma separated integers so they round-trip through the text column.
type TestJobSchedule struct {
	Model
	Name            string
	LobID           string `gorm:"index"`
	TeamID          string `gorm:"index"`
	RepoURL         string
	TestImageType   string
	ScheduleType    types.ScheduleType `gorm:"type:text"`
	IntervalMinutes datatypes.Null[int]
	DaysOfWeek      string
	DaysOfMonth     string
	TimeOfDay       datatypes.Null[string]
	ScheduledTime   datatypes.Null[time.Time]
	MaxRuns         datatypes.Null[int]
	RunCount        int
	IsActive        bool
	LastRunTime     datatypes.Null[time.Time]
}

func (TestJobSchedule) TableName() string {
	return "test_job_schedules"
}

func (s TestJobSchedule) GetID() uuid.UUID {
	return s.ID
}

// FormatDaySet renders a day set for the text column, sorted and deduplicated.
func FormatDaySet(days []int) string {
	set := map[int]bool{}
	for _, d := range days {
		set[d] = true
	}

	uniq := make([]int, 0, len(set))
	for d := range set {
		uniq = append(uniq, d)
	}
	sort.Ints(uniq)

	parts := make([]string, 0, len(uniq))
	for _, d := range uniq {
		parts = append(parts, strconv.Itoa(d))
	}

	return strings.Join(parts, ",")
}

// ParseDaySet is the reverse of FormatDaySet. Blank entries are skipped so
// values written by hand ("1, 3,") still parse.
func ParseDaySet(raw string) []int {
	days := []int{}
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		d, err := strconv.Atoi(part)
		if err != nil {
			continue
		}
		days = append(days, d)
	}
	sort.Ints(days)

	return days
}

func (s *TestJobSchedule) DaysOfWeekSet() []int {
	return ParseDaySet(s.DaysOfWeek)
}

func (s *TestJobSchedule) DaysOfMonthSet() []int {
	return ParseDaySet(s.DaysOfMonth)
}
