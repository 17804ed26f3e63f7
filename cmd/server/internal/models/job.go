package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/testexechq/control-plane/internal/types"
)

type (
	// TestJob is one invocation of a runner image against a repository.
	// Created Running at submission, transitions to a terminal state
	// exactly once. Rows are never deleted by the core.
	TestJob struct {
		Model
		LobID          string `gorm:"index"`
		TeamID         string `gorm:"index"`
		RepoURL        string
		TestImageType  string
		ClusterJobName string
		Status         types.JobStatus `gorm:"type:text;default:'Running'"`
		StartTime      time.Time
		EndTime        datatypes.Null[time.Time]
		TestsPassed    int
		TestsFailed    int
		TestsSkipped   int
		CreatedBy      string
		ScheduleID     datatypes.Null[uuid.UUID]
	}

	TestResult struct {
		Model
		JobID           uuid.UUID `gorm:"index"`
		TestName        string
		Status          types.TestResultStatus `gorm:"type:text"`
		DurationSeconds float64
		ErrorMessage    datatypes.Null[string]
		StackTrace      datatypes.Null[string]
	}
)

func (TestJob) TableName() string {
	return "test_jobs"
}

func (j TestJob) GetID() uuid.UUID {
	return j.ID
}

func (TestResult) TableName() string {
	return "test_results"
}

func (r TestResult) GetID() uuid.UUID {
	return r.ID
}
