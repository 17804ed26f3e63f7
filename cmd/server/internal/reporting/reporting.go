package reporting

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"gorm.io/gorm"

	"github.com/testexechq/control-plane/cmd/server/internal/models"
	"github.com/testexechq/control-plane/internal/types"
)

const name string = "github.com/testexechq/control-plane/cmd/server/internal/reporting"

var tracer = otel.Tracer(name)

const DefaultPageSize = 50
const DefaultTopFailingLimit = 10

// Service answers aggregate questions over the job history. Every filter
// binds as a parameter; nothing is interpolated into SQL text.
type Service struct {
	db *gorm.DB
}

func NewService(db *gorm.DB) *Service {
	return &Service{db: db}
}

type ExecutionSummary struct {
	TotalJobs              int64   `json:"totalJobs"`
	Succeeded              int64   `json:"succeeded"`
	Failed                 int64   `json:"failed"`
	Running                int64   `json:"running"`
	AverageDurationSeconds float64 `json:"averageDurationSeconds"`
}

type LobExecutionSummary struct {
	LobID string `json:"lobId"`
	ExecutionSummary
}

type FailingTest struct {
	TestName     string `json:"testName"`
	FailureCount int64  `json:"failureCount"`
}

// JobsFilter narrows job queries. Nil fields do not filter.
type JobsFilter struct {
	LobID    *string
	TeamID   *string
	JobID    *string
	Start    *time.Time
	End      *time.Time
	Status   *types.JobStatus
	PageSize int
	Page     int
}

func applyJobFilters(query *gorm.DB, filter *JobsFilter) *gorm.DB {
	if filter.LobID != nil {
		query = query.Where("lob_id = ?", *filter.LobID)
	}
	if filter.TeamID != nil {
		query = query.Where("team_id = ?", *filter.TeamID)
	}
	if filter.JobID != nil {
		query = query.Where("id = ?", *filter.JobID)
	}
	if filter.Start != nil {
		query = query.Where("start_time >= ?", *filter.Start)
	}
	if filter.End != nil {
		query = query.Where("start_time <= ?", *filter.End)
	}
	if filter.Status != nil {
		query = query.Where("status = ?", *filter.Status)
	}

	return query
}

const summarySelect = `COUNT(*) AS total_jobs,
COUNT(*) FILTER (WHERE status = 'Succeeded') AS succeeded,
COUNT(*) FILTER (WHERE status = 'Failed') AS failed,
COUNT(*) FILTER (WHERE status = 'Running') AS running,
COALESCE(AVG(EXTRACT(EPOCH FROM (end_time - start_time))), 0) AS average_duration_seconds`

func (s *Service) GetExecutionSummary(
	ctx context.Context,
	lobID *string,
	start, end *time.Time,
) (*ExecutionSummary, error) {
	ctx, span := tracer.Start(ctx, "Service.GetExecutionSummary")
	defer span.End()

	query := s.db.WithContext(ctx).Model(&models.TestJob{})
	query = applyJobFilters(query, &JobsFilter{LobID: lobID, Start: start, End: end})

	var summary ExecutionSummary
	if err := query.Select(summarySelect).Scan(&summary).Error; err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to aggregate execution summary")
		return nil, err
	}

	span.RecordError(nil)
	span.SetStatus(codes.Ok, "aggregated execution summary")
	return &summary, nil
}

func (s *Service) GetLobExecutionSummary(
	ctx context.Context,
	start, end *time.Time,
) ([]LobExecutionSummary, error) {
	ctx, span := tracer.Start(ctx, "Service.GetLobExecutionSummary")
	defer span.End()

	query := s.db.WithContext(ctx).Model(&models.TestJob{})
	query = applyJobFilters(query, &JobsFilter{Start: start, End: end})

	var summaries []LobExecutionSummary
	err := query.Select("lob_id, " + summarySelect).
		Group("lob_id").
		Order("total_jobs DESC").
		Scan(&summaries).Error
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to aggregate lob summaries")
		return nil, err
	}

	span.RecordError(nil)
	span.SetStatus(codes.Ok, "aggregated lob summaries")
	return summaries, nil
}

func (s *Service) GetJobs(ctx context.Context, filter JobsFilter) ([]models.TestJob, error) {
	ctx, span := tracer.Start(ctx, "Service.GetJobs")
	defer span.End()

	pageSize := filter.PageSize
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	page := filter.Page
	if page <= 0 {
		page = 1
	}

	query := applyJobFilters(s.db.WithContext(ctx).Model(&models.TestJob{}), &filter)

	var jobs []models.TestJob
	err := query.Order("start_time DESC").
		Limit(pageSize).
		Offset((page - 1) * pageSize).
		Find(&jobs).Error
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to list jobs")
		return nil, err
	}

	span.RecordError(nil)
	span.SetStatus(codes.Ok, "listed jobs")
	return jobs, nil
}

func (s *Service) GetJobsCount(ctx context.Context, filter JobsFilter) (int64, error) {
	ctx, span := tracer.Start(ctx, "Service.GetJobsCount")
	defer span.End()

	query := applyJobFilters(s.db.WithContext(ctx).Model(&models.TestJob{}), &filter)

	var count int64
	if err := query.Count(&count).Error; err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to count jobs")
		return 0, err
	}

	span.RecordError(nil)
	span.SetStatus(codes.Ok, "counted jobs")
	return count, nil
}

func (s *Service) GetTopFailingTests(
	ctx context.Context,
	lobID, teamID *string,
	start, end *time.Time,
	limit int,
) ([]FailingTest, error) {
	ctx, span := tracer.Start(ctx, "Service.GetTopFailingTests")
	defer span.End()

	if limit <= 0 {
		limit = DefaultTopFailingLimit
	}

	query := s.db.WithContext(ctx).
		Model(&models.TestResult{}).
		Joins("JOIN test_jobs ON test_jobs.id = test_results.job_id").
		Where("test_results.status = ?", types.TestResultFailed)

	if lobID != nil {
		query = query.Where("test_jobs.lob_id = ?", *lobID)
	}
	if teamID != nil {
		query = query.Where("test_jobs.team_id = ?", *teamID)
	}
	if start != nil {
		query = query.Where("test_jobs.start_time >= ?", *start)
	}
	if end != nil {
		query = query.Where("test_jobs.start_time <= ?", *end)
	}

	var failing []FailingTest
	err := query.Select("test_results.test_name AS test_name, COUNT(*) AS failure_count").
		Group("test_results.test_name").
		Order("failure_count DESC").
		Limit(limit).
		Scan(&failing).Error
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to aggregate failing tests")
		return nil, err
	}

	span.RecordError(nil)
	span.SetStatus(codes.Ok, "aggregated failing tests")
	return failing, nil
}
