package tracker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/testexechq/control-plane/cmd/server/internal/models"
	"github.com/testexechq/control-plane/cmd/server/internal/monitoring"
	"github.com/testexechq/control-plane/cmd/server/internal/policy"
	"github.com/testexechq/control-plane/internal/logger"
	"github.com/testexechq/control-plane/internal/queue"
	"github.com/testexechq/control-plane/internal/types"
	"github.com/testexechq/control-plane/internal/upload"
)

const name string = "github.com/testexechq/control-plane/cmd/server/internal/tracker"

var tracer = otel.Tracer(name)
var meter = otel.Meter(name)

// Tracker owns the persisted job lifecycle. The job row and its result
// rows transition together inside one transaction; storage and bus side
// effects happen after commit and are best-effort.
type Tracker struct {
	db           *gorm.DB
	policy       policy.Reader
	uploader     upload.Uploader
	queuer       queue.Queuer
	alerts       *monitoring.AlertManager
	now          func() time.Time
	execDuration metric.Float64Histogram
	testsCount   metric.Int64Counter
}

func NewTracker(
	db *gorm.DB,
	policyStore policy.Reader,
	uploader upload.Uploader,
	queuer queue.Queuer,
	alerts *monitoring.AlertManager,
) (*Tracker, error) {
	execDuration, err := meter.Float64Histogram(
		"testexec.execution.duration",
		metric.WithDescription("Wall clock duration of completed test jobs"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	testsCount, err := meter.Int64Counter(
		"testexec.execution.tests",
		metric.WithDescription("Test outcomes recorded by completed jobs"),
	)
	if err != nil {
		return nil, err
	}

	return &Tracker{
		db:           db,
		policy:       policyStore,
		uploader:     uploader,
		queuer:       queuer,
		alerts:       alerts,
		now:          func() time.Time { return time.Now().UTC() },
		execDuration: execDuration,
		testsCount:   testsCount,
	}, nil
}

func (t *Tracker) countRunning(ctx context.Context, column, value string) (int64, error) {
	db := t.db.WithContext(ctx)

	var count int64
	err := db.Model(&models.TestJob{}).
		Where(column+" = ? AND status = ?", value, types.JobStatusRunning).
		Count(&count).Error

	return count, err
}

// CreateJob persists a Running row after enforcing the per-LOB and
// per-team concurrency caps.
func (t *Tracker) CreateJob(
	ctx context.Context,
	lobID, teamID, repoURL, testImageType, userID string,
	scheduleID *uuid.UUID,
	clusterJobName string,
) (uuid.UUID, error) {
	ctx, span := tracer.Start(ctx, "Tracker.CreateJob", trace.WithAttributes(
		attribute.String("lob.id", lobID),
		attribute.String("team.id", teamID),
		attribute.String("image.type", testImageType),
	))
	defer span.End()

	admin, err := t.policy.GetAdminConfiguration(ctx, true)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to load admin configuration")
		return uuid.Nil, err
	}

	if limit := admin.ResourceManagement.MaxConcurrentJobsPerLob; limit > 0 {
		running, err := t.countRunning(ctx, "lob_id", lobID)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "failed to count running jobs for lob")
			return uuid.Nil, err
		}
		if running >= int64(limit) {
			span.AddEvent("lob_quota_exceeded")
			span.RecordError(nil)
			span.SetStatus(codes.Ok, "lob quota exceeded")
			return uuid.Nil, types.ErrQuotaExceeded
		}
	}

	if limit := admin.ResourceManagement.MaxConcurrentJobsPerTeam; limit > 0 {
		running, err := t.countRunning(ctx, "team_id", teamID)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "failed to count running jobs for team")
			return uuid.Nil, err
		}
		if running >= int64(limit) {
			span.AddEvent("team_quota_exceeded")
			span.RecordError(nil)
			span.SetStatus(codes.Ok, "team quota exceeded")
			return uuid.Nil, types.ErrQuotaExceeded
		}
	}

	job := models.TestJob{
		LobID:          lobID,
		TeamID:         teamID,
		RepoURL:        repoURL,
		TestImageType:  testImageType,
		ClusterJobName: clusterJobName,
		Status:         types.JobStatusRunning,
		StartTime:      t.now(),
		CreatedBy:      userID,
		ScheduleID:     models.NewNull(scheduleID),
	}
	job.ID = uuid.New()

	db := t.db.WithContext(ctx)
	if err := db.Create(&job).Error; err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to create job row")
		return uuid.Nil, err
	}

	span.AddEvent("created_job", trace.WithAttributes(
		attribute.String("job.id", job.ID.String()),
	))
	span.RecordError(nil)
	span.SetStatus(codes.Ok, "created job")
	return job.ID, nil
}

// UpdateJobStatus applies a non-terminal transition signaled externally.
func (t *Tracker) UpdateJobStatus(
	ctx context.Context,
	jobID uuid.UUID,
	status types.JobStatus,
) error {
	ctx, span := tracer.Start(ctx, "Tracker.UpdateJobStatus", trace.WithAttributes(
		attribute.String("job.id", jobID.String()),
		attribute.String("status", string(status)),
	))
	defer span.End()

	db := t.db.WithContext(ctx)

	result := db.Model(&models.TestJob{}).
		Where("id = ?", jobID).
		Update("status", status)
	if result.Error != nil {
		span.RecordError(result.Error)
		span.SetStatus(codes.Error, "failed to update job status")
		return result.Error
	}
	if result.RowsAffected == 0 {
		span.RecordError(types.ErrJobNotFound)
		span.SetStatus(codes.Error, "job not found")
		return types.ErrJobNotFound
	}

	span.RecordError(nil)
	span.SetStatus(codes.Ok, "updated job status")
	return nil
}

// SetClusterJobName records the workload name the cluster accepted.
func (t *Tracker) SetClusterJobName(
	ctx context.Context,
	jobID uuid.UUID,
	clusterJobName string,
) error {
	db := t.db.WithContext(ctx)

	result := db.Model(&models.TestJob{}).
		Where("id = ?", jobID).
		Update("cluster_job_name", clusterJobName)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return types.ErrJobNotFound
	}

	return nil
}

func (t *Tracker) GetJob(ctx context.Context, jobID uuid.UUID) (*models.TestJob, error) {
	job, err := models.ByID[models.TestJob](ctx, t.db, jobID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, types.ErrJobNotFound
		}

		return nil, err
	}

	return job, nil
}

// ListResults returns the per-test rows recorded for a job.
func (t *Tracker) ListResults(
	ctx context.Context,
	jobID uuid.UUID,
) ([]models.TestResult, error) {
	db := t.db.WithContext(ctx)

	var results []models.TestResult
	err := db.Where("job_id = ?", jobID).Order("test_name").Find(&results).Error
	if err != nil {
		return nil, err
	}

	return results, nil
}

func artifactPath(job *models.TestJob, fileName string) string {
	return fmt.Sprintf("%s/%s/%s/%s", job.LobID, job.TeamID, job.ID, fileName)
}

func buildFullLog(job *models.TestJob, parsed *ParsedResults) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Test Execution Report\n")
	fmt.Fprintf(&b, "Job: %s\n", job.ID)
	fmt.Fprintf(&b, "Repository: %s\n", job.RepoURL)
	fmt.Fprintf(&b, "Status: %s\n", job.Status)
	fmt.Fprintf(&b, "Passed: %d Failed: %d Skipped: %d\n\n", parsed.Passed, parsed.Failed, parsed.Skipped)

	for _, result := range parsed.Results {
		fmt.Fprintf(&b, "[%s] %s (%.2fs)\n", strings.ToUpper(string(result.Status)),
			result.TestName, result.DurationSeconds)
		if result.ErrorMessage != "" {
			fmt.Fprintf(&b, "  message: %s\n", result.ErrorMessage)
		}
		if result.StackTrace != "" {
			fmt.Fprintf(&b, "  stack: %s\n", result.StackTrace)
		}
	}

	return b.String()
}

// CompleteJob is the convergence point of the pipeline. The transaction
// covers the job transition and its result rows; the artifact upload,
// telemetry and bus publish run after commit, are best-effort and are
// only logged when they fail. The one exception is an oversized artifact,
// which surfaces as a client-visible error after the other side effects
// have run.
func (t *Tracker) CompleteJob(
	ctx context.Context,
	jobID uuid.UUID,
	status types.JobStatus,
	resultsXML []byte,
	artifact []byte,
) (*models.TestJob, error) {
	ctx, span := tracer.Start(ctx, "Tracker.CompleteJob", trace.WithAttributes(
		attribute.String("job.id", jobID.String()),
		attribute.String("status", string(status)),
	))
	defer span.End()

	parsed, parseErr := ParseTestResults(resultsXML)
	if parseErr != nil {
		// lenient: record the transition with zero counts
		logger.Logger.WarnContext(ctx, "failed to parse test results xml",
			"job", jobID, "error", parseErr)
		span.AddEvent("results_parse_failed")
		parsed = &ParsedResults{}
	}

	endTime := t.now()

	var job models.TestJob
	err := t.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&job, jobID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return types.ErrJobNotFound
			}

			return err
		}

		job.Status = status
		job.EndTime = models.NewNullFromData(endTime)
		job.TestsPassed = parsed.Passed
		job.TestsFailed = parsed.Failed
		job.TestsSkipped = parsed.Skipped
		if err := tx.Save(&job).Error; err != nil {
			return err
		}

		if len(parsed.Results) == 0 {
			return nil
		}

		rows := make([]models.TestResult, 0, len(parsed.Results))
		for _, result := range parsed.Results {
			row := models.TestResult{
				JobID:           job.ID,
				TestName:        result.TestName,
				Status:          result.Status,
				DurationSeconds: result.DurationSeconds,
			}
			row.ID = uuid.New()
			if result.ErrorMessage != "" {
				row.ErrorMessage = models.NewNullFromData(result.ErrorMessage)
			}
			if result.StackTrace != "" {
				row.StackTrace = models.NewNullFromData(result.StackTrace)
			}
			rows = append(rows, row)
		}

		return tx.CreateInBatches(rows, 100).Error
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to commit job completion")
		return nil, err
	}

	span.AddEvent("committed_completion", trace.WithAttributes(
		attribute.Int("tests.passed", parsed.Passed),
		attribute.Int("tests.failed", parsed.Failed),
		attribute.Int("tests.skipped", parsed.Skipped),
	))

	sizeErr := t.storeArtifacts(ctx, &job, parsed, artifact)

	t.emitExecutionTelemetry(ctx, &job, parsed)

	t.publishMetadata(ctx, &job, parsed)

	span.RecordError(nil)
	span.SetStatus(codes.Ok, "completed job")
	return &job, sizeErr
}

func (t *Tracker) storeArtifacts(
	ctx context.Context,
	job *models.TestJob,
	parsed *ParsedResults,
	artifact []byte,
) error {
	if len(artifact) == 0 {
		return nil
	}

	ctx, span := tracer.Start(ctx, "Tracker.storeArtifacts")
	defer span.End()

	admin, err := t.policy.GetAdminConfiguration(ctx, true)
	if err != nil {
		logger.Logger.WarnContext(ctx, "skipping artifact upload, no admin config",
			"job", job.ID, "error", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to load admin configuration")
		return nil
	}

	maxBytes := int64(admin.Retention.MaxTestResultFileSizeMB) * 1024 * 1024
	if maxBytes > 0 && int64(len(artifact)) > maxBytes {
		span.AddEvent("artifact_too_large", trace.WithAttributes(
			attribute.Int("size", len(artifact)),
		))
		span.RecordError(nil)
		span.SetStatus(codes.Ok, "artifact exceeds size limit")
		return types.InvalidRequest("results",
			"result file size (%d bytes) exceeds maximum allowed (%d MB)",
			len(artifact), admin.Retention.MaxTestResultFileSizeMB)
	}

	storeIdentifier, err := t.uploader.StoreIdentifier(ctx)
	if err != nil {
		logger.Logger.WarnContext(ctx, "failed to get store identifier",
			"job", job.ID, "error", err)
	}

	resultsPath := artifactPath(job, "test-results.xml")
	exists, err := t.uploader.Exists(ctx, resultsPath)
	if err != nil {
		logger.Logger.WarnContext(ctx, "failed to check for existing results artifact",
			"job", job.ID, "error", err)
	}
	if exists {
		// re-ingested completion, the blobs are already there
		span.AddEvent("artifacts_already_stored")
		span.RecordError(nil)
		span.SetStatus(codes.Ok, "artifacts already stored")
		return nil
	}

	if err := t.uploader.Upload(ctx,
		bytes.NewReader(artifact),
		int64(len(artifact)),
		resultsPath,
	); err != nil {
		logger.Logger.WarnContext(ctx, "failed to upload test results artifact",
			"job", job.ID, "error", err)
		span.AddEvent("results_upload_failed")
	}

	fullLog := buildFullLog(job, parsed)
	if err := t.uploader.Upload(ctx,
		strings.NewReader(fullLog),
		int64(len(fullLog)),
		artifactPath(job, "full-log.txt"),
	); err != nil {
		logger.Logger.WarnContext(ctx, "failed to upload full log artifact",
			"job", job.ID, "error", err)
		span.AddEvent("log_upload_failed")
	}

	logger.Logger.InfoContext(ctx, "stored result artifacts",
		"job", job.ID, "store", storeIdentifier)

	span.RecordError(nil)
	span.SetStatus(codes.Ok, "stored artifacts")
	return nil
}

// ArtifactURLs returns presigned download links for a job's stored
// artifacts. Blobs that are missing or fail to presign are skipped.
func (t *Tracker) ArtifactURLs(
	ctx context.Context,
	job *models.TestJob,
) map[string]string {
	ctx, span := tracer.Start(ctx, "Tracker.ArtifactURLs", trace.WithAttributes(
		attribute.String("job.id", job.ID.String()),
	))
	defer span.End()

	urls := map[string]string{}
	for _, fileName := range []string{"test-results.xml", "full-log.txt"} {
		path := artifactPath(job, fileName)

		exists, err := t.uploader.Exists(ctx, path)
		if err != nil || !exists {
			continue
		}

		presigned, err := t.uploader.PresignedReadURL(ctx, path, time.Hour)
		if err != nil {
			logger.Logger.WarnContext(ctx, "failed to presign artifact url",
				"job", job.ID, "file", fileName, "error", err)
			continue
		}
		urls[fileName] = presigned
	}

	span.RecordError(nil)
	span.SetStatus(codes.Ok, "presigned artifact urls")
	return urls
}

func (t *Tracker) emitExecutionTelemetry(
	ctx context.Context,
	job *models.TestJob,
	parsed *ParsedResults,
) {
	dims := map[string]string{
		"lob_id":  job.LobID,
		"team_id": job.TeamID,
	}

	var durationSeconds float64
	if end := models.PtrFromNull(job.EndTime); end != nil {
		durationSeconds = end.Sub(job.StartTime).Seconds()
	}

	attrs := metric.WithAttributes(
		attribute.String("lob_id", job.LobID),
		attribute.String("team_id", job.TeamID),
		attribute.String("status", string(job.Status)),
	)
	t.execDuration.Record(ctx, durationSeconds, attrs)

	total := parsed.Passed + parsed.Failed + parsed.Skipped
	t.testsCount.Add(ctx, int64(parsed.Passed), metric.WithAttributes(
		attribute.String("result", string(types.TestResultPassed))))
	t.testsCount.Add(ctx, int64(parsed.Failed), metric.WithAttributes(
		attribute.String("result", string(types.TestResultFailed))))
	t.testsCount.Add(ctx, int64(parsed.Skipped), metric.WithAttributes(
		attribute.String("result", string(types.TestResultSkipped))))

	var passRate, failRate float64
	if total > 0 {
		passRate = float64(parsed.Passed) / float64(total) * 100
		failRate = float64(parsed.Failed) / float64(total) * 100
	}

	logger.Logger.InfoContext(ctx, "test execution completed",
		"job", job.ID,
		"status", job.Status,
		"duration_seconds", durationSeconds,
		"pass_rate", passRate,
		"fail_rate", failRate,
	)

	t.alerts.EvaluateMetric(ctx, "TestExecution.Duration", durationSeconds, dims)
	t.alerts.EvaluateMetric(ctx, "TestExecution.FailRate", failRate, dims)
	if job.Status != types.JobStatusSucceeded {
		t.alerts.EvaluateMetric(ctx, "TestExecution.Failed", 1, dims)
	}
}

func (t *Tracker) publishMetadata(
	ctx context.Context,
	job *models.TestJob,
	parsed *ParsedResults,
) {
	message := types.TestResultMetadataMessage{
		JobID:        job.ID.String(),
		LobID:        job.LobID,
		TeamID:       job.TeamID,
		Status:       job.Status,
		TotalTests:   parsed.Passed + parsed.Failed + parsed.Skipped,
		TestsPassed:  parsed.Passed,
		TestsFailed:  parsed.Failed,
		TestsSkipped: parsed.Skipped,
		StartTime:    job.StartTime,
	}
	if end := models.PtrFromNull(job.EndTime); end != nil {
		message.EndTime = *end
	}

	if err := t.queuer.Enqueue(ctx, message); err != nil {
		logger.Logger.WarnContext(ctx, "failed to publish test result metadata",
			"job", job.ID, "error", err)
	}
}

// PruneOldData applies the retention policy: artifacts and result rows
// beyond the results window, then job rows beyond the history window.
func (t *Tracker) PruneOldData(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "Tracker.PruneOldData")
	defer span.End()

	admin, err := t.policy.GetAdminConfiguration(ctx, true)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to load admin configuration")
		return err
	}

	db := t.db.WithContext(ctx)
	now := t.now()

	resultsCutoff := now.AddDate(0, 0, -admin.Retention.TestResultsRetentionDays)

	var expiredJobs []models.TestJob
	err = db.Where("end_time IS NOT NULL AND end_time < ?", resultsCutoff).
		Find(&expiredJobs).Error
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to find expired jobs")
		return err
	}

	for i := range expiredJobs {
		job := &expiredJobs[i]

		prefix := fmt.Sprintf("%s/%s/%s/", job.LobID, job.TeamID, job.ID)
		blobs, err := t.uploader.List(ctx, prefix)
		if err != nil {
			logger.Logger.WarnContext(ctx, "failed to list expired artifacts",
				"job", job.ID, "error", err)
			continue
		}

		for _, blob := range blobs {
			if err := t.uploader.Delete(ctx, blob); err != nil {
				logger.Logger.WarnContext(ctx, "failed to delete expired artifact",
					"job", job.ID, "blob", blob, "error", err)
			}
		}
	}

	err = db.Where(
		"job_id IN (?)",
		db.Session(&gorm.Session{NewDB: true}).
			Model(&models.TestJob{}).
			Select("id").
			Where("end_time IS NOT NULL AND end_time < ?", resultsCutoff),
	).Delete(&models.TestResult{}).Error
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to prune test results")
		return err
	}

	historyCutoff := now.AddDate(0, 0, -admin.Retention.JobHistoryRetentionDays)

	// children first, the fk on test_results does not cascade
	err = db.Where(
		"job_id IN (?)",
		db.Session(&gorm.Session{NewDB: true}).
			Model(&models.TestJob{}).
			Select("id").
			Where("end_time IS NOT NULL AND end_time < ?", historyCutoff),
	).Delete(&models.TestResult{}).Error
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to prune expired job results")
		return err
	}

	err = db.Where("end_time IS NOT NULL AND end_time < ?", historyCutoff).
		Delete(&models.TestJob{}).Error
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to prune job history")
		return err
	}

	span.AddEvent("pruned_old_data")
	span.RecordError(nil)
	span.SetStatus(codes.Ok, "pruned old data")
	return nil
}
