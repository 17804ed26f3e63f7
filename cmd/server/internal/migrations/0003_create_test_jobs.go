package migrations

import (
	"context"
	"database/sql"

	"github.com/pressly/goose/v3"
)

func init() {
	goose.AddMigrationContext(Up0003, Down0003)
}

func Up0003(ctx context.Context, tx *sql.Tx) error {
	_, err := tx.ExecContext(ctx, `
CREATE TABLE test_jobs (
    id UUID PRIMARY KEY DEFAULT uuidv7_sub_ms(),
    lob_id TEXT NOT NULL,
    team_id TEXT NOT NULL,
    repo_url TEXT NOT NULL,
    test_image_type TEXT NOT NULL,
    cluster_job_name TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL DEFAULT 'Running',
    start_time TIMESTAMP WITH TIME ZONE NOT NULL,
    end_time TIMESTAMP WITH TIME ZONE,
    tests_passed INTEGER NOT NULL DEFAULT 0,
    tests_failed INTEGER NOT NULL DEFAULT 0,
    tests_skipped INTEGER NOT NULL DEFAULT 0,
    created_by TEXT NOT NULL DEFAULT '',
    schedule_id UUID,
    created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT current_timestamp,
    updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT current_timestamp
);

CREATE INDEX idx_test_jobs_lob_id ON test_jobs (lob_id);
CREATE INDEX idx_test_jobs_team_id ON test_jobs (team_id);
CREATE INDEX idx_test_jobs_status ON test_jobs (status);

CREATE TABLE test_results (
    id UUID PRIMARY KEY DEFAULT uuidv7_sub_ms(),
    job_id UUID NOT NULL REFERENCES test_jobs (id),
    test_name TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'Unknown',
    duration_seconds DOUBLE PRECISION NOT NULL DEFAULT 0,
    error_message TEXT,
    stack_trace TEXT,
    created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT current_timestamp,
    updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT current_timestamp
);

CREATE INDEX idx_test_results_job_id ON test_results (job_id);
`)
	if err != nil {
		return err
	}

	return nil
}

func Down0003(ctx context.Context, tx *sql.Tx) error {
	_, err := tx.ExecContext(ctx, `
DROP TABLE test_results;
DROP TABLE test_jobs;
`)
	if err != nil {
		return err
	}

	return nil
}
