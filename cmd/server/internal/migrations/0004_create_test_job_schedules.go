package migrations

import (
	"context"
	"database/sql"

	"github.com/pressly/goose/v3"
)

func init() {
	goose.AddMigrationContext(Up0004, Down0004)
}

func Up0004(ctx context.Context, tx *sql.Tx) error {
	_, err := tx.ExecContext(ctx, `
CREATE TABLE test_job_schedules (
    id UUID PRIMARY KEY DEFAULT uuidv7_sub_ms(),
    name TEXT NOT NULL,
    lob_id TEXT NOT NULL,
    team_id TEXT NOT NULL,
    repo_url TEXT NOT NULL,
    test_image_type TEXT NOT NULL,
    schedule_type TEXT NOT NULL,
    interval_minutes INTEGER,
    days_of_week TEXT NOT NULL DEFAULT '',
    days_of_month TEXT NOT NULL DEFAULT '',
    time_of_day TEXT,
    scheduled_time TIMESTAMP WITH TIME ZONE,
    max_runs INTEGER,
    run_count INTEGER NOT NULL DEFAULT 0,
    is_active BOOLEAN NOT NULL DEFAULT true,
    last_run_time TIMESTAMP WITH TIME ZONE,
    created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT current_timestamp,
    updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT current_timestamp
);

CREATE INDEX idx_test_job_schedules_lob_id ON test_job_schedules (lob_id);
CREATE INDEX idx_test_job_schedules_is_active ON test_job_schedules (is_active);
`)
	if err != nil {
		return err
	}

	return nil
}

func Down0004(ctx context.Context, tx *sql.Tx) error {
	_, err := tx.ExecContext(ctx, `DROP TABLE test_job_schedules;`)
	if err != nil {
		return err
	}

	return nil
}
