package migrations

import (
	"context"
	"database/sql"

	"github.com/pressly/goose/v3"
)

func init() {
	goose.AddMigrationContext(Up0006, Down0006)
}

func Up0006(ctx context.Context, tx *sql.Tx) error {
	_, err := tx.ExecContext(ctx, `
CREATE FUNCTION touch_updated_at()
RETURNS TRIGGER AS $$
BEGIN
NEW.updated_at = current_timestamp;
RETURN NEW;
END;
$$ language 'plpgsql';
`)
	if err != nil {
		return err
	}

	statements := []statement{
		{query: `CREATE TRIGGER touch_auth BEFORE UPDATE ON auth FOR EACH ROW EXECUTE FUNCTION touch_updated_at();`},
		{query: `CREATE TRIGGER touch_test_jobs BEFORE UPDATE ON test_jobs FOR EACH ROW EXECUTE FUNCTION touch_updated_at();`},
		{query: `CREATE TRIGGER touch_test_results BEFORE UPDATE ON test_results FOR EACH ROW EXECUTE FUNCTION touch_updated_at();`},
		{query: `CREATE TRIGGER touch_test_job_schedules BEFORE UPDATE ON test_job_schedules FOR EACH ROW EXECUTE FUNCTION touch_updated_at();`},
		{query: `CREATE TRIGGER touch_admin_configurations BEFORE UPDATE ON admin_configurations FOR EACH ROW EXECUTE FUNCTION touch_updated_at();`},
		{query: `CREATE TRIGGER touch_user_configurations BEFORE UPDATE ON user_configurations FOR EACH ROW EXECUTE FUNCTION touch_updated_at();`},
	}

	return execStatements(ctx, tx, statements...)
}

func Down0006(ctx context.Context, tx *sql.Tx) error {
	statements := []statement{
		{query: `DROP TRIGGER touch_user_configurations ON user_configurations;`},
		{query: `DROP TRIGGER touch_admin_configurations ON admin_configurations;`},
		{query: `DROP TRIGGER touch_test_job_schedules ON test_job_schedules;`},
		{query: `DROP TRIGGER touch_test_results ON test_results;`},
		{query: `DROP TRIGGER touch_test_jobs ON test_jobs;`},
		{query: `DROP TRIGGER touch_auth ON auth;`},
		{query: `DROP FUNCTION touch_updated_at();`},
	}

	return execStatements(ctx, tx, statements...)
}
