package migrate

import (
	"context"
	"io/fs"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readMigration(t *testing.T, suffix string) string {
	t.Helper()
	matches, err := fs.Glob(migrationsFS, Dir+"/*_"+suffix)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	data, err := fs.ReadFile(migrationsFS, matches[0])
	require.NoError(t, err)
	return string(data)
}

func TestValidateEmbeddedMigrations(t *testing.T) {
	require.NoError(t, Validate())
}

func TestRequestsMigrationContainsConstraints(t *testing.T) {
	content := readMigration(t, "create_sor_requests.sql")
	for _, sub := range []string{
		"CREATE TABLE IF NOT EXISTS sor_requests",
		"CHECK (status IN ('pending', 'pdf_generated', 'signature_sent', 'signed', 'uploaded', 'failed'))",
		"CHECK ((status = 'failed') = (failed_stage IS NOT NULL))",
		"DROP TABLE IF EXISTS sor_requests",
	} {
		assert.Contains(t, content, sub)
	}
}

func TestFailureCodeMigrationOnlyAllowsCodeOnFailedRows(t *testing.T) {
	content := readMigration(t, "add_sor_failure_code.sql")
	for _, sub := range []string{
		"ADD COLUMN IF NOT EXISTS failure_code TEXT",
		"CHECK (status = 'failed' OR failure_code IS NULL)",
		"DROP COLUMN IF EXISTS failure_code",
	} {
		assert.Contains(t, content, sub)
	}
}

func TestAuditMigrationIsAppendOnly(t *testing.T) {
	content := readMigration(t, "create_sor_audit_log.sql")
	for _, sub := range []string{
		"REFERENCES sor_requests(id) ON DELETE RESTRICT",
		"BEFORE UPDATE OR DELETE ON sor_audit_log",
		"-- +goose StatementBegin",
		"DROP TABLE IF EXISTS sor_audit_log",
	} {
		assert.Contains(t, content, sub)
	}
	assert.Less(t, strings.Index(content, "-- +goose Up"), strings.Index(content, "-- +goose Down"))
}

func TestRunRequiresDB(t *testing.T) {
	require.Error(t, Run(context.Background(), nil, "up"))
	require.Error(t, MigrateToVersion(context.Background(), nil, ""))
	require.NoError(t, MaybeAutoRun(context.Background(), false, nil, nil))
}
