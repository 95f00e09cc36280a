package db

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeMigration(t *testing.T, dir, name, sql string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(sql), 0o644))
}

func TestLoadMigrationsParsesAndSorts(t *testing.T) {
	dir := t.TempDir()
	writeMigration(t, dir, "002_signal_queue.sql", "CREATE TABLE signal_queue ();")
	writeMigration(t, dir, "001_signals.sql", "CREATE TABLE signals ();")
	writeMigration(t, dir, "010_retention_index.sql", "CREATE INDEX x ON signals (retention_expires_at);")

	m := NewMigrator(nil, dir)
	migrations, err := m.loadMigrations()
	require.NoError(t, err)
	require.Len(t, migrations, 3)

	assert.Equal(t, []int{1, 2, 10}, []int{migrations[0].Version, migrations[1].Version, migrations[2].Version})
	assert.Equal(t, "signals", migrations[0].Description)
	assert.Equal(t, "signal queue", migrations[1].Description)
	assert.Contains(t, migrations[2].SQL, "retention_expires_at")
}

func TestLoadMigrationsSkipsDownAndNonSQL(t *testing.T) {
	dir := t.TempDir()
	writeMigration(t, dir, "001_signals.sql", "CREATE TABLE signals ();")
	writeMigration(t, dir, "001_signals_down.sql", "DROP TABLE signals;")
	writeMigration(t, dir, "README.md", "notes")

	m := NewMigrator(nil, dir)
	migrations, err := m.loadMigrations()
	require.NoError(t, err)
	require.Len(t, migrations, 1)
	assert.Equal(t, "001_signals.sql", migrations[0].Filename)
}

func TestLoadMigrationsRejectsBadFilename(t *testing.T) {
	dir := t.TempDir()
	writeMigration(t, dir, "initial.sql", "CREATE TABLE signals ();")

	m := NewMigrator(nil, dir)
	_, err := m.loadMigrations()
	assert.ErrorContains(t, err, "invalid migration filename")
}

func TestShippedMigrationsLoad(t *testing.T) {
	m := NewMigrator(nil, "../../migrations")
	migrations, err := m.loadMigrations()
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(migrations), 3)
	assert.Equal(t, 1, migrations[0].Version)
	assert.Contains(t, migrations[0].SQL, "signals_immutable")
	assert.Contains(t, migrations[1].SQL, "signal_queue")
	assert.Contains(t, migrations[2].SQL, "signal_outcomes")
}

func TestImmutabilityTriggerAuditsBeforeSuppressing(t *testing.T) {
	m := NewMigrator(nil, "../../migrations")
	migrations, err := m.loadMigrations()
	require.NoError(t, err)

	sql := migrations[0].SQL
	auditAt := strings.Index(sql, "INSERT INTO signal_audit_log")
	suppressAt := strings.Index(sql, "RETURN NULL")
	require.Greater(t, auditAt, 0, "trigger records the attempt in the audit log")
	require.Greater(t, suppressAt, auditAt, "mutation is suppressed after the audit insert")
	assert.NotContains(t, sql, "RAISE EXCEPTION",
		"an exception inside the trigger would roll back the audit insert")
}
