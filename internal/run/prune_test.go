package run

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/metalagman/sonda/internal/db"
)

func seedRun(t *testing.T, sqlDB *sql.DB, runsDir, id, status string, age time.Duration) {
	t.Helper()
	runDir := filepath.Join(runsDir, id)
	require.NoError(t, os.MkdirAll(runDir, 0o755))
	createdAt := time.Now().UTC().Add(-age).Format(time.RFC3339)
	_, err := sqlDB.Exec(
		`INSERT INTO runs (run_id, created_at, goal, status, run_dir) VALUES (?, ?, ?, ?, ?)`,
		id, createdAt, "goal", status, runDir,
	)
	require.NoError(t, err)
}

func TestPruneRuns_KeepLast(t *testing.T) {
	root := t.TempDir()
	sqlDB, err := db.Open(filepath.Join(root, "sonda.db"))
	require.NoError(t, err)
	defer func() { _ = sqlDB.Close() }()
	runsDir := filepath.Join(root, "runs")

	seedRun(t, sqlDB, runsDir, "a", db.StatusSuccess, 3*time.Hour)
	seedRun(t, sqlDB, runsDir, "b", db.StatusFailed, 2*time.Hour)
	seedRun(t, sqlDB, runsDir, "c", db.StatusSuccess, time.Hour)

	res, err := PruneRuns(context.Background(), sqlDB, runsDir, RetentionPolicy{KeepLast: 2}, false)
	require.NoError(t, err)
	require.Equal(t, 3, res.Considered)
	require.Equal(t, 2, res.Kept)
	require.Equal(t, 1, res.Deleted)

	_, err = os.Stat(filepath.Join(runsDir, "a"))
	require.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(runsDir, "c"))
	require.NoError(t, err)
}

func TestPruneRuns_RunningAlwaysKept(t *testing.T) {
	root := t.TempDir()
	sqlDB, err := db.Open(filepath.Join(root, "sonda.db"))
	require.NoError(t, err)
	defer func() { _ = sqlDB.Close() }()
	runsDir := filepath.Join(root, "runs")

	seedRun(t, sqlDB, runsDir, "old-running", db.StatusRunning, 100*24*time.Hour)
	seedRun(t, sqlDB, runsDir, "old-done", db.StatusSuccess, 100*24*time.Hour)

	res, err := PruneRuns(context.Background(), sqlDB, runsDir, RetentionPolicy{KeepDays: 7}, false)
	require.NoError(t, err)
	require.Equal(t, 1, res.Kept)
	require.Equal(t, 1, res.Deleted)

	_, err = os.Stat(filepath.Join(runsDir, "old-running"))
	require.NoError(t, err)
}

func TestPruneRuns_DryRunDeletesNothing(t *testing.T) {
	root := t.TempDir()
	sqlDB, err := db.Open(filepath.Join(root, "sonda.db"))
	require.NoError(t, err)
	defer func() { _ = sqlDB.Close() }()
	runsDir := filepath.Join(root, "runs")

	seedRun(t, sqlDB, runsDir, "a", db.StatusSuccess, 3*time.Hour)
	seedRun(t, sqlDB, runsDir, "b", db.StatusSuccess, 2*time.Hour)

	res, err := PruneRuns(context.Background(), sqlDB, runsDir, RetentionPolicy{KeepLast: 1}, true)
	require.NoError(t, err)
	require.Equal(t, 1, res.Deleted)

	_, err = os.Stat(filepath.Join(runsDir, "a"))
	require.NoError(t, err)
}

func TestPruneRuns_NoPolicyIsNoop(t *testing.T) {
	root := t.TempDir()
	sqlDB, err := db.Open(filepath.Join(root, "sonda.db"))
	require.NoError(t, err)
	defer func() { _ = sqlDB.Close() }()

	res, err := PruneRuns(context.Background(), sqlDB, filepath.Join(root, "runs"), RetentionPolicy{}, false)
	require.NoError(t, err)
	require.Zero(t, res.Considered)
}

func TestTryAcquireRunLock(t *testing.T) {
	dir := t.TempDir()

	lock, ok, err := TryAcquireRunLock(dir)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok2, err := TryAcquireRunLock(dir)
	require.NoError(t, err)
	require.False(t, ok2)

	require.NoError(t, lock.Release())

	lock3, ok3, err := TryAcquireRunLock(dir)
	require.NoError(t, err)
	require.True(t, ok3)
	require.NoError(t, lock3.Release())
}
