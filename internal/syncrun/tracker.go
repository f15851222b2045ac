package syncrun

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/ballee/entsync/internal/models"
)

// ErrRunInProgress means a run of the requested sync type is still
// marked running. The tracker never auto-resolves it: an operator must
// inspect the run and fail it explicitly before the type runs again,
// which keeps two writers from racing on one entity type.
var ErrRunInProgress = errors.New("a run of this sync type is still marked running")

// Tracker records the lifecycle of each migration execution in the
// destination store's sync_runs table, so run state survives across
// operator machines and sessions.
type Tracker struct {
	sql *sql.DB
	log *logrus.Entry
}

// New builds a tracker over the destination store.
func New(sqlDB *sql.DB, log *logrus.Logger) *Tracker {
	return &Tracker{sql: sqlDB, log: log.WithField("component", "syncrun")}
}

// Start opens a new run for syncType, refusing while an earlier run of
// the same type is still running.
func (t *Tracker) Start(ctx context.Context, syncType string) (string, error) {
	var existingID string
	var startedAt time.Time
	err := t.sql.QueryRowContext(ctx,
		`SELECT id, started_at FROM sync_runs
		  WHERE sync_type = $1 AND status = 'running'
		  ORDER BY started_at LIMIT 1`,
		syncType).Scan(&existingID, &startedAt)
	switch {
	case err == nil:
		return "", fmt.Errorf("%w: run %s started %s; inspect it and run `entsync runs fail %s` before retrying",
			ErrRunInProgress, existingID, startedAt.UTC().Format(time.RFC3339), existingID)
	case !errors.Is(err, sql.ErrNoRows):
		return "", fmt.Errorf("check for running %s run: %w", syncType, err)
	}

	id := uuid.NewString()
	if _, err := t.sql.ExecContext(ctx,
		`INSERT INTO sync_runs (id, sync_type, status, started_at)
		 VALUES ($1, $2, 'running', now())`,
		id, syncType); err != nil {
		return "", fmt.Errorf("start %s run: %w", syncType, err)
	}
	t.log.WithFields(logrus.Fields{"sync_type": syncType, "run_id": id}).Info("sync run started")
	return id, nil
}

// Complete marks a running run completed and records its counts and
// duration.
func (t *Tracker) Complete(ctx context.Context, runID string, counts models.RunCounts) error {
	res, err := t.sql.ExecContext(ctx,
		`UPDATE sync_runs
		    SET status = 'completed',
		        completed_at = now(),
		        duration_seconds = EXTRACT(EPOCH FROM (now() - started_at)),
		        scanned = $2, synced = $3, skipped = $4, skipped_no_owner = $5, failed = $6
		  WHERE id = $1 AND status = 'running'`,
		runID, counts.Scanned, counts.Synced, counts.Skipped, counts.SkippedNoOwner, counts.Failed)
	if err != nil {
		return fmt.Errorf("complete run %s: %w", runID, err)
	}
	return t.requireUpdated(res, runID)
}

// Fail marks a running run failed. Used both by the engine on fatal
// errors and by the operator to resolve a stuck run.
func (t *Tracker) Fail(ctx context.Context, runID string, cause string) error {
	res, err := t.sql.ExecContext(ctx,
		`UPDATE sync_runs
		    SET status = 'failed',
		        completed_at = now(),
		        duration_seconds = EXTRACT(EPOCH FROM (now() - started_at)),
		        error_message = $2
		  WHERE id = $1 AND status = 'running'`,
		runID, cause)
	if err != nil {
		return fmt.Errorf("fail run %s: %w", runID, err)
	}
	return t.requireUpdated(res, runID)
}

func (t *Tracker) requireUpdated(res sql.Result, runID string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("run %s: %w", runID, err)
	}
	if n == 0 {
		return fmt.Errorf("run %s not found or not running", runID)
	}
	return nil
}

const runColumns = `id, sync_type, status, started_at, completed_at, duration_seconds,
	scanned, synced, skipped, skipped_no_owner, failed, error_message`

// ListRecent returns the n most recently started runs.
func (t *Tracker) ListRecent(ctx context.Context, n int) ([]models.SyncRun, error) {
	rows, err := t.sql.QueryContext(ctx,
		`SELECT `+runColumns+` FROM sync_runs ORDER BY started_at DESC LIMIT $1`, n)
	if err != nil {
		return nil, fmt.Errorf("list recent runs: %w", err)
	}
	return scanRuns(rows)
}

// FindStuck returns runs still marked running past the threshold. They
// are reported, never auto-resolved.
func (t *Tracker) FindStuck(ctx context.Context, threshold time.Duration) ([]models.SyncRun, error) {
	rows, err := t.sql.QueryContext(ctx,
		`SELECT `+runColumns+` FROM sync_runs
		  WHERE status = 'running' AND started_at < now() - $1 * interval '1 second'
		  ORDER BY started_at`,
		int64(threshold.Seconds()))
	if err != nil {
		return nil, fmt.Errorf("find stuck runs: %w", err)
	}
	return scanRuns(rows)
}

func scanRuns(rows *sql.Rows) ([]models.SyncRun, error) {
	defer rows.Close()

	var runs []models.SyncRun
	for rows.Next() {
		var r models.SyncRun
		var completedAt sql.NullTime
		var duration sql.NullFloat64
		if err := rows.Scan(&r.ID, &r.SyncType, &r.Status, &r.StartedAt, &completedAt, &duration,
			&r.Counts.Scanned, &r.Counts.Synced, &r.Counts.Skipped, &r.Counts.SkippedNoOwner,
			&r.Counts.Failed, &r.ErrorMessage); err != nil {
			return nil, fmt.Errorf("scan sync run: %w", err)
		}
		if completedAt.Valid {
			t := completedAt.Time
			r.CompletedAt = &t
		}
		if duration.Valid {
			r.DurationSeconds = duration.Float64
		}
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sync runs: %w", err)
	}
	return runs, nil
}
