package destination

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/sirupsen/logrus"

	"github.com/ballee/entsync/internal/config"
	"github.com/ballee/entsync/internal/models"
)

// DB wraps the destination relational store. The engine inserts and
// updates rows here but never deletes them; the single exception is a
// duplicate default profile created by its own insert (see users.go).
type DB struct {
	SQL *sql.DB
	log *logrus.Entry
}

// Open connects to the destination store and verifies it before any
// write is attempted.
func Open(ctx context.Context, cfg config.DestinationConfig, log *logrus.Logger) (*DB, error) {
	db, err := sql.Open("postgres", cfg.URI)
	if err != nil {
		return nil, fmt.Errorf("open destination store: %w", err)
	}
	// Sequential batch jobs; a handful of connections is plenty.
	db.SetMaxOpenConns(4)
	db.SetConnMaxIdleTime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping destination store: %w", err)
	}

	return &DB{SQL: db, log: log.WithField("component", "destination")}, nil
}

// Close releases the destination connection pool.
func (d *DB) Close() error { return d.SQL.Close() }

// Ping reports destination connectivity.
func (d *DB) Ping(ctx context.Context) error { return d.SQL.PingContext(ctx) }

// EnsureSyncSchema creates the engine-owned state tables. Application
// tables (users, user_profiles, media, notes) belong to the destination
// system and are assumed to exist.
func (d *DB) EnsureSyncSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS entity_mappings (
			id BIGSERIAL PRIMARY KEY,
			entity_type TEXT NOT NULL,
			legacy_id TEXT NOT NULL,
			destination_id TEXT NOT NULL DEFAULT '',
			sync_status TEXT NOT NULL DEFAULT 'pending',
			last_synced_at TIMESTAMPTZ,
			error_message TEXT NOT NULL DEFAULT '',
			CONSTRAINT entity_mappings_type_legacy_key UNIQUE (entity_type, legacy_id)
		)`,
		`CREATE TABLE IF NOT EXISTS sync_runs (
			id TEXT PRIMARY KEY,
			sync_type TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending',
			started_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			completed_at TIMESTAMPTZ,
			duration_seconds DOUBLE PRECISION,
			scanned INTEGER NOT NULL DEFAULT 0,
			synced INTEGER NOT NULL DEFAULT 0,
			skipped INTEGER NOT NULL DEFAULT 0,
			skipped_no_owner INTEGER NOT NULL DEFAULT 0,
			failed INTEGER NOT NULL DEFAULT 0,
			error_message TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS sync_runs_type_status_idx
			ON sync_runs (sync_type, status)`,
	}
	for _, stmt := range stmts {
		if _, err := d.SQL.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure sync schema: %w", err)
		}
	}
	return nil
}

// WithTx runs fn inside a transaction with guaranteed rollback on any
// error or panic, so a partial unit of work never commits.
func (d *DB) WithTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := d.SQL.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// IsUniqueViolation reports whether err is a unique-constraint
// violation. A violation on a natural key means the row already exists,
// which the migrators treat as "already migrated".
func IsUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code.Name() == "unique_violation"
}

var tables = map[string]string{
	models.TypeUsers: "users",
	models.TypeMedia: "media",
	models.TypeNotes: "notes",
}

// TableFor maps an entity type to its destination table.
func TableFor(entityType string) (string, error) {
	table, ok := tables[entityType]
	if !ok {
		return "", fmt.Errorf("no destination table for entity type %q", entityType)
	}
	return table, nil
}

const existsBatchSize = 500

// ExistingIDs filters ids down to those present in the type's
// destination table, checking in batches rather than one query per row.
func (d *DB) ExistingIDs(ctx context.Context, entityType string, ids []string) (map[string]bool, error) {
	table, err := TableFor(entityType)
	if err != nil {
		return nil, err
	}

	existing := make(map[string]bool, len(ids))
	query := fmt.Sprintf(`SELECT id FROM %s WHERE id = ANY($1)`, table)
	for start := 0; start < len(ids); start += existsBatchSize {
		end := min(start+existsBatchSize, len(ids))
		rows, err := d.SQL.QueryContext(ctx, query, pq.Array(ids[start:end]))
		if err != nil {
			return nil, fmt.Errorf("check existing %s rows: %w", table, err)
		}
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return nil, fmt.Errorf("scan existing %s id: %w", table, err)
			}
			existing[id] = true
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, fmt.Errorf("iterate existing %s ids: %w", table, err)
		}
		rows.Close()
	}
	return existing, nil
}

// CountRows returns the number of rows in the type's destination table.
func (d *DB) CountRows(ctx context.Context, entityType string) (int64, error) {
	table, err := TableFor(entityType)
	if err != nil {
		return 0, err
	}
	var n int64
	query := fmt.Sprintf(`SELECT COUNT(*) FROM %s`, table)
	if err := d.SQL.QueryRowContext(ctx, query).Scan(&n); err != nil {
		return 0, fmt.Errorf("count %s rows: %w", table, err)
	}
	return n, nil
}

// CountUntracked counts destination rows with no mapping entry, i.e.
// rows created through a path other than this engine.
func (d *DB) CountUntracked(ctx context.Context, entityType string) (int64, error) {
	table, err := TableFor(entityType)
	if err != nil {
		return 0, err
	}
	var n int64
	query := fmt.Sprintf(
		`SELECT COUNT(*)
		   FROM %s t
		   LEFT JOIN entity_mappings m
		     ON m.entity_type = $1 AND m.destination_id = t.id
		  WHERE m.id IS NULL`, table)
	if err := d.SQL.QueryRowContext(ctx, query, entityType).Scan(&n); err != nil {
		return 0, fmt.Errorf("count untracked %s rows: %w", table, err)
	}
	return n, nil
}
