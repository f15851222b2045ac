package destination

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// NewMedia is a transformed content record ready for the destination
// store.
type NewMedia struct {
	OwnerID    string
	Title      string
	StorageKey string
	URL        string
	MimeType   string
	SizeBytes  int64
	LegacyID   string
	CreatedAt  time.Time
}

// NewNote is a transformed dependent record ready for the destination
// store.
type NewNote struct {
	OwnerID   string
	Body      string
	LegacyID  string
	CreatedAt time.Time
}

// FindIDByLegacyID matches a content row by its provenance column, the
// natural key for rows this engine created. Returns "" when no row
// carries the legacy id.
func (d *DB) FindIDByLegacyID(ctx context.Context, entityType, legacyID string) (string, error) {
	table, err := TableFor(entityType)
	if err != nil {
		return "", err
	}
	var id string
	query := fmt.Sprintf(`SELECT id FROM %s WHERE legacy_id = $1`, table)
	err = d.SQL.QueryRowContext(ctx, query, legacyID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("find %s by legacy id: %w", table, err)
	}
	return id, nil
}

// CreateMedia inserts one media row.
func (d *DB) CreateMedia(ctx context.Context, m NewMedia) (string, error) {
	id := uuid.NewString()
	err := d.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO media (id, owner_id, title, storage_key, url, mime_type, size_bytes, legacy_id, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			id, m.OwnerID, m.Title, m.StorageKey, m.URL, m.MimeType, m.SizeBytes, m.LegacyID, m.CreatedAt); err != nil {
			return fmt.Errorf("insert media: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// CreateNote inserts one note row.
func (d *DB) CreateNote(ctx context.Context, n NewNote) (string, error) {
	id := uuid.NewString()
	err := d.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO notes (id, owner_id, body, legacy_id, created_at)
			 VALUES ($1, $2, $3, $4, $5)`,
			id, n.OwnerID, n.Body, n.LegacyID, n.CreatedAt); err != nil {
			return fmt.Errorf("insert note: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return id, nil
}
