package mapping

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
	"github.com/sirupsen/logrus"

	"github.com/ballee/entsync/internal/models"
)

// ConflictError reports an attempt to repoint an existing mapping at a
// different destination id. An unexplained pointer change signals data
// corruption, so it is never silently overwritten.
type ConflictError struct {
	EntityType string
	LegacyID   string
	Existing   string
	Attempted  string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("mapping conflict for %s/%s: already mapped to %s, refusing to repoint at %s",
		e.EntityType, e.LegacyID, e.Existing, e.Attempted)
}

// destinationChecker is the slice of the destination store the stale
// check needs: batched row-existence lookups.
type destinationChecker interface {
	ExistingIDs(ctx context.Context, entityType string, ids []string) (map[string]bool, error)
}

// Cache is the durable legacy-id to destination-id cross-reference and
// the idempotency backbone of every migrator: consulted before each
// per-record write, updated after it.
type Cache struct {
	sql  *sql.DB
	dest destinationChecker
	log  *logrus.Entry
}

// New builds a cache over the destination store's entity_mappings
// table.
func New(sqlDB *sql.DB, dest destinationChecker, log *logrus.Logger) *Cache {
	return &Cache{sql: sqlDB, dest: dest, log: log.WithField("component", "mapping")}
}

// Lookup returns the destination id mapped to (entityType, legacyID).
// Only entries that completed a sync count; pending or errored entries
// report not-found so the record is retried.
func (c *Cache) Lookup(ctx context.Context, entityType, legacyID string) (string, bool, error) {
	var id, status string
	err := c.sql.QueryRowContext(ctx,
		`SELECT destination_id, sync_status FROM entity_mappings
		  WHERE entity_type = $1 AND legacy_id = $2`,
		entityType, legacyID).Scan(&id, &status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("lookup mapping %s/%s: %w", entityType, legacyID, err)
	}
	if status != models.MappingSynced || id == "" {
		return "", false, nil
	}
	return id, true, nil
}

// The guarded upsert: updates apply only when they do not repoint a
// non-empty destination id at a different one. No row back means the
// guard refused, i.e. a conflict.
const recordQuery = `
	INSERT INTO entity_mappings (entity_type, legacy_id, destination_id, sync_status, last_synced_at, error_message)
	VALUES ($1, $2, $3, $4, now(), $5)
	ON CONFLICT ON CONSTRAINT entity_mappings_type_legacy_key DO UPDATE
	   SET destination_id = CASE WHEN EXCLUDED.destination_id = ''
	                             THEN entity_mappings.destination_id
	                             ELSE EXCLUDED.destination_id END,
	       sync_status    = EXCLUDED.sync_status,
	       last_synced_at = now(),
	       error_message  = EXCLUDED.error_message
	 WHERE entity_mappings.destination_id = ''
	    OR EXCLUDED.destination_id = ''
	    OR entity_mappings.destination_id = EXCLUDED.destination_id
	RETURNING destination_id`

// Record upserts a mapping in a single atomic statement, so interleaved
// activity cannot create duplicate rows. Returns *ConflictError, with
// the existing row untouched, when the entry already points at a
// different destination id.
func (c *Cache) Record(ctx context.Context, e models.MappingEntry) error {
	var dest string
	err := c.sql.QueryRowContext(ctx, recordQuery,
		e.EntityType, e.LegacyID, e.DestinationID, e.SyncStatus, e.ErrorMessage).Scan(&dest)
	if errors.Is(err, sql.ErrNoRows) {
		existing, lookupErr := c.rawDestinationID(ctx, e.EntityType, e.LegacyID)
		if lookupErr != nil {
			return fmt.Errorf("record mapping %s/%s: conflicted, and reading the existing entry failed: %w",
				e.EntityType, e.LegacyID, lookupErr)
		}
		return &ConflictError{
			EntityType: e.EntityType,
			LegacyID:   e.LegacyID,
			Existing:   existing,
			Attempted:  e.DestinationID,
		}
	}
	if err != nil {
		return fmt.Errorf("record mapping %s/%s: %w", e.EntityType, e.LegacyID, err)
	}
	return nil
}

func (c *Cache) rawDestinationID(ctx context.Context, entityType, legacyID string) (string, error) {
	var id string
	err := c.sql.QueryRowContext(ctx,
		`SELECT destination_id FROM entity_mappings
		  WHERE entity_type = $1 AND legacy_id = $2`,
		entityType, legacyID).Scan(&id)
	return id, err
}

// InvalidateStale finds entries whose destination row no longer exists,
// checking existence in batches rather than one request per row. The
// entries are removed only when fix is set; otherwise they are just
// reported.
func (c *Cache) InvalidateStale(ctx context.Context, entityType string, fix bool) ([]models.MappingEntry, error) {
	rows, err := c.sql.QueryContext(ctx,
		`SELECT legacy_id, destination_id FROM entity_mappings
		  WHERE entity_type = $1 AND destination_id <> ''`, entityType)
	if err != nil {
		return nil, fmt.Errorf("list %s mappings: %w", entityType, err)
	}
	defer rows.Close()

	var entries []models.MappingEntry
	var ids []string
	for rows.Next() {
		e := models.MappingEntry{EntityType: entityType}
		if err := rows.Scan(&e.LegacyID, &e.DestinationID); err != nil {
			return nil, fmt.Errorf("scan %s mapping: %w", entityType, err)
		}
		entries = append(entries, e)
		ids = append(ids, e.DestinationID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s mappings: %w", entityType, err)
	}
	if len(entries) == 0 {
		return nil, nil
	}

	existing, err := c.dest.ExistingIDs(ctx, entityType, ids)
	if err != nil {
		return nil, err
	}

	var stale []models.MappingEntry
	for _, e := range entries {
		if !existing[e.DestinationID] {
			stale = append(stale, e)
		}
	}
	if len(stale) == 0 {
		return nil, nil
	}

	if fix {
		legacyIDs := make([]string, len(stale))
		for i, e := range stale {
			legacyIDs[i] = e.LegacyID
		}
		if _, err := c.sql.ExecContext(ctx,
			`DELETE FROM entity_mappings WHERE entity_type = $1 AND legacy_id = ANY($2)`,
			entityType, pq.Array(legacyIDs)); err != nil {
			return stale, fmt.Errorf("remove stale %s mappings: %w", entityType, err)
		}
		c.log.WithFields(logrus.Fields{"entity_type": entityType, "removed": len(stale)}).
			Warn("removed stale mappings")
	}
	return stale, nil
}

// FindDuplicates groups entries by (entity type, legacy id) with count
// above one. A safety net against races from overlapping runs; expected
// empty after any clean run.
func (c *Cache) FindDuplicates(ctx context.Context) ([]models.DuplicateMapping, error) {
	rows, err := c.sql.QueryContext(ctx,
		`SELECT entity_type, legacy_id, COUNT(*)
		   FROM entity_mappings
		  GROUP BY entity_type, legacy_id
		 HAVING COUNT(*) > 1
		  ORDER BY entity_type, legacy_id`)
	if err != nil {
		return nil, fmt.Errorf("find duplicate mappings: %w", err)
	}
	defer rows.Close()

	var dups []models.DuplicateMapping
	for rows.Next() {
		var d models.DuplicateMapping
		if err := rows.Scan(&d.EntityType, &d.LegacyID, &d.Count); err != nil {
			return nil, fmt.Errorf("scan duplicate mapping: %w", err)
		}
		dups = append(dups, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate duplicate mappings: %w", err)
	}
	return dups, nil
}

// Count returns the number of mapping entries for an entity type.
func (c *Cache) Count(ctx context.Context, entityType string) (int64, error) {
	var n int64
	err := c.sql.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM entity_mappings WHERE entity_type = $1`,
		entityType).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count %s mappings: %w", entityType, err)
	}
	return n, nil
}

// LegacyIDSet returns the set of legacy ids with any mapping entry for
// the type.
func (c *Cache) LegacyIDSet(ctx context.Context, entityType string) (map[string]bool, error) {
	rows, err := c.sql.QueryContext(ctx,
		`SELECT legacy_id FROM entity_mappings WHERE entity_type = $1`, entityType)
	if err != nil {
		return nil, fmt.Errorf("list %s legacy ids: %w", entityType, err)
	}
	defer rows.Close()

	set := make(map[string]bool)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan %s legacy id: %w", entityType, err)
		}
		set[id] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s legacy ids: %w", entityType, err)
	}
	return set, nil
}

// StatusBreakdown groups mapping entries by type and status.
func (c *Cache) StatusBreakdown(ctx context.Context) ([]models.StatusBreakdown, error) {
	rows, err := c.sql.QueryContext(ctx,
		`SELECT entity_type, sync_status, COUNT(*)
		   FROM entity_mappings
		  GROUP BY entity_type, sync_status
		  ORDER BY entity_type, sync_status`)
	if err != nil {
		return nil, fmt.Errorf("mapping status breakdown: %w", err)
	}
	defer rows.Close()

	byType := make(map[string]*models.StatusBreakdown)
	var order []string
	for rows.Next() {
		var entityType, status string
		var n int64
		if err := rows.Scan(&entityType, &status, &n); err != nil {
			return nil, fmt.Errorf("scan status breakdown: %w", err)
		}
		b, ok := byType[entityType]
		if !ok {
			b = &models.StatusBreakdown{EntityType: entityType}
			byType[entityType] = b
			order = append(order, entityType)
		}
		switch status {
		case models.MappingSynced:
			b.Synced = n
		case models.MappingError:
			b.Error = n
		case models.MappingPending:
			b.Pending = n
		case models.MappingSkipped:
			b.Skipped = n
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate status breakdown: %w", err)
	}

	out := make([]models.StatusBreakdown, 0, len(order))
	for _, t := range order {
		out = append(out, *byType[t])
	}
	return out, nil
}

// RecentErrors returns the most recently errored mapping entries.
func (c *Cache) RecentErrors(ctx context.Context, n int) ([]models.MappingEntry, error) {
	rows, err := c.sql.QueryContext(ctx,
		`SELECT entity_type, legacy_id, destination_id, sync_status, last_synced_at, error_message
		   FROM entity_mappings
		  WHERE sync_status = 'error'
		  ORDER BY last_synced_at DESC NULLS LAST
		  LIMIT $1`, n)
	if err != nil {
		return nil, fmt.Errorf("list errored mappings: %w", err)
	}
	defer rows.Close()

	var entries []models.MappingEntry
	for rows.Next() {
		var e models.MappingEntry
		var syncedAt sql.NullTime
		if err := rows.Scan(&e.EntityType, &e.LegacyID, &e.DestinationID, &e.SyncStatus, &syncedAt, &e.ErrorMessage); err != nil {
			return nil, fmt.Errorf("scan errored mapping: %w", err)
		}
		if syncedAt.Valid {
			e.LastSyncedAt = syncedAt.Time
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate errored mappings: %w", err)
	}
	return entries, nil
}
