package migrate

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ballee/entsync/internal/destination"
	"github.com/ballee/entsync/internal/mapping"
	"github.com/ballee/entsync/internal/models"
)

// MediaSource streams migratable content documents. Documents that
// fail to decode are delivered through bad instead of aborting the
// stream.
type MediaSource interface {
	EachMedia(ctx context.Context, fn func(models.LegacyMedia) error, bad func(legacyID string, err error) error) error
}

// MediaStore is the slice of the destination store the content migrator
// writes through.
type MediaStore interface {
	FindIDByLegacyID(ctx context.Context, entityType, legacyID string) (string, error)
	CreateMedia(ctx context.Context, m destination.NewMedia) (string, error)
}

// URLResolver derives destination URLs from legacy storage keys.
type URLResolver interface {
	URLFor(key string) string
	Verify(ctx context.Context, key string) (bool, error)
}

const defaultMimeType = "application/octet-stream"

// MediaMigrator moves content records. Natural key: the provenance
// column carrying the legacy id.
type MediaMigrator struct {
	source   MediaSource
	store    MediaStore
	mappings MappingStore
	urls     URLResolver
	runner   *Runner
}

// NewMediaMigrator wires a content migrator.
func NewMediaMigrator(src MediaSource, store MediaStore, mappings MappingStore, urls URLResolver, runner *Runner) *MediaMigrator {
	return &MediaMigrator{source: src, store: store, mappings: mappings, urls: urls, runner: runner}
}

// Run migrates every content document once. Records whose owner has no
// user mapping are skipped and counted separately.
func (m *MediaMigrator) Run(ctx context.Context) (models.RunCounts, error) {
	return m.runner.Run(ctx, models.TypeMedia, func(ctx context.Context, rec *Recorder) error {
		return m.source.EachMedia(ctx, func(doc models.LegacyMedia) error {
			return m.migrateOne(ctx, rec, doc)
		}, undecodable(ctx, rec, m.mappings, m.runner.DryRun(), models.TypeMedia))
	})
}

func (m *MediaMigrator) migrateOne(ctx context.Context, rec *Recorder, doc models.LegacyMedia) error {
	rec.Scanned()
	legacyID := doc.LegacyID()

	if _, ok, err := m.mappings.Lookup(ctx, models.TypeMedia, legacyID); err != nil {
		return err
	} else if ok {
		rec.Skipped()
		return nil
	}

	ownerID, ok, err := m.mappings.Lookup(ctx, models.TypeUsers, doc.OwnerID.Hex())
	if err != nil {
		return err
	}
	if !ok {
		rec.SkippedNoOwner()
		return nil
	}

	nm, err := transformMedia(doc, ownerID, m.urls)
	if err != nil {
		failRecord(ctx, rec, m.mappings, m.runner.DryRun(), models.TypeMedia, legacyID, err)
		return nil
	}

	if exists, err := m.urls.Verify(ctx, nm.StorageKey); err != nil {
		// A flaky check is a retryable per-record failure, not fatal.
		failRecord(ctx, rec, m.mappings, m.runner.DryRun(), models.TypeMedia, legacyID, err)
		return nil
	} else if !exists {
		err := &TransformError{LegacyID: legacyID, Reason: fmt.Sprintf("storage object %s not found", nm.StorageKey)}
		failRecord(ctx, rec, m.mappings, m.runner.DryRun(), models.TypeMedia, legacyID, err)
		return nil
	}

	destID, err := m.store.FindIDByLegacyID(ctx, models.TypeMedia, legacyID)
	if err != nil {
		return err
	}

	if m.runner.DryRun() {
		rec.Synced()
		return nil
	}

	if destID == "" {
		destID, err = m.store.CreateMedia(ctx, nm)
		if destination.IsUniqueViolation(err) {
			// The row landed in an earlier interrupted run; the mapping
			// just never caught up. Find it and backfill.
			destID, err = m.store.FindIDByLegacyID(ctx, models.TypeMedia, legacyID)
			if err == nil && destID == "" {
				err = fmt.Errorf("unique violation inserting %s but no row carries its legacy id", legacyID)
			}
		}
		if err != nil {
			failRecord(ctx, rec, m.mappings, false, models.TypeMedia, legacyID, err)
			return nil
		}
	}

	if err := m.mappings.Record(ctx, models.MappingEntry{
		EntityType:    models.TypeMedia,
		LegacyID:      legacyID,
		DestinationID: destID,
		SyncStatus:    models.MappingSynced,
	}); err != nil {
		var conflict *mapping.ConflictError
		if errors.As(err, &conflict) {
			failRecord(ctx, rec, m.mappings, false, models.TypeMedia, legacyID, err)
			return nil
		}
		return err
	}
	rec.Synced()
	return nil
}

// transformMedia validates and coerces one content document: tolerant
// size coercion, mime default, and the derived storage URL.
func transformMedia(doc models.LegacyMedia, ownerID string, urls URLResolver) (destination.NewMedia, error) {
	key := strings.TrimSpace(doc.StorageKey)
	if key == "" {
		return destination.NewMedia{}, &TransformError{LegacyID: doc.LegacyID(), Reason: "missing storage key"}
	}

	size, err := coerceSize(doc.Size)
	if err != nil {
		return destination.NewMedia{}, &TransformError{LegacyID: doc.LegacyID(), Reason: err.Error()}
	}

	mimeType := strings.TrimSpace(doc.MimeType)
	if mimeType == "" {
		mimeType = defaultMimeType
	}

	title := strings.TrimSpace(doc.Title)
	if title == "" {
		title = key[strings.LastIndex(key, "/")+1:]
	}

	created := doc.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}

	return destination.NewMedia{
		OwnerID:    ownerID,
		Title:      title,
		StorageKey: key,
		URL:        urls.URLFor(key),
		MimeType:   mimeType,
		SizeBytes:  size,
		LegacyID:   doc.LegacyID(),
		CreatedAt:  created,
	}, nil
}

// coerceSize accepts the numeric shapes different legacy writers used
// for the size field.
func coerceSize(v interface{}) (int64, error) {
	var size int64
	switch n := v.(type) {
	case nil:
		return 0, nil
	case int:
		size = int64(n)
	case int32:
		size = int64(n)
	case int64:
		size = n
	case float64:
		size = int64(n)
	case string:
		s := strings.TrimSpace(n)
		if s == "" {
			return 0, nil
		}
		parsed, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("size %q is not numeric", n)
		}
		size = parsed
	default:
		return 0, fmt.Errorf("unsupported size type %T", v)
	}
	if size < 0 {
		return 0, fmt.Errorf("negative size %d", size)
	}
	return size, nil
}
