package migrate

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ballee/entsync/internal/destination"
	"github.com/ballee/entsync/internal/mapping"
	"github.com/ballee/entsync/internal/models"
)

// NoteSource streams migratable dependent documents. Documents that
// fail to decode are delivered through bad instead of aborting the
// stream.
type NoteSource interface {
	EachNote(ctx context.Context, fn func(models.LegacyNote) error, bad func(legacyID string, err error) error) error
}

// NoteStore is the slice of the destination store the dependent
// migrator writes through.
type NoteStore interface {
	FindIDByLegacyID(ctx context.Context, entityType, legacyID string) (string, error)
	CreateNote(ctx context.Context, n destination.NewNote) (string, error)
}

// NoteMigrator moves owner-only dependent notes. The identity migration
// must have run first: an entirely empty owner mapping set aborts the
// run loudly, while individual unmapped owners are skipped and counted
// separately.
type NoteMigrator struct {
	source   NoteSource
	store    NoteStore
	mappings MappingStore
	runner   *Runner
}

// NewNoteMigrator wires a dependent migrator.
func NewNoteMigrator(src NoteSource, store NoteStore, mappings MappingStore, runner *Runner) *NoteMigrator {
	return &NoteMigrator{source: src, store: store, mappings: mappings, runner: runner}
}

// Run migrates every dependent note once.
func (m *NoteMigrator) Run(ctx context.Context) (models.RunCounts, error) {
	return m.runner.Run(ctx, models.TypeNotes, func(ctx context.Context, rec *Recorder) error {
		owners, err := m.mappings.Count(ctx, models.TypeUsers)
		if err != nil {
			return err
		}
		if owners == 0 {
			return fmt.Errorf("no user mappings exist; run `entsync migrate users` before migrating notes")
		}

		return m.source.EachNote(ctx, func(doc models.LegacyNote) error {
			return m.migrateOne(ctx, rec, doc)
		}, undecodable(ctx, rec, m.mappings, m.runner.DryRun(), models.TypeNotes))
	})
}

func (m *NoteMigrator) migrateOne(ctx context.Context, rec *Recorder, doc models.LegacyNote) error {
	rec.Scanned()
	legacyID := doc.LegacyID()

	if _, ok, err := m.mappings.Lookup(ctx, models.TypeNotes, legacyID); err != nil {
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

	nn, err := transformNote(doc, ownerID)
	if err != nil {
		failRecord(ctx, rec, m.mappings, m.runner.DryRun(), models.TypeNotes, legacyID, err)
		return nil
	}

	destID, err := m.store.FindIDByLegacyID(ctx, models.TypeNotes, legacyID)
	if err != nil {
		return err
	}

	if m.runner.DryRun() {
		rec.Synced()
		return nil
	}

	if destID == "" {
		destID, err = m.store.CreateNote(ctx, nn)
		if destination.IsUniqueViolation(err) {
			destID, err = m.store.FindIDByLegacyID(ctx, models.TypeNotes, legacyID)
			if err == nil && destID == "" {
				err = fmt.Errorf("unique violation inserting %s but no row carries its legacy id", legacyID)
			}
		}
		if err != nil {
			failRecord(ctx, rec, m.mappings, false, models.TypeNotes, legacyID, err)
			return nil
		}
	}

	if err := m.mappings.Record(ctx, models.MappingEntry{
		EntityType:    models.TypeNotes,
		LegacyID:      legacyID,
		DestinationID: destID,
		SyncStatus:    models.MappingSynced,
	}); err != nil {
		var conflict *mapping.ConflictError
		if errors.As(err, &conflict) {
			failRecord(ctx, rec, m.mappings, false, models.TypeNotes, legacyID, err)
			return nil
		}
		return err
	}
	rec.Synced()
	return nil
}

func transformNote(doc models.LegacyNote, ownerID string) (destination.NewNote, error) {
	body := strings.TrimSpace(doc.Body)
	if body == "" {
		return destination.NewNote{}, &TransformError{LegacyID: doc.LegacyID(), Reason: "empty body"}
	}

	created := doc.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}

	return destination.NewNote{
		OwnerID:   ownerID,
		Body:      body,
		LegacyID:  doc.LegacyID(),
		CreatedAt: created,
	}, nil
}
