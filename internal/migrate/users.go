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

// UserSource streams migratable identity documents. Documents that
// fail to decode are delivered through bad instead of aborting the
// stream.
type UserSource interface {
	EachUser(ctx context.Context, fn func(models.LegacyUser) error, bad func(legacyID string, err error) error) error
}

// UserStore is the slice of the destination store the identity migrator
// writes through.
type UserStore interface {
	FindUserIDByEmail(ctx context.Context, email string) (string, error)
	CreateUser(ctx context.Context, u destination.NewUser) (string, error)
	AdoptUser(ctx context.Context, destID string, u destination.NewUser) error
}

// UserMigrator moves identity records. Identity resolves natural key
// first, legacy id second: a lower-cased email match adopts the
// existing destination row, so several legacy records (merged social
// logins) can collapse onto one destination identity.
type UserMigrator struct {
	source   UserSource
	store    UserStore
	mappings MappingStore
	runner   *Runner
}

// NewUserMigrator wires an identity migrator.
func NewUserMigrator(src UserSource, store UserStore, mappings MappingStore, runner *Runner) *UserMigrator {
	return &UserMigrator{source: src, store: store, mappings: mappings, runner: runner}
}

// Run migrates every identity document once. Safe to re-run: mapped
// records are skipped and natural-key matches adopt the existing row.
func (m *UserMigrator) Run(ctx context.Context) (models.RunCounts, error) {
	return m.runner.Run(ctx, models.TypeUsers, func(ctx context.Context, rec *Recorder) error {
		return m.source.EachUser(ctx, func(u models.LegacyUser) error {
			return m.migrateOne(ctx, rec, u)
		}, undecodable(ctx, rec, m.mappings, m.runner.DryRun(), models.TypeUsers))
	})
}

func (m *UserMigrator) migrateOne(ctx context.Context, rec *Recorder, u models.LegacyUser) error {
	rec.Scanned()
	legacyID := u.LegacyID()

	if _, ok, err := m.mappings.Lookup(ctx, models.TypeUsers, legacyID); err != nil {
		return err
	} else if ok {
		rec.Skipped()
		return nil
	}

	nu, err := transformUser(u)
	if err != nil {
		failRecord(ctx, rec, m.mappings, m.runner.DryRun(), models.TypeUsers, legacyID, err)
		return nil
	}

	destID, err := m.store.FindUserIDByEmail(ctx, nu.Email)
	if err != nil {
		return err
	}

	if m.runner.DryRun() {
		rec.Synced()
		return nil
	}

	if destID != "" {
		if err := m.store.AdoptUser(ctx, destID, nu); err != nil {
			failRecord(ctx, rec, m.mappings, false, models.TypeUsers, legacyID, err)
			return nil
		}
	} else {
		destID, err = m.store.CreateUser(ctx, nu)
		if destination.IsUniqueViolation(err) {
			// Lost a race on the natural key; the row exists, adopt it.
			destID, err = m.store.FindUserIDByEmail(ctx, nu.Email)
			switch {
			case err == nil && destID != "":
				err = m.store.AdoptUser(ctx, destID, nu)
			case err == nil:
				err = fmt.Errorf("unique violation inserting %s but no row matches its email", legacyID)
			}
		}
		if err != nil {
			failRecord(ctx, rec, m.mappings, false, models.TypeUsers, legacyID, err)
			return nil
		}
	}

	// Destination row committed; only now does the mapping backfill.
	if err := m.mappings.Record(ctx, models.MappingEntry{
		EntityType:    models.TypeUsers,
		LegacyID:      legacyID,
		DestinationID: destID,
		SyncStatus:    models.MappingSynced,
	}); err != nil {
		var conflict *mapping.ConflictError
		if errors.As(err, &conflict) {
			failRecord(ctx, rec, m.mappings, false, models.TypeUsers, legacyID, err)
			return nil
		}
		return err
	}
	rec.Synced()
	return nil
}

// transformUser validates and coerces one identity document. The
// password hash passes through untouched; it is never re-derived,
// re-hashed, or logged.
func transformUser(u models.LegacyUser) (destination.NewUser, error) {
	email := strings.ToLower(strings.TrimSpace(u.Email))
	if email == "" || !strings.Contains(email, "@") {
		return destination.NewUser{}, &TransformError{LegacyID: u.LegacyID(), Reason: "missing or malformed email"}
	}

	name := strings.TrimSpace(u.DisplayName)
	if name == "" {
		name = email[:strings.Index(email, "@")]
	}

	created := u.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}

	return destination.NewUser{
		Email:        email,
		PasswordHash: u.PasswordHash,
		DisplayName:  name,
		LegacyID:     u.LegacyID(),
		CreatedAt:    created,
	}, nil
}
