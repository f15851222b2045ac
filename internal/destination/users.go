package destination

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// NewUser is a transformed identity record ready for the destination
// store. PasswordHash is the source hash verbatim; it is stored as-is
// and never logged.
type NewUser struct {
	Email        string
	PasswordHash string
	DisplayName  string
	LegacyID     string
	CreatedAt    time.Time
}

// FindUserIDByEmail matches the identity natural key,
// case-insensitively. Returns "" when no user carries the email.
func (d *DB) FindUserIDByEmail(ctx context.Context, email string) (string, error) {
	var id string
	err := d.SQL.QueryRowContext(ctx,
		`SELECT id FROM users WHERE lower(email) = lower($1)`, email).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("find user by email: %w", err)
	}
	return id, nil
}

// CreateUser inserts the user and ensures its default profile in one
// transaction.
func (d *DB) CreateUser(ctx context.Context, u NewUser) (string, error) {
	id := uuid.NewString()
	err := d.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO users (id, email, password_hash, display_name, legacy_id, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6)`,
			id, u.Email, u.PasswordHash, u.DisplayName, u.LegacyID, u.CreatedAt); err != nil {
			return fmt.Errorf("insert user: %w", err)
		}
		return ensureDefaultProfile(ctx, tx, id, u.DisplayName)
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// AdoptUser links an existing destination user, matched by natural key,
// to its legacy record: provenance is backfilled if absent, the
// credential only fills an empty slot (an existing destination hash is
// never overwritten), and the default profile is ensured. Several
// legacy records may adopt the same destination identity; the first one
// wins the provenance column.
func (d *DB) AdoptUser(ctx context.Context, destID string, u NewUser) error {
	return d.WithTx(ctx, func(tx *sql.Tx) error {
		// NULLIF covers both empty-provenance shapes: NULL and the
		// NOT NULL DEFAULT '' column convention.
		if _, err := tx.ExecContext(ctx,
			`UPDATE users
			    SET legacy_id = COALESCE(NULLIF(legacy_id, ''), $2),
			        password_hash = CASE WHEN password_hash = '' THEN $3 ELSE password_hash END
			  WHERE id = $1`,
			destID, u.LegacyID, u.PasswordHash); err != nil {
			return fmt.Errorf("link user provenance: %w", err)
		}
		return ensureDefaultProfile(ctx, tx, destID, u.DisplayName)
	})
}

// ensureDefaultProfile is the explicit replacement for the legacy
// trigger that auto-created a profile per user: check, then create.
// Where that trigger is still active on the destination it fires inside
// the same transaction as the user insert, so the count below sees its
// row and no duplicate is created; leftovers from older runs are
// reconciled by dropping the empty extras.
func ensureDefaultProfile(ctx context.Context, tx *sql.Tx, userID, displayName string) error {
	var n int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM user_profiles WHERE user_id = $1`, userID).Scan(&n); err != nil {
		return fmt.Errorf("count profiles: %w", err)
	}

	switch {
	case n == 0:
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO user_profiles (id, user_id, display_name, created_at)
			 VALUES ($1, $2, $3, now())`,
			uuid.NewString(), userID, displayName); err != nil {
			return fmt.Errorf("insert default profile: %w", err)
		}
	case n == 1:
		// Trigger-created profiles start blank; fill in the name.
		if _, err := tx.ExecContext(ctx,
			`UPDATE user_profiles SET display_name = $2
			  WHERE user_id = $1 AND display_name = ''`,
			userID, displayName); err != nil {
			return fmt.Errorf("fill default profile: %w", err)
		}
	default:
		// The only delete the engine performs: empty duplicates that
		// its own insert caused via the trigger. The oldest row stays.
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM user_profiles
			  WHERE user_id = $1
			    AND display_name = ''
			    AND id NOT IN (
			        SELECT id FROM user_profiles
			         WHERE user_id = $1
			         ORDER BY created_at, id
			         LIMIT 1)`,
			userID); err != nil {
			return fmt.Errorf("reconcile duplicate profiles: %w", err)
		}
	}
	return nil
}
