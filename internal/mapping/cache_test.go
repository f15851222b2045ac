package mapping

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ballee/entsync/internal/models"
)

type fakeChecker struct {
	existing map[string]bool
	gotIDs   []string
}

func (f *fakeChecker) ExistingIDs(_ context.Context, _ string, ids []string) (map[string]bool, error) {
	f.gotIDs = append(f.gotIDs, ids...)
	return f.existing, nil
}

func newTestCache(t *testing.T, checker *fakeChecker) (*Cache, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	log := logrus.New()
	log.SetOutput(io.Discard)
	return New(db, checker, log), mock
}

func TestCacheLookup_Hit(t *testing.T) {
	cache, mock := newTestCache(t, nil)
	mock.ExpectQuery("SELECT destination_id, sync_status FROM entity_mappings").
		WithArgs("users", "abc123").
		WillReturnRows(sqlmock.NewRows([]string{"destination_id", "sync_status"}).
			AddRow("user-7", models.MappingSynced))

	id, ok, err := cache.Lookup(context.Background(), "users", "abc123")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "user-7", id)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCacheLookup_Miss(t *testing.T) {
	cache, mock := newTestCache(t, nil)
	mock.ExpectQuery("SELECT destination_id, sync_status FROM entity_mappings").
		WithArgs("users", "missing").
		WillReturnRows(sqlmock.NewRows([]string{"destination_id", "sync_status"}))

	_, ok, err := cache.Lookup(context.Background(), "users", "missing")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCacheLookup_ErroredEntryReportsNotFound(t *testing.T) {
	cache, mock := newTestCache(t, nil)
	mock.ExpectQuery("SELECT destination_id, sync_status FROM entity_mappings").
		WithArgs("users", "abc123").
		WillReturnRows(sqlmock.NewRows([]string{"destination_id", "sync_status"}).
			AddRow("", models.MappingError))

	_, ok, err := cache.Lookup(context.Background(), "users", "abc123")
	require.NoError(t, err)
	assert.False(t, ok, "errored entries must be retried, not treated as mapped")
}

func TestCacheRecord_Upserts(t *testing.T) {
	cache, mock := newTestCache(t, nil)
	mock.ExpectQuery("INSERT INTO entity_mappings").
		WithArgs("users", "abc123", "user-7", models.MappingSynced, "").
		WillReturnRows(sqlmock.NewRows([]string{"destination_id"}).AddRow("user-7"))

	err := cache.Record(context.Background(), models.MappingEntry{
		EntityType:    "users",
		LegacyID:      "abc123",
		DestinationID: "user-7",
		SyncStatus:    models.MappingSynced,
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCacheRecord_ConflictRefusesRepoint(t *testing.T) {
	cache, mock := newTestCache(t, nil)
	// The guard rejects the upsert, so the statement returns no row.
	mock.ExpectQuery("INSERT INTO entity_mappings").
		WithArgs("users", "abc123", "user-8", models.MappingSynced, "").
		WillReturnRows(sqlmock.NewRows([]string{"destination_id"}))
	mock.ExpectQuery("SELECT destination_id FROM entity_mappings").
		WithArgs("users", "abc123").
		WillReturnRows(sqlmock.NewRows([]string{"destination_id"}).AddRow("user-7"))

	err := cache.Record(context.Background(), models.MappingEntry{
		EntityType:    "users",
		LegacyID:      "abc123",
		DestinationID: "user-8",
		SyncStatus:    models.MappingSynced,
	})
	var conflict *ConflictError
	require.True(t, errors.As(err, &conflict))
	assert.Equal(t, "users", conflict.EntityType)
	assert.Equal(t, "abc123", conflict.LegacyID)
	assert.Equal(t, "user-7", conflict.Existing)
	assert.Equal(t, "user-8", conflict.Attempted)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCacheInvalidateStale_ReportOnly(t *testing.T) {
	checker := &fakeChecker{existing: map[string]bool{"user-1": true}}
	cache, mock := newTestCache(t, checker)
	mock.ExpectQuery("SELECT legacy_id, destination_id FROM entity_mappings").
		WithArgs("users").
		WillReturnRows(sqlmock.NewRows([]string{"legacy_id", "destination_id"}).
			AddRow("aaa", "user-1").
			AddRow("bbb", "user-gone"))

	stale, err := cache.InvalidateStale(context.Background(), "users", false)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, "bbb", stale[0].LegacyID)
	assert.Equal(t, []string{"user-1", "user-gone"}, checker.gotIDs)
	assert.NoError(t, mock.ExpectationsWereMet(), "no delete without the fix flag")
}

func TestCacheInvalidateStale_Fix(t *testing.T) {
	checker := &fakeChecker{existing: map[string]bool{}}
	cache, mock := newTestCache(t, checker)
	mock.ExpectQuery("SELECT legacy_id, destination_id FROM entity_mappings").
		WithArgs("users").
		WillReturnRows(sqlmock.NewRows([]string{"legacy_id", "destination_id"}).
			AddRow("bbb", "user-gone"))
	mock.ExpectExec("DELETE FROM entity_mappings").
		WithArgs("users", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	stale, err := cache.InvalidateStale(context.Background(), "users", true)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCacheInvalidateStale_NothingMapped(t *testing.T) {
	checker := &fakeChecker{}
	cache, mock := newTestCache(t, checker)
	mock.ExpectQuery("SELECT legacy_id, destination_id FROM entity_mappings").
		WithArgs("media").
		WillReturnRows(sqlmock.NewRows([]string{"legacy_id", "destination_id"}))

	stale, err := cache.InvalidateStale(context.Background(), "media", true)
	require.NoError(t, err)
	assert.Empty(t, stale)
	assert.Empty(t, checker.gotIDs, "no existence check when nothing is mapped")
}

func TestCacheFindDuplicates(t *testing.T) {
	cache, mock := newTestCache(t, nil)
	mock.ExpectQuery("SELECT entity_type, legacy_id, COUNT").
		WillReturnRows(sqlmock.NewRows([]string{"entity_type", "legacy_id", "count"}).
			AddRow("notes", "abc", 2))

	dups, err := cache.FindDuplicates(context.Background())
	require.NoError(t, err)
	require.Len(t, dups, 1)
	assert.Equal(t, "notes", dups[0].EntityType)
	assert.Equal(t, int64(2), dups[0].Count)
}

func TestCacheStatusBreakdown(t *testing.T) {
	cache, mock := newTestCache(t, nil)
	mock.ExpectQuery("SELECT entity_type, sync_status, COUNT").
		WillReturnRows(sqlmock.NewRows([]string{"entity_type", "sync_status", "count"}).
			AddRow("media", models.MappingError, 3).
			AddRow("media", models.MappingSynced, 97).
			AddRow("users", models.MappingSynced, 40))

	breakdown, err := cache.StatusBreakdown(context.Background())
	require.NoError(t, err)
	require.Len(t, breakdown, 2)
	assert.Equal(t, "media", breakdown[0].EntityType)
	assert.Equal(t, int64(97), breakdown[0].Synced)
	assert.Equal(t, int64(3), breakdown[0].Error)
	assert.Equal(t, "users", breakdown[1].EntityType)
	assert.Equal(t, int64(40), breakdown[1].Synced)
}

func TestCacheRecentErrors(t *testing.T) {
	cache, mock := newTestCache(t, nil)
	when := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	mock.ExpectQuery("SELECT entity_type, legacy_id, destination_id, sync_status, last_synced_at, error_message").
		WithArgs(5).
		WillReturnRows(sqlmock.NewRows([]string{"entity_type", "legacy_id", "destination_id", "sync_status", "last_synced_at", "error_message"}).
			AddRow("users", "abc", "", models.MappingError, when, "malformed email"))

	entries, err := cache.RecentErrors(context.Background(), 5)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "malformed email", entries[0].ErrorMessage)
	assert.Equal(t, when, entries[0].LastSyncedAt)
}
