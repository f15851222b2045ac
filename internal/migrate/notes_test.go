package migrate

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/ballee/entsync/internal/models"
)

func TestNoteMigrator_AbortsWhenNoUserMappingsExist(t *testing.T) {
	ctx := context.Background()
	src := &fakeNoteSource{notes: []models.LegacyNote{mkNote(primitive.NewObjectID(), "hello")}}
	store := newFakeContentStore()

	runner, tracker := newTestRunner(t, false)
	_, err := NewNoteMigrator(src, store, newFakeMappingStore(), runner).Run(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "migrate users")

	// The run was opened and then marked failed, not completed.
	assert.Len(t, tracker.started, 1)
	assert.Len(t, tracker.failed, 1)
	assert.Empty(t, tracker.completed)
	assert.Empty(t, store.notes)
}

func TestNoteMigrator_MigratesAndSkipsUnmappedOwners(t *testing.T) {
	ctx := context.Background()
	mapped := primitive.NewObjectID()
	orphan := primitive.NewObjectID()

	mappings := newFakeMappingStore()
	seedOwner(t, mappings, mapped, "user-1")
	store := newFakeContentStore()

	docs := []models.LegacyNote{
		mkNote(mapped, "kept"),
		mkNote(orphan, "orphaned"),
		mkNote(mapped, "  "),
	}
	runner, tracker := newTestRunner(t, false)
	counts, err := NewNoteMigrator(&fakeNoteSource{notes: docs}, store, mappings, runner).Run(ctx)
	require.NoError(t, err)

	assert.Equal(t, 3, counts.Scanned)
	assert.Equal(t, 1, counts.Synced)
	assert.Equal(t, 1, counts.SkippedNoOwner)
	assert.Equal(t, 1, counts.Failed, "blank body is a per-record failure")
	assert.Len(t, tracker.completed, 1)

	require.Len(t, store.notes, 1)
	for _, n := range store.notes {
		assert.Equal(t, "user-1", n.OwnerID)
		assert.Equal(t, "kept", n.Body)
	}
}

func TestNoteMigrator_SecondRunSkipsEverything(t *testing.T) {
	ctx := context.Background()
	owner := primitive.NewObjectID()

	mappings := newFakeMappingStore()
	seedOwner(t, mappings, owner, "user-1")
	store := newFakeContentStore()

	src := &fakeNoteSource{notes: []models.LegacyNote{
		mkNote(owner, "one"),
		mkNote(owner, "two"),
	}}

	runner, _ := newTestRunner(t, false)
	first, err := NewNoteMigrator(src, store, mappings, runner).Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, first.Synced)

	runner2, _ := newTestRunner(t, false)
	second, err := NewNoteMigrator(src, store, mappings, runner2).Run(ctx)
	require.NoError(t, err)

	assert.Equal(t, 2, second.Skipped)
	assert.Equal(t, 0, second.Synced)
	assert.Len(t, store.notes, 2)
}

func TestNoteMigrator_BackfillsMappingForExistingRow(t *testing.T) {
	ctx := context.Background()
	owner := primitive.NewObjectID()
	doc := mkNote(owner, "already there")

	mappings := newFakeMappingStore()
	seedOwner(t, mappings, owner, "user-1")
	store := newFakeContentStore()
	store.notesByLegacy[doc.LegacyID()] = "note-42"

	runner, _ := newTestRunner(t, false)
	counts, err := NewNoteMigrator(&fakeNoteSource{notes: []models.LegacyNote{doc}}, store, mappings, runner).Run(ctx)
	require.NoError(t, err)

	assert.Equal(t, 1, counts.Synced)
	assert.Empty(t, store.notes)

	e, ok := mappings.get(models.TypeNotes, doc.LegacyID())
	require.True(t, ok)
	assert.Equal(t, "note-42", e.DestinationID)
}

func TestNoteMigrator_DryRunStillRequiresUserMappings(t *testing.T) {
	ctx := context.Background()
	src := &fakeNoteSource{notes: []models.LegacyNote{mkNote(primitive.NewObjectID(), "hello")}}

	runner, tracker := newTestRunner(t, true)
	_, err := NewNoteMigrator(src, newFakeContentStore(), newFakeMappingStore(), runner).Run(ctx)
	require.Error(t, err)
	assert.Empty(t, tracker.started, "dry runs are never tracked, even failed ones")
}
