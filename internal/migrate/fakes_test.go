package migrate

import (
	"context"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/ballee/entsync/internal/destination"
	"github.com/ballee/entsync/internal/mapping"
	"github.com/ballee/entsync/internal/models"
)

func newTestRunner(t *testing.T, dryRun bool) (*Runner, *fakeTracker) {
	t.Helper()
	tracker := newFakeTracker()
	log := logrus.New()
	log.SetOutput(io.Discard)
	return NewRunner(tracker, log, Options{DryRun: dryRun}), tracker
}

// fakeMappingStore mirrors the cache's guarded-upsert semantics in
// memory.
type fakeMappingStore struct {
	entries map[string]models.MappingEntry
}

func newFakeMappingStore() *fakeMappingStore {
	return &fakeMappingStore{entries: make(map[string]models.MappingEntry)}
}

func mappingKey(entityType, legacyID string) string { return entityType + "/" + legacyID }

func (f *fakeMappingStore) Lookup(_ context.Context, entityType, legacyID string) (string, bool, error) {
	e, ok := f.entries[mappingKey(entityType, legacyID)]
	if !ok || e.SyncStatus != models.MappingSynced || e.DestinationID == "" {
		return "", false, nil
	}
	return e.DestinationID, true, nil
}

func (f *fakeMappingStore) Record(_ context.Context, e models.MappingEntry) error {
	key := mappingKey(e.EntityType, e.LegacyID)
	if existing, ok := f.entries[key]; ok {
		if existing.DestinationID != "" && e.DestinationID != "" && existing.DestinationID != e.DestinationID {
			return &mapping.ConflictError{
				EntityType: e.EntityType,
				LegacyID:   e.LegacyID,
				Existing:   existing.DestinationID,
				Attempted:  e.DestinationID,
			}
		}
		if e.DestinationID == "" {
			e.DestinationID = existing.DestinationID
		}
	}
	e.LastSyncedAt = time.Now().UTC()
	f.entries[key] = e
	return nil
}

func (f *fakeMappingStore) Count(_ context.Context, entityType string) (int64, error) {
	var n int64
	for _, e := range f.entries {
		if e.EntityType == entityType {
			n++
		}
	}
	return n, nil
}

func (f *fakeMappingStore) get(entityType, legacyID string) (models.MappingEntry, bool) {
	e, ok := f.entries[mappingKey(entityType, legacyID)]
	return e, ok
}

type fakeTracker struct {
	started   []string
	completed map[string]models.RunCounts
	failed    map[string]string
	nextID    int
}

func newFakeTracker() *fakeTracker {
	return &fakeTracker{
		completed: make(map[string]models.RunCounts),
		failed:    make(map[string]string),
	}
}

func (f *fakeTracker) Start(_ context.Context, syncType string) (string, error) {
	f.nextID++
	f.started = append(f.started, syncType)
	return fmt.Sprintf("run-%d", f.nextID), nil
}

func (f *fakeTracker) Complete(_ context.Context, runID string, counts models.RunCounts) error {
	f.completed[runID] = counts
	return nil
}

func (f *fakeTracker) Fail(_ context.Context, runID string, cause string) error {
	f.failed[runID] = cause
	return nil
}

// badDoc is a document whose decode fails at the cursor.
type badDoc struct {
	legacyID string
	err      error
}

type fakeUserSource struct {
	users []models.LegacyUser
	bad   []badDoc
}

func (f *fakeUserSource) EachUser(_ context.Context, fn func(models.LegacyUser) error, bad func(string, error) error) error {
	for _, u := range f.users {
		if err := fn(u); err != nil {
			return err
		}
	}
	for _, b := range f.bad {
		if err := bad(b.legacyID, b.err); err != nil {
			return err
		}
	}
	return nil
}

type destUser struct {
	id           string
	email        string
	passwordHash string
	displayName  string
	legacyID     string
}

type fakeUserStore struct {
	users    map[string]*destUser
	byEmail  map[string]string
	profiles map[string]int
	nextID   int

	// createErr is returned by the next CreateUser call, once.
	createErr error
	// hideEmailOnce makes the next FindUserIDByEmail miss, to simulate
	// a row appearing between the lookup and the insert.
	hideEmailOnce bool
}

func newFakeUserStore() *fakeUserStore {
	return &fakeUserStore{
		users:    make(map[string]*destUser),
		byEmail:  make(map[string]string),
		profiles: make(map[string]int),
	}
}

func (f *fakeUserStore) FindUserIDByEmail(_ context.Context, email string) (string, error) {
	if f.hideEmailOnce {
		f.hideEmailOnce = false
		return "", nil
	}
	return f.byEmail[strings.ToLower(email)], nil
}

func (f *fakeUserStore) CreateUser(_ context.Context, u destination.NewUser) (string, error) {
	if f.createErr != nil {
		err := f.createErr
		f.createErr = nil
		return "", err
	}
	f.nextID++
	id := fmt.Sprintf("user-%d", f.nextID)
	f.users[id] = &destUser{
		id:           id,
		email:        u.Email,
		passwordHash: u.PasswordHash,
		displayName:  u.DisplayName,
		legacyID:     u.LegacyID,
	}
	f.byEmail[strings.ToLower(u.Email)] = id
	f.profiles[id] = 1
	return id, nil
}

func (f *fakeUserStore) AdoptUser(_ context.Context, destID string, u destination.NewUser) error {
	du, ok := f.users[destID]
	if !ok {
		return fmt.Errorf("no such user %s", destID)
	}
	if du.legacyID == "" {
		du.legacyID = u.LegacyID
	}
	if du.passwordHash == "" {
		du.passwordHash = u.PasswordHash
	}
	if f.profiles[destID] == 0 {
		f.profiles[destID] = 1
	}
	return nil
}

func (f *fakeUserStore) seed(email, legacyID string) string {
	f.nextID++
	id := fmt.Sprintf("user-%d", f.nextID)
	f.users[id] = &destUser{id: id, email: email, legacyID: legacyID}
	f.byEmail[strings.ToLower(email)] = id
	f.profiles[id] = 1
	return id
}

type fakeMediaSource struct {
	media []models.LegacyMedia
	bad   []badDoc
}

func (f *fakeMediaSource) EachMedia(_ context.Context, fn func(models.LegacyMedia) error, bad func(string, error) error) error {
	for _, m := range f.media {
		if err := fn(m); err != nil {
			return err
		}
	}
	for _, b := range f.bad {
		if err := bad(b.legacyID, b.err); err != nil {
			return err
		}
	}
	return nil
}

type fakeNoteSource struct {
	notes []models.LegacyNote
	bad   []badDoc
}

func (f *fakeNoteSource) EachNote(_ context.Context, fn func(models.LegacyNote) error, bad func(string, error) error) error {
	for _, n := range f.notes {
		if err := fn(n); err != nil {
			return err
		}
	}
	for _, b := range f.bad {
		if err := bad(b.legacyID, b.err); err != nil {
			return err
		}
	}
	return nil
}

type fakeContentStore struct {
	media         map[string]destination.NewMedia
	notes         map[string]destination.NewNote
	mediaByLegacy map[string]string
	notesByLegacy map[string]string
	nextID        int
}

func newFakeContentStore() *fakeContentStore {
	return &fakeContentStore{
		media:         make(map[string]destination.NewMedia),
		notes:         make(map[string]destination.NewNote),
		mediaByLegacy: make(map[string]string),
		notesByLegacy: make(map[string]string),
	}
}

func (f *fakeContentStore) FindIDByLegacyID(_ context.Context, entityType, legacyID string) (string, error) {
	switch entityType {
	case models.TypeMedia:
		return f.mediaByLegacy[legacyID], nil
	case models.TypeNotes:
		return f.notesByLegacy[legacyID], nil
	}
	return "", fmt.Errorf("unknown entity type %q", entityType)
}

func (f *fakeContentStore) CreateMedia(_ context.Context, m destination.NewMedia) (string, error) {
	f.nextID++
	id := fmt.Sprintf("media-%d", f.nextID)
	f.media[id] = m
	f.mediaByLegacy[m.LegacyID] = id
	return id, nil
}

func (f *fakeContentStore) CreateNote(_ context.Context, n destination.NewNote) (string, error) {
	f.nextID++
	id := fmt.Sprintf("note-%d", f.nextID)
	f.notes[id] = n
	f.notesByLegacy[n.LegacyID] = id
	return id, nil
}

type fakeResolver struct{ missing map[string]bool }

func (f *fakeResolver) URLFor(key string) string { return "https://cdn.test/" + key }

func (f *fakeResolver) Verify(_ context.Context, key string) (bool, error) {
	return !f.missing[key], nil
}

func mkUser(email, hash string) models.LegacyUser {
	return models.LegacyUser{
		ID:           primitive.NewObjectID(),
		Email:        email,
		PasswordHash: hash,
		CreatedAt:    time.Date(2020, 5, 1, 12, 0, 0, 0, time.UTC),
	}
}

func mkMedia(owner primitive.ObjectID, key string, size interface{}) models.LegacyMedia {
	return models.LegacyMedia{
		ID:         primitive.NewObjectID(),
		OwnerID:    owner,
		StorageKey: key,
		Size:       size,
		CreatedAt:  time.Date(2021, 2, 3, 4, 5, 6, 0, time.UTC),
	}
}

func mkNote(owner primitive.ObjectID, body string) models.LegacyNote {
	return models.LegacyNote{
		ID:        primitive.NewObjectID(),
		OwnerID:   owner,
		Body:      body,
		CreatedAt: time.Date(2021, 6, 7, 8, 9, 10, 0, time.UTC),
	}
}
