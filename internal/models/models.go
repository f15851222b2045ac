package models

import "time"

// Entity types known to the migration engine. The operator invokes
// migrators in dependency order: users before media and notes.
const (
	TypeUsers = "users"
	TypeMedia = "media"
	TypeNotes = "notes"
)

// EntityTypes lists every migratable type in invocation order.
var EntityTypes = []string{TypeUsers, TypeMedia, TypeNotes}

// Mapping sync statuses.
const (
	MappingPending = "pending"
	MappingSynced  = "synced"
	MappingError   = "error"
	MappingSkipped = "skipped"
)

// Sync run statuses.
const (
	RunPending   = "pending"
	RunRunning   = "running"
	RunCompleted = "completed"
	RunFailed    = "failed"
)

// MappingEntry correlates a legacy document with the destination row it
// became. (EntityType, LegacyID) is unique: a legacy id never points at
// two different destination ids. An empty DestinationID means no row
// has been written for the record yet (errored entries look like this).
type MappingEntry struct {
	EntityType    string
	LegacyID      string
	DestinationID string
	SyncStatus    string
	LastSyncedAt  time.Time
	ErrorMessage  string
}

// DuplicateMapping is one (entity type, legacy id) pair that appears
// more than once in the mapping table. Expected to be empty after any
// clean run.
type DuplicateMapping struct {
	EntityType string
	LegacyID   string
	Count      int64
}

// RunCounts summarizes per-record outcomes of one migration run.
type RunCounts struct {
	Scanned        int
	Synced         int
	Skipped        int
	SkippedNoOwner int
	Failed         int
}

// SyncRun is one tracked execution of a migrator batch.
type SyncRun struct {
	ID              string
	SyncType        string
	Status          string
	StartedAt       time.Time
	CompletedAt     *time.Time
	DurationSeconds float64
	Counts          RunCounts
	ErrorMessage    string
}

// TypeDrift is one row of the count comparator's report.
type TypeDrift struct {
	EntityType       string
	SourceCount      int64
	DestinationCount int64
	MappingCount     int64
	PercentSynced    float64
	BelowThreshold   bool
	// UnmappedLegacyIDs names the first few source documents with no
	// mapping entry.
	UnmappedLegacyIDs []string
	// UntrackedDestination counts destination rows created through a
	// path other than this engine.
	UntrackedDestination int64
}

// StatusBreakdown groups a type's mapping entries by sync status.
type StatusBreakdown struct {
	EntityType string
	Synced     int64
	Error      int64
	Pending    int64
	Skipped    int64
}

// DiagnosticReport is the read-only operational snapshot.
type DiagnosticReport struct {
	SourceOK         bool
	SourceError      string
	DestinationOK    bool
	DestinationError string
	RecentRuns       []SyncRun
	Breakdown        []StatusBreakdown
	StuckRuns        []SyncRun
	RecentErrors     []MappingEntry
}
