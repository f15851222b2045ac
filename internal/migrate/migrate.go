package migrate

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/ballee/entsync/internal/mapping"
	"github.com/ballee/entsync/internal/models"
)

// TransformError marks a per-record transform failure. It is counted
// and logged but never aborts the run: an expected small per-record
// error rate is normal at this data scale.
type TransformError struct {
	LegacyID string
	Reason   string
}

func (e *TransformError) Error() string {
	return fmt.Sprintf("transform %s: %s", e.LegacyID, e.Reason)
}

// Options apply to every migrator run.
type Options struct {
	// DryRun reads, transforms and compares but suppresses destination
	// and mapping writes. Counters come out identical to a live run.
	DryRun bool
	// MaxErrorDetail caps how many per-record failures are logged in
	// full; the rest are only counted into the summary.
	MaxErrorDetail int
}

const defaultMaxErrorDetail = 10

// MappingStore is the slice of the mapping cache the migrators use.
type MappingStore interface {
	Lookup(ctx context.Context, entityType, legacyID string) (string, bool, error)
	Record(ctx context.Context, e models.MappingEntry) error
	Count(ctx context.Context, entityType string) (int64, error)
}

// RunTracker brackets a migrator run with lifecycle state.
type RunTracker interface {
	Start(ctx context.Context, syncType string) (string, error)
	Complete(ctx context.Context, runID string, counts models.RunCounts) error
	Fail(ctx context.Context, runID string, cause string) error
}

// Runner owns the lifecycle shared by every migrator: start the tracked
// run, process records with per-record failure isolation, and close the
// run out as completed or failed. Dry runs are not tracked, since they
// write nothing.
type Runner struct {
	tracker RunTracker
	log     *logrus.Entry
	opts    Options
}

// NewRunner builds a runner with the given options.
func NewRunner(tracker RunTracker, log *logrus.Logger, opts Options) *Runner {
	if opts.MaxErrorDetail <= 0 {
		opts.MaxErrorDetail = defaultMaxErrorDetail
	}
	return &Runner{tracker: tracker, log: log.WithField("component", "migrate"), opts: opts}
}

// DryRun reports whether writes are suppressed.
func (r *Runner) DryRun() bool { return r.opts.DryRun }

// Run executes one tracked migration batch. process returns only fatal
// errors (connection loss, missing prerequisites); per-record outcomes
// go through the recorder.
func (r *Runner) Run(ctx context.Context, syncType string, process func(ctx context.Context, rec *Recorder) error) (models.RunCounts, error) {
	log := r.log.WithField("sync_type", syncType)

	runID := ""
	if r.opts.DryRun {
		log.Info("dry run: destination and mapping writes suppressed")
	} else {
		id, err := r.tracker.Start(ctx, syncType)
		if err != nil {
			return models.RunCounts{}, err
		}
		runID = id
		log = log.WithField("run_id", runID)
	}

	rec := &Recorder{log: log, maxDetail: r.opts.MaxErrorDetail}
	if err := process(ctx, rec); err != nil {
		log.WithError(err).Error("run aborted")
		if runID != "" {
			if failErr := r.tracker.Fail(ctx, runID, err.Error()); failErr != nil {
				log.WithError(failErr).Error("could not mark run failed")
			}
		}
		return rec.Counts, err
	}

	if runID != "" {
		if err := r.tracker.Complete(ctx, runID, rec.Counts); err != nil {
			return rec.Counts, err
		}
	}
	rec.summarize(log)
	return rec.Counts, nil
}

// Recorder accumulates per-record outcomes for one run.
type Recorder struct {
	Counts    models.RunCounts
	log       *logrus.Entry
	maxDetail int
}

// Scanned counts a record pulled from the source.
func (c *Recorder) Scanned() { c.Counts.Scanned++ }

// Synced counts a record written (or, in a dry run, that would be).
func (c *Recorder) Synced() { c.Counts.Synced++ }

// Skipped counts an idempotent no-op: a valid mapping already existed.
func (c *Recorder) Skipped() { c.Counts.Skipped++ }

// SkippedNoOwner counts a dependent record whose owner has no mapping.
// Expected in small numbers, never an error.
func (c *Recorder) SkippedNoOwner() { c.Counts.SkippedNoOwner++ }

// Failed counts a per-record failure. The first few are logged in
// detail; the remainder only appear in the summary totals so output
// stays usable at tens-of-thousands-of-records scale.
func (c *Recorder) Failed(legacyID string, err error) {
	c.Counts.Failed++
	if c.Counts.Failed <= c.maxDetail {
		c.log.WithField("legacy_id", legacyID).WithError(err).Warn("record failed")
	} else if c.Counts.Failed == c.maxDetail+1 {
		c.log.Warn("further record failures will appear in the summary only")
	}
}

func (c *Recorder) summarize(log *logrus.Entry) {
	log.WithFields(logrus.Fields{
		"scanned":          c.Counts.Scanned,
		"synced":           c.Counts.Synced,
		"skipped":          c.Counts.Skipped,
		"skipped_no_owner": c.Counts.SkippedNoOwner,
		"failed":           c.Counts.Failed,
	}).Info("run complete")
}

// undecodable builds the handler for documents the source could not
// decode. They are scanned, per-record failures like any other, so a
// few skewed documents never abort a multi-hour batch.
func undecodable(ctx context.Context, rec *Recorder, mappings MappingStore, dryRun bool, entityType string) func(legacyID string, err error) error {
	return func(legacyID string, err error) error {
		rec.Scanned()
		failRecord(ctx, rec, mappings, dryRun, entityType, legacyID, err)
		return nil
	}
}

// failRecord counts a per-record failure and, outside dry runs, leaves
// an errored mapping entry behind so diagnostics can surface it later.
// Mapping conflicts are counted only: the existing entry must stay
// untouched. A record with no readable legacy id gets no entry either;
// the mapping table never holds a row it cannot attribute.
func failRecord(ctx context.Context, rec *Recorder, mappings MappingStore, dryRun bool, entityType, legacyID string, cause error) {
	rec.Failed(legacyID, cause)
	if dryRun || legacyID == "" {
		return
	}
	var conflict *mapping.ConflictError
	if errors.As(cause, &conflict) {
		return
	}
	entry := models.MappingEntry{
		EntityType:   entityType,
		LegacyID:     legacyID,
		SyncStatus:   models.MappingError,
		ErrorMessage: cause.Error(),
	}
	if err := mappings.Record(ctx, entry); err != nil {
		rec.log.WithField("legacy_id", legacyID).WithError(err).Warn("could not record error mapping")
	}
}
