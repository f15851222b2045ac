package validate

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/ballee/entsync/internal/models"
)

// SourceReader is the slice of the source store the comparator reads.
type SourceReader interface {
	Count(ctx context.Context, entityType string) (int64, error)
	LegacyIDs(ctx context.Context, entityType string) ([]string, error)
}

// DestinationReader is the slice of the destination store the
// comparator reads.
type DestinationReader interface {
	CountRows(ctx context.Context, entityType string) (int64, error)
	CountUntracked(ctx context.Context, entityType string) (int64, error)
}

// MappingReader is the slice of the mapping cache the comparator reads.
type MappingReader interface {
	Count(ctx context.Context, entityType string) (int64, error)
	LegacyIDSet(ctx context.Context, entityType string) (map[string]bool, error)
	InvalidateStale(ctx context.Context, entityType string, fix bool) ([]models.MappingEntry, error)
	FindDuplicates(ctx context.Context) ([]models.DuplicateMapping, error)
}

// DefaultThreshold is the percent-synced floor below which a type is
// flagged.
const DefaultThreshold = 99.0

const maxNamedUnmapped = 20

// Comparator is the read-only drift detector. Problems land in the
// report, never in the returned error; only connection-level failures
// return one.
type Comparator struct {
	source    SourceReader
	dest      DestinationReader
	mappings  MappingReader
	threshold float64
	log       *logrus.Entry
}

// NewComparator wires a comparator. A non-positive threshold falls back
// to DefaultThreshold.
func NewComparator(src SourceReader, dest DestinationReader, mappings MappingReader, threshold float64, log *logrus.Logger) *Comparator {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return &Comparator{
		source:    src,
		dest:      dest,
		mappings:  mappings,
		threshold: threshold,
		log:       log.WithField("component", "validate"),
	}
}

// Compare computes per-type drift between source, destination and
// mapping counts.
func (c *Comparator) Compare(ctx context.Context) ([]models.TypeDrift, error) {
	drifts := make([]models.TypeDrift, 0, len(models.EntityTypes))
	for _, entityType := range models.EntityTypes {
		d, err := c.compareType(ctx, entityType)
		if err != nil {
			return nil, err
		}
		drifts = append(drifts, d)
	}
	return drifts, nil
}

func (c *Comparator) compareType(ctx context.Context, entityType string) (models.TypeDrift, error) {
	d := models.TypeDrift{EntityType: entityType}

	var err error
	if d.SourceCount, err = c.source.Count(ctx, entityType); err != nil {
		return d, err
	}
	if d.DestinationCount, err = c.dest.CountRows(ctx, entityType); err != nil {
		return d, err
	}
	if d.MappingCount, err = c.mappings.Count(ctx, entityType); err != nil {
		return d, err
	}

	if d.SourceCount == 0 {
		d.PercentSynced = 100
	} else {
		d.PercentSynced = float64(d.MappingCount) / float64(d.SourceCount) * 100
	}
	d.BelowThreshold = d.PercentSynced < c.threshold

	if d.MappingCount < d.SourceCount {
		ids, err := c.source.LegacyIDs(ctx, entityType)
		if err != nil {
			return d, err
		}
		mapped, err := c.mappings.LegacyIDSet(ctx, entityType)
		if err != nil {
			return d, err
		}
		for _, id := range ids {
			if !mapped[id] {
				d.UnmappedLegacyIDs = append(d.UnmappedLegacyIDs, id)
				if len(d.UnmappedLegacyIDs) == maxNamedUnmapped {
					break
				}
			}
		}
	}

	if d.UntrackedDestination, err = c.dest.CountUntracked(ctx, entityType); err != nil {
		return d, err
	}
	return d, nil
}

// CheckStale runs the orphaned-mapping check for every type. With fix
// set the stale entries are removed; otherwise they are only reported.
// Must not run concurrently with a migrator of the same entity type.
func (c *Comparator) CheckStale(ctx context.Context, fix bool) (map[string][]models.MappingEntry, error) {
	stale := make(map[string][]models.MappingEntry)
	for _, entityType := range models.EntityTypes {
		entries, err := c.mappings.InvalidateStale(ctx, entityType, fix)
		if err != nil {
			return nil, err
		}
		if len(entries) > 0 {
			stale[entityType] = entries
		}
	}
	return stale, nil
}

// Duplicates reports (entity type, legacy id) pairs mapped more than
// once.
func (c *Comparator) Duplicates(ctx context.Context) ([]models.DuplicateMapping, error) {
	return c.mappings.FindDuplicates(ctx)
}
