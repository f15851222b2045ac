package diagnose

import (
	"context"
	"time"
	"unicode/utf8"

	"github.com/sirupsen/logrus"

	"github.com/ballee/entsync/internal/config"
	"github.com/ballee/entsync/internal/destination"
	"github.com/ballee/entsync/internal/mapping"
	"github.com/ballee/entsync/internal/models"
	"github.com/ballee/entsync/internal/source"
	"github.com/ballee/entsync/internal/syncrun"
)

const (
	recentRunLimit     = 10
	recentErrorLimit   = 5
	maxErrorMessageLen = 120
)

// Reporter produces the read-only operational snapshot. It opens its
// own connections so that one store being down still yields a report
// instead of an error; it never mutates state.
type Reporter struct {
	cfg *config.Config
	log *logrus.Logger
}

// NewReporter wires a reporter.
func NewReporter(cfg *config.Config, log *logrus.Logger) *Reporter {
	return &Reporter{cfg: cfg, log: log}
}

// Snapshot gathers connectivity, recent runs, the per-type mapping
// breakdown, stuck runs past the threshold, and the latest errored
// mappings. Section failures are logged and leave the section empty;
// Snapshot itself never fails.
func (r *Reporter) Snapshot(ctx context.Context, stuckAfter time.Duration) *models.DiagnosticReport {
	log := r.log.WithField("component", "diagnose")
	rep := &models.DiagnosticReport{}

	if src, err := source.Connect(ctx, r.cfg.Source, r.log); err != nil {
		rep.SourceError = err.Error()
	} else {
		rep.SourceOK = true
		_ = src.Close(ctx)
	}

	dst, err := destination.Open(ctx, r.cfg.Destination, r.log)
	if err != nil {
		rep.DestinationError = err.Error()
		return rep
	}
	defer dst.Close()
	rep.DestinationOK = true

	tracker := syncrun.New(dst.SQL, r.log)
	cache := mapping.New(dst.SQL, dst, r.log)

	if runs, err := tracker.ListRecent(ctx, recentRunLimit); err != nil {
		log.WithError(err).Warn("could not list recent runs")
	} else {
		rep.RecentRuns = runs
	}

	if breakdown, err := cache.StatusBreakdown(ctx); err != nil {
		log.WithError(err).Warn("could not read mapping breakdown")
	} else {
		rep.Breakdown = breakdown
	}

	if stuck, err := tracker.FindStuck(ctx, stuckAfter); err != nil {
		log.WithError(err).Warn("could not check for stuck runs")
	} else {
		rep.StuckRuns = stuck
	}

	if errs, err := cache.RecentErrors(ctx, recentErrorLimit); err != nil {
		log.WithError(err).Warn("could not list errored mappings")
	} else {
		for i := range errs {
			errs[i].ErrorMessage = truncate(errs[i].ErrorMessage, maxErrorMessageLen)
		}
		rep.RecentErrors = errs
	}

	return rep
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	// Back off to a rune boundary so the cut never emits invalid UTF-8.
	cut := n - 3
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
