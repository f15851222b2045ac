package cli

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/ballee/entsync/internal/models"
)

func renderDrifts(w io.Writer, drifts []models.TypeDrift) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TYPE\tSOURCE\tDEST\tMAPPED\tSYNCED\tUNTRACKED\tFLAG")
	for _, d := range drifts {
		flag := ""
		if d.BelowThreshold {
			flag = "BELOW THRESHOLD"
		}
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%.1f%%\t%d\t%s\n",
			d.EntityType, d.SourceCount, d.DestinationCount, d.MappingCount,
			d.PercentSynced, d.UntrackedDestination, flag)
	}
	tw.Flush()

	for _, d := range drifts {
		if len(d.UnmappedLegacyIDs) > 0 {
			fmt.Fprintf(w, "unmapped %s documents: %s\n",
				d.EntityType, strings.Join(d.UnmappedLegacyIDs, ", "))
		}
	}
}

func renderStale(w io.Writer, stale map[string][]models.MappingEntry, fixed bool) {
	if len(stale) == 0 {
		fmt.Fprintln(w, "no stale mappings")
		return
	}
	verb := "found"
	if fixed {
		verb = "removed"
	}
	for entityType, entries := range stale {
		fmt.Fprintf(w, "%s %d stale %s mappings:\n", verb, len(entries), entityType)
		for _, e := range entries {
			fmt.Fprintf(w, "  %s -> %s (destination row gone)\n", e.LegacyID, e.DestinationID)
		}
	}
	if !fixed {
		fmt.Fprintln(w, "re-run with --fix-stale to remove them")
	}
}

func renderDuplicates(w io.Writer, dups []models.DuplicateMapping) {
	if len(dups) == 0 {
		fmt.Fprintln(w, "no duplicate mappings")
		return
	}
	fmt.Fprintf(w, "DUPLICATE MAPPINGS (%d), investigate before running anything else:\n", len(dups))
	for _, d := range dups {
		fmt.Fprintf(w, "  %s/%s appears %d times\n", d.EntityType, d.LegacyID, d.Count)
	}
}

func renderRuns(w io.Writer, runs []models.SyncRun) {
	if len(runs) == 0 {
		fmt.Fprintln(w, "no sync runs recorded")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTYPE\tSTATUS\tSTARTED\tDURATION\tSYNCED\tSKIPPED\tFAILED")
	for _, r := range runs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%.0fs\t%d\t%d\t%d\n",
			r.ID, r.SyncType, r.Status, r.StartedAt.UTC().Format(time.RFC3339),
			r.DurationSeconds, r.Counts.Synced, r.Counts.Skipped, r.Counts.Failed)
	}
	tw.Flush()
}

func renderReport(w io.Writer, rep *models.DiagnosticReport) {
	status := func(ok bool, errMsg string) string {
		if ok {
			return "ok"
		}
		return "DOWN: " + errMsg
	}
	fmt.Fprintf(w, "source store:      %s\n", status(rep.SourceOK, rep.SourceError))
	fmt.Fprintf(w, "destination store: %s\n", status(rep.DestinationOK, rep.DestinationError))
	if !rep.DestinationOK {
		return
	}

	fmt.Fprintln(w, "\nrecent runs:")
	renderRuns(w, rep.RecentRuns)

	if len(rep.Breakdown) > 0 {
		fmt.Fprintln(w, "\nmapping breakdown:")
		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "TYPE\tSYNCED\tERROR\tPENDING\tSKIPPED")
		for _, b := range rep.Breakdown {
			fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\n", b.EntityType, b.Synced, b.Error, b.Pending, b.Skipped)
		}
		tw.Flush()
	}

	if len(rep.StuckRuns) > 0 {
		fmt.Fprintf(w, "\nSTUCK RUNS (%d), fail them before re-running their sync type:\n", len(rep.StuckRuns))
		for _, r := range rep.StuckRuns {
			fmt.Fprintf(w, "  %s (%s) running since %s\n", r.ID, r.SyncType, r.StartedAt.UTC().Format(time.RFC3339))
		}
	}

	if len(rep.RecentErrors) > 0 {
		fmt.Fprintln(w, "\nrecent mapping errors:")
		for _, e := range rep.RecentErrors {
			fmt.Fprintf(w, "  %s/%s: %s\n", e.EntityType, e.LegacyID, e.ErrorMessage)
		}
	}
}
