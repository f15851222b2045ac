package cli

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/ballee/entsync/internal/diagnose"
)

func diagnoseCommand(app *App) *cobra.Command {
	var stuckAfter time.Duration

	cmd := &cobra.Command{
		Use:   "diagnose",
		Short: "Report engine health without touching any state",
		RunE: func(cmd *cobra.Command, args []string) error {
			rep := diagnose.NewReporter(app.cfg, app.log).Snapshot(cmd.Context(), stuckAfter)
			renderReport(cmd.OutOrStdout(), rep)
			return nil
		},
	}
	cmd.Flags().DurationVar(&stuckAfter, "stuck-after", 30*time.Minute,
		"flag runs still running past this age")
	return cmd
}
