package cli

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/ballee/entsync/internal/validate"
)

func validateCommand(app *App) *cobra.Command {
	var fixStale bool
	var threshold float64

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Compare source, destination and mapping counts; check stale and duplicate mappings",
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.withStores(cmd.Context(), func(ctx context.Context, s *stores) error {
				comp := validate.NewComparator(s.src, s.dst, s.cache, threshold, app.log)

				drifts, err := comp.Compare(ctx)
				if err != nil {
					return err
				}
				renderDrifts(cmd.OutOrStdout(), drifts)

				stale, err := comp.CheckStale(ctx, fixStale)
				if err != nil {
					return err
				}
				renderStale(cmd.OutOrStdout(), stale, fixStale)

				dups, err := comp.Duplicates(ctx)
				if err != nil {
					return err
				}
				renderDuplicates(cmd.OutOrStdout(), dups)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&fixStale, "fix-stale", false,
		"remove mappings whose destination row is gone")
	cmd.Flags().Float64Var(&threshold, "threshold", validate.DefaultThreshold,
		"percent-synced floor before a type is flagged")
	return cmd
}
