package cli

import (
	"context"

	"github.com/spf13/cobra"
)

func runsCommand(app *App) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List recent sync runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.withStores(cmd.Context(), func(ctx context.Context, s *stores) error {
				runs, err := s.tracker.ListRecent(ctx, limit)
				if err != nil {
					return err
				}
				renderRuns(cmd.OutOrStdout(), runs)
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 10, "how many runs to list")

	fail := &cobra.Command{
		Use:   "fail <run-id>",
		Short: "Mark a stuck run failed so its sync type can run again",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.withStores(cmd.Context(), func(ctx context.Context, s *stores) error {
				if err := s.tracker.Fail(ctx, args[0], "manually failed by operator"); err != nil {
					return err
				}
				app.log.WithField("run_id", args[0]).Info("run marked failed")
				return nil
			})
		},
	}
	cmd.AddCommand(fail)
	return cmd
}
