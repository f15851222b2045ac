package cli

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/ballee/entsync/internal/blob"
	"github.com/ballee/entsync/internal/migrate"
)

func migrateCommand(app *App) *cobra.Command {
	var dryRun bool

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run an entity migrator",
		Long:  "Run one entity migrator. Invoke in dependency order: users before media and notes.",
	}
	cmd.PersistentFlags().BoolVar(&dryRun, "dry-run", false,
		"read, transform and compare without writing; counters match a live run")

	users := &cobra.Command{
		Use:   "users",
		Short: "Migrate identity records",
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.withStores(cmd.Context(), func(ctx context.Context, s *stores) error {
				runner := app.newRunner(s, dryRun)
				_, err := migrate.NewUserMigrator(s.src, s.dst, s.cache, runner).Run(ctx)
				return err
			})
		},
	}

	media := &cobra.Command{
		Use:   "media",
		Short: "Migrate content records",
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.withStores(cmd.Context(), func(ctx context.Context, s *stores) error {
				urls, err := blob.NewResolver(app.cfg.Blob)
				if err != nil {
					return err
				}
				runner := app.newRunner(s, dryRun)
				_, err = migrate.NewMediaMigrator(s.src, s.dst, s.cache, urls, runner).Run(ctx)
				return err
			})
		},
	}

	notes := &cobra.Command{
		Use:   "notes",
		Short: "Migrate dependent note records (run users first)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.withStores(cmd.Context(), func(ctx context.Context, s *stores) error {
				runner := app.newRunner(s, dryRun)
				_, err := migrate.NewNoteMigrator(s.src, s.dst, s.cache, runner).Run(ctx)
				return err
			})
		},
	}

	cmd.AddCommand(users, media, notes)
	return cmd
}
