package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/nerrad567/hivehub/internal/infrastructure/config"
	"github.com/nerrad567/hivehub/internal/infrastructure/database"
)

func migrateCmd(load configLoader) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Inspect or change the database schema",
		Long: `Inspect or change the hub database schema. "serve" applies pending
migrations on start; these subcommands are for upgrades and rollbacks done by
hand.`,
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "List migrations and whether they are applied",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withDatabase(cmd, load, func(db *database.DB) error {
				status, err := db.Status(cmd.Context())
				if err != nil {
					return err
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "VERSION\tNAME\tAPPLIED")
				for _, s := range status {
					applied := "pending"
					if s.Applied {
						applied = s.AppliedAt.Format("2006-01-02 15:04:05")
					}
					fmt.Fprintf(tw, "%s\t%s\t%s\n", s.Version, s.Name, applied)
				}
				return tw.Flush()
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withDatabase(cmd, load, func(db *database.DB) error {
				if err := db.Migrate(cmd.Context()); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "schema up to date")
				return nil
			})
		},
	})

	var steps int
	down := &cobra.Command{
		Use:   "down",
		Short: "Revert the latest migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if steps < 1 {
				return fmt.Errorf("--steps must be at least 1")
			}
			return withDatabase(cmd, load, func(db *database.DB) error {
				reverted, err := db.Rollback(cmd.Context(), steps)
				for _, v := range reverted {
					fmt.Fprintf(cmd.OutOrStdout(), "reverted %s\n", v)
				}
				return err
			})
		},
	}
	down.Flags().IntVarP(&steps, "steps", "n", 1, "number of migrations to revert")
	cmd.AddCommand(down)

	return cmd
}

// withDatabase opens the configured database without migrating it and runs fn.
func withDatabase(cmd *cobra.Command, load configLoader, fn func(*database.DB) error) error {
	cfg, err := load()
	if err != nil {
		return err
	}
	db, err := database.Open(databaseConfig(cfg))
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer db.Close() //nolint:errcheck // nothing left to flush
	return fn(db)
}

func databaseConfig(cfg *config.Config) database.Config {
	return database.Config{
		Path:        cfg.Database.Path,
		WALMode:     cfg.Database.WALMode,
		BusyTimeout: cfg.Database.BusyTimeout,
	}
}
