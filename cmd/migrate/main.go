package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"

	"SafetyLedger/internal/config"
	"SafetyLedger/internal/observability"
	"SafetyLedger/internal/persistence"

	_ "github.com/lib/pq"
	"github.com/spf13/cobra"
)

func main() {
	var configPath string

	root := &cobra.Command{
		Use:          "migrate",
		Short:        "Apply or roll back safety module schema migrations",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a YAML config file")

	withMigrator := func(fn func(ctx context.Context, m *persistence.Migrator) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadPostgres(configPath)
			if err != nil {
				return err
			}
			db, err := sql.Open("postgres", cfg.URL)
			if err != nil {
				return fmt.Errorf("open db: %w", err)
			}
			defer db.Close()

			logger := observability.NewLogger("migrate")
			return fn(cmd.Context(), persistence.NewMigrator(db, cfg.Migrations(), logger))
		}
	}

	root.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply all pending migrations",
			Args:  cobra.NoArgs,
			RunE: withMigrator(func(ctx context.Context, m *persistence.Migrator) error {
				return m.Up(ctx)
			}),
		},
		&cobra.Command{
			Use:   "down",
			Short: "Roll back the last applied migration",
			Args:  cobra.NoArgs,
			RunE: withMigrator(func(ctx context.Context, m *persistence.Migrator) error {
				return m.Down(ctx)
			}),
		},
		&cobra.Command{
			Use:   "status",
			Short: "List migrations and whether each is applied",
			Args:  cobra.NoArgs,
			RunE: withMigrator(func(ctx context.Context, m *persistence.Migrator) error {
				plan, err := m.Status(ctx)
				if err != nil {
					return err
				}
				for _, mg := range plan {
					state := "pending"
					if mg.Applied {
						state = "applied"
					}
					fmt.Printf("%-8s %s\n", state, mg.Name)
				}
				return nil
			}),
		},
	)

	if err := root.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}
