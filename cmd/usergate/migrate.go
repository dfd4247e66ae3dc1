package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"usergate.org/internal/migrate"
	"usergate.org/internal/store/pg"
)

func newMigrateCmd(root *rootOptions) *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the PostgreSQL schema",
	}
	cmd.PersistentFlags().DurationVar(&timeout, "timeout", 2*time.Minute, "overall deadline for the operation")

	withManager := func(run func(ctx context.Context, cmd *cobra.Command, m *migrate.Manager) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, _ []string) error {
			cfg, err := root.load()
			if err != nil {
				return err
			}
			if cfg.Storage.Driver != "postgres" {
				return errors.New("migrate requires storage.driver postgres")
			}
			store, err := pg.Open(cfg.Storage.DSN, pg.PoolOptions{MaxOpenConns: 2, MaxIdleConns: 1})
			if err != nil {
				return err
			}
			defer store.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			return run(ctx, cmd, migrate.NewManager(store.DB()))
		}
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply all pending migrations",
			RunE: withManager(func(ctx context.Context, cmd *cobra.Command, m *migrate.Manager) error {
				applied, err := m.Up(ctx)
				if err != nil {
					return err
				}
				if len(applied) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "schema is up to date")
				}
				for _, name := range applied {
					fmt.Fprintln(cmd.OutOrStdout(), "applied", name)
				}
				return nil
			}),
		},
		&cobra.Command{
			Use:   "down",
			Short: "Roll back the most recent migration",
			RunE: withManager(func(ctx context.Context, cmd *cobra.Command, m *migrate.Manager) error {
				name, err := m.Down(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "rolled back", name)
				return nil
			}),
		},
		&cobra.Command{
			Use:   "status",
			Short: "List migrations and whether each is applied",
			RunE: withManager(func(ctx context.Context, cmd *cobra.Command, m *migrate.Manager) error {
				entries, err := m.Status(ctx)
				if err != nil {
					return err
				}
				for _, e := range entries {
					state := "pending"
					if e.Applied {
						state = "applied"
					}
					fmt.Fprintf(cmd.OutOrStdout(), "%-8s %s\n", state, e.Name)
				}
				return nil
			}),
		},
		&cobra.Command{
			Use:   "seed",
			Short: "Run seed files that have not been run yet",
			RunE: withManager(func(ctx context.Context, cmd *cobra.Command, m *migrate.Manager) error {
				ran, err := m.Seed(ctx)
				if err != nil {
					return err
				}
				for _, name := range ran {
					fmt.Fprintln(cmd.OutOrStdout(), "seeded", name)
				}
				return nil
			}),
		},
	)
	return cmd
}
