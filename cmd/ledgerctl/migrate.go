package main

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"strconv"

	_ "github.com/lib/pq"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"PredictLedger/internal/observability"
	"PredictLedger/internal/persistence"
)

func newMigrateCommand() *cobra.Command {
	var dsn string

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply or roll back the Postgres schema",
	}
	cmd.PersistentFlags().StringVar(&dsn, "dsn", os.Getenv("LEDGER_POSTGRES_DSN"), "Postgres DSN (default $LEDGER_POSTGRES_DSN)")

	open := func() (*persistence.Migrator, func() error, error) {
		if dsn == "" {
			return nil, nil, errors.New("--dsn is required")
		}
		db, err := sql.Open("postgres", dsn)
		if err != nil {
			return nil, nil, fmt.Errorf("open db: %w", err)
		}
		return persistence.NewMigrator(db, observability.NewLogger("migrate")), db.Close, nil
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			m, closeDB, err := open()
			if err != nil {
				return err
			}
			defer closeDB()
			n, err := m.Up(cmd.Context())
			if err != nil {
				return fmt.Errorf("migrate up: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "applied %d migration(s)\n", n)
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "down",
		Short: "Roll back the last migration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			m, closeDB, err := open()
			if err != nil {
				return err
			}
			defer closeDB()
			if err := m.Down(cmd.Context()); err != nil {
				return fmt.Errorf("migrate down: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "last migration rolled back")
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "List migrations and whether each is applied",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			m, closeDB, err := open()
			if err != nil {
				return err
			}
			defer closeDB()
			status, err := m.Status(cmd.Context())
			if err != nil {
				return err
			}
			table := tablewriter.NewWriter(cmd.OutOrStdout())
			table.Header("Version", "File", "Applied")
			for _, s := range status {
				table.Append(s.Version, s.File, strconv.FormatBool(s.Applied))
			}
			table.Render()
			return nil
		},
	})
	return cmd
}
