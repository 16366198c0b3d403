package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"PredictLedger/internal/core"
	"PredictLedger/internal/market"
	"PredictLedger/internal/money"
	"PredictLedger/internal/persistence"
)

func newSnapshotCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Work with engine snapshots",
	}
	cmd.AddCommand(newSnapshotInspectCommand())
	return cmd
}

func newSnapshotInspectCommand() *cobra.Command {
	var file, sqlitePath, dsn string

	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "Summarise the newest snapshot from a file, SQLite or Postgres",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			data, err := loadSnapshot(cmd.Context(), file, sqlitePath, dsn)
			if err != nil {
				return err
			}
			var state core.SnapshotState
			if err := json.Unmarshal(data, &state); err != nil {
				return fmt.Errorf("decode snapshot: %w", err)
			}
			renderSnapshot(cmd.OutOrStdout(), &state)
			return nil
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "snapshot JSON file, for example an object fetched from the S3 archive")
	cmd.Flags().StringVar(&sqlitePath, "sqlite", "", "SQLite snapshot database")
	cmd.Flags().StringVar(&dsn, "postgres", "", "Postgres DSN")
	return cmd
}

func loadSnapshot(ctx context.Context, file, sqlitePath, dsn string) ([]byte, error) {
	var store persistence.SnapshotStore
	switch {
	case file != "":
		b, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", file, err)
		}
		return b, nil
	case sqlitePath != "":
		s, err := persistence.NewSQLiteSnapshotStore(sqlitePath, 0)
		if err != nil {
			return nil, err
		}
		defer s.Close()
		store = s
	case dsn != "":
		db, err := sql.Open("postgres", dsn)
		if err != nil {
			return nil, err
		}
		defer db.Close()
		store = persistence.NewPostgresSnapshotStore(db)
	default:
		return nil, errors.New("one of --file, --sqlite or --postgres is required")
	}

	rec, err := store.LoadLatestSnapshot(ctx)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, fmt.Errorf("no snapshot stored in %s", store.Name())
	}
	return rec.Data, nil
}

func renderSnapshot(w io.Writer, s *core.SnapshotState) {
	var escrowed int64
	for _, p := range s.Escrows {
		escrowed += p.Total
	}

	summary := tablewriter.NewWriter(w)
	summary.Header("Field", "Value")
	rows := [][]string{
		{"format", fmt.Sprintf("%s v%d", s.Format, s.Version)},
		{"sequence", strconv.FormatInt(s.Sequence, 10)},
		{"state_hash", s.StateHash},
		{"accounts", strconv.Itoa(len(s.Accounts))},
		{"markets", strconv.Itoa(len(s.Markets))},
		{"transactions", strconv.Itoa(len(s.Transactions))},
		{"recipes", strconv.Itoa(len(s.Recipes))},
		{"supply", money.Format(s.Supply.Total)},
		{"escrowed", money.Format(escrowed)},
		{"halted", strconv.FormatBool(s.Halted)},
	}
	if s.HaltReason != "" {
		rows = append(rows, []string{"halt_reason", s.HaltReason})
	}
	for _, r := range rows {
		summary.Append(r[0], r[1])
	}
	summary.Render()

	if len(s.Markets) > 0 {
		fmt.Fprintln(w)
		renderMarkets(w, s.Markets)
	}
}

func newMarketsCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "markets",
		Short: "List markets from a running ledger",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()

			markets, seq, err := fetchMarkets(ctx, http.DefaultClient, opts.HTTPAddr)
			if err != nil {
				return err
			}
			renderMarkets(cmd.OutOrStdout(), markets)
			fmt.Fprintf(cmd.OutOrStdout(), "as of sequence %d\n", seq)
			return nil
		},
	}
}

func fetchMarkets(ctx context.Context, client *http.Client, base string) ([]*market.Market, int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(base, "/")+"/v1/markets", nil)
	if err != nil {
		return nil, 0, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, 0, fmt.Errorf("list markets: %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	var out struct {
		Markets      []*market.Market `json:"markets"`
		AsOfSequence int64            `json:"as_of_sequence"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, 0, fmt.Errorf("decode markets: %w", err)
	}
	return out.Markets, out.AsOfSequence, nil
}

func renderMarkets(w io.Writer, markets []*market.Market) {
	table := tablewriter.NewWriter(w)
	table.Header("ID", "Title", "Status", "Volume", "Bets", "Odds")
	for _, m := range markets {
		table.Append(
			m.ID,
			m.Title,
			m.Status(),
			money.Format(m.TotalVolume),
			strconv.FormatInt(m.BetCount, 10),
			formatOdds(m.Options, m.Odds),
		)
	}
	table.Render()
}

// formatOdds renders "Yes 62.5% / No 37.5%" from parts-per-million odds.
func formatOdds(options []string, odds []int64) string {
	parts := make([]string, 0, len(options))
	for i, opt := range options {
		if i >= len(odds) {
			break
		}
		pct := float64(odds[i]) * 100 / float64(money.OddsScale)
		parts = append(parts, fmt.Sprintf("%s %.1f%%", opt, pct))
	}
	return strings.Join(parts, " / ")
}
