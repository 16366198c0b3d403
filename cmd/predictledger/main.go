// Command predictledger runs the ledger engine with its persistence,
// projection, intake and query surfaces.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"PredictLedger/internal/config"
	"PredictLedger/internal/observability"
)

func main() {
	var configPath string

	root := &cobra.Command{
		Use:           "predictledger",
		Short:         "Play-money prediction market ledger",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			log := observability.NewLoggerWithLevel("predictledger", cfg.Level())
			app := newApp(cfg, observability.NewMetrics(), log)
			return app.Run(ctx)
		},
	}
	root.Flags().StringVarP(&configPath, "config", "c", "", "TOML config file (LEDGER_* env vars override it)")

	if err := root.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "predictledger: %v\n", err)
		os.Exit(1)
	}
}
