// Command ledgerctl is the operator tool: key management, offline envelope
// signing, snapshot inspection and schema migrations.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "ledgerctl: %v\n", err)
		os.Exit(1)
	}
}

// rootOptions holds flags shared by every subcommand.
type rootOptions struct {
	HTTPAddr string
	GRPCAddr string
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "ledgerctl",
		Short:         "Operator tool for the prediction market ledger",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&opts.HTTPAddr, "http", "http://127.0.0.1:8080", "ledger HTTP gateway base URL")
	cmd.PersistentFlags().StringVar(&opts.GRPCAddr, "grpc", "127.0.0.1:9090", "ledger gRPC address")

	cmd.AddCommand(newKeygenCommand())
	cmd.AddCommand(newAddressCommand())
	cmd.AddCommand(newSignCommand(opts))
	cmd.AddCommand(newDigestCommand())
	cmd.AddCommand(newSnapshotCommand())
	cmd.AddCommand(newMarketsCommand(opts))
	cmd.AddCommand(newMigrateCommand())
	return cmd
}
