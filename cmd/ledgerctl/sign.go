package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"PredictLedger/internal/server"
	"PredictLedger/internal/tx"
)

func newSignCommand(opts *rootOptions) *cobra.Command {
	var (
		keys      keyFlags
		nonce     uint64
		timestamp int64
		payload   string
		submit    bool
	)

	cmd := &cobra.Command{
		Use:   "sign",
		Short: "Build and sign a transaction envelope",
		Long: `Build and sign a transaction envelope from a JSON payload.

The payload is a tagged object, for example:
  {"kind":"transfer","to":"alice","amount":"12.50"}

The signed envelope is printed as JSON. With --submit it is sent to the
ledger over gRPC and the receipt is printed instead.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			kp, err := keys.load()
			if err != nil {
				return err
			}
			raw, err := readInput(cmd, payload)
			if err != nil {
				return err
			}
			p, err := tx.DecodePayload(raw)
			if err != nil {
				return err
			}
			if timestamp == 0 {
				timestamp = time.Now().Unix()
			}
			env, err := tx.Sign(kp, nonce, timestamp, p)
			if err != nil {
				return err
			}

			if !submit {
				return printJSON(cmd.OutOrStdout(), env)
			}

			conn, err := grpc.NewClient(opts.GRPCAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
			if err != nil {
				return fmt.Errorf("dial %s: %w", opts.GRPCAddr, err)
			}
			defer conn.Close()

			rec, err := server.NewLedgerClient(conn).SubmitTransaction(cmd.Context(), env)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), rec)
		},
	}
	keys.register(cmd)
	cmd.Flags().Uint64Var(&nonce, "nonce", 0, "sender nonce, one above the last accepted")
	cmd.Flags().Int64Var(&timestamp, "timestamp", 0, "unix seconds (default now)")
	cmd.Flags().StringVar(&payload, "payload", "-", "payload JSON file, - for stdin")
	cmd.Flags().BoolVar(&submit, "submit", false, "submit the envelope over gRPC")
	_ = cmd.MarkFlagRequired("nonce")
	return cmd
}

func newDigestCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "digest [envelope.json]",
		Short: "Verify an envelope signature and print its signing digest",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "-"
			if len(args) == 1 {
				path = args[0]
			}
			raw, err := readInput(cmd, path)
			if err != nil {
				return err
			}
			env, err := tx.ParseEnvelope(raw)
			if err != nil {
				return err
			}
			// Freshness is checked against the envelope's own timestamp.
			v, err := tx.Verify(env, tx.VerifyOptions{Now: time.Unix(env.Timestamp, 0)})
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "digest:  %s\n", v.DigestHex())
			fmt.Fprintf(w, "sender:  %s\n", v.Sender)
			fmt.Fprintf(w, "tx_type: %s\n", v.TxType)
			fmt.Fprintf(w, "nonce:   %d\n", v.Nonce)
			return nil
		},
	}
}

func readInput(cmd *cobra.Command, path string) ([]byte, error) {
	if path == "" {
		return nil, errors.New("no input given")
	}
	if path == "-" {
		return io.ReadAll(cmd.InOrStdin())
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return b, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
