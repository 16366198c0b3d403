package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"PredictLedger/internal/crypto"
)

const defaultPasswordEnv = "LEDGER_KEY_PASSWORD"

// keyFlags selects the signing key: an encrypted key file or a raw seed.
type keyFlags struct {
	KeyFile     string
	SeedHex     string
	PasswordEnv string
}

func (f *keyFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.KeyFile, "key", "", "encrypted key file written by keygen --out")
	cmd.Flags().StringVar(&f.SeedHex, "seed", "", "hex Ed25519 seed (testing only)")
	cmd.Flags().StringVar(&f.PasswordEnv, "password-env", defaultPasswordEnv, "environment variable holding the key file password")
}

func (f *keyFlags) load() (*crypto.KeyPair, error) {
	switch {
	case f.KeyFile != "" && f.SeedHex != "":
		return nil, errors.New("--key and --seed are mutually exclusive")
	case f.SeedHex != "":
		return crypto.KeyPairFromSeedHex(f.SeedHex)
	case f.KeyFile != "":
		return crypto.LoadKeyFile(f.KeyFile, os.Getenv(f.PasswordEnv))
	default:
		return nil, errors.New("one of --key or --seed is required")
	}
}

func newKeygenCommand() *cobra.Command {
	var out, passwordEnv string

	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate an Ed25519 wallet key",
		Long: `Generate an Ed25519 wallet key and print its address and public key.

Without --out the seed is printed in clear. With --out the seed is
encrypted under the password read from --password-env and written to the file.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			kp, err := crypto.GenerateKeyPair()
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "address:    %s\n", kp.Address())
			fmt.Fprintf(w, "public_key: %s\n", kp.PublicHex())

			if out == "" {
				fmt.Fprintf(w, "seed:       %s\n", kp.SeedHex())
				return nil
			}
			blob, err := crypto.EncryptSeed(kp, os.Getenv(passwordEnv))
			if err != nil {
				return err
			}
			if err := os.WriteFile(out, blob, 0o600); err != nil {
				return fmt.Errorf("write key file: %w", err)
			}
			fmt.Fprintf(w, "key_file:   %s\n", out)
			return nil
		},
	}
	cmd.Flags().StringVar(&out, "out", "", "write the encrypted key to this file")
	cmd.Flags().StringVar(&passwordEnv, "password-env", defaultPasswordEnv, "environment variable holding the encryption password")
	return cmd
}

func newAddressCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "address <public-key-hex>",
		Short: "Derive the ledger address of a public key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pub, err := crypto.ParsePublicKey(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), crypto.DeriveAddress(pub))
			return nil
		},
	}
}
