package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/mikeyg42/replaycap/internal/config"
	"github.com/mikeyg42/replaycap/internal/crypto"
)

func newSecretCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "secret",
		Short: "Seal credentials for config files",
		Long: fmt.Sprintf(`Sealed values look like "enc:..." and are decrypted at load time with
the key in %s.`, config.MasterKeyEnv),
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "keygen",
		Short: "Print a new random master key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := crypto.GenerateMasterKey()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), key)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "seal VALUE",
		Short: "Seal VALUE with the master key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key := os.Getenv(config.MasterKeyEnv)
			if key == "" {
				return errors.New(config.MasterKeyEnv + " is not set")
			}
			sealed, err := crypto.Seal(args[0], key)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), sealed)
			return nil
		},
	})
	return cmd
}
