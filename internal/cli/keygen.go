package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rescale/cloudstore/internal/constants"
	encryption "github.com/rescale/cloudstore/internal/crypto"
)

func newKeygenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen <alias>",
		Short: "Generate an RSA key pair for encrypted transfers",
		Long: `Generate a new RSA-2048 key pair and write it to <key-dir>/<alias>.pem.

The file holds a PUBLIC KEY block and a PKCS#8 PRIVATE KEY block. Share the
public block with anyone who should be able to encrypt objects for you; an
existing key file is never overwritten.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			provider := encryption.NewDirectoryKeyProvider(cfg.Keys.Directory)
			path, err := provider.GenerateKeyPair(args[0], constants.RSAKeyBits)
			if err != nil {
				return err
			}
			GetLogger().Debug().Str("alias", args[0]).Str("path", path).Msg("generated key pair")
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote key pair %s to %s\n", args[0], path)
			return nil
		},
	}
}
