package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	objcopy "github.com/rescale/cloudstore/internal/cloud/copy"
	"github.com/rescale/cloudstore/internal/cloud/storage"
	encryption "github.com/rescale/cloudstore/internal/crypto"
)

func newAddKeyCmd() *cobra.Command {
	var aliases []string

	cmd := &cobra.Command{
		Use:   "add-key <uri> --key <alias>",
		Short: "Let another key decrypt an encrypted object",
		Long: `Wrap the data key of an encrypted object for more recipients.

The data key is unwrapped with a private key from the key directory and
wrapped again for each --key alias, whose public key must be available. The
object data is not re-encrypted; only its metadata changes.

Example:
  cloudstore add-key s3://my-bucket/secret.bin --key bob`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(aliases) == 0 {
				return storage.Usagef("No encryption key name is specified")
			}
			env := newTransferEnv(cfg, GetLogger())
			add, err := encryption.Recipients(env.keys, aliases)
			if err != nil {
				return err
			}
			uri, err := rekey(env, args[0], objcopy.RekeyOptions{Add: add})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Added %s to %s\n", strings.Join(aliases, ", "), uri)
			return nil
		},
	}

	cmd.Flags().StringArrayVar(&aliases, "key", nil, "Key alias to add (repeatable)")
	return cmd
}

func newRemoveKeyCmd() *cobra.Command {
	var aliases []string

	cmd := &cobra.Command{
		Use:   "remove-key <uri> --key <alias>",
		Short: "Stop a key from decrypting an encrypted object",
		Long: `Drop recipients from an encrypted object's metadata. No private key is
needed. The last remaining key cannot be removed.

Example:
  cloudstore remove-key s3://my-bucket/secret.bin --key alice`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(aliases) == 0 {
				return storage.Usagef("No encryption key name is specified")
			}
			env := newTransferEnv(cfg, GetLogger())
			uri, err := rekey(env, args[0], objcopy.RekeyOptions{Remove: aliases})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed %s from %s\n", strings.Join(aliases, ", "), uri)
			return nil
		},
	}

	cmd.Flags().StringArrayVar(&aliases, "key", nil, "Key alias to remove (repeatable)")
	return cmd
}

func rekey(env *transferEnv, uri string, opts objcopy.RekeyOptions) (string, error) {
	ctx := GetContext()
	backend, loc, err := env.open(ctx, uri)
	if err != nil {
		return "", err
	}
	opts.Backend = backend
	opts.Bucket = loc.Bucket
	opts.Key = loc.Key
	opts.Keys = env.keys
	opts.Resources = env.resources
	opts.Retry = env.retry(nil)
	opts.Logger = env.logger
	_, err = objcopy.Rekey(ctx, opts)
	return loc.String(), err
}
