package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/rescale/cloudstore/internal/cloud/upload"
	encryption "github.com/rescale/cloudstore/internal/crypto"
	"github.com/rescale/cloudstore/internal/progress"
)

func newUploadCmd() *cobra.Command {
	var (
		keyAliases []string
		chunkSize  int64
	)

	cmd := &cobra.Command{
		Use:   "upload <file> <uri>",
		Short: "Upload a local file to s3://bucket/key or gs://bucket/key",
		Long: `Upload a local file as one object.

The file is split into parts that are sent in parallel. On S3 the parts form a
multipart upload; on GCS they are written as temporary objects and composed.
The finished object is verified against its checksum.

Pass --key once per recipient to encrypt the object. Each alias names a
<alias>.pem file in the key directory; up to four recipients are supported.

Examples:
  cloudstore upload results.tar s3://my-bucket/runs/results.tar
  cloudstore upload data.bin gs://my-bucket/data.bin --key alice --key bob
  cloudstore upload big.h5 s3://my-bucket/big.h5 --chunk-size 67108864`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			localPath, uri := args[0], args[1]
			logger := GetLogger()
			env := newTransferEnv(cfg, logger)
			ctx := GetContext()

			backend, loc, err := env.open(ctx, uri)
			if err != nil {
				return err
			}

			var recipients []encryption.Recipient
			if len(keyAliases) > 0 {
				recipients, err = encryption.Recipients(env.keys, keyAliases)
				if err != nil {
					return err
				}
			}

			if !cmd.Flags().Changed("chunk-size") {
				chunkSize = cfg.Transfer.ChunkSize
			}

			var size int64
			if fi, err := os.Stat(localPath); err == nil {
				size = fi.Size()
			}
			bar := progress.NewTransferBar(localPath, "→", loc.String(), size)
			restore := env.withBar(bar)

			info, err := upload.Upload(ctx, upload.Options{
				LocalPath:  localPath,
				Backend:    backend,
				Bucket:     loc.Bucket,
				Key:        loc.Key,
				ChunkSize:  chunkSize,
				Recipients: recipients,
				Resources:  env.resources,
				Retry:      env.retry(bar),
				Progress:   bar,
				Logger:     logger,
			})
			bar.Complete(err)
			restore()
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Uploaded %s (%d bytes, etag %s)\n", loc, size, info.ETag)
			return nil
		},
	}

	cmd.Flags().StringArrayVar(&keyAliases, "key", nil, "Encrypt for this key alias (repeatable, up to 4)")
	cmd.Flags().Int64Var(&chunkSize, "chunk-size", 0, "Part size in bytes (0 = automatic)")

	return cmd
}
