package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rescale/cloudstore/internal/cloud"
	"github.com/rescale/cloudstore/internal/cloud/download"
	"github.com/rescale/cloudstore/internal/cloud/transfer"
	"github.com/rescale/cloudstore/internal/progress"
)

func newDownloadCmd() *cobra.Command {
	var (
		overwrite bool
		chunkSize int64
	)

	cmd := &cobra.Command{
		Use:   "download <uri> <file>",
		Short: "Download s3://bucket/key or gs://bucket/key to a local file",
		Long: `Download one object to a local file.

Parts are fetched in parallel into a temporary file next to the destination,
which is renamed into place once the object checksum has been verified.
Encrypted objects are decrypted with the first matching private key found in
the key directory.

Objects written by other tools are read as a single range unless --chunk-size
is given.

Examples:
  cloudstore download s3://my-bucket/runs/results.tar ./results.tar
  cloudstore download gs://my-bucket/data.bin data.bin --overwrite`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			uri, localPath := args[0], args[1]
			logger := GetLogger()
			env := newTransferEnv(cfg, logger)
			ctx := GetContext()

			backend, loc, err := env.open(ctx, uri)
			if err != nil {
				return err
			}

			if !cmd.Flags().Changed("chunk-size") {
				chunkSize = cfg.Transfer.ChunkSize
			}

			bar := progress.NewTransferBar(localPath, "←", loc.String(), plainSize(ctx, backend, loc.Bucket, loc.Key))
			restore := env.withBar(bar)

			_, err = download.Download(ctx, download.Options{
				Backend:   backend,
				Bucket:    loc.Bucket,
				Key:       loc.Key,
				LocalPath: localPath,
				Overwrite: overwrite,
				ChunkSize: chunkSize,
				Keys:      env.keys,
				Resources: env.resources,
				Retry:     env.retry(bar),
				Progress:  bar,
				Logger:    logger,
			})
			bar.Complete(err)
			restore()
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Downloaded %s to %s\n", loc, localPath)
			return nil
		},
	}

	cmd.Flags().BoolVar(&overwrite, "overwrite", false, "Replace the destination file if it exists")
	cmd.Flags().Int64Var(&chunkSize, "chunk-size", 0, "Part size for objects written by other tools (0 = single range)")

	return cmd
}

// plainSize sizes the progress bar. It is best effort: failures
// yield 0 and are reported by the download itself.
func plainSize(ctx context.Context, backend cloud.Backend, bucket, key string) int64 {
	info, err := backend.Stat(ctx, bucket, key)
	if err != nil {
		return 0
	}
	meta, versioned, err := transfer.ParseMetadata(info.Metadata)
	if err != nil || !versioned {
		return info.Size
	}
	return meta.FileLength
}
