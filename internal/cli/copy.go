package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rescale/cloudstore/internal/cloud"
	objcopy "github.com/rescale/cloudstore/internal/cloud/copy"
	"github.com/rescale/cloudstore/internal/cloud/providers"
	"github.com/rescale/cloudstore/internal/cloud/storage"
	"github.com/rescale/cloudstore/internal/progress"
)

func newCopyCmd() *cobra.Command {
	var chunkSize int64

	cmd := &cobra.Command{
		Use:   "copy <src-uri> <dst-uri>",
		Short: "Copy an object server-side",
		Long: `Copy one object to another key without downloading it.

On S3 the parts of the source are copied in parallel into a multipart upload
on the destination; objects written by cloudstore keep their part layout, so
the copy has the same ETag. On GCS the object is rewritten in one call and
checked by CRC32C. Encrypted objects are copied as stored and stay readable
with the same keys.

Source and destination must use the same storage (both s3:// or both gs://).

Examples:
  cloudstore copy s3://my-bucket/runs/a.tar s3://archive/runs/a.tar
  cloudstore copy gs://my-bucket/data.bin gs://my-bucket/data-backup.bin`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			info, src, dst, err := runCopy(args[0], args[1], chunkSize, objcopy.Copy)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Copied %s to %s (etag %s)\n", src, dst, info.ETag)
			return nil
		},
	}

	cmd.Flags().Int64Var(&chunkSize, "chunk-size", 0, "Part size for objects written by other tools (0 = automatic)")

	return cmd
}

func newRenameCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rename <src-uri> <dst-uri>",
		Short: "Move an object to a new key",
		Long: `Copy an object to a new key, then delete the original.

An existing destination is never overwritten. If the original cannot be
deleted the copy is removed again and the original is left in place.

Example:
  cloudstore rename s3://my-bucket/tmp/a.tar s3://my-bucket/runs/a.tar`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, src, dst, err := runCopy(args[0], args[1], 0, objcopy.Rename)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Renamed %s to %s\n", src, dst)
			return nil
		},
	}
}

func runCopy(srcURI, dstURI string, chunkSize int64,
	fn func(context.Context, objcopy.Options) (cloud.ObjectInfo, error)) (cloud.ObjectInfo, providers.Location, providers.Location, error) {
	logger := GetLogger()
	env := newTransferEnv(cfg, logger)
	ctx := GetContext()

	src, err := providers.ParseURI(srcURI)
	if err != nil {
		return cloud.ObjectInfo{}, src, providers.Location{}, err
	}
	dst, err := providers.ParseURI(dstURI)
	if err != nil {
		return cloud.ObjectInfo{}, src, dst, err
	}
	if src.Scheme != dst.Scheme {
		return cloud.ObjectInfo{}, src, dst, storage.Usagef("source and destination must use the same storage, got %s:// and %s://",
			src.Scheme, dst.Scheme)
	}
	backend, _, err := env.open(ctx, srcURI)
	if err != nil {
		return cloud.ObjectInfo{}, src, dst, err
	}

	bar := progress.NewTransferBar(src.String(), "→", dst.String(), storedSize(ctx, backend, src.Bucket, src.Key))
	restore := env.withBar(bar)
	info, err := fn(ctx, objcopy.Options{
		Backend:   backend,
		SrcBucket: src.Bucket,
		SrcKey:    src.Key,
		DstBucket: dst.Bucket,
		DstKey:    dst.Key,
		ChunkSize: chunkSize,
		Resources: env.resources,
		Retry:     env.retry(bar),
		Progress:  bar,
		Logger:    logger,
	})
	bar.Complete(err)
	restore()
	return info, src, dst, err
}

// storedSize sizes the progress bar of a copy, which counts stored bytes.
func storedSize(ctx context.Context, backend cloud.Backend, bucket, key string) int64 {
	info, err := backend.Stat(ctx, bucket, key)
	if err != nil {
		return 0
	}
	return info.Size
}
