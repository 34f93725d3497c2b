package copy

import (
	"context"

	"github.com/rescale/cloudstore/internal/cloud"
	"github.com/rescale/cloudstore/internal/cloud/objects"
	"github.com/rescale/cloudstore/internal/cloud/storage"
	"github.com/rescale/cloudstore/internal/logging"
	"github.com/rescale/cloudstore/internal/resources"
)

// Rename copies the source to the destination and then deletes the source.
// An existing destination is never overwritten. When the source cannot be
// deleted the new copy is removed again, so a failed rename leaves only the
// source behind.
func Rename(ctx context.Context, opts Options) (cloud.ObjectInfo, error) {
	logger := opts.Logger
	if logger == nil {
		logger = logging.Nop()
	}
	if opts.Resources == nil {
		opts.Resources = resources.NewManager(resources.Config{})
	}
	if opts.sameObject() {
		return cloud.ObjectInfo{}, storage.Usagef("source and destination are the same object: %s",
			cloud.URI(opts.Backend, opts.SrcBucket, opts.SrcKey))
	}

	call := cloud.NewCall(opts.Resources, opts.Retry)
	_, err := cloud.Stat(ctx, call, opts.Backend, opts.DstBucket, opts.DstKey)
	switch {
	case err == nil:
		return cloud.ObjectInfo{}, storage.Usagef("Cannot overwrite existing destination object '%s'",
			cloud.URI(opts.Backend, opts.DstBucket, opts.DstKey))
	case !storage.IsUsageError(err):
		return cloud.ObjectInfo{}, err
	}

	info, err := Copy(ctx, opts)
	if err != nil {
		return cloud.ObjectInfo{}, err
	}

	err = objects.Delete(ctx, objects.DeleteOptions{
		Backend:   opts.Backend,
		Bucket:    opts.SrcBucket,
		Key:       opts.SrcKey,
		Resources: opts.Resources,
		Retry:     opts.Retry,
		Faults:    opts.Faults,
		Logger:    logger,
	})
	if err == nil {
		return info, nil
	}

	logger.Warn().Err(err).Msg("failed to delete rename source, removing the copy")
	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), abortTimeout)
	defer cancel()
	rmErr := call(cleanupCtx, "delete", func(ctx context.Context) error {
		return opts.Backend.Delete(ctx, opts.DstBucket, opts.DstKey)
	})
	if rmErr != nil && !storage.IsNotFound(rmErr) {
		logger.Error().Err(rmErr).Str("uri", cloud.URI(opts.Backend, opts.DstBucket, opts.DstKey)).Msg("failed to remove renamed copy")
	}
	return cloud.ObjectInfo{}, err
}
