// Package copy drives server-side copies of one object within a backend,
// and the operations built on them: rename and re-keying an encrypted
// object's envelope.
package copy

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/rescale/cloudstore/internal/cloud"
	"github.com/rescale/cloudstore/internal/cloud/storage"
	"github.com/rescale/cloudstore/internal/cloud/transfer"
	"github.com/rescale/cloudstore/internal/http"
	"github.com/rescale/cloudstore/internal/logging"
	"github.com/rescale/cloudstore/internal/progress"
	"github.com/rescale/cloudstore/internal/resources"
)

// abortTimeout bounds the cleanup of a failed copy.
const abortTimeout = 2 * time.Minute

// Options describes one copy. Source and destination share Backend.
type Options struct {
	Backend   cloud.Backend
	SrcBucket string
	SrcKey    string
	DstBucket string
	DstKey    string

	// ChunkSize splits objects written by other tools; 0 picks one from the
	// object size. Objects uploaded by cloudstore keep their recorded parts.
	ChunkSize int64
	// Metadata replaces the source metadata on the destination when non-nil.
	Metadata map[string]string

	Resources *resources.Manager
	Retry     http.Config
	Faults    *transfer.Faults
	Progress  progress.Sink
	Logger    *logging.Logger
}

func (o Options) sameObject() bool {
	return o.SrcBucket == o.DstBucket && o.SrcKey == o.DstKey
}

// Copy duplicates the source object at the destination:
//  1. stat the source and plan its parts from the cloudstore metadata
//  2. open a backend copy session on the destination
//  3. copy every part concurrently, each with its own retry
//  4. finalize, which verifies the destination against the source
//
// Encrypted objects are copied as stored; the envelope travels in the
// metadata. On failure the session is aborted and the error returned.
func Copy(ctx context.Context, opts Options) (cloud.ObjectInfo, error) {
	logger := opts.Logger
	if logger == nil {
		logger = logging.Nop()
	}
	sink := opts.Progress
	if sink == nil {
		sink = progress.Nop{}
	}
	mgr := opts.Resources
	if mgr == nil {
		mgr = resources.NewManager(resources.Config{})
	}

	for _, key := range []string{opts.SrcKey, opts.DstKey} {
		if key == "" || strings.HasSuffix(key, "/") {
			return cloud.ObjectInfo{}, storage.Usagef("object key %q must name a file", key)
		}
	}
	if opts.sameObject() && opts.Metadata == nil {
		return cloud.ObjectInfo{}, storage.Usagef("source and destination are the same object: %s",
			cloud.URI(opts.Backend, opts.SrcBucket, opts.SrcKey))
	}

	call := cloud.NewCall(mgr, opts.Retry)
	info, err := cloud.Stat(ctx, call, opts.Backend, opts.SrcBucket, opts.SrcKey)
	if err != nil {
		return cloud.ObjectInfo{}, err
	}

	plan, versioned, err := planFor(info, opts.ChunkSize, opts.Backend.Scheme() == "gs")
	if err != nil {
		return cloud.ObjectInfo{}, err
	}
	meta := opts.Metadata
	if meta == nil {
		meta = info.Metadata
	}

	opID := uuid.NewString()
	logger = logger.Child(map[string]interface{}{
		"op_id": opID,
		"src":   cloud.URI(opts.Backend, opts.SrcBucket, opts.SrcKey),
		"dst":   cloud.URI(opts.Backend, opts.DstBucket, opts.DstKey),
	})
	logger.Debug().Str("plan", plan.String()).Bool("versioned", versioned).Msg("starting copy")

	sess, err := opts.Backend.NewCopySession(ctx, cloud.CopyRequest{
		SrcBucket: opts.SrcBucket,
		SrcKey:    opts.SrcKey,
		Source:    info,
		DstBucket: opts.DstBucket,
		DstKey:    opts.DstKey,
		Plan:      plan,
		Versioned: versioned,
		Metadata:  meta,
		Faults:    opts.Faults,
		Call:      call,
	})
	if err != nil {
		return cloud.ObjectInfo{}, err
	}

	start := time.Now()
	monitor := mgr.Monitor()
	defer monitor.Cleanup(opID)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(mgr.InternalLimit())
	for _, part := range sess.Parts() {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			err := call(gctx, fmt.Sprintf("copy part %d", part.Number), func(ctx context.Context) error {
				return sess.CopyPart(ctx, part)
			})
			if err != nil {
				return err
			}
			sink.Transferred(progress.PartID(part.Number), part.Size)
			monitor.Record(opID, part.Size)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		abort(ctx, sess, logger, err)
		return cloud.ObjectInfo{}, err
	}

	result, skip, err := sess.Finalize(ctx)
	if err != nil {
		abort(ctx, sess, logger, err)
		return cloud.ObjectInfo{}, err
	}
	if skip != "" {
		logger.Warn().Str("reason", skip).Msg("skipping checksum validation")
	}

	bytes, parts, _ := monitor.Summary(opID)
	logger.Info().
		Int64("bytes", bytes).
		Int("parts", parts).
		Dur("elapsed", time.Since(start)).
		Str("etag", result.ETag).
		Msg("copy complete")
	return result, nil
}

// planFor splits the stored bytes of the source. Objects written by
// cloudstore reuse their recorded chunking so the part boundaries, and with
// them the S3 ETag, are preserved.
func planFor(info cloud.ObjectInfo, requested int64, gcs bool) (transfer.PartPlan, bool, error) {
	meta, versioned, err := transfer.ParseMetadata(info.Metadata)
	if err != nil {
		return transfer.PartPlan{}, false, err
	}

	if !versioned {
		chunk, err := transfer.ResolveChunkSize(requested, info.Size, gcs)
		if err != nil {
			return transfer.PartPlan{}, false, err
		}
		plan, err := transfer.NewPartPlan(info.Size, chunk, false)
		return plan, false, err
	}

	plan, err := transfer.NewPartPlan(meta.FileLength, meta.ChunkSize, meta.Encrypted())
	if err != nil {
		return transfer.PartPlan{}, true, err
	}
	if plan.BackendLength() != info.Size {
		return transfer.PartPlan{}, true, fmt.Errorf("object is %d bytes but its metadata describes %d",
			info.Size, plan.BackendLength())
	}
	return plan, true, nil
}

func abort(ctx context.Context, sess cloud.CopySession, logger *logging.Logger, cause error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), abortTimeout)
	defer cancel()

	logger.Warn().Err(cause).Str("session", sess.ID()).Msg("copy failed, aborting")
	if err := sess.Abort(ctx); err != nil {
		logger.Error().Err(err).Str("session", sess.ID()).Msg("failed to abort copy")
	}
}
