// Package upload drives a chunked parallel upload of one local file through a
// cloud.Backend session.
package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/rescale/cloudstore/internal/cloud"
	"github.com/rescale/cloudstore/internal/cloud/storage"
	"github.com/rescale/cloudstore/internal/cloud/transfer"
	"github.com/rescale/cloudstore/internal/constants"
	encryption "github.com/rescale/cloudstore/internal/crypto"
	"github.com/rescale/cloudstore/internal/http"
	"github.com/rescale/cloudstore/internal/logging"
	"github.com/rescale/cloudstore/internal/progress"
	"github.com/rescale/cloudstore/internal/resources"
)

// abortTimeout bounds the cleanup of a failed upload, which runs even after
// the caller's context is cancelled.
const abortTimeout = 2 * time.Minute

// Options describes one upload.
type Options struct {
	LocalPath string
	Backend   cloud.Backend
	Bucket    string
	Key       string

	// ChunkSize is the plaintext part size; 0 picks one from the file length.
	ChunkSize int64
	// Recipients receive the wrapped data key. Empty uploads plaintext.
	Recipients []encryption.Recipient

	// Resources is shared across transfers; nil creates a private manager.
	Resources *resources.Manager
	Retry     http.Config
	Faults    *transfer.Faults
	Progress  progress.Sink
	Logger    *logging.Logger
}

// Upload sends opts.LocalPath to bucket/key:
//  1. stat the local file and plan its parts
//  2. seal a fresh data key for the recipients, if any
//  3. open a backend session
//  4. transfer every part concurrently, each with its own retry
//  5. finalize, which verifies the object checksum
//
// On failure the session is aborted (errors there are only logged) and the
// original error is returned.
func Upload(ctx context.Context, opts Options) (cloud.ObjectInfo, error) {
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

	if opts.Key == "" || strings.HasSuffix(opts.Key, "/") {
		return cloud.ObjectInfo{}, storage.Usagef("object key %q must name a file", opts.Key)
	}

	fi, err := os.Stat(opts.LocalPath)
	if errors.Is(err, fs.ErrNotExist) {
		return cloud.ObjectInfo{}, storage.Usagef("local file %s does not exist", opts.LocalPath)
	}
	if err != nil {
		return cloud.ObjectInfo{}, fmt.Errorf("failed to stat %s: %w", opts.LocalPath, err)
	}
	if !fi.Mode().IsRegular() {
		return cloud.ObjectInfo{}, storage.Usagef("%s is not a regular file", opts.LocalPath)
	}

	chunk, err := transfer.ResolveChunkSize(opts.ChunkSize, fi.Size(), opts.Backend.Scheme() == "gs")
	if err != nil {
		return cloud.ObjectInfo{}, err
	}
	encrypted := len(opts.Recipients) > 0
	plan, err := transfer.NewPartPlan(fi.Size(), chunk, encrypted)
	if err != nil {
		return cloud.ObjectInfo{}, err
	}

	meta := transfer.Metadata{
		Version:    constants.FormatVersion,
		ChunkSize:  chunk,
		FileLength: fi.Size(),
	}
	var dataKey []byte
	if encrypted {
		if dataKey, err = encryption.GenerateKey(); err != nil {
			return cloud.ObjectInfo{}, err
		}
		env, err := encryption.Seal(dataKey, opts.Recipients)
		if err != nil {
			return cloud.ObjectInfo{}, err
		}
		meta.KeyNames, meta.WrappedKeys, meta.PubKeyHashes = env.KeyNames, env.WrappedKeys, env.PubKeyHashes
	}

	f, err := os.Open(opts.LocalPath)
	if err != nil {
		return cloud.ObjectInfo{}, fmt.Errorf("failed to open %s: %w", opts.LocalPath, err)
	}
	defer f.Close()

	opID := uuid.NewString()
	logger = logger.Child(map[string]interface{}{
		"op_id":  opID,
		"bucket": opts.Bucket,
		"key":    opts.Key,
	})
	logger.Debug().Str("plan", plan.String()).Msg("starting upload")

	call := cloud.NewCall(mgr, opts.Retry)
	sess, err := opts.Backend.NewUploadSession(ctx, cloud.UploadRequest{
		Bucket:   opts.Bucket,
		Key:      opts.Key,
		Plan:     plan,
		Metadata: meta.Encode(),
		Faults:   opts.Faults,
		Call:     call,
	})
	if err != nil {
		return cloud.ObjectInfo{}, err
	}

	start := time.Now()
	monitor := mgr.Monitor()
	defer monitor.Cleanup(opID)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(mgr.InternalLimit())
	for _, part := range plan.Parts {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			release, err := mgr.ReserveMemory(gctx, part.Size)
			if err != nil {
				return err
			}
			defer release()

			open := partSource(f, part, dataKey)
			err = call(gctx, fmt.Sprintf("upload part %d", part.Number), func(ctx context.Context) error {
				return sess.TransferPart(ctx, part, open, sink)
			})
			if err != nil {
				return err
			}
			monitor.Record(opID, part.Size)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		abort(ctx, sess, logger, err)
		return cloud.ObjectInfo{}, err
	}

	info, err := sess.Finalize(ctx)
	if err != nil {
		abort(ctx, sess, logger, err)
		return cloud.ObjectInfo{}, err
	}

	bytes, parts, _ := monitor.Summary(opID)
	elapsed := time.Since(start)
	logger.Info().
		Int64("bytes", bytes).
		Int("parts", parts).
		Dur("elapsed", elapsed).
		Str("rate", rate(bytes, elapsed)).
		Str("etag", info.ETag).
		Msg("upload complete")
	return info, nil
}

// partSource reads the plaintext range of part, encrypted under key when set.
// Each call starts over, so every attempt gets a fresh IV.
func partSource(f *os.File, part transfer.Part, key []byte) cloud.PartSource {
	return func() (io.ReadCloser, error) {
		var r io.Reader = io.NewSectionReader(f, part.PlainStart, part.PlainSize)
		if key != nil {
			enc, err := encryption.NewEncryptReader(r, key)
			if err != nil {
				return nil, err
			}
			r = enc
		}
		return io.NopCloser(r), nil
	}
}

func abort(ctx context.Context, sess cloud.UploadSession, logger *logging.Logger, cause error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), abortTimeout)
	defer cancel()

	logger.Warn().Err(cause).Str("session", sess.ID()).Msg("upload failed, aborting")
	if err := sess.Abort(ctx); err != nil {
		logger.Error().Err(err).Str("session", sess.ID()).Msg("failed to abort upload")
	}
}

func rate(bytes int64, elapsed time.Duration) string {
	if elapsed <= 0 {
		return "n/a"
	}
	return fmt.Sprintf("%.1f MiB/s", float64(bytes)/elapsed.Seconds()/(1024*1024))
}
