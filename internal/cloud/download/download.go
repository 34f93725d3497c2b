// Package download drives a chunked parallel download of one object into a
// local file.
package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/rescale/cloudstore/internal/cloud"
	"github.com/rescale/cloudstore/internal/cloud/storage"
	"github.com/rescale/cloudstore/internal/cloud/transfer"
	encryption "github.com/rescale/cloudstore/internal/crypto"
	"github.com/rescale/cloudstore/internal/diskspace"
	"github.com/rescale/cloudstore/internal/http"
	"github.com/rescale/cloudstore/internal/logging"
	"github.com/rescale/cloudstore/internal/progress"
	"github.com/rescale/cloudstore/internal/resources"
)

// Options describes one download.
type Options struct {
	Backend   cloud.Backend
	Bucket    string
	Key       string
	LocalPath string
	Overwrite bool

	// ChunkSize splits objects written by other tools. Objects uploaded by
	// cloudstore always use the chunk size recorded in their metadata; 0
	// reads foreign objects as a single range.
	ChunkSize int64
	// Keys resolves the private key of encrypted objects.
	Keys encryption.KeyProvider

	Resources *resources.Manager
	Retry     http.Config
	Faults    *transfer.Faults
	Progress  progress.Sink
	Logger    *logging.Logger
}

// Download fetches bucket/key into opts.LocalPath:
//  1. stat the object and read its cloudstore metadata
//  2. unwrap the data key when the object is encrypted
//  3. check free space, then fetch every part concurrently into a temp file, decrypting in flight
//  4. validate the object checksum and rename the temp file into place
//
// On failure the temp file and any parent directories created for it are
// removed.
func Download(ctx context.Context, opts Options) (cloud.ObjectInfo, error) {
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
	if err := checkDestination(opts.LocalPath, opts.Overwrite); err != nil {
		return cloud.ObjectInfo{}, err
	}

	call := cloud.NewCall(mgr, opts.Retry)

	info, err := cloud.Stat(ctx, call, opts.Backend, opts.Bucket, opts.Key)
	if err != nil {
		return cloud.ObjectInfo{}, err
	}

	plan, versioned, dataKey, err := planFor(info, opts)
	if err != nil {
		return cloud.ObjectInfo{}, err
	}

	opID := uuid.NewString()
	logger = logger.Child(map[string]interface{}{
		"op_id":  opID,
		"bucket": opts.Bucket,
		"key":    opts.Key,
	})
	logger.Debug().Str("plan", plan.String()).Bool("versioned", versioned).Msg("starting download")

	created, err := createParents(filepath.Dir(opts.LocalPath))
	if err != nil {
		return cloud.ObjectInfo{}, err
	}
	if err := diskspace.Check(opts.LocalPath, plan.FileLength); err != nil {
		removeDirs(created)
		return cloud.ObjectInfo{}, err
	}
	tmpPath := fmt.Sprintf("%s.%s.partial", opts.LocalPath, opID)
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		removeDirs(created)
		return cloud.ObjectInfo{}, fmt.Errorf("failed to create %s: %w", tmpPath, err)
	}

	fail := func(err error) (cloud.ObjectInfo, error) {
		f.Close()
		if rmErr := os.Remove(tmpPath); rmErr != nil && !errors.Is(rmErr, fs.ErrNotExist) {
			logger.Warn().Err(rmErr).Str("path", tmpPath).Msg("failed to remove partial download")
		}
		removeDirs(created)
		return cloud.ObjectInfo{}, err
	}

	if err := f.Truncate(plan.FileLength); err != nil {
		return fail(fmt.Errorf("failed to size %s: %w", tmpPath, err))
	}

	sess, err := opts.Backend.NewDownloadSession(ctx, cloud.DownloadRequest{
		Bucket:    opts.Bucket,
		Key:       opts.Key,
		Object:    info,
		Plan:      plan,
		Versioned: versioned,
		Faults:    opts.Faults,
		Call:      call,
	})
	if err != nil {
		return fail(err)
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
			consume := writePart(f, part, dataKey)
			err := call(gctx, fmt.Sprintf("download part %d", part.Number), func(ctx context.Context) error {
				return sess.ReadPart(ctx, part, consume, sink)
			})
			if err != nil {
				return err
			}
			monitor.Record(opID, part.Size)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return fail(err)
	}

	skip, err := sess.Validate(ctx)
	if err != nil {
		return fail(err)
	}
	if skip != "" {
		logger.Warn().Str("reason", skip).Msg("skipping checksum validation")
	}

	if err := f.Sync(); err != nil {
		return fail(fmt.Errorf("failed to flush %s: %w", tmpPath, err))
	}
	if err := f.Close(); err != nil {
		return fail(fmt.Errorf("failed to close %s: %w", tmpPath, err))
	}
	if err := os.Rename(tmpPath, opts.LocalPath); err != nil {
		return fail(fmt.Errorf("failed to move download into place: %w", err))
	}

	bytes, parts, _ := monitor.Summary(opID)
	logger.Info().
		Int64("bytes", bytes).
		Int("parts", parts).
		Dur("elapsed", time.Since(start)).
		Msg("download complete")
	return info, nil
}

// planFor derives the part plan from the object's metadata. Objects without
// metadata are plaintext of info.Size bytes.
func planFor(info cloud.ObjectInfo, opts Options) (transfer.PartPlan, bool, []byte, error) {
	meta, versioned, err := transfer.ParseMetadata(info.Metadata)
	if err != nil {
		return transfer.PartPlan{}, false, nil, err
	}

	if !versioned {
		chunk := opts.ChunkSize
		if chunk <= 0 {
			chunk = info.Size
		}
		if chunk <= 0 {
			chunk = 1
		}
		plan, err := transfer.NewPartPlan(info.Size, chunk, false)
		return plan, false, nil, err
	}

	plan, err := transfer.NewPartPlan(meta.FileLength, meta.ChunkSize, meta.Encrypted())
	if err != nil {
		return transfer.PartPlan{}, true, nil, err
	}
	if plan.BackendLength() != info.Size {
		return transfer.PartPlan{}, true, nil, fmt.Errorf("object is %d bytes but its metadata describes %d",
			info.Size, plan.BackendLength())
	}
	if !meta.Encrypted() {
		return plan, true, nil, nil
	}

	dataKey, err := encryption.Open(encryption.Envelope{
		KeyNames:     meta.KeyNames,
		WrappedKeys:  meta.WrappedKeys,
		PubKeyHashes: meta.PubKeyHashes,
	}, opts.Keys)
	if err != nil {
		return transfer.PartPlan{}, true, nil, err
	}
	return plan, true, dataKey, nil
}

// writePart returns the consumer for one part: it decrypts when key is set
// and writes the plaintext at the part's offset.
func writePart(f *os.File, part transfer.Part, key []byte) func(io.Reader) error {
	return func(r io.Reader) error {
		src := r
		if key != nil {
			dec, err := encryption.NewDecryptReader(r, key)
			if err != nil {
				return err
			}
			src = dec
		}
		n, err := io.Copy(io.NewOffsetWriter(f, part.PlainStart), src)
		if err != nil {
			return err
		}
		if n != part.PlainSize {
			return fmt.Errorf("part %d: wrote %d of %d bytes: %w", part.Number, n, part.PlainSize, io.ErrUnexpectedEOF)
		}
		return nil
	}
}

func checkDestination(path string, overwrite bool) error {
	fi, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to stat %s: %w", path, err)
	}
	if fi.IsDir() {
		return storage.Usagef("%s is a directory", path)
	}
	if !overwrite {
		return storage.Usagef("%s already exists; use --overwrite to replace it", path)
	}
	return nil
}

// createParents creates dir and any missing ancestors, returning the
// directories it created, outermost first.
func createParents(dir string) ([]string, error) {
	var missing []string
	for d := dir; ; {
		_, err := os.Stat(d)
		if err == nil {
			break
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to stat %s: %w", d, err)
		}
		missing = append(missing, d)
		parent := filepath.Dir(d)
		if parent == d {
			break
		}
		d = parent
	}

	var created []string
	for i := len(missing) - 1; i >= 0; i-- {
		if err := os.Mkdir(missing[i], 0o755); err != nil && !errors.Is(err, fs.ErrExist) {
			removeDirs(created)
			return nil, fmt.Errorf("failed to create directory %s: %w", missing[i], err)
		}
		created = append(created, missing[i])
	}
	return created, nil
}

// removeDirs removes directories created by createParents, innermost first.
// Directories that are no longer empty are left alone.
func removeDirs(created []string) {
	for i := len(created) - 1; i >= 0; i-- {
		_ = os.Remove(created[i])
	}
}
