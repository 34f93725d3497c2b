// Package objects holds single-object maintenance operations: delete, and
// listing or aborting unfinished multipart uploads.
package objects

import (
	"context"
	"strings"
	"time"

	"github.com/rescale/cloudstore/internal/cloud"
	"github.com/rescale/cloudstore/internal/cloud/storage"
	"github.com/rescale/cloudstore/internal/cloud/transfer"
	"github.com/rescale/cloudstore/internal/http"
	"github.com/rescale/cloudstore/internal/logging"
	"github.com/rescale/cloudstore/internal/resources"
)

// DeleteOptions describes one delete.
type DeleteOptions struct {
	Backend cloud.Backend
	Bucket  string
	Key     string

	Resources *resources.Manager
	Retry     http.Config
	// Faults is keyed by bucket/key and hit before each delete attempt.
	Faults *transfer.Faults
	Logger *logging.Logger
}

// Delete removes bucket/key. A missing object is a usage error; the object
// is stat'ed first because S3 reports success for absent keys.
func Delete(ctx context.Context, opts DeleteOptions) error {
	logger := opts.Logger
	if logger == nil {
		logger = logging.Nop()
	}
	if opts.Key == "" || strings.HasSuffix(opts.Key, "/") {
		return storage.Usagef("object key %q must name a file", opts.Key)
	}

	call := cloud.NewCall(manager(opts.Resources), opts.Retry)
	if _, err := cloud.Stat(ctx, call, opts.Backend, opts.Bucket, opts.Key); err != nil {
		return err
	}

	id := opts.Bucket + "/" + opts.Key
	err := call(ctx, "delete", func(ctx context.Context) error {
		if err := opts.Faults.Hit(id); err != nil {
			return err
		}
		return opts.Backend.Delete(ctx, opts.Bucket, opts.Key)
	})
	if storage.IsNotFound(err) {
		// removed by an earlier attempt whose response was lost
		err = nil
	}
	if err != nil {
		return err
	}

	logger.Info().Str("uri", cloud.URI(opts.Backend, opts.Bucket, opts.Key)).Msg("deleted")
	return nil
}

// PendingOptions selects unfinished uploads.
type PendingOptions struct {
	Backend cloud.Backend
	Bucket  string
	Prefix  string
	// OlderThan, when positive, keeps only uploads initiated at least that
	// long before Now.
	OlderThan time.Duration
	// Now defaults to time.Now.
	Now func() time.Time

	Resources *resources.Manager
	Retry     http.Config
	Logger    *logging.Logger
}

func (o PendingOptions) lister() (cloud.UploadLister, error) {
	lister, ok := o.Backend.(cloud.UploadLister)
	if !ok {
		return nil, storage.Usagef("%s:// has no pending uploads: parts are plain objects that are removed when an upload fails",
			o.Backend.Scheme())
	}
	return lister, nil
}

// ListPending returns the unfinished uploads matching opts, oldest first.
func ListPending(ctx context.Context, opts PendingOptions) ([]cloud.PendingUpload, error) {
	lister, err := opts.lister()
	if err != nil {
		return nil, err
	}
	call := cloud.NewCall(manager(opts.Resources), opts.Retry)
	pending, err := lister.ListPendingUploads(ctx, opts.Bucket, opts.Prefix, call)
	if err != nil {
		return nil, err
	}
	if opts.OlderThan <= 0 {
		return pending, nil
	}

	now := time.Now
	if opts.Now != nil {
		now = opts.Now
	}
	cutoff := now().Add(-opts.OlderThan)
	kept := pending[:0]
	for _, p := range pending {
		if !p.Initiated.After(cutoff) {
			kept = append(kept, p)
		}
	}
	return kept, nil
}

// AbortPending lists the uploads matching opts and aborts each one. It
// returns the uploads that were aborted; the first failure stops the run.
func AbortPending(ctx context.Context, opts PendingOptions) ([]cloud.PendingUpload, error) {
	logger := opts.Logger
	if logger == nil {
		logger = logging.Nop()
	}
	pending, err := ListPending(ctx, opts)
	if err != nil {
		return nil, err
	}

	lister, _ := opts.lister()
	call := cloud.NewCall(manager(opts.Resources), opts.Retry)
	aborted := make([]cloud.PendingUpload, 0, len(pending))
	for _, p := range pending {
		err := call(ctx, "abort multipart upload", func(ctx context.Context) error {
			return lister.AbortPendingUpload(ctx, p)
		})
		if err != nil && !storage.IsNotFound(err) {
			return aborted, err
		}
		logger.Info().Str("key", p.Key).Str("upload_id", p.UploadID).Msg("aborted pending upload")
		aborted = append(aborted, p)
	}
	return aborted, nil
}

func manager(mgr *resources.Manager) *resources.Manager {
	if mgr == nil {
		return resources.NewManager(resources.Config{})
	}
	return mgr
}
