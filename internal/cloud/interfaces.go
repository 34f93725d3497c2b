// Package cloud defines the backend-agnostic transfer abstraction. The S3 and
// GCS providers implement Backend; the upload and download orchestrators drive
// sessions part by part without knowing which protocol sits underneath.
package cloud

import (
	"context"
	"io"
	"time"

	"github.com/rescale/cloudstore/internal/cloud/transfer"
	"github.com/rescale/cloudstore/internal/progress"
)

// ObjectInfo describes a stored object.
type ObjectInfo struct {
	Bucket   string
	Key      string
	ETag     string
	Size     int64
	Metadata map[string]string

	// CRC32C is the object checksum reported by GCS; HasCRC32C is false for S3.
	CRC32C    uint32
	HasCRC32C bool
	// Generation is the GCS object generation, 0 for S3.
	Generation int64
}

// Call runs one backend operation with retry, holding an API pool slot per
// attempt. Sessions use it for every network call they make outside of
// TransferPart/ReadPart, which the orchestrators already wrap.
type Call func(ctx context.Context, op string, fn func(ctx context.Context) error) error

// PartSource opens a fresh reader over the backend bytes of one part. It is
// invoked once per attempt, so a retried part re-reads (and re-encrypts) its
// input from the start.
type PartSource func() (io.ReadCloser, error)

// UploadRequest describes a new upload session.
type UploadRequest struct {
	Bucket   string
	Key      string
	Plan     transfer.PartPlan
	Metadata map[string]string
	Faults   *transfer.Faults
	Call     Call
}

// DownloadRequest describes a new download session.
type DownloadRequest struct {
	Bucket string
	Key    string
	Object ObjectInfo
	Plan   transfer.PartPlan
	// Versioned is true when the object carries cloudstore format metadata.
	Versioned bool
	Faults    *transfer.Faults
	Call      Call
}

// CopyRequest describes a server-side copy between two objects of one
// backend. The source has already been stat'ed; every copy call is pinned to
// that version.
type CopyRequest struct {
	SrcBucket string
	SrcKey    string
	Source    ObjectInfo
	DstBucket string
	DstKey    string
	// Plan splits the source's stored bytes; backends that copy whole
	// objects ignore it.
	Plan      transfer.PartPlan
	Versioned bool
	// Metadata is written on the destination.
	Metadata map[string]string
	Faults   *transfer.Faults
	Call     Call
}

// PendingUpload is a multipart upload that was started but neither
// completed nor aborted.
type PendingUpload struct {
	Bucket    string
	Key       string
	UploadID  string
	Initiated time.Time
}

// Backend is one object-storage protocol.
type Backend interface {
	// Scheme returns the URI scheme served by the backend ("s3" or "gs").
	Scheme() string
	// Stat returns object attributes. A missing object yields a BackendError
	// classified ClassNotFound.
	Stat(ctx context.Context, bucket, key string) (ObjectInfo, error)
	NewUploadSession(ctx context.Context, req UploadRequest) (UploadSession, error)
	NewDownloadSession(ctx context.Context, req DownloadRequest) (DownloadSession, error)
	NewCopySession(ctx context.Context, req CopyRequest) (CopySession, error)
	// Delete makes a single attempt at removing an object.
	Delete(ctx context.Context, bucket, key string) error
}

// UploadLister is implemented by backends that keep server-side state for
// unfinished uploads (S3 multipart uploads).
type UploadLister interface {
	// ListPendingUploads returns the unfinished uploads under prefix, oldest
	// first. Each page is fetched through call.
	ListPendingUploads(ctx context.Context, bucket, prefix string, call Call) ([]PendingUpload, error)
	// AbortPendingUpload makes a single attempt at discarding one upload.
	AbortPendingUpload(ctx context.Context, upload PendingUpload) error
}

// UploadSession owns the state of one upload: digests, upload id or temp
// objects. TransferPart is safe for concurrent use across distinct parts.
type UploadSession interface {
	// ID identifies the session for fault injection and logs. It is the
	// destination bucket/key, known before the session starts.
	ID() string
	// TransferPart performs a single attempt at sending one part and records
	// its digest on success.
	TransferPart(ctx context.Context, part transfer.Part, open PartSource, sink progress.Sink) error
	// Finalize assembles the object once every planned part has a digest.
	Finalize(ctx context.Context) (ObjectInfo, error)
	// Abort releases backend resources of an unfinished session.
	Abort(ctx context.Context) error
}

// DownloadSession reads one object part by part.
type DownloadSession interface {
	// ReadPart performs a single attempt at fetching one part. The part's
	// bytes are handed to consume as they arrive; the digest is recorded only
	// after consume returns nil and the whole part was read.
	ReadPart(ctx context.Context, part transfer.Part, consume func(io.Reader) error, sink progress.Sink) error
	// Validate checks the part digests against the object checksum. A
	// non-empty skip explains why no comparison was possible.
	Validate(ctx context.Context) (skip string, err error)
}

// CopySession copies one object part by part without moving data through
// the client. CopyPart is safe for concurrent use across distinct parts.
type CopySession interface {
	// ID is the destination bucket/key.
	ID() string
	// Parts lists the ranges CopyPart must be called for. A backend that
	// copies whole objects returns a single part.
	Parts() []transfer.Part
	// CopyPart performs a single attempt at copying one part.
	CopyPart(ctx context.Context, part transfer.Part) error
	// Finalize assembles the destination and verifies it against the
	// source. A non-empty skip explains why no comparison was possible.
	Finalize(ctx context.Context) (info ObjectInfo, skip string, err error)
	// Abort releases backend resources of an unfinished copy.
	Abort(ctx context.Context) error
}
