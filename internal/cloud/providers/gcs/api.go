package gcs

import (
	"context"
	"io"

	gstorage "cloud.google.com/go/storage"
)

// Source is one input of a compose call, pinned to the generation that was
// written or composed.
type Source struct {
	Name       string
	Generation int64
}

// ContentType is set on every object the backend creates.
const ContentType = "application/octet-stream"

// ObjectMeta holds the attributes written on a created object.
type ObjectMeta struct {
	ContentType string
	Metadata    map[string]string
}

// API is the subset of object operations the backend needs. It is narrow so
// tests can swap in gcstest.Fake.
type API interface {
	Attrs(ctx context.Context, bucket, name string) (*gstorage.ObjectAttrs, error)
	// Write stores body as a new object, sending crc for server-side verification.
	Write(ctx context.Context, bucket, name string, crc uint32, meta ObjectMeta, body io.Reader) (*gstorage.ObjectAttrs, error)
	Compose(ctx context.Context, bucket, dst string, srcs []Source, meta ObjectMeta) (*gstorage.ObjectAttrs, error)
	// Copy rewrites src into dstBucket/dst server-side, replacing its
	// attributes with meta.
	Copy(ctx context.Context, srcBucket string, src Source, dstBucket, dst string, meta ObjectMeta) (*gstorage.ObjectAttrs, error)
	Delete(ctx context.Context, bucket, name string) error
	// NewRangeReader reads length bytes at offset. A non-zero generation
	// pins the read to that generation.
	NewRangeReader(ctx context.Context, bucket, name string, generation, offset, length int64) (io.ReadCloser, error)
}

// clientAPI adapts *storage.Client to API.
type clientAPI struct {
	client *gstorage.Client
}

var _ API = (*clientAPI)(nil)

func (a *clientAPI) object(bucket, name string) *gstorage.ObjectHandle {
	return a.client.Bucket(bucket).Object(name)
}

func (a *clientAPI) Attrs(ctx context.Context, bucket, name string) (*gstorage.ObjectAttrs, error) {
	return a.object(bucket, name).Attrs(ctx)
}

func (a *clientAPI) Write(ctx context.Context, bucket, name string, crc uint32, meta ObjectMeta, body io.Reader) (*gstorage.ObjectAttrs, error) {
	// cancelling the context is the only way to discard a half-written object
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	w := a.object(bucket, name).NewWriter(ctx)
	w.CRC32C = crc
	w.SendCRC32C = true
	w.ContentType = meta.ContentType
	w.Metadata = meta.Metadata
	// single request; parts are already bounded by the chunk size cap
	w.ChunkSize = 0

	if _, err := io.Copy(w, body); err != nil {
		cancel()
		_ = w.Close()
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return w.Attrs(), nil
}

func (a *clientAPI) Compose(ctx context.Context, bucket, dst string, srcs []Source, meta ObjectMeta) (*gstorage.ObjectAttrs, error) {
	handles := make([]*gstorage.ObjectHandle, len(srcs))
	for i, src := range srcs {
		handles[i] = a.object(bucket, src.Name).If(gstorage.Conditions{GenerationMatch: src.Generation})
	}
	composer := a.object(bucket, dst).ComposerFrom(handles...)
	composer.ContentType = meta.ContentType
	composer.Metadata = meta.Metadata
	return composer.Run(ctx)
}

func (a *clientAPI) Copy(ctx context.Context, srcBucket string, src Source, dstBucket, dst string, meta ObjectMeta) (*gstorage.ObjectAttrs, error) {
	obj := a.object(srcBucket, src.Name)
	if src.Generation != 0 {
		obj = obj.Generation(src.Generation)
	}
	copier := a.object(dstBucket, dst).CopierFrom(obj)
	copier.ContentType = meta.ContentType
	copier.Metadata = meta.Metadata
	return copier.Run(ctx)
}

func (a *clientAPI) Delete(ctx context.Context, bucket, name string) error {
	return a.object(bucket, name).Delete(ctx)
}

func (a *clientAPI) NewRangeReader(ctx context.Context, bucket, name string, generation, offset, length int64) (io.ReadCloser, error) {
	obj := a.object(bucket, name)
	if generation != 0 {
		obj = obj.Generation(generation)
	}
	return obj.NewRangeReader(ctx, offset, length)
}
