package gcs

import (
	"context"
	"errors"
	"sync"

	gstorage "cloud.google.com/go/storage"

	"github.com/rescale/cloudstore/internal/checksum"
	"github.com/rescale/cloudstore/internal/cloud"
	"github.com/rescale/cloudstore/internal/cloud/storage"
	"github.com/rescale/cloudstore/internal/cloud/transfer"
)

// copySession rewrites the whole object in one part; GCS carries the data
// server-side and the client only checks the resulting CRC32C.
type copySession struct {
	client    *Client
	src       cloud.ObjectInfo
	srcBucket string
	srcKey    string
	bucket    string
	key       string
	meta      map[string]string
	faults    *transfer.Faults
	part      transfer.Part

	mu     sync.Mutex
	result *gstorage.ObjectAttrs
}

// NewCopySession prepares a rewrite of req.Source. No backend call is made
// until CopyPart.
func (c *Client) NewCopySession(ctx context.Context, req cloud.CopyRequest) (cloud.CopySession, error) {
	size := req.Source.Size
	c.logger.Debug().
		Str("src", req.SrcBucket+"/"+req.SrcKey).
		Str("dst", req.DstBucket+"/"+req.DstKey).
		Int64("generation", req.Source.Generation).
		Msg("started rewrite")

	return &copySession{
		client:    c,
		src:       req.Source,
		srcBucket: req.SrcBucket,
		srcKey:    req.SrcKey,
		bucket:    req.DstBucket,
		key:       req.DstKey,
		meta:      req.Metadata,
		faults:    req.Faults,
		part:      transfer.Part{Number: 0, Start: 0, End: size - 1, Size: size, PlainSize: size},
	}, nil
}

func (s *copySession) ID() string {
	return s.bucket + "/" + s.key
}

func (s *copySession) Parts() []transfer.Part {
	return []transfer.Part{s.part}
}

// CopyPart rewrites the source generation into the destination.
func (s *copySession) CopyPart(ctx context.Context, part transfer.Part) error {
	if err := s.faults.Hit(s.ID()); err != nil {
		return err
	}

	src := Source{Name: s.srcKey, Generation: s.src.Generation}
	attrs, err := s.client.api.Copy(ctx, s.srcBucket, src, s.bucket, s.key, ObjectMeta{ContentType: ContentType, Metadata: s.meta})
	if err != nil {
		return wrapError("copy", s.bucket, s.key, err)
	}

	s.mu.Lock()
	s.result = attrs
	s.mu.Unlock()
	return nil
}

// Finalize checks the destination CRC32C against the source's.
func (s *copySession) Finalize(ctx context.Context) (cloud.ObjectInfo, string, error) {
	s.mu.Lock()
	attrs := s.result
	s.mu.Unlock()
	if attrs == nil {
		return cloud.ObjectInfo{}, "", storage.ErrIncompleteTransfer
	}

	if !s.src.HasCRC32C {
		return objectInfo(s.bucket, attrs), "source has no crc32c", nil
	}
	if err := checksum.VerifyCRC32C("copy crc32c", attrs.CRC32C, s.src.CRC32C); err != nil {
		return cloud.ObjectInfo{}, "", err
	}
	return objectInfo(s.bucket, attrs), "", nil
}

// Abort removes a destination the rewrite already produced, unless the copy
// was in place; a rewrite that failed leaves nothing behind.
func (s *copySession) Abort(ctx context.Context) error {
	s.mu.Lock()
	attrs := s.result
	s.mu.Unlock()
	if attrs == nil || (s.bucket == s.srcBucket && s.key == s.srcKey) {
		return nil
	}
	err := s.client.api.Delete(ctx, s.bucket, s.key)
	if errors.Is(err, gstorage.ErrObjectNotExist) {
		return nil
	}
	return wrapError("delete", s.bucket, s.key, err)
}

// Delete implements cloud.Backend.
func (c *Client) Delete(ctx context.Context, bucket, key string) error {
	return wrapError("delete", bucket, key, c.api.Delete(ctx, bucket, key))
}
