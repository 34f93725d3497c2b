package gcs

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"sync"

	gstorage "cloud.google.com/go/storage"

	"github.com/rescale/cloudstore/internal/checksum"
	"github.com/rescale/cloudstore/internal/cloud"
	"github.com/rescale/cloudstore/internal/cloud/storage"
	"github.com/rescale/cloudstore/internal/cloud/transfer"
	"github.com/rescale/cloudstore/internal/progress"
	"github.com/rescale/cloudstore/internal/util/buffers"
)

// partObject is a stored part or intermediate composite.
type partObject struct {
	name       string
	generation int64
	crc        checksum.PartCRC
	attrs      *gstorage.ObjectAttrs
}

// SingleName is the temp object holding part n of key.
func SingleName(key string, n int) string {
	return fmt.Sprintf("_%s.cs.single.%d", key, n)
}

// CompositeName is the intermediate compose result for batch of level.
func CompositeName(key string, level, batch int) string {
	return fmt.Sprintf("_%s.cs.composite.%d-%d", key, level, batch)
}

type uploadSession struct {
	client *Client
	bucket string
	key    string
	plan   transfer.PartPlan
	meta   map[string]string
	faults *transfer.Faults
	call   cloud.Call

	digests *transfer.Digests[partObject]
	pool    *buffers.Pool

	mu    sync.Mutex
	temps map[string]struct{}
}

// NewUploadSession prepares an upload of req.Plan as temp part objects. No
// backend call is made until the first part.
func (c *Client) NewUploadSession(ctx context.Context, req cloud.UploadRequest) (cloud.UploadSession, error) {
	var max int64
	for _, p := range req.Plan.Parts {
		if p.Size > max {
			max = p.Size
		}
	}

	c.logger.Debug().
		Str("bucket", req.Bucket).
		Str("key", req.Key).
		Int("parts", req.Plan.Count()).
		Msg("started composite upload")

	return &uploadSession{
		client:  c,
		bucket:  req.Bucket,
		key:     req.Key,
		plan:    req.Plan,
		meta:    req.Metadata,
		faults:  req.Faults,
		call:    req.Call,
		digests: transfer.NewDigests[partObject](),
		pool:    buffers.NewPool(int(max)),
		temps:   make(map[string]struct{}),
	}, nil
}

func (s *uploadSession) ID() string {
	return s.bucket + "/" + s.key
}

func (s *uploadSession) track(name string) {
	s.mu.Lock()
	s.temps[name] = struct{}{}
	s.mu.Unlock()
}

// TransferPart writes the part as its own object with a client-computed
// CRC32C, then checks the CRC32C GCS stored.
func (s *uploadSession) TransferPart(ctx context.Context, part transfer.Part, open cloud.PartSource, sink progress.Sink) error {
	if err := s.faults.Hit(s.ID()); err != nil {
		return err
	}

	buf := s.pool.Get()
	defer s.pool.Put(buf)

	data, err := cloud.BufferPart(open, part, *buf)
	if err != nil {
		return err
	}
	crc := checksum.CRC32C(data)

	name := SingleName(s.key, part.Number)
	s.track(name)

	body := progress.NewReader(bytes.NewReader(data), sink, progress.PartID(part.Number))
	attrs, err := s.client.api.Write(ctx, s.bucket, name, crc, ObjectMeta{ContentType: ContentType}, body)
	if err != nil {
		return wrapError(fmt.Sprintf("upload part %d", part.Number), s.bucket, name, err)
	}
	if err := checksum.VerifyCRC32C(fmt.Sprintf("part %d crc32c", part.Number), crc, attrs.CRC32C); err != nil {
		return err
	}

	return s.digests.Put(part.Number, partObject{
		name:       name,
		generation: attrs.Generation,
		crc:        checksum.PartCRC{CRC: crc, Length: part.Size},
	})
}

// Finalize composes the parts into the destination object and removes the
// temp objects.
func (s *uploadSession) Finalize(ctx context.Context) (cloud.ObjectInfo, error) {
	parts, err := s.digests.Ordered(s.plan)
	if err != nil {
		return cloud.ObjectInfo{}, err
	}

	final, err := s.composeTree(ctx, parts)
	if err != nil {
		return cloud.ObjectInfo{}, err
	}

	s.cleanup(ctx)
	return objectInfo(s.bucket, final.attrs), nil
}

// Abort deletes every temp object created so far.
func (s *uploadSession) Abort(ctx context.Context) error {
	return s.deleteTemps(ctx)
}

// cleanup removes temps after a successful compose. Failures are logged; the
// object itself is complete.
func (s *uploadSession) cleanup(ctx context.Context) {
	if err := s.deleteTemps(ctx); err != nil {
		s.client.logger.Warn().Err(err).Str("key", s.key).Msg("failed to delete temporary part objects")
	}
}

func (s *uploadSession) deleteTemps(ctx context.Context) error {
	s.mu.Lock()
	names := make([]string, 0, len(s.temps))
	for name := range s.temps {
		names = append(names, name)
	}
	s.mu.Unlock()
	sort.Strings(names)

	var firstErr error
	for _, name := range names {
		err := s.call(ctx, "delete "+name, func(ctx context.Context) error {
			return wrapError("delete", s.bucket, name, s.client.api.Delete(ctx, s.bucket, name))
		})
		if err != nil && !storage.IsNotFound(err) {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		s.mu.Lock()
		delete(s.temps, name)
		s.mu.Unlock()
	}
	return firstErr
}
