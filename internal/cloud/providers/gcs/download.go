package gcs

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/rescale/cloudstore/internal/checksum"
	"github.com/rescale/cloudstore/internal/cloud"
	"github.com/rescale/cloudstore/internal/cloud/transfer"
	"github.com/rescale/cloudstore/internal/progress"
)

type downloadSession struct {
	client  *Client
	bucket  string
	key     string
	object  cloud.ObjectInfo
	plan    transfer.PartPlan
	faults  *transfer.Faults
	digests *transfer.Digests[checksum.PartCRC]
}

// NewDownloadSession prepares ranged reads of an object already stat'ed by
// the caller. Reads are pinned to the stat'ed generation.
func (c *Client) NewDownloadSession(ctx context.Context, req cloud.DownloadRequest) (cloud.DownloadSession, error) {
	return &downloadSession{
		client:  c,
		bucket:  req.Bucket,
		key:     req.Key,
		object:  req.Object,
		plan:    req.Plan,
		faults:  req.Faults,
		digests: transfer.NewDigests[checksum.PartCRC](),
	}, nil
}

func (s *downloadSession) ReadPart(ctx context.Context, part transfer.Part, consume func(io.Reader) error, sink progress.Sink) error {
	if err := s.faults.Hit(s.bucket + "/" + s.key); err != nil {
		return err
	}

	if part.Size == 0 {
		if err := consume(bytes.NewReader(nil)); err != nil {
			return err
		}
		return s.digests.Put(part.Number, checksum.PartCRC{})
	}

	op := fmt.Sprintf("download part %d", part.Number)
	body, err := s.client.api.NewRangeReader(ctx, s.bucket, s.key, s.object.Generation, part.Start, part.Size)
	if err != nil {
		return wrapError(op, s.bucket, s.key, err)
	}
	defer body.Close()

	h := checksum.NewCRC32CReader(progress.NewReader(body, sink, progress.PartID(part.Number)))
	if err := consume(h); err != nil {
		return err
	}
	if _, err := io.Copy(io.Discard, h); err != nil {
		return wrapError(op, s.bucket, s.key, err)
	}
	if h.BytesRead() != part.Size {
		return fmt.Errorf("%s: read %d of %d bytes: %w", op, h.BytesRead(), part.Size, io.ErrUnexpectedEOF)
	}
	return s.digests.Put(part.Number, checksum.PartCRC{CRC: h.Sum32(), Length: part.Size})
}

// Validate folds the part CRCs and compares the result with the object CRC32C.
func (s *downloadSession) Validate(ctx context.Context) (string, error) {
	crcs, err := s.digests.Ordered(s.plan)
	if err != nil {
		return "", err
	}
	if !s.object.HasCRC32C {
		return "object has no crc32c", nil
	}
	return "", checksum.VerifyCRC32C("object crc32c", checksum.Fold(crcs), s.object.CRC32C)
}
