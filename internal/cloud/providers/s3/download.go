package s3

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/rescale/cloudstore/internal/checksum"
	"github.com/rescale/cloudstore/internal/cloud"
	"github.com/rescale/cloudstore/internal/cloud/transfer"
	"github.com/rescale/cloudstore/internal/progress"
)

type downloadSession struct {
	client    *Client
	bucket    string
	key       string
	object    cloud.ObjectInfo
	plan      transfer.PartPlan
	versioned bool
	faults    *transfer.Faults
	digests   *transfer.Digests[[]byte]
}

// NewDownloadSession prepares ranged reads of an object already stat'ed by
// the caller.
func (c *Client) NewDownloadSession(ctx context.Context, req cloud.DownloadRequest) (cloud.DownloadSession, error) {
	return &downloadSession{
		client:    c,
		bucket:    req.Bucket,
		key:       req.Key,
		object:    req.Object,
		plan:      req.Plan,
		versioned: req.Versioned,
		faults:    req.Faults,
		digests:   transfer.NewDigests[[]byte](),
	}, nil
}

func (s *downloadSession) id() string {
	return s.bucket + "/" + s.key
}

// ReadPart GETs the part's byte range. The request is pinned to the stat'ed
// ETag so an object replaced mid-download fails instead of mixing versions.
func (s *downloadSession) ReadPart(ctx context.Context, part transfer.Part, consume func(io.Reader) error, sink progress.Sink) error {
	if err := s.faults.Hit(s.id()); err != nil {
		return err
	}

	if part.Size == 0 {
		if err := consume(bytes.NewReader(nil)); err != nil {
			return err
		}
		return s.digests.Put(part.Number, checksum.MD5(nil))
	}

	in := &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key),
		Range:  aws.String(fmt.Sprintf("bytes=%d-%d", part.Start, part.End)),
	}
	if s.object.ETag != "" {
		in.IfMatch = aws.String(`"` + s.object.ETag + `"`)
	}

	out, err := s.client.api.GetObject(ctx, in)
	if err != nil {
		return wrapError(fmt.Sprintf("download part %d", part.Number), s.bucket, s.key, err)
	}
	defer out.Body.Close()

	h := checksum.NewMD5Reader(progress.NewReader(out.Body, sink, progress.PartID(part.Number)))
	if err := consume(h); err != nil {
		return err
	}
	// consumers may stop at a cipher boundary; drain whatever is left
	if _, err := io.Copy(io.Discard, h); err != nil {
		return err
	}
	if h.BytesRead() != part.Size {
		return fmt.Errorf("download part %d: read %d of %d bytes: %w", part.Number, h.BytesRead(), part.Size, io.ErrUnexpectedEOF)
	}
	return s.digests.Put(part.Number, h.Sum())
}

// Validate compares the digest of part digests with the object ETag.
func (s *downloadSession) Validate(ctx context.Context) (string, error) {
	md5s, err := s.digests.Ordered(s.plan)
	if err != nil {
		return "", err
	}
	return checksum.VerifyDownloadETag(s.object.ETag, md5s, s.versioned)
}
