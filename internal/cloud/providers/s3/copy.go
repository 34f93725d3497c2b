package s3

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"net/url"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/rescale/cloudstore/internal/checksum"
	"github.com/rescale/cloudstore/internal/cloud"
	"github.com/rescale/cloudstore/internal/cloud/storage"
	"github.com/rescale/cloudstore/internal/cloud/transfer"
	"github.com/rescale/cloudstore/internal/constants"
)

type copySession struct {
	client    *Client
	src       cloud.ObjectInfo
	srcBucket string
	srcKey    string
	bucket    string
	key       string
	plan      transfer.PartPlan
	versioned bool
	meta      map[string]string
	faults    *transfer.Faults
	call      cloud.Call

	uploadID string
	digests  *transfer.Digests[partResult]
}

// NewCopySession starts a multipart upload on the destination whose parts
// are filled with UploadPartCopy. Keeping the source's part boundaries makes
// the destination ETag equal to the source's.
func (c *Client) NewCopySession(ctx context.Context, req cloud.CopyRequest) (cloud.CopySession, error) {
	if req.Plan.Count() > constants.MaxParts {
		return nil, storage.Usagef("%d parts exceed the S3 limit of %d", req.Plan.Count(), constants.MaxParts)
	}

	uploadID, err := c.create(ctx, req.Call, req.DstBucket, req.DstKey, req.Metadata)
	if err != nil {
		return nil, err
	}

	c.logger.Debug().
		Str("src", req.SrcBucket+"/"+req.SrcKey).
		Str("dst", req.DstBucket+"/"+req.DstKey).
		Str("upload_id", uploadID).
		Int("parts", req.Plan.Count()).
		Msg("started multipart copy")

	return &copySession{
		client:    c,
		src:       req.Source,
		srcBucket: req.SrcBucket,
		srcKey:    req.SrcKey,
		bucket:    req.DstBucket,
		key:       req.DstKey,
		plan:      req.Plan,
		versioned: req.Versioned,
		meta:      req.Metadata,
		faults:    req.Faults,
		call:      req.Call,
		uploadID:  uploadID,
		digests:   transfer.NewDigests[partResult](),
	}, nil
}

func (s *copySession) ID() string {
	return s.bucket + "/" + s.key
}

func (s *copySession) Parts() []transfer.Part {
	return s.plan.Parts
}

// CopySource renders bucket/key as the x-amz-copy-source value, escaping each
// key segment.
func CopySource(bucket, key string) string {
	segments := strings.Split(key, "/")
	for i, seg := range segments {
		segments[i] = url.PathEscape(seg)
	}
	return bucket + "/" + strings.Join(segments, "/")
}

// CopyPart copies the part's byte range, pinned to the source ETag. The
// returned part ETag is the MD5 of the copied bytes.
func (s *copySession) CopyPart(ctx context.Context, part transfer.Part) error {
	if err := s.faults.Hit(s.ID()); err != nil {
		return err
	}
	op := fmt.Sprintf("copy part %d", part.Number)

	if part.Size == 0 {
		// a range cannot be empty; an empty source becomes one empty part
		sum := md5.Sum(nil)
		out, err := s.client.api.UploadPart(ctx, &s3.UploadPartInput{
			Bucket:        aws.String(s.bucket),
			Key:           aws.String(s.key),
			UploadId:      aws.String(s.uploadID),
			PartNumber:    aws.Int32(int32(part.Number + 1)),
			Body:          bytes.NewReader(nil),
			ContentLength: aws.Int64(0),
			ContentMD5:    aws.String(base64.StdEncoding.EncodeToString(sum[:])),
		})
		if err != nil {
			return wrapError(op, s.bucket, s.key, err)
		}
		return s.digests.Put(part.Number, partResult{md5: sum[:], etag: aws.ToString(out.ETag)})
	}

	in := &s3.UploadPartCopyInput{
		Bucket:          aws.String(s.bucket),
		Key:             aws.String(s.key),
		UploadId:        aws.String(s.uploadID),
		PartNumber:      aws.Int32(int32(part.Number + 1)),
		CopySource:      aws.String(CopySource(s.srcBucket, s.srcKey)),
		CopySourceRange: aws.String(fmt.Sprintf("bytes=%d-%d", part.Start, part.End)),
	}
	if s.src.ETag != "" {
		in.CopySourceIfMatch = aws.String(`"` + s.src.ETag + `"`)
	}
	out, err := s.client.api.UploadPartCopy(ctx, in)
	if err != nil {
		return wrapError(op, s.bucket, s.key, err)
	}
	if out.CopyPartResult == nil {
		return wrapError(op, s.bucket, s.key, fmt.Errorf("response has no copy result"))
	}

	etag := aws.ToString(out.CopyPartResult.ETag)
	sum, err := hex.DecodeString(checksum.NormalizeETag(etag))
	if err != nil || len(sum) != md5.Size {
		return fmt.Errorf("%s: unexpected part etag %q", op, etag)
	}
	return s.digests.Put(part.Number, partResult{md5: sum, etag: etag})
}

// Finalize completes the destination, checks its ETag against the part
// digests, and checks the part digests against the source ETag.
func (s *copySession) Finalize(ctx context.Context) (cloud.ObjectInfo, string, error) {
	results, err := s.digests.Ordered(s.plan)
	if err != nil {
		return cloud.ObjectInfo{}, "", err
	}
	md5s := partMD5s(results)

	etag, err := s.client.complete(ctx, s.call, s.bucket, s.key, s.uploadID, results)
	if err != nil {
		return cloud.ObjectInfo{}, "", err
	}
	if err := checksum.VerifyUploadETag(etag, md5s); err != nil {
		return cloud.ObjectInfo{}, "", err
	}
	skip, err := checksum.VerifyDownloadETag(s.src.ETag, md5s, s.versioned)
	if err != nil {
		return cloud.ObjectInfo{}, "", err
	}

	return cloud.ObjectInfo{
		Bucket:   s.bucket,
		Key:      s.key,
		ETag:     checksum.NormalizeETag(etag),
		Size:     s.src.Size,
		Metadata: s.meta,
	}, skip, nil
}

// Abort discards the destination upload; the source is untouched.
func (s *copySession) Abort(ctx context.Context) error {
	return s.client.abort(ctx, s.call, s.bucket, s.key, s.uploadID)
}
