package s3

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/base64"
	"encoding/hex"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/rescale/cloudstore/internal/checksum"
	"github.com/rescale/cloudstore/internal/cloud"
	"github.com/rescale/cloudstore/internal/cloud/storage"
	"github.com/rescale/cloudstore/internal/cloud/transfer"
	"github.com/rescale/cloudstore/internal/constants"
	"github.com/rescale/cloudstore/internal/progress"
	"github.com/rescale/cloudstore/internal/util/buffers"
)

// partResult is the digest recorded for each uploaded part.
type partResult struct {
	md5  []byte
	etag string
}

type uploadSession struct {
	client *Client
	bucket string
	key    string
	plan   transfer.PartPlan
	meta   map[string]string
	faults *transfer.Faults
	call   cloud.Call

	uploadID string
	digests  *transfer.Digests[partResult]
	pool     *buffers.Pool
}

// NewUploadSession starts a multipart upload. The object metadata is attached
// at creation; S3 applies it when the upload completes.
func (c *Client) NewUploadSession(ctx context.Context, req cloud.UploadRequest) (cloud.UploadSession, error) {
	if req.Plan.Count() > constants.MaxParts {
		return nil, storage.Usagef("%d parts exceed the S3 limit of %d", req.Plan.Count(), constants.MaxParts)
	}

	uploadID, err := c.create(ctx, req.Call, req.Bucket, req.Key, req.Metadata)
	if err != nil {
		return nil, err
	}

	s := &uploadSession{
		client:   c,
		bucket:   req.Bucket,
		key:      req.Key,
		plan:     req.Plan,
		meta:     req.Metadata,
		faults:   req.Faults,
		call:     req.Call,
		uploadID: uploadID,
		digests:  transfer.NewDigests[partResult](),
		pool:     buffers.NewPool(int(maxPartSize(req.Plan))),
	}
	c.logger.Debug().
		Str("bucket", req.Bucket).
		Str("key", req.Key).
		Str("upload_id", s.uploadID).
		Int("parts", req.Plan.Count()).
		Msg("started multipart upload")
	return s, nil
}

// create starts a multipart upload carrying metadata and returns its id.
func (c *Client) create(ctx context.Context, call cloud.Call, bucket, key string, metadata map[string]string) (string, error) {
	var out *s3.CreateMultipartUploadOutput
	err := call(ctx, "create multipart upload", func(ctx context.Context) error {
		var err error
		out, err = c.api.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
			Bucket:   aws.String(bucket),
			Key:      aws.String(key),
			Metadata: metadata,
		})
		return wrapError("create multipart upload", bucket, key, err)
	})
	if err != nil {
		return "", err
	}
	return aws.ToString(out.UploadId), nil
}

func maxPartSize(plan transfer.PartPlan) int64 {
	var max int64
	for _, p := range plan.Parts {
		if p.Size > max {
			max = p.Size
		}
	}
	return max
}

// ID is bucket/key; the server-assigned upload id is only logged.
func (s *uploadSession) ID() string {
	return s.bucket + "/" + s.key
}

// TransferPart buffers the part, uploads it with Content-MD5 and checks the
// returned ETag against the local digest.
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
	sum := md5.Sum(data)

	op := fmt.Sprintf("upload part %d", part.Number)
	out, err := s.client.api.UploadPart(ctx, &s3.UploadPartInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(s.key),
		UploadId:      aws.String(s.uploadID),
		PartNumber:    aws.Int32(int32(part.Number + 1)),
		Body:          progress.NewSeekReader(bytes.NewReader(data), sink, progress.PartID(part.Number)),
		ContentLength: aws.Int64(part.Size),
		ContentMD5:    aws.String(base64.StdEncoding.EncodeToString(sum[:])),
	})
	if err != nil {
		return wrapError(op, s.bucket, s.key, err)
	}

	local := hex.EncodeToString(sum[:])
	returned := checksum.NormalizeETag(aws.ToString(out.ETag))
	if returned != local {
		return &storage.IntegrityError{
			What:       fmt.Sprintf("part %d etag", part.Number),
			Calculated: local,
			Expected:   returned,
		}
	}
	return s.digests.Put(part.Number, partResult{md5: sum[:], etag: aws.ToString(out.ETag)})
}

// Finalize completes the upload and checks the composite ETag.
func (s *uploadSession) Finalize(ctx context.Context) (cloud.ObjectInfo, error) {
	results, err := s.digests.Ordered(s.plan)
	if err != nil {
		return cloud.ObjectInfo{}, err
	}

	etag, err := s.client.complete(ctx, s.call, s.bucket, s.key, s.uploadID, results)
	if err != nil {
		return cloud.ObjectInfo{}, err
	}
	if err := checksum.VerifyUploadETag(etag, partMD5s(results)); err != nil {
		return cloud.ObjectInfo{}, err
	}

	return cloud.ObjectInfo{
		Bucket:   s.bucket,
		Key:      s.key,
		ETag:     checksum.NormalizeETag(etag),
		Size:     s.plan.BackendLength(),
		Metadata: s.meta,
	}, nil
}

// Abort discards the multipart upload and every part stored under it.
func (s *uploadSession) Abort(ctx context.Context) error {
	return s.client.abort(ctx, s.call, s.bucket, s.key, s.uploadID)
}

func partMD5s(results []partResult) [][]byte {
	md5s := make([][]byte, len(results))
	for i, r := range results {
		md5s[i] = r.md5
	}
	return md5s
}

// complete finishes uploadID with results in part order and returns the
// ETag S3 assigned.
func (c *Client) complete(ctx context.Context, call cloud.Call, bucket, key, uploadID string, results []partResult) (string, error) {
	completed := make([]types.CompletedPart, len(results))
	for i, r := range results {
		completed[i] = types.CompletedPart{
			ETag:       aws.String(r.etag),
			PartNumber: aws.Int32(int32(i + 1)),
		}
	}

	var out *s3.CompleteMultipartUploadOutput
	err := call(ctx, "complete multipart upload", func(ctx context.Context) error {
		var err error
		out, err = c.api.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
			Bucket:          aws.String(bucket),
			Key:             aws.String(key),
			UploadId:        aws.String(uploadID),
			MultipartUpload: &types.CompletedMultipartUpload{Parts: completed},
		})
		return wrapError("complete multipart upload", bucket, key, err)
	})
	if err != nil {
		return "", err
	}
	return aws.ToString(out.ETag), nil
}

// abort discards uploadID. An upload that is already gone is not an error.
func (c *Client) abort(ctx context.Context, call cloud.Call, bucket, key, uploadID string) error {
	err := call(ctx, "abort multipart upload", func(ctx context.Context) error {
		_, err := c.api.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
			Bucket:   aws.String(bucket),
			Key:      aws.String(key),
			UploadId: aws.String(uploadID),
		})
		return wrapError("abort multipart upload", bucket, key, err)
	})
	if storage.IsNotFound(err) {
		// already gone
		return nil
	}
	return err
}
