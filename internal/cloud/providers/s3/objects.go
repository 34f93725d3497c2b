package s3

import (
	"context"
	"sort"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/rescale/cloudstore/internal/cloud"
)

var _ cloud.UploadLister = (*Client)(nil)

// Delete implements cloud.Backend. S3 reports success for keys that do not
// exist; callers that care stat first.
func (c *Client) Delete(ctx context.Context, bucket, key string) error {
	_, err := c.api.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	return wrapError("delete", bucket, key, err)
}

// ListPendingUploads pages through ListMultipartUploads.
func (c *Client) ListPendingUploads(ctx context.Context, bucket, prefix string, call cloud.Call) ([]cloud.PendingUpload, error) {
	var (
		pending   []cloud.PendingUpload
		keyMarker *string
		idMarker  *string
	)
	for {
		in := &s3.ListMultipartUploadsInput{
			Bucket:         aws.String(bucket),
			KeyMarker:      keyMarker,
			UploadIdMarker: idMarker,
		}
		if prefix != "" {
			in.Prefix = aws.String(prefix)
		}

		var out *s3.ListMultipartUploadsOutput
		err := call(ctx, "list multipart uploads", func(ctx context.Context) error {
			var err error
			out, err = c.api.ListMultipartUploads(ctx, in)
			return wrapError("list multipart uploads", bucket, prefix, err)
		})
		if err != nil {
			return nil, err
		}

		for _, u := range out.Uploads {
			pending = append(pending, cloud.PendingUpload{
				Bucket:    bucket,
				Key:       aws.ToString(u.Key),
				UploadID:  aws.ToString(u.UploadId),
				Initiated: aws.ToTime(u.Initiated),
			})
		}
		if !aws.ToBool(out.IsTruncated) {
			break
		}
		keyMarker, idMarker = out.NextKeyMarker, out.NextUploadIdMarker
	}

	sort.SliceStable(pending, func(i, j int) bool {
		return pending[i].Initiated.Before(pending[j].Initiated)
	})
	return pending, nil
}

// AbortPendingUpload implements cloud.UploadLister.
func (c *Client) AbortPendingUpload(ctx context.Context, upload cloud.PendingUpload) error {
	_, err := c.api.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(upload.Bucket),
		Key:      aws.String(upload.Key),
		UploadId: aws.String(upload.UploadID),
	})
	return wrapError("abort multipart upload", upload.Bucket, upload.Key, err)
}
