// Package s3 implements cloud.Backend over S3 multipart uploads and ranged
// GETs. It works against AWS and S3-compatible endpoints.
package s3

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awscreds "github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/rescale/cloudstore/internal/checksum"
	"github.com/rescale/cloudstore/internal/cloud"
	"github.com/rescale/cloudstore/internal/config"
	"github.com/rescale/cloudstore/internal/http"
	"github.com/rescale/cloudstore/internal/logging"
)

// Client is the S3 backend. Thread-safe: all operations may run concurrently.
type Client struct {
	api    API
	logger *logging.Logger
}

var _ cloud.Backend = (*Client)(nil)

// NewClient builds an S3 client from cfg, sharing the tuned HTTP transport.
//
// Credentials come from [s3] access_key_id/secret_access_key when set, are
// skipped entirely with anonymous = true, and otherwise follow the SDK
// default chain (environment, shared config, instance role).
func NewClient(ctx context.Context, cfg *config.Config, logger *logging.Logger) (*Client, error) {
	httpClient, err := http.CreateOptimizedClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP client: %w", err)
	}

	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.S3.Region),
		awsconfig.WithHTTPClient(httpClient),
		// retries are owned by the engine; a second layer would multiply attempts
		awsconfig.WithRetryMaxAttempts(1),
	}
	switch {
	case cfg.S3.Anonymous:
		opts = append(opts, awsconfig.WithCredentialsProvider(aws.AnonymousCredentials{}))
	case cfg.S3.AccessKeyID != "":
		opts = append(opts, awsconfig.WithCredentialsProvider(
			awscreds.NewStaticCredentialsProvider(cfg.S3.AccessKeyID, cfg.S3.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.S3.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.S3.Endpoint)
		}
		o.UsePathStyle = cfg.S3.PathStyle
		// part integrity is checked with Content-MD5 and ETags
		o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
		o.ResponseChecksumValidation = aws.ResponseChecksumValidationWhenRequired
	})

	return New(client, logger), nil
}

// New wraps an existing API implementation.
func New(api API, logger *logging.Logger) *Client {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Client{api: api, logger: logger}
}

// Scheme implements cloud.Backend.
func (c *Client) Scheme() string {
	return "s3"
}

// Stat implements cloud.Backend with HeadObject.
func (c *Client) Stat(ctx context.Context, bucket, key string) (cloud.ObjectInfo, error) {
	out, err := c.api.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return cloud.ObjectInfo{}, wrapError("stat", bucket, key, err)
	}
	return cloud.ObjectInfo{
		Bucket:   bucket,
		Key:      key,
		ETag:     checksum.NormalizeETag(aws.ToString(out.ETag)),
		Size:     aws.ToInt64(out.ContentLength),
		Metadata: out.Metadata,
	}, nil
}
