// Package gcs implements cloud.Backend over GCS object inserts, compose and
// ranged reads.
package gcs

import (
	"context"
	"fmt"
	nethttp "net/http"

	gstorage "cloud.google.com/go/storage"
	"google.golang.org/api/option"
	htransport "google.golang.org/api/transport/http"

	"github.com/rescale/cloudstore/internal/cloud"
	"github.com/rescale/cloudstore/internal/config"
	"github.com/rescale/cloudstore/internal/http"
	"github.com/rescale/cloudstore/internal/logging"
)

// Client is the GCS backend. Thread-safe: all operations may run concurrently.
type Client struct {
	api    API
	logger *logging.Logger
}

var _ cloud.Backend = (*Client)(nil)

// NewClient builds a GCS client from cfg on top of the tuned HTTP transport.
//
// Credentials come from [gcs] credentials_file when set, are skipped with
// anonymous = true, and otherwise follow Application Default Credentials.
func NewClient(ctx context.Context, cfg *config.Config, logger *logging.Logger) (*Client, error) {
	httpClient, err := http.CreateOptimizedClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP client: %w", err)
	}

	var opts []option.ClientOption
	if cfg.GCS.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(cfg.GCS.Endpoint))
	}

	if cfg.GCS.Anonymous {
		opts = append(opts, option.WithoutAuthentication(), option.WithHTTPClient(httpClient))
	} else {
		authOpts := []option.ClientOption{option.WithScopes(gstorage.ScopeReadWrite)}
		if cfg.GCS.CredentialsFile != "" {
			authOpts = append(authOpts, option.WithCredentialsFile(cfg.GCS.CredentialsFile))
		}
		transport, err := htransport.NewTransport(ctx, httpClient.Transport, authOpts...)
		if err != nil {
			return nil, fmt.Errorf("failed to load GCS credentials: %w", err)
		}
		opts = append(opts, option.WithHTTPClient(&nethttp.Client{Transport: transport}))
	}

	client, err := gstorage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS client: %w", err)
	}
	// retries are owned by the engine
	client.SetRetry(gstorage.WithPolicy(gstorage.RetryNever))

	return New(&clientAPI{client: client}, logger), nil
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
	return "gs"
}

// Stat implements cloud.Backend.
func (c *Client) Stat(ctx context.Context, bucket, key string) (cloud.ObjectInfo, error) {
	attrs, err := c.api.Attrs(ctx, bucket, key)
	if err != nil {
		return cloud.ObjectInfo{}, wrapError("stat", bucket, key, err)
	}
	return objectInfo(bucket, attrs), nil
}

func objectInfo(bucket string, attrs *gstorage.ObjectAttrs) cloud.ObjectInfo {
	return cloud.ObjectInfo{
		Bucket:     bucket,
		Key:        attrs.Name,
		ETag:       attrs.Etag,
		Size:       attrs.Size,
		Metadata:   attrs.Metadata,
		CRC32C:     attrs.CRC32C,
		HasCRC32C:  true,
		Generation: attrs.Generation,
	}
}
