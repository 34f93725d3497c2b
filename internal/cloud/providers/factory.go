// Package providers selects the storage backend for an object URI.
package providers

import (
	"context"
	"fmt"
	"strings"

	"github.com/rescale/cloudstore/internal/cloud"
	"github.com/rescale/cloudstore/internal/cloud/providers/gcs"
	"github.com/rescale/cloudstore/internal/cloud/providers/s3"
	"github.com/rescale/cloudstore/internal/cloud/storage"
	"github.com/rescale/cloudstore/internal/config"
	"github.com/rescale/cloudstore/internal/logging"
)

// Location is a parsed object URI.
type Location struct {
	Scheme string
	Bucket string
	Key    string
}

// String renders the location back as a URI.
func (l Location) String() string {
	return l.Scheme + "://" + l.Bucket + "/" + l.Key
}

// ParseURI parses s3://bucket/key or gs://bucket/key. The key must name an
// object: it is required and must not end in "/".
func ParseURI(uri string) (Location, error) {
	scheme, rest, ok := strings.Cut(uri, "://")
	if !ok {
		return Location{}, storage.Usagef("invalid object URI %q: expected s3://bucket/key or gs://bucket/key", uri)
	}
	scheme = strings.ToLower(scheme)
	if scheme != "s3" && scheme != "gs" {
		return Location{}, storage.Usagef("unsupported URI scheme %q in %q", scheme, uri)
	}

	bucket, key, _ := strings.Cut(rest, "/")
	if bucket == "" {
		return Location{}, storage.Usagef("missing bucket in %q", uri)
	}
	if key == "" {
		return Location{}, storage.Usagef("missing object key in %q", uri)
	}
	if strings.HasSuffix(key, "/") {
		return Location{}, storage.Usagef("object key in %q must not end with /", uri)
	}
	return Location{Scheme: scheme, Bucket: bucket, Key: key}, nil
}

// ParsePrefixURI parses s3://bucket or s3://bucket/prefix. Unlike ParseURI
// the key part is optional and may end in "/".
func ParsePrefixURI(uri string) (Location, error) {
	scheme, rest, ok := strings.Cut(uri, "://")
	if !ok {
		return Location{}, storage.Usagef("invalid URI %q: expected s3://bucket[/prefix] or gs://bucket[/prefix]", uri)
	}
	scheme = strings.ToLower(scheme)
	if scheme != "s3" && scheme != "gs" {
		return Location{}, storage.Usagef("unsupported URI scheme %q in %q", scheme, uri)
	}
	bucket, prefix, _ := strings.Cut(rest, "/")
	if bucket == "" {
		return Location{}, storage.Usagef("missing bucket in %q", uri)
	}
	return Location{Scheme: scheme, Bucket: bucket, Key: prefix}, nil
}

// Factory creates backends from configuration.
type Factory struct {
	cfg    *config.Config
	logger *logging.Logger
}

// NewFactory creates a new provider factory.
func NewFactory(cfg *config.Config, logger *logging.Logger) *Factory {
	return &Factory{cfg: cfg, logger: logger}
}

// NewBackend creates the backend serving scheme ("s3" or "gs").
func (f *Factory) NewBackend(ctx context.Context, scheme string) (cloud.Backend, error) {
	switch scheme {
	case "s3":
		return s3.NewClient(ctx, f.cfg, f.logger)
	case "gs":
		return gcs.NewClient(ctx, f.cfg, f.logger)
	default:
		return nil, fmt.Errorf("unsupported storage scheme: %s", scheme)
	}
}
