package cloud

import (
	"context"

	"github.com/rescale/cloudstore/internal/cloud/storage"
	"github.com/rescale/cloudstore/internal/http"
	"github.com/rescale/cloudstore/internal/resources"
)

// NewCall returns a Call that retries under cfg and holds one API slot of mgr
// per attempt. Backoff sleeps happen outside the slot.
func NewCall(mgr *resources.Manager, cfg http.Config) Call {
	return func(ctx context.Context, op string, fn func(ctx context.Context) error) error {
		return http.Execute(ctx, op, cfg, func(ctx context.Context) error {
			return mgr.API(ctx, fn)
		})
	}
}

// Stat stats bucket/key through call. A missing object is a usage error
// naming its URI.
func Stat(ctx context.Context, call Call, backend Backend, bucket, key string) (ObjectInfo, error) {
	var info ObjectInfo
	err := call(ctx, "stat", func(ctx context.Context) error {
		var err error
		info, err = backend.Stat(ctx, bucket, key)
		return err
	})
	if storage.IsNotFound(err) {
		return ObjectInfo{}, storage.Usagef("Object not found at %s", URI(backend, bucket, key))
	}
	return info, err
}

// URI renders bucket/key under the backend's scheme.
func URI(backend Backend, bucket, key string) string {
	return backend.Scheme() + "://" + bucket + "/" + key
}
