package gcs

import (
	"errors"
	"net/http"

	gstorage "cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"

	"github.com/rescale/cloudstore/internal/cloud/storage"
)

// wrapError classifies a GCS error and attaches the transfer context.
// nil stays nil.
func wrapError(op, bucket, key string, err error) error {
	if err == nil {
		return nil
	}
	return &storage.BackendError{
		Class:  classify(err),
		Op:     op,
		Bucket: bucket,
		Key:    key,
		Err:    err,
	}
}

func classify(err error) storage.Class {
	if errors.Is(err, gstorage.ErrObjectNotExist) || errors.Is(err, gstorage.ErrBucketNotExist) {
		return storage.ClassNotFound
	}

	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch code := apiErr.Code; {
		case code == http.StatusNotFound:
			return storage.ClassNotFound
		case code == http.StatusTooManyRequests, code == http.StatusRequestTimeout, code >= 500:
			return storage.ClassTransient
		case code >= 400:
			return storage.ClassClient
		}
	}

	return storage.Classify(err)
}
