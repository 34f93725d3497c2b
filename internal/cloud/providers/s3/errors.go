package s3

import (
	"errors"
	"net/http"

	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/rescale/cloudstore/internal/cloud/storage"
)

// S3 error codes that are worth another attempt.
var transientCodes = map[string]bool{
	"InternalError":        true,
	"ServiceUnavailable":   true,
	"RequestTimeout":       true,
	"RequestTimeTooSkewed": true,
	"ExpiredToken":         true,
	"SlowDown":             true,
	"Throttling":           true,
}

var notFoundCodes = map[string]bool{
	"NotFound":     true,
	"NoSuchKey":    true,
	"NoSuchBucket": true,
	"NoSuchUpload": true,
}

// wrapError classifies an SDK error and attaches the transfer context.
// nil stays nil.
func wrapError(op, bucket, key string, err error) error {
	if err == nil {
		return nil
	}
	class, throttled := classify(err)
	return &storage.BackendError{
		Class:     class,
		Op:        op,
		Bucket:    bucket,
		Key:       key,
		Throttled: throttled,
		Err:       err,
	}
}

func classify(err error) (storage.Class, bool) {
	var notFound *types.NotFound
	var noSuchKey *types.NoSuchKey
	var noSuchUpload *types.NoSuchUpload
	if errors.As(err, &notFound) || errors.As(err, &noSuchKey) || errors.As(err, &noSuchUpload) {
		return storage.ClassNotFound, false
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		switch {
		case code == "SlowDown":
			return storage.ClassTransient, true
		case notFoundCodes[code]:
			return storage.ClassNotFound, false
		case transientCodes[code]:
			return storage.ClassTransient, false
		}
	}

	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) {
		status := respErr.HTTPStatusCode()
		switch {
		case status == http.StatusServiceUnavailable:
			// 503 without a parsed code is how some S3-compatible stores throttle
			return storage.ClassTransient, true
		case status == http.StatusNotFound:
			return storage.ClassNotFound, false
		case status >= 500, status == http.StatusRequestTimeout, status == http.StatusTooManyRequests:
			return storage.ClassTransient, false
		case status >= 400:
			return storage.ClassClient, false
		}
	}

	if apiErr != nil {
		switch apiErr.ErrorFault() {
		case smithy.FaultServer:
			return storage.ClassTransient, false
		case smithy.FaultClient:
			return storage.ClassClient, false
		}
	}

	return storage.Classify(err), false
}
