package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Common storage operation errors
var (
	// ErrChecksumMismatch indicates file integrity check failed
	ErrChecksumMismatch = errors.New("checksum mismatch")
	// ErrDecryptionFailed indicates decryption operation failed
	ErrDecryptionFailed = errors.New("decryption failed")
	// ErrIncompleteTransfer indicates finalize was reached without a digest for every planned part
	ErrIncompleteTransfer = errors.New("incomplete transfer")
)

// Class is the closed classification backend adapters assign to their errors.
// The retry policy only ever looks at the class, never at SDK error types.
type Class int

const (
	// ClassFatal is anything that must not be retried (default for unknown errors)
	ClassFatal Class = iota
	// ClassTransient covers server faults, throttling and network faults
	ClassTransient
	// ClassClient covers 4xx responses other than not-found
	ClassClient
	// ClassNotFound means the object or bucket does not exist
	ClassNotFound
)

// String returns a human-readable name for a Class
func (c Class) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassClient:
		return "client"
	case ClassNotFound:
		return "not-found"
	default:
		return "fatal"
	}
}

// UsageError reports a violated precondition: missing object, existing
// destination, bad option, unsupported key count. Never retried.
type UsageError struct {
	Msg string
}

func (e *UsageError) Error() string { return e.Msg }

// Usagef builds a UsageError from a format string.
func Usagef(format string, args ...interface{}) error {
	return &UsageError{Msg: fmt.Sprintf(format, args...)}
}

// BackendError wraps an error returned by a storage backend together with the
// transfer context it happened in.
type BackendError struct {
	Class  Class
	Op     string // operation description, e.g. "upload part 3"
	Bucket string
	Key    string
	// Throttled marks S3 SlowDown responses, which get a longer backoff.
	Throttled bool
	Err       error
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("%s %s/%s: %v", e.Op, e.Bucket, e.Key, e.Err)
}

func (e *BackendError) Unwrap() error { return e.Err }

// IntegrityError reports a checksum or ETag mismatch. Always fatal.
type IntegrityError struct {
	What       string
	Calculated string
	Expected   string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("%s: %s. Calculated: %s, Expected: %s", e.What, ErrChecksumMismatch, e.Calculated, e.Expected)
}

func (e *IntegrityError) Unwrap() error { return ErrChecksumMismatch }

// FaultInjectionError is raised by the fault hook. It retries like a transient error.
type FaultInjectionError struct {
	ID string
}

func (e *FaultInjectionError) Error() string {
	return fmt.Sprintf("forced abort for transfer %s", e.ID)
}

// Classify maps any error produced by the engine onto a Class.
// Errors that carry no class of their own fall back to string inspection of
// network failures; everything else is fatal.
func Classify(err error) Class {
	if err == nil {
		return ClassFatal
	}

	var usage *UsageError
	var integrity *IntegrityError
	var fault *FaultInjectionError
	var backend *BackendError

	switch {
	case errors.As(err, &usage), errors.As(err, &integrity):
		return ClassFatal
	case errors.As(err, &fault):
		return ClassTransient
	case errors.As(err, &backend):
		return backend.Class
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return ClassFatal
	case IsNetworkError(err):
		return ClassTransient
	}
	return ClassFatal
}

// IsUsageError reports whether err is (or wraps) a UsageError.
func IsUsageError(err error) bool {
	var usage *UsageError
	return errors.As(err, &usage)
}

// IsNotFound reports whether err was classified as not-found by a backend.
func IsNotFound(err error) bool {
	var backend *BackendError
	return errors.As(err, &backend) && backend.Class == ClassNotFound
}

// IsNetworkError checks if an error is network-related
// Useful for determining if an operation should be retried
func IsNetworkError(err error) bool {
	if err == nil {
		return false
	}

	errStr := strings.ToLower(err.Error())

	networkIndicators := []string{
		"connection",    // connection refused, connection reset, etc.
		"timeout",       // i/o timeout, dial timeout, etc.
		"network",       // network unreachable, network error, etc.
		"eof",           // unexpected EOF
		"broken pipe",   // broken pipe
		"tls handshake", // TLS handshake errors
	}

	for _, indicator := range networkIndicators {
		if strings.Contains(errStr, indicator) {
			return true
		}
	}

	return false
}
