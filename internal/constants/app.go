package constants

import (
	"time"
)

// Part sizing
const (
	// DefaultChunkSize - starting chunk size for uploads and downloads (5 MiB)
	// Grown by ChunkGrowthFactor until the part count fits under MaxParts.
	DefaultChunkSize = 5 * 1024 * 1024

	// MaxParts - hard part-count ceiling enforced by S3 multipart uploads.
	// Auto-selected chunk sizes always keep the part count strictly below it.
	MaxParts = 10000

	// ChunkGrowthFactor - multiplier applied to the chunk size while too many parts remain
	ChunkGrowthFactor = 1.5

	// MaxGCSChunkSize - cap on GCS part objects (10,000,000 bytes)
	// Larger single-part inserts were observed to report inconsistent CRC32C values.
	MaxGCSChunkSize = 10000000

	// CipherBlockSize - AES block size; also the inline IV length
	CipherBlockSize = 16
)

// GCS compose
const (
	// MaxComposeSources - maximum number of source objects accepted by one compose call
	MaxComposeSources = 32
)

// Retry configuration
const (
	// MaxAttempts - default attempts per operation before the error is surfaced
	MaxAttempts = 15

	// RetryInitialDelay - first backoff delay (300ms)
	RetryInitialDelay = 300 * time.Millisecond

	// RetryMaxDelay - upper bound for a single backoff delay (20s)
	RetryMaxDelay = 20 * time.Second

	// ThrottleInitialDelay - backoff base used when S3 answers SlowDown
	ThrottleInitialDelay = 10 * time.Second

	// ThrottleMaxDelay - cap for SlowDown backoff
	ThrottleMaxDelay = 10 * time.Minute
)

// Worker pools
const (
	// DefaultAPIConcurrency - parallel backend API calls; also the effective part concurrency
	DefaultAPIConcurrency = 10

	// DefaultInternalConcurrency - orchestration tasks (file I/O, encryption, retry scheduling)
	DefaultInternalConcurrency = 50

	// MemoryBudgetFraction - share of available memory part buffers may occupy
	MemoryBudgetFraction = 0.5
)

// Encryption envelope
const (
	// MaxRecipients - maximum number of public keys an object can be encrypted for
	MaxRecipients = 4

	// PubKeyHashLength - characters kept from base64(sha256(public key))
	PubKeyHashLength = 8

	// RSAKeyBits - size of keys written by keygen
	RSAKeyBits = 2048
)

// Object metadata
const (
	// FormatVersion - value written to MetaVersion; the only value downloads accept
	FormatVersion = "0.2"

	MetaVersion      = "s3tool-version"
	MetaChunkSize    = "s3tool-chunk-size"
	MetaFileLength   = "s3tool-file-length"
	MetaKeyName      = "s3tool-key-name"
	MetaSymmetricKey = "s3tool-symmetric-key"
	MetaPubKeyHash   = "s3tool-pubkey-hash"
)

// HTTP Client Timeouts
const (
	// HTTPIdleConnTimeout - how long to keep idle connections open (90 seconds)
	HTTPIdleConnTimeout = 90 * time.Second

	// HTTPTLSHandshakeTimeout - timeout for TLS handshake (60 seconds)
	HTTPTLSHandshakeTimeout = 60 * time.Second

	// HTTPExpectContinueTimeout - timeout for 100-continue response (1 second)
	HTTPExpectContinueTimeout = 1 * time.Second

	// HTTPDialTimeout - timeout for establishing connection (30 seconds)
	HTTPDialTimeout = 30 * time.Second

	// HTTPDialKeepAlive - keep-alive period for dialer (30 seconds)
	HTTPDialKeepAlive = 30 * time.Second
)

// Progress display
const (
	// ProgressRefreshInterval - redraw rate for terminal progress bars
	ProgressRefreshInterval = 300 * time.Millisecond
)
