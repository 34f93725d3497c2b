package upload

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rescale/cloudstore/internal/cloud/providers/gcs"
	"github.com/rescale/cloudstore/internal/cloud/providers/gcs/gcstest"
	"github.com/rescale/cloudstore/internal/cloud/providers/s3"
	"github.com/rescale/cloudstore/internal/cloud/providers/s3/s3test"
	"github.com/rescale/cloudstore/internal/cloud/storage"
	"github.com/rescale/cloudstore/internal/cloud/transfer"
	"github.com/rescale/cloudstore/internal/constants"
	encryption "github.com/rescale/cloudstore/internal/crypto"
	"github.com/rescale/cloudstore/internal/http"
	"github.com/rescale/cloudstore/internal/progress"
	"github.com/rescale/cloudstore/internal/resources"
)

func fastRetry(attempts int) http.Config {
	return http.Config{MaxAttempts: attempts, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond}
}

func testResources() *resources.Manager {
	return resources.NewManager(resources.Config{APIConcurrency: 4, InternalConcurrency: 8, MemoryBudget: 64 << 20})
}

func writeFile(t *testing.T, size int) (string, []byte) {
	t.Helper()
	data := make([]byte, size)
	_, err := rand.Read(data)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "source.bin")
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path, data
}

var (
	keyOnce sync.Once
	keys    []*rsa.PrivateKey
)

func recipients(t *testing.T, n int) []encryption.Recipient {
	t.Helper()
	keyOnce.Do(func() {
		for i := 0; i < constants.MaxRecipients+1; i++ {
			k, err := rsa.GenerateKey(rand.Reader, 1024)
			if err != nil {
				panic(err)
			}
			keys = append(keys, k)
		}
	})
	out := make([]encryption.Recipient, n)
	for i := range out {
		out[i] = encryption.Recipient{Name: "key" + strconv.Itoa(i), Key: &keys[i].PublicKey}
	}
	return out
}

func s3Options(fake *s3test.Fake, path string) Options {
	return Options{
		LocalPath: path,
		Backend:   s3.New(fake, nil),
		Bucket:    "bucket",
		Key:       "dir/object.bin",
		ChunkSize: 1000,
		Resources: testResources(),
		Retry:     fastRetry(3),
	}
}

func TestUpload_S3Plaintext(t *testing.T) {
	fake := s3test.New()
	path, data := writeFile(t, 3500)
	counter := progress.NewCounter()

	opts := s3Options(fake, path)
	opts.Progress = counter
	info, err := Upload(context.Background(), opts)
	require.NoError(t, err)
	assert.Regexp(t, `-4$`, info.ETag)

	obj, ok := fake.Object("bucket", "dir/object.bin")
	require.True(t, ok)
	assert.Equal(t, data, obj.Data)
	assert.Equal(t, int64(len(data)), counter.Total())

	meta, versioned, err := transfer.ParseMetadata(obj.Metadata)
	require.NoError(t, err)
	assert.True(t, versioned)
	assert.Equal(t, int64(1000), meta.ChunkSize)
	assert.Equal(t, int64(3500), meta.FileLength)
	assert.False(t, meta.Encrypted())
}

func TestUpload_S3Encrypted(t *testing.T) {
	fake := s3test.New()
	path, data := writeFile(t, 2500)

	opts := s3Options(fake, path)
	opts.Recipients = recipients(t, 2)
	_, err := Upload(context.Background(), opts)
	require.NoError(t, err)

	obj, _ := fake.Object("bucket", "dir/object.bin")
	plan, _ := transfer.NewPartPlan(2500, 1000, true)
	assert.Equal(t, plan.BackendLength(), int64(len(obj.Data)))
	assert.False(t, bytes.Contains(obj.Data, data[:64]), "object must not contain plaintext")

	meta, _, err := transfer.ParseMetadata(obj.Metadata)
	require.NoError(t, err)
	assert.Equal(t, []string{"key0", "key1"}, meta.KeyNames)
	assert.Len(t, meta.WrappedKeys, 2)
	assert.Len(t, meta.PubKeyHashes, 2)
}

func TestUpload_EmptyFile(t *testing.T) {
	fake := s3test.New()
	path, _ := writeFile(t, 0)

	_, err := Upload(context.Background(), s3Options(fake, path))
	require.NoError(t, err)
	obj, ok := fake.Object("bucket", "dir/object.bin")
	require.True(t, ok)
	assert.Empty(t, obj.Data)
}

func TestUpload_Guards(t *testing.T) {
	path, _ := writeFile(t, 10)

	tests := []struct {
		name   string
		modify func(*Options)
	}{
		{"missing file", func(o *Options) { o.LocalPath = filepath.Join(t.TempDir(), "nope") }},
		{"directory", func(o *Options) { o.LocalPath = t.TempDir() }},
		{"key ends with slash", func(o *Options) { o.Key = "dir/" }},
		{"empty key", func(o *Options) { o.Key = "" }},
		{"too many recipients", func(o *Options) { o.Recipients = recipients(t, constants.MaxRecipients+1) }},
		{"negative chunk", func(o *Options) { o.ChunkSize = -1 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := s3test.New()
			opts := s3Options(fake, path)
			tt.modify(&opts)

			_, err := Upload(context.Background(), opts)
			assert.True(t, storage.IsUsageError(err), "got %v", err)
			assert.Equal(t, 0, fake.Calls(s3test.OpCreate))
		})
	}
}

func TestUpload_TransientErrorsRetried(t *testing.T) {
	fake := s3test.New()
	fake.FailNext(s3test.OpUpload, 2, s3test.ErrInternal())
	path, data := writeFile(t, 3000)

	_, err := Upload(context.Background(), s3Options(fake, path))
	require.NoError(t, err)
	assert.Equal(t, 5, fake.Calls(s3test.OpUpload))

	obj, _ := fake.Object("bucket", "dir/object.bin")
	assert.Equal(t, data, obj.Data)
}

func TestUpload_FaultInjectionRetried(t *testing.T) {
	path, data := writeFile(t, 3000)

	// reference upload without faults
	plain := s3test.New()
	_, err := Upload(context.Background(), s3Options(plain, path))
	require.NoError(t, err)
	want, _ := plain.Object("bucket", "dir/object.bin")

	fake := s3test.New()
	faults := transfer.NewFaults()
	faults.Set("bucket/dir/object.bin", 1)
	opts := s3Options(fake, path)
	opts.Faults = faults

	_, err = Upload(context.Background(), opts)
	require.NoError(t, err)
	assert.Equal(t, 0, faults.Pending("bucket/dir/object.bin"))

	got, _ := fake.Object("bucket", "dir/object.bin")
	assert.Equal(t, data, got.Data)
	assert.Equal(t, want.Data, got.Data)
	assert.Equal(t, want.ETag, got.ETag)
}

// Faults are armed on bucket/key before the upload exists, so the countdown
// must fire on both backends without knowing any server-assigned id.
func TestUpload_FaultArmedBeforeUpload(t *testing.T) {
	path, data := writeFile(t, 3000)

	backends := map[string]func() (Options, func() []byte){
		"s3": func() (Options, func() []byte) {
			fake := s3test.New()
			return s3Options(fake, path), func() []byte {
				obj, _ := fake.Object("bucket", "dir/object.bin")
				return obj.Data
			}
		},
		"gs": func() (Options, func() []byte) {
			fake := gcstest.New()
			opts := Options{
				LocalPath: path,
				Backend:   gcs.New(fake, nil),
				Bucket:    "bucket",
				Key:       "dir/object.bin",
				ChunkSize: 1000,
				Resources: testResources(),
				Retry:     fastRetry(3),
			}
			return opts, func() []byte {
				obj, _ := fake.Object("bucket", "dir/object.bin")
				return obj.Data
			}
		},
	}

	for name, setup := range backends {
		t.Run(name, func(t *testing.T) {
			faults := transfer.NewFaults()
			faults.Set("bucket/dir/object.bin", 2)
			opts, stored := setup()
			opts.Faults = faults

			_, err := Upload(context.Background(), opts)
			require.NoError(t, err)
			assert.Equal(t, 0, faults.Pending("bucket/dir/object.bin"), "fault must fire and be retried")
			assert.Equal(t, data, stored())
		})
	}
}

func TestUpload_FaultExhaustsRetries(t *testing.T) {
	fake := s3test.New()
	path, _ := writeFile(t, 1000)
	faults := transfer.NewFaults()
	faults.Set("bucket/dir/object.bin", 1)

	opts := s3Options(fake, path)
	opts.Faults = faults
	opts.Retry = fastRetry(1)
	_, err := Upload(context.Background(), opts)

	var fault *storage.FaultInjectionError
	require.ErrorAs(t, err, &fault)
	assert.Equal(t, "bucket/dir/object.bin", fault.ID)
	assert.Empty(t, fake.PendingUploads(), "faulted upload must be aborted")
}

func TestUpload_FailureAbortsS3(t *testing.T) {
	fake := s3test.New()
	path, _ := writeFile(t, 5000)

	var mu sync.Mutex
	uploaded := 0
	fake.OnUploadPart = func(string, int32) {
		mu.Lock()
		defer mu.Unlock()
		uploaded++
		// two parts land, the third is rejected
		if uploaded == 3 {
			fake.FailNext(s3test.OpUpload, 100, s3test.ErrAccessDenied())
		}
	}

	opts := s3Options(fake, path)
	opts.Resources = resources.NewManager(resources.Config{APIConcurrency: 1, InternalConcurrency: 1, MemoryBudget: 64 << 20})
	_, err := Upload(context.Background(), opts)

	var be *storage.BackendError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, storage.ClassClient, be.Class)
	assert.Empty(t, fake.PendingUploads(), "multipart upload must be aborted")
	_, exists := fake.Object("bucket", "dir/object.bin")
	assert.False(t, exists)
	assert.Equal(t, 3, fake.Calls(s3test.OpUpload), "remaining parts must be cancelled")
}

func TestUpload_GCSComposeTree(t *testing.T) {
	fake := gcstest.New()
	path, data := writeFile(t, 70)

	info, err := Upload(context.Background(), Options{
		LocalPath: path,
		Backend:   gcs.New(fake, nil),
		Bucket:    "bucket",
		Key:       "big.bin",
		ChunkSize: 1,
		Resources: testResources(),
		Retry:     fastRetry(3),
	})
	require.NoError(t, err)
	assert.True(t, info.HasCRC32C)

	// 70 parts: 3 composes at level 0 and one at level 1
	assert.Equal(t, 4, fake.Calls(gcstest.OpCompose))
	assert.Equal(t, []string{"big.bin"}, fake.Names("bucket"))
	obj, _ := fake.Object("bucket", "big.bin")
	assert.Equal(t, data, obj.Data)
}

func TestUpload_GCSChunkCapped(t *testing.T) {
	fake := gcstest.New()
	path, _ := writeFile(t, 10)

	_, err := Upload(context.Background(), Options{
		LocalPath: path,
		Backend:   gcs.New(fake, nil),
		Bucket:    "bucket",
		Key:       "k",
		ChunkSize: constants.MaxGCSChunkSize * 2,
		Resources: testResources(),
	})
	require.NoError(t, err)

	obj, _ := fake.Object("bucket", "k")
	meta, _, err := transfer.ParseMetadata(obj.Metadata)
	require.NoError(t, err)
	assert.Equal(t, int64(constants.MaxGCSChunkSize), meta.ChunkSize)
}

func TestUpload_FailureAbortsGCS(t *testing.T) {
	fake := gcstest.New()
	path, _ := writeFile(t, 50)
	fake.FailNext(gcstest.OpCompose, 1, gcstest.ErrForbidden())

	_, err := Upload(context.Background(), Options{
		LocalPath: path,
		Backend:   gcs.New(fake, nil),
		Bucket:    "bucket",
		Key:       "k",
		ChunkSize: 10,
		Resources: testResources(),
		Retry:     fastRetry(3),
	})
	assert.Equal(t, storage.ClassClient, storage.Classify(err))
	assert.Empty(t, fake.Names("bucket"), "temp objects must be deleted")
}

func TestUpload_Cancelled(t *testing.T) {
	fake := s3test.New()
	path, _ := writeFile(t, 3000)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Upload(ctx, s3Options(fake, path))
	assert.ErrorIs(t, err, context.Canceled)
}
