package copy

import (
	"context"
	"crypto/rand"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rescale/cloudstore/internal/cloud"
	"github.com/rescale/cloudstore/internal/cloud/download"
	"github.com/rescale/cloudstore/internal/cloud/providers/gcs"
	"github.com/rescale/cloudstore/internal/cloud/providers/gcs/gcstest"
	"github.com/rescale/cloudstore/internal/cloud/providers/s3"
	"github.com/rescale/cloudstore/internal/cloud/providers/s3/s3test"
	"github.com/rescale/cloudstore/internal/cloud/storage"
	"github.com/rescale/cloudstore/internal/cloud/transfer"
	"github.com/rescale/cloudstore/internal/cloud/upload"
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

// put uploads size random bytes to bucket/key and returns them.
func put(t *testing.T, backend cloud.Backend, key string, size int, chunk int64, recipients []encryption.Recipient) []byte {
	t.Helper()
	data := make([]byte, size)
	_, err := rand.Read(data)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "source.bin")
	require.NoError(t, os.WriteFile(path, data, 0o644))

	_, err = upload.Upload(context.Background(), upload.Options{
		LocalPath:  path,
		Backend:    backend,
		Bucket:     "bucket",
		Key:        key,
		ChunkSize:  chunk,
		Recipients: recipients,
		Resources:  testResources(),
		Retry:      fastRetry(3),
	})
	require.NoError(t, err)
	return data
}

// fetch downloads bucket/key and returns its plaintext.
func fetch(t *testing.T, backend cloud.Backend, key string, keys encryption.KeyProvider) ([]byte, error) {
	t.Helper()
	dest := filepath.Join(t.TempDir(), "out.bin")
	_, err := download.Download(context.Background(), download.Options{
		Backend:   backend,
		Bucket:    "bucket",
		Key:       key,
		LocalPath: dest,
		Keys:      keys,
		Resources: testResources(),
		Retry:     fastRetry(3),
	})
	if err != nil {
		return nil, err
	}
	return os.ReadFile(dest)
}

func options(backend cloud.Backend, src, dst string) Options {
	return Options{
		Backend:   backend,
		SrcBucket: "bucket",
		SrcKey:    src,
		DstBucket: "bucket",
		DstKey:    dst,
		Resources: testResources(),
		Retry:     fastRetry(3),
	}
}

// keyDirs generates a key pair per alias in one directory and returns it
// together with a directory per alias holding only that alias's pair.
func keyDirs(t *testing.T, aliases ...string) (*encryption.DirectoryKeyProvider, map[string]*encryption.DirectoryKeyProvider) {
	t.Helper()
	all := encryption.NewDirectoryKeyProvider(t.TempDir())
	single := make(map[string]*encryption.DirectoryKeyProvider, len(aliases))
	for _, alias := range aliases {
		path, err := all.GenerateKeyPair(alias, 1024)
		require.NoError(t, err)
		pem, err := os.ReadFile(path)
		require.NoError(t, err)
		dir := t.TempDir()
		require.NoError(t, os.WriteFile(filepath.Join(dir, alias+".pem"), pem, 0o600))
		single[alias] = encryption.NewDirectoryKeyProvider(dir)
	}
	return all, single
}

func TestCopy_S3Plaintext(t *testing.T) {
	fake := s3test.New()
	backend := s3.New(fake, nil)
	data := put(t, backend, "src.bin", 3500, 1000, nil)
	src, _ := fake.Object("bucket", "src.bin")

	counter := progress.NewCounter()
	opts := options(backend, "src.bin", "dst.bin")
	opts.Progress = counter
	info, err := Copy(context.Background(), opts)
	require.NoError(t, err)
	assert.Equal(t, src.ETag, info.ETag, "part boundaries are kept")
	assert.Equal(t, int64(3500), counter.Total())

	obj, ok := fake.Object("bucket", "dst.bin")
	require.True(t, ok)
	assert.Equal(t, data, obj.Data)
	meta, versioned, err := transfer.ParseMetadata(obj.Metadata)
	require.NoError(t, err)
	assert.True(t, versioned)
	assert.Equal(t, int64(1000), meta.ChunkSize)
	assert.Equal(t, 4, fake.Calls(s3test.OpCopyPart))
	assert.Empty(t, fake.PendingUploads())
}

func TestCopy_S3EncryptedStaysReadable(t *testing.T) {
	fake := s3test.New()
	backend := s3.New(fake, nil)
	all, single := keyDirs(t, "alice")
	recipients, err := encryption.Recipients(all, []string{"alice"})
	require.NoError(t, err)
	data := put(t, backend, "secret.bin", 2500, 1000, recipients)

	_, err = Copy(context.Background(), options(backend, "secret.bin", "copy.bin"))
	require.NoError(t, err)

	got, err := fetch(t, backend, "copy.bin", single["alice"])
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestCopy_ForeignObject(t *testing.T) {
	fake := s3test.New()
	backend := s3.New(fake, nil)
	data := make([]byte, 3000)
	fake.PutMultipartObject("bucket", "foreign.bin", data, 1000, nil)

	_, err := Copy(context.Background(), options(backend, "foreign.bin", "dst.bin"))
	require.NoError(t, err)
	obj, _ := fake.Object("bucket", "dst.bin")
	assert.Equal(t, data, obj.Data)
}

func TestCopy_TransientErrorsRetried(t *testing.T) {
	fake := s3test.New()
	backend := s3.New(fake, nil)
	data := put(t, backend, "src.bin", 3000, 1000, nil)
	fake.FailNext(s3test.OpCopyPart, 2, s3test.ErrInternal())

	_, err := Copy(context.Background(), options(backend, "src.bin", "dst.bin"))
	require.NoError(t, err)
	assert.Equal(t, 5, fake.Calls(s3test.OpCopyPart))
	obj, _ := fake.Object("bucket", "dst.bin")
	assert.Equal(t, data, obj.Data)
}

func TestCopy_FaultArmedOnDestination(t *testing.T) {
	fake := s3test.New()
	backend := s3.New(fake, nil)
	put(t, backend, "src.bin", 3000, 1000, nil)

	faults := transfer.NewFaults()
	faults.Set("bucket/dst.bin", 2)
	opts := options(backend, "src.bin", "dst.bin")
	opts.Faults = faults
	_, err := Copy(context.Background(), opts)
	require.NoError(t, err)
	assert.Equal(t, 0, faults.Pending("bucket/dst.bin"))
}

func TestCopy_ClientErrorAborts(t *testing.T) {
	fake := s3test.New()
	backend := s3.New(fake, nil)
	put(t, backend, "src.bin", 3000, 1000, nil)
	fake.FailNext(s3test.OpCopyPart, 100, s3test.ErrAccessDenied())

	_, err := Copy(context.Background(), options(backend, "src.bin", "dst.bin"))
	assert.Equal(t, storage.ClassClient, storage.Classify(err))
	assert.Empty(t, fake.PendingUploads())
	_, exists := fake.Object("bucket", "dst.bin")
	assert.False(t, exists)
}

func TestCopy_Guards(t *testing.T) {
	fake := s3test.New()
	backend := s3.New(fake, nil)
	put(t, backend, "src.bin", 10, 1000, nil)

	tests := []struct {
		name     string
		src, dst string
		contains string
	}{
		{"same object", "src.bin", "src.bin", "same object"},
		{"missing source", "nope.bin", "dst.bin", "Object not found at s3://bucket/nope.bin"},
		{"directory key", "src.bin", "dir/", "must name a file"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Copy(context.Background(), options(backend, tt.src, tt.dst))
			require.True(t, storage.IsUsageError(err), "got %v", err)
			assert.Contains(t, err.Error(), tt.contains)
		})
	}
	assert.Equal(t, 0, fake.Calls(s3test.OpCreate))
}

func TestCopy_GCS(t *testing.T) {
	fake := gcstest.New()
	backend := gcs.New(fake, nil)
	data := put(t, backend, "src.bin", 100, 10, nil)
	src, _ := fake.Object("bucket", "src.bin")

	info, err := Copy(context.Background(), options(backend, "src.bin", "dst.bin"))
	require.NoError(t, err)
	assert.Equal(t, src.CRC32C, info.CRC32C)
	assert.Equal(t, 1, fake.Calls(gcstest.OpCopy))

	obj, _ := fake.Object("bucket", "dst.bin")
	assert.Equal(t, data, obj.Data)
	assert.Equal(t, src.Metadata, obj.Metadata)
}

func TestCopy_GCSChecksumMismatch(t *testing.T) {
	fake := gcstest.New()
	backend := gcs.New(fake, nil)
	put(t, backend, "src.bin", 100, 10, nil)
	fake.CopyCRC = func(dst string, c uint32) uint32 { return c + 1 }

	_, err := Copy(context.Background(), options(backend, "src.bin", "dst.bin"))
	assert.ErrorIs(t, err, storage.ErrChecksumMismatch)
	_, exists := fake.Object("bucket", "dst.bin")
	assert.False(t, exists)
}
