package objects

import (
	"context"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rescale/cloudstore/internal/cloud/providers/gcs"
	"github.com/rescale/cloudstore/internal/cloud/providers/gcs/gcstest"
	"github.com/rescale/cloudstore/internal/cloud/providers/s3"
	"github.com/rescale/cloudstore/internal/cloud/providers/s3/s3test"
	"github.com/rescale/cloudstore/internal/cloud/storage"
	"github.com/rescale/cloudstore/internal/cloud/transfer"
	"github.com/rescale/cloudstore/internal/http"
)

func fastRetry(attempts int) http.Config {
	return http.Config{MaxAttempts: attempts, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond}
}

func TestDelete_S3(t *testing.T) {
	fake := s3test.New()
	fake.PutObject("bucket", "k", []byte("x"), nil)

	err := Delete(context.Background(), DeleteOptions{Backend: s3.New(fake, nil), Bucket: "bucket", Key: "k", Retry: fastRetry(3)})
	require.NoError(t, err)
	_, exists := fake.Object("bucket", "k")
	assert.False(t, exists)
}

func TestDelete_NotFoundIsUsageError(t *testing.T) {
	for name, opts := range map[string]DeleteOptions{
		"s3": {Backend: s3.New(s3test.New(), nil)},
		"gs": {Backend: gcs.New(gcstest.New(), nil)},
	} {
		t.Run(name, func(t *testing.T) {
			opts.Bucket, opts.Key, opts.Retry = "bucket", "missing", fastRetry(3)
			err := Delete(context.Background(), opts)
			require.True(t, storage.IsUsageError(err))
			assert.Contains(t, err.Error(), "Object not found at "+name+"://bucket/missing")
		})
	}
}

func TestDelete_FaultRetried(t *testing.T) {
	fake := gcstest.New()
	fake.PutObject("bucket", "k", []byte("x"), nil)
	faults := transfer.NewFaults()
	faults.Set("bucket/k", 1)

	err := Delete(context.Background(), DeleteOptions{
		Backend: gcs.New(fake, nil), Bucket: "bucket", Key: "k", Retry: fastRetry(3), Faults: faults,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, fake.Calls(gcstest.OpDelete))
	assert.Empty(t, fake.Names("bucket"))
}

func TestDelete_FaultExhaustsRetries(t *testing.T) {
	fake := s3test.New()
	fake.PutObject("bucket", "k", []byte("x"), nil)
	faults := transfer.NewFaults()
	faults.Set("bucket/k", 1)

	err := Delete(context.Background(), DeleteOptions{
		Backend: s3.New(fake, nil), Bucket: "bucket", Key: "k", Retry: fastRetry(1), Faults: faults,
	})
	var fault *storage.FaultInjectionError
	require.ErrorAs(t, err, &fault)
	assert.Equal(t, "bucket/k", fault.ID)
	_, exists := fake.Object("bucket", "k")
	assert.True(t, exists)
}

func pendingFake(t *testing.T) (*s3test.Fake, time.Time) {
	t.Helper()
	fake := s3test.New()
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	ages := []time.Duration{72 * time.Hour, 30 * time.Minute, 48 * time.Hour}
	i := 0
	fake.Now = func() time.Time {
		age := ages[i]
		i++
		return now.Add(-age)
	}
	for _, key := range []string{"runs/a", "runs/b", "other/c"} {
		_, err := fake.CreateMultipartUpload(context.Background(), &awss3.CreateMultipartUploadInput{
			Bucket: aws.String("bucket"), Key: aws.String(key),
		})
		require.NoError(t, err)
	}
	return fake, now
}

func TestListPending(t *testing.T) {
	fake, now := pendingFake(t)
	opts := PendingOptions{Backend: s3.New(fake, nil), Bucket: "bucket", Retry: fastRetry(3), Now: func() time.Time { return now }}

	all, err := ListPending(context.Background(), opts)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "runs/a", all[0].Key, "oldest first")

	opts.Prefix = "runs/"
	opts.OlderThan = time.Hour
	old, err := ListPending(context.Background(), opts)
	require.NoError(t, err)
	require.Len(t, old, 1)
	assert.Equal(t, "runs/a", old[0].Key)
}

func TestAbortPending(t *testing.T) {
	fake, now := pendingFake(t)
	opts := PendingOptions{
		Backend:   s3.New(fake, nil),
		Bucket:    "bucket",
		OlderThan: 24 * time.Hour,
		Now:       func() time.Time { return now },
		Retry:     fastRetry(3),
	}

	aborted, err := AbortPending(context.Background(), opts)
	require.NoError(t, err)
	require.Len(t, aborted, 2)
	assert.Equal(t, "runs/a", aborted[0].Key)
	assert.Equal(t, "other/c", aborted[1].Key)
	assert.Equal(t, []string{"upload-2"}, fake.PendingUploads())
}

func TestPending_GCSIsUsageError(t *testing.T) {
	opts := PendingOptions{Backend: gcs.New(gcstest.New(), nil), Bucket: "bucket"}
	_, err := ListPending(context.Background(), opts)
	assert.True(t, storage.IsUsageError(err))
	_, err = AbortPending(context.Background(), opts)
	assert.True(t, storage.IsUsageError(err))
}
