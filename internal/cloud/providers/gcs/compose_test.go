package gcs_test

import (
	"bytes"
	"context"
	"hash/crc32"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rescale/cloudstore/internal/cloud"
	"github.com/rescale/cloudstore/internal/cloud/providers/gcs"
	"github.com/rescale/cloudstore/internal/cloud/providers/gcs/gcstest"
	"github.com/rescale/cloudstore/internal/cloud/storage"
	"github.com/rescale/cloudstore/internal/cloud/transfer"
)

func direct(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

func sourceFor(data []byte, part transfer.Part) cloud.PartSource {
	return func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(data[part.Start : part.Start+part.Size])), nil
	}
}

func crc(data []byte) uint32 {
	return crc32.Checksum(data, crc32.MakeTable(crc32.Castagnoli))
}

func newSession(t *testing.T, c *gcs.Client, size, chunk int64, faults *transfer.Faults) (cloud.UploadSession, transfer.PartPlan) {
	t.Helper()
	plan, err := transfer.NewPartPlan(size, chunk, false)
	require.NoError(t, err)
	sess, err := c.NewUploadSession(context.Background(), cloud.UploadRequest{
		Bucket:   "bucket",
		Key:      "obj",
		Plan:     plan,
		Metadata: map[string]string{"s3tool-version": "0.2"},
		Faults:   faults,
		Call:     direct,
	})
	require.NoError(t, err)
	return sess, plan
}

func uploadAll(t *testing.T, c *gcs.Client, data []byte, chunk int64) (cloud.ObjectInfo, error) {
	t.Helper()
	sess, plan := newSession(t, c, int64(len(data)), chunk, nil)
	for _, p := range plan.Parts {
		if err := sess.TransferPart(context.Background(), p, sourceFor(data, p), nil); err != nil {
			return cloud.ObjectInfo{}, err
		}
	}
	return sess.Finalize(context.Background())
}

func TestUpload_RoundTrip(t *testing.T) {
	fake := gcstest.New()
	c := gcs.New(fake, nil)
	data := bytes.Repeat([]byte("abcdefgh"), 100)

	info, err := uploadAll(t, c, data, 300)
	require.NoError(t, err)
	assert.Equal(t, crc(data), info.CRC32C)
	assert.True(t, info.HasCRC32C)
	assert.Equal(t, int64(len(data)), info.Size)

	obj, ok := fake.Object("bucket", "obj")
	require.True(t, ok)
	assert.Equal(t, data, obj.Data)
	assert.Equal(t, "0.2", obj.Metadata["s3tool-version"])
	assert.Equal(t, []string{"obj"}, fake.Names("bucket"), "temp objects must be removed")
	assert.Equal(t, 1, fake.Calls(gcstest.OpCompose))
}

func TestUpload_ComposeTreeLevels(t *testing.T) {
	fake := gcstest.New()
	c := gcs.New(fake, nil)
	data := make([]byte, 70)
	for i := range data {
		data[i] = byte(i)
	}

	// 70 parts: 32+32+6 at level 0, then one compose of 3
	info, err := uploadAll(t, c, data, 1)
	require.NoError(t, err)
	assert.Equal(t, crc(data), info.CRC32C)
	assert.Equal(t, 4, fake.Calls(gcstest.OpCompose))
	assert.Equal(t, 32, fake.MaxComposeSources())

	obj, _ := fake.Object("bucket", "obj")
	assert.Equal(t, data, obj.Data)
	assert.Equal(t, []string{"obj"}, fake.Names("bucket"))
}

func TestUpload_ExactlyOneBatch(t *testing.T) {
	fake := gcstest.New()
	_, err := uploadAll(t, gcs.New(fake, nil), make([]byte, 32), 1)
	require.NoError(t, err)
	assert.Equal(t, 1, fake.Calls(gcstest.OpCompose))
}

func TestUpload_EmptyFile(t *testing.T) {
	fake := gcstest.New()
	info, err := uploadAll(t, gcs.New(fake, nil), nil, 100)
	require.NoError(t, err)
	assert.Equal(t, int64(0), info.Size)
	assert.Equal(t, uint32(0), info.CRC32C)
}

func TestUpload_PartCRCMismatch(t *testing.T) {
	fake := gcstest.New()
	fake.WriteCRC = func(name string, c uint32) uint32 {
		if name == gcs.SingleName("obj", 1) {
			return c + 1
		}
		return c
	}
	_, err := uploadAll(t, gcs.New(fake, nil), make([]byte, 30), 10)

	var integrity *storage.IntegrityError
	require.ErrorAs(t, err, &integrity)
	assert.Equal(t, "part 1 crc32c", integrity.What)
}

func TestUpload_ComposeCRCMismatch(t *testing.T) {
	fake := gcstest.New()
	fake.ComposeCRC = func(dst string, c uint32) uint32 { return c ^ 1 }
	_, err := uploadAll(t, gcs.New(fake, nil), make([]byte, 30), 10)
	assert.ErrorIs(t, err, storage.ErrChecksumMismatch)
}

func TestUpload_FaultInjection(t *testing.T) {
	fake := gcstest.New()
	faults := transfer.NewFaults()
	faults.Set("bucket/obj", 2)
	sess, plan := newSession(t, gcs.New(fake, nil), 20, 10, faults)
	assert.Equal(t, "bucket/obj", sess.ID())

	data := make([]byte, 20)
	require.NoError(t, sess.TransferPart(context.Background(), plan.Parts[0], sourceFor(data, plan.Parts[0]), nil))
	err := sess.TransferPart(context.Background(), plan.Parts[1], sourceFor(data, plan.Parts[1]), nil)
	assert.Equal(t, storage.ClassTransient, storage.Classify(err))
	assert.Equal(t, 1, fake.Calls(gcstest.OpWrite))

	// the countdown is spent; the retry goes through
	require.NoError(t, sess.TransferPart(context.Background(), plan.Parts[1], sourceFor(data, plan.Parts[1]), nil))
}

func TestUpload_AbortDeletesTemps(t *testing.T) {
	fake := gcstest.New()
	sess, plan := newSession(t, gcs.New(fake, nil), 30, 10, nil)
	data := make([]byte, 30)
	for _, p := range plan.Parts[:2] {
		require.NoError(t, sess.TransferPart(context.Background(), p, sourceFor(data, p), nil))
	}
	require.Len(t, fake.Names("bucket"), 2)

	_, err := sess.Finalize(context.Background())
	assert.ErrorIs(t, err, storage.ErrIncompleteTransfer)

	require.NoError(t, sess.Abort(context.Background()))
	assert.Empty(t, fake.Names("bucket"))
}

func TestUpload_ReplacedPartFailsCompose(t *testing.T) {
	fake := gcstest.New()
	sess, plan := newSession(t, gcs.New(fake, nil), 20, 10, nil)
	data := make([]byte, 20)
	for _, p := range plan.Parts {
		require.NoError(t, sess.TransferPart(context.Background(), p, sourceFor(data, p), nil))
	}
	fake.PutObject("bucket", gcs.SingleName("obj", 0), []byte("overwrite!"), nil)

	_, err := sess.Finalize(context.Background())
	assert.Equal(t, storage.ClassClient, storage.Classify(err))
	_, exists := fake.Object("bucket", "obj")
	assert.False(t, exists)
}

func TestUpload_ComposeTargetsCarryMetadata(t *testing.T) {
	fake := gcstest.New()
	targets := map[string]gcs.ObjectMeta{}
	fake.OnCompose = func(dst string, meta gcs.ObjectMeta) {
		targets[dst] = meta
	}

	// 40 parts need two intermediate composites before the final one
	_, err := uploadAll(t, gcs.New(fake, nil), make([]byte, 40), 1)
	require.NoError(t, err)
	require.Len(t, targets, 3)
	assert.Contains(t, targets, gcs.CompositeName("obj", 0, 0))
	assert.Contains(t, targets, gcs.CompositeName("obj", 0, 1))

	for dst, meta := range targets {
		assert.Equal(t, gcs.ContentType, meta.ContentType, dst)
		assert.Equal(t, "0.2", meta.Metadata["s3tool-version"], dst)
	}

	obj, _ := fake.Object("bucket", "obj")
	assert.Equal(t, gcs.ContentType, obj.ContentType)
}
