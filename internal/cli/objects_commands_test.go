package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/rescale/cloudstore/internal/cloud"
	"github.com/rescale/cloudstore/internal/cloud/providers"
	"github.com/rescale/cloudstore/internal/cloud/providers/gcs"
	"github.com/rescale/cloudstore/internal/cloud/providers/gcs/gcstest"
	"github.com/rescale/cloudstore/internal/cloud/providers/s3"
	"github.com/rescale/cloudstore/internal/cloud/providers/s3/s3test"
	"github.com/rescale/cloudstore/internal/cloud/storage"
	"github.com/rescale/cloudstore/internal/cloud/transfer"
)

// fakeBackends routes s3:// and gs:// URIs to in-memory stores for the
// duration of the test.
func fakeBackends(t *testing.T) (*s3test.Fake, *gcstest.Fake) {
	t.Helper()
	s3fake, gcsfake := s3test.New(), gcstest.New()
	prev := newBackend
	newBackend = func(ctx context.Context, f *providers.Factory, scheme string) (cloud.Backend, error) {
		switch scheme {
		case "s3":
			return s3.New(s3fake, nil), nil
		case "gs":
			return gcs.New(gcsfake, nil), nil
		}
		return nil, fmt.Errorf("unsupported storage scheme: %s", scheme)
	}
	t.Cleanup(func() { newBackend = prev })
	return s3fake, gcsfake
}

// baseArgs points the CLI at a missing config file and a fresh key directory.
func baseArgs(t *testing.T) []string {
	t.Helper()
	dir := t.TempDir()
	return []string{"--config", filepath.Join(dir, "missing"), "--key-dir", filepath.Join(dir, "keys"), "--max-attempts", "1"}
}

func TestExists(t *testing.T) {
	s3fake, _ := fakeBackends(t)
	s3fake.PutObject("bucket", "present.bin", []byte("hello"), nil)
	args := baseArgs(t)

	out, err := run(t, append(args, "exists", "s3://bucket/present.bin")...)
	if err != nil {
		t.Fatalf("exists: %v", err)
	}
	if !strings.Contains(out, "size:    5") {
		t.Errorf("missing size in output:\n%s", out)
	}

	_, err = run(t, append(args, "exists", "s3://bucket/missing.bin")...)
	if ExitCode(err) != 2 {
		t.Fatalf("ExitCode = %d, want 2 (err %v)", ExitCode(err), err)
	}
	if !strings.Contains(err.Error(), "Object not found at s3://bucket/missing.bin") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestCopyAndRename(t *testing.T) {
	_, gcsfake := fakeBackends(t)
	gcsfake.PutObject("bucket", "a.bin", []byte("payload"), nil)
	args := baseArgs(t)

	if _, err := run(t, append(args, "copy", "gs://bucket/a.bin", "gs://bucket/b.bin")...); err != nil {
		t.Fatalf("copy: %v", err)
	}
	if obj, ok := gcsfake.Object("bucket", "b.bin"); !ok || string(obj.Data) != "payload" {
		t.Fatalf("copy not written: %+v", obj)
	}

	if _, err := run(t, append(args, "rename", "gs://bucket/b.bin", "gs://bucket/c.bin")...); err != nil {
		t.Fatalf("rename: %v", err)
	}
	names := gcsfake.Names("bucket")
	if strings.Join(names, ",") != "a.bin,c.bin" {
		t.Errorf("objects after rename = %v", names)
	}

	_, err := run(t, append(args, "copy", "gs://bucket/a.bin", "s3://bucket/a.bin")...)
	if !storage.IsUsageError(err) {
		t.Errorf("cross-storage copy should be a usage error, got %v", err)
	}
}

func TestDeleteCmd(t *testing.T) {
	s3fake, _ := fakeBackends(t)
	s3fake.PutObject("bucket", "old.bin", []byte("x"), nil)
	args := baseArgs(t)

	if _, err := run(t, append(args, "delete", "s3://bucket/old.bin")...); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, ok := s3fake.Object("bucket", "old.bin"); ok {
		t.Error("object still present")
	}

	_, err := run(t, append(args, "delete", "s3://bucket/old.bin")...)
	if ExitCode(err) != 2 {
		t.Errorf("ExitCode = %d, want 2 (err %v)", ExitCode(err), err)
	}
}

func TestPendingCmd(t *testing.T) {
	s3fake, _ := fakeBackends(t)
	for _, key := range []string{"runs/a", "runs/b"} {
		if _, err := s3fake.CreateMultipartUpload(context.Background(), &awss3.CreateMultipartUploadInput{
			Bucket: aws.String("bucket"), Key: aws.String(key),
		}); err != nil {
			t.Fatal(err)
		}
	}
	args := baseArgs(t)

	out, err := run(t, append(args, "pending", "s3://bucket/runs/")...)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if !strings.Contains(out, "2 pending upload(s)") || !strings.Contains(out, "upload-1") {
		t.Errorf("unexpected listing:\n%s", out)
	}

	out, err = run(t, append(args, "pending", "s3://bucket", "--abort")...)
	if err != nil {
		t.Fatalf("pending --abort: %v", err)
	}
	if !strings.Contains(out, "2 aborted upload(s)") {
		t.Errorf("unexpected output:\n%s", out)
	}
	if got := s3fake.PendingUploads(); len(got) != 0 {
		t.Errorf("uploads left: %v", got)
	}

	_, err = run(t, append(args, "pending", "gs://bucket")...)
	if !storage.IsUsageError(err) {
		t.Errorf("gs:// pending should be a usage error, got %v", err)
	}
}

func TestAddAndRemoveKey(t *testing.T) {
	s3fake, _ := fakeBackends(t)
	args := baseArgs(t)
	for _, alias := range []string{"alice", "bob"} {
		if _, err := run(t, append(args, "keygen", alias)...); err != nil {
			t.Fatalf("keygen %s: %v", alias, err)
		}
	}

	src := filepath.Join(t.TempDir(), "secret.txt")
	if err := os.WriteFile(src, []byte("top secret"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := run(t, append(args, "upload", src, "s3://bucket/secret.bin", "--key", "alice")...); err != nil {
		t.Fatalf("upload: %v", err)
	}

	keyNames := func() []string {
		obj, ok := s3fake.Object("bucket", "secret.bin")
		if !ok {
			t.Fatal("object missing")
		}
		meta, _, err := transfer.ParseMetadata(obj.Metadata)
		if err != nil {
			t.Fatal(err)
		}
		return meta.KeyNames
	}

	if _, err := run(t, append(args, "add-key", "s3://bucket/secret.bin", "--key", "bob")...); err != nil {
		t.Fatalf("add-key: %v", err)
	}
	if got := strings.Join(keyNames(), ","); got != "alice,bob" {
		t.Errorf("key names after add = %s", got)
	}

	if _, err := run(t, append(args, "remove-key", "s3://bucket/secret.bin", "--key", "alice")...); err != nil {
		t.Fatalf("remove-key: %v", err)
	}
	if got := strings.Join(keyNames(), ","); got != "bob" {
		t.Errorf("key names after remove = %s", got)
	}

	_, err := run(t, append(args, "remove-key", "s3://bucket/secret.bin")...)
	if ExitCode(err) != 2 {
		t.Errorf("remove-key without --key: ExitCode = %d, want 2", ExitCode(err))
	}
}
