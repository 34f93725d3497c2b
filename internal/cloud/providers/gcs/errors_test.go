package gcs

import (
	"context"
	"errors"
	"fmt"
	"testing"

	gstorage "cloud.google.com/go/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/googleapi"

	"github.com/rescale/cloudstore/internal/cloud/storage"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		class storage.Class
	}{
		{"object not exist", gstorage.ErrObjectNotExist, storage.ClassNotFound},
		{"wrapped not exist", fmt.Errorf("attrs: %w", gstorage.ErrObjectNotExist), storage.ClassNotFound},
		{"bucket not exist", gstorage.ErrBucketNotExist, storage.ClassNotFound},
		{"404", &googleapi.Error{Code: 404}, storage.ClassNotFound},
		{"429", &googleapi.Error{Code: 429}, storage.ClassTransient},
		{"503", &googleapi.Error{Code: 503}, storage.ClassTransient},
		{"408", &googleapi.Error{Code: 408}, storage.ClassTransient},
		{"412", &googleapi.Error{Code: 412}, storage.ClassClient},
		{"403", &googleapi.Error{Code: 403}, storage.ClassClient},
		{"connection reset", errors.New("read tcp: connection reset by peer"), storage.ClassTransient},
		{"deadline", context.DeadlineExceeded, storage.ClassFatal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := wrapError("op", "b", "k", tt.err)
			var be *storage.BackendError
			require.ErrorAs(t, err, &be)
			assert.Equal(t, tt.class, be.Class)
			assert.ErrorIs(t, err, tt.err)
		})
	}

	assert.NoError(t, wrapError("op", "b", "k", nil))
}

func TestBatch(t *testing.T) {
	items := make([]int, 70)
	got := batch(items, 32)
	require.Len(t, got, 3)
	assert.Len(t, got[0], 32)
	assert.Len(t, got[1], 32)
	assert.Len(t, got[2], 6)

	assert.Len(t, batch(items[:32], 32), 1)
	assert.Len(t, batch(items[:1], 32), 1)
}

func TestTempNames(t *testing.T) {
	assert.Equal(t, "_dir/file.bin.cs.single.7", SingleName("dir/file.bin", 7))
	assert.Equal(t, "_file.bin.cs.composite.1-3", CompositeName("file.bin", 1, 3))
}
