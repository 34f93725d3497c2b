// Package gcstest provides an in-memory GCS implementation of the provider
// API for tests. It tracks generations, computes real CRC32C values and
// supports injected failures.
package gcstest

import (
	"bytes"
	"context"
	"fmt"
	"hash/crc32"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"

	gstorage "cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"

	"github.com/rescale/cloudstore/internal/cloud/providers/gcs"
)

// Operation names accepted by FailNext.
const (
	OpAttrs   = "Attrs"
	OpWrite   = "Write"
	OpCompose = "Compose"
	OpDelete  = "Delete"
	OpRead    = "NewRangeReader"
	OpCopy    = "Copy"
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// Object is a stored object.
type Object struct {
	Data        []byte
	Generation  int64
	CRC32C      uint32
	ContentType string
	Metadata    map[string]string
}

type injected struct {
	op    string
	count int
	err   error
}

// Fake is an in-memory GCS. The zero value is not usable; call New.
type Fake struct {
	mu         sync.Mutex
	objects    map[string]*Object
	generation int64
	failures   []*injected
	calls      map[string]int
	maxSources int

	// WriteCRC, when set, replaces the CRC32C reported for a written object.
	WriteCRC func(name string, crc uint32) uint32
	// ComposeCRC, when set, replaces the CRC32C reported for a composed object.
	ComposeCRC func(dst string, crc uint32) uint32
	// CopyCRC, when set, replaces the CRC32C reported for a copied object.
	CopyCRC func(dst string, crc uint32) uint32
	// OnCompose, when set, sees every compose target and its attributes.
	OnCompose func(dst string, meta gcs.ObjectMeta)
}

var _ gcs.API = (*Fake)(nil)

// New creates an empty Fake.
func New() *Fake {
	return &Fake{
		objects: make(map[string]*Object),
		calls:   make(map[string]int),
	}
}

func objectKey(bucket, name string) string {
	return bucket + "/" + name
}

// ErrServer is a retryable server error.
func ErrServer() error {
	return &googleapi.Error{Code: http.StatusServiceUnavailable, Message: "injected backend error"}
}

// ErrTooManyRequests is a rate-limit error.
func ErrTooManyRequests() error {
	return &googleapi.Error{Code: http.StatusTooManyRequests, Message: "rate limit exceeded"}
}

// ErrForbidden is a client error.
func ErrForbidden() error {
	return &googleapi.Error{Code: http.StatusForbidden, Message: "permission denied"}
}

func errPrecondition(name string) error {
	return &googleapi.Error{Code: http.StatusPreconditionFailed, Message: "generation mismatch for " + name}
}

// FailNext makes the next n calls of op return err.
func (f *Fake) FailNext(op string, n int, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures = append(f.failures, &injected{op: op, count: n, err: err})
}

// Calls returns how many times op was invoked, failed calls included.
func (f *Fake) Calls(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

// MaxComposeSources returns the largest source count seen in one compose.
func (f *Fake) MaxComposeSources() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.maxSources
}

// must be called with f.mu held
func (f *Fake) enter(op string) error {
	f.calls[op]++
	for i, inj := range f.failures {
		if inj.op != op {
			continue
		}
		inj.count--
		if inj.count <= 0 {
			f.failures = append(f.failures[:i], f.failures[i+1:]...)
		}
		return inj.err
	}
	return nil
}

// must be called with f.mu held
func (f *Fake) store(bucket, name string, data []byte, meta gcs.ObjectMeta) *Object {
	f.generation++
	obj := &Object{
		Data:        data,
		Generation:  f.generation,
		CRC32C:      crc32.Checksum(data, castagnoli),
		ContentType: meta.ContentType,
		Metadata:    meta.Metadata,
	}
	f.objects[objectKey(bucket, name)] = obj
	return obj
}

func attrs(bucket, name string, obj *Object) *gstorage.ObjectAttrs {
	return &gstorage.ObjectAttrs{
		Bucket:      bucket,
		Name:        name,
		Size:        int64(len(obj.Data)),
		CRC32C:      obj.CRC32C,
		Generation:  obj.Generation,
		Etag:        fmt.Sprintf("gen-%d", obj.Generation),
		ContentType: obj.ContentType,
		Metadata:    obj.Metadata,
	}
}

// PutObject stores data directly, bypassing failure injection.
func (f *Fake) PutObject(bucket, name string, data []byte, metadata map[string]string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.store(bucket, name, append([]byte(nil), data...), gcs.ObjectMeta{Metadata: metadata})
}

// Object returns a copy of a stored object.
func (f *Fake) Object(bucket, name string) (Object, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	obj, ok := f.objects[objectKey(bucket, name)]
	if !ok {
		return Object{}, false
	}
	cp := *obj
	cp.Data = append([]byte(nil), obj.Data...)
	return cp, true
}

// Names lists the objects in bucket, sorted.
func (f *Fake) Names(bucket string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var names []string
	for k := range f.objects {
		if name, ok := strings.CutPrefix(k, bucket+"/"); ok {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// Corrupt flips the byte at offset without updating the stored CRC32C.
func (f *Fake) Corrupt(bucket, name string, offset int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if obj, ok := f.objects[objectKey(bucket, name)]; ok && offset < len(obj.Data) {
		obj.Data[offset] ^= 0xff
	}
}

func (f *Fake) Attrs(ctx context.Context, bucket, name string) (*gstorage.ObjectAttrs, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter(OpAttrs); err != nil {
		return nil, err
	}
	obj, ok := f.objects[objectKey(bucket, name)]
	if !ok {
		return nil, gstorage.ErrObjectNotExist
	}
	return attrs(bucket, name, obj), nil
}

func (f *Fake) Write(ctx context.Context, bucket, name string, crc uint32, meta gcs.ObjectMeta, body io.Reader) (*gstorage.ObjectAttrs, error) {
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter(OpWrite); err != nil {
		return nil, err
	}
	if got := crc32.Checksum(data, castagnoli); got != crc {
		return nil, &googleapi.Error{
			Code:    http.StatusBadRequest,
			Message: fmt.Sprintf("provided CRC32C %d does not match calculated %d", crc, got),
		}
	}

	obj := f.store(bucket, name, data, meta)
	out := attrs(bucket, name, obj)
	if f.WriteCRC != nil {
		out.CRC32C = f.WriteCRC(name, out.CRC32C)
	}
	return out, nil
}

func (f *Fake) Compose(ctx context.Context, bucket, dst string, srcs []gcs.Source, meta gcs.ObjectMeta) (*gstorage.ObjectAttrs, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter(OpCompose); err != nil {
		return nil, err
	}
	if len(srcs) == 0 || len(srcs) > 32 {
		return nil, &googleapi.Error{Code: http.StatusBadRequest, Message: fmt.Sprintf("compose accepts 1 to 32 sources, got %d", len(srcs))}
	}
	if len(srcs) > f.maxSources {
		f.maxSources = len(srcs)
	}
	if f.OnCompose != nil {
		f.OnCompose(dst, meta)
	}

	var buf bytes.Buffer
	for _, src := range srcs {
		obj, ok := f.objects[objectKey(bucket, src.Name)]
		if !ok {
			return nil, gstorage.ErrObjectNotExist
		}
		if src.Generation != 0 && obj.Generation != src.Generation {
			return nil, errPrecondition(src.Name)
		}
		buf.Write(obj.Data)
	}

	obj := f.store(bucket, dst, buf.Bytes(), meta)
	out := attrs(bucket, dst, obj)
	if f.ComposeCRC != nil {
		out.CRC32C = f.ComposeCRC(dst, out.CRC32C)
	}
	return out, nil
}

func (f *Fake) Copy(ctx context.Context, srcBucket string, src gcs.Source, dstBucket, dst string, meta gcs.ObjectMeta) (*gstorage.ObjectAttrs, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter(OpCopy); err != nil {
		return nil, err
	}
	obj, ok := f.objects[objectKey(srcBucket, src.Name)]
	if !ok || (src.Generation != 0 && obj.Generation != src.Generation) {
		return nil, gstorage.ErrObjectNotExist
	}

	copied := f.store(dstBucket, dst, append([]byte(nil), obj.Data...), meta)
	out := attrs(dstBucket, dst, copied)
	if f.CopyCRC != nil {
		out.CRC32C = f.CopyCRC(dst, out.CRC32C)
	}
	return out, nil
}

func (f *Fake) Delete(ctx context.Context, bucket, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter(OpDelete); err != nil {
		return err
	}
	k := objectKey(bucket, name)
	if _, ok := f.objects[k]; !ok {
		return gstorage.ErrObjectNotExist
	}
	delete(f.objects, k)
	return nil
}

func (f *Fake) NewRangeReader(ctx context.Context, bucket, name string, generation, offset, length int64) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter(OpRead); err != nil {
		return nil, err
	}
	obj, ok := f.objects[objectKey(bucket, name)]
	if !ok || (generation != 0 && obj.Generation != generation) {
		return nil, gstorage.ErrObjectNotExist
	}

	size := int64(len(obj.Data))
	if offset > size {
		return nil, &googleapi.Error{Code: http.StatusRequestedRangeNotSatisfiable, Message: "range not satisfiable"}
	}
	end := size
	if length >= 0 && offset+length < size {
		end = offset + length
	}
	return io.NopCloser(bytes.NewReader(append([]byte(nil), obj.Data[offset:end]...))), nil
}
