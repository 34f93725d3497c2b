// Package s3test provides an in-memory S3 implementation of the provider API
// for tests. It keeps multipart state, computes real ETags and supports
// injected failures.
package s3test

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// Operation names accepted by FailNext.
const (
	OpHead     = "HeadObject"
	OpGet      = "GetObject"
	OpCreate   = "CreateMultipartUpload"
	OpUpload   = "UploadPart"
	OpComplete = "CompleteMultipartUpload"
	OpAbort    = "AbortMultipartUpload"
	OpCopyPart = "UploadPartCopy"
	OpDelete   = "DeleteObject"
	OpList     = "ListMultipartUploads"
)

// Object is a stored object.
type Object struct {
	Data     []byte
	ETag     string // unquoted
	Metadata map[string]string
}

type part struct {
	data []byte
	etag string
}

type upload struct {
	bucket, key string
	metadata    map[string]string
	parts       map[int32]part
	initiated   time.Time
}

type injected struct {
	op    string
	count int
	err   error
}

// Fake is an in-memory S3. The zero value is not usable; call New.
type Fake struct {
	mu       sync.Mutex
	objects  map[string]*Object
	uploads  map[string]*upload
	nextID   int
	failures []*injected
	calls    map[string]int

	// PartETag, when set, replaces the ETag returned by UploadPart.
	PartETag func(partNumber int32, etag string) string
	// CompleteETag, when set, replaces the ETag returned by CompleteMultipartUpload.
	CompleteETag func(etag string) string
	// OnUploadPart runs before each UploadPart is applied.
	OnUploadPart func(uploadID string, partNumber int32)
	// Now stamps new multipart uploads; time.Now when nil.
	Now func() time.Time
	// PageSize bounds ListMultipartUploads pages; 1000 when zero.
	PageSize int
}

// New creates an empty Fake.
func New() *Fake {
	return &Fake{
		objects: make(map[string]*Object),
		uploads: make(map[string]*upload),
		calls:   make(map[string]int),
	}
}

func objectKey(bucket, key string) string {
	return bucket + "/" + key
}

// ErrInternal is a retryable server error.
func ErrInternal() error {
	return &smithy.GenericAPIError{Code: "InternalError", Message: "injected internal error", Fault: smithy.FaultServer}
}

// ErrSlowDown is a throttling error.
func ErrSlowDown() error {
	return &smithy.GenericAPIError{Code: "SlowDown", Message: "Please reduce your request rate.", Fault: smithy.FaultServer}
}

// ErrAccessDenied is a client error.
func ErrAccessDenied() error {
	return &smithy.GenericAPIError{Code: "AccessDenied", Message: "Access Denied", Fault: smithy.FaultClient}
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

// PutObject stores data as a single-part object.
func (f *Fake) PutObject(bucket, key string, data []byte, metadata map[string]string) {
	sum := md5.Sum(data)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[objectKey(bucket, key)] = &Object{
		Data:     append([]byte(nil), data...),
		ETag:     hex.EncodeToString(sum[:]),
		Metadata: metadata,
	}
}

// PutMultipartObject stores data as if uploaded by another tool in parts of partSize.
func (f *Fake) PutMultipartObject(bucket, key string, data []byte, partSize int, metadata map[string]string) {
	var digests []byte
	n := 0
	for off := 0; off < len(data) || n == 0; off += partSize {
		end := off + partSize
		if end > len(data) {
			end = len(data)
		}
		sum := md5.Sum(data[off:end])
		digests = append(digests, sum[:]...)
		n++
	}
	total := md5.Sum(digests)

	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[objectKey(bucket, key)] = &Object{
		Data:     append([]byte(nil), data...),
		ETag:     fmt.Sprintf("%s-%d", hex.EncodeToString(total[:]), n),
		Metadata: metadata,
	}
}

// Object returns a stored object.
func (f *Fake) Object(bucket, key string) (*Object, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.objects[objectKey(bucket, key)]
	return o, ok
}

// Corrupt flips one byte of a stored object without touching its ETag.
func (f *Fake) Corrupt(bucket, key string, offset int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if o, ok := f.objects[objectKey(bucket, key)]; ok && offset < len(o.Data) {
		o.Data[offset] ^= 0xff
	}
}

// PendingUploads returns the ids of multipart uploads neither completed nor aborted.
func (f *Fake) PendingUploads() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]string, 0, len(f.uploads))
	for id := range f.uploads {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// HeadObject implements the provider API.
func (f *Fake) HeadObject(ctx context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter(OpHead); err != nil {
		return nil, err
	}
	o, ok := f.objects[objectKey(aws.ToString(in.Bucket), aws.ToString(in.Key))]
	if !ok {
		return nil, &types.NotFound{Message: aws.String("Not Found")}
	}
	return &s3.HeadObjectOutput{
		ETag:          aws.String(`"` + o.ETag + `"`),
		ContentLength: aws.Int64(int64(len(o.Data))),
		Metadata:      copyMeta(o.Metadata),
	}, nil
}

// GetObject implements the provider API, honoring Range and IfMatch.
func (f *Fake) GetObject(ctx context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter(OpGet); err != nil {
		return nil, err
	}
	o, ok := f.objects[objectKey(aws.ToString(in.Bucket), aws.ToString(in.Key))]
	if !ok {
		return nil, &types.NoSuchKey{Message: aws.String("The specified key does not exist.")}
	}
	if in.IfMatch != nil && strings.Trim(aws.ToString(in.IfMatch), `"`) != o.ETag {
		return nil, &smithy.GenericAPIError{Code: "PreconditionFailed", Message: "At least one of the pre-conditions you specified did not hold", Fault: smithy.FaultClient}
	}

	data := o.Data
	if in.Range != nil {
		start, end, err := parseRange(aws.ToString(in.Range), int64(len(data)))
		if err != nil {
			return nil, err
		}
		data = data[start : end+1]
	}
	body := append([]byte(nil), data...)
	return &s3.GetObjectOutput{
		Body:          io.NopCloser(bytes.NewReader(body)),
		ContentLength: aws.Int64(int64(len(body))),
		ETag:          aws.String(`"` + o.ETag + `"`),
		Metadata:      copyMeta(o.Metadata),
	}, nil
}

func parseRange(r string, size int64) (int64, int64, error) {
	invalid := &smithy.GenericAPIError{Code: "InvalidRange", Message: "The requested range is not satisfiable", Fault: smithy.FaultClient}
	spec, ok := strings.CutPrefix(r, "bytes=")
	if !ok {
		return 0, 0, invalid
	}
	from, to, ok := strings.Cut(spec, "-")
	if !ok {
		return 0, 0, invalid
	}
	start, err1 := strconv.ParseInt(from, 10, 64)
	end, err2 := strconv.ParseInt(to, 10, 64)
	if err1 != nil || err2 != nil || start > end || start >= size {
		return 0, 0, invalid
	}
	if end >= size {
		end = size - 1
	}
	return start, end, nil
}

// CreateMultipartUpload implements the provider API. Upload ids are
// deterministic: upload-1, upload-2, ...
func (f *Fake) CreateMultipartUpload(ctx context.Context, in *s3.CreateMultipartUploadInput, _ ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter(OpCreate); err != nil {
		return nil, err
	}
	f.nextID++
	id := fmt.Sprintf("upload-%d", f.nextID)
	f.uploads[id] = &upload{
		bucket:    aws.ToString(in.Bucket),
		key:       aws.ToString(in.Key),
		metadata:  copyMeta(in.Metadata),
		parts:     make(map[int32]part),
		initiated: f.now(),
	}
	return &s3.CreateMultipartUploadOutput{
		Bucket:   in.Bucket,
		Key:      in.Key,
		UploadId: aws.String(id),
	}, nil
}

// UploadPart implements the provider API. Content-MD5 is verified when sent.
func (f *Fake) UploadPart(ctx context.Context, in *s3.UploadPartInput, _ ...func(*s3.Options)) (*s3.UploadPartOutput, error) {
	// read the body outside the lock, as the network would
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}

	if hook := f.OnUploadPart; hook != nil {
		hook(aws.ToString(in.UploadId), aws.ToInt32(in.PartNumber))
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter(OpUpload); err != nil {
		return nil, err
	}
	u, ok := f.uploads[aws.ToString(in.UploadId)]
	if !ok {
		return nil, &types.NoSuchUpload{Message: aws.String("The specified upload does not exist.")}
	}

	sum := md5.Sum(data)
	if in.ContentMD5 != nil && aws.ToString(in.ContentMD5) != base64.StdEncoding.EncodeToString(sum[:]) {
		return nil, &smithy.GenericAPIError{Code: "BadDigest", Message: "The Content-MD5 you specified did not match what we received.", Fault: smithy.FaultClient}
	}

	etag := hex.EncodeToString(sum[:])
	u.parts[aws.ToInt32(in.PartNumber)] = part{data: data, etag: etag}

	returned := `"` + etag + `"`
	if f.PartETag != nil {
		returned = f.PartETag(aws.ToInt32(in.PartNumber), returned)
	}
	return &s3.UploadPartOutput{ETag: aws.String(returned)}, nil
}

// CompleteMultipartUpload implements the provider API.
func (f *Fake) CompleteMultipartUpload(ctx context.Context, in *s3.CompleteMultipartUploadInput, _ ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter(OpComplete); err != nil {
		return nil, err
	}
	id := aws.ToString(in.UploadId)
	u, ok := f.uploads[id]
	if !ok {
		return nil, &types.NoSuchUpload{Message: aws.String("The specified upload does not exist.")}
	}
	if in.MultipartUpload == nil || len(in.MultipartUpload.Parts) == 0 {
		return nil, &smithy.GenericAPIError{Code: "MalformedXML", Message: "no parts", Fault: smithy.FaultClient}
	}

	var data, digests []byte
	prev := int32(0)
	for _, cp := range in.MultipartUpload.Parts {
		n := aws.ToInt32(cp.PartNumber)
		p, ok := u.parts[n]
		if !ok || n <= prev || strings.Trim(aws.ToString(cp.ETag), `"`) != p.etag {
			return nil, &smithy.GenericAPIError{Code: "InvalidPart", Message: fmt.Sprintf("part %d is invalid", n), Fault: smithy.FaultClient}
		}
		prev = n
		data = append(data, p.data...)
		raw, _ := hex.DecodeString(p.etag)
		digests = append(digests, raw...)
	}

	total := md5.Sum(digests)
	etag := fmt.Sprintf("%s-%d", hex.EncodeToString(total[:]), len(in.MultipartUpload.Parts))
	f.objects[objectKey(u.bucket, u.key)] = &Object{Data: data, ETag: etag, Metadata: u.metadata}
	delete(f.uploads, id)

	returned := `"` + etag + `"`
	if f.CompleteETag != nil {
		returned = f.CompleteETag(returned)
	}
	return &s3.CompleteMultipartUploadOutput{
		Bucket: in.Bucket,
		Key:    in.Key,
		ETag:   aws.String(returned),
	}, nil
}

// AbortMultipartUpload implements the provider API.
func (f *Fake) AbortMultipartUpload(ctx context.Context, in *s3.AbortMultipartUploadInput, _ ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter(OpAbort); err != nil {
		return nil, err
	}
	id := aws.ToString(in.UploadId)
	if _, ok := f.uploads[id]; !ok {
		return nil, &types.NoSuchUpload{Message: aws.String("The specified upload does not exist.")}
	}
	delete(f.uploads, id)
	return &s3.AbortMultipartUploadOutput{}, nil
}

func (f *Fake) now() time.Time {
	if f.Now != nil {
		return f.Now()
	}
	return time.Now()
}

// UploadPartCopy implements the provider API, honoring CopySourceRange and
// CopySourceIfMatch.
func (f *Fake) UploadPartCopy(ctx context.Context, in *s3.UploadPartCopyInput, _ ...func(*s3.Options)) (*s3.UploadPartCopyOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter(OpCopyPart); err != nil {
		return nil, err
	}
	u, ok := f.uploads[aws.ToString(in.UploadId)]
	if !ok {
		return nil, &types.NoSuchUpload{Message: aws.String("The specified upload does not exist.")}
	}

	source, err := url.PathUnescape(aws.ToString(in.CopySource))
	if err != nil {
		return nil, &smithy.GenericAPIError{Code: "InvalidArgument", Message: "bad copy source", Fault: smithy.FaultClient}
	}
	bucket, key, _ := strings.Cut(strings.TrimPrefix(source, "/"), "/")
	o, ok := f.objects[objectKey(bucket, key)]
	if !ok {
		return nil, &types.NoSuchKey{Message: aws.String("The specified key does not exist.")}
	}
	if in.CopySourceIfMatch != nil && strings.Trim(aws.ToString(in.CopySourceIfMatch), `"`) != o.ETag {
		return nil, &smithy.GenericAPIError{Code: "PreconditionFailed", Message: "At least one of the pre-conditions you specified did not hold", Fault: smithy.FaultClient}
	}

	data := o.Data
	if in.CopySourceRange != nil {
		start, end, err := parseRange(aws.ToString(in.CopySourceRange), int64(len(data)))
		if err != nil {
			return nil, err
		}
		data = data[start : end+1]
	}
	data = append([]byte(nil), data...)
	sum := md5.Sum(data)
	etag := hex.EncodeToString(sum[:])
	u.parts[aws.ToInt32(in.PartNumber)] = part{data: data, etag: etag}

	return &s3.UploadPartCopyOutput{
		CopyPartResult: &types.CopyPartResult{ETag: aws.String(`"` + etag + `"`)},
	}, nil
}

// DeleteObject implements the provider API. Like S3, deleting a missing key
// succeeds.
func (f *Fake) DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter(OpDelete); err != nil {
		return nil, err
	}
	delete(f.objects, objectKey(aws.ToString(in.Bucket), aws.ToString(in.Key)))
	return &s3.DeleteObjectOutput{}, nil
}

// ListMultipartUploads implements the provider API, ordered by key then
// upload id, with key and upload-id markers.
func (f *Fake) ListMultipartUploads(ctx context.Context, in *s3.ListMultipartUploadsInput, _ ...func(*s3.Options)) (*s3.ListMultipartUploadsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter(OpList); err != nil {
		return nil, err
	}

	type entry struct {
		id string
		u  *upload
	}
	var all []entry
	for id, u := range f.uploads {
		if u.bucket == aws.ToString(in.Bucket) && strings.HasPrefix(u.key, aws.ToString(in.Prefix)) {
			all = append(all, entry{id, u})
		}
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].u.key != all[j].u.key {
			return all[i].u.key < all[j].u.key
		}
		return all[i].id < all[j].id
	})

	keyMarker, idMarker := aws.ToString(in.KeyMarker), aws.ToString(in.UploadIdMarker)
	if keyMarker != "" {
		i := 0
		for i < len(all) && (all[i].u.key < keyMarker || (all[i].u.key == keyMarker && all[i].id <= idMarker)) {
			i++
		}
		all = all[i:]
	}

	size := f.PageSize
	if size <= 0 {
		size = 1000
	}
	out := &s3.ListMultipartUploadsOutput{Bucket: in.Bucket, IsTruncated: aws.Bool(false)}
	if len(all) > size {
		all = all[:size]
		last := all[len(all)-1]
		out.IsTruncated = aws.Bool(true)
		out.NextKeyMarker = aws.String(last.u.key)
		out.NextUploadIdMarker = aws.String(last.id)
	}
	for _, e := range all {
		out.Uploads = append(out.Uploads, types.MultipartUpload{
			Key:       aws.String(e.u.key),
			UploadId:  aws.String(e.id),
			Initiated: aws.Time(e.u.initiated),
		})
	}
	return out, nil
}

func copyMeta(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		// S3 lowercases user metadata keys
		out[strings.ToLower(k)] = v
	}
	return out
}
