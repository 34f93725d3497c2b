package checksum

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/rescale/cloudstore/internal/cloud/storage"
)

// MultipartETag computes the S3 multipart ETag: hex(md5(concat(partMD5s))) + "-" + partCount.
// partMD5s must be in part-number order.
func MultipartETag(partMD5s [][]byte) string {
	h := md5.New()
	for _, sum := range partMD5s {
		h.Write(sum)
	}
	return fmt.Sprintf("%s-%d", hex.EncodeToString(h.Sum(nil)), len(partMD5s))
}

// NormalizeETag strips the surrounding quotes S3 puts on ETags.
func NormalizeETag(etag string) string {
	return strings.Trim(etag, "\"")
}

// ParseMultipartETag splits "<32 hex>-<n>". ok is false for single-part ETags.
func ParseMultipartETag(etag string) (digest string, parts int, ok bool) {
	etag = NormalizeETag(etag)
	if len(etag) < 34 || etag[32] != '-' {
		return etag, 0, false
	}
	n, err := strconv.Atoi(etag[33:])
	if err != nil || n < 1 {
		return etag, 0, false
	}
	return etag[:32], n, true
}

// VerifyUploadETag compares the ETag returned by CompleteMultipartUpload
// against the locally computed digest of digests.
func VerifyUploadETag(returned string, partMD5s [][]byte) error {
	calculated := MultipartETag(partMD5s)
	if NormalizeETag(returned) != calculated {
		return &storage.IntegrityError{
			What:       "multipart upload etag",
			Calculated: calculated,
			Expected:   NormalizeETag(returned),
		}
	}
	return nil
}

// VerifyDownloadETag validates downloaded bytes against the object's ETag.
// partMD5s are the digests of the raw (backend) bytes of each planned part.
//
// When the ETag cannot be matched against our chunking the check is skipped
// and skip explains why; the caller decides how to report it. This happens for
// multipart objects without format-version metadata, for multipart objects
// whose part count differs from the plan, and for single-part ETags downloaded
// in more than one part.
func VerifyDownloadETag(etag string, partMD5s [][]byte, versioned bool) (skip string, err error) {
	etag = NormalizeETag(etag)

	if _, parts, ok := ParseMultipartETag(etag); ok {
		if !versioned {
			return "object was not uploaded by cloudstore (no version metadata)", nil
		}
		if parts != len(partMD5s) {
			return fmt.Sprintf("object has %d parts but %d were expected", parts, len(partMD5s)), nil
		}
		calculated := MultipartETag(partMD5s)
		if calculated != etag {
			return "", &storage.IntegrityError{What: "download etag", Calculated: calculated, Expected: etag}
		}
		return "", nil
	}

	if len(partMD5s) != 1 {
		return fmt.Sprintf("single-part etag cannot be checked against %d downloaded parts", len(partMD5s)), nil
	}
	calculated := hex.EncodeToString(partMD5s[0])
	if calculated != etag {
		return "", &storage.IntegrityError{What: "download etag", Calculated: calculated, Expected: etag}
	}
	return "", nil
}
