// Package checksum provides hashing stream wrappers and the aggregation of
// per-part digests into whole-object validation values.
package checksum

import (
	"crypto/md5"
	"hash"
	"hash/crc32"
	"io"
)

// castagnoli is the CRC32C table used by GCS.
var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// HashReader folds every byte read from the wrapped reader into a hash.
// Errors from the underlying reader are returned as-is.
type HashReader struct {
	r io.Reader
	h hash.Hash
	n int64
}

// NewHashReader wraps r so that every byte read is written to h.
func NewHashReader(r io.Reader, h hash.Hash) *HashReader {
	return &HashReader{r: r, h: h}
}

// NewMD5Reader wraps r with an MD5 accumulator.
func NewMD5Reader(r io.Reader) *HashReader {
	return NewHashReader(r, md5.New())
}

// NewCRC32CReader wraps r with a CRC32C (Castagnoli) accumulator.
func NewCRC32CReader(r io.Reader) *HashReader {
	return NewHashReader(r, crc32.New(castagnoli))
}

func (r *HashReader) Read(p []byte) (int, error) {
	n, err := r.r.Read(p)
	if n > 0 {
		r.h.Write(p[:n])
		r.n += int64(n)
	}
	return n, err
}

// Sum returns the digest of the bytes read so far. For CRC32C this is the
// 4-byte big-endian value.
func (r *HashReader) Sum() []byte {
	return r.h.Sum(nil)
}

// Sum32 returns the accumulated value for 32-bit hashes, and 0 otherwise.
func (r *HashReader) Sum32() uint32 {
	if h, ok := r.h.(hash.Hash32); ok {
		return h.Sum32()
	}
	return 0
}

// BytesRead returns how many bytes have passed through the reader.
func (r *HashReader) BytesRead() int64 {
	return r.n
}

// CRC32C computes the CRC32C of data.
func CRC32C(data []byte) uint32 {
	return crc32.Checksum(data, castagnoli)
}

// MD5 computes the MD5 of data.
func MD5(data []byte) []byte {
	sum := md5.Sum(data)
	return sum[:]
}
