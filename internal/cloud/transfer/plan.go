// Package transfer holds the pieces shared by upload and download orchestration:
// the part plan, the per-part digest map, object metadata and fault injection.
package transfer

import (
	"fmt"

	"github.com/rescale/cloudstore/internal/cloud/storage"
	"github.com/rescale/cloudstore/internal/constants"
)

// Part is one contiguous byte range of a transfer.
// Start, End and Size are backend-visible coordinates; they differ from the
// plaintext coordinates when the object is encrypted.
type Part struct {
	Number int
	Start  int64
	End    int64 // inclusive; Start-1 for an empty part
	Size   int64

	PlainStart int64
	PlainSize  int64
}

// PartPlan is the ordered list of parts for a (fileLength, chunkSize, encrypted) triple.
// Upload and download derive it from the same triple, so it never needs storing.
type PartPlan struct {
	FileLength int64
	ChunkSize  int64
	Encrypted  bool
	Parts      []Part
}

// EncryptedSize returns the backend size of a plaintext chunk: the inline IV
// plus the PKCS7-padded ciphertext.
func EncryptedSize(plain int64) int64 {
	const block = constants.CipherBlockSize
	return block * (plain/block + 2)
}

// PartCount returns ceil(fileLength/chunkSize), and 1 for an empty file.
func PartCount(fileLength, chunkSize int64) int {
	if fileLength <= 0 {
		return 1
	}
	return int((fileLength + chunkSize - 1) / chunkSize)
}

// NewPartPlan splits a file into parts.
func NewPartPlan(fileLength, chunkSize int64, encrypted bool) (PartPlan, error) {
	if chunkSize <= 0 {
		return PartPlan{}, storage.Usagef("chunk size must be positive, got %d", chunkSize)
	}
	if fileLength < 0 {
		return PartPlan{}, storage.Usagef("file length must not be negative, got %d", fileLength)
	}

	count := PartCount(fileLength, chunkSize)
	plan := PartPlan{
		FileLength: fileLength,
		ChunkSize:  chunkSize,
		Encrypted:  encrypted,
		Parts:      make([]Part, count),
	}

	stride := chunkSize
	if encrypted {
		stride = EncryptedSize(chunkSize)
	}

	for n := 0; n < count; n++ {
		plainStart := int64(n) * chunkSize
		plainSize := chunkSize
		if plainStart+plainSize > fileLength {
			plainSize = fileLength - plainStart
		}

		size := plainSize
		if encrypted {
			size = EncryptedSize(plainSize)
		}
		start := int64(n) * stride

		plan.Parts[n] = Part{
			Number:     n,
			Start:      start,
			End:        start + size - 1,
			Size:       size,
			PlainStart: plainStart,
			PlainSize:  plainSize,
		}
	}
	return plan, nil
}

// Count returns the number of parts.
func (p PartPlan) Count() int {
	return len(p.Parts)
}

// BackendLength is the size of the object as stored by the backend.
func (p PartPlan) BackendLength() int64 {
	if len(p.Parts) == 0 {
		return 0
	}
	last := p.Parts[len(p.Parts)-1]
	return last.Start + last.Size
}

// DefaultChunkSize picks a chunk size for fileLength: 5 MiB, grown by 1.5x
// until the file fits in fewer than MaxParts parts.
func DefaultChunkSize(fileLength int64) int64 {
	chunk := int64(constants.DefaultChunkSize)
	for PartCount(fileLength, chunk) >= constants.MaxParts {
		chunk = int64(float64(chunk) * constants.ChunkGrowthFactor)
	}
	return chunk
}

// ResolveChunkSize returns the caller's chunk size, or the default for
// fileLength when requested is 0. GCS chunk sizes are capped.
func ResolveChunkSize(requested, fileLength int64, gcs bool) (int64, error) {
	chunk := requested
	if chunk < 0 {
		return 0, storage.Usagef("chunk size must not be negative, got %d", chunk)
	}
	if chunk == 0 {
		chunk = DefaultChunkSize(fileLength)
	}
	if gcs {
		// compose has no part ceiling
		if chunk > constants.MaxGCSChunkSize {
			chunk = constants.MaxGCSChunkSize
		}
		return chunk, nil
	}
	if PartCount(fileLength, chunk) > constants.MaxParts {
		return 0, storage.Usagef("chunk size %d yields %d parts; at most %d allowed",
			chunk, PartCount(fileLength, chunk), constants.MaxParts)
	}
	return chunk, nil
}

// String summarizes the plan for logs.
func (p PartPlan) String() string {
	return fmt.Sprintf("%d parts of %d bytes (file %d bytes, encrypted=%v)",
		p.Count(), p.ChunkSize, p.FileLength, p.Encrypted)
}
