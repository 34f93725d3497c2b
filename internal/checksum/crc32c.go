package checksum

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"

	"github.com/rescale/cloudstore/internal/cloud/storage"
)

// castagnoliReversed is the reflected Castagnoli polynomial.
const castagnoliReversed = 0x82F63B78

// Combine returns CRC32C(A‖B) given crcA = CRC32C(A), crcB = CRC32C(B) and len(B).
// Zero-length B leaves crcA unchanged.
func Combine(crcA, crcB uint32, lenB int64) uint32 {
	if lenB <= 0 {
		return crcA
	}

	var even, odd [32]uint32

	// operator for one zero bit
	odd[0] = castagnoliReversed
	row := uint32(1)
	for n := 1; n < 32; n++ {
		odd[n] = row
		row <<= 1
	}

	gf2MatrixSquare(&even, &odd) // two zero bits
	gf2MatrixSquare(&odd, &even) // four zero bits

	// apply len(B) zero bytes to crcA; the first squaring yields one zero byte
	for {
		gf2MatrixSquare(&even, &odd)
		if lenB&1 != 0 {
			crcA = gf2MatrixTimes(&even, crcA)
		}
		lenB >>= 1
		if lenB == 0 {
			break
		}

		gf2MatrixSquare(&odd, &even)
		if lenB&1 != 0 {
			crcA = gf2MatrixTimes(&odd, crcA)
		}
		lenB >>= 1
		if lenB == 0 {
			break
		}
	}

	return crcA ^ crcB
}

func gf2MatrixTimes(mat *[32]uint32, vec uint32) uint32 {
	var sum uint32
	for i := 0; vec != 0; i++ {
		if vec&1 != 0 {
			sum ^= mat[i]
		}
		vec >>= 1
	}
	return sum
}

func gf2MatrixSquare(square, mat *[32]uint32) {
	for n := 0; n < 32; n++ {
		square[n] = gf2MatrixTimes(mat, mat[n])
	}
}

// PartCRC is the CRC32C of one part together with its length, which Combine needs.
type PartCRC struct {
	CRC    uint32
	Length int64
}

// Fold combines part CRCs left to right.
func Fold(parts []PartCRC) uint32 {
	if len(parts) == 0 {
		return 0
	}
	crc := parts[0].CRC
	for _, p := range parts[1:] {
		crc = Combine(crc, p.CRC, p.Length)
	}
	return crc
}

// EncodeCRC32C renders a CRC32C the way GCS reports it: base64 of the big-endian bytes.
func EncodeCRC32C(crc uint32) string {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], crc)
	return base64.StdEncoding.EncodeToString(b[:])
}

// DecodeCRC32C parses the base64 form produced by EncodeCRC32C.
func DecodeCRC32C(s string) (uint32, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return 0, fmt.Errorf("invalid crc32c %q: %w", s, err)
	}
	if len(b) != 4 {
		return 0, fmt.Errorf("invalid crc32c %q: expected 4 bytes, got %d", s, len(b))
	}
	return binary.BigEndian.Uint32(b), nil
}

// VerifyCRC32C returns an IntegrityError naming both values when they differ.
func VerifyCRC32C(what string, calculated, expected uint32) error {
	if calculated == expected {
		return nil
	}
	return &storage.IntegrityError{
		What:       what,
		Calculated: EncodeCRC32C(calculated),
		Expected:   EncodeCRC32C(expected),
	}
}
