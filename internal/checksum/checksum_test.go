package checksum

import (
	"bytes"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"io"
	"math/rand"
	"testing"

	"github.com/rescale/cloudstore/internal/cloud/storage"
)

func randomBytes(t *testing.T, n int, seed int64) []byte {
	t.Helper()
	b := make([]byte, n)
	rand.New(rand.NewSource(seed)).Read(b)
	return b
}

// ===========================================================================
// Stream codecs
// ===========================================================================

func TestHashReader_MD5(t *testing.T) {
	data := randomBytes(t, 100_000, 1)
	r := NewMD5Reader(bytes.NewReader(data))

	out, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("ReadAll failed: %v", err)
	}
	if !bytes.Equal(out, data) {
		t.Fatal("reader altered the data")
	}
	want := md5.Sum(data)
	if !bytes.Equal(r.Sum(), want[:]) {
		t.Errorf("md5 mismatch: got %x, want %x", r.Sum(), want)
	}
	if r.BytesRead() != int64(len(data)) {
		t.Errorf("BytesRead = %d, want %d", r.BytesRead(), len(data))
	}
}

func TestHashReader_CRC32CBigEndian(t *testing.T) {
	data := []byte("123456789")
	r := NewCRC32CReader(bytes.NewReader(data))
	if _, err := io.Copy(io.Discard, r); err != nil {
		t.Fatalf("copy failed: %v", err)
	}

	// standard CRC32C check value
	if r.Sum32() != 0xE3069283 {
		t.Errorf("Sum32 = %08x, want e3069283", r.Sum32())
	}
	if !bytes.Equal(r.Sum(), []byte{0xE3, 0x06, 0x92, 0x83}) {
		t.Errorf("Sum = %x, want big-endian e3069283", r.Sum())
	}
}

type failingReader struct {
	data []byte
	err  error
}

func (f *failingReader) Read(p []byte) (int, error) {
	if len(f.data) == 0 {
		return 0, f.err
	}
	n := copy(p, f.data)
	f.data = f.data[n:]
	return n, nil
}

func TestHashReader_PreservesErrors(t *testing.T) {
	boom := errors.New("boom")
	r := NewMD5Reader(&failingReader{data: []byte("abc"), err: boom})
	_, err := io.ReadAll(r)
	if err != boom {
		t.Fatalf("expected underlying error unchanged, got %v", err)
	}
	if r.BytesRead() != 3 {
		t.Errorf("BytesRead = %d, want 3", r.BytesRead())
	}
}

// ===========================================================================
// CRC32C combine
// ===========================================================================

func TestCombine_MatchesDirect(t *testing.T) {
	data := randomBytes(t, 65_537, 2)
	whole := CRC32C(data)

	for _, split := range []int{0, 1, 15, 16, 4096, 65_536, len(data)} {
		a, b := data[:split], data[split:]
		got := Combine(CRC32C(a), CRC32C(b), int64(len(b)))
		if got != whole {
			t.Errorf("split %d: combine = %08x, want %08x", split, got, whole)
		}
	}
}

func TestCombine_Associative(t *testing.T) {
	data := randomBytes(t, 30_000, 3)
	a, b, c := data[:7_000], data[7_000:19_000], data[19_000:]
	crcA, crcB, crcC := CRC32C(a), CRC32C(b), CRC32C(c)

	left := Combine(Combine(crcA, crcB, int64(len(b))), crcC, int64(len(c)))
	right := Combine(crcA, Combine(crcB, crcC, int64(len(c))), int64(len(b)+len(c)))
	if left != right {
		t.Fatalf("combine not associative: %08x != %08x", left, right)
	}
	if left != CRC32C(data) {
		t.Fatalf("combined %08x != direct %08x", left, CRC32C(data))
	}
}

func TestFold(t *testing.T) {
	data := randomBytes(t, 70*1000+123, 4)
	var parts []PartCRC
	for off := 0; off < len(data); off += 1000 {
		end := off + 1000
		if end > len(data) {
			end = len(data)
		}
		parts = append(parts, PartCRC{CRC: CRC32C(data[off:end]), Length: int64(end - off)})
	}
	if got := Fold(parts); got != CRC32C(data) {
		t.Errorf("Fold = %08x, want %08x", got, CRC32C(data))
	}
	if Fold(nil) != 0 {
		t.Error("Fold(nil) should be the CRC of the empty string")
	}
}

func TestEncodeDecodeCRC32C(t *testing.T) {
	s := EncodeCRC32C(0xE3069283)
	if s != "4waSgw==" {
		t.Errorf("EncodeCRC32C = %q, want 4waSgw==", s)
	}
	v, err := DecodeCRC32C(s)
	if err != nil || v != 0xE3069283 {
		t.Errorf("DecodeCRC32C = %08x, %v", v, err)
	}
	if _, err := DecodeCRC32C("AAAAAAAA"); err == nil {
		t.Error("expected error for 6-byte value")
	}
}

func TestVerifyCRC32C(t *testing.T) {
	if err := VerifyCRC32C("part 0", 1, 1); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	err := VerifyCRC32C("part 0", 1, 2)
	var integrity *storage.IntegrityError
	if !errors.As(err, &integrity) {
		t.Fatalf("expected IntegrityError, got %v", err)
	}
	if integrity.Calculated != EncodeCRC32C(1) || integrity.Expected != EncodeCRC32C(2) {
		t.Errorf("unexpected values in %v", integrity)
	}
	if !errors.Is(err, storage.ErrChecksumMismatch) {
		t.Error("IntegrityError should unwrap to ErrChecksumMismatch")
	}
}

// ===========================================================================
// Multipart ETag
// ===========================================================================

func partDigests(data []byte, chunk int) [][]byte {
	var sums [][]byte
	for off := 0; off < len(data) || off == 0; off += chunk {
		end := off + chunk
		if end > len(data) {
			end = len(data)
		}
		sums = append(sums, MD5(data[off:end]))
		if end == len(data) {
			break
		}
	}
	return sums
}

func TestMultipartETag_Deterministic(t *testing.T) {
	data := randomBytes(t, 12_000, 5)
	sums := partDigests(data, 5_000)
	if len(sums) != 3 {
		t.Fatalf("expected 3 parts, got %d", len(sums))
	}

	h := md5.New()
	for _, s := range sums {
		h.Write(s)
	}
	want := hex.EncodeToString(h.Sum(nil)) + "-3"

	// digests collected in any order but assembled by part number give the same tag
	shuffled := make([][]byte, len(sums))
	for _, i := range []int{2, 0, 1} {
		shuffled[i] = sums[i]
	}
	if got := MultipartETag(shuffled); got != want {
		t.Errorf("MultipartETag = %s, want %s", got, want)
	}
	if MultipartETag(sums) != MultipartETag(sums) {
		t.Error("MultipartETag not deterministic")
	}
}

func TestParseMultipartETag(t *testing.T) {
	digest := "0123456789abcdef0123456789abcdef"
	tests := []struct {
		etag  string
		parts int
		ok    bool
	}{
		{`"` + digest + `-3"`, 3, true},
		{digest + "-10000", 10000, true},
		{digest, 0, false},
		{digest + "-", 0, false},
		{digest + "-x", 0, false},
		{"short-2", 0, false},
	}
	for _, tt := range tests {
		_, parts, ok := ParseMultipartETag(tt.etag)
		if ok != tt.ok || parts != tt.parts {
			t.Errorf("ParseMultipartETag(%q) = %d, %v; want %d, %v", tt.etag, parts, ok, tt.parts, tt.ok)
		}
	}
}

func TestVerifyDownloadETag(t *testing.T) {
	data := randomBytes(t, 12_000, 6)
	sums := partDigests(data, 5_000)
	good := MultipartETag(sums)
	single := hex.EncodeToString(MD5(data))

	tests := []struct {
		name      string
		etag      string
		sums      [][]byte
		versioned bool
		skip      bool
		integrity bool
	}{
		{"multipart match", `"` + good + `"`, sums, true, false, false},
		{"multipart mismatch", "ffffffffffffffffffffffffffffffff-3", sums, true, false, true},
		{"multipart without version skips", good, sums, false, true, false},
		{"part count differs skips", good[:32] + "-4", sums, true, true, false},
		{"single part match", single, [][]byte{MD5(data)}, false, false, false},
		{"single part mismatch", single, [][]byte{MD5(data[1:])}, false, false, true},
		{"single etag many parts skips", single, sums, true, true, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			skip, err := VerifyDownloadETag(tt.etag, tt.sums, tt.versioned)
			if (skip != "") != tt.skip {
				t.Errorf("skip = %q, want skip=%v", skip, tt.skip)
			}
			var integrity *storage.IntegrityError
			if errors.As(err, &integrity) != tt.integrity {
				t.Errorf("err = %v, want integrity=%v", err, tt.integrity)
			}
		})
	}
}

func TestVerifyUploadETag(t *testing.T) {
	sums := [][]byte{MD5([]byte("a")), MD5([]byte("b"))}
	if err := VerifyUploadETag(`"`+MultipartETag(sums)+`"`, sums); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	err := VerifyUploadETag(MultipartETag(sums[:1]), sums)
	if !errors.Is(err, storage.ErrChecksumMismatch) {
		t.Fatalf("expected checksum mismatch, got %v", err)
	}
}
