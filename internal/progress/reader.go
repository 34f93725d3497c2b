package progress

import (
	"io"
	"strconv"
)

// PartID is the Sink key used for a part number.
func PartID(n int) string {
	return strconv.Itoa(n)
}

// Reader reports the cumulative bytes read from r to a Sink.
type Reader struct {
	r      io.Reader
	sink   Sink
	partID string
	n      int64
}

// NewReader wraps r. A nil sink reports nowhere.
func NewReader(r io.Reader, sink Sink, partID string) *Reader {
	if sink == nil {
		sink = Nop{}
	}
	return &Reader{r: r, sink: sink, partID: partID}
}

func (pr *Reader) Read(p []byte) (int, error) {
	n, err := pr.r.Read(p)
	if n > 0 {
		pr.n += int64(n)
		pr.sink.Transferred(pr.partID, pr.n)
	}
	return n, err
}

// SeekReader is a Reader over an io.ReadSeeker. SDKs rewind request bodies
// when they re-sign or resend, and the reported position follows the seek.
type SeekReader struct {
	Reader
	rs io.ReadSeeker
}

// NewSeekReader wraps rs.
func NewSeekReader(rs io.ReadSeeker, sink Sink, partID string) *SeekReader {
	return &SeekReader{Reader: *NewReader(rs, sink, partID), rs: rs}
}

// Seek implements io.Seeker.
func (sr *SeekReader) Seek(offset int64, whence int) (int64, error) {
	pos, err := sr.rs.Seek(offset, whence)
	if err != nil {
		return pos, err
	}
	if pos != sr.n {
		sr.n = pos
		sr.sink.Transferred(sr.partID, pos)
	}
	return pos, nil
}
