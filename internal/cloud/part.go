package cloud

import (
	"errors"
	"fmt"
	"io"

	"github.com/rescale/cloudstore/internal/cloud/transfer"
)

// BufferPart opens part's source and reads exactly part.Size bytes into buf,
// returning the filled prefix. A source that is shorter or longer than
// planned means the local file changed under the transfer.
func BufferPart(open PartSource, part transfer.Part, buf []byte) ([]byte, error) {
	if int64(len(buf)) < part.Size {
		return nil, fmt.Errorf("part %d: buffer of %d bytes is smaller than the part (%d)", part.Number, len(buf), part.Size)
	}

	rc, err := open()
	if err != nil {
		return nil, fmt.Errorf("part %d: failed to open source: %w", part.Number, err)
	}
	defer rc.Close()

	data := buf[:part.Size]
	n, err := io.ReadFull(rc, data)
	if errors.Is(err, io.ErrUnexpectedEOF) || (errors.Is(err, io.EOF) && part.Size > 0) {
		return nil, fmt.Errorf("part %d: source ended after %d of %d bytes; file changed during transfer", part.Number, n, part.Size)
	}
	if err != nil {
		return nil, fmt.Errorf("part %d: failed to read source: %w", part.Number, err)
	}

	var one [1]byte
	if extra, _ := rc.Read(one[:]); extra > 0 {
		return nil, fmt.Errorf("part %d: source is longer than %d bytes; file changed during transfer", part.Number, part.Size)
	}
	return data, nil
}
