package encryption

import (
	"crypto/aes"
	"crypto/cipher"
	"fmt"
	"io"

	"github.com/rescale/cloudstore/internal/cloud/storage"
)

const streamBufferSize = 32 * 1024

// EncryptReader produces IV || AES-256-CBC(PKCS7(plaintext)) from a plaintext
// reader. Each part of an object is encrypted with its own EncryptReader, so
// every part carries its own IV.
type EncryptReader struct {
	src  io.Reader
	mode cipher.BlockMode

	buf     []byte // read staging
	pending []byte // plaintext not yet encrypted (less than one block between fills)
	ct      []byte // ciphertext backing store for out
	out     []byte // bytes ready to hand to the caller

	finished bool
	err      error
}

// NewEncryptReader wraps src with a fresh random IV.
func NewEncryptReader(src io.Reader, key []byte) (*EncryptReader, error) {
	iv, err := GenerateIV()
	if err != nil {
		return nil, err
	}
	return newEncryptReaderWithIV(src, key, iv)
}

func newEncryptReaderWithIV(src io.Reader, key, iv []byte) (*EncryptReader, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("key must be %d bytes, got %d", KeySize, len(key))
	}
	if len(iv) != IVSize {
		return nil, fmt.Errorf("IV must be %d bytes, got %d", IVSize, len(iv))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	// the IV is emitted as the first bytes of the stream
	out := make([]byte, IVSize)
	copy(out, iv)

	return &EncryptReader{
		src:     src,
		mode:    cipher.NewCBCEncrypter(block, iv),
		buf:     make([]byte, streamBufferSize),
		pending: make([]byte, 0, streamBufferSize+aes.BlockSize),
		ct:      make([]byte, streamBufferSize+2*aes.BlockSize),
		out:     out,
	}, nil
}

func (r *EncryptReader) Read(p []byte) (int, error) {
	for len(r.out) == 0 {
		if r.finished {
			return 0, io.EOF
		}
		if r.err != nil {
			return 0, r.err
		}
		r.fill()
	}
	n := copy(p, r.out)
	r.out = r.out[n:]
	return n, nil
}

func (r *EncryptReader) fill() {
	n, err := r.src.Read(r.buf)
	r.pending = append(r.pending, r.buf[:n]...)

	switch {
	case err == io.EOF:
		padded := pkcs7Pad(r.pending, aes.BlockSize)
		r.mode.CryptBlocks(r.ct[:len(padded)], padded)
		r.out = r.ct[:len(padded)]
		r.pending = r.pending[:0]
		r.finished = true
		return
	case err != nil:
		r.err = err
	}

	full := len(r.pending) - len(r.pending)%aes.BlockSize
	if full == 0 {
		return
	}
	r.mode.CryptBlocks(r.ct[:full], r.pending[:full])
	r.out = r.ct[:full]
	r.pending = append(r.pending[:0], r.pending[full:]...)
}

// DecryptReader reverses EncryptReader. The IV is read from the head of the
// stream before the cipher is set up; the last block is held back until EOF
// so its padding can be removed.
type DecryptReader struct {
	src   io.Reader
	key   []byte
	block cipher.Block
	mode  cipher.BlockMode

	buf     []byte
	pending []byte
	pt      []byte
	out     []byte

	finished bool
	err      error
}

// NewDecryptReader wraps src, which must start with the IV.
func NewDecryptReader(src io.Reader, key []byte) (*DecryptReader, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("key must be %d bytes, got %d", KeySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	return &DecryptReader{
		src:     src,
		block:   block,
		buf:     make([]byte, streamBufferSize),
		pending: make([]byte, 0, streamBufferSize+aes.BlockSize),
		pt:      make([]byte, streamBufferSize+aes.BlockSize),
	}, nil
}

// readIV consumes the leading IV, however the underlying reads split it.
func (r *DecryptReader) readIV() error {
	iv := make([]byte, IVSize)
	if _, err := io.ReadFull(r.src, iv); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return fmt.Errorf("%w: stream shorter than the IV", storage.ErrDecryptionFailed)
		}
		return err
	}
	r.mode = cipher.NewCBCDecrypter(r.block, iv)
	return nil
}

func (r *DecryptReader) Read(p []byte) (int, error) {
	if r.mode == nil && r.err == nil {
		if err := r.readIV(); err != nil {
			r.err = err
		}
	}
	for len(r.out) == 0 {
		if r.finished {
			return 0, io.EOF
		}
		if r.err != nil {
			return 0, r.err
		}
		r.fill()
	}
	n := copy(p, r.out)
	r.out = r.out[n:]
	return n, nil
}

func (r *DecryptReader) fill() {
	n, err := r.src.Read(r.buf)
	r.pending = append(r.pending, r.buf[:n]...)

	switch {
	case err == io.EOF:
		r.finish()
		return
	case err != nil:
		r.err = err
		return
	}

	// keep between 1 and 16 bytes back: the final block may be padding
	if len(r.pending) <= aes.BlockSize {
		return
	}
	ready := ((len(r.pending) - 1) / aes.BlockSize) * aes.BlockSize
	r.mode.CryptBlocks(r.pt[:ready], r.pending[:ready])
	r.out = r.pt[:ready]
	r.pending = append(r.pending[:0], r.pending[ready:]...)
}

func (r *DecryptReader) finish() {
	if len(r.pending) == 0 || len(r.pending)%aes.BlockSize != 0 {
		r.err = fmt.Errorf("%w: ciphertext is not a whole number of blocks", storage.ErrDecryptionFailed)
		return
	}
	last := r.pt[:len(r.pending)]
	r.mode.CryptBlocks(last, r.pending)
	unpadded, err := pkcs7Unpad(last)
	if err != nil {
		r.err = fmt.Errorf("%w: %v", storage.ErrDecryptionFailed, err)
		return
	}
	r.out = unpadded
	r.pending = r.pending[:0]
	r.finished = true
}
