// Package cipherstream wraps a byte stream in AES/CBC so that protocol
// frames can be encrypted without changing how they are encoded.
//
// The writer never emits a partial block. Flush pads the pending block
// with a pad byte, adding a whole block when the output is already
// aligned, so each side sees every flushed frame in full. The reader
// therefore never has to wait for bytes of the next frame to decrypt the
// current one. Pad bytes are skipped by the frame reader.
package cipherstream

import (
	"crypto/aes"
	"crypto/cipher"
	"errors"
	"fmt"
	"io"
	"sync"

	"golang.org/x/text/encoding/charmap"
)

// ErrCipherInitFailed is returned when the cipher cannot be built from the
// provided key material. It is fatal for the connection.
var ErrCipherInitFailed = errors.New("cipher init failed")

// sessionIVText is encoded as ISO-8859-5, one byte per character.
const sessionIVText = "СмотретьНеВр3дн0"

// SessionIV returns the fixed 16 byte initialization vector both peers use.
func SessionIV() []byte {
	iv, err := charmap.ISO8859_5.NewEncoder().Bytes([]byte(sessionIVText))
	if err != nil {
		// The constant is representable in ISO-8859-5.
		panic(fmt.Sprintf("cipherstream: encode session IV: %v", err))
	}
	return iv
}

// NewAES builds the encrypting and decrypting CBC modes for key. The key
// must be 16, 24 or 32 bytes long.
func NewAES(key, iv []byte) (enc, dec cipher.BlockMode, err error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrCipherInitFailed, err)
	}
	if len(iv) != block.BlockSize() {
		return nil, nil, fmt.Errorf("%w: iv length %d, want %d", ErrCipherInitFailed, len(iv), block.BlockSize())
	}
	return cipher.NewCBCEncrypter(block, iv), cipher.NewCBCDecrypter(block, iv), nil
}

// CheckKey reports whether key can key a session.
func CheckKey(key []byte) error {
	_, _, err := NewAES(key, SessionIV())
	return err
}

// NewSessionPair builds the writer and reader for one connection keyed by
// key and the session IV.
func NewSessionPair(key []byte, w io.Writer, r io.Reader, pad byte) (*Writer, *Reader, error) {
	enc, dec, err := NewAES(key, SessionIV())
	if err != nil {
		return nil, nil, err
	}
	return NewWriter(w, enc, pad), NewReader(r, dec), nil
}

type flusher interface {
	Flush() error
}

// Writer encrypts everything written to it. It is not safe for concurrent
// use; callers serialize writes.
type Writer struct {
	w       io.Writer
	mode    cipher.BlockMode
	pad     byte
	pending []byte
	out     []byte
	written int64

	closeOnce sync.Once
	closeErr  error
}

// NewWriter returns a Writer that encrypts with mode and pads with pad.
func NewWriter(w io.Writer, mode cipher.BlockMode, pad byte) *Writer {
	return &Writer{w: w, mode: mode, pad: pad}
}

// Write buffers p and writes out every complete block.
func (w *Writer) Write(p []byte) (int, error) {
	if w.mode == nil {
		return 0, io.ErrClosedPipe
	}
	w.pending = append(w.pending, p...)
	w.written += int64(len(p))

	bs := w.mode.BlockSize()
	full := len(w.pending) - len(w.pending)%bs
	if full == 0 {
		return len(p), nil
	}
	if cap(w.out) < full {
		w.out = make([]byte, full)
	}
	out := w.out[:full]
	w.mode.CryptBlocks(out, w.pending[:full])
	n := copy(w.pending, w.pending[full:])
	w.pending = w.pending[:n]
	if _, err := w.w.Write(out); err != nil {
		return len(p), fmt.Errorf("write ciphertext: %w", err)
	}
	return len(p), nil
}

// Flush pads to the next block boundary and flushes the sink if it has a
// Flush method. When the output is already aligned a full block of
// padding is written.
func (w *Writer) Flush() error {
	if w.mode == nil {
		return io.ErrClosedPipe
	}
	bs := w.mode.BlockSize()
	n := bs - int(w.written%int64(bs))
	padding := make([]byte, n)
	for i := range padding {
		padding[i] = w.pad
	}
	if _, err := w.Write(padding); err != nil {
		return err
	}
	if f, ok := w.w.(flusher); ok {
		return f.Flush()
	}
	return nil
}

// Close pads any pending partial block, drops the cipher state and closes
// the sink if it is an io.Closer. Unlike Flush it adds no padding block to
// an aligned stream. Subsequent calls return the first result.
func (w *Writer) Close() error {
	w.closeOnce.Do(func() {
		var errs []error
		if len(w.pending) > 0 {
			errs = append(errs, w.Flush())
		} else if f, ok := w.w.(flusher); ok {
			errs = append(errs, f.Flush())
		}
		w.mode = nil
		w.pending = nil
		if c, ok := w.w.(io.Closer); ok {
			errs = append(errs, c.Close())
		}
		w.closeErr = errors.Join(errs...)
	})
	return w.closeErr
}

// Reader decrypts a stream produced by Writer.
type Reader struct {
	r     io.Reader
	mode  cipher.BlockMode
	in    []byte // ciphertext not yet forming a whole block
	plain []byte // decrypted, not yet returned
	buf   []byte
}

// NewReader returns a Reader that decrypts r with mode.
func NewReader(r io.Reader, mode cipher.BlockMode) *Reader {
	return &Reader{r: r, mode: mode, buf: make([]byte, 4096)}
}

// Read returns decrypted bytes as soon as a whole block is available.
func (r *Reader) Read(p []byte) (int, error) {
	bs := r.mode.BlockSize()
	for len(r.plain) == 0 {
		n, err := r.r.Read(r.buf)
		r.in = append(r.in, r.buf[:n]...)
		if full := len(r.in) - len(r.in)%bs; full > 0 {
			r.mode.CryptBlocks(r.in[:full], r.in[:full])
			r.plain = append(r.plain[:0], r.in[:full]...)
			m := copy(r.in, r.in[full:])
			r.in = r.in[:m]
		}
		if len(r.plain) > 0 {
			break
		}
		if err != nil {
			if errors.Is(err, io.EOF) && len(r.in) > 0 {
				return 0, io.ErrUnexpectedEOF
			}
			return 0, err
		}
	}
	n := copy(p, r.plain)
	r.plain = r.plain[n:]
	return n, nil
}
