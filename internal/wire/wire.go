// Package wire implements the length-prefixed field conventions used by
// the SSH agent protocol (RFC 4251 §5 "string" and uint32 encodings):
// an unsigned 32-bit big-endian length, and a "string" field that is such
// a length followed by exactly that many raw (possibly binary) bytes.
//
// This is deliberately a minimal, hand-rolled codec rather than a
// reuse of golang.org/x/crypto/ssh/agent's wire layer: getting this byte
// framing right is the core subject matter this package exists to
// implement, not a detail to delegate away.
package wire

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Reader decodes fields from an underlying byte stream. The read cursor
// advances monotonically; reading past the end of the stream fails.
type Reader struct {
	r io.Reader
}

func NewReader(r io.Reader) *Reader {
	return &Reader{r: r}
}

// ReadUint32 reads a single big-endian uint32.
func (r *Reader) ReadUint32() (uint32, error) {
	var buf [4]byte
	if _, err := io.ReadFull(r.r, buf[:]); err != nil {
		return 0, fmt.Errorf("wire: short read on uint32: %w", err)
	}
	return binary.BigEndian.Uint32(buf[:]), nil
}

// ReadByte reads a single byte, satisfying io.ByteReader.
func (r *Reader) ReadByte() (byte, error) {
	var buf [1]byte
	if _, err := io.ReadFull(r.r, buf[:]); err != nil {
		return 0, fmt.Errorf("wire: short read on byte: %w", err)
	}
	return buf[0], nil
}

// ReadString reads a uint32 length followed by that many raw bytes.
func (r *Reader) ReadString() ([]byte, error) {
	n, err := r.ReadUint32()
	if err != nil {
		return nil, err
	}
	// Guard against a hostile peer claiming an absurd length before we
	// allocate a buffer for it.
	const maxFieldBytes = 1 << 24
	if n > maxFieldBytes {
		return nil, fmt.Errorf("wire: string field too large: %d bytes", n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r.r, buf); err != nil {
		return nil, fmt.Errorf("wire: short read on string body (%d bytes): %w", n, err)
	}
	return buf, nil
}

// Writer accumulates length-prefixed fields into a buffer and exposes
// their total encoded length.
type Writer struct {
	buf []byte
}

func NewWriter() *Writer {
	return &Writer{}
}

func (w *Writer) WriteByte(b byte) {
	w.buf = append(w.buf, b)
}

func (w *Writer) WriteUint32(v uint32) {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	w.buf = append(w.buf, tmp[:]...)
}

// WriteString writes a uint32 length followed by the raw bytes of s.
func (w *Writer) WriteString(s []byte) {
	w.WriteUint32(uint32(len(s)))
	w.buf = append(w.buf, s...)
}

// Bytes returns the accumulated field bytes, without any outer framing.
func (w *Writer) Bytes() []byte {
	return w.buf
}

// Len reports the number of bytes accumulated so far.
func (w *Writer) Len() int {
	return len(w.buf)
}
