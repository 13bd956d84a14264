// Package wire defines the little-endian plaintext layouts carried inside
// envelopes. Every layout starts with either the scalar itself or a 4-byte
// element count; trailing zero padding left by the cipher is ignored.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/opaque/fedknn/pkg/encrypt"
)

// ErrMalformed is returned when a payload is too short for the layout it
// claims to hold. It marks a protocol error rather than a transport failure.
var ErrMalformed = errors.New("malformed payload")

// Writer appends little-endian values to a buffer.
type Writer struct {
	buf []byte
}

// NewWriter creates a writer with room for n bytes.
func NewWriter(n int) *Writer {
	return &Writer{buf: make([]byte, 0, n)}
}

// Uint32 appends v.
func (w *Writer) Uint32(v uint32) {
	w.buf = binary.LittleEndian.AppendUint32(w.buf, v)
}

// Float32 appends the IEEE-754 bits of v.
func (w *Writer) Float32(v float32) {
	w.Uint32(math.Float32bits(v))
}

// Bytes returns the encoded buffer.
func (w *Writer) Bytes() []byte {
	return w.buf
}

// Reader consumes little-endian values from a buffer.
type Reader struct {
	buf []byte
	off int
}

// NewReader creates a reader over b.
func NewReader(b []byte) *Reader {
	return &Reader{buf: b}
}

// Remaining returns the number of unread bytes.
func (r *Reader) Remaining() int {
	return len(r.buf) - r.off
}

// Uint32 reads one uint32.
func (r *Reader) Uint32() (uint32, error) {
	if r.Remaining() < 4 {
		return 0, fmt.Errorf("%w: need 4 bytes at offset %d, have %d", ErrMalformed, r.off, r.Remaining())
	}
	v := binary.LittleEndian.Uint32(r.buf[r.off:])
	r.off += 4
	return v, nil
}

// Float32 reads one float32.
func (r *Reader) Float32() (float32, error) {
	v, err := r.Uint32()
	if err != nil {
		return 0, err
	}
	return math.Float32frombits(v), nil
}

// Count reads an element count and checks that count elements of elemSize
// bytes fit in the rest of the buffer.
func (r *Reader) Count(elemSize int) (int, error) {
	n, err := r.Uint32()
	if err != nil {
		return 0, err
	}
	if uint64(n)*uint64(elemSize) > uint64(r.Remaining()) {
		return 0, fmt.Errorf("%w: count %d overruns %d remaining bytes", ErrMalformed, n, r.Remaining())
	}
	return int(n), nil
}

// EncodeUint32 encodes a scalar count such as a local budget.
func EncodeUint32(v uint32) []byte {
	w := NewWriter(4)
	w.Uint32(v)
	return w.Bytes()
}

// DecodeUint32 decodes a scalar count.
func DecodeUint32(b []byte) (uint32, error) {
	return NewReader(b).Uint32()
}

// EncodeFloat32 encodes a scalar radius or contribution.
func EncodeFloat32(v float32) []byte {
	w := NewWriter(4)
	w.Float32(v)
	return w.Bytes()
}

// DecodeFloat32 decodes a scalar radius or contribution.
func DecodeFloat32(b []byte) (float32, error) {
	return NewReader(b).Float32()
}

// EncodeDistances encodes a candidate distance list: count, then each distance.
func EncodeDistances(d []float32) []byte {
	w := NewWriter(4 + 4*len(d))
	w.Uint32(uint32(len(d)))
	for _, v := range d {
		w.Float32(v)
	}
	return w.Bytes()
}

// DecodeDistances decodes a candidate distance list.
func DecodeDistances(b []byte) ([]float32, error) {
	r := NewReader(b)
	n, err := r.Count(4)
	if err != nil {
		return nil, err
	}
	out := make([]float32, n)
	for i := range out {
		if out[i], err = r.Float32(); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// Seal encrypts an encoded payload.
func Seal(c encrypt.Cipher, payload []byte) ([]byte, error) {
	ct, err := c.Encrypt(payload)
	if err != nil {
		return nil, fmt.Errorf("seal: %w", err)
	}
	return ct, nil
}

// Open decrypts an envelope. Cipher errors are reported as ErrMalformed.
func Open(c encrypt.Cipher, envelope []byte) ([]byte, error) {
	pt, err := c.Decrypt(envelope)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return pt, nil
}

// SealFloat32 encodes and encrypts a scalar.
func SealFloat32(c encrypt.Cipher, v float32) ([]byte, error) {
	return Seal(c, EncodeFloat32(v))
}

// OpenFloat32 decrypts and decodes a scalar.
func OpenFloat32(c encrypt.Cipher, envelope []byte) (float32, error) {
	pt, err := Open(c, envelope)
	if err != nil {
		return 0, err
	}
	return DecodeFloat32(pt)
}

// SealUint32 encodes and encrypts a scalar count.
func SealUint32(c encrypt.Cipher, v uint32) ([]byte, error) {
	return Seal(c, EncodeUint32(v))
}

// OpenUint32 decrypts and decodes a scalar count.
func OpenUint32(c encrypt.Cipher, envelope []byte) (uint32, error) {
	pt, err := Open(c, envelope)
	if err != nil {
		return 0, err
	}
	return DecodeUint32(pt)
}

// SealDistances encodes and encrypts a distance list.
func SealDistances(c encrypt.Cipher, d []float32) ([]byte, error) {
	return Seal(c, EncodeDistances(d))
}

// OpenDistances decrypts and decodes a distance list.
func OpenDistances(c encrypt.Cipher, envelope []byte) ([]float32, error) {
	pt, err := Open(c, envelope)
	if err != nil {
		return nil, err
	}
	return DecodeDistances(pt)
}
