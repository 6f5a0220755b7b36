package wire

import (
	"encoding/binary"
	"errors"
	"math/big"
	"strings"
)

// ErrShortBuffer is returned whenever a Reader method needs more bytes
// than remain in the payload. It always indicates a malformed or
// truncated message from the peer.
var ErrShortBuffer = errors.New("wire: short buffer")

// Reader decodes the primitive types of RFC 4251 §5 from a message
// payload, advancing an internal cursor with every call.
type Reader struct {
	data []byte
	off  int
}

// NewReader wraps payload for sequential decoding. The message type
// byte, if present, is left in place; callers typically read it first
// with Byte.
func NewReader(payload []byte) *Reader {
	return &Reader{data: payload}
}

// Byte reads a single byte.
func (r *Reader) Byte() (byte, error) {
	if r.off+1 > len(r.data) {
		return 0, ErrShortBuffer
	}
	v := r.data[r.off]
	r.off++
	return v, nil
}

// Uint32 reads a big-endian uint32.
func (r *Reader) Uint32() (uint32, error) {
	if r.off+4 > len(r.data) {
		return 0, ErrShortBuffer
	}
	v := binary.BigEndian.Uint32(r.data[r.off : r.off+4])
	r.off += 4
	return v, nil
}

// Uint64 reads a big-endian uint64.
func (r *Reader) Uint64() (uint64, error) {
	if r.off+8 > len(r.data) {
		return 0, ErrShortBuffer
	}
	v := binary.BigEndian.Uint64(r.data[r.off : r.off+8])
	r.off += 8
	return v, nil
}

// Bool reads a boolean; any nonzero byte is true, per RFC 4251 §5.
func (r *Reader) Bool() (bool, error) {
	v, err := r.Byte()
	return v != 0, err
}

// Bytes reads an SSH string as raw bytes.
func (r *Reader) Bytes() ([]byte, error) {
	n, err := r.Uint32()
	if err != nil {
		return nil, err
	}
	if n > uint32(len(r.data)-r.off) {
		return nil, ErrShortBuffer
	}
	v := r.data[r.off : r.off+int(n)]
	r.off += int(n)
	return v, nil
}

// String reads an SSH string as a Go string.
func (r *Reader) String() (string, error) {
	v, err := r.Bytes()
	if err != nil {
		return "", err
	}
	return string(v), nil
}

// NameList reads a comma-separated name-list. An empty list decodes to
// a nil (not single-element-empty-string) slice.
func (r *Reader) NameList() ([]string, error) {
	s, err := r.String()
	if err != nil {
		return nil, err
	}
	if s == "" {
		return nil, nil
	}
	return strings.Split(s, ","), nil
}

// MPInt reads a multiple-precision integer. Only non-negative values
// are expected on the wire for this engine's use (DH/ECDH public
// values and shared secrets); the bytes are decoded as an unsigned
// magnitude, so a two's-complement negative encoding is not recognized.
func (r *Reader) MPInt() (*big.Int, error) {
	raw, err := r.Bytes()
	if err != nil {
		return nil, err
	}
	return new(big.Int).SetBytes(raw), nil
}

// Rest returns every byte not yet consumed, without advancing the
// cursor. Some messages (KEX method-specific data, channel payloads)
// end in an opaque tail the caller decodes separately.
func (r *Reader) Rest() []byte {
	return r.data[r.off:]
}

// Remaining reports how many bytes are left to read.
func (r *Reader) Remaining() int {
	return len(r.data) - r.off
}
