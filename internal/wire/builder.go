package wire

import (
	"encoding/binary"
	"math/big"
	"strings"
)

// Builder accumulates the payload of a single SSH message. Every method
// returns the receiver so calls can be chained, mirroring the shape of
// the message: NewBuilder(msgKexinit).Raw(cookie).NameList(kexAlgorithms)...
type Builder struct {
	buf []byte
}

// NewBuilder starts a Builder with the message's SSH_MSG_* number already
// written as the first byte.
func NewBuilder(msgType byte) *Builder {
	b := &Builder{buf: make([]byte, 0, 256)}
	b.buf = append(b.buf, msgType)
	return b
}

// Byte appends a single byte.
func (b *Builder) Byte(v byte) *Builder {
	b.buf = append(b.buf, v)
	return b
}

// Uint32 appends a big-endian uint32.
func (b *Builder) Uint32(v uint32) *Builder {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	b.buf = append(b.buf, tmp[:]...)
	return b
}

// Uint64 appends a big-endian uint64.
func (b *Builder) Uint64(v uint64) *Builder {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], v)
	b.buf = append(b.buf, tmp[:]...)
	return b
}

// Bool appends a boolean as a single 0/1 byte.
func (b *Builder) Bool(v bool) *Builder {
	if v {
		return b.Byte(1)
	}
	return b.Byte(0)
}

// Bytes appends an SSH string: a uint32 length followed by the raw bytes.
func (b *Builder) Bytes(p []byte) *Builder {
	b.Uint32(uint32(len(p)))
	b.buf = append(b.buf, p...)
	return b
}

// String appends an SSH string built from a Go string.
func (b *Builder) String(s string) *Builder {
	return b.Bytes([]byte(s))
}

// NameList appends a name-list: a comma-separated ASCII string wrapped
// in an SSH string.
func (b *Builder) NameList(names []string) *Builder {
	return b.String(strings.Join(names, ","))
}

// MPInt appends a multiple-precision integer per RFC 4251 §5: two's
// complement, with a leading zero byte inserted when the high bit of
// the most significant byte would otherwise be set, and the empty
// string for zero.
func (b *Builder) MPInt(n *big.Int) *Builder {
	if n.Sign() == 0 {
		return b.Bytes(nil)
	}
	if n.Sign() < 0 {
		// Negative mpints are not used anywhere in the KEX/auth
		// messages this engine emits; guard against silent misuse.
		panic("wire: negative mpint not supported")
	}
	raw := n.Bytes()
	if raw[0]&0x80 != 0 {
		padded := make([]byte, len(raw)+1)
		copy(padded[1:], raw)
		raw = padded
	}
	return b.Bytes(raw)
}

// Raw appends p verbatim, with no length prefix. Used for cookies,
// fixed-size fields, and payload fragments copied from elsewhere.
func (b *Builder) Raw(p []byte) *Builder {
	b.buf = append(b.buf, p...)
	return b
}

// Payload returns the accumulated message bytes. The Builder must not
// be reused after this call without discarding the returned slice,
// since callers frequently pass it straight to a cipher in place.
func (b *Builder) Payload() []byte {
	return b.buf
}

// Len reports the current payload length.
func (b *Builder) Len() int {
	return len(b.buf)
}
