package bpp

import (
	"bytes"
	"compress/zlib"
	"io"
)

// Compressor applies or removes the negotiated compression algorithm
// to a decoded packet payload, before encryption on the way out and
// after decryption on the way in.
type Compressor interface {
	Name() string
	Compress(payload []byte) ([]byte, error)
	Decompress(payload []byte) ([]byte, error)
}

// noneCompressor implements the "none" algorithm, required by RFC
// 4253 §6.2 to always be available.
type noneCompressor struct{}

func (noneCompressor) Name() string                             { return "none" }
func (noneCompressor) Compress(p []byte) ([]byte, error)        { return p, nil }
func (noneCompressor) Decompress(p []byte) ([]byte, error)      { return p, nil }

// NewCompressor constructs the Compressor for a negotiated name.
// Unknown names fall back to "none" -- negotiation in kex.Negotiate
// never selects a name this function doesn't recognize, so this path
// is defensive only.
func NewCompressor(name string) Compressor {
	switch name {
	case "zlib", "zlib@openssh.com":
		return &zlibCompressor{}
	default:
		return noneCompressor{}
	}
}

// zlibCompressor implements the "zlib" (and delayed-activation
// "zlib@openssh.com") compression algorithm. A fresh writer/reader
// pair is *not* created per packet: zlib's dictionary carries across
// packets for the life of a direction, matching RFC 4253's stream
// semantics.
type zlibCompressor struct {
	w       *zlib.Writer
	wBuf    bytes.Buffer
	r       io.ReadCloser
	rBuf    bytes.Buffer
	started bool
}

func (z *zlibCompressor) Name() string { return "zlib" }

func (z *zlibCompressor) Compress(payload []byte) ([]byte, error) {
	z.wBuf.Reset()
	if z.w == nil {
		z.w = zlib.NewWriter(&z.wBuf)
	}
	if _, err := z.w.Write(payload); err != nil {
		return nil, err
	}
	if err := z.w.Flush(); err != nil {
		return nil, err
	}
	out := make([]byte, z.wBuf.Len())
	copy(out, z.wBuf.Bytes())
	return out, nil
}

func (z *zlibCompressor) Decompress(payload []byte) ([]byte, error) {
	z.rBuf.Reset()
	z.rBuf.Write(payload)
	var err error
	if z.r == nil {
		z.r, err = zlib.NewReader(&z.rBuf)
		if err != nil {
			return nil, err
		}
	}
	out, err := io.ReadAll(z.r)
	if err != nil && err != io.EOF {
		return nil, err
	}
	return out, nil
}
