package bpp

import (
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"hash"
)

// MACState computes the per-packet MAC for classic (non-AEAD)
// ciphers. ETM reports whether this MAC signs the ciphertext instead
// of the plaintext (spec.md §4.1's "encrypt-then-MAC" discipline);
// Engine consults it to decide what bytes to feed to Sum.
type MACState interface {
	Size() int
	ETM() bool
	// Sum returns the MAC over seq (big-endian uint32) prepended to data.
	Sum(seq uint32, data []byte) []byte
}

func init() {
	registerMAC(MACSpec{Name: "hmac-sha1", KeySize: 20, TagSize: 20, New: newHMAC(sha1.New, false)})
	registerMAC(MACSpec{Name: "hmac-sha2-256", KeySize: 32, TagSize: 32, New: newHMAC(sha256.New, false)})
	registerMAC(MACSpec{Name: "hmac-sha2-512", KeySize: 64, TagSize: 64, New: newHMAC(sha512.New, false)})
	registerMAC(MACSpec{Name: "hmac-sha1-etm@openssh.com", KeySize: 20, TagSize: 20, ETM: true, New: newHMAC(sha1.New, true)})
	registerMAC(MACSpec{Name: "hmac-sha2-256-etm@openssh.com", KeySize: 32, TagSize: 32, ETM: true, New: newHMAC(sha256.New, true)})
	registerMAC(MACSpec{Name: "hmac-sha2-512-etm@openssh.com", KeySize: 64, TagSize: 64, ETM: true, New: newHMAC(sha512.New, true)})
}

type hmacMAC struct {
	key []byte
	h   func() hash.Hash
	etm bool
}

func newHMAC(h func() hash.Hash, etm bool) func(key []byte) MACState {
	return func(key []byte) MACState {
		return &hmacMAC{key: key, h: h, etm: etm}
	}
}

func (m *hmacMAC) Size() int { return hmac.New(m.h, m.key).Size() }
func (m *hmacMAC) ETM() bool { return m.etm }

func (m *hmacMAC) Sum(seq uint32, data []byte) []byte {
	mac := hmac.New(m.h, m.key)
	var seqBuf [4]byte
	seqBuf[0] = byte(seq >> 24)
	seqBuf[1] = byte(seq >> 16)
	seqBuf[2] = byte(seq >> 8)
	seqBuf[3] = byte(seq)
	mac.Write(seqBuf[:])
	mac.Write(data)
	return mac.Sum(nil)
}
