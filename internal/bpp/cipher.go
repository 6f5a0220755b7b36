package bpp

import (
	"crypto/aes"
	"crypto/cipher"
	"fmt"

	"golang.org/x/crypto/chacha20"
	"golang.org/x/crypto/poly1305"
)

// CipherState is a stateful, directional instance of a negotiated
// cipher, constructed fresh on every NEWKEYS. Classic (non-AEAD)
// ciphers implement StreamCipher; AEAD ciphers implement AEADCipher.
// A CipherState implements exactly one of the two.
type CipherState interface {
	// BlockSize is the value used for the padding-length computation
	// of spec.md §4.1 (max(BlockSize, 8) is the real alignment).
	BlockSize() int
	AEAD() bool
}

// StreamCipher encrypts or decrypts a full plaintext (or ciphertext)
// packet buffer in place. Used by classic ciphers, paired with a
// MACState computed separately.
type StreamCipher interface {
	CipherState
	XORKeyStream(dst, src []byte)
}

// AEADCipher seals or opens a packet, folding confidentiality and
// integrity into one operation keyed by the packet sequence number.
// The packet_length field is handled per-algorithm: chacha20-poly1305
// encrypts it with a second stream, GCM authenticates it as
// associated data without encrypting it.
type AEADCipher interface {
	CipherState
	// Overhead is the number of trailing tag bytes SealPacket appends.
	Overhead() int
	// SealLength encrypts (or, for GCM, passes through) the 4-byte
	// wire length field for sequence number seq.
	SealLength(seq uint32, length [4]byte) [4]byte
	// OpenLength is the inverse of SealLength, used to learn the
	// plaintext packet_length before the rest of the packet has
	// arrived.
	OpenLength(seq uint32, encLength [4]byte) [4]byte
	// Seal encrypts plaintext (padding_length||payload||padding) and
	// appends the authentication tag, authenticating lengthField as
	// associated data.
	Seal(seq uint32, lengthField [4]byte, plaintext []byte) []byte
	// Open verifies and decrypts a sealed packet body (ciphertext plus
	// trailing tag), authenticating lengthField as associated data.
	Open(seq uint32, lengthField [4]byte, sealed []byte) ([]byte, error)
}

func init() {
	registerCipher(CipherSpec{Name: "aes128-ctr", KeySize: 16, IVSize: 16, BlockSize: 16, New: newAESCTR})
	registerCipher(CipherSpec{Name: "aes192-ctr", KeySize: 24, IVSize: 16, BlockSize: 16, New: newAESCTR})
	registerCipher(CipherSpec{Name: "aes256-ctr", KeySize: 32, IVSize: 16, BlockSize: 16, New: newAESCTR})
	registerCipher(CipherSpec{Name: "aes128-gcm@openssh.com", KeySize: 16, IVSize: 12, BlockSize: 16, AEAD: true, New: newAESGCM})
	registerCipher(CipherSpec{Name: "aes256-gcm@openssh.com", KeySize: 32, IVSize: 12, BlockSize: 16, AEAD: true, New: newAESGCM})
	// chacha20-poly1305@openssh.com carries both sub-keys in the
	// "encryption key" slot: 32 bytes for the main cipher (K_2)
	// followed by 32 bytes for the length cipher (K_1). It uses no
	// separate IV and no separate MAC.
	registerCipher(CipherSpec{Name: "chacha20-poly1305@openssh.com", KeySize: 64, IVSize: 0, BlockSize: 8, AEAD: true, New: newChaCha20Poly1305})
}

// --- aes*-ctr -------------------------------------------------------

type aesCTR struct {
	stream cipher.Stream
}

func newAESCTR(key, iv []byte) (CipherState, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return &aesCTR{stream: cipher.NewCTR(block, iv)}, nil
}

func (c *aesCTR) BlockSize() int                     { return aes.BlockSize }
func (c *aesCTR) AEAD() bool                         { return false }
func (c *aesCTR) XORKeyStream(dst, src []byte)       { c.stream.XORKeyStream(dst, src) }

// --- aes*-gcm@openssh.com -------------------------------------------

type aesGCM struct {
	aead      cipher.AEAD
	fixed     [4]byte
	invocation uint64
}

func newAESGCM(key, iv []byte) (CipherState, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	if len(iv) != 12 {
		return nil, fmt.Errorf("bpp: aes-gcm requires a 12-byte IV, got %d", len(iv))
	}
	g := &aesGCM{aead: gcm}
	copy(g.fixed[:], iv[:4])
	g.invocation = uint64(iv[4])<<56 | uint64(iv[5])<<48 | uint64(iv[6])<<40 | uint64(iv[7])<<32 |
		uint64(iv[8])<<24 | uint64(iv[9])<<16 | uint64(iv[10])<<8 | uint64(iv[11])
	return g, nil
}

func (g *aesGCM) BlockSize() int { return 16 }
func (g *aesGCM) AEAD() bool     { return true }
func (g *aesGCM) Overhead() int  { return g.aead.Overhead() }

// nonce returns the 12-byte GCM nonce for the given invocation, per
// RFC 5647: a 4-byte fixed field followed by an 8-byte counter that
// increments once per packet, seeded from the negotiated IV.
func (g *aesGCM) nonce(invocation uint64) []byte {
	n := make([]byte, 12)
	copy(n[:4], g.fixed[:])
	n[4] = byte(invocation >> 56)
	n[5] = byte(invocation >> 48)
	n[6] = byte(invocation >> 40)
	n[7] = byte(invocation >> 32)
	n[8] = byte(invocation >> 24)
	n[9] = byte(invocation >> 16)
	n[10] = byte(invocation >> 8)
	n[11] = byte(invocation)
	return n
}

func (g *aesGCM) SealLength(seq uint32, length [4]byte) [4]byte { return length }
func (g *aesGCM) OpenLength(seq uint32, encLength [4]byte) [4]byte { return encLength }

func (g *aesGCM) Seal(seq uint32, lengthField [4]byte, plaintext []byte) []byte {
	out := g.aead.Seal(nil, g.nonce(g.invocation), plaintext, lengthField[:])
	g.invocation++
	return out
}

func (g *aesGCM) Open(seq uint32, lengthField [4]byte, sealed []byte) ([]byte, error) {
	out, err := g.aead.Open(nil, g.nonce(g.invocation), sealed, lengthField[:])
	g.invocation++
	return out, err
}

// --- chacha20-poly1305@openssh.com -----------------------------------

type chacha20Poly1305 struct {
	mainKey   [32]byte
	lengthKey [32]byte
}

func newChaCha20Poly1305(key, iv []byte) (CipherState, error) {
	if len(key) != 64 {
		return nil, fmt.Errorf("bpp: chacha20-poly1305 requires a 64-byte key, got %d", len(key))
	}
	c := &chacha20Poly1305{}
	copy(c.mainKey[:], key[:32])
	copy(c.lengthKey[:], key[32:])
	return c, nil
}

func (c *chacha20Poly1305) BlockSize() int { return 8 }
func (c *chacha20Poly1305) AEAD() bool     { return true }
func (c *chacha20Poly1305) Overhead() int  { return poly1305.TagSize }

// seqNonce builds the 12-byte ChaCha20 nonce used for both sub-ciphers:
// eight zero bytes followed by the 4-byte big-endian sequence number.
func seqNonce(seq uint32) []byte {
	return []byte{0, 0, 0, 0, 0, 0, 0, 0, byte(seq >> 24), byte(seq >> 16), byte(seq >> 8), byte(seq)}
}

func (c *chacha20Poly1305) SealLength(seq uint32, length [4]byte) [4]byte {
	s, err := chacha20.NewUnauthenticatedCipher(c.lengthKey[:], seqNonce(seq))
	if err != nil {
		panic(err) // key/nonce sizes are fixed and always valid
	}
	var out [4]byte
	s.XORKeyStream(out[:], length[:])
	return out
}

func (c *chacha20Poly1305) OpenLength(seq uint32, encLength [4]byte) [4]byte {
	return c.SealLength(seq, encLength) // XOR is its own inverse
}

func (c *chacha20Poly1305) mainStream(seq uint32) *chacha20.Cipher {
	s, err := chacha20.NewUnauthenticatedCipher(c.mainKey[:], seqNonce(seq))
	if err != nil {
		panic(err)
	}
	return s
}

func (c *chacha20Poly1305) polyKey(s *chacha20.Cipher) [32]byte {
	var block [64]byte
	s.XORKeyStream(block[:], block[:])
	var key [32]byte
	copy(key[:], block[:32])
	return key
}

func (c *chacha20Poly1305) Seal(seq uint32, lengthField [4]byte, plaintext []byte) []byte {
	s := c.mainStream(seq)
	polyKey := c.polyKey(s)
	s.SetCounter(1)

	ciphertext := make([]byte, len(plaintext))
	s.XORKeyStream(ciphertext, plaintext)

	var mac [16]byte
	poly1305.Sum(&mac, append(append([]byte{}, lengthField[:]...), ciphertext...), &polyKey)

	return append(ciphertext, mac[:]...)
}

func (c *chacha20Poly1305) Open(seq uint32, lengthField [4]byte, sealed []byte) ([]byte, error) {
	if len(sealed) < poly1305.TagSize {
		return nil, fmt.Errorf("bpp: chacha20-poly1305 packet too short")
	}
	ciphertext := sealed[:len(sealed)-poly1305.TagSize]
	tag := sealed[len(sealed)-poly1305.TagSize:]

	s := c.mainStream(seq)
	polyKey := c.polyKey(s)

	var got [16]byte
	poly1305.Sum(&got, append(append([]byte{}, lengthField[:]...), ciphertext...), &polyKey)
	if !poly1305Equal(got[:], tag) {
		return nil, ErrMACMismatch
	}

	s.SetCounter(1)
	plaintext := make([]byte, len(ciphertext))
	s.XORKeyStream(plaintext, ciphertext)
	return plaintext, nil
}

func poly1305Equal(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	var v byte
	for i := range a {
		v |= a[i] ^ b[i]
	}
	return v == 0
}
