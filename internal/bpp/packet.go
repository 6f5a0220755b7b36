package bpp

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
	"sync"
)

const (
	// MinPacketLength and MaxPacketLength bound the packet_length wire
	// field per spec.md §4.1's boundary properties.
	MinPacketLength = 5
	MaxPacketLength = 35000
	minPadding      = 4
)

func init() {
	registerCipher(CipherSpec{Name: "none", KeySize: 0, IVSize: 0, BlockSize: 8, New: newNoneCipher})
	registerMAC(MACSpec{Name: "none", KeySize: 0, TagSize: 0, New: newNoneMAC})
}

type noneCipher struct{}

func newNoneCipher(key, iv []byte) (CipherState, error)  { return noneCipher{}, nil }
func (noneCipher) BlockSize() int                        { return 8 }
func (noneCipher) AEAD() bool                             { return false }
func (noneCipher) XORKeyStream(dst, src []byte)           { copy(dst, src) }

type noneMAC struct{}

func newNoneMAC(key []byte) MACState             { return noneMAC{} }
func (noneMAC) Size() int                        { return 0 }
func (noneMAC) ETM() bool                        { return false }
func (noneMAC) Sum(seq uint32, data []byte) []byte { return nil }

// direction holds the mutable per-direction state of one side of an
// Engine: sequence number, active cipher/MAC/compression, and the
// counters that drive spec.md §4.1's rekey triggers.
type direction struct {
	seq        uint64
	cipher     CipherState
	mac        MACState
	compressor Compressor
	epoch      uint64
	bytes      uint64
	packets    uint64
}

func newDirection() *direction {
	return &direction{cipher: noneCipher{}, mac: noneMAC{}, compressor: noneCompressor{}}
}

// Engine is a bidirectional Binary Packet Protocol instance: one
// Engine handles both the inbound and outbound direction of a single
// session, since they share nothing but the random source.
type Engine struct {
	out, in  *direction
	rand     io.Reader
	writeMu  sync.Mutex
}

// NewEngine constructs an Engine with both directions unkeyed (the
// "none" cipher and MAC), suitable for exchanging the plaintext
// version string and the first KEXINIT.
func NewEngine(randSource io.Reader) *Engine {
	if randSource == nil {
		randSource = rand.Reader
	}
	return &Engine{out: newDirection(), in: newDirection(), rand: randSource}
}

// SetOutboundKeys installs a freshly derived cipher/MAC/compressor for
// the outbound direction and bumps its rekey epoch. Called once per
// NEWKEYS sent.
func (e *Engine) SetOutboundKeys(cipherName, macName, compName string, encKey, iv, macKey []byte) error {
	return e.setKeys(e.out, cipherName, macName, compName, encKey, iv, macKey)
}

// SetInboundKeys installs a freshly derived cipher/MAC/compressor for
// the inbound direction. Called once per NEWKEYS received.
func (e *Engine) SetInboundKeys(cipherName, macName, compName string, encKey, iv, macKey []byte) error {
	return e.setKeys(e.in, cipherName, macName, compName, encKey, iv, macKey)
}

func (e *Engine) setKeys(d *direction, cipherName, macName, compName string, encKey, iv, macKey []byte) error {
	spec, ok := LookupCipher(cipherName)
	if !ok {
		return fmt.Errorf("bpp: unknown cipher %q", cipherName)
	}
	cs, err := spec.New(encKey, iv)
	if err != nil {
		return fmt.Errorf("bpp: initializing cipher %q: %w", cipherName, err)
	}
	d.cipher = cs
	if spec.AEAD {
		d.mac = noneMAC{}
	} else {
		macSpec, ok := LookupMAC(macName)
		if !ok {
			return fmt.Errorf("bpp: unknown mac %q", macName)
		}
		d.mac = macSpec.New(macKey)
	}
	d.compressor = NewCompressor(compName)
	d.epoch++
	d.bytes = 0
	d.packets = 0
	return nil
}

// ResetSequence zeroes a direction's sequence counter. Used only for
// the kex-strict-c/s-v00@openssh.com extension of spec.md §4.2, which
// resets both counters to 0 exactly once, on the first NEWKEYS.
func (e *Engine) ResetSequence(outbound bool) {
	if outbound {
		e.out.seq = 0
	} else {
		e.in.seq = 0
	}
}

// OutboundStats reports the byte and packet counts accumulated on the
// current outbound keys, for the rekey-trigger policy of spec.md §4.1.
func (e *Engine) OutboundStats() (bytes, packets uint64) { return e.out.bytes, e.out.packets }

// InboundStats mirrors OutboundStats for the inbound direction.
func (e *Engine) InboundStats() (bytes, packets uint64) { return e.in.bytes, e.in.packets }

// InboundSequence reports the inbound direction's current sequence
// number: one past the value the most recently read packet carried,
// since ReadPacket captures seq before incrementing it. Unlike
// InboundStats' packet count, this does not reset on an ordinary
// rekey (RFC 4253 §7's sequence numbers run for the life of the
// connection); it is reset only by ResetSequence, for strict-kex.
func (e *Engine) InboundSequence() uint32 { return uint32(e.in.seq) }

// OutboundSequence mirrors InboundSequence for the outbound direction.
func (e *Engine) OutboundSequence() uint32 { return uint32(e.out.seq) }

// OutboundEpoch and InboundEpoch report the rekey epoch of each
// direction, bumped on every SetOutboundKeys/SetInboundKeys call.
// Higher layers can tag a not-yet-sent message with the epoch it was
// enqueued under and detect if a rekey raced it, per the "re-keying
// mid-traffic" design note.
func (e *Engine) OutboundEpoch() uint64 { return e.out.epoch }
func (e *Engine) InboundEpoch() uint64  { return e.in.epoch }

func computePadding(payloadLen, blockSize int) int {
	align := blockSize
	if align < 8 {
		align = 8
	}
	pad := align - ((minPadding + 1 + payloadLen) % align)
	if pad < minPadding {
		pad += align
	}
	return pad
}

// WritePacket frames, compresses, encrypts, and writes one message.
// It is safe for concurrent use; sshcore.Session relies on this to
// implement the single-writer-at-a-time outbound mutex of §5.
func (e *Engine) WritePacket(w io.Writer, payload []byte) error {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	compressed, err := e.out.compressor.Compress(payload)
	if err != nil {
		return fmt.Errorf("bpp: compressing outbound payload: %w", err)
	}

	blockSize := e.out.cipher.BlockSize()
	padLen := computePadding(len(compressed), blockSize)

	padding := make([]byte, padLen)
	if _, err := io.ReadFull(e.rand, padding); err != nil {
		return fmt.Errorf("bpp: generating padding: %w", err)
	}

	packetLen := uint32(1 + len(compressed) + padLen)
	var lengthField [4]byte
	binary.BigEndian.PutUint32(lengthField[:], packetLen)

	seq32 := uint32(e.out.seq)
	var wire []byte

	if aead, ok := e.out.cipher.(AEADCipher); ok {
		wireLen := aead.SealLength(seq32, lengthField)
		body := make([]byte, 0, 1+len(compressed)+padLen)
		body = append(body, byte(padLen))
		body = append(body, compressed...)
		body = append(body, padding...)
		sealed := aead.Seal(seq32, wireLen, body)
		wire = append(append([]byte{}, wireLen[:]...), sealed...)
	} else if e.out.mac.ETM() {
		body := make([]byte, 0, 1+len(compressed)+padLen)
		body = append(body, byte(padLen))
		body = append(body, compressed...)
		body = append(body, padding...)
		ciphertext := make([]byte, len(body))
		e.out.cipher.(StreamCipher).XORKeyStream(ciphertext, body)
		signed := append(append([]byte{}, lengthField[:]...), ciphertext...)
		tag := e.out.mac.Sum(seq32, signed)
		wire = append(signed, tag...)
	} else {
		full := make([]byte, 0, 4+1+len(compressed)+padLen)
		full = append(full, lengthField[:]...)
		full = append(full, byte(padLen))
		full = append(full, compressed...)
		full = append(full, padding...)
		tag := e.out.mac.Sum(seq32, full)
		ciphertext := make([]byte, len(full))
		e.out.cipher.(StreamCipher).XORKeyStream(ciphertext, full)
		wire = append(ciphertext, tag...)
	}

	if _, err := w.Write(wire); err != nil {
		return fmt.Errorf("bpp: writing packet: %w", err)
	}

	e.out.seq++
	e.out.bytes += uint64(len(wire))
	e.out.packets++
	return nil
}

// ReadPacket reads, decrypts, verifies, and decompresses one message,
// returning its payload. Framing failures return a wrapped ErrProtocol
// and authentication failures a wrapped ErrMACMismatch; errors from r
// and from the decompressor are returned without a sentinel.
func (e *Engine) ReadPacket(r io.Reader) ([]byte, error) {
	seq32 := uint32(e.in.seq)
	var plain []byte
	var wireLen int

	if aead, ok := e.in.cipher.(AEADCipher); ok {
		var encLen [4]byte
		if _, err := io.ReadFull(r, encLen[:]); err != nil {
			return nil, err
		}
		lengthField := aead.OpenLength(seq32, encLen)
		length := binary.BigEndian.Uint32(lengthField[:])
		if length < MinPacketLength || length > MaxPacketLength {
			return nil, fmt.Errorf("%w: packet_length %d out of range", ErrProtocol, length)
		}
		sealed := make([]byte, int(length)+aead.Overhead())
		if _, err := io.ReadFull(r, sealed); err != nil {
			return nil, err
		}
		body, err := aead.Open(seq32, encLen, sealed)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMACMismatch, err)
		}
		plain = body
		wireLen = 4 + len(sealed)
	} else if e.in.mac.ETM() {
		var lengthField [4]byte
		if _, err := io.ReadFull(r, lengthField[:]); err != nil {
			return nil, err
		}
		length := binary.BigEndian.Uint32(lengthField[:])
		if length < MinPacketLength || length > MaxPacketLength {
			return nil, fmt.Errorf("%w: packet_length %d out of range", ErrProtocol, length)
		}
		ciphertext := make([]byte, length)
		if _, err := io.ReadFull(r, ciphertext); err != nil {
			return nil, err
		}
		tag := make([]byte, e.in.mac.Size())
		if _, err := io.ReadFull(r, tag); err != nil {
			return nil, err
		}
		signed := append(append([]byte{}, lengthField[:]...), ciphertext...)
		expected := e.in.mac.Sum(seq32, signed)
		if !constantTimeEqual(expected, tag) {
			return nil, fmt.Errorf("%w", ErrMACMismatch)
		}
		body := make([]byte, len(ciphertext))
		e.in.cipher.(StreamCipher).XORKeyStream(body, ciphertext)
		plain = body
		wireLen = 4 + len(ciphertext) + len(tag)
	} else {
		blockSize := e.in.cipher.BlockSize()
		firstBlock := make([]byte, blockSize)
		if _, err := io.ReadFull(r, firstBlock); err != nil {
			return nil, err
		}
		decryptedFirst := make([]byte, blockSize)
		e.in.cipher.(StreamCipher).XORKeyStream(decryptedFirst, firstBlock)
		length := binary.BigEndian.Uint32(decryptedFirst[:4])
		if length < MinPacketLength || length > MaxPacketLength {
			return nil, fmt.Errorf("%w: packet_length %d out of range", ErrProtocol, length)
		}
		total := 4 + int(length)
		if total < blockSize {
			return nil, fmt.Errorf("%w: packet shorter than cipher block", ErrProtocol)
		}
		rest := make([]byte, total-blockSize)
		if len(rest) > 0 {
			if _, err := io.ReadFull(r, rest); err != nil {
				return nil, err
			}
		}
		decryptedRest := make([]byte, len(rest))
		e.in.cipher.(StreamCipher).XORKeyStream(decryptedRest, rest)
		full := append(decryptedFirst, decryptedRest...)

		tag := make([]byte, e.in.mac.Size())
		if len(tag) > 0 {
			if _, err := io.ReadFull(r, tag); err != nil {
				return nil, err
			}
			expected := e.in.mac.Sum(seq32, full)
			if !constantTimeEqual(expected, tag) {
				return nil, fmt.Errorf("%w", ErrMACMismatch)
			}
		}
		plain = full[4:]
		wireLen = total + len(tag)
	}

	if len(plain) < 1 {
		return nil, fmt.Errorf("%w: empty packet body", ErrProtocol)
	}
	padLen := int(plain[0])
	if padLen < minPadding || 1+padLen > len(plain) {
		return nil, fmt.Errorf("%w: padding_length %d invalid", ErrProtocol, padLen)
	}
	compressedPayload := plain[1 : len(plain)-padLen]

	payload, err := e.in.compressor.Decompress(compressedPayload)
	if err != nil {
		return nil, fmt.Errorf("bpp: decompressing inbound payload: %w", err)
	}

	e.in.seq++
	e.in.bytes += uint64(wireLen)
	e.in.packets++
	return payload, nil
}

func constantTimeEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	var v byte
	for i := range a {
		v |= a[i] ^ b[i]
	}
	return v == 0
}
