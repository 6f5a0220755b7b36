package wire

import (
	"math/big"
	"testing"
)

func TestPrimitivesRoundTrip(t *testing.T) {
	b := NewBuilder(42)
	b.Uint32(0xdeadbeef).
		Bool(true).
		String("ssh-ed25519").
		Bytes([]byte{1, 2, 3}).
		NameList([]string{"aes256-ctr", "aes128-ctr"}).
		MPInt(big.NewInt(0)).
		MPInt(big.NewInt(255))

	r := NewReader(b.Payload())

	msgType, err := r.Byte()
	if err != nil || msgType != 42 {
		t.Fatalf("msgType = %v, %v", msgType, err)
	}
	if v, err := r.Uint32(); err != nil || v != 0xdeadbeef {
		t.Fatalf("Uint32 = %v, %v", v, err)
	}
	if v, err := r.Bool(); err != nil || !v {
		t.Fatalf("Bool = %v, %v", v, err)
	}
	if s, err := r.String(); err != nil || s != "ssh-ed25519" {
		t.Fatalf("String = %q, %v", s, err)
	}
	if v, err := r.Bytes(); err != nil || string(v) != "\x01\x02\x03" {
		t.Fatalf("Bytes = %v, %v", v, err)
	}
	if names, err := r.NameList(); err != nil || len(names) != 2 || names[0] != "aes256-ctr" {
		t.Fatalf("NameList = %v, %v", names, err)
	}
	if n, err := r.MPInt(); err != nil || n.Sign() != 0 {
		t.Fatalf("MPInt(zero) = %v, %v", n, err)
	}
	if n, err := r.MPInt(); err != nil || n.Cmp(big.NewInt(255)) != 0 {
		t.Fatalf("MPInt(255) = %v, %v", n, err)
	}
}

func TestMPIntHighBitPadding(t *testing.T) {
	// 0x80 has its high bit set and must be padded with a leading
	// zero byte so it decodes as +128, not -128.
	b := NewBuilder(0)
	b.MPInt(big.NewInt(128))
	payload := b.Payload()[1:] // skip msg type

	r := NewReader(payload)
	length, err := r.Uint32()
	if err != nil {
		t.Fatal(err)
	}
	if length != 2 {
		t.Fatalf("expected 2-byte encoding (zero pad + 0x80), got %d", length)
	}
}

func TestEmptyNameList(t *testing.T) {
	b := NewBuilder(0)
	b.NameList(nil)
	r := NewReader(b.Payload()[1:])
	names, err := r.NameList()
	if err != nil {
		t.Fatal(err)
	}
	if names != nil {
		t.Fatalf("expected nil for empty name-list, got %v", names)
	}
}

func TestReaderShortBuffer(t *testing.T) {
	r := NewReader([]byte{0, 0, 0, 5, 'a', 'b'})
	if _, err := r.Bytes(); err != ErrShortBuffer {
		t.Fatalf("expected ErrShortBuffer, got %v", err)
	}
}
