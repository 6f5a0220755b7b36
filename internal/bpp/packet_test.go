package bpp

import (
	"bytes"
	"crypto/rand"
	"errors"
	"testing"
)

func mustKey(n int) []byte {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		panic(err)
	}
	return b
}

func TestEnginePlaintextRoundTrip(t *testing.T) {
	tx := NewEngine(rand.Reader)
	rx := NewEngine(rand.Reader)

	var wire bytes.Buffer
	payload := []byte("SSH_MSG_KEXINIT payload goes here")
	if err := tx.WritePacket(&wire, payload); err != nil {
		t.Fatalf("WritePacket: %v", err)
	}
	got, err := rx.ReadPacket(&wire)
	if err != nil {
		t.Fatalf("ReadPacket: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("round trip mismatch: got %q want %q", got, payload)
	}
	if tx.out.seq != 1 || rx.in.seq != 1 {
		t.Fatalf("sequence numbers did not advance: out=%d in=%d", tx.out.seq, rx.in.seq)
	}
}

func TestEngineClassicCipherRoundTrip(t *testing.T) {
	tx := NewEngine(rand.Reader)
	rx := NewEngine(rand.Reader)

	encKey := mustKey(16)
	iv := mustKey(16)
	macKey := mustKey(32)

	if err := tx.SetOutboundKeys("aes128-ctr", "hmac-sha2-256", "none", encKey, iv, macKey); err != nil {
		t.Fatalf("SetOutboundKeys: %v", err)
	}
	if err := rx.SetInboundKeys("aes128-ctr", "hmac-sha2-256", "none", encKey, iv, macKey); err != nil {
		t.Fatalf("SetInboundKeys: %v", err)
	}

	for i := 0; i < 3; i++ {
		var wire bytes.Buffer
		payload := []byte("payload number")
		if err := tx.WritePacket(&wire, payload); err != nil {
			t.Fatalf("WritePacket %d: %v", i, err)
		}
		got, err := rx.ReadPacket(&wire)
		if err != nil {
			t.Fatalf("ReadPacket %d: %v", i, err)
		}
		if !bytes.Equal(got, payload) {
			t.Fatalf("round trip %d mismatch: got %q", i, got)
		}
	}
}

func TestEngineETMCipherRoundTrip(t *testing.T) {
	tx := NewEngine(rand.Reader)
	rx := NewEngine(rand.Reader)

	encKey := mustKey(16)
	iv := mustKey(16)
	macKey := mustKey(32)

	if err := tx.SetOutboundKeys("aes128-ctr", "hmac-sha2-256-etm@openssh.com", "none", encKey, iv, macKey); err != nil {
		t.Fatalf("SetOutboundKeys: %v", err)
	}
	if err := rx.SetInboundKeys("aes128-ctr", "hmac-sha2-256-etm@openssh.com", "none", encKey, iv, macKey); err != nil {
		t.Fatalf("SetInboundKeys: %v", err)
	}

	var wire bytes.Buffer
	payload := []byte("etm payload")
	if err := tx.WritePacket(&wire, payload); err != nil {
		t.Fatalf("WritePacket: %v", err)
	}
	got, err := rx.ReadPacket(&wire)
	if err != nil {
		t.Fatalf("ReadPacket: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("round trip mismatch: got %q", got)
	}
}

func TestEngineAEADRoundTrip(t *testing.T) {
	for _, name := range []string{"aes128-gcm@openssh.com", "chacha20-poly1305@openssh.com"} {
		t.Run(name, func(t *testing.T) {
			tx := NewEngine(rand.Reader)
			rx := NewEngine(rand.Reader)

			spec, ok := LookupCipher(name)
			if !ok {
				t.Fatalf("cipher %q not registered", name)
			}
			encKey := mustKey(spec.KeySize)
			iv := mustKey(spec.IVSize)
			if spec.IVSize == 0 {
				iv = nil
			}

			if err := tx.SetOutboundKeys(name, "", "none", encKey, iv, nil); err != nil {
				t.Fatalf("SetOutboundKeys: %v", err)
			}
			if err := rx.SetInboundKeys(name, "", "none", encKey, iv, nil); err != nil {
				t.Fatalf("SetInboundKeys: %v", err)
			}

			for i := 0; i < 2; i++ {
				var wire bytes.Buffer
				payload := []byte("aead payload content")
				if err := tx.WritePacket(&wire, payload); err != nil {
					t.Fatalf("WritePacket %d: %v", i, err)
				}
				got, err := rx.ReadPacket(&wire)
				if err != nil {
					t.Fatalf("ReadPacket %d: %v", i, err)
				}
				if !bytes.Equal(got, payload) {
					t.Fatalf("round trip %d mismatch: got %q", i, got)
				}
			}
		})
	}
}

func TestEnginePaddingMinimum(t *testing.T) {
	if p := computePadding(0, 16); p < minPadding {
		t.Fatalf("padding %d below minimum %d", p, minPadding)
	}
	for n := 0; n < 64; n++ {
		p := computePadding(n, 8)
		if p < minPadding {
			t.Fatalf("payload len %d: padding %d below minimum", n, p)
		}
		if (4+1+n+p)%8 != 0 {
			t.Fatalf("payload len %d: total %d not block-aligned", n, 4+1+n+p)
		}
	}
}

func TestEngineMACMismatchClassified(t *testing.T) {
	tx := NewEngine(rand.Reader)
	rx := NewEngine(rand.Reader)

	encKey := mustKey(16)
	iv := mustKey(16)
	macKey := mustKey(32)
	if err := tx.SetOutboundKeys("aes128-ctr", "hmac-sha2-256", "none", encKey, iv, macKey); err != nil {
		t.Fatalf("SetOutboundKeys: %v", err)
	}
	badMACKey := mustKey(32)
	if err := rx.SetInboundKeys("aes128-ctr", "hmac-sha2-256", "none", encKey, iv, badMACKey); err != nil {
		t.Fatalf("SetInboundKeys: %v", err)
	}

	var wire bytes.Buffer
	if err := tx.WritePacket(&wire, []byte("tampered")); err != nil {
		t.Fatalf("WritePacket: %v", err)
	}
	_, err := rx.ReadPacket(&wire)
	if err == nil {
		t.Fatal("expected MAC verification failure")
	}
	if !errors.Is(err, ErrMACMismatch) {
		t.Fatalf("expected ErrMACMismatch, got %v", err)
	}
	if ClassifyError(err) != ReasonMACError {
		t.Fatalf("expected ReasonMACError, got %v", ClassifyError(err))
	}
}
