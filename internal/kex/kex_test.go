package kex

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"io"
	"os"
	"testing"

	"sshcore/internal/bpp"
)

// duplexPipe wraps a pair of OS pipes into a single io.ReadWriter, one
// per side of a simulated connection. Unlike net.Pipe, OS pipes carry
// a real kernel buffer, so both sides of a handshake can send their
// first message before either has read anything -- matching how an
// actual TCP socket behaves and avoiding a lock-step artificial
// deadlock that a purely synchronous rendezvous pipe would introduce.
type duplexPipe struct {
	r *os.File
	w *os.File
}

func (d *duplexPipe) Read(p []byte) (int, error)  { return d.r.Read(p) }
func (d *duplexPipe) Write(p []byte) (int, error) { return d.w.Write(p) }
func (d *duplexPipe) Close() error {
	d.r.Close()
	return d.w.Close()
}

func newDuplexPair(t *testing.T) (io.ReadWriter, io.ReadWriter, func()) {
	t.Helper()
	ar, bw, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe: %v", err)
	}
	br, aw, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe: %v", err)
	}
	a := &duplexPipe{r: ar, w: aw}
	b := &duplexPipe{r: br, w: bw}
	return a, b, func() { a.Close(); b.Close() }
}

func TestKexInitRoundTrip(t *testing.T) {
	msg := &KexInitMessage{
		Preferences: Preferences{
			KexAlgorithms:           []string{"curve25519-sha256", "ecdh-sha2-nistp256"},
			ServerHostKeyAlgorithms: []string{"ssh-ed25519"},
			CiphersClientToServer:   []string{"aes128-ctr"},
			CiphersServerToClient:   []string{"aes128-ctr"},
			MACsClientToServer:      []string{"hmac-sha2-256"},
			MACsServerToClient:      []string{"hmac-sha2-256"},
			CompressionsC2S:         []string{"none"},
			CompressionsS2C:         []string{"none"},
		},
	}
	encoded := msg.Encode(rand.Reader)
	decoded, err := DecodeKexInit(encoded)
	if err != nil {
		t.Fatalf("DecodeKexInit: %v", err)
	}
	if decoded.KexAlgorithms[0] != "curve25519-sha256" {
		t.Fatalf("kex algorithm list mismatch: %v", decoded.KexAlgorithms)
	}
	if decoded.Cookie != msg.Cookie {
		t.Fatalf("cookie mismatch")
	}
}

func TestNegotiateFirstMatch(t *testing.T) {
	client := &KexInitMessage{Preferences: Preferences{
		KexAlgorithms:           []string{"curve25519-sha256", "ecdh-sha2-nistp256"},
		ServerHostKeyAlgorithms: []string{"ssh-ed25519"},
		CiphersClientToServer:   []string{"chacha20-poly1305@openssh.com", "aes128-ctr"},
		CiphersServerToClient:   []string{"chacha20-poly1305@openssh.com", "aes128-ctr"},
		MACsClientToServer:      []string{"hmac-sha2-256"},
		MACsServerToClient:      []string{"hmac-sha2-256"},
		CompressionsC2S:         []string{"none"},
		CompressionsS2C:         []string{"none"},
	}}
	server := &KexInitMessage{Preferences: Preferences{
		KexAlgorithms:           []string{"ecdh-sha2-nistp256", "curve25519-sha256"},
		ServerHostKeyAlgorithms: []string{"ssh-ed25519"},
		CiphersClientToServer:   []string{"aes128-ctr", "chacha20-poly1305@openssh.com"},
		CiphersServerToClient:   []string{"aes128-ctr", "chacha20-poly1305@openssh.com"},
		MACsClientToServer:      []string{"hmac-sha2-256"},
		MACsServerToClient:      []string{"hmac-sha2-256"},
		CompressionsC2S:         []string{"none"},
		CompressionsS2C:         []string{"none"},
	}}
	n, err := Negotiate(client, server)
	if err != nil {
		t.Fatalf("Negotiate: %v", err)
	}
	if n.Kex != "curve25519-sha256" {
		t.Fatalf("expected curve25519-sha256, got %s", n.Kex)
	}
	if n.CipherClientToServer != "chacha20-poly1305@openssh.com" {
		t.Fatalf("expected chacha20-poly1305@openssh.com, got %s", n.CipherClientToServer)
	}
	if n.MACClientToServer != "" {
		t.Fatalf("expected no mac for an AEAD cipher, got %q", n.MACClientToServer)
	}
}

func TestNegotiateNoCommonAlgorithm(t *testing.T) {
	client := &KexInitMessage{Preferences: Preferences{KexAlgorithms: []string{"curve25519-sha256"}}}
	server := &KexInitMessage{Preferences: Preferences{KexAlgorithms: []string{"ecdh-sha2-nistp256"}}}
	if _, err := Negotiate(client, server); err == nil {
		t.Fatal("expected an error for disjoint kex algorithm lists")
	}
}

type memHostKey struct {
	pub  ed25519.PublicKey
	priv ed25519.PrivateKey
}

func (k *memHostKey) Algorithm() string      { return "ssh-ed25519" }
func (k *memHostKey) PublicKeyBlob() []byte  { return marshalEd25519Pub(k.pub) }
func (k *memHostKey) Sign(h []byte) ([]byte, error) { return signEd25519(k.priv, h) }

func TestFullHandshakeCurve25519(t *testing.T) {
	clientConn, serverConn, closePipes := newDuplexPair(t)
	defer closePipes()

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	hostKey := &memHostKey{pub: pub, priv: priv}

	prefs := Preferences{
		KexAlgorithms:           []string{"curve25519-sha256"},
		ServerHostKeyAlgorithms: []string{"ssh-ed25519"},
		CiphersClientToServer:   []string{"chacha20-poly1305@openssh.com"},
		CiphersServerToClient:   []string{"chacha20-poly1305@openssh.com"},
		CompressionsC2S:         []string{"none"},
		CompressionsS2C:         []string{"none"},
	}

	clientEngine := bpp.NewEngine(rand.Reader)
	serverEngine := bpp.NewEngine(rand.Reader)

	type outcome struct {
		res *Result
		err error
	}
	clientCh := make(chan outcome, 1)
	serverCh := make(chan outcome, 1)

	go func() {
		res, err := RunClient(clientConn, clientEngine, rand.Reader, []byte("SSH-2.0-test_client"), []byte("SSH-2.0-test_server"), prefs, nil, func(algo string, blob []byte) bool { return true })
		clientCh <- outcome{res, err}
	}()
	go func() {
		res, err := RunServer(serverConn, serverEngine, rand.Reader, []byte("SSH-2.0-test_client"), []byte("SSH-2.0-test_server"), prefs, nil, hostKey)
		serverCh <- outcome{res, err}
	}()

	clientOut := <-clientCh
	serverOut := <-serverCh

	if clientOut.err != nil {
		t.Fatalf("client handshake: %v", clientOut.err)
	}
	if serverOut.err != nil {
		t.Fatalf("server handshake: %v", serverOut.err)
	}
	if !bytes.Equal(clientOut.res.SessionID, serverOut.res.SessionID) {
		t.Fatalf("session id mismatch: client=%x server=%x", clientOut.res.SessionID, serverOut.res.SessionID)
	}
	if len(clientOut.res.SessionID) != 32 {
		t.Fatalf("expected a 32-byte sha256 session id, got %d bytes", len(clientOut.res.SessionID))
	}

	var wire bytes.Buffer
	payload := []byte("post-handshake channel data")
	if err := clientEngine.WritePacket(&wire, payload); err != nil {
		t.Fatalf("post-handshake WritePacket: %v", err)
	}
	got, err := serverEngine.ReadPacket(&wire)
	if err != nil {
		t.Fatalf("post-handshake ReadPacket: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("post-handshake payload mismatch: got %q", got)
	}
}
