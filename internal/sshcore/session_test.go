package sshcore

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"io"
	"os"
	"testing"
	"time"

	"sshcore/internal/auth"
	"sshcore/internal/bpp"
	"sshcore/internal/channel"
	"sshcore/internal/kex"
	"sshcore/internal/wire"
)

// duplexConn pairs two OS pipes into one io.ReadWriteCloser, so a
// client and server Session can run a real Handshake concurrently
// without either side blocking on the other's first write.
type duplexConn struct {
	r *os.File
	w *os.File
}

func (d *duplexConn) Read(p []byte) (int, error)  { return d.r.Read(p) }
func (d *duplexConn) Write(p []byte) (int, error) { return d.w.Write(p) }
func (d *duplexConn) Close() error {
	d.r.Close()
	return d.w.Close()
}

func newDuplexPair(t *testing.T) (*duplexConn, *duplexConn, func()) {
	t.Helper()
	ar, bw, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe: %v", err)
	}
	br, aw, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe: %v", err)
	}
	a := &duplexConn{r: ar, w: aw}
	b := &duplexConn{r: br, w: bw}
	return a, b, func() { a.Close(); b.Close() }
}

// fakeConn is a buffer-backed io.ReadWriteCloser for tests that only
// need to observe what a Session writes, or hand it a pre-framed
// packet to read, without a second party on the other end.
type fakeConn struct {
	bytes.Buffer
	closes int
}

func (c *fakeConn) Close() error { c.closes++; return nil }

type memHostKey struct {
	pub  ed25519.PublicKey
	priv ed25519.PrivateKey
}

func (k *memHostKey) Algorithm() string { return "ssh-ed25519" }
func (k *memHostKey) PublicKeyBlob() []byte {
	return wire.NewBuilder(0).String("ssh-ed25519").Bytes([]byte(k.pub)).Payload()[1:]
}
func (k *memHostKey) Sign(h []byte) ([]byte, error) {
	sig := ed25519.Sign(k.priv, h)
	return wire.NewBuilder(0).String("ssh-ed25519").Bytes(sig).Payload()[1:], nil
}

func newMemHostKey(t *testing.T) *memHostKey {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	return &memHostKey{pub: pub, priv: priv}
}

// nopCreds is a CredentialSource that accepts nothing; it is only
// ever installed on a Server that Handshake constructs but that these
// tests never drive an actual USERAUTH_REQUEST through.
type nopCreds struct{}

func (nopCreds) Password(user string, password []byte) bool                { return false }
func (nopCreds) AcceptPublicKey(user, algorithm string, blob []byte) bool  { return false }
func (nopCreds) VerifyPublicKey(user string, cred auth.PublicKeyCredential) bool { return false }
func (nopCreds) KeyboardInteractivePrompts(user string) (string, string, []auth.Prompt, bool) {
	return "", "", nil, false
}
func (nopCreds) KeyboardInteractiveVerify(user string, answers []string) (bool, *auth.KeyboardInteractiveChallenge) {
	return false, nil
}

func TestHandshakeReachesAuthPhase(t *testing.T) {
	clientConn, serverConn, closePipes := newDuplexPair(t)
	defer closePipes()

	hostKey := newMemHostKey(t)
	serverSession := NewServerSession(serverConn, DefaultConfig(), hostKey, nopCreds{})
	clientSession := NewClientSession(clientConn, DefaultConfig(), func(algorithm string, blob []byte) bool { return true })

	type outcome struct{ err error }
	clientCh := make(chan outcome, 1)
	serverCh := make(chan outcome, 1)

	go func() { clientCh <- outcome{clientSession.Handshake()} }()
	go func() { serverCh <- outcome{serverSession.Handshake()} }()

	clientOut, serverOut := <-clientCh, <-serverCh
	if clientOut.err != nil {
		t.Fatalf("client handshake: %v", clientOut.err)
	}
	if serverOut.err != nil {
		t.Fatalf("server handshake: %v", serverOut.err)
	}

	if clientSession.Phase() != PhaseAuth {
		t.Fatalf("client phase = %v, want %v", clientSession.Phase(), PhaseAuth)
	}
	if serverSession.Phase() != PhaseAuth {
		t.Fatalf("server phase = %v, want %v", serverSession.Phase(), PhaseAuth)
	}
	if !bytes.Equal(clientSession.SessionID(), serverSession.SessionID()) {
		t.Fatalf("session id mismatch: client=%x server=%x", clientSession.SessionID(), serverSession.SessionID())
	}
	if serverSession.authServer == nil {
		t.Fatalf("expected server session to have constructed an auth.Server")
	}
}

// rawFramedPacket frames payload the same way a freshly constructed,
// still-unkeyed Session's own engine will decode it: NewServerSession
// installs bpp.NewEngine(nil), which starts both directions on the
// plaintext "none" cipher/MAC until a key exchange installs real ones.
func rawFramedPacket(t *testing.T, payload []byte) []byte {
	t.Helper()
	engine := bpp.NewEngine(nil)
	var buf bytes.Buffer
	if err := engine.WritePacket(&buf, payload); err != nil {
		t.Fatalf("WritePacket: %v", err)
	}
	return buf.Bytes()
}

func TestDispatchRejectsConnectionMessageBeforeOpenPhase(t *testing.T) {
	conn := &fakeConn{}
	s := NewServerSession(conn, DefaultConfig(), nil, nopCreds{})
	s.setPhase(PhaseAuth)

	payload := wire.NewBuilder(byte(90)).Uint32(0).String("session").Uint32(0).Uint32(0).Uint32(0).Payload()
	conn.Write(rawFramedPacket(t, payload))

	err := s.Dispatch()
	var de *DisconnectError
	if !errors.As(err, &de) || de.Reason != ReasonProtocolError {
		t.Fatalf("expected a protocol-error DisconnectError, got %v", err)
	}
}

func TestDispatchRejectsUserauthMessageBeforeAuthPhase(t *testing.T) {
	conn := &fakeConn{}
	s := NewServerSession(conn, DefaultConfig(), nil, nopCreds{})
	s.setPhase(PhaseInit)

	payload := wire.NewBuilder(MsgUserauthRequest).String("bob").String("ssh-connection").String("none").Payload()
	conn.Write(rawFramedPacket(t, payload))

	err := s.Dispatch()
	var de *DisconnectError
	if !errors.As(err, &de) || de.Reason != ReasonProtocolError {
		t.Fatalf("expected a protocol-error DisconnectError, got %v", err)
	}
}

func TestDispatchRoutesServiceRequestDuringAuthPhase(t *testing.T) {
	conn := &fakeConn{}
	s := NewServerSession(conn, DefaultConfig(), nil, nopCreds{})
	s.setPhase(PhaseAuth)
	s.authServer = auth.NewServer(nopCreds{}, s.sendRaw, "", DefaultConfig().MaxAuthAttempts, []string{"password"}, []byte("sid"))

	payload := wire.NewBuilder(MsgServiceRequest).String(auth.ServiceNameUserauth).Payload()
	conn.Write(rawFramedPacket(t, payload))

	if err := s.Dispatch(); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	out, err := s.engine.ReadPacket(&conn.Buffer)
	if err != nil {
		t.Fatalf("reading reply: %v", err)
	}
	if out[0] != auth.MsgServiceAccept {
		t.Fatalf("expected SERVICE_ACCEPT, got message type %d", out[0])
	}
}

func TestDispatchUnrecognizedMessageSendsUnimplemented(t *testing.T) {
	conn := &fakeConn{}
	s := NewServerSession(conn, DefaultConfig(), nil, nopCreds{})
	s.setPhase(PhaseOpen)

	conn.Write(rawFramedPacket(t, []byte{200}))

	if err := s.Dispatch(); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	out, err := s.engine.ReadPacket(&conn.Buffer)
	if err != nil {
		t.Fatalf("reading reply: %v", err)
	}
	if out[0] != MsgUnimplemented {
		t.Fatalf("expected UNIMPLEMENTED, got message type %d", out[0])
	}
}

func TestSendUnimplementedUsesTrueSequenceAcrossRekey(t *testing.T) {
	conn := &fakeConn{}
	s := NewServerSession(conn, DefaultConfig(), nil, nopCreds{})
	s.setPhase(PhaseOpen)

	conn.Write(rawFramedPacket(t, []byte{MsgIgnore}))
	conn.Write(rawFramedPacket(t, []byte{MsgIgnore}))
	if err := s.Dispatch(); err != nil {
		t.Fatalf("first Dispatch: %v", err)
	}
	if err := s.Dispatch(); err != nil {
		t.Fatalf("second Dispatch: %v", err)
	}

	// A rekey resets the engine's packet counters but must not reset
	// its sequence numbers, which run for the life of the connection.
	if err := s.engine.SetInboundKeys("none", "none", "none", nil, nil, nil); err != nil {
		t.Fatalf("SetInboundKeys: %v", err)
	}

	conn.Write(rawFramedPacket(t, []byte{200}))
	if err := s.Dispatch(); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	out, err := s.engine.ReadPacket(&conn.Buffer)
	if err != nil {
		t.Fatalf("reading reply: %v", err)
	}
	if out[0] != MsgUnimplemented {
		t.Fatalf("expected UNIMPLEMENTED, got message type %d", out[0])
	}
	seq, err := wire.NewReader(out[1:]).Uint32()
	if err != nil {
		t.Fatalf("reading sequence field: %v", err)
	}
	if seq != 2 {
		t.Fatalf("expected UNIMPLEMENTED to reference sequence 2 (the third packet read since the connection began), got %d", seq)
	}
}

func TestHandleHostKeysProveSignsOwnKey(t *testing.T) {
	conn := &fakeConn{}
	hostKey := newMemHostKey(t)
	s := NewServerSession(conn, DefaultConfig(), hostKey, nopCreds{})
	s.sessionID = []byte("test-session-id")

	ownBlob := hostKey.PublicKeyBlob()
	req := channel.EncodeHostKeysProveRequest([][]byte{ownBlob})

	ok, resp := s.handleHostKeysProve(req)
	if !ok {
		t.Fatalf("expected handleHostKeysProve to succeed for the session's own key")
	}
	sigs, err := channel.DecodeHostKeysProveResponse(resp)
	if err != nil {
		t.Fatalf("DecodeHostKeysProveResponse: %v", err)
	}
	if len(sigs) != 1 {
		t.Fatalf("expected exactly one signature, got %d", len(sigs))
	}

	signedData := channel.HostKeysProveSignatureData(s.sessionID, ownBlob)
	valid, err := kex.VerifyHostKeySignature(hostKey.Algorithm(), ownBlob, signedData, sigs[0])
	if err != nil {
		t.Fatalf("VerifyHostKeySignature: %v", err)
	}
	if !valid {
		t.Fatalf("expected the returned signature to verify against the session's host key")
	}
}

func TestHandleHostKeysProveRejectsUnknownKey(t *testing.T) {
	conn := &fakeConn{}
	hostKey := newMemHostKey(t)
	s := NewServerSession(conn, DefaultConfig(), hostKey, nopCreds{})
	s.sessionID = []byte("test-session-id")

	req := channel.EncodeHostKeysProveRequest([][]byte{[]byte("not-our-key")})
	if ok, _ := s.handleHostKeysProve(req); ok {
		t.Fatalf("expected handleHostKeysProve to refuse a key it cannot prove ownership of")
	}
}

func TestGlobalRequestHandlerRoutesHostKeysProve(t *testing.T) {
	conn := &fakeConn{}
	hostKey := newMemHostKey(t)
	s := NewServerSession(conn, DefaultConfig(), hostKey, nopCreds{})
	s.sessionID = []byte("test-session-id")

	var customCalled bool
	s.GlobalHandler = func(name string, data []byte) (bool, []byte) {
		customCalled = true
		return false, nil
	}

	ownBlob := hostKey.PublicKeyBlob()
	req := channel.EncodeHostKeysProveRequest([][]byte{ownBlob})
	handler := s.globalRequestHandler()

	if ok, _ := handler(channel.GlobalRequestHostKeysProve, req); !ok {
		t.Fatalf("expected the hostkeys-prove request to be answered without delegating")
	}
	if customCalled {
		t.Fatalf("expected hostkeys-prove to be handled internally, not delegated to GlobalHandler")
	}

	if ok, _ := handler("some-other-request@example.com", nil); ok {
		t.Fatalf("unexpected success from stub GlobalHandler")
	}
	if !customCalled {
		t.Fatalf("expected an unrecognized request name to delegate to GlobalHandler")
	}
}

func TestNeedsRekeyByteLimit(t *testing.T) {
	conn := &fakeConn{}
	cfg := DefaultConfig()
	cfg.RekeyBytesLimit = 10
	cfg.RekeyPacketLimit = 0
	cfg.RekeyInterval = 0
	s := NewServerSession(conn, cfg, nil, nopCreds{})
	s.kexStartTime = time.Now()

	if s.needsRekey() {
		t.Fatalf("expected no rekey before any traffic")
	}
	if err := s.engine.WritePacket(&conn.Buffer, bytes.Repeat([]byte{0}, 32)); err != nil {
		t.Fatalf("WritePacket: %v", err)
	}
	if !s.needsRekey() {
		t.Fatalf("expected rekey once outbound bytes exceed the limit")
	}
}

func TestNeedsRekeyInterval(t *testing.T) {
	conn := &fakeConn{}
	cfg := DefaultConfig()
	cfg.RekeyBytesLimit = 0
	cfg.RekeyPacketLimit = 0
	cfg.RekeyInterval = time.Minute
	s := NewServerSession(conn, cfg, nil, nopCreds{})

	base := time.Now()
	s.kexStartTime = base
	old := kexNow
	defer func() { kexNow = old }()

	kexNow = func() time.Time { return base }
	if s.needsRekey() {
		t.Fatalf("expected no rekey immediately after kex")
	}
	kexNow = func() time.Time { return base.Add(2 * time.Minute) }
	if !s.needsRekey() {
		t.Fatalf("expected rekey once the interval elapses")
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	conn := &fakeConn{}
	s := NewServerSession(conn, DefaultConfig(), nil, nopCreds{})
	s.cfg.CloseWait = 0

	if err := s.Close(ReasonByApplication, "done"); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := s.Close(ReasonByApplication, "done again"); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if conn.closes != 1 {
		t.Fatalf("expected exactly one underlying Close, got %d", conn.closes)
	}
	if s.Phase() != PhaseClosed {
		t.Fatalf("phase = %v, want %v", s.Phase(), PhaseClosed)
	}
}

func TestCloseOnErrorClassifiesDisconnectError(t *testing.T) {
	conn := &fakeConn{}
	s := NewServerSession(conn, DefaultConfig(), nil, nopCreds{})
	s.cfg.CloseWait = 0

	orig := newDisconnect(ReasonProtocolError, "bad message", nil)
	got := s.CloseOnError(orig)
	if got != orig {
		t.Fatalf("expected the original error back, got %v", got)
	}
	if conn.closes != 1 {
		t.Fatalf("expected CloseOnError to close the transport, got %d closes", conn.closes)
	}
}

func TestCloseOnErrorPassesThroughRecoverableErrors(t *testing.T) {
	conn := &fakeConn{}
	s := NewServerSession(conn, DefaultConfig(), nil, nopCreds{})

	authErr := &AuthError{Method: "password", Cause: errors.New("bad password")}
	if got := s.CloseOnError(authErr); got != authErr {
		t.Fatalf("expected AuthError returned unchanged, got %v", got)
	}
	if conn.closes != 0 {
		t.Fatalf("AuthError must not close the session, got %d closes", conn.closes)
	}

	chanErr := &ChannelError{ChannelID: 3, Cause: errors.New("bad window")}
	if got := s.CloseOnError(chanErr); got != chanErr {
		t.Fatalf("expected ChannelError returned unchanged, got %v", got)
	}
	if conn.closes != 0 {
		t.Fatalf("ChannelError must not close the session, got %d closes", conn.closes)
	}
}

func TestCloseOnErrorPassesThroughEOF(t *testing.T) {
	conn := &fakeConn{}
	s := NewServerSession(conn, DefaultConfig(), nil, nopCreds{})

	if got := s.CloseOnError(io.EOF); got != io.EOF {
		t.Fatalf("expected io.EOF returned unchanged, got %v", got)
	}
	if conn.closes != 0 {
		t.Fatalf("io.EOF must not close the session, got %d closes", conn.closes)
	}
}

func TestCloseOnErrorNilIsNil(t *testing.T) {
	conn := &fakeConn{}
	s := NewServerSession(conn, DefaultConfig(), nil, nopCreds{})
	if err := s.CloseOnError(nil); err != nil {
		t.Fatalf("expected nil, got %v", err)
	}
}
