package sshcore

import (
	"bytes"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"sshcore/internal/auth"
	"sshcore/internal/bpp"
	"sshcore/internal/channel"
	"sshcore/internal/kex"
	"sshcore/internal/wire"
)

// Phase is a coarse point in the state machine of spec.md §4.3.
type Phase int

const (
	PhaseInit Phase = iota
	PhaseKex
	PhaseAuth
	PhaseOpen
	PhaseClosing
	PhaseClosed
)

func (p Phase) String() string {
	switch p {
	case PhaseInit:
		return "init"
	case PhaseKex:
		return "kex"
	case PhaseAuth:
		return "auth"
	case PhaseOpen:
		return "open"
	case PhaseClosing:
		return "closing"
	case PhaseClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Session is one SSH connection's protocol state: transport, the
// negotiated algorithm set, the auth and connection layers built on
// top once key exchange completes, and the phase gate that decides
// which message ranges are legal to receive. sshcore never spawns its
// own goroutines for I/O; a caller drives it by calling Handshake and
// then Dispatch in a loop from whatever concurrency model it prefers,
// matching the single-threaded-per-session model spec.md §5 requires.
type Session struct {
	Role kex.Role
	conn io.ReadWriteCloser
	cfg  *Config

	hostKey  kex.HostKey       // server role
	verifier kex.HostKeyVerifier // client role
	creds    auth.CredentialSource

	engine *bpp.Engine

	mu         sync.Mutex
	phase      Phase
	sessionID  []byte
	negotiated *kex.Negotiated
	vc, vs     []byte
	closeOnce  sync.Once
	closeErr   error

	authServer *auth.Server
	channels   *channel.Manager

	kexStartTime time.Time

	// OnAuthenticated is called once the auth layer accepts a user,
	// before the connection layer's Manager is constructed. Handlers
	// use it to pick per-user channel policy.
	OnAuthenticated func(user string)

	// OpenHandler answers inbound channel opens once the session
	// reaches PhaseOpen. GlobalHandler answers every global request
	// except hostkeys-prove-00@openssh.com, which the session answers
	// itself using hostKey (see globalRequestHandler).
	OpenHandler   channel.OpenHandler
	GlobalHandler channel.RequestHandler
}

// NewServerSession constructs a Session that will act as the SSH
// server on conn.
func NewServerSession(conn io.ReadWriteCloser, cfg *Config, hostKey kex.HostKey, creds auth.CredentialSource) *Session {
	return &Session{
		Role:    kex.RoleServer,
		conn:    conn,
		cfg:     cfg,
		hostKey: hostKey,
		creds:   creds,
		engine:  bpp.NewEngine(nil),
		phase:   PhaseInit,
	}
}

// NewClientSession constructs a Session that will act as the SSH
// client on conn, trusting host keys through verify.
func NewClientSession(conn io.ReadWriteCloser, cfg *Config, verify kex.HostKeyVerifier) *Session {
	return &Session{
		Role:     kex.RoleClient,
		conn:     conn,
		cfg:      cfg,
		verifier: verify,
		engine:   bpp.NewEngine(nil),
		phase:    PhaseInit,
	}
}

// Phase reports the session's current coarse state.
func (s *Session) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

func (s *Session) setPhase(p Phase) {
	s.mu.Lock()
	s.phase = p
	s.mu.Unlock()
}

// Handshake performs version exchange and the first key exchange,
// leaving the session in PhaseAuth (server) ready to process
// USERAUTH_REQUEST messages, or PhaseAuth (client) ready to send them.
func (s *Session) Handshake() error {
	vc, vs, err := kex.ExchangeVersions(s.conn, s.Role, s.identificationString())
	if err != nil {
		return &TransportError{Cause: err}
	}
	s.vc, s.vs = vc, vs

	if err := s.runKex(); err != nil {
		return err
	}
	s.setPhase(PhaseAuth)
	if s.Role == kex.RoleServer {
		s.authServer = auth.NewServer(s.creds, s.sendRaw, "", s.cfg.MaxAuthAttempts, []string{"publickey", "password", "keyboard-interactive"}, s.sessionID)
	}
	return nil
}

func (s *Session) identificationString() string {
	if s.Role == kex.RoleServer {
		return s.cfg.ServerIdentification
	}
	return s.cfg.ClientIdentification
}

func (s *Session) runKex() error { return s.runKexWithPeerInit(nil) }

func (s *Session) runKexWithPeerInit(peerKexInit []byte) error {
	prefs := kex.DefaultPreferences(s.Role)
	if len(s.cfg.KexAlgorithms) > 0 {
		prefs.KexAlgorithms = s.cfg.KexAlgorithms
	}
	if len(s.cfg.HostKeyAlgorithms) > 0 {
		prefs.ServerHostKeyAlgorithms = s.cfg.HostKeyAlgorithms
	}
	if len(s.cfg.Ciphers) > 0 {
		prefs.CiphersClientToServer, prefs.CiphersServerToClient = s.cfg.Ciphers, s.cfg.Ciphers
	}
	if len(s.cfg.MACs) > 0 {
		prefs.MACsClientToServer, prefs.MACsServerToClient = s.cfg.MACs, s.cfg.MACs
	}
	if len(s.cfg.Compressions) > 0 {
		prefs.CompressionsC2S, prefs.CompressionsS2C = s.cfg.Compressions, s.cfg.Compressions
	}

	var result *kex.Result
	var err error
	if s.Role == kex.RoleServer {
		result, err = kex.RunServerRekey(s.conn, s.engine, rand.Reader, s.vc, s.vs, prefs, s.sessionID, s.hostKey, peerKexInit)
	} else {
		result, err = kex.RunClientRekey(s.conn, s.engine, rand.Reader, s.vc, s.vs, prefs, s.sessionID, s.verifier, peerKexInit)
	}
	if err != nil {
		log.Printf("kex: handshake failed: %v", err)
		return classifyKexError(err)
	}

	s.mu.Lock()
	s.sessionID = result.SessionID
	s.negotiated = result.Negotiated
	s.kexStartTime = kexNow()
	s.mu.Unlock()
	log.Printf("kex: established, kex=%s cipher=%s/%s strict=%v", result.Negotiated.Kex, result.Negotiated.CipherClientToServer, result.Negotiated.CipherServerToClient, result.Negotiated.StrictKex)
	return nil
}

// kexNow exists so tests can be deterministic about rekey timing
// without this package importing a fake clock abstraction for one
// call site.
var kexNow = time.Now

// needsRekey reports whether the outbound or inbound byte/packet
// counters, or the elapsed time since the last key exchange, have
// crossed the configured rekey thresholds.
func (s *Session) needsRekey() bool {
	outBytes, outPackets := s.engine.OutboundStats()
	inBytes, inPackets := s.engine.InboundStats()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cfg.RekeyBytesLimit > 0 && (outBytes >= s.cfg.RekeyBytesLimit || inBytes >= s.cfg.RekeyBytesLimit) {
		return true
	}
	if s.cfg.RekeyPacketLimit > 0 && (outPackets >= s.cfg.RekeyPacketLimit || inPackets >= s.cfg.RekeyPacketLimit) {
		return true
	}
	if s.cfg.RekeyInterval > 0 && !s.kexStartTime.IsZero() && kexNow().Sub(s.kexStartTime) >= s.cfg.RekeyInterval {
		return true
	}
	return false
}

// sendRaw writes one message payload through the transport engine.
func (s *Session) sendRaw(payload []byte) error {
	if err := s.engine.WritePacket(s.conn, payload); err != nil {
		return &TransportError{Cause: err}
	}
	if s.needsRekey() {
		if err := s.runKex(); err != nil {
			return err
		}
	}
	return nil
}

// Dispatch decodes and routes exactly one inbound packet. Callers
// typically loop calling this until it returns io.EOF or a fatal
// *DisconnectError/*TransportError.
func (s *Session) Dispatch() error {
	payload, err := s.engine.ReadPacket(s.conn)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return io.EOF
		}
		return classifyBPPError(err)
	}
	if len(payload) == 0 {
		return newDisconnect(ReasonProtocolError, "empty packet", nil)
	}
	msgType := payload[0]

	if msgType == MsgKexInit {
		return s.handlePeerRekey(payload)
	}
	if msgType == MsgDisconnect {
		s.setPhase(PhaseClosed)
		return io.EOF
	}
	if msgType == MsgIgnore || msgType == MsgDebug {
		return nil
	}
	if msgType == MsgServiceRequest {
		if s.Phase() != PhaseAuth {
			return newDisconnect(ReasonProtocolError, "service request outside auth phase", nil)
		}
		return s.dispatchAuth(msgType, payload)
	}

	phase := s.Phase()
	switch ClassifyMessage(msgType) {
	case RangeUserAuthGeneric, RangeUserAuthMethod:
		if phase != PhaseAuth {
			return newDisconnect(ReasonProtocolError, "userauth message outside auth phase", nil)
		}
		return s.dispatchAuth(msgType, payload)
	case RangeConnectionGeneric, RangeChannel:
		if phase != PhaseOpen {
			return newDisconnect(ReasonProtocolError, "connection message outside open phase", nil)
		}
		return s.dispatchConnection(msgType, payload)
	default:
		return s.sendUnimplemented()
	}
}

// handlePeerRekey answers a peer-initiated KEXINIT arriving outside
// our own runKex call, e.g. a rekey the other side started. payload
// is the already-decoded KEXINIT message; it is handed to the kex
// package instead of being read again, since it has already been
// consumed off the wire by Dispatch.
func (s *Session) handlePeerRekey(payload []byte) error {
	if err := s.runKexWithPeerInit(payload); err != nil {
		return err
	}
	return nil
}

func (s *Session) dispatchAuth(msgType byte, payload []byte) error {
	r := wire.NewReader(payload)
	r.Byte()
	switch msgType {
	case MsgServiceRequest:
		if err := s.authServer.HandleServiceRequest(r); err != nil {
			return newDisconnect(ReasonServiceNotAvailable, "service not available", err)
		}
		return nil
	case MsgUserauthRequest:
		err := s.authServer.HandleUserauthRequest(r)
		return s.afterAuthStep(err)
	case MsgUserauthInfoResponse:
		err := s.authServer.HandleInfoResponse(r)
		return s.afterAuthStep(err)
	default:
		return s.sendUnimplemented()
	}
}

func (s *Session) afterAuthStep(err error) error {
	if err != nil {
		if errors.Is(err, auth.ErrMaxAttemptsExceeded) {
			return newDisconnect(ReasonNoMoreAuthMethodsAvailable, "too many authentication attempts", err)
		}
		return newDisconnect(ReasonProtocolError, "malformed userauth message", err)
	}
	if s.authServer.Authenticated() {
		user := s.authServer.User()
		if s.OnAuthenticated != nil {
			s.OnAuthenticated(user)
		}
		s.channels = channel.NewManager(s.sendRaw, s.cfg.ChannelInitialWindow, s.cfg.ChannelMaxPacket, s.OpenHandler, s.globalRequestHandler())
		s.setPhase(PhaseOpen)
		log.Printf("auth: user %q authenticated", user)
	}
	return nil
}

func (s *Session) dispatchConnection(msgType byte, payload []byte) error {
	r := wire.NewReader(payload)
	r.Byte()
	switch msgType {
	case channel.MsgChannelOpen, channel.MsgChannelOpenConfirmation, channel.MsgChannelOpenFailure,
		channel.MsgGlobalRequest, channel.MsgRequestSuccess, channel.MsgRequestFailure:
		return s.channels.Dispatch(msgType, r)
	default:
		return s.dispatchChannelScoped(msgType, r)
	}
}

func (s *Session) dispatchChannelScoped(msgType byte, r *wire.Reader) error {
	localID, err := r.Uint32()
	if err != nil {
		return newDisconnect(ReasonProtocolError, "truncated channel message", err)
	}
	ch, ok := s.channels.Table().Lookup(localID)
	if !ok {
		return &ChannelError{ChannelID: localID, Cause: channel.ErrUnknownChannel(localID)}
	}

	switch msgType {
	case channel.MsgChannelData:
		data, err := r.Bytes()
		if err != nil {
			return newDisconnect(ReasonProtocolError, "truncated channel data", err)
		}
		if err := ch.HandleData(data); err != nil {
			return newDisconnect(ReasonProtocolError, "channel window violation", err)
		}
	case channel.MsgChannelExtendedData:
		dataType, err := r.Uint32()
		if err != nil {
			return newDisconnect(ReasonProtocolError, "truncated extended data", err)
		}
		data, err := r.Bytes()
		if err != nil {
			return newDisconnect(ReasonProtocolError, "truncated extended data", err)
		}
		if err := ch.HandleExtendedData(dataType, data); err != nil {
			return newDisconnect(ReasonProtocolError, "channel window violation", err)
		}
	case channel.MsgChannelWindowAdjust:
		delta, err := r.Uint32()
		if err != nil {
			return newDisconnect(ReasonProtocolError, "truncated window adjust", err)
		}
		ch.HandleWindowAdjust(delta)
	case channel.MsgChannelEOF:
		ch.HandleEOF()
	case channel.MsgChannelClose:
		if both := ch.HandleClose(); both {
			s.channels.Table().Free(localID)
		} else {
			_ = ch.SendClose()
		}
	case channel.MsgChannelRequest:
		name, err := r.String()
		if err != nil {
			return newDisconnect(ReasonProtocolError, "truncated channel request", err)
		}
		wantReply, err := r.Bool()
		if err != nil {
			return newDisconnect(ReasonProtocolError, "truncated channel request", err)
		}
		data := r.Rest()
		return ch.HandleChannelRequest(name, wantReply, data, s.channelRequestHandler(ch))
	case channel.MsgChannelSuccess:
		_ = ch.ResolveRequestReply(true)
	case channel.MsgChannelFailure:
		_ = ch.ResolveRequestReply(false)
	default:
		return s.sendUnimplemented()
	}
	return nil
}

// channelRequestHandler adapts whatever policy a caller wants for
// channel requests; the default here refuses everything, which is a
// conforming answer for channel types the caller hasn't customized.
func (s *Session) channelRequestHandler(ch *channel.Channel) channel.RequestHandler {
	return func(name string, requestData []byte) (bool, []byte) {
		return false, nil
	}
}

// globalRequestHandler answers hostkeys-prove-00@openssh.com itself,
// the one global request the connection layer can satisfy without a
// caller-supplied policy, and falls through to GlobalHandler for
// everything else.
func (s *Session) globalRequestHandler() channel.RequestHandler {
	return func(name string, requestData []byte) (bool, []byte) {
		if name == channel.GlobalRequestHostKeysProve {
			return s.handleHostKeysProve(requestData)
		}
		if s.GlobalHandler != nil {
			return s.GlobalHandler(name, requestData)
		}
		return false, nil
	}
}

// handleHostKeysProve answers a hostkeys-prove-00@openssh.com request
// by signing the session identifier and each requested key blob with
// the session's host key (RFC 4252 §7 signature framing, reused via
// HostKeysProveSignatureData). A request naming any key other than
// this session's host key fails outright: this session has nothing to
// prove ownership of it with.
func (s *Session) handleHostKeysProve(requestData []byte) (bool, []byte) {
	if s.hostKey == nil {
		return false, nil
	}
	blobs, err := channel.DecodeHostKeysProveRequest(requestData)
	if err != nil || len(blobs) == 0 {
		return false, nil
	}
	ownBlob := s.hostKey.PublicKeyBlob()
	sigs := make([][]byte, 0, len(blobs))
	for _, blob := range blobs {
		if !bytes.Equal(blob, ownBlob) {
			return false, nil
		}
		sig, err := s.hostKey.Sign(channel.HostKeysProveSignatureData(s.sessionID, blob))
		if err != nil {
			return false, nil
		}
		sigs = append(sigs, sig)
	}
	return true, channel.EncodeHostKeysProveResponse(sigs)
}

func (s *Session) sendUnimplemented() error {
	// SSH_MSG_UNIMPLEMENTED carries the sequence number of the
	// unrecognized packet. The engine's inbound sequence counter has
	// already advanced past it by the time Dispatch sees the payload,
	// so the number just sent back is seq-1; reading it directly from
	// the engine (rather than the packet count) keeps this correct
	// across rekeys, since the sequence number doesn't reset on an
	// ordinary rekey the way the packet count does.
	seq := s.engine.InboundSequence() - 1
	return s.sendRaw(wire.NewBuilder(MsgUnimplemented).Uint32(seq).Payload())
}

// Channels exposes the connection-layer manager once the session has
// reached PhaseOpen; it is nil before then.
func (s *Session) Channels() *channel.Manager { return s.channels }

// SessionID returns the session identifier established at first key
// exchange, stable across rekeys.
func (s *Session) SessionID() []byte { return s.sessionID }

// Close sends SSH_MSG_DISCONNECT if the session isn't already closed
// and closes the transport, honoring cfg.CloseWait as a best-effort
// drain budget. Idempotent: only the first call has any effect.
func (s *Session) Close(reason DisconnectReason, description string) error {
	s.closeOnce.Do(func() {
		s.setPhase(PhaseClosing)
		msg := wire.NewBuilder(MsgDisconnect).Uint32(uint32(reason)).String(description).String("").Payload()
		if err := s.engine.WritePacket(s.conn, msg); err != nil {
			log.Printf("session: error sending disconnect: %v", err)
		}
		if s.cfg.CloseWait > 0 {
			time.Sleep(minDuration(s.cfg.CloseWait, 50*time.Millisecond))
		}
		s.closeErr = s.conn.Close()
		s.setPhase(PhaseClosed)
	})
	return s.closeErr
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}

// CloseOnError inspects err and, for any of the fatal kinds §7 names,
// closes the session with the matching disconnect reason. Recoverable
// errors (AuthError, ChannelError) are returned unchanged for the
// caller to log and continue past.
func (s *Session) CloseOnError(err error) error {
	if err == nil {
		return nil
	}
	var de *DisconnectError
	if errors.As(err, &de) {
		_ = s.Close(de.Reason, de.Description)
		return err
	}
	var te *TransportError
	if errors.As(err, &te) {
		_ = s.Close(ReasonConnectionLost, "transport error")
		return err
	}
	var ae *AuthError
	if errors.As(err, &ae) {
		return err
	}
	var ce *ChannelError
	if errors.As(err, &ce) {
		return err
	}
	if errors.Is(err, io.EOF) {
		return err
	}
	return fmt.Errorf("session: unclassified error: %w", err)
}
