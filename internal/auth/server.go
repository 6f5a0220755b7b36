package auth

import (
	"errors"
	"fmt"
	"sync"

	"sshcore/internal/wire"
)

// ErrMaxAttemptsExceeded is returned once a user has made more than
// the configured number of failed authentication attempts; the caller
// must disconnect with NO_MORE_AUTH_METHODS_AVAILABLE.
var ErrMaxAttemptsExceeded = errors.New("auth: maximum authentication attempts exceeded")

// ErrUserChanged is returned if a later USERAUTH_REQUEST names a
// different user than the first one on this connection.
var ErrUserChanged = errors.New("auth: username changed mid-authentication")

// ErrWrongService is returned if the service requested by
// SERVICE_REQUEST is not "ssh-userauth".
var ErrWrongService = errors.New("auth: unsupported service requested")

// Send transmits one already-encoded message payload to the peer.
type Send func(payload []byte) error

// Satisfied decides, given the set of methods that have individually
// succeeded so far, whether authentication as a whole is complete.
// The default policy (nil) accepts any single successful method.
type Satisfied func(succeeded map[string]bool) bool

// Server drives the server side of RFC 4252 for one session: method
// dispatch, partial-success chaining, banner delivery, and the
// attempt-count/service-name policy checks. It holds no transport of
// its own; HandleX methods are fed decoded payloads and return
// replies through the injected Send.
type Server struct {
	creds       CredentialSource
	send        Send
	banner      string
	maxAttempts int
	methods     []string
	sessionID   []byte
	satisfied   Satisfied

	mu               sync.Mutex
	user             string
	service          string
	serviceAccepted  bool
	succeededMethods map[string]bool
	attempts         int
	authenticated    bool
	bannerSent       bool
	pendingKI        *kiState
}

type kiState struct{}

// NewServer constructs a Server. sessionID is the session identifier
// established by the first key exchange, used to build the signed
// data for publickey verification per RFC 4252 §7.
func NewServer(creds CredentialSource, send Send, banner string, maxAttempts int, methods []string, sessionID []byte) *Server {
	return &Server{
		creds:            creds,
		send:             send,
		banner:           banner,
		maxAttempts:      maxAttempts,
		methods:          methods,
		sessionID:        sessionID,
		succeededMethods: make(map[string]bool),
	}
}

// Authenticated reports whether the user has completed every method
// this Server's Satisfied policy requires.
func (s *Server) Authenticated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.authenticated
}

// User returns the username named by the (accepted) authentication,
// valid only once Authenticated returns true.
func (s *Server) User() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.user
}

// HandleServiceRequest answers SSH_MSG_SERVICE_REQUEST.
func (s *Server) HandleServiceRequest(r *wire.Reader) error {
	name, err := r.String()
	if err != nil {
		return err
	}
	if name != ServiceNameUserauth {
		return ErrWrongService
	}
	s.mu.Lock()
	s.serviceAccepted = true
	s.mu.Unlock()
	return s.send(wire.NewBuilder(MsgServiceAccept).String(name).Payload())
}

// HandleUserauthRequest dispatches one SSH_MSG_USERAUTH_REQUEST.
func (s *Server) HandleUserauthRequest(r *wire.Reader) error {
	user, err := r.String()
	if err != nil {
		return err
	}
	service, err := r.String()
	if err != nil {
		return err
	}
	method, err := r.String()
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.user == "" {
		s.user = user
		s.service = service
	} else if user != s.user {
		s.mu.Unlock()
		return ErrUserChanged
	}
	s.mu.Unlock()

	if err := s.maybeSendBanner(); err != nil {
		return err
	}

	switch method {
	case "none":
		return s.finishAttempt()
	case "password":
		return s.handlePassword(r)
	case "publickey":
		return s.handlePublicKey(r)
	case "keyboard-interactive":
		return s.handleKeyboardInteractiveStart(r)
	default:
		return s.finishAttempt()
	}
}

// HandleInfoResponse answers a keyboard-interactive
// SSH_MSG_USERAUTH_INFO_RESPONSE.
func (s *Server) HandleInfoResponse(r *wire.Reader) error {
	s.mu.Lock()
	pending := s.pendingKI
	s.mu.Unlock()
	if pending == nil {
		return fmt.Errorf("auth: unexpected USERAUTH_INFO_RESPONSE, no round outstanding")
	}

	n, err := r.Uint32()
	if err != nil {
		return err
	}
	answers := make([]string, 0, n)
	for i := uint32(0); i < n; i++ {
		a, err := r.String()
		if err != nil {
			return err
		}
		answers = append(answers, a)
	}

	success, next := s.creds.KeyboardInteractiveVerify(s.currentUser(), answers)
	if success {
		s.mu.Lock()
		s.pendingKI = nil
		s.mu.Unlock()
		return s.markSuccess("keyboard-interactive")
	}
	if next != nil {
		return s.sendInfoRequest(*next)
	}
	s.mu.Lock()
	s.pendingKI = nil
	s.mu.Unlock()
	return s.finishAttempt()
}

func (s *Server) currentUser() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.user
}

func (s *Server) handlePassword(r *wire.Reader) error {
	changeReq, err := r.Bool()
	if err != nil {
		return err
	}
	password, err := r.String()
	if err != nil {
		return err
	}
	if changeReq {
		// Password-change requests are not offered by this server
		// (it never sends PASSWD_CHANGEREQ), so a client sending one
		// unprompted is simply rejected.
		return s.finishAttempt()
	}
	if s.creds.Password(s.currentUser(), []byte(password)) {
		return s.markSuccess("password")
	}
	return s.finishAttempt()
}

func (s *Server) handlePublicKey(r *wire.Reader) error {
	hasSignature, err := r.Bool()
	if err != nil {
		return err
	}
	algorithm, err := r.String()
	if err != nil {
		return err
	}
	blob, err := r.Bytes()
	if err != nil {
		return err
	}
	blob = append([]byte(nil), blob...)

	if !hasSignature {
		if !s.creds.AcceptPublicKey(s.currentUser(), algorithm, blob) {
			return s.finishAttempt()
		}
		return s.send(wire.NewBuilder(MsgUserauthPKOK).String(algorithm).Bytes(blob).Payload())
	}

	signature, err := r.Bytes()
	if err != nil {
		return err
	}
	user, service := s.currentUser(), s.currentService()
	signedData := PublicKeySignatureData(s.sessionID, user, service, algorithm, blob)
	cred := PublicKeyCredential{Algorithm: algorithm, Blob: blob, SignedData: signedData, Signature: append([]byte(nil), signature...)}
	if !s.creds.AcceptPublicKey(user, algorithm, blob) || !s.creds.VerifyPublicKey(user, cred) {
		return s.finishAttempt()
	}
	return s.markSuccess("publickey")
}

func (s *Server) currentService() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.service
}

func (s *Server) handleKeyboardInteractiveStart(r *wire.Reader) error {
	if _, err := r.String(); err != nil { // language tag, unused
		return err
	}
	if _, err := r.String(); err != nil { // submethods, unused
		return err
	}
	name, instruction, prompts, ok := s.creds.KeyboardInteractivePrompts(s.currentUser())
	if !ok {
		return s.finishAttempt()
	}
	return s.sendInfoRequest(KeyboardInteractiveChallenge{Name: name, Instruction: instruction, Prompts: prompts})
}

func (s *Server) sendInfoRequest(ch KeyboardInteractiveChallenge) error {
	s.mu.Lock()
	s.pendingKI = &kiState{}
	s.mu.Unlock()

	b := wire.NewBuilder(MsgUserauthInfoRequest).String(ch.Name).String(ch.Instruction).String("").Uint32(uint32(len(ch.Prompts)))
	for _, p := range ch.Prompts {
		b.String(p.Text).Bool(p.Echo)
	}
	return s.send(b.Payload())
}

// markSuccess records that method succeeded for the current user and
// either finishes authentication or reports a partial success,
// depending on the Satisfied policy.
func (s *Server) markSuccess(method string) error {
	s.mu.Lock()
	s.succeededMethods[method] = true
	satisfied := s.isSatisfiedLocked()
	s.mu.Unlock()

	if satisfied {
		s.mu.Lock()
		s.authenticated = true
		s.mu.Unlock()
		return s.send(wire.NewBuilder(MsgUserauthSuccess).Payload())
	}
	return s.finishPartialSuccess()
}

func (s *Server) isSatisfiedLocked() bool {
	if s.satisfied != nil {
		return s.satisfied(s.succeededMethods)
	}
	return len(s.succeededMethods) > 0
}

// finishAttempt records a failed authentication round, enforces the
// attempt limit, and sends USERAUTH_FAILURE naming the remaining
// acceptable methods.
func (s *Server) finishAttempt() error { return s.finish(false) }

// finishPartialSuccess records a method that succeeded but did not by
// itself satisfy the Satisfied policy, and sends
// USERAUTH_FAILURE(partial=true, ...) so the client tries another
// method.
func (s *Server) finishPartialSuccess() error { return s.finish(true) }

func (s *Server) finish(partial bool) error {
	s.mu.Lock()
	s.attempts++
	exceeded := s.attempts > s.maxAttempts
	remaining := make([]string, 0, len(s.methods))
	for _, m := range s.methods {
		if !s.succeededMethods[m] {
			remaining = append(remaining, m)
		}
	}
	s.mu.Unlock()

	if exceeded {
		return ErrMaxAttemptsExceeded
	}
	return s.send(wire.NewBuilder(MsgUserauthFailure).NameList(remaining).Bool(partial).Payload())
}

func (s *Server) maybeSendBanner() error {
	s.mu.Lock()
	if s.bannerSent || s.banner == "" {
		s.mu.Unlock()
		return nil
	}
	s.bannerSent = true
	s.mu.Unlock()
	return s.send(wire.NewBuilder(MsgUserauthBanner).String(s.banner).String("").Payload())
}

// PublicKeySignatureData builds the exact byte sequence a publickey
// USERAUTH_REQUEST's signature covers, per RFC 4252 §7: the session
// identifier as a string, followed by the request fields that would
// make up the request itself with the boolean forced true.
func PublicKeySignatureData(sessionID []byte, user, service, algorithm string, blob []byte) []byte {
	return wire.NewBuilder(0).Bytes(sessionID).
		Byte(MsgUserauthRequest).
		String(user).
		String(service).
		String("publickey").
		Bool(true).
		String(algorithm).
		Bytes(blob).
		Payload()[1:]
}
