package auth

import (
	"sync"
	"testing"

	"sshcore/internal/wire"
)

type fakeCreds struct {
	mu        sync.Mutex
	passwords map[string]string
	acceptKey map[string]bool
	kiAnswer  string
	frames    [][]byte
}

func (f *fakeCreds) Password(user string, password []byte) bool {
	return f.passwords[user] == string(password)
}

func (f *fakeCreds) AcceptPublicKey(user, algorithm string, blob []byte) bool {
	return f.acceptKey[string(blob)]
}

func (f *fakeCreds) VerifyPublicKey(user string, cred PublicKeyCredential) bool {
	return string(cred.Signature) == "valid-sig"
}

func (f *fakeCreds) KeyboardInteractivePrompts(user string) (string, string, []Prompt, bool) {
	return "", "answer with 'yes'", []Prompt{{Text: "continue? ", Echo: true}}, true
}

func (f *fakeCreds) KeyboardInteractiveVerify(user string, answers []string) (bool, *KeyboardInteractiveChallenge) {
	if len(answers) == 1 && answers[0] == f.kiAnswer {
		return true, nil
	}
	return false, nil
}

func newTestServer(t *testing.T, creds *fakeCreds) (*Server, func() [][]byte) {
	t.Helper()
	var mu sync.Mutex
	var frames [][]byte
	send := func(payload []byte) error {
		mu.Lock()
		defer mu.Unlock()
		frames = append(frames, append([]byte(nil), payload...))
		return nil
	}
	s := NewServer(creds, send, "", 6, []string{"password", "publickey", "keyboard-interactive"}, []byte("session-id"))
	return s, func() [][]byte {
		mu.Lock()
		defer mu.Unlock()
		return append([][]byte(nil), frames...)
	}
}

func userauthRequestPayload(user, service, method string, tail *wire.Builder) []byte {
	b := wire.NewBuilder(MsgUserauthRequest).String(user).String(service).String(method)
	if tail != nil {
		b.Raw(tail.Payload()[1:])
	}
	return b.Payload()
}

func TestPasswordAuthSuccess(t *testing.T) {
	creds := &fakeCreds{passwords: map[string]string{"alice": "hunter2"}}
	s, frames := newTestServer(t, creds)

	tail := wire.NewBuilder(0).Bool(false).String("hunter2")
	payload := userauthRequestPayload("alice", "ssh-connection", "password", tail)
	r := wire.NewReader(payload)
	r.Byte() // consume message type
	if err := s.HandleUserauthRequest(r); err != nil {
		t.Fatalf("HandleUserauthRequest: %v", err)
	}
	if !s.Authenticated() {
		t.Fatalf("expected authenticated")
	}
	got := frames()
	if len(got) != 1 || got[0][0] != MsgUserauthSuccess {
		t.Fatalf("expected a single USERAUTH_SUCCESS frame, got %v", got)
	}
}

func TestPasswordAuthFailureListsMethods(t *testing.T) {
	creds := &fakeCreds{passwords: map[string]string{"alice": "hunter2"}}
	s, frames := newTestServer(t, creds)

	tail := wire.NewBuilder(0).Bool(false).String("wrong")
	payload := userauthRequestPayload("alice", "ssh-connection", "password", tail)
	r := wire.NewReader(payload)
	r.Byte()
	if err := s.HandleUserauthRequest(r); err != nil {
		t.Fatalf("HandleUserauthRequest: %v", err)
	}
	if s.Authenticated() {
		t.Fatalf("expected not authenticated")
	}
	got := frames()
	if len(got) != 1 || got[0][0] != MsgUserauthFailure {
		t.Fatalf("expected USERAUTH_FAILURE, got %v", got)
	}
	fr := wire.NewReader(got[0])
	fr.Byte()
	methods, err := fr.NameList()
	if err != nil {
		t.Fatalf("NameList: %v", err)
	}
	found := false
	for _, m := range methods {
		if m == "password" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected password still listed as a remaining method, got %v", methods)
	}
}

func TestPublicKeyProbeSendsPKOK(t *testing.T) {
	creds := &fakeCreds{acceptKey: map[string]bool{"blob-1": true}}
	s, frames := newTestServer(t, creds)

	tail := wire.NewBuilder(0).Bool(false).String("ssh-ed25519").Bytes([]byte("blob-1"))
	payload := userauthRequestPayload("bob", "ssh-connection", "publickey", tail)
	r := wire.NewReader(payload)
	r.Byte()
	if err := s.HandleUserauthRequest(r); err != nil {
		t.Fatalf("HandleUserauthRequest: %v", err)
	}
	got := frames()
	if len(got) != 1 || got[0][0] != MsgUserauthPKOK {
		t.Fatalf("expected PK_OK, got %v", got)
	}
}

func TestPublicKeySignedRequestSuccess(t *testing.T) {
	creds := &fakeCreds{acceptKey: map[string]bool{"blob-1": true}}
	s, frames := newTestServer(t, creds)

	tail := wire.NewBuilder(0).Bool(true).String("ssh-ed25519").Bytes([]byte("blob-1")).Bytes([]byte("valid-sig"))
	payload := userauthRequestPayload("bob", "ssh-connection", "publickey", tail)
	r := wire.NewReader(payload)
	r.Byte()
	if err := s.HandleUserauthRequest(r); err != nil {
		t.Fatalf("HandleUserauthRequest: %v", err)
	}
	if !s.Authenticated() {
		t.Fatalf("expected authenticated")
	}
	got := frames()
	if len(got) != 1 || got[0][0] != MsgUserauthSuccess {
		t.Fatalf("expected USERAUTH_SUCCESS, got %v", got)
	}
}

func TestKeyboardInteractiveRoundTrip(t *testing.T) {
	creds := &fakeCreds{kiAnswer: "yes"}
	s, frames := newTestServer(t, creds)

	tail := wire.NewBuilder(0).String("").String("")
	payload := userauthRequestPayload("carol", "ssh-connection", "keyboard-interactive", tail)
	r := wire.NewReader(payload)
	r.Byte()
	if err := s.HandleUserauthRequest(r); err != nil {
		t.Fatalf("start: %v", err)
	}
	got := frames()
	if len(got) != 1 || got[0][0] != MsgUserauthInfoRequest {
		t.Fatalf("expected INFO_REQUEST, got %v", got)
	}

	respBuilder := wire.NewBuilder(MsgUserauthInfoResponse).Uint32(1).String("yes")
	rr := wire.NewReader(respBuilder.Payload())
	rr.Byte()
	if err := s.HandleInfoResponse(rr); err != nil {
		t.Fatalf("HandleInfoResponse: %v", err)
	}
	if !s.Authenticated() {
		t.Fatalf("expected authenticated after correct answer")
	}
}

func TestMaxAttemptsExceeded(t *testing.T) {
	creds := &fakeCreds{passwords: map[string]string{"alice": "hunter2"}}
	s, _ := newTestServer(t, creds)
	s.maxAttempts = 1

	tail := wire.NewBuilder(0).Bool(false).String("wrong")
	payload := userauthRequestPayload("alice", "ssh-connection", "password", tail)
	r := wire.NewReader(payload)
	r.Byte()
	if err := s.HandleUserauthRequest(r); err != nil {
		t.Fatalf("first attempt: %v", err)
	}

	r2 := wire.NewReader(payload)
	r2.Byte()
	if err := s.HandleUserauthRequest(r2); err != ErrMaxAttemptsExceeded {
		t.Fatalf("expected ErrMaxAttemptsExceeded, got %v", err)
	}
}

func TestServiceRequestAccepted(t *testing.T) {
	s, frames := newTestServer(t, &fakeCreds{})
	payload := wire.NewBuilder(MsgServiceRequest).String(ServiceNameUserauth).Payload()
	r := wire.NewReader(payload)
	r.Byte()
	if err := s.HandleServiceRequest(r); err != nil {
		t.Fatalf("HandleServiceRequest: %v", err)
	}
	got := frames()
	if len(got) != 1 || got[0][0] != MsgServiceAccept {
		t.Fatalf("expected SERVICE_ACCEPT, got %v", got)
	}
}
