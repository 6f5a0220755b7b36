package auth

// Message numbers this package emits and consumes, RangeUserAuthGeneric
// (50-59) and RangeUserAuthMethod (60-79) plus the service exchange
// (5-6) that precedes them.
const (
	MsgServiceRequest = 5
	MsgServiceAccept  = 6

	MsgUserauthRequest = 50
	MsgUserauthFailure = 51
	MsgUserauthSuccess = 52
	MsgUserauthBanner  = 53

	// 60 is context-dependent per RFC 4252: PK_OK answers a publickey
	// probe, INFO_REQUEST starts a keyboard-interactive round,
	// PASSWD_CHANGEREQ answers an expired password. Only one of these
	// is ever in flight for a given request, so the shared number
	// never actually collides.
	MsgUserauthPKOK             = 60
	MsgUserauthInfoRequest      = 60
	MsgUserauthPasswdChangereq  = 60
	MsgUserauthInfoResponse     = 61
)

// ServiceNameUserauth is the service name a client requests in
// SERVICE_REQUEST to begin authentication. USERAUTH_REQUEST messages
// name "ssh-connection" as the service wanted afterward.
const ServiceNameUserauth = "ssh-userauth"

// Prompt is one line of a keyboard-interactive challenge.
type Prompt struct {
	Text  string
	Echo  bool
}

// PublicKeyCredential describes one key a client offered, either as a
// probe (Signature nil) or a signed request.
type PublicKeyCredential struct {
	Algorithm string
	Blob      []byte
	SignedData []byte // the exact bytes the signature covers, built per RFC 4252 §7
	Signature []byte  // nil for a want-signature=false probe
}

// CredentialSource is the User credential source collaborator: the
// core never touches a password database or key store directly, it
// asks this interface. A method returning ok=false is a plain
// rejection, not an error; Server turns that into USERAUTH_FAILURE.
type CredentialSource interface {
	// Password reports whether password is user's current password.
	Password(user string, password []byte) (ok bool)

	// AcceptPublicKey reports whether algorithm/blob is a key user is
	// allowed to authenticate with, without checking any signature -
	// used to answer a want-signature=false probe.
	AcceptPublicKey(user string, algorithm string, blob []byte) (ok bool)

	// VerifyPublicKey reports whether signature over signedData is
	// valid for algorithm/blob, in addition to AcceptPublicKey's
	// authorization check.
	VerifyPublicKey(user string, cred PublicKeyCredential) (ok bool)

	// KeyboardInteractivePrompts returns the challenge to present for
	// user's first keyboard-interactive round. ok=false rejects the
	// method entirely for this user.
	KeyboardInteractivePrompts(user string) (name, instruction string, prompts []Prompt, ok bool)

	// KeyboardInteractiveVerify checks answers against the
	// most recently issued prompt set for user, and reports either
	// success, a need for another round (next non-nil), or failure.
	KeyboardInteractiveVerify(user string, answers []string) (success bool, next *KeyboardInteractiveChallenge)
}

// KeyboardInteractiveChallenge is a further round of prompts a
// CredentialSource may request from KeyboardInteractiveVerify.
type KeyboardInteractiveChallenge struct {
	Name, Instruction string
	Prompts           []Prompt
}
