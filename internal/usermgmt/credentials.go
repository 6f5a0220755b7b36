package usermgmt

import (
	"sshcore/internal/auth"
	"sshcore/internal/kex"
)

// Credentials adapts a UserDB to internal/auth.CredentialSource, so
// the same bcrypt-backed user database that answers the CLI's
// add-user/list-users commands also answers USERAUTH_REQUEST.
//
// The keyboard-interactive method here is a thin echo of the password
// method: one prompt, one round, verified against the same hash. A
// deployment wanting a real multi-factor challenge would replace this
// with its own CredentialSource; this one exists so keyboard-interactive
// is exercised end to end without inventing a second credential store.
type Credentials struct {
	db *UserDB
}

// NewCredentials wraps db as an auth.CredentialSource.
func NewCredentials(db *UserDB) *Credentials { return &Credentials{db: db} }

var _ auth.CredentialSource = (*Credentials)(nil)

// Password reports whether password is user's current password.
func (c *Credentials) Password(user string, password []byte) bool {
	return c.db.Authenticate(user, string(password))
}

// AcceptPublicKey reports whether blob is one of user's authorized
// keys, without checking any signature.
func (c *Credentials) AcceptPublicKey(user, algorithm string, blob []byte) bool {
	return c.db.HasAuthorizedKey(user, blob)
}

// VerifyPublicKey checks cred.Signature over cred.SignedData using the
// algorithm named in the request, on top of the authorization check
// AcceptPublicKey already performs.
func (c *Credentials) VerifyPublicKey(user string, cred auth.PublicKeyCredential) bool {
	ok, err := kex.VerifyHostKeySignature(cred.Algorithm, cred.Blob, cred.SignedData, cred.Signature)
	return err == nil && ok
}

// KeyboardInteractivePrompts issues the single "Password: " prompt
// this adapter supports.
func (c *Credentials) KeyboardInteractivePrompts(user string) (name, instruction string, prompts []auth.Prompt, ok bool) {
	return "", "", []auth.Prompt{{Text: "Password: ", Echo: false}}, true
}

// KeyboardInteractiveVerify checks the single answer against the
// user's password hash; it never asks for a second round.
func (c *Credentials) KeyboardInteractiveVerify(user string, answers []string) (success bool, next *auth.KeyboardInteractiveChallenge) {
	if len(answers) != 1 {
		return false, nil
	}
	return c.db.Authenticate(user, answers[0]), nil
}
