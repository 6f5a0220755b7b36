// Package auth implements the SSH User Authentication protocol of RFC
// 4252: service request/accept, method dispatch (none, password,
// publickey, keyboard-interactive), partial-success chaining, and the
// banner and max-attempts policy that gate a session's move from AUTH
// to OPEN. It enforces no authentication timeout. It never imports the
// session package; a Server
// is driven by feeding it decoded USERAUTH_* payloads and reading back
// the reply frames to send, the same injected-callback shape
// internal/channel uses to avoid an import cycle.
package auth
