package sshcore

import (
	"errors"
	"fmt"

	"sshcore/internal/bpp"
)

// DisconnectReason mirrors bpp.DisconnectReason at the session layer,
// so callers outside internal/bpp don't need to import it just to
// build a DisconnectError.
type DisconnectReason = bpp.DisconnectReason

const (
	ReasonHostNotAllowedToConnect     = bpp.ReasonHostNotAllowedToConnect
	ReasonProtocolError               = bpp.ReasonProtocolError
	ReasonKeyExchangeFailed           = bpp.ReasonKeyExchangeFailed
	ReasonMACError                    = bpp.ReasonMACError
	ReasonCompressionError            = bpp.ReasonCompressionError
	ReasonServiceNotAvailable         = bpp.ReasonServiceNotAvailable
	ReasonProtocolVersionNotSupported = bpp.ReasonProtocolVersionNotSupported
	ReasonHostKeyNotVerifiable        = bpp.ReasonHostKeyNotVerifiable
	ReasonConnectionLost              = bpp.ReasonConnectionLost
	ReasonByApplication               = bpp.ReasonByApplication
	ReasonTooManyConnections          = bpp.ReasonTooManyConnections
	ReasonAuthCancelledByUser         = bpp.ReasonAuthCancelledByUser
	ReasonNoMoreAuthMethodsAvailable  = bpp.ReasonNoMoreAuthMethodsAvailable
	ReasonIllegalUserName             = bpp.ReasonIllegalUserName
)

// DisconnectError is a fatal session error that carries the reason
// code and human-readable text an SSH_MSG_DISCONNECT should be sent
// with before the session tears down. Every fatal error kind in §7
// (transport, protocol, MAC/decrypt, KEX, policy/timeout) is
// represented as one of these; callers branch on Reason with
// errors.As, not on string matching.
type DisconnectError struct {
	Reason      DisconnectReason
	Description string
	Cause       error
}

func (e *DisconnectError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("sshcore: disconnect(%d): %s: %v", e.Reason, e.Description, e.Cause)
	}
	return fmt.Sprintf("sshcore: disconnect(%d): %s", e.Reason, e.Description)
}

func (e *DisconnectError) Unwrap() error { return e.Cause }

func newDisconnect(reason DisconnectReason, description string, cause error) *DisconnectError {
	return &DisconnectError{Reason: reason, Description: description, Cause: cause}
}

// TransportError wraps an I/O error from the underlying byte stream.
// Always fatal.
type TransportError struct{ Cause error }

func (e *TransportError) Error() string { return fmt.Sprintf("sshcore: transport error: %v", e.Cause) }
func (e *TransportError) Unwrap() error { return e.Cause }

// AuthError is recoverable: the auth layer reports it to the peer as
// USERAUTH_FAILURE and the session continues.
type AuthError struct {
	Method string
	Cause  error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("sshcore: auth error (%s): %v", e.Method, e.Cause)
}
func (e *AuthError) Unwrap() error { return e.Cause }

// ChannelError is recoverable: it closes or fails a single channel
// without affecting the session.
type ChannelError struct {
	ChannelID uint32
	Cause     error
}

func (e *ChannelError) Error() string {
	return fmt.Sprintf("sshcore: channel %d error: %v", e.ChannelID, e.Cause)
}
func (e *ChannelError) Unwrap() error { return e.Cause }

// ErrTimeout indicates a deadline (auth, connect, open-channel)
// expired; the session remains healthy unless the timeout was at
// transport level.
var ErrTimeout = errors.New("sshcore: operation timed out")

// classifyBPPError converts a decode error from internal/bpp into a
// session-level DisconnectError.
func classifyBPPError(err error) *DisconnectError {
	reason := bpp.ClassifyError(err)
	return newDisconnect(reason, "binary packet protocol error", err)
}

// classifyKexError converts a failure from internal/kex's handshake
// into a session-level DisconnectError. The kex package reports every
// failure mode - no common algorithm, bad signature, transport error
// mid-exchange - as a plain wrapped error, so this always reports
// KEY_EXCHANGE_FAILED, including when the client's host-key verifier
// rejects the server's key; no path in the session layer sends
// HOST_KEY_NOT_VERIFIABLE.
func classifyKexError(err error) *DisconnectError {
	return newDisconnect(ReasonKeyExchangeFailed, "key exchange failed", err)
}
