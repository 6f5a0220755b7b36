// Package sshcore composes the Binary Packet Protocol, key exchange,
// user authentication, and connection layers into a single Session:
// the state machine of §4.3, the algorithm and key material a
// negotiated exchange produces, and the message dispatcher that
// routes decoded payloads to whichever layer owns their message
// number range.
package sshcore
