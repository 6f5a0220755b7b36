// Package kex implements the SSH Key Exchange engine of RFC 4253 §7-8:
// KEXINIT algorithm negotiation (including the optimistic "guess"),
// the Diffie-Hellman/ECDH/Curve25519 method family, host-key signature
// verification, the RFC 4253 §7.2 key derivation function, and the
// NEWKEYS/strict-kex handshake. It knows nothing about channels or
// authentication; sshcore drives it and installs the keys it produces
// into a bpp.Engine.
package kex
