// Package bpp implements the SSH Binary Packet Protocol (RFC 4253 §6):
// packet framing, padding, the cipher/MAC/compression pipeline for
// each direction, and per-direction sequence numbering. It is the
// lowest of sshcore's layers — everything above it deals in decoded
// message payloads, never in wire bytes.
package bpp
