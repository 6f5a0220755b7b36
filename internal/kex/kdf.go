package kex

import (
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"hash"
)

func hashNew(id HashID) func() hash.Hash {
	switch id {
	case HashSHA1:
		return sha1.New
	case HashSHA384:
		return sha512.New384
	case HashSHA512:
		return sha512.New
	default:
		return sha256.New
	}
}

// DeriveKey implements the RFC 4253 §7.2 key derivation function: an
// iterated single hash, never HKDF, so the shared secret K, exchange
// hash H, and session id line up byte-for-byte with any other
// RFC-conformant implementation. kMPInt is K already wire-encoded as
// an mpint (the same bytes a KEX method returns as its shared secret).
//
//	K1 = HASH(K || H || X || session_id)
//	Ki+1 = HASH(K || H || K1 || ... || Ki)
//
// truncated to needed bytes.
func DeriveKey(id HashID, kMPInt []byte, h []byte, x byte, sessionID []byte, needed int) []byte {
	newHash := hashNew(id)

	digest := func(parts ...[]byte) []byte {
		hh := newHash()
		for _, p := range parts {
			hh.Write(p)
		}
		return hh.Sum(nil)
	}

	out := digest(kMPInt, h, []byte{x}, sessionID)
	for len(out) < needed {
		out = append(out, digest(kMPInt, h, out)...)
	}
	return out[:needed]
}
