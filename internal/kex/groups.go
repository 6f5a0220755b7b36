package kex

import (
	"crypto/rand"
	"fmt"
	"io"
	"math/big"

	"sshcore/internal/wire"
)

const (
	msgKexdhInit  = 30
	msgKexdhReply = 31
)

// modpGroup is a finite-field Diffie-Hellman group from RFC 3526 /
// RFC 2409, identified by its safe prime p and generator g.
type modpGroup struct {
	p *big.Int
	g *big.Int
}

// group14 is the 2048-bit MODP group of RFC 3526 §3, the smallest
// group still considered acceptable and the one every SSH
// implementation is expected to support.
var group14 = mustGroup(
	"FFFFFFFF FFFFFFFF C90FDAA2 2168C234 C4C6628B 80DC1CD1"+
		"29024E08 8A67CC74 020BBEA6 3B139B22 514A0879 8E3404DD"+
		"EF9519B3 CD3A431B 302B0A6D F25F1437 4FE1356D 6D51C245"+
		"E485B576 625E7EC6 F44C42E9 A637ED6B 0BFF5CB6 F406B7ED"+
		"EE386BFB 5A899FA5 AE9F2411 7C4B1FE6 49286651 ECE45B3D"+
		"C2007CB8 A163BF05 98DA4836 1C55D39A 69163FA8 FD24CF5F"+
		"83655D23 DCA3AD96 1C62F356 208552BB 9ED52907 7096966D"+
		"670C354E 4ABC9804 F1746C08 CA18217C 32905E46 2E36CE3B"+
		"E39E772C 180E8603 9B2783A2 EC07A28F B5C55DF0 6F4C52C9"+
		"DE2BCBF6 95581718 3995497C EA956AE5 15D22618 98FA0510"+
		"15728E5A 8AACAA68 FFFFFFFF FFFFFFFF",
	"02",
)

func mustGroup(pHex, gHex string) *modpGroup {
	p, ok := new(big.Int).SetString(stripSpaces(pHex), 16)
	if !ok {
		panic("kex: bad group prime")
	}
	g, ok := new(big.Int).SetString(gHex, 16)
	if !ok {
		panic("kex: bad group generator")
	}
	return &modpGroup{p: p, g: g}
}

func stripSpaces(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		if s[i] != ' ' {
			out = append(out, s[i])
		}
	}
	return string(out)
}

func init() {
	registerMethod(Method{
		Name:   "diffie-hellman-group14-sha256",
		Hash:   HashSHA256,
		Client: dhClient(group14),
		Server: dhServer(group14),
	})
	registerMethod(Method{
		Name:   "diffie-hellman-group14-sha1",
		Hash:   HashSHA1,
		Client: dhClient(group14),
		Server: dhServer(group14),
	})
}

// dhClient runs the client side of the classic finite-field DH
// exchange (RFC 4253 §8): generate x, send e = g^x mod p, receive
// (K_S, f, signature), compute K = f^x mod p.
func dhClient(grp *modpGroup) func(x *Exchange) ([]byte, []byte, error) {
	return func(x *Exchange) ([]byte, []byte, error) {
		priv, e, err := dhGenerate(grp, x.Rand)
		if err != nil {
			return nil, nil, err
		}
		if err := x.SendPacket(wire.NewBuilder(msgKexdhInit).MPInt(e).Payload()); err != nil {
			return nil, nil, err
		}
		payload, err := x.RecvPacket()
		if err != nil {
			return nil, nil, err
		}
		r := wire.NewReader(payload)
		msgType, err := r.Byte()
		if err != nil || msgType != msgKexdhReply {
			return nil, nil, fmt.Errorf("kex: expected KEXDH_REPLY, got type %d", msgType)
		}
		hostKeyBlob, err := r.Bytes()
		if err != nil {
			return nil, nil, err
		}
		f, err := r.MPInt()
		if err != nil {
			return nil, nil, err
		}
		sig, err := r.Bytes()
		if err != nil {
			return nil, nil, err
		}
		k := dhShared(grp, f, priv)
		mid := wire.NewBuilder(0).Bytes(hostKeyBlob).MPInt(e).MPInt(f).Payload()[1:]
		x.HostKeyBlob = hostKeyBlob
		x.Signature = sig
		return wire.NewBuilder(0).MPInt(k).Payload()[1:], mid, nil
	}
}

// dhServer runs the server side symmetrically; it needs the caller to
// have already set the Exchange's HostKeyBlob and SignHostKey fields
// before invoking Server.
func dhServer(grp *modpGroup) func(x *Exchange) ([]byte, []byte, error) {
	return func(x *Exchange) ([]byte, []byte, error) {
		payload, err := x.RecvPacket()
		if err != nil {
			return nil, nil, err
		}
		r := wire.NewReader(payload)
		msgType, err := r.Byte()
		if err != nil || msgType != msgKexdhInit {
			return nil, nil, fmt.Errorf("kex: expected KEXDH_INIT, got type %d", msgType)
		}
		e, err := r.MPInt()
		if err != nil {
			return nil, nil, err
		}
		priv, f, err := dhGenerate(grp, x.Rand)
		if err != nil {
			return nil, nil, err
		}
		k := dhShared(grp, e, priv)
		mid := wire.NewBuilder(0).Bytes(x.HostKeyBlob).MPInt(e).MPInt(f).Payload()[1:]
		kBytes := wire.NewBuilder(0).MPInt(k).Payload()[1:]
		h := x.ComputeExchangeHash(mid, kBytes)
		sig, err := x.SignHostKey(h)
		if err != nil {
			return nil, nil, err
		}
		reply := wire.NewBuilder(msgKexdhReply).Bytes(x.HostKeyBlob).MPInt(f).Bytes(sig)
		if err := x.SendPacket(reply.Payload()); err != nil {
			return nil, nil, err
		}
		return kBytes, mid, nil
	}
}

func dhGenerate(grp *modpGroup, randSource io.Reader) (*big.Int, *big.Int, error) {
	// Private exponent uniformly in [2, p-2].
	priv, err := rand.Int(randSource, new(big.Int).Sub(grp.p, big.NewInt(3)))
	if err != nil {
		return nil, nil, err
	}
	priv.Add(priv, big.NewInt(2))
	pub := new(big.Int).Exp(grp.g, priv, grp.p)
	return priv, pub, nil
}

func dhShared(grp *modpGroup, peerPub, priv *big.Int) *big.Int {
	return new(big.Int).Exp(peerPub, priv, grp.p)
}
