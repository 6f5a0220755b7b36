package kex

import (
	"crypto/ecdh"
	"fmt"

	"sshcore/internal/wire"
)

const (
	msgKexECDHInit  = 30
	msgKexECDHReply = 31
)

func init() {
	for name, curve := range nistCurves {
		curve := curve
		registerMethod(Method{
			Name:   "ecdh-sha2-" + name,
			Hash:   ecdhHash(name),
			Client: ecdhClient(curve),
			Server: ecdhServer(curve),
		})
	}
}

func ecdhHash(curveName string) HashID {
	switch curveName {
	case "nistp384":
		return HashSHA384
	case "nistp521":
		return HashSHA512
	default:
		return HashSHA256
	}
}

func ecdhClient(curve ecdh.Curve) func(x *Exchange) ([]byte, []byte, error) {
	return func(x *Exchange) ([]byte, []byte, error) {
		priv, err := curve.GenerateKey(x.Rand)
		if err != nil {
			return nil, nil, err
		}
		qC := priv.PublicKey().Bytes()
		if err := x.SendPacket(wire.NewBuilder(msgKexECDHInit).Bytes(qC).Payload()); err != nil {
			return nil, nil, err
		}
		payload, err := x.RecvPacket()
		if err != nil {
			return nil, nil, err
		}
		r := wire.NewReader(payload)
		msgType, err := r.Byte()
		if err != nil || msgType != msgKexECDHReply {
			return nil, nil, fmt.Errorf("kex: expected KEX_ECDH_REPLY, got type %d", msgType)
		}
		hostKeyBlob, err := r.Bytes()
		if err != nil {
			return nil, nil, err
		}
		qS, err := r.Bytes()
		if err != nil {
			return nil, nil, err
		}
		sig, err := r.Bytes()
		if err != nil {
			return nil, nil, err
		}
		peerPub, err := curve.NewPublicKey(qS)
		if err != nil {
			return nil, nil, fmt.Errorf("kex: bad peer ecdh public key: %w", err)
		}
		shared, err := priv.ECDH(peerPub)
		if err != nil {
			return nil, nil, err
		}
		mid := wire.NewBuilder(0).Bytes(hostKeyBlob).Bytes(qC).Bytes(qS).Payload()[1:]
		x.HostKeyBlob = hostKeyBlob
		x.Signature = sig
		return sharedToMPInt(shared), mid, nil
	}
}

func ecdhServer(curve ecdh.Curve) func(x *Exchange) ([]byte, []byte, error) {
	return func(x *Exchange) ([]byte, []byte, error) {
		payload, err := x.RecvPacket()
		if err != nil {
			return nil, nil, err
		}
		r := wire.NewReader(payload)
		msgType, err := r.Byte()
		if err != nil || msgType != msgKexECDHInit {
			return nil, nil, fmt.Errorf("kex: expected KEX_ECDH_INIT, got type %d", msgType)
		}
		qC, err := r.Bytes()
		if err != nil {
			return nil, nil, err
		}
		peerPub, err := curve.NewPublicKey(qC)
		if err != nil {
			return nil, nil, fmt.Errorf("kex: bad peer ecdh public key: %w", err)
		}
		priv, err := curve.GenerateKey(x.Rand)
		if err != nil {
			return nil, nil, err
		}
		qS := priv.PublicKey().Bytes()
		shared, err := priv.ECDH(peerPub)
		if err != nil {
			return nil, nil, err
		}
		mid := wire.NewBuilder(0).Bytes(x.HostKeyBlob).Bytes(qC).Bytes(qS).Payload()[1:]
		kMPInt := sharedToMPInt(shared)
		h := x.ComputeExchangeHash(mid, kMPInt)
		sig, err := x.SignHostKey(h)
		if err != nil {
			return nil, nil, err
		}
		reply := wire.NewBuilder(msgKexECDHReply).Bytes(x.HostKeyBlob).Bytes(qS).Bytes(sig)
		if err := x.SendPacket(reply.Payload()); err != nil {
			return nil, nil, err
		}
		return kMPInt, mid, nil
	}
}

// sharedToMPInt encodes a raw ECDH shared secret as an SSH mpint,
// treating it as an unsigned big-endian integer per RFC 5656 §4.
func sharedToMPInt(shared []byte) []byte {
	trimmed := shared
	for len(trimmed) > 1 && trimmed[0] == 0 {
		trimmed = trimmed[1:]
	}
	needsPad := len(trimmed) > 0 && trimmed[0]&0x80 != 0
	n := len(trimmed)
	if needsPad {
		n++
	}
	out := make([]byte, 4+n)
	out[0] = byte(n >> 24)
	out[1] = byte(n >> 16)
	out[2] = byte(n >> 8)
	out[3] = byte(n)
	copy(out[4+n-len(trimmed):], trimmed)
	return out
}
