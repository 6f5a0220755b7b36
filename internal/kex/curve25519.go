package kex

import (
	"fmt"
	"io"

	"golang.org/x/crypto/curve25519"

	"sshcore/internal/wire"
)

func init() {
	for _, name := range []string{"curve25519-sha256", "curve25519-sha256@libssh.org"} {
		registerMethod(Method{
			Name:   name,
			Hash:   HashSHA256,
			Client: curve25519Client,
			Server: curve25519Server,
		})
	}
}

func genCurve25519Key(r io.Reader) (priv, pub []byte, err error) {
	priv = make([]byte, curve25519.ScalarSize)
	if _, err = io.ReadFull(r, priv); err != nil {
		return nil, nil, err
	}
	pub, err = curve25519.X25519(priv, curve25519.Basepoint)
	return priv, pub, err
}

func curve25519Client(x *Exchange) ([]byte, []byte, error) {
	priv, qC, err := genCurve25519Key(x.Rand)
	if err != nil {
		return nil, nil, err
	}
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
	shared, err := curve25519.X25519(priv, qS)
	if err != nil {
		return nil, nil, fmt.Errorf("kex: curve25519 exchange failed: %w", err)
	}
	mid := wire.NewBuilder(0).Bytes(hostKeyBlob).Bytes(qC).Bytes(qS).Payload()[1:]
	x.HostKeyBlob = hostKeyBlob
	x.Signature = sig
	return sharedToMPInt(shared), mid, nil
}

func curve25519Server(x *Exchange) ([]byte, []byte, error) {
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
	priv, qS, err := genCurve25519Key(x.Rand)
	if err != nil {
		return nil, nil, err
	}
	shared, err := curve25519.X25519(priv, qC)
	if err != nil {
		return nil, nil, fmt.Errorf("kex: curve25519 exchange failed: %w", err)
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
