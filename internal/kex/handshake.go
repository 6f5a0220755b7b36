package kex

import (
	"fmt"
	"io"

	"sshcore/internal/bpp"
)

// HostKey is the server-side host-key-store collaborator of spec.md
// §6: something that can produce its public blob and sign a digest
// with the matching private key. pkg/hostkeys implements this.
type HostKey interface {
	Algorithm() string
	PublicKeyBlob() []byte
	Sign(h []byte) ([]byte, error)
}

// HostKeyVerifier is the client-side half of the host-key-store
// collaborator: known_hosts / trust-on-first-use policy. Returning
// false fails the handshake with an error that carries no distinct
// type; the session layer reports it as KEY_EXCHANGE_FAILED.
type HostKeyVerifier func(algorithm string, blob []byte) bool

// Result is everything a completed key exchange hands back to the
// session layer.
type Result struct {
	SessionID  []byte
	Negotiated *Negotiated
}

const (
	keyLabelIVClientToServer  = 'A'
	keyLabelIVServerToClient  = 'B'
	keyLabelEncClientToServer = 'C'
	keyLabelEncServerToClient = 'D'
	keyLabelMACClientToServer = 'E'
	keyLabelMACServerToClient = 'F'
)

// RunClient drives the client side of one key exchange (initial or
// re-key) to completion: KEXINIT exchange, method run, host key
// verification, key installation, and NEWKEYS.
func RunClient(conn io.ReadWriter, engine *bpp.Engine, randSource io.Reader, vc, vs []byte, prefs Preferences, priorSessionID []byte, verify HostKeyVerifier) (*Result, error) {
	return run(RoleClient, conn, engine, randSource, vc, vs, prefs, priorSessionID, nil, verify, nil)
}

// RunServer drives the server side symmetrically, signing the
// exchange hash with hostKey instead of verifying a peer signature.
func RunServer(conn io.ReadWriter, engine *bpp.Engine, randSource io.Reader, vc, vs []byte, prefs Preferences, priorSessionID []byte, hostKey HostKey) (*Result, error) {
	return run(RoleServer, conn, engine, randSource, vc, vs, prefs, priorSessionID, hostKey, nil, nil)
}

// RunClientRekey and RunServerRekey continue a peer-initiated rekey:
// the caller has already read the peer's KEXINIT off the wire (its
// dispatcher had to, to notice the rekey in the first place) and
// hands it in as peerKexInit instead of letting run read another
// packet that will never arrive.
func RunClientRekey(conn io.ReadWriter, engine *bpp.Engine, randSource io.Reader, vc, vs []byte, prefs Preferences, priorSessionID []byte, verify HostKeyVerifier, peerKexInit []byte) (*Result, error) {
	return run(RoleClient, conn, engine, randSource, vc, vs, prefs, priorSessionID, nil, verify, peerKexInit)
}

func RunServerRekey(conn io.ReadWriter, engine *bpp.Engine, randSource io.Reader, vc, vs []byte, prefs Preferences, priorSessionID []byte, hostKey HostKey, peerKexInit []byte) (*Result, error) {
	return run(RoleServer, conn, engine, randSource, vc, vs, prefs, priorSessionID, hostKey, nil, peerKexInit)
}

// direction describes one traffic direction's negotiated algorithms
// and RFC 4253 §7.2 key labels, so key derivation and installation can
// be written once and applied from either role's point of view.
type direction struct {
	ivLabel, encLabel, macLabel byte
	cipherName, macName, compName string
}

func run(role Role, conn io.ReadWriter, engine *bpp.Engine, randSource io.Reader, vc, vs []byte, prefs Preferences, priorSessionID []byte, hostKey HostKey, verify HostKeyVerifier, preReadRemote []byte) (*Result, error) {
	local := &KexInitMessage{Preferences: prefs}
	localPayload := local.Encode(randSource)
	if err := engine.WritePacket(conn, localPayload); err != nil {
		return nil, fmt.Errorf("kex: sending KEXINIT: %w", err)
	}

	remotePayload := preReadRemote
	if remotePayload == nil {
		var err error
		remotePayload, err = engine.ReadPacket(conn)
		if err != nil {
			return nil, fmt.Errorf("kex: receiving KEXINIT: %w", err)
		}
	}
	remote, err := DecodeKexInit(remotePayload)
	if err != nil {
		return nil, err
	}

	var client, server *KexInitMessage
	var ic, is []byte
	if role == RoleClient {
		client, server = local, remote
		ic, is = localPayload, remotePayload
	} else {
		client, server = remote, local
		ic, is = remotePayload, localPayload
	}

	negotiated, err := Negotiate(client, server)
	if err != nil {
		return nil, err
	}

	if remote.FirstKexPacketFollows && !negotiated.GuessFollowsAndMatches {
		// The peer's optimistic guess didn't match our selection; its
		// first KEX-method packet must be discarded unread. This
		// engine never sends a mismatched guess itself, so only the
		// receive side of the discard is implemented.
		_, _ = engine.ReadPacket(conn)
	}

	x := &Exchange{
		Role:   role,
		Conn:   conn,
		Engine: engine,
		Rand:   randSource,
		VC:     vc,
		VS:     vs,
		IC:     ic,
		IS:     is,
	}
	if role == RoleServer {
		if hostKey == nil || hostKey.Algorithm() != negotiated.HostKey {
			return nil, fmt.Errorf("kex: no host key available for algorithm %q", negotiated.HostKey)
		}
		x.HostKeyBlob = hostKey.PublicKeyBlob()
		x.SignHostKey = hostKey.Sign
	}

	kMPInt, mid, err := runMethod(x, negotiated.Kex)
	if err != nil {
		return nil, err
	}

	h := x.ComputeExchangeHash(mid, kMPInt)

	if role == RoleClient {
		ok, verr := VerifyHostKeySignature(negotiated.HostKey, x.HostKeyBlob, h, x.Signature)
		if verr != nil || !ok {
			return nil, fmt.Errorf("kex: host key signature verification failed: %w", verr)
		}
		if verify != nil && !verify(negotiated.HostKey, x.HostKeyBlob) {
			return nil, fmt.Errorf("kex: host key rejected by policy")
		}
	}

	sessionID := priorSessionID
	firstKex := sessionID == nil
	if firstKex {
		sessionID = h
	}

	if err := engine.WritePacket(conn, []byte{MsgNewKeys}); err != nil {
		return nil, fmt.Errorf("kex: sending NEWKEYS: %w", err)
	}

	clientToServer := direction{keyLabelIVClientToServer, keyLabelEncClientToServer, keyLabelMACClientToServer,
		negotiated.CipherClientToServer, negotiated.MACClientToServer, negotiated.CompressionClientToServer}
	serverToClient := direction{keyLabelIVServerToClient, keyLabelEncServerToClient, keyLabelMACServerToClient,
		negotiated.CipherServerToClient, negotiated.MACServerToClient, negotiated.CompressionServerToClient}

	outDir, inDir := clientToServer, serverToClient
	if role == RoleServer {
		outDir, inDir = serverToClient, clientToServer
	}

	if err := installKeys(engine.SetOutboundKeys, x.HashID, kMPInt, h, sessionID, outDir); err != nil {
		return nil, err
	}

	peerNewKeys, err := engine.ReadPacket(conn)
	if err != nil {
		return nil, fmt.Errorf("kex: receiving NEWKEYS: %w", err)
	}
	if len(peerNewKeys) != 1 || peerNewKeys[0] != MsgNewKeys {
		return nil, fmt.Errorf("kex: expected NEWKEYS, got %v", peerNewKeys)
	}
	if err := installKeys(engine.SetInboundKeys, x.HashID, kMPInt, h, sessionID, inDir); err != nil {
		return nil, err
	}

	if negotiated.StrictKex && firstKex {
		engine.ResetSequence(true)
		engine.ResetSequence(false)
	}

	return &Result{SessionID: sessionID, Negotiated: negotiated}, nil
}

type keyInstaller func(cipherName, macName, compName string, encKey, iv, macKey []byte) error

func installKeys(install keyInstaller, hashID HashID, kMPInt, h, sessionID []byte, d direction) error {
	spec, ok := bpp.LookupCipher(d.cipherName)
	if !ok {
		return fmt.Errorf("kex: unknown cipher %q", d.cipherName)
	}
	iv := DeriveKey(hashID, kMPInt, h, d.ivLabel, sessionID, spec.IVSize)
	encKey := DeriveKey(hashID, kMPInt, h, d.encLabel, sessionID, spec.KeySize)
	var macKey []byte
	if !spec.AEAD {
		macSpec, ok := bpp.LookupMAC(d.macName)
		if !ok {
			return fmt.Errorf("kex: unknown mac %q", d.macName)
		}
		macKey = DeriveKey(hashID, kMPInt, h, d.macLabel, sessionID, macSpec.KeySize)
	}
	return install(d.cipherName, d.macName, d.compName, encKey, iv, macKey)
}

// runMethod executes the negotiated KEX method's client or server half
// and returns the shared secret (mpint-encoded), the method-specific
// middle hash section, and any error.
func runMethod(x *Exchange, methodName string) (kMPInt, mid []byte, err error) {
	m, ok := LookupMethod(methodName)
	if !ok {
		return nil, nil, fmt.Errorf("kex: unknown kex method %q", methodName)
	}
	x.HashID = m.Hash
	if x.Role == RoleClient {
		return m.Client(x)
	}
	return m.Server(x)
}
