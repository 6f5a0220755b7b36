package kex

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/sha512"
	"fmt"
	"math/big"

	"sshcore/internal/wire"
)

func init() {
	registerHostKeyAlgorithm(HostKeyAlgorithm{
		Name:       "ssh-ed25519",
		Sign:       signEd25519,
		Verify:     verifyEd25519,
		ParsePub:   parseEd25519Pub,
		MarshalPub: marshalEd25519Pub,
	})
	registerHostKeyAlgorithm(HostKeyAlgorithm{
		Name:       "rsa-sha2-256",
		Sign:       signRSA("rsa-sha2-256"),
		Verify:     verifyRSA("rsa-sha2-256"),
		ParsePub:   parseRSAPub,
		MarshalPub: marshalRSAPub,
	})
	registerHostKeyAlgorithm(HostKeyAlgorithm{
		Name:       "rsa-sha2-512",
		Sign:       signRSA("rsa-sha2-512"),
		Verify:     verifyRSA("rsa-sha2-512"),
		ParsePub:   parseRSAPub,
		MarshalPub: marshalRSAPub,
	})
	for _, curveName := range []string{"nistp256", "nistp384", "nistp521"} {
		curveName := curveName
		algoName := "ecdsa-sha2-" + curveName
		registerHostKeyAlgorithm(HostKeyAlgorithm{
			Name:       algoName,
			Sign:       signECDSA(algoName),
			Verify:     verifyECDSA(algoName),
			ParsePub:   parseECDSAPub,
			MarshalPub: marshalECDSAPub,
		})
	}
}

// --- ssh-ed25519 -----------------------------------------------------

func marshalEd25519Pub(pub any) []byte {
	key := pub.(ed25519.PublicKey)
	return wire.NewBuilder(0).String("ssh-ed25519").Bytes([]byte(key)).Payload()[1:]
}

func parseEd25519Pub(blob []byte) (any, error) {
	r := wire.NewReader(blob)
	name, err := r.String()
	if err != nil || name != "ssh-ed25519" {
		return nil, fmt.Errorf("kex: not an ssh-ed25519 key blob")
	}
	raw, err := r.Bytes()
	if err != nil || len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("kex: malformed ssh-ed25519 key blob")
	}
	return ed25519.PublicKey(raw), nil
}

func signEd25519(priv any, data []byte) ([]byte, error) {
	key, ok := priv.(ed25519.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("kex: signEd25519 requires an ed25519.PrivateKey")
	}
	sig := ed25519.Sign(key, data)
	return wire.NewBuilder(0).String("ssh-ed25519").Bytes(sig).Payload()[1:], nil
}

func verifyEd25519(pub any, data, sigBlob []byte) bool {
	key, ok := pub.(ed25519.PublicKey)
	if !ok {
		return false
	}
	r := wire.NewReader(sigBlob)
	name, err := r.String()
	if err != nil || name != "ssh-ed25519" {
		return false
	}
	sig, err := r.Bytes()
	if err != nil {
		return false
	}
	return ed25519.Verify(key, data, sig)
}

// --- rsa-sha2-256 / rsa-sha2-512 --------------------------------------

func marshalRSAPub(pub any) []byte {
	key := pub.(*rsa.PublicKey)
	b := wire.NewBuilder(0).String("ssh-rsa")
	b.MPInt(big.NewInt(int64(key.E)))
	b.MPInt(key.N)
	return b.Payload()[1:]
}

func parseRSAPub(blob []byte) (any, error) {
	r := wire.NewReader(blob)
	name, err := r.String()
	if err != nil || name != "ssh-rsa" {
		return nil, fmt.Errorf("kex: not an ssh-rsa key blob")
	}
	e, err := r.MPInt()
	if err != nil {
		return nil, err
	}
	n, err := r.MPInt()
	if err != nil {
		return nil, err
	}
	return &rsa.PublicKey{E: int(e.Int64()), N: n}, nil
}

func signRSA(algoName string) func(any, []byte) ([]byte, error) {
	return func(priv any, data []byte) ([]byte, error) {
		key, ok := priv.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("kex: %s requires an *rsa.PrivateKey", algoName)
		}
		hashed := hashSum(algoName, data)
		sig, err := rsa.SignPKCS1v15(rand.Reader, key, rsaHashID(algoName), hashed)
		if err != nil {
			return nil, err
		}
		return wire.NewBuilder(0).String(algoName).Bytes(sig).Payload()[1:], nil
	}
}

func verifyRSA(algoName string) func(any, []byte, []byte) bool {
	return func(pub any, data, sigBlob []byte) bool {
		key, ok := pub.(*rsa.PublicKey)
		if !ok {
			return false
		}
		r := wire.NewReader(sigBlob)
		name, err := r.String()
		if err != nil || name != algoName {
			return false
		}
		sig, err := r.Bytes()
		if err != nil {
			return false
		}
		hashed := hashSum(algoName, data)
		return rsa.VerifyPKCS1v15(key, rsaHashID(algoName), hashed, sig) == nil
	}
}

// --- ecdsa-sha2-nistp{256,384,521} -------------------------------------

func marshalECDSAPub(pub any) []byte {
	key := pub.(*ecdsa.PublicKey)
	curveName := ecdsaCurveName(key.Curve)
	point := elliptic.Marshal(key.Curve, key.X, key.Y)
	b := wire.NewBuilder(0).String("ecdsa-sha2-" + curveName).String(curveName).Bytes(point)
	return b.Payload()[1:]
}

func parseECDSAPub(blob []byte) (any, error) {
	r := wire.NewReader(blob)
	name, err := r.String()
	if err != nil {
		return nil, err
	}
	curveName, err := r.String()
	if err != nil {
		return nil, err
	}
	point, err := r.Bytes()
	if err != nil {
		return nil, err
	}
	curve := ecdsaCurveByName(curveName)
	if curve == nil {
		return nil, fmt.Errorf("kex: unsupported ecdsa curve %q in %q", curveName, name)
	}
	x, y := elliptic.Unmarshal(curve, point)
	if x == nil {
		return nil, fmt.Errorf("kex: malformed ecdsa point")
	}
	return &ecdsa.PublicKey{Curve: curve, X: x, Y: y}, nil
}

func signECDSA(algoName string) func(any, []byte) ([]byte, error) {
	return func(priv any, data []byte) ([]byte, error) {
		key, ok := priv.(*ecdsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("kex: %s requires an *ecdsa.PrivateKey", algoName)
		}
		hashed := hashSum(algoName, data)
		r, s, err := ecdsa.Sign(rand.Reader, key, hashed)
		if err != nil {
			return nil, err
		}
		sigBlob := wire.NewBuilder(0)
		sigBlob.MPInt(r)
		sigBlob.MPInt(s)
		body := sigBlob.Payload()[1:]
		return wire.NewBuilder(0).String(algoName).Bytes(body).Payload()[1:], nil
	}
}

func verifyECDSA(algoName string) func(any, []byte, []byte) bool {
	return func(pub any, data, sigBlob []byte) bool {
		key, ok := pub.(*ecdsa.PublicKey)
		if !ok {
			return false
		}
		outer := wire.NewReader(sigBlob)
		name, err := outer.String()
		if err != nil || name != algoName {
			return false
		}
		body, err := outer.Bytes()
		if err != nil {
			return false
		}
		inner := wire.NewReader(body)
		r, err := inner.MPInt()
		if err != nil {
			return false
		}
		s, err := inner.MPInt()
		if err != nil {
			return false
		}
		hashed := hashSum(algoName, data)
		return ecdsa.Verify(key, hashed, r, s)
	}
}

func ecdsaCurveName(c elliptic.Curve) string {
	switch c.Params().Name {
	case "P-256":
		return "nistp256"
	case "P-384":
		return "nistp384"
	case "P-521":
		return "nistp521"
	default:
		return c.Params().Name
	}
}

func ecdsaCurveByName(name string) elliptic.Curve {
	switch name {
	case "nistp256":
		return elliptic.P256()
	case "nistp384":
		return elliptic.P384()
	case "nistp521":
		return elliptic.P521()
	default:
		return nil
	}
}

func rsaHashID(algoName string) crypto.Hash {
	if algoName == "rsa-sha2-512" {
		return crypto.SHA512
	}
	return crypto.SHA256
}

// VerifyHostKeySignature parses blob under algo and checks sig over h,
// the composed operation the client side of a handshake needs.
func VerifyHostKeySignature(algo string, blob, h, sig []byte) (bool, error) {
	spec, ok := LookupHostKeyAlgorithm(algo)
	if !ok {
		return false, fmt.Errorf("kex: unknown host key algorithm %q", algo)
	}
	pub, err := spec.ParsePub(blob)
	if err != nil {
		return false, err
	}
	return spec.Verify(pub, h, sig), nil
}

// hashSum computes the digest an algorithm's signature scheme requires
// over data. ecdsa-sha2-* and rsa-sha2-* names embed their hash.
func hashSum(algoName string, data []byte) []byte {
	switch algoName {
	case "rsa-sha2-256", "ecdsa-sha2-nistp256":
		h := sha256.Sum256(data)
		return h[:]
	case "ecdsa-sha2-nistp384":
		h := sha512.Sum384(data)
		return h[:]
	case "rsa-sha2-512", "ecdsa-sha2-nistp521":
		h := sha512.Sum512(data)
		return h[:]
	default:
		h := sha256.Sum256(data)
		return h[:]
	}
}
