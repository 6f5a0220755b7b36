// Package hostkeys generates and persists the server's SSH host key.
//
// It follows the same generate-if-missing, PEM-on-disk pattern
// pkg/certgen uses for the tunnel proxy's TLS certificate, but for an
// SSH ed25519 host key instead of an RSA/X.509 one: GenerateOrLoad
// returns the existing key from keyPath if present, and otherwise
// creates a fresh one and writes it before returning.
package hostkeys

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"runtime"

	"sshcore/internal/wire"
)

// Key is an ed25519 SSH host key, implementing internal/kex.HostKey.
type Key struct {
	pub  ed25519.PublicKey
	priv ed25519.PrivateKey
}

// Algorithm reports the SSH public key algorithm name this key signs
// with.
func (k *Key) Algorithm() string { return "ssh-ed25519" }

// PublicKeyBlob returns the SSH wire-format public key blob, the same
// bytes a HOST_KEY_NOT_VERIFIABLE decision or a hostkeys-00@openssh.com
// announcement carries.
func (k *Key) PublicKeyBlob() []byte {
	return wire.NewBuilder(0).String("ssh-ed25519").Bytes([]byte(k.pub)).Payload()[1:]
}

// Sign produces an SSH wire-format signature blob over h.
func (k *Key) Sign(h []byte) ([]byte, error) {
	sig := ed25519.Sign(k.priv, h)
	return wire.NewBuilder(0).String("ssh-ed25519").Bytes(sig).Payload()[1:], nil
}

// GenerateOrLoad returns the host key stored at keyPath, generating
// and persisting a fresh ed25519 key there if the file doesn't exist
// yet. The private key file is written with owner-only permissions.
func GenerateOrLoad(keyPath string) (*Key, error) {
	if data, err := os.ReadFile(keyPath); err == nil {
		return decodePrivateKeyPEM(data)
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("hostkeys: reading %s: %w", keyPath, err)
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("hostkeys: generating ed25519 key: %w", err)
	}
	key := &Key{pub: pub, priv: priv}

	if err := os.MkdirAll(filepath.Dir(keyPath), 0700); err != nil {
		return nil, fmt.Errorf("hostkeys: creating %s: %w", filepath.Dir(keyPath), err)
	}
	if err := writePrivateKeyPEM(keyPath, priv); err != nil {
		return nil, fmt.Errorf("hostkeys: writing %s: %w", keyPath, err)
	}
	return key, nil
}

func writePrivateKeyPEM(path string, priv ed25519.PrivateKey) error {
	der, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := pem.Encode(f, &pem.Block{Type: "PRIVATE KEY", Bytes: der}); err != nil {
		return err
	}
	return restrictToOwner(path)
}

func decodePrivateKeyPEM(data []byte) (*Key, error) {
	block, _ := pem.Decode(data)
	if block == nil || block.Type != "PRIVATE KEY" {
		return nil, fmt.Errorf("hostkeys: not a PEM private key")
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("hostkeys: parsing private key: %w", err)
	}
	priv, ok := parsed.(ed25519.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("hostkeys: expected an ed25519 private key, got %T", parsed)
	}
	return &Key{pub: priv.Public().(ed25519.PublicKey), priv: priv}, nil
}

// restrictToOwner chmods path to 0600 on POSIX systems. Windows ACLs
// don't map onto a Unix mode bit, so this is a no-op there; the file
// still isn't group/world-readable through any Unix-style share.
func restrictToOwner(path string) error {
	if runtime.GOOS == "windows" {
		log.Printf("hostkeys: %s: skipping owner-only permission bits on windows", path)
		return nil
	}
	return os.Chmod(path, 0600)
}
