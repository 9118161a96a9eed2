// Package keys manages the coordinator's ticket-signing keypair.
package keys

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
)

const (
	privateKeyFile = "jwt_private_key.pem"
	publicKeyFile  = "jwt_public_key.pem"

	keySize = 2048
)

// Manager holds the RSA keypair used to sign authorization tickets. The
// private key never leaves the coordinator; the PEM-encoded public half is
// distributed to workers for local ticket verification.
type Manager struct {
	private   *rsa.PrivateKey
	publicPEM []byte
}

// Ensure loads the keypair from dir, generating and persisting a fresh one on
// first startup. The private key file is written owner-read-only.
func Ensure(dir string) (*Manager, error) {
	privPath := filepath.Join(dir, privateKeyFile)
	pubPath := filepath.Join(dir, publicKeyFile)

	if _, err := os.Stat(privPath); err == nil {
		return load(privPath, pubPath)
	}

	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create keys dir: %w", err)
	}

	private, err := rsa.GenerateKey(rand.Reader, keySize)
	if err != nil {
		return nil, fmt.Errorf("generate keypair: %w", err)
	}

	privDER, err := x509.MarshalPKCS8PrivateKey(private)
	if err != nil {
		return nil, fmt.Errorf("marshal private key: %w", err)
	}
	privPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privDER})

	pubDER, err := x509.MarshalPKIXPublicKey(&private.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("marshal public key: %w", err)
	}
	pubPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER})

	if err := os.WriteFile(privPath, privPEM, 0o400); err != nil {
		return nil, fmt.Errorf("write private key: %w", err)
	}
	if err := os.WriteFile(pubPath, pubPEM, 0o644); err != nil {
		return nil, fmt.Errorf("write public key: %w", err)
	}

	return &Manager{private: private, publicPEM: pubPEM}, nil
}

func load(privPath, pubPath string) (*Manager, error) {
	privPEM, err := os.ReadFile(privPath)
	if err != nil {
		return nil, fmt.Errorf("read private key: %w", err)
	}
	block, _ := pem.Decode(privPEM)
	if block == nil {
		return nil, fmt.Errorf("decode private key: no PEM block in %s", privPath)
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	private, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("parse private key: %s is not RSA", privPath)
	}

	pubPEM, err := os.ReadFile(pubPath)
	if err != nil {
		return nil, fmt.Errorf("read public key: %w", err)
	}

	return &Manager{private: private, publicPEM: pubPEM}, nil
}

// Private returns the signing key.
func (m *Manager) Private() *rsa.PrivateKey {
	return m.private
}

// Public returns the verification key.
func (m *Manager) Public() *rsa.PublicKey {
	return &m.private.PublicKey
}

// PublicPEM returns the PEM-encoded public key for distribution.
func (m *Manager) PublicPEM() []byte {
	return m.publicPEM
}
