// Package keys implements posttroll-generate-keys: it produces the key
// material the secure transport backend authenticates with (spec.md §4.I).
package keys

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"time"

	"github.com/nats-io/nkeys"
)

// validity is how long a generated self-signed certificate is valid for.
const validity = 10 * 365 * 24 * time.Hour

// Generate creates a key pair for name and writes it under dir as
// <name>.key (self-signed certificate, PEM) and <name>.key_secret
// (PKCS8 private key, PEM, mode 0600) — the pair tls.LoadX509KeyPair
// expects from the secure transport backend.
//
// An nkeys user seed (the same Ed25519-backed primitive nats-io/nkeys
// uses for NATS client identity) is generated alongside the certificate
// as this key pair's logical fingerprint: its public key is recorded as a
// comment line in the certificate file, and the seed is returned for the
// caller to display or archive — it does not itself sign the certificate,
// since TLS requires a certificate-bearing Ed25519 key pair in the
// standard x509 shape.
func Generate(name, dir string) (certPath, seed string, err error) {
	identity, err := nkeys.CreateUser()
	if err != nil {
		return "", "", fmt.Errorf("keys: create identity seed: %w", err)
	}
	seedBytes, err := identity.Seed()
	if err != nil {
		return "", "", fmt.Errorf("keys: read identity seed: %w", err)
	}
	fingerprint, err := identity.PublicKey()
	if err != nil {
		return "", "", fmt.Errorf("keys: read identity public key: %w", err)
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return "", "", fmt.Errorf("keys: generate TLS key pair: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return "", "", fmt.Errorf("keys: generate serial number: %w", err)
	}

	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: name},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(validity),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, pub, priv)
	if err != nil {
		return "", "", fmt.Errorf("keys: self-sign certificate: %w", err)
	}

	certOut := append(
		[]byte(fmt.Sprintf("# posttroll identity: %s\n", fingerprint)),
		pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})...,
	)

	pkcs8, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return "", "", fmt.Errorf("keys: marshal private key: %w", err)
	}
	keyOut := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: pkcs8})

	if dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", "", fmt.Errorf("keys: create directory %s: %w", dir, err)
		}
	}

	certPath = filepath.Join(dir, name+".key")
	secretPath := filepath.Join(dir, name+".key_secret")

	if err := os.WriteFile(certPath, certOut, 0o644); err != nil {
		return "", "", fmt.Errorf("keys: write %s: %w", certPath, err)
	}
	if err := os.WriteFile(secretPath, keyOut, 0o600); err != nil {
		return "", "", fmt.Errorf("keys: write %s: %w", secretPath, err)
	}

	return certPath, string(seedBytes), nil
}
