// Package keygen produces RSA key pairs for Snowflake service accounts.
package keygen

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"strings"

	taoerrors "github.com/snowops/taokey/internal/errors"
	"github.com/snowops/taokey/internal/secure"
)

// Supported RSA modulus sizes. Snowflake accepts both; 2048 is the portal
// default.
const (
	KeySize2048 = 2048
	KeySize4096 = 4096
)

// Material is a freshly generated key pair ready for handoff.
//
// PublicKeyPEM is the PKIX (SubjectPublicKeyInfo) encoding. The private key
// lives only inside Private, a memguard-backed buffer, until one-time
// delivery; it is never exposed as a plain field.
type Material struct {
	PublicKeyPEM string
	Private      *secure.KeyBuffer
	KeySize      int
}

// SnowflakePublicKey returns the public key in the form Snowflake's
// RSA_PUBLIC_KEY parameter expects: the PEM body with header, footer and
// line breaks stripped.
func (m *Material) SnowflakePublicKey() string {
	return CleanPublicKey(m.PublicKeyPEM)
}

// CleanPublicKey strips PEM armor and line breaks from a public key so it can
// be embedded in a Snowflake RSA_PUBLIC_KEY parameter. Already-clean input
// passes through unchanged.
func CleanPublicKey(pemKey string) string {
	s := pemKey
	s = strings.ReplaceAll(s, "-----BEGIN PUBLIC KEY-----", "")
	s = strings.ReplaceAll(s, "-----END PUBLIC KEY-----", "")
	s = strings.ReplaceAll(s, "\n", "")
	s = strings.ReplaceAll(s, "\r", "")
	return strings.TrimSpace(s)
}

// Destroy scrubs the private key material.
func (m *Material) Destroy() {
	if m.Private != nil {
		m.Private.Destroy()
	}
}

// Generator creates RSA key pairs of a validated size.
type Generator struct {
	keySize int
}

// New returns a generator for the given key size. Unsupported sizes fail
// with a GenerationError so misconfiguration surfaces at startup, not at
// first issuance.
func New(keySize int) (*Generator, error) {
	if keySize != KeySize2048 && keySize != KeySize4096 {
		return nil, taoerrors.GenerationError{KeySize: keySize}
	}
	return &Generator{keySize: keySize}, nil
}

// KeySize returns the configured modulus size in bits.
func (g *Generator) KeySize() int {
	return g.keySize
}

// Generate produces a fresh key pair. The private key is encoded as PKCS#8
// PEM and sealed into a secure buffer before this function returns; the
// intermediate plaintext slice is wiped by the sealing step.
func (g *Generator) Generate() (*Material, error) {
	priv, err := rsa.GenerateKey(rand.Reader, g.keySize)
	if err != nil {
		return nil, taoerrors.GenerationError{KeySize: g.keySize, Err: err}
	}

	privDER, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, taoerrors.GenerationError{KeySize: g.keySize, Err: err}
	}
	privPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "PRIVATE KEY",
		Bytes: privDER,
	})

	pubDER, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	if err != nil {
		return nil, taoerrors.GenerationError{KeySize: g.keySize, Err: err}
	}
	pubPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "PUBLIC KEY",
		Bytes: pubDER,
	})

	return &Material{
		PublicKeyPEM: string(pubPEM),
		Private:      secure.NewKeyBuffer(privPEM),
		KeySize:      g.keySize,
	}, nil
}
