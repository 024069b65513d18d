// Package delivery hands generated private keys to their owners exactly once.
//
// A Bundle wraps one generation's private key PEM in a secure buffer. The
// key can be released a single time; afterwards the bundle only carries
// metadata. The system keeps no recoverable copy once the release happened.
// Packaging a batch of bundles into an archive is left to the caller.
package delivery

import (
	"fmt"
	"sync"
	"time"

	"github.com/snowops/taokey/internal/credential"
	"github.com/snowops/taokey/internal/keygen"
	"github.com/snowops/taokey/internal/secure"
)

// Bundle is the one-time delivery package for a single key generation.
type Bundle struct {
	KeyID        string
	AccountID    string
	OwnerID      string
	CreatedAt    time.Time
	ExpiresAt    time.Time
	PublicKeyPEM string

	mu       sync.Mutex
	key      *secure.KeyBuffer
	released bool
}

// New builds a delivery bundle from a committed record and its key material.
// Ownership of the private key buffer moves into the bundle.
func New(rec *credential.Record, material *keygen.Material) *Bundle {
	return &Bundle{
		KeyID:        rec.KeyID,
		AccountID:    rec.AccountID,
		OwnerID:      rec.OwnerID,
		CreatedAt:    rec.CreatedAt,
		ExpiresAt:    rec.ExpiresAt,
		PublicKeyPEM: material.PublicKeyPEM,
		key:          material.Private,
	}
}

// ReleaseKey returns the private key PEM exactly once and scrubs the
// buffer. A second call fails: the system retains no recoverable copy.
func (b *Bundle) ReleaseKey() ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.released {
		return nil, fmt.Errorf("private key for %s was already delivered and is not recoverable", b.KeyID)
	}
	b.released = true

	locked, err := b.key.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to open key material: %w", err)
	}
	defer locked.Destroy()

	pem := make([]byte, len(locked.Bytes()))
	copy(pem, locked.Bytes())
	b.key.Destroy()
	return pem, nil
}

// Released reports whether the private key has already left the bundle.
func (b *Bundle) Released() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.released
}

// PrivateKeyFilename is the name the portal used inside its download
// packages.
func (b *Bundle) PrivateKeyFilename() string {
	return fmt.Sprintf("%s_rsa_key.p8", b.AccountID)
}

// ConnectionSnippet renders the usage instructions that accompany a
// delivered key.
func (b *Bundle) ConnectionSnippet(snowflakeAccount string) string {
	return fmt.Sprintf(`# Snowflake key-pair authentication for %s
# Key id: %s
# Expires: %s
#
# snowsql -a %s -u %s --private-key-path %s
`,
		b.AccountID, b.KeyID, b.ExpiresAt.Format("2006-01-02"),
		snowflakeAccount, b.AccountID, b.PrivateKeyFilename())
}

// Discard scrubs an undelivered key, used when a rotation rolls back after
// generation.
func (b *Bundle) Discard() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.released = true
	b.key.Destroy()
}
