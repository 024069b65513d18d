// Package secure provides memory-safe handling of private key material.
//
// Generated RSA private keys live in a memguard enclave from the moment of
// generation until one-time delivery to the owner. The enclave keeps the
// PEM bytes encrypted at rest in memory (XSalsa20Poly1305), mlocked against
// swapping, and wipeable on destruction. If mlock is unavailable the
// library degrades gracefully to ordinary memory.
//
// Call memguard.Purge() in a defer in main() so application exit scrubs any
// key material still alive.
package secure

import (
	"sync"

	"github.com/awnumar/memguard"
)

// KeyBuffer holds private key PEM bytes in an encrypted memguard enclave.
//
// memguard.Enclave has no Destroy method of its own; dropping the reference
// and marking the buffer destroyed is sufficient because the enclave content
// is encrypted at rest.
type KeyBuffer struct {
	enclave   *memguard.Enclave
	mu        sync.RWMutex
	destroyed bool
}

// NewKeyBuffer seals the given bytes into a new enclave. The input slice is
// wiped by memguard as part of sealing; callers must not reuse it.
func NewKeyBuffer(material []byte) *KeyBuffer {
	return &KeyBuffer{
		enclave: memguard.NewEnclave(material),
	}
}

// Open decrypts the enclave and returns a locked buffer with the plaintext.
// The caller must Destroy() the returned buffer as soon as the plaintext has
// been used. After the KeyBuffer itself is destroyed, Open returns an empty
// locked buffer.
func (b *KeyBuffer) Open() (*memguard.LockedBuffer, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.destroyed {
		return memguard.NewBufferFromBytes([]byte{}), nil
	}

	return b.enclave.Open()
}

// Destroy marks the buffer destroyed and drops the enclave reference.
// Idempotent; after Destroy, Open returns an empty buffer.
func (b *KeyBuffer) Destroy() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.destroyed {
		return
	}

	b.enclave = nil
	b.destroyed = true
}

// Destroyed reports whether Destroy has been called.
func (b *KeyBuffer) Destroyed() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.destroyed
}
