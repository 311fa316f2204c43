package storage

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// encryptionContext binds derived keys to this library's blob format so the
// same secret used elsewhere never yields the same key.
const encryptionContext = "authclient token cache v1"

// Encryptor seals the cache blob at rest using AES-256-GCM. A disabled
// encryptor passes data through unchanged, so backends can treat it
// uniformly.
type Encryptor struct {
	key     []byte
	enabled bool
}

// NewEncryptor derives a 32-byte AES key from secret via HKDF-SHA256. The
// location string salts the derivation so two cache files protected by one
// secret still use distinct keys. An empty secret disables encryption.
func NewEncryptor(secret []byte, location string) (*Encryptor, error) {
	if len(secret) == 0 {
		return &Encryptor{enabled: false}, nil
	}

	key := make([]byte, 32)
	kdf := hkdf.New(sha256.New, secret, []byte(location), []byte(encryptionContext))
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("deriving cache encryption key: %w", err)
	}
	return &Encryptor{key: key, enabled: true}, nil
}

// IsEnabled reports whether data will actually be sealed.
func (e *Encryptor) IsEnabled() bool {
	return e.enabled
}

// Encrypt seals plaintext. The output is [nonce][ciphertext].
func (e *Encryptor) Encrypt(plaintext []byte) ([]byte, error) {
	if !e.enabled {
		return plaintext, nil
	}

	block, err := aes.NewCipher(e.key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt opens a sealed blob produced by Encrypt.
func (e *Encryptor) Decrypt(sealed []byte) ([]byte, error) {
	if !e.enabled {
		return sealed, nil
	}

	block, err := aes.NewCipher(e.key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	nonceSize := gcm.NonceSize()
	if len(sealed) < nonceSize {
		return nil, fmt.Errorf("sealed blob too short")
	}
	nonce, ciphertext := sealed[:nonceSize], sealed[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt cache blob: %w", err)
	}
	return plaintext, nil
}
