// Package vault encrypts provider API keys at rest. It is the only component
// allowed to turn a stored blob back into a plaintext key, and it is injected
// as a dependency so tests can substitute a fixed-key vault.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// ErrCredential covers every decryption failure: unknown format, corrupt
// hex, failed authentication. Callers match it with errors.Is and treat it
// as recoverable (integration goes to ERROR, nothing crashes).
var ErrCredential = errors.New("credential decryption failed")

const (
	blobVersionPrefix = "v1:"
	gcmTagSize        = 16
)

type Vault struct {
	key []byte
}

// New derives a 256-bit AES key from the configured secret.
func New(secret string) (*Vault, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("encryption secret is empty")
	}
	key := sha256.Sum256([]byte(secret))
	return &Vault{key: key[:]}, nil
}

// Encrypt seals plaintext with AES-256-GCM under a fresh random IV and
// returns a versioned self-describing blob: v1:<hex iv>:<hex tag>:<hex ct>.
func (v *Vault) Encrypt(plaintext []byte) (string, error) {
	block, err := aes.NewCipher(v.key)
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}

	iv := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(iv); err != nil {
		return "", err
	}

	sealed := gcm.Seal(nil, iv, plaintext, nil)
	ct := sealed[:len(sealed)-gcmTagSize]
	tag := sealed[len(sealed)-gcmTagSize:]

	return fmt.Sprintf("%s%s:%s:%s",
		blobVersionPrefix,
		hex.EncodeToString(iv),
		hex.EncodeToString(tag),
		hex.EncodeToString(ct),
	), nil
}

// Decrypt opens a blob produced by Encrypt. Blobs without the version prefix
// are decoded as the legacy unversioned iv:tag:ciphertext hex triplet.
func (v *Vault) Decrypt(blob string) ([]byte, error) {
	blob = strings.TrimSpace(blob)
	blob = strings.TrimPrefix(blob, blobVersionPrefix)

	parts := strings.Split(blob, ":")
	if len(parts) != 3 {
		return nil, fmt.Errorf("%w: expected iv:tag:ciphertext blob", ErrCredential)
	}

	iv, err := hex.DecodeString(parts[0])
	if err != nil {
		return nil, fmt.Errorf("%w: bad iv encoding", ErrCredential)
	}
	tag, err := hex.DecodeString(parts[1])
	if err != nil {
		return nil, fmt.Errorf("%w: bad tag encoding", ErrCredential)
	}
	ct, err := hex.DecodeString(parts[2])
	if err != nil {
		return nil, fmt.Errorf("%w: bad ciphertext encoding", ErrCredential)
	}

	block, err := aes.NewCipher(v.key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	if len(iv) != gcm.NonceSize() || len(tag) != gcmTagSize {
		return nil, fmt.Errorf("%w: bad iv or tag length", ErrCredential)
	}

	plaintext, err := gcm.Open(nil, iv, append(ct, tag...), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: authentication failed", ErrCredential)
	}
	return plaintext, nil
}

// EncryptString / DecryptString are conveniences for API keys.
func (v *Vault) EncryptString(plaintext string) (string, error) {
	return v.Encrypt([]byte(plaintext))
}

func (v *Vault) DecryptString(blob string) (string, error) {
	b, err := v.Decrypt(blob)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
