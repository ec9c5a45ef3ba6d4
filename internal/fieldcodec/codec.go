/**
 * @description
 * Symmetric encryption for at-rest sensitive columns (WhatsApp numbers,
 * panel passwords). Tokens are self-describing:
 *
 *   enc:<hex 96-bit nonce>:<hex AES-256-GCM ciphertext+tag>
 *
 * Values without the prefix are treated as not-yet-migrated plaintext and
 * returned as-is by Decrypt.
 */
package fieldcodec

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

const (
	prefix    = "enc:"
	nonceSize = 12
)

// ErrEmptyKey is returned when no master secret is configured.
var ErrEmptyKey = errors.New("fieldcodec: master secret is empty")

// Codec encrypts and decrypts field values with a key derived from a
// master secret. It is safe for concurrent use.
type Codec struct {
	aead cipher.AEAD
}

// New derives the AES-256 key as SHA-256(secret).
func New(secret string) (*Codec, error) {
	if secret == "" {
		return nil, ErrEmptyKey
	}
	key := sha256.Sum256([]byte(secret))
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("fieldcodec: create cipher: %w", err)
	}
	aead, err := cipher.NewGCMWithNonceSize(block, nonceSize)
	if err != nil {
		return nil, fmt.Errorf("fieldcodec: create gcm: %w", err)
	}
	return &Codec{aead: aead}, nil
}

// IsEncrypted reports whether value carries the token prefix.
func IsEncrypted(value string) bool {
	return strings.HasPrefix(value, prefix)
}

// Encrypt returns a fresh token for plaintext. Every call uses a new random
// nonce, so encrypting the same value twice yields different tokens.
func (c *Codec) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("fieldcodec: read nonce: %w", err)
	}
	sealed := c.aead.Seal(nil, nonce, []byte(plaintext), nil)
	return prefix + hex.EncodeToString(nonce) + ":" + hex.EncodeToString(sealed), nil
}

// Decrypt reverses Encrypt. Untagged input and tokens with the wrong number
// of colon-separated parts are returned verbatim; callers must not assume
// the value was transformed.
func (c *Codec) Decrypt(token string) (string, error) {
	if !IsEncrypted(token) {
		return token, nil
	}
	parts := strings.Split(token, ":")
	if len(parts) != 3 {
		return token, nil
	}
	nonce, err := hex.DecodeString(parts[1])
	if err != nil {
		return "", fmt.Errorf("fieldcodec: decode nonce: %w", err)
	}
	if len(nonce) != nonceSize {
		return "", fmt.Errorf("fieldcodec: nonce has %d bytes, want %d", len(nonce), nonceSize)
	}
	sealed, err := hex.DecodeString(parts[2])
	if err != nil {
		return "", fmt.Errorf("fieldcodec: decode ciphertext: %w", err)
	}
	plain, err := c.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("fieldcodec: open: %w", err)
	}
	return string(plain), nil
}

// EncryptAll encrypts each entry in order. Nil and empty entries pass
// through unchanged.
func (c *Codec) EncryptAll(values []*string) ([]*string, error) {
	return c.mapAll(values, c.Encrypt)
}

// DecryptAll decrypts each entry in order. Nil and empty entries pass
// through unchanged.
func (c *Codec) DecryptAll(values []*string) ([]*string, error) {
	return c.mapAll(values, c.Decrypt)
}

func (c *Codec) mapAll(values []*string, fn func(string) (string, error)) ([]*string, error) {
	out := make([]*string, len(values))
	for i, v := range values {
		if v == nil || *v == "" {
			out[i] = v
			continue
		}
		res, err := fn(*v)
		if err != nil {
			return nil, fmt.Errorf("entry %d: %w", i, err)
		}
		out[i] = &res
	}
	return out, nil
}

// DecryptOrRaw decrypts value and falls back to the stored value when it
// cannot be decrypted. Used by the data layer, where one damaged row must
// not fail a whole batch.
func (c *Codec) DecryptOrRaw(value string) string {
	if c == nil {
		return value
	}
	plain, err := c.Decrypt(value)
	if err != nil {
		return value
	}
	return plain
}
