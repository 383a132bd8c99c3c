package services

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/scrypt"
)

// Sealed credential layout, base64 encoded:
// salt(64) | iv(16) | tag(16) | ciphertext
const (
	sealSaltLen = 64
	sealIVLen   = 16
	sealTagLen  = 16
	sealHeader  = sealSaltLen + sealIVLen + sealTagLen
)

var (
	ErrNoEncryptionKey   = errors.New("encryption key is not configured")
	ErrMalformedCipher   = errors.New("malformed encrypted credentials")
	errDecryptionFailure = errors.New("credentials could not be decrypted")
)

// CredentialCipher seals account credentials with AES-256-GCM. The key is
// derived from the configured secret with scrypt and a fixed salt, so
// values sealed by earlier deployments stay readable.
type CredentialCipher struct {
	aead cipher.AEAD
}

func NewCredentialCipher(secret string) (*CredentialCipher, error) {
	if secret == "" {
		return nil, ErrNoEncryptionKey
	}
	key, err := scrypt.Key([]byte(secret), []byte("salt"), 16384, 8, 1, 32)
	if err != nil {
		return nil, fmt.Errorf("deriving encryption key: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCMWithNonceSize(block, sealIVLen)
	if err != nil {
		return nil, err
	}
	return &CredentialCipher{aead: aead}, nil
}

// Encrypt seals plaintext.
func (c *CredentialCipher) Encrypt(plaintext string) (string, error) {
	buf := make([]byte, sealSaltLen+sealIVLen)
	if _, err := io.ReadFull(rand.Reader, buf); err != nil {
		return "", err
	}
	iv := buf[sealSaltLen:]

	sealed := c.aead.Seal(nil, iv, []byte(plaintext), nil)
	ct, tag := sealed[:len(sealed)-sealTagLen], sealed[len(sealed)-sealTagLen:]

	out := make([]byte, 0, sealHeader+len(ct))
	out = append(out, buf...)
	out = append(out, tag...)
	out = append(out, ct...)
	return base64.StdEncoding.EncodeToString(out), nil
}

// Decrypt opens a value produced by Encrypt.
func (c *CredentialCipher) Decrypt(encoded string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedCipher, err)
	}
	if len(data) < sealHeader {
		return "", ErrMalformedCipher
	}
	iv := data[sealSaltLen : sealSaltLen+sealIVLen]
	tag := data[sealSaltLen+sealIVLen : sealHeader]
	ct := data[sealHeader:]

	// GCM wants the tag after the ciphertext
	sealed := make([]byte, 0, len(ct)+len(tag))
	sealed = append(sealed, ct...)
	sealed = append(sealed, tag...)

	plain, err := c.aead.Open(nil, iv, sealed, nil)
	if err != nil {
		return "", errDecryptionFailure
	}
	return string(plain), nil
}
