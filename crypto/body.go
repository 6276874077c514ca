package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

const (
	// ConversationKeySize is the AES-256 key length used for message bodies.
	ConversationKeySize = 32
	// CiphertextPrefix marks encrypted message bodies on the wire and at rest.
	CiphertextPrefix = "enc1:"
)

var (
	// ErrInvalidKey indicates a conversation key of the wrong length.
	ErrInvalidKey = errors.New("crypto: invalid conversation key")
	// ErrMalformedCiphertext indicates a prefixed body that cannot be decoded or opened.
	ErrMalformedCiphertext = errors.New("crypto: malformed ciphertext")
)

// GenerateConversationKey returns fresh random key material.
func GenerateConversationKey() ([]byte, error) {
	key := make([]byte, ConversationKeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate conversation key: %w", err)
	}
	return key, nil
}

// IsCiphertext reports whether body carries the ciphertext format marker.
func IsCiphertext(body string) bool {
	return strings.HasPrefix(body, CiphertextPrefix)
}

// EncryptBody seals plaintext with AES-256-GCM as prefix + base64(nonce || ciphertext).
func EncryptBody(key []byte, plaintext string) (string, error) {
	aead, err := newBodyAEAD(key)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	sealed := aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return CiphertextPrefix + base64.StdEncoding.EncodeToString(sealed), nil
}

// DecryptBody opens a body produced by EncryptBody.
//
// Bodies without CiphertextPrefix predate encryption and are returned unchanged.
func DecryptBody(key []byte, body string) (string, error) {
	if !IsCiphertext(body) {
		return body, nil
	}

	aead, err := newBodyAEAD(key)
	if err != nil {
		return "", err
	}

	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(body, CiphertextPrefix))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedCiphertext, err)
	}
	if len(raw) < aead.NonceSize()+aead.Overhead() {
		return "", fmt.Errorf("%w: got %d bytes", ErrMalformedCiphertext, len(raw))
	}

	nonce, ciphertext := raw[:aead.NonceSize()], raw[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedCiphertext, err)
	}

	return string(plaintext), nil
}

func newBodyAEAD(key []byte) (cipher.AEAD, error) {
	if len(key) != ConversationKeySize {
		return nil, fmt.Errorf("%w: got %d bytes want %d", ErrInvalidKey, len(key), ConversationKeySize)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create AES cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	return aead, nil
}
