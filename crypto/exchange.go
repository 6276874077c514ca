package crypto

import (
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const keyExchangeInfo = "campuslink-conversation-key-v1"

var (
	// ErrInvalidSignature indicates a sealed key whose signature does not verify.
	ErrInvalidSignature = errors.New("crypto: invalid key exchange signature")
	// ErrWrongRecipient indicates a sealed key addressed to another identity.
	ErrWrongRecipient = errors.New("crypto: sealed key addressed to another recipient")
)

// SealedKey carries a conversation key encrypted for one recipient.
type SealedKey struct {
	ConversationID     string `json:"conversation_id"`
	SenderID           string `json:"sender_id"`
	RecipientID        string `json:"recipient_id"`
	EphemeralPublicKey string `json:"ephemeral_public_key"`
	Nonce              string `json:"nonce"`
	Ciphertext         string `json:"ciphertext"`
	SenderSigningKey   string `json:"sender_signing_key"`
	Timestamp          int64  `json:"timestamp"`
	Signature          string `json:"signature"`
}

// SealConversationKey encrypts key for recipientPublic and signs the envelope with the device key.
func SealConversationKey(device *DeviceKeys, senderID, recipientID, conversationID string, recipientPublic *ecdh.PublicKey, key []byte) (SealedKey, error) {
	if device == nil || len(device.SigningPrivate) != ed25519.PrivateKeySize {
		return SealedKey{}, errors.New("device signing key is required")
	}
	if recipientPublic == nil {
		return SealedKey{}, errors.New("recipient public key is required")
	}
	if len(key) != ConversationKeySize {
		return SealedKey{}, fmt.Errorf("%w: got %d bytes", ErrInvalidKey, len(key))
	}

	ephemeral, err := x25519Curve.GenerateKey(rand.Reader)
	if err != nil {
		return SealedKey{}, fmt.Errorf("generate ephemeral X25519 key: %w", err)
	}
	shared, err := ephemeral.ECDH(recipientPublic)
	if err != nil {
		return SealedKey{}, fmt.Errorf("compute X25519 shared secret: %w", err)
	}

	aead, err := exchangeAEAD(shared, ephemeral.PublicKey().Bytes(), conversationID, senderID, recipientID)
	if err != nil {
		return SealedKey{}, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return SealedKey{}, fmt.Errorf("generate nonce: %w", err)
	}

	sealed := SealedKey{
		ConversationID:     conversationID,
		SenderID:           senderID,
		RecipientID:        recipientID,
		EphemeralPublicKey: base64.StdEncoding.EncodeToString(ephemeral.PublicKey().Bytes()),
		Nonce:              base64.StdEncoding.EncodeToString(nonce),
		Ciphertext:         base64.StdEncoding.EncodeToString(aead.Seal(nil, nonce, key, []byte(conversationID))),
		SenderSigningKey:   base64.StdEncoding.EncodeToString(device.SigningPublic),
		Timestamp:          time.Now().UnixMilli(),
	}
	sealed.Signature = base64.StdEncoding.EncodeToString(ed25519.Sign(device.SigningPrivate, sealed.signedBytes()))
	return sealed, nil
}

// OpenConversationKey verifies and decrypts a sealed key addressed to recipientID.
//
// When trustedSigner is nil the sender key embedded in the envelope is used.
func OpenConversationKey(device *DeviceKeys, recipientID string, sealed SealedKey, trustedSigner ed25519.PublicKey) ([]byte, error) {
	if device == nil || device.ExchangePrivate == nil {
		return nil, errors.New("device exchange key is required")
	}
	if sealed.RecipientID != recipientID {
		return nil, ErrWrongRecipient
	}

	signer := trustedSigner
	if signer == nil {
		parsed, err := ParseSigningPublicKey(sealed.SenderSigningKey)
		if err != nil {
			return nil, err
		}
		signer = parsed
	}
	signature, err := base64.StdEncoding.DecodeString(sealed.Signature)
	if err != nil || !ed25519.Verify(signer, sealed.signedBytes(), signature) {
		return nil, ErrInvalidSignature
	}

	ephemeralRaw, err := base64.StdEncoding.DecodeString(sealed.EphemeralPublicKey)
	if err != nil {
		return nil, fmt.Errorf("decode ephemeral public key: %w", err)
	}
	ephemeralPublic, err := x25519Curve.NewPublicKey(ephemeralRaw)
	if err != nil {
		return nil, fmt.Errorf("parse ephemeral public key: %w", err)
	}
	shared, err := device.ExchangePrivate.ECDH(ephemeralPublic)
	if err != nil {
		return nil, fmt.Errorf("compute X25519 shared secret: %w", err)
	}

	aead, err := exchangeAEAD(shared, ephemeralRaw, sealed.ConversationID, sealed.SenderID, sealed.RecipientID)
	if err != nil {
		return nil, err
	}
	nonce, err := base64.StdEncoding.DecodeString(sealed.Nonce)
	if err != nil || len(nonce) != aead.NonceSize() {
		return nil, fmt.Errorf("%w: bad nonce", ErrMalformedCiphertext)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(sealed.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedCiphertext, err)
	}

	key, err := aead.Open(nil, nonce, ciphertext, []byte(sealed.ConversationID))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedCiphertext, err)
	}
	return key, nil
}

func (s SealedKey) signedBytes() []byte {
	return []byte(strings.Join([]string{
		s.ConversationID,
		s.SenderID,
		s.RecipientID,
		s.EphemeralPublicKey,
		s.Nonce,
		s.Ciphertext,
		s.SenderSigningKey,
		strconv.FormatInt(s.Timestamp, 10),
	}, "|"))
}

func exchangeAEAD(shared, ephemeralPublic []byte, conversationID, senderID, recipientID string) (cipher.AEAD, error) {
	info := keyExchangeInfo + "|" + conversationID + "|" + senderID + "|" + recipientID
	reader := hkdf.New(sha256.New, shared, ephemeralPublic, []byte(info))

	wrappingKey := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(reader, wrappingKey); err != nil {
		return nil, fmt.Errorf("derive wrapping key: %w", err)
	}
	aead, err := chacha20poly1305.New(wrappingKey)
	if err != nil {
		return nil, fmt.Errorf("create chacha20poly1305: %w", err)
	}
	return aead, nil
}
