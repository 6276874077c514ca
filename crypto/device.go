package crypto

import (
	"bytes"
	"crypto/ecdh"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

const (
	ed25519PrivatePEMType = "ED25519 PRIVATE KEY"
	ed25519PublicPEMType  = "ED25519 PUBLIC KEY"
	x25519PrivatePEMType  = "X25519 PRIVATE KEY"

	signingPrivateFile  = "ed25519_private.pem"
	signingPublicFile   = "ed25519_public.pem"
	exchangePrivateFile = "x25519_private.pem"
)

var x25519Curve = ecdh.X25519()

// DeviceKeys holds the long-lived keys of this device.
type DeviceKeys struct {
	SigningPrivate  ed25519.PrivateKey
	SigningPublic   ed25519.PublicKey
	ExchangePrivate *ecdh.PrivateKey
}

// ExchangePublic returns the X25519 public key published for key exchange.
func (k *DeviceKeys) ExchangePublic() *ecdh.PublicKey {
	return k.ExchangePrivate.PublicKey()
}

// Fingerprint returns the fingerprint of the signing key.
func (k *DeviceKeys) Fingerprint() string {
	return KeyFingerprint(k.SigningPublic)
}

// EncodedPublicKeys returns base64 signing and exchange public keys.
func (k *DeviceKeys) EncodedPublicKeys() (signing, exchange string) {
	return base64.StdEncoding.EncodeToString(k.SigningPublic),
		base64.StdEncoding.EncodeToString(k.ExchangePublic().Bytes())
}

// EnsureDeviceKeys loads device keys from keysDir, generating any that are missing.
func EnsureDeviceKeys(keysDir string) (*DeviceKeys, error) {
	if err := os.MkdirAll(keysDir, 0o700); err != nil {
		return nil, fmt.Errorf("create keys directory: %w", err)
	}

	signingPrivate, signingPublic, err := ensureSigningKeys(
		filepath.Join(keysDir, signingPrivateFile),
		filepath.Join(keysDir, signingPublicFile),
	)
	if err != nil {
		return nil, err
	}

	exchangePrivate, err := ensureExchangeKey(filepath.Join(keysDir, exchangePrivateFile))
	if err != nil {
		return nil, err
	}

	return &DeviceKeys{
		SigningPrivate:  signingPrivate,
		SigningPublic:   signingPublic,
		ExchangePrivate: exchangePrivate,
	}, nil
}

// KeyFingerprint returns the truncated SHA-256 hex fingerprint of a public key.
func KeyFingerprint(publicKey ed25519.PublicKey) string {
	sum := sha256.Sum256(publicKey)
	return hex.EncodeToString(sum[:16])
}

// ParseSigningPublicKey decodes a base64 Ed25519 public key.
func ParseSigningPublicKey(encoded string) (ed25519.PublicKey, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode Ed25519 public key: %w", err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("decode Ed25519 public key: invalid size %d", len(raw))
	}
	return ed25519.PublicKey(raw), nil
}

// ParseExchangePublicKey decodes a base64 X25519 public key.
func ParseExchangePublicKey(encoded string) (*ecdh.PublicKey, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode X25519 public key: %w", err)
	}
	publicKey, err := x25519Curve.NewPublicKey(raw)
	if err != nil {
		return nil, fmt.Errorf("parse X25519 public key: %w", err)
	}
	return publicKey, nil
}

func ensureSigningKeys(privatePath, publicPath string) (ed25519.PrivateKey, ed25519.PublicKey, error) {
	raw, err := readPEM(privatePath, ed25519PrivatePEMType, ed25519.PrivateKeySize)
	if err == nil {
		privateKey := ed25519.PrivateKey(raw)
		publicKey := privateKey.Public().(ed25519.PublicKey)

		stored, pubErr := readPEM(publicPath, ed25519PublicPEMType, ed25519.PublicKeySize)
		if pubErr != nil || !bytes.Equal(stored, publicKey) {
			if err := writePEM(publicPath, ed25519PublicPEMType, publicKey, 0o644); err != nil {
				return nil, nil, err
			}
		}
		return privateKey, publicKey, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, nil, err
	}

	publicKey, privateKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("generate Ed25519 keypair: %w", err)
	}
	if err := writePEM(privatePath, ed25519PrivatePEMType, privateKey, 0o600); err != nil {
		return nil, nil, err
	}
	if err := writePEM(publicPath, ed25519PublicPEMType, publicKey, 0o644); err != nil {
		return nil, nil, err
	}
	return privateKey, publicKey, nil
}

func ensureExchangeKey(path string) (*ecdh.PrivateKey, error) {
	raw, err := readPEM(path, x25519PrivatePEMType, 32)
	if err == nil {
		privateKey, err := x25519Curve.NewPrivateKey(raw)
		if err != nil {
			return nil, fmt.Errorf("parse X25519 private key: %w", err)
		}
		return privateKey, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}

	privateKey, err := x25519Curve.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate X25519 private key: %w", err)
	}
	if err := writePEM(path, x25519PrivatePEMType, privateKey.Bytes(), 0o600); err != nil {
		return nil, err
	}
	return privateKey, nil
}

func readPEM(path, blockType string, size int) ([]byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", blockType, err)
	}

	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("decode %s: no PEM block", blockType)
	}
	if block.Type != blockType {
		return nil, fmt.Errorf("decode %s: unexpected type %q", blockType, block.Type)
	}
	if len(block.Bytes) != size {
		return nil, fmt.Errorf("decode %s: invalid key size %d", blockType, len(block.Bytes))
	}
	return block.Bytes, nil
}

func writePEM(path, blockType string, data []byte, perm os.FileMode) error {
	block := &pem.Block{Type: blockType, Bytes: data}
	if err := os.WriteFile(path, pem.EncodeToMemory(block), perm); err != nil {
		return fmt.Errorf("write %s: %w", blockType, err)
	}
	return nil
}
