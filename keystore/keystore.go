package keystore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"campuslink/apperr"
	"campuslink/crypto"
	"campuslink/metrics"
	"campuslink/models"
	"campuslink/network"
	"campuslink/storage"
)

const (
	securityEventKeyExchangeFailed   = "key_exchange_failed"
	securityEventKeyExchangeRejected = "key_exchange_rejected"
	securityEventFingerprintMismatch = "key_fingerprint_mismatch"
)

// KeyStorage persists conversation keys. *storage.Store implements it.
type KeyStorage interface {
	PutConversationKey(key storage.ConversationKey) error
	GetConversationKey(conversationID string) (*storage.ConversationKey, error)
	SetKeyExchangeState(conversationID, state string) error
	ListPendingKeyExchanges() ([]storage.ConversationKey, error)
	LogSecurityEvent(event storage.SecurityEvent) error
}

// Directory resolves published public keys of remote identities.
type Directory interface {
	IdentityKeys(ctx context.Context, identityID string) (models.IdentityKeys, error)
}

// Exchanger delivers sealed keys to a recipient. *network.Manager implements it.
type Exchanger interface {
	Emit(ctx context.Context, to, event string, payload any) error
}

// Options configures a Store.
type Options struct {
	Storage    KeyStorage
	Directory  Directory
	Exchanger  Exchanger
	Device     *crypto.DeviceKeys
	IdentityID string
	Logger     zerolog.Logger
}

// Store generates, persists, exchanges and applies per-conversation keys.
type Store struct {
	options Options
	logger  zerolog.Logger

	// guards key creation so concurrent first sends agree on one key
	createMu sync.Mutex
}

// New validates options and returns a key store.
func New(options Options) (*Store, error) {
	if options.Storage == nil {
		return nil, errors.New("key storage is required")
	}
	if options.Device == nil {
		return nil, errors.New("device keys are required")
	}
	if options.IdentityID == "" {
		return nil, errors.New("identity id is required")
	}
	return &Store{
		options: options,
		logger:  options.Logger.With().Str("component", "keystore").Logger(),
	}, nil
}

// GenerateKey returns fresh opaque key material.
func (s *Store) GenerateKey() ([]byte, error) {
	return crypto.GenerateConversationKey()
}

// StoreKey persists key for conversationID as an exchanged key.
func (s *Store) StoreKey(conversationID string, key []byte) error {
	return s.put(conversationID, "", key, storage.KeyExchangeExchanged)
}

// GetKey returns the key of conversationID. A missing key is reported with found=false, not an error.
func (s *Store) GetKey(conversationID string) (key []byte, found bool, err error) {
	record, err := s.options.Storage.GetConversationKey(conversationID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return record.KeyMaterial, true, nil
}

// Encrypt seals plaintext with key.
func (s *Store) Encrypt(plaintext string, key []byte) (string, error) {
	body, err := crypto.EncryptBody(key, plaintext)
	if err != nil {
		return "", apperr.New(apperr.Encryption, "encrypt", err)
	}
	return body, nil
}

// Decrypt opens body with key. Bodies without the ciphertext marker are returned unchanged.
func (s *Store) Decrypt(body string, key []byte) (string, error) {
	plaintext, err := crypto.DecryptBody(key, body)
	if err != nil {
		return "", apperr.New(apperr.Encryption, "decrypt", err)
	}
	return plaintext, nil
}

// EncryptForConversation returns the body to send for conv. Group bodies stay plaintext.
// A direct conversation gets a key on first use; while its exchange is pending the body
// is sent in plaintext so the recipient can still read it. When membership is unknown
// a stored key is still used.
func (s *Store) EncryptForConversation(ctx context.Context, conv models.Conversation, plaintext string) (string, error) {
	if conv.Kind == models.KindGroup {
		return plaintext, nil
	}

	var record *storage.ConversationKey
	if peer := conv.PeerOf(s.options.IdentityID); peer != "" {
		ensured, err := s.EnsureKey(ctx, conv.ID, peer)
		if err != nil {
			return "", err
		}
		record = ensured
	} else {
		stored, err := s.options.Storage.GetConversationKey(conv.ID)
		if errors.Is(err, storage.ErrNotFound) {
			return plaintext, nil
		}
		if err != nil {
			return "", apperr.New(apperr.StorageUnavailable, "load conversation key", err)
		}
		record = stored
	}
	if record.ExchangeState == storage.KeyExchangePending {
		return plaintext, nil
	}
	return s.Encrypt(plaintext, record.KeyMaterial)
}

// EnsureKey returns the conversation key, creating and exchanging one if none exists.
// Exchange failure leaves the key flagged pending and is not returned as an error.
func (s *Store) EnsureKey(ctx context.Context, conversationID, recipientID string) (*storage.ConversationKey, error) {
	s.createMu.Lock()
	defer s.createMu.Unlock()

	record, err := s.options.Storage.GetConversationKey(conversationID)
	if err == nil {
		return record, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, apperr.New(apperr.StorageUnavailable, "load conversation key", err)
	}

	key, err := s.GenerateKey()
	if err != nil {
		return nil, apperr.New(apperr.Encryption, "generate conversation key", err)
	}
	if err := s.put(conversationID, recipientID, key, storage.KeyExchangePending); err != nil {
		return nil, apperr.New(apperr.StorageUnavailable, "store conversation key", err)
	}

	state := storage.KeyExchangePending
	if err := s.ExchangeKey(ctx, conversationID, recipientID, key); err == nil {
		state = storage.KeyExchangeExchanged
	}
	return &storage.ConversationKey{
		ConversationID: conversationID,
		KeyMaterial:    key,
		ExchangeState:  state,
		PeerIdentityID: recipientID,
	}, nil
}

// ExchangeKey seals key for recipientID and delivers it. On failure the conversation is
// flagged pending and a security event is recorded; the error is returned for logging only.
func (s *Store) ExchangeKey(ctx context.Context, conversationID, recipientID string, key []byte) error {
	err := s.exchange(ctx, conversationID, recipientID, key)
	if err != nil {
		metrics.KeyExchanges.WithLabelValues("failed").Inc()
		s.logger.Warn().Err(err).Str("conversation_id", conversationID).Msg("key exchange failed, conversation stays unencrypted")
		if stateErr := s.options.Storage.SetKeyExchangeState(conversationID, storage.KeyExchangePending); stateErr != nil && !errors.Is(stateErr, storage.ErrNotFound) {
			s.logger.Error().Err(stateErr).Str("conversation_id", conversationID).Msg("flag key exchange pending")
		}
		s.logSecurityEvent(securityEventKeyExchangeFailed, conversationID, storage.SecuritySeverityWarning, map[string]string{
			"recipient_id": recipientID,
			"error":        err.Error(),
		})
		return err
	}

	metrics.KeyExchanges.WithLabelValues("sent").Inc()
	if err := s.options.Storage.SetKeyExchangeState(conversationID, storage.KeyExchangeExchanged); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("mark key exchanged: %w", err)
	}
	return nil
}

func (s *Store) exchange(ctx context.Context, conversationID, recipientID string, key []byte) error {
	if s.options.Directory == nil || s.options.Exchanger == nil {
		return errors.New("key exchange channel unavailable")
	}

	published, err := s.options.Directory.IdentityKeys(ctx, recipientID)
	if err != nil {
		return fmt.Errorf("lookup keys of %q: %w", recipientID, err)
	}
	if err := s.checkFingerprint(published, conversationID); err != nil {
		return err
	}
	recipientPublic, err := crypto.ParseExchangePublicKey(published.X25519PublicKey)
	if err != nil {
		return err
	}

	sealed, err := crypto.SealConversationKey(s.options.Device, s.options.IdentityID, recipientID, conversationID, recipientPublic, key)
	if err != nil {
		return err
	}
	return s.options.Exchanger.Emit(ctx, recipientID, network.EventKeyExchange, sealed)
}

// RetryPendingExchanges re-sends every key still flagged pending. Call it when the transport is ready.
func (s *Store) RetryPendingExchanges(ctx context.Context) (int, error) {
	pending, err := s.options.Storage.ListPendingKeyExchanges()
	if err != nil {
		return 0, err
	}

	delivered := 0
	for _, record := range pending {
		if ctx.Err() != nil {
			return delivered, ctx.Err()
		}
		if record.PeerIdentityID == "" {
			continue
		}
		if err := s.ExchangeKey(ctx, record.ConversationID, record.PeerIdentityID, record.KeyMaterial); err != nil {
			continue
		}
		delivered++
	}
	return delivered, nil
}

// AcceptKeyExchange verifies and stores a key sealed for this identity.
func (s *Store) AcceptKeyExchange(ctx context.Context, sealed crypto.SealedKey) error {
	var trusted []byte
	if s.options.Directory != nil {
		published, err := s.options.Directory.IdentityKeys(ctx, sealed.SenderID)
		if err != nil {
			return apperr.New(apperr.Connectivity, "lookup sender keys", err)
		}
		signer, err := crypto.ParseSigningPublicKey(published.Ed25519PublicKey)
		if err != nil {
			return apperr.New(apperr.Encryption, "accept key exchange", err)
		}
		trusted = signer
	}

	key, err := crypto.OpenConversationKey(s.options.Device, s.options.IdentityID, sealed, trusted)
	if err != nil {
		metrics.KeyExchanges.WithLabelValues("rejected").Inc()
		s.logSecurityEvent(securityEventKeyExchangeRejected, sealed.ConversationID, storage.SecuritySeverityCritical, map[string]string{
			"sender_id": sealed.SenderID,
			"error":     err.Error(),
		})
		return apperr.New(apperr.Encryption, "accept key exchange", err)
	}

	adopted, err := s.storeReceived(sealed, key)
	if err != nil {
		return apperr.New(apperr.StorageUnavailable, "store received key", err)
	}
	metrics.KeyExchanges.WithLabelValues("received").Inc()
	s.logger.Info().
		Str("conversation_id", sealed.ConversationID).
		Str("sender_id", sealed.SenderID).
		Bool("adopted", adopted).
		Msg("conversation key received")
	return nil
}

// storeReceived records a key sent by the peer. When both sides generated a key before
// either exchange arrived, the key of the lower identity id wins on both ends.
func (s *Store) storeReceived(sealed crypto.SealedKey, key []byte) (bool, error) {
	s.createMu.Lock()
	defer s.createMu.Unlock()

	existing, err := s.options.Storage.GetConversationKey(sealed.ConversationID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
	case err != nil:
		return false, err
	case bytes.Equal(existing.KeyMaterial, key):
		return true, nil
	case existing.ExchangeState != storage.KeyExchangeReceived && s.options.IdentityID < sealed.SenderID:
		s.logger.Info().
			Str("conversation_id", sealed.ConversationID).
			Str("sender_id", sealed.SenderID).
			Msg("keeping own conversation key over crossing exchange")
		return false, nil
	}
	return true, s.put(sealed.ConversationID, sealed.SenderID, key, storage.KeyExchangeReceived)
}

// HandleKeyExchangeFrame decodes and accepts a key_exchange transport event.
func (s *Store) HandleKeyExchangeFrame(ctx context.Context, frame network.Frame) error {
	var sealed crypto.SealedKey
	if err := frame.Decode(&sealed); err != nil {
		return apperr.New(apperr.Encryption, "decode key exchange", err)
	}
	if frame.From != "" && sealed.SenderID != frame.From {
		return apperr.New(apperr.Encryption, "accept key exchange", fmt.Errorf("sender mismatch %q != %q", sealed.SenderID, frame.From))
	}
	return s.AcceptKeyExchange(ctx, sealed)
}

// DecryptForDisplay returns msg with a readable body when possible. Any failure leaves the
// raw body in place so one bad message never hides the rest of the conversation.
func (s *Store) DecryptForDisplay(msg models.Message) models.Message {
	if !crypto.IsCiphertext(msg.Body) {
		return msg
	}

	key, found, err := s.GetKey(msg.ConversationID)
	if err != nil || !found {
		metrics.DecryptFailures.Inc()
		s.logger.Debug().Err(err).Str("message_id", msg.ID).Msg("no key for encrypted message")
		return msg
	}
	plaintext, err := s.Decrypt(msg.Body, key)
	if err != nil {
		metrics.DecryptFailures.Inc()
		s.logger.Warn().Err(err).Str("message_id", msg.ID).Msg("decrypt failed, showing raw body")
		return msg
	}
	msg.Body = plaintext
	return msg
}

// DecryptAllForDisplay applies DecryptForDisplay to every message.
func (s *Store) DecryptAllForDisplay(messages []models.Message) []models.Message {
	out := make([]models.Message, len(messages))
	for i, msg := range messages {
		out[i] = s.DecryptForDisplay(msg)
	}
	return out
}

func (s *Store) put(conversationID, peerID string, key []byte, state string) error {
	if len(key) != crypto.ConversationKeySize {
		return fmt.Errorf("%w: got %d bytes", crypto.ErrInvalidKey, len(key))
	}
	return s.options.Storage.PutConversationKey(storage.ConversationKey{
		ConversationID: conversationID,
		KeyMaterial:    key,
		ExchangeState:  state,
		PeerIdentityID: peerID,
	})
}

func (s *Store) checkFingerprint(published models.IdentityKeys, conversationID string) error {
	if published.KeyFingerprint == "" {
		return nil
	}
	signer, err := crypto.ParseSigningPublicKey(published.Ed25519PublicKey)
	if err != nil {
		return err
	}
	if got := crypto.KeyFingerprint(signer); got != published.KeyFingerprint {
		s.logSecurityEvent(securityEventFingerprintMismatch, conversationID, storage.SecuritySeverityCritical, map[string]string{
			"identity_id": published.IdentityID,
			"published":   published.KeyFingerprint,
			"computed":    got,
		})
		return fmt.Errorf("fingerprint mismatch for %q", published.IdentityID)
	}
	return nil
}

func (s *Store) logSecurityEvent(eventType, conversationID, severity string, details map[string]string) {
	encoded, err := json.Marshal(details)
	if err != nil {
		encoded = []byte("{}")
	}
	convID := conversationID
	if err := s.options.Storage.LogSecurityEvent(storage.SecurityEvent{
		EventType:      eventType,
		ConversationID: &convID,
		Details:        string(encoded),
		Severity:       severity,
	}); err != nil {
		s.logger.Error().Err(err).Str("event_type", eventType).Msg("record security event")
	}
}
