package keystore

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"campuslink/apperr"
	"campuslink/crypto"
	"campuslink/models"
	"campuslink/network"
	"campuslink/storage"
)

type fakeDirectory struct {
	keys map[string]models.IdentityKeys
}

func (d *fakeDirectory) IdentityKeys(_ context.Context, identityID string) (models.IdentityKeys, error) {
	keys, ok := d.keys[identityID]
	if !ok {
		return models.IdentityKeys{}, errors.New("unknown identity")
	}
	return keys, nil
}

func (d *fakeDirectory) publish(identityID string, device *crypto.DeviceKeys) {
	signing, exchange := device.EncodedPublicKeys()
	d.keys[identityID] = models.IdentityKeys{
		IdentityID:       identityID,
		Ed25519PublicKey: signing,
		X25519PublicKey:  exchange,
		KeyFingerprint:   device.Fingerprint(),
	}
}

type fakeExchanger struct {
	mu     sync.Mutex
	err    error
	frames []network.Frame
}

func (e *fakeExchanger) Emit(_ context.Context, to, event string, payload any) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.err != nil {
		return e.err
	}
	frame, err := network.NewFrame(event, "", to, payload)
	if err != nil {
		return err
	}
	e.frames = append(e.frames, frame)
	return nil
}

type testParty struct {
	id        string
	device    *crypto.DeviceKeys
	store     *storage.Store
	keys      *Store
	exchanger *fakeExchanger
}

func newTestParty(t *testing.T, id string, directory *fakeDirectory) *testParty {
	t.Helper()
	device, err := crypto.EnsureDeviceKeys(t.TempDir())
	if err != nil {
		t.Fatalf("EnsureDeviceKeys failed: %v", err)
	}
	store, _, err := storage.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	directory.publish(id, device)
	exchanger := &fakeExchanger{}
	keys, err := New(Options{
		Storage:    store,
		Directory:  directory,
		Exchanger:  exchanger,
		Device:     device,
		IdentityID: id,
		Logger:     zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return &testParty{id: id, device: device, store: store, keys: keys, exchanger: exchanger}
}

func directConversation(a, b string) models.Conversation {
	return models.Conversation{
		ID:   "conv-" + a + "-" + b,
		Kind: models.KindDirect,
		Members: []models.Member{
			{IdentityID: a, Role: models.RoleStudent},
			{IdentityID: b, Role: models.RoleMentor},
		},
	}
}

func TestGetKeyAbsentIsNotAnError(t *testing.T) {
	alice := newTestParty(t, "alice", &fakeDirectory{keys: map[string]models.IdentityKeys{}})

	key, found, err := alice.keys.GetKey("conv-missing")
	if err != nil || found || key != nil {
		t.Fatalf("expected absent key, got key=%v found=%v err=%v", key, found, err)
	}

	generated, err := alice.keys.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}
	if err := alice.keys.StoreKey("conv-1", generated); err != nil {
		t.Fatalf("StoreKey failed: %v", err)
	}
	got, found, err := alice.keys.GetKey("conv-1")
	if err != nil || !found || string(got) != string(generated) {
		t.Fatalf("expected stored key back, found=%v err=%v", found, err)
	}
}

func TestEncryptDecryptAndPlaintextPassthrough(t *testing.T) {
	alice := newTestParty(t, "alice", &fakeDirectory{keys: map[string]models.IdentityKeys{}})
	key, _ := alice.keys.GenerateKey()

	for _, plaintext := range []string{"", "hello", "многоязычный текст", strings.Repeat("x", 4096)} {
		body, err := alice.keys.Encrypt(plaintext, key)
		if err != nil {
			t.Fatalf("Encrypt failed: %v", err)
		}
		got, err := alice.keys.Decrypt(body, key)
		if err != nil || got != plaintext {
			t.Fatalf("round trip mismatch for %q: got %q err=%v", plaintext, got, err)
		}
	}

	got, err := alice.keys.Decrypt("sent before encryption", key)
	if err != nil || got != "sent before encryption" {
		t.Fatalf("expected plaintext passthrough, got %q err=%v", got, err)
	}

	if _, err := alice.keys.Decrypt(crypto.CiphertextPrefix+"!!!", key); !apperr.Is(err, apperr.Encryption) {
		t.Fatalf("expected encryption error for malformed ciphertext, got %v", err)
	}
}

func TestKeyExchangeDeliversKeyToRecipient(t *testing.T) {
	directory := &fakeDirectory{keys: map[string]models.IdentityKeys{}}
	alice := newTestParty(t, "alice", directory)
	bob := newTestParty(t, "bob", directory)
	ctx := context.Background()
	conv := directConversation("alice", "bob")

	body, err := alice.keys.EncryptForConversation(ctx, conv, "see you at 3")
	if err != nil {
		t.Fatalf("EncryptForConversation failed: %v", err)
	}
	if !crypto.IsCiphertext(body) {
		t.Fatalf("expected encrypted body, got %q", body)
	}
	if len(alice.exchanger.frames) != 1 {
		t.Fatalf("expected one key exchange frame, got %d", len(alice.exchanger.frames))
	}

	frame := alice.exchanger.frames[0]
	frame.From = "alice"
	if err := bob.keys.HandleKeyExchangeFrame(ctx, frame); err != nil {
		t.Fatalf("HandleKeyExchangeFrame failed: %v", err)
	}

	shown := bob.keys.DecryptForDisplay(models.Message{ID: "m-1", ConversationID: conv.ID, Body: body})
	if shown.Body != "see you at 3" {
		t.Fatalf("expected bob to read message, got %q", shown.Body)
	}

	record, err := alice.store.GetConversationKey(conv.ID)
	if err != nil {
		t.Fatalf("GetConversationKey failed: %v", err)
	}
	if record.ExchangeState != storage.KeyExchangeExchanged || record.PeerIdentityID != "bob" {
		t.Fatalf("unexpected key record %+v", record)
	}

	second, err := alice.keys.EncryptForConversation(ctx, conv, "again")
	if err != nil || !crypto.IsCiphertext(second) {
		t.Fatalf("expected second send to reuse key, body=%q err=%v", second, err)
	}
	if len(alice.exchanger.frames) != 1 {
		t.Fatalf("expected no second exchange, got %d frames", len(alice.exchanger.frames))
	}
}

func TestFailedExchangeFallsBackToPlaintextAndRetries(t *testing.T) {
	directory := &fakeDirectory{keys: map[string]models.IdentityKeys{}}
	alice := newTestParty(t, "alice", directory)
	newTestParty(t, "bob", directory)
	ctx := context.Background()
	conv := directConversation("alice", "bob")

	alice.exchanger.err = apperr.New(apperr.Connectivity, "emit", network.ErrNotConnected)
	body, err := alice.keys.EncryptForConversation(ctx, conv, "hello bob")
	if err != nil {
		t.Fatalf("expected exchange failure to be absorbed, got %v", err)
	}
	if body != "hello bob" {
		t.Fatalf("expected plaintext while exchange pending, got %q", body)
	}

	pending, err := alice.store.ListPendingKeyExchanges()
	if err != nil || len(pending) != 1 {
		t.Fatalf("expected one pending exchange, got %d err=%v", len(pending), err)
	}
	events, err := alice.store.GetSecurityEvents(storage.SecurityEventFilter{EventType: securityEventKeyExchangeFailed})
	if err != nil || len(events) != 1 {
		t.Fatalf("expected one key exchange failure event, got %d err=%v", len(events), err)
	}

	alice.exchanger.err = nil
	delivered, err := alice.keys.RetryPendingExchanges(ctx)
	if err != nil || delivered != 1 {
		t.Fatalf("expected one retried exchange, got %d err=%v", delivered, err)
	}
	body, err = alice.keys.EncryptForConversation(ctx, conv, "hello again")
	if err != nil || !crypto.IsCiphertext(body) {
		t.Fatalf("expected encryption after retry, body=%q err=%v", body, err)
	}
}

func TestGroupConversationsStayPlaintext(t *testing.T) {
	alice := newTestParty(t, "alice", &fakeDirectory{keys: map[string]models.IdentityKeys{}})
	group := models.Conversation{ID: "class-7b", Kind: models.KindGroup}

	body, err := alice.keys.EncryptForConversation(context.Background(), group, "homework due")
	if err != nil || body != "homework due" {
		t.Fatalf("expected plaintext group body, got %q err=%v", body, err)
	}
	if len(alice.exchanger.frames) != 0 {
		t.Fatalf("expected no key exchange for group")
	}
}

func TestAcceptRejectsForgedSender(t *testing.T) {
	directory := &fakeDirectory{keys: map[string]models.IdentityKeys{}}
	alice := newTestParty(t, "alice", directory)
	bob := newTestParty(t, "bob", directory)
	mallory, err := crypto.EnsureDeviceKeys(t.TempDir())
	if err != nil {
		t.Fatalf("EnsureDeviceKeys failed: %v", err)
	}

	key, _ := alice.keys.GenerateKey()
	sealed, err := crypto.SealConversationKey(mallory, "alice", "bob", "conv-x", bob.device.ExchangePublic(), key)
	if err != nil {
		t.Fatalf("SealConversationKey failed: %v", err)
	}
	if err := bob.keys.AcceptKeyExchange(context.Background(), sealed); !apperr.Is(err, apperr.Encryption) {
		t.Fatalf("expected forged key to be rejected, got %v", err)
	}
	if _, found, _ := bob.keys.GetKey("conv-x"); found {
		t.Fatalf("forged key must not be stored")
	}
	events, err := bob.store.GetSecurityEvents(storage.SecurityEventFilter{Severity: storage.SecuritySeverityCritical})
	if err != nil || len(events) != 1 {
		t.Fatalf("expected one critical security event, got %d err=%v", len(events), err)
	}
}

func TestDecryptForDisplayDegradesPerMessage(t *testing.T) {
	alice := newTestParty(t, "alice", &fakeDirectory{keys: map[string]models.IdentityKeys{}})
	key, _ := alice.keys.GenerateKey()
	if err := alice.keys.StoreKey("conv-1", key); err != nil {
		t.Fatalf("StoreKey failed: %v", err)
	}
	good, _ := alice.keys.Encrypt("readable", key)
	otherKey, _ := alice.keys.GenerateKey()
	foreign, _ := alice.keys.Encrypt("unreadable", otherKey)

	shown := alice.keys.DecryptAllForDisplay([]models.Message{
		{ID: "1", ConversationID: "conv-1", Body: good},
		{ID: "2", ConversationID: "conv-1", Body: foreign},
		{ID: "3", ConversationID: "conv-1", Body: "legacy plaintext"},
		{ID: "4", ConversationID: "conv-nokey", Body: good},
	})

	if shown[0].Body != "readable" {
		t.Fatalf("expected first message decrypted, got %q", shown[0].Body)
	}
	if shown[1].Body != foreign || shown[3].Body != good {
		t.Fatalf("expected undecryptable bodies shown raw")
	}
	if shown[2].Body != "legacy plaintext" {
		t.Fatalf("expected plaintext unchanged")
	}
}

func TestHandleKeyExchangeFrameChecksSender(t *testing.T) {
	bob := newTestParty(t, "bob", &fakeDirectory{keys: map[string]models.IdentityKeys{}})
	payload, _ := json.Marshal(crypto.SealedKey{SenderID: "alice", RecipientID: "bob"})
	frame := network.Frame{ID: "f1", Event: network.EventKeyExchange, From: "eve", Payload: payload}

	if err := bob.keys.HandleKeyExchangeFrame(context.Background(), frame); !apperr.Is(err, apperr.Encryption) {
		t.Fatalf("expected sender mismatch to be rejected, got %v", err)
	}
}

func TestCrossingExchangesConvergeOnOneKey(t *testing.T) {
	directory := &fakeDirectory{keys: map[string]models.IdentityKeys{}}
	alice := newTestParty(t, "alice", directory)
	bob := newTestParty(t, "bob", directory)
	ctx := context.Background()
	conv := directConversation("alice", "bob")

	if _, err := alice.keys.EncryptForConversation(ctx, conv, "first from alice"); err != nil {
		t.Fatalf("alice EncryptForConversation failed: %v", err)
	}
	if _, err := bob.keys.EncryptForConversation(ctx, conv, "first from bob"); err != nil {
		t.Fatalf("bob EncryptForConversation failed: %v", err)
	}
	if len(alice.exchanger.frames) != 1 || len(bob.exchanger.frames) != 1 {
		t.Fatalf("expected one exchange each, got %d and %d", len(alice.exchanger.frames), len(bob.exchanger.frames))
	}

	toBob := alice.exchanger.frames[0]
	toBob.From = "alice"
	toAlice := bob.exchanger.frames[0]
	toAlice.From = "bob"
	if err := alice.keys.HandleKeyExchangeFrame(ctx, toAlice); err != nil {
		t.Fatalf("alice accept failed: %v", err)
	}
	if err := bob.keys.HandleKeyExchangeFrame(ctx, toBob); err != nil {
		t.Fatalf("bob accept failed: %v", err)
	}

	aliceKey, _, _ := alice.keys.GetKey(conv.ID)
	bobKey, _, _ := bob.keys.GetKey(conv.ID)
	if string(aliceKey) != string(bobKey) {
		t.Fatalf("expected both sides to hold the same key after crossing exchange")
	}

	body, err := alice.keys.EncryptForConversation(ctx, conv, "second from alice")
	if err != nil {
		t.Fatalf("EncryptForConversation failed: %v", err)
	}
	shown := bob.keys.DecryptForDisplay(models.Message{ID: "m-2", ConversationID: conv.ID, Body: body})
	if shown.Body != "second from alice" {
		t.Fatalf("expected bob to read alice's second message, got %q", shown.Body)
	}
	reply, _ := bob.keys.EncryptForConversation(ctx, conv, "reply from bob")
	if got := alice.keys.DecryptForDisplay(models.Message{ID: "m-3", ConversationID: conv.ID, Body: reply}); got.Body != "reply from bob" {
		t.Fatalf("expected alice to read bob's reply, got %q", got.Body)
	}

	record, err := bob.store.GetConversationKey(conv.ID)
	if err != nil || record.ExchangeState != storage.KeyExchangeReceived || record.PeerIdentityID != "alice" {
		t.Fatalf("expected bob to hold alice's key as received, got %+v err=%v", record, err)
	}
}

func TestReceivedKeyReplacedOnPeerRekey(t *testing.T) {
	directory := &fakeDirectory{keys: map[string]models.IdentityKeys{}}
	alice := newTestParty(t, "alice", directory)
	bob := newTestParty(t, "bob", directory)
	ctx := context.Background()

	const convID = "conv-a"
	for i := 0; i < 2; i++ {
		key, _ := bob.keys.GenerateKey()
		sealed, err := crypto.SealConversationKey(bob.device, "bob", "alice", convID, alice.device.ExchangePublic(), key)
		if err != nil {
			t.Fatalf("SealConversationKey failed: %v", err)
		}
		if err := alice.keys.AcceptKeyExchange(ctx, sealed); err != nil {
			t.Fatalf("AcceptKeyExchange failed: %v", err)
		}
		got, found, _ := alice.keys.GetKey(convID)
		if !found || string(got) != string(key) {
			t.Fatalf("expected latest key from bob to be stored")
		}
	}
}

func TestEncryptUsesStoredKeyWhenMembershipUnknown(t *testing.T) {
	alice := newTestParty(t, "alice", &fakeDirectory{keys: map[string]models.IdentityKeys{}})
	ctx := context.Background()
	key, _ := alice.keys.GenerateKey()
	if err := alice.keys.StoreKey("conv-known", key); err != nil {
		t.Fatalf("StoreKey failed: %v", err)
	}

	body, err := alice.keys.EncryptForConversation(ctx, models.Conversation{ID: "conv-known"}, "secret grade info")
	if err != nil {
		t.Fatalf("EncryptForConversation failed: %v", err)
	}
	if !crypto.IsCiphertext(body) {
		t.Fatalf("expected stored key to be used, got %q", body)
	}
	if got, err := alice.keys.Decrypt(body, key); err != nil || got != "secret grade info" {
		t.Fatalf("expected body sealed with the stored key, got %q err=%v", got, err)
	}

	body, err = alice.keys.EncryptForConversation(ctx, models.Conversation{ID: "conv-unknown"}, "hello")
	if err != nil || body != "hello" {
		t.Fatalf("expected plaintext without a key, got %q err=%v", body, err)
	}

	if err := alice.store.PutConversationKey(storage.ConversationKey{
		ConversationID: "conv-pending",
		KeyMaterial:    key,
		ExchangeState:  storage.KeyExchangePending,
		PeerIdentityID: "bob",
	}); err != nil {
		t.Fatalf("PutConversationKey failed: %v", err)
	}
	body, err = alice.keys.EncryptForConversation(ctx, models.Conversation{ID: "conv-pending"}, "not yet")
	if err != nil || body != "not yet" {
		t.Fatalf("expected plaintext while exchange pending, got %q err=%v", body, err)
	}
	if len(alice.exchanger.frames) != 0 {
		t.Fatalf("expected no exchange without a known peer")
	}
}
