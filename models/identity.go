package models

// IdentityKeys holds the published public keys of a remote identity.
type IdentityKeys struct {
	IdentityID       string `json:"identity_id"`
	Ed25519PublicKey string `json:"ed25519_public_key"`
	X25519PublicKey  string `json:"x25519_public_key"`
	KeyFingerprint   string `json:"key_fingerprint"`
}
