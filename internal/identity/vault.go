package identity

import (
	"fmt"

	"github.com/meshdex/meshdex/internal/models"
	"github.com/meshdex/meshdex/pkg/blob"
)

// SessionVaultVersion tags persisted session vault blobs.
const SessionVaultVersion = "meshdex.session_vault.v1"

const sessionVaultKey = "meshdex_session_vault_v1"

type sessionVaultBlob struct {
	Version        string               `json:"version"`
	Policy         models.SessionPolicy `json:"policy"`
	PolicyRef      string               `json:"policyRef"`
	SessionSeedHex string               `json:"sessionSeedHex"`
}

// SessionVault persists an issued session across restarts so an enabled
// session survives a process bounce without re-delegation.
type SessionVault struct {
	store blob.Store
}

// NewSessionVault wraps a blob store.
func NewSessionVault(store blob.Store) *SessionVault {
	return &SessionVault{store: store}
}

// Save persists the session key seed and its policy.
func (v *SessionVault) Save(signer *SessionSigner) error {
	if signer == nil {
		return fmt.Errorf("nil session signer")
	}
	return v.store.Save(sessionVaultKey, sessionVaultBlob{
		Version:        SessionVaultVersion,
		Policy:         signer.Policy(),
		PolicyRef:      signer.PolicyRefHex(),
		SessionSeedHex: signer.key.SeedHex(),
	})
}

// Load rebuilds the persisted session signer. Returns false when no vault
// exists or the stored blob has an unknown version.
func (v *SessionVault) Load() (*SessionSigner, bool, error) {
	var stored sessionVaultBlob
	found, err := v.store.Load(sessionVaultKey, &stored)
	if err != nil {
		return nil, false, fmt.Errorf("load session vault: %w", err)
	}
	if !found || stored.Version != SessionVaultVersion {
		return nil, false, nil
	}
	key, err := NewKeySignerFromSeed(stored.SessionSeedHex)
	if err != nil {
		return nil, false, fmt.Errorf("restore session key: %w", err)
	}
	signer, err := NewSessionSigner(key, stored.Policy)
	if err != nil {
		return nil, false, fmt.Errorf("restore session signer: %w", err)
	}
	return signer, true, nil
}

// Clear deletes the persisted session.
func (v *SessionVault) Clear() error {
	return v.store.Delete(sessionVaultKey)
}
