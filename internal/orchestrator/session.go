package orchestrator

import (
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/meshdex/meshdex/internal/identity"
	"github.com/meshdex/meshdex/internal/models"
)

const sessionTTL = 12 * time.Hour

// defaultSessionCap bounds a delegated session's daily quote notional.
var defaultSessionCap = decimal.NewFromInt(500)

var sessionAllowedMethods = []string{submitGateMethod, "publishMatch", "settleMatch"}

var sessionAllowedTxKinds = []string{submitGateTxKind, "match", "settle"}

// SessionState is the observable state of the delegated signing session.
type SessionState struct {
	Enabled     bool
	Active      bool
	SessionID   string
	ExpiresAtMs int64
	SignerMode  models.SignerMode
	PolicyRef   string
	Consumed    decimal.Decimal
	Remaining   decimal.Decimal
	Reason      string
}

// SessionState reports the current session, including consumed exposure.
func (o *Orchestrator) SessionState() SessionState {
	return o.sessionState("")
}

func (o *Orchestrator) sessionState(reason string) SessionState {
	o.mu.Lock()
	enabled := o.sessionEnabled
	session := o.session
	o.mu.Unlock()

	if !enabled || session == nil {
		return SessionState{
			Enabled:    enabled,
			SignerMode: models.SignerModeRoot,
			Consumed:   decimal.Zero,
			Remaining:  defaultSessionCap,
			Reason:     reason,
		}
	}
	policy := session.Policy()
	now := o.now()
	consumed := o.exposure.Exposure(policy, now)
	remaining := policy.AmountCap.Sub(consumed)
	if remaining.Sign() < 0 {
		remaining = decimal.Zero
	}
	return SessionState{
		Enabled:     true,
		Active:      policy.ExpiresAtMs > now,
		SessionID:   policy.SessionID,
		ExpiresAtMs: policy.ExpiresAtMs,
		SignerMode:  models.SignerModeSession,
		PolicyRef:   session.PolicyRefHex(),
		Consumed:    consumed,
		Remaining:   remaining,
		Reason:      reason,
	}
}

func (o *Orchestrator) emitSessionState(reason string) {
	if o.hooks.SessionState == nil {
		return
	}
	o.hooks.SessionState(o.sessionState(reason))
}

// EnableSession issues a fresh delegated session key scoped to this wallet
// and persists it to the vault.
func (o *Orchestrator) EnableSession() (SessionState, error) {
	o.mu.Lock()
	signer := o.signer
	o.mu.Unlock()
	if signer == nil {
		state := o.sessionState("missing_signer")
		return state, errMissingSigner
	}

	key, err := identity.GenerateKeySigner()
	if err != nil {
		return o.sessionState("session_issue_failed"), err
	}
	now := o.now()
	policy := models.SessionPolicy{
		SessionID:        newID("asi", now),
		WalletID:         signer.PublicKeyHex(),
		SessionPubKey:    key.PublicKeyHex(),
		AllowedContracts: []string{gateContract},
		AllowedMethods:   append([]string(nil), sessionAllowedMethods...),
		AllowedTxKinds:   append([]string(nil), sessionAllowedTxKinds...),
		AmountCap:        defaultSessionCap,
		IssuedAtMs:       now,
		ExpiresAtMs:      now + sessionTTL.Milliseconds(),
	}
	session, err := identity.NewSessionSigner(key, policy)
	if err != nil {
		return o.sessionState("session_issue_failed"), err
	}

	o.mu.Lock()
	o.session = session
	o.sessionEnabled = true
	o.mu.Unlock()

	if o.vault != nil {
		if err := o.vault.Save(session); err != nil {
			o.logger.Warn("session vault save failed", zap.Error(err))
		}
	}
	o.emitSessionState("session_enabled")
	return o.sessionState(""), nil
}

// DisableSession drops the delegated session and clears the vault.
func (o *Orchestrator) DisableSession(reason string) {
	if reason == "" {
		reason = "session_disabled"
	}
	o.mu.Lock()
	o.session = nil
	o.sessionEnabled = false
	o.mu.Unlock()
	if o.vault != nil {
		if err := o.vault.Clear(); err != nil {
			o.logger.Warn("session vault clear failed", zap.Error(err))
		}
	}
	o.emitSessionState(reason)
}

// restoreSession rebuilds a vaulted session for the current wallet. A vault
// issued for a different wallet is discarded.
func (o *Orchestrator) restoreSession() {
	if o.vault == nil {
		return
	}
	o.mu.Lock()
	signer := o.signer
	hasSession := o.session != nil
	o.mu.Unlock()
	if signer == nil || hasSession {
		return
	}
	session, found, err := o.vault.Load()
	if err != nil {
		o.logger.Warn("session vault load failed", zap.Error(err))
		return
	}
	if !found {
		return
	}
	if session.Policy().WalletID != signer.PublicKeyHex() {
		if err := o.vault.Clear(); err != nil {
			o.logger.Warn("session vault clear failed", zap.Error(err))
		}
		return
	}
	o.mu.Lock()
	o.session = session
	o.sessionEnabled = true
	o.mu.Unlock()
	o.emitSessionState("session_restored")
}

// ensureSessionActive gates submission while a session is enabled: the
// session must exist, belong to this wallet, and be unexpired. An expired
// session is disabled in place.
func (o *Orchestrator) ensureSessionActive(signer *identity.KeySigner) string {
	o.mu.Lock()
	enabled := o.sessionEnabled
	session := o.session
	o.mu.Unlock()
	if !enabled {
		return ""
	}
	if session == nil {
		return "asi_session_missing"
	}
	if session.Policy().WalletID != signer.PublicKeyHex() {
		return "asi_wallet_mismatch"
	}
	if session.Policy().ExpiresAtMs <= o.now() {
		o.DisableSession("session_expired")
		return "asi_session_expired"
	}
	return ""
}

func (o *Orchestrator) activeSession() *identity.SessionSigner {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.sessionEnabled {
		return nil
	}
	return o.session
}
