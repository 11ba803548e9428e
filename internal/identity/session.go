package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/meshdex/meshdex/internal/codec"
	"github.com/meshdex/meshdex/internal/models"
)

// Policy denial codes surfaced to callers and metrics.
const (
	PolicyDeniedExpired       = "POLICY_DENIED_EXPIRED"
	PolicyDeniedContract      = "POLICY_DENIED_CONTRACT"
	PolicyDeniedMethod        = "POLICY_DENIED_METHOD"
	PolicyDeniedTxKind        = "POLICY_DENIED_TXKIND"
	PolicyDeniedAmount        = "POLICY_DENIED_AMOUNT"
	PolicyDeniedLimit         = "POLICY_DENIED_LIMIT"
	PolicyDeniedInvalidPolicy = "POLICY_DENIED_INVALID_POLICY"
)

// PolicyRef derives the stable reference hash of a session policy: sha256 of
// its canonical JSON, hex encoded.
func PolicyRef(policy models.SessionPolicy) (string, error) {
	canonical, err := codec.CanonicalJSON(policy)
	if err != nil {
		return "", fmt.Errorf("canonicalize policy: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// ValidatePolicy checks structural soundness of a session policy.
func ValidatePolicy(policy models.SessionPolicy) error {
	if policy.SessionID == "" || policy.WalletID == "" {
		return fmt.Errorf("policy missing session or wallet id")
	}
	if len(policy.SessionPubKey) != 64 {
		return fmt.Errorf("policy session pubkey must be 64 hex chars")
	}
	if _, err := hex.DecodeString(policy.SessionPubKey); err != nil {
		return fmt.Errorf("policy session pubkey not hex: %w", err)
	}
	if policy.ExpiresAtMs <= 0 {
		return fmt.Errorf("policy missing expiry")
	}
	if policy.AmountCap.Sign() < 0 {
		return fmt.Errorf("policy amount cap negative")
	}
	return nil
}

// GateRequest is one action checked against a session policy.
type GateRequest struct {
	Contract string
	Method   string
	TxKind   string
	Amount   decimal.Decimal
	NowMs    int64
}

// GateResult reports whether the policy allows the request.
type GateResult struct {
	OK   bool
	Code string
}

func deny(code string) GateResult { return GateResult{Code: code} }

// Gate evaluates req against policy. An empty allow-list permits everything
// in that dimension.
func Gate(policy models.SessionPolicy, req GateRequest) GateResult {
	if err := ValidatePolicy(policy); err != nil {
		return deny(PolicyDeniedInvalidPolicy)
	}
	if req.NowMs > policy.ExpiresAtMs {
		return deny(PolicyDeniedExpired)
	}
	if !allowListed(policy.AllowedContracts, req.Contract) {
		return deny(PolicyDeniedContract)
	}
	if !allowListed(policy.AllowedMethods, req.Method) {
		return deny(PolicyDeniedMethod)
	}
	if !allowListed(policy.AllowedTxKinds, req.TxKind) {
		return deny(PolicyDeniedTxKind)
	}
	if req.Amount.Sign() <= 0 {
		return deny(PolicyDeniedAmount)
	}
	if policy.AmountCap.Sign() > 0 && req.Amount.GreaterThan(policy.AmountCap) {
		return deny(PolicyDeniedAmount)
	}
	return GateResult{OK: true}
}

func allowListed(allowed []string, value string) bool {
	if len(allowed) == 0 {
		return true
	}
	for _, item := range allowed {
		if strings.EqualFold(item, value) {
			return true
		}
	}
	return false
}

// SessionSigner signs envelopes with a delegated session key and carries the
// session context onto every envelope it produces.
type SessionSigner struct {
	key       *KeySigner
	policy    models.SessionPolicy
	policyRef string
}

// NewSessionSigner binds a session key pair to its policy. The key's public
// half must match the policy's sessionPubKey.
func NewSessionSigner(key *KeySigner, policy models.SessionPolicy) (*SessionSigner, error) {
	if err := ValidatePolicy(policy); err != nil {
		return nil, err
	}
	if !strings.EqualFold(key.PublicKeyHex(), policy.SessionPubKey) {
		return nil, fmt.Errorf("session key does not match policy pubkey")
	}
	ref, err := PolicyRef(policy)
	if err != nil {
		return nil, err
	}
	return &SessionSigner{key: key, policy: policy, policyRef: ref}, nil
}

// PublicKeyHex returns the session public key.
func (s *SessionSigner) PublicKeyHex() string {
	return s.key.PublicKeyHex()
}

// Sign signs with the session key.
func (s *SessionSigner) Sign(message []byte) ([]byte, error) {
	return s.key.Sign(message)
}

// Policy returns the bound session policy.
func (s *SessionSigner) Policy() models.SessionPolicy {
	return s.policy
}

// PolicyRefHex returns the precomputed policy reference hash.
func (s *SessionSigner) PolicyRefHex() string {
	return s.policyRef
}

// Context returns the session context attached to signed envelopes.
func (s *SessionSigner) Context() *models.SessionContext {
	return &models.SessionContext{Policy: s.policy, SignerMode: models.SignerModeSession}
}
