package models

import (
	"encoding/json"

	"github.com/shopspring/decimal"
)

// Wire schemas for the order-book plane. Schema and topic are always equal;
// verification rejects envelopes where they diverge.
const (
	SchemaDexOrder = "meshdex.dex.order.v1"
	SchemaDexMatch = "meshdex.dex.match.v1"
	SchemaDexDepth = "meshdex.dex.depth.v1"
	SchemaDexLink  = "meshdex.dex.link.v1"

	SchemaMarketListing = "meshdex.market.listing.v2"
	SchemaMarketOrder   = "meshdex.market.order.v2"
	SchemaMarketTrade   = "meshdex.market.trade.v2"
	SchemaMarketReceipt = "meshdex.market.receipt.v2"
)

// Rendezvous namespaces advertised for peer discovery.
const (
	DexRendezvousNS    = "meshdex/dex/v1"
	MarketRendezvousNS = "meshdex/market/v2"
)

const (
	EnvelopeVersionV1 = "v1"
	EnvelopeVersionV2 = "v2"
)

var dexSchemas = map[string]struct{}{
	SchemaDexOrder: {},
	SchemaDexMatch: {},
	SchemaDexDepth: {},
	SchemaDexLink:  {},
}

var marketSchemas = map[string]struct{}{
	SchemaMarketListing: {},
	SchemaMarketOrder:   {},
	SchemaMarketTrade:   {},
	SchemaMarketReceipt: {},
}

// IsDexSchema reports whether schema belongs to the order-book plane.
func IsDexSchema(schema string) bool {
	_, ok := dexSchemas[schema]
	return ok
}

// IsMarketSchema reports whether schema belongs to the marketplace plane.
func IsMarketSchema(schema string) bool {
	_, ok := marketSchemas[schema]
	return ok
}

// IsKnownSchema reports whether schema is carried by either plane.
func IsKnownSchema(schema string) bool {
	return IsDexSchema(schema) || IsMarketSchema(schema)
}

// DexTopics returns the gossip topics of the order-book plane.
func DexTopics() []string {
	return []string{SchemaDexOrder, SchemaDexMatch, SchemaDexDepth, SchemaDexLink}
}

// MarketTopics returns the gossip topics of the marketplace plane.
func MarketTopics() []string {
	return []string{SchemaMarketListing, SchemaMarketOrder, SchemaMarketTrade, SchemaMarketReceipt}
}

// SchemaVersion returns the envelope version string expected for schema.
func SchemaVersion(schema string) string {
	if IsMarketSchema(schema) {
		return EnvelopeVersionV2
	}
	return EnvelopeVersionV1
}

// SessionPolicy scopes what a delegated session signer may authorize.
type SessionPolicy struct {
	SessionID        string          `json:"sessionId" validate:"required"`
	WalletID         string          `json:"walletId" validate:"required"`
	SessionPubKey    string          `json:"sessionPubKey" validate:"required,hexadecimal,len=64"`
	AllowedContracts []string        `json:"allowedContracts"`
	AllowedMethods   []string        `json:"allowedMethods"`
	AllowedTxKinds   []string        `json:"allowedTxKinds"`
	AmountCap        decimal.Decimal `json:"amountCap"`
	IssuedAtMs       int64           `json:"issuedAtMs"`
	ExpiresAtMs      int64           `json:"expiresAtMs" validate:"gt=0"`
}

// SignerMode records which key authorized a session-scoped envelope.
type SignerMode string

const (
	SignerModeRoot    SignerMode = "root"
	SignerModeSession SignerMode = "session"
)

// SessionContext rides on envelopes signed by a delegated session key.
type SessionContext struct {
	Policy     SessionPolicy `json:"policy"`
	SignerMode SignerMode    `json:"signerMode"`
}

// Envelope is the signed, replay-protected wire message. Payload stays raw so
// that the canonical signing view preserves the sender's byte-exact number
// literals.
type Envelope struct {
	Schema         string          `json:"schema" validate:"required"`
	Topic          string          `json:"topic" validate:"required"`
	Version        string          `json:"version" validate:"required"`
	TS             int64           `json:"ts" validate:"required"`
	Nonce          string          `json:"nonce" validate:"required"`
	TTLMs          int64           `json:"ttlMs" validate:"gt=0"`
	Signer         string          `json:"signer" validate:"required"`
	Sig            string          `json:"sig" validate:"required"`
	TraceID        string          `json:"traceId" validate:"required"`
	PolicyRef      string          `json:"policyRef,omitempty"`
	SessionContext *SessionContext `json:"sessionContext,omitempty"`
	Payload        json.RawMessage `json:"payload"`
}

// Source records where an applied envelope was observed.
type Source string

const (
	SourceLocal Source = "local"
	SourceP2P   Source = "p2p"
	SourceChain Source = "chain"
)
