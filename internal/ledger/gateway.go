// Package ledger exposes the settlement chain to the engine: transaction
// submission, balance and escrow queries, and the market event feed.
package ledger

import (
	"context"

	"github.com/shopspring/decimal"
)

// Transaction kinds submitted by the engine.
const (
	TxTypeEscrowLock    = "escrow_lock"
	TxTypeEscrowRelease = "escrow_release"
	TxTypeEscrowRefund  = "escrow_refund"
	TxTypeAssetTransfer = "asset_transfer"
)

// Submission statuses reported by the chain.
const (
	StatusAccepted = "accepted"
	StatusPending  = "pending"
	StatusRejected = "rejected"
	StatusUnknown  = "unknown"
)

// DefaultChainID is the chain the engine settles against.
const DefaultChainID = "mesh-main"

// TxRequest is one transaction to sign and submit.
type TxRequest struct {
	ChainID   string         `json:"chainId"`
	Sender    string         `json:"sender"`
	TxType    string         `json:"txType"`
	Payload   map[string]any `json:"payload"`
	PolicyRef string         `json:"policyRef,omitempty"`
	ExpiresAt int64          `json:"expiresAt,omitempty"`
}

// TxResult reports the chain's verdict on a submission.
type TxResult struct {
	OK     bool   `json:"ok"`
	TxHash string `json:"txHash"`
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
}

// Account is a chain account view.
type Account struct {
	Address string          `json:"address"`
	Balance decimal.Decimal `json:"balance"`
	Nonce   int64           `json:"nonce"`
}

// MarketEvent is one chain-side marketplace event.
type MarketEvent struct {
	EventID  string         `json:"eventId"`
	TS       int64          `json:"ts"`
	TxHash   string         `json:"txHash,omitempty"`
	Action   string         `json:"action"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// EventQuery filters the market event feed.
type EventQuery struct {
	SinceMs int64
	Limit   int
}

// Gateway is the chain client surface the engine depends on.
type Gateway interface {
	SubmitTx(ctx context.Context, req TxRequest) (TxResult, error)
	Account(ctx context.Context, address string) (Account, error)
	AssetBalance(ctx context.Context, assetID, owner string) (decimal.Decimal, error)
	Escrow(ctx context.Context, escrowID string) (map[string]any, error)
	MarketEvents(ctx context.Context, query EventQuery) ([]MarketEvent, error)
}
