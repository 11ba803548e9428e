package models

import "encoding/json"

// EscrowState tracks on-ledger escrow lifecycle for marketplace orders.
type EscrowState string

const (
	EscrowPending  EscrowState = "PENDING"
	EscrowLocked   EscrowState = "LOCKED"
	EscrowReleased EscrowState = "RELEASED"
	EscrowRefunded EscrowState = "REFUNDED"
	EscrowExpired  EscrowState = "EXPIRED"
	EscrowFailed   EscrowState = "FAILED"
)

// MarketOrderState is the marketplace order lifecycle.
type MarketOrderState string

const (
	MarketOrderDraft       MarketOrderState = "DRAFT"
	MarketOrderListed      MarketOrderState = "LISTED"
	MarketOrderLockPending MarketOrderState = "LOCK_PENDING"
	MarketOrderLocked      MarketOrderState = "LOCKED"
	MarketOrderDelivering  MarketOrderState = "DELIVERING"
	MarketOrderSettling    MarketOrderState = "SETTLING"
	MarketOrderReleased    MarketOrderState = "RELEASED"
	MarketOrderRefunded    MarketOrderState = "REFUNDED"
	MarketOrderExpired     MarketOrderState = "EXPIRED"
	MarketOrderFailed      MarketOrderState = "FAILED"
)

// IsTerminal reports whether no further transitions are allowed except via an
// explicit later receipt.
func (s MarketOrderState) IsTerminal() bool {
	switch s {
	case MarketOrderReleased, MarketOrderRefunded, MarketOrderExpired, MarketOrderFailed:
		return true
	}
	return false
}

type TxStatus string

const (
	TxStatusPending  TxStatus = "pending"
	TxStatusAccepted TxStatus = "accepted"
	TxStatusRejected TxStatus = "rejected"
)

// ListingV2 is the meshdex.market.listing.v2 payload. Quantities and prices
// are integer on-ledger credit units.
type ListingV2 struct {
	ListingID        string                     `json:"listingId" validate:"required"`
	AssetID          string                     `json:"assetId" validate:"required"`
	Seller           string                     `json:"seller" validate:"required"`
	SellerPeerID     string                     `json:"sellerPeerId"`
	Qty              int64                      `json:"qty" validate:"gt=0"`
	UnitPriceCredits int64                      `json:"unitPriceCredits" validate:"gt=0"`
	MinQty           int64                      `json:"minQty"`
	MaxQty           int64                      `json:"maxQty"`
	CreatedAtMs      int64                      `json:"createdAtMs" validate:"gt=0"`
	ExpiresAtMs      int64                      `json:"expiresAtMs" validate:"gt=0"`
	Metadata         map[string]json.RawMessage `json:"metadata,omitempty"`
}

// MarketOrderV2 is the meshdex.market.order.v2 payload.
type MarketOrderV2 struct {
	OrderID          string                     `json:"orderId" validate:"required"`
	ListingID        string                     `json:"listingId" validate:"required"`
	AssetID          string                     `json:"assetId" validate:"required"`
	EscrowID         string                     `json:"escrowId" validate:"required"`
	Buyer            string                     `json:"buyer" validate:"required"`
	BuyerPeerID      string                     `json:"buyerPeerId"`
	Seller           string                     `json:"seller" validate:"required"`
	SellerPeerID     string                     `json:"sellerPeerId"`
	Qty              int64                      `json:"qty" validate:"gt=0"`
	UnitPriceCredits int64                      `json:"unitPriceCredits" validate:"gt=0"`
	TotalCredits     int64                      `json:"totalCredits" validate:"gt=0"`
	LockTxHash       string                     `json:"lockTxHash,omitempty"`
	LockTxStatus     TxStatus                   `json:"lockTxStatus,omitempty"`
	EscrowState      EscrowState                `json:"escrowState" validate:"required"`
	State            MarketOrderState           `json:"state" validate:"required"`
	CreatedAtMs      int64                      `json:"createdAtMs" validate:"gt=0"`
	UpdatedAtMs      int64                      `json:"updatedAtMs"`
	ExpiresAtMs      int64                      `json:"expiresAtMs"`
	Metadata         map[string]json.RawMessage `json:"metadata,omitempty"`
}

// TradeV2 is the meshdex.market.trade.v2 payload, emitted on settlement.
type TradeV2 struct {
	TradeID          string                     `json:"tradeId" validate:"required"`
	OrderID          string                     `json:"orderId" validate:"required"`
	ListingID        string                     `json:"listingId" validate:"required"`
	EscrowID         string                     `json:"escrowId" validate:"required"`
	AssetID          string                     `json:"assetId" validate:"required"`
	Buyer            string                     `json:"buyer" validate:"required"`
	Seller           string                     `json:"seller" validate:"required"`
	Qty              int64                      `json:"qty" validate:"gt=0"`
	UnitPriceCredits int64                      `json:"unitPriceCredits" validate:"gt=0"`
	TotalCredits     int64                      `json:"totalCredits" validate:"gt=0"`
	ReleaseTxHash    string                     `json:"releaseTxHash"`
	EscrowState      EscrowState                `json:"escrowState" validate:"required,oneof=RELEASED REFUNDED FAILED EXPIRED"`
	SettledAtMs      int64                      `json:"settledAtMs" validate:"gt=0"`
	Metadata         map[string]json.RawMessage `json:"metadata,omitempty"`
}

// ReceiptV2 is the meshdex.market.receipt.v2 payload reporting an escrow
// transition for an order.
type ReceiptV2 struct {
	ReceiptID string                     `json:"receiptId" validate:"required"`
	OrderID   string                     `json:"orderId" validate:"required"`
	EscrowID  string                     `json:"escrowId" validate:"required"`
	Status    EscrowState                `json:"status" validate:"required"`
	TxHash    string                     `json:"txHash,omitempty"`
	Reason    string                     `json:"reason,omitempty"`
	TS        int64                      `json:"ts" validate:"gt=0"`
	Metadata  map[string]json.RawMessage `json:"metadata,omitempty"`
}

// ListingRecord is the stored view of a listing with verification status.
type ListingRecord struct {
	ListingV2
	EnvelopeSig      string `json:"envelopeSig"`
	Verified         bool   `json:"verified"`
	InvalidReason    string `json:"invalidReason,omitempty"`
	LastVerifiedAtMs int64  `json:"lastVerifiedAtMs,omitempty"`
	ReceivedAtMs     int64  `json:"receivedAtMs"`
}

// MarketOrderRecord is the stored view of a marketplace order.
type MarketOrderRecord struct {
	MarketOrderV2
	Source Source `json:"source"`
}

// MarketTradeRecord is the stored view of a marketplace trade.
type MarketTradeRecord struct {
	TradeV2
	Source Source `json:"source"`
}

// MarketReceiptRecord is the stored view of an escrow receipt.
type MarketReceiptRecord struct {
	ReceiptV2
	Source Source `json:"source"`
}

// MarketSnapshotVersion tags persisted marketplace blobs.
const MarketSnapshotVersion = "meshdex.market.v2"

// MarketSnapshot is the persisted marketplace state.
type MarketSnapshot struct {
	Version   string                `json:"version"`
	Listings  []ListingRecord       `json:"listings"`
	Orders    []MarketOrderRecord   `json:"orders"`
	Trades    []MarketTradeRecord   `json:"trades"`
	Receipts  []MarketReceiptRecord `json:"receipts"`
	UpdatedAt int64                 `json:"updatedAt"`
}
