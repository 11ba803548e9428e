package models

import (
	"encoding/json"

	"github.com/shopspring/decimal"
)

type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Opposite returns the other side of the book.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

type OrderType string

const (
	OrderTypeLimit  OrderType = "LIMIT"
	OrderTypeMarket OrderType = "MARKET"
)

type TimeInForce string

const (
	TimeInForceGTC TimeInForce = "GTC"
	TimeInForceIOC TimeInForce = "IOC"
	TimeInForceFOK TimeInForce = "FOK"
)

type OrderStatus string

const (
	OrderStatusOpen            OrderStatus = "OPEN"
	OrderStatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderStatusFilled          OrderStatus = "FILLED"
	OrderStatusCancelled       OrderStatus = "CANCELLED"
	OrderStatusRejected        OrderStatus = "REJECTED"
)

// IsOpen reports whether the order can still rest on the book.
func (s OrderStatus) IsOpen() bool {
	return s == OrderStatusOpen || s == OrderStatusPartiallyFilled
}

type SettlementState string

const (
	SettlementPending  SettlementState = "PENDING"
	SettlementLocked   SettlementState = "LOCKED"
	SettlementReleased SettlementState = "RELEASED"
	SettlementRefunded SettlementState = "REFUNDED"
	SettlementFailed   SettlementState = "FAILED"
)

// OrderV1 is the meshdex.dex.order.v1 payload.
type OrderV1 struct {
	OrderID       string                     `json:"orderId" validate:"required"`
	ClientOrderID string                     `json:"clientOrderId,omitempty"`
	MarketID      string                     `json:"marketId" validate:"required"`
	Side          Side                       `json:"side" validate:"required,oneof=BUY SELL"`
	Type          OrderType                  `json:"type" validate:"required,oneof=LIMIT MARKET"`
	TimeInForce   TimeInForce                `json:"timeInForce" validate:"required,oneof=GTC IOC FOK"`
	Price         decimal.Decimal            `json:"price,omitzero"`
	Qty           decimal.Decimal            `json:"qty"`
	RemainingQty  decimal.Decimal            `json:"remainingQty"`
	MakerAddress  string                     `json:"makerAddress" validate:"required"`
	MakerPeerID   string                     `json:"makerPeerId"`
	CreatedAtMs   int64                      `json:"createdAtMs" validate:"gt=0"`
	ExpiresAtMs   int64                      `json:"expiresAtMs"`
	Metadata      map[string]json.RawMessage `json:"metadata,omitempty"`
}

// MatchV1 is the meshdex.dex.match.v1 payload.
type MatchV1 struct {
	MatchID         string                     `json:"matchId" validate:"required"`
	MarketID        string                     `json:"marketId" validate:"required"`
	MakerOrderID    string                     `json:"makerOrderId" validate:"required"`
	TakerOrderID    string                     `json:"takerOrderId" validate:"required"`
	BuyOrderID      string                     `json:"buyOrderId" validate:"required"`
	SellOrderID     string                     `json:"sellOrderId" validate:"required"`
	Price           decimal.Decimal            `json:"price"`
	Qty             decimal.Decimal            `json:"qty"`
	NotionalQuote   decimal.Decimal            `json:"notionalQuote"`
	Sequence        int64                      `json:"sequence" validate:"gt=0"`
	TS              int64                      `json:"ts" validate:"gt=0"`
	EscrowID        string                     `json:"escrowId,omitempty"`
	SettlementState SettlementState            `json:"settlementState" validate:"required"`
	LockTxHash      string                     `json:"lockTxHash,omitempty"`
	ReleaseTxHash   string                     `json:"releaseTxHash,omitempty"`
	Metadata        map[string]json.RawMessage `json:"metadata,omitempty"`
}

// DepthLevel is one aggregated price level.
type DepthLevel struct {
	Price decimal.Decimal `json:"price"`
	Qty   decimal.Decimal `json:"qty"`
}

// DepthV1 is the meshdex.dex.depth.v1 payload. Bids descend, asks ascend.
type DepthV1 struct {
	MarketID string       `json:"marketId" validate:"required"`
	Sequence int64        `json:"sequence" validate:"gt=0"`
	Checksum string       `json:"checksum" validate:"required"`
	Bids     []DepthLevel `json:"bids"`
	Asks     []DepthLevel `json:"asks"`
	TS       int64        `json:"ts" validate:"gt=0"`
	Source   string       `json:"source,omitempty"`
}

type LinkDirection string

const (
	LinkDexToMarketFallback LinkDirection = "DEX_TO_MARKET_FALLBACK"
	LinkMarketToDexHedge    LinkDirection = "MARKET_TO_DEX_HEDGE"
)

type LinkStatus string

const (
	LinkTriggered LinkStatus = "TRIGGERED"
	LinkExecuted  LinkStatus = "EXECUTED"
	LinkSkipped   LinkStatus = "SKIPPED"
	LinkFailed    LinkStatus = "FAILED"
)

// LinkV1 is the meshdex.dex.link.v1 payload tying an order-book event to a
// marketplace fallback or hedge.
type LinkV1 struct {
	LinkID         string                     `json:"linkId" validate:"required"`
	MarketID       string                     `json:"marketId" validate:"required"`
	Direction      LinkDirection              `json:"direction" validate:"required"`
	Status         LinkStatus                 `json:"status" validate:"required"`
	RelatedOrderID string                     `json:"relatedOrderId,omitempty"`
	RelatedTradeID string                     `json:"relatedTradeId,omitempty"`
	Reason         string                     `json:"reason,omitempty"`
	TS             int64                      `json:"ts" validate:"gt=0"`
	Metadata       map[string]json.RawMessage `json:"metadata,omitempty"`
}

// OrderRecord is the stored view of an order.
type OrderRecord struct {
	OrderV1
	Status          OrderStatus     `json:"status"`
	FilledQty       decimal.Decimal `json:"filledQty"`
	SettlementState SettlementState `json:"settlementState"`
	Source          Source          `json:"source"`
}

// MatchRecord is the stored view of a match.
type MatchRecord struct {
	MatchV1
	Source Source `json:"source"`
}

// DepthRecord is the stored view of a depth snapshot.
type DepthRecord struct {
	DepthV1
	UpdatedAtMs int64 `json:"updatedAtMs"`
}

// LinkRecord is the stored view of a bridge link.
type LinkRecord struct {
	LinkV1
	Source Source `json:"source"`
}

// BookSnapshotVersion tags persisted order-book blobs.
const BookSnapshotVersion = "meshdex.book.v1"

// BookSnapshot is the persisted order-book state.
type BookSnapshot struct {
	Version   string        `json:"version"`
	Orders    []OrderRecord `json:"orders"`
	Matches   []MatchRecord `json:"matches"`
	Depths    []DepthRecord `json:"depths"`
	Links     []LinkRecord  `json:"links"`
	UpdatedAt int64         `json:"updatedAt"`
}

// FillEstimate is the result of walking depth levels against a quantity.
type FillEstimate struct {
	FilledQty   decimal.Decimal
	AvgPrice    decimal.Decimal
	BestPrice   decimal.Decimal
	SlippageBps int64
}
