// Package bridge links the two liquidity planes. When the order book cannot
// absorb a buy, it falls back to the cheapest verified marketplace listing;
// when a local marketplace trade settles, it hedges the resulting inventory
// skew with a market order on the book. Every transition gossips a link so
// peers can trace cross-plane flows.
package bridge

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/meshdex/meshdex/internal/codec"
	"github.com/meshdex/meshdex/internal/marketplace"
	"github.com/meshdex/meshdex/internal/models"
	"github.com/meshdex/meshdex/internal/orderbook"
)

// Fallback rejection reasons.
const (
	ReasonInsufficientDepth      = "insufficient_depth"
	ReasonFallbackSlippage       = "fallback_slippage_exceeded"
	ReasonSellSideUnsupported    = "sell_side_c2c_fallback_unsupported"
	ReasonFallbackNotRequired    = "fallback_not_required"
	ReasonLiquidityUnavailable   = "market_liquidity_unavailable"
	ReasonMarketplaceOrderFailed = "marketplace_order_failed"
)

// Hedge seen-trade buffer bounds.
const (
	seenTradeCap  = 8_000
	seenTradeKeep = 2_000
)

// Decision reports whether an unfilled buy should route to the marketplace.
type Decision struct {
	ShouldFallback bool
	Reason         string
	SlippageBps    int64
	FilledQty      decimal.Decimal
}

// FallbackResult is the outcome of one fallback attempt.
type FallbackResult struct {
	OK            bool
	Reason        string
	MarketOrderID string
	LinkID        string
}

// HedgeSignal asks the order-book plane to offset a settled marketplace
// trade.
type HedgeSignal struct {
	MarketID       string
	Side           models.Side
	Qty            decimal.Decimal
	RelatedTradeID string
}

// HedgeResult reports how a hedge signal was handled.
type HedgeResult struct {
	OK      bool
	OrderID string
	Reason  string
}

// LinkEmitter signs, applies and gossips one link record.
type LinkEmitter func(ctx context.Context, link models.LinkV1)

// Bridge routes liquidity between the order book and the marketplace.
type Bridge struct {
	books       *orderbook.Store
	markets     *models.MarketSet
	marketStore *marketplace.Store
	market      *marketplace.Service
	logger      *zap.Logger
	now         func() int64
}

// New wires a bridge.
func New(books *orderbook.Store, markets *models.MarketSet, marketStore *marketplace.Store, market *marketplace.Service, logger *zap.Logger) *Bridge {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bridge{
		books:       books,
		markets:     markets,
		marketStore: marketStore,
		market:      market,
		logger:      logger,
		now:         func() int64 { return time.Now().UnixMilli() },
	}
}

// SetNowFunc overrides the clock for tests.
func (b *Bridge) SetNowFunc(now func() int64) { b.now = now }

// DecideFallback walks the book's depth for a buy of qty. Sells never fall
// back: the marketplace only sources inventory.
func (b *Bridge) DecideFallback(marketID string, side models.Side, qty decimal.Decimal) Decision {
	market, ok := b.markets.Market(marketID)
	if !ok {
		return Decision{ShouldFallback: true, Reason: ReasonInsufficientDepth}
	}
	if side == models.SideSell {
		return Decision{Reason: ReasonSellSideUnsupported}
	}

	estimate := orderbook.EstimateDepthFill(side, qty, b.books.Depth(marketID))
	if estimate.FilledQty.LessThan(orderbook.NormalizeAmount(qty)) {
		return Decision{
			ShouldFallback: true,
			Reason:         ReasonInsufficientDepth,
			SlippageBps:    estimate.SlippageBps,
			FilledQty:      estimate.FilledQty,
		}
	}
	if estimate.SlippageBps > market.FallbackSlippageBps {
		return Decision{
			ShouldFallback: true,
			Reason:         ReasonFallbackSlippage,
			SlippageBps:    estimate.SlippageBps,
			FilledQty:      estimate.FilledQty,
		}
	}
	return Decision{SlippageBps: estimate.SlippageBps, FilledQty: estimate.FilledQty}
}

// FallbackInput drives RunFallback.
type FallbackInput struct {
	MarketID string
	Side     models.Side
	Qty      decimal.Decimal
	OrderID  string
	Signer   marketplace.SignerIdentity
	EmitLink LinkEmitter
}

// RunFallback re-evaluates the decision, then buys the cheapest matching
// verified listing. Each stage gossips a link: TRIGGERED, then EXECUTED,
// SKIPPED or FAILED.
func (b *Bridge) RunFallback(ctx context.Context, input FallbackInput) FallbackResult {
	decision := b.DecideFallback(input.MarketID, input.Side, input.Qty)
	if !decision.ShouldFallback {
		reason := decision.Reason
		if reason == "" {
			reason = ReasonFallbackNotRequired
		}
		return FallbackResult{Reason: reason}
	}

	input.EmitLink(ctx, b.newLink(input.MarketID, models.LinkDexToMarketFallback, models.LinkTriggered, decision.Reason, input.OrderID, ""))

	if input.Side != models.SideBuy {
		skipped := b.newLink(input.MarketID, models.LinkDexToMarketFallback, models.LinkSkipped, ReasonSellSideUnsupported, input.OrderID, "")
		input.EmitLink(ctx, skipped)
		return FallbackResult{Reason: ReasonSellSideUnsupported, LinkID: skipped.LinkID}
	}

	listing, found := b.cheapestMatchingListing(input.MarketID)
	if !found {
		failed := b.newLink(input.MarketID, models.LinkDexToMarketFallback, models.LinkFailed, ReasonLiquidityUnavailable, input.OrderID, "")
		input.EmitLink(ctx, failed)
		return FallbackResult{Reason: ReasonLiquidityUnavailable, LinkID: failed.LinkID}
	}

	qty := clampListingQty(input.Qty, listing)
	placed := b.market.PlaceOrder(ctx, marketplace.PlaceOrderInput{
		ListingID: listing.ListingID,
		Qty:       qty,
	}, input.Signer)
	if !placed.OK {
		reason := placed.Reason
		if reason == "" {
			reason = ReasonMarketplaceOrderFailed
		}
		failed := b.newLink(input.MarketID, models.LinkDexToMarketFallback, models.LinkFailed, reason, input.OrderID, "")
		input.EmitLink(ctx, failed)
		return FallbackResult{Reason: reason, LinkID: failed.LinkID}
	}

	executed := b.newLink(input.MarketID, models.LinkDexToMarketFallback, models.LinkExecuted, decision.Reason, input.OrderID, placed.ID)
	input.EmitLink(ctx, executed)
	return FallbackResult{OK: true, MarketOrderID: placed.ID, LinkID: executed.LinkID}
}

// cheapestMatchingListing picks the lowest-priced verified listing whose
// asset belongs to the market's base asset family.
func (b *Bridge) cheapestMatchingListing(marketID string) (models.ListingRecord, bool) {
	listings := b.marketStore.VerifiedListings(b.now())
	matching := listings[:0:0]
	for _, listing := range listings {
		if b.listingMatchesMarket(listing.AssetID, marketID) {
			matching = append(matching, listing)
		}
	}
	if len(matching) == 0 {
		return models.ListingRecord{}, false
	}
	sort.SliceStable(matching, func(i, j int) bool {
		return matching[i].UnitPriceCredits < matching[j].UnitPriceCredits
	})
	return matching[0], true
}

func (b *Bridge) listingMatchesMarket(assetID, marketID string) bool {
	market, ok := b.markets.Market(marketID)
	if !ok {
		return false
	}
	normalized := strings.ToLower(strings.TrimSpace(assetID))
	if normalized == strings.ToLower(market.AssetID) {
		return true
	}
	switch market.BaseAsset {
	case models.AssetXAU:
		return strings.Contains(normalized, "xau") || strings.Contains(normalized, "paxg")
	case models.AssetBTC:
		return strings.Contains(normalized, "btc")
	}
	return false
}

// clampListingQty converts a book quantity to whole listing units within the
// listing's min/max band.
func clampListingQty(qty decimal.Decimal, listing models.ListingRecord) int64 {
	units := qty.IntPart()
	if units < 1 {
		units = 1
	}
	if units < listing.MinQty {
		units = listing.MinQty
	}
	if units > listing.MaxQty {
		units = listing.MaxQty
	}
	return units
}

func (b *Bridge) newLink(marketID string, direction models.LinkDirection, status models.LinkStatus, reason, relatedOrderID, relatedTradeID string) models.LinkV1 {
	return models.LinkV1{
		LinkID:         fmt.Sprintf("dex-link-%d-%s", b.now(), codec.RandomHex(3)),
		MarketID:       marketID,
		Direction:      direction,
		Status:         status,
		Reason:         reason,
		RelatedOrderID: relatedOrderID,
		RelatedTradeID: relatedTradeID,
		TS:             b.now(),
	}
}
