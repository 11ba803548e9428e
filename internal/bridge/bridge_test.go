package bridge_test

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/meshdex/meshdex/internal/bridge"
	"github.com/meshdex/meshdex/internal/identity"
	"github.com/meshdex/meshdex/internal/ledger"
	"github.com/meshdex/meshdex/internal/marketplace"
	"github.com/meshdex/meshdex/internal/models"
	"github.com/meshdex/meshdex/internal/orderbook"
	"github.com/meshdex/meshdex/internal/replay"
	"github.com/meshdex/meshdex/internal/transport"
	"github.com/meshdex/meshdex/pkg/blob"
)

const testNow = int64(1_700_000_000_000)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type bridgeFixture struct {
	books       *orderbook.Store
	marketStore *marketplace.Store
	service     *marketplace.Service
	gateway     *ledger.FakeGateway
	bridge      *bridge.Bridge
	seller      marketplace.SignerIdentity
	buyer       marketplace.SignerIdentity
	links       []models.LinkV1
}

func newBridgeFixture(t *testing.T) *bridgeFixture {
	t.Helper()
	blobs, err := blob.NewFileStore(t.TempDir())
	require.NoError(t, err)
	window, err := replay.NewWindow(blobs, zap.NewNop())
	require.NoError(t, err)
	books, err := orderbook.NewStore(blobs, window, zap.NewNop())
	require.NoError(t, err)
	marketStore, err := marketplace.NewStore(blobs, window, zap.NewNop())
	require.NoError(t, err)
	marketStore.SetNowFunc(func() int64 { return testNow })
	bus := transport.NewMemoryBus()
	t.Cleanup(func() { bus.Close() })
	gateway := ledger.NewFakeGateway()
	service := marketplace.NewService(marketStore, bus, gateway, zap.NewNop())
	service.SetNowFunc(func() int64 { return testNow })

	markets := models.NewMarketSet(nil, nil)
	br := bridge.New(books, markets, marketStore, service, zap.NewNop())
	br.SetNowFunc(func() int64 { return testNow })

	sellerKey, err := identity.GenerateKeySigner()
	require.NoError(t, err)
	buyerKey, err := identity.GenerateKeySigner()
	require.NoError(t, err)
	return &bridgeFixture{
		books:       books,
		marketStore: marketStore,
		service:     service,
		gateway:     gateway,
		bridge:      br,
		seller:      marketplace.SignerIdentity{Signer: sellerKey, PeerID: "peer-seller"},
		buyer:       marketplace.SignerIdentity{Signer: buyerKey, PeerID: "peer-buyer"},
	}
}

func (f *bridgeFixture) emitLink(_ context.Context, link models.LinkV1) {
	f.links = append(f.links, link)
}

func (f *bridgeFixture) seedDepth(t *testing.T, marketID string, asks []models.DepthLevel) {
	t.Helper()
	depth := models.DepthV1{
		MarketID: marketID,
		Sequence: 1,
		Asks:     asks,
		TS:       testNow,
	}
	depth.Checksum = orderbook.ComputeDepthChecksum(depth.MarketID, depth.Sequence, depth.Bids, depth.Asks)
	f.books.UpsertDepth(models.DepthRecord{DepthV1: depth, UpdatedAtMs: testNow})
}

func (f *bridgeFixture) publishListing(t *testing.T, price int64) string {
	t.Helper()
	res := f.service.PublishListing(context.Background(), marketplace.PublishListingInput{
		AssetID:          "btc_wrapped_v1",
		Qty:              10,
		UnitPriceCredits: price,
	}, f.seller)
	require.True(t, res.OK, "reason %s", res.Reason)
	return res.ID
}

func TestDecideFallbackSufficientDepth(t *testing.T) {
	f := newBridgeFixture(t)
	f.seedDepth(t, "BTC-USDC", []models.DepthLevel{{Price: dec("65000"), Qty: dec("1")}})

	decision := f.bridge.DecideFallback("BTC-USDC", models.SideBuy, dec("0.5"))
	assert.False(t, decision.ShouldFallback)
	assert.Zero(t, decision.SlippageBps)
	assert.True(t, decision.FilledQty.Equal(dec("0.5")))
}

func TestDecideFallbackInsufficientDepth(t *testing.T) {
	f := newBridgeFixture(t)
	f.seedDepth(t, "BTC-USDC", []models.DepthLevel{{Price: dec("65000"), Qty: dec("0.1")}})

	decision := f.bridge.DecideFallback("BTC-USDC", models.SideBuy, dec("0.5"))
	assert.True(t, decision.ShouldFallback)
	assert.Equal(t, bridge.ReasonInsufficientDepth, decision.Reason)
	assert.True(t, decision.FilledQty.Equal(dec("0.1")))
}

func TestDecideFallbackSlippageExceeded(t *testing.T) {
	f := newBridgeFixture(t)
	f.seedDepth(t, "BTC-USDC", []models.DepthLevel{
		{Price: dec("65000"), Qty: dec("0.02")},
		{Price: dec("66000"), Qty: dec("1")},
	})

	decision := f.bridge.DecideFallback("BTC-USDC", models.SideBuy, dec("0.5"))
	assert.True(t, decision.ShouldFallback)
	assert.Equal(t, bridge.ReasonFallbackSlippage, decision.Reason)
	assert.Greater(t, decision.SlippageBps, int64(40))
}

func TestDecideFallbackSellUnsupported(t *testing.T) {
	f := newBridgeFixture(t)
	decision := f.bridge.DecideFallback("BTC-USDC", models.SideSell, dec("0.5"))
	assert.False(t, decision.ShouldFallback)
	assert.Equal(t, bridge.ReasonSellSideUnsupported, decision.Reason)
}

func TestRunFallbackBuysCheapestListing(t *testing.T) {
	f := newBridgeFixture(t)
	f.publishListing(t, 200)
	cheapID := f.publishListing(t, 150)

	res := f.bridge.RunFallback(context.Background(), bridge.FallbackInput{
		MarketID: "BTC-USDC",
		Side:     models.SideBuy,
		Qty:      dec("2.7"),
		OrderID:  "dex-ord-1",
		Signer:   f.buyer,
		EmitLink: f.emitLink,
	})
	require.True(t, res.OK, "reason %s", res.Reason)
	require.NotEmpty(t, res.MarketOrderID)

	order, found := f.marketStore.MarketOrder(res.MarketOrderID)
	require.True(t, found)
	assert.Equal(t, cheapID, order.ListingID)
	assert.Equal(t, int64(2), order.Qty)
	assert.Equal(t, models.MarketOrderLocked, order.State)

	require.Len(t, f.links, 2)
	assert.Equal(t, models.LinkTriggered, f.links[0].Status)
	assert.Equal(t, "dex-ord-1", f.links[0].RelatedOrderID)
	assert.Equal(t, models.LinkExecuted, f.links[1].Status)
	assert.Equal(t, res.MarketOrderID, f.links[1].RelatedTradeID)
}

func TestRunFallbackNoListings(t *testing.T) {
	f := newBridgeFixture(t)

	res := f.bridge.RunFallback(context.Background(), bridge.FallbackInput{
		MarketID: "BTC-USDC",
		Side:     models.SideBuy,
		Qty:      dec("1"),
		Signer:   f.buyer,
		EmitLink: f.emitLink,
	})
	require.False(t, res.OK)
	assert.Equal(t, bridge.ReasonLiquidityUnavailable, res.Reason)
	require.Len(t, f.links, 2)
	assert.Equal(t, models.LinkFailed, f.links[1].Status)
}

func TestRunFallbackNotRequired(t *testing.T) {
	f := newBridgeFixture(t)
	f.seedDepth(t, "BTC-USDC", []models.DepthLevel{{Price: dec("65000"), Qty: dec("5")}})

	res := f.bridge.RunFallback(context.Background(), bridge.FallbackInput{
		MarketID: "BTC-USDC",
		Side:     models.SideBuy,
		Qty:      dec("1"),
		Signer:   f.buyer,
		EmitLink: f.emitLink,
	})
	require.False(t, res.OK)
	assert.Equal(t, bridge.ReasonFallbackNotRequired, res.Reason)
	assert.Empty(t, f.links)
}

func TestRunFallbackRespectsListingMinQty(t *testing.T) {
	f := newBridgeFixture(t)
	res := f.service.PublishListing(context.Background(), marketplace.PublishListingInput{
		AssetID:          "btc_wrapped_v1",
		Qty:              10,
		UnitPriceCredits: 100,
		MinQty:           3,
	}, f.seller)
	require.True(t, res.OK)

	out := f.bridge.RunFallback(context.Background(), bridge.FallbackInput{
		MarketID: "BTC-USDC",
		Side:     models.SideBuy,
		Qty:      dec("0.4"),
		Signer:   f.buyer,
		EmitLink: f.emitLink,
	})
	require.True(t, out.OK, "reason %s", out.Reason)
	order, _ := f.marketStore.MarketOrder(out.MarketOrderID)
	assert.Equal(t, int64(3), order.Qty)
}

func TestRunFallbackOrderFailure(t *testing.T) {
	f := newBridgeFixture(t)
	f.publishListing(t, 150)
	f.gateway.FailNext(ledger.TxTypeEscrowLock, "insufficient_credits")

	res := f.bridge.RunFallback(context.Background(), bridge.FallbackInput{
		MarketID: "BTC-USDC",
		Side:     models.SideBuy,
		Qty:      dec("1"),
		Signer:   f.buyer,
		EmitLink: f.emitLink,
	})
	require.False(t, res.OK)
	assert.Equal(t, "insufficient_credits", res.Reason)
	require.Len(t, f.links, 2)
	assert.Equal(t, models.LinkFailed, f.links[1].Status)
}
