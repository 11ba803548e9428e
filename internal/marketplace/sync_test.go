package marketplace_test

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/meshdex/meshdex/internal/codec"
	"github.com/meshdex/meshdex/internal/identity"
	"github.com/meshdex/meshdex/internal/ledger"
	"github.com/meshdex/meshdex/internal/marketplace"
	"github.com/meshdex/meshdex/internal/models"
	"github.com/meshdex/meshdex/internal/replay"
	"github.com/meshdex/meshdex/internal/transport"
	"github.com/meshdex/meshdex/pkg/blob"
)

type syncFixture struct {
	store   *marketplace.Store
	bus     *transport.MemoryBus
	gateway *ledger.FakeGateway
	service *marketplace.Service
	seller  marketplace.SignerIdentity
	buyer   marketplace.SignerIdentity
}

func newSyncFixture(t *testing.T) *syncFixture {
	t.Helper()
	blobs, err := blob.NewFileStore(t.TempDir())
	require.NoError(t, err)
	window, err := replay.NewWindow(blobs, zap.NewNop())
	require.NoError(t, err)
	store, err := marketplace.NewStore(blobs, window, zap.NewNop())
	require.NoError(t, err)
	store.SetNowFunc(func() int64 { return testNow })
	bus := transport.NewMemoryBus()
	t.Cleanup(func() { bus.Close() })
	gateway := ledger.NewFakeGateway()
	service := marketplace.NewService(store, bus, gateway, zap.NewNop())
	service.SetNowFunc(func() int64 { return testNow })

	sellerKey, err := identity.GenerateKeySigner()
	require.NoError(t, err)
	buyerKey, err := identity.GenerateKeySigner()
	require.NoError(t, err)
	return &syncFixture{
		store:   store,
		bus:     bus,
		gateway: gateway,
		service: service,
		seller:  marketplace.SignerIdentity{Signer: sellerKey, PeerID: "peer-seller"},
		buyer:   marketplace.SignerIdentity{Signer: buyerKey, PeerID: "peer-buyer"},
	}
}

func (f *syncFixture) publishListing(t *testing.T, qty, price int64) string {
	t.Helper()
	res := f.service.PublishListing(context.Background(), marketplace.PublishListingInput{
		AssetID:          "paxg_wrapped_v1",
		Qty:              qty,
		UnitPriceCredits: price,
	}, f.seller)
	require.True(t, res.OK, "reason %s", res.Reason)
	return res.ID
}

func TestPublishListingAppliesLocallyVerified(t *testing.T) {
	f := newSyncFixture(t)

	var gossiped [][]byte
	_, err := f.bus.Subscribe(models.SchemaMarketListing, func(_ context.Context, _ string, data []byte) {
		gossiped = append(gossiped, data)
	})
	require.NoError(t, err)

	listingID := f.publishListing(t, 10, 150)

	listing, found := f.store.Listing(listingID)
	require.True(t, found)
	assert.True(t, listing.Verified)
	assert.Equal(t, f.seller.Address(), listing.Seller)
	assert.Equal(t, int64(1), listing.MinQty)
	assert.Equal(t, int64(10), listing.MaxQty)
	// Default expiry is 30 minutes.
	assert.Equal(t, testNow+30*60*1000, listing.ExpiresAtMs)

	require.Len(t, gossiped, 1)
	env, err := codec.DecodeEnvelope(gossiped[0])
	require.NoError(t, err)
	assert.Equal(t, models.SchemaMarketListing, env.Schema)
	assert.True(t, codec.Verify(env, codec.VerifyOptions{NowMs: testNow}).OK)
}

func TestPublishListingClampsExpiry(t *testing.T) {
	f := newSyncFixture(t)

	res := f.service.PublishListing(context.Background(), marketplace.PublishListingInput{
		AssetID:          "paxg_wrapped_v1",
		Qty:              5,
		UnitPriceCredits: 100,
		ExpiresInMinutes: 240,
	}, f.seller)
	require.True(t, res.OK)
	listing, _ := f.store.Listing(res.ID)
	assert.Equal(t, testNow+60*60*1000, listing.ExpiresAtMs)

	res = f.service.PublishListing(context.Background(), marketplace.PublishListingInput{
		AssetID:          "paxg_wrapped_v1",
		Qty:              5,
		UnitPriceCredits: 100,
		ExpiresInMinutes: 1,
	}, f.seller)
	require.True(t, res.OK)
	listing, _ = f.store.Listing(res.ID)
	assert.Equal(t, testNow+5*60*1000, listing.ExpiresAtMs)
}

func TestPublishListingRejectsBadInput(t *testing.T) {
	f := newSyncFixture(t)

	res := f.service.PublishListing(context.Background(), marketplace.PublishListingInput{
		AssetID: "paxg_wrapped_v1", Qty: 0, UnitPriceCredits: 100,
	}, f.seller)
	assert.Equal(t, "invalid_qty_or_price", res.Reason)

	res = f.service.PublishListing(context.Background(), marketplace.PublishListingInput{
		AssetID: "  ", Qty: 5, UnitPriceCredits: 100,
	}, f.seller)
	assert.Equal(t, "missing_asset_id", res.Reason)
}

func TestPlaceOrderLocksEscrow(t *testing.T) {
	f := newSyncFixture(t)
	listingID := f.publishListing(t, 10, 150)

	res := f.service.PlaceOrder(context.Background(), marketplace.PlaceOrderInput{
		ListingID: listingID, Qty: 3,
	}, f.buyer)
	require.True(t, res.OK, "reason %s", res.Reason)

	order, found := f.store.MarketOrder(res.ID)
	require.True(t, found)
	assert.Equal(t, models.MarketOrderLocked, order.State)
	assert.Equal(t, models.EscrowLocked, order.EscrowState)
	assert.Equal(t, models.TxStatusAccepted, order.LockTxStatus)
	assert.Equal(t, int64(450), order.TotalCredits)

	parts, ok := codec.ParseMarketEscrowID(order.EscrowID)
	require.True(t, ok)
	assert.Equal(t, "paxg_wrapped_v1", parts.AssetID)
	assert.Equal(t, int64(3), parts.Qty)
	assert.Equal(t, f.seller.Address(), parts.Seller)
	assert.Equal(t, f.buyer.Address(), parts.Buyer)

	locks := f.gateway.SubmittedOfType(ledger.TxTypeEscrowLock)
	require.Len(t, locks, 1)
	assert.Equal(t, f.buyer.Address(), locks[0].Payload["payer"])
	assert.Equal(t, int64(450), locks[0].Payload["amount"])
}

func TestPlaceOrderQtyOutOfRange(t *testing.T) {
	f := newSyncFixture(t)
	listingID := f.publishListing(t, 10, 150)

	res := f.service.PlaceOrder(context.Background(), marketplace.PlaceOrderInput{
		ListingID: listingID, Qty: 11,
	}, f.buyer)
	assert.Equal(t, "qty_out_of_range", res.Reason)

	res = f.service.PlaceOrder(context.Background(), marketplace.PlaceOrderInput{
		ListingID: listingID, Qty: 0,
	}, f.buyer)
	assert.Equal(t, "invalid_qty", res.Reason)

	res = f.service.PlaceOrder(context.Background(), marketplace.PlaceOrderInput{
		ListingID: "lst-missing", Qty: 1,
	}, f.buyer)
	assert.Equal(t, "listing_not_found", res.Reason)
}

func TestPlaceOrderLockRejectionFailsOrder(t *testing.T) {
	f := newSyncFixture(t)
	listingID := f.publishListing(t, 10, 150)
	f.gateway.FailNext(ledger.TxTypeEscrowLock, "insufficient_credits")

	res := f.service.PlaceOrder(context.Background(), marketplace.PlaceOrderInput{
		ListingID: listingID, Qty: 2,
	}, f.buyer)
	require.False(t, res.OK)
	assert.Equal(t, "insufficient_credits", res.Reason)

	// The gossiped order record survives in FAILED state for audit.
	orders := f.store.OrdersOf(f.buyer.Address())
	require.Len(t, orders, 1)
	assert.Equal(t, models.MarketOrderFailed, orders[0].State)
	assert.Equal(t, models.TxStatusRejected, orders[0].LockTxStatus)
}

func TestSubmitAssetTransferPublishesReceipt(t *testing.T) {
	f := newSyncFixture(t)
	listingID := f.publishListing(t, 10, 150)
	placed := f.service.PlaceOrder(context.Background(), marketplace.PlaceOrderInput{
		ListingID: listingID, Qty: 3,
	}, f.buyer)
	require.True(t, placed.OK)

	var receipts [][]byte
	_, err := f.bus.Subscribe(models.SchemaMarketReceipt, func(_ context.Context, _ string, data []byte) {
		receipts = append(receipts, data)
	})
	require.NoError(t, err)

	res := f.service.SubmitAssetTransfer(context.Background(), placed.ID, f.seller)
	require.True(t, res.OK, "reason %s", res.Reason)

	transfers := f.gateway.SubmittedOfType(ledger.TxTypeAssetTransfer)
	require.Len(t, transfers, 1)
	assert.Equal(t, f.seller.Address(), transfers[0].Payload["from"])
	assert.Equal(t, f.buyer.Address(), transfers[0].Payload["to"])
	assert.Equal(t, int64(3), transfers[0].Payload["amount"])

	require.Len(t, receipts, 1)
	order, _ := f.store.MarketOrder(placed.ID)
	// The locally applied receipt settles the order at LOCKED.
	assert.Equal(t, models.MarketOrderLocked, order.State)
	assert.NotEmpty(t, order.LockTxHash)
}

func TestSubmitAssetTransferSellerMismatch(t *testing.T) {
	f := newSyncFixture(t)
	listingID := f.publishListing(t, 10, 150)
	placed := f.service.PlaceOrder(context.Background(), marketplace.PlaceOrderInput{
		ListingID: listingID, Qty: 3,
	}, f.buyer)
	require.True(t, placed.OK)

	res := f.service.SubmitAssetTransfer(context.Background(), placed.ID, f.buyer)
	assert.Equal(t, "seller_mismatch", res.Reason)
	assert.Empty(t, f.gateway.SubmittedOfType(ledger.TxTypeAssetTransfer))
}

func TestSubmitAssetTransferFailureMarksOrder(t *testing.T) {
	f := newSyncFixture(t)
	listingID := f.publishListing(t, 10, 150)
	placed := f.service.PlaceOrder(context.Background(), marketplace.PlaceOrderInput{
		ListingID: listingID, Qty: 3,
	}, f.buyer)
	require.True(t, placed.OK)
	f.gateway.FailNext(ledger.TxTypeAssetTransfer, "asset_frozen")

	res := f.service.SubmitAssetTransfer(context.Background(), placed.ID, f.seller)
	require.False(t, res.OK)
	assert.Equal(t, "asset_frozen", res.Reason)

	order, _ := f.store.MarketOrder(placed.ID)
	assert.Equal(t, models.MarketOrderFailed, order.State)
}

func TestVerifyListingsExpiryAndBalance(t *testing.T) {
	f := newSyncFixture(t)
	goodID := f.publishListing(t, 5, 100)
	brokeID := f.publishListing(t, 50, 100)

	var drops []string
	f.service.SetHooks(marketplace.Hooks{
		InvalidListingDrop: func(listingID, reason string) {
			drops = append(drops, listingID+":"+reason)
		},
	})

	f.gateway.SetAssetBalance("paxg_wrapped_v1", f.seller.Address(), decimal.NewFromInt(10))

	f.service.VerifyListings(context.Background())

	good, _ := f.store.Listing(goodID)
	assert.True(t, good.Verified)
	broke, _ := f.store.Listing(brokeID)
	assert.False(t, broke.Verified)
	assert.Equal(t, "insufficient_asset_balance", broke.InvalidReason)
	assert.Contains(t, drops, brokeID+":insufficient_asset_balance")
}

func TestReconcileMarketEventsFoldsTrade(t *testing.T) {
	f := newSyncFixture(t)
	escrowID := escrowFor(t, "paxg_wrapped_v1", 3, "addr-seller", "addr-buyer")

	var finalized []string
	var latencies []int64
	f.service.SetHooks(marketplace.Hooks{
		SettlementFinalized:  func(tradeID string, _ models.EscrowState) { finalized = append(finalized, tradeID) },
		LockToReleaseLatency: func(_, _ string, latencyMs int64) { latencies = append(latencies, latencyMs) },
	})

	f.gateway.AddEvent(ledger.MarketEvent{
		EventID: "evt-1",
		TS:      testNow,
		TxHash:  "0xchain",
		Action:  "escrow_release",
		Metadata: map[string]any{
			"schema": models.SchemaMarketTrade,
			"payload": map[string]any{
				"tradeId":          "trd-chain",
				"orderId":          "ord-chain",
				"listingId":        "lst-chain",
				"escrowId":         escrowID,
				"assetId":          "paxg_wrapped_v1",
				"buyer":            "addr-buyer",
				"seller":           "addr-seller",
				"qty":              int64(3),
				"unitPriceCredits": int64(150),
				"totalCredits":     int64(450),
				"escrowState":      "RELEASED",
				"settledAtMs":      testNow - 1000,
			},
		},
	})

	f.service.ReconcileMarketEvents(context.Background())

	order, found := f.store.MarketOrder("ord-chain")
	require.True(t, found, "chain trade reconstructs its order")
	assert.Equal(t, models.MarketOrderReleased, order.State)
	assert.Equal(t, models.SourceChain, order.Source)

	require.Len(t, f.store.Snapshot().Trades, 1)
	assert.Equal(t, []string{"trd-chain"}, finalized)
	require.Len(t, latencies, 1)

	// Same event id is a no-op on the second pass.
	f.service.ReconcileMarketEvents(context.Background())
	assert.Len(t, finalized, 1)
}

func TestReconcileMarketEventsRefund(t *testing.T) {
	f := newSyncFixture(t)
	listingID := f.publishListing(t, 10, 150)
	placed := f.service.PlaceOrder(context.Background(), marketplace.PlaceOrderInput{
		ListingID: listingID, Qty: 3,
	}, f.buyer)
	require.True(t, placed.OK)

	var refunds []string
	f.service.SetHooks(marketplace.Hooks{
		AutoRefund: func(orderID, action string) { refunds = append(refunds, orderID+":"+action) },
	})

	f.gateway.AddEvent(ledger.MarketEvent{
		EventID:  "evt-refund",
		TS:       testNow,
		Action:   "escrow_expire_refund",
		Metadata: map[string]any{"orderId": placed.ID},
	})
	f.service.ReconcileMarketEvents(context.Background())

	order, _ := f.store.MarketOrder(placed.ID)
	assert.Equal(t, models.MarketOrderExpired, order.State)
	assert.Equal(t, []string{placed.ID + ":escrow_expire_refund"}, refunds)
}

func TestRollupStats(t *testing.T) {
	f := newSyncFixture(t)
	f.publishListing(t, 10, 150)
	listingID := f.publishListing(t, 10, 150)
	placed := f.service.PlaceOrder(context.Background(), marketplace.PlaceOrderInput{
		ListingID: listingID, Qty: 2,
	}, f.buyer)
	require.True(t, placed.OK)

	f.store.PatchOrder(placed.ID, func(rec *models.MarketOrderRecord) {
		rec.State = models.MarketOrderRefunded
		rec.EscrowState = models.EscrowRefunded
	})

	stats := f.service.Rollup()
	assert.Equal(t, 2, stats.ActiveListings)
	assert.Equal(t, 1, stats.ClosedOrders)
	assert.Equal(t, 1, stats.TimeoutRefunded)
	assert.InDelta(t, 1.0, stats.TimeoutRefundRatio, 1e-9)
}
