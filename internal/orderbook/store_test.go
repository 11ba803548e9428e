package orderbook_test

import (
	"encoding/json"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/meshdex/meshdex/internal/codec"
	"github.com/meshdex/meshdex/internal/identity"
	"github.com/meshdex/meshdex/internal/models"
	"github.com/meshdex/meshdex/internal/orderbook"
	"github.com/meshdex/meshdex/internal/replay"
	"github.com/meshdex/meshdex/pkg/blob"
)

const testNow = int64(1_700_000_000_000)

type bookFixture struct {
	store  *orderbook.Store
	blobs  blob.Store
	signer *identity.KeySigner
}

func newBookFixture(t *testing.T) *bookFixture {
	t.Helper()
	blobs, err := blob.NewFileStore(t.TempDir())
	require.NoError(t, err)
	window, err := replay.NewWindow(blobs, zap.NewNop())
	require.NoError(t, err)
	store, err := orderbook.NewStore(blobs, window, zap.NewNop())
	require.NoError(t, err)
	signer, err := identity.GenerateKeySigner()
	require.NoError(t, err)
	return &bookFixture{store: store, blobs: blobs, signer: signer}
}

func (f *bookFixture) signedEnvelope(t *testing.T, schema string, payload any) []byte {
	t.Helper()
	env, err := codec.Sign(payload, schema, schema, f.signer, codec.SignOptions{TS: testNow})
	require.NoError(t, err)
	raw, err := json.Marshal(env)
	require.NoError(t, err)
	return raw
}

func orderPayload(id string, side models.Side, price, qty, remaining string) models.OrderV1 {
	var p decimal.Decimal
	if price != "" {
		p = dec(price)
	}
	return models.OrderV1{
		OrderID:      id,
		MarketID:     "BTC-USDC",
		Side:         side,
		Type:         models.OrderTypeLimit,
		TimeInForce:  models.TimeInForceGTC,
		Price:        p,
		Qty:          dec(qty),
		RemainingQty: dec(remaining),
		MakerAddress: "addr-" + id,
		CreatedAtMs:  testNow,
		ExpiresAtMs:  testNow + 30*60*1000,
	}
}

func matchPayload(id string, seq int64, buyID, sellID, price, qty string) models.MatchV1 {
	return models.MatchV1{
		MatchID:         id,
		MarketID:        "BTC-USDC",
		MakerOrderID:    sellID,
		TakerOrderID:    buyID,
		BuyOrderID:      buyID,
		SellOrderID:     sellID,
		Price:           dec(price),
		Qty:             dec(qty),
		NotionalQuote:   dec(price).Mul(dec(qty)),
		Sequence:        seq,
		TS:              testNow,
		SettlementState: models.SettlementPending,
	}
}

func TestApplyOrderEnvelope(t *testing.T) {
	f := newBookFixture(t)
	raw := f.signedEnvelope(t, models.SchemaDexOrder, orderPayload("ord-1", models.SideBuy, "65000", "0.02", "0.02"))

	require.True(t, f.store.ApplyEnvelope(raw, models.SourceP2P, orderbook.ApplyOptions{NowMs: testNow}))

	order, ok := f.store.Order("ord-1")
	require.True(t, ok)
	assert.Equal(t, models.OrderStatusOpen, order.Status)
	assert.True(t, order.FilledQty.IsZero())
	assert.Equal(t, models.SourceP2P, order.Source)
}

func TestApplyOrderEnvelopeIdempotentPerID(t *testing.T) {
	f := newBookFixture(t)
	payload := orderPayload("ord-1", models.SideBuy, "65000", "0.02", "0.02")

	require.True(t, f.store.ApplyEnvelope(f.signedEnvelope(t, models.SchemaDexOrder, payload), models.SourceP2P, orderbook.ApplyOptions{NowMs: testNow}))
	// A re-broadcast with a fresh nonce replaces, not duplicates.
	require.True(t, f.store.ApplyEnvelope(f.signedEnvelope(t, models.SchemaDexOrder, payload), models.SourceP2P, orderbook.ApplyOptions{NowMs: testNow}))

	assert.Len(t, f.store.Snapshot().Orders, 1)
}

func TestApplyEnvelopeRejectsReplayForRemoteSource(t *testing.T) {
	f := newBookFixture(t)
	raw := f.signedEnvelope(t, models.SchemaDexOrder, orderPayload("ord-1", models.SideBuy, "65000", "0.02", "0.02"))

	require.True(t, f.store.ApplyEnvelope(raw, models.SourceP2P, orderbook.ApplyOptions{NowMs: testNow}))
	assert.False(t, f.store.ApplyEnvelope(raw, models.SourceP2P, orderbook.ApplyOptions{NowMs: testNow + 1}))

	// Local application skips replay checking, mirroring snapshot replay.
	checkOff := false
	assert.True(t, f.store.ApplyEnvelope(raw, models.SourceLocal, orderbook.ApplyOptions{NowMs: testNow + 2, CheckReplay: &checkOff}))
}

func TestApplyMatchAdvancesBothOrders(t *testing.T) {
	f := newBookFixture(t)
	buy := orderPayload("buy-1", models.SideBuy, "65000", "0.03", "0.03")
	sell := orderPayload("sell-1", models.SideSell, "65000", "0.02", "0.02")
	require.True(t, f.store.ApplyEnvelope(f.signedEnvelope(t, models.SchemaDexOrder, buy), models.SourceP2P, orderbook.ApplyOptions{NowMs: testNow}))
	require.True(t, f.store.ApplyEnvelope(f.signedEnvelope(t, models.SchemaDexOrder, sell), models.SourceP2P, orderbook.ApplyOptions{NowMs: testNow}))

	match := matchPayload("m-1", 1, "buy-1", "sell-1", "65000", "0.02")
	require.True(t, f.store.ApplyEnvelope(f.signedEnvelope(t, models.SchemaDexMatch, match), models.SourceP2P, orderbook.ApplyOptions{NowMs: testNow}))

	buyRec, _ := f.store.Order("buy-1")
	assert.Equal(t, models.OrderStatusPartiallyFilled, buyRec.Status)
	assert.True(t, buyRec.RemainingQty.Equal(dec("0.01")))
	assert.True(t, buyRec.FilledQty.Equal(dec("0.02")))

	sellRec, _ := f.store.Order("sell-1")
	assert.Equal(t, models.OrderStatusFilled, sellRec.Status)
	assert.True(t, sellRec.RemainingQty.IsZero())

	assert.Equal(t, int64(1), f.store.LastSequence("BTC-USDC"))
}

func TestApplyMatchRejectsStaleSequence(t *testing.T) {
	f := newBookFixture(t)
	m2 := matchPayload("m-2", 5, "b", "s", "65000", "0.01")
	require.True(t, f.store.ApplyEnvelope(f.signedEnvelope(t, models.SchemaDexMatch, m2), models.SourceP2P, orderbook.ApplyOptions{NowMs: testNow}))

	stale := matchPayload("m-1", 4, "b", "s", "65000", "0.01")
	assert.False(t, f.store.ApplyEnvelope(f.signedEnvelope(t, models.SchemaDexMatch, stale), models.SourceP2P, orderbook.ApplyOptions{NowMs: testNow}))

	// Equal sequence is allowed.
	equal := matchPayload("m-3", 5, "b", "s", "65000", "0.01")
	assert.True(t, f.store.ApplyEnvelope(f.signedEnvelope(t, models.SchemaDexMatch, equal), models.SourceP2P, orderbook.ApplyOptions{NowMs: testNow}))
}

func TestApplyDepthVerifiesChecksumAndMonotonicity(t *testing.T) {
	f := newBookFixture(t)

	mkDepth := func(seq int64, bidPrice string) models.DepthV1 {
		depth := models.DepthV1{
			MarketID: "BTC-USDC",
			Sequence: seq,
			Bids:     []models.DepthLevel{level(bidPrice, "1")},
			Asks:     []models.DepthLevel{level("65010", "1")},
			TS:       testNow,
		}
		depth.Checksum = orderbook.ComputeDepthChecksum(depth.MarketID, depth.Sequence, depth.Bids, depth.Asks)
		return depth
	}

	require.True(t, f.store.ApplyEnvelope(f.signedEnvelope(t, models.SchemaDexDepth, mkDepth(10, "64990")), models.SourceP2P, orderbook.ApplyOptions{NowMs: testNow}))

	// Lower sequence retains the stored depth.
	assert.True(t, f.store.ApplyEnvelope(f.signedEnvelope(t, models.SchemaDexDepth, mkDepth(9, "60000")), models.SourceP2P, orderbook.ApplyOptions{NowMs: testNow}))
	stored := f.store.Depth("BTC-USDC")
	require.NotNil(t, stored)
	assert.Equal(t, int64(10), stored.Sequence)
	assert.True(t, stored.Bids[0].Price.Equal(dec("64990")))

	// Bad checksum is rejected outright.
	bad := mkDepth(11, "65000")
	bad.Checksum = "00000000"
	assert.False(t, f.store.ApplyEnvelope(f.signedEnvelope(t, models.SchemaDexDepth, bad), models.SourceP2P, orderbook.ApplyOptions{NowMs: testNow}))

	// Higher sequence replaces wholesale.
	require.True(t, f.store.ApplyEnvelope(f.signedEnvelope(t, models.SchemaDexDepth, mkDepth(12, "65000")), models.SourceP2P, orderbook.ApplyOptions{NowMs: testNow}))
	stored = f.store.Depth("BTC-USDC")
	assert.Equal(t, int64(12), stored.Sequence)
	assert.True(t, stored.Bids[0].Price.Equal(dec("65000")))
}

func TestApplyLinkEnvelope(t *testing.T) {
	f := newBookFixture(t)
	link := models.LinkV1{
		LinkID:    "link-1",
		MarketID:  "BTC-USDC",
		Direction: models.LinkDexToMarketFallback,
		Status:    models.LinkTriggered,
		Reason:    "insufficient_depth",
		TS:        testNow,
	}
	require.True(t, f.store.ApplyEnvelope(f.signedEnvelope(t, models.SchemaDexLink, link), models.SourceP2P, orderbook.ApplyOptions{NowMs: testNow}))

	links := f.store.Links()
	require.Len(t, links, 1)
	assert.Equal(t, models.LinkTriggered, links[0].Status)

	link.Status = models.LinkExecuted
	require.True(t, f.store.ApplyEnvelope(f.signedEnvelope(t, models.SchemaDexLink, link), models.SourceP2P, orderbook.ApplyOptions{NowMs: testNow}))
	links = f.store.Links()
	require.Len(t, links, 1)
	assert.Equal(t, models.LinkExecuted, links[0].Status)
}

func TestApplyEnvelopeRejectsMalformedPayloads(t *testing.T) {
	f := newBookFixture(t)

	missingID := orderPayload("", models.SideBuy, "65000", "0.02", "0.02")
	assert.False(t, f.store.ApplyEnvelope(f.signedEnvelope(t, models.SchemaDexOrder, missingID), models.SourceP2P, orderbook.ApplyOptions{NowMs: testNow}))

	negativeRemaining := orderPayload("ord-neg", models.SideBuy, "65000", "0.02", "-0.01")
	assert.False(t, f.store.ApplyEnvelope(f.signedEnvelope(t, models.SchemaDexOrder, negativeRemaining), models.SourceP2P, orderbook.ApplyOptions{NowMs: testNow}))

	zeroQtyMatch := matchPayload("m-z", 1, "b", "s", "65000", "0")
	assert.False(t, f.store.ApplyEnvelope(f.signedEnvelope(t, models.SchemaDexMatch, zeroQtyMatch), models.SourceP2P, orderbook.ApplyOptions{NowMs: testNow}))
}

func TestSnapshotPersistsAcrossRestart(t *testing.T) {
	f := newBookFixture(t)
	raw := f.signedEnvelope(t, models.SchemaDexOrder, orderPayload("ord-1", models.SideBuy, "65000", "0.02", "0.02"))
	require.True(t, f.store.ApplyEnvelope(raw, models.SourceP2P, orderbook.ApplyOptions{NowMs: testNow}))

	window, err := replay.NewWindow(f.blobs, zap.NewNop())
	require.NoError(t, err)
	reopened, err := orderbook.NewStore(f.blobs, window, zap.NewNop())
	require.NoError(t, err)

	order, ok := reopened.Order("ord-1")
	require.True(t, ok)
	assert.True(t, order.Qty.Equal(dec("0.02")))
}

func TestSubscribeReceivesClones(t *testing.T) {
	f := newBookFixture(t)
	var seen []models.BookSnapshot
	unsubscribe := f.store.Subscribe(func(snapshot models.BookSnapshot) {
		seen = append(seen, snapshot)
	})
	defer unsubscribe()

	require.Len(t, seen, 1)

	raw := f.signedEnvelope(t, models.SchemaDexOrder, orderPayload("ord-1", models.SideBuy, "65000", "0.02", "0.02"))
	require.True(t, f.store.ApplyEnvelope(raw, models.SourceP2P, orderbook.ApplyOptions{NowMs: testNow}))
	require.Len(t, seen, 2)

	// Mutating the delivered clone does not touch store state.
	seen[1].Orders[0].Status = models.OrderStatusCancelled
	order, _ := f.store.Order("ord-1")
	assert.Equal(t, models.OrderStatusOpen, order.Status)
}

func TestOpenOrdersFiltersTerminalStates(t *testing.T) {
	f := newBookFixture(t)
	open := orderPayload("open-1", models.SideBuy, "65000", "0.02", "0.02")
	filled := orderPayload("filled-1", models.SideBuy, "65000", "0.02", "0")
	require.True(t, f.store.ApplyEnvelope(f.signedEnvelope(t, models.SchemaDexOrder, open), models.SourceP2P, orderbook.ApplyOptions{NowMs: testNow}))
	require.True(t, f.store.ApplyEnvelope(f.signedEnvelope(t, models.SchemaDexOrder, filled), models.SourceP2P, orderbook.ApplyOptions{NowMs: testNow}))

	orders := f.store.OpenOrders("BTC-USDC")
	require.Len(t, orders, 1)
	assert.Equal(t, "open-1", orders[0].OrderID)
}
