package orderbook_test

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshdex/meshdex/internal/models"
	"github.com/meshdex/meshdex/internal/orderbook"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func level(price, qty string) models.DepthLevel {
	return models.DepthLevel{Price: dec(price), Qty: dec(qty)}
}

func openOrder(id, marketID string, side models.Side, price, qty string) models.OrderRecord {
	return models.OrderRecord{
		OrderV1: models.OrderV1{
			OrderID:      id,
			MarketID:     marketID,
			Side:         side,
			Type:         models.OrderTypeLimit,
			TimeInForce:  models.TimeInForceGTC,
			Price:        dec(price),
			Qty:          dec(qty),
			RemainingQty: dec(qty),
			MakerAddress: "maker-" + id,
			CreatedAtMs:  1_700_000_000_000,
		},
		Status:          models.OrderStatusOpen,
		SettlementState: models.SettlementPending,
		Source:          models.SourceLocal,
	}
}

func TestNormalizeAmount(t *testing.T) {
	assert.Equal(t, "0.1", orderbook.NormalizeAmount(dec("0.10")).String())
	assert.Equal(t, "100", orderbook.NormalizeAmount(dec("100.00000000")).String())
	assert.Equal(t, "0", orderbook.NormalizeAmount(dec("-3")).String())
	assert.Equal(t, "0.00000001", orderbook.NormalizeAmount(dec("0.000000009")).String())
}

func TestChecksumStableAcrossRepresentations(t *testing.T) {
	a := orderbook.ComputeDepthChecksum("BTC-USDC", 7,
		[]models.DepthLevel{level("65000.10", "0.50")},
		[]models.DepthLevel{level("65001.2", "1")})
	b := orderbook.ComputeDepthChecksum("BTC-USDC", 7,
		[]models.DepthLevel{level("65000.1", "0.5")},
		[]models.DepthLevel{level("65001.20", "1.0")})
	assert.Equal(t, a, b)
	assert.Len(t, a, 8)

	c := orderbook.ComputeDepthChecksum("BTC-USDC", 8,
		[]models.DepthLevel{level("65000.1", "0.5")},
		[]models.DepthLevel{level("65001.2", "1")})
	assert.NotEqual(t, a, c)
}

func TestBuildDepthFromOrdersAggregatesAndSorts(t *testing.T) {
	orders := []models.OrderRecord{
		openOrder("b1", "BTC-USDC", models.SideBuy, "64999", "0.2"),
		openOrder("b2", "BTC-USDC", models.SideBuy, "65000", "0.1"),
		openOrder("b3", "BTC-USDC", models.SideBuy, "65000", "0.3"),
		openOrder("a1", "BTC-USDC", models.SideSell, "65010", "0.4"),
		openOrder("a2", "BTC-USDC", models.SideSell, "65005", "0.1"),
		openOrder("other", "XAU-USDC", models.SideSell, "2400", "1"),
	}
	// Orders with no remainder or no price never contribute.
	done := openOrder("done", "BTC-USDC", models.SideSell, "65001", "1")
	done.RemainingQty = decimal.Zero
	orders = append(orders, done)

	depth := orderbook.BuildDepthFromOrders("BTC-USDC", 3, orders, 30, 1_700_000_000_000)

	require.Len(t, depth.Bids, 2)
	assert.True(t, depth.Bids[0].Price.Equal(dec("65000")))
	assert.True(t, depth.Bids[0].Qty.Equal(dec("0.4")))
	assert.True(t, depth.Bids[1].Price.Equal(dec("64999")))

	require.Len(t, depth.Asks, 2)
	assert.True(t, depth.Asks[0].Price.Equal(dec("65005")))
	assert.True(t, depth.Asks[1].Price.Equal(dec("65010")))

	assert.True(t, orderbook.VerifyDepthChecksum(depth))
}

func TestBuildDepthRespectsMaxLevels(t *testing.T) {
	orders := make([]models.OrderRecord, 0, 10)
	for i := 0; i < 10; i++ {
		price := decimal.NewFromInt(int64(65000 + i)).String()
		orders = append(orders, openOrder("ask-"+price, "BTC-USDC", models.SideSell, price, "1"))
	}
	depth := orderbook.BuildDepthFromOrders("BTC-USDC", 1, orders, 3, 1_700_000_000_000)
	assert.Len(t, depth.Asks, 3)
	assert.True(t, depth.Asks[0].Price.Equal(dec("65000")))
}

func TestEstimateDepthFill(t *testing.T) {
	depth := &models.DepthRecord{
		DepthV1: models.DepthV1{
			MarketID: "BTC-USDC",
			Sequence: 1,
			Bids:     []models.DepthLevel{level("64990", "0.5")},
			Asks: []models.DepthLevel{
				level("65000", "0.01"),
				level("65100", "0.02"),
			},
		},
	}

	t.Run("walks ask levels for a buy", func(t *testing.T) {
		est := orderbook.EstimateDepthFill(models.SideBuy, dec("0.02"), depth)
		assert.True(t, est.FilledQty.Equal(dec("0.02")))
		assert.True(t, est.BestPrice.Equal(dec("65000")))
		// avg = (0.01*65000 + 0.01*65100) / 0.02 = 65050
		assert.True(t, est.AvgPrice.Equal(dec("65050")))
		assert.Equal(t, int64(8), est.SlippageBps)
	})

	t.Run("partial fill when depth is short", func(t *testing.T) {
		est := orderbook.EstimateDepthFill(models.SideBuy, dec("1"), depth)
		assert.True(t, est.FilledQty.Equal(dec("0.03")))
	})

	t.Run("sell walks bids", func(t *testing.T) {
		est := orderbook.EstimateDepthFill(models.SideSell, dec("0.1"), depth)
		assert.True(t, est.FilledQty.Equal(dec("0.1")))
		assert.True(t, est.BestPrice.Equal(dec("64990")))
		assert.Equal(t, int64(0), est.SlippageBps)
	})

	t.Run("empty inputs", func(t *testing.T) {
		assert.True(t, orderbook.EstimateDepthFill(models.SideBuy, dec("1"), nil).FilledQty.IsZero())
		assert.True(t, orderbook.EstimateDepthFill(models.SideBuy, decimal.Zero, depth).FilledQty.IsZero())
	})
}

func TestBestBidAsk(t *testing.T) {
	bid, ask := orderbook.BestBidAsk(nil)
	assert.True(t, bid.IsZero())
	assert.True(t, ask.IsZero())

	depth := &models.DepthRecord{DepthV1: models.DepthV1{
		Bids: []models.DepthLevel{level("64990", "1")},
		Asks: []models.DepthLevel{level("65010", "1")},
	}}
	bid, ask = orderbook.BestBidAsk(depth)
	assert.True(t, bid.Equal(dec("64990")))
	assert.True(t, ask.Equal(dec("65010")))
}
