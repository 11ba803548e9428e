package orderbook

import (
	"fmt"
	"hash/fnv"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/tidwall/btree"

	"github.com/meshdex/meshdex/internal/codec"
	"github.com/meshdex/meshdex/internal/models"
)

// DefaultDepthLevels caps published depth levels per side.
const DefaultDepthLevels = 30

// NormalizeAmount clamps negatives to zero, rounds to 8 decimal places and
// drops trailing zeros so equal amounts share one wire representation.
func NormalizeAmount(d decimal.Decimal) decimal.Decimal {
	if d.Sign() < 0 {
		return decimal.Zero
	}
	s := d.Round(8).String()
	if strings.Contains(s, ".") {
		s = strings.TrimRight(s, "0")
		s = strings.TrimSuffix(s, ".")
	}
	out, err := decimal.NewFromString(s)
	if err != nil {
		return d
	}
	return out
}

func canonicalLevels(levels []models.DepthLevel) []models.DepthLevel {
	out := make([]models.DepthLevel, len(levels))
	for i, level := range levels {
		out[i] = models.DepthLevel{
			Price: NormalizeAmount(level.Price),
			Qty:   NormalizeAmount(level.Qty),
		}
	}
	return out
}

func levelsView(levels []models.DepthLevel) []any {
	out := make([]any, len(levels))
	for i, level := range levels {
		out[i] = map[string]any{
			"price": level.Price.String(),
			"qty":   level.Qty.String(),
		}
	}
	return out
}

// ComputeDepthChecksum hashes the canonicalized depth body (market id,
// sequence and both sides, normalized) with 32-bit FNV-1a.
func ComputeDepthChecksum(marketID string, sequence int64, bids, asks []models.DepthLevel) string {
	view := map[string]any{
		"marketId": marketID,
		"sequence": sequence,
		"bids":     levelsView(canonicalLevels(bids)),
		"asks":     levelsView(canonicalLevels(asks)),
	}
	canonical, err := codec.CanonicalJSON(view)
	if err != nil {
		// Only non-finite floats can fail canonicalization and none can occur
		// in this view.
		panic(err)
	}
	h := fnv.New32a()
	h.Write(canonical)
	return fmt.Sprintf("%08x", h.Sum32())
}

// VerifyDepthChecksum recomputes the checksum of payload and compares.
func VerifyDepthChecksum(payload models.DepthV1) bool {
	return ComputeDepthChecksum(payload.MarketID, payload.Sequence, payload.Bids, payload.Asks) == payload.Checksum
}

// BuildDepthFromOrders aggregates open order remainders into a checksummed
// depth payload: bids descend, asks ascend, at most maxLevels per side.
func BuildDepthFromOrders(marketID string, sequence int64, orders []models.OrderRecord, maxLevels int, nowMs int64) models.DepthV1 {
	if maxLevels < 1 {
		maxLevels = DefaultDepthLevels
	}
	less := func(a, b models.DepthLevel) bool { return a.Price.LessThan(b.Price) }
	bids := btree.NewBTreeG(less)
	asks := btree.NewBTreeG(less)

	for _, order := range orders {
		if order.MarketID != marketID || order.RemainingQty.Sign() <= 0 || order.Price.Sign() <= 0 {
			continue
		}
		target := asks
		if order.Side == models.SideBuy {
			target = bids
		}
		level := models.DepthLevel{Price: NormalizeAmount(order.Price)}
		if prev, ok := target.Get(level); ok {
			level.Qty = prev.Qty
		}
		level.Qty = NormalizeAmount(level.Qty.Add(order.RemainingQty))
		target.Set(level)
	}

	collect := func(tree *btree.BTreeG[models.DepthLevel], descending bool) []models.DepthLevel {
		out := make([]models.DepthLevel, 0, maxLevels)
		walk := func(level models.DepthLevel) bool {
			if len(out) >= maxLevels {
				return false
			}
			out = append(out, level)
			return true
		}
		if descending {
			tree.Reverse(walk)
		} else {
			tree.Scan(walk)
		}
		return out
	}

	depth := models.DepthV1{
		MarketID: marketID,
		Sequence: sequence,
		Bids:     collect(bids, true),
		Asks:     collect(asks, false),
		TS:       nowMs,
	}
	depth.Checksum = ComputeDepthChecksum(depth.MarketID, depth.Sequence, depth.Bids, depth.Asks)
	return depth
}

// BestBidAsk returns top-of-book prices, zero for an empty side.
func BestBidAsk(depth *models.DepthRecord) (bid, ask decimal.Decimal) {
	if depth == nil {
		return decimal.Zero, decimal.Zero
	}
	if len(depth.Bids) > 0 {
		bid = depth.Bids[0].Price
	}
	if len(depth.Asks) > 0 {
		ask = depth.Asks[0].Price
	}
	return bid, ask
}

// EstimateDepthFill walks the side opposing a taker of qty and reports the
// fillable quantity, volume-weighted average price and slippage versus the
// best level.
func EstimateDepthFill(side models.Side, qty decimal.Decimal, depth *models.DepthRecord) models.FillEstimate {
	qty = NormalizeAmount(qty)
	if depth == nil || qty.Sign() <= 0 {
		return models.FillEstimate{}
	}
	levels := depth.Bids
	if side == models.SideBuy {
		levels = depth.Asks
	}
	if len(levels) == 0 {
		return models.FillEstimate{}
	}
	bestPrice := levels[0].Price
	remaining := qty
	filled := decimal.Zero
	notional := decimal.Zero
	for _, level := range levels {
		if remaining.Sign() <= 0 {
			break
		}
		take := decimal.Min(level.Qty, remaining)
		if take.Sign() <= 0 {
			continue
		}
		filled = filled.Add(take)
		notional = notional.Add(take.Mul(level.Price))
		remaining = remaining.Sub(take)
	}
	if filled.Sign() <= 0 || bestPrice.Sign() <= 0 {
		return models.FillEstimate{}
	}
	avgPrice := notional.Div(filled)
	diff := bestPrice.Sub(avgPrice)
	if side == models.SideBuy {
		diff = avgPrice.Sub(bestPrice)
	}
	slippageBps := diff.Div(bestPrice).Mul(decimal.NewFromInt(10_000)).Round(0).IntPart()
	if slippageBps < 0 {
		slippageBps = 0
	}
	return models.FillEstimate{
		FilledQty:   NormalizeAmount(filled),
		AvgPrice:    NormalizeAmount(avgPrice),
		BestPrice:   NormalizeAmount(bestPrice),
		SlippageBps: slippageBps,
	}
}
