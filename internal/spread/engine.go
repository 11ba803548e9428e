// Package spread derives maker spreads from realized volatility, inventory
// skew and publish latency. All functions are pure.
package spread

import (
	"math"

	"github.com/shopspring/decimal"

	"github.com/meshdex/meshdex/internal/models"
)

// Input bundles the spread drivers for one market.
type Input struct {
	BaseSpreadBps int64
	MaxSpreadBps  int64
	VolatilityBps int64
	InventorySkew float64
	LatencyP95Ms  int64
}

// Result is the decomposed effective spread.
type Result struct {
	BaseSpreadBps      int64
	MaxSpreadBps       int64
	VolAdjBps          int64
	InvAdjBps          int64
	LatencyAdjBps      int64
	EffectiveSpreadBps int64
}

func clampInt(value, min, max int64) int64 {
	if value < min {
		return min
	}
	if value > max {
		return max
	}
	return value
}

// VolAdjBps converts a 60s price sample series into a realized-volatility
// adjustment: sample stddev over mean, in bps. Non-positive samples are
// dropped; fewer than two usable samples yield zero.
func VolAdjBps(priceSamples []decimal.Decimal) int64 {
	series := make([]float64, 0, len(priceSamples))
	for _, sample := range priceSamples {
		if sample.Sign() > 0 {
			f, _ := sample.Float64()
			series = append(series, f)
		}
	}
	if len(series) <= 1 {
		return 0
	}
	var sum float64
	for _, item := range series {
		sum += item
	}
	mean := sum / float64(len(series))
	if mean <= 0 {
		return 0
	}
	var variance float64
	for _, item := range series {
		variance += (item - mean) * (item - mean)
	}
	variance /= float64(len(series) - 1)
	realizedVol := math.Sqrt(math.Max(0, variance)) / mean
	adj := int64(math.Round(realizedVol * 10_000))
	if adj < 0 {
		return 0
	}
	return adj
}

// InventoryAdjBps measures deviation of held inventory from target, one bp
// per percent of deviation.
func InventoryAdjBps(currentQty, targetQty decimal.Decimal) int64 {
	if targetQty.Sign() <= 0 {
		return 0
	}
	deviation, _ := currentQty.Sub(targetQty).Abs().Div(targetQty).Float64()
	adj := int64(math.Round(deviation * 100))
	if adj < 0 {
		return 0
	}
	return adj
}

// LatencyAdjBps adds one bp per 150ms of p95 publish latency beyond 300ms.
func LatencyAdjBps(latencyP95Ms int64) int64 {
	if latencyP95Ms <= 0 {
		return 0
	}
	adj := int64(math.Round(math.Max(0, float64(latencyP95Ms-300)) / 150))
	if adj < 0 {
		return 0
	}
	return adj
}

// Effective combines the adjustments, each clamped to the base..max band, and
// clamps the sum into [base, max].
func Effective(input Input) Result {
	base := input.BaseSpreadBps
	if base < 1 {
		base = 1
	}
	max := input.MaxSpreadBps
	if max < base {
		max = base
	}
	band := max - base

	vol := input.VolatilityBps
	if vol < 0 {
		vol = 0
	}
	volAdj := clampInt(int64(math.Round(float64(vol)*0.4)), 0, band)
	invAdj := clampInt(int64(math.Round(math.Abs(input.InventorySkew)*float64(base)*1.5)), 0, band)
	latencyAdj := clampInt(LatencyAdjBps(input.LatencyP95Ms), 0, band)
	effective := clampInt(base+volAdj+invAdj+latencyAdj, base, max)

	return Result{
		BaseSpreadBps:      base,
		MaxSpreadBps:       max,
		VolAdjBps:          volAdj,
		InvAdjBps:          invAdj,
		LatencyAdjBps:      latencyAdj,
		EffectiveSpreadBps: effective,
	}
}

// QuoteWithSpread shifts a mid price by spreadBps toward the taker: BUY
// quotes below mid, SELL above. Non-positive mids quote zero.
func QuoteWithSpread(mid decimal.Decimal, side models.Side, spreadBps int64) decimal.Decimal {
	if mid.Sign() <= 0 {
		return decimal.Zero
	}
	if spreadBps < 0 {
		spreadBps = 0
	}
	spreadFrac := decimal.NewFromInt(spreadBps).Div(decimal.NewFromInt(10_000))
	multiplier := decimal.NewFromInt(1).Add(spreadFrac)
	if side == models.SideBuy {
		multiplier = decimal.NewFromInt(1).Sub(spreadFrac)
	}
	return mid.Mul(multiplier)
}
