package models

import (
	"strings"

	"github.com/shopspring/decimal"
)

// Asset codes traded across the supported markets.
const (
	AssetBTC  = "BTC"
	AssetUSDC = "USDC"
	AssetUSDT = "USDT"
	AssetXAU  = "XAU"
)

// On-ledger asset ids for the wrapped representations.
const (
	BTCAssetID  = "btc_wrapped_v1"
	USDCAssetID = "usdc_wrapped_v1"
	USDTAssetID = "usdt_wrapped_v1"
	XAUAssetID  = "paxg_wrapped_v1"
)

// MarketConfig describes one tradable pair.
type MarketConfig struct {
	MarketID            string          `json:"marketId" mapstructure:"market_id"`
	BaseAsset           string          `json:"baseAsset" mapstructure:"base_asset"`
	QuoteAsset          string          `json:"quoteAsset" mapstructure:"quote_asset"`
	Symbol              string          `json:"symbol" mapstructure:"symbol"`
	TickSize            decimal.Decimal `json:"tickSize" mapstructure:"tick_size"`
	LotSize             decimal.Decimal `json:"lotSize" mapstructure:"lot_size"`
	FallbackSlippageBps int64           `json:"fallbackSlippageBps" mapstructure:"fallback_slippage_bps"`
	AssetID             string          `json:"assetId" mapstructure:"asset_id"`
}

// MakerFundConfig bounds a maker's daily notional and spread per asset.
type MakerFundConfig struct {
	AssetCode     string          `json:"assetCode" mapstructure:"asset_code"`
	AssetID       string          `json:"assetId" mapstructure:"asset_id"`
	DailyLimit    decimal.Decimal `json:"dailyLimit" mapstructure:"daily_limit"`
	BaseSpreadBps int64           `json:"baseSpreadBps" mapstructure:"base_spread_bps"`
	MaxSpreadBps  int64           `json:"maxSpreadBps" mapstructure:"max_spread_bps"`
	MarketPairs   []string        `json:"marketPairs" mapstructure:"market_pairs"`
}

// DefaultMarkets returns the built-in market table.
func DefaultMarkets() []MarketConfig {
	return []MarketConfig{
		{
			MarketID:            "BTC-USDC",
			BaseAsset:           AssetBTC,
			QuoteAsset:          AssetUSDC,
			Symbol:              "BTC/USDC",
			TickSize:            decimal.RequireFromString("0.1"),
			LotSize:             decimal.RequireFromString("0.0001"),
			FallbackSlippageBps: 40,
			AssetID:             BTCAssetID,
		},
		{
			MarketID:            "BTC-USDT",
			BaseAsset:           AssetBTC,
			QuoteAsset:          AssetUSDT,
			Symbol:              "BTC/USDT",
			TickSize:            decimal.RequireFromString("0.1"),
			LotSize:             decimal.RequireFromString("0.0001"),
			FallbackSlippageBps: 40,
			AssetID:             BTCAssetID,
		},
		{
			MarketID:            "XAU-USDC",
			BaseAsset:           AssetXAU,
			QuoteAsset:          AssetUSDC,
			Symbol:              "XAU/USDC",
			TickSize:            decimal.RequireFromString("0.01"),
			LotSize:             decimal.RequireFromString("0.01"),
			FallbackSlippageBps: 60,
			AssetID:             XAUAssetID,
		},
		{
			MarketID:            "XAU-USDT",
			BaseAsset:           AssetXAU,
			QuoteAsset:          AssetUSDT,
			Symbol:              "XAU/USDT",
			TickSize:            decimal.RequireFromString("0.01"),
			LotSize:             decimal.RequireFromString("0.01"),
			FallbackSlippageBps: 60,
			AssetID:             XAUAssetID,
		},
	}
}

// DefaultMakerFunds returns the built-in maker fund table.
func DefaultMakerFunds() []MakerFundConfig {
	return []MakerFundConfig{
		{
			AssetCode:     AssetBTC,
			AssetID:       BTCAssetID,
			DailyLimit:    decimal.RequireFromString("0.1"),
			BaseSpreadBps: 18,
			MaxSpreadBps:  60,
			MarketPairs:   []string{"BTC-USDC", "BTC-USDT"},
		},
		{
			AssetCode:     AssetUSDC,
			AssetID:       USDCAssetID,
			DailyLimit:    decimal.NewFromInt(1000),
			BaseSpreadBps: 8,
			MaxSpreadBps:  30,
			MarketPairs:   []string{"BTC-USDC", "XAU-USDC"},
		},
		{
			AssetCode:     AssetUSDT,
			AssetID:       USDTAssetID,
			DailyLimit:    decimal.NewFromInt(1000),
			BaseSpreadBps: 8,
			MaxSpreadBps:  30,
			MarketPairs:   []string{"BTC-USDT", "XAU-USDT"},
		},
		{
			AssetCode:     AssetXAU,
			AssetID:       XAUAssetID,
			DailyLimit:    decimal.NewFromInt(2),
			BaseSpreadBps: 30,
			MaxSpreadBps:  90,
			MarketPairs:   []string{"XAU-USDC", "XAU-USDT"},
		},
	}
}

// MarketSet indexes market and maker fund tables for lookup.
type MarketSet struct {
	markets    []MarketConfig
	byID       map[string]MarketConfig
	makerFunds map[string]MakerFundConfig
}

// NewMarketSet builds the lookup index. Nil slices fall back to the defaults.
func NewMarketSet(markets []MarketConfig, funds []MakerFundConfig) *MarketSet {
	if markets == nil {
		markets = DefaultMarkets()
	}
	if funds == nil {
		funds = DefaultMakerFunds()
	}
	set := &MarketSet{
		markets:    markets,
		byID:       make(map[string]MarketConfig, len(markets)),
		makerFunds: make(map[string]MakerFundConfig, len(funds)),
	}
	for _, m := range markets {
		set.byID[m.MarketID] = m
	}
	for _, f := range funds {
		set.makerFunds[f.AssetCode] = f
	}
	return set
}

// Markets returns the configured market table in declaration order.
func (s *MarketSet) Markets() []MarketConfig {
	return s.markets
}

// Market looks up a market by id.
func (s *MarketSet) Market(marketID string) (MarketConfig, bool) {
	m, ok := s.byID[marketID]
	return m, ok
}

// MakerFund looks up maker fund bounds by asset code.
func (s *MarketSet) MakerFund(assetCode string) (MakerFundConfig, bool) {
	f, ok := s.makerFunds[strings.ToUpper(strings.TrimSpace(assetCode))]
	return f, ok
}

// ResolveMarketID normalizes a market symbol ("btc/usdc", "BTC-USDC") to a
// configured market id.
func (s *MarketSet) ResolveMarketID(value string) (string, bool) {
	normalized := strings.ReplaceAll(strings.ToUpper(strings.TrimSpace(value)), "/", "-")
	if _, ok := s.byID[normalized]; ok {
		return normalized, true
	}
	return "", false
}

// InferMarketIDByAssetID maps an on-ledger asset id to its primary market.
func (s *MarketSet) InferMarketIDByAssetID(assetID string) (string, bool) {
	normalized := strings.ToLower(strings.TrimSpace(assetID))
	for _, m := range s.markets {
		if strings.ToLower(m.AssetID) == normalized {
			return m.MarketID, true
		}
	}
	if strings.Contains(normalized, "paxg") || strings.Contains(normalized, "xau") {
		return "XAU-USDC", true
	}
	if strings.Contains(normalized, "btc") {
		return "BTC-USDT", true
	}
	return "", false
}

// InferBaseAssetCodeByAssetID maps an on-ledger asset id to its asset code.
func InferBaseAssetCodeByAssetID(assetID string) (string, bool) {
	normalized := strings.ToLower(strings.TrimSpace(assetID))
	switch {
	case normalized == XAUAssetID, strings.Contains(normalized, "paxg"), strings.Contains(normalized, "xau"):
		return AssetXAU, true
	case strings.Contains(normalized, "btc"):
		return AssetBTC, true
	case strings.Contains(normalized, "usdc"):
		return AssetUSDC, true
	case strings.Contains(normalized, "usdt"):
		return AssetUSDT, true
	}
	return "", false
}

// RoundToTick rounds price to the nearest tick. Non-positive inputs round to
// zero.
func RoundToTick(price, tickSize decimal.Decimal) decimal.Decimal {
	if price.Sign() <= 0 || tickSize.Sign() <= 0 {
		return decimal.Zero
	}
	return price.Div(tickSize).Round(0).Mul(tickSize)
}

// RoundToLot floors qty to a whole number of lots. Non-positive inputs round
// to zero.
func RoundToLot(qty, lotSize decimal.Decimal) decimal.Decimal {
	if qty.Sign() <= 0 || lotSize.Sign() <= 0 {
		return decimal.Zero
	}
	return qty.Div(lotSize).Floor().Mul(lotSize)
}
