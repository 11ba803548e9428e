// Package limits enforces per-day maker quantity limits and per-session
// notional exposure caps. Counters reset when the group's local day rolls
// over and persist across restarts.
package limits

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/meshdex/meshdex/pkg/blob"
)

// Policy groups determining the daily rollover timezone.
const (
	PolicyGroupCN   = "CN"
	PolicyGroupINTL = "INTL"
)

// ReasonDailyLimitExceeded is returned when a maker would exceed its
// per-asset daily quantity.
const ReasonDailyLimitExceeded = "maker_daily_limit_exceeded"

// DailyLedgerVersion tags the persisted counter blob.
const DailyLedgerVersion = "meshdex.daily_limits.v1"

const dailyBlobKey = "meshdex_maker_daily_limit_v1"

type dailyLedgerBlob struct {
	Version         string                                `json:"version"`
	DayKeyByGroup   map[string]string                     `json:"dayKeyByGroup"`
	ConsumedByGroup map[string]map[string]decimal.Decimal `json:"consumedByGroup"`
}

// CheckInput is one limit probe or consumption.
type CheckInput struct {
	PolicyGroupID string
	AssetCode     string
	Qty           decimal.Decimal
	DailyLimit    decimal.Decimal
	NowMs         int64
}

// CheckResult reports the counter state alongside the verdict.
type CheckResult struct {
	OK        bool
	Consumed  decimal.Decimal
	Remaining decimal.Decimal
	Reason    string
}

var shanghaiLocation = mustLoadLocation("Asia/Shanghai")

func mustLoadLocation(name string) *time.Location {
	loc, err := time.LoadLocation(name)
	if err != nil {
		panic(fmt.Sprintf("load location %s: %v", name, err))
	}
	return loc
}

// DayKey formats the calendar day of tsMs in the group's timezone.
func DayKey(policyGroupID string, tsMs int64) string {
	loc := time.UTC
	if policyGroupID == PolicyGroupCN {
		loc = shanghaiLocation
	}
	return time.UnixMilli(tsMs).In(loc).Format("2006-01-02")
}

// DailyEngine tracks consumed maker quantity per (policy group, asset code)
// with a per-group day key.
type DailyEngine struct {
	mu       sync.Mutex
	store    blob.Store
	logger   *zap.Logger
	dayKeys  map[string]string
	consumed map[string]map[string]decimal.Decimal
}

// NewDailyEngine loads persisted counters from store.
func NewDailyEngine(store blob.Store, logger *zap.Logger) (*DailyEngine, error) {
	e := &DailyEngine{
		store:    store,
		logger:   logger,
		dayKeys:  make(map[string]string),
		consumed: make(map[string]map[string]decimal.Decimal),
	}
	var saved dailyLedgerBlob
	found, err := store.Load(dailyBlobKey, &saved)
	if err != nil {
		return nil, fmt.Errorf("load daily limit ledger: %w", err)
	}
	if found {
		for group, key := range saved.DayKeyByGroup {
			e.dayKeys[group] = key
		}
		for group, byAsset := range saved.ConsumedByGroup {
			next := make(map[string]decimal.Decimal, len(byAsset))
			for asset, qty := range byAsset {
				if qty.Sign() >= 0 {
					next[asset] = qty
				}
			}
			e.consumed[group] = next
		}
	}
	return e, nil
}

// Check reports whether qty fits under the asset's daily limit without
// mutating any counter. The day rollover itself is applied.
func (e *DailyEngine) Check(input CheckInput) CheckResult {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.checkLocked(input)
}

// Consume re-checks and then adds qty to the counter. The persisted ledger is
// updated before returning.
func (e *DailyEngine) Consume(input CheckInput) CheckResult {
	e.mu.Lock()
	defer e.mu.Unlock()
	check := e.checkLocked(input)
	if !check.OK {
		return check
	}
	asset := normalizeAsset(input.AssetCode)
	group := e.consumed[input.PolicyGroupID]
	if group == nil {
		group = make(map[string]decimal.Decimal)
		e.consumed[input.PolicyGroupID] = group
	}
	consumed := group[asset].Add(input.Qty)
	group[asset] = consumed
	e.persistLocked()
	remaining := decimal.Max(decimal.Zero, input.DailyLimit.Sub(consumed))
	return CheckResult{OK: true, Consumed: consumed, Remaining: remaining}
}

// Consumed returns the counter for (policyGroupID, assetCode) after applying
// the day rollover for nowMs.
func (e *DailyEngine) Consumed(policyGroupID, assetCode string, nowMs int64) decimal.Decimal {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rollDayLocked(policyGroupID, nowMs)
	return e.consumed[policyGroupID][normalizeAsset(assetCode)]
}

func (e *DailyEngine) checkLocked(input CheckInput) CheckResult {
	if input.Qty.Sign() <= 0 || input.DailyLimit.Sign() <= 0 {
		return CheckResult{Reason: ReasonDailyLimitExceeded}
	}
	e.rollDayLocked(input.PolicyGroupID, input.NowMs)
	consumed := e.consumed[input.PolicyGroupID][normalizeAsset(input.AssetCode)]
	remaining := decimal.Max(decimal.Zero, input.DailyLimit.Sub(consumed))
	if remaining.LessThan(input.Qty) {
		return CheckResult{Consumed: consumed, Remaining: remaining, Reason: ReasonDailyLimitExceeded}
	}
	return CheckResult{OK: true, Consumed: consumed, Remaining: remaining}
}

func (e *DailyEngine) rollDayLocked(policyGroupID string, nowMs int64) {
	dayKey := DayKey(policyGroupID, nowMs)
	if e.dayKeys[policyGroupID] == dayKey {
		return
	}
	e.dayKeys[policyGroupID] = dayKey
	e.consumed[policyGroupID] = make(map[string]decimal.Decimal)
}

func (e *DailyEngine) persistLocked() {
	saved := dailyLedgerBlob{
		Version:         DailyLedgerVersion,
		DayKeyByGroup:   e.dayKeys,
		ConsumedByGroup: e.consumed,
	}
	if err := e.store.Save(dailyBlobKey, saved); err != nil {
		e.logger.Warn("daily limit ledger persist failed", zap.Error(err))
	}
}

func normalizeAsset(assetCode string) string {
	return strings.ToUpper(strings.TrimSpace(assetCode))
}
