package limits

import (
	"fmt"
	"sync"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/meshdex/meshdex/internal/models"
	"github.com/meshdex/meshdex/pkg/blob"
)

// ReasonSessionExposureExceeded is returned when a session's daily notional
// cap would be exceeded.
const ReasonSessionExposureExceeded = "POLICY_DENIED_LIMIT"

// ExposureLedgerVersion tags the persisted exposure blob.
const ExposureLedgerVersion = "meshdex.session_exposure.v1"

const exposureBlobKey = "meshdex_session_exposure_v1"

type exposureLedgerBlob struct {
	Version  string                     `json:"version"`
	DayKey   string                     `json:"dayKey"`
	Consumed map[string]decimal.Decimal `json:"consumed"`
}

// ExposureResult reports a session exposure probe or consumption.
type ExposureResult struct {
	OK        bool
	Consumed  decimal.Decimal
	Remaining decimal.Decimal
	Reason    string
}

// ExposureLedger tracks quote-denominated notional consumed per
// (sessionId, walletId), rolling over on the UTC day.
type ExposureLedger struct {
	mu       sync.Mutex
	store    blob.Store
	logger   *zap.Logger
	dayKey   string
	consumed map[string]decimal.Decimal
}

// NewExposureLedger loads persisted exposure from store.
func NewExposureLedger(store blob.Store, logger *zap.Logger) (*ExposureLedger, error) {
	l := &ExposureLedger{
		store:    store,
		logger:   logger,
		consumed: make(map[string]decimal.Decimal),
	}
	var saved exposureLedgerBlob
	found, err := store.Load(exposureBlobKey, &saved)
	if err != nil {
		return nil, fmt.Errorf("load session exposure ledger: %w", err)
	}
	if found {
		l.dayKey = saved.DayKey
		for key, amount := range saved.Consumed {
			if amount.Sign() >= 0 {
				l.consumed[key] = amount
			}
		}
	}
	return l, nil
}

func exposureKey(policy models.SessionPolicy) string {
	return policy.SessionID + "|" + policy.WalletID
}

// Exposure returns the notional consumed today by the policy's session.
func (l *ExposureLedger) Exposure(policy models.SessionPolicy, nowMs int64) decimal.Decimal {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rollDayLocked(nowMs)
	return l.consumed[exposureKey(policy)]
}

// Consume adds amount to the session's exposure if it fits under the
// policy's amount cap. A zero cap means unbounded.
func (l *ExposureLedger) Consume(policy models.SessionPolicy, amount decimal.Decimal, nowMs int64) ExposureResult {
	l.mu.Lock()
	defer l.mu.Unlock()
	if amount.Sign() <= 0 {
		return ExposureResult{Reason: ReasonSessionExposureExceeded}
	}
	l.rollDayLocked(nowMs)
	key := exposureKey(policy)
	consumed := l.consumed[key]
	if policy.AmountCap.Sign() > 0 {
		remaining := decimal.Max(decimal.Zero, policy.AmountCap.Sub(consumed))
		if remaining.LessThan(amount) {
			return ExposureResult{Consumed: consumed, Remaining: remaining, Reason: ReasonSessionExposureExceeded}
		}
	}
	consumed = consumed.Add(amount)
	l.consumed[key] = consumed
	l.persistLocked()
	result := ExposureResult{OK: true, Consumed: consumed}
	if policy.AmountCap.Sign() > 0 {
		result.Remaining = decimal.Max(decimal.Zero, policy.AmountCap.Sub(consumed))
	}
	return result
}

func (l *ExposureLedger) rollDayLocked(nowMs int64) {
	dayKey := DayKey(PolicyGroupINTL, nowMs)
	if l.dayKey == dayKey {
		return
	}
	l.dayKey = dayKey
	l.consumed = make(map[string]decimal.Decimal)
}

func (l *ExposureLedger) persistLocked() {
	saved := exposureLedgerBlob{
		Version:  ExposureLedgerVersion,
		DayKey:   l.dayKey,
		Consumed: l.consumed,
	}
	if err := l.store.Save(exposureBlobKey, saved); err != nil {
		l.logger.Warn("session exposure ledger persist failed", zap.Error(err))
	}
}
