package limits_test

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/meshdex/meshdex/internal/limits"
	"github.com/meshdex/meshdex/internal/models"
	"github.com/meshdex/meshdex/pkg/blob"
)

func newExposureLedger(t *testing.T, store blob.Store) *limits.ExposureLedger {
	t.Helper()
	ledger, err := limits.NewExposureLedger(store, zap.NewNop())
	require.NoError(t, err)
	return ledger
}

func testPolicy(cap string) models.SessionPolicy {
	return models.SessionPolicy{
		SessionID:     "sess-1",
		WalletID:      "wallet-1",
		SessionPubKey: "00112233445566778899aabbccddeeff00112233445566778899aabbccddeeff",
		AmountCap:     decimal.RequireFromString(cap),
		ExpiresAtMs:   2_000_000_000_000,
	}
}

func TestExposureConsumeUnderCap(t *testing.T) {
	store, err := blob.NewFileStore(t.TempDir())
	require.NoError(t, err)
	ledger := newExposureLedger(t, store)
	now := int64(1_700_000_000_000)

	policy := testPolicy("1000")
	first := ledger.Consume(policy, dec("600"), now)
	require.True(t, first.OK)
	assert.True(t, first.Remaining.Equal(dec("400")))

	second := ledger.Consume(policy, dec("500"), now)
	assert.False(t, second.OK)
	assert.Equal(t, limits.ReasonSessionExposureExceeded, second.Reason)

	third := ledger.Consume(policy, dec("400"), now)
	assert.True(t, third.OK)
	assert.True(t, third.Remaining.IsZero())
}

func TestExposureZeroCapUnbounded(t *testing.T) {
	store, err := blob.NewFileStore(t.TempDir())
	require.NoError(t, err)
	ledger := newExposureLedger(t, store)
	now := int64(1_700_000_000_000)

	policy := testPolicy("0")
	for i := 0; i < 10; i++ {
		assert.True(t, ledger.Consume(policy, dec("1000000"), now).OK)
	}
}

func TestExposureSessionsIsolated(t *testing.T) {
	store, err := blob.NewFileStore(t.TempDir())
	require.NoError(t, err)
	ledger := newExposureLedger(t, store)
	now := int64(1_700_000_000_000)

	a := testPolicy("100")
	b := testPolicy("100")
	b.SessionID = "sess-2"

	require.True(t, ledger.Consume(a, dec("100"), now).OK)
	assert.False(t, ledger.Consume(a, dec("1"), now).OK)
	assert.True(t, ledger.Consume(b, dec("100"), now).OK)
}

func TestExposureRollsOverUTCDay(t *testing.T) {
	store, err := blob.NewFileStore(t.TempDir())
	require.NoError(t, err)
	ledger := newExposureLedger(t, store)

	day1 := time.Date(2024, 3, 1, 23, 0, 0, 0, time.UTC).UnixMilli()
	day2 := time.Date(2024, 3, 2, 1, 0, 0, 0, time.UTC).UnixMilli()

	policy := testPolicy("100")
	require.True(t, ledger.Consume(policy, dec("100"), day1).OK)
	assert.False(t, ledger.Consume(policy, dec("1"), day1).OK)
	assert.True(t, ledger.Consume(policy, dec("100"), day2).OK)
}

func TestExposureSurvivesRestart(t *testing.T) {
	store, err := blob.NewFileStore(t.TempDir())
	require.NoError(t, err)
	now := int64(1_700_000_000_000)
	policy := testPolicy("100")

	first := newExposureLedger(t, store)
	require.True(t, first.Consume(policy, dec("80"), now).OK)

	second := newExposureLedger(t, store)
	assert.True(t, second.Exposure(policy, now).Equal(dec("80")))
	assert.False(t, second.Consume(policy, dec("30"), now).OK)
}

func TestExposureRejectsNonPositiveAmount(t *testing.T) {
	store, err := blob.NewFileStore(t.TempDir())
	require.NoError(t, err)
	ledger := newExposureLedger(t, store)

	result := ledger.Consume(testPolicy("100"), decimal.Zero, 1_700_000_000_000)
	assert.False(t, result.OK)
}
