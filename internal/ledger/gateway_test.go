package ledger_test

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/meshdex/meshdex/internal/codec"
	"github.com/meshdex/meshdex/internal/identity"
	"github.com/meshdex/meshdex/internal/ledger"
)

func TestFakeGatewayAcceptsByDefault(t *testing.T) {
	g := ledger.NewFakeGateway()

	res, err := g.SubmitTx(context.Background(), ledger.TxRequest{
		TxType:  ledger.TxTypeEscrowLock,
		Payload: map[string]any{"escrow_id": "esc-1"},
	})
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.Equal(t, ledger.StatusAccepted, res.Status)
	assert.NotEmpty(t, res.TxHash)

	require.Len(t, g.SubmittedOfType(ledger.TxTypeEscrowLock), 1)
	assert.Empty(t, g.SubmittedOfType(ledger.TxTypeAssetTransfer))
}

func TestFakeGatewayArmedFailure(t *testing.T) {
	g := ledger.NewFakeGateway()
	g.FailNext(ledger.TxTypeEscrowLock, "insufficient_credits")

	res, err := g.SubmitTx(context.Background(), ledger.TxRequest{TxType: ledger.TxTypeEscrowLock})
	require.NoError(t, err)
	assert.False(t, res.OK)
	assert.Equal(t, ledger.StatusRejected, res.Status)
	assert.Equal(t, "insufficient_credits", res.Reason)

	// Failure stays armed until cleared.
	res, err = g.SubmitTx(context.Background(), ledger.TxRequest{TxType: ledger.TxTypeEscrowLock})
	require.NoError(t, err)
	assert.False(t, res.OK)

	g.ClearFailure(ledger.TxTypeEscrowLock)
	res, err = g.SubmitTx(context.Background(), ledger.TxRequest{TxType: ledger.TxTypeEscrowLock})
	require.NoError(t, err)
	assert.True(t, res.OK)
}

func TestFakeGatewayMarketEvents(t *testing.T) {
	g := ledger.NewFakeGateway()
	g.AddEvent(ledger.MarketEvent{EventID: "evt-1", TS: 100, Action: "escrow_locked"})
	g.AddEvent(ledger.MarketEvent{EventID: "evt-2", TS: 200, Action: "escrow_released"})

	events, err := g.MarketEvents(context.Background(), ledger.EventQuery{SinceMs: 150})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "evt-2", events[0].EventID)
}

func TestHTTPGatewaySubmitSignsWithAccountNonce(t *testing.T) {
	signer, err := identity.GenerateKeySigner()
	require.NoError(t, err)
	sender := signer.PublicKeyHex()

	var captured map[string]json.RawMessage
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/v1/accounts/"+sender:
			json.NewEncoder(w).Encode(ledger.Account{Address: sender, Nonce: 41})
		case r.Method == http.MethodPost && r.URL.Path == "/v1/tx":
			require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
			json.NewEncoder(w).Encode(map[string]string{"txHash": "0xabc", "status": ledger.StatusAccepted})
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	g := ledger.NewHTTPGateway(server.URL, signer, sender, zap.NewNop())
	res, err := g.SubmitTx(context.Background(), ledger.TxRequest{
		TxType:    ledger.TxTypeAssetTransfer,
		Payload:   map[string]any{"amount": "1.5"},
		ExpiresAt: 1_700_000_000_000,
	})
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.Equal(t, "0xabc", res.TxHash)

	var nonce int64
	require.NoError(t, json.Unmarshal(captured["nonce"], &nonce))
	assert.Equal(t, int64(42), nonce)

	// The signature covers the canonical unsigned view.
	unsigned := map[string]any{}
	for key, raw := range captured {
		if key == "signature" {
			continue
		}
		unsigned[key] = raw
	}
	view, err := codec.CanonicalJSON(unsigned)
	require.NoError(t, err)
	sig, err := base64.StdEncoding.DecodeString(rawString(t, captured["signature"]))
	require.NoError(t, err)
	pub, err := hex.DecodeString(sender)
	require.NoError(t, err)
	assert.True(t, ed25519.Verify(ed25519.PublicKey(pub), view, sig))
}

func TestHTTPGatewaySubmitRejected(t *testing.T) {
	signer, err := identity.GenerateKeySigner()
	require.NoError(t, err)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			json.NewEncoder(w).Encode(map[string]string{"status": ledger.StatusRejected, "reason": "expired"})
			return
		}
		json.NewEncoder(w).Encode(ledger.Account{Nonce: 0})
	}))
	defer server.Close()

	g := ledger.NewHTTPGateway(server.URL, signer, signer.PublicKeyHex(), zap.NewNop())
	res, err := g.SubmitTx(context.Background(), ledger.TxRequest{TxType: ledger.TxTypeEscrowLock})
	require.NoError(t, err)
	assert.False(t, res.OK)
	assert.Equal(t, "expired", res.Reason)
}

func TestHTTPGatewayErrorStatus(t *testing.T) {
	signer, err := identity.GenerateKeySigner()
	require.NoError(t, err)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer server.Close()

	g := ledger.NewHTTPGateway(server.URL, signer, signer.PublicKeyHex(), zap.NewNop())
	_, err = g.SubmitTx(context.Background(), ledger.TxRequest{TxType: ledger.TxTypeEscrowLock})
	require.Error(t, err)
}

func TestHTTPGatewayAssetBalance(t *testing.T) {
	signer, err := identity.GenerateKeySigner()
	require.NoError(t, err)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/assets/btc_wrapped_v1/balance", r.URL.Path)
		assert.Equal(t, "addr-1", r.URL.Query().Get("owner"))
		json.NewEncoder(w).Encode(map[string]string{"balance": "3.25"})
	}))
	defer server.Close()

	g := ledger.NewHTTPGateway(server.URL, signer, signer.PublicKeyHex(), zap.NewNop())
	balance, err := g.AssetBalance(context.Background(), "btc_wrapped_v1", "addr-1")
	require.NoError(t, err)
	assert.True(t, balance.Equal(decimal.RequireFromString("3.25")))
}

func rawString(t *testing.T, raw json.RawMessage) string {
	t.Helper()
	var out string
	require.NoError(t, json.Unmarshal(raw, &out))
	return out
}
