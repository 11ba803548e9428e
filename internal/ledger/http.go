package ledger

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/meshdex/meshdex/internal/codec"
)

// HTTPGateway talks to a chain RPC node. Transactions are signed over their
// canonical JSON view, signature excluded, with the node-side account nonce.
type HTTPGateway struct {
	baseURL string
	client  *http.Client
	signer  codec.Signer
	sender  string
	logger  *zap.Logger
}

// NewHTTPGateway builds a gateway against baseURL. signer signs every
// submitted transaction for sender.
func NewHTTPGateway(baseURL string, signer codec.Signer, sender string, logger *zap.Logger) *HTTPGateway {
	return &HTTPGateway{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 15 * time.Second},
		signer:  signer,
		sender:  sender,
		logger:  logger,
	}
}

type txEnvelope struct {
	ChainID   string         `json:"chain_id"`
	Sender    string         `json:"sender"`
	Nonce     int64          `json:"nonce"`
	ExpiresAt int64          `json:"expires_at"`
	TxType    string         `json:"tx_type"`
	Payload   map[string]any `json:"payload"`
	PolicyRef string         `json:"policy_ref,omitempty"`
	Signature string         `json:"signature"`
}

func (g *HTTPGateway) SubmitTx(ctx context.Context, req TxRequest) (TxResult, error) {
	sender := req.Sender
	if sender == "" {
		sender = g.sender
	}
	account, err := g.Account(ctx, sender)
	if err != nil {
		return TxResult{Status: StatusUnknown}, fmt.Errorf("query account nonce: %w", err)
	}
	chainID := req.ChainID
	if chainID == "" {
		chainID = DefaultChainID
	}
	expiresAt := req.ExpiresAt
	if expiresAt == 0 {
		expiresAt = time.Now().Add(30 * time.Minute).UnixMilli()
	}
	env := txEnvelope{
		ChainID:   chainID,
		Sender:    sender,
		Nonce:     account.Nonce + 1,
		ExpiresAt: expiresAt,
		TxType:    req.TxType,
		Payload:   req.Payload,
		PolicyRef: req.PolicyRef,
	}
	unsigned := map[string]any{
		"chain_id":   env.ChainID,
		"sender":     env.Sender,
		"nonce":      env.Nonce,
		"expires_at": env.ExpiresAt,
		"tx_type":    env.TxType,
		"payload":    env.Payload,
	}
	if env.PolicyRef != "" {
		unsigned["policy_ref"] = env.PolicyRef
	}
	view, err := codec.CanonicalJSON(unsigned)
	if err != nil {
		return TxResult{Status: StatusUnknown}, fmt.Errorf("canonicalize tx: %w", err)
	}
	sig, err := g.signer.Sign(view)
	if err != nil {
		return TxResult{Status: StatusUnknown}, fmt.Errorf("sign tx: %w", err)
	}
	env.Signature = base64.StdEncoding.EncodeToString(sig)

	var out struct {
		TxHash string `json:"txHash"`
		Status string `json:"status"`
		Reason string `json:"reason"`
	}
	if err := g.post(ctx, "/v1/tx", env, &out); err != nil {
		return TxResult{Status: StatusUnknown}, err
	}
	result := TxResult{
		OK:     out.Status == StatusAccepted || out.Status == StatusPending,
		TxHash: out.TxHash,
		Status: out.Status,
		Reason: out.Reason,
	}
	if result.Status == "" {
		result.Status = StatusUnknown
	}
	g.logger.Debug("ledger tx submitted",
		zap.String("txType", req.TxType),
		zap.String("status", result.Status),
		zap.String("txHash", result.TxHash))
	return result, nil
}

func (g *HTTPGateway) Account(ctx context.Context, address string) (Account, error) {
	var out Account
	if err := g.get(ctx, "/v1/accounts/"+url.PathEscape(address), &out); err != nil {
		return Account{}, err
	}
	return out, nil
}

func (g *HTTPGateway) AssetBalance(ctx context.Context, assetID, owner string) (decimal.Decimal, error) {
	var out struct {
		Balance decimal.Decimal `json:"balance"`
	}
	path := "/v1/assets/" + url.PathEscape(assetID) + "/balance?owner=" + url.QueryEscape(owner)
	if err := g.get(ctx, path, &out); err != nil {
		return decimal.Zero, err
	}
	return out.Balance, nil
}

func (g *HTTPGateway) Escrow(ctx context.Context, escrowID string) (map[string]any, error) {
	var out map[string]any
	if err := g.get(ctx, "/v1/escrows/"+url.PathEscape(escrowID), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (g *HTTPGateway) MarketEvents(ctx context.Context, query EventQuery) ([]MarketEvent, error) {
	limit := query.Limit
	if limit <= 0 {
		limit = 100
	}
	path := "/v1/market/events?since=" + strconv.FormatInt(query.SinceMs, 10) + "&limit=" + strconv.Itoa(limit)
	var out struct {
		Events []MarketEvent `json:"events"`
	}
	if err := g.get(ctx, path, &out); err != nil {
		return nil, err
	}
	return out.Events, nil
}

func (g *HTTPGateway) get(ctx context.Context, path string, into any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	return g.do(req, into)
}

func (g *HTTPGateway) post(ctx context.Context, path string, body, into any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return g.do(req, into)
}

func (g *HTTPGateway) do(req *http.Request, into any) error {
	resp, err := g.client.Do(req)
	if err != nil {
		return fmt.Errorf("ledger call %s: %w", req.URL.Path, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read ledger response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("ledger call %s: status %d: %s", req.URL.Path, resp.StatusCode, string(raw))
	}
	if into == nil {
		return nil
	}
	if err := json.Unmarshal(raw, into); err != nil {
		return fmt.Errorf("decode ledger response: %w", err)
	}
	return nil
}
