package ledger

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"
)

// FakeGateway is an in-memory Gateway used by tests and local runs. Every
// submission is accepted unless a failure is armed for its tx type.
type FakeGateway struct {
	mu        sync.Mutex
	submitted []TxRequest
	failures  map[string]string
	balances  map[string]decimal.Decimal
	accounts  map[string]*Account
	events    []MarketEvent
	txSeq     int
}

// NewFakeGateway returns an empty fake.
func NewFakeGateway() *FakeGateway {
	return &FakeGateway{
		failures: make(map[string]string),
		balances: make(map[string]decimal.Decimal),
		accounts: make(map[string]*Account),
	}
}

// FailNext arms a rejection for every subsequent submission of txType.
func (g *FakeGateway) FailNext(txType, reason string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.failures[txType] = reason
}

// ClearFailure disarms a previously armed rejection.
func (g *FakeGateway) ClearFailure(txType string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.failures, txType)
}

// SetAssetBalance seeds an owner's balance for assetID.
func (g *FakeGateway) SetAssetBalance(assetID, owner string, balance decimal.Decimal) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.balances[assetID+"|"+owner] = balance
}

// AddEvent appends a market event to the feed.
func (g *FakeGateway) AddEvent(event MarketEvent) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.events = append(g.events, event)
}

// Submitted returns a copy of every accepted or rejected submission.
func (g *FakeGateway) Submitted() []TxRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]TxRequest, len(g.submitted))
	copy(out, g.submitted)
	return out
}

// SubmittedOfType filters Submitted by tx type.
func (g *FakeGateway) SubmittedOfType(txType string) []TxRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]TxRequest, 0)
	for _, req := range g.submitted {
		if req.TxType == txType {
			out = append(out, req)
		}
	}
	return out
}

func (g *FakeGateway) SubmitTx(_ context.Context, req TxRequest) (TxResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.submitted = append(g.submitted, req)
	if reason, ok := g.failures[req.TxType]; ok {
		return TxResult{Status: StatusRejected, Reason: reason}, nil
	}
	g.txSeq++
	return TxResult{
		OK:     true,
		TxHash: fmt.Sprintf("0xfake%06d", g.txSeq),
		Status: StatusAccepted,
	}, nil
}

func (g *FakeGateway) Account(_ context.Context, address string) (Account, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if account, ok := g.accounts[address]; ok {
		return *account, nil
	}
	return Account{Address: address}, nil
}

func (g *FakeGateway) AssetBalance(_ context.Context, assetID, owner string) (decimal.Decimal, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.balances[assetID+"|"+owner], nil
}

func (g *FakeGateway) Escrow(_ context.Context, escrowID string) (map[string]any, error) {
	return map[string]any{"escrowId": escrowID, "state": "LOCKED"}, nil
}

func (g *FakeGateway) MarketEvents(_ context.Context, query EventQuery) ([]MarketEvent, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	limit := query.Limit
	if limit <= 0 {
		limit = 100
	}
	out := make([]MarketEvent, 0)
	for _, event := range g.events {
		if event.TS >= query.SinceMs {
			out = append(out, event)
			if len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}
