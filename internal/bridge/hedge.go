package bridge

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/meshdex/meshdex/internal/models"
)

// HedgeHandler executes one hedge signal on the order-book plane.
type HedgeHandler func(ctx context.Context, signal HedgeSignal) HedgeResult

// WatcherOptions wire a hedge watcher to its surroundings.
type WatcherOptions struct {
	// LocalAddresses returns the wallet addresses this node settles for.
	LocalAddresses func() []string
	OnHedgeSignal  HedgeHandler
	EmitLink       LinkEmitter
}

// Watcher turns settled marketplace trades involving a local wallet into
// hedge orders on the book. Trade ids present at start are seeded as seen so
// a restart never re-hedges history.
type Watcher struct {
	bridge *Bridge
	opts   WatcherOptions
	logger *zap.Logger

	mu        sync.Mutex
	running   bool
	unsub     func()
	seenIDs   map[string]struct{}
	seenOrder []string
}

// NewWatcher builds a hedge watcher over the bridge's marketplace store.
func NewWatcher(bridge *Bridge, opts WatcherOptions, logger *zap.Logger) *Watcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Watcher{
		bridge:  bridge,
		opts:    opts,
		logger:  logger,
		seenIDs: make(map[string]struct{}),
	}
}

// Start seeds the seen-set from the current snapshot and subscribes to
// marketplace updates.
func (w *Watcher) Start(ctx context.Context) {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return
	}
	w.running = true
	for _, trade := range w.bridge.marketStore.Snapshot().Trades {
		if trade.TradeID != "" {
			w.seenIDs[trade.TradeID] = struct{}{}
			w.seenOrder = append(w.seenOrder, trade.TradeID)
		}
	}
	w.mu.Unlock()

	w.unsub = w.bridge.marketStore.Subscribe(func(snapshot models.MarketSnapshot) {
		w.handleSnapshot(ctx, snapshot)
	})
}

// Stop unsubscribes and clears the seen-set.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	unsub := w.unsub
	w.unsub = nil
	w.seenIDs = make(map[string]struct{})
	w.seenOrder = nil
	w.mu.Unlock()
	if unsub != nil {
		unsub()
	}
}

func (w *Watcher) handleSnapshot(ctx context.Context, snapshot models.MarketSnapshot) {
	if w.opts.LocalAddresses == nil || w.opts.OnHedgeSignal == nil {
		return
	}
	local := make(map[string]struct{})
	for _, addr := range w.opts.LocalAddresses() {
		local[addr] = struct{}{}
	}
	if len(local) == 0 {
		return
	}

	// Oldest first so hedges land in settlement order.
	trades := make([]models.MarketTradeRecord, len(snapshot.Trades))
	copy(trades, snapshot.Trades)
	for i, j := 0, len(trades)-1; i < j; i, j = i+1, j-1 {
		trades[i], trades[j] = trades[j], trades[i]
	}

	for _, trade := range trades {
		if trade.TradeID == "" || !w.markSeen(trade.TradeID) {
			continue
		}
		signal, ok := w.hedgeSignalFor(trade, local)
		if !ok {
			continue
		}

		w.opts.EmitLink(ctx, w.bridge.newLink(signal.MarketID, models.LinkMarketToDexHedge, models.LinkTriggered, "", "", signal.RelatedTradeID))

		result := w.opts.OnHedgeSignal(ctx, signal)
		status := models.LinkExecuted
		if !result.OK {
			status = models.LinkFailed
		}
		w.opts.EmitLink(ctx, w.bridge.newLink(signal.MarketID, models.LinkMarketToDexHedge, status, result.Reason, result.OrderID, signal.RelatedTradeID))
	}
}

// hedgeSignalFor derives the offsetting book order for a local trade: a
// local seller lost inventory and buys it back, a local buyer sells.
func (w *Watcher) hedgeSignalFor(trade models.MarketTradeRecord, local map[string]struct{}) (HedgeSignal, bool) {
	marketID, ok := w.marketIDFromTrade(trade)
	if !ok {
		return HedgeSignal{}, false
	}
	_, sellerMine := local[trade.Seller]
	_, buyerMine := local[trade.Buyer]
	if !sellerMine && !buyerMine {
		return HedgeSignal{}, false
	}
	if trade.Qty <= 0 {
		return HedgeSignal{}, false
	}
	side := models.SideSell
	if sellerMine {
		side = models.SideBuy
	}
	return HedgeSignal{
		MarketID:       marketID,
		Side:           side,
		Qty:            decimal.NewFromInt(trade.Qty),
		RelatedTradeID: trade.TradeID,
	}, true
}

func (w *Watcher) marketIDFromTrade(trade models.MarketTradeRecord) (string, bool) {
	if raw, ok := trade.Metadata["marketId"]; ok {
		var candidate string
		if err := json.Unmarshal(raw, &candidate); err == nil {
			if _, known := w.bridge.markets.Market(candidate); known {
				return candidate, true
			}
		}
	}
	return w.bridge.markets.InferMarketIDByAssetID(trade.AssetID)
}

func (w *Watcher) markSeen(tradeID string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.seenIDs[tradeID]; ok {
		return false
	}
	w.seenIDs[tradeID] = struct{}{}
	w.seenOrder = append(w.seenOrder, tradeID)
	if len(w.seenOrder) > seenTradeCap {
		keep := w.seenOrder[len(w.seenOrder)-seenTradeKeep:]
		w.seenIDs = make(map[string]struct{}, len(keep))
		for _, id := range keep {
			w.seenIDs[id] = struct{}{}
		}
		w.seenOrder = append([]string(nil), keep...)
	}
	return true
}
