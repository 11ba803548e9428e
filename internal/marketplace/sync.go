package marketplace

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/meshdex/meshdex/internal/codec"
	"github.com/meshdex/meshdex/internal/identity"
	"github.com/meshdex/meshdex/internal/ledger"
	"github.com/meshdex/meshdex/internal/models"
	"github.com/meshdex/meshdex/internal/transport"
)

// Background loop cadence.
const (
	ListingVerifyInterval = 25 * time.Second
	MarketEventsInterval  = 15 * time.Second
	RollupInterval        = 60 * time.Second
)

// DefaultEscrowTTL bounds how long a lock may sit unclaimed.
const DefaultEscrowTTL = 30 * time.Minute

// Listing expiry clamp, minutes.
const (
	minListingExpiryMinutes     = 5
	maxListingExpiryMinutes     = 60
	defaultListingExpiryMinutes = 30
)

// Seen-id buffer bounds for chain event reconciliation.
const (
	seenEventCap  = 10_000
	seenEventKeep = 2_000
)

// SignerIdentity is the local marketplace participant.
type SignerIdentity struct {
	Signer *identity.KeySigner
	PeerID string
}

// Address returns the participant's ledger address.
func (s SignerIdentity) Address() string { return s.Signer.PublicKeyHex() }

// PublishListingInput describes a new listing.
type PublishListingInput struct {
	AssetID          string
	Qty              int64
	UnitPriceCredits int64
	MinQty           int64
	MaxQty           int64
	ExpiresInMinutes int64
	Metadata         map[string]json.RawMessage
}

// PlaceOrderInput buys qty units from a verified listing.
type PlaceOrderInput struct {
	ListingID string
	Qty       int64
}

// Result reports an operation outcome with the id it created.
type Result struct {
	OK     bool
	ID     string
	Reason string
}

// RollupStats summarizes marketplace health for metrics emission.
type RollupStats struct {
	ActiveListings     int
	ClosedOrders       int
	TimeoutRefunded    int
	TimeoutRefundRatio float64
	InvalidListingDrop int64
}

// Hooks are optional observer callbacks.
type Hooks struct {
	InvalidListingDrop   func(listingID, reason string)
	SettlementFinalized  func(tradeID string, state models.EscrowState)
	LockToReleaseLatency func(orderID, tradeID string, latencyMs int64)
	AutoRefund           func(orderID, action string)
	Rollup               func(stats RollupStats)
}

// Service runs the marketplace plane: publishing listings, escrow-locked
// order placement, periodic listing verification and chain event
// reconciliation.
type Service struct {
	store   *Store
	bus     transport.Bus
	gateway ledger.Gateway
	logger  *zap.Logger
	hooks   Hooks
	now     func() int64

	mu           sync.Mutex
	started      bool
	cancel       context.CancelFunc
	unsubscribes []func()
	seenEventIDs map[string]struct{}
	seenEventSeq []string
	seenTradeIDs map[string]struct{}
	invalidDrops int64
	wg           sync.WaitGroup
}

// NewService wires the marketplace sync service.
func NewService(store *Store, bus transport.Bus, gateway ledger.Gateway, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		store:        store,
		bus:          bus,
		gateway:      gateway,
		logger:       logger,
		seenEventIDs: make(map[string]struct{}),
		seenTradeIDs: make(map[string]struct{}),
		now:          func() int64 { return time.Now().UnixMilli() },
	}
}

// SetHooks installs observer callbacks.
func (s *Service) SetHooks(hooks Hooks) { s.hooks = hooks }

// SetNowFunc overrides the clock for tests.
func (s *Service) SetNowFunc(now func() int64) { s.now = now }

// Start subscribes the marketplace topics and launches the verification and
// reconciliation loops. Stop cancels them.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.started = true
	s.mu.Unlock()

	for _, topic := range models.MarketTopics() {
		topic := topic
		unsub, err := s.bus.Subscribe(topic, func(ctx context.Context, _ string, data []byte) {
			s.store.ApplyEnvelope(data, models.SourceP2P, ApplyOptions{})
		})
		if err != nil {
			s.Stop()
			return fmt.Errorf("subscribe %s: %w", topic, err)
		}
		s.mu.Lock()
		s.unsubscribes = append(s.unsubscribes, unsub)
		s.mu.Unlock()
	}

	s.wg.Add(1)
	go s.runLoop(loopCtx, ListingVerifyInterval, func(ctx context.Context) {
		s.VerifyListings(ctx)
	})
	s.wg.Add(1)
	go s.runLoop(loopCtx, MarketEventsInterval, func(ctx context.Context) {
		s.ReconcileMarketEvents(ctx)
	})
	s.wg.Add(1)
	go s.runLoop(loopCtx, RollupInterval, func(context.Context) {
		s.emitRollup()
	})
	return nil
}

// Stop halts the loops and topic subscriptions.
func (s *Service) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	if s.cancel != nil {
		s.cancel()
	}
	unsubs := s.unsubscribes
	s.unsubscribes = nil
	s.mu.Unlock()

	for _, unsub := range unsubs {
		unsub()
	}
	s.wg.Wait()
}

func (s *Service) runLoop(ctx context.Context, interval time.Duration, fn func(context.Context)) {
	defer s.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}

// PublishListing signs and gossips a new listing, applying it locally as
// already verified.
func (s *Service) PublishListing(ctx context.Context, input PublishListingInput, signer SignerIdentity) Result {
	if input.Qty <= 0 || input.UnitPriceCredits <= 0 {
		return Result{Reason: "invalid_qty_or_price"}
	}
	assetID := strings.TrimSpace(input.AssetID)
	if assetID == "" {
		return Result{Reason: "missing_asset_id"}
	}

	now := s.now()
	expiresIn := input.ExpiresInMinutes
	if expiresIn == 0 {
		expiresIn = defaultListingExpiryMinutes
	}
	expiresIn = clamp64(expiresIn, minListingExpiryMinutes, maxListingExpiryMinutes)

	minQty := input.MinQty
	if minQty == 0 {
		minQty = 1
	}
	minQty = clamp64(minQty, 1, input.Qty)
	maxQty := input.MaxQty
	if maxQty == 0 {
		maxQty = input.Qty
	}
	maxQty = clamp64(maxQty, 1, input.Qty)

	listing := models.ListingV2{
		ListingID:        newID("lst", now),
		AssetID:          assetID,
		Seller:           signer.Address(),
		SellerPeerID:     signer.PeerID,
		Qty:              input.Qty,
		UnitPriceCredits: input.UnitPriceCredits,
		MinQty:           minQty,
		MaxQty:           maxQty,
		CreatedAtMs:      now,
		ExpiresAtMs:      now + expiresIn*60*1000,
		Metadata:         input.Metadata,
	}

	env, err := codec.Sign(listing, models.SchemaMarketListing, models.SchemaMarketListing, signer.Signer, codec.SignOptions{TS: now})
	if err != nil {
		return Result{Reason: "sign_failed"}
	}
	raw, err := codec.EncodeEnvelope(env)
	if err != nil {
		return Result{Reason: "sign_failed"}
	}
	if err := s.bus.Publish(ctx, models.SchemaMarketListing, raw); err != nil {
		s.logger.Warn("listing publish failed", zap.Error(err))
		return Result{Reason: "publish_failed"}
	}

	s.store.ApplyVerifiedEnvelope(env, models.SourceLocal)
	s.store.MarkListingVerification(listing.ListingID, true, "")
	return Result{OK: true, ID: listing.ListingID}
}

// PlaceOrder buys from a verified listing: the order gossips first, then the
// buyer's escrow lock is submitted to the ledger. A lock rejection fails the
// order but the gossiped record remains for audit.
func (s *Service) PlaceOrder(ctx context.Context, input PlaceOrderInput, signer SignerIdentity) Result {
	listing, ok := s.store.Listing(input.ListingID)
	if !ok || !listing.Verified {
		return Result{Reason: "listing_not_found"}
	}
	if input.Qty <= 0 {
		return Result{Reason: "invalid_qty"}
	}
	if input.Qty < listing.MinQty || input.Qty > listing.MaxQty || input.Qty > listing.Qty {
		return Result{Reason: "qty_out_of_range"}
	}

	now := s.now()
	orderID := newID("ord", now)
	escrowID, err := codec.BuildMarketEscrowID(codec.EscrowParts{
		AssetID: listing.AssetID,
		Qty:     input.Qty,
		Seller:  listing.Seller,
		Buyer:   signer.Address(),
		Nonce:   codec.RandomHex(4),
	})
	if err != nil {
		return Result{Reason: "invalid_escrow_id"}
	}
	total := listing.UnitPriceCredits * input.Qty

	order := models.MarketOrderV2{
		OrderID:          orderID,
		ListingID:        listing.ListingID,
		AssetID:          listing.AssetID,
		EscrowID:         escrowID,
		Buyer:            signer.Address(),
		BuyerPeerID:      signer.PeerID,
		Seller:           listing.Seller,
		SellerPeerID:     listing.SellerPeerID,
		Qty:              input.Qty,
		UnitPriceCredits: listing.UnitPriceCredits,
		TotalCredits:     total,
		EscrowState:      models.EscrowPending,
		State:            models.MarketOrderLockPending,
		CreatedAtMs:      now,
		UpdatedAtMs:      now,
		ExpiresAtMs:      now + DefaultEscrowTTL.Milliseconds(),
	}

	env, err := codec.Sign(order, models.SchemaMarketOrder, models.SchemaMarketOrder, signer.Signer, codec.SignOptions{TS: now})
	if err != nil {
		return Result{Reason: "sign_failed"}
	}
	s.store.ApplyVerifiedEnvelope(env, models.SourceLocal)

	raw, _ := codec.EncodeEnvelope(env)
	if err := s.bus.Publish(ctx, models.SchemaMarketOrder, raw); err != nil {
		s.store.PatchOrder(orderID, func(rec *models.MarketOrderRecord) {
			rec.State = models.MarketOrderFailed
			rec.EscrowState = models.EscrowFailed
		})
		return Result{Reason: "order_publish_failed"}
	}

	lock, err := s.gateway.SubmitTx(ctx, ledger.TxRequest{
		ChainID: ledger.DefaultChainID,
		Sender:  signer.Address(),
		TxType:  ledger.TxTypeEscrowLock,
		Payload: map[string]any{
			"escrow_id":  escrowID,
			"payer":      signer.Address(),
			"amount":     total,
			"expires_at": now + DefaultEscrowTTL.Milliseconds(),
		},
	})
	if err != nil || !lock.OK {
		reason := "lock_submit_failed"
		if err != nil {
			s.logger.Error("escrow lock submit failed", zap.String("orderId", orderID), zap.Error(err))
		} else if lock.Reason != "" {
			reason = lock.Reason
		}
		s.store.PatchOrder(orderID, func(rec *models.MarketOrderRecord) {
			rec.LockTxHash = lock.TxHash
			rec.LockTxStatus = models.TxStatusRejected
			rec.State = models.MarketOrderFailed
			rec.EscrowState = models.EscrowFailed
		})
		return Result{Reason: reason}
	}

	accepted := lock.Status == ledger.StatusAccepted
	s.store.PatchOrder(orderID, func(rec *models.MarketOrderRecord) {
		rec.LockTxHash = lock.TxHash
		if accepted {
			rec.LockTxStatus = models.TxStatusAccepted
			rec.State = models.MarketOrderLocked
			rec.EscrowState = models.EscrowLocked
		} else {
			rec.LockTxStatus = models.TxStatusPending
			rec.State = models.MarketOrderLockPending
			rec.EscrowState = models.EscrowPending
		}
	})
	return Result{OK: true, ID: orderID}
}

// SubmitAssetTransfer is the seller's delivery leg: transfer the asset
// against the escrow, then gossip a LOCKED receipt carrying the tx hash.
func (s *Service) SubmitAssetTransfer(ctx context.Context, orderID string, signer SignerIdentity) Result {
	order, ok := s.store.MarketOrder(orderID)
	if !ok || order.EscrowID == "" {
		return Result{Reason: "invalid_order"}
	}
	if order.Seller != signer.Address() {
		return Result{Reason: "seller_mismatch"}
	}
	if !escrowMatchesOrder(order.EscrowID, order.AssetID, order.Qty, order.Seller, order.Buyer) {
		return Result{Reason: "invalid_escrow_id"}
	}

	s.store.PatchOrder(orderID, func(rec *models.MarketOrderRecord) {
		rec.State = models.MarketOrderDelivering
	})

	transfer, err := s.gateway.SubmitTx(ctx, ledger.TxRequest{
		ChainID: ledger.DefaultChainID,
		Sender:  signer.Address(),
		TxType:  ledger.TxTypeAssetTransfer,
		Payload: map[string]any{
			"ref":      order.EscrowID,
			"from":     signer.Address(),
			"to":       order.Buyer,
			"asset_id": order.AssetID,
			"amount":   order.Qty,
		},
	})
	if err != nil || !transfer.OK {
		reason := "asset_transfer_failed"
		if err != nil {
			s.logger.Error("asset transfer submit failed", zap.String("orderId", orderID), zap.Error(err))
		} else if transfer.Reason != "" {
			reason = transfer.Reason
		}
		s.store.PatchOrder(orderID, func(rec *models.MarketOrderRecord) {
			rec.State = models.MarketOrderFailed
			rec.EscrowState = models.EscrowFailed
		})
		return Result{Reason: reason}
	}

	s.store.PatchOrder(orderID, func(rec *models.MarketOrderRecord) {
		rec.State = models.MarketOrderSettling
		rec.EscrowState = models.EscrowLocked
		rec.LockTxStatus = models.TxStatusAccepted
	})

	now := s.now()
	receipt := models.ReceiptV2{
		ReceiptID: newID("rcpt", now),
		OrderID:   orderID,
		EscrowID:  order.EscrowID,
		Status:    models.EscrowLocked,
		TxHash:    transfer.TxHash,
		TS:        now,
	}
	env, err := codec.Sign(receipt, models.SchemaMarketReceipt, models.SchemaMarketReceipt, signer.Signer, codec.SignOptions{TS: now})
	if err != nil {
		return Result{Reason: "sign_failed"}
	}
	s.store.ApplyVerifiedEnvelope(env, models.SourceLocal)
	raw, _ := codec.EncodeEnvelope(env)
	if err := s.bus.Publish(ctx, models.SchemaMarketReceipt, raw); err != nil {
		s.logger.Warn("receipt publish failed", zap.String("orderId", orderID), zap.Error(err))
	}
	return Result{OK: true, ID: receipt.ReceiptID}
}

// VerifyListings demotes expired listings and checks the seller's ledger
// balance for the rest. Balance lookup failures leave the listing untouched.
func (s *Service) VerifyListings(ctx context.Context) {
	now := s.now()
	for _, listing := range s.store.Snapshot().Listings {
		if listing.ExpiresAtMs <= now {
			if listing.Verified || listing.InvalidReason != "expired" {
				s.recordInvalidDrop(listing.ListingID, "expired")
			}
			s.store.MarkListingVerification(listing.ListingID, false, "expired")
			continue
		}
		balance, err := s.gateway.AssetBalance(ctx, listing.AssetID, listing.Seller)
		if err != nil {
			continue
		}
		ok := balance.GreaterThanOrEqual(decimal.NewFromInt(listing.Qty))
		if !ok && (listing.Verified || listing.InvalidReason != "insufficient_asset_balance") {
			s.recordInvalidDrop(listing.ListingID, "insufficient_asset_balance")
		}
		reason := ""
		if !ok {
			reason = "insufficient_asset_balance"
		}
		s.store.MarkListingVerification(listing.ListingID, ok, reason)
	}
}

// ReconcileMarketEvents folds chain-side settlement events into the store:
// trades finalize orders, refund and expiry events close them out.
func (s *Service) ReconcileMarketEvents(ctx context.Context) {
	events, err := s.gateway.MarketEvents(ctx, ledger.EventQuery{Limit: 100})
	if err != nil {
		s.logger.Debug("market events fetch failed", zap.Error(err))
		return
	}
	for _, event := range events {
		if event.EventID != "" && !s.markEventSeen(event.EventID) {
			continue
		}
		s.applyChainEvent(event)
	}
}

func (s *Service) applyChainEvent(event ledger.MarketEvent) {
	schema, _ := event.Metadata["schema"].(string)
	if schema == models.SchemaMarketTrade {
		payload := event.Metadata
		if nested, ok := event.Metadata["payload"].(map[string]any); ok {
			payload = nested
		}
		trade := tradeFromEventPayload(payload, event)
		if trade.TradeID == "" {
			return
		}
		if _, exists := s.store.MarketOrder(trade.OrderID); !exists {
			s.store.UpsertOrder(chainOrderFromTrade(trade))
		}
		s.store.UpsertTrade(models.MarketTradeRecord{TradeV2: trade, Source: models.SourceChain})
		s.store.PatchOrder(trade.OrderID, func(rec *models.MarketOrderRecord) {
			rec.State = orderStateFromEscrow(trade.EscrowState)
			rec.EscrowState = trade.EscrowState
		})
		s.mu.Lock()
		_, seenTrade := s.seenTradeIDs[trade.TradeID]
		if !seenTrade {
			s.seenTradeIDs[trade.TradeID] = struct{}{}
		}
		s.mu.Unlock()
		if !seenTrade {
			if order, ok := s.store.MarketOrder(trade.OrderID); ok && s.hooks.LockToReleaseLatency != nil {
				latency := trade.SettledAtMs - order.CreatedAtMs
				if latency < 0 {
					latency = 0
				}
				s.hooks.LockToReleaseLatency(order.OrderID, trade.TradeID, latency)
			}
		}
		if s.hooks.SettlementFinalized != nil {
			s.hooks.SettlementFinalized(trade.TradeID, trade.EscrowState)
		}
	}

	if strings.Contains(event.Action, "refund") || strings.Contains(event.Action, "expire") {
		orderID, _ := event.Metadata["orderId"].(string)
		if orderID == "" {
			return
		}
		state := models.MarketOrderRefunded
		escrow := models.EscrowRefunded
		if strings.Contains(event.Action, "expire") {
			state = models.MarketOrderExpired
			escrow = models.EscrowExpired
		}
		s.store.PatchOrder(orderID, func(rec *models.MarketOrderRecord) {
			rec.State = state
			rec.EscrowState = escrow
		})
		if s.hooks.AutoRefund != nil {
			s.hooks.AutoRefund(orderID, event.Action)
		}
	}
}

// markEventSeen records the id, returning false for duplicates. The buffer
// is trimmed to its newest entries once it passes the cap.
func (s *Service) markEventSeen(eventID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.seenEventIDs[eventID]; ok {
		return false
	}
	s.seenEventIDs[eventID] = struct{}{}
	s.seenEventSeq = append(s.seenEventSeq, eventID)
	if len(s.seenEventSeq) > seenEventCap {
		keep := s.seenEventSeq[len(s.seenEventSeq)-seenEventKeep:]
		s.seenEventIDs = make(map[string]struct{}, len(keep))
		for _, id := range keep {
			s.seenEventIDs[id] = struct{}{}
		}
		s.seenEventSeq = append([]string(nil), keep...)
	}
	return true
}

func (s *Service) recordInvalidDrop(listingID, reason string) {
	s.mu.Lock()
	s.invalidDrops++
	s.mu.Unlock()
	if s.hooks.InvalidListingDrop != nil {
		s.hooks.InvalidListingDrop(listingID, reason)
	}
}

// Rollup computes marketplace health counters.
func (s *Service) Rollup() RollupStats {
	now := s.now()
	snapshot := s.store.Snapshot()
	stats := RollupStats{}
	for _, listing := range snapshot.Listings {
		if listing.Verified && listing.ExpiresAtMs > now && listing.Qty > 0 {
			stats.ActiveListings++
		}
	}
	for _, order := range snapshot.Orders {
		if !order.State.IsTerminal() {
			continue
		}
		stats.ClosedOrders++
		if order.State == models.MarketOrderRefunded || order.State == models.MarketOrderExpired {
			stats.TimeoutRefunded++
		}
	}
	if stats.ClosedOrders > 0 {
		stats.TimeoutRefundRatio = float64(stats.TimeoutRefunded) / float64(stats.ClosedOrders)
	}
	s.mu.Lock()
	stats.InvalidListingDrop = s.invalidDrops
	s.mu.Unlock()
	return stats
}

func (s *Service) emitRollup() {
	if s.hooks.Rollup != nil {
		s.hooks.Rollup(s.Rollup())
	}
}

func tradeFromEventPayload(payload map[string]any, event ledger.MarketEvent) models.TradeV2 {
	trade := models.TradeV2{
		TradeID:          asString(payload["tradeId"]),
		OrderID:          asString(payload["orderId"]),
		ListingID:        asString(payload["listingId"]),
		EscrowID:         asString(payload["escrowId"]),
		AssetID:          asString(payload["assetId"]),
		Buyer:            asString(payload["buyer"]),
		Seller:           asString(payload["seller"]),
		Qty:              asInt64(payload["qty"]),
		UnitPriceCredits: asInt64(payload["unitPriceCredits"]),
		TotalCredits:     asInt64(payload["totalCredits"]),
		ReleaseTxHash:    asString(payload["releaseTxHash"]),
		EscrowState:      models.EscrowState(asString(payload["escrowState"])),
		SettledAtMs:      asInt64(payload["settledAtMs"]),
	}
	if trade.ReleaseTxHash == "" {
		trade.ReleaseTxHash = event.TxHash
	}
	if trade.EscrowState == "" {
		trade.EscrowState = models.EscrowReleased
	}
	if trade.SettledAtMs == 0 {
		trade.SettledAtMs = event.TS
	}
	return trade
}

// chainOrderFromTrade reconstructs the order a chain-only trade refers to.
func chainOrderFromTrade(trade models.TradeV2) models.MarketOrderRecord {
	created := trade.SettledAtMs - DefaultEscrowTTL.Milliseconds()
	if created < 0 {
		created = 0
	}
	return models.MarketOrderRecord{
		MarketOrderV2: models.MarketOrderV2{
			OrderID:          trade.OrderID,
			ListingID:        trade.ListingID,
			AssetID:          trade.AssetID,
			EscrowID:         trade.EscrowID,
			Buyer:            trade.Buyer,
			Seller:           trade.Seller,
			Qty:              trade.Qty,
			UnitPriceCredits: trade.UnitPriceCredits,
			TotalCredits:     trade.TotalCredits,
			LockTxHash:       trade.ReleaseTxHash,
			LockTxStatus:     models.TxStatusAccepted,
			EscrowState:      trade.EscrowState,
			State:            orderStateFromEscrow(trade.EscrowState),
			CreatedAtMs:      created,
			UpdatedAtMs:      trade.SettledAtMs,
			ExpiresAtMs:      trade.SettledAtMs,
		},
		Source: models.SourceChain,
	}
}

func asString(value any) string {
	s, _ := value.(string)
	return s
}

func asInt64(value any) int64 {
	switch v := value.(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case float64:
		return int64(v)
	case json.Number:
		n, _ := v.Int64()
		return n
	case string:
		n, _ := strconv.ParseInt(v, 10, 64)
		return n
	}
	return 0
}

func clamp64(value, lo, hi int64) int64 {
	if value < lo {
		return lo
	}
	if value > hi {
		return hi
	}
	return value
}

func newID(prefix string, nowMs int64) string {
	return fmt.Sprintf("%s-%d-%s", prefix, nowMs, codec.RandomHex(3))
}
