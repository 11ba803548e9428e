// Package marketplace holds credit-denominated asset listings and their
// escrow-backed order lifecycle. Listings gossip unverified and are promoted
// only after a ledger balance check; orders bind asset, quantity and both
// parties into the escrow id itself, so a mismatched escrow is rejected at
// the door.
package marketplace

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/meshdex/meshdex/internal/codec"
	"github.com/meshdex/meshdex/internal/models"
	"github.com/meshdex/meshdex/pkg/blob"
)

const snapshotBlobKey = "meshdex_market_store_v2"

// SnapshotListener observes full snapshot clones after each mutation.
type SnapshotListener func(models.MarketSnapshot)

// ApplyOptions tune envelope application.
type ApplyOptions struct {
	CheckReplay *bool
	NowMs       int64
}

// Store is the marketplace state machine.
type Store struct {
	mu        sync.Mutex
	snapshot  models.MarketSnapshot
	store     blob.Store
	window    codec.ReplayWindow
	logger    *zap.Logger
	validate  *validator.Validate
	listeners map[int]SnapshotListener
	nextSub   int
	now       func() int64
}

// NewStore loads any persisted snapshot from store.
func NewStore(store blob.Store, window codec.ReplayWindow, logger *zap.Logger) (*Store, error) {
	s := &Store{
		snapshot:  emptySnapshot(),
		store:     store,
		window:    window,
		logger:    logger,
		validate:  validator.New(),
		listeners: make(map[int]SnapshotListener),
		now:       func() int64 { return time.Now().UnixMilli() },
	}
	var saved models.MarketSnapshot
	found, err := store.Load(snapshotBlobKey, &saved)
	if err != nil {
		return nil, fmt.Errorf("load marketplace snapshot: %w", err)
	}
	if found && saved.Version == models.MarketSnapshotVersion {
		s.snapshot = saved
	}
	return s, nil
}

// SetNowFunc overrides the clock for tests.
func (s *Store) SetNowFunc(now func() int64) { s.now = now }

func emptySnapshot() models.MarketSnapshot {
	return models.MarketSnapshot{Version: models.MarketSnapshotVersion, UpdatedAt: time.Now().UnixMilli()}
}

func cloneSnapshot(snapshot models.MarketSnapshot) models.MarketSnapshot {
	raw, err := json.Marshal(snapshot)
	if err != nil {
		return snapshot
	}
	var out models.MarketSnapshot
	if err := json.Unmarshal(raw, &out); err != nil {
		return snapshot
	}
	return out
}

// Subscribe registers listener and immediately delivers the current
// snapshot. The returned func unsubscribes.
func (s *Store) Subscribe(listener SnapshotListener) func() {
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.listeners[id] = listener
	current := cloneSnapshot(s.snapshot)
	s.mu.Unlock()
	listener(current)
	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}

// Snapshot returns a full clone of the current state.
func (s *Store) Snapshot() models.MarketSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneSnapshot(s.snapshot)
}

// Clear resets the store to empty state.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshot = emptySnapshot()
	s.emitLocked()
}

// Listing returns the stored listing by id.
func (s *Store) Listing(listingID string) (models.ListingRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, listing := range s.snapshot.Listings {
		if listing.ListingID == listingID {
			return listing, true
		}
	}
	return models.ListingRecord{}, false
}

// VerifiedListings returns listings that passed verification, are not
// expired at nowMs, and still carry quantity.
func (s *Store) VerifiedListings(nowMs int64) []models.ListingRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.ListingRecord, 0)
	for _, listing := range s.snapshot.Listings {
		if listing.Verified && listing.ExpiresAtMs > nowMs && listing.Qty > 0 {
			out = append(out, listing)
		}
	}
	return out
}

// MarketOrder returns the stored order by id.
func (s *Store) MarketOrder(orderID string) (models.MarketOrderRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, order := range s.snapshot.Orders {
		if order.OrderID == orderID {
			return order, true
		}
	}
	return models.MarketOrderRecord{}, false
}

// OrdersOf returns orders where address is buyer or seller.
func (s *Store) OrdersOf(address string) []models.MarketOrderRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.MarketOrderRecord, 0)
	for _, order := range s.snapshot.Orders {
		if order.Buyer == address || order.Seller == address {
			out = append(out, order)
		}
	}
	return out
}

// UpsertListing inserts or merges by listing id.
func (s *Store) UpsertListing(record models.ListingRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.upsertListingLocked(record)
	s.emitLocked()
}

func (s *Store) upsertListingLocked(record models.ListingRecord) {
	for i := range s.snapshot.Listings {
		if s.snapshot.Listings[i].ListingID == record.ListingID {
			s.snapshot.Listings[i] = record
			s.sortListingsLocked()
			return
		}
	}
	s.snapshot.Listings = append(s.snapshot.Listings, record)
	s.sortListingsLocked()
}

// MarkListingVerification records the outcome of a listing check.
func (s *Store) MarkListingVerification(listingID string, verified bool, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.snapshot.Listings {
		if s.snapshot.Listings[i].ListingID != listingID {
			continue
		}
		s.snapshot.Listings[i].Verified = verified
		s.snapshot.Listings[i].InvalidReason = reason
		s.snapshot.Listings[i].LastVerifiedAtMs = s.now()
		s.emitLocked()
		return
	}
}

// UpsertOrder inserts or replaces by order id.
func (s *Store) UpsertOrder(order models.MarketOrderRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.upsertOrderLocked(order)
	s.emitLocked()
}

func (s *Store) upsertOrderLocked(order models.MarketOrderRecord) {
	for i := range s.snapshot.Orders {
		if s.snapshot.Orders[i].OrderID == order.OrderID {
			s.snapshot.Orders[i] = order
			s.sortOrdersLocked()
			return
		}
	}
	s.snapshot.Orders = append(s.snapshot.Orders, order)
	s.sortOrdersLocked()
}

// PatchOrder applies patch to the stored order and bumps updatedAtMs.
// A terminal order never regresses to a non-terminal state.
func (s *Store) PatchOrder(orderID string, patch func(*models.MarketOrderRecord)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.patchOrderLocked(orderID, patch)
}

func (s *Store) patchOrderLocked(orderID string, patch func(*models.MarketOrderRecord)) {
	for i := range s.snapshot.Orders {
		if s.snapshot.Orders[i].OrderID != orderID {
			continue
		}
		before := s.snapshot.Orders[i].State
		patch(&s.snapshot.Orders[i])
		if before.IsTerminal() && !s.snapshot.Orders[i].State.IsTerminal() {
			s.snapshot.Orders[i].State = before
		}
		s.snapshot.Orders[i].UpdatedAtMs = s.now()
		s.sortOrdersLocked()
		s.emitLocked()
		return
	}
}

// UpsertTrade inserts or replaces by trade id.
func (s *Store) UpsertTrade(trade models.MarketTradeRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.upsertTradeLocked(trade)
	s.emitLocked()
}

func (s *Store) upsertTradeLocked(trade models.MarketTradeRecord) {
	for i := range s.snapshot.Trades {
		if s.snapshot.Trades[i].TradeID == trade.TradeID {
			s.snapshot.Trades[i] = trade
			s.sortTradesLocked()
			return
		}
	}
	s.snapshot.Trades = append(s.snapshot.Trades, trade)
	s.sortTradesLocked()
}

// UpsertReceipt inserts or replaces by receipt id.
func (s *Store) UpsertReceipt(receipt models.MarketReceiptRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.upsertReceiptLocked(receipt)
	s.emitLocked()
}

func (s *Store) upsertReceiptLocked(receipt models.MarketReceiptRecord) {
	for i := range s.snapshot.Receipts {
		if s.snapshot.Receipts[i].ReceiptID == receipt.ReceiptID {
			s.snapshot.Receipts[i] = receipt
			s.sortReceiptsLocked()
			return
		}
	}
	s.snapshot.Receipts = append(s.snapshot.Receipts, receipt)
	s.sortReceiptsLocked()
}

// ApplyEnvelope decodes, verifies and applies a raw envelope. Local
// envelopes skip replay checking unless overridden.
func (s *Store) ApplyEnvelope(raw []byte, source models.Source, opts ApplyOptions) bool {
	env, err := codec.DecodeEnvelope(raw)
	if err != nil {
		s.logger.Debug("marketplace envelope decode rejected", zap.Error(err))
		return false
	}
	checkReplay := source != models.SourceLocal
	if opts.CheckReplay != nil {
		checkReplay = *opts.CheckReplay
	}
	verdict := codec.Verify(env, codec.VerifyOptions{
		NowMs:        opts.NowMs,
		CheckReplay:  checkReplay,
		ReplayWindow: s.window,
	})
	if !verdict.OK {
		s.logger.Debug("marketplace envelope rejected",
			zap.String("schema", env.Schema),
			zap.String("reason", verdict.Reason))
		return false
	}
	return s.ApplyVerifiedEnvelope(env, source)
}

// ApplyVerifiedEnvelope dispatches an already-verified envelope by schema.
// Returns false when the payload fails structural or escrow binding rules.
func (s *Store) ApplyVerifiedEnvelope(env models.Envelope, source models.Source) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Local applies claim their nonce up front so relayed copies of our own
	// envelopes fail verification as replays.
	if source == models.SourceLocal && env.Nonce != "" && s.window != nil {
		s.window.Consume(env.Nonce, env.TS+env.TTLMs, s.now())
	}

	switch env.Schema {
	case models.SchemaMarketListing:
		var payload models.ListingV2
		if err := json.Unmarshal(env.Payload, &payload); err != nil {
			return false
		}
		if err := s.validate.Struct(payload); err != nil {
			return false
		}
		// Remote listings arrive unverified; promotion waits for the
		// ledger balance check.
		s.upsertListingLocked(models.ListingRecord{
			ListingV2:    payload,
			EnvelopeSig:  env.Sig,
			Verified:     source == models.SourceLocal,
			ReceivedAtMs: s.now(),
		})
		s.emitLocked()
		return true

	case models.SchemaMarketOrder:
		var payload models.MarketOrderV2
		if err := json.Unmarshal(env.Payload, &payload); err != nil {
			return false
		}
		if err := s.validate.Struct(payload); err != nil {
			return false
		}
		if !escrowMatchesOrder(payload.EscrowID, payload.AssetID, payload.Qty, payload.Seller, payload.Buyer) {
			return false
		}
		s.upsertOrderLocked(models.MarketOrderRecord{MarketOrderV2: payload, Source: source})
		s.emitLocked()
		return true

	case models.SchemaMarketTrade:
		var payload models.TradeV2
		if err := json.Unmarshal(env.Payload, &payload); err != nil {
			return false
		}
		if err := s.validate.Struct(payload); err != nil {
			return false
		}
		if payload.ReleaseTxHash == "" {
			return false
		}
		if !escrowMatchesOrder(payload.EscrowID, payload.AssetID, payload.Qty, payload.Seller, payload.Buyer) {
			return false
		}
		s.upsertTradeLocked(models.MarketTradeRecord{TradeV2: payload, Source: source})
		s.patchOrderLocked(payload.OrderID, func(order *models.MarketOrderRecord) {
			order.State = orderStateFromEscrow(payload.EscrowState)
			order.EscrowState = payload.EscrowState
		})
		s.emitLocked()
		return true

	case models.SchemaMarketReceipt:
		var payload models.ReceiptV2
		if err := json.Unmarshal(env.Payload, &payload); err != nil {
			return false
		}
		if err := s.validate.Struct(payload); err != nil {
			return false
		}
		if _, ok := codec.ParseMarketEscrowID(payload.EscrowID); !ok {
			return false
		}
		s.upsertReceiptLocked(models.MarketReceiptRecord{ReceiptV2: payload, Source: source})
		s.patchOrderLocked(payload.OrderID, func(order *models.MarketOrderRecord) {
			order.State = orderStateFromEscrow(payload.Status)
			order.EscrowState = payload.Status
			if payload.TxHash != "" {
				order.LockTxHash = payload.TxHash
			}
			order.LockTxStatus = lockTxStatusFromEscrow(payload.Status)
		})
		s.emitLocked()
		return true
	}
	return false
}

// orderStateFromEscrow maps an escrow state onto the order lifecycle.
func orderStateFromEscrow(status models.EscrowState) models.MarketOrderState {
	switch status {
	case models.EscrowPending:
		return models.MarketOrderLockPending
	case models.EscrowLocked:
		return models.MarketOrderLocked
	case models.EscrowReleased:
		return models.MarketOrderReleased
	case models.EscrowRefunded:
		return models.MarketOrderRefunded
	case models.EscrowExpired:
		return models.MarketOrderExpired
	default:
		return models.MarketOrderFailed
	}
}

func lockTxStatusFromEscrow(status models.EscrowState) models.TxStatus {
	switch status {
	case models.EscrowLocked, models.EscrowReleased:
		return models.TxStatusAccepted
	case models.EscrowPending:
		return models.TxStatusPending
	default:
		return models.TxStatusRejected
	}
}

func escrowMatchesOrder(escrowID, assetID string, qty int64, seller, buyer string) bool {
	parts, ok := codec.ParseMarketEscrowID(escrowID)
	if !ok {
		return false
	}
	return parts.AssetID == assetID && parts.Qty == qty && parts.Seller == seller && parts.Buyer == buyer
}

func (s *Store) sortListingsLocked() {
	sort.SliceStable(s.snapshot.Listings, func(i, j int) bool {
		return s.snapshot.Listings[i].CreatedAtMs > s.snapshot.Listings[j].CreatedAtMs
	})
}

func (s *Store) sortOrdersLocked() {
	sort.SliceStable(s.snapshot.Orders, func(i, j int) bool {
		return s.snapshot.Orders[i].UpdatedAtMs > s.snapshot.Orders[j].UpdatedAtMs
	})
}

func (s *Store) sortTradesLocked() {
	sort.SliceStable(s.snapshot.Trades, func(i, j int) bool {
		return s.snapshot.Trades[i].SettledAtMs > s.snapshot.Trades[j].SettledAtMs
	})
}

func (s *Store) sortReceiptsLocked() {
	sort.SliceStable(s.snapshot.Receipts, func(i, j int) bool {
		return s.snapshot.Receipts[i].TS > s.snapshot.Receipts[j].TS
	})
}

func (s *Store) emitLocked() {
	s.snapshot.UpdatedAt = s.now()
	if err := s.store.Save(snapshotBlobKey, s.snapshot); err != nil {
		s.logger.Warn("marketplace snapshot persist failed", zap.Error(err))
	}
	if len(s.listeners) == 0 {
		return
	}
	current := cloneSnapshot(s.snapshot)
	for _, listener := range s.listeners {
		listener(current)
	}
}
