// Package orderbook holds the authoritative per-market state: orders,
// matches, depth and bridge links. Verified envelopes are applied
// idempotently per id; sequence and checksum rules guard match and depth
// updates.
package orderbook

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

const snapshotBlobKey = "meshdex_dex_orderbook_v1"

// SnapshotListener observes full snapshot clones after each mutation.
type SnapshotListener func(models.BookSnapshot)

// ApplyOptions tune envelope application.
type ApplyOptions struct {
	// CheckReplay overrides the default (replay checking for every source
	// except local).
	CheckReplay *bool
	NowMs       int64
}

// Store is the order-book state machine.
type Store struct {
	mu        sync.Mutex
	snapshot  models.BookSnapshot
	store     blob.Store
	window    codec.ReplayWindow
	logger    *zap.Logger
	validate  *validator.Validate
	listeners map[int]SnapshotListener
	nextSub   int
}

// NewStore loads any persisted snapshot from store. window is consulted when
// replay checking applies.
func NewStore(store blob.Store, window codec.ReplayWindow, logger *zap.Logger) (*Store, error) {
	s := &Store{
		snapshot:  emptySnapshot(),
		store:     store,
		window:    window,
		logger:    logger,
		validate:  validator.New(),
		listeners: make(map[int]SnapshotListener),
	}
	var saved models.BookSnapshot
	found, err := store.Load(snapshotBlobKey, &saved)
	if err != nil {
		return nil, fmt.Errorf("load orderbook snapshot: %w", err)
	}
	if found && saved.Version == models.BookSnapshotVersion {
		s.snapshot = saved
	}
	return s, nil
}

func emptySnapshot() models.BookSnapshot {
	return models.BookSnapshot{Version: models.BookSnapshotVersion, UpdatedAt: time.Now().UnixMilli()}
}

func cloneSnapshot(snapshot models.BookSnapshot) models.BookSnapshot {
	raw, err := json.Marshal(snapshot)
	if err != nil {
		return snapshot
	}
	var out models.BookSnapshot
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
func (s *Store) Snapshot() models.BookSnapshot {
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

// LastSequence returns the market's monotonic floor: the max of the stored
// depth sequence and every stored match sequence.
func (s *Store) LastSequence(marketID string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSequenceLocked(marketID)
}

func (s *Store) lastSequenceLocked(marketID string) int64 {
	var seq int64
	for _, depth := range s.snapshot.Depths {
		if depth.MarketID == marketID && depth.Sequence > seq {
			seq = depth.Sequence
		}
	}
	for _, match := range s.snapshot.Matches {
		if match.MarketID == marketID && match.Sequence > seq {
			seq = match.Sequence
		}
	}
	return seq
}

// Depth returns the stored depth for marketID, or nil.
func (s *Store) Depth(marketID string) *models.DepthRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, depth := range s.snapshot.Depths {
		if depth.MarketID == marketID {
			clone := depth
			return &clone
		}
	}
	return nil
}

// Order returns the stored order by id.
func (s *Store) Order(orderID string) (models.OrderRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, order := range s.snapshot.Orders {
		if order.OrderID == orderID {
			return order, true
		}
	}
	return models.OrderRecord{}, false
}

// OpenOrders returns the market's orders still able to rest on the book.
func (s *Store) OpenOrders(marketID string) []models.OrderRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.OrderRecord, 0)
	for _, order := range s.snapshot.Orders {
		if order.MarketID == marketID && order.Status.IsOpen() {
			out = append(out, order)
		}
	}
	return out
}

// RecentMatches returns up to limit of the market's newest matches.
func (s *Store) RecentMatches(marketID string, limit int) []models.MatchRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 {
		limit = 50
	}
	out := make([]models.MatchRecord, 0, limit)
	for _, match := range s.snapshot.Matches {
		if match.MarketID != marketID {
			continue
		}
		out = append(out, match)
		if len(out) >= limit {
			break
		}
	}
	return out
}

// Links returns all stored bridge links.
func (s *Store) Links() []models.LinkRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.LinkRecord, len(s.snapshot.Links))
	copy(out, s.snapshot.Links)
	return out
}

// UpsertOrder inserts or replaces by order id.
func (s *Store) UpsertOrder(order models.OrderRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.upsertOrderLocked(order)
	s.emitLocked()
}

func (s *Store) upsertOrderLocked(order models.OrderRecord) {
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

// PatchOrder applies patch to the stored order. Missing ids are ignored.
func (s *Store) PatchOrder(orderID string, patch func(*models.OrderRecord)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.snapshot.Orders {
		if s.snapshot.Orders[i].OrderID == orderID {
			patch(&s.snapshot.Orders[i])
			s.sortOrdersLocked()
			s.emitLocked()
			return
		}
	}
}

// UpsertMatch inserts or replaces by match id.
func (s *Store) UpsertMatch(match models.MatchRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.upsertMatchLocked(match)
	s.emitLocked()
}

func (s *Store) upsertMatchLocked(match models.MatchRecord) {
	for i := range s.snapshot.Matches {
		if s.snapshot.Matches[i].MatchID == match.MatchID {
			s.snapshot.Matches[i] = match
			s.sortMatchesLocked()
			return
		}
	}
	s.snapshot.Matches = append(s.snapshot.Matches, match)
	s.sortMatchesLocked()
}

// PatchMatch applies patch to the stored match. Missing ids are ignored.
func (s *Store) PatchMatch(matchID string, patch func(*models.MatchRecord)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.snapshot.Matches {
		if s.snapshot.Matches[i].MatchID == matchID {
			patch(&s.snapshot.Matches[i])
			s.emitLocked()
			return
		}
	}
}

// UpsertDepth replaces the market's depth wholesale unless the incoming
// sequence is lower than the stored one.
func (s *Store) UpsertDepth(depth models.DepthRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.upsertDepthLocked(depth)
	s.emitLocked()
}

func (s *Store) upsertDepthLocked(depth models.DepthRecord) {
	for i := range s.snapshot.Depths {
		if s.snapshot.Depths[i].MarketID == depth.MarketID {
			if depth.Sequence < s.snapshot.Depths[i].Sequence {
				return
			}
			s.snapshot.Depths[i] = depth
			return
		}
	}
	s.snapshot.Depths = append(s.snapshot.Depths, depth)
}

// UpsertLink inserts or replaces by link id.
func (s *Store) UpsertLink(link models.LinkRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.snapshot.Links {
		if s.snapshot.Links[i].LinkID == link.LinkID {
			s.snapshot.Links[i] = link
			s.emitLocked()
			return
		}
	}
	s.snapshot.Links = append(s.snapshot.Links, link)
	s.emitLocked()
}

// ApplyEnvelope decodes, verifies and applies a raw envelope. Local
// envelopes skip replay checking unless overridden.
func (s *Store) ApplyEnvelope(raw []byte, source models.Source, opts ApplyOptions) bool {
	env, err := codec.DecodeEnvelope(raw)
	if err != nil {
		s.logger.Debug("orderbook envelope decode rejected", zap.Error(err))
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
		s.logger.Debug("orderbook envelope rejected",
			zap.String("schema", env.Schema),
			zap.String("reason", verdict.Reason))
		return false
	}
	return s.ApplyVerifiedEnvelope(env, source)
}

// ApplyVerifiedEnvelope dispatches an already-verified envelope by schema.
// Returns false when the payload fails structural or ordering rules.
func (s *Store) ApplyVerifiedEnvelope(env models.Envelope, source models.Source) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UnixMilli()

	// Local applies claim their nonce up front so relayed copies of our own
	// envelopes fail verification as replays.
	if source == models.SourceLocal && env.Nonce != "" && s.window != nil {
		s.window.Consume(env.Nonce, env.TS+env.TTLMs, now)
	}

	switch env.Schema {
	case models.SchemaDexOrder:
		var payload models.OrderV1
		if err := json.Unmarshal(env.Payload, &payload); err != nil {
			return false
		}
		if err := s.validate.Struct(payload); err != nil {
			return false
		}
		if payload.Qty.Sign() <= 0 || payload.RemainingQty.Sign() < 0 {
			return false
		}
		payload.Price = NormalizeAmount(payload.Price)
		payload.Qty = NormalizeAmount(payload.Qty)
		payload.RemainingQty = NormalizeAmount(payload.RemainingQty)
		filled := NormalizeAmount(payload.Qty.Sub(payload.RemainingQty))
		status := models.OrderStatusOpen
		switch {
		case payload.RemainingQty.Sign() <= 0:
			status = models.OrderStatusFilled
		case filled.Sign() > 0:
			status = models.OrderStatusPartiallyFilled
		}
		s.upsertOrderLocked(models.OrderRecord{
			OrderV1:         payload,
			Status:          status,
			FilledQty:       filled,
			SettlementState: models.SettlementPending,
			Source:          source,
		})
		s.emitLocked()
		return true

	case models.SchemaDexMatch:
		var payload models.MatchV1
		if err := json.Unmarshal(env.Payload, &payload); err != nil {
			return false
		}
		if err := s.validate.Struct(payload); err != nil {
			return false
		}
		if payload.Qty.Sign() <= 0 || payload.Price.Sign() <= 0 {
			return false
		}
		if payload.Sequence < s.lastSequenceLocked(payload.MarketID) {
			return false
		}
		payload.Price = NormalizeAmount(payload.Price)
		payload.Qty = NormalizeAmount(payload.Qty)
		payload.NotionalQuote = NormalizeAmount(payload.NotionalQuote)
		s.upsertMatchLocked(models.MatchRecord{MatchV1: payload, Source: source})
		s.applyMatchFillLocked(payload)
		s.emitLocked()
		return true

	case models.SchemaDexDepth:
		var payload models.DepthV1
		if err := json.Unmarshal(env.Payload, &payload); err != nil {
			return false
		}
		if payload.MarketID == "" || payload.Sequence <= 0 {
			return false
		}
		if !VerifyDepthChecksum(payload) {
			return false
		}
		payload.Bids = canonicalLevels(payload.Bids)
		payload.Asks = canonicalLevels(payload.Asks)
		s.upsertDepthLocked(models.DepthRecord{DepthV1: payload, UpdatedAtMs: now})
		s.emitLocked()
		return true

	case models.SchemaDexLink:
		var payload models.LinkV1
		if err := json.Unmarshal(env.Payload, &payload); err != nil {
			return false
		}
		if err := s.validate.Struct(payload); err != nil {
			return false
		}
		for i := range s.snapshot.Links {
			if s.snapshot.Links[i].LinkID == payload.LinkID {
				s.snapshot.Links[i] = models.LinkRecord{LinkV1: payload, Source: source}
				s.emitLocked()
				return true
			}
		}
		s.snapshot.Links = append(s.snapshot.Links, models.LinkRecord{LinkV1: payload, Source: source})
		s.emitLocked()
		return true
	}
	return false
}

// applyMatchFillLocked advances both sides of a match: fills accumulate,
// remainders shrink, status follows the remainder.
func (s *Store) applyMatchFillLocked(match models.MatchV1) {
	apply := func(orderID string) {
		for i := range s.snapshot.Orders {
			if s.snapshot.Orders[i].OrderID != orderID {
				continue
			}
			order := &s.snapshot.Orders[i]
			order.FilledQty = NormalizeAmount(order.FilledQty.Add(match.Qty))
			order.RemainingQty = NormalizeAmount(order.Qty.Sub(order.FilledQty))
			switch {
			case order.RemainingQty.Sign() <= 0:
				order.Status = models.OrderStatusFilled
			case order.FilledQty.Sign() > 0:
				order.Status = models.OrderStatusPartiallyFilled
			}
			order.SettlementState = match.SettlementState
			return
		}
	}
	apply(match.BuyOrderID)
	apply(match.SellOrderID)
	s.sortOrdersLocked()
}

func (s *Store) sortOrdersLocked() {
	sort.SliceStable(s.snapshot.Orders, func(i, j int) bool {
		return s.snapshot.Orders[i].CreatedAtMs > s.snapshot.Orders[j].CreatedAtMs
	})
}

func (s *Store) sortMatchesLocked() {
	sort.SliceStable(s.snapshot.Matches, func(i, j int) bool {
		return s.snapshot.Matches[i].TS > s.snapshot.Matches[j].TS
	})
}

func (s *Store) emitLocked() {
	s.snapshot.UpdatedAt = time.Now().UnixMilli()
	if err := s.store.Save(snapshotBlobKey, s.snapshot); err != nil {
		s.logger.Warn("orderbook snapshot persist failed", zap.Error(err))
	}
	if len(s.listeners) == 0 {
		return
	}
	current := cloneSnapshot(s.snapshot)
	for _, listener := range s.listeners {
		listener(current)
	}
}
