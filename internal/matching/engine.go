// Package matching fills taker orders against the resting book. Fills
// execute at the maker's price, best price first then oldest first. Every
// fill is signed, applied locally, gossiped as a match envelope, and handed
// to settlement before the next maker is considered.
package matching

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/meshdex/meshdex/internal/codec"
	"github.com/meshdex/meshdex/internal/identity"
	"github.com/meshdex/meshdex/internal/models"
	"github.com/meshdex/meshdex/internal/orderbook"
	"github.com/meshdex/meshdex/internal/settlement"
	"github.com/meshdex/meshdex/internal/transport"
)

// Confirm-latency sample buffer bounds.
const (
	latencySampleCap  = 200
	latencySampleKeep = 80
)

// Settler settles one match. Implemented by settlement.Coordinator.
type Settler interface {
	Settle(ctx context.Context, match models.MatchV1, taker, maker models.OrderRecord, id settlement.Identity) settlement.Result
}

// Identity bundles the local signing keys used for match envelopes and
// settlement transactions.
type Identity struct {
	Root    *identity.KeySigner
	Session *identity.SessionSigner
}

// Address returns the local ledger address.
func (id Identity) Address() string { return id.Root.PublicKeyHex() }

func (id Identity) envelopeSigner() codec.Signer {
	if id.Session != nil {
		return id.Session
	}
	return id.Root
}

func (id Identity) signOptions(ts int64) codec.SignOptions {
	opts := codec.SignOptions{TS: ts}
	if id.Session != nil {
		opts.PolicyRef = id.Session.PolicyRefHex()
		opts.SessionContext = id.Session.Context()
	}
	return opts
}

// Hooks are optional observer callbacks.
type Hooks struct {
	MatchPublished func(marketID string)
	SettleFailed   func(marketID, reason string)
}

// Engine matches taker orders against the local book view.
type Engine struct {
	books   *orderbook.Store
	bus     transport.Bus
	settler Settler
	logger  *zap.Logger
	hooks   Hooks
	now     func() int64

	mu          sync.Mutex
	seqByMarket map[string]int64
	latencies   []int64
}

// NewEngine wires a matching engine.
func NewEngine(books *orderbook.Store, bus transport.Bus, settler Settler, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		books:       books,
		bus:         bus,
		settler:     settler,
		logger:      logger,
		seqByMarket: make(map[string]int64),
		now:         func() int64 { return time.Now().UnixMilli() },
	}
}

// SetHooks installs observer callbacks.
func (e *Engine) SetHooks(hooks Hooks) { e.hooks = hooks }

// SetNowFunc overrides the clock for tests.
func (e *Engine) SetNowFunc(now func() int64) { e.now = now }

// TryMatch fills the order against resting opposites until it is exhausted,
// the book no longer crosses, or the order closes. FOK orders are simulated
// first and rejected without touching the book when they cannot fill whole.
// Unfilled IOC and MARKET remainders are cancelled. Returns the taker's
// filled quantity.
func (e *Engine) TryMatch(ctx context.Context, orderID string, id Identity) (decimal.Decimal, error) {
	taker, ok := e.books.Order(orderID)
	if !ok {
		return decimal.Zero, nil
	}
	if !taker.Status.IsOpen() {
		return taker.FilledQty, nil
	}

	if taker.TimeInForce == models.TimeInForceFOK {
		potential := e.estimatePotentialFill(taker)
		if potential.LessThan(taker.Qty) {
			e.books.PatchOrder(orderID, func(rec *models.OrderRecord) {
				rec.Status = models.OrderStatusRejected
				rec.SettlementState = models.SettlementFailed
			})
			return decimal.Zero, nil
		}
	}

	for _, maker := range e.restingOpposites(taker) {
		taker, ok = e.books.Order(orderID)
		if !ok || !taker.Status.IsOpen() || taker.RemainingQty.Sign() <= 0 {
			break
		}
		if !crossesPrice(taker, maker) {
			break
		}

		fillQty := orderbook.NormalizeAmount(decimal.Min(taker.RemainingQty, maker.RemainingQty))
		if fillQty.Sign() <= 0 {
			continue
		}
		matchPrice := maker.Price
		if matchPrice.Sign() <= 0 {
			continue
		}

		match := models.MatchV1{
			MatchID:         newMatchID(e.now()),
			MarketID:        taker.MarketID,
			MakerOrderID:    maker.OrderID,
			TakerOrderID:    taker.OrderID,
			BuyOrderID:      taker.OrderID,
			SellOrderID:     maker.OrderID,
			Price:           matchPrice,
			Qty:             fillQty,
			NotionalQuote:   orderbook.NormalizeAmount(fillQty.Mul(matchPrice)),
			Sequence:        e.NextSequence(taker.MarketID),
			TS:              e.now(),
			SettlementState: models.SettlementPending,
		}
		if taker.Side == models.SideSell {
			match.BuyOrderID, match.SellOrderID = maker.OrderID, taker.OrderID
		}

		env, err := codec.Sign(match, models.SchemaDexMatch, models.SchemaDexMatch, id.envelopeSigner(), id.signOptions(match.TS))
		if err != nil {
			e.logger.Error("sign match failed", zap.String("orderId", orderID), zap.Error(err))
			break
		}
		if id.Session != nil {
			verdict := identity.Gate(id.Session.Policy(), identity.GateRequest{
				Contract: settlement.SettleContract,
				Method:   "publishMatch",
				TxKind:   "match",
				Amount:   match.NotionalQuote,
				NowMs:    e.now(),
			})
			if !verdict.OK {
				return taker.FilledQty, nil
			}
		}
		if !e.books.ApplyVerifiedEnvelope(env, models.SourceLocal) {
			break
		}
		e.publishMatch(ctx, env)
		if e.hooks.MatchPublished != nil {
			e.hooks.MatchPublished(taker.MarketID)
		}

		updatedTaker, stillThere := e.books.Order(orderID)
		settled := e.settler.Settle(ctx, match, taker, maker, settlement.Identity{
			Address: id.Address(),
			Session: id.Session,
		})
		if !settled.OK {
			reason := settled.Reason
			if reason == "" {
				reason = "settle_failed"
			}
			e.logger.Warn("settlement failed",
				zap.String("matchId", match.MatchID),
				zap.String("reason", reason))
			if e.hooks.SettleFailed != nil {
				e.hooks.SettleFailed(taker.MarketID, reason)
			}
		} else {
			e.recordConfirmLatency(max64(0, e.now()-taker.CreatedAtMs))
		}

		if !stillThere || updatedTaker.RemainingQty.Sign() <= 0 {
			break
		}
	}

	if final, ok := e.books.Order(orderID); ok {
		if final.RemainingQty.Sign() > 0 &&
			(final.TimeInForce == models.TimeInForceIOC || final.Type == models.OrderTypeMarket) {
			e.books.PatchOrder(orderID, func(rec *models.OrderRecord) {
				rec.Status = models.OrderStatusCancelled
			})
		}
	}

	final, ok := e.books.Order(orderID)
	if !ok {
		return decimal.Zero, nil
	}
	return final.FilledQty, nil
}

// estimatePotentialFill simulates the fill loop without mutating the book.
func (e *Engine) estimatePotentialFill(order models.OrderRecord) decimal.Decimal {
	remaining := order.Qty
	for _, resting := range e.restingOpposites(order) {
		if !crossesPrice(order, resting) {
			break
		}
		take := decimal.Min(remaining, resting.RemainingQty)
		remaining = remaining.Sub(take)
		if remaining.Sign() <= 0 {
			return order.Qty
		}
	}
	return orderbook.NormalizeAmount(order.Qty.Sub(remaining))
}

// restingOpposites returns open priced orders on the other side of the book,
// best price first, oldest first within a price.
func (e *Engine) restingOpposites(order models.OrderRecord) []models.OrderRecord {
	opposite := order.Side.Opposite()
	var rows []models.OrderRecord
	for _, item := range e.books.Snapshot().Orders {
		if item.MarketID != order.MarketID || item.OrderID == order.OrderID {
			continue
		}
		if item.Side != opposite || !item.Status.IsOpen() || item.Price.Sign() <= 0 {
			continue
		}
		rows = append(rows, item)
	}
	sort.SliceStable(rows, func(i, j int) bool {
		if !rows[i].Price.Equal(rows[j].Price) {
			if order.Side == models.SideBuy {
				return rows[i].Price.LessThan(rows[j].Price)
			}
			return rows[i].Price.GreaterThan(rows[j].Price)
		}
		return rows[i].CreatedAtMs < rows[j].CreatedAtMs
	})
	return rows
}

func crossesPrice(taker, maker models.OrderRecord) bool {
	if taker.Type == models.OrderTypeMarket {
		return true
	}
	if taker.Price.Sign() <= 0 || maker.Price.Sign() <= 0 {
		return false
	}
	if taker.Side == models.SideBuy {
		return taker.Price.GreaterThanOrEqual(maker.Price)
	}
	return taker.Price.LessThanOrEqual(maker.Price)
}

// NextSequence advances the market's publish sequence. The counter floors at
// the store's last observed sequence so local publishes never regress behind
// gossip. Depth publishes share this counter with matches.
func (e *Engine) NextSequence(marketID string) int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	current := e.seqByMarket[marketID]
	if last := e.books.LastSequence(marketID); last > current {
		current = last
	}
	next := current + 1
	e.seqByMarket[marketID] = next
	return next
}

// ObserveSequence raises the market's sequence floor, used when replaying
// snapshot feeds that may run ahead of the live store.
func (e *Engine) ObserveSequence(marketID string, sequence int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if sequence > e.seqByMarket[marketID] {
		e.seqByMarket[marketID] = sequence
	}
}

func (e *Engine) publishMatch(ctx context.Context, env models.Envelope) {
	raw, err := codec.EncodeEnvelope(env)
	if err != nil {
		e.logger.Error("encode match envelope failed", zap.Error(err))
		return
	}
	if err := e.bus.Publish(ctx, models.SchemaDexMatch, raw); err != nil {
		// The fill already applied locally; peers recover via snapshots.
		e.logger.Warn("publish match failed", zap.Error(err))
	}
}

func (e *Engine) recordConfirmLatency(ms int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.latencies = append(e.latencies, ms)
	if len(e.latencies) > latencySampleCap {
		e.latencies = append([]int64(nil), e.latencies[len(e.latencies)-latencySampleKeep:]...)
	}
}

// ConfirmLatencySamples returns a copy of the recent match-confirm latency
// samples feeding the spread engine's latency adjustment.
func (e *Engine) ConfirmLatencySamples() []int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]int64, len(e.latencies))
	copy(out, e.latencies)
	return out
}

// ConfirmLatencyP95 returns the p95 of the sample buffer, zero when empty.
func (e *Engine) ConfirmLatencyP95() int64 {
	samples := e.ConfirmLatencySamples()
	if len(samples) == 0 {
		return 0
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })
	idx := (len(samples) * 95) / 100
	if idx >= len(samples) {
		idx = len(samples) - 1
	}
	return samples[idx]
}

func newMatchID(nowMs int64) string {
	return fmt.Sprintf("dex-match-%d-%s", nowMs, codec.RandomHex(3))
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
