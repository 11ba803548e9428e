// Package orchestrator runs the order-book sync plane: gossip subscriptions,
// snapshot catch-up, peer discovery, the order submit pipeline, depth
// publishing, and the marketplace fallback and hedge wiring.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/meshdex/meshdex/internal/bridge"
	"github.com/meshdex/meshdex/internal/codec"
	"github.com/meshdex/meshdex/internal/identity"
	"github.com/meshdex/meshdex/internal/limits"
	"github.com/meshdex/meshdex/internal/marketplace"
	"github.com/meshdex/meshdex/internal/matching"
	"github.com/meshdex/meshdex/internal/models"
	"github.com/meshdex/meshdex/internal/orderbook"
	"github.com/meshdex/meshdex/internal/spread"
	"github.com/meshdex/meshdex/internal/transport"
)

var errMissingSigner = errors.New("missing signer")

const (
	DiscoveryInterval      = 45 * time.Second
	SnapshotInterval       = 20 * time.Second
	DepthStalenessInterval = 5 * time.Second

	// Staleness reported for a market with no depth at all.
	stalenessUnknownMs = 99_999

	depthMaxLevels   = 24
	orderTTL         = 30 * time.Minute
	rendezvousTTLMs  = 300_000
	discoveryFanout  = 64
	recentVolWindow  = 60_000
	submitGateMethod = "placeLimitOrder"
	submitGateTxKind = "order"
	gateContract     = "meshdex.dex"
)

// SubmitOrderInput is one order intent from the local maker.
type SubmitOrderInput struct {
	MarketID      string
	Side          models.Side
	Type          models.OrderType
	TimeInForce   models.TimeInForce
	Qty           decimal.Decimal
	Price         decimal.Decimal
	ClientOrderID string
	Metadata      map[string]json.RawMessage
}

// SubmitOrderResult reports the pipeline outcome.
type SubmitOrderResult struct {
	OK              bool
	OrderID         string
	Reason          string
	FilledQty       decimal.Decimal
	FallbackOrderID string
}

// Hooks are optional observer callbacks, wired to metrics in production.
type Hooks struct {
	OrderSubmitted   func(marketID string, side models.Side, orderType models.OrderType, tif models.TimeInForce)
	MatchApplied     func(marketID string)
	SpreadQuoted     func(marketID string, result SpreadQuote)
	DepthStaleness   func(marketID string, ms int64)
	PolicyReject     func(code, action, marketID string)
	FallbackExecuted func(marketID string)
	HedgeExecuted    func(marketID string)
	SessionState     func(state SessionState)
}

// SpreadQuote is the decomposed spread used for one submit.
type SpreadQuote struct {
	BaseSpreadBps      int64
	MaxSpreadBps       int64
	VolAdjBps          int64
	InvAdjBps          int64
	LatencyAdjBps      int64
	EffectiveSpreadBps int64
}

// Options wires an orchestrator.
type Options struct {
	Books       *orderbook.Store
	Markets     *models.MarketSet
	Matcher     *matching.Engine
	Bridge      *bridge.Bridge
	Bus         transport.Bus
	Feed        transport.SnapshotFeed
	Discovery   transport.Discovery
	Daily       *limits.DailyEngine
	Exposure    *limits.ExposureLedger
	Vault       *identity.SessionVault
	Signer      *identity.KeySigner
	PeerID      string
	PolicyGroup string
	Logger      *zap.Logger
}

// Orchestrator is the long-running sync service for the order-book plane.
type Orchestrator struct {
	books     *orderbook.Store
	markets   *models.MarketSet
	matcher   *matching.Engine
	bridge    *bridge.Bridge
	bus       transport.Bus
	feed      transport.SnapshotFeed
	discovery transport.Discovery
	daily     *limits.DailyEngine
	exposure  *limits.ExposureLedger
	vault     *identity.SessionVault
	logger    *zap.Logger

	peerID      string
	policyGroup string
	hooks       Hooks
	now         func() int64

	mu             sync.Mutex
	started        bool
	cancel         context.CancelFunc
	wg             sync.WaitGroup
	unsubs         []func()
	signer         *identity.KeySigner
	session        *identity.SessionSigner
	sessionEnabled bool
	watcher        *bridge.Watcher
}

// New validates options and builds an orchestrator. The signer may be nil and
// set later; p2p consumption works without one.
func New(opts Options) (*Orchestrator, error) {
	if opts.Books == nil || opts.Markets == nil || opts.Matcher == nil || opts.Bus == nil {
		return nil, fmt.Errorf("orchestrator requires books, markets, matcher and bus")
	}
	if opts.Daily == nil || opts.Exposure == nil {
		return nil, fmt.Errorf("orchestrator requires limit engines")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	discovery := opts.Discovery
	if discovery == nil {
		discovery = transport.NoopDiscovery{}
	}
	return &Orchestrator{
		books:       opts.Books,
		markets:     opts.Markets,
		matcher:     opts.Matcher,
		bridge:      opts.Bridge,
		bus:         opts.Bus,
		feed:        opts.Feed,
		discovery:   discovery,
		daily:       opts.Daily,
		exposure:    opts.Exposure,
		vault:       opts.Vault,
		logger:      logger,
		peerID:      opts.PeerID,
		policyGroup: opts.PolicyGroup,
		signer:      opts.Signer,
		now:         func() int64 { return time.Now().UnixMilli() },
	}, nil
}

// SetHooks installs observer callbacks.
func (o *Orchestrator) SetHooks(hooks Hooks) { o.hooks = hooks }

// SetNowFunc overrides the clock for tests.
func (o *Orchestrator) SetNowFunc(now func() int64) { o.now = now }

// SetSigner replaces the local signing identity. Changing wallets drops any
// active session; a vaulted session for the new wallet is restored.
func (o *Orchestrator) SetSigner(signer *identity.KeySigner) {
	o.mu.Lock()
	prev := ""
	if o.signer != nil {
		prev = o.signer.PublicKeyHex()
	}
	o.signer = signer
	o.mu.Unlock()

	if signer == nil {
		o.DisableSession("signer_cleared")
		return
	}
	o.mu.Lock()
	mismatch := o.session != nil && o.session.Policy().WalletID != signer.PublicKeyHex()
	restore := o.session == nil && prev != signer.PublicKeyHex()
	o.mu.Unlock()
	if mismatch {
		o.DisableSession("wallet_changed")
		return
	}
	if restore {
		o.restoreSession()
	}
}

// Start subscribes to gossip, restores any vaulted session, performs an
// initial snapshot replay and discovery pass, then runs the periodic loops.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	if o.started {
		o.mu.Unlock()
		return nil
	}
	o.started = true
	ctx, o.cancel = context.WithCancel(ctx)
	o.mu.Unlock()

	for _, topic := range models.DexTopics() {
		unsub, err := o.bus.Subscribe(topic, o.handleGossip)
		if err != nil {
			o.Stop()
			return fmt.Errorf("subscribe %s: %w", topic, err)
		}
		o.mu.Lock()
		o.unsubs = append(o.unsubs, unsub)
		o.mu.Unlock()
	}

	o.restoreSession()
	o.replaySnapshot(ctx)
	o.refreshDiscovery(ctx)

	o.runLoop(ctx, DiscoveryInterval, func() { o.refreshDiscovery(ctx) })
	o.runLoop(ctx, SnapshotInterval, func() { o.replaySnapshot(ctx) })
	o.runLoop(ctx, DepthStalenessInterval, o.EmitDepthStaleness)

	if o.bridge != nil {
		watcher := bridge.NewWatcher(o.bridge, bridge.WatcherOptions{
			LocalAddresses: o.localAddresses,
			OnHedgeSignal:  o.handleHedgeSignal,
			EmitLink:       o.publishLink,
		}, o.logger)
		watcher.Start(ctx)
		o.mu.Lock()
		o.watcher = watcher
		o.mu.Unlock()
	}
	return nil
}

// Stop cancels the loops and unsubscribes. In-flight settlements are not
// interrupted; their patches are idempotent.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	if !o.started {
		o.mu.Unlock()
		return
	}
	o.started = false
	cancel := o.cancel
	o.cancel = nil
	unsubs := o.unsubs
	o.unsubs = nil
	watcher := o.watcher
	o.watcher = nil
	o.mu.Unlock()

	if watcher != nil {
		watcher.Stop()
	}
	for _, unsub := range unsubs {
		unsub()
	}
	if cancel != nil {
		cancel()
	}
	o.wg.Wait()
}

func (o *Orchestrator) runLoop(ctx context.Context, interval time.Duration, fn func()) {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				fn()
			}
		}
	}()
}

func (o *Orchestrator) localAddresses() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.signer == nil {
		return nil
	}
	return []string{o.signer.PublicKeyHex()}
}

type payloadHeader struct {
	MarketID string `json:"marketId"`
	Sequence int64  `json:"sequence"`
}

func (o *Orchestrator) handleGossip(_ context.Context, topic string, data []byte) {
	if !o.books.ApplyEnvelope(data, models.SourceP2P, orderbook.ApplyOptions{NowMs: o.now()}) {
		return
	}
	env, err := codec.DecodeEnvelope(data)
	if err != nil {
		return
	}
	var header payloadHeader
	_ = json.Unmarshal(env.Payload, &header)
	switch topic {
	case models.SchemaDexMatch:
		if o.hooks.MatchApplied != nil {
			o.hooks.MatchApplied(header.MarketID)
		}
	case models.SchemaDexDepth:
		if o.hooks.DepthStaleness != nil {
			o.hooks.DepthStaleness(header.MarketID, 0)
		}
	}
}

// replaySnapshot folds the feed's retained messages into the store. Replay
// protection is disabled: snapshot items legitimately repeat live gossip.
func (o *Orchestrator) replaySnapshot(ctx context.Context) {
	if o.feed == nil {
		return
	}
	items, err := o.feed.FetchSnapshot(ctx)
	if err != nil {
		o.logger.Warn("snapshot fetch failed", zap.Error(err))
		return
	}
	checkReplay := false
	for _, item := range items {
		if !models.IsDexSchema(item.Topic) {
			continue
		}
		env, err := codec.DecodeEnvelope(item.Data)
		if err != nil {
			continue
		}
		o.books.ApplyEnvelope(item.Data, models.SourceP2P, orderbook.ApplyOptions{
			CheckReplay: &checkReplay,
			NowMs:       o.now(),
		})
		var header payloadHeader
		if err := json.Unmarshal(env.Payload, &header); err == nil && header.MarketID != "" {
			o.matcher.ObserveSequence(header.MarketID, header.Sequence)
		}
	}
}

func (o *Orchestrator) refreshDiscovery(ctx context.Context) {
	peers, err := o.discovery.Discover(ctx, models.DexRendezvousNS, discoveryFanout)
	if err != nil {
		o.logger.Warn("peer discovery failed", zap.Error(err))
		return
	}
	if len(peers) > 0 {
		o.logger.Debug("discovered peers", zap.Int("count", len(peers)))
	}
	if err := o.discovery.Advertise(ctx, models.DexRendezvousNS, rendezvousTTLMs); err != nil {
		o.logger.Warn("rendezvous advertise failed", zap.Error(err))
	}
}

// EmitDepthStaleness reports the age of every market's depth snapshot
// through the staleness hook. Runs on a ticker; callable on demand.
func (o *Orchestrator) EmitDepthStaleness() {
	if o.hooks.DepthStaleness == nil {
		return
	}
	now := o.now()
	for _, market := range o.markets.Markets() {
		depth := o.books.Depth(market.MarketID)
		staleness := int64(stalenessUnknownMs)
		if depth != nil {
			staleness = now - depth.UpdatedAtMs
			if staleness < 0 {
				staleness = 0
			}
		}
		o.hooks.DepthStaleness(market.MarketID, staleness)
	}
}

// SubmitOrder runs the full submit pipeline: lot rounding, daily limit,
// spread-derived pricing, tick rounding, session policy gate, sign + local
// apply + publish, limit consumption, matching, depth publish, and the
// marketplace fallback for unfilled buys.
func (o *Orchestrator) SubmitOrder(ctx context.Context, input SubmitOrderInput) SubmitOrderResult {
	o.mu.Lock()
	signer := o.signer
	o.mu.Unlock()
	if signer == nil {
		return SubmitOrderResult{Reason: "missing_signer"}
	}
	if reason := o.ensureSessionActive(signer); reason != "" {
		return SubmitOrderResult{Reason: reason}
	}
	session := o.activeSession()

	market, ok := o.markets.Market(input.MarketID)
	if !ok {
		return SubmitOrderResult{Reason: "unsupported_market"}
	}

	qty := models.RoundToLot(input.Qty, market.LotSize)
	if qty.Sign() <= 0 {
		return SubmitOrderResult{Reason: "invalid_qty"}
	}

	now := o.now()
	dailyLimit := qty
	fund, hasFund := o.markets.MakerFund(market.BaseAsset)
	if hasFund {
		dailyLimit = fund.DailyLimit
	}
	limitInput := limits.CheckInput{
		PolicyGroupID: o.policyGroup,
		AssetCode:     market.BaseAsset,
		Qty:           qty,
		DailyLimit:    dailyLimit,
		NowMs:         now,
	}
	if check := o.daily.Check(limitInput); !check.OK {
		return SubmitOrderResult{Reason: orReason(check.Reason, limits.ReasonDailyLimitExceeded)}
	}

	quote := o.computeSpread(input.MarketID, signer.PublicKeyHex(), fund)
	if o.hooks.SpreadQuoted != nil {
		o.hooks.SpreadQuoted(input.MarketID, quote)
	}

	tif := input.TimeInForce
	if tif == "" {
		if input.Type == models.OrderTypeMarket {
			tif = models.TimeInForceIOC
		} else {
			tif = models.TimeInForceGTC
		}
	}

	bid, ask := orderbook.BestBidAsk(o.books.Depth(input.MarketID))
	mid := midPrice(bid, ask)
	price := o.derivePrice(input, mid, quote.EffectiveSpreadBps, market.TickSize)

	notionalBase := price
	if notionalBase.Sign() <= 0 {
		notionalBase = mid
	}
	estimatedNotional := orderbook.NormalizeAmount(qty.Mul(notionalBase))

	if session != nil {
		if reason := o.gateSubmit(session, input.MarketID, estimatedNotional, now); reason != "" {
			return SubmitOrderResult{Reason: reason}
		}
	}

	order := models.OrderV1{
		OrderID:       newID("dex-ord", now),
		ClientOrderID: input.ClientOrderID,
		MarketID:      input.MarketID,
		Side:          input.Side,
		Type:          input.Type,
		TimeInForce:   tif,
		Price:         price,
		Qty:           qty,
		RemainingQty:  qty,
		MakerAddress:  signer.PublicKeyHex(),
		MakerPeerID:   o.peerID,
		CreatedAtMs:   now,
		ExpiresAtMs:   now + orderTTL.Milliseconds(),
		Metadata:      input.Metadata,
	}

	if !o.publishOrder(ctx, order, signer, session) {
		return SubmitOrderResult{Reason: "order_publish_failed"}
	}

	if consumed := o.daily.Consume(limitInput); !consumed.OK {
		o.rejectOrder(order.OrderID)
		return SubmitOrderResult{Reason: orReason(consumed.Reason, limits.ReasonDailyLimitExceeded)}
	}

	if session != nil {
		exposure := o.exposure.Consume(session.Policy(), estimatedNotional, now)
		if !exposure.OK {
			o.rejectOrder(order.OrderID)
			code := orReason(exposure.Reason, identity.PolicyDeniedLimit)
			o.rejectPolicy(code, submitGateMethod, input.MarketID)
			return SubmitOrderResult{Reason: code}
		}
		o.emitSessionState("session_exposure_consumed")
	}

	if o.hooks.OrderSubmitted != nil {
		o.hooks.OrderSubmitted(input.MarketID, input.Side, input.Type, tif)
	}

	filled, err := o.matcher.TryMatch(ctx, order.OrderID, matching.Identity{Root: signer, Session: session})
	if err != nil {
		o.logger.Warn("match pass failed", zap.String("orderId", order.OrderID), zap.Error(err))
	}
	o.publishDepth(ctx, input.MarketID, signer)

	result := SubmitOrderResult{OK: true, OrderID: order.OrderID, FilledQty: filled}
	if filled.Sign() <= 0 && o.bridge != nil && allowFallback(input.Metadata) {
		fallback := o.bridge.RunFallback(ctx, bridge.FallbackInput{
			MarketID: input.MarketID,
			Side:     input.Side,
			Qty:      qty,
			OrderID:  order.OrderID,
			Signer:   marketplace.SignerIdentity{Signer: signer, PeerID: o.peerID},
			EmitLink: o.publishLink,
		})
		if fallback.OK {
			result.FallbackOrderID = fallback.MarketOrderID
			if o.hooks.FallbackExecuted != nil {
				o.hooks.FallbackExecuted(input.MarketID)
			}
		}
	}
	return result
}

func (o *Orchestrator) gateSubmit(session *identity.SessionSigner, marketID string, notional decimal.Decimal, now int64) string {
	if notional.Sign() <= 0 {
		o.rejectPolicy(identity.PolicyDeniedAmount, submitGateMethod, marketID)
		return identity.PolicyDeniedAmount
	}
	verdict := identity.Gate(session.Policy(), identity.GateRequest{
		Contract: gateContract,
		Method:   submitGateMethod,
		TxKind:   submitGateTxKind,
		Amount:   notional,
		NowMs:    now,
	})
	if !verdict.OK {
		code := orReason(verdict.Code, identity.PolicyDeniedInvalidPolicy)
		o.rejectPolicy(code, submitGateMethod, marketID)
		return code
	}
	return ""
}

func (o *Orchestrator) rejectPolicy(code, action, marketID string) {
	if o.hooks.PolicyReject != nil {
		o.hooks.PolicyReject(code, action, marketID)
	}
}

func (o *Orchestrator) rejectOrder(orderID string) {
	o.books.PatchOrder(orderID, func(rec *models.OrderRecord) {
		rec.Status = models.OrderStatusRejected
		rec.SettlementState = models.SettlementFailed
	})
}

func (o *Orchestrator) derivePrice(input SubmitOrderInput, mid decimal.Decimal, spreadBps int64, tick decimal.Decimal) decimal.Decimal {
	var derived decimal.Decimal
	if input.Type == models.OrderTypeMarket {
		derived = spread.QuoteWithSpread(mid, input.Side, spreadBps)
	} else if input.Price.Sign() > 0 {
		derived = input.Price
	} else {
		base := mid
		if base.Sign() <= 0 {
			base = decimal.NewFromInt(1)
		}
		derived = spread.QuoteWithSpread(base, input.Side, spreadBps)
	}
	if derived.Sign() <= 0 {
		return decimal.Zero
	}
	return models.RoundToTick(derived, tick)
}

func (o *Orchestrator) publishOrder(ctx context.Context, order models.OrderV1, signer *identity.KeySigner, session *identity.SessionSigner) bool {
	opts := codec.SignOptions{TS: order.CreatedAtMs}
	var envSigner codec.Signer = signer
	if session != nil {
		envSigner = session
		opts.PolicyRef = session.PolicyRefHex()
		opts.SessionContext = session.Context()
	}
	env, err := codec.Sign(order, models.SchemaDexOrder, models.SchemaDexOrder, envSigner, opts)
	if err != nil {
		o.logger.Error("sign order envelope failed", zap.Error(err))
		return false
	}
	o.books.ApplyVerifiedEnvelope(env, models.SourceLocal)
	raw, err := codec.EncodeEnvelope(env)
	if err != nil {
		o.rejectOrder(order.OrderID)
		return false
	}
	if err := o.bus.Publish(ctx, models.SchemaDexOrder, raw); err != nil {
		o.logger.Warn("publish order failed", zap.String("orderId", order.OrderID), zap.Error(err))
		o.rejectOrder(order.OrderID)
		return false
	}
	return true
}

// publishDepth rebuilds the market's depth from open orders and gossips it.
// Without a signer the depth is only stored locally.
func (o *Orchestrator) publishDepth(ctx context.Context, marketID string, signer *identity.KeySigner) {
	depth := orderbook.BuildDepthFromOrders(marketID, o.matcher.NextSequence(marketID), o.books.OpenOrders(marketID), depthMaxLevels, o.now())
	if signer == nil {
		o.books.UpsertDepth(models.DepthRecord{DepthV1: depth, UpdatedAtMs: o.now()})
		return
	}
	env, err := codec.Sign(depth, models.SchemaDexDepth, models.SchemaDexDepth, signer, codec.SignOptions{TS: depth.TS})
	if err != nil {
		o.logger.Error("sign depth envelope failed", zap.Error(err))
		return
	}
	o.books.ApplyVerifiedEnvelope(env, models.SourceLocal)
	raw, err := codec.EncodeEnvelope(env)
	if err != nil {
		return
	}
	if err := o.bus.Publish(ctx, models.SchemaDexDepth, raw); err != nil {
		o.logger.Warn("publish depth failed", zap.String("marketId", marketID), zap.Error(err))
	}
}

func (o *Orchestrator) publishLink(ctx context.Context, link models.LinkV1) {
	o.mu.Lock()
	signer := o.signer
	o.mu.Unlock()
	if signer == nil {
		o.books.UpsertLink(models.LinkRecord{LinkV1: link, Source: models.SourceLocal})
		return
	}
	env, err := codec.Sign(link, models.SchemaDexLink, models.SchemaDexLink, signer, codec.SignOptions{TS: link.TS})
	if err != nil {
		o.logger.Error("sign link envelope failed", zap.Error(err))
		return
	}
	o.books.ApplyVerifiedEnvelope(env, models.SourceLocal)
	raw, err := codec.EncodeEnvelope(env)
	if err != nil {
		return
	}
	if err := o.bus.Publish(ctx, models.SchemaDexLink, raw); err != nil {
		o.logger.Warn("publish link failed", zap.String("linkId", link.LinkID), zap.Error(err))
	}
}

func (o *Orchestrator) handleHedgeSignal(ctx context.Context, signal bridge.HedgeSignal) bridge.HedgeResult {
	o.mu.Lock()
	hasSigner := o.signer != nil
	o.mu.Unlock()
	if !hasSigner {
		return bridge.HedgeResult{Reason: "missing_signer"}
	}
	result := o.SubmitOrder(ctx, SubmitOrderInput{
		MarketID:    signal.MarketID,
		Side:        signal.Side,
		Type:        models.OrderTypeMarket,
		TimeInForce: models.TimeInForceIOC,
		Qty:         signal.Qty,
		Metadata: map[string]json.RawMessage{
			"source":         json.RawMessage(`"c2c_hedge"`),
			"relatedTradeId": mustRawString(signal.RelatedTradeID),
			"noFallback":     json.RawMessage(`true`),
		},
	})
	if result.OK && o.hooks.HedgeExecuted != nil {
		o.hooks.HedgeExecuted(signal.MarketID)
	}
	return bridge.HedgeResult{OK: result.OK, OrderID: result.OrderID, Reason: result.Reason}
}

// computeSpread derives the effective spread from recent match volatility,
// local inventory skew, and match-confirm latency.
func (o *Orchestrator) computeSpread(marketID, makerAddress string, fund models.MakerFundConfig) SpreadQuote {
	baseBps := fund.BaseSpreadBps
	maxBps := fund.MaxSpreadBps
	if baseBps <= 0 {
		baseBps = 10
	}
	if maxBps <= 0 {
		maxBps = 30
	}

	now := o.now()
	var prices []decimal.Decimal
	for _, match := range o.books.RecentMatches(marketID, 0) {
		if now-match.TS <= recentVolWindow {
			prices = append(prices, match.Price)
		}
	}
	volBps := spread.VolAdjBps(prices)

	bought := decimal.Zero
	sold := decimal.Zero
	for _, order := range o.books.Snapshot().Orders {
		if order.MarketID != marketID || order.MakerAddress != makerAddress {
			continue
		}
		if order.Side == models.SideBuy {
			bought = bought.Add(order.FilledQty)
		} else {
			sold = sold.Add(order.FilledQty)
		}
	}
	turnover := bought.Add(sold)
	if turnover.Sign() <= 0 {
		turnover = decimal.NewFromInt(1)
	}
	invAdjBps := spread.InventoryAdjBps(bought.Sub(sold), turnover)

	latencyP95 := o.matcher.ConfirmLatencyP95()
	latencyAdjBps := spread.LatencyAdjBps(latencyP95)

	result := spread.Effective(spread.Input{
		BaseSpreadBps: baseBps,
		MaxSpreadBps:  maxBps,
		VolatilityBps: volBps,
		InventorySkew: float64(invAdjBps) / float64(max64(1, baseBps)) * 0.5,
		LatencyP95Ms:  latencyP95 + latencyAdjBps*10,
	})
	return SpreadQuote{
		BaseSpreadBps:      result.BaseSpreadBps,
		MaxSpreadBps:       result.MaxSpreadBps,
		VolAdjBps:          result.VolAdjBps,
		InvAdjBps:          result.InvAdjBps,
		LatencyAdjBps:      result.LatencyAdjBps,
		EffectiveSpreadBps: result.EffectiveSpreadBps,
	}
}

func allowFallback(metadata map[string]json.RawMessage) bool {
	if metadata == nil {
		return true
	}
	if rawTrue(metadata["noFallback"]) || rawTrue(metadata["skipFallback"]) {
		return false
	}
	if raw, ok := metadata["source"]; ok {
		var source string
		if json.Unmarshal(raw, &source) == nil && source == "c2c_hedge" {
			return false
		}
	}
	return true
}

func rawTrue(raw json.RawMessage) bool {
	if raw == nil {
		return false
	}
	var value bool
	return json.Unmarshal(raw, &value) == nil && value
}

func midPrice(bid, ask decimal.Decimal) decimal.Decimal {
	if bid.Sign() > 0 && ask.Sign() > 0 {
		return bid.Add(ask).Div(decimal.NewFromInt(2))
	}
	if bid.Sign() > 0 {
		return bid
	}
	return ask
}

func orReason(reason, fallback string) string {
	if reason != "" {
		return reason
	}
	return fallback
}

func newID(prefix string, nowMs int64) string {
	return fmt.Sprintf("%s-%d-%s", prefix, nowMs, codec.RandomHex(3))
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

func mustRawString(value string) json.RawMessage {
	raw, err := json.Marshal(value)
	if err != nil {
		return json.RawMessage(`""`)
	}
	return raw
}
