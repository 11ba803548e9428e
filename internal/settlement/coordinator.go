// Package settlement drives on-chain escrow for matched fills. The buyer
// side locks quote credits into an escrow, the seller side releases the
// base asset against it. Settlement failures never unwind fills: the match
// stays on the book in FAILED state for operators to reconcile.
package settlement

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/meshdex/meshdex/internal/codec"
	"github.com/meshdex/meshdex/internal/identity"
	"github.com/meshdex/meshdex/internal/ledger"
	"github.com/meshdex/meshdex/internal/models"
	"github.com/meshdex/meshdex/internal/orderbook"
)

// SettleContract and friends name the on-chain action checked against a
// delegated session policy before the buyer side locks funds.
const (
	SettleContract = "meshdex.dex"
	SettleMethod   = "settleMatch"
	SettleTxKind   = "settle"
)

// EscrowTTL is how long a dex escrow lock stays claimable.
const EscrowTTL = 30 * time.Minute

// Identity is the local participant settling the match.
type Identity struct {
	Address string
	// Session, when set, gates the buyer-side lock through the delegated
	// policy and stamps its policyRef onto the lock transaction.
	Session *identity.SessionSigner
}

// Result reports the outcome of one settlement attempt.
type Result struct {
	OK            bool
	Reason        string
	State         models.SettlementState
	EscrowID      string
	LockTxHash    string
	ReleaseTxHash string
}

// Hooks are optional observer callbacks.
type Hooks struct {
	PolicyReject func(code, action, marketID string)
}

// Coordinator settles matches against the ledger and patches the stored
// match record as each leg lands.
type Coordinator struct {
	books   *orderbook.Store
	markets *models.MarketSet
	gateway ledger.Gateway
	logger  *zap.Logger
	hooks   Hooks
	now     func() int64
}

// NewCoordinator wires a settlement coordinator.
func NewCoordinator(books *orderbook.Store, markets *models.MarketSet, gateway ledger.Gateway, logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		books:   books,
		markets: markets,
		gateway: gateway,
		logger:  logger,
		now:     func() int64 { return time.Now().UnixMilli() },
	}
}

// SetHooks installs observer callbacks.
func (c *Coordinator) SetHooks(hooks Hooks) { c.hooks = hooks }

// SetNowFunc overrides the clock for tests.
func (c *Coordinator) SetNowFunc(now func() int64) { c.now = now }

// Settle executes the legs of match that the local identity is responsible
// for. A node that is neither buyer nor seller does nothing. When both
// sides belong to the same local address, both legs run here.
func (c *Coordinator) Settle(ctx context.Context, match models.MatchV1, taker, maker models.OrderRecord, id Identity) Result {
	if id.Address != taker.MakerAddress && id.Address != maker.MakerAddress {
		return Result{OK: true, State: models.SettlementPending}
	}
	market, ok := c.markets.Market(match.MarketID)
	if !ok {
		return Result{OK: false, Reason: "unsupported_market"}
	}

	buyOrder, sellOrder := taker, maker
	if taker.Side == models.SideSell {
		buyOrder, sellOrder = maker, taker
	}
	selfTrade := buyOrder.MakerAddress == sellOrder.MakerAddress

	escrowID := codec.NewDexEscrowID(match.MarketID, match.MatchID)
	var lockTxHash string

	if id.Address == buyOrder.MakerAddress || selfTrade {
		if id.Session != nil {
			verdict := identity.Gate(id.Session.Policy(), identity.GateRequest{
				Contract: SettleContract,
				Method:   SettleMethod,
				TxKind:   SettleTxKind,
				Amount:   match.NotionalQuote,
				NowMs:    c.now(),
			})
			if !verdict.OK {
				c.logger.Warn("settle blocked by session policy",
					zap.String("matchId", match.MatchID),
					zap.String("code", verdict.Code))
				if c.hooks.PolicyReject != nil {
					c.hooks.PolicyReject(verdict.Code, SettleMethod, match.MarketID)
				}
				return Result{OK: false, Reason: verdict.Code}
			}
		}
		req := ledger.TxRequest{
			ChainID: ledger.DefaultChainID,
			Sender:  id.Address,
			TxType:  ledger.TxTypeEscrowLock,
			Payload: map[string]any{
				"escrow_id":  escrowID,
				"payer":      buyOrder.MakerAddress,
				"payee":      sellOrder.MakerAddress,
				"amount":     match.NotionalQuote.String(),
				"expires_at": c.now() + EscrowTTL.Milliseconds(),
			},
		}
		if id.Session != nil {
			req.PolicyRef = id.Session.PolicyRefHex()
		}
		lock, err := c.gateway.SubmitTx(ctx, req)
		if err != nil || !lock.OK {
			reason := "escrow_lock_failed"
			if err != nil {
				c.logger.Error("escrow lock submit failed",
					zap.String("matchId", match.MatchID), zap.Error(err))
			} else if lock.Reason != "" {
				reason = lock.Reason
			}
			c.patchSettlement(match.MatchID, models.SettlementFailed, escrowID, lock.TxHash, "")
			return Result{OK: false, Reason: reason, State: models.SettlementFailed, EscrowID: escrowID}
		}
		lockTxHash = lock.TxHash
		c.patchSettlement(match.MatchID, models.SettlementLocked, escrowID, lockTxHash, "")
	}

	if id.Address == sellOrder.MakerAddress || selfTrade {
		release, err := c.gateway.SubmitTx(ctx, ledger.TxRequest{
			ChainID: ledger.DefaultChainID,
			Sender:  id.Address,
			TxType:  ledger.TxTypeAssetTransfer,
			Payload: map[string]any{
				"ref":      escrowID,
				"from":     sellOrder.MakerAddress,
				"to":       buyOrder.MakerAddress,
				"asset_id": market.AssetID,
				"amount":   match.Qty.String(),
			},
		})
		if err != nil || !release.OK {
			reason := "asset_release_failed"
			if err != nil {
				c.logger.Error("asset release submit failed",
					zap.String("matchId", match.MatchID), zap.Error(err))
			} else if release.Reason != "" {
				reason = release.Reason
			}
			c.patchSettlement(match.MatchID, models.SettlementFailed, escrowID, lockTxHash, release.TxHash)
			return Result{
				OK: false, Reason: reason, State: models.SettlementFailed,
				EscrowID: escrowID, LockTxHash: lockTxHash,
			}
		}
		c.patchSettlement(match.MatchID, models.SettlementReleased, escrowID, lockTxHash, release.TxHash)
		return Result{
			OK: true, State: models.SettlementReleased,
			EscrowID: escrowID, LockTxHash: lockTxHash, ReleaseTxHash: release.TxHash,
		}
	}

	// Only the buyer leg ran locally; the seller peer completes the release.
	state := models.SettlementPending
	if lockTxHash != "" {
		state = models.SettlementLocked
	}
	return Result{OK: true, State: state, EscrowID: escrowID, LockTxHash: lockTxHash}
}

func (c *Coordinator) patchSettlement(matchID string, state models.SettlementState, escrowID, lockTxHash, releaseTxHash string) {
	c.books.PatchMatch(matchID, func(rec *models.MatchRecord) {
		rec.SettlementState = state
		rec.EscrowID = escrowID
		if lockTxHash != "" {
			rec.LockTxHash = lockTxHash
		}
		if releaseTxHash != "" {
			rec.ReleaseTxHash = releaseTxHash
		}
		rec.Source = models.SourceLocal
	})
}
