// Package metrics defines the node's Prometheus collectors. Collectors are
// package vars registered on the default registry; callers wire them to the
// engine hooks at startup.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// OrdersSubmitted counts orders entering the submit pipeline.
var OrdersSubmitted = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "meshdex_orders_submitted_total",
		Help: "Orders submitted to the book, labelled by market and side",
	},
	[]string{"market", "side", "type"},
)

// MatchesApplied counts match envelopes applied to the local book, local
// fills and gossip alike.
var MatchesApplied = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "meshdex_matches_applied_total",
		Help: "Match records applied to the local book",
	},
	[]string{"market"},
)

// EffectiveSpreadBps tracks the spread quoted per submit.
var EffectiveSpreadBps = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "meshdex_effective_spread_bps",
		Help: "Effective spread in basis points from the last quote",
	},
	[]string{"market"},
)

// DepthStalenessMs tracks the age of each market's depth snapshot.
var DepthStalenessMs = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "meshdex_depth_staleness_ms",
		Help: "Milliseconds since the market's depth snapshot was updated",
	},
	[]string{"market"},
)

// PolicyRejects counts session policy denials.
var PolicyRejects = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "meshdex_policy_rejects_total",
		Help: "Actions denied by the delegated session policy",
	},
	[]string{"code", "action"},
)

// FallbacksExecuted counts order-book buys routed to the marketplace.
var FallbacksExecuted = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "meshdex_fallbacks_executed_total",
		Help: "Unfilled buys that purchased a marketplace listing instead",
	},
	[]string{"market"},
)

// HedgesExecuted counts marketplace trades hedged on the book.
var HedgesExecuted = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "meshdex_hedges_executed_total",
		Help: "Settled marketplace trades offset with a book order",
	},
	[]string{"market"},
)

// SettleFailures counts settlement legs that did not land.
var SettleFailures = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "meshdex_settle_failures_total",
		Help: "Match settlement attempts that failed",
	},
	[]string{"market", "reason"},
)

// SessionActive reports whether a delegated session is live.
var SessionActive = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Name: "meshdex_session_active",
		Help: "1 while a delegated session key is active, 0 otherwise",
	},
)

// SessionExposure reports the session's consumed notional.
var SessionExposure = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Name: "meshdex_session_exposure_notional",
		Help: "Notional consumed against the session amount cap",
	},
)

// MarketplaceOrders counts marketplace order state transitions.
var MarketplaceOrders = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "meshdex_marketplace_orders_total",
		Help: "Marketplace orders by terminal state",
	},
	[]string{"state"},
)

func init() {
	prometheus.MustRegister(
		OrdersSubmitted, MatchesApplied, EffectiveSpreadBps, DepthStalenessMs,
		PolicyRejects, FallbacksExecuted, HedgesExecuted, SettleFailures,
		SessionActive, SessionExposure, MarketplaceOrders,
	)
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
