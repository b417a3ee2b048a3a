// Package metrics records protocol and settlement metrics with Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder holds the collectors. A nil *Recorder is valid and records
// nothing, so components can take one unconditionally.
type Recorder struct {
	registry *prometheus.Registry

	requests       *prometheus.CounterVec
	requestLatency *prometheus.HistogramVec
	unsolicited    *prometheus.CounterVec
	pending        prometheus.Gauge
	sessionState   *prometheus.GaugeVec
	trades         *prometheus.CounterVec
	tradeLatency   prometheus.Histogram
	payouts        *prometheus.CounterVec
}

// New creates a Recorder with its own registry.
func New() *Recorder {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Recorder{
		registry: reg,
		requests: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledgermarket_rpc_requests_total",
				Help: "Clearing node requests by method and outcome",
			},
			[]string{"method", "outcome"},
		),
		requestLatency: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ledgermarket_rpc_request_duration_seconds",
				Help:    "Round-trip time of clearing node requests",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method"},
		),
		unsolicited: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledgermarket_rpc_unsolicited_total",
				Help: "Inbound messages not matched to a pending request",
			},
			[]string{"method"},
		),
		pending: f.NewGauge(prometheus.GaugeOpts{
			Name: "ledgermarket_rpc_pending_requests",
			Help: "Requests awaiting a response",
		}),
		sessionState: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "ledgermarket_session_state",
				Help: "1 for the current session state, 0 otherwise",
			},
			[]string{"state"},
		),
		trades: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledgermarket_trades_total",
				Help: "Settled trade requests by market and final receipt status",
			},
			[]string{"market", "status"},
		),
		tradeLatency: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "ledgermarket_trade_settlement_seconds",
			Help:    "Time from accepted trade request to final receipt status",
			Buckets: prometheus.DefBuckets,
		}),
		payouts: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledgermarket_resolution_payouts_total",
				Help: "Resolution payouts by outcome",
			},
			[]string{"outcome"},
		),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry, mainly for tests.
func (r *Recorder) Registry() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.registry
}

// RecordRequest records one correlated request.
func (r *Recorder) RecordRequest(method, outcome string, d time.Duration) {
	if r == nil {
		return
	}
	r.requests.WithLabelValues(method, outcome).Inc()
	r.requestLatency.WithLabelValues(method).Observe(d.Seconds())
}

// RecordUnsolicited records a message handed to the unsolicited observer.
func (r *Recorder) RecordUnsolicited(method string) {
	if r == nil {
		return
	}
	r.unsolicited.WithLabelValues(method).Inc()
}

// SetPending sets the number of in-flight requests.
func (r *Recorder) SetPending(n int) {
	if r == nil {
		return
	}
	r.pending.Set(float64(n))
}

// SetSessionState flips the state gauge from prev to next.
func (r *Recorder) SetSessionState(prev, next string) {
	if r == nil {
		return
	}
	if prev != "" {
		r.sessionState.WithLabelValues(prev).Set(0)
	}
	r.sessionState.WithLabelValues(next).Set(1)
}

// RecordTrade records a settled trade.
func (r *Recorder) RecordTrade(market, status string, d time.Duration) {
	if r == nil {
		return
	}
	r.trades.WithLabelValues(market, status).Inc()
	r.tradeLatency.Observe(d.Seconds())
}

// RecordPayout records one resolution payout attempt.
func (r *Recorder) RecordPayout(outcome string) {
	if r == nil {
		return
	}
	r.payouts.WithLabelValues(outcome).Inc()
}
