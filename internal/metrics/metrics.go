// Package metrics exposes Prometheus collectors for the strategy engine.
// Collectors are package-level and registered in init(), the handler is
// mounted by the ops server.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// CyclesTotal counts strategy cycles by outcome (ok|skipped|error).
	CyclesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "statarb_cycles_total", Help: "Strategy cycles by outcome"},
		[]string{"pair", "outcome"},
	)
	// IntentsTotal counts order intents submitted to the venue.
	IntentsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "statarb_intents_total", Help: "Order intents submitted"},
		[]string{"pair", "side"},
	)
	// FillsTotal counts fills applied to the ledger (duplicates excluded).
	FillsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "statarb_fills_total", Help: "Fills applied"},
		[]string{"pair", "instrument"},
	)
	// RejectsTotal counts venue rejections seen during submission.
	RejectsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "statarb_rejects_total", Help: "Order rejections"},
		[]string{"pair"},
	)
	// HaltsTotal counts terminal pair halts.
	HaltsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "statarb_halts_total", Help: "Pairs halted"},
		[]string{"pair"},
	)
	// ZScore reports the latest spread z-score per pair.
	ZScore = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Name: "statarb_zscore", Help: "Latest spread z-score"},
		[]string{"pair"},
	)
	// PairState reports the lifecycle state as a numeric gauge
	// (0 flat, 1 entering, 2 open, 3 exiting).
	PairState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Name: "statarb_pair_state", Help: "Pair lifecycle state (0=flat 1=entering 2=open 3=exiting)"},
		[]string{"pair"},
	)
	// Exposure reports signed per-leg quantity.
	Exposure = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Name: "statarb_exposure_qty", Help: "Signed open quantity per leg"},
		[]string{"pair", "instrument"},
	)
)

func init() {
	prometheus.MustRegister(
		CyclesTotal, IntentsTotal, FillsTotal, RejectsTotal,
		HaltsTotal, ZScore, PairState, Exposure,
	)
}

// Handler returns the Prometheus exposition handler for mounting on the ops
// router.
func Handler() http.Handler {
	return promhttp.Handler()
}
