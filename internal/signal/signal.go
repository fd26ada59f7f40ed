// Package signal computes the mean-reverting spread statistics that drive the
// execution controller: spread = priceA − hedgeRatio·priceB and its rolling
// z-score over a lookback window. Everything here is a pure function of its
// inputs; the caller owns the rolling window.
package signal

import (
	"errors"
	"math"
	"time"

	"statarb-go/internal/broker"
)

// ErrInsufficientData signals fewer aligned samples than the lookback window.
// The cycle is skipped; no order decision is made on a short window.
var ErrInsufficientData = errors.New("insufficient aligned samples")

// ErrDegenerateSpread signals a zero rolling standard deviation. The z-score
// is undefined there, so the failure is explicit instead of a division blowup.
var ErrDegenerateSpread = errors.New("degenerate spread: zero rolling stddev")

// Sample is the spread observation for one cycle.
type Sample struct {
	Time   time.Time
	Spread float64
	Mean   float64
	StdDev float64
	Z      float64
}

// Compute derives the current Sample from aligned price windows. Both slices
// must be the same length and at least lookback long; the rolling statistics
// cover the trailing lookback spreads and the z-score applies to the latest.
func Compute(pricesA, pricesB []float64, hedgeRatio float64, lookback int) (Sample, error) {
	n := len(pricesA)
	if len(pricesB) != n {
		return Sample{}, ErrInsufficientData
	}
	if lookback < 2 || n < lookback {
		return Sample{}, ErrInsufficientData
	}

	var sum, sumSq float64
	var latest float64
	for i := n - lookback; i < n; i++ {
		s := pricesA[i] - hedgeRatio*pricesB[i]
		sum += s
		sumSq += s * s
		latest = s
	}
	mean := sum / float64(lookback)
	variance := sumSq/float64(lookback) - mean*mean
	if variance < 0 {
		variance = 0
	}
	std := math.Sqrt(variance)
	if std == 0 {
		return Sample{}, ErrDegenerateSpread
	}
	return Sample{
		Spread: latest,
		Mean:   mean,
		StdDev: std,
		Z:      (latest - mean) / std,
	}, nil
}

// Align intersects two bar series on timestamp and returns the aligned close
// prices plus the last aligned timestamp. Inputs are expected ordered by
// non-decreasing time with unique timestamps per instrument (the market data
// contract); bars present on one leg only are dropped.
func Align(barsA, barsB []broker.PriceBar) (pricesA, pricesB []float64, last time.Time) {
	i, j := 0, 0
	for i < len(barsA) && j < len(barsB) {
		ta, tb := barsA[i].Time, barsB[j].Time
		switch {
		case ta.Before(tb):
			i++
		case tb.Before(ta):
			j++
		default:
			pricesA = append(pricesA, barsA[i].Close.InexactFloat64())
			pricesB = append(pricesB, barsB[j].Close.InexactFloat64())
			last = ta
			i++
			j++
		}
	}
	return pricesA, pricesB, last
}
