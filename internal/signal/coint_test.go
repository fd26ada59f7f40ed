package signal

import (
	"errors"
	"math"
	"math/rand"
	"testing"
)

func TestHedgeRatio(t *testing.T) {
	// y = 3 + 2x exactly.
	x := []float64{1, 2, 3, 4, 5}
	y := []float64{5, 7, 9, 11, 13}
	beta, alpha, err := HedgeRatio(y, x)
	if err != nil {
		t.Fatalf("HedgeRatio returned error: %v", err)
	}
	if math.Abs(beta-2) > 1e-9 || math.Abs(alpha-3) > 1e-9 {
		t.Fatalf("expected beta=2 alpha=3, got beta=%v alpha=%v", beta, alpha)
	}
}

func TestHedgeRatioDegenerate(t *testing.T) {
	x := []float64{4, 4, 4, 4}
	y := []float64{1, 2, 3, 4}
	_, _, err := HedgeRatio(y, x)
	if !errors.Is(err, ErrDegenerateSpread) {
		t.Fatalf("expected ErrDegenerateSpread for constant regressor, got %v", err)
	}
}

func TestCointegratedPairDetected(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	n := 400
	x := make([]float64, n)
	y := make([]float64, n)
	x[0] = 100
	// x is a random walk; y tracks 1.5x plus a strongly mean-reverting residual.
	resid := 0.0
	for i := 0; i < n; i++ {
		if i > 0 {
			x[i] = x[i-1] + rng.NormFloat64()*0.5
		}
		resid = 0.2*resid + rng.NormFloat64()*0.3
		y[i] = 1.5*x[i] + resid
	}

	res, err := TestCointegration(y, x)
	if err != nil {
		t.Fatalf("TestCointegration returned error: %v", err)
	}
	if !res.Cointegrated {
		t.Fatalf("expected cointegrated verdict, t-stat=%v", res.TStat)
	}
	if math.Abs(res.HedgeRatio-1.5) > 0.1 {
		t.Fatalf("hedge ratio off: %v", res.HedgeRatio)
	}
}

func TestIndependentWalksNotCointegrated(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	n := 400
	x := make([]float64, n)
	y := make([]float64, n)
	x[0], y[0] = 100, 80
	for i := 1; i < n; i++ {
		x[i] = x[i-1] + rng.NormFloat64()
		y[i] = y[i-1] + 0.05 + rng.NormFloat64()
	}

	res, err := TestCointegration(y, x)
	if err != nil {
		t.Fatalf("TestCointegration returned error: %v", err)
	}
	if res.Cointegrated {
		t.Fatalf("independent walks flagged cointegrated, t-stat=%v", res.TStat)
	}
}

func TestCointegrationRequiresHistory(t *testing.T) {
	short := make([]float64, 50)
	_, err := TestCointegration(short, short)
	if !errors.Is(err, ErrInsufficientData) {
		t.Fatalf("expected ErrInsufficientData, got %v", err)
	}
}
