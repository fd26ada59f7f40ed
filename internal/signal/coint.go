package signal

import (
	"math"
)

// MinCointObs is the minimum overlapping history required before a
// cointegration verdict is attempted. The config layer enforces it on
// scan.min_obs so the screen never runs starved.
const MinCointObs = 200

// dfCritical5pct is the Dickey-Fuller 5% critical value for a regression
// with constant at large sample sizes. A more negative t-statistic rejects
// the unit root, i.e. the spread mean-reverts.
const dfCritical5pct = -2.86

// CointResult summarizes a pair screen: the OLS hedge ratio, the
// Dickey-Fuller t-statistic of the residual spread, and the spread's current
// standing relative to its own history.
type CointResult struct {
	HedgeRatio   float64
	TStat        float64
	Cointegrated bool
	Mean         float64
	StdDev       float64
	Z            float64
}

// HedgeRatio estimates beta in y = alpha + beta·x by ordinary least squares.
func HedgeRatio(y, x []float64) (beta, alpha float64, err error) {
	n := len(y)
	if len(x) != n || n < 2 {
		return 0, 0, ErrInsufficientData
	}
	var sumX, sumY, sumXY, sumXX float64
	for i := 0; i < n; i++ {
		sumX += x[i]
		sumY += y[i]
		sumXY += x[i] * y[i]
		sumXX += x[i] * x[i]
	}
	fn := float64(n)
	den := fn*sumXX - sumX*sumX
	if den == 0 {
		return 0, 0, ErrDegenerateSpread
	}
	beta = (fn*sumXY - sumX*sumY) / den
	alpha = (sumY - beta*sumX) / fn
	return beta, alpha, nil
}

// TestCointegration runs an Engle-Granger style screen: fit the hedge ratio
// by OLS, build the residual spread, then apply a Dickey-Fuller test with
// constant to the spread. Pairs whose t-statistic beats the 5% critical
// value are flagged cointegrated.
func TestCointegration(y, x []float64) (CointResult, error) {
	n := len(y)
	if len(x) != n || n < MinCointObs {
		return CointResult{}, ErrInsufficientData
	}
	beta, _, err := HedgeRatio(y, x)
	if err != nil {
		return CointResult{}, err
	}

	spread := make([]float64, n)
	var sum, sumSq float64
	for i := range spread {
		spread[i] = y[i] - beta*x[i]
		sum += spread[i]
		sumSq += spread[i] * spread[i]
	}
	mean := sum / float64(n)
	variance := sumSq/float64(n) - mean*mean
	if variance <= 0 {
		return CointResult{}, ErrDegenerateSpread
	}
	std := math.Sqrt(variance)

	tstat, err := dickeyFuller(spread)
	if err != nil {
		return CointResult{}, err
	}
	return CointResult{
		HedgeRatio:   beta,
		TStat:        tstat,
		Cointegrated: tstat < dfCritical5pct,
		Mean:         mean,
		StdDev:       std,
		Z:            (spread[n-1] - mean) / std,
	}, nil
}

// dickeyFuller regresses Δs_t on s_{t-1} with a constant and returns the
// t-statistic of the lag coefficient.
func dickeyFuller(s []float64) (float64, error) {
	n := len(s) - 1
	if n < 3 {
		return 0, ErrInsufficientData
	}
	lag := make([]float64, n)
	diff := make([]float64, n)
	for t := 1; t <= n; t++ {
		lag[t-1] = s[t-1]
		diff[t-1] = s[t] - s[t-1]
	}
	gamma, alpha, err := HedgeRatio(diff, lag)
	if err != nil {
		return 0, err
	}

	// Residual variance and the standard error of gamma.
	var sse, sumLag, sumLagSq float64
	for i := 0; i < n; i++ {
		resid := diff[i] - alpha - gamma*lag[i]
		sse += resid * resid
		sumLag += lag[i]
		sumLagSq += lag[i] * lag[i]
	}
	dof := float64(n - 2)
	if dof <= 0 {
		return 0, ErrInsufficientData
	}
	s2 := sse / dof
	den := sumLagSq - sumLag*sumLag/float64(n)
	if den <= 0 {
		return 0, ErrDegenerateSpread
	}
	se := math.Sqrt(s2 / den)
	if se == 0 {
		return 0, ErrDegenerateSpread
	}
	return gamma / se, nil
}
