// Package engine runs the per-pair strategy loop: one goroutine per pair, one
// decision per cadence tick, all pair state owned by the loop's controller and
// ledger. Pairs never share mutable state, so one halted pair cannot stall the
// others.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"statarb-go/internal/broker"
	"statarb-go/internal/executor"
	"statarb-go/internal/ledger"
	"statarb-go/internal/metrics"
	"statarb-go/internal/signal"
	"statarb-go/internal/statestore"
)

// Options wires one pair loop.
type Options struct {
	Lookback       int
	Cadence        time.Duration
	BarInterval    time.Duration // spacing of the data source's bars; defaults to Cadence
	GraceCycles    int           // extra cycles allowed on shutdown to settle a pending transition
	HedgeTolerance decimal.Decimal
}

// Loop drives one pair from market data to orders. Construct with New, call
// Restore once, then Run until the context is cancelled or the pair halts.
type Loop struct {
	opts  Options
	data  broker.MarketDataPort
	ctrl  *executor.Controller
	book  *ledger.Ledger
	store statestore.Store
	log   zerolog.Logger

	lastSample time.Time
}

func New(opts Options, data broker.MarketDataPort, ctrl *executor.Controller, book *ledger.Ledger, store statestore.Store, log zerolog.Logger) *Loop {
	return &Loop{opts: opts, data: data, ctrl: ctrl, book: book, store: store, log: log}
}

// Restore reloads the pair's persisted snapshot into the ledger. A snapshot
// flagged halted refuses to start: the operator resolves it first.
func (l *Loop) Restore(ctx context.Context) error {
	pair := l.book.Pair()
	snap, found, err := l.store.Load(ctx, pair.Name)
	if err != nil {
		return fmt.Errorf("restore %s: %w", pair.Name, err)
	}
	if !found {
		return nil
	}
	if snap.Halted {
		return fmt.Errorf("pair %s is halted in its snapshot, refusing to start", pair.Name)
	}
	l.book.Restore(snap.State, snap.Positions)
	l.lastSample = snap.LastProcessed
	l.log.Info().
		Str("state", string(snap.State)).
		Int("positions", len(snap.Positions)).
		Time("as_of", snap.UpdatedAt).
		Msg("restored snapshot")
	return nil
}

// Run ticks at the configured cadence until the context is cancelled or the
// pair stops with an error. On cancellation a pending transition gets a
// bounded number of grace cycles to settle before the final snapshot.
func (l *Loop) Run(ctx context.Context) error {
	ticker := time.NewTicker(l.opts.Cadence)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			l.drain()
			return nil
		case <-ticker.C:
			if err := l.RunOnce(ctx); err != nil {
				l.snapshot(true)
				return err
			}
		}
	}
}

// RunOnce executes a single decision cycle: apply fills, refresh the signal,
// step the controller, verify the ledger, persist. Signal and data failures
// skip the cycle; a non-nil return stops the pair for good.
func (l *Loop) RunOnce(ctx context.Context) error {
	pair := l.book.Pair()

	if err := l.ctrl.PollAndApply(ctx); err != nil {
		l.log.Warn().Err(err).Msg("fill poll failed")
	}

	sample, sigErr := l.computeSignal(ctx)
	outcome := "ok"
	if sigErr != nil {
		outcome = "skipped"
		l.log.Warn().Err(sigErr).Msg("cycle degraded, holding state")
	} else {
		l.lastSample = sample.Time
		metrics.ZScore.WithLabelValues(pair.Name).Set(sample.Z)
	}

	err := l.ctrl.Step(ctx, sample, sigErr)
	if err != nil {
		metrics.CyclesTotal.WithLabelValues(pair.Name, "halted").Inc()
		l.log.Error().Err(err).Msg("pair stopped")
		return err
	}

	// Ratio-check only settled exposure: while a transition is in flight the
	// legs legitimately fill at different speeds.
	if l.book.State() == ledger.StateOpen {
		if err := l.book.CheckConsistency(l.opts.HedgeTolerance); err != nil {
			metrics.CyclesTotal.WithLabelValues(pair.Name, "halted").Inc()
			l.log.Error().Err(err).Msg("ledger check failed, stopping pair")
			return err
		}
	}

	l.publishGauges()
	l.snapshot(l.ctrl.Halted())
	metrics.CyclesTotal.WithLabelValues(pair.Name, outcome).Inc()
	return nil
}

// computeSignal fetches both legs, aligns on timestamp, and computes the
// rolling z-score. All failures come back as the sigErr the controller treats
// as a skipped cycle.
func (l *Loop) computeSignal(ctx context.Context) (signal.Sample, error) {
	pair := l.book.Pair()
	count := l.opts.Lookback * 2
	// The window spans bars, not ticks: a source emitting one bar per minute
	// needs a minute-sized lookback window no matter how often we poll.
	interval := l.opts.BarInterval
	if interval <= 0 {
		interval = l.opts.Cadence
	}
	since := time.Now().UTC().Add(-time.Duration(count) * interval)

	barsA, err := l.data.GetBars(ctx, pair.LegA, since, count)
	if err != nil {
		return signal.Sample{}, fmt.Errorf("%s: %w", pair.LegA, err)
	}
	barsB, err := l.data.GetBars(ctx, pair.LegB, since, count)
	if err != nil {
		return signal.Sample{}, fmt.Errorf("%s: %w", pair.LegB, err)
	}

	pricesA, pricesB, last := signal.Align(barsA, barsB)
	sample, err := signal.Compute(pricesA, pricesB, pair.HedgeRatio.InexactFloat64(), l.opts.Lookback)
	if err != nil {
		return signal.Sample{}, err
	}
	sample.Time = last
	return sample, nil
}

// drain gives an in-flight transition a bounded chance to settle after
// shutdown was requested, then writes the final snapshot. OPEN positions are
// deliberately left open: restart resumes them from the snapshot.
func (l *Loop) drain() {
	for i := 0; i < l.opts.GraceCycles; i++ {
		state := l.book.State()
		if state != ledger.StateEntering && state != ledger.StateExiting {
			break
		}
		l.log.Info().Str("state", string(state)).Int("grace_cycle", i+1).Msg("draining pending transition")
		cycleCtx, cancel := context.WithTimeout(context.Background(), l.opts.Cadence)
		err := l.RunOnce(cycleCtx)
		cancel()
		if err != nil {
			break
		}
		time.Sleep(l.opts.Cadence)
	}
	l.snapshot(l.ctrl.Halted())
	l.log.Info().Str("state", string(l.book.State())).Msg("pair loop stopped")
}

func (l *Loop) publishGauges() {
	pair := l.book.Pair()
	metrics.PairState.WithLabelValues(pair.Name).Set(stateGauge(l.book.State()))
	for _, pos := range l.book.Positions() {
		metrics.Exposure.WithLabelValues(pair.Name, pos.Instrument).Set(pos.Qty.InexactFloat64())
	}
}

// snapshot persists the current ledger view. Persistence failures are logged,
// not fatal: the next cycle retries.
func (l *Loop) snapshot(halted bool) {
	pair := l.book.Pair()
	snap := statestore.Snapshot{
		Pair:          pair.Name,
		State:         l.book.State(),
		Positions:     l.book.Positions(),
		LastProcessed: l.lastSample,
		Halted:        halted,
		UpdatedAt:     time.Now().UTC(),
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := l.store.Save(ctx, snap); err != nil {
		l.log.Warn().Err(err).Msg("snapshot save failed")
	}
}

func stateGauge(s ledger.StrategyState) float64 {
	switch s {
	case ledger.StateEntering:
		return 1
	case ledger.StateOpen:
		return 2
	case ledger.StateExiting:
		return 3
	default:
		return 0
	}
}

// IsHaltErr reports whether a pair-loop error is the terminal halt rather
// than an infrastructure failure.
func IsHaltErr(err error) bool {
	return errors.Is(err, executor.ErrPairHalted) || errors.Is(err, ledger.ErrLedgerInconsistency)
}
