// Package ledger tracks a pair's exposure and its lifecycle state. The ledger
// is the single owner of Position records and of the StrategyState; the
// controller reads both and never mutates them directly. State only advances
// on confirmed broker fills or an explicit pending marker, never
// optimistically, which is what prevents double-ordering across crashes.
package ledger

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// StrategyState is the pair lifecycle: flat → entering → open → exiting → flat.
type StrategyState string

const (
	StateFlat     StrategyState = "FLAT"
	StateEntering StrategyState = "ENTERING"
	StateOpen     StrategyState = "OPEN"
	StateExiting  StrategyState = "EXITING"
)

// InstrumentPair names the two legs and the hedge ratio sizing leg B relative
// to leg A. Immutable once a strategy instance is constructed.
type InstrumentPair struct {
	Name       string
	LegA       string
	LegB       string
	HedgeRatio decimal.Decimal
}

// Position is one leg's exposure. Qty is signed: positive long.
type Position struct {
	Instrument string          `json:"instrument"`
	Qty        decimal.Decimal `json:"qty"`
	AvgPrice   decimal.Decimal `json:"avg_price"`
	OpenedAt   time.Time       `json:"opened_at"`
}

// ErrLedgerInconsistency reports a hedge-ratio invariant violation. It is
// fatal for the pair and never auto-corrected.
var ErrLedgerInconsistency = errors.New("ledger inconsistency")

// qtyEpsilon absorbs decimal rounding dust when comparing filled quantity
// against targets.
var qtyEpsilon = decimal.New(1, -9)

// Ledger is the per-pair bookkeeping record. One loop instance owns it; the
// mutex exists because the ops HTTP surface reads snapshots concurrently.
type Ledger struct {
	mu        sync.Mutex
	pair      InstrumentPair
	state     StrategyState
	positions map[string]*Position
	targets   map[string]decimal.Decimal
	applied   map[string]struct{}
	log       zerolog.Logger
}

// New starts a flat ledger for the pair.
func New(pair InstrumentPair, log zerolog.Logger) *Ledger {
	return &Ledger{
		pair:      pair,
		state:     StateFlat,
		positions: make(map[string]*Position),
		targets:   make(map[string]decimal.Decimal),
		applied:   make(map[string]struct{}),
		log:       log,
	}
}

// Pair returns the immutable pair definition.
func (l *Ledger) Pair() InstrumentPair { return l.pair }

// State reports the current lifecycle state.
func (l *Ledger) State() StrategyState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Position returns a copy of the leg's position and whether any quantity is on.
func (l *Ledger) Position(instrument string) (Position, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	pos, ok := l.positions[instrument]
	if !ok {
		return Position{Instrument: instrument}, false
	}
	return *pos, !pos.Qty.IsZero()
}

// Positions returns copies of all legs carrying nonzero quantity.
func (l *Ledger) Positions() []Position {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Position, 0, len(l.positions))
	for _, pos := range l.positions {
		if !pos.Qty.IsZero() {
			out = append(out, *pos)
		}
	}
	return out
}

// MarkPending gates a transition before any intent is submitted, so a crash
// mid-submission leaves a recoverable marker instead of silently resubmitting
// on restart. Permitted moves: FLAT→ENTERING, OPEN→EXITING, and
// ENTERING→EXITING (fill-timeout abort). Anything else is refused, which is
// also what makes the pending marker a mutual-exclusion gate.
func (l *Ledger) MarkPending(target StrategyState) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	ok := (l.state == StateFlat && target == StateEntering) ||
		(l.state == StateOpen && target == StateExiting) ||
		(l.state == StateEntering && target == StateExiting)
	if !ok {
		return fmt.Errorf("transition %s -> %s not allowed", l.state, target)
	}
	l.log.Debug().Str("from", string(l.state)).Str("to", string(target)).Msg("mark pending")
	l.state = target
	return nil
}

// AbortPending unwinds ENTERING back to FLAT. Only legal while nothing has
// filled; with exposure on the book the correct path is EXITING.
func (l *Ledger) AbortPending() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != StateEntering {
		return fmt.Errorf("abort pending: state is %s", l.state)
	}
	for _, pos := range l.positions {
		if !pos.Qty.IsZero() {
			return fmt.Errorf("abort pending: %s still holds %s", pos.Instrument, pos.Qty)
		}
	}
	l.state = StateFlat
	l.targets = make(map[string]decimal.Decimal)
	return nil
}

// SetTargets records the signed per-leg quantities the in-flight transition
// aims for; reaching both flips ENTERING to OPEN.
func (l *Ledger) SetTargets(qtyA, qtyB decimal.Decimal) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.targets = map[string]decimal.Decimal{
		l.pair.LegA: qtyA,
		l.pair.LegB: qtyB,
	}
}

// ApplyFill applies one execution notification. Reapplying the same
// (intentID, seq) tuple is a no-op: the broker boundary may deliver fills
// more than once. Average entry price is quantity-weighted across partial
// fills; offsetting fills reduce quantity without touching the average.
// Ledger-driven transitions happen here: ENTERING→OPEN once both legs reach
// their targets, EXITING→FLAT once both legs are flat.
func (l *Ledger) ApplyFill(intentID string, seq int, instrument string, qty, price decimal.Decimal) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if instrument != l.pair.LegA && instrument != l.pair.LegB {
		return fmt.Errorf("fill for unknown instrument %s", instrument)
	}
	key := fmt.Sprintf("%s#%d", intentID, seq)
	if _, dup := l.applied[key]; dup {
		l.log.Debug().Str("intent", intentID).Int("seq", seq).Msg("duplicate fill ignored")
		return nil
	}
	l.applied[key] = struct{}{}

	pos, ok := l.positions[instrument]
	if !ok {
		pos = &Position{Instrument: instrument}
		l.positions[instrument] = pos
	}

	oldQty := pos.Qty
	newQty := oldQty.Add(qty)
	switch {
	case oldQty.IsZero():
		pos.AvgPrice = price
		pos.OpenedAt = time.Now().UTC()
	case oldQty.Sign() == qty.Sign():
		// Increasing exposure: quantity-weighted average.
		notional := pos.AvgPrice.Mul(oldQty.Abs()).Add(price.Mul(qty.Abs()))
		pos.AvgPrice = notional.Div(newQty.Abs())
	case newQty.Sign() != 0 && newQty.Sign() != oldQty.Sign():
		// Crossed through zero: the residual is a fresh position.
		pos.AvgPrice = price
		pos.OpenedAt = time.Now().UTC()
	}
	pos.Qty = newQty

	l.maybeTransition()
	return nil
}

// maybeTransition advances the lifecycle on confirmed fills. Callers hold the
// mutex.
func (l *Ledger) maybeTransition() {
	switch l.state {
	case StateEntering:
		if len(l.targets) == 0 {
			return
		}
		for inst, target := range l.targets {
			if target.IsZero() {
				return
			}
			pos := l.positions[inst]
			if pos == nil {
				return
			}
			// Filled quantity must reach the target in the target's direction.
			got := pos.Qty.Mul(decimal.NewFromInt(int64(target.Sign())))
			if got.Add(qtyEpsilon).LessThan(target.Abs()) {
				return
			}
		}
		l.state = StateOpen
		l.log.Info().Msg("both legs filled, pair open")
	case StateExiting:
		for _, pos := range l.positions {
			if pos.Qty.Abs().GreaterThan(qtyEpsilon) {
				return
			}
		}
		l.state = StateFlat
		l.positions = make(map[string]*Position)
		l.targets = make(map[string]decimal.Decimal)
		l.log.Info().Msg("both legs flat, pair closed")
	}
}

// SettleIfFlat flips EXITING to FLAT when no leg carries quantity. The
// controller calls it after cancellations confirm, covering the exit path
// where nothing was ever filled and so no fill event will arrive to drive
// the transition. Reports whether the pair settled.
func (l *Ledger) SettleIfFlat() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != StateExiting {
		return false
	}
	for _, pos := range l.positions {
		if pos.Qty.Abs().GreaterThan(qtyEpsilon) {
			return false
		}
	}
	l.state = StateFlat
	l.positions = make(map[string]*Position)
	l.targets = make(map[string]decimal.Decimal)
	l.log.Info().Msg("exit settled with no residual exposure")
	return true
}

// CheckConsistency verifies leg B's quantity against hedgeRatio·legA within a
// relative tolerance, and that OPEN never coexists with a zero-quantity leg.
// Violations are reported, never corrected.
func (l *Ledger) CheckConsistency(tolerance decimal.Decimal) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	posA := l.positions[l.pair.LegA]
	posB := l.positions[l.pair.LegB]
	qtyA, qtyB := decimal.Zero, decimal.Zero
	if posA != nil {
		qtyA = posA.Qty
	}
	if posB != nil {
		qtyB = posB.Qty
	}

	if l.state == StateOpen && (qtyA.IsZero() || qtyB.IsZero()) {
		return fmt.Errorf("%w: state OPEN with flat leg (A=%s B=%s)", ErrLedgerInconsistency, qtyA, qtyB)
	}
	if qtyA.IsZero() || qtyB.IsZero() {
		return nil // nothing to ratio-check while one-sided or flat
	}

	want := qtyA.Abs().Mul(l.pair.HedgeRatio)
	diff := qtyB.Abs().Sub(want).Abs()
	if want.IsZero() {
		return nil
	}
	if diff.Div(want).GreaterThan(tolerance) {
		return fmt.Errorf("%w: legB=%s outside tolerance of hedge*legA=%s", ErrLedgerInconsistency, qtyB, want)
	}
	return nil
}

// Restore reloads persisted state at startup so a restart resumes without
// duplicate order issuance.
func (l *Ledger) Restore(state StrategyState, positions []Position) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.state = state
	l.positions = make(map[string]*Position, len(positions))
	for i := range positions {
		pos := positions[i]
		l.positions[pos.Instrument] = &pos
	}
}
