package ledger

import (
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

func testPair() InstrumentPair {
	return InstrumentPair{
		Name:       "GLD-USO",
		LegA:       "GLD",
		LegB:       "USO",
		HedgeRatio: decimal.NewFromFloat(2.0),
	}
}

func d(v float64) decimal.Decimal { return decimal.NewFromFloat(v) }

func TestApplyFillIdempotent(t *testing.T) {
	l := New(testPair(), zerolog.Nop())
	if err := l.MarkPending(StateEntering); err != nil {
		t.Fatalf("MarkPending returned error: %v", err)
	}
	l.SetTargets(d(10), d(-20))

	if err := l.ApplyFill("intent-1", 0, "GLD", d(10), d(180)); err != nil {
		t.Fatalf("ApplyFill returned error: %v", err)
	}
	if err := l.ApplyFill("intent-1", 0, "GLD", d(10), d(180)); err != nil {
		t.Fatalf("duplicate ApplyFill returned error: %v", err)
	}

	pos, open := l.Position("GLD")
	if !open {
		t.Fatalf("expected open GLD position")
	}
	if !pos.Qty.Equal(d(10)) {
		t.Fatalf("duplicate fill changed quantity: %s", pos.Qty)
	}
}

func TestPartialFillsWeightedAverage(t *testing.T) {
	l := New(testPair(), zerolog.Nop())
	if err := l.MarkPending(StateEntering); err != nil {
		t.Fatalf("MarkPending returned error: %v", err)
	}
	l.SetTargets(d(10), d(-20))

	if err := l.ApplyFill("intent-1", 0, "GLD", d(4), d(100)); err != nil {
		t.Fatalf("ApplyFill returned error: %v", err)
	}
	if err := l.ApplyFill("intent-1", 1, "GLD", d(6), d(110)); err != nil {
		t.Fatalf("ApplyFill returned error: %v", err)
	}

	pos, _ := l.Position("GLD")
	want := d(106) // (4*100 + 6*110) / 10
	if !pos.AvgPrice.Equal(want) {
		t.Fatalf("expected avg price %s, got %s", want, pos.AvgPrice)
	}
	if !pos.Qty.Equal(d(10)) {
		t.Fatalf("expected qty 10, got %s", pos.Qty)
	}
}

func TestEnteringToOpenOnBothLegs(t *testing.T) {
	l := New(testPair(), zerolog.Nop())
	if err := l.MarkPending(StateEntering); err != nil {
		t.Fatalf("MarkPending returned error: %v", err)
	}
	l.SetTargets(d(10), d(-20))

	if err := l.ApplyFill("ia", 0, "GLD", d(10), d(180)); err != nil {
		t.Fatalf("ApplyFill legA: %v", err)
	}
	if l.State() != StateEntering {
		t.Fatalf("one filled leg should not open the pair, state=%s", l.State())
	}
	if err := l.ApplyFill("ib", 0, "USO", d(-20), d(70)); err != nil {
		t.Fatalf("ApplyFill legB: %v", err)
	}
	if l.State() != StateOpen {
		t.Fatalf("expected OPEN after both legs filled, state=%s", l.State())
	}
}

func TestExitingToFlatClearsPositions(t *testing.T) {
	l := New(testPair(), zerolog.Nop())
	_ = l.MarkPending(StateEntering)
	l.SetTargets(d(10), d(-20))
	_ = l.ApplyFill("ia", 0, "GLD", d(10), d(180))
	_ = l.ApplyFill("ib", 0, "USO", d(-20), d(70))

	if err := l.MarkPending(StateExiting); err != nil {
		t.Fatalf("MarkPending exiting: %v", err)
	}
	_ = l.ApplyFill("xa", 0, "GLD", d(-10), d(181))
	if l.State() != StateExiting {
		t.Fatalf("expected still EXITING with one leg on, state=%s", l.State())
	}
	_ = l.ApplyFill("xb", 0, "USO", d(20), d(69))
	if l.State() != StateFlat {
		t.Fatalf("expected FLAT after both legs closed, state=%s", l.State())
	}
	if len(l.Positions()) != 0 {
		t.Fatalf("expected no open positions after flat")
	}
}

func TestMarkPendingGate(t *testing.T) {
	l := New(testPair(), zerolog.Nop())
	if err := l.MarkPending(StateExiting); err == nil {
		t.Fatalf("FLAT -> EXITING should be refused")
	}
	if err := l.MarkPending(StateEntering); err != nil {
		t.Fatalf("FLAT -> ENTERING refused: %v", err)
	}
	// A second pending transition while one is in flight is the double-order
	// case the gate exists to block.
	if err := l.MarkPending(StateEntering); err == nil {
		t.Fatalf("ENTERING -> ENTERING should be refused")
	}
	// Timeout abort path stays legal.
	if err := l.MarkPending(StateExiting); err != nil {
		t.Fatalf("ENTERING -> EXITING refused: %v", err)
	}
}

func TestAbortPendingOnlyWhenFlat(t *testing.T) {
	l := New(testPair(), zerolog.Nop())
	_ = l.MarkPending(StateEntering)
	if err := l.AbortPending(); err != nil {
		t.Fatalf("abort with no fills should succeed: %v", err)
	}
	if l.State() != StateFlat {
		t.Fatalf("expected FLAT after abort, state=%s", l.State())
	}

	_ = l.MarkPending(StateEntering)
	l.SetTargets(d(10), d(-20))
	_ = l.ApplyFill("ia", 0, "GLD", d(5), d(180))
	if err := l.AbortPending(); err == nil {
		t.Fatalf("abort with partial exposure must be refused")
	}
}

func TestCheckConsistency(t *testing.T) {
	l := New(testPair(), zerolog.Nop())
	_ = l.MarkPending(StateEntering)
	l.SetTargets(d(10), d(-20))
	_ = l.ApplyFill("ia", 0, "GLD", d(10), d(180))
	_ = l.ApplyFill("ib", 0, "USO", d(-20), d(70))

	tol := decimal.NewFromFloat(0.05)
	if err := l.CheckConsistency(tol); err != nil {
		t.Fatalf("consistent book flagged: %v", err)
	}

	// Drift legB far outside the hedge band.
	_ = l.ApplyFill("drift", 0, "USO", d(-10), d(70))
	err := l.CheckConsistency(tol)
	if !errors.Is(err, ErrLedgerInconsistency) {
		t.Fatalf("expected ErrLedgerInconsistency, got %v", err)
	}
}

func TestOpenNeverWithZeroLeg(t *testing.T) {
	l := New(testPair(), zerolog.Nop())
	l.Restore(StateOpen, []Position{{Instrument: "GLD", Qty: d(10), AvgPrice: d(180)}})
	err := l.CheckConsistency(decimal.NewFromFloat(0.05))
	if !errors.Is(err, ErrLedgerInconsistency) {
		t.Fatalf("OPEN with a flat leg must be inconsistent, got %v", err)
	}
}

func TestSettleIfFlat(t *testing.T) {
	l := New(testPair(), zerolog.Nop())
	_ = l.MarkPending(StateEntering)
	l.SetTargets(d(10), d(-20))

	// Nothing filled, cancels confirmed: the exit settles without any fill
	// event to drive the transition.
	_ = l.MarkPending(StateExiting)
	if !l.SettleIfFlat() {
		t.Fatalf("empty book should settle")
	}
	if l.State() != StateFlat {
		t.Fatalf("expected FLAT after settle, got %s", l.State())
	}

	// With residual exposure it must refuse.
	_ = l.MarkPending(StateEntering)
	l.SetTargets(d(10), d(-20))
	_ = l.ApplyFill("ia", 0, "GLD", d(5), d(180))
	_ = l.MarkPending(StateExiting)
	if l.SettleIfFlat() {
		t.Fatalf("settle with exposure must be refused")
	}
	if l.State() != StateExiting {
		t.Fatalf("expected still EXITING, got %s", l.State())
	}
}

func TestRestoreResumesState(t *testing.T) {
	l := New(testPair(), zerolog.Nop())
	l.Restore(StateOpen, []Position{
		{Instrument: "GLD", Qty: d(10), AvgPrice: d(180)},
		{Instrument: "USO", Qty: d(-20), AvgPrice: d(70)},
	})
	if l.State() != StateOpen {
		t.Fatalf("expected restored OPEN, got %s", l.State())
	}
	if len(l.Positions()) != 2 {
		t.Fatalf("expected two restored legs")
	}
	if err := l.CheckConsistency(decimal.NewFromFloat(0.05)); err != nil {
		t.Fatalf("restored book flagged: %v", err)
	}
}
