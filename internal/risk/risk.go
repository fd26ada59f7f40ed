// Package risk encodes guard-rails applied to intended order quantities
// before submission.
package risk

import "github.com/shopspring/decimal"

// Limits bounds per-leg order sizing. MaxQtyPerLeg caps absolute quantity;
// MinQty and LotStep normalize to the venue's volume filters. Zero-valued
// fields disable the respective check.
type Limits struct {
	MaxQtyPerLeg decimal.Decimal
	MinQty       decimal.Decimal
	LotStep      decimal.Decimal
}

// Clamp normalizes a desired absolute quantity: raise to the venue minimum,
// cap at the per-leg maximum, then round down to the lot step. A zero result
// means the order is not worth sending.
func (l Limits) Clamp(desired decimal.Decimal) decimal.Decimal {
	qty := desired.Abs()
	if !l.MinQty.IsZero() && qty.LessThan(l.MinQty) {
		qty = l.MinQty
	}
	if !l.MaxQtyPerLeg.IsZero() && qty.GreaterThan(l.MaxQtyPerLeg) {
		qty = l.MaxQtyPerLeg
	}
	if !l.LotStep.IsZero() {
		steps := qty.Div(l.LotStep).Floor()
		qty = steps.Mul(l.LotStep)
	}
	return qty
}

// Allow reports whether an absolute quantity fits inside the per-leg cap.
func (l Limits) Allow(qty decimal.Decimal) bool {
	if l.MaxQtyPerLeg.IsZero() {
		return true
	}
	return qty.Abs().LessThanOrEqual(l.MaxQtyPerLeg)
}
