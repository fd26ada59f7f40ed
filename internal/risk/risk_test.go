package risk

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestClampRoundsToLotStep(t *testing.T) {
	limits := Limits{
		MaxQtyPerLeg: decimal.NewFromInt(50),
		MinQty:       decimal.NewFromFloat(0.1),
		LotStep:      decimal.NewFromFloat(0.1),
	}
	got := limits.Clamp(decimal.NewFromFloat(1.234))
	if !got.Equal(decimal.NewFromFloat(1.2)) {
		t.Fatalf("expected 1.2, got %s", got)
	}
}

func TestClampRaisesToMinimum(t *testing.T) {
	limits := Limits{MinQty: decimal.NewFromFloat(0.5), LotStep: decimal.NewFromFloat(0.5)}
	got := limits.Clamp(decimal.NewFromFloat(0.2))
	if !got.Equal(decimal.NewFromFloat(0.5)) {
		t.Fatalf("expected 0.5, got %s", got)
	}
}

func TestClampCapsAtMaximum(t *testing.T) {
	limits := Limits{MaxQtyPerLeg: decimal.NewFromInt(10)}
	got := limits.Clamp(decimal.NewFromInt(500))
	if !got.Equal(decimal.NewFromInt(10)) {
		t.Fatalf("expected 10, got %s", got)
	}
}

func TestAllow(t *testing.T) {
	limits := Limits{MaxQtyPerLeg: decimal.NewFromInt(50)}
	if !limits.Allow(decimal.NewFromFloat(49.9)) {
		t.Fatalf("expected quantity under limit to pass")
	}
	if limits.Allow(decimal.NewFromFloat(-50.1)) {
		t.Fatalf("expected quantity above limit to fail")
	}
}
