package broker

import (
	"encoding/json"
	"testing"

	"github.com/shopspring/decimal"
)

func TestParseKline(t *testing.T) {
	raw := []byte(`[1700000000000, "187.10", "187.50", "186.90", "187.23", "10234.5", 1700000059999, "0", 0, "0", "0", "0"]`)
	var row []json.RawMessage
	if err := json.Unmarshal(raw, &row); err != nil {
		t.Fatalf("unmarshal fixture: %v", err)
	}
	bar, err := parseKline("GLDUSDT", row)
	if err != nil {
		t.Fatalf("parseKline: %v", err)
	}
	if bar.Instrument != "GLDUSDT" {
		t.Fatalf("instrument %q", bar.Instrument)
	}
	if bar.Time.UnixMilli() != 1700000000000 {
		t.Fatalf("time %v", bar.Time)
	}
	if !bar.Close.Equal(decimal.RequireFromString("187.23")) {
		t.Fatalf("close %s", bar.Close)
	}
	if !bar.Volume.Equal(decimal.RequireFromString("10234.5")) {
		t.Fatalf("volume %s", bar.Volume)
	}
}

func TestParseKlineShortRow(t *testing.T) {
	row := []json.RawMessage{json.RawMessage(`1700000000000`), json.RawMessage(`"1"`)}
	if _, err := parseKline("GLDUSDT", row); err == nil {
		t.Fatalf("short row must fail")
	}
}

func TestParseStreamSymbol(t *testing.T) {
	if got := parseStreamSymbol("gldusdt@trade"); got != "GLDUSDT" {
		t.Fatalf("got %q", got)
	}
	if got := parseStreamSymbol("btcusdt"); got != "BTCUSDT" {
		t.Fatalf("got %q", got)
	}
}
