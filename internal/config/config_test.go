package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadValidConfig(t *testing.T) {
	cfg, err := Load("testdata/config.yaml")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.App.LogLevel != "debug" {
		t.Fatalf("log level %q, want debug", cfg.App.LogLevel)
	}
	if len(cfg.Pairs) != 2 {
		t.Fatalf("expected 2 pairs, got %d", len(cfg.Pairs))
	}
	p := cfg.Pairs[0]
	if p.Name != "GLD-USO" || p.Lookback != 60 || p.EntryZ != 2.0 {
		t.Fatalf("unexpected pair: %+v", p)
	}
	if cfg.Execution.Cadence.Std() != time.Second {
		t.Fatalf("cadence %v, want 1s", cfg.Execution.Cadence.Std())
	}
	if cfg.Execution.SubmitBackoff.Std() != 500*time.Millisecond {
		t.Fatalf("backoff %v, want 500ms", cfg.Execution.SubmitBackoff.Std())
	}
	if cfg.Paper.StartPrices["GLD"] != 187.0 {
		t.Fatalf("paper start price missing: %+v", cfg.Paper.StartPrices)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	t.Setenv("STATARB_LOG_LEVEL", "warn")
	t.Setenv("STATARB_STATE_DIR", "/tmp/statarb-test")
	cfg, err := Load("testdata/config.yaml")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.App.LogLevel != "warn" {
		t.Fatalf("env override ignored: %q", cfg.App.LogLevel)
	}
	if cfg.Store.Dir != "/tmp/statarb-test" {
		t.Fatalf("state dir override ignored: %q", cfg.Store.Dir)
	}
}

func writeTempConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	return path
}

const validPairBlock = `
pairs:
  - name: GLD-USO
    leg_a: GLD
    leg_b: USO
    hedge_ratio: 2.0
    lookback: 60
    entry_z: %s
    exit_z: %s
    stop_z: %s
    order_qty: 10
execution:
  cadence: 1s
  max_qty_per_leg: 100
`

func TestValidateRejectsBadThresholds(t *testing.T) {
	cases := []struct {
		name             string
		entry, exit, stop string
		wantErr          string
	}{
		{"entry below exit", "0.4", "0.5", "3.0", "must exceed exit_z"},
		{"entry equal exit", "2.0", "2.0", "3.0", "must exceed exit_z"},
		{"stop below entry", "2.0", "0.5", "1.5", "must exceed entry_z"},
		{"stop equal entry", "2.0", "0.5", "2.0", "must exceed entry_z"},
		{"zero exit", "2.0", "0", "3.0", "exit_z must be positive"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			body := strings.NewReplacer(
				"entry_z: %s", "entry_z: "+tc.entry,
				"exit_z: %s", "exit_z: "+tc.exit,
				"stop_z: %s", "stop_z: "+tc.stop,
			).Replace(validPairBlock)
			_, err := Load(writeTempConfig(t, body))
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("want error containing %q, got %v", tc.wantErr, err)
			}
		})
	}
}

func TestValidateRejectsShortLookback(t *testing.T) {
	body := strings.NewReplacer(
		"lookback: 60", "lookback: 1",
		"entry_z: %s", "entry_z: 2.0",
		"exit_z: %s", "exit_z: 0.5",
		"stop_z: %s", "stop_z: 3.0",
	).Replace(validPairBlock)
	_, err := Load(writeTempConfig(t, body))
	if err == nil || !strings.Contains(err.Error(), "lookback") {
		t.Fatalf("want lookback error, got %v", err)
	}
}

func TestValidateRejectsDuplicatePair(t *testing.T) {
	body := `
pairs:
  - name: GLD-USO
    leg_a: GLD
    leg_b: USO
    hedge_ratio: 2.0
    lookback: 60
    entry_z: 2.0
    exit_z: 0.5
    stop_z: 3.0
    order_qty: 10
  - name: GLD-USO
    leg_a: GLD
    leg_b: USO
    hedge_ratio: 2.0
    lookback: 60
    entry_z: 2.0
    exit_z: 0.5
    stop_z: 3.0
    order_qty: 10
execution:
  cadence: 1s
  max_qty_per_leg: 100
`
	_, err := Load(writeTempConfig(t, body))
	if err == nil || !strings.Contains(err.Error(), "twice") {
		t.Fatalf("want duplicate pair error, got %v", err)
	}
}

func TestValidateRejectsNoPairs(t *testing.T) {
	_, err := Load(writeTempConfig(t, "execution:\n  cadence: 1s\n  max_qty_per_leg: 100\n"))
	if err == nil || !strings.Contains(err.Error(), "no pairs") {
		t.Fatalf("want no-pairs error, got %v", err)
	}
}

func TestValidateRejectsSmallMinObs(t *testing.T) {
	body := `
pairs:
  - name: GLD-USO
    leg_a: GLD
    leg_b: USO
    hedge_ratio: 2.0
    lookback: 60
    entry_z: 2.0
    exit_z: 0.5
    stop_z: 3.0
    order_qty: 10
execution:
  cadence: 1s
  max_qty_per_leg: 100
scan:
  universe: [GLD, USO]
  min_obs: 100
`
	_, err := Load(writeTempConfig(t, body))
	if err == nil || !strings.Contains(err.Error(), "min_obs") {
		t.Fatalf("want min_obs error, got %v", err)
	}
}

func TestValidateRejectsBadBinanceInterval(t *testing.T) {
	body := `
data:
  source: binance
  binance:
    interval: fortnight
pairs:
  - name: GLD-USO
    leg_a: GLDUSDT
    leg_b: USOUSDT
    hedge_ratio: 2.0
    lookback: 60
    entry_z: 2.0
    exit_z: 0.5
    stop_z: 3.0
    order_qty: 10
execution:
  cadence: 1s
  max_qty_per_leg: 100
`
	_, err := Load(writeTempConfig(t, body))
	if err == nil || !strings.Contains(err.Error(), "interval") {
		t.Fatalf("want interval error, got %v", err)
	}
}

func TestBinanceIntervalDuration(t *testing.T) {
	cases := []struct {
		in   string
		want time.Duration
	}{
		{"", time.Minute},
		{"1m", time.Minute},
		{"15m", 15 * time.Minute},
		{"4h", 4 * time.Hour},
		{"1d", 24 * time.Hour},
		{"1w", 7 * 24 * time.Hour},
	}
	for _, tc := range cases {
		got, err := Binance{Interval: tc.in}.IntervalDuration()
		if err != nil {
			t.Fatalf("IntervalDuration(%q): %v", tc.in, err)
		}
		if got != tc.want {
			t.Fatalf("IntervalDuration(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
	for _, bad := range []string{"m", "0m", "-1h", "1x", "1M"} {
		if _, err := (Binance{Interval: bad}).IntervalDuration(); err == nil {
			t.Fatalf("IntervalDuration(%q) accepted", bad)
		}
	}
}

func TestDefaultsApplied(t *testing.T) {
	body := `
pairs:
  - name: GLD-USO
    leg_a: GLD
    leg_b: USO
    hedge_ratio: 2.0
    lookback: 60
    entry_z: 2.0
    exit_z: 0.5
    stop_z: 3.0
    order_qty: 10
execution:
  cadence: 1s
  max_qty_per_leg: 100
`
	cfg, err := Load(writeTempConfig(t, body))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.App.LogLevel != "info" || cfg.Data.Source != "paper" {
		t.Fatalf("defaults not applied: %+v", cfg.App)
	}
	if cfg.Execution.FillTimeoutCycles != 3 || cfg.Execution.SubmitBackoff.Std() != 500*time.Millisecond {
		t.Fatalf("execution defaults not applied: %+v", cfg.Execution)
	}
}
