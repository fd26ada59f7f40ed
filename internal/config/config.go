// Package config loads and validates the YAML runtime configuration.
// Validation is eager: a config that fails any check never starts the engine,
// so threshold mistakes (entry below exit, zero cadence) surface at boot
// instead of as silent no-trade behavior.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"statarb-go/internal/signal"
)

// Duration wraps time.Duration with YAML string parsing ("500ms", "1s").
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	dur, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", value.Value, err)
	}
	*d = Duration(dur)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the full runtime configuration.
type Config struct {
	App       App       `yaml:"app"`
	Data      Data      `yaml:"data"`
	Store     StoreCfg  `yaml:"store"`
	Pairs     []Pair    `yaml:"pairs"`
	Execution Execution `yaml:"execution"`
	Paper     Paper     `yaml:"paper"`
	Scan      Scan      `yaml:"scan"`
}

type App struct {
	LogLevel string `yaml:"log_level"`
	OpsAddr  string `yaml:"ops_addr"`
}

// Data selects the market data source: "paper" or "binance".
type Data struct {
	Source  string  `yaml:"source"`
	Binance Binance `yaml:"binance"`
}

type Binance struct {
	RESTURL  string `yaml:"rest_url"`
	WSURL    string `yaml:"ws_url"`
	Interval string `yaml:"interval"`
}

// IntervalDuration converts the kline interval ("1m", "4h", "1d") to a
// duration. The signal window is sized in bars, so the engine needs the real
// bar spacing, not the polling cadence.
func (b Binance) IntervalDuration() (time.Duration, error) {
	s := b.Interval
	if s == "" {
		s = "1m"
	}
	if len(s) < 2 {
		return 0, fmt.Errorf("invalid binance interval %q", b.Interval)
	}
	num, err := strconv.Atoi(s[:len(s)-1])
	if err != nil || num <= 0 {
		return 0, fmt.Errorf("invalid binance interval %q", b.Interval)
	}
	switch s[len(s)-1] {
	case 's':
		return time.Duration(num) * time.Second, nil
	case 'm':
		return time.Duration(num) * time.Minute, nil
	case 'h':
		return time.Duration(num) * time.Hour, nil
	case 'd':
		return time.Duration(num) * 24 * time.Hour, nil
	case 'w':
		return time.Duration(num) * 7 * 24 * time.Hour, nil
	default:
		return 0, fmt.Errorf("invalid binance interval %q", b.Interval)
	}
}

// StoreCfg configures snapshot persistence. DSNs for postgres/redis come from
// the environment (DATABASE_URL, REDIS_URL), never from the file.
type StoreCfg struct {
	Dir string `yaml:"dir"`
}

// Pair is one tradeable pair with its signal thresholds. Quantities and
// ratios are plain floats here; the wiring layer converts them to decimals.
type Pair struct {
	Name       string  `yaml:"name"`
	LegA       string  `yaml:"leg_a"`
	LegB       string  `yaml:"leg_b"`
	HedgeRatio float64 `yaml:"hedge_ratio"`
	Lookback   int     `yaml:"lookback"`
	EntryZ     float64 `yaml:"entry_z"`
	ExitZ      float64 `yaml:"exit_z"`
	StopZ      float64 `yaml:"stop_z"`
	OrderQty   float64 `yaml:"order_qty"`
}

type Execution struct {
	Cadence           Duration `yaml:"cadence"`
	FillTimeoutCycles int      `yaml:"fill_timeout_cycles"`
	MaxSubmitAttempts int      `yaml:"max_submit_attempts"`
	SubmitBackoff     Duration `yaml:"submit_backoff"`
	GraceCycles       int      `yaml:"grace_cycles"`
	HedgeTolerance    float64  `yaml:"hedge_tolerance"`
	MaxQtyPerLeg      float64  `yaml:"max_qty_per_leg"`
	MinQty            float64  `yaml:"min_qty"`
	LotStep           float64  `yaml:"lot_step"`
}

// Paper configures the simulated venue used for dry runs.
type Paper struct {
	Seed            int64              `yaml:"seed"`
	StartPrices     map[string]float64 `yaml:"start_prices"`
	SlippageBps     int                `yaml:"slippage_bps"`
	PartialFillProb float64            `yaml:"partial_fill_prob"`
	RejectProb      float64            `yaml:"reject_prob"`
	DuplicateProb   float64            `yaml:"duplicate_prob"`
	FillsPath       string             `yaml:"fills_path"`
}

// Scan configures the cointegration screen run by pairscan.
type Scan struct {
	Universe []string `yaml:"universe"`
	MinObs   int      `yaml:"min_obs"`
}

// Load reads, decodes, env-overlays, and validates the configuration.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.applyEnv()
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("STATARB_LOG_LEVEL"); v != "" {
		c.App.LogLevel = v
	}
	if v := os.Getenv("STATARB_OPS_ADDR"); v != "" {
		c.App.OpsAddr = v
	}
	if v := os.Getenv("STATARB_STATE_DIR"); v != "" {
		c.Store.Dir = v
	}
}

func (c *Config) applyDefaults() {
	if c.App.LogLevel == "" {
		c.App.LogLevel = "info"
	}
	if c.App.OpsAddr == "" {
		c.App.OpsAddr = ":8080"
	}
	if c.Store.Dir == "" {
		c.Store.Dir = "var/state"
	}
	if c.Data.Source == "" {
		c.Data.Source = "paper"
	}
	if c.Execution.FillTimeoutCycles == 0 {
		c.Execution.FillTimeoutCycles = 3
	}
	if c.Execution.MaxSubmitAttempts == 0 {
		c.Execution.MaxSubmitAttempts = 3
	}
	if c.Execution.SubmitBackoff == 0 {
		c.Execution.SubmitBackoff = Duration(500 * time.Millisecond)
	}
	if c.Execution.GraceCycles == 0 {
		c.Execution.GraceCycles = 3
	}
	if c.Execution.HedgeTolerance == 0 {
		c.Execution.HedgeTolerance = 0.05
	}
	if c.Scan.MinObs == 0 {
		c.Scan.MinObs = signal.MinCointObs
	}
}

// Validate checks every pair's thresholds and the execution knobs.
func (c *Config) Validate() error {
	if c.Data.Source != "paper" && c.Data.Source != "binance" {
		return fmt.Errorf("data.source must be paper or binance, got %q", c.Data.Source)
	}
	if c.Data.Source == "binance" {
		if _, err := c.Data.Binance.IntervalDuration(); err != nil {
			return err
		}
	}
	if len(c.Pairs) == 0 {
		return fmt.Errorf("no pairs configured")
	}
	seen := make(map[string]bool, len(c.Pairs))
	for _, p := range c.Pairs {
		if p.Name == "" || p.LegA == "" || p.LegB == "" {
			return fmt.Errorf("pair %q: name and both legs are required", p.Name)
		}
		if seen[p.Name] {
			return fmt.Errorf("pair %q configured twice", p.Name)
		}
		seen[p.Name] = true
		if p.LegA == p.LegB {
			return fmt.Errorf("pair %s: legs must differ", p.Name)
		}
		if p.HedgeRatio <= 0 {
			return fmt.Errorf("pair %s: hedge_ratio must be positive, got %g", p.Name, p.HedgeRatio)
		}
		if p.Lookback < 2 {
			return fmt.Errorf("pair %s: lookback must be at least 2, got %d", p.Name, p.Lookback)
		}
		if p.ExitZ <= 0 {
			return fmt.Errorf("pair %s: exit_z must be positive, got %g", p.Name, p.ExitZ)
		}
		// entry == exit would oscillate every cycle; strictly greater only.
		if p.EntryZ <= p.ExitZ {
			return fmt.Errorf("pair %s: entry_z (%g) must exceed exit_z (%g)", p.Name, p.EntryZ, p.ExitZ)
		}
		if p.StopZ <= p.EntryZ {
			return fmt.Errorf("pair %s: stop_z (%g) must exceed entry_z (%g)", p.Name, p.StopZ, p.EntryZ)
		}
		if p.OrderQty <= 0 {
			return fmt.Errorf("pair %s: order_qty must be positive, got %g", p.Name, p.OrderQty)
		}
	}
	if c.Execution.Cadence <= 0 {
		return fmt.Errorf("execution.cadence must be positive")
	}
	if c.Execution.FillTimeoutCycles < 1 {
		return fmt.Errorf("execution.fill_timeout_cycles must be at least 1")
	}
	if c.Execution.MaxSubmitAttempts < 1 {
		return fmt.Errorf("execution.max_submit_attempts must be at least 1")
	}
	if c.Execution.MaxQtyPerLeg <= 0 {
		return fmt.Errorf("execution.max_qty_per_leg must be positive")
	}
	if c.Scan.MinObs < signal.MinCointObs {
		return fmt.Errorf("scan.min_obs must be at least %d, got %d", signal.MinCointObs, c.Scan.MinObs)
	}
	return nil
}
