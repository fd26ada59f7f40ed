// pairscan screens a universe of instruments for cointegrated pairs: every
// combination is fit by OLS and its residual spread run through a
// Dickey-Fuller test. Candidates that pass print with the hedge ratio to
// configure, ready to paste into the pairs section of the engine config.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/joho/godotenv"

	"statarb-go/internal/broker"
	"statarb-go/internal/config"
	"statarb-go/internal/signal"
	"statarb-go/internal/util"
)

type candidate struct {
	legA, legB string
	result     signal.CointResult
}

func main() {
	cfgPath := flag.String("config", "config.yaml", "path to YAML configuration")
	all := flag.Bool("all", false, "print every combination, not only cointegrated ones")
	flag.Parse()

	_ = godotenv.Load()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	log := util.NewLogger(cfg.App.LogLevel)

	universe := cfg.Scan.Universe
	if len(universe) < 2 {
		log.Fatal().Msg("scan.universe needs at least two instruments")
	}

	data, cleanup, err := openData(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("market data unavailable")
	}
	defer cleanup()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	count := cfg.Scan.MinObs
	spacing := cfg.Execution.Cadence.Std()
	if cfg.Data.Source == "binance" {
		// Interval is validated at load time.
		if d, err := cfg.Data.Binance.IntervalDuration(); err == nil {
			spacing = d
		}
	}
	since := time.Now().UTC().Add(-time.Duration(count) * spacing)
	closes := make(map[string][]broker.PriceBar, len(universe))
	for _, symbol := range universe {
		bars, err := data.GetBars(ctx, symbol, since, count)
		if err != nil {
			log.Fatal().Err(err).Str("instrument", symbol).Msg("history fetch failed")
		}
		closes[symbol] = bars
		log.Debug().Str("instrument", symbol).Int("bars", len(bars)).Msg("history loaded")
	}

	var candidates []candidate
	for i := 0; i < len(universe); i++ {
		for j := i + 1; j < len(universe); j++ {
			a, b := universe[i], universe[j]
			pricesA, pricesB, _ := signal.Align(closes[a], closes[b])
			result, err := signal.TestCointegration(pricesA, pricesB)
			if err != nil {
				log.Warn().Err(err).Str("pair", a+"-"+b).Msg("screen skipped")
				continue
			}
			if result.Cointegrated || *all {
				candidates = append(candidates, candidate{legA: a, legB: b, result: result})
			}
		}
	}

	// Most negative t-statistic first: strongest mean reversion on top.
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].result.TStat < candidates[j].result.TStat
	})

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "PAIR\tHEDGE\tTSTAT\tCOINT\tZ")
	for _, c := range candidates {
		fmt.Fprintf(w, "%s-%s\t%.4f\t%.3f\t%v\t%.2f\n",
			c.legA, c.legB, c.result.HedgeRatio, c.result.TStat, c.result.Cointegrated, c.result.Z)
	}
	_ = w.Flush()

	if len(candidates) == 0 {
		log.Info().Msg("no cointegrated pairs found")
	}
}

func openData(cfg *config.Config) (broker.MarketDataPort, func(), error) {
	log := util.NewLogger(cfg.App.LogLevel)
	if cfg.Data.Source == "binance" {
		data := broker.NewBinanceData(cfg.Data.Binance.RESTURL, cfg.Data.Binance.WSURL, cfg.Data.Binance.Interval, log)
		return data, func() {}, nil
	}
	paper, err := broker.NewPaperVenue(broker.PaperConfig{
		Seed:        cfg.Paper.Seed,
		StartPrices: cfg.Paper.StartPrices,
		BarInterval: cfg.Execution.Cadence.Std(),
	}, log)
	if err != nil {
		return nil, nil, err
	}
	return paper, func() { _ = paper.Close() }, nil
}
