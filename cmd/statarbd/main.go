// statarbd runs the pair-trading engine: one strategy loop per configured
// pair, a shared market data source, snapshot persistence, and an ops HTTP
// surface for health, metrics, and position inspection.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"statarb-go/internal/broker"
	"statarb-go/internal/config"
	"statarb-go/internal/engine"
	"statarb-go/internal/executor"
	"statarb-go/internal/ledger"
	"statarb-go/internal/metrics"
	"statarb-go/internal/risk"
	"statarb-go/internal/statestore"
	"statarb-go/internal/util"
)

func main() {
	cfgPath := flag.String("config", "config.yaml", "path to YAML configuration")
	flag.Parse()

	_ = godotenv.Load()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	log := util.NewLogger(cfg.App.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := openStore(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("state store unavailable")
	}
	defer store.Close()

	data, orders, binance, venueClose, err := openVenue(cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("venue unavailable")
	}
	defer venueClose()

	if binance != nil {
		symbols := legSymbols(cfg)
		go func() {
			if err := binance.StreamMarks(ctx, symbols); err != nil && ctx.Err() == nil {
				log.Warn().Err(err).Msg("mark stream stopped")
			}
		}()
	}

	barInterval := cfg.Execution.Cadence.Std()
	if cfg.Data.Source == "binance" {
		// Interval is validated at load time.
		if d, err := cfg.Data.Binance.IntervalDuration(); err == nil {
			barInterval = d
		}
	}

	books := make(map[string]*ledger.Ledger, len(cfg.Pairs))
	loops := make([]*engine.Loop, 0, len(cfg.Pairs))
	for _, pc := range cfg.Pairs {
		pair := ledger.InstrumentPair{
			Name:       pc.Name,
			LegA:       pc.LegA,
			LegB:       pc.LegB,
			HedgeRatio: decimal.NewFromFloat(pc.HedgeRatio),
		}
		plog := util.PairLogger(log, pc.Name)
		book := ledger.New(pair, plog)
		ctrl := executor.New(executor.Params{
			EntryZ:   pc.EntryZ,
			ExitZ:    pc.ExitZ,
			StopZ:    pc.StopZ,
			OrderQty: decimal.NewFromFloat(pc.OrderQty),
			Limits: risk.Limits{
				MaxQtyPerLeg: decimal.NewFromFloat(cfg.Execution.MaxQtyPerLeg),
				MinQty:       decimal.NewFromFloat(cfg.Execution.MinQty),
				LotStep:      decimal.NewFromFloat(cfg.Execution.LotStep),
			},
			FillTimeoutCycles: cfg.Execution.FillTimeoutCycles,
			MaxSubmitAttempts: cfg.Execution.MaxSubmitAttempts,
			SubmitBackoff:     cfg.Execution.SubmitBackoff.Std(),
		}, book, orders, plog)
		loop := engine.New(engine.Options{
			Lookback:       pc.Lookback,
			Cadence:        cfg.Execution.Cadence.Std(),
			BarInterval:    barInterval,
			GraceCycles:    cfg.Execution.GraceCycles,
			HedgeTolerance: decimal.NewFromFloat(cfg.Execution.HedgeTolerance),
		}, data, ctrl, book, store, plog)

		if err := loop.Restore(ctx); err != nil {
			log.Error().Err(err).Str("pair", pc.Name).Msg("pair not started")
			continue
		}
		books[pc.Name] = book
		loops = append(loops, loop)
	}
	if len(loops) == 0 {
		log.Fatal().Msg("no pairs started")
	}

	opsSrv := startOps(cfg.App.OpsAddr, books, binance, log)
	defer shutdownOps(opsSrv, log)

	var wg sync.WaitGroup
	for _, loop := range loops {
		wg.Add(1)
		go func(l *engine.Loop) {
			defer wg.Done()
			if err := l.Run(ctx); err != nil {
				if engine.IsHaltErr(err) {
					log.Error().Err(err).Msg("pair halted, manual intervention required")
					return
				}
				log.Error().Err(err).Msg("pair loop failed")
			}
		}(loop)
	}

	log.Info().Int("pairs", len(loops)).Str("source", cfg.Data.Source).Msg("engine running")
	<-ctx.Done()
	log.Info().Msg("shutdown requested, draining pairs")
	wg.Wait()
	log.Info().Msg("all pairs stopped")
}

// openStore picks the snapshot backend from the environment: DATABASE_URL
// selects Postgres, REDIS_URL selects Redis, otherwise local JSON files.
func openStore(ctx context.Context, cfg *config.Config, log zerolog.Logger) (statestore.Store, error) {
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		log.Info().Msg("using postgres snapshot store")
		return statestore.NewPostgres(ctx, dsn)
	}
	if url := os.Getenv("REDIS_URL"); url != "" {
		log.Info().Msg("using redis snapshot store")
		return statestore.NewRedis(ctx, url)
	}
	log.Info().Str("dir", cfg.Store.Dir).Msg("using file snapshot store")
	return statestore.NewFile(cfg.Store.Dir)
}

// legSymbols collects the distinct instruments across all configured pairs.
func legSymbols(cfg *config.Config) []string {
	seen := make(map[string]bool)
	var out []string
	for _, p := range cfg.Pairs {
		for _, leg := range []string{p.LegA, p.LegB} {
			if !seen[leg] {
				seen[leg] = true
				out = append(out, leg)
			}
		}
	}
	return out
}

// openVenue builds the market data and order ports. Orders always route to
// the paper venue; "binance" only swaps the market data side to the live
// read-only connector, returned separately so the mark stream can be started.
func openVenue(cfg *config.Config, log zerolog.Logger) (broker.MarketDataPort, broker.OrderPort, *broker.BinanceData, func(), error) {
	paper, err := broker.NewPaperVenue(broker.PaperConfig{
		Seed:            cfg.Paper.Seed,
		StartPrices:     cfg.Paper.StartPrices,
		BarInterval:     cfg.Execution.Cadence.Std(),
		SlippageBps:     float64(cfg.Paper.SlippageBps),
		PartialFillProb: cfg.Paper.PartialFillProb,
		MaxPartialFills: 3,
		DuplicateProb:   cfg.Paper.DuplicateProb,
		RejectProb:      cfg.Paper.RejectProb,
		FillsPath:       cfg.Paper.FillsPath,
	}, log)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	closeFn := func() { _ = paper.Close() }

	if cfg.Data.Source == "binance" {
		data := broker.NewBinanceData(cfg.Data.Binance.RESTURL, cfg.Data.Binance.WSURL, cfg.Data.Binance.Interval, log)
		return data, paper, data, closeFn, nil
	}
	return paper, paper, nil, closeFn, nil
}

// startOps serves /health, /metrics, and a read-only pair inspection API.
func startOps(addr string, books map[string]*ledger.Ledger, binance *broker.BinanceData, log zerolog.Logger) *http.Server {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", metrics.Handler())
	r.Get("/api/v1/pairs", func(w http.ResponseWriter, _ *http.Request) {
		type pairView struct {
			Pair      string             `json:"pair"`
			State     string             `json:"state"`
			Positions []ledger.Position  `json:"positions"`
			Marks     map[string]float64 `json:"marks,omitempty"`
		}
		out := make([]pairView, 0, len(books))
		for name, book := range books {
			view := pairView{
				Pair:      name,
				State:     string(book.State()),
				Positions: book.Positions(),
			}
			if binance != nil {
				pair := book.Pair()
				view.Marks = make(map[string]float64, 2)
				for _, leg := range []string{pair.LegA, pair.LegB} {
					if mark, ok := binance.MarkPrice(leg); ok {
						view.Marks[leg] = mark
					}
				}
			}
			out = append(out, view)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(out)
	})

	srv := &http.Server{Addr: addr, Handler: r}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("ops server failed")
		}
	}()
	log.Info().Str("addr", addr).Msg("ops server listening")
	return srv
}

func shutdownOps(srv *http.Server, log zerolog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("ops server shutdown")
	}
}
