package broker

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// maxDeliveredHistory bounds the redelivery pool kept for duplicate
// injection; a long-running daemon must not accumulate every fill ever made.
const maxDeliveredHistory = 256

// PaperConfig tunes the simulated venue. The zero value is usable; Seed 0
// means a fixed default seed so runs stay reproducible.
type PaperConfig struct {
	Seed            int64
	StartPrices     map[string]float64
	BarInterval     time.Duration
	SlippageBps     float64
	PartialFillProb float64
	MaxPartialFills int
	DuplicateProb   float64
	RejectProb      float64
	FillsPath       string
}

type workingOrder struct {
	intent    OrderIntent
	submitIdx int
	remaining decimal.Decimal
	nextSeq   int
	cancelled bool
}

// PaperVenue is an in-memory venue implementing both ports. Prices follow a
// correlated random walk: every instrument shares a common factor plus its
// own noise, so a pair of paper instruments actually cointegrates well enough
// to drive the strategy in dry runs. Fills are synthesized at submit time,
// optionally split into partials, and may be delivered more than once to
// exercise the ledger's idempotence.
type PaperVenue struct {
	mu        sync.Mutex
	cfg       PaperConfig
	rng       *rand.Rand
	log       zerolog.Logger
	bars      map[string][]PriceBar
	last      map[string]float64
	shared    float64
	start     time.Time
	orders    map[string]*workingOrder
	submits   int
	pending   []Fill
	delivered []Fill // retained for duplicate redelivery
	journal   *JSONLRecorder
}

// NewPaperVenue constructs the simulator. An error is only possible when a
// fills journal path is configured and cannot be opened.
func NewPaperVenue(cfg PaperConfig, log zerolog.Logger) (*PaperVenue, error) {
	if cfg.Seed == 0 {
		cfg.Seed = 42
	}
	if cfg.BarInterval <= 0 {
		cfg.BarInterval = time.Minute
	}
	if cfg.MaxPartialFills <= 0 {
		cfg.MaxPartialFills = 1
	}
	v := &PaperVenue{
		cfg:    cfg,
		rng:    rand.New(rand.NewSource(cfg.Seed)),
		log:    log,
		bars:   make(map[string][]PriceBar),
		last:   make(map[string]float64),
		orders: make(map[string]*workingOrder),
	}
	if cfg.FillsPath != "" {
		journal, err := NewJSONLRecorder(cfg.FillsPath)
		if err != nil {
			return nil, fmt.Errorf("open fills journal: %w", err)
		}
		v.journal = journal
	}
	return v, nil
}

// Close releases the fills journal, if any.
func (v *PaperVenue) Close() error {
	if v.journal == nil {
		return nil
	}
	return v.journal.Close()
}

// GetBars serves synthetic history: the first call backfills count bars, each
// later call extends the series by one bar, mirroring a venue polled on a
// cadence. Bars are strictly increasing in time with no duplicates.
func (v *PaperVenue) GetBars(ctx context.Context, instrument string, since time.Time, count int) ([]PriceBar, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDataUnavailable, err)
	}
	if count <= 0 {
		return nil, nil
	}
	v.mu.Lock()
	defer v.mu.Unlock()

	// Anchor the series on first use so the backfilled window ends at the
	// current wall clock; callers polling on the bar interval keep it
	// tracking real time, and their since filter actually matches.
	if v.start.IsZero() {
		v.start = time.Now().UTC().Truncate(v.cfg.BarInterval).
			Add(-time.Duration(count-1) * v.cfg.BarInterval)
	}

	history := v.bars[instrument]
	if len(history) == 0 {
		for i := 0; i < count; i++ {
			history = append(history, v.nextBar(instrument, len(history)))
		}
	} else {
		history = append(history, v.nextBar(instrument, len(history)))
	}
	v.bars[instrument] = history

	out := make([]PriceBar, 0, count)
	for _, bar := range history {
		if bar.Time.Before(since) {
			continue
		}
		out = append(out, bar)
	}
	if len(out) > count {
		out = out[len(out)-count:]
	}
	return out, nil
}

// nextBar advances the walk one step. Callers hold the mutex. The shared
// factor is stepped once per unique bar index across the venue so legs stay
// correlated; idiosyncratic noise is a fraction of the common move.
func (v *PaperVenue) nextBar(instrument string, idx int) PriceBar {
	px, ok := v.last[instrument]
	if !ok {
		px = v.cfg.StartPrices[instrument]
		if px <= 0 {
			px = 100
		}
	}
	shared := v.rng.NormFloat64() * 0.004
	own := v.rng.NormFloat64() * 0.001
	px *= math.Exp(shared + own)
	v.last[instrument] = px

	open := decimal.NewFromFloat(px / math.Exp(own))
	closeP := decimal.NewFromFloat(px)
	high := decimal.Max(open, closeP)
	low := decimal.Min(open, closeP)
	return PriceBar{
		Instrument: instrument,
		Time:       v.start.Add(time.Duration(idx) * v.cfg.BarInterval),
		Open:       open,
		High:       high,
		Low:        low,
		Close:      closeP,
		Volume:     decimal.NewFromFloat(1000 + v.rng.Float64()*500),
	}
}

// Submit acknowledges the intent and synthesizes its fills, possibly split
// into partials and possibly rejected outright per the configured
// probabilities.
func (v *PaperVenue) Submit(ctx context.Context, intent OrderIntent) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	v.mu.Lock()
	defer v.mu.Unlock()

	if _, exists := v.orders[intent.ID]; exists {
		// Idempotent resubmission: already acknowledged.
		return intent.ID, nil
	}
	if v.cfg.RejectProb > 0 && v.rng.Float64() < v.cfg.RejectProb {
		return "", &RejectedOrderError{IntentID: intent.ID, Reason: "synthetic venue reject"}
	}

	order := &workingOrder{
		intent:    intent,
		submitIdx: v.submits,
		remaining: intent.Qty,
	}
	v.submits++
	v.orders[intent.ID] = order
	v.fillOrder(order)
	return intent.ID, nil
}

// fillOrder converts the working order into pending fill notifications.
// Callers hold the mutex.
func (v *PaperVenue) fillOrder(order *workingOrder) {
	parts := 1
	if v.cfg.PartialFillProb > 0 && v.rng.Float64() < v.cfg.PartialFillProb && v.cfg.MaxPartialFills > 1 {
		parts = 2 + v.rng.Intn(v.cfg.MaxPartialFills-1)
	}
	mark := v.last[order.intent.Instrument]
	if mark <= 0 {
		mark = v.cfg.StartPrices[order.intent.Instrument]
		if mark <= 0 {
			mark = 100
		}
	}
	slip := 1 + v.cfg.SlippageBps/10000
	if order.intent.Side == Sell {
		slip = 1 - v.cfg.SlippageBps/10000
	}
	price := decimal.NewFromFloat(mark * slip).Round(8)

	per := order.intent.Qty.Div(decimal.NewFromInt(int64(parts))).Round(8)
	for i := 0; i < parts; i++ {
		qty := per
		if i == parts-1 {
			qty = order.remaining // absorb rounding dust in the last slice
		}
		if order.intent.Side == Sell {
			qty = qty.Abs().Neg()
		}
		fill := Fill{
			IntentID:   order.intent.ID,
			Seq:        order.nextSeq,
			Instrument: order.intent.Instrument,
			Qty:        qty,
			Price:      price,
			Time:       time.Now().UTC(),
		}
		order.nextSeq++
		order.remaining = order.remaining.Sub(qty.Abs())
		v.pending = append(v.pending, fill)
		if v.journal != nil {
			v.journal.Record(fill)
		}
	}
}

// Cancel revokes whatever has not filled yet. Paper fills are immediate, so
// this usually reports false; it still flips the cancelled flag so a resumed
// order cannot fill later.
func (v *PaperVenue) Cancel(ctx context.Context, intentID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	order, ok := v.orders[intentID]
	if !ok || order.cancelled {
		return false, nil
	}
	order.cancelled = true
	return order.remaining.IsPositive(), nil
}

// PollFills drains pending notifications for intents submitted after
// sinceIntentID. With DuplicateProb an already-delivered fill is replayed,
// exercising the at-least-once contract.
func (v *PaperVenue) PollFills(ctx context.Context, sinceIntentID string) ([]Fill, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	v.mu.Lock()
	defer v.mu.Unlock()

	floor := -1
	if sinceIntentID != "" {
		if order, ok := v.orders[sinceIntentID]; ok {
			floor = order.submitIdx
		}
	}

	var out []Fill
	for _, fill := range v.pending {
		order := v.orders[fill.IntentID]
		if order == nil || order.submitIdx <= floor {
			// The cursor only moves forward, so these fills can never be
			// requested again. Drop them instead of parking them forever.
			continue
		}
		out = append(out, fill)
	}
	v.pending = nil
	v.delivered = append(v.delivered, out...)
	if len(v.delivered) > maxDeliveredHistory {
		v.delivered = append(v.delivered[:0:0], v.delivered[len(v.delivered)-maxDeliveredHistory:]...)
	}

	if len(v.delivered) > 0 && v.cfg.DuplicateProb > 0 && v.rng.Float64() < v.cfg.DuplicateProb {
		out = append(out, v.delivered[v.rng.Intn(len(v.delivered))])
	}
	return out, nil
}
