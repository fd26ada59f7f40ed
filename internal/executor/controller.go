// Package executor turns spread signals into a bounded, idempotent sequence
// of broker orders. The Controller is a per-pair state machine over the
// ledger's lifecycle states; it is the only component that creates
// OrderIntents, and it never advances state optimistically; the ledger does
// that on confirmed fills.
package executor

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"statarb-go/internal/broker"
	"statarb-go/internal/ledger"
	"statarb-go/internal/metrics"
	"statarb-go/internal/risk"
	"statarb-go/internal/signal"
)

// ErrPairHalted is the terminal escalation after exhausted retries while
// exposure is still on the book. The pair's loop stops; positions and state
// stay intact and flagged for manual intervention.
var ErrPairHalted = errors.New("pair halted: manual intervention required")

// orderOpTimeout bounds a single venue call. Stop signals are honored between
// cycles, never mid-transition, so order traffic runs detached from the run
// context and this timeout is what keeps a hung venue from wedging shutdown.
const orderOpTimeout = 10 * time.Second

// Params are the strategy knobs, validated by the config layer before a
// Controller is constructed. EntryZ must exceed ExitZ; StopZ bounds the band
// beyond which the relationship is treated as broken.
type Params struct {
	EntryZ            float64
	ExitZ             float64
	StopZ             float64
	OrderQty          decimal.Decimal // leg A quantity per entry
	Limits            risk.Limits
	FillTimeoutCycles int
	MaxSubmitAttempts int
	SubmitBackoff     time.Duration
}

// Controller drives one pair. Not safe for concurrent use; each pair's loop
// is the sole caller.
type Controller struct {
	params Params
	book   *ledger.Ledger
	orders broker.OrderPort
	log    zerolog.Logger

	working       map[string]broker.OrderIntent
	filledByID    map[string]decimal.Decimal
	pollCursor    string
	lastSubmitted string
	prevState     ledger.StrategyState
	cyclesInState int
	exitAttempts  int
	halted        bool
}

// New wires a controller to its ledger and order port.
func New(params Params, book *ledger.Ledger, orders broker.OrderPort, log zerolog.Logger) *Controller {
	return &Controller{
		params:     params,
		book:       book,
		orders:     orders,
		log:        log,
		working:    make(map[string]broker.OrderIntent),
		filledByID: make(map[string]decimal.Decimal),
		prevState:  book.State(),
	}
}

// Halted reports whether the pair has been terminally escalated.
func (c *Controller) Halted() bool { return c.halted }

// PollAndApply drains fill notifications from the order port into the
// ledger. Duplicate deliveries are ignored by the ledger; fully filled
// intents leave the working set. Runs at the top of every cycle so decisions
// see confirmed state.
func (c *Controller) PollAndApply(ctx context.Context) error {
	fills, err := c.orders.PollFills(ctx, c.pollCursor)
	if err != nil {
		return fmt.Errorf("poll fills: %w", err)
	}
	pair := c.book.Pair()
	for _, fill := range fills {
		if err := c.book.ApplyFill(fill.IntentID, fill.Seq, fill.Instrument, fill.Qty, fill.Price); err != nil {
			c.log.Warn().Err(err).Str("intent", fill.IntentID).Msg("fill not applied")
			continue
		}
		metrics.FillsTotal.WithLabelValues(pair.Name, fill.Instrument).Inc()
		if intent, ok := c.working[fill.IntentID]; ok {
			acc := c.filledByID[fill.IntentID].Add(fill.Qty.Abs())
			c.filledByID[fill.IntentID] = acc
			if acc.GreaterThanOrEqual(intent.Qty) {
				delete(c.working, fill.IntentID)
				delete(c.filledByID, fill.IntentID)
			}
		}
	}
	return nil
}

// Step makes at most one decision for the cycle, given the latest spread
// sample (or the signal failure that replaced it). Returns ErrPairHalted on
// terminal escalation; all other outcomes are logged and absorbed.
func (c *Controller) Step(ctx context.Context, sample signal.Sample, sigErr error) error {
	if c.halted {
		return ErrPairHalted
	}
	state := c.book.State()
	if state != c.prevState {
		c.prevState = state
		c.cyclesInState = 0
		if state == ledger.StateOpen || state == ledger.StateFlat {
			// Transition resolved: release the in-flight gate.
			c.working = make(map[string]broker.OrderIntent)
			c.filledByID = make(map[string]decimal.Decimal)
			c.pollCursor = c.lastSubmitted
			c.exitAttempts = 0
		}
	}
	c.cyclesInState++

	switch state {
	case ledger.StateFlat:
		if sigErr != nil {
			return nil // recoverable signal failure, skip the cycle
		}
		az := math.Abs(sample.Z)
		if az >= c.params.StopZ {
			c.log.Debug().Float64("z", sample.Z).Msg("beyond stop band, relationship suspect, no entry")
			return nil
		}
		if az >= c.params.EntryZ {
			return c.enter(ctx, sample)
		}
		return nil

	case ledger.StateEntering:
		if len(c.working) == 0 && c.cyclesInState == 1 {
			// Restored pending marker with no in-memory intents: a crash hit
			// mid-submission. Never resubmit; unwind instead.
			return c.recoverPending(ctx)
		}
		if c.cyclesInState >= c.params.FillTimeoutCycles {
			c.log.Warn().Int("cycles", c.cyclesInState).Msg("entry fill timeout, flattening")
			return c.flattenPartials(ctx)
		}
		return nil

	case ledger.StateOpen:
		if sigErr != nil {
			return nil
		}
		az := math.Abs(sample.Z)
		switch {
		case az >= c.params.StopZ:
			c.log.Warn().Float64("z", sample.Z).Msg("stop-loss threshold breached")
			return c.exit(ctx, "stop_loss")
		case az <= c.params.ExitZ:
			c.log.Info().Float64("z", sample.Z).Msg("spread reverted through exit band")
			return c.exit(ctx, "mean_reversion")
		default:
			return nil
		}

	case ledger.StateExiting:
		if len(c.working) == 0 && c.book.SettleIfFlat() {
			return nil
		}
		if c.cyclesInState >= c.params.FillTimeoutCycles {
			return c.retryExit(ctx)
		}
		return nil
	}
	return nil
}

// enter marks the pending transition, then submits both legs sized by the
// hedge ratio. z > 0 means the spread is rich: sell leg A, buy leg B; z < 0
// is the mirror.
func (c *Controller) enter(ctx context.Context, sample signal.Sample) error {
	pair := c.book.Pair()
	qtyA := c.params.Limits.Clamp(c.params.OrderQty)
	if qtyA.IsZero() {
		c.log.Warn().Msg("entry skipped: clamped quantity is zero")
		return nil
	}
	qtyB := c.params.Limits.Clamp(qtyA.Mul(pair.HedgeRatio))
	if qtyB.IsZero() {
		c.log.Warn().Msg("entry skipped: hedged leg quantity is zero")
		return nil
	}

	sideA, sideB := broker.Buy, broker.Sell
	if sample.Z > 0 {
		sideA, sideB = broker.Sell, broker.Buy
	}

	if err := c.book.MarkPending(ledger.StateEntering); err != nil {
		return fmt.Errorf("mark entering: %w", err)
	}
	signedA := qtyA
	if sideA == broker.Sell {
		signedA = qtyA.Neg()
	}
	signedB := qtyB
	if sideB == broker.Sell {
		signedB = qtyB.Neg()
	}
	c.book.SetTargets(signedA, signedB)

	intents := []broker.OrderIntent{
		broker.NewIntent(pair.LegA, sideA, qtyA),
		broker.NewIntent(pair.LegB, sideB, qtyB),
	}
	for i, intent := range intents {
		if err := c.submitWithRetry(ctx, intent); err != nil {
			c.log.Error().Err(err).Str("instrument", intent.Instrument).Msg("entry submission failed")
			c.cancelWorking(ctx)
			if i == 0 {
				// Nothing can have filled yet on either leg.
				if abortErr := c.book.AbortPending(); abortErr == nil {
					return nil
				}
			}
			return c.flattenPartials(ctx)
		}
		c.working[intent.ID] = intent
		c.lastSubmitted = intent.ID
		metrics.IntentsTotal.WithLabelValues(pair.Name, string(intent.Side)).Inc()
	}
	c.log.Info().
		Float64("z", sample.Z).
		Str("side_a", string(sideA)).Str("qty_a", qtyA.String()).
		Str("side_b", string(sideB)).Str("qty_b", qtyB.String()).
		Msg("entry intents submitted")
	return nil
}

// exit marks OPEN→EXITING and submits offsetting intents for every leg still
// carrying quantity.
func (c *Controller) exit(ctx context.Context, reason string) error {
	if err := c.book.MarkPending(ledger.StateExiting); err != nil {
		return fmt.Errorf("mark exiting: %w", err)
	}
	c.log.Info().Str("reason", reason).Msg("exiting pair")
	return c.submitOffsets(ctx)
}

// flattenPartials handles the entry fill-timeout row of the transition
// table: cancel the outstanding intents, move to EXITING, and submit offsets
// for whatever partially filled. With nothing filled the exit settles
// immediately once the cancellations confirm.
func (c *Controller) flattenPartials(ctx context.Context) error {
	c.cancelWorking(ctx)
	if c.book.State() == ledger.StateEntering {
		if err := c.book.MarkPending(ledger.StateExiting); err != nil {
			return fmt.Errorf("mark exiting after timeout: %w", err)
		}
	}
	if err := c.submitOffsets(ctx); err != nil {
		return err
	}
	c.book.SettleIfFlat()
	return nil
}

// retryExit re-attempts the flatten while EXITING. Exhausting the attempt cap
// with exposure still on the book is the fatal escalation.
func (c *Controller) retryExit(ctx context.Context) error {
	c.exitAttempts++
	if c.exitAttempts > c.params.MaxSubmitAttempts {
		return c.halt()
	}
	c.log.Warn().Int("attempt", c.exitAttempts).Msg("exit not filled, cancelling and resubmitting")
	c.cancelWorking(ctx)
	c.cyclesInState = 0
	return c.submitOffsets(ctx)
}

// submitOffsets issues offsetting intents for all open legs.
func (c *Controller) submitOffsets(ctx context.Context) error {
	pair := c.book.Pair()
	for _, pos := range c.book.Positions() {
		side := broker.Sell
		if pos.Qty.IsNegative() {
			side = broker.Buy
		}
		intent := broker.NewIntent(pos.Instrument, side, pos.Qty.Abs())
		if err := c.submitWithRetry(ctx, intent); err != nil {
			c.log.Error().Err(err).Str("instrument", pos.Instrument).Msg("offset submission failed")
			return c.halt()
		}
		c.working[intent.ID] = intent
		c.lastSubmitted = intent.ID
		metrics.IntentsTotal.WithLabelValues(pair.Name, string(side)).Inc()
	}
	return nil
}

// submitWithRetry submits one intent with exponential backoff up to the
// attempt cap. The same intent (same ID) is resubmitted, so a venue that
// acknowledged a retry it already saw treats it idempotently.
func (c *Controller) submitWithRetry(ctx context.Context, intent broker.OrderIntent) error {
	pair := c.book.Pair()
	// Detach from the run context: a stop signal arriving mid-transition must
	// not turn a routine submission into a failure and escalate to a halt.
	base := context.WithoutCancel(ctx)
	backoff := c.params.SubmitBackoff
	var lastErr error
	for attempt := 1; attempt <= c.params.MaxSubmitAttempts; attempt++ {
		opCtx, cancel := context.WithTimeout(base, orderOpTimeout)
		_, err := c.orders.Submit(opCtx, intent)
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err
		var rejected *broker.RejectedOrderError
		if errors.As(err, &rejected) {
			metrics.RejectsTotal.WithLabelValues(pair.Name).Inc()
		}
		if attempt == c.params.MaxSubmitAttempts {
			break
		}
		c.log.Warn().Err(err).Int("attempt", attempt).Str("intent", intent.ID).Msg("submit failed, backing off")
		time.Sleep(backoff)
		backoff *= 2
	}
	return fmt.Errorf("submit %s after %d attempts: %w", intent.ID, c.params.MaxSubmitAttempts, lastErr)
}

// cancelWorking revokes every in-flight intent. Cancellation failures are
// logged and otherwise ignored: the fills, if any sneak through, are still
// applied idempotently by the ledger.
func (c *Controller) cancelWorking(ctx context.Context) {
	base := context.WithoutCancel(ctx)
	for id := range c.working {
		opCtx, cancel := context.WithTimeout(base, orderOpTimeout)
		_, err := c.orders.Cancel(opCtx, id)
		cancel()
		if err != nil {
			c.log.Warn().Err(err).Str("intent", id).Msg("cancel failed")
		}
		delete(c.working, id)
		delete(c.filledByID, id)
	}
}

// recoverPending unwinds a pending marker restored from a snapshot: with
// exposure, flatten it; without, abort back to FLAT. Intents from before the
// crash are unknown here and are never resubmitted.
func (c *Controller) recoverPending(ctx context.Context) error {
	c.log.Warn().Msg("restored pending transition, recovering")
	return c.flattenPartials(ctx)
}

// halt flags the terminal escalation. Position and state are left exactly as
// they are; only this pair stops.
func (c *Controller) halt() error {
	c.halted = true
	pair := c.book.Pair()
	metrics.HaltsTotal.WithLabelValues(pair.Name).Inc()
	c.log.Error().Msg("pair halted with unresolved exposure")
	return fmt.Errorf("%s: %w", pair.Name, ErrPairHalted)
}
