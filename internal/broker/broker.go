// Package broker defines the venue-facing ports the engine trades through:
// a pull interface for price history (MarketDataPort) and a push interface
// for order routing and fill polling (OrderPort). Concrete backends live in
// this package too: an in-memory paper venue for dry runs and tests, and a
// read-only Binance market data connector.
package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Side is the direction of an order.
type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

// Opposite returns the offsetting side, used when flattening exposure.
func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

// PriceBar is one OHLCV observation for an instrument. Bars returned by a
// MarketDataPort are ordered by non-decreasing timestamp with no duplicate
// timestamps per instrument; deduplication is the venue's job, never the
// engine's.
type PriceBar struct {
	Instrument string          `json:"instrument"`
	Time       time.Time       `json:"time"`
	Open       decimal.Decimal `json:"open"`
	High       decimal.Decimal `json:"high"`
	Low        decimal.Decimal `json:"low"`
	Close      decimal.Decimal `json:"close"`
	Volume     decimal.Decimal `json:"volume"`
}

// OrderIntent is a single-leg order request. Intents are immutable after
// creation; corrections are expressed as new intents. The ID is the
// idempotency key for submission and fill correlation.
type OrderIntent struct {
	ID         string          `json:"id"`
	Instrument string          `json:"instrument"`
	Side       Side            `json:"side"`
	Qty        decimal.Decimal `json:"qty"` // always positive; Side carries direction
	CreatedAt  time.Time       `json:"created_at"`
}

// NewIntent mints an intent with a fresh idempotency key.
func NewIntent(instrument string, side Side, qty decimal.Decimal) OrderIntent {
	return OrderIntent{
		ID:         uuid.New().String(),
		Instrument: instrument,
		Side:       side,
		Qty:        qty,
		CreatedAt:  time.Now().UTC(),
	}
}

// SignedQty is the position delta the intent produces when fully filled.
func (o OrderIntent) SignedQty() decimal.Decimal {
	if o.Side == Sell {
		return o.Qty.Neg()
	}
	return o.Qty
}

// Fill is one execution notification. Partial fills for the same intent share
// the IntentID and are distinguished by Seq; a redelivered notification
// carries the same (IntentID, Seq) tuple, which the ledger uses to ignore it.
// Qty is signed: positive bought, negative sold.
type Fill struct {
	IntentID   string          `json:"intent_id"`
	Seq        int             `json:"seq"`
	Instrument string          `json:"instrument"`
	Qty        decimal.Decimal `json:"qty"`
	Price      decimal.Decimal `json:"price"`
	Time       time.Time       `json:"time"`
}

// ErrDataUnavailable wraps venue or network failures on the market data path.
// The loop absorbs it and retries on the next cadence tick.
var ErrDataUnavailable = errors.New("market data unavailable")

// RejectedOrderError reports a venue rejection with the venue's reason.
// Submission is retried with backoff up to the configured attempt cap.
type RejectedOrderError struct {
	IntentID string
	Reason   string
}

func (e *RejectedOrderError) Error() string {
	return fmt.Sprintf("order %s rejected: %s", e.IntentID, e.Reason)
}

// MarketDataPort pulls price history per instrument.
type MarketDataPort interface {
	// GetBars returns up to count bars at or after since, oldest first.
	// Failures are reported as (wrapped) ErrDataUnavailable.
	GetBars(ctx context.Context, instrument string, since time.Time, count int) ([]PriceBar, error)
}

// OrderPort routes intents to the venue and surfaces executions.
// Fill notifications may be delivered more than once.
type OrderPort interface {
	// Submit places the intent and returns the acknowledged intent ID.
	Submit(ctx context.Context, intent OrderIntent) (string, error)
	// Cancel revokes the unfilled remainder of an intent. The boolean reports
	// whether anything was actually cancelled.
	Cancel(ctx context.Context, intentID string) (bool, error)
	// PollFills returns executions for intents submitted after sinceIntentID
	// ("" means all known fills). Delivery is at-least-once.
	PollFills(ctx context.Context, sinceIntentID string) ([]Fill, error)
}
