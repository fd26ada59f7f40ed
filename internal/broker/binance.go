package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

const (
	defaultBinanceBaseURL = "https://api.binance.com"
	defaultBinanceWSURL   = "wss://stream.binance.com:9443"
)

// BinanceData is a read-only MarketDataPort backed by Binance public
// endpoints: REST klines for history and an optional trade websocket that
// keeps a live mark price per symbol. This connector never places orders.
type BinanceData struct {
	baseURL  string
	wsURL    string
	interval string
	client   *http.Client
	log      zerolog.Logger

	mu    sync.RWMutex
	marks map[string]float64
}

// NewBinanceData builds the connector. Empty URLs fall back to the public
// production endpoints; interval defaults to one-minute klines.
func NewBinanceData(baseURL, wsURL, interval string, log zerolog.Logger) *BinanceData {
	if baseURL == "" {
		baseURL = defaultBinanceBaseURL
	}
	if wsURL == "" {
		wsURL = defaultBinanceWSURL
	}
	if interval == "" {
		interval = "1m"
	}
	return &BinanceData{
		baseURL:  strings.TrimSuffix(baseURL, "/"),
		wsURL:    strings.TrimSuffix(wsURL, "/"),
		interval: interval,
		client:   &http.Client{Timeout: 10 * time.Second},
		log:      log,
		marks:    make(map[string]float64),
	}
}

// GetBars fetches klines for the symbol, oldest first. Any transport or
// decode failure is reported as wrapped ErrDataUnavailable so the loop can
// absorb it and retry next tick.
func (b *BinanceData) GetBars(ctx context.Context, instrument string, since time.Time, count int) ([]PriceBar, error) {
	if count <= 0 {
		return nil, nil
	}
	if count > 1000 {
		count = 1000 // venue page cap
	}
	q := url.Values{}
	q.Set("symbol", strings.ToUpper(instrument))
	q.Set("interval", b.interval)
	q.Set("limit", fmt.Sprintf("%d", count))
	if !since.IsZero() {
		q.Set("startTime", fmt.Sprintf("%d", since.UnixMilli()))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.baseURL+"/api/v3/klines?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %v", ErrDataUnavailable, err)
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDataUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("%w: klines status %d: %s", ErrDataUnavailable, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var raw [][]json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("%w: decode klines: %v", ErrDataUnavailable, err)
	}

	bars := make([]PriceBar, 0, len(raw))
	for _, row := range raw {
		bar, err := parseKline(instrument, row)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDataUnavailable, err)
		}
		bars = append(bars, bar)
	}
	return bars, nil
}

func parseKline(instrument string, row []json.RawMessage) (PriceBar, error) {
	if len(row) < 6 {
		return PriceBar{}, fmt.Errorf("kline row has %d fields", len(row))
	}
	var openMs int64
	if err := json.Unmarshal(row[0], &openMs); err != nil {
		return PriceBar{}, fmt.Errorf("kline open time: %v", err)
	}
	fields := make([]decimal.Decimal, 5)
	for i := 1; i <= 5; i++ {
		var s string
		if err := json.Unmarshal(row[i], &s); err != nil {
			return PriceBar{}, fmt.Errorf("kline field %d: %v", i, err)
		}
		d, err := decimal.NewFromString(s)
		if err != nil {
			return PriceBar{}, fmt.Errorf("kline field %d: %v", i, err)
		}
		fields[i-1] = d
	}
	return PriceBar{
		Instrument: instrument,
		Time:       time.UnixMilli(openMs).UTC(),
		Open:       fields[0],
		High:       fields[1],
		Low:        fields[2],
		Close:      fields[3],
		Volume:     fields[4],
	}, nil
}

type binanceEnvelope struct {
	Stream string       `json:"stream"`
	Data   binanceTrade `json:"data"`
}

type binanceTrade struct {
	Price     string `json:"p"`
	TradeTime int64  `json:"T"`
}

// StreamMarks consumes the combined trade stream for the given symbols until
// the context is cancelled, updating the per-symbol mark price. Disconnects
// are retried with capped exponential backoff.
func (b *BinanceData) StreamMarks(ctx context.Context, symbols []string) error {
	if len(symbols) == 0 {
		return fmt.Errorf("trade stream requires at least one symbol")
	}
	streams := make([]string, len(symbols))
	for i, sym := range symbols {
		streams[i] = strings.ToLower(sym) + "@trade"
	}
	target := fmt.Sprintf("%s/stream?streams=%s", b.wsURL, strings.Join(streams, "/"))

	backoff := time.Second
	const maxBackoff = 30 * time.Second
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := b.consumeStream(ctx, target); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			b.log.Warn().Err(err).Msg("binance stream disconnected, retrying")
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
			backoff = time.Duration(math.Min(float64(maxBackoff), float64(backoff)*1.8))
			continue
		}
		return nil
	}
}

func (b *BinanceData) consumeStream(ctx context.Context, target string) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, target, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	conn.SetReadLimit(1 << 20)
	conn.SetReadDeadline(time.Now().Add(30 * time.Second))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(30 * time.Second))
		return nil
	})

	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			case <-pingCtx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		_, message, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		var env binanceEnvelope
		if err := json.Unmarshal(message, &env); err != nil {
			b.log.Warn().Err(err).Msg("failed to decode binance message")
			continue
		}
		symbol := parseStreamSymbol(env.Stream)
		px, err := decimal.NewFromString(env.Data.Price)
		if err != nil {
			continue
		}
		b.mu.Lock()
		b.marks[symbol] = px.InexactFloat64()
		b.mu.Unlock()
	}
}

// MarkPrice reports the last traded price seen on the stream, if any.
func (b *BinanceData) MarkPrice(symbol string) (float64, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	px, ok := b.marks[strings.ToUpper(symbol)]
	return px, ok
}

func parseStreamSymbol(stream string) string {
	name := stream
	if idx := strings.Index(stream, "@"); idx >= 0 {
		name = stream[:idx]
	}
	return strings.ToUpper(name)
}
