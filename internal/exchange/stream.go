package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"spreadwatch/internal/model"
)

const (
	initialBackoff = time.Second
	maxBackoff     = 16 * time.Second
	defaultMaxAge  = 15 * time.Second
)

// streamAPI describes a venue's websocket ticker feed.
type streamAPI struct {
	wsURL string
	// endpoint builds the URL to dial for the given venue symbols.
	endpoint func(base string, symbols []string) string
	// subscribe is sent after connecting, nil when the URL alone subscribes.
	subscribe func(symbols []string) any
	// parse extracts a symbol and mid price; ok is false for control messages.
	parse func(message []byte) (symbol string, price decimal.Decimal, ok bool, err error)
}

var streamAPIs = map[string]streamAPI{
	"binance": {
		wsURL: "wss://stream.binance.com:9443",
		endpoint: func(base string, symbols []string) string {
			streams := make([]string, len(symbols))
			for i, s := range symbols {
				streams[i] = strings.ToLower(s) + "@bookTicker"
			}
			return base + "/stream?streams=" + strings.Join(streams, "/")
		},
		parse: parseBinanceBookTicker,
	},
	"kraken": {
		wsURL: "wss://ws.kraken.com",
		endpoint: func(base string, _ []string) string {
			return base
		},
		subscribe: func(symbols []string) any {
			return map[string]any{
				"event": "subscribe",
				"pair":  symbols,
				"subscription": map[string]string{
					"name": "ticker",
				},
			}
		},
		parse: parseKrakenTicker,
	},
}

// StreamSource keeps the latest streamed price per instrument and serves
// FetchPrice from it. Run must be started for prices to arrive.
type StreamSource struct {
	name     string
	api      streamAPI
	url      string
	symbols  map[model.Instrument]string
	bySymbol map[string]model.Instrument
	maxAge   time.Duration
	dialer   *websocket.Dialer
	logger   *slog.Logger
	now      func() time.Time

	mu     sync.RWMutex
	latest map[model.Instrument]model.PriceQuote
}

// NewStreamSource creates a StreamSource for binance or kraken.
// An empty wsURL selects the venue's public endpoint.
func NewStreamSource(name, wsURL string, symbols map[string]string, maxAge time.Duration, logger *slog.Logger) (*StreamSource, error) {
	api, ok := streamAPIs[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s has no stream", ErrUnknownExchange, name)
	}
	if wsURL == "" {
		wsURL = api.wsURL
	}
	if maxAge <= 0 {
		maxAge = defaultMaxAge
	}
	s := &StreamSource{
		name:     name,
		api:      api,
		symbols:  symbolMap(symbols),
		bySymbol: make(map[string]model.Instrument, len(symbols)),
		maxAge:   maxAge,
		dialer:   websocket.DefaultDialer,
		logger:   logger.With("component", "exchange", "exchange", name, "kind", "stream"),
		now:      time.Now,
		latest:   make(map[model.Instrument]model.PriceQuote),
	}
	for inst, sym := range s.symbols {
		s.bySymbol[strings.ToUpper(sym)] = inst
	}
	s.url = api.endpoint(strings.TrimSuffix(wsURL, "/"), s.venueSymbols())
	return s, nil
}

func (s *StreamSource) Name() string {
	return s.name
}

func (s *StreamSource) venueSymbols() []string {
	out := make([]string, 0, len(s.symbols))
	for _, sym := range s.symbols {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}

// FetchPrice returns the latest streamed price if it is younger than maxAge.
func (s *StreamSource) FetchPrice(ctx context.Context, instrument model.Instrument) (model.PriceQuote, error) {
	if err := ctx.Err(); err != nil {
		return model.PriceQuote{}, err
	}
	if _, ok := s.symbols[instrument]; !ok {
		return model.PriceQuote{}, fmt.Errorf("%s: %w: %s", s.name, ErrUnsupportedInstrument, instrument)
	}
	s.mu.RLock()
	q, ok := s.latest[instrument]
	s.mu.RUnlock()
	if !ok {
		return model.PriceQuote{}, fmt.Errorf("%s: %w: no price received for %s", s.name, ErrStale, instrument)
	}
	if age := s.now().Sub(q.ObservedAt); age > s.maxAge {
		return model.PriceQuote{}, fmt.Errorf("%s: %w: %s is %s old", s.name, ErrStale, instrument, age.Round(time.Millisecond))
	}
	return q, nil
}

// Run connects to the feed and reconnects with exponential backoff until
// ctx is cancelled.
func (s *StreamSource) Run(ctx context.Context) error {
	backoff := initialBackoff
	for {
		if ctx.Err() != nil {
			s.logger.Info("context cancelled, shutting down")
			return nil
		}

		s.logger.Info("connecting to WebSocket", "url", s.url, "backoff", backoff)
		connected, err := s.session(ctx)
		if ctx.Err() != nil {
			s.logger.Info("context cancelled, shutting down")
			return nil
		}
		if connected {
			// Reset backoff after a session that got past the handshake.
			backoff = initialBackoff
		}
		s.logger.Error("WebSocket session ended", "error", err)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}
	}
}

// session runs one connection until it fails or ctx is cancelled.
func (s *StreamSource) session(ctx context.Context) (bool, error) {
	c, _, err := s.dialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return false, fmt.Errorf("dial: %w", err)
	}
	defer c.Close()

	// Unblock ReadMessage when the context ends.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = c.Close()
		case <-done:
		}
	}()

	if s.api.subscribe != nil {
		if err := c.WriteJSON(s.api.subscribe(s.venueSymbols())); err != nil {
			return true, fmt.Errorf("subscribe: %w", err)
		}
		s.logger.Info("subscription sent successfully")
	}
	s.logger.Info("connected successfully")

	for {
		_, message, err := c.ReadMessage()
		if err != nil {
			return true, fmt.Errorf("read: %w", err)
		}
		symbol, price, ok, err := s.api.parse(message)
		if err != nil {
			s.logger.Warn("failed to parse message", "error", err)
			continue
		}
		if !ok {
			continue
		}
		s.update(symbol, price)
	}
}

func (s *StreamSource) update(symbol string, price decimal.Decimal) {
	inst, ok := s.bySymbol[strings.ToUpper(symbol)]
	if !ok || !price.IsPositive() {
		return
	}
	q := model.PriceQuote{
		Source:     s.name,
		Instrument: inst,
		Price:      price,
		ObservedAt: s.now(),
	}
	s.mu.Lock()
	s.latest[inst] = q
	s.mu.Unlock()
	s.logger.Debug("stored price", "instrument", inst, "price", price)
}

var two = decimal.NewFromInt(2)

func mid(bid, ask decimal.Decimal) decimal.Decimal {
	return bid.Add(ask).Div(two)
}

func parseBinanceBookTicker(message []byte) (string, decimal.Decimal, bool, error) {
	var envelope struct {
		Stream string `json:"stream"`
		Data   struct {
			Symbol string          `json:"s"`
			Bid    decimal.Decimal `json:"b"`
			Ask    decimal.Decimal `json:"a"`
			// Quantities must be declared so "B" and "A" do not
			// case-insensitively overwrite the prices.
			BidQty decimal.Decimal `json:"B"`
			AskQty decimal.Decimal `json:"A"`
		} `json:"data"`
	}
	if err := json.Unmarshal(message, &envelope); err != nil {
		return "", decimal.Zero, false, err
	}
	if envelope.Data.Symbol == "" {
		return "", decimal.Zero, false, nil
	}
	return envelope.Data.Symbol, mid(envelope.Data.Bid, envelope.Data.Ask), true, nil
}

func parseKrakenTicker(message []byte) (string, decimal.Decimal, bool, error) {
	// Events such as heartbeat and subscriptionStatus are objects; ticker
	// updates are arrays: [channelID, {"a": [...], "b": [...]}, "ticker", pair].
	if len(message) == 0 || message[0] != '[' {
		return "", decimal.Zero, false, nil
	}
	var frame []json.RawMessage
	if err := json.Unmarshal(message, &frame); err != nil {
		return "", decimal.Zero, false, err
	}
	if len(frame) < 4 {
		return "", decimal.Zero, false, fmt.Errorf("short ticker frame: %d elements", len(frame))
	}
	var ticker struct {
		Ask []json.RawMessage `json:"a"`
		Bid []json.RawMessage `json:"b"`
	}
	if err := json.Unmarshal(frame[1], &ticker); err != nil {
		return "", decimal.Zero, false, err
	}
	var pair string
	if err := json.Unmarshal(frame[len(frame)-1], &pair); err != nil {
		return "", decimal.Zero, false, err
	}
	if len(ticker.Ask) == 0 || len(ticker.Bid) == 0 {
		return "", decimal.Zero, false, fmt.Errorf("ticker for %s has no bid/ask", pair)
	}
	var ask, bid decimal.Decimal
	if err := json.Unmarshal(ticker.Ask[0], &ask); err != nil {
		return "", decimal.Zero, false, err
	}
	if err := json.Unmarshal(ticker.Bid[0], &bid); err != nil {
		return "", decimal.Zero, false, err
	}
	return pair, mid(bid, ask), true, nil
}
