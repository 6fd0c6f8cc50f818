package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"spreadwatch/internal/model"
)

// tickerAPI describes how to ask one venue for its last price.
type tickerAPI struct {
	baseURL string
	path    func(symbol string) string
	// parse returns the last price and, when the venue reports one, its timestamp.
	parse func(body []byte, symbol string) (decimal.Decimal, time.Time, error)
}

var tickerAPIs = map[string]tickerAPI{
	"binance": {
		baseURL: "https://api.binance.com",
		path: func(symbol string) string {
			return "/api/v3/ticker/price?symbol=" + url.QueryEscape(symbol)
		},
		parse: parseBinance,
	},
	"kraken": {
		baseURL: "https://api.kraken.com",
		path: func(symbol string) string {
			return "/0/public/Ticker?pair=" + url.QueryEscape(symbol)
		},
		parse: parseKraken,
	},
	"okx": {
		baseURL: "https://www.okx.com",
		path: func(symbol string) string {
			return "/api/v5/market/ticker?instId=" + url.QueryEscape(symbol)
		},
		parse: parseOKX,
	},
	"bybit": {
		baseURL: "https://api.bybit.com",
		path: func(symbol string) string {
			return "/v5/market/tickers?category=spot&symbol=" + url.QueryEscape(symbol)
		},
		parse: parseBybit,
	},
	"coinbase": {
		baseURL: "https://api.exchange.coinbase.com",
		path: func(symbol string) string {
			return "/products/" + url.PathEscape(symbol) + "/ticker"
		},
		parse: parseCoinbase,
	},
}

// RESTSource polls a venue's public ticker endpoint.
type RESTSource struct {
	name    string
	api     tickerAPI
	baseURL string
	symbols map[model.Instrument]string
	client  *http.Client
	logger  *slog.Logger
	now     func() time.Time
}

// NewRESTSource creates a RESTSource for one of the supported venues.
// An empty baseURL selects the venue's public endpoint.
func NewRESTSource(name, baseURL string, symbols map[string]string, client *http.Client, logger *slog.Logger) (*RESTSource, error) {
	api, ok := tickerAPIs[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownExchange, name)
	}
	if baseURL == "" {
		baseURL = api.baseURL
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &RESTSource{
		name:    name,
		api:     api,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		symbols: symbolMap(symbols),
		client:  client,
		logger:  logger.With("component", "exchange", "exchange", name),
		now:     time.Now,
	}, nil
}

func (s *RESTSource) Name() string {
	return s.name
}

// FetchPrice requests the last traded price for the instrument.
func (s *RESTSource) FetchPrice(ctx context.Context, instrument model.Instrument) (model.PriceQuote, error) {
	symbol, ok := s.symbols[instrument]
	if !ok {
		return model.PriceQuote{}, fmt.Errorf("%s: %w: %s", s.name, ErrUnsupportedInstrument, instrument)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+s.api.path(symbol), nil)
	if err != nil {
		return model.PriceQuote{}, fmt.Errorf("%s: build request: %w", s.name, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return model.PriceQuote{}, fmt.Errorf("%s: request %s: %w", s.name, symbol, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return model.PriceQuote{}, fmt.Errorf("%s: read body: %w", s.name, err)
	}
	if resp.StatusCode != http.StatusOK {
		return model.PriceQuote{}, fmt.Errorf("%s: unexpected status %d for %s", s.name, resp.StatusCode, symbol)
	}

	price, observedAt, err := s.api.parse(body, symbol)
	if err != nil {
		return model.PriceQuote{}, fmt.Errorf("%s: parse %s: %w", s.name, symbol, err)
	}
	if !price.IsPositive() {
		return model.PriceQuote{}, fmt.Errorf("%s: %w: %s for %s", s.name, ErrInvalidPrice, price, symbol)
	}
	if observedAt.IsZero() {
		observedAt = s.now()
	}

	s.logger.Debug("fetched price", "instrument", instrument, "symbol", symbol, "price", price)
	return model.PriceQuote{
		Source:     s.name,
		Instrument: instrument,
		Price:      price,
		ObservedAt: observedAt,
	}, nil
}

func parseBinance(body []byte, _ string) (decimal.Decimal, time.Time, error) {
	var payload struct {
		Symbol string          `json:"symbol"`
		Price  decimal.Decimal `json:"price"`
		Code   int             `json:"code"`
		Msg    string          `json:"msg"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return decimal.Zero, time.Time{}, err
	}
	if payload.Code != 0 {
		return decimal.Zero, time.Time{}, fmt.Errorf("api error %d: %s", payload.Code, payload.Msg)
	}
	return payload.Price, time.Time{}, nil
}

func parseKraken(body []byte, symbol string) (decimal.Decimal, time.Time, error) {
	var payload struct {
		Error  []string `json:"error"`
		Result map[string]struct {
			// c is [price, lot volume] of the last trade.
			C []decimal.Decimal `json:"c"`
		} `json:"result"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return decimal.Zero, time.Time{}, err
	}
	if len(payload.Error) > 0 {
		return decimal.Zero, time.Time{}, fmt.Errorf("api error: %s", strings.Join(payload.Error, "; "))
	}
	ticker, ok := payload.Result[symbol]
	if !ok {
		// Kraken may answer under its canonical pair name.
		for _, t := range payload.Result {
			ticker, ok = t, true
			break
		}
	}
	if !ok || len(ticker.C) == 0 {
		return decimal.Zero, time.Time{}, fmt.Errorf("no ticker for %s", symbol)
	}
	return ticker.C[0], time.Time{}, nil
}

func parseOKX(body []byte, symbol string) (decimal.Decimal, time.Time, error) {
	var payload struct {
		Code string `json:"code"`
		Msg  string `json:"msg"`
		Data []struct {
			Last decimal.Decimal `json:"last"`
			TS   string          `json:"ts"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return decimal.Zero, time.Time{}, err
	}
	if payload.Code != "0" {
		return decimal.Zero, time.Time{}, fmt.Errorf("api error %s: %s", payload.Code, payload.Msg)
	}
	if len(payload.Data) == 0 {
		return decimal.Zero, time.Time{}, fmt.Errorf("no ticker for %s", symbol)
	}
	return payload.Data[0].Last, unixMillis(payload.Data[0].TS), nil
}

func parseBybit(body []byte, symbol string) (decimal.Decimal, time.Time, error) {
	var payload struct {
		RetCode int    `json:"retCode"`
		RetMsg  string `json:"retMsg"`
		Result  struct {
			List []struct {
				Symbol    string          `json:"symbol"`
				LastPrice decimal.Decimal `json:"lastPrice"`
			} `json:"list"`
		} `json:"result"`
		Time int64 `json:"time"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return decimal.Zero, time.Time{}, err
	}
	if payload.RetCode != 0 {
		return decimal.Zero, time.Time{}, fmt.Errorf("api error %d: %s", payload.RetCode, payload.RetMsg)
	}
	for _, t := range payload.Result.List {
		if t.Symbol == symbol {
			var at time.Time
			if payload.Time > 0 {
				at = time.UnixMilli(payload.Time)
			}
			return t.LastPrice, at, nil
		}
	}
	return decimal.Zero, time.Time{}, fmt.Errorf("no ticker for %s", symbol)
}

func parseCoinbase(body []byte, _ string) (decimal.Decimal, time.Time, error) {
	var payload struct {
		Price   decimal.Decimal `json:"price"`
		Time    time.Time       `json:"time"`
		Message string          `json:"message"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return decimal.Zero, time.Time{}, err
	}
	if payload.Message != "" {
		return decimal.Zero, time.Time{}, fmt.Errorf("api error: %s", payload.Message)
	}
	return payload.Price, payload.Time, nil
}

func unixMillis(s string) time.Time {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil || ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
