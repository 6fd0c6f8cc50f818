package arbitrage

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"spreadwatch/internal/aggregator"
	"spreadwatch/internal/exchange"
	"spreadwatch/internal/fee"
	"spreadwatch/internal/model"
)

type MockFetcher struct {
	mock.Mock
}

func (m *MockFetcher) FetchAll(ctx context.Context, instrument model.Instrument, sources []exchange.PriceSource, perCall, overall time.Duration) model.QuoteSet {
	args := m.Called(ctx, instrument, sources, perCall, overall)
	return args.Get(0).(model.QuoteSet)
}

type namedSource string

func (n namedSource) Name() string { return string(n) }

func (n namedSource) FetchPrice(context.Context, model.Instrument) (model.PriceQuote, error) {
	return model.PriceQuote{}, errors.New("not used")
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func newTestScanner(t *testing.T, fetcher Fetcher, cfg ScanConfig) (*Scanner, *fee.Registry) {
	t.Helper()
	optimistic := fee.NewProfile("optimistic", map[string]fee.VenueFees{
		"a": {Taker: d("0")},
		"b": {Taker: d("0")},
		"c": {Taker: d("0")},
	}, nil, decimal.Zero, decimal.Zero)
	reg, err := fee.NewRegistry("test", testProfile(), optimistic)
	require.NoError(t, err)
	sources := []exchange.PriceSource{namedSource("a"), namedSource("b"), namedSource("c")}
	s := NewScanner(discardLogger(), fetcher, sources, reg, cfg)
	s.now = func() time.Time { return testTime }
	return s, reg
}

func TestScanner_Scan(t *testing.T) {
	fetcher := new(MockFetcher)
	cfg := ScanConfig{PerCallTimeout: time.Second, OverallTimeout: 2 * time.Second, MaxConcurrent: 2}
	s, _ := newTestScanner(t, fetcher, cfg)

	fetcher.On("FetchAll", mock.Anything, model.Instrument("BTC"), mock.Anything, time.Second, 2*time.Second).
		Return(quotes(map[string]string{"a": "100", "b": "", "c": "102"})).Once()
	fetcher.On("FetchAll", mock.Anything, model.Instrument("ETH"), mock.Anything, time.Second, 2*time.Second).
		Return(quotes(map[string]string{"a": "100", "b": "", "c": ""})).Once()
	fetcher.On("FetchAll", mock.Anything, model.Instrument("SOL"), mock.Anything, time.Second, 2*time.Second).
		Return(quotes(map[string]string{"a": "100", "b": "100.1", "c": "100"})).Once()

	results := s.Scan(context.Background(), []model.Instrument{"BTC", "ETH", "SOL", "BTC"})

	fetcher.AssertExpectations(t)
	require.Len(t, results, 3, "duplicates are scanned once")

	btc := results[0]
	assert.Equal(t, model.Instrument("BTC"), btc.Instrument)
	assert.Equal(t, model.OutcomeOpportunity, btc.Outcome)
	assert.Len(t, btc.QuotesUsed, 3, "failed sources stay in the quote set")
	require.NotNil(t, btc.BestOpportunity)
	assert.Equal(t, "a", btc.BestOpportunity.BuySource)
	assert.Equal(t, "c", btc.BestOpportunity.SellSource)
	assert.Equal(t, "test", btc.FeeProfile)
	assert.Equal(t, testTime, btc.ScannedAt)

	eth := results[1]
	assert.Equal(t, model.OutcomeInsufficientData, eth.Outcome)
	assert.Nil(t, eth.BestOpportunity)
	assert.Len(t, eth.QuotesUsed, 3)

	sol := results[2]
	assert.Equal(t, model.OutcomeNoOpportunity, sol.Outcome)
	assert.Empty(t, sol.Opportunities)

	sum := Summarize(results)
	assert.Equal(t, Summary{Instruments: 3, WithOpportunity: 1, NoOpportunity: 1, InsufficientData: 1, FailedQuotes: 3}, sum)
}

func TestScanner_UsesProfileActiveAtScanStart(t *testing.T) {
	fetcher := new(MockFetcher)
	s, reg := newTestScanner(t, fetcher, ScanConfig{PerCallTimeout: time.Second, OverallTimeout: time.Second})

	fetcher.On("FetchAll", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(quotes(map[string]string{"a": "100", "b": "100.2"}))

	results := s.Scan(context.Background(), []model.Instrument{"BTC"})
	assert.Equal(t, model.OutcomeNoOpportunity, results[0].Outcome)

	require.NoError(t, reg.Use("optimistic"))
	results = s.Scan(context.Background(), []model.Instrument{"BTC"})
	assert.Equal(t, model.OutcomeOpportunity, results[0].Outcome)
	assert.Equal(t, "optimistic", results[0].FeeProfile)
}

// profileSwapper switches the active profile while a scan is fetching.
type profileSwapper struct {
	reg   *fee.Registry
	calls atomic.Int32
}

func (p *profileSwapper) FetchAll(_ context.Context, _ model.Instrument, _ []exchange.PriceSource, _, _ time.Duration) model.QuoteSet {
	if p.calls.Add(1) == 1 {
		_ = p.reg.Use("optimistic")
	}
	return quotes(map[string]string{"a": "100", "b": "100.2"})
}

func TestScanner_ProfileSwapMidScanIsNotObserved(t *testing.T) {
	swapper := &profileSwapper{}
	s, reg := newTestScanner(t, swapper, ScanConfig{PerCallTimeout: time.Second, OverallTimeout: time.Second, MaxConcurrent: 1})
	swapper.reg = reg

	results := s.Scan(context.Background(), []model.Instrument{"BTC", "ETH", "SOL"})

	for _, r := range results {
		assert.Equal(t, "test", r.FeeProfile)
		assert.Equal(t, model.OutcomeNoOpportunity, r.Outcome)
	}
	assert.Equal(t, "optimistic", reg.Active().Name)
}

type slowSource struct {
	name  string
	price string
	delay time.Duration
}

func (s slowSource) Name() string { return s.name }

func (s slowSource) FetchPrice(ctx context.Context, _ model.Instrument) (model.PriceQuote, error) {
	select {
	case <-ctx.Done():
		return model.PriceQuote{}, ctx.Err()
	case <-time.After(s.delay):
	}
	return model.PriceQuote{Price: d(s.price)}, nil
}

func TestScanner_WithAggregator(t *testing.T) {
	reg, err := fee.NewRegistry("test", testProfile())
	require.NoError(t, err)
	sources := []exchange.PriceSource{
		slowSource{name: "a", price: "100", delay: time.Millisecond},
		slowSource{name: "b", price: "110", delay: time.Second},
		slowSource{name: "c", price: "102", delay: time.Millisecond},
	}
	cfg := ScanConfig{PerCallTimeout: 100 * time.Millisecond, OverallTimeout: 200 * time.Millisecond}
	s := NewScanner(discardLogger(), aggregator.New(discardLogger()), sources, reg, cfg)

	results := s.Scan(context.Background(), []model.Instrument{"BTC"})

	require.Len(t, results, 1)
	r := results[0]
	assert.Len(t, r.QuotesUsed, 3)
	assert.Error(t, r.QuotesUsed["b"].Err)
	require.NotNil(t, r.BestOpportunity)
	assert.Equal(t, "c", r.BestOpportunity.SellSource)
}

func TestBestOf(t *testing.T) {
	early := testTime
	late := testTime.Add(time.Second)
	opp := func(inst model.Instrument, net string, at time.Time) *model.ArbitrageOpportunity {
		return &model.ArbitrageOpportunity{Instrument: inst, NetProfitPct: d(net), ComputedAt: at}
	}

	assert.Nil(t, BestOf(nil))
	assert.Nil(t, BestOf([]model.ScanResult{{Instrument: "BTC", Outcome: model.OutcomeNoOpportunity}}))

	best := BestOf([]model.ScanResult{
		{Instrument: "BTC", BestOpportunity: opp("BTC", "1.5", early)},
		{Instrument: "ETH", BestOpportunity: opp("ETH", "2.5", late)},
		{Instrument: "SOL"},
	})
	require.NotNil(t, best)
	assert.Equal(t, model.Instrument("ETH"), best.Instrument)

	t.Run("tie goes to earliest computedAt", func(t *testing.T) {
		best := BestOf([]model.ScanResult{
			{Instrument: "BTC", BestOpportunity: opp("BTC", "2", late)},
			{Instrument: "ETH", BestOpportunity: opp("ETH", "2", early)},
		})
		assert.Equal(t, model.Instrument("ETH"), best.Instrument)
	})

	t.Run("exact tie goes to first result", func(t *testing.T) {
		best := BestOf([]model.ScanResult{
			{Instrument: "BTC", BestOpportunity: opp("BTC", "2", early)},
			{Instrument: "ETH", BestOpportunity: opp("ETH", "2", early)},
		})
		assert.Equal(t, model.Instrument("BTC"), best.Instrument)
	})
}

func TestSnapshot(t *testing.T) {
	results := []model.ScanResult{
		{Instrument: "BTC", QuotesUsed: quotes(map[string]string{"a": "100", "b": "104", "c": "101"})},
		{Instrument: "ETH", QuotesUsed: quotes(map[string]string{"a": "", "b": "10", "c": "12"})},
		{Instrument: "SOL", QuotesUsed: quotes(map[string]string{"a": "", "b": ""})},
		{Instrument: "XRP", QuotesUsed: quotes(map[string]string{"b": "3", "c": "1", "d": "2"})},
	}

	snap := Snapshot(results, "a")

	assert.True(t, snap["BTC"].Equal(d("100")), "reference source wins")
	assert.True(t, snap["ETH"].Equal(d("11")), "even median")
	assert.True(t, snap["XRP"].Equal(d("2")), "odd median")
	_, ok := snap["SOL"]
	assert.False(t, ok)
}
