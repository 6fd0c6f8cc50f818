package arbitrage

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"spreadwatch/internal/exchange"
	"spreadwatch/internal/fee"
	"spreadwatch/internal/model"
)

// Fetcher collects one quote per source for an instrument.
type Fetcher interface {
	FetchAll(ctx context.Context, instrument model.Instrument, sources []exchange.PriceSource, perCall, overall time.Duration) model.QuoteSet
}

// ScanConfig holds the per-scan settings.
type ScanConfig struct {
	PerCallTimeout time.Duration
	OverallTimeout time.Duration
	// MaxConcurrent bounds how many instruments are scanned at once; zero means no limit.
	MaxConcurrent int
	Rank          RankOptions
}

// Scanner runs the aggregator and the ranker across a universe of instruments.
type Scanner struct {
	logger  *slog.Logger
	fetcher Fetcher
	sources []exchange.PriceSource
	fees    *fee.Registry
	cfg     ScanConfig
	now     func() time.Time
}

// NewScanner creates a new Scanner.
func NewScanner(logger *slog.Logger, fetcher Fetcher, sources []exchange.PriceSource, fees *fee.Registry, cfg ScanConfig) *Scanner {
	return &Scanner{
		logger:  logger.With("component", "scanner"),
		fetcher: fetcher,
		sources: sources,
		fees:    fees,
		cfg:     cfg,
		now:     time.Now,
	}
}

// Scan produces one ScanResult per distinct instrument, in universe order.
// The active fee profile is read once, so every instrument in the scan is
// ranked against the same profile. A failing instrument never affects the others.
func (s *Scanner) Scan(ctx context.Context, universe []model.Instrument) []model.ScanResult {
	profile := s.fees.Active()

	seen := make(map[model.Instrument]bool, len(universe))
	instruments := make([]model.Instrument, 0, len(universe))
	for _, inst := range universe {
		if !seen[inst] {
			seen[inst] = true
			instruments = append(instruments, inst)
		}
	}

	results := make([]model.ScanResult, len(instruments))
	var g errgroup.Group
	if s.cfg.MaxConcurrent > 0 {
		g.SetLimit(s.cfg.MaxConcurrent)
	}
	for i, inst := range instruments {
		g.Go(func() error {
			results[i] = s.scanOne(ctx, inst, profile)
			return nil
		})
	}
	_ = g.Wait()

	sum := Summarize(results)
	s.logger.Info("scan finished",
		"profile", profile.Name,
		"instruments", sum.Instruments,
		"withOpportunity", sum.WithOpportunity,
		"noOpportunity", sum.NoOpportunity,
		"insufficientData", sum.InsufficientData,
		"failedQuotes", sum.FailedQuotes,
	)
	return results
}

func (s *Scanner) scanOne(ctx context.Context, inst model.Instrument, profile *fee.Profile) model.ScanResult {
	quotes := s.fetcher.FetchAll(ctx, inst, s.sources, s.cfg.PerCallTimeout, s.cfg.OverallTimeout)
	at := s.now()
	ranking := Rank(inst, quotes, profile, s.cfg.Rank, at)

	result := model.ScanResult{
		Instrument:    inst,
		Outcome:       ranking.Outcome,
		QuotesUsed:    quotes,
		Opportunities: ranking.Opportunities,
		FeeProfile:    profile.Name,
		ScannedAt:     at,
	}
	if len(ranking.Opportunities) > 0 {
		best := ranking.Opportunities[0]
		result.BestOpportunity = &best
		s.logger.Info("Profitable arbitrage opportunity found",
			"instrument", inst,
			"buyExchange", best.BuySource,
			"sellExchange", best.SellSource,
			"buyPrice", best.BuyPrice,
			"sellPrice", best.SellPrice,
			"netProfitPct", best.NetProfitPct.StringFixed(4),
		)
	} else if ranking.Outcome == model.OutcomeInsufficientData {
		s.logger.Warn("insufficient data for arbitrage", "instrument", inst, "liveSources", ranking.LiveSources, "sources", len(quotes))
	}
	return result
}

// BestOf picks the opportunity with the highest net profit across results.
// Ties go to the earliest ComputedAt, then to the earlier result.
func BestOf(results []model.ScanResult) *model.ArbitrageOpportunity {
	var best *model.ArbitrageOpportunity
	for i := range results {
		cand := results[i].BestOpportunity
		if cand == nil {
			continue
		}
		if best == nil ||
			cand.NetProfitPct.GreaterThan(best.NetProfitPct) ||
			(cand.NetProfitPct.Equal(best.NetProfitPct) && cand.ComputedAt.Before(best.ComputedAt)) {
			best = cand
		}
	}
	if best == nil {
		return nil
	}
	out := *best
	return &out
}

// Summary counts scan outcomes.
type Summary struct {
	Instruments      int
	WithOpportunity  int
	NoOpportunity    int
	InsufficientData int
	FailedQuotes     int
}

// Summarize counts the outcomes of a scan.
func Summarize(results []model.ScanResult) Summary {
	sum := Summary{Instruments: len(results)}
	for _, r := range results {
		switch r.Outcome {
		case model.OutcomeOpportunity:
			sum.WithOpportunity++
		case model.OutcomeNoOpportunity:
			sum.NoOpportunity++
		case model.OutcomeInsufficientData:
			sum.InsufficientData++
		}
		sum.FailedQuotes += r.QuotesUsed.Failed()
	}
	return sum
}

// Snapshot reduces scan results to one price per instrument for the
// tracker: the reference source's live price when present, otherwise the
// median of the live quotes. Instruments without live quotes are omitted.
func Snapshot(results []model.ScanResult, referenceSource string) map[model.Instrument]decimal.Decimal {
	snap := make(map[model.Instrument]decimal.Decimal, len(results))
	for _, r := range results {
		if q, ok := r.QuotesUsed[referenceSource]; ok && q.Live() {
			snap[r.Instrument] = q.Price
			continue
		}
		live := r.QuotesUsed.Live()
		if len(live) == 0 {
			continue
		}
		prices := make([]decimal.Decimal, 0, len(live))
		for _, q := range live {
			prices = append(prices, q.Price)
		}
		sort.Slice(prices, func(i, j int) bool { return prices[i].LessThan(prices[j]) })
		n := len(prices)
		if n%2 == 1 {
			snap[r.Instrument] = prices[n/2]
		} else {
			snap[r.Instrument] = prices[n/2-1].Add(prices[n/2]).Div(decimal.NewFromInt(2))
		}
	}
	return snap
}
