// Package app drives the scanner and the position tracker on fixed intervals.
package app

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"spreadwatch/internal/arbitrage"
	"spreadwatch/internal/database"
	"spreadwatch/internal/model"
	"spreadwatch/internal/tracker"
)

var hundred = decimal.NewFromInt(100)

// QuoteCache receives every quote a scan collected.
type QuoteCache interface {
	PutQuotes(ctx context.Context, quotes []model.PriceQuote) error
}

// Runner is a background feed, such as a streaming price source.
type Runner interface {
	Run(ctx context.Context) error
}

// Options holds the loop and auto-open settings.
type Options struct {
	Universe        []model.Instrument
	ScanInterval    time.Duration
	TickInterval    time.Duration
	ReferenceSource string

	// AutoOpen opens a long position on the best opportunity of a scan,
	// bracketed TargetPct above and StopPct below the buy price.
	AutoOpen  bool
	TargetPct decimal.Decimal
	StopPct   decimal.Decimal
	Notional  decimal.Decimal
}

// Deps are the collaborators of an App. Repository, Cache and Streams are optional.
type Deps struct {
	Scanner    *arbitrage.Scanner
	Tracker    *tracker.Tracker
	Repository database.Repository
	Cache      QuoteCache
	Streams    []Runner
}

// Cycle reports what one scan and tick did.
type Cycle struct {
	Results []model.ScanResult
	Opened  *model.VirtualPosition
	Updated []model.VirtualPosition
}

// App owns the scan and tick loops.
type App struct {
	logger  *slog.Logger
	scanner *arbitrage.Scanner
	tracker *tracker.Tracker
	repo    database.Repository
	cache   QuoteCache
	streams []Runner
	opts    Options

	mu       sync.RWMutex
	snapshot map[model.Instrument]decimal.Decimal
}

// New creates an App.
func New(logger *slog.Logger, deps Deps, opts Options) *App {
	return &App{
		logger:   logger.With("component", "app"),
		scanner:  deps.Scanner,
		tracker:  deps.Tracker,
		repo:     deps.Repository,
		cache:    deps.Cache,
		streams:  deps.Streams,
		opts:     opts,
		snapshot: make(map[model.Instrument]decimal.Decimal),
	}
}

// Run starts the streams and both loops and blocks until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, s := range a.streams {
		g.Go(func() error { return s.Run(ctx) })
	}
	g.Go(func() error {
		return every(ctx, a.opts.ScanInterval, func() { a.Scan(ctx) })
	})
	g.Go(func() error {
		return every(ctx, a.opts.TickInterval, func() { a.Tick(ctx) })
	})
	if err := g.Wait(); err != nil {
		return err
	}
	a.logger.Info("stopped")
	return nil
}

// every calls fn immediately and then on each tick until ctx is done.
func every(ctx context.Context, interval time.Duration, fn func()) error {
	fn()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			fn()
		}
	}
}

// RunOnce performs a single scan followed by a single tick.
func (a *App) RunOnce(ctx context.Context) Cycle {
	results, opened := a.Scan(ctx)
	return Cycle{Results: results, Opened: opened, Updated: a.Tick(ctx)}
}

// Scan scans the universe, records the results and refreshes the price
// snapshot used by Tick. It returns the position it auto-opened, if any.
func (a *App) Scan(ctx context.Context) ([]model.ScanResult, *model.VirtualPosition) {
	results := a.scanner.Scan(ctx, a.opts.Universe)

	if a.repo != nil {
		for _, r := range results {
			if err := a.repo.SaveScanResult(ctx, r); err != nil {
				a.logger.Error("Failed to save scan result", "instrument", r.Instrument, "error", err)
			}
		}
	}
	if a.cache != nil {
		var quotes []model.PriceQuote
		for _, r := range results {
			for _, q := range r.QuotesUsed {
				quotes = append(quotes, q)
			}
		}
		if err := a.cache.PutQuotes(ctx, quotes); err != nil {
			a.logger.Error("Failed to cache quotes", "error", err)
		}
	}

	var opened *model.VirtualPosition
	if a.opts.AutoOpen {
		opened = a.autoOpen(ctx, results)
	}

	// Published after the auto-open save so a tick driven by this scan's
	// prices is stored after the position's opening state.
	snap := arbitrage.Snapshot(results, a.opts.ReferenceSource)
	a.mu.Lock()
	for inst, price := range snap {
		a.snapshot[inst] = price
	}
	a.mu.Unlock()
	return results, opened
}

func (a *App) autoOpen(ctx context.Context, results []model.ScanResult) *model.VirtualPosition {
	best := arbitrage.BestOf(results)
	if best == nil {
		return nil
	}
	if active := a.tracker.List(tracker.Filter{Status: model.StatusActive, Instrument: best.Instrument}); len(active) > 0 {
		a.logger.Debug("position already active", "instrument", best.Instrument, "id", active[0].ID)
		return nil
	}

	target := best.BuyPrice.Mul(hundred.Add(a.opts.TargetPct)).Div(hundred)
	stop := best.BuyPrice.Mul(hundred.Sub(a.opts.StopPct)).Div(hundred)
	pos, err := a.tracker.OpenFromOpportunity(*best, target, stop, a.opts.Notional)
	if err != nil {
		a.logger.Error("Failed to open position", "instrument", best.Instrument, "error", err)
		return nil
	}
	a.save(ctx, pos)
	return &pos
}

// Tick applies the latest snapshot to the open positions and persists the
// ones it evaluated.
func (a *App) Tick(ctx context.Context) []model.VirtualPosition {
	a.mu.RLock()
	snap := make(map[model.Instrument]decimal.Decimal, len(a.snapshot))
	for inst, price := range a.snapshot {
		snap[inst] = price
	}
	a.mu.RUnlock()
	if len(snap) == 0 {
		return nil
	}

	updated := a.tracker.TickAll(snap)
	closed := 0
	for _, pos := range updated {
		if pos.Status.Terminal() {
			closed++
		}
		a.save(ctx, pos)
	}
	if len(updated) > 0 {
		a.logger.Info("positions ticked", "evaluated", len(updated), "closed", closed)
	}
	return updated
}

func (a *App) save(ctx context.Context, pos model.VirtualPosition) {
	if a.repo == nil {
		return
	}
	if err := a.repo.SavePosition(ctx, pos); err != nil {
		a.logger.Error("Failed to save position", "id", pos.ID, "error", err)
	}
}
