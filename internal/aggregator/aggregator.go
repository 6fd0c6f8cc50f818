// Package aggregator fans a price request out to every configured source
// and collects one quote per source, failed or not.
package aggregator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"spreadwatch/internal/exchange"
	"spreadwatch/internal/model"
)

var (
	ErrTimeout   = errors.New("source did not answer before the scan deadline")
	ErrCancelled = errors.New("scan cancelled")
)

// Aggregator fetches one instrument from many sources concurrently.
// It holds no state between calls.
type Aggregator struct {
	logger *slog.Logger
	now    func() time.Time
}

// New creates an Aggregator.
func New(logger *slog.Logger) *Aggregator {
	return &Aggregator{
		logger: logger.With("component", "aggregator"),
		now:    time.Now,
	}
}

type fetchResult struct {
	index int
	quote model.PriceQuote
}

// FetchAll asks every source for the instrument. Each call is bounded by
// perCall and the whole operation by overall; sources still pending at the
// overall deadline are recorded as ErrTimeout. The result always holds
// exactly one entry per source name. Sources are identified by Name, so a
// later source reusing a name is skipped and only the first one is asked.
func (a *Aggregator) FetchAll(ctx context.Context, instrument model.Instrument, sources []exchange.PriceSource, perCall, overall time.Duration) model.QuoteSet {
	sources = a.unique(sources)
	parentCtx := ctx
	ctx, cancel := context.WithTimeout(ctx, overall)
	defer cancel()

	// Buffered so late senders never block after FetchAll has returned.
	results := make(chan fetchResult, len(sources))
	for i, src := range sources {
		go func(i int, src exchange.PriceSource) {
			results <- fetchResult{index: i, quote: a.fetchOne(ctx, instrument, src, perCall)}
		}(i, src)
	}

	quotes := make(model.QuoteSet, len(sources))
	received := make([]bool, len(sources))
	for pending := len(sources); pending > 0; pending-- {
		select {
		case r := <-results:
			received[r.index] = true
			quotes[sources[r.index].Name()] = r.quote
		case <-ctx.Done():
			reason := ErrTimeout
			if parentCtx.Err() != nil {
				reason = ErrCancelled
			}
			for i, src := range sources {
				if received[i] {
					continue
				}
				a.logger.Warn("source abandoned", "source", src.Name(), "instrument", instrument, "reason", reason)
				quotes[src.Name()] = a.failed(src.Name(), instrument, reason)
			}
			return quotes
		}
	}
	return quotes
}

func (a *Aggregator) unique(sources []exchange.PriceSource) []exchange.PriceSource {
	seen := make(map[string]bool, len(sources))
	out := make([]exchange.PriceSource, 0, len(sources))
	for _, src := range sources {
		if seen[src.Name()] {
			a.logger.Warn("duplicate source name skipped", "source", src.Name())
			continue
		}
		seen[src.Name()] = true
		out = append(out, src)
	}
	return out
}

func (a *Aggregator) fetchOne(ctx context.Context, instrument model.Instrument, src exchange.PriceSource, perCall time.Duration) model.PriceQuote {
	callCtx, cancel := context.WithTimeout(ctx, perCall)
	defer cancel()

	start := a.now()
	q, err := src.FetchPrice(callCtx, instrument)
	if err == nil && !q.Price.IsPositive() {
		err = fmt.Errorf("%w: %s", exchange.ErrInvalidPrice, q.Price)
	}
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			err = fmt.Errorf("per-call timeout after %s: %w", perCall, err)
		}
		a.logger.Warn("source failed", "source", src.Name(), "instrument", instrument, "error", err)
		return a.failed(src.Name(), instrument, err)
	}

	q.Source = src.Name()
	q.Instrument = instrument
	if q.ObservedAt.IsZero() {
		q.ObservedAt = a.now()
	}
	a.logger.Debug("source answered", "source", src.Name(), "instrument", instrument, "price", q.Price, "took", a.now().Sub(start))
	return q
}

func (a *Aggregator) failed(source string, instrument model.Instrument, err error) model.PriceQuote {
	return model.PriceQuote{
		Source:     source,
		Instrument: instrument,
		ObservedAt: a.now(),
		Err:        err,
	}
}
