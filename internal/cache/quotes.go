// Package cache keeps the latest live quote per venue in Redis so other
// processes can read prices without hitting the exchanges.
package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"spreadwatch/internal/model"
)

const keyPrefix = "quote:"

// QuoteCache stores quotes as one hash per instrument with a field per venue.
type QuoteCache struct {
	client *redis.Client
	ttl    time.Duration
}

// New creates a QuoteCache. A non-positive ttl keeps keys forever.
func New(addr, password string, db int, ttl time.Duration) *QuoteCache {
	return &QuoteCache{
		client: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
			DB:       db,
		}),
		ttl: ttl,
	}
}

// Ping checks the connection.
func (c *QuoteCache) Ping(ctx context.Context) error {
	if err := c.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

// Close closes the client.
func (c *QuoteCache) Close() error {
	return c.client.Close()
}

func key(instrument model.Instrument) string {
	return keyPrefix + string(instrument)
}

// PutQuotes writes every live quote and refreshes the TTL of each touched
// instrument. Failed quotes are skipped so a venue keeps its last good price.
func (c *QuoteCache) PutQuotes(ctx context.Context, quotes []model.PriceQuote) error {
	fields := make(map[model.Instrument][]any)
	for _, q := range quotes {
		if !q.Live() {
			continue
		}
		fields[q.Instrument] = append(fields[q.Instrument], q.Source, q.Price.String())
	}
	if len(fields) == 0 {
		return nil
	}

	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for inst, values := range fields {
			pipe.HSet(ctx, key(inst), values...)
			if c.ttl > 0 {
				pipe.Expire(ctx, key(inst), c.ttl)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("cache quotes: %w", err)
	}
	return nil
}

// Latest returns the cached price per venue. An unknown instrument yields an
// empty map.
func (c *QuoteCache) Latest(ctx context.Context, instrument model.Instrument) (map[string]decimal.Decimal, error) {
	raw, err := c.client.HGetAll(ctx, key(instrument)).Result()
	if err != nil {
		return nil, fmt.Errorf("read quotes %s: %w", instrument, err)
	}
	out := make(map[string]decimal.Decimal, len(raw))
	for venue, s := range raw {
		price, err := decimal.NewFromString(s)
		if err != nil {
			return nil, fmt.Errorf("cached price %s/%s: %w", instrument, venue, err)
		}
		out[venue] = price
	}
	return out, nil
}
