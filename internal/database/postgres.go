package database

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"spreadwatch/internal/model"
)

const schema = `
CREATE TABLE IF NOT EXISTS scan_results (
	id BIGSERIAL PRIMARY KEY,
	instrument VARCHAR(20) NOT NULL,
	outcome VARCHAR(20) NOT NULL,
	fee_profile VARCHAR(50) NOT NULL,
	live_sources INT NOT NULL,
	failed_sources INT NOT NULL,
	best_net_profit_pct NUMERIC(20, 8),
	scanned_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS opportunities (
	id BIGSERIAL PRIMARY KEY,
	scan_id BIGINT NOT NULL REFERENCES scan_results(id) ON DELETE CASCADE,
	rank INT NOT NULL,
	instrument VARCHAR(20) NOT NULL,
	buy_source VARCHAR(50) NOT NULL,
	sell_source VARCHAR(50) NOT NULL,
	buy_price NUMERIC(30, 12) NOT NULL,
	sell_price NUMERIC(30, 12) NOT NULL,
	gross_spread_pct NUMERIC(20, 8) NOT NULL,
	buy_fee_pct NUMERIC(20, 8) NOT NULL,
	sell_fee_pct NUMERIC(20, 8) NOT NULL,
	withdrawal_fee_pct NUMERIC(20, 8) NOT NULL,
	net_profit_pct NUMERIC(20, 8) NOT NULL,
	computed_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS virtual_positions (
	id VARCHAR(64) PRIMARY KEY,
	instrument VARCHAR(20) NOT NULL,
	direction VARCHAR(10) NOT NULL,
	entry_price NUMERIC(30, 12) NOT NULL,
	target_price NUMERIC(30, 12) NOT NULL,
	stop_price NUMERIC(30, 12) NOT NULL,
	current_price NUMERIC(30, 12) NOT NULL,
	notional NUMERIC(30, 12) NOT NULL,
	status VARCHAR(20) NOT NULL,
	pnl_pct NUMERIC(20, 8) NOT NULL,
	pnl_amount NUMERIC(30, 12) NOT NULL,
	buy_source VARCHAR(50) NOT NULL DEFAULT '',
	sell_source VARCHAR(50) NOT NULL DEFAULT '',
	opened_at TIMESTAMPTZ NOT NULL,
	closed_at TIMESTAMPTZ
);`

// PostgresRepository stores scan results and virtual positions in PostgreSQL.
type PostgresRepository struct {
	Pool *pgxpool.Pool
}

// NewPostgresRepository connects a pool to dsn and verifies it with a ping.
func NewPostgresRepository(ctx context.Context, dsn string) (*PostgresRepository, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &PostgresRepository{Pool: pool}, nil
}

// Close releases the pool.
func (r *PostgresRepository) Close() {
	r.Pool.Close()
}

// Migrate creates the tables when they do not exist.
func (r *PostgresRepository) Migrate(ctx context.Context) error {
	if _, err := r.Pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// SaveScanResult writes the result and its ranked opportunities in one transaction.
func (r *PostgresRepository) SaveScanResult(ctx context.Context, result model.ScanResult) error {
	tx, err := r.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var best *string
	if result.BestOpportunity != nil {
		s := result.BestOpportunity.NetProfitPct.String()
		best = &s
	}
	live := len(result.QuotesUsed.Live())

	var scanID int64
	err = tx.QueryRow(ctx, `
		INSERT INTO scan_results (instrument, outcome, fee_profile, live_sources, failed_sources, best_net_profit_pct, scanned_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id`,
		string(result.Instrument), result.Outcome.String(), result.FeeProfile,
		live, result.QuotesUsed.Failed(), best, result.ScannedAt,
	).Scan(&scanID)
	if err != nil {
		return fmt.Errorf("insert scan result %s: %w", result.Instrument, err)
	}

	if len(result.Opportunities) > 0 {
		batch := &pgx.Batch{}
		for i, o := range result.Opportunities {
			batch.Queue(`
				INSERT INTO opportunities (scan_id, rank, instrument, buy_source, sell_source, buy_price, sell_price,
					gross_spread_pct, buy_fee_pct, sell_fee_pct, withdrawal_fee_pct, net_profit_pct, computed_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
				scanID, i+1, string(o.Instrument), o.BuySource, o.SellSource,
				o.BuyPrice.String(), o.SellPrice.String(), o.GrossSpreadPct.String(),
				o.BuyFeePct.String(), o.SellFeePct.String(), o.WithdrawalFeePct.String(),
				o.NetProfitPct.String(), o.ComputedAt,
			)
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("insert opportunities %s: %w", result.Instrument, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// SavePosition inserts the position or overwrites its mutable fields.
// A stored terminal row is never overwritten, so a late save of an older
// ACTIVE state cannot reopen a closed position.
func (r *PostgresRepository) SavePosition(ctx context.Context, pos model.VirtualPosition) error {
	_, err := r.Pool.Exec(ctx, `
		INSERT INTO virtual_positions (id, instrument, direction, entry_price, target_price, stop_price,
			current_price, notional, status, pnl_pct, pnl_amount, buy_source, sell_source, opened_at, closed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (id) DO UPDATE SET
			current_price = EXCLUDED.current_price,
			status = EXCLUDED.status,
			pnl_pct = EXCLUDED.pnl_pct,
			pnl_amount = EXCLUDED.pnl_amount,
			closed_at = EXCLUDED.closed_at
		WHERE virtual_positions.status = 'ACTIVE'`,
		pos.ID, string(pos.Instrument), string(pos.Direction),
		pos.EntryPrice.String(), pos.TargetPrice.String(), pos.StopPrice.String(),
		pos.CurrentPrice.String(), pos.Notional.String(), string(pos.Status),
		pos.PnLPct.String(), pos.PnLAmount.String(), pos.BuySource, pos.SellSource,
		pos.OpenedAt, pos.ClosedAt,
	)
	if err != nil {
		return fmt.Errorf("save position %s: %w", pos.ID, err)
	}
	return nil
}
