package database

import (
	"context"
	"flag"
	"log"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"spreadwatch/internal/model"
)

var (
	pool *pgxpool.Pool
)

func TestMain(m *testing.M) {
	flag.Parse()
	os.Exit(run(m))
}

func run(m *testing.M) int {
	if testing.Short() {
		return m.Run()
	}
	ctx := context.Background()

	// Define the PostgreSQL container request
	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "testuser",
			"POSTGRES_PASSWORD": "testpassword",
			"POSTGRES_DB":       "testdb",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").WithOccurrence(2).WithStartupTimeout(time.Minute),
	}

	pgContainer, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		log.Printf("postgres container unavailable, skipping repository tests: %s", err)
		return m.Run()
	}
	defer func() {
		if err := pgContainer.Terminate(ctx); err != nil {
			log.Printf("could not stop postgres container: %s", err)
		}
	}()

	host, err := pgContainer.Host(ctx)
	if err != nil {
		log.Fatalf("could not get container host: %s", err)
	}
	port, err := pgContainer.MappedPort(ctx, "5432")
	if err != nil {
		log.Fatalf("could not get mapped port: %s", err)
	}

	connStr := "postgres://testuser:testpassword@" + host + ":" + port.Port() + "/testdb?sslmode=disable"

	repo, err := NewPostgresRepository(ctx, connStr)
	if err != nil {
		log.Fatalf("could not connect to database: %s", err)
	}
	defer repo.Close()
	pool = repo.Pool

	if err := repo.Migrate(ctx); err != nil {
		log.Fatalf("could not migrate: %s", err)
	}

	return m.Run()
}

func newRepo(t *testing.T) *PostgresRepository {
	t.Helper()
	if pool == nil {
		t.Skip("postgres container not available")
	}
	return &PostgresRepository{Pool: pool}
}

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestPostgresRepository_MigrateIsIdempotent(t *testing.T) {
	repo := newRepo(t)
	assert.NoError(t, repo.Migrate(context.Background()))
}

func TestPostgresRepository_SaveScanResult(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t)
	now := time.Now().UTC().Truncate(time.Microsecond)

	opp := model.ArbitrageOpportunity{
		Instrument:       "BTC",
		BuySource:        "kraken",
		SellSource:       "binance",
		BuyPrice:         d("60000"),
		SellPrice:        d("60100"),
		PriceDifference:  d("100"),
		GrossSpreadPct:   d("0.16666667"),
		BuyFeePct:        d("0.26"),
		SellFeePct:       d("0.1"),
		WithdrawalFeePct: decimal.Zero,
		NetProfitPct:     d("-0.19333333"),
		ComputedAt:       now,
	}
	result := model.ScanResult{
		Instrument: "BTC",
		Outcome:    model.OutcomeOpportunity,
		QuotesUsed: model.QuoteSet{
			"kraken":  {Source: "kraken", Instrument: "BTC", Price: d("60000")},
			"binance": {Source: "binance", Instrument: "BTC", Price: d("60100")},
			"okx":     {Source: "okx", Instrument: "BTC", Err: assert.AnError},
		},
		Opportunities:   []model.ArbitrageOpportunity{opp},
		BestOpportunity: &opp,
		FeeProfile:      "conservative",
		ScannedAt:       now,
	}

	require.NoError(t, repo.SaveScanResult(ctx, result))

	var (
		scanID           int64
		outcome, profile string
		live, failed     int
		best             string
	)
	err := pool.QueryRow(ctx, `
		SELECT id, outcome, fee_profile, live_sources, failed_sources, best_net_profit_pct::text
		FROM scan_results WHERE instrument = 'BTC' ORDER BY id DESC LIMIT 1`,
	).Scan(&scanID, &outcome, &profile, &live, &failed, &best)
	require.NoError(t, err)
	assert.Equal(t, "opportunity", outcome)
	assert.Equal(t, "conservative", profile)
	assert.Equal(t, 2, live)
	assert.Equal(t, 1, failed)
	assert.True(t, d(best).Equal(d("-0.19333333")))

	var (
		buy, sell, net string
		rank           int
	)
	err = pool.QueryRow(ctx, `
		SELECT buy_source, sell_source, net_profit_pct::text, rank
		FROM opportunities WHERE scan_id = $1`, scanID,
	).Scan(&buy, &sell, &net, &rank)
	require.NoError(t, err)
	assert.Equal(t, "kraken", buy)
	assert.Equal(t, "binance", sell)
	assert.Equal(t, 1, rank)
	assert.True(t, d(net).Equal(opp.NetProfitPct))
}

func TestPostgresRepository_SaveScanResultWithoutOpportunity(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t)

	result := model.ScanResult{
		Instrument: "XRP",
		Outcome:    model.OutcomeInsufficientData,
		QuotesUsed: model.QuoteSet{"kraken": {Source: "kraken", Err: assert.AnError}},
		FeeProfile: "conservative",
		ScannedAt:  time.Now(),
	}
	require.NoError(t, repo.SaveScanResult(ctx, result))

	var best *string
	var outcome string
	err := pool.QueryRow(ctx, `
		SELECT outcome, best_net_profit_pct::text FROM scan_results WHERE instrument = 'XRP'`,
	).Scan(&outcome, &best)
	require.NoError(t, err)
	assert.Equal(t, "insufficient_data", outcome)
	assert.Nil(t, best)
}

func TestPostgresRepository_SavePositionUpserts(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t)
	opened := time.Now().UTC().Truncate(time.Microsecond)

	pos := model.VirtualPosition{
		ID:           "pos-1",
		Instrument:   "ETH",
		Direction:    model.Long,
		EntryPrice:   d("100"),
		TargetPrice:  d("110"),
		StopPrice:    d("95"),
		CurrentPrice: d("100"),
		Notional:     d("1000"),
		Status:       model.StatusActive,
		PnLPct:       decimal.Zero,
		PnLAmount:    decimal.Zero,
		BuySource:    "kraken",
		SellSource:   "binance",
		OpenedAt:     opened,
	}
	require.NoError(t, repo.SavePosition(ctx, pos))

	closed := opened.Add(time.Minute)
	pos.CurrentPrice = d("110")
	pos.Status = model.StatusTargetHit
	pos.PnLPct = d("10")
	pos.PnLAmount = d("100")
	pos.ClosedAt = &closed
	require.NoError(t, repo.SavePosition(ctx, pos))

	var (
		count       int
		status, pnl string
		closedAt    *time.Time
	)
	require.NoError(t, pool.QueryRow(ctx, `SELECT count(*) FROM virtual_positions WHERE id = 'pos-1'`).Scan(&count))
	assert.Equal(t, 1, count)

	err := pool.QueryRow(ctx, `
		SELECT status, pnl_pct::text, closed_at FROM virtual_positions WHERE id = 'pos-1'`,
	).Scan(&status, &pnl, &closedAt)
	require.NoError(t, err)
	assert.Equal(t, "TARGET_HIT", status)
	assert.True(t, d(pnl).Equal(d("10")))
	require.NotNil(t, closedAt)
	assert.True(t, closed.Equal(*closedAt))
}

func TestPostgresRepository_SavePositionKeepsTerminalState(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t)
	opened := time.Now().UTC().Truncate(time.Microsecond)
	closed := opened.Add(time.Second)

	active := model.VirtualPosition{
		ID:           "pos-late-save",
		Instrument:   "BTC",
		Direction:    model.Long,
		EntryPrice:   d("100"),
		TargetPrice:  d("101"),
		StopPrice:    d("99.5"),
		CurrentPrice: d("100"),
		Notional:     d("1000"),
		Status:       model.StatusActive,
		PnLPct:       decimal.Zero,
		PnLAmount:    decimal.Zero,
		OpenedAt:     opened,
	}
	hit := active
	hit.CurrentPrice = d("102")
	hit.Status = model.StatusTargetHit
	hit.PnLPct = d("2")
	hit.PnLAmount = d("20")
	hit.ClosedAt = &closed

	// The closing tick is stored before the save made when the position opened.
	require.NoError(t, repo.SavePosition(ctx, hit))
	require.NoError(t, repo.SavePosition(ctx, active))

	var (
		status, price string
		closedAt      *time.Time
	)
	err := pool.QueryRow(ctx, `
		SELECT status, current_price::text, closed_at FROM virtual_positions WHERE id = 'pos-late-save'`,
	).Scan(&status, &price, &closedAt)
	require.NoError(t, err)
	assert.Equal(t, "TARGET_HIT", status)
	assert.True(t, d(price).Equal(d("102")))
	require.NotNil(t, closedAt)
	assert.True(t, closed.Equal(*closedAt))
}
