// Command spreadwatch scans exchanges for cross-venue spreads that survive
// fees and tracks virtual positions opened on them.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/shopspring/decimal"

	"spreadwatch/internal/aggregator"
	"spreadwatch/internal/app"
	"spreadwatch/internal/arbitrage"
	"spreadwatch/internal/cache"
	"spreadwatch/internal/config"
	"spreadwatch/internal/database"
	"spreadwatch/internal/exchange"
	"spreadwatch/internal/fee"
	"spreadwatch/internal/model"
	"spreadwatch/internal/tracker"
)

func main() {
	configPath := flag.String("config", ".", "directory holding config.yaml and an optional .env")
	once := flag.Bool("once", false, "run a single scan and tick, then exit")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "cannot load config: %v\n", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: parseLevel(cfg.Log.Level)}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger, *once); err != nil {
		logger.Error("spreadwatch exited with error", "error", err)
		os.Exit(1)
	}
	logger.Info("spreadwatch stopped")
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger, once bool) error {
	client := &http.Client{Timeout: cfg.Scanner.PerCallTimeout}

	var (
		sources []exchange.PriceSource
		streams []app.Runner
	)
	for _, name := range cfg.EnabledExchanges() {
		src, err := exchange.NewSource(name, cfg.Exchanges[name], client, logger)
		if err != nil {
			return err
		}
		sources = append(sources, src)
		if r, ok := src.(app.Runner); ok {
			streams = append(streams, r)
		}
	}

	registry, err := fee.NewRegistryFromConfig(cfg.Fees)
	if err != nil {
		return err
	}
	buyRole, err := fee.ParseRole(cfg.Scanner.BuyRole)
	if err != nil {
		return err
	}
	sellRole, err := fee.ParseRole(cfg.Scanner.SellRole)
	if err != nil {
		return err
	}

	scanner := arbitrage.NewScanner(logger, aggregator.New(logger), sources, registry, arbitrage.ScanConfig{
		PerCallTimeout: cfg.Scanner.PerCallTimeout,
		OverallTimeout: cfg.Scanner.OverallTimeout,
		MaxConcurrent:  cfg.Scanner.MaxConcurrentInstruments,
		Rank: arbitrage.RankOptions{
			MinNetProfitPct: decimal.NewFromFloat(cfg.Scanner.MinNetProfitPct),
			Policy: fee.Policy{
				BuyRole:            buyRole,
				SellRole:           sellRole,
				WithdrawalNotional: decimal.NewFromFloat(cfg.Scanner.WithdrawalNotional),
			},
		},
	})

	deps := app.Deps{
		Scanner: scanner,
		Tracker: tracker.New(logger),
		Streams: streams,
	}

	if cfg.Database.Enabled {
		repo, err := database.NewPostgresRepository(ctx, cfg.Database.DSN())
		if err != nil {
			return err
		}
		defer repo.Close()
		if err := repo.Migrate(ctx); err != nil {
			return err
		}
		deps.Repository = repo
		logger.Info("database connected", "host", cfg.Database.Host, "db", cfg.Database.DBName)
	}

	if cfg.Redis.Enabled {
		qc := cache.New(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.TTL)
		defer qc.Close()
		if err := qc.Ping(ctx); err != nil {
			return err
		}
		deps.Cache = qc
		logger.Info("quote cache connected", "addr", cfg.Redis.Addr)
	}

	universe := make([]model.Instrument, 0, len(cfg.Scanner.Universe))
	for _, s := range cfg.Scanner.Universe {
		universe = append(universe, model.Instrument(strings.ToUpper(s)))
	}

	application := app.New(logger, deps, app.Options{
		Universe:        universe,
		ScanInterval:    cfg.Schedule.ScanInterval,
		TickInterval:    cfg.Schedule.TickInterval,
		ReferenceSource: cfg.Tracker.ReferenceSource,
		AutoOpen:        cfg.Tracker.AutoOpen,
		TargetPct:       decimal.NewFromFloat(cfg.Tracker.TargetPct),
		StopPct:         decimal.NewFromFloat(cfg.Tracker.StopPct),
		Notional:        decimal.NewFromFloat(cfg.Tracker.Notional),
	})

	logger.Info("spreadwatch starting",
		"exchanges", cfg.EnabledExchanges(),
		"universe", universe,
		"feeProfile", registry.Active().Name,
		"once", once,
	)

	if once {
		// Stream sources need a running feed before they can answer.
		if len(streams) > 0 {
			logger.Warn("stream sources have no data in -once mode", "streams", len(streams))
		}
		cycle := application.RunOnce(ctx)
		report(logger, cycle)
		return nil
	}
	return application.Run(ctx)
}

func report(logger *slog.Logger, cycle app.Cycle) {
	sum := arbitrage.Summarize(cycle.Results)
	logger.Info("cycle finished",
		"instruments", sum.Instruments,
		"withOpportunity", sum.WithOpportunity,
		"noOpportunity", sum.NoOpportunity,
		"insufficientData", sum.InsufficientData,
		"failedQuotes", sum.FailedQuotes,
		"positionsUpdated", len(cycle.Updated),
	)
	if best := arbitrage.BestOf(cycle.Results); best != nil {
		logger.Info("best opportunity",
			"instrument", best.Instrument,
			"buy", best.BuySource,
			"sell", best.SellSource,
			"netProfitPct", best.NetProfitPct.StringFixed(4),
		)
	}
}
