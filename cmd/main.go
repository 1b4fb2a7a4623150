package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/amirphl/grid-trader/internal/api"
	"github.com/amirphl/grid-trader/internal/config"
	"github.com/amirphl/grid-trader/internal/db"
	"github.com/amirphl/grid-trader/internal/db/conf"
	"github.com/amirphl/grid-trader/internal/exchange"
	"github.com/amirphl/grid-trader/internal/grid"
	"github.com/amirphl/grid-trader/internal/livetrading"
	"github.com/amirphl/grid-trader/internal/notifier"
	"github.com/amirphl/grid-trader/internal/utils"
)

func main() {
	cfg := config.MustLoadConfig()

	logger, err := utils.NewLogger(cfg.LogFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	params, err := grid.NewParams(cfg)
	if err != nil {
		logger.Fatal("invalid grid parameters", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("shutting down", zap.String("signal", sig.String()))
		cancel()
	}()

	if cfg.RunMigration {
		if cfg.DBConnStr == "" {
			logger.Fatal("run-migration requires DB_CONN_STR")
		}
		if err := runMigrations(ctx, cfg.DBConnStr, logger); err != nil {
			logger.Fatal("migration failed", zap.Error(err))
		}
	}

	storage, closeStorage, err := openStorage(cfg, logger)
	if err != nil {
		logger.Fatal("failed to open storage", zap.Error(err))
	}
	defer closeStorage()

	n, closeNotifier := buildNotifier(cfg, logger)
	defer closeNotifier()

	gw, err := buildGateway(cfg, params, logger)
	if err != nil {
		logger.Fatal("failed to build exchange gateway", zap.Error(err))
	}

	engine := grid.NewEngine(gw, n, storage, params, utils.RealClock{}, logger)
	trader := livetrading.NewTrader(engine, gw, storage, n, params.Symbol, livetrading.Intervals{
		Poll:      cfg.PollInterval,
		RateLimit: cfg.RateLimitBackoff,
		Ban:       cfg.BanBackoff,
		Error:     cfg.ErrorBackoff,
	}, utils.RealClock{}, logger)

	var wg sync.WaitGroup
	if cfg.HTTPAddr != "" {
		server := api.NewServer(trader, storage, params.Symbol, cfg.CORSOrigins, logger)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := server.Run(ctx, cfg.HTTPAddr); err != nil {
				logger.Error("status server stopped", zap.Error(err))
			}
		}()
	}

	logger.Info("starting grid bot",
		zap.String("exchange", cfg.Exchange),
		zap.String("symbol", params.Symbol),
		zap.String("price_step", params.PriceStep.String()),
		zap.Int("rungs", params.Rungs),
		zap.Bool("dry_run", params.DryRun),
	)
	trader.Run(ctx)

	wg.Wait()
	logger.Info("grid bot stopped")
}

// openStorage connects to Postgres when a connection string is configured and
// falls back to the in-memory journal otherwise.
func openStorage(cfg config.Config, logger *zap.Logger) (db.Storage, func(), error) {
	if cfg.DBConnStr == "" {
		logger.Warn("DB_CONN_STR not set, journaling to memory")
		return db.NewMemory(), func() {}, nil
	}

	c, err := conf.New(cfg.DBConnStr, cfg.DBMaxOpen, cfg.DBMaxIdle)
	if err != nil {
		return nil, nil, err
	}
	storage, err := db.New(*c)
	if err != nil {
		c.DB.Close()
		return nil, nil, err
	}
	return storage, func() { c.DB.Close() }, nil
}

func buildNotifier(cfg config.Config, logger *zap.Logger) (notifier.Notifier, func()) {
	var remotes []notifier.Notifier
	closers := []func() error{}

	if cfg.TelegramToken != "" && cfg.TelegramChatID != "" {
		remotes = append(remotes, notifier.NewTelegramNotifier(cfg.TelegramToken, cfg.TelegramChatID))
	} else {
		logger.Warn("telegram credentials not set, notifications go to the log only")
	}

	if len(cfg.KafkaBrokers) > 0 {
		k := notifier.NewKafkaNotifier(cfg.KafkaBrokers, cfg.KafkaTopic, cfg.Symbol())
		remotes = append(remotes, k)
		closers = append(closers, k.Close)
	}

	n := notifier.NewChain(notifier.NewLogNotifier(logger), remotes,
		cfg.NotificationRetries, cfg.NotificationDelay, logger)
	return n, func() {
		for _, c := range closers {
			if err := c(); err != nil {
				logger.Warn("failed to close notifier", zap.Error(err))
			}
		}
	}
}

func buildGateway(cfg config.Config, params grid.Params, logger *zap.Logger) (exchange.Gateway, error) {
	switch cfg.Exchange {
	case config.ExchangeBinance:
		return exchange.NewBinanceExchange(cfg.BinanceAPIKey, cfg.BinanceAPISecret, cfg.BinanceBaseURL,
			params.PriceDecimals, params.QuantityDecimals, logger), nil
	case config.ExchangeWallex:
		return exchange.NewWallexExchange(cfg.WallexAPIKey, params.PriceDecimals, params.QuantityDecimals, logger), nil
	case config.ExchangePaper:
		base, err := decimal.NewFromString(cfg.PaperBaseBalance)
		if err != nil {
			return nil, fmt.Errorf("paper base balance: %w", err)
		}
		quote, err := decimal.NewFromString(cfg.PaperQuoteBalance)
		if err != nil {
			return nil, fmt.Errorf("paper quote balance: %w", err)
		}
		// Public ticker reads need no credentials.
		prices := exchange.NewBinanceExchange(cfg.BinanceAPIKey, cfg.BinanceAPISecret, cfg.BinanceBaseURL,
			params.PriceDecimals, params.QuantityDecimals, logger)
		return exchange.NewPaperExchange(prices, cfg.BaseAsset, cfg.QuoteAsset, base, quote, logger), nil
	default:
		return nil, fmt.Errorf("unknown exchange %q", cfg.Exchange)
	}
}

// runMigrations creates the database named in connStr if needed and applies
// scripts/schema.sql to it.
func runMigrations(ctx context.Context, connStr string, logger *zap.Logger) error {
	logger.Info("running database migrations")

	u, err := url.Parse(connStr)
	if err != nil {
		return fmt.Errorf("failed to parse connection string: %w", err)
	}

	dbName := strings.TrimPrefix(u.Path, "/")
	if dbName == "" {
		return fmt.Errorf("database name not found in connection string")
	}

	admin := *u
	admin.Path = "/postgres"
	baseDB, err := sql.Open("postgres", admin.String())
	if err != nil {
		return fmt.Errorf("failed to connect to postgres: %w", err)
	}
	defer baseDB.Close()

	var exists bool
	err = baseDB.QueryRowContext(ctx, "SELECT EXISTS(SELECT 1 FROM pg_database WHERE datname = $1)", dbName).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to check if database exists: %w", err)
	}

	if !exists {
		logger.Info("creating database", zap.String("name", dbName))
		if _, err := baseDB.ExecContext(ctx, fmt.Sprintf("CREATE DATABASE %s", pq.QuoteIdentifier(dbName))); err != nil {
			return fmt.Errorf("failed to create database: %w", err)
		}
	}

	target, err := sql.Open("postgres", connStr)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer target.Close()

	path, err := conf.FindSchema()
	if err != nil {
		return err
	}
	schemaSQL, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read schema.sql: %w", err)
	}

	for _, stmt := range conf.SplitStatements(string(schemaSQL)) {
		if _, err := target.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}

	logger.Info("database migrations completed")
	return nil
}
