// Package config
package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

/*
YAML config example:
exchange: "binance"
base_asset: "BTC"
quote_asset: "USDT"
price_step: "1000"
quantity_decimals: 4
price_decimals: 2
rung_count: 3
initial_buy_quantity: "0.001"
buy_quantity_increment: "0.0001"
fixed_sell_quantity: "0.001"
risk_deviation_steps: 10
dry_run: false
poll_interval: 60s
unlock_attempts: 15
unlock_interval: 1s
rate_limit_backoff: 10m
ban_backoff: 30m
error_backoff: 5s
kafka_brokers: ["localhost:9092"]
kafka_topic: "grid.alerts"
http_addr: ":9090"
...
Secrets (API keys, Telegram token, DB_CONN_STR) come from the environment or .env.
*/

const (
	ExchangeBinance = "binance"
	ExchangeWallex  = "wallex"
	ExchangePaper   = "paper"
)

type Config struct {
	Exchange             string        `yaml:"exchange"`
	BaseAsset            string        `yaml:"base_asset"`
	QuoteAsset           string        `yaml:"quote_asset"`
	PriceStep            string        `yaml:"price_step"`
	QuantityDecimals     int           `yaml:"quantity_decimals"`
	PriceDecimals        int           `yaml:"price_decimals"`
	RungCount            int           `yaml:"rung_count"`
	InitialBuyQuantity   string        `yaml:"initial_buy_quantity"`
	BuyQuantityIncrement string        `yaml:"buy_quantity_increment"`
	FixedSellQuantity    string        `yaml:"fixed_sell_quantity"`
	RiskDeviationSteps   int           `yaml:"risk_deviation_steps"`
	DryRun               bool          `yaml:"dry_run"`
	PollInterval         time.Duration `yaml:"poll_interval"`
	UnlockAttempts       int           `yaml:"unlock_attempts"`
	UnlockInterval       time.Duration `yaml:"unlock_interval"`
	UnlockTolerance      string        `yaml:"unlock_tolerance"`
	RateLimitBackoff     time.Duration `yaml:"rate_limit_backoff"`
	BanBackoff           time.Duration `yaml:"ban_backoff"`
	ErrorBackoff         time.Duration `yaml:"error_backoff"`
	FundsWarnEvery       int           `yaml:"funds_warn_every"`
	NotificationRetries  int           `yaml:"notification_retries"`
	NotificationDelay    time.Duration `yaml:"notification_delay"`
	KafkaBrokers         []string      `yaml:"kafka_brokers"`
	KafkaTopic           string        `yaml:"kafka_topic"`
	DBConnStr            string        `yaml:"db_conn_str"`
	DBMaxOpen            int           `yaml:"db_max_open"`
	DBMaxIdle            int           `yaml:"db_max_idle"`
	RunMigration         bool          `yaml:"run_migration"`
	HTTPAddr             string        `yaml:"http_addr"`
	CORSOrigins          []string      `yaml:"cors_origins"`
	LogFile              string        `yaml:"log_file"`
	BinanceBaseURL       string        `yaml:"binance_base_url"`
	PaperBaseBalance     string        `yaml:"paper_base_balance"`
	PaperQuoteBalance    string        `yaml:"paper_quote_balance"`

	BinanceAPIKey    string `yaml:"-"`
	BinanceAPISecret string `yaml:"-"`
	WallexAPIKey     string `yaml:"-"`
	TelegramToken    string `yaml:"-"`
	TelegramChatID   string `yaml:"-"`
}

// Symbol is the exchange pair name, e.g. BTCUSDT.
func (c Config) Symbol() string {
	return c.BaseAsset + c.QuoteAsset
}

// Default returns the configuration of the original BTC/USDT grid.
func Default() Config {
	return Config{
		Exchange:             ExchangeBinance,
		BaseAsset:            "BTC",
		QuoteAsset:           "USDT",
		PriceStep:            "1000",
		QuantityDecimals:     4,
		PriceDecimals:        2,
		RungCount:            3,
		InitialBuyQuantity:   "0.001",
		BuyQuantityIncrement: "0.0001",
		FixedSellQuantity:    "0.001",
		RiskDeviationSteps:   10,
		PollInterval:         60 * time.Second,
		UnlockAttempts:       15,
		UnlockInterval:       time.Second,
		UnlockTolerance:      "0.000000001",
		RateLimitBackoff:     10 * time.Minute,
		BanBackoff:           30 * time.Minute,
		ErrorBackoff:         5 * time.Second,
		FundsWarnEvery:       60,
		NotificationRetries:  3,
		NotificationDelay:    5 * time.Second,
		KafkaTopic:           "grid.alerts",
		DBMaxOpen:            10,
		DBMaxIdle:            5,
		HTTPAddr:             ":9090",
		PaperBaseBalance:     "0.01",
		PaperQuoteBalance:    "1000",
	}
}

// Load builds the configuration from command-line args, an optional YAML
// file given by -config, and secrets from the environment (.env included).
// File values override flags; secrets are only read from the environment.
func Load(args []string) (Config, error) {
	// .env is optional
	_ = godotenv.Load()

	def := Default()
	fs := flag.NewFlagSet("grid-trader", flag.ContinueOnError)
	exchange := fs.String("exchange", def.Exchange, "Exchange: binance or wallex or paper")
	baseAsset := fs.String("base-asset", def.BaseAsset, "Base asset")
	quoteAsset := fs.String("quote-asset", def.QuoteAsset, "Quote asset")
	priceStep := fs.String("price-step", def.PriceStep, "Distance between rungs in quote units")
	qtyDecimals := fs.Int("quantity-decimals", def.QuantityDecimals, "Quantity precision")
	priceDecimals := fs.Int("price-decimals", def.PriceDecimals, "Price precision")
	rungs := fs.Int("rungs", def.RungCount, "Rungs per side")
	initialBuy := fs.String("initial-buy-quantity", def.InitialBuyQuantity, "Base buy quantity after a sell")
	buyIncrement := fs.String("buy-quantity-increment", def.BuyQuantityIncrement, "Buy quantity increment per rung and per buy fill")
	sellQty := fs.String("sell-quantity", def.FixedSellQuantity, "Quantity of every sell rung")
	riskSteps := fs.Int("risk-steps", def.RiskDeviationSteps, "Max distance in steps between price and last trade before halting")
	dryRun := fs.Bool("dry-run", false, "Log rungs without placing orders")
	pollInterval := fs.Duration("poll-interval", def.PollInterval, "Delay between cycles")
	unlockAttempts := fs.Int("unlock-attempts", def.UnlockAttempts, "Balance unlock checks before aborting a cycle")
	unlockInterval := fs.Duration("unlock-interval", def.UnlockInterval, "Delay between balance unlock checks")
	unlockTolerance := fs.String("unlock-tolerance", def.UnlockTolerance, "Absolute tolerance of the unlock comparison")
	rateLimitBackoff := fs.Duration("rate-limit-backoff", def.RateLimitBackoff, "Pause after the exchange rate-limits us")
	banBackoff := fs.Duration("ban-backoff", def.BanBackoff, "Pause after the exchange bans our IP")
	errorBackoff := fs.Duration("error-backoff", def.ErrorBackoff, "Pause after an unexpected error")
	fundsWarnEvery := fs.Int("funds-warn-every", def.FundsWarnEvery, "Notify every Nth consecutive insufficient-funds cycle")
	notificationRetries := fs.Int("notification-retries", def.NotificationRetries, "Number of notification send attempts")
	notificationDelay := fs.Duration("notification-delay", def.NotificationDelay, "Delay between notification retries (e.g., 5s)")
	kafkaBrokers := fs.String("kafka-brokers", "", "Comma-separated Kafka brokers for the alert stream")
	kafkaTopic := fs.String("kafka-topic", def.KafkaTopic, "Kafka topic for the alert stream")
	runMigration := fs.Bool("run-migration", false, "Create the database and apply scripts/schema.sql")
	httpAddr := fs.String("http-addr", def.HTTPAddr, "Status server address, empty to disable")
	corsOrigins := fs.String("cors-origins", "", "Comma-separated origins allowed to call the status server")
	logFile := fs.String("log-file", "", "Append logs to this file as well as stdout")
	binanceBaseURL := fs.String("binance-base-url", "", "Override the Binance REST endpoint")
	paperBase := fs.String("paper-base-balance", def.PaperBaseBalance, "Starting base balance of the paper account")
	paperQuote := fs.String("paper-quote-balance", def.PaperQuoteBalance, "Starting quote balance of the paper account")
	configFile := fs.String("config", "", "Path to YAML config file")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	cfg := Config{
		Exchange:             *exchange,
		BaseAsset:            *baseAsset,
		QuoteAsset:           *quoteAsset,
		PriceStep:            *priceStep,
		QuantityDecimals:     *qtyDecimals,
		PriceDecimals:        *priceDecimals,
		RungCount:            *rungs,
		InitialBuyQuantity:   *initialBuy,
		BuyQuantityIncrement: *buyIncrement,
		FixedSellQuantity:    *sellQty,
		RiskDeviationSteps:   *riskSteps,
		DryRun:               *dryRun,
		PollInterval:         *pollInterval,
		UnlockAttempts:       *unlockAttempts,
		UnlockInterval:       *unlockInterval,
		UnlockTolerance:      *unlockTolerance,
		RateLimitBackoff:     *rateLimitBackoff,
		BanBackoff:           *banBackoff,
		ErrorBackoff:         *errorBackoff,
		FundsWarnEvery:       *fundsWarnEvery,
		NotificationRetries:  *notificationRetries,
		NotificationDelay:    *notificationDelay,
		KafkaBrokers:         splitList(*kafkaBrokers),
		KafkaTopic:           *kafkaTopic,
		DBMaxOpen:            def.DBMaxOpen,
		DBMaxIdle:            def.DBMaxIdle,
		RunMigration:         *runMigration,
		HTTPAddr:             *httpAddr,
		CORSOrigins:          splitList(*corsOrigins),
		LogFile:              *logFile,
		BinanceBaseURL:       *binanceBaseURL,
		PaperBaseBalance:     *paperBase,
		PaperQuoteBalance:    *paperQuote,
	}

	if *configFile != "" {
		data, err := os.ReadFile(*configFile)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file: %w", err)
		}
	}

	cfg.BinanceAPIKey = os.Getenv("BINANCE_API_KEY")
	cfg.BinanceAPISecret = os.Getenv("BINANCE_API_SECRET")
	cfg.WallexAPIKey = os.Getenv("WALLEX_API_KEY")
	cfg.TelegramToken = os.Getenv("TELEGRAM_BOT_TOKEN")
	cfg.TelegramChatID = os.Getenv("TELEGRAM_CHAT_ID")
	if v := os.Getenv("DB_CONN_STR"); v != "" {
		cfg.DBConnStr = v
	}

	return cfg, cfg.Validate()
}

// MustLoadConfig loads the process configuration or exits.
func MustLoadConfig() Config {
	cfg, err := Load(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(2)
	}
	return cfg
}

// Validate rejects configurations the grid cannot run with.
func (c Config) Validate() error {
	var errs []error
	switch c.Exchange {
	case ExchangeBinance, ExchangeWallex, ExchangePaper:
	default:
		errs = append(errs, fmt.Errorf("unknown exchange %q", c.Exchange))
	}
	if c.BaseAsset == "" || c.QuoteAsset == "" {
		errs = append(errs, errors.New("base and quote assets are required"))
	}
	if step, err := decimal.NewFromString(c.PriceStep); err != nil || !step.IsPositive() {
		errs = append(errs, fmt.Errorf("price step must be a positive number, got %q", c.PriceStep))
	} else if c.PriceDecimals >= 0 && !step.Round(int32(c.PriceDecimals)).Equal(step) {
		errs = append(errs, fmt.Errorf("price step %s is finer than %d price decimals", c.PriceStep, c.PriceDecimals))
	}
	if c.RungCount < 1 {
		errs = append(errs, fmt.Errorf("rung count must be at least 1, got %d", c.RungCount))
	}
	if c.QuantityDecimals < 0 || c.PriceDecimals < 0 {
		errs = append(errs, errors.New("decimal precision cannot be negative"))
	}
	if c.UnlockAttempts < 1 {
		errs = append(errs, fmt.Errorf("unlock attempts must be at least 1, got %d", c.UnlockAttempts))
	}
	if c.PollInterval <= 0 {
		errs = append(errs, errors.New("poll interval must be positive"))
	}
	if c.FundsWarnEvery < 1 {
		errs = append(errs, errors.New("funds warning period must be at least 1"))
	}
	if c.Exchange == ExchangeBinance && (c.BinanceAPIKey == "" || c.BinanceAPISecret == "") {
		errs = append(errs, errors.New("BINANCE_API_KEY and BINANCE_API_SECRET are required"))
	}
	if c.Exchange == ExchangeWallex && c.WallexAPIKey == "" {
		errs = append(errs, errors.New("WALLEX_API_KEY is required"))
	}
	return errors.Join(errs...)
}

func splitList(s string) []string {
	var out []string
	for part := range strings.SplitSeq(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
