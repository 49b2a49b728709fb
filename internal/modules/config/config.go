package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"

	"position_bot/internal/engine"
	"position_bot/internal/events"
	"position_bot/internal/exchange"
	"position_bot/internal/risk"
	"position_bot/internal/strategy"
)

const (
	configFilePathENV = "CONFIG_FILE"
	tokenTelegramENV  = "TELEGRAM_TOKEN"
	chatTelegramENV   = "TELEGRAM_CHAT_ID"
	databaseDSN       = "DATABASE_DSN"
	exchangeKeyENV    = "EXCHANGE_API_KEY"
	exchangeSecretENV = "EXCHANGE_API_SECRET"
	redisAddrENV      = "REDIS_ADDR"
	testModeENV       = "TEST_MODE"
	symbolENV         = "SYMBOL"

	defaultConfigFile = "values_local.yaml"
	configDir         = "configs/"
)

const (
	ExchangeBinance = "binance"
	ExchangePaper   = "paper"
)

var ErrInvalid = errors.New("invalid config")

// Config ...
type Config struct {
	Service struct {
		Name       string `yaml:"name"`
		HealthAddr string `yaml:"health_addr"`
	} `yaml:"service"`

	Log struct {
		Level       string `yaml:"level"`
		Development bool   `yaml:"development"`
	} `yaml:"log"`

	Exchange ExchangeConfig       `yaml:"exchange"`
	Retry    exchange.RetryPolicy `yaml:"retry"`
	Trading  engine.Config        `yaml:"trading"`
	Strategy strategy.Config      `yaml:"strategy"`
	Risk     risk.Config          `yaml:"risk"`

	DB struct {
		DSN      string `yaml:"dsn"`
		MaxConns int32  `yaml:"max_conns"`
	} `yaml:"db"`

	Redis events.RedisConfig `yaml:"redis"`

	Telegram struct {
		Token  string `yaml:"token"`
		ChatID int64  `yaml:"chat_id"`
	} `yaml:"telegram"`

	Tracing struct {
		Enabled bool   `yaml:"enabled"`
		Host    string `yaml:"host"`
		Port    int    `yaml:"port"`
	} `yaml:"tracing"`
}

type ExchangeConfig struct {
	// Name is binance or paper. Paper fills at the last set or streamed price.
	Name       string        `yaml:"name"`
	BaseURL    string        `yaml:"base_url"`
	StreamURL  string        `yaml:"stream_url"`
	APIKey     string        `yaml:"api_key"`
	APISecret  string        `yaml:"api_secret"`
	Timeout    time.Duration `yaml:"timeout"`
	RecvWindow int           `yaml:"recv_window"`

	// Stream caches the last price from the websocket ticker; REST is used
	// when the cached price is older than StreamMaxAge.
	Stream       bool          `yaml:"stream"`
	StreamMaxAge time.Duration `yaml:"stream_max_age"`

	MinOrderQty   float64            `yaml:"min_order_qty"`
	PaperBalances map[string]float64 `yaml:"paper_balances"`
	PaperPrice    float64            `yaml:"paper_price"`
}

// Overrides are values given on the command line. Zero values are ignored.
type Overrides struct {
	ConfigFile string
	Symbol     string
	TestMode   *bool
	Interval   time.Duration
}

func Default() Config {
	var c Config
	c.Service.Name = "position_bot"
	c.Service.HealthAddr = ":8080"
	c.Log.Level = "info"
	c.Exchange = ExchangeConfig{
		Name:          ExchangePaper,
		Timeout:       10 * time.Second,
		RecvWindow:    5000,
		StreamMaxAge:  5 * time.Second,
		MinOrderQty:   0.001,
		PaperBalances: map[string]float64{"USDT": 10000},
	}
	c.Retry = exchange.DefaultRetryPolicy()
	c.Trading = engine.DefaultConfig()
	c.Strategy = strategy.DefaultConfig()
	c.Risk = risk.DefaultConfig()
	c.DB.MaxConns = 10
	c.Redis.Channel = "position_bot"
	c.Tracing.Host = "localhost"
	c.Tracing.Port = 6831
	return c
}

func NewConfig(ov Overrides) (*Config, error) {
	_ = godotenv.Load()

	path := ov.ConfigFile
	if path == "" {
		path = configDir + getenvDefault(configFilePathENV, defaultConfigFile)
	}
	config, err := LoadFile(path)
	if err != nil {
		return nil, err
	}

	config.applyEnv()
	config.apply(ov)

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// LoadFile decodes path over the defaults. Env and flags are not applied.
func LoadFile(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config file: %w", err)
	}
	defer func() {
		_ = file.Close()
	}()

	config := Default()
	if err := yaml.NewDecoder(file).Decode(&config); err != nil {
		return nil, fmt.Errorf("decode config file %s: %w", path, err)
	}
	return &config, nil
}

func (c *Config) applyEnv() {
	if token := os.Getenv(tokenTelegramENV); token != "" {
		c.Telegram.Token = token
	}
	c.Telegram.ChatID = int64FromEnv(chatTelegramENV, c.Telegram.ChatID)
	if dsn := os.Getenv(databaseDSN); dsn != "" {
		c.DB.DSN = dsn
	}
	c.Exchange.APIKey = getenvDefault(exchangeKeyENV, c.Exchange.APIKey)
	c.Exchange.APISecret = getenvDefault(exchangeSecretENV, c.Exchange.APISecret)
	c.Redis.Addr = getenvDefault(redisAddrENV, c.Redis.Addr)
	c.Trading.TestMode = boolFromEnv(testModeENV, c.Trading.TestMode)
	c.Trading.Symbol = getenvDefault(symbolENV, c.Trading.Symbol)
}

func (c *Config) apply(ov Overrides) {
	if ov.Symbol != "" {
		c.Trading.Symbol = ov.Symbol
	}
	if ov.TestMode != nil {
		c.Trading.TestMode = *ov.TestMode
	}
	if ov.Interval > 0 {
		c.Trading.Interval = ov.Interval
	}
}

func (c *Config) Validate() error {
	if !strings.Contains(c.Trading.Symbol, "/") {
		return fmt.Errorf("%w: symbol %q must look like BASE/QUOTE", ErrInvalid, c.Trading.Symbol)
	}
	switch c.Exchange.Name {
	case ExchangeBinance:
		if !c.Trading.TestMode && (c.Exchange.APIKey == "" || c.Exchange.APISecret == "") {
			return fmt.Errorf("%w: live trading on binance needs %s and %s", ErrInvalid, exchangeKeyENV, exchangeSecretENV)
		}
	case ExchangePaper:
	default:
		return fmt.Errorf("%w: unknown exchange %q", ErrInvalid, c.Exchange.Name)
	}
	if c.Trading.Interval <= 0 {
		return fmt.Errorf("%w: trading.interval must be > 0", ErrInvalid)
	}
	if c.Trading.InitialBalance <= 0 {
		return fmt.Errorf("%w: trading.initial_balance must be > 0", ErrInvalid)
	}
	fractions := map[string]float64{
		"trading.trailing_stop_pct":      c.Trading.TrailingStopPct,
		"trading.partial_tp_trigger_pct": c.Trading.PartialTPTriggerPct,
		"trading.partial_tp_fraction":    c.Trading.PartialTPFraction,
	}
	for name, v := range fractions {
		if v < 0 || v > 1 {
			return fmt.Errorf("%w: %s=%v out of [0,1]", ErrInvalid, name, v)
		}
	}
	if c.Strategy.EMAShort >= c.Strategy.EMALong {
		return fmt.Errorf("%w: strategy.ema_short must be < strategy.ema_long", ErrInvalid)
	}
	if err := c.Risk.Validate(); err != nil {
		return err
	}
	return nil
}

func int64FromEnv(key string, def int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return def
}

func boolFromEnv(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if v == "1" || v == "true" || v == "TRUE" {
			return true
		}
		if v == "0" || v == "false" || v == "FALSE" {
			return false
		}
	}
	return def
}

func getenvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
