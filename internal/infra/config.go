package infra

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"crypto_mm/internal/domain"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

const (
	// DefaultUserAgent identifies this client to the venue.
	DefaultUserAgent = "crypto_mm/1.0"
)

// Config는 애플리케이션의 모든 설정을 담습니다.
// LoadConfig로 로드된 후에 환경 변수를 통해 민감 내용을 덮어씁니다.
type Config struct {
	App struct {
		Name    string `yaml:"name"`
		Version string `yaml:"version"`
	} `yaml:"app"`

	Exchange struct {
		RestURL          string `yaml:"rest_url"`
		WSURL            string `yaml:"ws_url"`
		Key              string `yaml:"key"`
		Secret           string `yaml:"secret"`
		Passphrase       string `yaml:"passphrase"`
		RequestTimeoutMS int    `yaml:"request_timeout_ms"`
		MaxRetries       int    `yaml:"max_retries"`
		RateLimitPerSec  int    `yaml:"rate_limit_per_sec"`
	} `yaml:"exchange"`

	Feed struct {
		Auth            bool     `yaml:"auth"`
		Channels        []string `yaml:"channels"`
		PingIntervalSec int      `yaml:"ping_interval_sec"`
		MessageLog      string   `yaml:"message_log"`
	} `yaml:"feed"`

	MarketMaker MarketMakerConfig `yaml:"market_maker"`

	Storage struct {
		SQLitePath   string   `yaml:"sqlite_path"`
		FillBuffer   int      `yaml:"fill_buffer"`
		KafkaBrokers []string `yaml:"kafka_brokers"`
		KafkaTopic   string   `yaml:"kafka_topic"`
		RedisAddr    string   `yaml:"redis_addr"`
		RedisChannel string   `yaml:"redis_channel"`
	} `yaml:"storage"`

	Account struct {
		BalanceTTLSec int `yaml:"balance_ttl_sec"`
		ProductTTLSec int `yaml:"product_ttl_sec"`
	} `yaml:"account"`

	Metrics struct {
		Addr string `yaml:"addr"`
	} `yaml:"metrics"`

	Logging struct {
		Level string `yaml:"level"`
		Dir   string `yaml:"dir"`
	} `yaml:"logging"`
}

// MarketMakerConfig is the strategy surface of the control loop.
type MarketMakerConfig struct {
	ProductID       string          `yaml:"product_id"`
	MaxSpread       decimal.Decimal `yaml:"max_spread"`
	MinSpread       decimal.Decimal `yaml:"min_spread"`
	StopPct         decimal.Decimal `yaml:"stop_pct"`
	IntervalSec     int             `yaml:"interval_sec"`
	SpendPct        decimal.Decimal `yaml:"spend_pct"`
	MaxOpenBuys     int             `yaml:"max_open_buys"`
	MaxOpenSells    int             `yaml:"max_open_sells"`
	Aggressive      bool            `yaml:"aggressive"`
	Replace         bool            `yaml:"replace"`
	WallSize        decimal.Decimal `yaml:"wall_size"`
	WallMinSize     decimal.Decimal `yaml:"wall_min_size"`
	WallWithinPct   decimal.Decimal `yaml:"wall_within_pct"`
	WallMeasure     int             `yaml:"wall_measure"`
	WallIndex       int             `yaml:"wall_index"`
	MinStep         decimal.Decimal `yaml:"min_step"`
	MinProfit       decimal.Decimal `yaml:"min_profit"`
	MinSize         decimal.Decimal `yaml:"min_size"`
	SnapshotTTLMS   int             `yaml:"snapshot_ttl_ms"`
	MinTickerChange decimal.Decimal `yaml:"min_ticker_change"`
	MaxAuthFailures int             `yaml:"max_auth_failures"`
	VerifyBalance   bool            `yaml:"verify_balance"`
	// StaleCycles cancels a buy that has rested this many cycles. 0 keeps
	// buys until they fill or shift.
	StaleCycles int `yaml:"stale_cycles"`
}

// Interval is the pause between cycles.
func (c MarketMakerConfig) Interval() time.Duration {
	return time.Duration(c.IntervalSec) * time.Second
}

// SnapshotTTL is how long a book snapshot is reused.
func (c MarketMakerConfig) SnapshotTTL() time.Duration {
	return time.Duration(c.SnapshotTTLMS) * time.Millisecond
}

// Validate checks the strategy parameters.
func (c MarketMakerConfig) Validate() error {
	if _, _, err := domain.SplitProduct(c.ProductID); err != nil {
		return &domain.ConfigError{Field: "market_maker.product_id", Err: err}
	}
	if !c.MinSpread.IsPositive() || c.MaxSpread.LessThan(c.MinSpread) {
		return &domain.ConfigError{Field: "market_maker.max_spread", Err: errors.New("need 0 < min_spread <= max_spread")}
	}
	if c.StopPct.IsNegative() || c.StopPct.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return &domain.ConfigError{Field: "market_maker.stop_pct", Err: errors.New("must be in [0, 1)")}
	}
	if !c.SpendPct.IsPositive() || c.SpendPct.GreaterThan(decimal.NewFromInt(1)) {
		return &domain.ConfigError{Field: "market_maker.spend_pct", Err: errors.New("must be in (0, 1]")}
	}
	if c.IntervalSec <= 0 {
		return &domain.ConfigError{Field: "market_maker.interval_sec", Err: errors.New("must be positive")}
	}
	if c.MaxOpenBuys < 0 || c.MaxOpenSells < 0 {
		return &domain.ConfigError{Field: "market_maker.max_open_buys", Err: errors.New("limits must not be negative")}
	}
	if !c.MinStep.IsPositive() {
		return &domain.ConfigError{Field: "market_maker.min_step", Err: errors.New("must be positive")}
	}
	if c.StaleCycles < 0 {
		return &domain.ConfigError{Field: "market_maker.stale_cycles", Err: errors.New("must not be negative")}
	}
	return nil
}

// DefaultConfig returns a configuration with the reference strategy values.
func DefaultConfig() *Config {
	var cfg Config
	cfg.App.Name = "crypto_mm"
	cfg.App.Version = "1.0.0"

	cfg.Exchange.RestURL = "https://api.exchange.coinbase.com"
	cfg.Exchange.WSURL = "wss://ws-feed.exchange.coinbase.com"
	cfg.Exchange.RequestTimeoutMS = 5000
	cfg.Exchange.MaxRetries = 3
	cfg.Exchange.RateLimitPerSec = 3

	cfg.Feed.Auth = true
	cfg.Feed.Channels = []string{"full", "heartbeat"}
	cfg.Feed.PingIntervalSec = 30

	cfg.MarketMaker = MarketMakerConfig{
		ProductID:       "ETH-USD",
		MaxSpread:       decimal.RequireFromString("0.10"),
		MinSpread:       decimal.RequireFromString("0.05"),
		StopPct:         decimal.RequireFromString("0.05"),
		IntervalSec:     2,
		SpendPct:        decimal.RequireFromString("0.01"),
		MaxOpenBuys:     5,
		MaxOpenSells:    5,
		Replace:         true,
		WallMinSize:     decimal.NewFromInt(20),
		WallWithinPct:   decimal.RequireFromString("0.01"),
		WallMeasure:     7,
		WallIndex:       0,
		MinStep:         decimal.RequireFromString("0.01"),
		MinProfit:       decimal.RequireFromString("0.01"),
		MinSize:         decimal.RequireFromString("0.01"),
		SnapshotTTLMS:   5000,
		MinTickerChange: decimal.Zero,
		MaxAuthFailures: 3,
		VerifyBalance:   true,
	}

	cfg.Storage.SQLitePath = "data/fills.db"
	cfg.Storage.FillBuffer = 64
	cfg.Storage.KafkaTopic = "mm.fills"

	cfg.Account.BalanceTTLSec = 60
	cfg.Account.ProductTTLSec = 300

	cfg.Metrics.Addr = "localhost:6060"
	cfg.Logging.Level = "info"
	cfg.Logging.Dir = "logs"
	return &cfg
}

// LoadConfig는 설정 파일을 읽고 파싱합니다. 파일에 없는 값은 DefaultConfig를 따릅니다.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", domain.ErrConfigNotFound, path)
		}
		return nil, err
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, &domain.ConfigError{Field: path, Err: err}
	}

	// 4원칙: 보안 우선 - 환경 변수 오버라이드 지원
	overrideWithEnv(cfg)

	// 5원칙: 설정 유효성 검사
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks configuration validity
func (c *Config) Validate() error {
	if !hasPrefix(c.Exchange.RestURL, "http://") && !hasPrefix(c.Exchange.RestURL, "https://") {
		return &domain.ConfigError{Field: "exchange.rest_url", Err: fmt.Errorf("invalid REST URL: %q", c.Exchange.RestURL)}
	}
	if !hasPrefix(c.Exchange.WSURL, "ws://") && !hasPrefix(c.Exchange.WSURL, "wss://") {
		return &domain.ConfigError{Field: "exchange.ws_url", Err: fmt.Errorf("invalid WS URL: %q", c.Exchange.WSURL)}
	}
	if c.Exchange.RequestTimeoutMS <= 0 {
		return &domain.ConfigError{Field: "exchange.request_timeout_ms", Err: errors.New("must be positive")}
	}
	if c.Exchange.RateLimitPerSec <= 0 {
		return &domain.ConfigError{Field: "exchange.rate_limit_per_sec", Err: errors.New("must be positive")}
	}
	if c.Feed.Auth && (c.Exchange.Key == "" || c.Exchange.Secret == "" || c.Exchange.Passphrase == "") {
		return &domain.ConfigError{Field: "exchange.key", Err: errors.New("authenticated feed requires key, secret and passphrase")}
	}
	if len(c.Feed.Channels) == 0 {
		return &domain.ConfigError{Field: "feed.channels", Err: errors.New("at least one channel is required")}
	}
	if c.Storage.FillBuffer <= 0 {
		return &domain.ConfigError{Field: "storage.fill_buffer", Err: errors.New("must be positive")}
	}
	if len(c.Storage.KafkaBrokers) > 0 && c.Storage.KafkaTopic == "" {
		return &domain.ConfigError{Field: "storage.kafka_topic", Err: errors.New("required when brokers are set")}
	}
	return c.MarketMaker.Validate()
}

func hasPrefix(s, prefix string) bool {
	return strings.HasPrefix(s, prefix)
}

// overrideWithEnv는 환경 변수가 존재할 경우 설정 값을 덮어씁니다.
func overrideWithEnv(cfg *Config) {
	if key := os.Getenv("CRYPTO_COINBASE_KEY"); key != "" {
		cfg.Exchange.Key = key
	}
	if secret := os.Getenv("CRYPTO_COINBASE_SECRET"); secret != "" {
		cfg.Exchange.Secret = secret
	}
	if pass := os.Getenv("CRYPTO_COINBASE_PASSPHRASE"); pass != "" {
		cfg.Exchange.Passphrase = pass
	}
	if product := os.Getenv("CRYPTO_PRODUCT_ID"); product != "" {
		cfg.MarketMaker.ProductID = product
	}
}
