package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	UpbitConfig    UpbitConfig    `json:"upbit"`
	TradingConfig  TradingConfig  `json:"trading"`
	BuyScore       BuyScoreConfig `json:"buy_score"`
	BuySettings    BuySettings    `json:"buy_settings"`
	SellSettings   SellSettings   `json:"sell_settings"`
	RiskConfig     RiskConfig     `json:"risk"`
	EngineConfig   EngineConfig   `json:"engine"`
	LoggingConfig  LoggingConfig  `json:"logging"`
	ServerConfig   ServerConfig   `json:"server"`
	AuthConfig     AuthConfig     `json:"auth"`
	RedisConfig    RedisConfig    `json:"redis"`
	DatabaseConfig DatabaseConfig `json:"database"`
	VaultConfig    VaultConfig    `json:"vault"`
}

type UpbitConfig struct {
	AccessKey          string `json:"access_key"`
	SecretKey          string `json:"secret_key"`
	BaseURL            string `json:"base_url"`
	MockMode           bool   `json:"mock_mode"`             // Simulated exchange, no real orders
	CallSpacingMs      int    `json:"call_spacing_ms"`       // Minimum gap between calls of the same operation
	RateLimitBackoffMs int    `json:"rate_limit_backoff_ms"` // Sleep before retrying a 429
	TimeoutSec         int    `json:"timeout_sec"`
}

type TradingConfig struct {
	Enabled          bool          `json:"enabled"`
	InvestmentAmount float64       `json:"investment_amount"` // KRW per market buy
	MaxCoins         int           `json:"max_coins"`         // Max concurrent positions
	CoinSelection    CoinSelection `json:"coin_selection"`
}

type CoinSelection struct {
	MinPrice      float64  `json:"min_price"`
	MaxPrice      float64  `json:"max_price"`
	MinVolume24h  float64  `json:"min_volume_24h"` // acc_trade_price_24h floor
	MinVolume1h   float64  `json:"min_volume_1h"`  // average 1m candle_acc_trade_price over the last hour
	MinTickRatio  float64  `json:"min_tick_ratio"` // tick / price * 100
	ExcludedCoins []string `json:"excluded_coins"`
}

// IsExcluded reports whether market is on the excluded list
func (c CoinSelection) IsExcluded(market string) bool {
	for _, m := range c.ExcludedCoins {
		if m == market {
			return true
		}
	}
	return false
}

// BuyScoreConfig holds the weight/threshold table of the composite buy score
type BuyScoreConfig struct {
	StrengthWeight          float64 `json:"strength_weight"`
	StrengthThreshold       float64 `json:"strength_threshold"`
	StrengthThresholdLow    float64 `json:"strength_threshold_low"`
	VolumeSpikeWeight       float64 `json:"volume_spike_weight"`
	VolumeSpikeThreshold    float64 `json:"volume_spike_threshold"`
	VolumeSpikeThresholdLow float64 `json:"volume_spike_threshold_low"`
	OrderbookWeight         float64 `json:"orderbook_weight"`
	OrderbookThreshold      float64 `json:"orderbook_threshold"`
	MomentumWeight          float64 `json:"momentum_weight"`
	MomentumThreshold       float64 `json:"momentum_threshold"`
	NearHighWeight          float64 `json:"near_high_weight"`
	NearHighThreshold       float64 `json:"near_high_threshold"`
	TrendReversalWeight     float64 `json:"trend_reversal_weight"`
	WilliamsWeight          float64 `json:"williams_weight"`
	WilliamsEnabled         bool    `json:"williams_enabled"`
	StochasticWeight        float64 `json:"stochastic_weight"`
	StochasticEnabled       bool    `json:"stochastic_enabled"`
	MACDWeight              float64 `json:"macd_weight"`
	MACDEnabled             bool    `json:"macd_enabled"`
	ScoreThreshold          float64 `json:"score_threshold"`

	// Per-market override of ScoreThreshold
	MarketThresholds map[string]float64 `json:"market_thresholds,omitempty"`
}

// ThresholdFor returns the entry threshold for a market
func (b BuyScoreConfig) ThresholdFor(market string) float64 {
	if v, ok := b.MarketThresholds[market]; ok {
		return v
	}
	return b.ScoreThreshold
}

// BuySettings drives the limit-order escalation of a buy.
// JSON names follow the dashboard's settings form.
type BuySettings struct {
	EntrySize      float64 `json:"ENTRY_SIZE_INITIAL"`
	LimitWaitSec1  int     `json:"LIMIT_WAIT_SEC_1"`
	FirstBidPrice  string  `json:"1st_Bid_Price"` // BID1, BID1+1, ASK1
	LimitWaitSec2  int     `json:"LIMIT_WAIT_SEC_2"`
	SecondBidPrice string  `json:"2nd_Bid_Price"`
}

type SellSettings struct {
	TakeProfitPct float64 `json:"TP_PCT"`
	MinimumTicks  int     `json:"MINIMUM_TICKS"`
	LimitWaitSec  int     `json:"LIMIT_WAIT_SEC"` // Per tier when exiting a position
}

type RiskConfig struct {
	MaxDailyLoss         float64 `json:"max_daily_loss"`         // KRW
	ConsecutiveLossLimit int     `json:"consecutive_loss_limit"` // Losing trades before cooldown
	CooldownMinutes      int     `json:"cooldown_minutes"`
	UseProfitExit        bool    `json:"use_profit_exit"`
	ProfitTarget         float64 `json:"profit_target"` // Percent
	UseStopLoss          bool    `json:"use_stop_loss"`
	StopLoss             float64 `json:"stop_loss"` // Percent, positive magnitude
}

type EngineConfig struct {
	ScanIntervalSec     int     `json:"scan_interval_sec"`
	HoldingsIntervalSec int     `json:"holdings_interval_sec"`
	RetryDelaySec       int     `json:"retry_delay_sec"`
	CacheMaxAgeSec      int     `json:"cache_max_age_sec"`
	CacheMaxItems       int     `json:"cache_max_items"`
	CacheSweepMinutes   int     `json:"cache_sweep_minutes"`
	MinHoldingValue     float64 `json:"min_holding_value"` // KRW, below this a holding is not monitored
	MonitoringFile      string  `json:"monitoring_file"`
	StopTimeoutSec      int     `json:"stop_timeout_sec"`
	MarketFallbackSec   int     `json:"market_fallback_sec"` // Wait for a market order fill
}

type LoggingConfig struct {
	Level       string `json:"level"`        // DEBUG, INFO, WARN, ERROR
	Output      string `json:"output"`       // stdout, stderr, or file path
	JSONFormat  bool   `json:"json_format"`  // Output as JSON
	IncludeFile bool   `json:"include_file"` // Include file and line number
}

type ServerConfig struct {
	Enabled        bool     `json:"enabled"`
	Host           string   `json:"host"`
	Port           int      `json:"port"`
	ProductionMode bool     `json:"production_mode"`
	AllowOrigins   []string `json:"allow_origins"`
}

type AuthConfig struct {
	Enabled             bool          `json:"enabled"`
	JWTSecret           string        `json:"jwt_secret"`
	AdminPasswordHash   string        `json:"admin_password_hash"` // bcrypt
	AccessTokenDuration time.Duration `json:"access_token_duration"`
}

type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	PoolSize int    `json:"pool_size"`
}

type DatabaseConfig struct {
	URL        string `json:"url"`         // Postgres DSN; empty selects SQLite
	SQLitePath string `json:"sqlite_path"` // Local trade journal
}

type VaultConfig struct {
	Enabled    bool   `json:"enabled"`
	Address    string `json:"address"`
	Token      string `json:"token"`
	MountPath  string `json:"mount_path"`
	SecretPath string `json:"secret_path"`
}

// DefaultExcludedCoins are never monitored or bought
var DefaultExcludedCoins = []string{"KRW-ETHW", "KRW-ETHF", "KRW-XCORE", "KRW-GAS", "KRW-BTS"}

// DefaultConfig returns the configuration used when no file is present
func DefaultConfig() *Config {
	return &Config{
		UpbitConfig: UpbitConfig{
			BaseURL:            "https://api.upbit.com",
			CallSpacingMs:      100,
			RateLimitBackoffMs: 1000,
			TimeoutSec:         10,
		},
		TradingConfig: TradingConfig{
			Enabled:          false,
			InvestmentAmount: 10000,
			MaxCoins:         5,
			CoinSelection: CoinSelection{
				MinPrice:      700,
				MaxPrice:      26666,
				MinVolume24h:  1400000000,
				MinVolume1h:   20000000,
				MinTickRatio:  0.035,
				ExcludedCoins: append([]string(nil), DefaultExcludedCoins...),
			},
		},
		BuyScore: BuyScoreConfig{
			StrengthWeight:          2,
			StrengthThreshold:       130,
			StrengthThresholdLow:    110,
			VolumeSpikeWeight:       2,
			VolumeSpikeThreshold:    200,
			VolumeSpikeThresholdLow: 150,
			OrderbookWeight:         1,
			OrderbookThreshold:      130,
			MomentumWeight:          1,
			MomentumThreshold:       0.3,
			NearHighWeight:          1,
			NearHighThreshold:       -1,
			TrendReversalWeight:     1,
			WilliamsWeight:          1,
			WilliamsEnabled:         true,
			StochasticWeight:        1,
			StochasticEnabled:       true,
			MACDWeight:              1,
			MACDEnabled:             true,
			ScoreThreshold:          6,
		},
		BuySettings: BuySettings{
			EntrySize:      7000,
			LimitWaitSec1:  20,
			FirstBidPrice:  "BID1",
			LimitWaitSec2:  20,
			SecondBidPrice: "BID1",
		},
		SellSettings: SellSettings{
			TakeProfitPct: 0.18,
			MinimumTicks:  2,
			LimitWaitSec:  20,
		},
		RiskConfig: RiskConfig{
			MaxDailyLoss:         50000,
			ConsecutiveLossLimit: 3,
			CooldownMinutes:      30,
			UseProfitExit:        true,
			ProfitTarget:         10,
			UseStopLoss:          true,
			StopLoss:             5,
		},
		EngineConfig: EngineConfig{
			ScanIntervalSec:     10,
			HoldingsIntervalSec: 60,
			RetryDelaySec:       5,
			CacheMaxAgeSec:      900,
			CacheMaxItems:       1000,
			CacheSweepMinutes:   60,
			MinHoldingValue:     5000,
			MonitoringFile:      "data/monitoring_coin.json",
			StopTimeoutSec:      5,
			MarketFallbackSec:   10,
		},
		LoggingConfig: LoggingConfig{
			Level:      "INFO",
			Output:     "stdout",
			JSONFormat: true,
		},
		ServerConfig: ServerConfig{
			Enabled:      true,
			Host:         "0.0.0.0",
			Port:         8080,
			AllowOrigins: []string{"http://localhost:5173", "http://localhost:8080"},
		},
		AuthConfig: AuthConfig{
			AccessTokenDuration: 12 * time.Hour,
		},
		RedisConfig: RedisConfig{
			Address:  "localhost:6379",
			PoolSize: 10,
		},
		DatabaseConfig: DatabaseConfig{
			SQLitePath: "data/trades.db",
		},
		VaultConfig: VaultConfig{
			Address:    "http://localhost:8200",
			MountPath:  "secret",
			SecretPath: "upbit-trading-bot/api-keys",
		},
	}
}

// Load reads .env, the JSON config file (if present) and environment overrides
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := DefaultConfig()
	if path != "" {
		if err := loadFromFile(path, cfg); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	cfg.UpbitConfig.AccessKey = getEnvOrDefault("UPBIT_ACCESS_KEY", cfg.UpbitConfig.AccessKey)
	cfg.UpbitConfig.SecretKey = getEnvOrDefault("UPBIT_SECRET_KEY", cfg.UpbitConfig.SecretKey)
	cfg.UpbitConfig.BaseURL = getEnvOrDefault("UPBIT_BASE_URL", cfg.UpbitConfig.BaseURL)
	cfg.UpbitConfig.MockMode = getEnvBoolOrDefault("UPBIT_MOCK_MODE", cfg.UpbitConfig.MockMode)

	cfg.TradingConfig.Enabled = getEnvBoolOrDefault("TRADING_ENABLED", cfg.TradingConfig.Enabled)
	cfg.TradingConfig.InvestmentAmount = getEnvFloatOrDefault("TRADING_INVESTMENT_AMOUNT", cfg.TradingConfig.InvestmentAmount)

	cfg.LoggingConfig.Level = getEnvOrDefault("LOG_LEVEL", cfg.LoggingConfig.Level)
	cfg.LoggingConfig.Output = getEnvOrDefault("LOG_OUTPUT", cfg.LoggingConfig.Output)
	cfg.LoggingConfig.JSONFormat = getEnvBoolOrDefault("LOG_JSON", cfg.LoggingConfig.JSONFormat)

	cfg.ServerConfig.Port = getEnvIntOrDefault("SERVER_PORT", cfg.ServerConfig.Port)
	cfg.ServerConfig.ProductionMode = getEnvBoolOrDefault("SERVER_PRODUCTION", cfg.ServerConfig.ProductionMode)

	cfg.AuthConfig.Enabled = getEnvBoolOrDefault("AUTH_ENABLED", cfg.AuthConfig.Enabled)
	cfg.AuthConfig.JWTSecret = getEnvOrDefault("AUTH_JWT_SECRET", cfg.AuthConfig.JWTSecret)
	cfg.AuthConfig.AdminPasswordHash = getEnvOrDefault("AUTH_ADMIN_PASSWORD_HASH", cfg.AuthConfig.AdminPasswordHash)
	cfg.AuthConfig.AccessTokenDuration = getEnvDurationOrDefault("AUTH_ACCESS_TOKEN_DURATION", cfg.AuthConfig.AccessTokenDuration)

	cfg.RedisConfig.Enabled = getEnvBoolOrDefault("REDIS_ENABLED", cfg.RedisConfig.Enabled)
	cfg.RedisConfig.Address = getEnvOrDefault("REDIS_ADDRESS", cfg.RedisConfig.Address)
	cfg.RedisConfig.Password = getEnvOrDefault("REDIS_PASSWORD", cfg.RedisConfig.Password)
	cfg.RedisConfig.DB = getEnvIntOrDefault("REDIS_DB", cfg.RedisConfig.DB)

	cfg.DatabaseConfig.URL = getEnvOrDefault("DATABASE_URL", cfg.DatabaseConfig.URL)
	cfg.DatabaseConfig.SQLitePath = getEnvOrDefault("SQLITE_PATH", cfg.DatabaseConfig.SQLitePath)

	cfg.VaultConfig.Enabled = getEnvBoolOrDefault("VAULT_ENABLED", cfg.VaultConfig.Enabled)
	cfg.VaultConfig.Address = getEnvOrDefault("VAULT_ADDR", cfg.VaultConfig.Address)
	cfg.VaultConfig.Token = getEnvOrDefault("VAULT_TOKEN", cfg.VaultConfig.Token)
	cfg.VaultConfig.MountPath = getEnvOrDefault("VAULT_MOUNT_PATH", cfg.VaultConfig.MountPath)
	cfg.VaultConfig.SecretPath = getEnvOrDefault("VAULT_SECRET_PATH", cfg.VaultConfig.SecretPath)
}

// Validate rejects settings the engine cannot run with
func (c *Config) Validate() error {
	t := c.TradingConfig
	if t.InvestmentAmount < 1000 || t.InvestmentAmount > 1000000 {
		return fmt.Errorf("investment_amount out of range: %.0f", t.InvestmentAmount)
	}
	if t.MaxCoins < 1 || t.MaxCoins > 10 {
		return fmt.Errorf("max_coins out of range: %d", t.MaxCoins)
	}
	cs := t.CoinSelection
	if cs.MinPrice < 0 || cs.MaxPrice <= cs.MinPrice {
		return fmt.Errorf("invalid price band: %.2f-%.2f", cs.MinPrice, cs.MaxPrice)
	}
	if c.BuySettings.EntrySize <= 0 {
		return fmt.Errorf("ENTRY_SIZE_INITIAL must be positive")
	}
	if c.BuySettings.LimitWaitSec1 < 0 || c.BuySettings.LimitWaitSec2 < 0 {
		return fmt.Errorf("limit wait seconds must not be negative")
	}
	for _, rule := range []string{c.BuySettings.FirstBidPrice, c.BuySettings.SecondBidPrice} {
		if !ValidPriceRule(rule) {
			return fmt.Errorf("unknown bid price rule: %q", rule)
		}
	}
	if c.SellSettings.TakeProfitPct < 0 || c.SellSettings.MinimumTicks < 0 {
		return fmt.Errorf("sell settings must not be negative")
	}
	if c.RiskConfig.ConsecutiveLossLimit < 0 || c.RiskConfig.CooldownMinutes < 0 {
		return fmt.Errorf("risk limits must not be negative")
	}
	if c.EngineConfig.ScanIntervalSec <= 0 || c.EngineConfig.HoldingsIntervalSec <= 0 {
		return fmt.Errorf("engine intervals must be positive")
	}
	return nil
}

// ValidPriceRule reports whether rule names a known tier price rule
func ValidPriceRule(rule string) bool {
	switch rule {
	case "BID1", "best_bid", "BID1+1", "best_bid+1", "ASK1", "best_ask":
		return true
	}
	return false
}

func loadFromFile(filename string, cfg *Config) error {
	file, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("error reading config file: %w", err)
	}

	if err := json.Unmarshal(file, cfg); err != nil {
		return fmt.Errorf("error parsing config file: %w", err)
	}

	return nil
}

// Save writes the config as indented JSON
func (c *Config) Save(filename string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filename, data, 0600)
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBoolOrDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "true" || value == "1"
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvFloatOrDefault(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

func getEnvDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

// Merge deep-merges a partial settings map into a copy of base.
// Nested objects are merged key by key; everything else replaces.
func Merge(base *Config, partial map[string]interface{}) (*Config, error) {
	raw, err := json.Marshal(base)
	if err != nil {
		return nil, fmt.Errorf("encode base config: %w", err)
	}
	var current map[string]interface{}
	if err := json.Unmarshal(raw, &current); err != nil {
		return nil, fmt.Errorf("decode base config: %w", err)
	}

	mergeMaps(current, partial)

	merged, err := json.Marshal(current)
	if err != nil {
		return nil, fmt.Errorf("encode merged config: %w", err)
	}
	out := &Config{}
	if err := json.Unmarshal(merged, out); err != nil {
		return nil, fmt.Errorf("decode merged config: %w", err)
	}
	return out, nil
}

func mergeMaps(dst, src map[string]interface{}) {
	for k, v := range src {
		srcMap, srcIsMap := v.(map[string]interface{})
		dstMap, dstIsMap := dst[k].(map[string]interface{})
		if srcIsMap && dstIsMap {
			mergeMaps(dstMap, srcMap)
			continue
		}
		dst[k] = v
	}
}

// TunableSections are the top-level keys a running engine accepts in a
// settings update. Connection and credential sections need a restart.
var TunableSections = []string{"trading", "buy_score", "buy_settings", "sell_settings", "risk", "engine"}

// FilterTunable drops every top-level key of partial that is not tunable and
// returns the dropped keys
func FilterTunable(partial map[string]interface{}) (map[string]interface{}, []string) {
	allowed := make(map[string]bool, len(TunableSections))
	for _, k := range TunableSections {
		allowed[k] = true
	}
	out := make(map[string]interface{}, len(partial))
	var dropped []string
	for k, v := range partial {
		if allowed[k] {
			out[k] = v
			continue
		}
		dropped = append(dropped, k)
	}
	return out, dropped
}

const redacted = "********"

func mask(s string) string {
	if s == "" {
		return ""
	}
	return redacted
}

// Redacted returns a copy safe to show on the dashboard
func (c *Config) Redacted() *Config {
	out := *c
	out.UpbitConfig.AccessKey = mask(c.UpbitConfig.AccessKey)
	out.UpbitConfig.SecretKey = mask(c.UpbitConfig.SecretKey)
	out.AuthConfig.JWTSecret = mask(c.AuthConfig.JWTSecret)
	out.AuthConfig.AdminPasswordHash = mask(c.AuthConfig.AdminPasswordHash)
	out.RedisConfig.Password = mask(c.RedisConfig.Password)
	out.DatabaseConfig.URL = mask(c.DatabaseConfig.URL)
	out.VaultConfig.Token = mask(c.VaultConfig.Token)
	return &out
}
