package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	BinanceConfig        BinanceConfig        `json:"binance"`
	TradeLogicConfig     TradeLogicConfig     `json:"trade_logic"`
	SignalsConfig        SignalsConfig        `json:"signals"`
	LoggingConfig        LoggingConfig        `json:"logging"`
	NotificationConfig   NotificationConfig   `json:"notification"`
	CircuitBreakerConfig CircuitBreakerConfig `json:"circuit_breaker"`
	ServerConfig         ServerConfig         `json:"server"`
	AuthConfig           AuthConfig           `json:"auth"`
	VaultConfig          VaultConfig          `json:"vault"`
	RedisConfig          RedisConfig          `json:"redis"`
	PostgresConfig       PostgresConfig       `json:"postgres"`
}

// BinanceConfig holds Binance USD-M Futures API access configuration
type BinanceConfig struct {
	APIKey    string `json:"api_key"`
	SecretKey string `json:"secret_key"`
	BaseURL   string `json:"base_url"`
	TestNet   bool   `json:"testnet"`
}

// TradeLogicConfig is the per-strategy trade-logic configuration.
// It is validated once at load time and treated as immutable for the
// lifetime of one engine session.
type TradeLogicConfig struct {
	Leverage   int    `json:"leverage"`    // 1-125
	MarginType string `json:"margin_type"` // CROSSED or ISOLATED

	MaxPositions             int     `json:"max_positions"`               // Total open positions allowed
	MaxPositionsPerIteration int     `json:"max_positions_per_iteration"` // New positions per cycle
	PercentOfDeposit         float64 `json:"percent_of_deposit"`          // Margin budget per position, % of wallet
	AvailableDepositPercent  float64 `json:"available_deposit_percent"`   // Max % of wallet that may be committed

	// Entry signal thresholds
	MinTrades          int     `json:"min_trades"`            // Minimum trade count per candle
	MinQuoteVolume     float64 `json:"min_quote_volume"`      // Minimum average trade quote volume
	KlineActionSignal  string  `json:"kline_action_signal"`   // LOW, MIDDLE or STRONG
	KlinePowerSignal   string  `json:"kline_power_signal"`    // ACCORDING, REVERSAL, ANY
	RunIntervalSeconds int     `json:"run_interval_seconds"`  // Instance-run cadence
	QuoteAsset         string  `json:"quote_asset"`           // Usually USDT

	// Averaging
	AveragingEnabled      bool    `json:"averaging_enabled"`
	AverageFromRoe        float64 `json:"average_from_roe"`         // ROE floor (negative) below which averaging may run
	AveragingMinRoe       float64 `json:"averaging_min_roe"`        // Post-average blended ROE the solver must reach
	AveragingRequirePoc   bool    `json:"averaging_require_poc"`    // Require POC inside candle wick
	AveragingMinQuoteVol  float64 `json:"averaging_min_quote_vol"`  // Quote volume floor for averaging signals
	AveragingMaxIterations int    `json:"averaging_max_iterations"` // Hard cap for the quantity solver

	// Trailing stop
	TrailingStopEnabled       bool    `json:"trailing_stop_enabled"`
	TrailingStopActivationRoe float64 `json:"trailing_stop_activation_roe"`
	TrailingStopCallbackRate  float64 `json:"trailing_stop_callback_rate"` // % of price, scaled by leverage in ROE terms

	// Market stop
	MarketStopEnabled              bool    `json:"market_stop_enabled"`
	MarketStopActivationRoe        float64 `json:"market_stop_activation_roe"`
	MarketStopBalancePercentLimit  float64 `json:"market_stop_balance_percent_limit"` // Close when free balance % falls below
	MarketStopActivationSeconds    int     `json:"market_stop_activation_seconds"`    // Close when position older than
	MarketStopOffsetPercent        float64 `json:"market_stop_offset_percent"`        // Stop distance from last price, % of price
	SafeStopOffsetPercent          float64 `json:"safe_stop_offset_percent"`          // 0 disables the safe stop
}

// MarketStopActivationDuration returns the configured position-age trigger.
func (t *TradeLogicConfig) MarketStopActivationDuration() time.Duration {
	return time.Duration(t.MarketStopActivationSeconds) * time.Second
}

// RunInterval returns the instance-run cadence.
func (t *TradeLogicConfig) RunInterval() time.Duration {
	return time.Duration(t.RunIntervalSeconds) * time.Second
}

// Validate enforces the range constraints the engine relies on.
func (t *TradeLogicConfig) Validate() error {
	if t.Leverage < 1 || t.Leverage > 125 {
		return fmt.Errorf("leverage must be between 1 and 125, got %d", t.Leverage)
	}
	if t.MarginType != "CROSSED" && t.MarginType != "ISOLATED" {
		return fmt.Errorf("margin_type must be CROSSED or ISOLATED, got %q", t.MarginType)
	}
	if t.MaxPositions < 1 {
		return fmt.Errorf("max_positions must be at least 1, got %d", t.MaxPositions)
	}
	if t.MaxPositionsPerIteration < 1 {
		return fmt.Errorf("max_positions_per_iteration must be at least 1, got %d", t.MaxPositionsPerIteration)
	}
	for name, pct := range map[string]float64{
		"percent_of_deposit":                t.PercentOfDeposit,
		"available_deposit_percent":         t.AvailableDepositPercent,
		"market_stop_balance_percent_limit": t.MarketStopBalancePercentLimit,
		"market_stop_offset_percent":        t.MarketStopOffsetPercent,
		"safe_stop_offset_percent":          t.SafeStopOffsetPercent,
	} {
		if pct < 0 || pct > 100 {
			return fmt.Errorf("%s must be between 0 and 100, got %.2f", name, pct)
		}
	}
	if t.AveragingEnabled && t.AverageFromRoe > 0 {
		return fmt.Errorf("average_from_roe must be zero or negative, got %.2f", t.AverageFromRoe)
	}
	if t.TrailingStopEnabled && t.TrailingStopCallbackRate <= 0 {
		return fmt.Errorf("trailing_stop_callback_rate must be positive when trailing is enabled")
	}
	if t.RunIntervalSeconds < 1 {
		return fmt.Errorf("run_interval_seconds must be at least 1, got %d", t.RunIntervalSeconds)
	}
	return nil
}

// SignalsConfig points the engine at the signal-generation service that
// produces per-symbol snapshot batches each cycle.
type SignalsConfig struct {
	Endpoint       string `json:"endpoint"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

type LoggingConfig struct {
	Level       string `json:"level"`        // DEBUG, INFO, WARN, ERROR
	Output      string `json:"output"`       // stdout, stderr, or file path
	JSONFormat  bool   `json:"json_format"`  // Output as JSON
	IncludeFile bool   `json:"include_file"` // Include file and line number

	SignalAuditDir string `json:"signal_audit_dir"` // Empty disables per-cycle signal dumps
}

type NotificationConfig struct {
	Enabled  bool           `json:"enabled"`
	Telegram TelegramConfig `json:"telegram"`
}

type TelegramConfig struct {
	Enabled  bool   `json:"enabled"`
	BotToken string `json:"bot_token"`
	ChatID   string `json:"chat_id"`
}

type CircuitBreakerConfig struct {
	Enabled              bool    `json:"enabled"`
	MaxConsecutiveLosses int     `json:"max_consecutive_losses"`
	MaxTradesPerMinute   int     `json:"max_trades_per_minute"`
	MaxDailyLoss         float64 `json:"max_daily_loss"` // % of wallet
	CooldownMinutes      int     `json:"cooldown_minutes"`
}

type ServerConfig struct {
	Enabled         bool   `json:"enabled"`
	Host            string `json:"host"`
	Port            int    `json:"port"`
	AllowedOrigins  string `json:"allowed_origins"`
	ReadTimeout     int    `json:"read_timeout"`     // seconds
	WriteTimeout    int    `json:"write_timeout"`    // seconds
	ShutdownTimeout int    `json:"shutdown_timeout"` // seconds
}

type AuthConfig struct {
	Enabled             bool          `json:"enabled"`
	JWTSecret           string        `json:"jwt_secret"`
	OperatorPasswordHash string       `json:"operator_password_hash"` // bcrypt hash
	AccessTokenDuration time.Duration `json:"access_token_duration"`
}

type VaultConfig struct {
	Enabled    bool   `json:"enabled"`
	Address    string `json:"address"`
	Token      string `json:"token"`
	MountPath  string `json:"mount_path"`
	SecretPath string `json:"secret_path"`
	TLSEnabled bool   `json:"tls_enabled"`
	CACert     string `json:"ca_cert"`
}

// RedisConfig holds Redis configuration for the order-ID sequence cache
type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	PoolSize int    `json:"pool_size"`
}

// PostgresConfig holds the trade-event audit log database configuration
type PostgresConfig struct {
	Enabled  bool   `json:"enabled"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"password"`
	Database string `json:"database"`
	SSLMode  string `json:"ssl_mode"`
	MaxConns int    `json:"max_conns"`
}

// DSN builds a pgx connection string.
func (p *PostgresConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		p.User, p.Password, p.Host, p.Port, p.Database, p.SSLMode)
}

func Load() (*Config, error) {
	// First try to load base config from file
	cfg, err := loadFromFile("config.json")
	if err != nil {
		// If no config file, start with empty config
		cfg = &Config{}
	}

	// Apply environment variable overrides (these take precedence)
	applyEnvOverrides(cfg)

	if err := cfg.TradeLogicConfig.Validate(); err != nil {
		return nil, fmt.Errorf("invalid trade_logic config: %w", err)
	}

	return cfg, nil
}

// applyEnvOverrides applies environment variable overrides to the config
func applyEnvOverrides(cfg *Config) {
	// Binance config
	cfg.BinanceConfig.APIKey = getEnvOrDefault("BINANCE_API_KEY", cfg.BinanceConfig.APIKey)
	cfg.BinanceConfig.SecretKey = getEnvOrDefault("BINANCE_SECRET_KEY", cfg.BinanceConfig.SecretKey)
	cfg.BinanceConfig.BaseURL = getEnvOrDefault("BINANCE_BASE_URL", cfg.BinanceConfig.BaseURL)
	cfg.BinanceConfig.TestNet = getEnvOrDefault("BINANCE_TESTNET", boolString(cfg.BinanceConfig.TestNet)) == "true"

	// Trade logic defaults, file values win over the hardcoded fallback
	if cfg.TradeLogicConfig.Leverage == 0 {
		cfg.TradeLogicConfig.Leverage = getEnvIntOrDefault("TRADE_LEVERAGE", 10)
	}
	if cfg.TradeLogicConfig.MarginType == "" {
		cfg.TradeLogicConfig.MarginType = getEnvOrDefault("TRADE_MARGIN_TYPE", "CROSSED")
	}
	if cfg.TradeLogicConfig.MaxPositions == 0 {
		cfg.TradeLogicConfig.MaxPositions = getEnvIntOrDefault("TRADE_MAX_POSITIONS", 6)
	}
	if cfg.TradeLogicConfig.MaxPositionsPerIteration == 0 {
		cfg.TradeLogicConfig.MaxPositionsPerIteration = getEnvIntOrDefault("TRADE_MAX_POSITIONS_PER_ITERATION", 2)
	}
	if cfg.TradeLogicConfig.PercentOfDeposit == 0 {
		cfg.TradeLogicConfig.PercentOfDeposit = getEnvFloatOrDefault("TRADE_PERCENT_OF_DEPOSIT", 5.0)
	}
	if cfg.TradeLogicConfig.AvailableDepositPercent == 0 {
		cfg.TradeLogicConfig.AvailableDepositPercent = getEnvFloatOrDefault("TRADE_AVAILABLE_DEPOSIT_PERCENT", 80.0)
	}
	if cfg.TradeLogicConfig.RunIntervalSeconds == 0 {
		cfg.TradeLogicConfig.RunIntervalSeconds = getEnvIntOrDefault("TRADE_RUN_INTERVAL_SECONDS", 60)
	}
	if cfg.TradeLogicConfig.KlineActionSignal == "" {
		cfg.TradeLogicConfig.KlineActionSignal = getEnvOrDefault("TRADE_KLINE_ACTION_SIGNAL", "MIDDLE")
	}
	if cfg.TradeLogicConfig.KlinePowerSignal == "" {
		cfg.TradeLogicConfig.KlinePowerSignal = getEnvOrDefault("TRADE_KLINE_POWER_SIGNAL", "ANY")
	}
	if cfg.TradeLogicConfig.QuoteAsset == "" {
		cfg.TradeLogicConfig.QuoteAsset = getEnvOrDefault("TRADE_QUOTE_ASSET", "USDT")
	}
	if cfg.TradeLogicConfig.AveragingMaxIterations == 0 {
		cfg.TradeLogicConfig.AveragingMaxIterations = getEnvIntOrDefault("TRADE_AVERAGING_MAX_ITERATIONS", 1000)
	}

	// Logging config
	cfg.LoggingConfig.Level = getEnvOrDefault("LOG_LEVEL", "INFO")
	cfg.LoggingConfig.Output = getEnvOrDefault("LOG_OUTPUT", "stdout")
	cfg.LoggingConfig.JSONFormat = getEnvOrDefault("LOG_JSON", "true") == "true"
	cfg.LoggingConfig.IncludeFile = getEnvOrDefault("LOG_INCLUDE_FILE", "false") == "true"
	cfg.LoggingConfig.SignalAuditDir = getEnvOrDefault("SIGNAL_AUDIT_DIR", cfg.LoggingConfig.SignalAuditDir)

	// Signals config
	cfg.SignalsConfig.Endpoint = getEnvOrDefault("SIGNALS_ENDPOINT", cfg.SignalsConfig.Endpoint)
	if cfg.SignalsConfig.TimeoutSeconds == 0 {
		cfg.SignalsConfig.TimeoutSeconds = getEnvIntOrDefault("SIGNALS_TIMEOUT_SECONDS", 10)
	}

	// Notification config
	cfg.NotificationConfig.Enabled = getEnvOrDefault("NOTIFICATIONS_ENABLED", boolString(cfg.NotificationConfig.Enabled)) == "true"
	cfg.NotificationConfig.Telegram.BotToken = getEnvOrDefault("TELEGRAM_BOT_TOKEN", cfg.NotificationConfig.Telegram.BotToken)
	cfg.NotificationConfig.Telegram.ChatID = getEnvOrDefault("TELEGRAM_CHAT_ID", cfg.NotificationConfig.Telegram.ChatID)

	// Server config
	cfg.ServerConfig.Host = getEnvOrDefault("WEB_HOST", "0.0.0.0")
	cfg.ServerConfig.Port = getEnvIntOrDefault("WEB_PORT", 8080)
	cfg.ServerConfig.AllowedOrigins = getEnvOrDefault("SERVER_ALLOWED_ORIGINS", "*")
	cfg.ServerConfig.ReadTimeout = getEnvIntOrDefault("SERVER_READ_TIMEOUT", 30)
	cfg.ServerConfig.WriteTimeout = getEnvIntOrDefault("SERVER_WRITE_TIMEOUT", 30)
	cfg.ServerConfig.ShutdownTimeout = getEnvIntOrDefault("SERVER_SHUTDOWN_TIMEOUT", 10)

	// Auth config
	cfg.AuthConfig.Enabled = getEnvOrDefault("AUTH_ENABLED", boolString(cfg.AuthConfig.Enabled)) == "true"
	cfg.AuthConfig.JWTSecret = getEnvOrDefault("AUTH_JWT_SECRET", cfg.AuthConfig.JWTSecret)
	cfg.AuthConfig.OperatorPasswordHash = getEnvOrDefault("AUTH_OPERATOR_PASSWORD_HASH", cfg.AuthConfig.OperatorPasswordHash)
	cfg.AuthConfig.AccessTokenDuration = getEnvDurationOrDefault("AUTH_ACCESS_TOKEN_DURATION", 15*time.Minute)

	// Vault config
	cfg.VaultConfig.Enabled = getEnvOrDefault("VAULT_ENABLED", boolString(cfg.VaultConfig.Enabled)) == "true"
	cfg.VaultConfig.Address = getEnvOrDefault("VAULT_ADDR", "http://localhost:8200")
	cfg.VaultConfig.Token = getEnvOrDefault("VAULT_TOKEN", cfg.VaultConfig.Token)
	cfg.VaultConfig.MountPath = getEnvOrDefault("VAULT_MOUNT_PATH", "secret")
	cfg.VaultConfig.SecretPath = getEnvOrDefault("VAULT_SECRET_PATH", "trading-engine/api-keys")

	// Redis config
	if cfg.RedisConfig.Address == "" {
		cfg.RedisConfig.Address = getEnvOrDefault("REDIS_ADDRESS", "localhost:6379")
	}
	if cfg.RedisConfig.PoolSize == 0 {
		cfg.RedisConfig.PoolSize = getEnvIntOrDefault("REDIS_POOL_SIZE", 10)
	}

	// Postgres config
	if cfg.PostgresConfig.Host == "" {
		cfg.PostgresConfig.Host = getEnvOrDefault("POSTGRES_HOST", "localhost")
	}
	if cfg.PostgresConfig.Port == 0 {
		cfg.PostgresConfig.Port = getEnvIntOrDefault("POSTGRES_PORT", 5432)
	}
	if cfg.PostgresConfig.SSLMode == "" {
		cfg.PostgresConfig.SSLMode = getEnvOrDefault("POSTGRES_SSLMODE", "disable")
	}
	if cfg.PostgresConfig.MaxConns == 0 {
		cfg.PostgresConfig.MaxConns = getEnvIntOrDefault("POSTGRES_MAX_CONNS", 4)
	}

	// Circuit breaker config
	cfg.CircuitBreakerConfig.Enabled = getEnvOrDefault("CIRCUIT_BREAKER_ENABLED", "true") == "true"
	if cfg.CircuitBreakerConfig.MaxConsecutiveLosses == 0 {
		cfg.CircuitBreakerConfig.MaxConsecutiveLosses = getEnvIntOrDefault("CIRCUIT_MAX_CONSECUTIVE_LOSSES", 5)
	}
	if cfg.CircuitBreakerConfig.MaxTradesPerMinute == 0 {
		cfg.CircuitBreakerConfig.MaxTradesPerMinute = getEnvIntOrDefault("CIRCUIT_MAX_TRADES_PER_MINUTE", 10)
	}
	if cfg.CircuitBreakerConfig.MaxDailyLoss == 0 {
		cfg.CircuitBreakerConfig.MaxDailyLoss = getEnvFloatOrDefault("CIRCUIT_MAX_DAILY_LOSS", 5.0)
	}
	if cfg.CircuitBreakerConfig.CooldownMinutes == 0 {
		cfg.CircuitBreakerConfig.CooldownMinutes = getEnvIntOrDefault("CIRCUIT_COOLDOWN_MINUTES", 30)
	}
}

func loadFromFile(filename string) (*Config, error) {
	file, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	var config Config
	if err := json.Unmarshal(file, &config); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return &config, nil
}

func boolString(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvFloatOrDefault(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}
