package config

import (
	"fmt"
	"os"
	"time"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is the prefix of environment variable overrides, e.g. WALLETD_BACKEND_BASE_URL.
const EnvPrefix = "WALLETD"

// Config represents the walletd configuration
type Config struct {
	Server     ServerConfig     `yaml:"server" envconfig:"SERVER"`
	Backend    BackendConfig    `yaml:"backend" envconfig:"BACKEND"`
	Chain      ChainConfig      `yaml:"chain" envconfig:"CHAIN"`
	Rates      RatesConfig      `yaml:"rates" envconfig:"RATES"`
	History    HistoryConfig    `yaml:"history" envconfig:"HISTORY"`
	Cache      CacheConfig      `yaml:"cache" envconfig:"CACHE"`
	Logging    LoggingConfig    `yaml:"logging" envconfig:"LOGGING"`
	Monitoring MonitoringConfig `yaml:"monitoring" envconfig:"MONITORING"`
}

// ServerConfig contains local HTTP API settings
type ServerConfig struct {
	Host            string        `yaml:"host" envconfig:"HOST" default:"127.0.0.1"`
	Port            int           `yaml:"port" envconfig:"PORT" default:"8090" validate:"min=1,max=65535"`
	ReadTimeout     time.Duration `yaml:"read_timeout" envconfig:"READ_TIMEOUT" default:"15s"`
	WriteTimeout    time.Duration `yaml:"write_timeout" envconfig:"WRITE_TIMEOUT" default:"0s"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" envconfig:"IDLE_TIMEOUT" default:"60s"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" envconfig:"SHUTDOWN_TIMEOUT" default:"30s"`
	// RequestTimeout bounds every route except wallet binding and payments.
	RequestTimeout  time.Duration `yaml:"request_timeout" envconfig:"REQUEST_TIMEOUT" default:"60s"`
}

// BackendConfig contains the ledger backend settings
type BackendConfig struct {
	BaseURL        string        `yaml:"base_url" envconfig:"BASE_URL" validate:"required,url"`
	RequestTimeout time.Duration `yaml:"request_timeout" envconfig:"REQUEST_TIMEOUT" default:"30s"`
}

// ChainConfig contains the signer and currency settings
type ChainConfig struct {
	// RPCURL is required only when a signer key is configured
	RPCURL              string        `yaml:"rpc_url" envconfig:"RPC_URL" validate:"omitempty,url"`
	ChainID             int64         `yaml:"chain_id" envconfig:"CHAIN_ID"`
	Currency            string        `yaml:"currency" envconfig:"CURRENCY" default:"ETH" validate:"required"`
	Decimals            int32         `yaml:"decimals" envconfig:"DECIMALS" default:"18" validate:"min=0,max=36"`
	SignerKeyEnv        string        `yaml:"signer_key_env" envconfig:"SIGNER_KEY_ENV" default:"WALLETD_SIGNER_KEY"`
	ReceiptPollInterval time.Duration `yaml:"receipt_poll_interval" envconfig:"RECEIPT_POLL_INTERVAL" default:"2s"`
}

// RatesConfig contains the exchange rate provider settings
type RatesConfig struct {
	BaseURL            string             `yaml:"base_url" envconfig:"BASE_URL" default:"https://api.coingecko.com/api/v3" validate:"required,url"`
	AssetID            string             `yaml:"asset_id" envconfig:"ASSET_ID" default:"ethereum" validate:"required"`
	Currencies         []string           `yaml:"currencies" envconfig:"CURRENCIES" default:"[\"usd\",\"inr\",\"eur\",\"gbp\"]" validate:"min=1,dive,required"`
	MinRefreshInterval time.Duration      `yaml:"min_refresh_interval" envconfig:"MIN_REFRESH_INTERVAL" default:"30s"`
	RequestTimeout     time.Duration      `yaml:"request_timeout" envconfig:"REQUEST_TIMEOUT" default:"15s"`
	Fallback           map[string]float64 `yaml:"fallback" envconfig:"FALLBACK"`
}

// HistoryConfig contains transaction history settings
type HistoryConfig struct {
	Limit int `yaml:"limit" envconfig:"LIMIT" default:"5" validate:"min=1"`
}

// CacheConfig contains the persisted identity cache settings.
// An empty path keeps the cache in memory.
type CacheConfig struct {
	Path string `yaml:"path" envconfig:"PATH" default:"walletd.db"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level      string `yaml:"level" envconfig:"LEVEL" default:"info" validate:"oneof=debug info warn error"`
	Format     string `yaml:"format" envconfig:"FORMAT" default:"json" validate:"oneof=json console"`
	OutputPath string `yaml:"output_path" envconfig:"OUTPUT_PATH" default:"stdout"`
	MaxSizeMB  int    `yaml:"max_size_mb" envconfig:"MAX_SIZE_MB" default:"100"`
	MaxBackups int    `yaml:"max_backups" envconfig:"MAX_BACKUPS" default:"3"`
	MaxAgeDays int    `yaml:"max_age_days" envconfig:"MAX_AGE_DAYS" default:"28"`
}

// MonitoringConfig contains metrics settings
type MonitoringConfig struct {
	Enabled     bool   `yaml:"enabled" envconfig:"ENABLED" default:"true"`
	MetricsPath string `yaml:"metrics_path" envconfig:"METRICS_PATH" default:"/metrics"`
}

// Load reads the YAML file at path (optional when empty), applies defaults,
// then WALLETD_* environment overrides, then validates.
func Load(path string) (*Config, error) {
	var cfg Config
	if err := defaults.Set(&cfg); err != nil {
		return nil, fmt.Errorf("failed to set defaults: %w", err)
	}

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal config: %w", err)
		}
	}

	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// Validate checks struct constraints
func Validate(cfg *Config) error {
	return validator.New().Struct(cfg)
}

// Addr returns host:port
func (c *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// SignerKey returns the private key from the configured environment variable, if any.
func (c *ChainConfig) SignerKey() string {
	if c.SignerKeyEnv == "" {
		return ""
	}
	return os.Getenv(c.SignerKeyEnv)
}
