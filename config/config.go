// Package config resolves runtime configuration for the escrow binaries.
package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"escrowflow/escrow"
	"escrowflow/gateway"
)

// Gateway providers.
const (
	ProviderSandbox = "sandbox"
	ProviderStripe  = "stripe"
)

// Fee policy kinds.
const (
	FeeFixed      = "fixed"
	FeePercentage = "percentage"
	FeeTiered     = "tiered"
)

// Config is the resolved runtime configuration.
type Config struct {
	HTTPAddr string

	DatabaseURL     string
	MaxDBConns      int32
	MaxConnLifetime time.Duration

	JWTSecret string
	TokenTTL  time.Duration

	GatewayProvider string
	StripeAPIKey    string
	Retry           gateway.RetryPolicy

	Currency string
	Fee      FeeConfig

	KafkaBrokers     []string
	KafkaTopicPrefix string

	OutboxPollInterval time.Duration
	OutboxBatchSize    int
	OutboxClaimTTL     time.Duration
	OutboxMaxAttempts  int

	LogLevel  string
	LogFormat string
}

// FeeConfig selects and parameterizes the platform fee policy.
type FeeConfig struct {
	Policy      string       `yaml:"policy"`
	FixedAmount int64        `yaml:"fixed_amount"`
	BasisPoints int64        `yaml:"basis_points"`
	MinFee      int64        `yaml:"min_fee"`
	Tiers       []TierConfig `yaml:"tiers"`
}

// TierConfig is one tier of a tiered fee. Exactly one of FixedAmount or
// BasisPoints applies; BasisPoints wins when both are set.
type TierConfig struct {
	From        int64 `yaml:"from"`
	FixedAmount int64 `yaml:"fixed_amount"`
	BasisPoints int64 `yaml:"basis_points"`
	MinFee      int64 `yaml:"min_fee"`
}

// configFile mirrors the YAML schema of the optional config file.
type configFile struct {
	Server struct {
		Addr string `yaml:"addr"`
	} `yaml:"server"`
	Database struct {
		URL      string `yaml:"url"`
		MaxConns int32  `yaml:"max_conns"`
	} `yaml:"database"`
	Gateway struct {
		Provider   string `yaml:"provider"`
		MaxRetries uint64 `yaml:"max_retries"`
	} `yaml:"gateway"`
	Escrow struct {
		Currency string    `yaml:"currency"`
		Fee      FeeConfig `yaml:"fee"`
	} `yaml:"escrow"`
	Kafka struct {
		Brokers     []string `yaml:"brokers"`
		TopicPrefix string   `yaml:"topic_prefix"`
	} `yaml:"kafka"`
	Outbox struct {
		PollInterval string `yaml:"poll_interval"`
		BatchSize    int    `yaml:"batch_size"`
		MaxAttempts  int    `yaml:"max_attempts"`
	} `yaml:"outbox"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

// Load resolves configuration in priority order: defaults, then the YAML file
// at path (skipped when empty or missing), then environment variables. A .env
// file in the working directory, if present, is loaded into the environment
// first without overriding variables that are already set.
func Load(path string) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("config: load .env: %w", err)
	}

	cfg := Config{
		HTTPAddr:           ":8080",
		MaxDBConns:         10,
		MaxConnLifetime:    30 * time.Minute,
		TokenTTL:           12 * time.Hour,
		GatewayProvider:    ProviderSandbox,
		Retry:              gateway.DefaultRetryPolicy(),
		Currency:           "sgd",
		Fee:                FeeConfig{Policy: FeeFixed, FixedAmount: escrow.DefaultPlatformFee},
		KafkaTopicPrefix:   "",
		OutboxPollInterval: 2 * time.Second,
		OutboxBatchSize:    100,
		OutboxClaimTTL:     30 * time.Second,
		OutboxMaxAttempts:  5,
		LogLevel:           "info",
		LogFormat:          "json",
	}

	if path != "" {
		raw, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := applyFile(&cfg, raw); err != nil {
				return Config{}, err
			}
		case errors.Is(err, fs.ErrNotExist):
		default:
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}

	cfg.GatewayProvider = strings.ToLower(strings.TrimSpace(cfg.GatewayProvider))
	currency, err := escrow.NormalizeCurrency(cfg.Currency)
	if err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	cfg.Currency = currency

	if _, err := cfg.FeePolicy(); err != nil {
		return Config{}, err
	}
	switch cfg.GatewayProvider {
	case ProviderSandbox:
	case ProviderStripe:
		if cfg.StripeAPIKey == "" {
			return Config{}, fmt.Errorf("config: STRIPE_API_KEY is required for the stripe gateway")
		}
	default:
		return Config{}, fmt.Errorf("config: unknown gateway provider %q", cfg.GatewayProvider)
	}

	return cfg, nil
}

// ValidateServer checks the settings only the HTTP API needs.
func (c Config) ValidateServer() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("config: DATABASE_URL is required")
	}
	if len(c.JWTSecret) < 32 {
		return fmt.Errorf("config: JWT_SECRET must be at least 32 bytes")
	}
	return nil
}

// FeePolicy builds the configured escrow fee policy.
func (c Config) FeePolicy() (escrow.FeePolicy, error) {
	if c.Fee.MinFee < 0 {
		return nil, fmt.Errorf("config: minimum fee must not be negative")
	}
	switch strings.ToLower(c.Fee.Policy) {
	case "", FeeFixed:
		if c.Fee.FixedAmount < 0 {
			return nil, fmt.Errorf("config: fixed fee must not be negative")
		}
		return escrow.FixedFee{Fee: c.Fee.FixedAmount}, nil
	case FeePercentage:
		if c.Fee.BasisPoints < 0 || c.Fee.BasisPoints > 10000 {
			return nil, fmt.Errorf("config: fee basis points must be within 0..10000")
		}
		return escrow.PercentageFee{BasisPoints: c.Fee.BasisPoints, MinFee: c.Fee.MinFee}, nil
	case FeeTiered:
		tiers := make([]escrow.Tier, 0, len(c.Fee.Tiers))
		for _, t := range c.Fee.Tiers {
			if t.FixedAmount < 0 || t.MinFee < 0 || t.BasisPoints < 0 || t.BasisPoints > 10000 {
				return nil, fmt.Errorf("config: fee tier from %d has out-of-range amounts", t.From)
			}
			var p escrow.FeePolicy = escrow.FixedFee{Fee: t.FixedAmount}
			if t.BasisPoints > 0 {
				p = escrow.PercentageFee{BasisPoints: t.BasisPoints, MinFee: t.MinFee}
			}
			tiers = append(tiers, escrow.Tier{From: t.From, Policy: p})
		}
		tiered, err := escrow.NewTieredFee(tiers...)
		if err != nil {
			return nil, fmt.Errorf("config: %w", err)
		}
		return tiered, nil
	default:
		return nil, fmt.Errorf("config: unknown fee policy %q", c.Fee.Policy)
	}
}

// Logger builds the process logger writing to w.
func (c Config) Logger(w io.Writer) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(c.LogFormat, "text") {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

func applyFile(cfg *Config, raw []byte) error {
	var f configFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return fmt.Errorf("config: parse config file: %w", err)
	}
	if f.Server.Addr != "" {
		cfg.HTTPAddr = f.Server.Addr
	}
	if f.Database.URL != "" {
		cfg.DatabaseURL = f.Database.URL
	}
	if f.Database.MaxConns > 0 {
		cfg.MaxDBConns = f.Database.MaxConns
	}
	if f.Gateway.Provider != "" {
		cfg.GatewayProvider = f.Gateway.Provider
	}
	if f.Gateway.MaxRetries > 0 {
		cfg.Retry.MaxRetries = f.Gateway.MaxRetries
	}
	if f.Escrow.Currency != "" {
		cfg.Currency = f.Escrow.Currency
	}
	if f.Escrow.Fee.Policy != "" {
		cfg.Fee = f.Escrow.Fee
	}
	if len(f.Kafka.Brokers) > 0 {
		cfg.KafkaBrokers = f.Kafka.Brokers
	}
	if f.Kafka.TopicPrefix != "" {
		cfg.KafkaTopicPrefix = f.Kafka.TopicPrefix
	}
	if f.Outbox.PollInterval != "" {
		d, err := time.ParseDuration(f.Outbox.PollInterval)
		if err != nil {
			return fmt.Errorf("config: outbox.poll_interval: %w", err)
		}
		cfg.OutboxPollInterval = d
	}
	if f.Outbox.BatchSize > 0 {
		cfg.OutboxBatchSize = f.Outbox.BatchSize
	}
	if f.Outbox.MaxAttempts > 0 {
		cfg.OutboxMaxAttempts = f.Outbox.MaxAttempts
	}
	if f.Log.Level != "" {
		cfg.LogLevel = f.Log.Level
	}
	if f.Log.Format != "" {
		cfg.LogFormat = f.Log.Format
	}
	return nil
}

func applyEnv(cfg *Config) error {
	var errs []error
	envInt := func(name string, fallback int) int {
		v, err := parseEnvInt(name, fallback)
		errs = append(errs, err)
		return v
	}
	envDuration := func(name string, fallback time.Duration) time.Duration {
		d, err := parseEnvDuration(name, fallback)
		errs = append(errs, err)
		return d
	}

	cfg.HTTPAddr = envOrDefault("HTTP_ADDR", cfg.HTTPAddr)
	cfg.DatabaseURL = envOrDefault("DATABASE_URL", cfg.DatabaseURL)
	cfg.MaxDBConns = int32(envInt("DB_MAX_CONNS", int(cfg.MaxDBConns)))
	cfg.JWTSecret = envOrDefault("JWT_SECRET", cfg.JWTSecret)
	cfg.TokenTTL = envDuration("TOKEN_TTL", cfg.TokenTTL)
	cfg.GatewayProvider = envOrDefault("GATEWAY_PROVIDER", cfg.GatewayProvider)
	cfg.StripeAPIKey = envOrDefault("STRIPE_API_KEY", cfg.StripeAPIKey)
	cfg.Retry.MaxRetries = uint64(envInt("GATEWAY_MAX_RETRIES", int(cfg.Retry.MaxRetries)))
	cfg.Currency = envOrDefault("ESCROW_CURRENCY", cfg.Currency)

	cfg.Fee.Policy = envOrDefault("FEE_POLICY", cfg.Fee.Policy)
	cfg.Fee.FixedAmount = int64(envInt("FEE_FIXED_AMOUNT", int(cfg.Fee.FixedAmount)))
	cfg.Fee.BasisPoints = int64(envInt("FEE_BASIS_POINTS", int(cfg.Fee.BasisPoints)))
	cfg.Fee.MinFee = int64(envInt("FEE_MIN_AMOUNT", int(cfg.Fee.MinFee)))

	cfg.KafkaBrokers = envCSV("KAFKA_BROKERS", cfg.KafkaBrokers)
	cfg.KafkaTopicPrefix = envOrDefault("KAFKA_TOPIC_PREFIX", cfg.KafkaTopicPrefix)

	cfg.OutboxPollInterval = envDuration("OUTBOX_POLL_INTERVAL", cfg.OutboxPollInterval)
	cfg.OutboxBatchSize = envInt("OUTBOX_BATCH_SIZE", cfg.OutboxBatchSize)
	cfg.OutboxClaimTTL = envDuration("OUTBOX_CLAIM_TTL", cfg.OutboxClaimTTL)
	cfg.OutboxMaxAttempts = envInt("OUTBOX_MAX_ATTEMPTS", cfg.OutboxMaxAttempts)

	cfg.LogLevel = envOrDefault("LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = envOrDefault("LOG_FORMAT", cfg.LogFormat)
	return errors.Join(errs...)
}

func envOrDefault(name, fallback string) string {
	if value := os.Getenv(name); value != "" {
		return value
	}
	return fallback
}

// parseEnvInt keeps the fallback when the variable is unset.
func parseEnvInt(name string, fallback int) (int, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback, fmt.Errorf("config: %s=%q is not an integer", name, raw)
	}
	return v, nil
}

func parseEnvDuration(name string, fallback time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fallback, fmt.Errorf("config: %s=%q is not a duration", name, raw)
	}
	if d <= 0 {
		return fallback, fmt.Errorf("config: %s must be positive", name)
	}
	return d, nil
}

// envCSV parses comma-separated env vars and removes empty segments.
func envCSV(name string, fallback []string) []string {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	parts := make([]string, 0)
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			parts = append(parts, trimmed)
		}
	}
	if len(parts) == 0 {
		return fallback
	}
	return parts
}
