// Package config loads service configuration from defaults, an optional YAML
// file, and BALANCE_* environment variables, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const EnvPrefix = "BALANCE"

// DevJWTSecret is accepted only outside strict mode.
const DevJWTSecret = "dev-insecure-change-me"

type Config struct {
	Version  string         `mapstructure:"version"`
	Strict   bool           `mapstructure:"strict"`
	Log      LogConfig      `mapstructure:"log"`
	HTTP     HTTPConfig     `mapstructure:"http"`
	GRPC     GRPCConfig     `mapstructure:"grpc"`
	TLS      TLSConfig      `mapstructure:"tls"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Webhook  WebhookConfig  `mapstructure:"webhook"`
	Gateway  GatewayConfig  `mapstructure:"gateway"`
	Breaker  BreakerConfig  `mapstructure:"breaker"`
	Limits   LimitsConfig   `mapstructure:"limits"`
	Cache    CacheConfig    `mapstructure:"cache"`
	Purchase PurchaseConfig `mapstructure:"purchase"`
	Notify   NotifyConfig   `mapstructure:"notify"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type HTTPConfig struct {
	Addr            string        `mapstructure:"addr"`
	TrustedCIDRs    []string      `mapstructure:"trusted_cidrs"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type GRPCConfig struct {
	Addr string `mapstructure:"addr"`
}

type TLSConfig struct {
	Enabled           bool   `mapstructure:"enabled"`
	CertFile          string `mapstructure:"cert_file"`
	KeyFile           string `mapstructure:"key_file"`
	ClientCAFile      string `mapstructure:"client_ca_file"`
	RequireClientCert bool   `mapstructure:"require_client_cert"`
}

type DatabaseConfig struct {
	URL          string `mapstructure:"url"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	Migrate      bool   `mapstructure:"migrate"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	PoolSize int    `mapstructure:"pool_size"`
}

type AuthConfig struct {
	JWTSecret      string        `mapstructure:"jwt_secret"`
	JWTKeysetFile  string        `mapstructure:"jwt_keyset_file"`
	TokenTTL       time.Duration `mapstructure:"token_ttl"`
	OperatorID     string        `mapstructure:"operator_id"`
	OperatorBcrypt string        `mapstructure:"operator_password_bcrypt"`
}

type WebhookConfig struct {
	Secret          string `mapstructure:"secret"`
	SignatureHeader string `mapstructure:"signature_header"`
	MaxBodyBytes    int64  `mapstructure:"max_body_bytes"`
}

type GatewayConfig struct {
	BaseURL     string        `mapstructure:"base_url"`
	MerchantID  string        `mapstructure:"merchant_id"`
	APIKey      string        `mapstructure:"api_key"`
	CallbackURL string        `mapstructure:"callback_url"`
	Timeout     time.Duration `mapstructure:"timeout"`
	InvoiceTTL  time.Duration `mapstructure:"invoice_ttl"`
	Retry       RetryConfig   `mapstructure:"retry"`
}

type RetryConfig struct {
	MaxAttempts     uint          `mapstructure:"max_attempts"`
	InitialInterval time.Duration `mapstructure:"initial_interval"`
	MaxInterval     time.Duration `mapstructure:"max_interval"`
	Multiplier      float64       `mapstructure:"multiplier"`
	Jitter          float64       `mapstructure:"jitter"`
}

type BreakerConfig struct {
	FailureThreshold int           `mapstructure:"failure_threshold"`
	Window           time.Duration `mapstructure:"window"`
	RecoveryTimeout  time.Duration `mapstructure:"recovery_timeout"`
	SuccessThreshold int           `mapstructure:"success_threshold"`
	HalfOpenMaxCalls int           `mapstructure:"half_open_max_calls"`
}

type ActionLimits struct {
	PerUser     int    `mapstructure:"per_user"`
	Global      int    `mapstructure:"global"`
	Burst       int    `mapstructure:"burst"`
	NewAccount  int    `mapstructure:"new_account"`
	FailureMode string `mapstructure:"failure_mode"`
}

type LimitsConfig struct {
	Window            time.Duration `mapstructure:"window"`
	BurstWindow       time.Duration `mapstructure:"burst_window"`
	PremiumMultiplier float64       `mapstructure:"premium_multiplier"`
	NewAccountAge     time.Duration `mapstructure:"new_account_age"`
	Message           ActionLimits  `mapstructure:"message"`
	Operation         ActionLimits  `mapstructure:"operation"`
	Payment           ActionLimits  `mapstructure:"payment"`
}

type CacheConfig struct {
	BalanceTTL       time.Duration `mapstructure:"balance_ttl"`
	UserTTL          time.Duration `mapstructure:"user_ttl"`
	PaymentStatusTTL time.Duration `mapstructure:"payment_status_ttl"`
}

type PurchaseConfig struct {
	Currency       string        `mapstructure:"currency"`
	CurrencyDigits int32         `mapstructure:"currency_digits"`
	MinRecharge    string        `mapstructure:"min_recharge"`
	MaxRecharge    string        `mapstructure:"max_recharge"`
	PendingTimeout time.Duration `mapstructure:"pending_timeout"`
	SweepInterval  time.Duration `mapstructure:"sweep_interval"`
	SweepBatchSize int           `mapstructure:"sweep_batch_size"`
}

type NotifyConfig struct {
	TelegramToken string `mapstructure:"telegram_token"`
	Workers       int    `mapstructure:"workers"`
	QueueSize     int    `mapstructure:"queue_size"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("version", "dev")
	v.SetDefault("strict", false)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.trusted_cidrs", []string{"127.0.0.1/32", "::1/128"})
	v.SetDefault("http.shutdown_timeout", 10*time.Second)
	v.SetDefault("grpc.addr", ":8081")
	v.SetDefault("tls.enabled", false)
	v.SetDefault("tls.cert_file", "")
	v.SetDefault("tls.key_file", "")
	v.SetDefault("tls.client_ca_file", "")
	v.SetDefault("tls.require_client_cert", false)
	v.SetDefault("database.url", "")
	v.SetDefault("database.max_open_conns", 20)
	v.SetDefault("database.migrate", true)
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", 10)
	v.SetDefault("auth.jwt_secret", DevJWTSecret)
	v.SetDefault("auth.jwt_keyset_file", "")
	v.SetDefault("auth.token_ttl", time.Hour)
	v.SetDefault("auth.operator_id", "operator")
	v.SetDefault("auth.operator_password_bcrypt", "")
	v.SetDefault("webhook.secret", "")
	v.SetDefault("webhook.signature_header", "X-Signature")
	v.SetDefault("webhook.max_body_bytes", 64<<10)
	v.SetDefault("gateway.base_url", "https://api.heleket.com/v1")
	v.SetDefault("gateway.merchant_id", "")
	v.SetDefault("gateway.api_key", "")
	v.SetDefault("gateway.callback_url", "")
	v.SetDefault("gateway.timeout", 10*time.Second)
	v.SetDefault("gateway.invoice_ttl", time.Hour)
	v.SetDefault("gateway.retry.max_attempts", 5)
	v.SetDefault("gateway.retry.initial_interval", time.Second)
	v.SetDefault("gateway.retry.max_interval", 30*time.Second)
	v.SetDefault("gateway.retry.multiplier", 2.0)
	v.SetDefault("gateway.retry.jitter", 0.1)
	v.SetDefault("breaker.failure_threshold", 5)
	v.SetDefault("breaker.window", time.Minute)
	v.SetDefault("breaker.recovery_timeout", 120*time.Second)
	v.SetDefault("breaker.success_threshold", 2)
	v.SetDefault("breaker.half_open_max_calls", 1)
	v.SetDefault("limits.window", time.Minute)
	v.SetDefault("limits.burst_window", 10*time.Second)
	v.SetDefault("limits.premium_multiplier", 2.0)
	v.SetDefault("limits.new_account_age", 24*time.Hour)
	v.SetDefault("limits.message.per_user", 30)
	v.SetDefault("limits.message.global", 1000)
	v.SetDefault("limits.message.burst", 10)
	v.SetDefault("limits.message.new_account", 15)
	v.SetDefault("limits.message.failure_mode", "open")
	v.SetDefault("limits.operation.per_user", 20)
	v.SetDefault("limits.operation.global", 500)
	v.SetDefault("limits.operation.burst", 5)
	v.SetDefault("limits.operation.new_account", 10)
	v.SetDefault("limits.operation.failure_mode", "open")
	v.SetDefault("limits.payment.per_user", 5)
	v.SetDefault("limits.payment.global", 100)
	v.SetDefault("limits.payment.burst", 2)
	v.SetDefault("limits.payment.new_account", 5)
	v.SetDefault("limits.payment.failure_mode", "closed")
	v.SetDefault("cache.balance_ttl", 5*time.Minute)
	v.SetDefault("cache.user_ttl", 30*time.Minute)
	v.SetDefault("cache.payment_status_ttl", 15*time.Minute)
	v.SetDefault("purchase.currency", "TON")
	v.SetDefault("purchase.currency_digits", 2)
	v.SetDefault("purchase.min_recharge", "10")
	v.SetDefault("purchase.max_recharge", "10000")
	v.SetDefault("purchase.pending_timeout", 30*time.Minute)
	v.SetDefault("purchase.sweep_interval", time.Minute)
	v.SetDefault("purchase.sweep_batch_size", 100)
	v.SetDefault("notify.telegram_token", "")
	v.SetDefault("notify.workers", 2)
	v.SetDefault("notify.queue_size", 256)
}

// Load reads configuration. path may be empty, in which case BALANCE_CONFIG is
// consulted; a missing file is an error only when explicitly named.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path == "" {
		path = os.Getenv(EnvPrefix + "_CONFIG")
	}
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	// AutomaticEnv does not split comma lists.
	if raw := os.Getenv(EnvPrefix + "_HTTP_TRUSTED_CIDRS"); raw != "" {
		cfg.HTTP.TrustedCIDRs = strings.Split(raw, ",")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks invariants that hold in every mode and, when Strict is set,
// the production runtime requirements.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Webhook.Secret) == "" {
		errs = append(errs, errors.New("webhook.secret is required"))
	}
	if c.Breaker.FailureThreshold < 1 || c.Breaker.SuccessThreshold < 1 || c.Breaker.HalfOpenMaxCalls < 1 {
		errs = append(errs, errors.New("breaker thresholds must be positive"))
	}
	if c.Limits.Window <= 0 || c.Limits.BurstWindow <= 0 {
		errs = append(errs, errors.New("limits windows must be positive"))
	}
	if c.Limits.PremiumMultiplier < 1 {
		errs = append(errs, errors.New("limits.premium_multiplier must be >= 1"))
	}
	for name, a := range map[string]ActionLimits{"message": c.Limits.Message, "operation": c.Limits.Operation, "payment": c.Limits.Payment} {
		if a.FailureMode != "open" && a.FailureMode != "closed" {
			errs = append(errs, fmt.Errorf("limits.%s.failure_mode must be open or closed", name))
		}
	}
	if c.Purchase.CurrencyDigits < 0 || c.Purchase.CurrencyDigits > 8 {
		errs = append(errs, errors.New("purchase.currency_digits must be between 0 and 8"))
	}
	if c.Strict {
		if err := validateProductionRuntime(c); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func validateProductionRuntime(c *Config) error {
	if strings.TrimSpace(c.Database.URL) == "" {
		return errors.New("strict mode requires database.url")
	}
	if strings.TrimSpace(c.Redis.Addr) == "" {
		return errors.New("strict mode requires redis.addr")
	}
	if !c.TLS.Enabled {
		return errors.New("strict mode requires tls.enabled")
	}
	if c.Auth.JWTKeysetFile == "" && (c.Auth.JWTSecret == "" || c.Auth.JWTSecret == DevJWTSecret) {
		return errors.New("strict mode rejects the default jwt secret without a keyset file")
	}
	if c.Auth.OperatorBcrypt == "" {
		return errors.New("strict mode requires auth.operator_password_bcrypt")
	}
	return nil
}
