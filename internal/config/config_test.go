package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaultsWithEnvOverrides(t *testing.T) {
	t.Setenv("BALANCE_WEBHOOK_SECRET", "whsec")
	t.Setenv("BALANCE_LIMITS_PAYMENT_PER_USER", "7")
	t.Setenv("BALANCE_BREAKER_RECOVERY_TIMEOUT", "45s")
	t.Setenv("BALANCE_HTTP_TRUSTED_CIDRS", "10.0.0.0/8,192.168.0.0/16")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Webhook.Secret != "whsec" || cfg.Webhook.SignatureHeader != "X-Signature" {
		t.Fatalf("unexpected webhook config: %+v", cfg.Webhook)
	}
	if cfg.Limits.Payment.PerUser != 7 || cfg.Limits.Payment.FailureMode != "closed" {
		t.Fatalf("unexpected payment limits: %+v", cfg.Limits.Payment)
	}
	if cfg.Limits.Message.FailureMode != "open" || cfg.Limits.Message.Burst != 10 {
		t.Fatalf("unexpected message limits: %+v", cfg.Limits.Message)
	}
	if cfg.Breaker.RecoveryTimeout != 45*time.Second {
		t.Fatalf("expected recovery timeout override, got=%s", cfg.Breaker.RecoveryTimeout)
	}
	if len(cfg.HTTP.TrustedCIDRs) != 2 || cfg.HTTP.TrustedCIDRs[1] != "192.168.0.0/16" {
		t.Fatalf("unexpected trusted cidrs: %v", cfg.HTTP.TrustedCIDRs)
	}
}

func TestLoadYAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "balance.yaml")
	raw := []byte(`
webhook:
  secret: from-file
purchase:
  currency: USD
  currency_digits: 2
limits:
  premium_multiplier: 3
`)
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Webhook.Secret != "from-file" || cfg.Purchase.Currency != "USD" || cfg.Limits.PremiumMultiplier != 3 {
		t.Fatalf("unexpected config from file: %+v", cfg)
	}
}

func TestLoadRequiresWebhookSecret(t *testing.T) {
	t.Setenv("BALANCE_WEBHOOK_SECRET", "")
	if _, err := Load(""); err == nil {
		t.Fatalf("expected missing webhook secret to fail")
	}
}

func TestValidateProductionRuntimeStrictRequirements(t *testing.T) {
	base := func() Config {
		return Config{
			Strict:   true,
			Database: DatabaseConfig{URL: "postgres://x"},
			Redis:    RedisConfig{Addr: "localhost:6379"},
			TLS:      TLSConfig{Enabled: true},
			Auth:     AuthConfig{JWTSecret: "prod-secret", OperatorBcrypt: "$2a$10$abc"},
		}
	}
	cases := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "non-strict allows dev defaults", mutate: func(c *Config) { *c = Config{Auth: AuthConfig{JWTSecret: DevJWTSecret}} }, wantErr: false},
		{name: "strict requires database", mutate: func(c *Config) { c.Database.URL = "" }, wantErr: true},
		{name: "strict requires redis", mutate: func(c *Config) { c.Redis.Addr = "" }, wantErr: true},
		{name: "strict requires tls", mutate: func(c *Config) { c.TLS.Enabled = false }, wantErr: true},
		{name: "strict rejects default jwt secret without keyset", mutate: func(c *Config) { c.Auth.JWTSecret = DevJWTSecret }, wantErr: true},
		{name: "strict allows keyset with default secret", mutate: func(c *Config) {
			c.Auth.JWTSecret = DevJWTSecret
			c.Auth.JWTKeysetFile = "/etc/balance/keys.json"
		}, wantErr: false},
		{name: "strict requires operator credential", mutate: func(c *Config) { c.Auth.OperatorBcrypt = "" }, wantErr: true},
		{name: "strict valid config", mutate: func(*Config) {}, wantErr: false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := base()
			tc.mutate(&c)
			err := validateProductionRuntime(&c)
			if !c.Strict {
				err = nil
			}
			if (err != nil) != tc.wantErr {
				t.Fatalf("validateProductionRuntime() err=%v wantErr=%v", err, tc.wantErr)
			}
		})
	}
}
