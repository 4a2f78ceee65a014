package main

import (
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/wizardbeardstudio/open-balance-go/internal/breaker"
	"github.com/wizardbeardstudio/open-balance-go/internal/cache"
	"github.com/wizardbeardstudio/open-balance-go/internal/config"
	"github.com/wizardbeardstudio/open-balance-go/internal/gateway"
	"github.com/wizardbeardstudio/open-balance-go/internal/ledger"
	"github.com/wizardbeardstudio/open-balance-go/internal/platform/auth"
	"github.com/wizardbeardstudio/open-balance-go/internal/platform/retry"
	"github.com/wizardbeardstudio/open-balance-go/internal/purchase"
	"github.com/wizardbeardstudio/open-balance-go/internal/ratelimit"
)

const (
	gatewayBreaker      = "payment_gateway"
	notificationBreaker = "notifications"
)

func newLogger(cfg config.LogConfig, w io.Writer) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.Format, "text") {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

func cacheTTLs(cfg config.CacheConfig) cache.TTLs {
	return cache.TTLs{Balance: cfg.BalanceTTL, User: cfg.UserTTL, PaymentStatus: cfg.PaymentStatusTTL}
}

func breakerConfig(cfg config.BreakerConfig) breaker.Config {
	return breaker.Config{
		FailureThreshold: cfg.FailureThreshold,
		Window:           cfg.Window,
		RecoveryTimeout:  cfg.RecoveryTimeout,
		SuccessThreshold: cfg.SuccessThreshold,
		HalfOpenMaxCalls: cfg.HalfOpenMaxCalls,
	}
}

func retryPolicy(cfg config.RetryConfig) retry.Policy {
	p := retry.DefaultPolicy()
	p.MaxAttempts = cfg.MaxAttempts
	p.InitialInterval = cfg.InitialInterval
	p.MaxInterval = cfg.MaxInterval
	p.Multiplier = cfg.Multiplier
	p.Jitter = cfg.Jitter
	return p
}

func rateLimitConfig(cfg config.LimitsConfig) ratelimit.Config {
	action := func(a config.ActionLimits) ratelimit.ActionLimits {
		return ratelimit.ActionLimits{
			PerUser:    a.PerUser,
			Global:     a.Global,
			Burst:      a.Burst,
			NewAccount: a.NewAccount,
			OnFailure:  ratelimit.FailureMode(a.FailureMode),
		}
	}
	return ratelimit.Config{
		Window:            cfg.Window,
		BurstWindow:       cfg.BurstWindow,
		PremiumMultiplier: cfg.PremiumMultiplier,
		NewAccountAge:     cfg.NewAccountAge,
		Actions: map[ratelimit.Action]ratelimit.ActionLimits{
			ratelimit.ActionMessage:   action(cfg.Message),
			ratelimit.ActionOperation: action(cfg.Operation),
			ratelimit.ActionPayment:   action(cfg.Payment),
		},
	}
}

func purchaseConfig(cfg *config.Config) (purchase.Config, error) {
	minAmount, err := decimal.NewFromString(cfg.Purchase.MinRecharge)
	if err != nil {
		return purchase.Config{}, fmt.Errorf("purchase.min_recharge: %w", err)
	}
	maxAmount, err := decimal.NewFromString(cfg.Purchase.MaxRecharge)
	if err != nil {
		return purchase.Config{}, fmt.Errorf("purchase.max_recharge: %w", err)
	}
	if maxAmount.LessThan(minAmount) {
		return purchase.Config{}, fmt.Errorf("purchase.max_recharge %s is below min_recharge %s", maxAmount, minAmount)
	}
	return purchase.Config{
		Currency:        cfg.Purchase.Currency,
		Digits:          cfg.Purchase.CurrencyDigits,
		MinRecharge:     minAmount,
		MaxRecharge:     maxAmount,
		InvoiceLifetime: cfg.Gateway.InvoiceTTL,
	}, nil
}

func sweepConfig(cfg config.PurchaseConfig) ledger.SweepConfig {
	return ledger.SweepConfig{Interval: cfg.SweepInterval, MaxAge: cfg.PendingTimeout, BatchSize: cfg.SweepBatchSize}
}

func gatewayConfig(cfg config.GatewayConfig) (gateway.HTTPConfig, bool) {
	if cfg.BaseURL == "" || cfg.MerchantID == "" || cfg.APIKey == "" {
		return gateway.HTTPConfig{}, false
	}
	return gateway.HTTPConfig{
		BaseURL:     cfg.BaseURL,
		MerchantID:  cfg.MerchantID,
		APIKey:      cfg.APIKey,
		CallbackURL: cfg.CallbackURL,
		Lifetime:    cfg.InvoiceTTL,
		Timeout:     cfg.Timeout,
	}, true
}

// loadKeyset prefers the rotation file and falls back to the single secret.
func loadKeyset(cfg config.AuthConfig) (auth.HMACKeyset, error) {
	if cfg.JWTKeysetFile != "" {
		return auth.LoadHMACKeysetFile(cfg.JWTKeysetFile)
	}
	return auth.ParseHMACKeyset(cfg.JWTSecret, "", "")
}
