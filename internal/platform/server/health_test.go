package server

import (
	"context"
	"errors"
	"testing"
	"time"

	"google.golang.org/grpc/health"
	healthv1 "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/wizardbeardstudio/open-balance-go/internal/breaker"
	"github.com/wizardbeardstudio/open-balance-go/internal/config"
	"github.com/wizardbeardstudio/open-balance-go/internal/platform/clock"
)

func servingStatus(t *testing.T, hs *health.Server, service string) healthv1.HealthCheckResponse_ServingStatus {
	t.Helper()
	resp, err := hs.Check(context.Background(), &healthv1.HealthCheckRequest{Service: service})
	if err != nil {
		t.Fatalf("health check %q: %v", service, err)
	}
	return resp.GetStatus()
}

func TestHealthMirrorFollowsBreaker(t *testing.T) {
	clk := clock.NewManual(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	hs := health.NewServer()
	mirror := NewHealthMirror(hs, nil)
	mirror.Track("payment_gateway")

	reg := breaker.NewRegistry(breaker.Config{FailureThreshold: 1, Window: time.Minute, RecoveryTimeout: 30 * time.Second, SuccessThreshold: 1}, clk, nil, mirror.OnTransition)
	b := reg.Get("payment_gateway")
	if got := servingStatus(t, hs, "payment_gateway"); got != healthv1.HealthCheckResponse_SERVING {
		t.Fatalf("expected serving before failures, got=%s", got)
	}

	_, _ = breaker.Do(context.Background(), b, func(context.Context) (struct{}, error) { return struct{}{}, errors.New("502") })
	if got := servingStatus(t, hs, "payment_gateway"); got != healthv1.HealthCheckResponse_NOT_SERVING {
		t.Fatalf("expected not serving while open, got=%s", got)
	}

	clk.Advance(31 * time.Second)
	if _, err := breaker.Do(context.Background(), b, func(context.Context) (struct{}, error) { return struct{}{}, nil }); err != nil {
		t.Fatalf("probe: %v", err)
	}
	if got := servingStatus(t, hs, "payment_gateway"); got != healthv1.HealthCheckResponse_SERVING {
		t.Fatalf("expected serving after recovery, got=%s", got)
	}
	if got := servingStatus(t, hs, ""); got != healthv1.HealthCheckResponse_SERVING {
		t.Fatalf("expected overall service serving, got=%s", got)
	}
}

func TestBuildTLSConfig(t *testing.T) {
	cfg, err := BuildTLSConfig(config.TLSConfig{})
	if err != nil || cfg != nil {
		t.Fatalf("expected nil config when disabled, got=%v err=%v", cfg, err)
	}
	if _, err := BuildTLSConfig(config.TLSConfig{Enabled: true}); err == nil {
		t.Fatalf("expected error without cert and key")
	}
	if _, err := BuildTLSConfig(config.TLSConfig{Enabled: true, CertFile: "missing.pem", KeyFile: "missing.key"}); err == nil {
		t.Fatalf("expected error for unreadable keypair")
	}
}
