package server

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/wizardbeardstudio/open-balance-go/internal/platform/audit"
	"github.com/wizardbeardstudio/open-balance-go/internal/platform/clock"
)

func newGuard(t *testing.T, rec *audit.Recorder) *RemoteAccessGuard {
	t.Helper()
	guard, err := NewRemoteAccessGuard(clock.NewManual(time.Date(2026, 2, 12, 18, 0, 0, 0, time.UTC)), rec, []string{"127.0.0.1/32", "10.0.0.0/8"})
	if err != nil {
		t.Fatalf("new guard err: %v", err)
	}
	return guard
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
}

func TestRemoteAccessGuardDeniesUntrustedAdminPath(t *testing.T) {
	store := audit.NewInMemoryStore(0)
	guard := newGuard(t, audit.NewRecorder(store, nil, nil))
	h := guard.Wrap(okHandler())

	req := httptest.NewRequest(http.MethodPost, "/v1/admin/sweep", nil)
	req.RemoteAddr = "203.0.113.8:45000"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected forbidden for untrusted admin path, got=%d", rec.Code)
	}
	logs := guard.Activities()
	if len(logs) != 1 || logs[0].Allowed || logs[0].SourceIP != "203.0.113.8" {
		t.Fatalf("expected one denied activity log, got=%+v", logs)
	}
	events := store.Recent(0)
	if len(events) != 1 || events[0].Result != audit.ResultDenied || events[0].ObjectID != "POST /v1/admin/sweep" {
		t.Fatalf("expected denied audit event, got=%+v", events)
	}
}

func TestRemoteAccessGuardAllowsTrustedAdminPath(t *testing.T) {
	guard := newGuard(t, nil)
	h := guard.Wrap(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/v1/admin/circuits", nil)
	req.RemoteAddr = "127.0.0.1:44000"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected ok for trusted admin path, got=%d", rec.Code)
	}
	if logs := guard.Activities(); len(logs) != 1 || !logs[0].Allowed {
		t.Fatalf("expected one allowed activity log")
	}
}

func TestRemoteAccessGuardIgnoresNonAdminPaths(t *testing.T) {
	guard := newGuard(t, nil)
	h := guard.Wrap(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/v1/users/u1/balance", nil)
	req.RemoteAddr = "203.0.113.8:45000"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || len(guard.Activities()) != 0 {
		t.Fatalf("expected service paths to bypass the guard, code=%d", rec.Code)
	}
}

func TestRemoteAccessGuardForwardedFor(t *testing.T) {
	guard := newGuard(t, nil)
	h := guard.Wrap(okHandler())

	cases := []struct {
		name, remote, xff string
		want              int
	}{
		{"trusted proxy forwards outsider", "10.1.2.3:1000", "198.51.100.7", http.StatusForbidden},
		{"trusted proxy forwards insider", "10.1.2.3:1000", "127.0.0.1, 10.1.2.3", http.StatusOK},
		{"outsider spoofs header", "203.0.113.8:45000", "127.0.0.1", http.StatusForbidden},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodPost, "/v1/auth/token", nil)
		req.RemoteAddr = tc.remote
		req.Header.Set("X-Forwarded-For", tc.xff)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != tc.want {
			t.Fatalf("%s: expected %d, got=%d", tc.name, tc.want, rec.Code)
		}
	}
}

func TestRemoteAccessGuardRejectsBadCIDR(t *testing.T) {
	if _, err := NewRemoteAccessGuard(nil, nil, []string{"not-a-cidr"}); err == nil {
		t.Fatalf("expected invalid cidr error")
	}
}
