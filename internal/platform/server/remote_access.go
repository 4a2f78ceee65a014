package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/wizardbeardstudio/open-balance-go/internal/platform/audit"
	"github.com/wizardbeardstudio/open-balance-go/internal/platform/clock"
)

const maxActivities = 1000

type RemoteAccessActivity struct {
	Timestamp   time.Time `json:"timestamp"`
	SourceIP    string    `json:"source_ip"`
	SourcePort  string    `json:"source_port,omitempty"`
	Destination string    `json:"destination"`
	Path        string    `json:"path"`
	Method      string    `json:"method"`
	Allowed     bool      `json:"allowed"`
	Reason      string    `json:"reason,omitempty"`
}

// RemoteAccessGuard restricts administrative paths to trusted networks and
// records every attempt.
type RemoteAccessGuard struct {
	clock    clock.Clock
	audit    *audit.Recorder
	trusted  []*net.IPNet
	prefixes []string

	mu   sync.Mutex
	logs []RemoteAccessActivity
}

var adminPrefixes = []string{"/v1/admin", "/v1/auth"}

func NewRemoteAccessGuard(clk clock.Clock, rec *audit.Recorder, cidrs []string) (*RemoteAccessGuard, error) {
	trusted := make([]*net.IPNet, 0, len(cidrs))
	for _, c := range cidrs {
		c = strings.TrimSpace(c)
		if c == "" {
			continue
		}
		_, ipnet, err := net.ParseCIDR(c)
		if err != nil {
			return nil, fmt.Errorf("invalid trusted cidr %q: %w", c, err)
		}
		trusted = append(trusted, ipnet)
	}
	if len(trusted) == 0 {
		for _, c := range []string{"127.0.0.1/32", "::1/128"} {
			_, ipnet, _ := net.ParseCIDR(c)
			trusted = append(trusted, ipnet)
		}
	}
	return &RemoteAccessGuard{clock: clock.Or(clk), audit: rec, trusted: trusted, prefixes: adminPrefixes}, nil
}

func (g *RemoteAccessGuard) isAdminPath(path string) bool {
	for _, p := range g.prefixes {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}

// sourceOf returns the caller address. X-Forwarded-For is honoured only when
// the direct peer is itself trusted, i.e. a proxy we operate.
func (g *RemoteAccessGuard) sourceOf(r *http.Request) (string, string) {
	host, port, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err != nil {
		host, port = strings.TrimSpace(r.RemoteAddr), ""
	}
	if xff := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); xff != "" && g.isTrusted(host) {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first), ""
	}
	return host, port
}

func (g *RemoteAccessGuard) isTrusted(ipStr string) bool {
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return false
	}
	for _, n := range g.trusted {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

func (g *RemoteAccessGuard) record(ctx context.Context, r *http.Request, ip, port string, allowed bool, reason string) {
	entry := RemoteAccessActivity{
		Timestamp:   g.clock.Now().UTC(),
		SourceIP:    ip,
		SourcePort:  port,
		Destination: r.Host,
		Path:        r.URL.Path,
		Method:      r.Method,
		Allowed:     allowed,
		Reason:      reason,
	}
	g.mu.Lock()
	g.logs = append(g.logs, entry)
	if len(g.logs) > maxActivities {
		g.logs = append([]RemoteAccessActivity(nil), g.logs[len(g.logs)-maxActivities:]...)
	}
	g.mu.Unlock()

	res, action := audit.ResultSuccess, "allowed"
	if !allowed {
		res, action = audit.ResultDenied, "denied"
	}
	g.audit.Record(ctx, audit.Event{
		ActorID:    ip,
		ActorType:  "remote",
		ObjectType: "remote_access",
		ObjectID:   r.Method + " " + r.URL.Path,
		Action:     action,
		Result:     res,
		Reason:     reason,
	})
}

func (g *RemoteAccessGuard) Activities() []RemoteAccessActivity {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]RemoteAccessActivity, len(g.logs))
	copy(out, g.logs)
	return out
}

func (g *RemoteAccessGuard) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !g.isAdminPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		ip, port := g.sourceOf(r)
		if !g.isTrusted(ip) {
			g.record(r.Context(), r, ip, port, false, "source ip outside trusted network")
			http.Error(w, "remote access denied", http.StatusForbidden)
			return
		}
		g.record(r.Context(), r, ip, port, true, "")
		next.ServeHTTP(w, r)
	})
}
