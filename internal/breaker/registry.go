package breaker

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/wizardbeardstudio/open-balance-go/internal/platform/apperr"
	"github.com/wizardbeardstudio/open-balance-go/internal/platform/clock"
)

// Registry hands out one breaker per dependency name.
type Registry struct {
	defaults Config
	clock    clock.Clock
	logger   *slog.Logger
	hooks    []TransitionFunc

	mu       sync.Mutex
	breakers map[string]*Breaker
}

func NewRegistry(defaults Config, clk clock.Clock, logger *slog.Logger, hooks ...TransitionFunc) *Registry {
	return &Registry{
		defaults: defaults,
		clock:    clk,
		logger:   logger,
		hooks:    hooks,
		breakers: make(map[string]*Breaker),
	}
}

// Get returns the named breaker, creating it with the registry defaults.
func (r *Registry) Get(name string) *Breaker {
	return r.GetWithConfig(name, r.defaults)
}

// GetWithConfig creates the named breaker with cfg if it does not exist yet.
func (r *Registry) GetWithConfig(name string, cfg Config) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[name]; ok {
		return b
	}
	b := New(name, cfg, r.clock, r.logger, r.hooks...)
	r.breakers[name] = b
	return b
}

func (r *Registry) Snapshots() []Snapshot {
	r.mu.Lock()
	all := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		all = append(all, b)
	}
	r.mu.Unlock()
	out := make([]Snapshot, 0, len(all))
	for _, b := range all {
		out = append(out, b.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (r *Registry) Reset(name string) error {
	r.mu.Lock()
	b, ok := r.breakers[name]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("breaker %q: %w", name, apperr.ErrNotFound)
	}
	b.Reset()
	return nil
}
