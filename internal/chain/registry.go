package chain

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/prateushsharma/amlbot/internal/circuitbreaker"
	"github.com/prateushsharma/amlbot/internal/health"
)

// Reader is the read side of the registry used by the risk evaluator and
// the tracking policies.
type Reader interface {
	LatestHeight(ctx context.Context, id Chain) (uint64, error)
	BlockWithTransactions(ctx context.Context, id Chain, height uint64) (*Block, error)
}

// Dialer opens a Provider for a chain.
type Dialer func(ctx context.Context, info Info) (Provider, error)

// Registry hands out one cached Provider per chain. Providers are dialed on
// first use and shared by all callers. Every call passes through a per-chain
// circuit breaker, and failures come back as *ProviderError.
type Registry struct {
	catalog *Catalog
	dial    Dialer
	breaker *circuitbreaker.Breaker
	logger  *slog.Logger

	breakerOpts []circuitbreaker.Option

	mu        sync.Mutex
	providers map[Chain]Provider
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithDialer replaces the JSON-RPC dialer (used by tests).
func WithDialer(d Dialer) RegistryOption {
	return func(r *Registry) { r.dial = d }
}

// WithBreaker tunes the per-chain breaker (default 5 failures, 30s cooldown).
func WithBreaker(threshold int, cooldown time.Duration) RegistryOption {
	return func(r *Registry) {
		r.breakerOpts = append(r.breakerOpts, circuitbreaker.Threshold(threshold), circuitbreaker.Cooldown(cooldown))
	}
}

// NewRegistry creates a registry over catalog.
func NewRegistry(catalog *Catalog, cfg ProviderConfig, logger *slog.Logger, opts ...RegistryOption) *Registry {
	r := &Registry{
		catalog: catalog,
		dial: func(ctx context.Context, info Info) (Provider, error) {
			return DialRPC(ctx, info, cfg)
		},
		logger:    logger,
		providers: make(map[Chain]Provider),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.breaker = circuitbreaker.New(append(r.breakerOpts, circuitbreaker.OnTransition(r.breakerTransition))...)
	return r
}

// Catalog returns the chains this registry serves.
func (r *Registry) Catalog() *Catalog { return r.catalog }

// Provider returns the cached provider for id, dialing it on first use.
// A failed dial is not cached.
func (r *Registry) Provider(ctx context.Context, id Chain) (Provider, error) {
	info, err := r.catalog.Lookup(id)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if p, ok := r.providers[id]; ok {
		return p, nil
	}
	p, err := r.dial(ctx, info)
	if err != nil {
		return nil, &ProviderError{Chain: id, Op: "dial", Err: err}
	}
	r.providers[id] = p
	r.logger.Info("chain provider ready", "chain", id, "name", info.Name)
	return p, nil
}

func (r *Registry) LatestHeight(ctx context.Context, id Chain) (uint64, error) {
	p, err := r.Provider(ctx, id)
	if err != nil {
		return 0, err
	}
	var h uint64
	err = r.call(ctx, id, "latest_height", func(ctx context.Context) (err error) {
		h, err = p.LatestHeight(ctx)
		return err
	})
	return h, err
}

func (r *Registry) BlockWithTransactions(ctx context.Context, id Chain, height uint64) (*Block, error) {
	p, err := r.Provider(ctx, id)
	if err != nil {
		return nil, err
	}
	var b *Block
	err = r.call(ctx, id, fmt.Sprintf("get_block %d", height), func(ctx context.Context) (err error) {
		b, err = p.BlockWithTransactions(ctx, height)
		return err
	})
	return b, err
}

func (r *Registry) call(ctx context.Context, id Chain, op string, fn func(context.Context) error) error {
	err := r.breaker.Do(ctx, string(id), fn)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, circuitbreaker.ErrOpen):
		err = ErrCircuitOpen
	}
	return &ProviderError{Chain: id, Op: op, Err: err}
}

func (r *Registry) breakerTransition(key string, from, to circuitbreaker.State) {
	breakerTransitions.WithLabelValues(key, to.String()).Inc()
	if to == circuitbreaker.Open {
		r.logger.Warn("chain rpc circuit opened", "chain", key, "from", from.String())
		return
	}
	r.logger.Info("chain rpc circuit state", "chain", key, "from", from.String(), "to", to.String())
}

// HealthChecker reports whether the chain's node answers eth_blockNumber.
// Unconfigured chains report healthy with a detail note.
func (r *Registry) HealthChecker(id Chain) health.Checker {
	name := "chain:" + string(id)
	return func(ctx context.Context) health.Status {
		info, err := r.catalog.Lookup(id)
		if err != nil {
			return health.Status{Name: name, Healthy: false, Detail: err.Error()}
		}
		if !info.Configured() {
			return health.Status{Name: name, Healthy: true, Detail: "not configured"}
		}
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		h, err := r.LatestHeight(ctx, id)
		if err != nil {
			return health.Status{Name: name, Healthy: false, Detail: err.Error()}
		}
		return health.Status{Name: name, Healthy: true, Detail: fmt.Sprintf("height %d", h)}
	}
}

// Close releases every dialed provider.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var errs []error
	for id, p := range r.providers {
		if c, ok := p.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", id, err))
			}
		}
		delete(r.providers, id)
	}
	return errors.Join(errs...)
}
