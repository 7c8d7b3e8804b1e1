package ratelimit

import (
	"context"
	"sync"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"
)

// Limiter gates outbound requests to one source host.
type Limiter interface {
	Wait(ctx context.Context) error
}

// Strategy defines the rate limiting strategy.
type Strategy string

const (
	StrategyTokenBucket Strategy = "token_bucket"
	StrategyFixedDelay  Strategy = "fixed_delay"
)

// NewLimiter creates a rate limiter based on config. A fixed delay is a
// token bucket refilled once per delay with a single token.
func NewLimiter(cfg Config) *rate.Limiter {
	cfg = applyDefaults(cfg)
	switch cfg.Strategy {
	case StrategyFixedDelay:
		return rate.NewLimiter(rate.Every(cfg.FixedDelay), 1)
	default:
		return rate.NewLimiter(rate.Limit(cfg.RequestsPerSec), cfg.Burst)
	}
}

// Registry hands out one shared limiter per source host so that concurrent
// fetches of different seasons from the same server share its budget.
type Registry struct {
	configs  SourceConfigs
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func NewRegistry(configs SourceConfigs) *Registry {
	return &Registry{configs: configs, limiters: make(map[string]*rate.Limiter)}
}

// ForURL returns the limiter and config governing rawURL.
func (r *Registry) ForURL(rawURL string) (Limiter, Config) {
	host := HostOf(rawURL)
	cfg := r.configs.Get(host)

	r.mu.Lock()
	defer r.mu.Unlock()
	limiter, ok := r.limiters[host]
	if !ok {
		limiter = NewLimiter(cfg)
		r.limiters[host] = limiter
	}
	return limiter, cfg
}

// NewBackOff builds the retry schedule for cfg: exponential with jitter,
// capped at MaxBackoff and at MaxRetries retries, stopped by ctx.
func NewBackOff(ctx context.Context, cfg Config) backoff.BackOff {
	cfg = applyDefaults(cfg)
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = cfg.InitialBackoff
	exp.MaxInterval = cfg.MaxBackoff
	exp.Multiplier = cfg.BackoffMultiplier
	exp.RandomizationFactor = 0.25
	// The retry count bounds the run, not wall time.
	exp.MaxElapsedTime = 0
	exp.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(exp, uint64(cfg.MaxRetries)), ctx)
}

// Noop never waits. Tests and local file sources use it.
type Noop struct{}

func (Noop) Wait(ctx context.Context) error { return ctx.Err() }

var _ Limiter = Noop{}
var _ Limiter = (*rate.Limiter)(nil)
