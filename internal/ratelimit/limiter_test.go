package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
)

func TestTokenBucketBurstThenBlocks(t *testing.T) {
	limiter := NewLimiter(Config{RequestsPerSec: 1, Burst: 2})

	for i := 0; i < 2; i++ {
		if !limiter.Allow() {
			t.Fatalf("expected token available at %d", i)
		}
	}
	if limiter.Allow() {
		t.Fatalf("expected no token after burst")
	}
}

func TestWaitRespectsContext(t *testing.T) {
	limiter := NewLimiter(Config{RequestsPerSec: 0.5, Burst: 1})
	if !limiter.Allow() {
		t.Fatalf("expected first token")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if err := limiter.Wait(ctx); err == nil {
		t.Fatalf("expected wait to fail before the next token")
	}
}

func TestFixedDelaySingleToken(t *testing.T) {
	limiter := NewLimiter(Config{Strategy: StrategyFixedDelay, FixedDelay: 200 * time.Millisecond})
	if !limiter.Allow() {
		t.Fatalf("expected first allow")
	}
	if limiter.Allow() {
		t.Fatalf("expected second request to wait for the delay")
	}
}

func TestRegistrySharesLimiterPerHost(t *testing.T) {
	reg := NewRegistry(SourceConfigs{})
	a, _ := reg.ForURL("https://www.football-data.co.uk/mmz4281/2122/E0.csv")
	b, _ := reg.ForURL("https://WWW.football-data.co.uk/mmz4281/2223/E0.csv")
	c, _ := reg.ForURL("https://example.org/E0.csv")

	if a != b {
		t.Fatalf("expected one limiter per host")
	}
	if a == c {
		t.Fatalf("expected distinct limiters for distinct hosts")
	}
}

func TestBackOffStopsAfterMaxRetries(t *testing.T) {
	cfg := Config{MaxRetries: 3, InitialBackoff: time.Millisecond, MaxBackoff: 4 * time.Millisecond, BackoffMultiplier: 2}
	b := NewBackOff(context.Background(), cfg)

	for i := 0; i < 3; i++ {
		d := b.NextBackOff()
		if d == backoff.Stop {
			t.Fatalf("stopped early at retry %d", i)
		}
		if d > cfg.MaxBackoff+cfg.MaxBackoff/4 {
			t.Fatalf("backoff %v exceeds cap", d)
		}
	}
	if d := b.NextBackOff(); d != backoff.Stop {
		t.Fatalf("expected stop after max retries, got %v", d)
	}
}

func TestBackOffStopsOnCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if d := NewBackOff(ctx, DefaultConfig()).NextBackOff(); d != backoff.Stop {
		t.Fatalf("expected stop on canceled context, got %v", d)
	}
}

func TestConfigLoader(t *testing.T) {
	yamlData := []byte(`rate_limits:
  www.football-data.co.uk:
    strategy: token_bucket
    requests_per_second: 3
    burst: 5
    max_retries: 5
    initial_backoff: 1s
    max_backoff: 60s
    backoff_multiplier: 2
  default:
    strategy: fixed_delay
    fixed_delay: 2s
`)

	cfgs, err := LoadSourceConfigs(yamlData)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	fd := cfgs.ForURL("https://www.football-data.co.uk/mmz4281/2122/E0.csv")
	if fd.RequestsPerSec != 3 || fd.MaxBackoff != 60*time.Second {
		t.Fatalf("unexpected football-data config: %+v", fd)
	}

	other := cfgs.Get("raw.githubusercontent.com")
	if other.Strategy != StrategyFixedDelay || other.FixedDelay != 2*time.Second {
		t.Fatalf("expected default entry, got %+v", other)
	}

	if got := (SourceConfigs{}).Get("anything"); got != DefaultConfig() {
		t.Fatalf("expected DefaultConfig for empty set, got %+v", got)
	}
}
