package ratelimit

import "time"

// Config holds the request budget for one source host.
type Config struct {
	Strategy          Strategy      `yaml:"strategy" json:"strategy" mapstructure:"strategy"`
	RequestsPerSec    float64       `yaml:"requests_per_second" json:"requests_per_second" mapstructure:"requests_per_second"`
	Burst             int           `yaml:"burst" json:"burst" mapstructure:"burst"`
	FixedDelay        time.Duration `yaml:"fixed_delay" json:"fixed_delay" mapstructure:"fixed_delay"`
	MaxRetries        int           `yaml:"max_retries" json:"max_retries" mapstructure:"max_retries"`
	InitialBackoff    time.Duration `yaml:"initial_backoff" json:"initial_backoff" mapstructure:"initial_backoff"`
	MaxBackoff        time.Duration `yaml:"max_backoff" json:"max_backoff" mapstructure:"max_backoff"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier" json:"backoff_multiplier" mapstructure:"backoff_multiplier"`
}

// DefaultConfig is polite enough for football-data.co.uk, which serves
// static files but throttles bursts from a single client.
func DefaultConfig() Config {
	return Config{
		Strategy:          StrategyTokenBucket,
		RequestsPerSec:    2.0,
		Burst:             2,
		FixedDelay:        500 * time.Millisecond,
		MaxRetries:        4,
		InitialBackoff:    1 * time.Second,
		MaxBackoff:        30 * time.Second,
		BackoffMultiplier: 2.0,
	}
}

func applyDefaults(cfg Config) Config {
	def := DefaultConfig()
	if cfg.Strategy == "" {
		cfg.Strategy = def.Strategy
	}
	if cfg.RequestsPerSec <= 0 {
		cfg.RequestsPerSec = def.RequestsPerSec
	}
	if cfg.Burst <= 0 {
		cfg.Burst = def.Burst
	}
	// Zero retries is a legitimate budget, only negatives fall back.
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = def.InitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = def.MaxBackoff
	}
	if cfg.MaxBackoff < cfg.InitialBackoff {
		cfg.MaxBackoff = cfg.InitialBackoff
	}
	if cfg.BackoffMultiplier < 1 {
		cfg.BackoffMultiplier = def.BackoffMultiplier
	}
	if cfg.FixedDelay <= 0 {
		cfg.FixedDelay = def.FixedDelay
	}
	return cfg
}
