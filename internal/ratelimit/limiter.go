package ratelimit

import (
	"context"
	"sync"

	"golang.org/x/time/rate"

	"github.com/SEc-123/BolaSecurityTestGate-sub001/internal/config"
)

// Limiter paces replayed requests per target host so a long combination loop
// does not trip the target's own throttling and poison results with 429s.
type Limiter struct {
	rps   rate.Limit
	burst int

	mu    sync.Mutex
	hosts map[string]*rate.Limiter
}

type Config struct {
	// RequestsPerSecond per host; zero or less disables pacing
	RequestsPerSecond float64
	BurstSize         int
}

func FromConfig(cfg config.RateLimitConfig) Config {
	return Config{RequestsPerSecond: float64(cfg.RequestsPerSecond), BurstSize: cfg.BurstSize}
}

func NewLimiter(cfg Config) *Limiter {
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	burst := cfg.BurstSize
	if burst < 1 {
		burst = 1
	}
	return &Limiter{rps: limit, burst: burst, hosts: make(map[string]*rate.Limiter)}
}

// Enabled reports whether pacing is active.
func (l *Limiter) Enabled() bool {
	return l != nil && l.rps != rate.Inf
}

// WaitForHost blocks until a request to host is allowed.
func (l *Limiter) WaitForHost(ctx context.Context, host string) error {
	if !l.Enabled() {
		return ctx.Err()
	}
	return l.forHost(host).Wait(ctx)
}

func (l *Limiter) forHost(host string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	lim, ok := l.hosts[host]
	if !ok {
		lim = rate.NewLimiter(l.rps, l.burst)
		l.hosts[host] = lim
	}
	return lim
}

// Stats contains rate limiter statistics
type Stats struct {
	TrackedHosts int
	BurstSize    int
	Enabled      bool
}

func (l *Limiter) GetStats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Stats{TrackedHosts: len(l.hosts), BurstSize: l.burst, Enabled: l.rps != rate.Inf}
}
