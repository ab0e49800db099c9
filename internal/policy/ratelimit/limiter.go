// Package ratelimit implements per-client token buckets that bound how often
// callers may start generations.
package ratelimit

import (
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	defaultMaxClients = 10000
	defaultIdleTTL    = 10 * time.Minute
)

// Config holds rate limiter configuration.
type Config struct {
	// RPS is the sustained start rate per client; <= 0 disables limiting.
	RPS   float64
	Burst int
	// MaxClients bounds tracked clients; idle buckets are pruned past it.
	MaxClients int
	IdleTTL    time.Duration
	// Now is the clock used for idle tracking.
	Now func() time.Time
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Limiter manages per-client rate limits.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	limit   rate.Limit
	burst   int
	max     int
	idleTTL time.Duration
	now     func() time.Time
}

// New creates a new Limiter.
func New(cfg Config) *Limiter {
	r := rate.Limit(cfg.RPS)
	if cfg.RPS <= 0 {
		r = rate.Inf
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	if cfg.MaxClients <= 0 {
		cfg.MaxClients = defaultMaxClients
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = defaultIdleTTL
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Limiter{
		buckets: make(map[string]*bucket),
		limit:   r,
		burst:   burst,
		max:     cfg.MaxClients,
		idleTTL: cfg.IdleTTL,
		now:     cfg.Now,
	}
}

// Allow reports whether client may start a generation now, consuming a token.
func (l *Limiter) Allow(client string) bool {
	if l == nil || l.limit == rate.Inf {
		return true
	}
	now := l.now()
	l.mu.Lock()
	b, ok := l.buckets[client]
	if !ok {
		if len(l.buckets) >= l.max {
			l.pruneLocked(now)
		}
		b = &bucket{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.buckets[client] = b
	}
	b.lastSeen = now
	l.mu.Unlock()
	return b.limiter.AllowN(now, 1)
}

// Clients returns the number of tracked clients.
func (l *Limiter) Clients() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

func (l *Limiter) pruneLocked(now time.Time) {
	for key, b := range l.buckets {
		if now.Sub(b.lastSeen) > l.idleTTL {
			delete(l.buckets, key)
		}
	}
}

// ClientKey identifies the caller of r: the API key when present, otherwise
// the remote host.
func ClientKey(r *http.Request) string {
	if key := r.Header.Get("X-API-Key"); key != "" {
		return "key:" + key
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return "ip:" + host
}
