// Package aiguard wraps AI calls with a per-key TTL cache, a sliding-window
// rate limiter and a compute-cache-fallback pipeline. The guard is an
// explicitly owned component: construct one per process and pass it to the
// services that need it.
package aiguard

import (
	"context"
	"sync"
	"time"

	"mm-control-plane/internal/metrics"
)

// Result is the outcome of a guarded analysis call.
type Result struct {
	Value        interface{} `json:"value"`
	CacheHit     bool        `json:"cacheHit"`
	RateLimited  bool        `json:"rateLimited"`
	FallbackUsed bool        `json:"fallbackUsed"`
}

// Request describes one guarded call. Compute is the expensive AI path;
// Fallback must be cheap and never fail.
type Request struct {
	CacheKey        string
	TTLSec          int
	RateLimitPerMin int
	Compute         func(ctx context.Context) (interface{}, error)
	Fallback        func(ctx context.Context) interface{}
}

// Guard is the process-wide AI-call admission layer. It does not provide
// per-key single-flight; callers needing at-most-one concurrent compute per
// key wrap it externally.
type Guard struct {
	mu     sync.Mutex
	cache  map[string]cacheEntry
	window []time.Time
	now    func() time.Time
}

type cacheEntry struct {
	value   interface{}
	expires time.Time
}

// windowSpan is the sliding rate-limit window.
const windowSpan = time.Minute

func New() *Guard {
	return &Guard{
		cache: make(map[string]cacheEntry),
		now:   time.Now,
	}
}

// Analyze runs the guard pipeline: cache lookup, rate admission, compute
// with fallback on failure. Fallback results are cached so a hot failing
// key does not hammer the compute path.
func (g *Guard) Analyze(ctx context.Context, req Request) Result {
	ttl := time.Duration(req.TTLSec) * time.Second
	if ttl <= 0 {
		ttl = 300 * time.Second
	}

	g.mu.Lock()
	now := g.now()
	if e, ok := g.cache[req.CacheKey]; ok && now.Before(e.expires) {
		g.mu.Unlock()
		metrics.AiGuardResults.WithLabelValues("hit").Inc()
		return Result{Value: e.value, CacheHit: true}
	}

	// Prune entries older than the window, then check admission.
	g.prune(now)
	if req.RateLimitPerMin > 0 && len(g.window) >= req.RateLimitPerMin {
		g.mu.Unlock()
		metrics.AiGuardResults.WithLabelValues("rate_limited").Inc()
		value := req.Fallback(ctx)
		g.put(req.CacheKey, value, ttl)
		return Result{Value: value, RateLimited: true}
	}
	g.window = append(g.window, now)
	g.mu.Unlock()

	value, err := req.Compute(ctx)
	if err != nil {
		metrics.AiGuardResults.WithLabelValues("fallback").Inc()
		value = req.Fallback(ctx)
		g.put(req.CacheKey, value, ttl)
		return Result{Value: value, FallbackUsed: true}
	}

	metrics.AiGuardResults.WithLabelValues("computed").Inc()
	g.put(req.CacheKey, value, ttl)
	return Result{Value: value}
}

// Invalidate drops one cached key.
func (g *Guard) Invalidate(key string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.cache, key)
}

// WindowLen reports the current number of calls inside the sliding window.
func (g *Guard) WindowLen() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.prune(g.now())
	return len(g.window)
}

func (g *Guard) put(key string, value interface{}, ttl time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cache[key] = cacheEntry{value: value, expires: g.now().Add(ttl)}
}

// prune drops window entries older than one minute. The window is append
// only, so the survivors are a suffix.
func (g *Guard) prune(now time.Time) {
	cutoff := now.Add(-windowSpan)
	i := 0
	for i < len(g.window) && g.window[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		g.window = append(g.window[:0], g.window[i:]...)
	}
}
