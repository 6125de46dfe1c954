package middleware

import (
	"context"
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// DefaultMaxAttemptsPerMinute caps failed authentication attempts per
// client IP when no explicit limit is configured.
const DefaultMaxAttemptsPerMinute = 10

const (
	defaultMaxTrackedIPs = 10000
	sweepInterval        = time.Minute
	idleEviction         = 5 * time.Minute
)

// bucket is one IP's token bucket. lastSeen drives idle eviction.
type bucket struct {
	tokens   *rate.Limiter
	lastSeen time.Time
}

// RateLimiter throttles failed authentication attempts per client IP.
// An IP enters the map only once it fails; idle IPs are swept out in the
// background, and the map is bounded so untracked traffic cannot grow it
// without limit.
type RateLimiter struct {
	perMinute     int
	maxTrackedIPs int
	stop          context.CancelFunc

	mu      sync.Mutex
	buckets map[string]*bucket
}

// NewRateLimiter builds a limiter allowing perMinute failed attempts per
// IP, with bursts up to the same size. perMinute values at or below zero
// select [DefaultMaxAttemptsPerMinute]. The background sweep stops when
// ctx is canceled or [RateLimiter.Stop] is called.
func NewRateLimiter(ctx context.Context, perMinute int) *RateLimiter {
	if perMinute <= 0 {
		perMinute = DefaultMaxAttemptsPerMinute
	}
	ctx, cancel := context.WithCancel(ctx)
	rl := &RateLimiter{
		perMinute:     perMinute,
		maxTrackedIPs: defaultMaxTrackedIPs,
		stop:          cancel,
		buckets:       make(map[string]*bucket),
	}
	go rl.sweepLoop(ctx)
	return rl
}

// Allow reports whether ip may attempt authentication. IPs with no
// recorded failures are always allowed; known IPs consume a token.
func (rl *RateLimiter) Allow(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	b, ok := rl.buckets[ip]
	if !ok {
		return true
	}
	b.lastSeen = time.Now()
	return b.tokens.Allow()
}

// RecordFailureAndAllow charges a failed attempt to ip and reports
// whether the attempt was still within the limit.
func (rl *RateLimiter) RecordFailureAndAllow(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return rl.bucketLocked(ip).tokens.Allow()
}

func (rl *RateLimiter) bucketLocked(ip string) *bucket {
	b, ok := rl.buckets[ip]
	if !ok {
		if len(rl.buckets) >= rl.maxTrackedIPs {
			rl.evictLeastRecentLocked()
		}
		b = &bucket{tokens: rate.NewLimiter(rate.Limit(float64(rl.perMinute)/60.0), rl.perMinute)}
		rl.buckets[ip] = b
	}
	b.lastSeen = time.Now()
	return b
}

func (rl *RateLimiter) evictLeastRecentLocked() {
	var victim string
	var seen time.Time
	for ip, b := range rl.buckets {
		if victim == "" || b.lastSeen.Before(seen) {
			victim = ip
			seen = b.lastSeen
		}
	}
	if victim != "" {
		delete(rl.buckets, victim)
	}
}

// Stop halts the background sweep goroutine.
func (rl *RateLimiter) Stop() {
	rl.stop()
}

func (rl *RateLimiter) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rl.sweep(time.Now())
		}
	}
}

// sweep drops buckets idle longer than idleEviction.
func (rl *RateLimiter) sweep(now time.Time) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for ip, b := range rl.buckets {
		if now.Sub(b.lastSeen) > idleEviction {
			delete(rl.buckets, ip)
		}
	}
}

// ExtractIP strips the port from a RemoteAddr value. Inputs without a
// port come back unchanged.
func ExtractIP(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}
