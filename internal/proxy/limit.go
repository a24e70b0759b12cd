package proxy

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const limiterIdleTTL = 5 * time.Minute

// clientLimiter applies a token bucket per client IP.
type clientLimiter struct {
	limit rate.Limit
	burst int

	mu        sync.Mutex
	clients   map[string]*clientBucket
	lastSweep time.Time
}

type clientBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newClientLimiter(rps float64, burst int) *clientLimiter {
	if burst < 1 {
		burst = 1
	}
	return &clientLimiter{
		limit:     rate.Limit(rps),
		burst:     burst,
		clients:   make(map[string]*clientBucket),
		lastSweep: time.Now(),
	}
}

// Allow reports whether ip may make a request now.
func (l *clientLimiter) Allow(ip string) bool {
	now := time.Now()

	l.mu.Lock()
	b, ok := l.clients[ip]
	if !ok {
		b = &clientBucket{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.clients[ip] = b
	}
	b.lastSeen = now
	if now.Sub(l.lastSweep) > limiterIdleTTL {
		l.sweep(now)
	}
	l.mu.Unlock()

	return b.limiter.AllowN(now, 1)
}

// sweep drops buckets for clients not seen within limiterIdleTTL.
// Caller holds l.mu.
func (l *clientLimiter) sweep(now time.Time) {
	for ip, b := range l.clients {
		if now.Sub(b.lastSeen) > limiterIdleTTL {
			delete(l.clients, ip)
		}
	}
	l.lastSweep = now
}

// Len returns the number of tracked clients.
func (l *clientLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.clients)
}
