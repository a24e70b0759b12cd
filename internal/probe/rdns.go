package probe

import (
	"context"
	"net"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

const (
	rdnsLookupTimeout = 500 * time.Millisecond
	// rdnsBatchTimeout bounds all lookups made for one stats response.
	rdnsBatchTimeout = time.Second
	rdnsConcurrency  = 16
)

// ReverseDNS resolves client IPs to hostnames for the stats endpoint.
// Results, including failures, are cached for ttl.
type ReverseDNS struct {
	lookupAddr func(ctx context.Context, ip string) ([]string, error)
	ttl        time.Duration

	mu    sync.Mutex
	cache map[string]rdnsEntry
}

type rdnsEntry struct {
	hostname  string
	expiresAt time.Time
}

// NewReverseDNS creates a resolver with the given cache TTL.
func NewReverseDNS(ttl time.Duration) *ReverseDNS {
	return &ReverseDNS{
		lookupAddr: net.DefaultResolver.LookupAddr,
		ttl:        ttl,
		cache:      make(map[string]rdnsEntry),
	}
}

// Lookup returns the first PTR name for ip without the trailing dot, or ""
// if none is found within the lookup timeout.
func (r *ReverseDNS) Lookup(ctx context.Context, ip string) string {
	now := time.Now()
	if hostname, ok := r.cached(ip, now); ok {
		return hostname
	}

	lookupCtx, cancel := context.WithTimeout(ctx, rdnsLookupTimeout)
	defer cancel()

	var hostname string
	if names, err := r.lookupAddr(lookupCtx, ip); err == nil && len(names) > 0 {
		hostname = strings.TrimSuffix(names[0], ".")
	}

	// A lookup cut short by the caller is not a real miss.
	if ctx.Err() != nil && hostname == "" {
		return ""
	}

	r.mu.Lock()
	r.cache[ip] = rdnsEntry{hostname: hostname, expiresAt: now.Add(r.ttl)}
	r.mu.Unlock()

	return hostname
}

// LookupAll resolves ips concurrently under one shared deadline. IPs that
// do not resolve in time map to "".
func (r *ReverseDNS) LookupAll(ctx context.Context, ips []string) map[string]string {
	out := make(map[string]string, len(ips))
	var pending []string
	now := time.Now()
	for _, ip := range ips {
		if _, seen := out[ip]; seen {
			continue
		}
		hostname, ok := r.cached(ip, now)
		out[ip] = hostname
		if !ok {
			pending = append(pending, ip)
		}
	}
	if len(pending) == 0 {
		return out
	}

	ctx, cancel := context.WithTimeout(ctx, rdnsBatchTimeout)
	defer cancel()

	var mu sync.Mutex
	g := new(errgroup.Group)
	g.SetLimit(rdnsConcurrency)
	for _, ip := range pending {
		g.Go(func() error {
			hostname := r.Lookup(ctx, ip)
			mu.Lock()
			out[ip] = hostname
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait() //nolint:errcheck // lookups never fail the batch

	return out
}

func (r *ReverseDNS) cached(ip string, now time.Time) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.cache[ip]
	if !ok || !now.Before(e.expiresAt) {
		return "", false
	}
	return e.hostname, true
}
