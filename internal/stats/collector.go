/*
Package stats provides in-memory counters and SQLite persistence for
proxy traffic statistics.

The Collector accumulates per-client and per-host counters in memory
using atomic operations for lock-free increments. A background flush loop
periodically writes deltas to a SQLite database for persistence across
restarts.
*/
package stats

import (
	"sort"
	"sync"
	"sync/atomic"
)

// clientStats holds per-client-IP counters (all atomic for lock-free access).
type clientStats struct {
	Requests atomic.Int64
	Denied   atomic.Int64
	Tunnels  atomic.Int64
	BytesIn  atomic.Int64
	BytesOut atomic.Int64
}

// hostStats holds per-target-host counters.
type hostStats struct {
	Requests atomic.Int64
	Denied   atomic.Int64
}

// Collector accumulates in-memory traffic statistics.
type Collector struct {
	clients sync.Map // string -> *clientStats
	hosts   sync.Map // string -> *hostStats
}

// NewCollector creates a new in-memory stats collector.
func NewCollector() *Collector {
	return &Collector{}
}

// RecordRequest records one access decision from a client for a target
// host. bytesIn is request body bytes sent upstream, bytesOut is response
// bytes returned to the client.
func (c *Collector) RecordRequest(clientIP, host string, denied bool, bytesIn, bytesOut int64) {
	cs := c.client(clientIP)
	cs.Requests.Add(1)
	cs.BytesIn.Add(bytesIn)
	cs.BytesOut.Add(bytesOut)
	if denied {
		cs.Denied.Add(1)
	}

	if host == "" {
		host = "-"
	}
	hv, _ := c.hosts.LoadOrStore(host, &hostStats{})
	hs, _ := hv.(*hostStats) //nolint:errcheck // type is guaranteed by LoadOrStore
	hs.Requests.Add(1)
	if denied {
		hs.Denied.Add(1)
	}
}

// RecordTunnel adds the final byte counts of a closed CONNECT tunnel to a
// client entry.
func (c *Collector) RecordTunnel(clientIP string, bytesIn, bytesOut int64) {
	cs := c.client(clientIP)
	cs.Tunnels.Add(1)
	cs.BytesIn.Add(bytesIn)
	cs.BytesOut.Add(bytesOut)
}

func (c *Collector) client(ip string) *clientStats {
	val, _ := c.clients.LoadOrStore(ip, &clientStats{})
	cs, _ := val.(*clientStats) //nolint:errcheck // type is guaranteed by LoadOrStore
	return cs
}

// ClientSnapshot captures a point-in-time view of per-client counters.
type ClientSnapshot struct {
	IP       string
	Requests int64
	Denied   int64
	Tunnels  int64
	BytesIn  int64
	BytesOut int64
}

func (cs ClientSnapshot) sub(prev ClientSnapshot) ClientSnapshot {
	return ClientSnapshot{
		IP:       cs.IP,
		Requests: cs.Requests - prev.Requests,
		Denied:   cs.Denied - prev.Denied,
		Tunnels:  cs.Tunnels - prev.Tunnels,
		BytesIn:  cs.BytesIn - prev.BytesIn,
		BytesOut: cs.BytesOut - prev.BytesOut,
	}
}

func (cs ClientSnapshot) isZero() bool {
	return cs.Requests == 0 && cs.Denied == 0 && cs.Tunnels == 0 && cs.BytesIn == 0 && cs.BytesOut == 0
}

// HostSnapshot captures a point-in-time view of per-host counters.
type HostSnapshot struct {
	Host     string
	Requests int64
	Denied   int64
}

// Totals aggregates counters across all clients.
type Totals struct {
	Requests int64
	Denied   int64
	Tunnels  int64
	BytesIn  int64
	BytesOut int64
}

// SnapshotClients returns current per-client stats.
func (c *Collector) SnapshotClients() []ClientSnapshot {
	var out []ClientSnapshot
	c.clients.Range(func(key, value any) bool {
		cs, _ := value.(*clientStats) //nolint:errcheck // type is guaranteed
		ip, _ := key.(string)         //nolint:errcheck // type is guaranteed
		out = append(out, ClientSnapshot{
			IP:       ip,
			Requests: cs.Requests.Load(),
			Denied:   cs.Denied.Load(),
			Tunnels:  cs.Tunnels.Load(),
			BytesIn:  cs.BytesIn.Load(),
			BytesOut: cs.BytesOut.Load(),
		})
		return true
	})
	return out
}

// SnapshotHosts returns current per-host stats.
func (c *Collector) SnapshotHosts() []HostSnapshot {
	var out []HostSnapshot
	c.hosts.Range(func(key, value any) bool {
		hs, _ := value.(*hostStats) //nolint:errcheck // type is guaranteed
		host, _ := key.(string)     //nolint:errcheck // type is guaranteed
		out = append(out, HostSnapshot{
			Host:     host,
			Requests: hs.Requests.Load(),
			Denied:   hs.Denied.Load(),
		})
		return true
	})
	return out
}

// Totals returns the sum of all client counters.
func (c *Collector) Totals() Totals {
	var t Totals
	for _, cs := range c.SnapshotClients() {
		t.Requests += cs.Requests
		t.Denied += cs.Denied
		t.Tunnels += cs.Tunnels
		t.BytesIn += cs.BytesIn
		t.BytesOut += cs.BytesOut
	}
	return t
}

// TopClients returns the n clients with the most requests. n <= 0 returns all.
func (c *Collector) TopClients(n int) []ClientSnapshot {
	return topClients(c.SnapshotClients(), n)
}

// TopHosts returns the n most requested hosts. n <= 0 returns all.
func (c *Collector) TopHosts(n int) []HostSnapshot {
	return topHosts(c.SnapshotHosts(), n, func(h HostSnapshot) int64 { return h.Requests })
}

// TopDenied returns the n hosts with the most denied requests, skipping
// hosts that were never denied.
func (c *Collector) TopDenied(n int) []HostSnapshot {
	var denied []HostSnapshot
	for _, h := range c.SnapshotHosts() {
		if h.Denied > 0 {
			denied = append(denied, h)
		}
	}
	return topHosts(denied, n, func(h HostSnapshot) int64 { return h.Denied })
}

func topClients(in []ClientSnapshot, n int) []ClientSnapshot {
	sort.Slice(in, func(i, j int) bool {
		if in[i].Requests != in[j].Requests {
			return in[i].Requests > in[j].Requests
		}
		return in[i].IP < in[j].IP
	})
	if n > 0 && len(in) > n {
		in = in[:n]
	}
	return in
}

func topHosts(in []HostSnapshot, n int, key func(HostSnapshot) int64) []HostSnapshot {
	sort.Slice(in, func(i, j int) bool {
		if ki, kj := key(in[i]), key(in[j]); ki != kj {
			return ki > kj
		}
		return in[i].Host < in[j].Host
	})
	if n > 0 && len(in) > n {
		in = in[:n]
	}
	return in
}
