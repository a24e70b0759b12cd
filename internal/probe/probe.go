/*
Package probe implements the heartbeat and stats management endpoints.

Heartbeat reports liveness, version, uptime, connection and tunnel
counters, the size of the active policy, and process resources. Stats
reports traffic counters per client and per target host, merged from the
stats database when persistence is enabled.
*/
package probe

import (
	"context"
	"encoding/json"
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/ushineko/allowgate/internal/policy"
	"github.com/ushineko/allowgate/internal/stats"
	"github.com/ushineko/allowgate/internal/version"
)

const (
	serviceName = "allowgate"
	defaultTopN = 10
	maxTopN     = 100
)

// ServerInfo provides server counters to the management endpoints.
type ServerInfo interface {
	ConnectionsTotal() int64
	ConnectionsActive() int64
	TunnelsActive() int64
	TunnelsTotal() int64
	Uptime() time.Duration
	StartedAt() time.Time
}

// PolicyBlock summarizes the active policy without exposing secrets.
type PolicyBlock struct {
	Users     int `json:"users"`
	Tokens    int `json:"tokens"`
	Allowlist int `json:"allowlist"`
}

// HeartbeatResponse is the JSON structure returned by the heartbeat endpoint.
type HeartbeatResponse struct {
	Status            string         `json:"status"`
	Service           string         `json:"service"`
	Version           string         `json:"version"`
	OS                string         `json:"os"`
	Arch              string         `json:"arch"`
	GoVersion         string         `json:"go_version"`
	StartedAt         string         `json:"started_at"`
	UptimeSeconds     int64          `json:"uptime_seconds"`
	ConnectionsTotal  int64          `json:"connections_total"`
	ConnectionsActive int64          `json:"connections_active"`
	TunnelsActive     int64          `json:"tunnels_active"`
	TunnelsTotal      int64          `json:"tunnels_total"`
	Policy            PolicyBlock    `json:"policy"`
	Resources         ResourcesBlock `json:"resources"`
}

// HeartbeatHandler returns the handler for {prefix}/heartbeat. store may be
// nil, in which case policy sizes are reported as zero.
func HeartbeatHandler(info ServerInfo, store *policy.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		var pb PolicyBlock
		if store != nil {
			p := store.Load()
			pb = PolicyBlock{
				Users:     p.UserCount(),
				Tokens:    p.TokenCount(),
				Allowlist: len(p.Allowlist()),
			}
		}

		writeJSON(w, HeartbeatResponse{
			Status:            "ok",
			Service:           serviceName,
			Version:           version.Short(),
			OS:                runtime.GOOS,
			Arch:              runtime.GOARCH,
			GoVersion:         runtime.Version(),
			StartedAt:         info.StartedAt().UTC().Format(time.RFC3339),
			UptimeSeconds:     int64(info.Uptime().Seconds()),
			ConnectionsTotal:  info.ConnectionsTotal(),
			ConnectionsActive: info.ConnectionsActive(),
			TunnelsActive:     info.TunnelsActive(),
			TunnelsTotal:      info.TunnelsTotal(),
			Policy:            pb,
			Resources:         collectResources(),
		})
	}
}

// StatsProvider holds the data sources for the stats endpoint.
type StatsProvider struct {
	Info      ServerInfo
	Collector *stats.Collector
	// DB is nil when persistence is disabled; in-memory counters are used.
	DB *stats.DB
	// Resolver adds reverse DNS names to client entries. May be nil.
	Resolver *ReverseDNS
}

// ClientEntry is one client in the stats response.
type ClientEntry struct {
	IP       string `json:"ip"`
	Hostname string `json:"hostname,omitempty"`
	Requests int64  `json:"requests"`
	Denied   int64  `json:"denied"`
	Tunnels  int64  `json:"tunnels"`
	BytesIn  int64  `json:"bytes_in"`
	BytesOut int64  `json:"bytes_out"`
}

// HostEntry is one target host in the stats response.
type HostEntry struct {
	Host     string `json:"host"`
	Requests int64  `json:"requests"`
	Denied   int64  `json:"denied"`
}

// TotalsBlock holds aggregate counters.
type TotalsBlock struct {
	Requests int64 `json:"requests"`
	Denied   int64 `json:"denied"`
	Tunnels  int64 `json:"tunnels"`
	BytesIn  int64 `json:"bytes_in"`
	BytesOut int64 `json:"bytes_out"`
}

// StatsResponse is the JSON structure returned by the stats endpoint.
type StatsResponse struct {
	UptimeSeconds     int64         `json:"uptime_seconds"`
	ConnectionsTotal  int64         `json:"connections_total"`
	ConnectionsActive int64         `json:"connections_active"`
	TunnelsActive     int64         `json:"tunnels_active"`
	Persistent        bool          `json:"persistent"`
	Totals            TotalsBlock   `json:"totals"`
	TopClients        []ClientEntry `json:"top_clients"`
	TopHosts          []HostEntry   `json:"top_hosts"`
	TopDenied         []HostEntry   `json:"top_denied"`
	Window            *WindowBlock  `json:"window,omitempty"`
}

// WindowBlock summarizes flushed traffic within a trailing time window.
type WindowBlock struct {
	Seconds    int64         `json:"seconds"`
	Totals     TotalsBlock   `json:"totals"`
	TopClients []ClientEntry `json:"top_clients"`
}

// StatsHandler returns the handler for {prefix}/stats. The optional query
// parameter n limits each top list (default 10, max 100). With persistence
// enabled, window (a Go duration such as 24h) adds totals and top clients
// for that trailing period.
func StatsHandler(sp *StatsProvider) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		n := defaultTopN
		if v := r.URL.Query().Get("n"); v != "" {
			parsed, err := strconv.Atoi(v)
			if err != nil || parsed < 1 {
				http.Error(w, "invalid n", http.StatusBadRequest)
				return
			}
			n = min(parsed, maxTopN)
		}

		var window time.Duration
		if v := r.URL.Query().Get("window"); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil || d <= 0 {
				http.Error(w, "invalid window", http.StatusBadRequest)
				return
			}
			if sp.DB == nil {
				http.Error(w, "window requires persistent stats", http.StatusBadRequest)
				return
			}
			window = d
		}

		var (
			clients []stats.ClientSnapshot
			hosts   []stats.HostSnapshot
			denied  []stats.HostSnapshot
		)
		if sp.DB != nil {
			clients = sp.DB.MergedTopClients(n)
			hosts = sp.DB.MergedTopHosts(n)
			denied = sp.DB.MergedTopDenied(n)
		} else {
			clients = sp.Collector.TopClients(n)
			hosts = sp.Collector.TopHosts(n)
			denied = sp.Collector.TopDenied(n)
		}

		// Totals reflect this process's lifetime.
		tot := sp.Collector.Totals()

		resp := StatsResponse{
			UptimeSeconds:     int64(sp.Info.Uptime().Seconds()),
			ConnectionsTotal:  sp.Info.ConnectionsTotal(),
			ConnectionsActive: sp.Info.ConnectionsActive(),
			TunnelsActive:     sp.Info.TunnelsActive(),
			Persistent:        sp.DB != nil,
			Totals:            totalsBlock(tot),
			TopHosts:          hostEntries(hosts),
			TopDenied:         hostEntries(denied),
		}
		resp.TopClients = clientEntries(clients)

		if window > 0 {
			since := time.Now().Add(-window)
			wt := sp.DB.TrafficTotalsSince(since)
			resp.Window = &WindowBlock{
				Seconds:    int64(window.Seconds()),
				Totals:     totalsBlock(wt),
				TopClients: clientEntries(sp.DB.TopClientsSince(n, since)),
			}
		}

		if sp.Resolver != nil {
			lists := [][]ClientEntry{resp.TopClients}
			if resp.Window != nil {
				lists = append(lists, resp.Window.TopClients)
			}
			resolveHostnames(r.Context(), sp.Resolver, lists...)
		}

		writeJSON(w, resp)
	}
}

func clientEntries(in []stats.ClientSnapshot) []ClientEntry {
	out := make([]ClientEntry, 0, len(in))
	for _, c := range in {
		out = append(out, ClientEntry{
			IP:       c.IP,
			Requests: c.Requests,
			Denied:   c.Denied,
			Tunnels:  c.Tunnels,
			BytesIn:  c.BytesIn,
			BytesOut: c.BytesOut,
		})
	}
	return out
}

// resolveHostnames fills Hostname on every entry with one batched lookup.
func resolveHostnames(ctx context.Context, r *ReverseDNS, lists ...[]ClientEntry) {
	var ips []string
	for _, l := range lists {
		for _, e := range l {
			ips = append(ips, e.IP)
		}
	}
	names := r.LookupAll(ctx, ips)
	for _, l := range lists {
		for i := range l {
			l[i].Hostname = names[l[i].IP]
		}
	}
}

func totalsBlock(t stats.Totals) TotalsBlock {
	return TotalsBlock{
		Requests: t.Requests,
		Denied:   t.Denied,
		Tunnels:  t.Tunnels,
		BytesIn:  t.BytesIn,
		BytesOut: t.BytesOut,
	}
}

func hostEntries(in []stats.HostSnapshot) []HostEntry {
	out := make([]HostEntry, 0, len(in))
	for _, h := range in {
		out = append(out, HostEntry{Host: h.Host, Requests: h.Requests, Denied: h.Denied})
	}
	return out
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(v) //nolint:gosec // best-effort response
}
