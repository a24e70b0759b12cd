package stats

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

const hourFormat = "2006-01-02T15"

// DB manages the stats SQLite database and periodic flushing.
type DB struct {
	mu        sync.Mutex
	conn      *sqlite.Conn
	collector *Collector
	logger    *slog.Logger
	interval  time.Duration
	cancel    context.CancelFunc
	done      chan struct{}

	// Cumulative snapshots from the previous flush, used to compute deltas.
	lastClients map[string]ClientSnapshot
	lastHosts   map[string]HostSnapshot
}

// Open opens or creates a stats database at the given path.
func Open(dbPath string, collector *Collector, logger *slog.Logger, flushInterval time.Duration) (*DB, error) {
	conn, err := sqlite.OpenConn(dbPath, sqlite.OpenReadWrite|sqlite.OpenCreate)
	if err != nil {
		return nil, fmt.Errorf("open stats db: %w", err)
	}

	if logger == nil {
		logger = slog.Default()
	}

	db := &DB{
		conn:        conn,
		collector:   collector,
		logger:      logger,
		interval:    flushInterval,
		done:        make(chan struct{}),
		lastClients: make(map[string]ClientSnapshot),
		lastHosts:   make(map[string]HostSnapshot),
	}

	if err := db.ensureSchema(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("create stats schema: %w", err)
	}

	return db, nil
}

// Start begins the background flush loop.
func (db *DB) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	db.cancel = cancel

	go db.flushLoop(ctx)
}

// Close stops the flush loop, performs a final flush, and closes the database.
func (db *DB) Close() error {
	if db.cancel != nil {
		db.cancel()
		<-db.done
	}

	if err := db.Flush(); err != nil {
		db.logger.Error("final stats flush failed", "error", err)
	}

	return db.conn.Close()
}

// flushLoop runs periodic flushes until the context is cancelled.
func (db *DB) flushLoop(ctx context.Context) {
	defer close(db.done)

	ticker := time.NewTicker(db.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := db.Flush(); err != nil {
				db.logger.Error("stats flush failed", "error", err)
			}
		}
	}
}

// Flush computes deltas since the last flush and writes them to SQLite in
// one transaction.
func (db *DB) Flush() (err error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	hour := time.Now().UTC().Truncate(time.Hour).Format(hourFormat)

	defer sqlitex.Save(db.conn)(&err)

	currentClients := make(map[string]ClientSnapshot)
	for _, cs := range db.collector.SnapshotClients() {
		currentClients[cs.IP] = cs
		d := cs.sub(db.lastClients[cs.IP])
		if d.isZero() {
			continue
		}
		err = sqlitex.Execute(db.conn, `
			INSERT INTO traffic_hourly (hour, client_ip, requests, denied, tunnels, bytes_in, bytes_out)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (hour, client_ip) DO UPDATE SET
				requests  = requests  + excluded.requests,
				denied    = denied    + excluded.denied,
				tunnels   = tunnels   + excluded.tunnels,
				bytes_in  = bytes_in  + excluded.bytes_in,
				bytes_out = bytes_out + excluded.bytes_out
		`, &sqlitex.ExecOptions{
			Args: []any{hour, cs.IP, d.Requests, d.Denied, d.Tunnels, d.BytesIn, d.BytesOut},
		})
		if err != nil {
			return fmt.Errorf("upsert traffic_hourly: %w", err)
		}
	}

	currentHosts := make(map[string]HostSnapshot)
	for _, hs := range db.collector.SnapshotHosts() {
		currentHosts[hs.Host] = hs
		prev := db.lastHosts[hs.Host]
		dReqs := hs.Requests - prev.Requests
		dDenied := hs.Denied - prev.Denied
		if dReqs == 0 && dDenied == 0 {
			continue
		}
		err = sqlitex.Execute(db.conn, `
			INSERT INTO host_requests (host, requests, denied)
			VALUES (?, ?, ?)
			ON CONFLICT (host) DO UPDATE SET
				requests = requests + excluded.requests,
				denied   = denied   + excluded.denied
		`, &sqlitex.ExecOptions{
			Args: []any{hs.Host, dReqs, dDenied},
		})
		if err != nil {
			return fmt.Errorf("upsert host_requests: %w", err)
		}
	}

	// Only advance the baselines once every row is written.
	db.lastClients = currentClients
	db.lastHosts = currentHosts
	return nil
}

// MergedTopClients returns the top n clients by merging DB totals with
// unflushed in-memory deltas.
func (db *DB) MergedTopClients(n int) []ClientSnapshot {
	db.mu.Lock()
	defer db.mu.Unlock()
	merged := make(map[string]ClientSnapshot)

	_ = sqlitex.Execute(db.conn, `
		SELECT client_ip,
			SUM(requests), SUM(denied), SUM(tunnels), SUM(bytes_in), SUM(bytes_out)
		FROM traffic_hourly
		GROUP BY client_ip
	`, &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			cs := scanClient(stmt)
			merged[cs.IP] = cs
			return nil
		},
	})

	for _, cs := range db.collector.SnapshotClients() {
		d := cs.sub(db.lastClients[cs.IP])
		if d.isZero() {
			continue
		}
		m := merged[cs.IP]
		m.IP = cs.IP
		m.Requests += d.Requests
		m.Denied += d.Denied
		m.Tunnels += d.Tunnels
		m.BytesIn += d.BytesIn
		m.BytesOut += d.BytesOut
		merged[cs.IP] = m
	}

	out := make([]ClientSnapshot, 0, len(merged))
	for _, cs := range merged {
		out = append(out, cs)
	}
	return topClients(out, n)
}

// MergedTopHosts returns the top n hosts by request count, merging DB
// totals with unflushed in-memory deltas.
func (db *DB) MergedTopHosts(n int) []HostSnapshot {
	return topHosts(db.mergedHosts(), n, func(h HostSnapshot) int64 { return h.Requests })
}

// MergedTopDenied returns the top n hosts by denied count.
func (db *DB) MergedTopDenied(n int) []HostSnapshot {
	var denied []HostSnapshot
	for _, h := range db.mergedHosts() {
		if h.Denied > 0 {
			denied = append(denied, h)
		}
	}
	return topHosts(denied, n, func(h HostSnapshot) int64 { return h.Denied })
}

func (db *DB) mergedHosts() []HostSnapshot {
	db.mu.Lock()
	defer db.mu.Unlock()
	merged := make(map[string]HostSnapshot)

	_ = sqlitex.Execute(db.conn, `
		SELECT host, requests, denied FROM host_requests
	`, &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			h := HostSnapshot{
				Host:     stmt.ColumnText(0),
				Requests: stmt.ColumnInt64(1),
				Denied:   stmt.ColumnInt64(2),
			}
			merged[h.Host] = h
			return nil
		},
	})

	for _, hs := range db.collector.SnapshotHosts() {
		prev := db.lastHosts[hs.Host]
		m := merged[hs.Host]
		m.Host = hs.Host
		m.Requests += hs.Requests - prev.Requests
		m.Denied += hs.Denied - prev.Denied
		merged[hs.Host] = m
	}

	out := make([]HostSnapshot, 0, len(merged))
	for _, h := range merged {
		out = append(out, h)
	}
	return out
}

// TopClientsSince returns the top n flushed clients within a time window.
func (db *DB) TopClientsSince(n int, since time.Time) []ClientSnapshot {
	db.mu.Lock()
	defer db.mu.Unlock()
	sinceHour := since.UTC().Truncate(time.Hour).Format(hourFormat)
	var out []ClientSnapshot
	_ = sqlitex.Execute(db.conn, `
		SELECT client_ip,
			SUM(requests) AS total_requests,
			SUM(denied), SUM(tunnels), SUM(bytes_in), SUM(bytes_out)
		FROM traffic_hourly
		WHERE hour >= ?
		GROUP BY client_ip
		ORDER BY total_requests DESC, client_ip LIMIT ?
	`, &sqlitex.ExecOptions{
		Args: []any{sinceHour, n},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			out = append(out, scanClient(stmt))
			return nil
		},
	})
	return out
}

// TrafficTotalsSince returns aggregate flushed traffic within a time window.
func (db *DB) TrafficTotalsSince(since time.Time) Totals {
	db.mu.Lock()
	defer db.mu.Unlock()
	sinceHour := since.UTC().Truncate(time.Hour).Format(hourFormat)
	var t Totals
	_ = sqlitex.Execute(db.conn, `
		SELECT COALESCE(SUM(requests), 0),
			COALESCE(SUM(denied), 0),
			COALESCE(SUM(tunnels), 0),
			COALESCE(SUM(bytes_in), 0),
			COALESCE(SUM(bytes_out), 0)
		FROM traffic_hourly
		WHERE hour >= ?
	`, &sqlitex.ExecOptions{
		Args: []any{sinceHour},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			t = Totals{
				Requests: stmt.ColumnInt64(0),
				Denied:   stmt.ColumnInt64(1),
				Tunnels:  stmt.ColumnInt64(2),
				BytesIn:  stmt.ColumnInt64(3),
				BytesOut: stmt.ColumnInt64(4),
			}
			return nil
		},
	})
	return t
}

func scanClient(stmt *sqlite.Stmt) ClientSnapshot {
	return ClientSnapshot{
		IP:       stmt.ColumnText(0),
		Requests: stmt.ColumnInt64(1),
		Denied:   stmt.ColumnInt64(2),
		Tunnels:  stmt.ColumnInt64(3),
		BytesIn:  stmt.ColumnInt64(4),
		BytesOut: stmt.ColumnInt64(5),
	}
}

// ensureSchema creates the stats tables.
func (db *DB) ensureSchema() error {
	return sqlitex.ExecuteScript(db.conn, `
		CREATE TABLE IF NOT EXISTS traffic_hourly (
			hour      TEXT NOT NULL,
			client_ip TEXT NOT NULL,
			requests  INTEGER NOT NULL DEFAULT 0,
			denied    INTEGER NOT NULL DEFAULT 0,
			tunnels   INTEGER NOT NULL DEFAULT 0,
			bytes_in  INTEGER NOT NULL DEFAULT 0,
			bytes_out INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (hour, client_ip)
		) WITHOUT ROWID;

		CREATE TABLE IF NOT EXISTS host_requests (
			host     TEXT NOT NULL PRIMARY KEY,
			requests INTEGER NOT NULL DEFAULT 0,
			denied   INTEGER NOT NULL DEFAULT 0
		) WITHOUT ROWID;

		CREATE INDEX IF NOT EXISTS idx_traffic_hourly_hour ON traffic_hourly(hour);
	`, nil)
}
