/*
Package tunnel implements CONNECT tunnels: dialing the target, confirming
the tunnel to the client, and relaying raw bytes in both directions until
either side goes away.

A Session moves through Dialing, Established, Relaying, Closing and
Closed, or Dialing to Failed when the target cannot be reached. Both
sockets are closed exactly once no matter which side ends the session.
Copying uses fixed-size buffers so a slow reader on one side throttles the
writer on the other.
*/
package tunnel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Jigsaw-Code/outline-sdk/transport"
	"github.com/ushineko/allowgate/internal/metrics"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrDial is wrapped by errors returned from Open when the target could
	// not be reached.
	ErrDial = errors.New("dial target")
	// ErrClosed is returned by Open once CloseAll has been called.
	ErrClosed = errors.New("tunnel manager closed")
)

const (
	defaultConnectTimeout = 30 * time.Second
	copyBufferSize        = 32 * 1024
)

// State is a tunnel lifecycle state.
type State int32

// Tunnel states.
const (
	StateDialing State = iota
	StateEstablished
	StateRelaying
	StateClosing
	StateClosed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDialing:
		return "dialing"
	case StateEstablished:
		return "established"
	case StateRelaying:
		return "relaying"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Config holds Manager configuration.
type Config struct {
	// Dialer opens target connections. If nil, a TCP dialer is used.
	Dialer transport.StreamDialer
	// ConnectTimeout bounds the target dial. Zero uses the default (30s).
	ConnectTimeout time.Duration
	// IdleTimeout closes a tunnel when no bytes move in either direction
	// for this long. Zero disables the idle timeout.
	IdleTimeout time.Duration
	// HalfClose forwards EOF from one side as a write-close on the other
	// and keeps the opposite direction running. When false, the first EOF
	// closes both sockets.
	HalfClose bool
	// ProxyAgent, if set, is sent as a Proxy-Agent header in the
	// Connection Established response.
	ProxyAgent string
	// Logger is the structured logger to use. If nil, slog.Default is used.
	Logger *slog.Logger
	// Metrics records tunnel counts and bytes. May be nil.
	Metrics *metrics.Metrics
	// OnClose is called once per established session after relaying ends.
	OnClose func(s *Session)
}

// Manager opens and tracks tunnel sessions.
type Manager struct {
	dialer         transport.StreamDialer
	connectTimeout time.Duration
	idleTimeout    time.Duration
	halfClose      bool
	established    []byte
	logger         *slog.Logger
	metrics        *metrics.Metrics
	onClose        func(s *Session)

	// done is canceled by CloseAll and aborts dials still in flight.
	done   context.Context
	cancel context.CancelFunc

	mu       sync.Mutex // guards closed and sessions registration
	closed   bool
	sessions sync.Map // *Session -> struct{}
	active   atomic.Int64
	total    atomic.Int64
}

// NewManager creates a Manager.
func NewManager(cfg Config) *Manager {
	connectTimeout := cfg.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = defaultConnectTimeout
	}

	dialer := cfg.Dialer
	if dialer == nil {
		dialer = &transport.TCPDialer{Dialer: net.Dialer{Timeout: connectTimeout}}
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	established := "HTTP/1.1 200 Connection Established\r\n"
	if cfg.ProxyAgent != "" {
		established += "Proxy-Agent: " + cfg.ProxyAgent + "\r\n"
	}
	established += "\r\n"

	done, cancel := context.WithCancel(context.Background())

	return &Manager{
		done:           done,
		cancel:         cancel,
		dialer:         dialer,
		connectTimeout: connectTimeout,
		idleTimeout:    cfg.IdleTimeout,
		halfClose:      cfg.HalfClose,
		established:    []byte(established),
		logger:         logger,
		metrics:        cfg.Metrics,
		onClose:        cfg.OnClose,
	}
}

// Open dials target and, on success, writes the Connection Established line
// to client. On dial failure it writes 502 (504 on timeout) to client,
// closes it, and returns an error wrapping ErrDial. After CloseAll it
// writes 503, closes client and returns ErrClosed. Open must only be
// called for requests that passed access control. The returned Session
// owns both connections; the caller must run Relay on it.
func (m *Manager) Open(ctx context.Context, client net.Conn, target string) (*Session, error) {
	if m.isClosed() {
		return nil, m.refuseClosed(client, nil)
	}

	s := &Session{
		client:  client,
		addr:    target,
		created: time.Now(),
		manager: m,
	}
	s.state.Store(int32(StateDialing))

	dialCtx, cancel := context.WithTimeout(ctx, m.connectTimeout)
	defer cancel()
	stop := context.AfterFunc(m.done, cancel)
	defer stop()

	conn, err := m.dialer.DialStream(dialCtx, target)
	if err != nil {
		s.state.Store(int32(StateFailed))
		if m.isClosed() {
			return nil, m.refuseClosed(client, nil)
		}
		status := http.StatusBadGateway
		if isTimeout(err) {
			status = http.StatusGatewayTimeout
		}
		_ = WriteStatus(client, status, nil) //nolint:errcheck // client may already be gone
		_ = client.Close()
		m.metrics.TunnelOpened("dial_failed")
		return nil, fmt.Errorf("%w %s: %w", ErrDial, target, err)
	}
	s.target = conn

	// Register before confirming so CloseAll either sees the session or
	// Open sees the manager closed.
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		s.state.Store(int32(StateFailed))
		return nil, m.refuseClosed(client, conn)
	}
	m.sessions.Store(s, struct{}{})
	m.active.Add(1)
	m.mu.Unlock()

	if _, err := client.Write(m.established); err != nil {
		s.state.Store(int32(StateFailed))
		m.sessions.Delete(s)
		m.active.Add(-1)
		_ = conn.Close()
		_ = client.Close()
		m.metrics.TunnelOpened("client_gone")
		return nil, fmt.Errorf("confirm tunnel to client: %w", err)
	}

	s.state.CompareAndSwap(int32(StateDialing), int32(StateEstablished))
	s.touch()
	m.total.Add(1)
	m.metrics.TunnelOpened("established")
	return s, nil
}

func (m *Manager) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// refuseClosed answers 503 to a client that arrived during shutdown and
// closes both sides. target is nil unless the dial already succeeded.
func (m *Manager) refuseClosed(client, target net.Conn) error {
	if target != nil {
		_ = target.Close()
	}
	_ = WriteStatus(client, http.StatusServiceUnavailable, nil) //nolint:errcheck // client may already be gone
	_ = client.Close()
	m.metrics.TunnelOpened("shutdown")
	return ErrClosed
}

// Active returns the number of established sessions that have not closed.
func (m *Manager) Active() int64 {
	return m.active.Load()
}

// Total returns the number of sessions established since startup.
func (m *Manager) Total() int64 {
	return m.total.Load()
}

// CloseAll closes every open session and stops new ones: dials in flight
// are canceled and later calls to Open fail with ErrClosed. Relays observe
// the close and finish.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.cancel()

	m.sessions.Range(func(key, _ any) bool {
		if s, ok := key.(*Session); ok {
			_ = s.Close()
		}
		return true
	})
}

// Session is one CONNECT tunnel.
type Session struct {
	client  net.Conn
	target  net.Conn
	addr    string
	created time.Time
	manager *Manager

	state        atomic.Int32
	up           atomic.Int64 // client -> target
	down         atomic.Int64 // target -> client
	lastActivity atomic.Int64 // unix nanos

	closeOnce  sync.Once
	finishOnce sync.Once
}

// Relay copies bytes in both directions until the tunnel ends, then closes
// both connections. It returns the first error that was not caused by the
// tunnel's own teardown; a clean EOF or idle timeout returns nil.
func (s *Session) Relay() error {
	s.state.CompareAndSwap(int32(StateEstablished), int32(StateRelaying))
	defer s.finish()

	var g errgroup.Group
	g.Go(func() error { return s.pipe(s.target, s.client, &s.up) })
	g.Go(func() error { return s.pipe(s.client, s.target, &s.down) })
	err := g.Wait()
	_ = s.Close()
	return err
}

// pipe copies src to dst until EOF or error. On EOF it either half-closes
// dst or closes the whole session; on error it always closes the session.
func (s *Session) pipe(dst, src net.Conn, counter *atomic.Int64) error {
	idle := s.manager.idleTimeout
	buf := make([]byte, copyBufferSize)

	for {
		if idle > 0 {
			_ = src.SetReadDeadline(time.Now().Add(idle))
		}
		n, rerr := src.Read(buf)
		if n > 0 {
			s.touch()
			if idle > 0 {
				_ = dst.SetWriteDeadline(time.Now().Add(idle))
			}
			if _, werr := dst.Write(buf[:n]); werr != nil {
				_ = s.Close()
				return s.filter(werr)
			}
			counter.Add(int64(n))
		}
		if rerr == nil {
			continue
		}

		if errors.Is(rerr, io.EOF) {
			if s.manager.halfClose && closeWrite(dst) == nil {
				return nil
			}
			_ = s.Close()
			return nil
		}

		if idle > 0 && errors.Is(rerr, os.ErrDeadlineExceeded) {
			// The other direction may still be busy.
			if s.sinceActivity() < idle {
				continue
			}
			_ = s.Close()
			return nil
		}

		_ = s.Close()
		return s.filter(rerr)
	}
}

// filter hides errors produced by our own Close of the session.
func (s *Session) filter(err error) error {
	closedByUs := errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe)
	if closedByUs && s.State() >= StateClosing {
		return nil
	}
	return err
}

// Close closes both connections. It is safe to call more than once and
// from any goroutine; calls after the first return nil.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		if s.State() < StateClosing {
			s.state.Store(int32(StateClosing))
		}
		if s.target != nil {
			_ = s.target.Close()
		}
		_ = s.client.Close()
	})
	return nil
}

// finish runs the close hooks once after relaying ends.
func (s *Session) finish() {
	s.finishOnce.Do(func() {
		s.state.Store(int32(StateClosed))
		m := s.manager
		m.sessions.Delete(s)
		m.active.Add(-1)
		m.metrics.TunnelClosed(s.BytesUp(), s.BytesDown(), s.Duration())
		m.logger.Debug("tunnel closed",
			"target", s.addr,
			"duration_ms", s.Duration().Milliseconds(),
			"upload_bytes", s.BytesUp(),
			"download_bytes", s.BytesDown(),
		)
		if m.onClose != nil {
			m.onClose(s)
		}
	})
}

// State returns the current lifecycle state.
func (s *Session) State() State { return State(s.state.Load()) }

// Target returns the host:port the tunnel was opened to.
func (s *Session) Target() string { return s.addr }

// Client returns the client side connection.
func (s *Session) Client() net.Conn { return s.client }

// BytesUp returns bytes relayed from client to target.
func (s *Session) BytesUp() int64 { return s.up.Load() }

// BytesDown returns bytes relayed from target to client.
func (s *Session) BytesDown() int64 { return s.down.Load() }

// Duration returns the time since the session was created.
func (s *Session) Duration() time.Duration { return time.Since(s.created) }

func (s *Session) touch() {
	s.lastActivity.Store(time.Now().UnixNano())
}

func (s *Session) sinceActivity() time.Duration {
	return time.Since(time.Unix(0, s.lastActivity.Load()))
}

func closeWrite(c net.Conn) error {
	if cw, ok := c.(interface{ CloseWrite() error }); ok {
		return cw.CloseWrite()
	}
	return errors.ErrUnsupported
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
