/*
Package proxy implements the authenticating HTTP/HTTPS forward proxy.

Every proxied request passes access control before anything is sent to
the network. CONNECT requests are hijacked and handed to the tunnel
manager; all other methods are forwarded to the origin by the HTTP
forwarder. Requests for the management path prefix in origin form
(e.g. GET /ag/heartbeat) are answered locally without authentication.

A panic while handling one request is recovered, logged, and answered
with a 500 (or a closed socket for tunnels); other connections are
unaffected.
*/
package proxy

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Jigsaw-Code/outline-sdk/transport"
	"github.com/ushineko/allowgate/internal/access"
	"github.com/ushineko/allowgate/internal/metrics"
	"github.com/ushineko/allowgate/internal/tunnel"
)

// Server is the proxy front end.
type Server struct {
	httpServer       *http.Server
	logger           *slog.Logger
	verbose          bool
	startTime        time.Time
	access           *access.Controller
	tunnels          *tunnel.Manager
	transport        http.RoundTripper
	metrics          *metrics.Metrics
	limiter          *clientLimiter
	managementPrefix string
	forward          ForwardOptions
	cors             CORSOptions
	idleTimeout      time.Duration

	// Management endpoint handlers.
	heartbeatHandler http.HandlerFunc
	statsHandler     http.HandlerFunc
	logsHandler      http.HandlerFunc

	// Stats callbacks.
	onRequest     func(clientIP, host string, denied bool, bytesIn, bytesOut int64)
	onTunnelClose func(clientIP string, bytesIn, bytesOut int64)

	connectionsTotal  atomic.Int64
	connectionsActive atomic.Int64

	shutdownOnce sync.Once
}

// ForwardOptions controls how plain HTTP requests are rewritten.
type ForwardOptions struct {
	// Anonymize strips X-Forwarded-For, Via, Forwarded and X-Real-IP.
	// When false a Via header naming the proxy is appended.
	Anonymize bool
	// UserAgent, if set, replaces the client's User-Agent and sets Referer
	// to the target's origin.
	UserAgent string
	// FollowRedirects makes the proxy follow origin redirects itself.
	// Every hop is checked against the allow-list.
	FollowRedirects bool
}

// CORSOptions controls CORS header injection and preflight synthesis.
type CORSOptions struct {
	Enabled bool
	MaxAge  time.Duration
}

// RateLimitOptions configures the per-client request limiter.
type RateLimitOptions struct {
	Enabled           bool
	RequestsPerSecond float64
	Burst             int
}

// TunnelOptions configures CONNECT tunnels.
type TunnelOptions struct {
	HalfClose  bool
	ProxyAgent string
}

// Config holds proxy server configuration.
type Config struct {
	// ListenAddr is the address to listen on (e.g., ":8080").
	ListenAddr string
	// Logger is the structured logger to use. If nil, slog.Default is used.
	Logger *slog.Logger
	// Verbose enables request/response header logging (secrets redacted).
	Verbose bool
	// Access authorizes every proxied request. Required.
	Access *access.Controller
	// Dialer opens outbound connections for both tunnels and forwarded
	// requests. If nil, plain TCP is used.
	Dialer transport.StreamDialer
	// ConnectTimeout bounds outbound dials. Zero uses the default (30s).
	ConnectTimeout time.Duration
	// IdleTimeout aborts a forwarded exchange when no body bytes move and
	// no response headers arrive for this long, and closes tunnels with no
	// traffic. Zero uses the default (30s) for forwarding and disables the
	// tunnel idle timeout.
	IdleTimeout time.Duration
	// ReadHeaderTimeout bounds reading client request headers. Zero uses the default (10s).
	ReadHeaderTimeout time.Duration
	// ManagementPrefix is the URL path prefix for management endpoints. Empty uses "/ag".
	ManagementPrefix string
	Forward          ForwardOptions
	CORS             CORSOptions
	RateLimit        RateLimitOptions
	Tunnel           TunnelOptions
	// Metrics records proxy metrics and serves {prefix}/metrics. May be nil.
	Metrics *metrics.Metrics
	// HeartbeatHandler handles {prefix}/heartbeat. If nil, returns 404.
	HeartbeatHandler http.HandlerFunc
	// StatsHandler handles {prefix}/stats. If nil, returns 404.
	StatsHandler http.HandlerFunc
	// LogsHandler handles {prefix}/logs. If nil, returns 404.
	LogsHandler http.HandlerFunc
	// OnRequest is called after each proxied request is decided or finished.
	OnRequest func(clientIP, host string, denied bool, bytesIn, bytesOut int64)
	// OnTunnelClose is called when a CONNECT tunnel closes with final byte counts.
	OnTunnelClose func(clientIP string, bytesIn, bytesOut int64)
}

const (
	defaultConnectTimeout    = 30 * time.Second
	defaultIdleTimeout       = 30 * time.Second
	defaultReadHeaderTimeout = 10 * time.Second
	defaultManagementPrefix  = "/ag"
)

// New creates a new proxy server with the given configuration.
func New(cfg *Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	connectTimeout := cfg.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = defaultConnectTimeout
	}

	readHeaderTimeout := cfg.ReadHeaderTimeout
	if readHeaderTimeout <= 0 {
		readHeaderTimeout = defaultReadHeaderTimeout
	}

	responseTimeout := cfg.IdleTimeout
	if responseTimeout <= 0 {
		responseTimeout = defaultIdleTimeout
	}

	mgmtPrefix := strings.TrimSuffix(cfg.ManagementPrefix, "/")
	if mgmtPrefix == "" {
		mgmtPrefix = defaultManagementPrefix
	}

	dialer := cfg.Dialer
	if dialer == nil {
		dialer = &transport.TCPDialer{Dialer: net.Dialer{Timeout: connectTimeout}}
	}

	s := &Server{
		logger:           logger,
		verbose:          cfg.Verbose,
		startTime:        time.Now(),
		access:           cfg.Access,
		metrics:          cfg.Metrics,
		managementPrefix: mgmtPrefix,
		forward:          cfg.Forward,
		cors:             cfg.CORS,
		idleTimeout:      responseTimeout,
		heartbeatHandler: cfg.HeartbeatHandler,
		statsHandler:     cfg.StatsHandler,
		logsHandler:      cfg.LogsHandler,
		onRequest:        cfg.OnRequest,
		onTunnelClose:    cfg.OnTunnelClose,
	}

	if cfg.RateLimit.Enabled {
		s.limiter = newClientLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst)
	}

	s.transport = newTransport(dialer, connectTimeout, responseTimeout)

	s.tunnels = tunnel.NewManager(tunnel.Config{
		Dialer:         dialer,
		ConnectTimeout: connectTimeout,
		IdleTimeout:    cfg.IdleTimeout,
		HalfClose:      cfg.Tunnel.HalfClose,
		ProxyAgent:     cfg.Tunnel.ProxyAgent,
		Logger:         logger,
		Metrics:        cfg.Metrics,
		OnClose:        s.tunnelClosed,
	})

	s.httpServer = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           s,
		ReadHeaderTimeout: readHeaderTimeout,
		ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelDebug),
	}

	return s
}

// ServeHTTP dispatches incoming requests to the management handler, the
// CONNECT tunnel handler, or the HTTP forwarder.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.connectionsTotal.Add(1)
	s.connectionsActive.Add(1)
	defer s.connectionsActive.Add(-1)

	tw := &trackingWriter{ResponseWriter: w}
	defer s.recoverPanic(tw, r)

	// Management endpoints are only reachable in origin form.
	if r.Method != http.MethodConnect && r.URL.Host == "" &&
		strings.HasPrefix(r.URL.Path, s.managementPrefix+"/") {
		s.handleManagement(tw, r)
		return
	}

	if s.limiter != nil && !s.limiter.Allow(clientIP(r.RemoteAddr)) {
		s.metrics.RateLimited()
		http.Error(tw, "rate limit exceeded", http.StatusTooManyRequests)
		s.logger.Warn("rate limited",
			"method", r.Method,
			"host", r.Host,
			"remote", r.RemoteAddr,
		)
		return
	}

	if r.Method == http.MethodConnect {
		s.handleConnect(tw, r)
		return
	}

	s.handleHTTP(tw, r)
}

// deny answers a request refused by access control. Nothing is sent to
// the target.
func (s *Server) deny(w http.ResponseWriter, r *http.Request, d access.Decision) {
	status := d.Status()
	if status == http.StatusProxyAuthRequired {
		for _, c := range s.access.Challenges() {
			w.Header().Add("Proxy-Authenticate", c)
		}
	}
	http.Error(w, d.Reason(), status)
	if s.onRequest != nil {
		s.onRequest(clientIP(r.RemoteAddr), d.Host, true, 0, 0)
	}
}

func (s *Server) tunnelClosed(sess *tunnel.Session) {
	if s.onTunnelClose == nil {
		return
	}
	s.onTunnelClose(clientIP(sess.Client().RemoteAddr().String()), sess.BytesUp(), sess.BytesDown())
}

// ListenAndServe starts the proxy server.
func (s *Server) ListenAndServe() error {
	s.logger.Info("proxy listening",
		"addr", s.httpServer.Addr,
	)
	return s.httpServer.ListenAndServe()
}

// Serve accepts connections on ln.
func (s *Server) Serve(ln net.Listener) error {
	s.logger.Info("proxy listening",
		"addr", ln.Addr().String(),
	)
	return s.httpServer.Serve(ln)
}

// Shutdown gracefully shuts down the proxy server. Idle keep-alive
// connections are closed, in-flight forwards are drained until ctx
// expires, and open tunnels are closed.
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	s.shutdownOnce.Do(func() {
		s.logger.Info("proxy shutting down",
			"tunnels_active", s.tunnels.Active(),
		)
		err = s.httpServer.Shutdown(ctx)
		s.tunnels.CloseAll()
		if errors.Is(err, context.DeadlineExceeded) {
			s.logger.Warn("shutdown deadline reached with requests in flight")
		}
	})
	return err
}

// ConnectionsTotal returns the total number of requests handled.
func (s *Server) ConnectionsTotal() int64 {
	return s.connectionsTotal.Load()
}

// ConnectionsActive returns the number of requests currently being handled,
// including open tunnels.
func (s *Server) ConnectionsActive() int64 {
	return s.connectionsActive.Load()
}

// TunnelsActive returns the number of open CONNECT tunnels.
func (s *Server) TunnelsActive() int64 {
	return s.tunnels.Active()
}

// TunnelsTotal returns the number of tunnels established since startup.
func (s *Server) TunnelsTotal() int64 {
	return s.tunnels.Total()
}

// Uptime returns the duration since the server was created.
func (s *Server) Uptime() time.Duration {
	return time.Since(s.startTime)
}

// StartedAt returns the time the server was created.
func (s *Server) StartedAt() time.Time {
	return s.startTime
}

// SetHandlers replaces the management endpoint handlers after construction.
// This allows creating the handlers with a reference to the Server itself.
func (s *Server) SetHandlers(heartbeat, stats http.HandlerFunc) {
	s.heartbeatHandler = heartbeat
	s.statsHandler = stats
}

// clientIP returns the host part of a remote address.
func clientIP(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}
