package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Jigsaw-Code/outline-sdk/transport"
	"github.com/ushineko/allowgate/internal/access"
)

const (
	maxRedirects       = 10
	forwardBufferSize  = 32 * 1024
	idleConnTimeout    = 90 * time.Second
	maxIdleConnsPerHop = 16
)

var (
	errMissingHost      = errors.New("request has no target host")
	errRedirectDenied   = errors.New("redirect target not permitted")
	errTooManyRedirects = errors.New("too many redirects")
	errIdleTimeout      = fmt.Errorf("no data within idle timeout: %w", os.ErrDeadlineExceeded)
)

// newTransport builds the shared origin transport. Every outbound
// connection is opened through dialer so forwarded requests and tunnels
// reach the network the same way.
func newTransport(dialer transport.StreamDialer, connectTimeout, responseTimeout time.Duration) *http.Transport {
	return &http.Transport{
		Proxy: nil,
		DialContext: func(ctx context.Context, _, addr string) (net.Conn, error) {
			ctx, cancel := context.WithTimeout(ctx, connectTimeout)
			defer cancel()
			return dialer.DialStream(ctx, addr)
		},
		TLSHandshakeTimeout:   connectTimeout,
		ResponseHeaderTimeout: responseTimeout,
		IdleConnTimeout:       idleConnTimeout,
		MaxIdleConnsPerHost:   maxIdleConnsPerHop,
		DisableCompression:    true,
	}
}

// handleHTTP authorizes and forwards a non-CONNECT request.
func (s *Server) handleHTTP(w http.ResponseWriter, r *http.Request) {
	target, err := resolveTarget(r)
	if err != nil {
		http.Error(w, "bad request: "+err.Error(), http.StatusBadRequest)
		return
	}
	host := target.Hostname()

	if s.verbose {
		s.logger.Debug("request headers",
			"method", r.Method,
			"url", target.String(),
			"headers", flattenHeaders(r.Header),
		)
	}

	if s.cors.Enabled && r.Method == http.MethodOptions {
		d := s.access.Authenticate(r.Header, host)
		if !d.Allowed {
			s.deny(w, r, d)
			return
		}
		s.writePreflight(w, r)
		return
	}

	d := s.access.Authorize(r.Header, host)
	if !d.Allowed {
		s.deny(w, r, d)
		return
	}

	s.forwardRequest(w, r, target, d)
}

// resolveTarget returns the absolute URL a request should be sent to: the
// absolute-form request URI when present, otherwise the Host header plus
// the request path.
func resolveTarget(r *http.Request) (*url.URL, error) {
	if r.URL.IsAbs() {
		if r.URL.Scheme != "http" && r.URL.Scheme != "https" {
			return nil, fmt.Errorf("unsupported scheme %q", r.URL.Scheme)
		}
		if r.URL.Host == "" {
			return nil, errMissingHost
		}
		u := *r.URL
		return &u, nil
	}
	if r.Host == "" {
		return nil, errMissingHost
	}
	u, err := url.Parse("http://" + r.Host + r.URL.RequestURI())
	if err != nil {
		return nil, fmt.Errorf("parse target: %w", err)
	}
	return u, nil
}

// forwardRequest sends r to target and streams the response back. No
// retries are made. Failures before the response headers are written map
// to 502/504; failures while streaming the body abort the response.
func (s *Server) forwardRequest(w http.ResponseWriter, r *http.Request, target *url.URL, d access.Decision) {
	start := time.Now()
	ip := clientIP(r.RemoteAddr)

	ctx, cancel := context.WithCancelCause(r.Context())
	defer cancel(nil)
	rc := http.NewResponseController(w)
	idle := newIdleWatch(s.idleTimeout, func() {
		cancel(errIdleTimeout)
		// Unblocks a stalled upload read so the error can be written.
		_ = rc.SetReadDeadline(time.Now())
	})
	defer idle.stop()

	body := &countingReader{r: r.Body, idle: idle}

	outReq, err := http.NewRequestWithContext(ctx, r.Method, target.String(), body)
	if err != nil {
		s.logForwardError(r, d, "internal", err)
		http.Error(w, "proxy error", http.StatusInternalServerError)
		return
	}
	outReq.Header = r.Header.Clone()
	outReq.Host = target.Host
	outReq.ContentLength = r.ContentLength
	if r.ContentLength == 0 {
		outReq.Body = http.NoBody
	}
	rewriteRequestHeaders(outReq.Header, target.Hostname(), s.forward)

	client := &http.Client{
		Transport:     s.transport,
		CheckRedirect: s.redirectPolicy(r),
	}

	resp, err := client.Do(outReq)
	if err != nil {
		if cause := context.Cause(ctx); errors.Is(cause, errIdleTimeout) {
			err = cause
		} else if r.Context().Err() != nil {
			s.logger.Debug("client went away before response",
				"method", r.Method,
				"host", d.Host,
			)
			return
		}
		status := upstreamStatus(err)
		s.logForwardError(r, d, upstreamKind(err), err)
		s.metrics.ObserveForward(r.Method, status, time.Since(start))
		http.Error(w, http.StatusText(status)+": "+upstreamMessage(err), status)
		if s.onRequest != nil {
			s.onRequest(ip, d.Host, false, body.n.Load(), 0)
		}
		return
	}
	defer resp.Body.Close()

	removeHopByHop(resp.Header)
	dst := w.Header()
	for k, vv := range resp.Header {
		dst[k] = append(dst[k], vv...)
	}
	if s.cors.Enabled {
		setCORSHeaders(dst, r.Header.Get("Origin"))
	}
	w.WriteHeader(resp.StatusCode)

	idle.touch()
	n, readErr, writeErr := copyBody(w, &countingReader{r: resp.Body, idle: idle})
	if readErr != nil {
		if cause := context.Cause(ctx); errors.Is(cause, errIdleTimeout) {
			readErr = cause
		}
	}
	s.metrics.ObserveForward(r.Method, resp.StatusCode, time.Since(start))
	if s.onRequest != nil {
		s.onRequest(ip, d.Host, false, body.n.Load(), n)
	}

	switch {
	case readErr != nil:
		kind := "upstream"
		if isTimeout(readErr) {
			kind = "timeout"
		}
		s.logForwardError(r, d, kind, readErr)
		panic(http.ErrAbortHandler)
	case writeErr != nil:
		s.logger.Debug("client went away mid-response",
			"method", r.Method,
			"host", d.Host,
			"bytes", n,
		)
		return
	}

	s.logger.Info("forwarded",
		"method", r.Method,
		"host", d.Host,
		"status", resp.StatusCode,
		"bytes", n,
		"duration_ms", time.Since(start).Milliseconds(),
		"credential", d.Credential.Masked(),
	)
	if s.verbose {
		s.logger.Debug("response headers",
			"host", d.Host,
			"headers", flattenHeaders(resp.Header),
		)
	}
}

// redirectPolicy returns the CheckRedirect function for one forwarded
// request. Each hop is authorized again with the client's credential.
func (s *Server) redirectPolicy(r *http.Request) func(*http.Request, []*http.Request) error {
	if !s.forward.FollowRedirects {
		return func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		}
	}
	return func(next *http.Request, via []*http.Request) error {
		if len(via) >= maxRedirects {
			return errTooManyRedirects
		}
		if d := s.access.Authorize(r.Header, next.URL.Hostname()); !d.Allowed {
			return fmt.Errorf("%w: %s", errRedirectDenied, next.URL.Hostname())
		}
		return nil
	}
}

func (s *Server) logForwardError(r *http.Request, d access.Decision, kind string, err error) {
	s.logger.Warn("forward failed",
		"method", r.Method,
		"host", d.Host,
		"credential", d.Credential.Masked(),
		"kind", kind,
		"error", err,
	)
}

// upstreamStatus maps an origin round-trip error to a proxy status code.
func upstreamStatus(err error) int {
	switch {
	case errors.Is(err, errRedirectDenied):
		return http.StatusForbidden
	case isTimeout(err):
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

func upstreamKind(err error) string {
	switch {
	case errors.Is(err, errRedirectDenied):
		return "policy"
	case isTimeout(err):
		return "timeout"
	default:
		return "dial"
	}
}

func upstreamMessage(err error) string {
	var dnsErr *net.DNSError
	switch {
	case errors.Is(err, errRedirectDenied):
		return errRedirectDenied.Error()
	case errors.Is(err, errTooManyRedirects):
		return errTooManyRedirects.Error()
	case errors.As(err, &dnsErr):
		return "cannot resolve " + dnsErr.Name
	case isTimeout(err):
		return "origin timed out"
	default:
		return "cannot reach origin"
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// copyBody streams src to w, flushing after every chunk so event streams
// and long polls reach the client promptly. Read and write errors are
// reported separately.
func copyBody(w http.ResponseWriter, src io.Reader) (n int64, readErr, writeErr error) {
	rc := http.NewResponseController(w)
	buf := make([]byte, forwardBufferSize)
	for {
		nr, err := src.Read(buf)
		if nr > 0 {
			nw, werr := w.Write(buf[:nr])
			n += int64(nw)
			if werr != nil {
				return n, nil, werr
			}
			_ = rc.Flush()
		}
		if errors.Is(err, io.EOF) {
			return n, nil, nil
		}
		if err != nil {
			return n, err, nil
		}
	}
}

// countingReader counts body bytes and marks the exchange active.
type countingReader struct {
	r    io.ReadCloser
	n    atomic.Int64
	idle *idleWatch
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	if n > 0 {
		c.n.Add(int64(n))
		if c.idle != nil {
			c.idle.touch()
		}
	}
	return n, err
}

func (c *countingReader) Close() error {
	return c.r.Close()
}

// idleWatch calls fire once when touch has not been called for d.
type idleWatch struct {
	d    time.Duration
	fire func()
	last atomic.Int64 // unix nanos

	mu      sync.Mutex
	timer   *time.Timer
	stopped bool
}

func newIdleWatch(d time.Duration, fire func()) *idleWatch {
	w := &idleWatch{d: d, fire: fire}
	w.touch()
	w.mu.Lock()
	w.timer = time.AfterFunc(d, w.check)
	w.mu.Unlock()
	return w
}

func (w *idleWatch) touch() {
	w.last.Store(time.Now().UnixNano())
}

func (w *idleWatch) check() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return
	}
	if idle := time.Since(time.Unix(0, w.last.Load())); idle < w.d {
		w.timer.Reset(w.d - idle)
		return
	}
	w.stopped = true
	w.fire()
}

func (w *idleWatch) stop() {
	w.mu.Lock()
	w.stopped = true
	w.timer.Stop()
	w.mu.Unlock()
}
