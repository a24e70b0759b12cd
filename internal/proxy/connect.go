package proxy

import (
	"errors"
	"net"
	"net/http"
	"strconv"

	"github.com/ushineko/allowgate/internal/tunnel"
)

const defaultConnectPort = "443"

// handleConnect authorizes a CONNECT request, hijacks the client
// connection, and relays it to the target until either side closes.
// Refusals are written as raw status lines on the hijacked socket.
func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	host, port, err := splitConnectTarget(r.Host)
	if err != nil {
		http.Error(w, "bad CONNECT target: "+err.Error(), http.StatusBadRequest)
		return
	}
	target := net.JoinHostPort(host, port)

	d := s.access.Authorize(r.Header, host)

	hijacker, ok := w.(http.Hijacker)
	if !ok {
		s.logger.Error("hijacking not supported")
		http.Error(w, "hijacking not supported", http.StatusInternalServerError)
		return
	}
	clientConn, buf, err := hijacker.Hijack()
	if err != nil {
		s.logger.Error("hijack failed", "error", err)
		return
	}
	conn := tunnel.WithBuffered(clientConn, buf.Reader)

	if !d.Allowed {
		var h http.Header
		if d.Status() == http.StatusProxyAuthRequired {
			h = http.Header{}
			for _, c := range s.access.Challenges() {
				h.Add("Proxy-Authenticate", c)
			}
		}
		_ = tunnel.Refuse(conn, d.Status(), h) //nolint:errcheck // client may already be gone
		if s.onRequest != nil {
			s.onRequest(clientIP(r.RemoteAddr), host, true, 0, 0)
		}
		return
	}

	if s.onRequest != nil {
		s.onRequest(clientIP(r.RemoteAddr), host, false, 0, 0)
	}

	sess, err := s.tunnels.Open(r.Context(), conn, target)
	if errors.Is(err, tunnel.ErrClosed) {
		s.logger.Debug("tunnel refused during shutdown",
			"target", target,
		)
		return
	}
	if err != nil {
		s.logger.Warn("tunnel dial failed",
			"target", target,
			"credential", d.Credential.Masked(),
			"kind", "dial",
			"error", err,
		)
		return
	}

	s.logger.Info("tunnel established",
		"target", target,
		"rule", d.Rule,
		"credential", d.Credential.Masked(),
	)

	if err := sess.Relay(); err != nil {
		s.logger.Debug("tunnel ended with error",
			"target", target,
			"kind", "transport",
			"error", err,
		)
	}
}

// splitConnectTarget splits a CONNECT authority into host and port. A
// missing port defaults to 443.
func splitConnectTarget(authority string) (host, port string, err error) {
	if authority == "" {
		return "", "", errMissingHost
	}
	host, port, err = net.SplitHostPort(authority)
	if err != nil {
		// No port present.
		host, port = authority, defaultConnectPort
		if len(host) > 1 && host[0] == '[' && host[len(host)-1] == ']' {
			host = host[1 : len(host)-1]
		}
	}
	if host == "" {
		return "", "", errMissingHost
	}
	n, perr := strconv.Atoi(port)
	if perr != nil || n < 1 || n > 65535 {
		return "", "", &net.AddrError{Err: "invalid port", Addr: authority}
	}
	return host, port, nil
}
