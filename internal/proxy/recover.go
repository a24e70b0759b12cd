package proxy

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"net/http"
	"runtime/debug"
)

// trackingWriter records whether the response status was sent and whether
// the connection was hijacked, so a recovered panic can pick a safe reply.
type trackingWriter struct {
	http.ResponseWriter
	wroteHeader bool
	hijacked    net.Conn
}

func (w *trackingWriter) WriteHeader(code int) {
	w.wroteHeader = true
	w.ResponseWriter.WriteHeader(code)
}

func (w *trackingWriter) Write(p []byte) (int, error) {
	w.wroteHeader = true
	return w.ResponseWriter.Write(p)
}

func (w *trackingWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		w.wroteHeader = true
		f.Flush()
	}
}

func (w *trackingWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	conn, rw, err := h.Hijack()
	if err == nil {
		w.hijacked = conn
	}
	return conn, rw, err
}

func (w *trackingWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

// recoverPanic isolates a panic to the request that caused it. It must be
// deferred directly by ServeHTTP.
func (s *Server) recoverPanic(w *trackingWriter, r *http.Request) {
	v := recover()
	if v == nil {
		return
	}
	if v == http.ErrAbortHandler { //nolint:errorlint // sentinel compared by identity as net/http does
		panic(v)
	}

	s.metrics.Panic()
	s.logger.Error("handler panic",
		"method", r.Method,
		"host", r.Host,
		"remote", r.RemoteAddr,
		"kind", "internal",
		"panic", fmt.Sprint(v),
		"stack", string(debug.Stack()),
	)

	switch {
	case w.hijacked != nil:
		_ = w.hijacked.Close()
	case !w.wroteHeader:
		http.Error(w, "internal proxy error", http.StatusInternalServerError)
	default:
		// Partial response already sent.
		panic(http.ErrAbortHandler)
	}
}
