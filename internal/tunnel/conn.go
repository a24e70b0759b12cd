package tunnel

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// bufferedConn reads through a bufio.Reader that may hold bytes the HTTP
// server read past the CONNECT request headers.
type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

// WithBuffered returns a conn that first yields any bytes buffered in r.
// If r holds nothing, c is returned unchanged.
func WithBuffered(c net.Conn, r *bufio.Reader) net.Conn {
	if r == nil || r.Buffered() == 0 {
		return c
	}
	return &bufferedConn{Conn: c, r: r}
}

func (c *bufferedConn) Read(p []byte) (int, error) {
	return c.r.Read(p)
}

// CloseWrite half-closes the underlying connection when it supports it.
func (c *bufferedConn) CloseWrite() error {
	return closeWrite(c.Conn)
}

// WriteStatus writes a bare HTTP/1.1 status line, the given headers and the
// terminating blank line to a raw connection. It is used to answer CONNECT
// requests after the connection has been hijacked.
func WriteStatus(c net.Conn, code int, h http.Header) error {
	text := http.StatusText(code)
	if text == "" {
		return fmt.Errorf("unknown status code %d", code)
	}
	w := bufio.NewWriter(c)
	_, _ = fmt.Fprintf(w, "HTTP/1.1 %d %s\r\n", code, text) //nolint:errcheck // error surfaces on Flush
	if len(h) > 0 {
		if err := h.Write(w); err != nil {
			return err
		}
	}
	_, _ = w.WriteString("\r\n") //nolint:errcheck // error surfaces on Flush
	return w.Flush()
}

// Refuse writes a refusal status to a hijacked CONNECT client and closes it.
// The target is never contacted.
func Refuse(c net.Conn, code int, h http.Header) error {
	err := WriteStatus(c, code, h)
	if cerr := c.Close(); cerr != nil && err == nil && !errors.Is(cerr, net.ErrClosed) {
		err = cerr
	}
	return err
}
