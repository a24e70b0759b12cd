package tunnel_test

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"math/rand"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Jigsaw-Code/outline-sdk/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ushineko/allowgate/internal/tunnel"
)

const established = "HTTP/1.1 200 Connection Established\r\n\r\n"

// _countingDialer dials TCP and counts attempts.
func _countingDialer(count *atomic.Int64) transport.StreamDialer {
	base := &transport.TCPDialer{}
	return transport.FuncStreamDialer(func(ctx context.Context, addr string) (transport.StreamConn, error) {
		count.Add(1)
		return base.DialStream(ctx, addr)
	})
}

// _connPair returns the proxy-side and peer-side ends of a loopback TCP
// connection.
func _connPair(t *testing.T) (proxySide, peer net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		c, aerr := ln.Accept()
		if aerr != nil {
			close(accepted)
			return
		}
		accepted <- c
	}()

	peer, err = net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	proxySide = <-accepted
	require.NotNil(t, proxySide)
	t.Cleanup(func() {
		_ = proxySide.Close()
		_ = peer.Close()
	})
	return proxySide, peer
}

// _target starts a listener that hands each accepted conn to handle.
func _target(t *testing.T, handle func(c net.Conn)) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })
	go func() {
		for {
			c, aerr := ln.Accept()
			if aerr != nil {
				return
			}
			go handle(c)
		}
	}()
	return ln.Addr().String()
}

func _readExactly(t *testing.T, c net.Conn, n int) []byte {
	t.Helper()
	require.NoError(t, c.SetReadDeadline(time.Now().Add(5*time.Second)))
	buf := make([]byte, n)
	_, err := io.ReadFull(c, buf)
	require.NoError(t, err)
	return buf
}

func TestOpenWritesEstablishedBeforeTunneledBytes(t *testing.T) {
	addr := _target(t, func(c net.Conn) {
		defer c.Close()
		_, _ = c.Write([]byte("hello"))
		_, _ = io.Copy(io.Discard, c)
	})

	var dials atomic.Int64
	m := tunnel.NewManager(tunnel.Config{Dialer: _countingDialer(&dials)})
	proxySide, peer := _connPair(t)

	s, err := m.Open(context.Background(), proxySide, addr)
	require.NoError(t, err)
	assert.Equal(t, tunnel.StateEstablished, s.State())
	assert.Equal(t, int64(1), dials.Load())
	assert.Equal(t, addr, s.Target())

	go func() { _ = s.Relay() }()

	got := _readExactly(t, peer, len(established)+len("hello"))
	assert.Equal(t, established+"hello", string(got))
}

func TestOpenWithProxyAgent(t *testing.T) {
	addr := _target(t, func(c net.Conn) { _, _ = io.Copy(io.Discard, c) })
	m := tunnel.NewManager(tunnel.Config{ProxyAgent: "allowgated/test"})
	proxySide, peer := _connPair(t)

	s, err := m.Open(context.Background(), proxySide, addr)
	require.NoError(t, err)
	defer s.Close()

	want := "HTTP/1.1 200 Connection Established\r\nProxy-Agent: allowgated/test\r\n\r\n"
	assert.Equal(t, want, string(_readExactly(t, peer, len(want))))
}

func TestOpenDialFailure(t *testing.T) {
	tests := []struct {
		name    string
		dialErr error
		want    string
	}{
		{name: "refused", dialErr: errors.New("connection refused"), want: "HTTP/1.1 502 Bad Gateway\r\n\r\n"},
		{name: "timeout", dialErr: context.DeadlineExceeded, want: "HTTP/1.1 504 Gateway Timeout\r\n\r\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dialer := transport.FuncStreamDialer(func(ctx context.Context, addr string) (transport.StreamConn, error) {
				return nil, tt.dialErr
			})
			m := tunnel.NewManager(tunnel.Config{Dialer: dialer})
			proxySide, peer := _connPair(t)

			s, err := m.Open(context.Background(), proxySide, "example.com:443")
			require.Error(t, err)
			assert.Nil(t, s)
			assert.ErrorIs(t, err, tunnel.ErrDial)
			assert.ErrorIs(t, err, tt.dialErr)

			require.NoError(t, peer.SetReadDeadline(time.Now().Add(2*time.Second)))
			all, err := io.ReadAll(peer)
			require.NoError(t, err, "client socket should be closed after the refusal")
			assert.Equal(t, tt.want, string(all))
			assert.Equal(t, int64(0), m.Active())
		})
	}
}

func TestOpenRealDialRefused(t *testing.T) {
	// Grab a free port and close it so nothing listens there.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	m := tunnel.NewManager(tunnel.Config{ConnectTimeout: 2 * time.Second})
	proxySide, peer := _connPair(t)

	_, err = m.Open(context.Background(), proxySide, addr)
	require.ErrorIs(t, err, tunnel.ErrDial)

	require.NoError(t, peer.SetReadDeadline(time.Now().Add(2*time.Second)))
	line, err := bufio.NewReader(peer).ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "HTTP/1.1 502 Bad Gateway\r\n", line)
}

func TestRelayRoundTripFidelity(t *testing.T) {
	const size = 10000
	rng := rand.New(rand.NewSource(42)) //nolint:gosec // deterministic test data
	upPayload := make([]byte, size)
	downPayload := make([]byte, size)
	rng.Read(upPayload)
	rng.Read(downPayload)

	received := make(chan []byte, 1)
	addr := _target(t, func(c net.Conn) {
		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = c.Write(downPayload)
		}()
		buf := make([]byte, size)
		_, _ = io.ReadFull(c, buf)
		received <- buf
		wg.Wait()
		_ = c.Close()
	})

	var closed atomic.Pointer[tunnel.Session]
	m := tunnel.NewManager(tunnel.Config{OnClose: func(s *tunnel.Session) { closed.Store(s) }})
	proxySide, peer := _connPair(t)

	s, err := m.Open(context.Background(), proxySide, addr)
	require.NoError(t, err)

	relayDone := make(chan error, 1)
	go func() { relayDone <- s.Relay() }()

	assert.Equal(t, established, string(_readExactly(t, peer, len(established))))

	_, err = peer.Write(upPayload)
	require.NoError(t, err)

	gotDown := _readExactly(t, peer, size)
	assert.True(t, bytes.Equal(downPayload, gotDown), "target->client bytes differ")

	select {
	case gotUp := <-received:
		assert.True(t, bytes.Equal(upPayload, gotUp), "client->target bytes differ")
	case <-time.After(5 * time.Second):
		t.Fatal("target did not receive payload")
	}

	// Target closes after reading; the relay must finish.
	select {
	case err := <-relayDone:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("relay did not finish")
	}

	assert.Equal(t, tunnel.StateClosed, s.State())
	assert.Equal(t, int64(size), s.BytesUp())
	assert.Equal(t, int64(size), s.BytesDown())
	assert.Same(t, s, closed.Load())
	assert.Equal(t, int64(0), m.Active())
	assert.Equal(t, int64(1), m.Total())
}

func TestTargetCloseClosesClientPromptly(t *testing.T) {
	addr := _target(t, func(c net.Conn) { _ = c.Close() })
	m := tunnel.NewManager(tunnel.Config{})
	proxySide, peer := _connPair(t)

	s, err := m.Open(context.Background(), proxySide, addr)
	require.NoError(t, err)
	go func() { _ = s.Relay() }()

	start := time.Now()
	require.NoError(t, peer.SetReadDeadline(time.Now().Add(time.Second)))
	all, err := io.ReadAll(peer)
	require.NoError(t, err, "client should see EOF, not a timeout")
	assert.Equal(t, established, string(all))
	assert.Less(t, time.Since(start), time.Second)
}

func TestClientCloseReleasesTarget(t *testing.T) {
	targetGone := make(chan struct{})
	addr := _target(t, func(c net.Conn) {
		_, _ = io.Copy(io.Discard, c)
		_ = c.Close()
		close(targetGone)
	})
	m := tunnel.NewManager(tunnel.Config{})
	proxySide, peer := _connPair(t)

	s, err := m.Open(context.Background(), proxySide, addr)
	require.NoError(t, err)
	go func() { _ = s.Relay() }()

	_readExactly(t, peer, len(established))
	require.NoError(t, peer.Close())

	select {
	case <-targetGone:
	case <-time.After(time.Second):
		t.Fatal("target connection was not released")
	}
}

func TestHalfClose(t *testing.T) {
	addr := _target(t, func(c net.Conn) {
		defer c.Close()
		got, _ := io.ReadAll(c) // until the client's EOF arrives
		_, _ = c.Write([]byte("pong:" + string(got)))
	})
	m := tunnel.NewManager(tunnel.Config{HalfClose: true})
	proxySide, peer := _connPair(t)

	s, err := m.Open(context.Background(), proxySide, addr)
	require.NoError(t, err)
	relayDone := make(chan error, 1)
	go func() { relayDone <- s.Relay() }()

	_readExactly(t, peer, len(established))
	_, err = peer.Write([]byte("ping"))
	require.NoError(t, err)
	tcp, ok := peer.(*net.TCPConn)
	require.True(t, ok)
	require.NoError(t, tcp.CloseWrite())

	require.NoError(t, peer.SetReadDeadline(time.Now().Add(2*time.Second)))
	all, err := io.ReadAll(peer)
	require.NoError(t, err)
	assert.Equal(t, "pong:ping", string(all))

	select {
	case err := <-relayDone:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("relay did not finish")
	}
}

func TestFullCloseOnFirstEOF(t *testing.T) {
	targetSawClose := make(chan struct{})
	addr := _target(t, func(c net.Conn) {
		_, _ = io.Copy(io.Discard, c)
		close(targetSawClose)
	})
	m := tunnel.NewManager(tunnel.Config{HalfClose: false})
	proxySide, peer := _connPair(t)

	s, err := m.Open(context.Background(), proxySide, addr)
	require.NoError(t, err)
	go func() { _ = s.Relay() }()

	_readExactly(t, peer, len(established))
	tcp, ok := peer.(*net.TCPConn)
	require.True(t, ok)
	require.NoError(t, tcp.CloseWrite())

	select {
	case <-targetSawClose:
	case <-time.After(2 * time.Second):
		t.Fatal("target was not closed")
	}

	// The client's read side is closed too.
	require.NoError(t, peer.SetReadDeadline(time.Now().Add(time.Second)))
	_, err = io.ReadAll(peer)
	assert.NoError(t, err)
}

func TestIdleTimeoutClosesTunnel(t *testing.T) {
	addr := _target(t, func(c net.Conn) {
		defer c.Close()
		_, _ = io.Copy(io.Discard, c)
	})
	m := tunnel.NewManager(tunnel.Config{IdleTimeout: 100 * time.Millisecond})
	proxySide, peer := _connPair(t)

	s, err := m.Open(context.Background(), proxySide, addr)
	require.NoError(t, err)
	relayDone := make(chan error, 1)
	go func() { relayDone <- s.Relay() }()

	_readExactly(t, peer, len(established))

	select {
	case err := <-relayDone:
		assert.NoError(t, err, "an idle timeout is a normal close")
	case <-time.After(2 * time.Second):
		t.Fatal("idle tunnel was not closed")
	}
	assert.Equal(t, tunnel.StateClosed, s.State())
}

func TestIdleTimeoutSparedByOtherDirection(t *testing.T) {
	// The target streams slowly while the client stays silent; the
	// client->target read must not end the tunnel while data flows.
	addr := _target(t, func(c net.Conn) {
		defer c.Close()
		for i := 0; i < 6; i++ {
			if _, err := c.Write([]byte("x")); err != nil {
				return
			}
			time.Sleep(50 * time.Millisecond)
		}
	})
	m := tunnel.NewManager(tunnel.Config{IdleTimeout: 120 * time.Millisecond})
	proxySide, peer := _connPair(t)

	s, err := m.Open(context.Background(), proxySide, addr)
	require.NoError(t, err)
	go func() { _ = s.Relay() }()

	require.NoError(t, peer.SetReadDeadline(time.Now().Add(3*time.Second)))
	all, err := io.ReadAll(peer)
	require.NoError(t, err)
	assert.Equal(t, established+"xxxxxx", string(all))
}

func TestCloseIsIdempotent(t *testing.T) {
	addr := _target(t, func(c net.Conn) { _, _ = io.Copy(io.Discard, c) })
	m := tunnel.NewManager(tunnel.Config{})
	proxySide, _ := _connPair(t)

	s, err := m.Open(context.Background(), proxySide, addr)
	require.NoError(t, err)

	assert.NoError(t, s.Close())
	assert.NoError(t, s.Close())

	// Relay after Close ends immediately and reports no error.
	assert.NoError(t, s.Relay())
	assert.Equal(t, tunnel.StateClosed, s.State())
	assert.NoError(t, s.Close())
}

func TestCloseAll(t *testing.T) {
	addr := _target(t, func(c net.Conn) { _, _ = io.Copy(io.Discard, c) })
	m := tunnel.NewManager(tunnel.Config{})

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		proxySide, _ := _connPair(t)
		s, err := m.Open(context.Background(), proxySide, addr)
		require.NoError(t, err)
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.Relay()
		}()
	}
	assert.Equal(t, int64(3), m.Active())

	m.CloseAll()

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("relays did not finish after CloseAll")
	}
	assert.Equal(t, int64(0), m.Active())
}

func TestOpenAfterCloseAll(t *testing.T) {
	var dials atomic.Int64
	m := tunnel.NewManager(tunnel.Config{Dialer: _countingDialer(&dials)})
	m.CloseAll()

	proxySide, peer := _connPair(t)
	_, err := m.Open(context.Background(), proxySide, "127.0.0.1:1")
	require.ErrorIs(t, err, tunnel.ErrClosed)

	resp, err := http.ReadResponse(bufio.NewReader(peer), &http.Request{Method: http.MethodConnect})
	require.NoError(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Zero(t, dials.Load())
	assert.Zero(t, m.Active())
}

func TestCloseAllCancelsPendingDial(t *testing.T) {
	dialing := make(chan struct{})
	m := tunnel.NewManager(tunnel.Config{
		Dialer: transport.FuncStreamDialer(func(ctx context.Context, _ string) (transport.StreamConn, error) {
			close(dialing)
			<-ctx.Done()
			return nil, ctx.Err()
		}),
	})

	proxySide, peer := _connPair(t)
	errCh := make(chan error, 1)
	go func() {
		_, err := m.Open(context.Background(), proxySide, "127.0.0.1:1")
		errCh <- err
	}()

	<-dialing
	m.CloseAll()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, tunnel.ErrClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("Open did not return after CloseAll")
	}

	require.NoError(t, peer.SetReadDeadline(time.Now().Add(2*time.Second)))
	resp, err := http.ReadResponse(bufio.NewReader(peer), &http.Request{Method: http.MethodConnect})
	require.NoError(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Zero(t, m.Active())
}

func TestWriteStatus(t *testing.T) {
	proxySide, peer := _connPair(t)

	h := http.Header{}
	h.Add("Proxy-Authenticate", `Basic realm="x"`)
	require.NoError(t, tunnel.Refuse(proxySide, http.StatusProxyAuthRequired, h))

	require.NoError(t, peer.SetReadDeadline(time.Now().Add(2*time.Second)))
	all, err := io.ReadAll(peer)
	require.NoError(t, err)
	assert.Equal(t, "HTTP/1.1 407 Proxy Authentication Required\r\nProxy-Authenticate: Basic realm=\"x\"\r\n\r\n", string(all))

	// Refusing an already closed conn reports the write error.
	err = tunnel.Refuse(proxySide, http.StatusForbidden, nil)
	assert.Error(t, err)

	assert.Error(t, tunnel.WriteStatus(peer, 999, nil))
}

func TestWithBuffered(t *testing.T) {
	proxySide, peer := _connPair(t)

	_, err := peer.Write([]byte("CONNECT example.com:443 HTTP/1.1\r\nHost: example.com:443\r\n\r\nEARLY"))
	require.NoError(t, err)

	br := bufio.NewReader(proxySide)
	for {
		line, rerr := br.ReadString('\n')
		require.NoError(t, rerr)
		if strings.TrimSpace(line) == "" {
			break
		}
	}
	// Wait until the early bytes are in the buffer.
	_, err = br.Peek(len("EARLY"))
	require.NoError(t, err)

	c := tunnel.WithBuffered(proxySide, br)
	buf := make([]byte, 5)
	_, err = io.ReadFull(c, buf)
	require.NoError(t, err)
	assert.Equal(t, "EARLY", string(buf))

	// Nothing buffered: the conn is returned as-is.
	assert.Same(t, proxySide, tunnel.WithBuffered(proxySide, bufio.NewReader(proxySide)))
	assert.Same(t, proxySide, tunnel.WithBuffered(proxySide, nil))
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "relaying", tunnel.StateRelaying.String())
	assert.Equal(t, "failed", tunnel.StateFailed.String())
	assert.Equal(t, "state(42)", tunnel.State(42).String())
}
