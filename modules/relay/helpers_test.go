package relay

import (
	"bytes"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rix-audio/relaynode/pkg/mountregistry"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testStats records every stats call so scenarios can assert on the
// published surface.
type testStats struct {
	mu          sync.Mutex
	connections int
	sourceIP    map[string]string
	listeners   map[string]int
	slaveCount  int
	cleared     []string
}

func newTestStats() *testStats {
	return &testStats{
		sourceIP:  make(map[string]string),
		listeners: make(map[string]int),
	}
}

func (s *testStats) IncRelayConnections() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connections++
}

func (s *testStats) SetSourceIP(mount, host string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sourceIP[mount] = host
}

func (s *testStats) SetListeners(mount string, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners[mount] = n
}

func (s *testStats) SetSlaveCount(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.slaveCount = n
}

func (s *testStats) Clear(mount string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sourceIP, mount)
	delete(s.listeners, mount)
	s.cleared = append(s.cleared, mount)
}

func (s *testStats) getSourceIP(mount string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sourceIP[mount]
}

func (s *testStats) getListeners(mount string) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.listeners[mount]
	return n, ok
}

func (s *testStats) getConnections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connections
}

func (s *testStats) wasCleared(mount string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.cleared {
		if m == mount {
			return true
		}
	}
	return false
}

func newTestRelay(t *testing.T, cfg Config) (*Relay, *mountregistry.Registry, *testStats) {
	t.Helper()
	reg := mountregistry.New()
	stats := newTestStats()
	r, err := New(cfg, *testLogger(), reg, stats)
	require.NoError(t, err)
	return r, reg, stats
}

// upstream is a minimal streaming server a relay worker can fetch from.
type upstream struct {
	host     string
	port     int
	accepted atomic.Int64
}

// startUpstream listens on loopback and serves every connection with a
// 200 response followed by body, then holds the connection open until the
// peer closes it.
func startUpstream(t *testing.T, body []byte) *upstream {
	return startUpstreamFunc(t, func(conn net.Conn) {
		defer conn.Close()
		if !readRequestHeader(conn) {
			return
		}
		_, _ = io.WriteString(conn, "HTTP/1.0 200 OK\r\nContent-Type: audio/mpeg\r\n\r\n")
		_, _ = conn.Write(body)
		// hold open until the worker hangs up
		_, _ = io.Copy(io.Discard, conn)
	})
}

// startUpstreamFunc listens on loopback and hands every accepted
// connection to handle on its own goroutine.
func startUpstreamFunc(t *testing.T, handle func(net.Conn)) *upstream {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })

	u := &upstream{host: "127.0.0.1", port: l.Addr().(*net.TCPAddr).Port}

	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			u.accepted.Add(1)
			go handle(conn)
		}
	}()

	return u
}

func readRequestHeader(conn net.Conn) bool {
	var acc []byte
	buf := make([]byte, 1)
	for {
		n, err := conn.Read(buf)
		if n == 1 {
			acc = append(acc, buf[0])
			if bytes.HasSuffix(acc, []byte("\r\n\r\n")) {
				return true
			}
		}
		if err != nil {
			return false
		}
	}
}
