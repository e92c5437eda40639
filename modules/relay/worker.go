package relay

import (
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/rix-audio/relaynode/pkg/httpheader"
	"github.com/rix-audio/relaynode/pkg/mountregistry"
)

const (
	connectTimeout    = 10 * time.Second
	headerReadTimeout = 10 * time.Second
)

// worker is the handle the supervisor keeps on a running relay goroutine.
type worker struct {
	done chan struct{}

	mu   sync.Mutex
	conn net.Conn
}

func newWorker() *worker {
	return &worker{done: make(chan struct{})}
}

func (w *worker) setConn(c net.Conn) {
	w.mu.Lock()
	w.conn = c
	w.mu.Unlock()
}

// closeConn unblocks a worker stuck in a network read. Safe to call at any
// point in the worker's life, from any goroutine.
func (w *worker) closeConn() {
	w.mu.Lock()
	if w.conn != nil {
		_ = w.conn.Close()
	}
	w.mu.Unlock()
}

// join blocks until the worker goroutine has exited.
func (w *worker) join() {
	<-w.done
}

// startRelayStream is the body of one relay goroutine: it fetches the
// upstream mount over a raw HTTP/1.0 GET and drives the byte stream into
// the source pipeline until the stream ends or the supervisor stops it.
// Every exit path raises the record's cleanup flag and requests a rescan
// so the supervisor joins promptly.
func (r *Relay) startRelayStream(rec *Record, w *worker) {
	defer close(w.done)
	defer func() {
		rec.cleanup.Store(true)
		r.Rescan()
	}()

	src := rec.source
	logger := r.logger.With(
		"local_mount", rec.LocalMount,
		"connection_id", uuid.New().String(),
	)
	logger.Info("starting relayed source",
		"server", rec.UpstreamHost, "port", rec.UpstreamPort, "mount", rec.UpstreamMount)

	err := r.runRelay(rec, w, src, logger)
	if err == nil {
		// Stream ended normally (upstream EOF or supervisor stop).
		if !rec.OnDemand {
			r.directory.Remove(rec.LocalMount)
		}
		src.ClearSource()
		return
	}

	logger.Warn("relay failed", "err", err)

	// Listeners on a failed relay move to the fallback mount if one is
	// configured and present, so an upstream outage doesn't drop them.
	if fallback, _ := src.Fallback(); fallback != "" {
		logger.Debug("failed relay, moving listeners to fallback", "fallback", fallback)
		if fbSlot, ok := r.registry.Lookup(fallback); ok {
			moved := r.registry.MoveListeners(src, fbSlot)
			if moved > 0 {
				r.stats.SetListeners(fallback, int(fbSlot.Listeners()))
				logger.Info("moved listeners to fallback", "fallback", fallback, "moved", moved)
			}
		}
	}

	w.closeConn()
	src.ClearSource()
}

// runRelay performs the connect, header and stream phases. A nil return
// means the stream ran and ended; any error means the relay never became
// (or stopped being) healthy and the fallback path should run.
func (r *Relay) runRelay(rec *Record, w *worker, src *mountregistry.Slot, logger *slog.Logger) error {
	addr := net.JoinHostPort(rec.UpstreamHost, strconv.Itoa(rec.UpstreamPort))
	conn, err := net.DialTimeout("tcp", addr, connectTimeout)
	if err != nil {
		return errors.Wrapf(err, "connecting to http://%s%s", addr, rec.UpstreamMount)
	}
	w.setConn(conn)
	defer w.closeConn()

	if err := writeRelayRequest(conn, rec, r.config(), r.userAgent); err != nil {
		return errors.Wrap(err, "sending relay request")
	}

	_ = conn.SetReadDeadline(time.Now().Add(headerReadTimeout))
	resp, err := httpheader.ReadResponse(conn)
	if err != nil {
		return errors.Wrap(err, "reading relay response header")
	}
	_ = conn.SetReadDeadline(time.Time{})

	logger.Debug("relay response", "status", resp.StatusCode)
	if resp.StatusCode != 200 {
		return errors.Errorf("error from relay request: %d %s", resp.StatusCode, resp.StatusText)
	}

	metaint := 0
	if v := resp.Get("icy-metaint"); v != "" {
		metaint, err = strconv.Atoi(v)
		if err != nil {
			return errors.Wrapf(err, "parsing icy-metaint %q", v)
		}
	}

	stream := r.pipeline.CompleteSource(conn, resp.Get("icy-name"), metaint)

	r.stats.IncRelayConnections()
	r.stats.SetSourceIP(rec.LocalMount, rec.UpstreamHost)

	src.SetOnDemandReq(false)
	src.SetRunning(true)
	if err := r.pipeline.Main(stream, src, rec.UpstreamHost); err != nil {
		return errors.Wrap(err, "streaming relay")
	}
	return nil
}

// writeRelayRequest sends the raw HTTP/1.0 fetch for a relay. HTTP/1.0 is
// deliberate: the response body is an unframed audio stream.
func writeRelayRequest(conn net.Conn, rec *Record, cfg *Config, userAgent string) error {
	req := fmt.Sprintf("GET %s HTTP/1.0\r\nUser-Agent: %s\r\n", rec.UpstreamMount, userAgent)
	if rec.SendMetadata {
		req += "Icy-MetaData: 1\r\n"
	}
	// Announce ourselves as a redirect target so the upstream can share
	// load back to us.
	if cfg.MasterRedirectPort != 0 {
		req += fmt.Sprintf("ice-redirect: %s:%d\r\n", cfg.Hostname, cfg.MasterRedirectPort)
	}
	if rec.Username != "" && rec.Password != "" {
		auth := base64.StdEncoding.EncodeToString([]byte(rec.Username + ":" + rec.Password))
		req += "Authorization: Basic " + auth + "\r\n"
	}
	req += "\r\n"

	_ = conn.SetWriteDeadline(time.Now().Add(connectTimeout))
	_, err := io.WriteString(conn, req)
	_ = conn.SetWriteDeadline(time.Time{})
	return err
}
