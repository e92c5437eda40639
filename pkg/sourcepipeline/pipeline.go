// Package sourcepipeline is the copy loop a relay worker hands its
// connection to once the upstream response headers have been read: format
// handling (ICY metadata stripping) followed by a pump into the mount's
// fan-out slot.
//
// Cancellation is driven by the sink's Running flag rather than a
// context: the supervisor flips the flag and the loop observes it on its
// next iteration, with the worker closing the connection to unblock a
// stalled read.
package sourcepipeline

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/rix-audio/relaynode/pkg/mountregistry"
	"github.com/rix-audio/relaynode/pkg/shoutcast"
)

// Sink is the destination a completed source writes decoded audio bytes
// into. *mountregistry.Slot satisfies this.
type Sink interface {
	io.Writer
	SetSourceIP(ip string)
	Running() bool
}

// Pipeline drives bytes from an upstream connection into a mount slot.
type Pipeline struct {
	logger *slog.Logger
}

// New returns a Pipeline that logs through logger.
func New(logger *slog.Logger) *Pipeline {
	return &Pipeline{logger: logger.With("component", "sourcepipeline")}
}

// CompleteSource performs format detection on conn (currently: ICY
// metadata stripping if icyMetaInt > 0, otherwise a raw passthrough) and
// returns a reader the caller should hand to Main.
func (p *Pipeline) CompleteSource(conn io.ReadCloser, name string, icyMetaInt int) io.ReadCloser {
	return shoutcast.NewStream(conn, name, icyMetaInt)
}

// Main copies decoded audio from src into sink until src ends, sink's
// Running flag drops, or an error occurs. It returns only when the stream
// has ended.
func (p *Pipeline) Main(src io.Reader, sink Sink, upstreamHost string) error {
	sink.SetSourceIP(upstreamHost)

	buf := make([]byte, 64*1024)
	for {
		if !sink.Running() {
			return nil
		}

		n, err := src.Read(buf)
		if n > 0 {
			if _, werr := sink.Write(buf[:n]); werr != nil {
				return fmt.Errorf("writing to sink: %w", werr)
			}
		}
		if err != nil {
			if err == io.EOF {
				p.logger.Debug("upstream ended", "host", upstreamHost)
				return nil
			}
			if !sink.Running() {
				// the supervisor closed the connection under us
				return nil
			}
			return fmt.Errorf("reading from upstream: %w", err)
		}
	}
}

var _ Sink = (*mountregistry.Slot)(nil)
