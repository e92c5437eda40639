package archiver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"sync"
	"time"

	"github.com/grafana/dskit/services"

	"github.com/rix-audio/relaynode/pkg/mountregistry"
	"github.com/rix-audio/relaynode/pkg/shoutcast"
)

// Archiver records a stream to disk: either a local relayed mount, read
// off the mount registry, or a remote URL fetched directly. Files rotate
// on track metadata when the source carries it, otherwise on a timer.
type Archiver struct {
	services.Service
	cfg      *Config
	logger   *slog.Logger
	registry *mountregistry.Registry

	stream *shoutcast.Stream // set in URL mode
	src    io.ReadCloser
	w      *ChannelWriter
	copyWg sync.WaitGroup // signals when the io.Copy goroutine has exited
}

var module = "archiver"

// New creates and returns a new Archiver service.
func New(cfg Config, logger slog.Logger, registry *mountregistry.Registry) (*Archiver, error) {
	if cfg.Mount == "" && cfg.URL == "" {
		return nil, errors.New("archiver requires a mount or a url")
	}
	if cfg.WriteBufferSize == 0 {
		cfg.WriteBufferSize = defaultWriteBufferSize
	}
	if cfg.RotateInterval == 0 {
		cfg.RotateInterval = defaultRotateInterval
	}
	a := &Archiver{
		cfg:      &cfg,
		logger:   logger.With("module", module),
		registry: registry,
	}

	a.Service = services.NewBasicService(a.starting, a.running, a.stopping)

	return a, nil
}

func (a *Archiver) starting(ctx context.Context) error {
	if a.cfg.URL == "" {
		// mount mode attaches lazily in running; the mount appears only
		// once the relay supervisor has promoted it
		return nil
	}

	stream, err := shoutcast.Open(a.cfg.URL)
	if err != nil {
		a.logger.Error("error opening stream", "err", err)
		return err
	}
	a.stream = stream
	a.src = stream

	return nil
}

func (a *Archiver) running(ctx context.Context) error {
	if a.src == nil {
		src, err := a.attachMount(ctx)
		if err != nil {
			return err
		}
		a.src = src
	}

	cw := NewChannelWriter()
	a.w = cw

	a.copyWg.Add(1)
	go func() {
		defer a.copyWg.Done()
		a.logger.Info("starting copy")
		b, copyErr := io.Copy(cw, a.src)
		if copyErr != nil && copyErr != io.EOF {
			a.logger.Error("error copying stream to buffer", "err", copyErr, "written", ByteCountIEC(b))
		}
	}()

	tracks := newTrackWriter(a.cfg, a.logger, cw.dataChan)
	defer tracks.stop()

	if a.stream != nil {
		// rotate on track changes announced in the ICY metadata
		a.stream.MetadataCallbackFunc = func(m *shoutcast.Metadata) {
			a.logger.Info("now recording", "title", m.StreamTitle)
			tracks.start(ctx, a.trackPath(m.StreamTitle))
		}
		<-ctx.Done()
		return nil
	}

	// no metadata on a registry mount; rotate on a timer
	ticker := time.NewTicker(a.cfg.RotateInterval)
	defer ticker.Stop()

	tracks.start(ctx, a.trackPath(timestampName()))
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			tracks.start(ctx, a.trackPath(timestampName()))
		}
	}
}

func (a *Archiver) stopping(_ error) error {
	a.logger.Info("stopping")

	var errs []error
	// Close the source first so io.Copy gets EOF and exits; then wait for
	// the copy goroutine before closing the channel.
	if a.src != nil {
		if err := a.src.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	a.copyWg.Wait()

	if a.w != nil {
		if err := a.w.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

// attachMount waits for the configured mount to be reserved by the relay
// supervisor, then attaches a reader to it.
func (a *Archiver) attachMount(ctx context.Context) (io.ReadCloser, error) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		rc, err := a.registry.Attach(a.cfg.Mount)
		if err == nil {
			a.logger.Info("attached to mount", "mount", a.cfg.Mount)
			return rc, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (a *Archiver) trackPath(name string) string {
	streamName := a.cfg.Mount
	if a.stream != nil && a.stream.Name != "" {
		streamName = a.stream.Name
	}
	if a.cfg.Dir != "" {
		return path.Join(a.cfg.Dir, streamName, name+".mp3")
	}
	return path.Join(streamName, name+".mp3")
}

func timestampName() string {
	return time.Now().Format("2006-01-02T15-04-05")
}

// ByteCountIEC renders a byte count in binary units.
func ByteCountIEC(b int64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%d B", b)
	}
	div, exp := int64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(b)/float64(div), "KMGTPE"[exp])
}
