// Package clientsubsystem is the listener-facing HTTP surface: it serves
// audio off mount registry slots, registers peers that announce themselves
// via the ice-redirect header, and answers with a 302 to a random peer
// when the requested mount is saturated or absent.
package clientsubsystem

import (
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"

	"github.com/rix-audio/relaynode/pkg/mountregistry"
)

// SlaveRegistry is the peer-host table listener connections feed and
// redirects draw from.
type SlaveRegistry interface {
	Add(server string, port int)
	RemoveFor(redirect string)
	PickRandom() (server string, port int, ok bool)
}

// Stats receives listener-count updates as clients come and go.
type Stats interface {
	SetListeners(mount string, n int)
}

// Handler serves listener requests for mounts.
type Handler struct {
	logger   *slog.Logger
	registry *mountregistry.Registry
	slaves   SlaveRegistry
	stats    Stats

	// maxListeners returns the saturation limit for a mount, 0 meaning
	// unlimited.
	maxListeners func(mount string) int

	// rescan wakes the relay control loop, used when a listener requests
	// a dormant on-demand mount.
	rescan func()
}

func New(logger *slog.Logger, registry *mountregistry.Registry, slaves SlaveRegistry, stats Stats, maxListeners func(string) int, rescan func()) *Handler {
	if maxListeners == nil {
		maxListeners = func(string) int { return 0 }
	}
	if rescan == nil {
		rescan = func() {}
	}
	return &Handler{
		logger:       logger.With("component", "clients"),
		registry:     registry,
		slaves:       slaves,
		stats:        stats,
		maxListeners: maxListeners,
		rescan:       rescan,
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	mount := req.URL.Path

	// A peer announcing a redirect port registers as an overflow target
	// for as long as its connection lasts.
	if redirect := req.Header.Get("ice-redirect"); redirect != "" {
		if server, port, ok := splitRedirect(redirect); ok {
			h.slaves.Add(server, port)
			defer h.slaves.RemoveFor(redirect)
		}
	}

	slot, found := h.registry.Lookup(mount)
	if !found {
		h.redirect(w, req, mount)
		return
	}

	if limit := h.maxListeners(mount); limit > 0 && int(slot.Listeners()) >= limit {
		h.logger.Debug("mount saturated", "mount", mount, "listeners", slot.Listeners(), "limit", limit)
		h.redirect(w, req, mount)
		return
	}

	// A dormant on-demand relay connects now that demand exists.
	if slot.OnDemand() && !slot.Running() {
		h.logger.Debug("waking on-demand relay", "mount", mount)
		slot.SetOnDemandReq(true)
		h.rescan()
	}

	h.serveStream(w, req, mount, slot)
}

// redirect answers with a 302 to a randomly chosen peer, or 404 when no
// peer is registered.
func (h *Handler) redirect(w http.ResponseWriter, req *http.Request, mount string) {
	server, port, ok := h.slaves.PickRandom()
	if !ok {
		http.NotFound(w, req)
		return
	}
	location := fmt.Sprintf("http://%s:%d%s", server, port, mount)
	h.logger.Info("redirecting client to slave server", "server", server, "port", port)
	http.Redirect(w, req, location, http.StatusFound)
}

// serveStream attaches the client to the slot and copies audio until the
// client goes away or the mount shuts down.
func (h *Handler) serveStream(w http.ResponseWriter, req *http.Request, mount string, slot *mountregistry.Slot) {
	rc, err := h.registry.Attach(mount)
	if err != nil {
		http.NotFound(w, req)
		return
	}
	defer rc.Close()

	h.stats.SetListeners(mount, int(slot.Listeners()))
	defer func() {
		h.stats.SetListeners(mount, int(slot.Listeners()))
	}()

	w.Header().Set("Content-Type", "audio/mpeg")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)

	buf := make([]byte, 32*1024)
	for {
		select {
		case <-req.Context().Done():
			return
		default:
		}

		n, err := rc.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err != nil {
			if err != io.EOF {
				h.logger.Debug("listener stream ended", "mount", mount, "err", err)
			}
			return
		}
	}
}

func splitRedirect(v string) (string, int, bool) {
	server, portStr, err := net.SplitHostPort(v)
	if err != nil || server == "" {
		return "", 0, false
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port == 0 {
		return "", 0, false
	}
	return server, port, true
}
