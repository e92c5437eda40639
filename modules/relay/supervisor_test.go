package relay

import (
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	require.Eventually(t, cond, 5*time.Second, 10*time.Millisecond, msg)
}

func staticDesired(u *upstream, mount string) []*Record {
	return []*Record{{
		LocalMount:    mount,
		UpstreamHost:  u.host,
		UpstreamPort:  u.port,
		UpstreamMount: mount,
		Enabled:       true,
	}}
}

func TestStaticAdd(t *testing.T) {
	u := startUpstream(t, []byte("audio-bytes"))
	r, reg, stats := newTestRelay(t, Config{Hostname: "localhost"})

	r.ApplyStatic(staticDesired(u, "/a"))

	waitFor(t, func() bool { return stats.getSourceIP("/a") == u.host }, "source_ip published")
	waitFor(t, func() bool { return stats.getConnections() == 1 }, "relay connection counted")

	slot, found := reg.Lookup("/a")
	require.True(t, found, "slot reserved for the relay")
	waitFor(t, func() bool { return slot.SourceIP() == u.host }, "source ip recorded on the slot")

	r.relayMtx.Lock()
	require.Len(t, r.staticRelays, 1)
	assert.True(t, r.staticRelays[0].running)
	assert.NotNil(t, r.staticRelays[0].worker)
	r.relayMtx.Unlock()

	r.ApplyStatic(nil)
}

func TestStaticRemove(t *testing.T) {
	u := startUpstream(t, []byte("audio-bytes"))
	r, reg, stats := newTestRelay(t, Config{})

	r.ApplyStatic(staticDesired(u, "/a"))
	waitFor(t, func() bool { return stats.getConnections() == 1 }, "relay connected")

	r.ApplyStatic(nil)

	// teardown is synchronous: by the time ApplyStatic returns the worker
	// is joined and the slot released
	r.relayMtx.Lock()
	assert.Empty(t, r.staticRelays)
	r.relayMtx.Unlock()

	_, found := reg.Lookup("/a")
	assert.False(t, found, "slot released on teardown")
	assert.True(t, stats.wasCleared("/a"), "stats row cleared")
}

func TestApplySameListTwiceIsNoop(t *testing.T) {
	u := startUpstream(t, []byte("audio-bytes"))
	r, _, stats := newTestRelay(t, Config{})

	r.ApplyStatic(staticDesired(u, "/a"))
	waitFor(t, func() bool { return stats.getConnections() == 1 }, "relay connected")

	r.relayMtx.Lock()
	before := r.staticRelays[0]
	r.relayMtx.Unlock()

	r.ApplyStatic(staticDesired(u, "/a"))

	r.relayMtx.Lock()
	assert.Same(t, before, r.staticRelays[0], "unchanged relay keeps its record")
	assert.True(t, before.running)
	r.relayMtx.Unlock()

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int64(1), u.accepted.Load(), "no reconnect on an unchanged config")

	r.ApplyStatic(nil)
}

func TestChangedRelayRestarts(t *testing.T) {
	u1 := startUpstream(t, []byte("one"))
	u2 := startUpstream(t, []byte("two"))
	r, _, stats := newTestRelay(t, Config{})

	r.ApplyStatic(staticDesired(u1, "/a"))
	waitFor(t, func() bool { return stats.getConnections() == 1 }, "first upstream connected")

	r.ApplyStatic(staticDesired(u2, "/a"))
	waitFor(t, func() bool { return u2.accepted.Load() == 1 }, "second upstream connected")

	// the old worker was joined during teardown, before the new spawn
	r.relayMtx.Lock()
	require.Len(t, r.staticRelays, 1)
	assert.Equal(t, u2.port, r.staticRelays[0].UpstreamPort)
	r.relayMtx.Unlock()

	r.ApplyStatic(nil)
}

func TestDisabledRelayIsJoinedAndCleared(t *testing.T) {
	u := startUpstream(t, []byte("audio-bytes"))
	r, reg, stats := newTestRelay(t, Config{})

	r.ApplyStatic(staticDesired(u, "/a"))
	waitFor(t, func() bool { return stats.getConnections() == 1 }, "relay connected")

	disabled := staticDesired(u, "/a")
	disabled[0].Enabled = false
	r.ApplyStatic(disabled)

	r.relayMtx.Lock()
	require.Len(t, r.staticRelays, 1, "a disabled relay is retained, not freed")
	rec := r.staticRelays[0]
	assert.False(t, rec.running)
	assert.Nil(t, rec.worker)
	assert.False(t, rec.Enabled)
	assert.NotNil(t, rec.source, "the slot is held until final teardown")
	r.relayMtx.Unlock()

	assert.True(t, stats.wasCleared("/a"))
	_, found := reg.Lookup("/a")
	assert.True(t, found)

	r.ApplyStatic(nil)
}

func TestInvalidMountSkipped(t *testing.T) {
	u := startUpstream(t, nil)
	r, reg, _ := newTestRelay(t, Config{})

	r.ApplyStatic([]*Record{{
		LocalMount:    "noslash",
		UpstreamHost:  u.host,
		UpstreamPort:  u.port,
		UpstreamMount: "/a",
		Enabled:       true,
	}})

	r.relayMtx.Lock()
	require.Len(t, r.staticRelays, 1)
	assert.Nil(t, r.staticRelays[0].source)
	assert.False(t, r.staticRelays[0].running)
	r.relayMtx.Unlock()

	_, found := reg.Lookup("noslash")
	assert.False(t, found)
	assert.Equal(t, int64(0), u.accepted.Load())
}

func TestDuplicateLocalMountInert(t *testing.T) {
	u := startUpstream(t, []byte("audio-bytes"))
	r, _, _ := newTestRelay(t, Config{})

	dup := append(staticDesired(u, "/dup"), staticDesired(u, "/dup")...)
	r.ApplyStatic(dup)

	waitFor(t, func() bool { return u.accepted.Load() == 1 }, "first record connects")

	r.relayMtx.Lock()
	require.Len(t, r.staticRelays, 2)
	var withSlot, inert int
	for _, rec := range r.staticRelays {
		if rec.source != nil {
			withSlot++
		} else {
			inert++
		}
	}
	r.relayMtx.Unlock()

	assert.Equal(t, 1, withSlot)
	assert.Equal(t, 1, inert, "the duplicate stays inert without a slot")

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int64(1), u.accepted.Load(), "only one worker for the mount")

	r.ApplyStatic(nil)
}

func TestOnDemandStaysDormantAndWakesOnFallbackListeners(t *testing.T) {
	u := startUpstream(t, []byte("audio-bytes"))
	cfg := Config{
		Mounts: []MountConfig{{Mount: "/r", FallbackMount: "/f", FallbackOverride: true}},
	}
	r, reg, stats := newTestRelay(t, cfg)

	fb, err := reg.Reserve("/f")
	require.NoError(t, err)
	fb.SetRunning(true)

	desired := staticDesired(u, "/r")
	desired[0].OnDemand = true
	r.ApplyStatic(desired)

	// no listeners on the fallback yet: the relay stays dormant
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int64(0), u.accepted.Load())
	n, ok := stats.getListeners("/r")
	assert.True(t, ok)
	assert.Equal(t, 0, n, "dormant on-demand relay publishes listeners=0")

	// a listener arrives on the fallback; the next rescan wakes the relay
	rc, err := reg.Attach("/f")
	require.NoError(t, err)
	defer rc.Close()

	r.lightCycle()

	waitFor(t, func() bool { return u.accepted.Load() == 1 }, "on-demand relay woken by fallback listeners")

	r.ApplyStatic(nil)
}

func TestFailedRelayMovesListenersToFallback(t *testing.T) {
	release := make(chan struct{})
	u := startUpstreamFunc(t, func(conn net.Conn) {
		defer conn.Close()
		if !readRequestHeader(conn) {
			return
		}
		<-release
		_, _ = io.WriteString(conn, "HTTP/1.0 404 Not Found\r\n\r\n")
	})

	cfg := Config{
		Mounts: []MountConfig{{Mount: "/a", FallbackMount: "/f"}},
	}
	r, reg, _ := newTestRelay(t, cfg)

	fb, err := reg.Reserve("/f")
	require.NoError(t, err)

	r.ApplyStatic(staticDesired(u, "/a"))

	// a listener attaches while the worker is still connecting
	rc, err := reg.Attach("/a")
	require.NoError(t, err)
	defer rc.Close()

	close(release)

	waitFor(t, func() bool { return fb.Listeners() == 1 }, "listener moved to the fallback mount")

	slot, found := reg.Lookup("/a")
	require.True(t, found)
	assert.Equal(t, int64(0), slot.Listeners())

	r.ApplyStatic(nil)
}

func TestSelfTerminatedWorkerJoinedOnRescan(t *testing.T) {
	// upstream ends the stream immediately after the response
	u := startUpstreamFunc(t, func(conn net.Conn) {
		defer conn.Close()
		if !readRequestHeader(conn) {
			return
		}
		_, _ = io.WriteString(conn, "HTTP/1.0 200 OK\r\n\r\nshort")
	})
	r, _, _ := newTestRelay(t, Config{})

	r.ApplyStatic(staticDesired(u, "/a"))

	waitFor(t, func() bool {
		r.relayMtx.Lock()
		defer r.relayMtx.Unlock()
		return r.staticRelays[0].cleanup.Load()
	}, "worker raised cleanup after upstream EOF")

	assert.True(t, r.rescanRelays.Load(), "worker exit requests a rescan")

	r.lightCycle()

	r.relayMtx.Lock()
	rec := r.staticRelays[0]
	assert.Nil(t, rec.worker, "rescan joined the dead worker")
	assert.False(t, rec.running)
	assert.False(t, rec.cleanup.Load())
	r.relayMtx.Unlock()

	r.ApplyStatic(nil)
}

func TestControlSignals(t *testing.T) {
	r, _, _ := newTestRelay(t, Config{})
	r.maxInterval.Store(120)

	r.RecheckMounts()
	assert.Equal(t, int64(0), r.maxInterval.Load())
	assert.True(t, r.updateSettings.Load())
	assert.False(t, r.rescanRelays.Load())

	r.Rescan()
	assert.True(t, r.rescanRelays.Load())

	r.rescanRelays.Store(false)
	r.updateSettings.Store(false)
	r.RebuildMounts()
	assert.True(t, r.rescanRelays.Load())
	assert.True(t, r.updateSettings.Load())
}

func TestUpdateMasterAsSlave(t *testing.T) {
	cfg := Config{
		MasterServer:       "master",
		MasterServerPort:   8000,
		MasterRedirectPort: 8001,
	}
	r, _, _ := newTestRelay(t, cfg)

	r.updateMasterAsSlave(r.config())
	assert.True(t, r.Slaves().Contains("master", 8000))

	// refreshing at every poll does not inflate the count
	r.updateMasterAsSlave(r.config())
	assert.Equal(t, 1, r.Slaves().Len())
}
