package relay

import (
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/grafana/dskit/services"
	"github.com/prometheus/common/version"

	"github.com/rix-audio/relaynode/pkg/mountregistry"
	"github.com/rix-audio/relaynode/pkg/sourcepipeline"
)

var module = "relay"

// Relay supervises the two relay lists. All mutation of the lists and of
// record runtime state happens under relayMtx; the lock is never held
// while a worker is streaming, only across reconcile, teardown and
// promotion.
type Relay struct {
	services.Service
	logger *slog.Logger

	cfg atomic.Pointer[Config]
	// pendingCfg holds a config delivered by ReloadConfig until the
	// control loop picks it up at the top of a tick.
	pendingCfg atomic.Pointer[Config]

	registry  *mountregistry.Registry
	pipeline  *sourcepipeline.Pipeline
	stats     Stats
	directory Directory
	fetch     Fetcher
	slaves    *SlaveRegistry

	userAgent string

	relayMtx     sync.Mutex
	staticRelays []*Record
	masterRelays []*Record

	maxInterval    atomic.Int64
	rescanRelays   atomic.Bool
	updateSettings atomic.Bool

	// pollWg tracks detached streamlist fetches so stopping can drain them.
	pollWg sync.WaitGroup
}

// New creates and returns a new Relay supervisor service.
func New(cfg Config, logger slog.Logger, registry *mountregistry.Registry, stats Stats) (*Relay, error) {
	if cfg.MasterUpdateInterval == 0 {
		cfg.MasterUpdateInterval = defaultUpdateInterval
	}
	scoped := logger.With("module", module)
	r := &Relay{
		logger:    scoped,
		registry:  registry,
		pipeline:  sourcepipeline.New(scoped),
		stats:     stats,
		directory: NopDirectory{},
		fetch:     &http.Client{},
		userAgent: "relaynode/" + version.Version,
	}
	r.cfg.Store(&cfg)
	r.slaves = NewSlaveRegistry(scoped, stats)

	r.Service = services.NewBasicService(r.starting, r.running, r.stopping)

	return r, nil
}

// Slaves returns the peer-host registry, for the listener subsystem to
// pick redirect targets from and to feed ice-redirect arrivals into.
func (r *Relay) Slaves() *SlaveRegistry { return r.slaves }

// Registry returns the mount registry this supervisor reserves slots in.
func (r *Relay) Registry() *mountregistry.Registry { return r.registry }

func (r *Relay) config() *Config { return r.cfg.Load() }

// RecheckMounts forces a full cycle on the next control-loop tick,
// including a fresh streamlist fetch and a mount settings update.
func (r *Relay) RecheckMounts() {
	r.maxInterval.Store(0)
	r.updateSettings.Store(true)
}

// Rescan asks the control loop to re-promote the existing relay lists,
// eg to wake an on-demand relay whose demand just arrived.
func (r *Relay) Rescan() {
	r.rescanRelays.Store(true)
}

// RebuildMounts asks the control loop to re-promote the relay lists and
// recompute mount settings.
func (r *Relay) RebuildMounts() {
	r.updateSettings.Store(true)
	r.rescanRelays.Store(true)
}

// ReloadConfig hands the supervisor a fresh configuration. It is applied
// at the top of the next tick, and forces a full cycle so the static
// relay list reconciles immediately.
func (r *Relay) ReloadConfig(cfg Config) {
	if cfg.MasterUpdateInterval == 0 {
		cfg.MasterUpdateInterval = defaultUpdateInterval
	}
	r.pendingCfg.Store(&cfg)
	r.maxInterval.Store(0)
}

// ApplyStatic reconciles the static relay list against desired. Removed
// relays are torn down before the kept list is promoted.
func (r *Relay) ApplyStatic(desired []*Record) {
	r.relayMtx.Lock()
	defer r.relayMtx.Unlock()
	kept, toFree := updateRelaySet(r.staticRelays, desired, r.logger)
	r.staticRelays = kept
	r.relayCheckStreams(kept, toFree)
}

// ApplyMaster reconciles the master-advertised relay list against desired.
func (r *Relay) ApplyMaster(desired []*Record) {
	r.relayMtx.Lock()
	defer r.relayMtx.Unlock()
	kept, toFree := updateRelaySet(r.masterRelays, desired, r.logger)
	r.masterRelays = kept
	r.relayCheckStreams(kept, toFree)
}

// relayCheckStreams tears down the removed records and then promotes the
// kept ones. Callers hold relayMtx. Teardown runs to completion before any
// promotion so a restarted relay never races its old worker for the slot.
func (r *Relay) relayCheckStreams(toStart, toFree []*Record) {
	for _, rec := range toFree {
		r.tearDownRecord(rec)
	}
	for _, rec := range toStart {
		r.checkRelayStream(rec)
	}
}

// stopWorker signals the record's worker to stop, joins it, and resets the
// record's runtime state. Callers hold relayMtx.
func (r *Relay) stopWorker(rec *Record) {
	rec.source.SetRunning(false)
	rec.worker.closeConn()
	rec.worker.join()
	rec.worker = nil
	rec.running = false
	rec.cleanup.Store(false)
}

// tearDownRecord stops and frees one removed relay. Callers hold relayMtx.
func (r *Relay) tearDownRecord(rec *Record) {
	if rec.source != nil {
		if rec.running {
			r.logger.Debug("source shutdown request", "local_mount", rec.LocalMount)
			r.stopWorker(rec)
			r.RebuildMounts()
		}
		r.stats.Clear(rec.LocalMount)
		r.registry.Release(rec.LocalMount)
		rec.source = nil
	}
	r.logger.Debug("freeing relay", "local_mount", rec.LocalMount)
}

// checkRelayStream applies the promotion rules to one record, spawning a
// worker when the relay should be live and joining one that has shut
// itself down. Callers hold relayMtx.
func (r *Relay) checkRelayStream(rec *Record) {
	if rec.source == nil {
		if !strings.HasPrefix(rec.LocalMount, "/") {
			r.logger.Warn("relay mountpoint does not start with /, skipping", "local_mount", rec.LocalMount)
			return
		}
		// new relay, reserve the name
		slot, err := r.registry.Reserve(rec.LocalMount)
		if err != nil {
			r.logger.Warn("new relay but source already exists", "local_mount", rec.LocalMount)
		} else {
			r.logger.Debug("adding relay source", "local_mount", rec.LocalMount)
			rec.source = slot
			r.applyMountSettings(rec)
		}
	}

	// a running relay that was disabled is stopped now, not left to drain
	if rec.running && !rec.Enabled && rec.worker != nil {
		r.logger.Debug("disabling running relay", "local_mount", rec.LocalMount)
		r.stopWorker(rec)
		r.stats.Clear(rec.LocalMount)
		r.RebuildMounts()
		return
	}

	if r.promoteRecord(rec) {
		return
	}

	// the relay worker may have shut down by itself
	if rec.cleanup.Load() && rec.worker != nil {
		r.logger.Debug("waiting for relay worker", "local_mount", rec.LocalMount)
		rec.worker.join()
		rec.worker = nil
		rec.cleanup.Store(false)
		rec.running = false

		if !rec.Enabled {
			r.stats.Clear(rec.LocalMount)
			r.RebuildMounts()
			return
		}
		if rec.OnDemand {
			r.applyMountSettings(rec)
			r.stats.SetListeners(rec.LocalMount, 0)
		}
	}
}

// promoteRecord spawns a worker for rec when the promotion rules say so,
// reporting whether one was spawned. Callers hold relayMtx.
func (r *Relay) promoteRecord(rec *Record) bool {
	if rec.source == nil || rec.running {
		return false
	}
	if !rec.Enabled {
		r.stats.Clear(rec.LocalMount)
		return false
	}
	if rec.OnDemand {
		r.applyMountSettings(rec)
		r.RebuildMounts()
		r.stats.SetListeners(rec.LocalMount, 0)
		rec.source.SetOnDemand(rec.OnDemand)

		if fallback, override := rec.source.Fallback(); fallback != "" && override {
			r.logger.Debug("checking fallback for override", "fallback", fallback)
			if fb, ok := r.registry.Lookup(fallback); ok && fb.Running() && fb.Listeners() > 0 {
				r.logger.Debug("fallback running with listeners, waking relay",
					"fallback", fallback, "listeners", fb.Listeners())
				rec.source.SetOnDemandReq(true)
			}
		}
		if !rec.source.OnDemandReq() {
			return false
		}
	}

	w := newWorker()
	rec.worker = w
	rec.running = true
	go r.startRelayStream(rec, w)
	return true
}

// applyMountSettings pushes the current per-mount configuration onto the
// record's reserved slot.
func (r *Relay) applyMountSettings(rec *Record) {
	if rec.source == nil {
		return
	}
	if mc := r.config().findMount(rec.LocalMount); mc != nil {
		rec.source.SetFallback(mc.FallbackMount, mc.FallbackOverride)
	}
}

// updateAllMountSettings re-applies mount settings across both lists,
// the update_settings half of a rebuild request.
func (r *Relay) updateAllMountSettings() {
	r.relayMtx.Lock()
	defer r.relayMtx.Unlock()
	for _, rec := range r.staticRelays {
		r.applyMountSettings(rec)
	}
	for _, rec := range r.masterRelays {
		r.applyMountSettings(rec)
	}
}

// updateMasterAsSlave keeps the master registered as a redirect target
// when this node participates in load sharing.
func (r *Relay) updateMasterAsSlave(cfg *Config) {
	if cfg.MasterServer == "" || cfg.MasterRedirectPort == 0 {
		return
	}
	if !r.slaves.Contains(cfg.MasterServer, cfg.MasterServerPort) {
		r.slaves.Add(cfg.MasterServer, cfg.MasterServerPort)
	}
}

func staticRecords(cfg *Config) []*Record {
	records := make([]*Record, 0, len(cfg.Relays))
	for _, rc := range cfg.Relays {
		records = append(records, recordFromConfig(rc))
	}
	return records
}
