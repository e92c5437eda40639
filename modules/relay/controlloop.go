package relay

import (
	"context"
	"time"
)

// tickInterval is how often the control loop wakes.
const tickInterval = time.Second

func (r *Relay) starting(ctx context.Context) error {
	cfg := r.config()
	r.updateMasterAsSlave(cfg)
	r.registry.Rebuild()
	return nil
}

// running is the control loop: one tick per second, a full cycle whenever
// the update interval has elapsed (or was forced to zero), a light rescan
// when only rescan_relays is raised.
func (r *Relay) running(ctx context.Context) error {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	interval := int64(0)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		// pick up a config delivered since the last tick
		if cfg := r.pendingCfg.Swap(nil); cfg != nil {
			r.cfg.Store(cfg)
		}

		interval++
		rescan := r.rescanRelays.Load()
		if !rescan && r.maxInterval.Load() > interval {
			continue
		}

		if r.maxInterval.Load() <= interval {
			r.fullCycle(ctx, &interval)
		} else {
			r.lightCycle()
		}

		r.rescanRelays.Store(false)
		if r.updateSettings.Swap(false) {
			r.updateAllMountSettings()
			r.registry.Rebuild()
		}
	}
}

// fullCycle refreshes everything: the self-as-slave entry, the master
// streamlist (on a detached fetch), and the static relay list from config.
func (r *Relay) fullCycle(ctx context.Context, interval *int64) {
	cfg := r.config()
	r.logger.Debug("checking master stream list")

	*interval = 0
	r.maxInterval.Store(int64(cfg.updateIntervalSeconds()))

	r.updateMasterAsSlave(cfg)
	r.updateFromMaster(ctx, cfg)
	r.ApplyStatic(staticRecords(cfg))
}

// lightCycle promotes both lists without reconciling, waking on-demand
// relays whose fallbacks now have listeners.
func (r *Relay) lightCycle() {
	r.logger.Debug("rescanning relay lists")
	r.relayMtx.Lock()
	defer r.relayMtx.Unlock()
	r.relayCheckStreams(r.masterRelays, nil)
	r.relayCheckStreams(r.staticRelays, nil)
}

// updateFromMaster fires one streamlist fetch on a detached goroutine so
// the control loop never blocks on a slow master. A failed or non-200
// fetch leaves the master relay list untouched.
func (r *Relay) updateFromMaster(ctx context.Context, cfg *Config) {
	if cfg.MasterServer == "" || cfg.MasterPassword == "" || cfg.MasterServerPort == 0 {
		return
	}

	r.pollWg.Add(1)
	go func() {
		defer r.pollWg.Done()
		mounts, err := fetchStreamlist(ctx, cfg, r.fetch, r.userAgent)
		if err != nil {
			r.logger.Warn("streamlist fetch failed", "master", cfg.MasterServer, "err", err)
			return
		}
		r.ApplyMaster(masterRecords(cfg, mounts))
	}()
}

// stopping tears down every relay in both lists and waits for any
// in-flight streamlist fetch.
func (r *Relay) stopping(_ error) error {
	r.logger.Info("shutting down current relays")

	r.relayMtx.Lock()
	static, master := r.staticRelays, r.masterRelays
	r.staticRelays, r.masterRelays = nil, nil
	for _, rec := range static {
		r.tearDownRecord(rec)
	}
	for _, rec := range master {
		r.tearDownRecord(rec)
	}
	r.relayMtx.Unlock()

	r.pollWg.Wait()
	r.logger.Info("relay shutdown complete")
	return nil
}
