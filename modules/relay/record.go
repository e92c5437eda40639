package relay

import (
	"sync/atomic"

	"github.com/rix-audio/relaynode/pkg/mountregistry"
)

// Record is the unit the supervisor tracks: the configuration of one relay
// plus its runtime state. Identity is the LocalMount; a record keeps its
// reserved registry slot from the moment the supervisor first accepts it
// until final teardown.
type Record struct {
	LocalMount    string
	UpstreamHost  string
	UpstreamPort  int
	UpstreamMount string
	Username      string
	Password      string
	SendMetadata  bool
	OnDemand      bool
	Enabled       bool

	// source is the slot reserved in the mount registry, nil until the
	// first promotion (or forever, if the name was already taken).
	source *mountregistry.Slot

	// worker is non-nil from spawn until the supervisor joins the relay
	// goroutine; after a self-exit it stays set until that join.
	worker  *worker
	running bool

	// cleanup is raised by the worker on any exit path, and by nobody
	// else. The supervisor observes it, joins, and lowers it.
	cleanup atomic.Bool
}

func recordFromConfig(rc RelayConfig) *Record {
	return &Record{
		LocalMount:    rc.LocalMount,
		UpstreamHost:  rc.Server,
		UpstreamPort:  rc.Port,
		UpstreamMount: rc.Mount,
		Username:      rc.Username,
		Password:      rc.Password,
		SendMetadata:  rc.MP3Metadata,
		OnDemand:      rc.OnDemand,
		Enabled:       rc.Enable,
	}
}

// copyRecord builds a fresh record from the desired entry's configuration.
// The source slot, if the scratch record somehow carries one, moves to the
// copy so a reservation is never orphaned.
func copyRecord(r *Record) *Record {
	c := &Record{
		LocalMount:    r.LocalMount,
		UpstreamHost:  r.UpstreamHost,
		UpstreamPort:  r.UpstreamPort,
		UpstreamMount: r.UpstreamMount,
		Username:      r.Username,
		Password:      r.Password,
		SendMetadata:  r.SendMetadata,
		OnDemand:      r.OnDemand,
		Enabled:       r.Enabled,
	}
	c.source = r.source
	r.source = nil
	return c
}

// relayHasChanged reports whether old must be restarted to match the
// desired entry. Differences in only the on_demand or enable flags are
// assimilated in place rather than reported as a change; enable
// transitions are then noticed by the promotion path. Credentials are
// deliberately not compared; rotation is a documented limitation.
func relayHasChanged(desired, old *Record) bool {
	if desired.UpstreamMount != old.UpstreamMount {
		return true
	}
	if desired.UpstreamHost != old.UpstreamHost {
		return true
	}
	if desired.UpstreamPort != old.UpstreamPort {
		return true
	}
	if desired.SendMetadata != old.SendMetadata {
		return true
	}
	if desired.OnDemand != old.OnDemand {
		old.OnDemand = desired.OnDemand
	}
	old.Enabled = desired.Enabled
	return false
}
