package relay

import "net/http"

// The relay module drives a handful of collaborators it does not own. The
// mount registry and the source pipeline are concrete in-repo packages
// (pkg/mountregistry, pkg/sourcepipeline); the seams below stay interfaces
// because tests and alternate deployments substitute them.

// Stats is the statistics surface the relay code publishes into.
type Stats interface {
	// IncRelayConnections counts one successful upstream relay connect.
	IncRelayConnections()
	// SetSourceIP records which upstream host a mount is fed from.
	SetSourceIP(mount, host string)
	// SetListeners publishes a listener count for a mount.
	SetListeners(mount string, n int)
	// SetSlaveCount publishes the number of registered slave hosts.
	SetSlaveCount(n int)
	// Clear removes every stat row for a mount.
	Clear(mount string)
}

// Directory is the YP-style directory a relay deregisters from when its
// stream ends. The default implementation is a no-op; a deployment that
// publishes to a directory supplies its own.
type Directory interface {
	Remove(mount string)
}

// Fetcher performs the streamlist HTTP fetch. *http.Client satisfies it.
type Fetcher interface {
	Do(req *http.Request) (*http.Response, error)
}

// NopDirectory is the default Directory.
type NopDirectory struct{}

func (NopDirectory) Remove(string) {}
