package relay

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSlaveRegistryAddRemoveBalance(t *testing.T) {
	stats := newTestStats()
	s := NewSlaveRegistry(testLogger(), stats)

	s.Add("h", 80)
	s.Add("h", 80)
	require.Equal(t, 1, s.Len())

	s.RemoveFor("h:80")
	assert.True(t, s.Contains("h", 80), "one of two listeners gone, host stays")

	s.RemoveFor("h:80")
	assert.False(t, s.Contains("h", 80), "count reached zero, host unlinked")
	assert.Equal(t, 0, s.Len())
	assert.Equal(t, 0, stats.slaveCount)
}

func TestSlaveRegistryRemoveForIgnoresGarbage(t *testing.T) {
	s := NewSlaveRegistry(testLogger(), newTestStats())
	s.Add("h", 80)

	s.RemoveFor("no-port")
	s.RemoveFor("other:80")
	s.RemoveFor("h:notaport")

	assert.Equal(t, 1, s.Len())
}

func TestSlaveRegistryPickRandom(t *testing.T) {
	s := NewSlaveRegistry(testLogger(), newTestStats())

	_, _, ok := s.PickRandom()
	require.False(t, ok, "empty registry has nothing to pick")

	s.Add("a", 1)
	s.Add("b", 2)

	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		server, port, ok := s.PickRandom()
		require.True(t, ok)
		switch server {
		case "a":
			require.Equal(t, 1, port)
		case "b":
			require.Equal(t, 2, port)
		default:
			t.Fatalf("picked unknown host %q", server)
		}
		seen[server] = true
	}
	assert.True(t, seen["a"] && seen["b"], "both hosts should be picked over 100 draws")
}
