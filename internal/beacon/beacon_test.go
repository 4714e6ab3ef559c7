package beacon

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/epics-base/pvaccess-go/internal/hk"
	"github.com/epics-base/pvaccess-go/internal/stats"
)

type countingResetter struct{ n int }

func (r *countingResetter) ResetAll() { r.n++ }

func newTestHandler(t *testing.T) (*Handler, *countingResetter) {
	t.Helper()
	h := hk.New()
	t.Cleanup(h.Stop)
	resetr := &countingResetter{}
	return New(resetr, h, stats.NewRegistry()), resetr
}

func TestHandleBeacon_FirstSightingResetsSearch(t *testing.T) {
	h, resetr := newTestHandler(t)
	defer h.Stop()

	addr := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 5064}
	h.HandleBeacon(addr, nil)
	require.Equal(t, 1, resetr.n)
}

func TestHandleBeacon_RepeatDoesNotReset(t *testing.T) {
	h, resetr := newTestHandler(t)
	defer h.Stop()

	addr := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 5064}
	h.HandleBeacon(addr, nil)
	h.HandleBeacon(addr, nil)
	require.Equal(t, 1, resetr.n, "a server already seen must not retrigger a reset")
}

func TestHandleBeacon_DistinctServersEachTriggerOnce(t *testing.T) {
	h, resetr := newTestHandler(t)
	defer h.Stop()

	h.HandleBeacon(&net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 5064}, nil)
	h.HandleBeacon(&net.UDPAddr{IP: net.IPv4(127, 0, 0, 2), Port: 5064}, nil)
	require.Equal(t, 2, resetr.n)
}

func TestSweep_DropsStaleServersAndReappearanceResets(t *testing.T) {
	h, resetr := newTestHandler(t)
	defer h.Stop()

	addr := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 5064}
	h.HandleBeacon(addr, nil)
	require.Equal(t, 1, resetr.n)

	// Backdate the sighting past the stale cutoff, then sweep by hand
	// (the housekeeper won't fire for another staleAfter on its own).
	h.mu.Lock()
	h.seen[addr.String()] = time.Now().Add(-staleAfter - time.Second)
	h.mu.Unlock()
	h.sweep()

	// Reappearing after the sweep must be treated as a brand new server.
	h.HandleBeacon(addr, nil)
	require.Equal(t, 2, resetr.n)
}
