// Package beacon is the Beacon handler (§4.3, §4.2): every BEACON
// datagram from a server bumps that server's last-seen time; a server
// seen for the first time (or reappearing after being swept as stale)
// triggers an accelerated re-search for every channel currently waiting.
package beacon

import (
	"net"
	"sync"
	"time"

	"github.com/epics-base/pvaccess-go/internal/codec"
	"github.com/epics-base/pvaccess-go/internal/hk"
	"github.com/epics-base/pvaccess-go/internal/nlog"
	"github.com/epics-base/pvaccess-go/internal/stats"
)

const staleAfter = 3 * 15 * time.Second // 3x the default beacon-period, §6

// Resetter is the search manager's back-off-reset hook; kept as an
// interface so this package doesn't import internal/search.
type Resetter interface {
	ResetAll()
}

type Handler struct {
	mu      sync.Mutex
	seen    map[string]time.Time
	resetr  Resetter
	hk      *hk.Housekeeper
	stats   *stats.Registry
}

func New(resetr Resetter, housekeeper *hk.Housekeeper, reg *stats.Registry) *Handler {
	h := &Handler{
		seen:   make(map[string]time.Time),
		resetr: resetr,
		hk:     housekeeper,
		stats:  reg,
	}
	h.hk.Reg("pva-beacon-sweep", h.sweep, staleAfter)
	return h
}

// HandleBeacon implements udptransport.BeaconHandler. The payload is not
// read - the client engine only needs the
// fact and the source address of the beacon, per §4.2.
func (h *Handler) HandleBeacon(serverAddr net.Addr, payload *codec.Reader) {
	key := serverAddr.String()

	h.mu.Lock()
	_, known := h.seen[key]
	h.seen[key] = time.Now()
	h.mu.Unlock()

	if h.stats != nil {
		h.stats.BeaconsReceived.Inc()
	}
	if !known {
		nlog.Infof("beacon: new server %s", key)
		h.resetr.ResetAll()
	}
}

// sweep drops servers not heard from in staleAfter; reappearance after a
// sweep is treated as a new server again, restarting the accelerated
// re-search on the next beacon.
func (h *Handler) sweep() time.Duration {
	cutoff := time.Now().Add(-staleAfter)
	h.mu.Lock()
	for addr, last := range h.seen {
		if last.Before(cutoff) {
			delete(h.seen, addr)
		}
	}
	h.mu.Unlock()
	return staleAfter
}

func (h *Handler) Stop() { h.hk.Unreg("pva-beacon-sweep") }
