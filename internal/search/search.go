// Package search is the Search Manager (§4.3): it tracks every channel
// currently in NEVER_CONNECTED or DISCONNECTED, emits periodic SEARCH
// datagrams with an exponential per-channel back-off, and hands matching
// SEARCH_RESPONSE datagrams back to the channel that asked. A cuckoo
// filter deduplicates (seqID, CID) pairs already answered this round so a
// duplicated or late datagram from an unreliable UDP path can't trigger a
// second search-response callback (adapting the teacher's cuckoofilter use
// for a bounded-memory approximate-membership problem).
package search

import (
	"net"
	"sync"
	"time"

	cuckoo "github.com/seiflotfy/cuckoofilter"

	"github.com/epics-base/pvaccess-go/internal/hk"
	"github.com/epics-base/pvaccess-go/internal/ids"
	"github.com/epics-base/pvaccess-go/internal/nlog"
	"github.com/epics-base/pvaccess-go/internal/stats"
	"github.com/epics-base/pvaccess-go/internal/udptransport"
)

const (
	initialBackoff = 250 * time.Millisecond
	maxBackoff      = 30 * time.Second
)

// Target is what the search manager invokes once a channel's search is
// answered - implemented by channel.Channel, kept as an interface here so
// this package never imports the channel package (search only ever looks
// one direction out).
type Target interface {
	CID() ids.CID
	Name() string
	SearchResponse(addr *net.UDPAddr, minorVersion byte)
}

type instance struct {
	target  Target
	backoff time.Duration
	sentAt  time.Time // when the last SEARCH for this instance went out, zero = never
	nextSeq uint32    // the seqID this instance is currently waiting on, 0 = none outstanding
}

type Manager struct {
	mu        sync.Mutex
	instances map[ids.CID]*instance
	seq       uint32
	dedup     *cuckoo.Filter

	sock  *udptransport.Socket
	dests []*net.UDPAddr
	hk    *hk.Housekeeper
	stats *stats.Registry
}

func New(sock *udptransport.Socket, dests []*net.UDPAddr, housekeeper *hk.Housekeeper, reg *stats.Registry) *Manager {
	m := &Manager{
		instances: make(map[ids.CID]*instance),
		dedup:     cuckoo.NewFilter(4096),
		sock:      sock,
		dests:     dests,
		hk:        housekeeper,
		stats:     reg,
	}
	m.hk.Reg("pva-search-sweep", m.sweep, initialBackoff)
	return m
}

// Register enrolls a channel as a search instance (NEVER_CONNECTED or
// just-disconnected, §4.3). A channel already registered gets its
// back-off reset, matching a fresh search after a transport drop.
func (m *Manager) Register(t Target) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.instances[t.CID()] = &instance{target: t, backoff: initialBackoff}
}

// Unregister removes a channel once it connects or is destroyed.
func (m *Manager) Unregister(cid ids.CID) {
	m.mu.Lock()
	delete(m.instances, cid)
	m.mu.Unlock()
}

// ResetAll collapses every waiting instance's back-off to the minimum,
// producing an accelerated re-search - invoked by the beacon handler when
// a new server announces itself (§4.3 "a new-server beacon resets
// back-offs for all waiting channels").
func (m *Manager) ResetAll() {
	m.mu.Lock()
	for _, inst := range m.instances {
		inst.backoff = initialBackoff
	}
	m.mu.Unlock()
	m.hk.Reg("pva-search-sweep", m.sweep, 0)
}

// sweep fires one round: every instance whose back-off has elapsed gets a
// fresh sequence ID and a SEARCH datagram to every destination.
func (m *Manager) sweep() time.Duration {
	m.mu.Lock()
	type pending struct {
		cid  ids.CID
		name string
		seq  uint32
	}
	var round []pending
	now := time.Now()
	for cid, inst := range m.instances {
		if now.Sub(inst.sentAt) < inst.backoff {
			continue
		}
		inst.sentAt = now
		m.seq++
		inst.nextSeq = m.seq
		round = append(round, pending{cid, inst.target.Name(), m.seq})
		inst.backoff *= 2
		if inst.backoff > maxBackoff {
			inst.backoff = maxBackoff
		}
	}
	m.mu.Unlock()

	for _, p := range round {
		for _, dst := range m.dests {
			if err := m.sock.SendSearch(dst, p.seq, []udptransport.SearchChannel{{CID: p.cid, Name: p.name}}); err != nil {
				nlog.Warningf("search: send to %s: %v", dst, err)
			}
		}
		if m.stats != nil {
			m.stats.SearchResends.Inc()
		}
	}
	return initialBackoff
}

// HandleSearchResponse implements udptransport.SearchHandler.
func (m *Manager) HandleSearchResponse(res udptransport.SearchResult, fromAddr net.Addr) {
	if !res.Found {
		return
	}
	for _, cid := range res.CIDs {
		m.deliver(cid, res, fromAddr)
	}
}

func (m *Manager) deliver(cid ids.CID, res udptransport.SearchResult, fromAddr net.Addr) {
	dedupKey := []byte{byte(res.SeqID), byte(res.SeqID >> 8), byte(res.SeqID >> 16), byte(res.SeqID >> 24), byte(cid), byte(cid >> 8), byte(cid >> 16), byte(cid >> 24)}
	if m.dedup.Lookup(dedupKey) {
		return
	}

	m.mu.Lock()
	inst, ok := m.instances[cid]
	if !ok || inst.nextSeq != res.SeqID {
		m.mu.Unlock()
		return
	}
	delete(m.instances, cid)
	m.mu.Unlock()

	m.dedup.InsertUnique(dedupKey)
	if m.stats != nil {
		m.stats.SearchSuccesses.Inc()
	}

	addr := &net.UDPAddr{IP: res.ServerAddr, Port: int(res.Port)}
	if res.ServerAddr == nil {
		if udp, ok := fromAddr.(*net.UDPAddr); ok {
			addr = &net.UDPAddr{IP: udp.IP, Port: int(res.Port)}
		}
	}
	inst.target.SearchResponse(addr, res.MinorVersion)
}

// Stop unregisters the periodic sweep.
func (m *Manager) Stop() { m.hk.Unreg("pva-search-sweep") }
