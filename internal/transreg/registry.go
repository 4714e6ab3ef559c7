// Package transreg is the Transport Registry (§2): one shared
// (server-address, priority) -> *transport.Transport map per client
// context, so that two channels pointed at the same server and priority
// reuse a single virtual circuit instead of dialing twice. Concurrent
// first-use is collapsed with singleflight, the way the teacher collapses
// concurrent cold-cache fills for the same key.
package transreg

import (
	"fmt"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/epics-base/pvaccess-go/internal/hk"
	"github.com/epics-base/pvaccess-go/internal/nlog"
	"github.com/epics-base/pvaccess-go/internal/stats"
	"github.com/epics-base/pvaccess-go/internal/transport"
)

// Dialer opens one new virtual circuit; injected so tests can substitute
// an in-memory transport instead of a real TCP dial. onClose is whatever
// the caller wants run once the new transport fails or is closed - the
// registry itself wraps this to also evict its own cache entry.
type Dialer func(addr string, priority int, router transport.Router, onClose func(*transport.Transport)) (*transport.Transport, error)

type Registry struct {
	mu    sync.RWMutex
	byKey map[string]*transport.Transport
	sf    singleflight.Group
	dial  Dialer
	stats *stats.Registry
	hk    *hk.Housekeeper
}

func New(dial Dialer, reg *stats.Registry, housekeeper *hk.Housekeeper) *Registry {
	return &Registry{
		byKey: make(map[string]*transport.Transport),
		dial:  dial,
		stats: reg,
		hk:    housekeeper,
	}
}

func key(addr string, priority int) string { return fmt.Sprintf("%s#%d", addr, priority) }

// GetOrCreate returns the live transport for (addr, priority), dialing one
// if none exists or the cached one has closed. Concurrent callers for the
// same key block on the same in-flight dial rather than racing two
// connections (§2 "Transport registry").
func (r *Registry) GetOrCreate(addr string, priority int, router transport.Router, onClose func(*transport.Transport)) (*transport.Transport, error) {
	k := key(addr, priority)

	r.mu.RLock()
	if t, ok := r.byKey[k]; ok && t.State() != transport.StateClosed {
		r.mu.RUnlock()
		return t, nil
	}
	r.mu.RUnlock()

	v, err, _ := r.sf.Do(k, func() (any, error) {
		r.mu.RLock()
		if t, ok := r.byKey[k]; ok && t.State() != transport.StateClosed {
			r.mu.RUnlock()
			return t, nil
		}
		r.mu.RUnlock()

		t, err := r.dial(addr, priority, router, func(closed *transport.Transport) {
			r.Evict(addr, priority)
			if onClose != nil {
				onClose(closed)
			}
		})
		if err != nil {
			return nil, err
		}
		r.mu.Lock()
		r.byKey[k] = t
		r.mu.Unlock()
		nlog.Infof("transreg: opened %s priority=%d", addr, priority)
		return t, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*transport.Transport), nil
}

// Evict removes a closed transport from the registry so a later
// GetOrCreate redials instead of returning the stale entry (called from
// the close callback GetOrCreate wraps around the caller's onClose).
func (r *Registry) Evict(addr string, priority int) {
	k := key(addr, priority)
	r.mu.Lock()
	delete(r.byKey, k)
	r.mu.Unlock()
}

// Len reports the number of cached transports; used by tests.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byKey)
}

// CloseAll tears down every transport, used on Client Context shutdown.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	all := make([]*transport.Transport, 0, len(r.byKey))
	for _, t := range r.byKey {
		all = append(all, t)
	}
	r.byKey = make(map[string]*transport.Transport)
	r.mu.Unlock()
	for _, t := range all {
		_ = t.Close()
	}
}
