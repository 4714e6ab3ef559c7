package monitor

import (
	"sync"

	"github.com/epics-base/pvaccess-go/internal/codec"
	"github.com/epics-base/pvaccess-go/internal/pvdata"
	"github.com/epics-base/pvaccess-go/internal/stats"
)

// queue is the ring-of-n-buffers strategy, §4.9: a free-list and a
// used-list of pre-allocated elements, a "working" element being filled
// from the wire, and an overrunInProgress flag for when the free-list runs
// dry.
type queue struct {
	mu      sync.Mutex
	started bool
	proto   pvdata.Structure

	free    []*Element
	used    []*Element
	working *Element

	overrunInProgress bool
	scratch           pvdata.Structure

	onEvent func()
	stats   *stats.Registry
}

func newQueue(n int, onEvent func(), reg *stats.Registry) *queue {
	return &queue{onEvent: onEvent, stats: reg, free: make([]*Element, 0, n)}
	// elements themselves are allocated lazily in Init, once proto is known
}

func (q *queue) Init(proto pvdata.Structure) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.proto = proto
	q.scratch = proto.Clone()
	n := cap(q.free)
	q.free = q.free[:0]
	q.used = q.used[:0]
	for i := 0; i < n; i++ {
		q.free = append(q.free, &Element{
			Structure: proto.Clone(),
			Changed:   pvdata.NewBitSet(proto.NumFields()),
			Overrun:   pvdata.NewBitSet(proto.NumFields()),
		})
	}
	q.working = q.popFree()
	q.overrunInProgress = false
}

func (q *queue) popFree() *Element {
	if len(q.free) == 0 {
		return nil
	}
	e := q.free[len(q.free)-1]
	q.free = q.free[:len(q.free)-1]
	e.Changed.ClearAll()
	e.Overrun.ClearAll()
	return e
}

// Response implements the four numbered steps of §4.9's Queue strategy.
func (q *queue) Response(r *codec.Reader) error {
	q.mu.Lock()

	// Step 1: if already in overrun, try to recover a free element to
	// publish the held-back working element before processing the new one.
	recovered := false
	if q.overrunInProgress {
		if fresh := q.popFree(); fresh != nil {
			fresh.Structure.CopyMasked(q.working.Structure, fullMask(q.working.Structure))
			fresh.Changed.CopyFrom(q.working.Changed)
			fresh.Changed.Compress(q.proto.Tree())
			fresh.Overrun.CopyFrom(q.working.Overrun)
			q.used = append(q.used, fresh)
			q.working.Changed.ClearAll()
			q.working.Overrun.ClearAll()
			q.overrunInProgress = false
			recovered = true
		}
	}

	// Step 2: deserialize the new update, merging into working if still
	// in overrun (same rule as Single), else directly.
	if q.overrunInProgress {
		newChanged, newOverrun, err := readTriple(r, q.scratch)
		if err != nil {
			q.mu.Unlock()
			return err
		}
		overlap := pvdata.And(q.working.Changed, newChanged)
		q.working.Overrun.Or(overlap)
		q.working.Overrun.Or(newOverrun)
		q.working.Changed.Or(newChanged)
		q.working.Structure.CopyMasked(q.scratch, newChanged)
		if q.stats != nil {
			q.stats.MonitorOverruns.Inc()
		}
	} else {
		changed, overrun, err := readTriple(r, q.working.Structure)
		if err != nil {
			q.mu.Unlock()
			return err
		}
		q.working.Changed.CopyFrom(changed)
		q.working.Overrun.CopyFrom(overrun)
	}

	// Step 3: no free element left -> hold the working element back (an
	// element recovered in step 1 is still announced).
	if len(q.free) == 0 {
		q.overrunInProgress = true
		started := q.started
		q.mu.Unlock()
		if q.stats != nil {
			q.stats.MonitorQueueFull.Inc()
		}
		if recovered && started && q.onEvent != nil {
			q.onEvent()
		}
		return nil
	}

	// Step 4: publish working, take a fresh one, notify.
	published := q.working
	published.Changed.Compress(q.proto.Tree())
	q.used = append(q.used, published)
	q.working = q.popFree()
	started := q.started
	q.mu.Unlock()
	if started && q.onEvent != nil {
		q.onEvent()
	}
	return nil
}

func fullMask(s pvdata.Structure) *pvdata.BitSet {
	m := pvdata.NewBitSet(s.NumFields())
	m.Set(0)
	return m
}

func (q *queue) Poll() (*Element, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.used) == 0 {
		return nil, false
	}
	e := q.used[0]
	q.used = q.used[1:]
	return e, true
}

func (q *queue) Release(e *Element) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.free = append(q.free, e)
}

func (q *queue) Start() { q.mu.Lock(); q.started = true; q.mu.Unlock() }
func (q *queue) Stop()  { q.mu.Lock(); q.started = false; q.mu.Unlock() }
