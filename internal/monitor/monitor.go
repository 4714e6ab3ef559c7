// Package monitor implements the four monitor strategies of §4.9:
// Notify, Entire, Single and Queue, selected by the client's requested
// queueSize. Every strategy consumes the same three length-prefixed wire
// items per update - change-bitset, masked structure value, overrun-bitset
// - and exposes the same init/response/poll/release/start/stop surface so
// ops.Monitor doesn't need to know which one it holds.
package monitor

import (
	"sync"

	"github.com/epics-base/pvaccess-go/internal/codec"
	"github.com/epics-base/pvaccess-go/internal/pvdata"
	"github.com/epics-base/pvaccess-go/internal/stats"
)

// Element is one published update: a structure value and the bits that
// changed/overran to produce it. It is returned by Poll and must be
// returned via Release once the caller is done reading it.
type Element struct {
	Structure pvdata.Structure
	Changed   *pvdata.BitSet
	Overrun   *pvdata.BitSet
}

// Strategy is what every monitor strategy implements; ops.Monitor holds
// one, selected at construction from the requested queue size.
type Strategy interface {
	// Init prepares fresh buffers for proto on every call; buffers from an
	// earlier Init are not reused, even when the structure type is unchanged.
	Init(proto pvdata.Structure)
	// Response consumes one update off the wire and notifies onEvent if a
	// new element became available to poll.
	Response(r *codec.Reader) error
	Poll() (*Element, bool)
	Release(e *Element)
	Start()
	Stop()
}

// New selects a strategy for queueSize per §4.9: -1 Notify, 0 Entire, 1
// Single, >=2 Queue(queueSize).
func New(queueSize int, onEvent func(), reg *stats.Registry) Strategy {
	switch {
	case queueSize < 0:
		return &notify{onEvent: onEvent}
	case queueSize == 0:
		return &entire{onEvent: onEvent}
	case queueSize == 1:
		return &single{onEvent: onEvent}
	default:
		return newQueue(queueSize, onEvent, reg)
	}
}

func readTriple(r *codec.Reader, into pvdata.Structure) (changed, overrun *pvdata.BitSet, err error) {
	changed = pvdata.NewBitSet(into.NumFields())
	if err = changed.Deserialize(r); err != nil {
		return nil, nil, err
	}
	if err = into.DeserializeMasked(r, changed); err != nil {
		return nil, nil, err
	}
	overrun = pvdata.NewBitSet(into.NumFields())
	if err = overrun.Deserialize(r); err != nil {
		return nil, nil, err
	}
	return changed, overrun, nil
}

// notify is the no-data-copy strategy: every response is just a wake-up.
// It still deserializes each update into a scratch structure - discarded
// immediately - because the masked value's byte length on the wire
// depends on which fields changed, and skipping it without decoding would
// desync the overrun-bitset that follows in the same frame.
type notify struct {
	mu      sync.Mutex
	started bool
	scratch pvdata.Structure
	onEvent func()
}

func (n *notify) Init(proto pvdata.Structure) {
	n.mu.Lock()
	n.scratch = proto.Clone()
	n.mu.Unlock()
}

func (n *notify) Response(r *codec.Reader) error {
	n.mu.Lock()
	_, _, err := readTriple(r, n.scratch)
	started := n.started
	n.mu.Unlock()
	if err != nil {
		return err
	}
	if started && n.onEvent != nil {
		n.onEvent()
	}
	return nil
}

func (n *notify) Poll() (*Element, bool) { return nil, false }
func (n *notify) Release(*Element)       {}
func (n *notify) Start()                 { n.mu.Lock(); n.started = true; n.mu.Unlock() }
func (n *notify) Stop()                  { n.mu.Lock(); n.started = false; n.mu.Unlock() }

// entire replaces its sole buffer wholesale on every update; overrun
// between successive updates is not accumulated (§4.9).
type entire struct {
	mu      sync.Mutex
	started bool
	proto   pvdata.Structure
	value   pvdata.Structure
	changed *pvdata.BitSet
	overrun *pvdata.BitSet
	onEvent func()
}

func (e *entire) Init(proto pvdata.Structure) {
	e.mu.Lock()
	e.proto = proto
	e.value = proto.Clone()
	e.mu.Unlock()
}

func (e *entire) Response(r *codec.Reader) error {
	e.mu.Lock()
	changed, overrun, err := readTriple(r, e.value)
	if err != nil {
		e.mu.Unlock()
		return err
	}
	e.changed, e.overrun = changed, overrun
	started := e.started
	e.mu.Unlock()
	if started && e.onEvent != nil {
		e.onEvent()
	}
	return nil
}

func (e *entire) Poll() (*Element, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.changed == nil {
		return nil, false
	}
	el := &Element{Structure: e.value, Changed: e.changed, Overrun: e.overrun}
	e.changed, e.overrun = nil, nil
	return el, true
}

func (e *entire) Release(*Element) {}
func (e *entire) Start()           { e.mu.Lock(); e.started = true; e.mu.Unlock() }
func (e *entire) Stop()            { e.mu.Lock(); e.started = false; e.mu.Unlock() }

// single merges consecutive unpolled updates into its sole buffer,
// computing local overrun, per §4.9.
type single struct {
	mu         sync.Mutex
	started    bool
	proto      pvdata.Structure
	value      pvdata.Structure
	changed    *pvdata.BitSet
	overrun    *pvdata.BitSet
	scratch    pvdata.Structure
	gotMonitor bool
	merged     bool
	onEvent    func()
}

func (s *single) Init(proto pvdata.Structure) {
	s.mu.Lock()
	s.proto = proto
	s.value = proto.Clone()
	s.scratch = proto.Clone()
	s.changed = pvdata.NewBitSet(proto.NumFields())
	s.overrun = pvdata.NewBitSet(proto.NumFields())
	s.gotMonitor = false
	s.merged = false
	s.mu.Unlock()
}

func (s *single) Response(r *codec.Reader) error {
	s.mu.Lock()
	if !s.gotMonitor {
		changed, overrun, err := readTriple(r, s.value)
		if err != nil {
			s.mu.Unlock()
			return err
		}
		s.changed, s.overrun = changed, overrun
		s.gotMonitor = true
	} else {
		newChanged, newOverrun, err := readTriple(r, s.scratch)
		if err != nil {
			s.mu.Unlock()
			return err
		}
		overlap := pvdata.And(s.changed, newChanged)
		s.overrun.Or(overlap)
		s.overrun.Or(newOverrun)
		s.changed.Or(newChanged)
		s.value.CopyMasked(s.scratch, newChanged)
		s.merged = true
	}
	started := s.started
	s.mu.Unlock()
	if started && s.onEvent != nil {
		s.onEvent()
	}
	return nil
}

func (s *single) Poll() (*Element, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.gotMonitor {
		return nil, false
	}
	if s.merged {
		s.changed.Compress(s.proto.Tree())
		s.merged = false
	}
	el := &Element{Structure: s.value, Changed: s.changed.Clone(), Overrun: s.overrun.Clone()}
	s.gotMonitor = false
	s.changed.ClearAll()
	s.overrun.ClearAll()
	return el, true
}

func (s *single) Release(*Element) {}
func (s *single) Start()           { s.mu.Lock(); s.started = true; s.mu.Unlock() }
func (s *single) Stop()            { s.mu.Lock(); s.started = false; s.mu.Unlock() }
