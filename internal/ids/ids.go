// Package ids defines the client engine's 32-bit identifier types (§3) and
// the forward-scanning allocator shared by the CID and IOID tables.
package ids

import "sync"

// CID is a client channel ID, unique per context, assigned on create-channel
// and freed on channel destroy.
type CID uint32

// SID is the opaque server channel ID returned in the create-channel
// response; it is never interpreted by the client, only echoed back.
type SID uint32

// IOID correlates requests and responses on the wire, unique per context
// per operation.
type IOID uint32

const (
	InvalidCID  CID  = 0xFFFFFFFF
	InvalidSID  SID  = 0xFFFFFFFF
	InvalidIOID IOID = 0xFFFFFFFF
)

// Allocator hands out uint32 IDs that scan forward from a remembered "last"
// value, skipping already-occupied entries and the invalid sentinel, per §3.
// It is safe for concurrent use; occupancy is tracked outside the allocator
// (see Table) so that a single Allocator can back either the CID or the
// per-context IOID table.
type Allocator struct {
	mu   sync.Mutex
	last uint32
}

// Next returns the next free ID according to occupied, marking nothing
// itself - the caller inserts the returned ID into its own table under the
// same lock that subsequently guards that table (§5 lock-ordering: the
// allocator is always used with the context-wide mutex already held).
func (a *Allocator) Next(occupied func(uint32) bool) uint32 {
	a.mu.Lock()
	defer a.mu.Unlock()
	id := a.last
	for {
		id++
		if id == uint32(InvalidCID) { // == uint32(InvalidIOID) too; both sentinels are 0xFFFFFFFF
			id = 0
		}
		if !occupied(id) {
			a.last = id
			return id
		}
		if id == a.last {
			// wrapped all the way around with no free slot; cannot happen
			// under any realistic channel/operation count, but never spin
			// forever.
			panic("ids: allocator exhausted")
		}
	}
}

// Table is a simple occupancy-tracking map used by both the CID table
// (Channel, by CID) and the IOID table (pending operation, by IOID). It is
// not safe for concurrent use on its own; callers hold the context mutex
// (CID/IOID table, §5 domain 4) around every call.
type Table[K ~uint32, V any] struct {
	m   map[K]V
	alc Allocator
}

func NewTable[K ~uint32, V any]() *Table[K, V] {
	return &Table[K, V]{m: make(map[K]V)}
}

func (t *Table[K, V]) Alloc(invalid K) K {
	id := t.alc.Next(func(id uint32) bool {
		if K(id) == invalid {
			return true
		}
		_, ok := t.m[K(id)]
		return ok
	})
	return K(id)
}

func (t *Table[K, V]) Put(k K, v V)    { t.m[k] = v }
func (t *Table[K, V]) Delete(k K)      { delete(t.m, k) }
func (t *Table[K, V]) Get(k K) (V, bool) {
	v, ok := t.m[k]
	return v, ok
}
func (t *Table[K, V]) Len() int { return len(t.m) }

func (t *Table[K, V]) Range(f func(K, V) bool) {
	for k, v := range t.m {
		if !f(k, v) {
			return
		}
	}
}
