package pvdata

import "github.com/epics-base/pvaccess-go/internal/codec"

// BitSet addresses bits by field offset in a structure tree, per the
// GLOSSARY's change-bitset/overrun-bitset definition. It backs both the
// change-bitset and the overrun-bitset carried in every monitor update
// (§4.9) and the masked-write bitset used by Put.
type BitSet struct {
	words []uint64
}

func NewBitSet(nbits int) *BitSet {
	return &BitSet{words: make([]uint64, (nbits+63)/64)}
}

func (b *BitSet) ensure(word int) {
	if word >= len(b.words) {
		grown := make([]uint64, word+1)
		copy(grown, b.words)
		b.words = grown
	}
}

func (b *BitSet) Set(i int) {
	w, bit := i/64, uint(i%64)
	b.ensure(w)
	b.words[w] |= 1 << bit
}

func (b *BitSet) Clear(i int) {
	w, bit := i/64, uint(i%64)
	if w < len(b.words) {
		b.words[w] &^= 1 << bit
	}
}

func (b *BitSet) Get(i int) bool {
	w, bit := i/64, uint(i%64)
	if w >= len(b.words) {
		return false
	}
	return b.words[w]&(1<<bit) != 0
}

func (b *BitSet) ClearAll() {
	for i := range b.words {
		b.words[i] = 0
	}
}

func (b *BitSet) IsEmpty() bool {
	for _, w := range b.words {
		if w != 0 {
			return false
		}
	}
	return true
}

func (b *BitSet) Clone() *BitSet {
	c := &BitSet{words: make([]uint64, len(b.words))}
	copy(c.words, b.words)
	return c
}

func (b *BitSet) CopyFrom(o *BitSet) {
	b.ensure(len(o.words) - 1)
	for i := range b.words {
		b.words[i] = 0
	}
	copy(b.words, o.words)
}

// Or sets every bit that is set in o, growing as needed - used for
// "changed |= new-changed" and "overrun |= new-overrun", §4.9.
func (b *BitSet) Or(o *BitSet) {
	b.ensure(len(o.words) - 1)
	for i, w := range o.words {
		b.words[i] |= w
	}
}

// And returns a new BitSet with bits set only where both b and o are set -
// used for "overrun |= (prev-changed AND new-changed)", §4.9.
func And(a, o *BitSet) *BitSet {
	n := len(a.words)
	if len(o.words) > n {
		n = len(o.words)
	}
	r := &BitSet{words: make([]uint64, n)}
	for i := range r.words {
		var aw, ow uint64
		if i < len(a.words) {
			aw = a.words[i]
		}
		if i < len(o.words) {
			ow = o.words[i]
		}
		r.words[i] = aw & ow
	}
	return r
}

// Serialize writes the bitset using a trimmed word count (trailing
// all-zero words are not transmitted), matching the external wire
// library's compact bitset encoding.
func (b *BitSet) Serialize(w *codec.Writer) error {
	n := len(b.words)
	for n > 0 && b.words[n-1] == 0 {
		n--
	}
	w.PutSize(n)
	for i := 0; i < n; i++ {
		w.PutUint64(b.words[i])
	}
	return nil
}

func (b *BitSet) Deserialize(r *codec.Reader) error {
	n, isNull, err := r.Size()
	if err != nil {
		return err
	}
	if isNull {
		n = 0
	}
	b.words = make([]uint64, n)
	for i := 0; i < n; i++ {
		v, err := r.Uint64()
		if err != nil {
			return err
		}
		b.words[i] = v
	}
	return nil
}

// Compress folds bits referring to every child of a fully-changed compound
// field up into the parent's own bit, so a poller sees the minimal
// representation (§4.9, Single strategy "Compression of bitsets... at poll
// time"). It is idempotent and safe to call on an already-compressed set.
func (b *BitSet) Compress(tree *FieldTree) {
	if tree == nil {
		return
	}
	changed := true
	for changed {
		changed = false
		for off := tree.NumFields() - 1; off >= 0; off-- {
			children := tree.Children(off)
			if len(children) == 0 || b.Get(off) {
				continue
			}
			allSet := true
			for _, c := range children {
				if !b.Get(c) {
					allSet = false
					break
				}
			}
			if allSet {
				for _, c := range children {
					b.Clear(c)
				}
				b.Set(off)
				changed = true
			}
		}
	}
}
