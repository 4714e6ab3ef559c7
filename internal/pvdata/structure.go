package pvdata

import "github.com/epics-base/pvaccess-go/internal/codec"

// FieldTree records, for a structure's flattened DFS-order field offsets
// (offset 0 is the structure itself), which offset is the parent of which -
// exactly what BitSet.Compress needs to fold subfield bits up into a parent
// bit, and what a Monitor strategy needs to size a fresh change-bitset for
// an incoming structure type.
type FieldTree struct {
	parent   []int // parent[i] = parent offset, -1 for the root
	children [][]int
}

func newFieldTree(n int) *FieldTree {
	t := &FieldTree{parent: make([]int, n), children: make([][]int, n)}
	for i := range t.parent {
		t.parent[i] = -1
	}
	return t
}

func (t *FieldTree) link(parent, child int) {
	t.parent[child] = parent
	t.children[parent] = append(t.children[parent], child)
}

func (t *FieldTree) NumFields() int      { return len(t.parent) }
func (t *FieldTree) Parent(i int) int    { return t.parent[i] }
func (t *FieldTree) Children(i int) []int { return t.children[i] }

// NamedField is one member of a GenericStructure: a field name paired with
// either a scalar Field or a nested *GenericStructure.
type NamedField struct {
	Name  string
	Value Field
}

// GenericStructure is the stand-in Structure used by tests and by the
// §8 scenario channels ("testCounter", "testValue"): an ordered, named set
// of fields, flattened in DFS pre-order to assign bitset offsets.
type GenericStructure struct {
	id     string
	fields []NamedField
	offset []int // offset[i] = bitset offset of fields[i]'s own node
	tree   *FieldTree
}

// NewGenericStructure builds a structure and its FieldTree from a flat list
// of named fields. Nested *GenericStructure values are flattened
// recursively, each contributing its own subtree.
func NewGenericStructure(typeID string, fields ...NamedField) *GenericStructure {
	s := &GenericStructure{id: typeID, fields: fields}
	s.build()
	return s
}

func (s *GenericStructure) build() {
	total := 1 // the structure node itself occupies offset 0
	var count func(f Field) int
	count = func(f Field) int {
		if sub, ok := f.(*GenericStructure); ok {
			n := 1
			for _, nf := range sub.fields {
				n += count(nf.Value)
			}
			return n
		}
		return 1
	}
	for _, nf := range s.fields {
		total += count(nf.Value)
	}
	s.tree = newFieldTree(total)
	s.offset = make([]int, len(s.fields))

	next := 1
	var assign func(parent int, f Field) int
	assign = func(parent int, f Field) int {
		me := next
		next++
		s.tree.link(parent, me)
		if sub, ok := f.(*GenericStructure); ok {
			sub.offset = make([]int, len(sub.fields))
			sub.tree = s.tree
			for i, nf := range sub.fields {
				sub.offset[i] = assign(me, nf.Value)
			}
		}
		return me
	}
	for i, nf := range s.fields {
		s.offset[i] = assign(0, nf.Value)
	}
}

func (s *GenericStructure) TypeID() string   { return s.id }
func (s *GenericStructure) NumFields() int   { return s.tree.NumFields() }
func (s *GenericStructure) Tree() *FieldTree { return s.tree }

func (s *GenericStructure) Field(name string) (Field, int, bool) {
	for i, nf := range s.fields {
		if nf.Name == name {
			return nf.Value, s.offset[i], true
		}
	}
	return nil, 0, false
}

func (s *GenericStructure) Clone() Structure {
	clone := make([]NamedField, len(s.fields))
	for i, nf := range s.fields {
		clone[i] = NamedField{Name: nf.Name, Value: cloneField(nf.Value)}
	}
	return NewGenericStructure(s.id, clone...)
}

func cloneField(f Field) Field {
	switch v := f.(type) {
	case *Int32Field:
		c := *v
		return &c
	case *Float64Field:
		c := *v
		return &c
	case *StringField:
		c := *v
		return &c
	case *GenericStructure:
		return v.Clone().(*GenericStructure)
	default:
		return f
	}
}

// CopyMasked copies every field whose bitset offset is set in mask from src
// into the receiver. Offset 0 (the whole structure) set means "copy
// everything".
func (s *GenericStructure) CopyMasked(src Structure, mask *BitSet) {
	srcG, ok := src.(*GenericStructure)
	if !ok || len(srcG.fields) != len(s.fields) {
		return
	}
	all := mask.Get(0)
	for i := range s.fields {
		if all || mask.Get(s.offset[i]) {
			copyLeaf(s.fields[i].Value, srcG.fields[i].Value)
		} else if sub, ok := s.fields[i].Value.(*GenericStructure); ok {
			sub.CopyMasked(srcG.fields[i].Value.(*GenericStructure), mask)
		}
	}
}

func copyLeaf(dst, src Field) {
	switch d := dst.(type) {
	case *Int32Field:
		d.V = src.(*Int32Field).V
	case *Float64Field:
		d.V = src.(*Float64Field).V
	case *StringField:
		d.V = src.(*StringField).V
	case *GenericStructure:
		full := NewBitSet(d.NumFields())
		full.Set(0)
		d.CopyMasked(src.(*GenericStructure), full)
	}
}

func (s *GenericStructure) Serialize(w *codec.Writer) error {
	for _, nf := range s.fields {
		if err := nf.Value.Serialize(w); err != nil {
			return err
		}
	}
	return nil
}

func (s *GenericStructure) Deserialize(r *codec.Reader) error {
	for _, nf := range s.fields {
		if err := nf.Value.Deserialize(r); err != nil {
			return err
		}
	}
	return nil
}

// DeserializeMasked reads only fields whose bitset offset is set, in the
// same relative order SerializeMasked writes them - what a monitor
// update's masked structure value decodes with (§4.9).
func (s *GenericStructure) DeserializeMasked(r *codec.Reader, mask *BitSet) error {
	all := mask.Get(0)
	for i, nf := range s.fields {
		if all || mask.Get(s.offset[i]) {
			if err := nf.Value.Deserialize(r); err != nil {
				return err
			}
		}
	}
	return nil
}

// SerializeMasked writes only fields whose bitset offset is set, in the
// same relative order as Serialize - used by masked Put (§4.8).
func (s *GenericStructure) SerializeMasked(w *codec.Writer, mask *BitSet) error {
	all := mask.Get(0)
	for i, nf := range s.fields {
		if all || mask.Get(s.offset[i]) {
			if err := nf.Value.Serialize(w); err != nil {
				return err
			}
		}
	}
	return nil
}
