// Package pvdata stands in for the "external library with known
// serialization primitives" named in §1: the full PV-structure introspection
// type system is explicitly out of scope, but the client engine still needs
// something concrete implementing serialize(buffer)/deserialize(buffer) on
// field values, change-bitsets, and status codes to drive Get/Put/Monitor
// end to end in tests. Real deployments substitute a full pvData
// implementation behind the same Field/Structure interfaces.
package pvdata

import "github.com/epics-base/pvaccess-go/internal/codec"

// Field is anything that can serialize/deserialize itself on the wire - the
// minimal contract §1 asks the client engine to consume.
type Field interface {
	Serialize(w *codec.Writer) error
	Deserialize(r *codec.Reader) error
}

// Structure is a Field with enough introspection to size a change-bitset
// against it and to be masked-copied field by field (Get/Put/Monitor all
// need both).
type Structure interface {
	Field
	TypeID() string
	NumFields() int // including the structure itself at offset 0
	Tree() *FieldTree
	Clone() Structure
	// CopyMasked copies every field whose offset is set in mask from src
	// into the receiver, leaving unset fields untouched - the semantics
	// §4.9 requires for masked Put and for Monitor's merge-into-working.
	CopyMasked(src Structure, mask *BitSet)
	// SerializeMasked writes only the fields whose offset is set in mask.
	SerializeMasked(w *codec.Writer, mask *BitSet) error
	// DeserializeMasked reads only the fields whose offset is set in mask,
	// in the same relative order SerializeMasked writes them - a monitor
	// update's masked structure value decodes this way (§4.9).
	DeserializeMasked(r *codec.Reader, mask *BitSet) error
}

// Int32Field, Float64Field and StringField are scalar leaves sufficient for
// the §8 test scenarios ("testCounter", "testValue").
type (
	Int32Field   struct{ V int32 }
	Float64Field struct{ V float64 }
	StringField  struct{ V string }
)

func (f *Int32Field) Serialize(w *codec.Writer) error { w.PutUint32(uint32(f.V)); return nil }
func (f *Int32Field) Deserialize(r *codec.Reader) error {
	v, err := r.Uint32()
	f.V = int32(v)
	return err
}

func (f *Float64Field) Serialize(w *codec.Writer) error {
	w.PutUint64(float64bits(f.V))
	return nil
}
func (f *Float64Field) Deserialize(r *codec.Reader) error {
	v, err := r.Uint64()
	f.V = float64frombits(v)
	return err
}

func (f *StringField) Serialize(w *codec.Writer) error { w.PutString(f.V); return nil }
func (f *StringField) Deserialize(r *codec.Reader) error {
	v, err := r.String()
	f.V = v
	return err
}
