package monitor_test

import (
	"bytes"
	"encoding/binary"
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/epics-base/pvaccess-go/internal/codec"
	"github.com/epics-base/pvaccess-go/internal/monitor"
	"github.com/epics-base/pvaccess-go/internal/pvdata"
)

func TestMonitor(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "monitor")
}

func proto() pvdata.Structure {
	return pvdata.NewGenericStructure("testStruct",
		pvdata.NamedField{Name: "value", Value: &pvdata.Int32Field{}},
		pvdata.NamedField{Name: "name", Value: &pvdata.StringField{}},
	)
}

// encodeTriple writes one monitor update frame (changed-bitset, masked
// value, overrun-bitset) the way the server would, for a single changed
// field at bit offset 1 ("value").
func encodeTriple(value int32, bit int, overrun *pvdata.BitSet) *codec.Reader {
	w := codec.NewWriter(binary.BigEndian)
	changed := pvdata.NewBitSet(3)
	changed.Set(bit)
	Expect(changed.Serialize(w)).To(Succeed())
	w.PutUint32(uint32(value)) // the "value" leaf, the only one masked in
	if overrun == nil {
		overrun = pvdata.NewBitSet(3)
	}
	Expect(overrun.Serialize(w)).To(Succeed())
	return codec.NewReader(bytes.NewReader(w.Bytes()), binary.BigEndian)
}

var _ = Describe("monitor strategies", func() {
	Describe("notify", func() {
		It("wakes the caller without buffering any data", func() {
			events := 0
			s := monitor.New(-1, func() { events++ }, nil)
			s.Init(proto())
			s.Start()
			Expect(s.Response(encodeTriple(1, 1, nil))).To(Succeed())
			Expect(events).To(Equal(1))
			_, ok := s.Poll()
			Expect(ok).To(BeFalse())
		})

		It("stays silent until Start is called", func() {
			events := 0
			s := monitor.New(-1, func() { events++ }, nil)
			s.Init(proto())
			Expect(s.Response(encodeTriple(1, 1, nil))).To(Succeed())
			Expect(events).To(Equal(0))
		})
	})

	Describe("entire", func() {
		It("replaces its buffer wholesale and never accumulates overrun", func() {
			s := monitor.New(0, func() {}, nil)
			s.Init(proto())
			s.Start()

			Expect(s.Response(encodeTriple(1, 1, nil))).To(Succeed())
			Expect(s.Response(encodeTriple(2, 1, nil))).To(Succeed())

			el, ok := s.Poll()
			Expect(ok).To(BeTrue())
			v, _, _ := el.Structure.(*pvdata.GenericStructure).Field("value")
			Expect(v.(*pvdata.Int32Field).V).To(Equal(int32(2)))
			// second update overwrote the first rather than merging overrun.
			Expect(el.Overrun.IsEmpty()).To(BeTrue())

			_, ok = s.Poll()
			Expect(ok).To(BeFalse())
		})
	})

	Describe("single", func() {
		It("merges consecutive unpolled updates and records overrun on the overlap", func() {
			s := monitor.New(1, func() {}, nil)
			s.Init(proto())
			s.Start()

			Expect(s.Response(encodeTriple(1, 1, nil))).To(Succeed())
			Expect(s.Response(encodeTriple(2, 1, nil))).To(Succeed())

			el, ok := s.Poll()
			Expect(ok).To(BeTrue())
			Expect(el.Overrun.Get(1)).To(BeTrue(), "second update changed the same field before the first was polled")

			_, ok = s.Poll()
			Expect(ok).To(BeFalse())
		})

		It("reports no overrun when updates don't overlap a pending poll", func() {
			s := monitor.New(1, func() {}, nil)
			s.Init(proto())
			s.Start()
			Expect(s.Response(encodeTriple(1, 1, nil))).To(Succeed())

			el, ok := s.Poll()
			Expect(ok).To(BeTrue())
			Expect(el.Overrun.IsEmpty()).To(BeTrue())
		})
	})

	Describe("queue", func() {
		It("publishes every update as long as a free element is available", func() {
			s := monitor.New(3, func() {}, nil)
			s.Init(proto())
			s.Start()

			Expect(s.Response(encodeTriple(1, 1, nil))).To(Succeed())
			Expect(s.Response(encodeTriple(2, 1, nil))).To(Succeed())

			_, ok := s.Poll()
			Expect(ok).To(BeTrue())
			_, ok = s.Poll()
			Expect(ok).To(BeTrue())
			_, ok = s.Poll()
			Expect(ok).To(BeFalse())
		})

		It("holds the working element back and accumulates overrun once the free list runs dry", func() {
			s := monitor.New(2, func() {}, nil) // one working buffer, one free
			s.Init(proto())
			s.Start()

			// Update 1 finds a free element waiting and publishes immediately.
			Expect(s.Response(encodeTriple(1, 1, nil))).To(Succeed())

			// Update 2 exhausts the free list: it becomes the held-back working
			// element instead of publishing.
			Expect(s.Response(encodeTriple(2, 1, nil))).To(Succeed())
			// Update 3 merges into that same held-back working element; since
			// both 2 and 3 touched the same field, the overlap is overrun.
			Expect(s.Response(encodeTriple(3, 1, nil))).To(Succeed())

			el1, ok := s.Poll()
			Expect(ok).To(BeTrue())
			v, _, _ := el1.Structure.(*pvdata.GenericStructure).Field("value")
			Expect(v.(*pvdata.Int32Field).V).To(Equal(int32(1)))
			_, ok = s.Poll()
			Expect(ok).To(BeFalse(), "the merged 2+3 element is still held back, not yet in the used list")

			// Releasing el1 frees a slot, flushing the held-back merge.
			s.Release(el1)
			Expect(s.Response(encodeTriple(4, 1, nil))).To(Succeed())

			el, ok := s.Poll()
			Expect(ok).To(BeTrue())
			Expect(el.Overrun.Get(1)).To(BeTrue(), "updates 2 and 3 overlapped while held back")
		})
	})
})
