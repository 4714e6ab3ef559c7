package ids_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/epics-base/pvaccess-go/internal/ids"
)

func TestTableAllocSkipsOccupiedAndInvalid(t *testing.T) {
	tbl := ids.NewTable[ids.CID, string]()

	a := tbl.Alloc(ids.InvalidCID)
	tbl.Put(a, "first")
	b := tbl.Alloc(ids.InvalidCID)
	require.NotEqual(t, a, b)
	tbl.Put(b, "second")

	require.Equal(t, 2, tbl.Len())
	v, ok := tbl.Get(a)
	require.True(t, ok)
	require.Equal(t, "first", v)
}

func TestTableDeleteFreesID(t *testing.T) {
	tbl := ids.NewTable[ids.IOID, int]()

	a := tbl.Alloc(ids.InvalidIOID)
	tbl.Put(a, 1)
	tbl.Delete(a)

	_, ok := tbl.Get(a)
	require.False(t, ok)
	require.Equal(t, 0, tbl.Len())
}

func TestTableRangeStopsEarly(t *testing.T) {
	tbl := ids.NewTable[ids.CID, int]()
	for i := 0; i < 5; i++ {
		id := tbl.Alloc(ids.InvalidCID)
		tbl.Put(id, i)
	}

	seen := 0
	tbl.Range(func(ids.CID, int) bool {
		seen++
		return seen < 2
	})
	require.Equal(t, 2, seen)
}

func TestAllocatorNeverReturnsInvalidSentinel(t *testing.T) {
	var a ids.Allocator
	occupied := map[uint32]bool{}
	for i := 0; i < 1000; i++ {
		id := a.Next(func(id uint32) bool { return occupied[id] })
		require.NotEqual(t, uint32(ids.InvalidCID), id)
		occupied[id] = true
	}
}
