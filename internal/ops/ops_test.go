package ops_test

import (
	"bytes"
	"encoding/binary"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/epics-base/pvaccess-go/internal/channel"
	"github.com/epics-base/pvaccess-go/internal/codec"
	"github.com/epics-base/pvaccess-go/internal/cos"
	"github.com/epics-base/pvaccess-go/internal/hk"
	"github.com/epics-base/pvaccess-go/internal/ids"
	"github.com/epics-base/pvaccess-go/internal/ops"
	"github.com/epics-base/pvaccess-go/internal/pvdata"
	"github.com/epics-base/pvaccess-go/internal/search"
	"github.com/epics-base/pvaccess-go/internal/stats"
	"github.com/epics-base/pvaccess-go/internal/transport"
	"github.com/epics-base/pvaccess-go/internal/wire"
)

// fakeCtx is the minimal channel.ContextView every operation constructor
// needs: IOID allocation/registration only. No real transport is wired, so
// every EnqueueSend call returns cos.ErrChannelNotConnected - fine for
// these tests, which drive responses directly rather than over a socket.
type fakeCtx struct {
	mu  sync.Mutex
	ops map[ids.IOID]channel.PendingOp
	n   uint32
}

func newFakeCtx() *fakeCtx { return &fakeCtx{ops: make(map[ids.IOID]channel.PendingOp)} }

func (f *fakeCtx) AllocIOID() ids.IOID {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.n++
	return ids.IOID(f.n)
}
func (f *fakeCtx) RegisterOp(ioid ids.IOID, op channel.PendingOp) {
	f.mu.Lock()
	f.ops[ioid] = op
	f.mu.Unlock()
}
func (f *fakeCtx) UnregisterOp(ioid ids.IOID) {
	f.mu.Lock()
	delete(f.ops, ioid)
	f.mu.Unlock()
}
func (f *fakeCtx) GetOrCreateTransport(string, int) (*transport.Transport, error) { return nil, nil }
func (f *fakeCtx) Stats() *stats.Registry                                         { return nil }
func (f *fakeCtx) Housekeeper() *hk.Housekeeper                                   { return nil }
func (f *fakeCtx) Search() *search.Manager                                        { return nil }

func newChannel() *channel.Channel {
	return channel.New(newFakeCtx(), ids.CID(1), "test:pv", 0, nil)
}

// sender is the Lock/Unlock/Send surface every request.Base-derived
// operation satisfies; flush simulates the transport's send loop actually
// writing a queued operation, which is what clears its pending QoS back to
// NullRequest (StartRequest alone never does).
type sender interface {
	Lock()
	Unlock()
	Send(w *codec.Writer) error
}

func flush(s sender) error {
	w := codec.NewWriter(binary.BigEndian)
	s.Lock()
	defer s.Unlock()
	return s.Send(w)
}

func protoStruct() pvdata.Structure {
	return pvdata.NewGenericStructure("testStruct",
		pvdata.NamedField{Name: "value", Value: &pvdata.Int32Field{}},
	)
}

// encodeBitsetPlusValue writes one changed-bitset then the masked int32
// value, the wire shape Get/Put's full-structure responses use.
func encodeBitsetPlusValue(numFields int, bit int, value int32) *codec.Reader {
	w := codec.NewWriter(binary.BigEndian)
	bs := pvdata.NewBitSet(numFields)
	bs.Set(bit)
	bs.Serialize(w)
	w.PutUint32(uint32(value))
	return codec.NewReader(bytes.NewReader(w.Bytes()), binary.BigEndian)
}

// encodeFullStruct writes a plain (unmasked) structure, the shape Put's
// Get sub-operation response uses.
func encodeFullStruct(value int32) *codec.Reader {
	w := codec.NewWriter(binary.BigEndian)
	w.PutUint32(uint32(value))
	return codec.NewReader(bytes.NewReader(w.Bytes()), binary.BigEndian)
}

type fakeGetRequester struct {
	mu        sync.Mutex
	connectSt wire.Status
	doneSt    wire.Status
	doneVal   pvdata.Structure
	doneCalls int
}

func (r *fakeGetRequester) ChannelDisconnect(destroyed bool)   {}
func (r *fakeGetRequester) ChannelGetConnect(status wire.Status) { r.connectSt = status }
func (r *fakeGetRequester) GetDone(status wire.Status, changed *pvdata.BitSet, value pvdata.Structure) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.doneSt, r.doneVal = status, value
	r.doneCalls++
}
func (r *fakeGetRequester) Message(severity wire.MessageSeverity, text string) {}

func TestGet_SimpleGetRoundtrip(t *testing.T) {
	ch := newChannel()
	req := &fakeGetRequester{}
	proto := protoStruct()

	g := ops.NewGet(ch, req, protoStruct(), proto)

	// Simulate the server's INIT response: OK status plus changed-bitset
	// and masked value, the way Get's own readData expects.
	g.Response(wire.CmdGet, wire.QoSInit, wire.Status{Type: wire.StatusOK}, encodeBitsetPlusValue(2, 1, 7))

	require.True(t, req.connectSt.OK())
	require.Equal(t, 1, req.doneCalls)
	require.True(t, req.doneSt.OK())

	v, _, ok := req.doneVal.(*pvdata.GenericStructure).Field("value")
	require.True(t, ok)
	require.Equal(t, int32(7), v.(*pvdata.Int32Field).V)
}

type fakePutRequester struct {
	mu         sync.Mutex
	connected  bool
	putDoneSt  wire.Status
	putDoneN   int
	getDoneSt  wire.Status
	getDoneVal pvdata.Structure
}

func (r *fakePutRequester) ChannelDisconnect(destroyed bool)     {}
func (r *fakePutRequester) ChannelPutConnect(status wire.Status) { r.connected = status.OK() }
func (r *fakePutRequester) PutDone(status wire.Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.putDoneSt = status
	r.putDoneN++
}
func (r *fakePutRequester) GetDone(status wire.Status, value pvdata.Structure) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.getDoneSt, r.getDoneVal = status, value
}
func (r *fakePutRequester) Message(severity wire.MessageSeverity, text string) {}

func TestPut_ThenGetRoundtrip(t *testing.T) {
	ch := newChannel()
	req := &fakePutRequester{}
	p := ops.NewPut(ch, req, protoStruct(), protoStruct())
	require.NoError(t, flush(p)) // clears the constructor's own latched INIT send

	p.Response(wire.CmdPut, wire.QoSInit, wire.Status{Type: wire.StatusOK}, nil)
	require.True(t, req.connected)

	mask := pvdata.NewBitSet(1)
	mask.Set(0)
	require.ErrorIs(t, p.Request(mask, protoStruct()), cos.ErrChannelNotConnected) // no live transport, request still latched
	require.NoError(t, flush(p)) // simulate the transport actually carrying the PUT request
	p.Response(wire.CmdPut, wire.QoSDefault, wire.Status{Type: wire.StatusOK}, nil)
	require.Equal(t, 1, req.putDoneN)
	require.True(t, req.putDoneSt.OK())

	require.ErrorIs(t, p.Get(), cos.ErrChannelNotConnected)
	p.Response(wire.CmdPut, wire.QoSGet, wire.Status{Type: wire.StatusOK}, encodeFullStruct(9))
	require.True(t, req.getDoneSt.OK())
	v, _, ok := req.getDoneVal.(*pvdata.GenericStructure).Field("value")
	require.True(t, ok)
	require.Equal(t, int32(9), v.(*pvdata.Int32Field).V)
}

type fakeArrayRequester struct {
	getArrayCalls int
}

func (r *fakeArrayRequester) ChannelDisconnect(destroyed bool)     {}
func (r *fakeArrayRequester) ChannelArrayConnect(status wire.Status) {}
func (r *fakeArrayRequester) PutArrayDone(status wire.Status)      {}
func (r *fakeArrayRequester) GetArrayDone(status wire.Status, value pvdata.Structure) {
	r.getArrayCalls++
}
func (r *fakeArrayRequester) SetLengthDone(status wire.Status)                {}
func (r *fakeArrayRequester) Message(severity wire.MessageSeverity, text string) {}

func TestArray_GetSlice_RejectsConcurrentRequest(t *testing.T) {
	ch := newChannel()
	req := &fakeArrayRequester{}
	a := ops.NewArray(ch, req, protoStruct(), protoStruct())
	require.NoError(t, flush(a)) // clears the constructor's own latched INIT send

	err := a.GetSlice(0, 10, 1, false)
	require.ErrorIs(t, err, cos.ErrChannelNotConnected) // latched, nothing wired to carry it

	err = a.GetSlice(10, 10, 1, false)
	require.ErrorIs(t, err, cos.ErrOtherRequestPending, "a second slice request before the first resolves must be rejected")
}

func TestArray_GetSlice_RejectsStride(t *testing.T) {
	ch := newChannel()
	req := &fakeArrayRequester{}
	a := ops.NewArray(ch, req, protoStruct(), protoStruct())

	err := a.GetSlice(0, 10, 2, false)
	require.ErrorIs(t, err, cos.ErrStrideNotSupported)
	require.Equal(t, 1, req.getArrayCalls, "a rejected stride must still report GetArrayDone with the error")
}

func TestArray_DestroyInFlight(t *testing.T) {
	ch := newChannel()
	req := &fakeArrayRequester{}
	a := ops.NewArray(ch, req, protoStruct(), protoStruct())
	require.NoError(t, flush(a)) // clears the constructor's own latched INIT send

	require.ErrorIs(t, a.GetSlice(0, 10, 1, true), cos.ErrChannelNotConnected)
	a.Destroy(false)

	err := a.GetSlice(0, 10, 1, false)
	require.ErrorIs(t, err, cos.ErrRequestDestroyed)
}

type fakeGetFieldRequester struct {
	status wire.Status
	field  pvdata.Field
	calls  int
}

func (r *fakeGetFieldRequester) GetFieldDone(status wire.Status, field pvdata.Field) {
	r.status, r.field = status, field
	r.calls++
}
func (r *fakeGetFieldRequester) Message(severity wire.MessageSeverity, text string) {}

func TestGetField_SingleResponseThenSelfDestructs(t *testing.T) {
	ch := newChannel()
	req := &fakeGetFieldRequester{}
	into := &pvdata.Int32Field{}
	g := ops.NewGetField(ch, req, "value", into)

	w := codec.NewWriter(binary.BigEndian)
	w.PutUint32(5)
	r := codec.NewReader(bytes.NewReader(w.Bytes()), binary.BigEndian)

	g.Response(wire.CmdGetField, wire.QoSDefault, wire.Status{Type: wire.StatusOK}, r)
	require.Equal(t, 1, req.calls)
	require.Equal(t, int32(5), into.V)

	// A duplicate/late response must not be delivered a second time.
	g.Response(wire.CmdGetField, wire.QoSDefault, wire.Status{Type: wire.StatusOK}, r)
	require.Equal(t, 1, req.calls)
}
