package ops

import (
	"github.com/epics-base/pvaccess-go/internal/channel"
	"github.com/epics-base/pvaccess-go/internal/codec"
	"github.com/epics-base/pvaccess-go/internal/cos"
	"github.com/epics-base/pvaccess-go/internal/pvdata"
	"github.com/epics-base/pvaccess-go/internal/request"
	"github.com/epics-base/pvaccess-go/internal/wire"
)

// arrayCmd distinguishes the three sub-operations Array multiplexes over
// QoS.GET / QoS.GET_PUT, §4.8.
type arrayCmd int

const (
	arrayGet arrayCmd = iota
	arrayPut
	arraySetLength
)

// Array implements §4.8's Array row: GET reads an offset/count slice, PUT
// writes an offset plus array-slice, SET_LENGTH adjusts length/capacity.
// Stride other than 1 is rejected before any send, per the numeric
// semantics paragraph.
type Array struct {
	*request.Base
	req   ArrayRequester
	pvReq pvdata.Structure
	value pvdata.Structure

	pendingCmd              arrayCmd
	pendingOffset           uint32
	pendingCount            uint32
	pendingLength, pendingCapacity uint32
	pendingSlice            pvdata.Structure
}

func NewArray(ch *channel.Channel, req ArrayRequester, pvRequest, proto pvdata.Structure) *Array {
	a := &Array{req: req, pvReq: pvRequest, value: proto.Clone()}
	a.Base = request.New(ch, wire.CmdArray, a)
	a.Base.SetSelf(a)
	ch.AddOp(a)
	if err := a.Base.StartRequest(request.QoSPending(wire.QoSInit)); err == nil {
		ch.EnqueueSend(a)
	}
	return a
}

func (a *Array) IsSubscription() bool { return false }

func (a *Array) Message(severity wire.MessageSeverity, text string) { a.req.Message(severity, text) }

func (a *Array) WriteSend(w *codec.Writer, qos wire.QoS) error {
	if qos.Has(wire.QoSInit) {
		return a.pvReq.Serialize(w)
	}
	switch a.pendingCmd {
	case arrayGet:
		w.PutUint32(a.pendingOffset)
		w.PutUint32(a.pendingCount)
		return nil
	case arrayPut:
		w.PutUint32(a.pendingOffset)
		return a.pendingSlice.Serialize(w)
	default: // arraySetLength
		w.PutUint32(a.pendingLength)
		w.PutUint32(a.pendingCapacity)
		return nil
	}
}

func (a *Array) InitResponse(status wire.Status, r *codec.Reader) {
	a.req.ChannelArrayConnect(status)
}

func (a *Array) DestroyResponse(status wire.Status, r *codec.Reader) {
	a.respond(status, r)
}

func (a *Array) NormalResponse(qos wire.QoS, status wire.Status, r *codec.Reader) {
	a.respond(status, r)
}

func (a *Array) respond(status wire.Status, r *codec.Reader) {
	switch a.pendingCmd {
	case arrayGet:
		if status.OK() {
			if err := a.value.Deserialize(r); err != nil {
				a.req.GetArrayDone(wire.Status{Type: wire.StatusError, Message: err.Error()}, nil)
				return
			}
			a.req.GetArrayDone(status, a.value)
			return
		}
		a.req.GetArrayDone(status, nil)
	case arrayPut:
		a.req.PutArrayDone(status)
	default:
		a.req.SetLengthDone(status)
	}
}

// GetSlice reads count elements starting at offset (count==0 means "to
// end"); stride must be 1. If lastRequest, the channel is also released
// (QoS|=DESTROY) after this round, matching getArray's lastRequest
// argument in the original client.
func (a *Array) GetSlice(offset, count uint32, stride int, lastRequest bool) error {
	if stride != 1 {
		a.req.GetArrayDone(wire.Status{Type: wire.StatusError, Message: cos.ErrStrideNotSupported.Error()}, nil)
		return cos.ErrStrideNotSupported
	}
	qos := wire.QoSGet
	if lastRequest {
		qos |= wire.QoSDestroy
	}
	if err := a.Base.StartRequest(request.QoSPending(qos)); err != nil {
		return err
	}
	a.pendingCmd, a.pendingOffset, a.pendingCount = arrayGet, offset, count
	return a.Base.Channel().EnqueueSend(a)
}

// PutSlice writes value starting at offset; stride must be 1. If
// lastRequest, the channel is also released (QoS|=DESTROY) after this
// round, matching putArray's lastRequest argument in the original client.
func (a *Array) PutSlice(offset uint32, value pvdata.Structure, stride int, lastRequest bool) error {
	if stride != 1 {
		a.req.PutArrayDone(wire.Status{Type: wire.StatusError, Message: cos.ErrStrideNotSupported.Error()})
		return cos.ErrStrideNotSupported
	}
	qos := wire.QoSDefault
	if lastRequest {
		qos |= wire.QoSDestroy
	}
	if err := a.Base.StartRequest(request.QoSPending(qos)); err != nil {
		return err
	}
	a.pendingCmd, a.pendingOffset, a.pendingSlice = arrayPut, offset, value
	return a.Base.Channel().EnqueueSend(a)
}

// SetLength adjusts the array's length/capacity (QoS.GET_PUT). If
// lastRequest, the channel is also released (QoS|=DESTROY) after this
// round, matching setLength's lastRequest argument in the original client.
func (a *Array) SetLength(length, capacity uint32, lastRequest bool) error {
	qos := wire.QoSGetPut
	if lastRequest {
		qos |= wire.QoSDestroy
	}
	if err := a.Base.StartRequest(request.QoSPending(qos)); err != nil {
		return err
	}
	a.pendingCmd, a.pendingLength, a.pendingCapacity = arraySetLength, length, capacity
	return a.Base.Channel().EnqueueSend(a)
}
