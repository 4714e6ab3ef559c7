package ops

import (
	"github.com/epics-base/pvaccess-go/internal/channel"
	"github.com/epics-base/pvaccess-go/internal/codec"
	"github.com/epics-base/pvaccess-go/internal/pvdata"
	"github.com/epics-base/pvaccess-go/internal/request"
	"github.com/epics-base/pvaccess-go/internal/wire"
)

// PutGet implements §4.8's PutGet row: init sends the pvRequest; three
// sub-operations multiplex on QoS - putGet (default bits) writes the new
// put structure and reads back the get-side structure in one round trip,
// getGet (QoS.GET) re-reads the get-side structure, getPut (QoS.GET_PUT)
// reads back the put-side structure last written.
type PutGet struct {
	*request.Base
	req   PutGetRequester
	pvReq pvdata.Structure

	getValue pvdata.Structure
	putValue pvdata.Structure

	pendingPut pvdata.Structure
}

func NewPutGet(ch *channel.Channel, req PutGetRequester, pvRequest, getProto, putProto pvdata.Structure) *PutGet {
	pg := &PutGet{
		req:      req,
		pvReq:    pvRequest,
		getValue: getProto.Clone(),
		putValue: putProto.Clone(),
	}
	pg.Base = request.New(ch, wire.CmdPutGet, pg)
	pg.Base.SetSelf(pg)
	ch.AddOp(pg)
	if err := pg.Base.StartRequest(request.QoSPending(wire.QoSInit)); err == nil {
		ch.EnqueueSend(pg)
	}
	return pg
}

func (pg *PutGet) IsSubscription() bool { return false }

func (pg *PutGet) Message(severity wire.MessageSeverity, text string) {
	pg.req.Message(severity, text)
}

func (pg *PutGet) WriteSend(w *codec.Writer, qos wire.QoS) error {
	switch {
	case qos.Has(wire.QoSInit):
		return pg.pvReq.Serialize(w)
	case qos.Has(wire.QoSGetPut), qos.Has(wire.QoSGet):
		return nil
	default:
		return pg.pendingPut.Serialize(w)
	}
}

func (pg *PutGet) InitResponse(status wire.Status, r *codec.Reader) {
	pg.req.ChannelPutGetConnect(status)
}

func (pg *PutGet) DestroyResponse(status wire.Status, r *codec.Reader) {
	pg.req.PutGetDone(status, nil)
}

func (pg *PutGet) NormalResponse(qos wire.QoS, status wire.Status, r *codec.Reader) {
	switch {
	case qos.Has(wire.QoSGetPut):
		if !status.OK() {
			pg.req.GetPutDone(status, nil)
			return
		}
		if err := pg.putValue.Deserialize(r); err != nil {
			pg.req.GetPutDone(wire.Status{Type: wire.StatusError, Message: err.Error()}, nil)
			return
		}
		pg.req.GetPutDone(status, pg.putValue)
	case qos.Has(wire.QoSGet):
		if !status.OK() {
			pg.req.GetGetDone(status, nil)
			return
		}
		if err := pg.getValue.Deserialize(r); err != nil {
			pg.req.GetGetDone(wire.Status{Type: wire.StatusError, Message: err.Error()}, nil)
			return
		}
		pg.req.GetGetDone(status, pg.getValue)
	default:
		if !status.OK() {
			pg.req.PutGetDone(status, nil)
			return
		}
		if err := pg.getValue.Deserialize(r); err != nil {
			pg.req.PutGetDone(wire.Status{Type: wire.StatusError, Message: err.Error()}, nil)
			return
		}
		pg.req.PutGetDone(status, pg.getValue)
	}
}

// Request performs the combined write-then-read round.
func (pg *PutGet) Request(value pvdata.Structure) error {
	if err := pg.Base.StartRequest(request.QoSPending(wire.QoSDefault)); err != nil {
		return err
	}
	pg.pendingPut = value
	return pg.Base.Channel().EnqueueSend(pg)
}

// GetGet re-reads the get-side structure without writing.
func (pg *PutGet) GetGet() error {
	if err := pg.Base.StartRequest(request.QoSPending(wire.QoSGet)); err != nil {
		return err
	}
	return pg.Base.Channel().EnqueueSend(pg)
}

// GetPut reads back the put-side structure last written.
func (pg *PutGet) GetPut() error {
	if err := pg.Base.StartRequest(request.QoSPending(wire.QoSGetPut)); err != nil {
		return err
	}
	return pg.Base.Channel().EnqueueSend(pg)
}
