package ops

import (
	"github.com/epics-base/pvaccess-go/internal/channel"
	"github.com/epics-base/pvaccess-go/internal/codec"
	"github.com/epics-base/pvaccess-go/internal/pvdata"
	"github.com/epics-base/pvaccess-go/internal/request"
	"github.com/epics-base/pvaccess-go/internal/wire"
)

// Put implements §4.8's Put row: init sends the pvRequest; the GET and
// PUT sub-operations multiplex on the QoS.GET bit - a GET send carries no
// payload and its response is a plain structure, a PUT send carries a
// bitset then the structure masked by it.
type Put struct {
	*request.Base
	req   PutRequester
	pvReq pvdata.Structure
	value pvdata.Structure // scratch for the GET sub-operation's response

	pendingMask  *pvdata.BitSet
	pendingValue pvdata.Structure
}

func NewPut(ch *channel.Channel, req PutRequester, pvRequest, proto pvdata.Structure) *Put {
	p := &Put{req: req, pvReq: pvRequest, value: proto.Clone()}
	p.Base = request.New(ch, wire.CmdPut, p)
	p.Base.SetSelf(p)
	ch.AddOp(p)
	if err := p.Base.StartRequest(request.QoSPending(wire.QoSInit)); err == nil {
		ch.EnqueueSend(p)
	}
	return p
}

func (p *Put) IsSubscription() bool { return false }

func (p *Put) Message(severity wire.MessageSeverity, text string) { p.req.Message(severity, text) }

func (p *Put) WriteSend(w *codec.Writer, qos wire.QoS) error {
	switch {
	case qos.Has(wire.QoSInit):
		return p.pvReq.Serialize(w)
	case qos.Has(wire.QoSGet):
		return nil
	default:
		if err := p.pendingMask.Serialize(w); err != nil {
			return err
		}
		return p.pendingValue.SerializeMasked(w, p.pendingMask)
	}
}

func (p *Put) InitResponse(status wire.Status, r *codec.Reader) { p.req.ChannelPutConnect(status) }

func (p *Put) DestroyResponse(status wire.Status, r *codec.Reader) { p.req.PutDone(status) }

func (p *Put) NormalResponse(qos wire.QoS, status wire.Status, r *codec.Reader) {
	if qos.Has(wire.QoSGet) {
		if !status.OK() {
			p.req.GetDone(status, nil)
			return
		}
		if err := p.value.Deserialize(r); err != nil {
			p.req.GetDone(wire.Status{Type: wire.StatusError, Message: err.Error()}, nil)
			return
		}
		p.req.GetDone(status, p.value)
		return
	}
	p.req.PutDone(status)
}

// Request sends mask/value as a masked PUT, §4.8.
func (p *Put) Request(mask *pvdata.BitSet, value pvdata.Structure) error {
	if err := p.Base.StartRequest(request.QoSPending(wire.QoSDefault)); err != nil {
		return err
	}
	p.pendingMask, p.pendingValue = mask, value
	return p.Base.Channel().EnqueueSend(p)
}

// Get issues the GET sub-operation: read back the current server value.
func (p *Put) Get() error {
	if err := p.Base.StartRequest(request.QoSPending(wire.QoSGet)); err != nil {
		return err
	}
	return p.Base.Channel().EnqueueSend(p)
}
