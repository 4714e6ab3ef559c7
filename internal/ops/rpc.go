package ops

import (
	"github.com/epics-base/pvaccess-go/internal/channel"
	"github.com/epics-base/pvaccess-go/internal/codec"
	"github.com/epics-base/pvaccess-go/internal/nlog"
	"github.com/epics-base/pvaccess-go/internal/pvdata"
	"github.com/epics-base/pvaccess-go/internal/request"
	"github.com/epics-base/pvaccess-go/internal/wire"
)

// RPC implements §4.8's RPC row: init sends the pvRequest, each call sends
// a full argument structure and the response is a single PV structure -
// there is no bitset masking on either side.
type RPC struct {
	*request.Base
	req      RPCRequester
	pvReq    pvdata.Structure
	response pvdata.Structure

	pendingArg pvdata.Structure
}

func NewRPC(ch *channel.Channel, req RPCRequester, pvRequest, responseProto pvdata.Structure) *RPC {
	r := &RPC{req: req, pvReq: pvRequest, response: responseProto.Clone()}
	r.Base = request.New(ch, wire.CmdRPC, r)
	r.Base.SetSelf(r)
	ch.AddOp(r)
	if err := r.Base.StartRequest(request.QoSPending(wire.QoSInit)); err == nil {
		ch.EnqueueSend(r)
	}
	return r
}

func (r *RPC) IsSubscription() bool { return false }

func (r *RPC) Message(severity wire.MessageSeverity, text string) { r.req.Message(severity, text) }

func (r *RPC) WriteSend(w *codec.Writer, qos wire.QoS) error {
	if qos.Has(wire.QoSInit) {
		return r.pvReq.Serialize(w)
	}
	return r.pendingArg.Serialize(w)
}

func (r *RPC) InitResponse(status wire.Status, rd *codec.Reader) {
	if !status.OK() {
		r.req.ChannelDisconnect(false)
	}
}

func (r *RPC) DestroyResponse(status wire.Status, rd *codec.Reader) {
	r.decodeAndDeliver(status, rd)
}

func (r *RPC) NormalResponse(qos wire.QoS, status wire.Status, rd *codec.Reader) {
	r.decodeAndDeliver(status, rd)
}

func (r *RPC) decodeAndDeliver(status wire.Status, rd *codec.Reader) {
	if !status.OK() {
		r.req.RequestDone(status, nil)
		return
	}
	if err := r.response.Deserialize(rd); err != nil {
		nlog.Errorf("rpc %d: decode response: %v", r.Base.IOID(), err)
		r.req.RequestDone(wire.Status{Type: wire.StatusError, Message: err.Error()}, nil)
		return
	}
	r.req.RequestDone(status, r.response)
}

// Invoke sends argument as the RPC's full argument structure; lastRequest
// also tears down the operation's binding afterward (QoS=DESTROY).
func (r *RPC) Invoke(argument pvdata.Structure, lastRequest bool) error {
	qos := wire.QoSDefault
	if lastRequest {
		qos = wire.QoSDestroy
	}
	if err := r.Base.StartRequest(request.QoSPending(qos)); err != nil {
		return err
	}
	r.pendingArg = argument
	return r.Base.Channel().EnqueueSend(r)
}
