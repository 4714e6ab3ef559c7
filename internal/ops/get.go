package ops

import (
	"github.com/epics-base/pvaccess-go/internal/channel"
	"github.com/epics-base/pvaccess-go/internal/codec"
	"github.com/epics-base/pvaccess-go/internal/nlog"
	"github.com/epics-base/pvaccess-go/internal/pvdata"
	"github.com/epics-base/pvaccess-go/internal/request"
	"github.com/epics-base/pvaccess-go/internal/wire"
)

// Get implements §4.8's Get row: init sends the pvRequest and, unusually,
// already yields a change-bitset plus structure on success; subsequent
// sends carry no payload, and the last one sets QoS=DESTROY|GET.
type Get struct {
	*request.Base
	req   GetRequester
	pvReq pvdata.Structure
	value pvdata.Structure
}

// NewGet constructs a Get against proto (a clone of the channel's
// structure type, reused across reconnects per §4.9's init contract) and
// immediately schedules the INIT send.
func NewGet(ch *channel.Channel, req GetRequester, pvRequest, proto pvdata.Structure) *Get {
	g := &Get{req: req, pvReq: pvRequest, value: proto.Clone()}
	g.Base = request.New(ch, wire.CmdGet, g)
	g.Base.SetSelf(g)
	ch.AddOp(g)
	if err := g.Base.StartRequest(request.QoSPending(wire.QoSInit)); err == nil {
		ch.EnqueueSend(g)
	}
	return g
}

func (g *Get) IsSubscription() bool { return false }

func (g *Get) Message(severity wire.MessageSeverity, text string) { g.req.Message(severity, text) }

func (g *Get) WriteSend(w *codec.Writer, qos wire.QoS) error {
	if qos.Has(wire.QoSInit) {
		return g.pvReq.Serialize(w)
	}
	return nil
}

func (g *Get) readData(r *codec.Reader) (*pvdata.BitSet, error) {
	changed := pvdata.NewBitSet(g.value.NumFields())
	if err := changed.Deserialize(r); err != nil {
		return nil, err
	}
	if err := g.value.DeserializeMasked(r, changed); err != nil {
		return nil, err
	}
	return changed, nil
}

func (g *Get) InitResponse(status wire.Status, r *codec.Reader) {
	g.req.ChannelGetConnect(status)
	if !status.OK() {
		return
	}
	changed, err := g.readData(r)
	if err != nil {
		nlog.Errorf("get %d: decode init data: %v", g.Base.IOID(), err)
		return
	}
	g.req.GetDone(status, changed, g.value)
}

func (g *Get) DestroyResponse(status wire.Status, r *codec.Reader) {
	if status.OK() {
		if changed, err := g.readData(r); err == nil {
			g.req.GetDone(status, changed, g.value)
			return
		}
	}
	g.req.GetDone(status, nil, nil)
}

func (g *Get) NormalResponse(qos wire.QoS, status wire.Status, r *codec.Reader) {
	if !status.OK() {
		g.req.GetDone(status, nil, nil)
		return
	}
	changed, err := g.readData(r)
	if err != nil {
		nlog.Errorf("get %d: decode response: %v", g.Base.IOID(), err)
		return
	}
	g.req.GetDone(status, changed, g.value)
}

// Request issues a get; if lastRequest, the channel is also released
// (QoS=DESTROY|GET) after this round, §4.8.
func (g *Get) Request(lastRequest bool) error {
	qos := wire.QoSGet
	if lastRequest {
		qos |= wire.QoSDestroy
	}
	if err := g.Base.StartRequest(request.QoSPending(qos)); err != nil {
		return err
	}
	return g.Base.Channel().EnqueueSend(g)
}
