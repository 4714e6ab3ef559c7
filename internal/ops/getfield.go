package ops

import (
	"sync"

	"github.com/epics-base/pvaccess-go/internal/channel"
	"github.com/epics-base/pvaccess-go/internal/codec"
	"github.com/epics-base/pvaccess-go/internal/cos"
	"github.com/epics-base/pvaccess-go/internal/ids"
	"github.com/epics-base/pvaccess-go/internal/pvdata"
	"github.com/epics-base/pvaccess-go/internal/wire"
)

// GetField implements §4.6's auxiliary introspection operation: unlike
// every other operation class it is not derived from request.Base - it is
// a single (subField name) send with a single response, carrying its own
// self-reference that it clears the moment a response (or a disconnect)
// arrives, so a stray duplicate can never be delivered twice.
type GetField struct {
	mu       sync.Mutex
	ch       *channel.Channel
	ioid     ids.IOID
	subField string
	into     pvdata.Field
	req      GetFieldRequester
	self     *GetField
}

// NewGetField sends the GET_FIELD request for subField (empty string means
// the channel's top-level field) and decodes the response into into.
func NewGetField(ch *channel.Channel, req GetFieldRequester, subField string, into pvdata.Field) *GetField {
	g := &GetField{ch: ch, ioid: ch.AllocIOID(), subField: subField, into: into, req: req}
	g.self = g
	ch.AddOp(g)
	ch.EnqueueSend(g)
	return g
}

func (g *GetField) Lock()   { g.mu.Lock() }
func (g *GetField) Unlock() { g.mu.Unlock() }

func (g *GetField) Send(w *codec.Writer) error {
	w.StartMessage(false, wire.CmdGetField)
	w.PutUint32(uint32(g.ch.SID()))
	w.PutUint32(uint32(g.ioid))
	w.PutString(g.subField)
	w.FinishMessage()
	return nil
}

func (g *GetField) IOID() ids.IOID { return g.ioid }

func (g *GetField) IsSubscription() bool                { return false }
func (g *GetField) Resubscribe(ch *channel.Channel) {}

func (g *GetField) Message(severity wire.MessageSeverity, text string) { g.req.Message(severity, text) }

// clearSelf reports whether this is the first (and only) time the
// self-reference is cleared - both Response and ReportStatus race to do
// this once, and only the winner delivers a callback.
func (g *GetField) clearSelf() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.self == nil {
		return false
	}
	g.self = nil
	return true
}

func (g *GetField) Response(cmd wire.Command, qos wire.QoS, status wire.Status, r *codec.Reader) {
	if !g.clearSelf() {
		return
	}
	g.ch.RemoveOp(g.ioid)
	if !status.OK() {
		g.req.GetFieldDone(status, nil)
		return
	}
	if err := g.into.Deserialize(r); err != nil {
		g.req.GetFieldDone(wire.Status{Type: wire.StatusError, Message: err.Error()}, nil)
		return
	}
	g.req.GetFieldDone(status, g.into)
}

func (g *GetField) ReportStatus(kind channel.StatusKind) {
	if !g.clearSelf() {
		return
	}
	g.ch.RemoveOp(g.ioid)
	g.req.GetFieldDone(wire.Status{Type: wire.StatusError, Message: cos.ErrChannelDisconnected.Error()}, nil)
}
