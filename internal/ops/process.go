package ops

import (
	"github.com/epics-base/pvaccess-go/internal/channel"
	"github.com/epics-base/pvaccess-go/internal/codec"
	"github.com/epics-base/pvaccess-go/internal/pvdata"
	"github.com/epics-base/pvaccess-go/internal/request"
	"github.com/epics-base/pvaccess-go/internal/wire"
)

// Process is the simplest data operation: init sends the pvRequest
// structure, every subsequent send just fires server-side processing
// (§4.8).
type Process struct {
	*request.Base
	req       ProcessRequester
	pvRequest pvdata.Structure
}

func NewProcess(ch *channel.Channel, req ProcessRequester, pvRequest pvdata.Structure) *Process {
	p := &Process{req: req, pvRequest: pvRequest}
	p.Base = request.New(ch, wire.CmdProcess, p)
	p.Base.SetSelf(p)
	ch.AddOp(p)
	if err := p.Base.StartRequest(request.QoSPending(wire.QoSInit)); err == nil {
		ch.EnqueueSend(p)
	}
	return p
}

func (p *Process) IsSubscription() bool { return false }

func (p *Process) Message(severity wire.MessageSeverity, text string) { p.req.Message(severity, text) }

func (p *Process) WriteSend(w *codec.Writer, qos wire.QoS) error {
	if qos.Has(wire.QoSInit) {
		return p.pvRequest.Serialize(w)
	}
	return nil
}

func (p *Process) InitResponse(status wire.Status, r *codec.Reader) {
	p.req.ChannelProcessConnect(status)
}

func (p *Process) DestroyResponse(status wire.Status, r *codec.Reader) {
	p.req.ProcessDone(status)
}

func (p *Process) NormalResponse(qos wire.QoS, status wire.Status, r *codec.Reader) {
	p.req.ProcessDone(status)
}

// Trigger requests one round of server-side processing.
func (p *Process) Trigger() error {
	if err := p.Base.StartRequest(request.QoSPending(wire.QoSProcess)); err != nil {
		return err
	}
	return p.Base.Channel().EnqueueSend(p)
}
