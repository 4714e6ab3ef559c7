package client

import (
	"github.com/epics-base/pvaccess-go/internal/channel"
	"github.com/epics-base/pvaccess-go/internal/ops"
	"github.com/epics-base/pvaccess-go/internal/pvdata"
)

// Provider is the thin public facade over a Context matching §4.6's
// "create-channel-process/get/put/put-get/rpc/monitor/array(requester,
// pvRequest)" and "get-field(requester, sub-field-name)" operations: each
// factory constructs and registers the operation against its channel (the
// operation's constructor schedules its own INIT round) and hands it back
// for the caller to drive with the operation's own request methods.
type Provider struct {
	ctx *Context
}

// NewProvider wraps ctx. Most applications need only one Provider per
// Context; the split exists so an application can hold the narrower
// Provider surface without reaching into Context's Router/ContextView
// internals.
func NewProvider(ctx *Context) *Provider { return &Provider{ctx: ctx} }

func (p *Provider) Context() *Context { return p.ctx }

// CreateChannel is §4.6's "create (called by provider)".
func (p *Provider) CreateChannel(name string, priority int, onStateChange channel.StateChangeFunc) (*channel.Channel, error) {
	return p.ctx.CreateChannel(name, priority, onStateChange)
}

func (p *Provider) DestroyChannel(ch *channel.Channel) { p.ctx.DestroyChannel(ch) }

func (p *Provider) ChannelProcess(ch *channel.Channel, req ops.ProcessRequester, pvRequest pvdata.Structure) *ops.Process {
	return ops.NewProcess(ch, req, pvRequest)
}

func (p *Provider) ChannelGet(ch *channel.Channel, req ops.GetRequester, pvRequest, proto pvdata.Structure) *ops.Get {
	return ops.NewGet(ch, req, pvRequest, proto)
}

func (p *Provider) ChannelPut(ch *channel.Channel, req ops.PutRequester, pvRequest, proto pvdata.Structure) *ops.Put {
	return ops.NewPut(ch, req, pvRequest, proto)
}

func (p *Provider) ChannelPutGet(ch *channel.Channel, req ops.PutGetRequester, pvRequest, getProto, putProto pvdata.Structure) *ops.PutGet {
	return ops.NewPutGet(ch, req, pvRequest, getProto, putProto)
}

func (p *Provider) ChannelRPC(ch *channel.Channel, req ops.RPCRequester, pvRequest, responseProto pvdata.Structure) *ops.RPC {
	return ops.NewRPC(ch, req, pvRequest, responseProto)
}

func (p *Provider) ChannelMonitor(ch *channel.Channel, req ops.MonitorRequester, pvRequest, proto pvdata.Structure, queueSize int) *ops.Monitor {
	return ops.NewMonitor(ch, req, pvRequest, proto, queueSize, p.ctx.Stats())
}

func (p *Provider) ChannelArray(ch *channel.Channel, req ops.ArrayRequester, pvRequest, proto pvdata.Structure) *ops.Array {
	return ops.NewArray(ch, req, pvRequest, proto)
}

func (p *Provider) GetField(ch *channel.Channel, req ops.GetFieldRequester, subField string, into pvdata.Field) *ops.GetField {
	return ops.NewGetField(ch, req, subField, into)
}
