// Package channel implements the Channel state machine (§4.6): the
// NEVER_CONNECTED/CONNECTED/DISCONNECTED/DESTROYED lifecycle, the
// create-channel wire exchange, and the per-channel bookkeeping (domains 2
// and 3 of §5's lock model) that every operation type in package ops is
// built against.
package channel

import (
	"net"
	"sync"

	"github.com/epics-base/pvaccess-go/internal/codec"
	"github.com/epics-base/pvaccess-go/internal/cos"
	"github.com/epics-base/pvaccess-go/internal/hk"
	"github.com/epics-base/pvaccess-go/internal/ids"
	"github.com/epics-base/pvaccess-go/internal/nlog"
	"github.com/epics-base/pvaccess-go/internal/search"
	"github.com/epics-base/pvaccess-go/internal/stats"
	"github.com/epics-base/pvaccess-go/internal/transport"
	"github.com/epics-base/pvaccess-go/internal/wire"
)

// State is the channel's connection lifecycle, §4.6.
type State int

const (
	StateNeverConnected State = iota
	StateConnected
	StateDisconnected
	StateDestroyed
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "CONNECTED"
	case StateDisconnected:
		return "DISCONNECTED"
	case StateDestroyed:
		return "DESTROYED"
	default:
		return "NEVER_CONNECTED"
	}
}

// StatusKind is what report-status tells a pending operation (§4.7).
type StatusKind int

const (
	StatusChannelDisconnected StatusKind = iota
	StatusChannelDestroyed
)

// PendingOp is the weak-reference contract every operation in package ops
// satisfies: enough for the channel to send it, route a response to it,
// and fan out disconnect/destroy notifications, without channel needing
// to import ops (§9's channel<->operation reference is broken here: ops
// depends on channel, never the reverse).
type PendingOp interface {
	transport.Sender
	IOID() ids.IOID
	Response(cmd wire.Command, qos wire.QoS, status wire.Status, r *codec.Reader)
	ReportStatus(kind StatusKind)
	IsSubscription() bool
	Resubscribe(ch *Channel)
	// Message delivers a §4.5 MESSAGE frame addressed to this op's IOID.
	Message(severity wire.MessageSeverity, text string)
}

// ContextView is the slice of the Client Context a Channel needs: IOID
// allocation/registration, transport acquisition, and the shared search
// manager/stats/housekeeper. Satisfied structurally by *client.Context.
type ContextView interface {
	AllocIOID() ids.IOID
	RegisterOp(ids.IOID, PendingOp)
	UnregisterOp(ids.IOID)
	GetOrCreateTransport(addr string, priority int) (*transport.Transport, error)
	Stats() *stats.Registry
	Housekeeper() *hk.Housekeeper
	Search() *search.Manager
}

// StateChangeFunc is invoked outside any channel lock (§4.6 "State-change
// callbacks are queued and delivered to the application outside any
// channel lock").
type StateChangeFunc func(State)

type Channel struct {
	ctx      ContextView
	cid      ids.CID
	name     string
	priority int

	onStateChange StateChangeFunc

	mu    sync.Mutex
	state State
	sid   ids.SID
	tp    *transport.Transport

	opsMu sync.Mutex
	ops   map[ids.IOID]PendingOp
}

// New constructs a channel already registered in the context's CID table;
// the caller (Client Context / Provider) is responsible for that
// registration and for calling Create to kick off the search.
func New(ctx ContextView, cid ids.CID, name string, priority int, onStateChange StateChangeFunc) *Channel {
	return &Channel{
		ctx:           ctx,
		cid:           cid,
		name:          name,
		priority:      priority,
		sid:           ids.InvalidSID,
		onStateChange: onStateChange,
		ops:           make(map[ids.IOID]PendingOp),
	}
}

func (c *Channel) CID() ids.CID { return c.cid }
func (c *Channel) Name() string { return c.name }

func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Channel) SID() ids.SID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sid
}

// Transport returns the current live transport, or nil while
// NEVER_CONNECTED/DISCONNECTED.
func (c *Channel) Transport() *transport.Transport {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tp
}

// Create registers the channel as a search instance - the public
// "create" operation from §4.6, called once by the provider.
func (c *Channel) Create() {
	c.ctx.Search().Register(c)
}

// AddOp registers an operation both in the context-wide IOID table (for
// wire dispatch, §5 domain 4) and in this channel's own set (for
// disconnect/destroy/resubscribe fan-out, §5 domain 3).
func (c *Channel) AddOp(op PendingOp) {
	c.ctx.RegisterOp(op.IOID(), op)
	c.opsMu.Lock()
	c.ops[op.IOID()] = op
	c.opsMu.Unlock()
}

func (c *Channel) RemoveOp(ioid ids.IOID) {
	c.ctx.UnregisterOp(ioid)
	c.opsMu.Lock()
	delete(c.ops, ioid)
	c.opsMu.Unlock()
}

// AllocIOID lets package ops build an operation's identity without
// reaching around the channel into the context.
func (c *Channel) AllocIOID() ids.IOID { return c.ctx.AllocIOID() }

func (c *Channel) EnqueueSend(op PendingOp) error {
	tp := c.Transport()
	if tp == nil {
		return cos.ErrChannelNotConnected
	}
	return tp.Enqueue(op)
}

// SearchResponse implements search.Target: the search manager calls this
// once a SEARCH_RESPONSE matches our CID and outstanding sequence ID
// (§4.3). It dials/reuses the transport for (addr, priority) and enqueues
// the CREATE_CHANNEL sender.
func (c *Channel) SearchResponse(addr *net.UDPAddr, minorVersion byte) {
	tp, err := c.ctx.GetOrCreateTransport(addr.String(), c.priority)
	if err != nil {
		nlog.Warningf("channel %q: transport to %s: %v", c.name, addr, err)
		return
	}
	c.mu.Lock()
	c.tp = tp
	c.mu.Unlock()
	if err := tp.Enqueue(&createChannelSender{ch: c}); err != nil {
		nlog.Warningf("channel %q: enqueue create-channel: %v", c.name, err)
	}
}

// OnCreateChannelResponse handles the server's CREATE_CHANNEL reply,
// looked up and dispatched here by the Client Context's Router
// implementation.
func (c *Channel) OnCreateChannelResponse(sid ids.SID, status wire.Status) {
	c.mu.Lock()
	if !status.OK() {
		c.mu.Unlock()
		nlog.Warningf("channel %q: create failed: %s", c.name, status.Message)
		c.Create() // back to searching, §4.6
		return
	}
	prevState := c.state
	c.sid = sid
	c.state = StateConnected
	c.mu.Unlock()

	if prevState == StateDisconnected {
		if reg := c.ctx.Stats(); reg != nil {
			reg.Reconnects.Inc()
		}
	}

	c.opsMu.Lock()
	var subs []PendingOp
	for _, op := range c.ops {
		if op.IsSubscription() {
			subs = append(subs, op)
		}
	}
	c.opsMu.Unlock()
	for _, op := range subs {
		op.Resubscribe(c)
	}

	c.deliverStateChange(StateConnected)
}

// OnTransportClosed moves a CONNECTED channel to DISCONNECTED, fans
// channel-disconnected out to every pending operation, and re-enters
// search (§4.6 edge CONNECTED -> DISCONNECTED).
func (c *Channel) OnTransportClosed(closedTp *transport.Transport) {
	c.mu.Lock()
	if c.state != StateConnected || c.tp != closedTp {
		c.mu.Unlock()
		return
	}
	c.state = StateDisconnected
	c.tp = nil
	c.mu.Unlock()

	c.opsMu.Lock()
	ops := make([]PendingOp, 0, len(c.ops))
	for _, op := range c.ops {
		ops = append(ops, op)
	}
	c.opsMu.Unlock()
	for _, op := range ops {
		op.ReportStatus(StatusChannelDisconnected)
	}

	c.deliverStateChange(StateDisconnected)
	c.Create()
}

// Destroy is idempotent (§4.6): moves to DESTROYED, disconnects pending
// I/O with channelDestroyed, releases the transport reference, and
// unregisters from search.
func (c *Channel) Destroy() {
	c.mu.Lock()
	if c.state == StateDestroyed {
		c.mu.Unlock()
		return
	}
	c.state = StateDestroyed
	c.tp = nil
	c.mu.Unlock()

	c.ctx.Search().Unregister(c.cid)

	c.opsMu.Lock()
	ops := make([]PendingOp, 0, len(c.ops))
	for _, op := range c.ops {
		ops = append(ops, op)
	}
	c.ops = make(map[ids.IOID]PendingOp)
	c.opsMu.Unlock()
	for _, op := range ops {
		op.ReportStatus(StatusChannelDestroyed)
	}

	c.deliverStateChange(StateDestroyed)
}

func (c *Channel) deliverStateChange(s State) {
	if c.onStateChange != nil {
		c.onStateChange(s)
	}
}

// createChannelSender is the transport.Sender the channel enqueues for
// its own CREATE_CHANNEL exchange (§4.6 "the channel enqueues itself as a
// sender"); subsequent reconnect attempts reuse the DESTROY_CHANNEL-shaped
// re-attach form per the same section.
type createChannelSender struct {
	mu sync.Mutex
	ch *Channel
}

func (s *createChannelSender) Lock()   { s.mu.Lock() }
func (s *createChannelSender) Unlock() { s.mu.Unlock() }

func (s *createChannelSender) Send(w *codec.Writer) error {
	s.ch.mu.Lock()
	sid := s.ch.sid
	name := s.ch.name
	cid := s.ch.cid
	reattach := sid != ids.InvalidSID
	s.ch.mu.Unlock()

	if reattach {
		w.StartMessage(false, wire.CmdDestroyChannel)
		w.PutUint32(uint32(sid))
		w.PutUint32(uint32(cid))
	} else {
		w.StartMessage(false, wire.CmdCreateChannel)
		w.PutUint16(1) // one (CID, name) pair
		w.PutUint32(uint32(cid))
		w.PutString(name)
	}
	w.FinishMessage()
	return nil
}
