// Package request implements the Request base state machine (§4.7) shared
// by every data operation in package ops: the three-flag
// (init/destroyed/subscribed) plus pendingRequest model, start-request's
// accept/reject rule, response dispatch by QoS bit, and the
// destroy/cancel/timeout/report-status/resubscribe behaviors. Concrete
// operations embed *Base and supply a Hooks implementation for their own
// per-command payload encoding and decoding.
package request

import (
	"sync"

	"github.com/epics-base/pvaccess-go/internal/channel"
	"github.com/epics-base/pvaccess-go/internal/codec"
	"github.com/epics-base/pvaccess-go/internal/cos"
	"github.com/epics-base/pvaccess-go/internal/ids"
	"github.com/epics-base/pvaccess-go/internal/nlog"
	"github.com/epics-base/pvaccess-go/internal/wire"
)

// Pending is the three-way pendingRequest value from §4.7: either a
// sentinel (NullRequest/PureDestroy) or a non-negative QoS bitmask.
type Pending int32

const (
	NullRequest Pending = -1
	PureDestroy Pending = -2
)

// QoSPending renders a QoS bitmask as the pendingRequest value StartRequest
// expects for a normal (non-destroy) send.
func QoSPending(q wire.QoS) Pending { return Pending(q) }

// Hooks is what a concrete operation (ops.Get, ops.Put, ...) supplies: its
// own per-command payload encoding/decoding, layered on top of the fields
// Base itself always writes (command, SID, IOID, QoS byte).
type Hooks interface {
	WriteSend(w *codec.Writer, qos wire.QoS) error
	InitResponse(status wire.Status, r *codec.Reader)
	DestroyResponse(status wire.Status, r *codec.Reader)
	NormalResponse(qos wire.QoS, status wire.Status, r *codec.Reader)
	IsSubscription() bool
	Message(severity wire.MessageSeverity, text string)
}

// Base implements channel.PendingOp modulo the embedding type also
// implementing Hooks; New wires the two together.
type Base struct {
	mu sync.Mutex

	ch    *channel.Channel
	ioid  ids.IOID
	cmd   wire.Command
	hooks Hooks
	self  channel.PendingOp

	initialized bool
	destroyed   bool
	subscribed  bool
	pending     Pending
}

// New allocates a fresh IOID from ch and constructs a Base for the given
// wire command and Hooks implementation. The caller must call SetSelf
// once its own type (embedding this Base) is fully constructed, then
// ch.AddOp(self) to register it.
func New(ch *channel.Channel, cmd wire.Command, hooks Hooks) *Base {
	return &Base{
		ch:      ch,
		ioid:    ch.AllocIOID(),
		cmd:     cmd,
		hooks:   hooks,
		pending: NullRequest,
	}
}

// SetSelf records the concrete operation value (which embeds this Base)
// so Base can enqueue it on the channel's transport as a channel.PendingOp.
func (b *Base) SetSelf(self channel.PendingOp) { b.self = self }

func (b *Base) IOID() ids.IOID      { return b.ioid }
func (b *Base) Channel() *channel.Channel { return b.ch }

func (b *Base) IsSubscription() bool { return b.hooks.IsSubscription() }

// StartRequest accepts p iff pending is currently NullRequest or p is
// PureDestroy (a destroy always supersedes whatever was pending), per
// §4.7; otherwise it rejects with otherRequestPending.
func (b *Base) StartRequest(p Pending) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.destroyed && p != PureDestroy {
		return cos.ErrRequestDestroyed
	}
	if b.pending != NullRequest && p != PureDestroy {
		return cos.ErrOtherRequestPending
	}
	b.pending = p
	return nil
}

func (b *Base) Initialized() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.initialized
}

// Lock/Unlock satisfy transport.Sender: the transport's send loop holds
// this lock for the duration of Send, §5 domain 1.
func (b *Base) Lock()   { b.mu.Lock() }
func (b *Base) Unlock() { b.mu.Unlock() }

// Send writes the fields Base always owns (command, SID, IOID, QoS byte)
// then delegates to Hooks.WriteSend for the rest. Called with b.mu held.
func (b *Base) Send(w *codec.Writer) error {
	switch b.pending {
	case NullRequest:
		return nil
	case PureDestroy:
		w.StartMessage(false, wire.CmdCancelRequest)
		w.PutUint32(uint32(b.ch.SID()))
		w.PutUint32(uint32(b.ioid))
		w.FinishMessage()
		b.pending = NullRequest
		return nil
	default:
		qos := wire.QoS(b.pending)
		w.StartMessage(false, b.cmd)
		w.PutUint32(uint32(b.ch.SID()))
		w.PutUint32(uint32(b.ioid))
		w.PutByte(byte(qos))
		err := b.hooks.WriteSend(w, qos)
		w.FinishMessage()
		b.pending = NullRequest
		return err
	}
}

// Response dispatches a decoded frame by its QoS byte, §4.7.
func (b *Base) Response(cmd wire.Command, qos wire.QoS, status wire.Status, r *codec.Reader) {
	switch {
	case qos.Has(wire.QoSInit):
		b.mu.Lock()
		if status.OK() {
			b.initialized = true
		}
		b.mu.Unlock()
		b.safeCall(func() { b.hooks.InitResponse(status, r) })
	case qos.Has(wire.QoSDestroy):
		b.mu.Lock()
		b.initialized = false
		b.mu.Unlock()
		b.safeCall(func() { b.hooks.DestroyResponse(status, r) })
	default:
		b.safeCall(func() { b.hooks.NormalResponse(qos, status, r) })
	}
}

// Message delivers a §4.5 MESSAGE frame addressed to this operation's IOID
// to the concrete operation's Hooks, under the same panic guard as every
// other requester callback.
func (b *Base) Message(severity wire.MessageSeverity, text string) {
	b.safeCall(func() { b.hooks.Message(severity, text) })
}

// safeCall wraps every requester callback in a panic guard, per §7 ("All
// requester callbacks are wrapped in an exception guard that logs and
// suppresses caller exceptions").
func (b *Base) safeCall(f func()) {
	defer func() {
		if r := recover(); r != nil {
			nlog.Errorf("request %d: requester callback panicked: %v", b.ioid, r)
		}
	}()
	f()
}

// Destroy is idempotent; if initialized and this isn't a create-failure,
// it transmits a best-effort PURE_DESTROY (CANCEL_REQUEST), §4.7.
func (b *Base) Destroy(createFailed bool) {
	b.mu.Lock()
	if b.destroyed {
		b.mu.Unlock()
		return
	}
	b.destroyed = true
	wasInit := b.initialized
	b.initialized = false
	b.mu.Unlock()

	if wasInit && !createFailed {
		if err := b.StartRequest(PureDestroy); err == nil {
			if err := b.ch.EnqueueSend(b.self); err != nil {
				nlog.Warningf("request %d: enqueue destroy: %v", b.ioid, err)
			}
		}
	}
	b.ch.RemoveOp(b.ioid)
}

// Cancel is equivalent to Destroy; Timeout chains to Cancel, §5.
func (b *Base) Cancel()  { b.Destroy(false) }
func (b *Base) Timeout() { b.Cancel() }

// ReportStatus implements channel.PendingOp: channelDestroyed destroys
// the operation; channelDisconnected clears subscribed and resets pending
// to NULL, §4.7.
func (b *Base) ReportStatus(kind channel.StatusKind) {
	switch kind {
	case channel.StatusChannelDestroyed:
		b.Destroy(false)
	case channel.StatusChannelDisconnected:
		b.mu.Lock()
		b.subscribed = false
		b.pending = NullRequest
		b.mu.Unlock()
	}
}

// Resubscribe implements channel.PendingOp: a subscription operation that
// hasn't yet subscribed on this transport re-sends INIT, §4.7.
func (b *Base) Resubscribe(ch *channel.Channel) {
	if !b.hooks.IsSubscription() {
		return
	}
	b.mu.Lock()
	if b.subscribed {
		b.mu.Unlock()
		return
	}
	b.subscribed = true
	b.mu.Unlock()

	if err := b.StartRequest(QoSPending(wire.QoSInit)); err != nil {
		return
	}
	if err := ch.EnqueueSend(b.self); err != nil {
		nlog.Warningf("request %d: enqueue resubscribe: %v", b.ioid, err)
	}
}
