package client_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/epics-base/pvaccess-go/internal/channel"
	"github.com/epics-base/pvaccess-go/internal/client"
	"github.com/epics-base/pvaccess-go/internal/codec"
	"github.com/epics-base/pvaccess-go/internal/config"
	"github.com/epics-base/pvaccess-go/internal/ids"
	"github.com/epics-base/pvaccess-go/internal/wire"
)

func newTestContext(t *testing.T) *client.Context {
	t.Helper()
	cfg := config.Default()
	cfg.BroadcastPort = 0
	cfg.AutoAddressList = false
	cfg.AddressList = nil
	ctx, err := client.New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { ctx.Shutdown() })
	return ctx
}

func TestCreateChannel_StartsNeverConnected(t *testing.T) {
	ctx := newTestContext(t)
	ch, err := ctx.CreateChannel("test:pv", 0, nil)
	require.NoError(t, err)
	require.Equal(t, channel.StateNeverConnected, ch.State())
}

func TestDispatchData_UnknownIOIDIsDroppedNotPanicked(t *testing.T) {
	ctx := newTestContext(t)
	ctx.DispatchData(ids.IOID(9999), wire.CmdGet, wire.QoSGet, wire.Status{Type: wire.StatusOK}, nil)
}

func TestDispatchMessage_RoutesToLiveOp(t *testing.T) {
	ctx := newTestContext(t)

	received := make(chan string, 1)
	ioid := ctx.AllocIOID()
	op := &recordingOp{ioid: ioid, messages: received}
	ctx.RegisterOp(ioid, op)

	ctx.DispatchMessage(ioid, wire.SeverityWarning, "low memory")
	require.Equal(t, "low memory", <-received)
}

func TestDispatchMessage_UnknownIOIDIsDroppedNotPanicked(t *testing.T) {
	ctx := newTestContext(t)
	ctx.DispatchMessage(ids.IOID(1234), wire.SeverityError, "ghost message")
}

// recordingOp is a minimal channel.PendingOp used only to capture the
// Message callback DispatchMessage's op-table lookup forwards to.
type recordingOp struct {
	ioid     ids.IOID
	messages chan string
}

func (o *recordingOp) Lock()                                                      {}
func (o *recordingOp) Unlock()                                                    {}
func (o *recordingOp) Send(w *codec.Writer) error                                 { return nil }
func (o *recordingOp) IOID() ids.IOID                                             { return o.ioid }
func (o *recordingOp) Response(wire.Command, wire.QoS, wire.Status, *codec.Reader) {}
func (o *recordingOp) IsSubscription() bool                                       { return false }
func (o *recordingOp) ReportStatus(kind channel.StatusKind)                       {}
func (o *recordingOp) Resubscribe(ch *channel.Channel)                            {}
func (o *recordingOp) Message(severity wire.MessageSeverity, text string) {
	o.messages <- text
}
