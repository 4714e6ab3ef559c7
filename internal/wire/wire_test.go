package wire_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/epics-base/pvaccess-go/internal/wire"
)

func TestQoS_Has(t *testing.T) {
	q := wire.QoSGet | wire.QoSDestroy
	require.True(t, q.Has(wire.QoSGet))
	require.True(t, q.Has(wire.QoSDestroy))
	require.False(t, q.Has(wire.QoSInit))
}

func TestStatus_OK(t *testing.T) {
	require.True(t, wire.Status{Type: wire.StatusOK}.OK())
	require.True(t, wire.Status{Type: wire.StatusWarning}.OK())
	require.False(t, wire.Status{Type: wire.StatusError}.OK())
}

func TestStatus_ErrorReturnsMessage(t *testing.T) {
	s := wire.Status{Type: wire.StatusError, Message: "channel destroyed"}
	require.Equal(t, "channel destroyed", s.Error())
}

func TestCommand_StringCoversEveryConstant(t *testing.T) {
	cmds := []wire.Command{
		wire.CmdBeacon, wire.CmdConnectionValidation, wire.CmdEcho, wire.CmdSearch,
		wire.CmdSearchResponse, wire.CmdCreateChannel, wire.CmdDestroyChannel, wire.CmdGet,
		wire.CmdPut, wire.CmdPutGet, wire.CmdMonitor, wire.CmdArray, wire.CmdCancelRequest,
		wire.CmdProcess, wire.CmdGetField, wire.CmdMessage, wire.CmdRPC,
	}
	seen := make(map[string]bool, len(cmds))
	for _, c := range cmds {
		s := c.String()
		require.NotEmpty(t, s)
		require.False(t, seen[s], "duplicate String() output %q", s)
		seen[s] = true
	}
}
