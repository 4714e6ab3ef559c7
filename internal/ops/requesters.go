// Package ops implements the per-command operation classes of §4.8: the
// send encoding/response decoding each data operation layers on top of
// the shared request.Base state machine, plus GetField (§4.6's
// self-destructing, non-Request-derived field-introspection operation).
package ops

import (
	"github.com/epics-base/pvaccess-go/internal/pvdata"
	"github.com/epics-base/pvaccess-go/internal/wire"
)

// Status is re-exported for requester interfaces so callers don't need to
// import internal/wire directly just to name the callback signature.
type Status = wire.Status

// Severity re-exports wire.MessageSeverity so requester
// implementations don't need to import internal/wire just to receive a
// Message callback.
type Severity = wire.MessageSeverity

// Each Requester below is the "collaborator interface" named in §6: a
// connect/disconnect callback plus one or more done callbacks, each
// guaranteed at most once per request (monitor-event is the one
// multiple-call exception, §6). Message is the §4.5 out-of-band server
// diagnostic delivered against this operation's IOID; it can arrive any
// number of times between connect and the terminal done callback.
type (
	ProcessRequester interface {
		ChannelDisconnect(destroyed bool)
		ChannelProcessConnect(status Status)
		ProcessDone(status Status)
		Message(severity Severity, text string)
	}
	GetRequester interface {
		ChannelDisconnect(destroyed bool)
		ChannelGetConnect(status Status)
		GetDone(status Status, changed *pvdata.BitSet, value pvdata.Structure)
		Message(severity Severity, text string)
	}
	PutRequester interface {
		ChannelDisconnect(destroyed bool)
		ChannelPutConnect(status Status)
		PutDone(status Status)
		GetDone(status Status, value pvdata.Structure)
		Message(severity Severity, text string)
	}
	PutGetRequester interface {
		ChannelDisconnect(destroyed bool)
		ChannelPutGetConnect(status Status)
		PutGetDone(status Status, value pvdata.Structure)
		GetGetDone(status Status, value pvdata.Structure)
		GetPutDone(status Status, value pvdata.Structure)
		Message(severity Severity, text string)
	}
	RPCRequester interface {
		ChannelDisconnect(destroyed bool)
		RequestDone(status Status, response pvdata.Structure)
		Message(severity Severity, text string)
	}
	ArrayRequester interface {
		ChannelDisconnect(destroyed bool)
		ChannelArrayConnect(status Status)
		PutArrayDone(status Status)
		GetArrayDone(status Status, value pvdata.Structure)
		SetLengthDone(status Status)
		Message(severity Severity, text string)
	}
	MonitorRequester interface {
		ChannelDisconnect(destroyed bool)
		MonitorConnect(status Status)
		MonitorEvent()
		UnlistenDone()
		Message(severity Severity, text string)
	}
	GetFieldRequester interface {
		GetFieldDone(status Status, field pvdata.Field)
		Message(severity Severity, text string)
	}
)
