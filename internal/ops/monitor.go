package ops

import (
	"sync"

	"github.com/epics-base/pvaccess-go/internal/channel"
	"github.com/epics-base/pvaccess-go/internal/codec"
	"github.com/epics-base/pvaccess-go/internal/monitor"
	"github.com/epics-base/pvaccess-go/internal/nlog"
	"github.com/epics-base/pvaccess-go/internal/pvdata"
	"github.com/epics-base/pvaccess-go/internal/request"
	"github.com/epics-base/pvaccess-go/internal/stats"
	"github.com/epics-base/pvaccess-go/internal/wire"
)

// Monitor is the one subscription operation class: init sends the
// pvRequest, Start begins the stream with QoS=PROCESS|GET, Stop pauses it
// with QoS=PROCESS alone (§4.9/§4.1's QoS combination list), and every
// subsequent normal response is handed to the selected monitor.Strategy.
// Being a subscription (IsSubscription()==true), request.Base automatically
// resends INIT across a channel reconnect; once that INIT succeeds, a
// monitor that was active before the disconnect re-sends start on its own.
type Monitor struct {
	*request.Base
	req      MonitorRequester
	pvReq    pvdata.Structure
	strategy monitor.Strategy

	mu        sync.Mutex
	activated bool
}

func NewMonitor(ch *channel.Channel, req MonitorRequester, pvRequest, proto pvdata.Structure, queueSize int, reg *stats.Registry) *Monitor {
	m := &Monitor{req: req, pvReq: pvRequest}
	m.strategy = monitor.New(queueSize, func() { req.MonitorEvent() }, reg)
	m.strategy.Init(proto)
	m.Base = request.New(ch, wire.CmdMonitor, m)
	m.Base.SetSelf(m)
	ch.AddOp(m)
	if err := m.Base.StartRequest(request.QoSPending(wire.QoSInit)); err == nil {
		ch.EnqueueSend(m)
	}
	return m
}

func (m *Monitor) IsSubscription() bool { return true }

func (m *Monitor) Message(severity wire.MessageSeverity, text string) { m.req.Message(severity, text) }

func (m *Monitor) WriteSend(w *codec.Writer, qos wire.QoS) error {
	if qos.Has(wire.QoSInit) {
		return m.pvReq.Serialize(w)
	}
	return nil
}

func (m *Monitor) InitResponse(status wire.Status, r *codec.Reader) {
	m.req.MonitorConnect(status)
	if !status.OK() {
		return
	}
	m.mu.Lock()
	activated := m.activated
	m.mu.Unlock()
	if activated {
		if err := m.sendStart(); err != nil {
			nlog.Warningf("monitor %d: resume after reconnect: %v", m.Base.IOID(), err)
		}
	}
}

func (m *Monitor) DestroyResponse(status wire.Status, r *codec.Reader) { m.req.UnlistenDone() }

func (m *Monitor) NormalResponse(qos wire.QoS, status wire.Status, r *codec.Reader) {
	if !status.OK() {
		return
	}
	if err := m.strategy.Response(r); err != nil {
		nlog.Errorf("monitor %d: decode update: %v", m.Base.IOID(), err)
	}
}

// Start begins (or resumes) the server's update stream.
func (m *Monitor) Start() error {
	m.mu.Lock()
	m.activated = true
	m.mu.Unlock()
	m.strategy.Start()
	return m.sendStart()
}

func (m *Monitor) sendStart() error {
	if err := m.Base.StartRequest(request.QoSPending(wire.QoSProcess | wire.QoSGet)); err != nil {
		return err
	}
	return m.Base.Channel().EnqueueSend(m)
}

// Stop pauses the stream without tearing down the subscription's binding.
func (m *Monitor) Stop() error {
	m.mu.Lock()
	m.activated = false
	m.mu.Unlock()
	m.strategy.Stop()
	if err := m.Base.StartRequest(request.QoSPending(wire.QoSProcess)); err != nil {
		return err
	}
	return m.Base.Channel().EnqueueSend(m)
}

// Poll/Release expose the held strategy's queue to the caller.
func (m *Monitor) Poll() (*monitor.Element, bool) { return m.strategy.Poll() }
func (m *Monitor) Release(e *monitor.Element)      { m.strategy.Release(e) }
