package eventloop

import "github.com/prometheus/client_golang/prometheus"

// Metrics are the in-process counters/gauges of SPEC_FULL.md §4.D.
// Nothing here is served over HTTP — spec.md §6 names only the IPC and
// overlay listeners as external interfaces. The StatusResponse is built
// from the loop's live state, not from these collectors.
type Metrics struct {
	Hosted         prometheus.Gauge
	PendingFetches prometheus.Gauge
	FetchResolved  prometheus.Counter
	FetchFailed    prometheus.Counter
	PeerCount      prometheus.Gauge
}

// NewMetrics registers a fresh set of collectors against reg. Pass
// prometheus.NewRegistry() in tests to avoid colliding with the default
// global registry across test runs.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Hosted: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gistit_hosted_total",
			Help: "Number of snippets currently hosted by this node.",
		}),
		PendingFetches: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gistit_pending_fetches",
			Help: "Number of fetches currently in flight.",
		}),
		FetchResolved: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gistit_fetch_resolved_total",
			Help: "Fetches that resolved with a snippet.",
		}),
		FetchFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gistit_fetch_failed_total",
			Help: "Fetches that resolved with none.",
		}),
		PeerCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gistit_peer_count",
			Help: "Number of peers currently connected.",
		}),
	}
	reg.MustRegister(m.Hosted, m.PendingFetches, m.FetchResolved, m.FetchFailed, m.PeerCount)
	return m
}
