package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Host-level gauges
	ComponentsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "wasmcloud_components_total",
			Help: "Total number of components hosted, by state",
		},
		[]string{"state"},
	)

	ProvidersTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "wasmcloud_providers_total",
			Help: "Total number of capability providers hosted, by health",
		},
		[]string{"health"},
	)

	LinksTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "wasmcloud_links_total",
			Help: "Total number of links in the link table",
		},
	)

	ConfigBundlesTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "wasmcloud_config_bundles_total",
			Help: "Total number of named config bundles held by the config store",
		},
	)

	ActiveInstances = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "wasmcloud_active_instances",
			Help: "Active concurrent invocations per component",
		},
		[]string{"component_id"},
	)

	// Invocation / RPC metrics
	InvocationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wasmcloud_invocations_total",
			Help: "Total number of invocations routed through the host, by outcome",
		},
		[]string{"component_id", "outcome"},
	)

	InvocationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "wasmcloud_invocation_duration_seconds",
			Help:    "Invocation execution duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"component_id"},
	)

	RPCRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wasmcloud_rpc_requests_total",
			Help: "Total number of lattice RPC requests issued by the router, by outcome",
		},
		[]string{"target_id", "outcome"},
	)

	RPCRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "wasmcloud_rpc_request_duration_seconds",
			Help:    "Lattice RPC round-trip duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"target_id"},
	)

	// Artifact fetch metrics
	ArtifactFetchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "wasmcloud_artifact_fetch_duration_seconds",
			Help:    "Time taken to fetch an OCI or file artifact in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"scheme"},
	)

	ArtifactFetchFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wasmcloud_artifact_fetch_failures_total",
			Help: "Total number of artifact fetch failures by reason",
		},
		[]string{"reason"},
	)

	// Provider process metrics
	ProviderRestartsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wasmcloud_provider_restarts_total",
			Help: "Total number of provider process restarts",
		},
		[]string{"provider_id"},
	)

	ProviderStartDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "wasmcloud_provider_start_duration_seconds",
			Help:    "Time taken to spawn a provider process and hand it its HostData",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Scale / supervisor metrics
	ScaleDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "wasmcloud_scale_duration_seconds",
			Help:    "Time taken for a scale operation to converge",
			Buckets: prometheus.DefBuckets,
		},
	)

	ScaleOperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wasmcloud_scale_operations_total",
			Help: "Total number of scale operations by outcome",
		},
		[]string{"outcome"},
	)

	// Link table / config fan-out metrics
	LinkOperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wasmcloud_link_operations_total",
			Help: "Total number of link table mutations by op and outcome",
		},
		[]string{"op", "outcome"},
	)

	ConfigFanoutDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "wasmcloud_config_fanout_duration_seconds",
			Help:    "Time taken to fan out a config update to affected components/providers",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Policy gate metrics
	PolicyChecksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wasmcloud_policy_checks_total",
			Help: "Total number of policy gate checks by decision",
		},
		[]string{"decision"},
	)

	PolicyCheckDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "wasmcloud_policy_check_duration_seconds",
			Help:    "Time taken for a policy gate round trip in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Control plane metrics
	ControlRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wasmcloud_control_requests_total",
			Help: "Total number of control plane requests by verb and outcome",
		},
		[]string{"verb", "outcome"},
	)

	ControlRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "wasmcloud_control_request_duration_seconds",
			Help:    "Control plane request handling duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"verb"},
	)

	// Heartbeat metrics
	HeartbeatsPublishedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "wasmcloud_heartbeats_published_total",
			Help: "Total number of heartbeat events published",
		},
	)

	// Wasm engine metrics
	EngineEpoch = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "wasmcloud_engine_epoch",
			Help: "Current value of the wasm engine's ticking epoch counter",
		},
	)
)

func init() {
	prometheus.MustRegister(
		ComponentsTotal,
		ProvidersTotal,
		LinksTotal,
		ConfigBundlesTotal,
		ActiveInstances,
		InvocationsTotal,
		InvocationDuration,
		RPCRequestsTotal,
		RPCRequestDuration,
		ArtifactFetchDuration,
		ArtifactFetchFailuresTotal,
		ProviderRestartsTotal,
		ProviderStartDuration,
		ScaleDuration,
		ScaleOperationsTotal,
		LinkOperationsTotal,
		ConfigFanoutDuration,
		PolicyChecksTotal,
		PolicyCheckDuration,
		ControlRequestsTotal,
		ControlRequestDuration,
		HeartbeatsPublishedTotal,
		EngineEpoch,
	)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
