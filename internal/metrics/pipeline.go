package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	PipelineTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vidcdm_pipeline_transitions_total",
		Help: "Total number of ChannelPipeline lifecycle transitions by event",
	}, []string{"event"})

	PipelineAuthFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vidcdm_pipeline_auth_failures_total",
		Help: "Total number of pipeline failures classified as auth errors, by channel source",
	}, []string{"source"})

	KeyAcquisitionDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "vidcdm_key_acquisition_duration_seconds",
		Help:    "Duration of a DRM license exchange, by system",
		Buckets: prometheus.DefBuckets,
	}, []string{"system"})

	ResolverCoalescedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vidcdm_resolver_coalesced_total",
		Help: "Total number of ensure_stream_info calls that waited on another caller's in-flight resolution",
	}, []string{"source"})
)

// ObserveKeyAcquisition records how long a license exchange against system took.
func ObserveKeyAcquisition(system string, d time.Duration) {
	KeyAcquisitionDuration.WithLabelValues(system).Observe(d.Seconds())
}
