package prometheus

import "github.com/prometheus/client_golang/prometheus"

const (
	ringingDurationBucketStart  = 0.25
	ringingDurationBucketFactor = 2.0
	ringingDurationBucketCount  = 9
)

const (
	signalingLatencyBucketStart  = 0.001
	signalingLatencyBucketFactor = 2.5
	signalingLatencyBucketCount  = 12
)

const (
	eventLatencyBucketStart  = 0.01
	eventLatencyBucketFactor = 2.5
	eventLatencyBucketCount  = 12
)

var CallsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "hicall_calls_total",
		Help: "Calls that reached a terminal state, by role and final status",
	},
	[]string{"role", "status", "reason"},
)

var RingingDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name: "hicall_ringing_duration_seconds",
		Help: "Time a call spent ringing before it was answered, declined or timed out",
		Buckets: prometheus.ExponentialBuckets(
			ringingDurationBucketStart,
			ringingDurationBucketFactor,
			ringingDurationBucketCount,
		),
	},
	[]string{"role", "outcome"},
)

var SignalingOpDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name: "hicall_signaling_op_duration_seconds",
		Help: "Latency of signaling channel operations",
		Buckets: prometheus.ExponentialBuckets(
			signalingLatencyBucketStart,
			signalingLatencyBucketFactor,
			signalingLatencyBucketCount,
		),
	},
	[]string{"backend", "op"},
)

var SignalingRetries = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "hicall_signaling_retries_total",
		Help: "Signaling operations retried after a transient failure",
	},
	[]string{"op"},
)

var ICECandidatesApplied = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "hicall_ice_candidates_applied_total",
		Help: "Remote ICE candidates handed to the media transport",
	},
	[]string{"role"},
)

var HistoryEvents = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "hicall_history_events_total",
		Help: "Call history events processed by the history sink",
	},
	[]string{"type", "result"},
)

var HistoryEventLatency = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Name: "hicall_history_event_latency_seconds",
		Help: "Time taken from event production to history write",
		Buckets: prometheus.ExponentialBuckets(
			eventLatencyBucketStart,
			eventLatencyBucketFactor,
			eventLatencyBucketCount,
		),
	},
)

var HistoryProcessDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name: "hicall_history_process_duration_seconds",
		Help: "Time taken to write one call event into the history table",
		Buckets: prometheus.ExponentialBuckets(
			signalingLatencyBucketStart,
			signalingLatencyBucketFactor,
			signalingLatencyBucketCount,
		),
	},
	[]string{"type"},
)

func init() {
	prometheus.MustRegister(CallsTotal)
	prometheus.MustRegister(RingingDuration)
	prometheus.MustRegister(SignalingOpDuration)
	prometheus.MustRegister(SignalingRetries)
	prometheus.MustRegister(ICECandidatesApplied)
	prometheus.MustRegister(HistoryEvents)
	prometheus.MustRegister(HistoryEventLatency)
	prometheus.MustRegister(HistoryProcessDuration)
}

func NewSignalingTimer(backend, op string) *prometheus.Timer {
	return prometheus.NewTimer(SignalingOpDuration.WithLabelValues(backend, op))
}
