package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	FramesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "facelock",
		Name:      "frames_processed_total",
		Help:      "Total number of frames processed",
	}, []string{"camera_id"})

	FacesDetected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "facelock",
		Name:      "faces_detected_total",
		Help:      "Total number of faces detected after filtering",
	}, []string{"camera_id"})

	Classifications = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "facelock",
		Name:      "classifications_total",
		Help:      "Face classifications by kind",
	}, []string{"kind"})

	Registrations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "facelock",
		Name:      "registrations_total",
		Help:      "Auto-registration attempts by result",
	}, []string{"result"})

	LockTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "facelock",
		Name:      "lock_transitions_total",
		Help:      "Session lock state transitions",
	}, []string{"to"})

	StoreMutations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "facelock",
		Name:      "store_mutations_total",
		Help:      "Identity store mutations by operation and result",
	}, []string{"op", "result"})

	KnownIdentities = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "facelock",
		Name:      "known_identities",
		Help:      "Number of enrolled identities",
	})

	InferenceDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "facelock",
		Name:      "inference_duration_seconds",
		Help:      "Duration of ML inference stages",
		Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10),
	}, []string{"stage"})

	SinkDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "facelock",
		Name:      "session_updates_dropped_total",
		Help:      "Session updates dropped because a sink was saturated or failed",
	}, []string{"sink"})

	ActiveCameras = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "facelock",
		Name:      "active_cameras",
		Help:      "Number of currently running camera pipelines",
	})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "facelock",
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request duration",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	WSConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "facelock",
		Name:      "ws_connections",
		Help:      "Number of active WebSocket connections",
	})
)
