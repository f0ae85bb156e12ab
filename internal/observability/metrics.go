package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"

	DispatchDelivered   = "delivered"
	DispatchUnknownName = "unknown_name"
	DispatchDeserialize = "deserialize_error"
	DispatchFraming     = "framing_error"

	RegistryDuplicate   = "duplicate"
	RegistryUnknownName = "unknown_name"
	RegistrySendFailed  = "send_failed"
)

var (
	registerOnce sync.Once

	framesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "framehub",
			Subsystem: "transport",
			Name:      "frames_total",
			Help:      "Frames moved over the wire.",
		},
		[]string{"direction"},
	)
	frameBytes = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "framehub",
			Subsystem: "transport",
			Name:      "frame_bytes",
			Help:      "Frame payload size in bytes.",
			Buckets:   prometheus.ExponentialBuckets(64, 4, 8),
		},
		[]string{"direction"},
	)
	dispatchTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "framehub",
			Subsystem: "dispatch",
			Name:      "frames_total",
			Help:      "Inbound frame routing outcomes.",
		},
		[]string{"outcome"},
	)
	registryEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "framehub",
			Subsystem: "registry",
			Name:      "events_total",
			Help:      "Soft registry conditions (collisions, misses, failed sends).",
		},
		[]string{"event"},
	)
	connectsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "framehub",
			Subsystem: "hub",
			Name:      "connects_total",
			Help:      "Connect attempts by result.",
		},
		[]string{"result"},
	)
	hubsByState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "framehub",
			Subsystem: "hub",
			Name:      "hubs",
			Help:      "Hubs in each lifecycle state.",
		},
		[]string{"state"},
	)
	peerSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "framehub",
			Subsystem: "peer",
			Name:      "sessions",
			Help:      "Open peer server sessions.",
		},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(framesTotal, frameBytes, dispatchTotal, registryEvents, connectsTotal, hubsByState, peerSessions)
	})
}

func RecordFrame(direction string, size int) {
	RegisterMetrics()
	framesTotal.WithLabelValues(direction).Inc()
	frameBytes.WithLabelValues(direction).Observe(float64(size))
}

func RecordDispatch(outcome string) {
	RegisterMetrics()
	dispatchTotal.WithLabelValues(outcome).Inc()
}

func RecordRegistryEvent(event string) {
	RegisterMetrics()
	registryEvents.WithLabelValues(event).Inc()
}

func RecordConnect(result string) {
	RegisterMetrics()
	connectsTotal.WithLabelValues(result).Inc()
}

// RecordStateChange moves one hub from one state bucket to another. An empty
// from means the hub is new.
func RecordStateChange(from, to string) {
	RegisterMetrics()
	if from != "" {
		hubsByState.WithLabelValues(from).Dec()
	}
	if to != "" {
		hubsByState.WithLabelValues(to).Inc()
	}
}

func AddPeerSessions(delta int) {
	RegisterMetrics()
	peerSessions.Add(float64(delta))
}
