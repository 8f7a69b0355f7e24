// Package metrics exports session and pipeline statistics to Prometheus.
//
// Values are read from the owning component when the registry is scraped,
// so nothing on the streaming path touches Prometheus types.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/deskstream/av"
	"github.com/opd-ai/deskstream/transport"
)

const namespace = "deskstream"

// Metrics holds the Prometheus registry and the collectors registered on it.
type Metrics struct {
	registry *prometheus.Registry

	mu         sync.Mutex
	collectors map[string][]prometheus.Collector

	resets *prometheus.CounterVec
}

// New creates an empty registry with the pipeline reset counter.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	resets := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "pipeline_resets_total",
		Help:      "Pipeline rebuilds by role and reason",
	}, []string{"role", "reason"})
	registry.MustRegister(resets)

	return &Metrics{
		registry:   registry,
		collectors: make(map[string][]prometheus.Collector),
		resets:     resets,
	}
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// IncResets counts one pipeline rebuild.
func (m *Metrics) IncResets(role, reason string) {
	m.resets.WithLabelValues(role, reason).Inc()
}

func counter(role, name, help string, fn func() float64) prometheus.Collector {
	return prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace:   namespace,
		Name:        name,
		Help:        help,
		ConstLabels: prometheus.Labels{"role": role},
	}, fn)
}

func gauge(role, name, help string, fn func() float64) prometheus.Collector {
	return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace:   namespace,
		Name:        name,
		Help:        help,
		ConstLabels: prometheus.Labels{"role": role},
	}, fn)
}

// RegisterSession exports transport counters read from stats under the
// given role label. Registering the same role again replaces the previous
// collectors.
func (m *Metrics) RegisterSession(role string, stats func() transport.Stats) error {
	return m.register("session/"+role, []prometheus.Collector{
		counter(role, "session_packets_sent_total", "Datagrams sent",
			func() float64 { return float64(stats().PacketsSent) }),
		counter(role, "session_packets_received_total", "Datagrams received",
			func() float64 { return float64(stats().PacketsReceived) }),
		counter(role, "session_bytes_sent_total", "Bytes sent",
			func() float64 { return float64(stats().BytesSent) }),
		counter(role, "session_bytes_received_total", "Bytes received",
			func() float64 { return float64(stats().BytesReceived) }),
		counter(role, "session_retransmits_total", "Control messages retransmitted",
			func() float64 { return float64(stats().Retransmits) }),
		counter(role, "session_integrity_failures_total", "Datagrams failing authentication",
			func() float64 { return float64(stats().IntegrityFailures) }),
		counter(role, "session_video_dropped_total", "Video packets dropped before the pipeline read them",
			func() float64 { return float64(stats().VideoDropped) }),
		gauge(role, "session_rtt_seconds", "Smoothed round trip time",
			func() float64 { return stats().SRTT.Seconds() }),
		gauge(role, "session_loss_ratio", "Estimated datagram loss",
			func() float64 { return stats().LossRate }),
		gauge(role, "session_state", "Session state ordinal",
			func() float64 { return float64(stats().State) }),
		gauge(role, "session_control_outstanding", "Unacknowledged control messages",
			func() float64 { return float64(stats().Outstanding) }),
	})
}

// RegisterPipeline exports pipeline counters read from stats under the
// given role label. Registering the same role again replaces the previous
// collectors, which is how a rebuilt pipeline takes over its series.
func (m *Metrics) RegisterPipeline(role string, stats func() av.PipelineStats) error {
	return m.register("pipeline/"+role, []prometheus.Collector{
		counter(role, "frames_captured_total", "Frames submitted for encoding",
			func() float64 { return float64(stats().FramesCaptured) }),
		counter(role, "frames_encoded_total", "Frames encoded and sent",
			func() float64 { return float64(stats().FramesEncoded) }),
		counter(role, "keyframes_sent_total", "Keyframes encoded",
			func() float64 { return float64(stats().KeyframesSent) }),
		counter(role, "keyframe_requests_total", "Keyframe requests received from the viewer",
			func() float64 { return float64(stats().KeyframeRequests) }),
		counter(role, "queue_dropped_total", "Frames evicted from a full frame queue",
			func() float64 { return float64(stats().QueueDropped) }),
		counter(role, "frames_decoded_total", "Frames decoded",
			func() float64 { return float64(stats().FramesDecoded) }),
		counter(role, "keyframes_decoded_total", "Keyframes decoded",
			func() float64 { return float64(stats().KeyframesDecoded) }),
		counter(role, "frames_presented_total", "Frames handed to the presenter",
			func() float64 { return float64(stats().FramesPresented) }),
		counter(role, "decode_errors_total", "Frames that could not be decoded",
			func() float64 { return float64(stats().DecodeErrors) }),
		counter(role, "keyframes_asked_total", "Keyframe requests sent to the host",
			func() float64 { return float64(stats().KeyframesAsked) }),
		gauge(role, "queue_length", "Frames waiting to be encoded",
			func() float64 { return float64(stats().QueueLen) }),
		gauge(role, "target_bitrate_bps", "Current encoder target",
			func() float64 { return float64(stats().TargetBitrate) }),
		gauge(role, "encode_seconds", "Duration of the last encode",
			func() float64 { return stats().EncodeTime.Seconds() }),
		gauge(role, "decode_seconds", "Duration of the last decode",
			func() float64 { return stats().DecodeTime.Seconds() }),
		gauge(role, "convert_seconds", "Device time of the last color conversion",
			func() float64 { return stats().ConvertTime.Seconds() }),
		gauge(role, "present_latency_seconds", "Capture to presentation latency of the last frame",
			func() float64 { return stats().PresentLatency.Seconds() }),
	})
}

// Unregister removes the session and pipeline collectors of role.
func (m *Metrics) Unregister(role string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unregisterLocked("session/" + role)
	m.unregisterLocked("pipeline/" + role)
}

func (m *Metrics) register(key string, cs []prometheus.Collector) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.unregisterLocked(key)
	for i, c := range cs {
		if err := m.registry.Register(c); err != nil {
			for _, done := range cs[:i] {
				m.registry.Unregister(done)
			}
			logrus.WithFields(logrus.Fields{
				"function": "Metrics.register",
				"key":      key,
				"error":    err.Error(),
			}).Error("Failed to register collectors")
			return err
		}
	}
	m.collectors[key] = cs

	logrus.WithFields(logrus.Fields{
		"function":   "Metrics.register",
		"key":        key,
		"collectors": len(cs),
	}).Debug("Collectors registered")
	return nil
}

func (m *Metrics) unregisterLocked(key string) {
	for _, c := range m.collectors[key] {
		m.registry.Unregister(c)
	}
	delete(m.collectors, key)
}

// Handler returns an http.Handler that serves the registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
