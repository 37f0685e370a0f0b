package monitoring

import (
	"sync"
	"time"

	"mirrorcast/internal/core/domain"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusCollector implements the metrics hooks of the pipeline, the
// peer session and the signaling channel, and observes session events.
// All methods are safe on a nil collector.
type PrometheusCollector struct {
	sessionEvents   *prometheus.CounterVec
	sessionActive   prometheus.Gauge
	sessionDuration prometheus.Histogram

	framesReceived     prometheus.Counter
	framesDropped      prometheus.Counter
	conversionErrors   *prometheus.CounterVec
	conversionDuration *prometheus.HistogramVec

	negotiationDuration *prometheus.HistogramVec
	candidatesEvicted   prometheus.Counter
	peerStates          *prometheus.CounterVec

	signalConnections *prometheus.CounterVec
	signalMessages    *prometheus.CounterVec
	signalDropped     *prometheus.CounterVec

	mu          sync.Mutex
	connectedAt map[domain.Generation]time.Time
}

// NewPrometheusCollector registers the collector's metrics with reg. A nil
// reg registers with the default registry.
func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &PrometheusCollector{
		sessionEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mirrorcast_session_events_total",
			Help: "Session lifecycle events by type",
		}, []string{"type"}),

		sessionActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "mirrorcast_session_connected",
			Help: "1 while a sender is connected",
		}),

		sessionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "mirrorcast_session_duration_seconds",
			Help:    "Time from device identification to the end of the session",
			Buckets: prometheus.ExponentialBuckets(1, 4, 8),
		}),

		framesReceived: factory.NewCounter(prometheus.CounterOpts{
			Name: "mirrorcast_frames_received_total",
			Help: "Frames accepted by the pipeline",
		}),

		framesDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "mirrorcast_frames_dropped_total",
			Help: "Frames dropped because the pipeline queue was full",
		}),

		conversionErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mirrorcast_frame_conversion_errors_total",
			Help: "Frames discarded because they could not be converted",
		}, []string{"format"}),

		conversionDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mirrorcast_frame_conversion_duration_seconds",
			Help:    "Time spent converting one frame to RGBA",
			Buckets: []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1},
		}, []string{"format"}),

		negotiationDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mirrorcast_negotiation_duration_seconds",
			Help:    "Time to answer an offer",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		}, []string{"result"}),

		candidatesEvicted: factory.NewCounter(prometheus.CounterOpts{
			Name: "mirrorcast_ice_candidates_evicted_total",
			Help: "Remote candidates evicted from the pre-offer buffer",
		}),

		peerStates: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mirrorcast_peer_connection_states_total",
			Help: "Peer connection state transitions",
		}, []string{"state"}),

		signalConnections: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mirrorcast_signal_connections_total",
			Help: "Signaling connection attempts by result",
		}, []string{"result"}),

		signalMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mirrorcast_signal_messages_total",
			Help: "Signaling messages handled by type",
		}, []string{"type"}),

		signalDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mirrorcast_signal_messages_dropped_total",
			Help: "Signaling messages dropped by reason",
		}, []string{"reason"}),

		connectedAt: make(map[domain.Generation]time.Time),
	}
}

func (p *PrometheusCollector) OnSessionEvent(event domain.SessionEvent) {
	if p == nil {
		return
	}
	p.sessionEvents.WithLabelValues(string(event.Type)).Inc()

	p.mu.Lock()
	defer p.mu.Unlock()
	switch event.Type {
	case domain.EventDeviceConnected:
		p.connectedAt[event.Generation] = event.Timestamp
		p.sessionActive.Set(1)
	case domain.EventSessionEnded, domain.EventNegotiationFailed:
		if start, ok := p.connectedAt[event.Generation]; ok {
			p.sessionDuration.Observe(event.Timestamp.Sub(start).Seconds())
			delete(p.connectedAt, event.Generation)
		}
		p.sessionActive.Set(0)
	}
}

func (p *PrometheusCollector) FrameReceived() {
	if p == nil {
		return
	}
	p.framesReceived.Inc()
}

func (p *PrometheusCollector) FrameDropped() {
	if p == nil {
		return
	}
	p.framesDropped.Inc()
}

func (p *PrometheusCollector) ConversionFailed(format string) {
	if p == nil {
		return
	}
	p.conversionErrors.WithLabelValues(format).Inc()
}

func (p *PrometheusCollector) ObserveConversion(format string, d time.Duration) {
	if p == nil {
		return
	}
	p.conversionDuration.WithLabelValues(format).Observe(d.Seconds())
}

func (p *PrometheusCollector) NegotiationFinished(success bool, d time.Duration) {
	if p == nil {
		return
	}
	result := "success"
	if !success {
		result = "failure"
	}
	p.negotiationDuration.WithLabelValues(result).Observe(d.Seconds())
}

func (p *PrometheusCollector) CandidateEvicted() {
	if p == nil {
		return
	}
	p.candidatesEvicted.Inc()
}

func (p *PrometheusCollector) PeerStateChanged(state string) {
	if p == nil {
		return
	}
	p.peerStates.WithLabelValues(state).Inc()
}

func (p *PrometheusCollector) ConnectionAccepted() {
	if p == nil {
		return
	}
	p.signalConnections.WithLabelValues("accepted").Inc()
}

func (p *PrometheusCollector) ConnectionRejected(reason string) {
	if p == nil {
		return
	}
	p.signalConnections.WithLabelValues(reason).Inc()
}

func (p *PrometheusCollector) MessageHandled(msgType string) {
	if p == nil {
		return
	}
	p.signalMessages.WithLabelValues(msgType).Inc()
}

func (p *PrometheusCollector) MessageDropped(reason string) {
	if p == nil {
		return
	}
	p.signalDropped.WithLabelValues(reason).Inc()
}
