package monitoring

import (
	"errors"
	"net/http"
	"time"

	"mediasession/internal/core/domain"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusCollector implements ports.CaptureRecorder on its own
// registry, so several collectors can coexist in one process.
type PrometheusCollector struct {
	registry *prometheus.Registry

	acquiredTotal  *prometheus.CounterVec
	acquireErrors  *prometheus.CounterVec
	releasedTotal  *prometheus.CounterVec
	activeStreams  *prometheus.GaugeVec
	acquireSeconds *prometheus.HistogramVec
	speaking       *prometheus.GaugeVec
	wsClients      prometheus.Gauge
	wsDropped      prometheus.Counter
	wsThrottled    prometheus.Counter
}

func NewPrometheusCollector() *PrometheusCollector {
	reg := prometheus.NewRegistry()
	factory := func(c prometheus.Collector) {
		reg.MustRegister(c)
	}

	p := &PrometheusCollector{
		registry: reg,

		acquiredTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mediasession_capture_acquired_total",
			Help: "Total number of capture streams acquired",
		}, []string{"kind"}),

		acquireErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mediasession_capture_acquire_errors_total",
			Help: "Total number of failed capture acquisitions",
		}, []string{"kind", "reason"}),

		releasedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mediasession_capture_released_total",
			Help: "Total number of capture streams released",
		}, []string{"kind"}),

		activeStreams: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "mediasession_capture_active_streams",
			Help: "Number of capture streams currently held",
		}, []string{"kind"}),

		acquireSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mediasession_capture_acquire_duration_seconds",
			Help:    "Time from request to granted capture, including permission prompts",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
		}, []string{"kind"}),

		speaking: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "mediasession_activity_speaking",
			Help: "1 while the monitored stream is considered speaking",
		}, []string{"monitor"}),

		wsClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mediasession_feed_clients",
			Help: "Connected activity feed clients",
		}),

		wsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mediasession_feed_dropped_messages_total",
			Help: "Activity feed messages dropped because a client's send buffer was full",
		}),

		wsThrottled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mediasession_feed_throttled_updates_total",
			Help: "Level-only activity updates withheld by the per-client rate limit",
		}),
	}

	factory(p.acquiredTotal)
	factory(p.acquireErrors)
	factory(p.releasedTotal)
	factory(p.activeStreams)
	factory(p.acquireSeconds)
	factory(p.speaking)
	factory(p.wsClients)
	factory(p.wsDropped)
	factory(p.wsThrottled)
	factory(collectors.NewGoCollector())
	factory(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	return p
}

func (p *PrometheusCollector) RecordAcquire(kind domain.StreamKind, duration time.Duration) {
	p.acquiredTotal.WithLabelValues(string(kind)).Inc()
	p.activeStreams.WithLabelValues(string(kind)).Inc()
	p.acquireSeconds.WithLabelValues(string(kind)).Observe(duration.Seconds())
}

func (p *PrometheusCollector) RecordAcquireError(kind domain.StreamKind, err error) {
	p.acquireErrors.WithLabelValues(string(kind), ErrorReason(err)).Inc()
}

func (p *PrometheusCollector) RecordRelease(kind domain.StreamKind) {
	p.releasedTotal.WithLabelValues(string(kind)).Inc()
	p.activeStreams.WithLabelValues(string(kind)).Dec()
}

func (p *PrometheusCollector) RecordSpeaking(monitor domain.MonitorID, speaking bool) {
	v := 0.0
	if speaking {
		v = 1
	}
	p.speaking.WithLabelValues(string(monitor)).Set(v)
}

func (p *PrometheusCollector) RecordFeedClient(delta int) {
	p.wsClients.Add(float64(delta))
}

func (p *PrometheusCollector) RecordFeedDropped() {
	p.wsDropped.Inc()
}

func (p *PrometheusCollector) RecordFeedThrottled() {
	p.wsThrottled.Inc()
}

func (p *PrometheusCollector) Registry() *prometheus.Registry {
	return p.registry
}

// Handler serves the collector's registry in the Prometheus text format.
func (p *PrometheusCollector) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{Registry: p.registry})
}

// ErrorReason is the low-cardinality label for a capture error.
func ErrorReason(err error) string {
	switch {
	case errors.Is(err, domain.ErrPermissionDenied):
		return "permission_denied"
	case errors.Is(err, domain.ErrDeviceUnavailable):
		return "device_unavailable"
	case errors.Is(err, domain.ErrUserCancelled):
		return "user_cancelled"
	case errors.Is(err, domain.ErrNoAudioTrack):
		return "no_audio_track"
	case errors.Is(err, domain.ErrAnalysisUnsupported):
		return "analysis_unsupported"
	default:
		return "other"
	}
}
