package monitoring

import (
	"roomcast/internal/core/domain"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusCollector implements ports.Metrics on top of promauto-registered
// collectors. Per-room peer gauges are labeled so dashboards can break
// occupancy down by room.
type PrometheusCollector struct {
	roomsActive     prometheus.Gauge
	roomsTotal      prometheus.Counter
	peersConnected  prometheus.Gauge
	roomPeerCount   *prometheus.GaugeVec
	producersActive *prometheus.GaugeVec

	playbackActive   prometheus.Gauge
	injectionActive  prometheus.Gauge
	pipelineFailures prometheus.Counter

	joinDuration prometheus.Histogram
}

func NewPrometheusCollector() *PrometheusCollector {
	return &PrometheusCollector{
		roomsActive: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "roomcast_rooms_active",
			Help: "Number of rooms currently open",
		}),

		roomsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "roomcast_rooms_created_total",
			Help: "Total number of rooms created",
		}),

		peersConnected: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "roomcast_peers_connected",
			Help: "Number of peers currently in a room",
		}),

		roomPeerCount: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "roomcast_room_peer_count",
			Help: "Number of peers per room",
		}, []string{"room"}),

		producersActive: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "roomcast_producers_active",
			Help: "Number of active producers by media kind",
		}, []string{"kind"}),

		playbackActive: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "roomcast_playback_pipelines_active",
			Help: "Number of playback transcoding pipelines running",
		}),

		injectionActive: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "roomcast_injection_pipelines_active",
			Help: "Number of file injection pipelines running",
		}),

		pipelineFailures: promauto.NewCounter(prometheus.CounterOpts{
			Name: "roomcast_pipeline_failures_total",
			Help: "Total number of transcoding pipeline start failures",
		}),

		joinDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "roomcast_join_duration_seconds",
			Help:    "Duration of room admission, including store round trips",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		}),
	}
}

func (p *PrometheusCollector) RoomCreated() {
	p.roomsActive.Inc()
	p.roomsTotal.Inc()
}

func (p *PrometheusCollector) RoomDeleted() {
	p.roomsActive.Dec()
}

func (p *PrometheusCollector) PeerJoined(room domain.RoomID) {
	p.peersConnected.Inc()
	p.roomPeerCount.WithLabelValues(string(room)).Inc()
}

func (p *PrometheusCollector) PeerLeft(room domain.RoomID) {
	p.peersConnected.Dec()
	p.roomPeerCount.WithLabelValues(string(room)).Dec()
}

func (p *PrometheusCollector) ProducerAdded(kind domain.MediaKind) {
	p.producersActive.WithLabelValues(string(kind)).Inc()
}

func (p *PrometheusCollector) ProducerRemoved(kind domain.MediaKind) {
	p.producersActive.WithLabelValues(string(kind)).Dec()
}

func (p *PrometheusCollector) PlaybackStarted() {
	p.playbackActive.Inc()
}

func (p *PrometheusCollector) PlaybackStopped() {
	p.playbackActive.Dec()
}

func (p *PrometheusCollector) InjectionStarted() {
	p.injectionActive.Inc()
}

func (p *PrometheusCollector) InjectionStopped() {
	p.injectionActive.Dec()
}

func (p *PrometheusCollector) PipelineFailed() {
	p.pipelineFailures.Inc()
}

func (p *PrometheusCollector) ObserveJoinDuration(seconds float64) {
	p.joinDuration.Observe(seconds)
}
