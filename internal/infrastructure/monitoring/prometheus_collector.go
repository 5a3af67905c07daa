package monitoring

import (
	"strconv"
	"time"

	"roomlink/internal/core/domain"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusCollector implements ports.MetricsRecorder.
type PrometheusCollector struct {
	// Pool
	poolConnections   *prometheus.GaugeVec
	activeLeases      prometheus.Gauge
	connectionQuality *prometheus.GaugeVec
	connectionLatency *prometheus.GaugeVec
	probeDuration     *prometheus.HistogramVec
	reconnectsTotal   *prometheus.CounterVec

	// Rooms
	activeRooms     prometheus.Gauge
	roomsCreated    prometheus.Counter
	roomsDeleted    *prometheus.CounterVec
	rejectionsTotal *prometheus.CounterVec

	// Aggregates
	avgLatency       prometheus.Gauge
	audioLatency     prometheus.Gauge
	reconnectionRate prometheus.Gauge
	roomCreationRate prometheus.Gauge
}

// NewPrometheusCollector registers the collector's metrics with reg. Passing
// prometheus.DefaultRegisterer exposes them on the default /metrics handler.
func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	factory := promauto.With(reg)

	return &PrometheusCollector{
		poolConnections: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "roomlink_pool_connections",
			Help: "Pooled connections by health",
		}, []string{"status"}),

		activeLeases: factory.NewGauge(prometheus.GaugeOpts{
			Name: "roomlink_pool_active_leases",
			Help: "Connections currently leased to callers",
		}),

		connectionQuality: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "roomlink_connection_quality_score",
			Help: "Quality score of each pooled connection (0-1)",
		}, []string{"connection_id"}),

		connectionLatency: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "roomlink_connection_latency_ms",
			Help: "Smoothed request latency of each pooled connection",
		}, []string{"connection_id"}),

		probeDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "roomlink_health_probe_duration_seconds",
			Help:    "Duration of connection health probes",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		}, []string{"ok"}),

		reconnectsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "roomlink_reconnects_total",
			Help: "Completed reconnection sequences by outcome",
		}, []string{"result"}),

		activeRooms: factory.NewGauge(prometheus.GaugeOpts{
			Name: "roomlink_rooms_active",
			Help: "Rooms currently tracked as active",
		}),

		roomsCreated: factory.NewCounter(prometheus.CounterOpts{
			Name: "roomlink_rooms_created_total",
			Help: "Rooms created on the media service",
		}),

		roomsDeleted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "roomlink_rooms_deleted_total",
			Help: "Rooms removed from tracking by reason",
		}, []string{"reason"}),

		rejectionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "roomlink_rejections_total",
			Help: "Requests refused by a capacity limit or an exhausted pool",
		}, []string{"reason"}),

		avgLatency: factory.NewGauge(prometheus.GaugeOpts{
			Name: "roomlink_avg_connection_latency_ms",
			Help: "Average smoothed latency over connected pool members",
		}),

		audioLatency: factory.NewGauge(prometheus.GaugeOpts{
			Name: "roomlink_estimated_audio_latency_ms",
			Help: "Transport latency plus configured audio and jitter buffers",
		}),

		reconnectionRate: factory.NewGauge(prometheus.GaugeOpts{
			Name: "roomlink_reconnection_attempts_per_second",
			Help: "Reconnection attempts per second over the last aggregation window",
		}),

		roomCreationRate: factory.NewGauge(prometheus.GaugeOpts{
			Name: "roomlink_room_creations_per_second",
			Help: "Room creations per second over the last aggregation window",
		}),
	}
}

func (p *PrometheusCollector) RecordPoolState(total, healthy, failed, active int) {
	p.poolConnections.WithLabelValues("total").Set(float64(total))
	p.poolConnections.WithLabelValues("healthy").Set(float64(healthy))
	p.poolConnections.WithLabelValues("failed").Set(float64(failed))
	p.activeLeases.Set(float64(active))
}

func (p *PrometheusCollector) RecordConnectionQuality(id domain.ConnectionID, score, avgLatencyMs float64) {
	p.connectionQuality.WithLabelValues(string(id)).Set(score)
	p.connectionLatency.WithLabelValues(string(id)).Set(avgLatencyMs)
}

// RemoveConnection drops the per-connection series.
func (p *PrometheusCollector) RemoveConnection(id domain.ConnectionID) {
	p.connectionQuality.DeleteLabelValues(string(id))
	p.connectionLatency.DeleteLabelValues(string(id))
}

func (p *PrometheusCollector) RecordProbe(latency time.Duration, ok bool) {
	p.probeDuration.WithLabelValues(strconv.FormatBool(ok)).Observe(latency.Seconds())
}

func (p *PrometheusCollector) RecordReconnect(success bool) {
	result := "failed"
	if success {
		result = "success"
	}
	p.reconnectsTotal.WithLabelValues(result).Inc()
}

func (p *PrometheusCollector) RecordRoomCreated() {
	p.roomsCreated.Inc()
}

func (p *PrometheusCollector) RecordRoomDeleted(reason string) {
	p.roomsDeleted.WithLabelValues(reason).Inc()
}

func (p *PrometheusCollector) RecordRejection(reason string) {
	p.rejectionsTotal.WithLabelValues(reason).Inc()
}

func (p *PrometheusCollector) RecordActiveRooms(n int) {
	p.activeRooms.Set(float64(n))
}

func (p *PrometheusCollector) RecordAggregates(stats domain.GlobalMetricsSnapshot) {
	p.avgLatency.Set(stats.AvgConnectionLatency)
	p.audioLatency.Set(stats.AudioLatencyMs)
	p.reconnectionRate.Set(stats.ReconnectionRate)
	p.roomCreationRate.Set(stats.RoomCreationRate)
	p.activeLeases.Set(float64(stats.ActiveConnections))
}
