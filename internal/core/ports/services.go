package ports

import (
	"context"
	"time"

	"roomlink/internal/core/domain"
)

// StatusProvider is the read-only surface exposed to ops endpoints.
type StatusProvider interface {
	GetPerformanceStats() *domain.PerformanceStats
	MonitorConnectionQuality() *domain.QualitySnapshot
	ActiveRooms() []domain.ActiveRoomRecord
	HealthyConnections() int
}

type MetricsRecorder interface {
	RecordPoolState(total, healthy, failed, active int)
	RecordConnectionQuality(id domain.ConnectionID, score, avgLatencyMs float64)
	RemoveConnection(id domain.ConnectionID)
	RecordProbe(latency time.Duration, ok bool)
	RecordReconnect(success bool)
	RecordRoomCreated()
	RecordRoomDeleted(reason string)
	RecordRejection(reason string)
	RecordActiveRooms(n int)
	RecordAggregates(stats domain.GlobalMetricsSnapshot)
}

// ReadinessChecker is satisfied by monitoring.HealthChecker.
type ReadinessChecker interface {
	IsReady(ctx context.Context) bool
}
