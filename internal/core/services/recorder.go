package services

import (
	"time"

	"roomlink/internal/core/domain"
	"roomlink/internal/core/ports"
)

// nopRecorder stands in when no metrics backend is configured.
type nopRecorder struct{}

func (nopRecorder) RecordPoolState(total, healthy, failed, active int)                          {}
func (nopRecorder) RecordConnectionQuality(id domain.ConnectionID, score, avgLatencyMs float64) {}
func (nopRecorder) RemoveConnection(id domain.ConnectionID)                                     {}
func (nopRecorder) RecordProbe(latency time.Duration, ok bool)                                  {}
func (nopRecorder) RecordReconnect(success bool)                                                {}
func (nopRecorder) RecordRoomCreated()                                                          {}
func (nopRecorder) RecordRoomDeleted(reason string)                                             {}
func (nopRecorder) RecordRejection(reason string)                                               {}
func (nopRecorder) RecordActiveRooms(n int)                                                     {}
func (nopRecorder) RecordAggregates(stats domain.GlobalMetricsSnapshot)                         {}

func recorderOrNop(r ports.MetricsRecorder) ports.MetricsRecorder {
	if r == nil {
		return nopRecorder{}
	}
	return r
}
