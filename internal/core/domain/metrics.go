package domain

import (
	"math"
	"sync"
	"time"
)

const (
	latencyWeight = 0.6
	failureWeight = 0.4
)

// QualityScore folds latency and failure ratio into [0,1]. Latency at or
// below the target costs nothing; above it the latency term decays as
// target/latency. Both terms are non-increasing in their input.
func QualityScore(avgLatencyMs, failureRatio, targetLatencyMs float64) float64 {
	latencyFactor := 1.0
	switch {
	case math.IsNaN(avgLatencyMs) || math.IsInf(avgLatencyMs, 1):
		latencyFactor = 0
	case targetLatencyMs > 0 && avgLatencyMs > targetLatencyMs:
		latencyFactor = targetLatencyMs / avgLatencyMs
	}

	if math.IsNaN(failureRatio) {
		failureRatio = 1
	}
	failureRatio = clamp(failureRatio, 0, 1)

	return clamp(latencyWeight*latencyFactor+failureWeight*(1-failureRatio), 0, 1)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// GlobalMetrics is the process-wide counter set owned by one optimizer.
// Every method takes the same short mutex; none of them block on I/O.
type GlobalMetrics struct {
	mu sync.Mutex

	// draining rejects everything but lease accounting; frozen rejects all
	// writes.
	draining bool
	frozen   bool

	totalConnections     int
	activeConnections    int
	failedConnections    int
	avgConnectionLatency float64
	reconnectionRate     float64
	roomCreationRate     float64
	audioLatencyMs       float64
	qualityScores        map[ConnectionID]float64

	reconnectAttempts  int64
	reconnectSuccesses int64
	roomsCreated       int64
	rejections         map[string]int64
}

func NewGlobalMetrics() *GlobalMetrics {
	return &GlobalMetrics{
		qualityScores: make(map[ConnectionID]float64),
		rejections:    make(map[string]int64),
	}
}

func (g *GlobalMetrics) ConnectionAcquired() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.frozen {
		return
	}
	g.activeConnections++
}

func (g *GlobalMetrics) ConnectionReleased() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.frozen {
		return
	}
	if g.activeConnections > 0 {
		g.activeConnections--
	}
}

// ResetActive zeroes the lease counter; used when the pool force-closes.
func (g *GlobalMetrics) ResetActive() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.frozen {
		return
	}
	g.activeConnections = 0
}

func (g *GlobalMetrics) ActiveConnections() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.activeConnections
}

func (g *GlobalMetrics) SetConnectionTotals(total, failed int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.draining || g.frozen {
		return
	}
	g.totalConnections = total
	g.failedConnections = failed
}

func (g *GlobalMetrics) RecordReconnectAttempt() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.draining || g.frozen {
		return
	}
	g.reconnectAttempts++
}

func (g *GlobalMetrics) RecordReconnectSuccess() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.draining || g.frozen {
		return
	}
	g.reconnectSuccesses++
}

func (g *GlobalMetrics) RecordRoomCreated() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.draining || g.frozen {
		return
	}
	g.roomsCreated++
}

func (g *GlobalMetrics) RecordRejection(reason string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.draining || g.frozen {
		return
	}
	g.rejections[reason]++
}

func (g *GlobalMetrics) SetQualityScore(id ConnectionID, score float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.draining || g.frozen {
		return
	}
	g.qualityScores[id] = score
}

// Counters returns the cumulative counters the aggregation loop turns into
// rates.
func (g *GlobalMetrics) Counters() (reconnectAttempts, roomsCreated int64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.reconnectAttempts, g.roomsCreated
}

// SetAggregates stores the values computed by one aggregation tick.
func (g *GlobalMetrics) SetAggregates(avgLatencyMs, reconnectionRate, roomCreationRate, audioLatencyMs float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.draining || g.frozen {
		return
	}
	g.avgConnectionLatency = avgLatencyMs
	g.reconnectionRate = reconnectionRate
	g.roomCreationRate = roomCreationRate
	g.audioLatencyMs = audioLatencyMs
}

// BeginShutdown stops accepting every write except lease acquire/release, so
// outstanding leases can still drain.
func (g *GlobalMetrics) BeginShutdown() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.draining = true
}

// Freeze stops accepting writes. Reads keep working.
func (g *GlobalMetrics) Freeze() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.frozen = true
}

func (g *GlobalMetrics) Snapshot() GlobalMetricsSnapshot {
	g.mu.Lock()
	defer g.mu.Unlock()

	scores := make(map[ConnectionID]float64, len(g.qualityScores))
	for id, s := range g.qualityScores {
		scores[id] = s
	}
	rejections := make(map[string]int64, len(g.rejections))
	for k, v := range g.rejections {
		rejections[k] = v
	}

	return GlobalMetricsSnapshot{
		TotalConnections:        g.totalConnections,
		ActiveConnections:       g.activeConnections,
		FailedConnections:       g.failedConnections,
		AvgConnectionLatency:    g.avgConnectionLatency,
		ReconnectionRate:        g.reconnectionRate,
		RoomCreationRate:        g.roomCreationRate,
		AudioLatencyMs:          g.audioLatencyMs,
		ConnectionQualityScores: scores,
		ReconnectAttempts:       g.reconnectAttempts,
		ReconnectSuccesses:      g.reconnectSuccesses,
		RoomsCreated:            g.roomsCreated,
		Rejections:              rejections,
	}
}

type GlobalMetricsSnapshot struct {
	TotalConnections        int                      `json:"total_connections"`
	ActiveConnections       int                      `json:"active_connections"`
	FailedConnections       int                      `json:"failed_connections"`
	AvgConnectionLatency    float64                  `json:"avg_connection_latency"`
	ReconnectionRate        float64                  `json:"reconnection_rate"`
	RoomCreationRate        float64                  `json:"room_creation_rate"`
	AudioLatencyMs          float64                  `json:"audio_latency_ms"`
	ConnectionQualityScores map[ConnectionID]float64 `json:"connection_quality_scores"`
	ReconnectAttempts       int64                    `json:"reconnect_attempts"`
	ReconnectSuccesses      int64                    `json:"reconnect_successes"`
	RoomsCreated            int64                    `json:"rooms_created"`
	Rejections              map[string]int64         `json:"rejections"`
}

// PerformanceStats is what getPerformanceStats hands to ops tooling.
type PerformanceStats struct {
	Timestamp     time.Time               `json:"timestamp"`
	GlobalMetrics GlobalMetricsSnapshot   `json:"global_metrics"`
	PoolSize      int                     `json:"pool_size"`
	ActiveRooms   int                     `json:"active_rooms"`
	RoomLimits    RoomLimits              `json:"room_limits"`
	AudioConfig   AudioOptimizationConfig `json:"audio_config"`
	ShuttingDown  bool                    `json:"shutting_down"`
}

type PoolStatus struct {
	TotalConnections   int `json:"total_connections"`
	HealthyConnections int `json:"healthy_connections"`
}

type PerformanceMetrics struct {
	AvgLatencyMs float64 `json:"avg_latency_ms"`
	QualityScore float64 `json:"quality_score"`
}

type RoomMetrics struct {
	ActiveRooms       int `json:"active_rooms"`
	TotalParticipants int `json:"total_participants"`
	AudioTracks       int `json:"audio_tracks"`
	VideoTracks       int `json:"video_tracks"`
}

// QualitySnapshot is the monitorConnectionQuality result.
type QualitySnapshot struct {
	Timestamp          time.Time           `json:"timestamp"`
	PoolStatus         PoolStatus          `json:"pool_status"`
	PerformanceMetrics PerformanceMetrics  `json:"performance_metrics"`
	RoomMetrics        RoomMetrics         `json:"room_metrics"`
	Connections        []ConnectionMetrics `json:"connections"`
}
