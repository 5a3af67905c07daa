package domain

import "time"

type ConnectionID string

type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateFailed
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// ParseConnectionState is the inverse of String. Unknown names map to
// StateDisconnected.
func ParseConnectionState(s string) ConnectionState {
	switch s {
	case "connecting":
		return StateConnecting
	case "connected":
		return StateConnected
	case "reconnecting":
		return StateReconnecting
	case "failed":
		return StateFailed
	default:
		return StateDisconnected
	}
}

func (s ConnectionState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// ConnectionMetrics is a point-in-time copy of one pooled connection's health.
type ConnectionMetrics struct {
	ID                ConnectionID    `json:"id"`
	State             ConnectionState `json:"state"`
	CurrentLatencyMs  float64         `json:"current_latency_ms"`
	AvgLatencyMs      float64         `json:"avg_latency_ms"`
	TotalRequests     int64           `json:"total_requests"`
	FailedRequests    int64           `json:"failed_requests"`
	ReconnectCount    int64           `json:"reconnect_count"`
	QualityScore      float64         `json:"quality_score"`
	LastHealthCheckAt time.Time       `json:"last_health_check_at"`
}

// FailureRatio returns failedRequests/totalRequests, 0 when nothing was sent.
func (m ConnectionMetrics) FailureRatio() float64 {
	if m.TotalRequests <= 0 {
		return 0
	}
	return float64(m.FailedRequests) / float64(m.TotalRequests)
}

// Room is what the remote service reports about a room.
type Room struct {
	SID             string    `json:"sid"`
	Name            string    `json:"name"`
	Metadata        string    `json:"metadata"`
	NumParticipants int       `json:"num_participants"`
	MaxParticipants int       `json:"max_participants"`
	CreatedAt       time.Time `json:"created_at"`
}

type TrackKind string

const (
	TrackAudio TrackKind = "audio"
	TrackVideo TrackKind = "video"
)

type Participant struct {
	SID      string      `json:"sid"`
	Identity string      `json:"identity"`
	JoinedAt time.Time   `json:"joined_at"`
	Tracks   []TrackKind `json:"tracks"`
}

// TrackCounts returns the number of audio and video tracks published.
func (p Participant) TrackCounts() (audio, video int) {
	for _, t := range p.Tracks {
		switch t {
		case TrackAudio:
			audio++
		case TrackVideo:
			video++
		}
	}
	return audio, video
}
