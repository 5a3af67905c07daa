package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

const (
	MetadataKeyAudio  = "audio_optimization"
	MetadataKeyLimits = "performance_limits"
)

// RoomLimits caps what the tracker admits. All checks are inclusive: exactly
// the configured number is allowed.
type RoomLimits struct {
	MaxConcurrentRooms     int `json:"max_concurrent_rooms" yaml:"max_concurrent_rooms"`
	MaxParticipantsPerRoom int `json:"max_participants_per_room" yaml:"max_participants_per_room"`
	MaxAudioTracksPerRoom  int `json:"max_audio_tracks_per_room" yaml:"max_audio_tracks_per_room"`
	MaxVideoTracksPerRoom  int `json:"max_video_tracks_per_room" yaml:"max_video_tracks_per_room"`
}

func DefaultRoomLimits() RoomLimits {
	return RoomLimits{
		MaxConcurrentRooms:     100,
		MaxParticipantsPerRoom: 50,
		MaxAudioTracksPerRoom:  50,
		MaxVideoTracksPerRoom:  0,
	}
}

func (l RoomLimits) Validate() error {
	if l.MaxConcurrentRooms <= 0 {
		return fmt.Errorf("%w: max_concurrent_rooms must be > 0", ErrInvalidConfig)
	}
	if l.MaxParticipantsPerRoom <= 0 {
		return fmt.Errorf("%w: max_participants_per_room must be > 0", ErrInvalidConfig)
	}
	if l.MaxAudioTracksPerRoom < 0 {
		return fmt.Errorf("%w: max_audio_tracks_per_room must be >= 0", ErrInvalidConfig)
	}
	if l.MaxVideoTracksPerRoom < 0 {
		return fmt.Errorf("%w: max_video_tracks_per_room must be >= 0", ErrInvalidConfig)
	}
	return nil
}

// AudioOptimizationConfig is embedded verbatim into every room's metadata.
type AudioOptimizationConfig struct {
	TargetLatencyMs  int  `json:"target_latency_ms" yaml:"target_latency_ms"`
	BufferSizeMs     int  `json:"buffer_size_ms" yaml:"buffer_size_ms"`
	JitterBufferMs   int  `json:"jitter_buffer_ms" yaml:"jitter_buffer_ms"`
	EchoCancellation bool `json:"echo_cancellation" yaml:"echo_cancellation"`
	NoiseSuppression bool `json:"noise_suppression" yaml:"noise_suppression"`
	AutoGainControl  bool `json:"auto_gain_control" yaml:"auto_gain_control"`
}

func DefaultAudioOptimizationConfig() AudioOptimizationConfig {
	return AudioOptimizationConfig{
		TargetLatencyMs:  50,
		BufferSizeMs:     20,
		JitterBufferMs:   100,
		EchoCancellation: true,
		NoiseSuppression: true,
		AutoGainControl:  true,
	}
}

func (a AudioOptimizationConfig) Validate() error {
	if a.TargetLatencyMs <= 0 {
		return fmt.Errorf("%w: target_latency_ms must be > 0", ErrInvalidConfig)
	}
	if a.BufferSizeMs < 0 {
		return fmt.Errorf("%w: buffer_size_ms must be >= 0", ErrInvalidConfig)
	}
	if a.JitterBufferMs < 0 {
		return fmt.Errorf("%w: jitter_buffer_ms must be >= 0", ErrInvalidConfig)
	}
	return nil
}

// RoomMetadata is the JSON document written into the remote room.
type RoomMetadata struct {
	Audio  AudioOptimizationConfig
	Limits RoomLimits
	// Extra holds caller-supplied keys other than the two reserved ones.
	Extra map[string]any
}

// BuildRoomMetadata merges caller metadata with the audio and limit sections.
// The reserved keys always win over caller-supplied values.
func BuildRoomMetadata(audio AudioOptimizationConfig, limits RoomLimits, extra map[string]any) ([]byte, error) {
	doc := make(map[string]any, len(extra)+2)
	for k, v := range extra {
		doc[k] = v
	}
	doc[MetadataKeyAudio] = audio
	doc[MetadataKeyLimits] = limits

	data, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal room metadata: %w", err)
	}
	return data, nil
}

// ParseRoomMetadata decodes a document produced by BuildRoomMetadata.
func ParseRoomMetadata(data []byte) (*RoomMetadata, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to unmarshal room metadata: %w", err)
	}

	md := &RoomMetadata{Extra: make(map[string]any)}
	for k, v := range raw {
		var err error
		switch k {
		case MetadataKeyAudio:
			err = json.Unmarshal(v, &md.Audio)
		case MetadataKeyLimits:
			err = json.Unmarshal(v, &md.Limits)
		default:
			var value any
			err = json.Unmarshal(v, &value)
			md.Extra[k] = value
		}
		if err != nil {
			return nil, fmt.Errorf("failed to decode metadata key %q: %w", k, err)
		}
	}
	return md, nil
}

// ActiveRoomRecord is the tracker's bookkeeping for one room.
type ActiveRoomRecord struct {
	Name             string    `json:"name"`
	CreatedAt        time.Time `json:"created_at"`
	ParticipantCount int       `json:"participant_count"`
	AudioTrackCount  int       `json:"audio_track_count"`
	VideoTrackCount  int       `json:"video_track_count"`
	// EmptySince is when the participant count last dropped to zero.
	EmptySince time.Time `json:"empty_since"`
}

// RoomEventType names lifecycle events published for external tooling.
type RoomEventType string

const (
	EventRoomCreated      RoomEventType = "room.created"
	EventRoomDeleted      RoomEventType = "room.deleted"
	EventRoomSwept        RoomEventType = "room.swept"
	EventConnectionFailed RoomEventType = "connection.failed"
)

type RoomEvent struct {
	ID           string        `json:"id"`
	Type         RoomEventType `json:"type"`
	Room         string        `json:"room,omitempty"`
	ConnectionID ConnectionID  `json:"connection_id,omitempty"`
	Timestamp    time.Time     `json:"timestamp"`
}
