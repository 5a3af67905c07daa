package domain

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoomMetadata_RoundTrip(t *testing.T) {
	audio := AudioOptimizationConfig{
		TargetLatencyMs:  25,
		BufferSizeMs:     10,
		JitterBufferMs:   60,
		EchoCancellation: true,
	}
	limits := RoomLimits{
		MaxConcurrentRooms:     3,
		MaxParticipantsPerRoom: 5,
		MaxAudioTracksPerRoom:  5,
		MaxVideoTracksPerRoom:  1,
	}

	data, err := BuildRoomMetadata(audio, limits, map[string]any{"tenant": "acme"})
	require.NoError(t, err)

	var doc map[string]any
	require.NoError(t, json.Unmarshal(data, &doc))
	section, ok := doc[MetadataKeyAudio].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, 25.0, section["target_latency_ms"])
	assert.Equal(t, true, section["echo_cancellation"])
	assert.Equal(t, "acme", doc["tenant"])

	parsed, err := ParseRoomMetadata(data)
	require.NoError(t, err)
	assert.Equal(t, audio, parsed.Audio)
	assert.Equal(t, limits, parsed.Limits)
	assert.Equal(t, "acme", parsed.Extra["tenant"])
}

func TestBuildRoomMetadata_ReservedKeysWin(t *testing.T) {
	data, err := BuildRoomMetadata(DefaultAudioOptimizationConfig(), DefaultRoomLimits(),
		map[string]any{MetadataKeyAudio: "caller value"})
	require.NoError(t, err)

	parsed, err := ParseRoomMetadata(data)
	require.NoError(t, err)
	assert.Equal(t, DefaultAudioOptimizationConfig(), parsed.Audio)
	assert.NotContains(t, parsed.Extra, MetadataKeyAudio)
}

func TestParseRoomMetadata_Invalid(t *testing.T) {
	_, err := ParseRoomMetadata([]byte("not json"))
	assert.Error(t, err)

	_, err = ParseRoomMetadata([]byte(`{"audio_optimization": "wrong shape"}`))
	assert.Error(t, err)
}

func TestRoomLimits_Validate(t *testing.T) {
	assert.NoError(t, DefaultRoomLimits().Validate())

	bad := DefaultRoomLimits()
	bad.MaxParticipantsPerRoom = 0
	assert.ErrorIs(t, bad.Validate(), ErrInvalidConfig)
}

func TestAudioOptimizationConfig_Validate(t *testing.T) {
	assert.NoError(t, DefaultAudioOptimizationConfig().Validate())

	bad := DefaultAudioOptimizationConfig()
	bad.JitterBufferMs = -1
	assert.ErrorIs(t, bad.Validate(), ErrInvalidConfig)
}
