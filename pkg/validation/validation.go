package validation

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"unicode/utf8"
)

var (
	// RoomNameRegex validates room name format
	RoomNameRegex = regexp.MustCompile(`^[a-zA-Z0-9_.:-]+$`)

	// IdentityRegex validates participant identity format
	IdentityRegex = regexp.MustCompile(`^[a-zA-Z0-9_.@-]+$`)
)

// ValidateRoomName validates room name
func ValidateRoomName(name string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("room name is required")
	}
	if len(name) > 128 {
		return fmt.Errorf("room name is too long (max 128 characters)")
	}
	if !RoomNameRegex.MatchString(name) {
		return fmt.Errorf("invalid room name format")
	}
	return nil
}

// ValidateParticipantIdentity validates participant identity
func ValidateParticipantIdentity(identity string) error {
	if identity == "" {
		return fmt.Errorf("participant identity is required")
	}
	if len(identity) > 128 {
		return fmt.Errorf("participant identity is too long (max 128 characters)")
	}
	if !IdentityRegex.MatchString(identity) {
		return fmt.Errorf("invalid participant identity format")
	}
	return nil
}

// ValidateServerURL validates the media server URL
func ValidateServerURL(urlStr string) error {
	if urlStr == "" {
		return fmt.Errorf("URL is required")
	}
	u, err := url.Parse(urlStr)
	if err != nil {
		return fmt.Errorf("invalid URL format: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" && u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("invalid URL scheme (must be http, https, ws, or wss)")
	}
	if u.Host == "" {
		return fmt.Errorf("URL must have a host")
	}
	return nil
}

// ValidateMetadataSize checks the serialized room metadata against the
// server's limit.
func ValidateMetadataSize(metadata []byte, max int) error {
	if len(metadata) > max {
		return fmt.Errorf("room metadata is too large (%d bytes, max %d)", len(metadata), max)
	}
	if !utf8.Valid(metadata) {
		return fmt.Errorf("room metadata is not valid UTF-8")
	}
	return nil
}
