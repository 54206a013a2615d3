package validation

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

const maxIdentifierLength = 128

var (
	// IdentifierRegex matches room references and user ids
	IdentifierRegex = regexp.MustCompile(`^[a-zA-Z0-9_.:-]+$`)

	// SessionIDRegex matches gc_<room> and gc_<room>~<millis>
	SessionIDRegex = regexp.MustCompile(`^gc_[a-zA-Z0-9_.:-]+(~[0-9]+)?$`)
)

func validateIdentifier(value, field string) error {
	if value == "" {
		return fmt.Errorf("%s is required", field)
	}
	if len(value) > maxIdentifierLength {
		return fmt.Errorf("%s is too long (max %d characters)", field, maxIdentifierLength)
	}
	if !IdentifierRegex.MatchString(value) {
		return fmt.Errorf("invalid %s format", field)
	}
	return nil
}

// ValidateRoomRef validates the reference of the room a call belongs to
func ValidateRoomRef(room string) error {
	return validateIdentifier(room, "room reference")
}

func ValidateUserID(userID string) error {
	return validateIdentifier(userID, "user ID")
}

func ValidateSessionID(sessionID string) error {
	if sessionID == "" {
		return fmt.Errorf("session ID is required")
	}
	if len(sessionID) > maxIdentifierLength+20 {
		return fmt.Errorf("session ID is too long")
	}
	if !SessionIDRegex.MatchString(sessionID) {
		return fmt.Errorf("invalid session ID format")
	}
	return nil
}

// ValidateURL validates URL format
func ValidateURL(urlStr string) error {
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

// ValidateICEURL accepts stun:, stuns:, turn: and turns: URIs
func ValidateICEURL(raw string) error {
	scheme, rest, ok := strings.Cut(raw, ":")
	if !ok || rest == "" {
		return fmt.Errorf("invalid ICE server URL %q", raw)
	}
	switch scheme {
	case "stun", "stuns", "turn", "turns":
		return nil
	}
	return fmt.Errorf("invalid ICE server scheme %q", scheme)
}
