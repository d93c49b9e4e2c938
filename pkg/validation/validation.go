package validation

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"unicode/utf8"
)

var (
	// IDRegex validates room, user and problem identifiers.
	IDRegex = regexp.MustCompile(`^[a-zA-Z0-9_.:-]+$`)

	// EventRegex validates broadcast event names such as viewer-offer.
	EventRegex = regexp.MustCompile(`^[a-z][a-z0-9-]*$`)
)

func validateID(id, field string) error {
	if id == "" {
		return fmt.Errorf("%s is required", field)
	}
	if len(id) > 100 {
		return fmt.Errorf("%s is too long (max 100 characters)", field)
	}
	if !IDRegex.MatchString(id) {
		return fmt.Errorf("invalid %s format", field)
	}
	return nil
}

func ValidateRoomID(roomID string) error {
	return validateID(roomID, "room ID")
}

func ValidateUserID(userID string) error {
	return validateID(userID, "user ID")
}

// ValidateProblemID allows an empty problem: a stream need not be tied to one.
func ValidateProblemID(problemID string) error {
	if problemID == "" {
		return nil
	}
	return validateID(problemID, "problem ID")
}

func ValidateEventName(event string) error {
	if event == "" {
		return fmt.Errorf("event name is required")
	}
	if len(event) > 64 {
		return fmt.Errorf("event name is too long (max 64 characters)")
	}
	if !EventRegex.MatchString(event) {
		return fmt.Errorf("invalid event name format")
	}
	return nil
}

func ValidateDisplayName(name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("display name is required")
	}
	if !utf8.ValidString(name) {
		return fmt.Errorf("display name contains invalid characters")
	}
	if utf8.RuneCountInString(name) > 100 {
		return fmt.Errorf("display name is too long (max 100 characters)")
	}
	return nil
}

// ValidateURL validates an http(s) or ws(s) URL with a host.
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
