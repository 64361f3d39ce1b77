package config

import (
	"regexp"
	"strings"
)

const DefaultAgentID = "default"

var (
	validIDRe    = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,63}$`)
	invalidChars = regexp.MustCompile(`[^a-z0-9_-]+`)
	leadingDash  = regexp.MustCompile(`^-+`)
	trailingDash = regexp.MustCompile(`-+$`)
)

// NormalizeAgentID converts a user-provided name into a valid agent ID:
// lowercase, at most 64 chars of [a-z0-9_-], invalid runs collapsed to "-"
// and outer dashes stripped. An empty result becomes DefaultAgentID.
func NormalizeAgentID(name string) string {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return DefaultAgentID
	}

	lower := strings.ToLower(trimmed)
	if validIDRe.MatchString(lower) {
		return lower
	}

	result := invalidChars.ReplaceAllString(lower, "-")
	result = leadingDash.ReplaceAllString(result, "")
	if len(result) > 64 {
		result = result[:64]
	}
	result = trailingDash.ReplaceAllString(result, "")

	if result == "" {
		return DefaultAgentID
	}
	return result
}
