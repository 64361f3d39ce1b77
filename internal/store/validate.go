package store

import "fmt"

// MaxSessionIDLength is the maximum allowed length for session identifiers.
// Matches the VARCHAR(255) constraint in the database schema.
const MaxSessionIDLength = 255

// ValidateSessionID checks that a session identifier is present and not too long.
func ValidateSessionID(id string) error {
	if id == "" {
		return fmt.Errorf("session identifier is required")
	}
	if len(id) > MaxSessionIDLength {
		return fmt.Errorf("session identifier too long: %d chars (max %d)", len(id), MaxSessionIDLength)
	}
	return nil
}
