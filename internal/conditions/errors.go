package conditions

import "errors"

var (
	// ErrVerificationTimeout is recorded when a tool or custom check exceeds the verification timeout.
	ErrVerificationTimeout = errors.New("verification timed out")

	// ErrVerificationTool is recorded when a tool could not be run at all, as opposed to
	// running and reporting a failed check.
	ErrVerificationTool = errors.New("verification tool failed")

	// ErrUnknownType is recorded for condition types outside the closed set.
	ErrUnknownType = errors.New("unknown exit condition type")
)
