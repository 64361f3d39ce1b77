package policy

import "errors"

// ErrPolicyViolation is returned by an enforcing gate when an iteration is denied.
var ErrPolicyViolation = errors.New("iteration policy violation")

// ErrDecisionUnavailable wraps decider failures surfaced by an enforcing gate.
var ErrDecisionUnavailable = errors.New("policy decision unavailable")
