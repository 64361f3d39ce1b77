package protocol

import "time"

// EventType names a loop lifecycle marker in the progress feed.
type EventType string

// Lifecycle markers emitted by the loop engine.
const (
	EventLoopStarted            EventType = "loop.started"
	EventIterationStarted       EventType = "iteration.started"
	EventIterationCompleted     EventType = "iteration.completed"
	EventCheckpointSaved        EventType = "checkpoint.saved"
	EventExitConditionEvaluated EventType = "exit_condition.evaluated"
	EventLoopCompleted          EventType = "loop.completed"
	EventLoopError              EventType = "loop.error"
	EventPolicyWarning          EventType = "policy.warning"
	EventPolicyViolation        EventType = "policy.violation"
)

// Custom event types are namespaced so dashboards can tell them apart from lifecycle markers.
const CustomEventPrefix = "custom."

var lifecycleEvents = map[EventType]struct{}{
	EventLoopStarted:            {},
	EventIterationStarted:       {},
	EventIterationCompleted:     {},
	EventCheckpointSaved:        {},
	EventExitConditionEvaluated: {},
	EventLoopCompleted:          {},
	EventLoopError:              {},
	EventPolicyWarning:          {},
	EventPolicyViolation:        {},
}

// IsLifecycle reports whether t is one of the built-in lifecycle markers.
func (t EventType) IsLifecycle() bool {
	_, ok := lifecycleEvents[t]
	return ok
}

// IterationEvent is the canonical progress record handed to tracing sinks.
// Once emitted it is owned by the sink.
type IterationEvent struct {
	Type          EventType      `json:"type"`
	SessionID     string         `json:"session_id"`
	AgentID       string         `json:"agent_id"`
	Iteration     int            `json:"iteration"`
	MaxIterations int            `json:"max_iterations"`
	Timestamp     time.Time      `json:"timestamp"`
	DurationMS    *int64         `json:"duration_ms,omitempty"`
	ConditionsMet int            `json:"conditions_met"`
	ConditionsAll int            `json:"conditions_total"`
	Phase         string         `json:"phase"`
	Details       map[string]any `json:"details,omitempty"`
	Error         string         `json:"error,omitempty"`
}
