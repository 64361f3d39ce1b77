package store

import "context"

type contextKey string

const (
	// SessionIDKey is the context key for the loop session id.
	SessionIDKey contextKey = "goloop_session_id"
	// AgentIDKey is the context key for the agent id driving the loop.
	AgentIDKey contextKey = "goloop_agent_id"
)

// WithSessionID returns a new context with the given session id.
func WithSessionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, SessionIDKey, id)
}

// SessionIDFromContext extracts the session id from context. Returns "" if not set.
func SessionIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(SessionIDKey).(string); ok {
		return v
	}
	return ""
}

// WithAgentID returns a new context with the given agent id.
func WithAgentID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, AgentIDKey, id)
}

// AgentIDFromContext extracts the agent id from context. Returns "" if not set.
func AgentIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(AgentIDKey).(string); ok {
		return v
	}
	return ""
}
