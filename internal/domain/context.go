package domain

import "context"

type ctxKey string

const (
	turnCtxKey ctxKey = "turn_id"
	connCtxKey ctxKey = "conn_id"
)

// ContextWithTurnID returns a new context carrying the turn ID (ULID).
func ContextWithTurnID(ctx context.Context, turnID string) context.Context {
	return context.WithValue(ctx, turnCtxKey, turnID)
}

// TurnIDFromContext extracts the turn ID from the context.
// Returns empty string if not set.
func TurnIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(turnCtxKey).(string); ok {
		return v
	}
	return ""
}

// ContextWithConnID tags a context with the gateway connection that issued a command.
func ContextWithConnID(ctx context.Context, connID string) context.Context {
	return context.WithValue(ctx, connCtxKey, connID)
}

// ConnIDFromContext returns the gateway connection ID, or "" for local callers.
func ConnIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(connCtxKey).(string); ok {
		return v
	}
	return ""
}
