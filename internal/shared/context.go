package shared

import (
	"context"
	"strings"
)

type actorContextKey struct{}

// ActorHeader carries the caller identity forwarded by the upstream identity service.
const ActorHeader = "X-User-ID"

// ContextWithActor stores the acting user id in context.
func ContextWithActor(ctx context.Context, actorID string) context.Context {
	actorID = strings.TrimSpace(actorID)
	if actorID == "" {
		return ctx
	}
	return context.WithValue(ctx, actorContextKey{}, actorID)
}

// ActorFromContext extracts the acting user id, or "" when unknown.
func ActorFromContext(ctx context.Context) string {
	actor, _ := ctx.Value(actorContextKey{}).(string)
	return actor
}
