package internal

import (
	"context"
	"time"
)

type ctxKey string

const ContextPrincipalKey ctxKey = "principal"

// PrincipalFromContext returns whatever the auth middleware stored for the request.
// Callers type-switch on the concrete principal.
func PrincipalFromContext(ctx context.Context) interface{} {
	if ctx == nil {
		return nil
	}
	return ctx.Value(ContextPrincipalKey)
}

func ContextWithPrincipal(ctx context.Context, principal interface{}) context.Context {
	return context.WithValue(ctx, ContextPrincipalKey, principal)
}

// WithTimeout returns a context with timeout, defaulting to 5 seconds if duration is zero or negative.
func WithTimeout(ctx context.Context, duration time.Duration) (context.Context, context.CancelFunc) {
	if duration <= 0 {
		duration = 5 * time.Second
	}
	return context.WithTimeout(ctx, duration)
}
