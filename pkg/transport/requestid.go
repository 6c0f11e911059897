package transport

import (
	"context"

	"github.com/google/uuid"
)

type requestIDKey struct{}

// ContextWithRequestID attaches a request ID to ctx.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestIDFromContext returns the request ID of ctx, or "".
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// RequestID returns middleware that assigns a request ID to each invocation
// unless the HTTP adapter already propagated one from X-Request-ID.
func RequestID() Middleware {
	return func(next ChatInvoker) ChatInvoker {
		return ChatInvokerFunc(func(ctx context.Context, req *ChatRequest, w ChatWriter) error {
			if RequestIDFromContext(ctx) == "" {
				ctx = ContextWithRequestID(ctx, uuid.NewString())
			}
			return next.InvokeChat(ctx, req, w)
		})
	}
}
