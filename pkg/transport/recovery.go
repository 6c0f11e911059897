package transport

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/rhuss/composer/pkg/api"
)

// Recovery returns middleware that converts a panic in the invoker into a
// server error. The server keeps accepting requests afterwards.
func Recovery() Middleware {
	return func(next ChatInvoker) ChatInvoker {
		return ChatInvokerFunc(func(ctx context.Context, req *ChatRequest, w ChatWriter) (retErr error) {
			defer func() {
				if r := recover(); r != nil {
					slog.Error("panic in chat invoker",
						"pipeline_id", req.PipelineID,
						"panic", r,
						"stack", string(debug.Stack()),
					)
					retErr = api.NewServerError(fmt.Sprintf("internal server error: %v", r))
				}
			}()
			return next.InvokeChat(ctx, req, w)
		})
	}
}
