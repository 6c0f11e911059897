package transport

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/rhuss/composer/pkg/api"
	"github.com/rhuss/composer/pkg/storage"
)

// Logging returns middleware that writes one entry per chat invocation.
// Caller mistakes (bad input, unknown pipeline, a busy pipeline) are logged
// at warn level; everything else that fails is an error.
func Logging(logger *slog.Logger) Middleware {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next ChatInvoker) ChatInvoker {
		return ChatInvokerFunc(func(ctx context.Context, req *ChatRequest, w ChatWriter) error {
			start := time.Now()
			err := next.InvokeChat(ctx, req, w)

			attrs := []slog.Attr{
				slog.String("request_id", RequestIDFromContext(ctx)),
				slog.String("tenant_id", storage.GetTenant(ctx)),
				slog.Int64("pipeline_id", req.PipelineID),
				slog.Int("message_bytes", len(req.Message)),
				slog.Duration("duration", time.Since(start)),
			}
			if err == nil {
				logger.LogAttrs(ctx, slog.LevelInfo, "chat completed", attrs...)
				return nil
			}
			attrs = append(attrs, slog.String("error", err.Error()))
			logger.LogAttrs(ctx, failureLevel(err), "chat failed", attrs...)
			return err
		})
	}
}

func failureLevel(err error) slog.Level {
	if errors.Is(err, context.Canceled) {
		return slog.LevelWarn
	}
	var apiErr *api.APIError
	if !errors.As(err, &apiErr) {
		return slog.LevelError
	}
	switch apiErr.Type {
	case api.ErrorTypeInvalidRequest, api.ErrorTypeNotFound, api.ErrorTypeForbidden,
		api.ErrorTypeConflict, api.ErrorTypeTooManyRequests:
		return slog.LevelWarn
	}
	return slog.LevelError
}
