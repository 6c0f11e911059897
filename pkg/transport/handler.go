package transport

import (
	"context"

	"github.com/rhuss/composer/pkg/api"
)

// ChatRequest is one chat message addressed to a pipeline.
type ChatRequest struct {
	PipelineID int64
	Message    string
}

// ChatInvoker runs a pipeline invocation for a chat message and writes the
// resulting turn, and optionally its progress, to the ChatWriter.
type ChatInvoker interface {
	InvokeChat(ctx context.Context, req *ChatRequest, w ChatWriter) error
}

// ChatInvokerFunc is an adapter that allows using an ordinary function as a
// ChatInvoker.
type ChatInvokerFunc func(ctx context.Context, req *ChatRequest, w ChatWriter) error

// InvokeChat calls f(ctx, req, w).
func (f ChatInvokerFunc) InvokeChat(ctx context.Context, req *ChatRequest, w ChatWriter) error {
	return f(ctx, req, w)
}

// ChatHistory lists recorded chat turns. Implementations scope results to
// the tenant carried by ctx.
type ChatHistory interface {
	// ListChatTurns returns a pipeline's turns, oldest first. Returns
	// storage.ErrNotFound if the pipeline does not exist for the tenant.
	ListChatTurns(ctx context.Context, pipelineID int64) ([]*api.ChatTurn, error)
}

// ChatWriter abstracts streaming and non-streaming output for the invoker.
//
// WriteEvent reports progress. Non-streaming writers drop progress events,
// so invokers may emit them unconditionally. WriteTurn ends the exchange
// with the recorded turn: as a JSON document, or as the terminal
// invocation.completed event of a stream.
type ChatWriter interface {
	// WriteEvent sends a progress event. Returns an error after the writer
	// has completed.
	WriteEvent(ctx context.Context, event api.InvocationEvent) error

	// WriteTurn sends the final chat turn and completes the writer.
	WriteTurn(ctx context.Context, turn *api.ChatTurn) error

	// Flush ensures buffered data is sent to the client.
	Flush() error
}
