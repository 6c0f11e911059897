// Package transport defines the handler interfaces and middleware chain for
// the composer HTTP transport layer.
//
// The transport layer bridges chat clients and the execution driver. It
// decodes chat requests, dispatches them to a ChatInvoker, and serializes the
// resulting chat turn either as one JSON document or as a stream of
// server-sent invocation events.
//
// # Handler Interfaces
//
//   - ChatInvoker runs one pipeline invocation for a chat message.
//   - ChatHistory lists the recorded turns of a pipeline.
//
// The ChatWriter interface abstracts streaming and non-streaming output, so
// the invoker reports progress without knowing whether the client asked for
// a stream.
//
// # Middleware
//
// The middleware chain wraps ChatInvoker with cross-cutting concerns: panic
// recovery, request ID assignment (X-Request-ID) and structured logging via
// log/slog.
package transport
