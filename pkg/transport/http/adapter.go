package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/rhuss/composer/pkg/api"
	"github.com/rhuss/composer/pkg/storage"
	"github.com/rhuss/composer/pkg/transport"
)

// Adapter serves the chat API over HTTP.
type Adapter struct {
	invoker  transport.ChatInvoker
	history  transport.ChatHistory // nil disables history listing
	inflight *transport.InFlightRegistry
	mux      *http.ServeMux
	config   Config
}

// Config holds configuration for the HTTP adapter.
type Config struct {
	Addr            string
	MaxBodySize     int64
	ShutdownTimeout int // seconds
	Validation      api.ValidationConfig
}

// DefaultConfig returns the default adapter configuration.
func DefaultConfig() Config {
	return Config{
		Addr:            ":8080",
		MaxBodySize:     1 << 20, // 1 MB
		ShutdownTimeout: 30,
		Validation:      api.DefaultValidationConfig(),
	}
}

// NewAdapter creates an HTTP adapter. Middleware is applied to the invoker
// in the given order.
func NewAdapter(invoker transport.ChatInvoker, history transport.ChatHistory, cfg Config, middlewares ...transport.Middleware) *Adapter {
	if len(middlewares) > 0 {
		invoker = transport.Chain(middlewares...)(invoker)
	}

	a := &Adapter{
		invoker:  invoker,
		history:  history,
		inflight: transport.NewInFlightRegistry(),
		mux:      http.NewServeMux(),
		config:   cfg,
	}

	a.mux.HandleFunc("POST /v1/pipelines/{pipelineID}/chat", a.handleChat)
	a.mux.HandleFunc("GET /v1/pipelines/{pipelineID}/chat", a.handleHistory)
	a.mux.HandleFunc("DELETE /v1/invocations/{invocationID}", a.handleCancel)

	return a
}

// Handler returns the http.Handler for this adapter, including X-Request-ID
// propagation.
func (a *Adapter) Handler() http.Handler {
	return httpRequestIDMiddleware(a.mux)
}

// httpRequestIDMiddleware propagates the X-Request-ID header into the
// context and echoes the effective request ID on the response.
func httpRequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id := r.Header.Get("X-Request-ID"); id != "" {
			r = r.WithContext(transport.ContextWithRequestID(r.Context(), id))
		}
		next.ServeHTTP(&requestIDResponseWriter{ResponseWriter: w, r: r}, r)
	})
}

// requestIDResponseWriter injects the X-Request-ID header before the first
// write.
type requestIDResponseWriter struct {
	http.ResponseWriter
	r           *http.Request
	headersSent bool
}

func (w *requestIDResponseWriter) WriteHeader(statusCode int) {
	w.ensureRequestIDHeader()
	w.ResponseWriter.WriteHeader(statusCode)
}

func (w *requestIDResponseWriter) Write(b []byte) (int, error) {
	w.ensureRequestIDHeader()
	return w.ResponseWriter.Write(b)
}

func (w *requestIDResponseWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap returns the underlying ResponseWriter for http.NewResponseController.
func (w *requestIDResponseWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

func (w *requestIDResponseWriter) ensureRequestIDHeader() {
	if w.headersSent {
		return
	}
	w.headersSent = true
	if id := transport.RequestIDFromContext(w.r.Context()); id != "" {
		w.ResponseWriter.Header().Set("X-Request-ID", id)
	}
}

// handleChat handles POST /v1/pipelines/{pipelineID}/chat.
func (a *Adapter) handleChat(w http.ResponseWriter, r *http.Request) {
	ct := r.Header.Get("Content-Type")
	if ct != "" && !strings.HasPrefix(ct, "application/json") {
		transport.WriteErrorResponse(w,
			api.NewInvalidRequestError("content_type", "Content-Type must be application/json"),
			http.StatusUnsupportedMediaType,
		)
		return
	}

	pipelineID, apiErr := pathID(r, "pipelineID")
	if apiErr != nil {
		transport.WriteAPIError(w, apiErr)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, a.config.MaxBodySize)
	var req api.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			transport.WriteErrorResponse(w,
				api.NewInvalidRequestError("body", fmt.Sprintf("request body too large (max %d bytes)", a.config.MaxBodySize)),
				http.StatusRequestEntityTooLarge,
			)
			return
		}
		transport.WriteAPIError(w, api.NewInvalidRequestError("body", "invalid JSON: "+err.Error()))
		return
	}
	if apiErr := api.ValidateChatRequest(&req, a.config.Validation); apiErr != nil {
		transport.WriteAPIError(w, apiErr)
		return
	}

	chat := &transport.ChatRequest{PipelineID: pipelineID, Message: req.Message}
	if wantsStream(r) {
		a.handleStreamingChat(w, r, chat)
		return
	}

	rw := newChatWriter(w, false, nil)
	if err := a.invoker.InvokeChat(r.Context(), chat, rw); err != nil {
		a.writeHandlerError(w, rw, err)
	}
}

// handleStreamingChat runs an invocation whose progress is streamed as
// server-sent events. The invocation can be cancelled by ID while it runs.
func (a *Adapter) handleStreamingChat(w http.ResponseWriter, r *http.Request, chat *transport.ChatRequest) {
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var registeredID string
	rw := newChatWriter(w, true, func(id string) {
		registeredID = id
		a.inflight.Register(id, storage.GetTenant(r.Context()), cancel)
	})

	err := a.invoker.InvokeChat(ctx, chat, rw)

	if registeredID != "" {
		a.inflight.Remove(registeredID)
	}
	if err != nil {
		a.writeHandlerError(w, rw, err)
	}
}

// handleHistory handles GET /v1/pipelines/{pipelineID}/chat.
func (a *Adapter) handleHistory(w http.ResponseWriter, r *http.Request) {
	if a.history == nil {
		transport.WriteErrorResponse(w,
			api.NewInvalidRequestError("", "chat history is not available (no store configured)"),
			http.StatusNotImplemented,
		)
		return
	}

	pipelineID, apiErr := pathID(r, "pipelineID")
	if apiErr != nil {
		transport.WriteAPIError(w, apiErr)
		return
	}

	turns, err := a.history.ListChatTurns(r.Context(), pipelineID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			transport.WriteAPIError(w, api.NewNotFoundError(fmt.Sprintf("pipeline %d not found", pipelineID)))
			return
		}
		var apiErr *api.APIError
		if !errors.As(err, &apiErr) {
			apiErr = api.NewServerError(err.Error())
		}
		transport.WriteAPIError(w, apiErr)
		return
	}
	if turns == nil {
		turns = []*api.ChatTurn{}
	}

	transport.WriteJSON(w, http.StatusOK, api.ChatTurnList{Object: "list", Data: turns})
}

// handleCancel handles DELETE /v1/invocations/{invocationID}.
func (a *Adapter) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("invocationID")
	if !api.ValidateInvocationID(id) {
		transport.WriteAPIError(w, api.NewInvalidRequestError("invocation_id", "malformed invocation ID"))
		return
	}
	if !a.inflight.Cancel(id, storage.GetTenant(r.Context())) {
		transport.WriteAPIError(w, api.NewNotFoundError("invocation "+id+" is not running"))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// pathID parses a positive integer path parameter.
func pathID(r *http.Request, name string) (int64, *api.APIError) {
	id, err := strconv.ParseInt(r.PathValue(name), 10, 64)
	if err != nil || id <= 0 {
		return 0, api.NewInvalidRequestError(name, "must be a positive integer")
	}
	return id, nil
}

// wantsStream reports whether the client asked for server-sent events.
func wantsStream(r *http.Request) bool {
	if r.URL.Query().Get("stream") == "true" {
		return true
	}
	return strings.Contains(r.Header.Get("Accept"), "text/event-stream")
}

// writeHandlerError writes an invoker error. Once streaming has started the
// error becomes a terminal invocation.failed event.
func (a *Adapter) writeHandlerError(w http.ResponseWriter, rw *chatWriter, err error) {
	var apiErr *api.APIError
	if !errors.As(err, &apiErr) {
		apiErr = api.NewServerError(err.Error())
	}

	if rw.hasStartedStreaming() {
		rw.WriteEvent(context.Background(), api.InvocationEvent{
			Type:  api.EventInvocationFailed,
			Error: apiErr,
		})
		return
	}
	transport.WriteAPIError(w, apiErr)
}
