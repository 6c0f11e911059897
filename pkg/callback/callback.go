// Package callback serves the endpoints pipeline processes call while they
// run inside a sandbox: state fetch and store, chat recording, model API
// proxying and credential refresh.
//
// Every route except token refresh requires a sandbox access token. The
// token binds the caller to one pipeline and one invocation; a path naming
// another pipeline is rejected.
package callback

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/rhuss/composer/pkg/api"
	"github.com/rhuss/composer/pkg/auth"
	"github.com/rhuss/composer/pkg/auth/sandboxtoken"
	"github.com/rhuss/composer/pkg/debug"
	"github.com/rhuss/composer/pkg/modelapi"
	"github.com/rhuss/composer/pkg/observability"
	"github.com/rhuss/composer/pkg/storage"
	"github.com/rhuss/composer/pkg/transport"
)

// RefreshPath is the only callback route reachable without an access token.
const RefreshPath = "/callback/token/refresh"

// Store is the storage the callback routes need.
type Store interface {
	storage.StateStore
	storage.ModelCallStore
	GetPipeline(ctx context.Context, id int64) (*api.Pipeline, error)
	SaveChatTurn(ctx context.Context, turn *api.ChatTurn) error
}

// Server serves the callback routes.
type Server struct {
	store       Store
	tokens      *sandboxtoken.Issuer
	models      modelapi.Proxy // nil disables the model proxy
	logger      *slog.Logger
	maxBodySize int64
	mux         *http.ServeMux
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithMaxBodySize limits request bodies. State snapshots can be large, so the
// default is 8 MB.
func WithMaxBodySize(n int64) Option {
	return func(s *Server) { s.maxBodySize = n }
}

// New creates a callback server.
func New(store Store, tokens *sandboxtoken.Issuer, models modelapi.Proxy, opts ...Option) *Server {
	s := &Server{
		store:       store,
		tokens:      tokens,
		models:      models,
		logger:      slog.Default(),
		maxBodySize: 8 << 20,
		mux:         http.NewServeMux(),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.mux.Handle("GET /callback/state/{pipelineID}", s.instrument("state", s.handleGetState))
	s.mux.Handle("POST /callback/state/{pipelineID}", s.instrument("state", s.handleSaveState))
	s.mux.Handle("PATCH /callback/chat/{pipelineID}", s.instrument("chat", s.handleChat))
	s.mux.Handle("POST /callback/oai/chatcmpl/{componentID}", s.instrument("chatcmpl", s.handleChatCompletion))
	s.mux.Handle("POST "+RefreshPath, s.instrument("refresh", s.handleRefresh))
	return s
}

// Handler returns the callback routes behind sandbox token authentication.
func (s *Server) Handler() http.Handler {
	chain := &auth.AuthChain{
		Authenticators:  []auth.Authenticator{s.tokens},
		DefaultDecision: auth.No,
	}
	return auth.Middleware(chain, nil, []string{RefreshPath})(s.mux)
}

func (s *Server) instrument(endpoint string, h http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &observability.StatusRecorder{ResponseWriter: w}
		h(rec, r)
		if rec.Status == 0 {
			rec.Status = http.StatusOK
		}
		observability.CallbacksTotal.WithLabelValues(endpoint, strconv.Itoa(rec.Status)).Inc()
		debug.Log("callback", "callback handled", "endpoint", endpoint, "path", r.URL.Path, "status", rec.Status)
	})
}

// binding returns the caller's invocation binding, checking the pipeline
// named by the path against it.
func (s *Server) binding(w http.ResponseWriter, r *http.Request) (sandboxtoken.Binding, bool) {
	b, ok := sandboxtoken.FromIdentity(auth.IdentityFromContext(r.Context()))
	if !ok {
		transport.WriteAPIError(w, api.NewForbiddenError("callback requires a sandbox credential"))
		return b, false
	}
	if r.PathValue("pipelineID") == "" {
		return b, true
	}
	id, err := strconv.ParseInt(r.PathValue("pipelineID"), 10, 64)
	if err != nil || id <= 0 {
		transport.WriteAPIError(w, api.NewInvalidRequestError("pipelineID", "must be a positive integer"))
		return b, false
	}
	if id != b.PipelineID {
		s.logger.Warn("callback for foreign pipeline",
			"invocation_id", b.InvocationID,
			"bound_pipeline", b.PipelineID,
			"requested_pipeline", id,
		)
		transport.WriteAPIError(w, api.NewForbiddenError(fmt.Sprintf("credential is not valid for pipeline %d", id)))
		return b, false
	}
	return b, true
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			transport.WriteErrorResponse(w,
				api.NewInvalidRequestError("body", fmt.Sprintf("request body too large (max %d bytes)", s.maxBodySize)),
				http.StatusRequestEntityTooLarge,
			)
			return false
		}
		transport.WriteAPIError(w, api.NewInvalidRequestError("body", "invalid JSON: "+err.Error()))
		return false
	}
	return true
}

// handleGetState handles GET /callback/state/{pipelineID}.
func (s *Server) handleGetState(w http.ResponseWriter, r *http.Request) {
	b, ok := s.binding(w, r)
	if !ok {
		return
	}
	states, err := s.store.GetStates(r.Context(), b.PipelineID)
	if err != nil {
		s.writeStoreError(w, err, b)
		return
	}
	transport.WriteJSON(w, http.StatusOK, states)
}

// handleSaveState handles POST /callback/state/{pipelineID}.
func (s *Server) handleSaveState(w http.ResponseWriter, r *http.Request) {
	b, ok := s.binding(w, r)
	if !ok {
		return
	}
	var states api.States
	if !s.decode(w, r, &states) {
		return
	}
	if err := s.store.SaveStates(r.Context(), b.PipelineID, &states); err != nil {
		s.writeStoreError(w, err, b)
		return
	}
	s.logger.Debug("states saved",
		"pipeline_id", b.PipelineID,
		"invocation_id", b.InvocationID,
		"components", len(states.ComponentStates),
	)
	w.WriteHeader(http.StatusNoContent)
}

// handleChat handles PATCH /callback/chat/{pipelineID}.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	b, ok := s.binding(w, r)
	if !ok {
		return
	}
	var save api.ChatSave
	if !s.decode(w, r, &save) {
		return
	}

	turn := &api.ChatTurn{
		PipelineID:   b.PipelineID,
		InvocationID: b.InvocationID,
		UserMessage:  save.UserMessage,
		Response:     save.RespMessage,
		ExitCode:     save.ExitCode,
	}
	if err := s.store.SaveChatTurn(r.Context(), turn); err != nil {
		s.writeStoreError(w, err, b)
		return
	}
	s.logger.Info("chat turn recorded",
		"pipeline_id", b.PipelineID,
		"invocation_id", b.InvocationID,
		"exit_code", save.ExitCode,
	)
	transport.WriteJSON(w, http.StatusCreated, turn)
}

// handleChatCompletion handles POST /callback/oai/chatcmpl/{componentID}.
func (s *Server) handleChatCompletion(w http.ResponseWriter, r *http.Request) {
	b, ok := s.binding(w, r)
	if !ok {
		return
	}
	componentID, err := strconv.ParseInt(r.PathValue("componentID"), 10, 64)
	if err != nil || componentID <= 0 {
		transport.WriteAPIError(w, api.NewInvalidRequestError("componentID", "must be a positive integer"))
		return
	}

	var req api.ModelCallRequest
	if !s.decode(w, r, &req) {
		return
	}
	var object map[string]json.RawMessage
	if len(req.Request) == 0 || json.Unmarshal(req.Request, &object) != nil || object == nil {
		transport.WriteAPIError(w, api.NewInvalidRequestError("request", "request must be a JSON object"))
		return
	}

	p, err := s.store.GetPipeline(r.Context(), b.PipelineID)
	if err != nil {
		s.writeStoreError(w, err, b)
		return
	}
	if !p.HasEnabledComponent(componentID) {
		transport.WriteAPIError(w, api.NewForbiddenError(
			fmt.Sprintf("component %d is not enabled in pipeline %d", componentID, b.PipelineID)))
		return
	}
	if s.models == nil {
		transport.WriteErrorResponse(w, api.NewModelError("model api is not configured"), http.StatusServiceUnavailable)
		return
	}

	call := &api.ModelCall{
		PipelineID:   b.PipelineID,
		ComponentID:  componentID,
		InvocationID: b.InvocationID,
		Request:      req.Request,
	}
	res, proxyErr := s.models.ChatCompletion(r.Context(), req.Request)
	if proxyErr != nil {
		call.StatusCode = http.StatusBadGateway
	} else {
		call.StatusCode = res.StatusCode
		call.Response = res.Body
	}
	if err := s.store.SaveModelCall(r.Context(), call); err != nil {
		s.logger.Error("recording model call failed",
			"pipeline_id", b.PipelineID,
			"component_id", componentID,
			"error", err,
		)
	}

	if proxyErr != nil {
		s.logger.Warn("model api unreachable",
			"pipeline_id", b.PipelineID,
			"component_id", componentID,
			"error", proxyErr,
		)
		transport.WriteAPIError(w, api.NewModelError(proxyErr.Error()))
		return
	}
	transport.WriteJSON(w, res.StatusCode, api.ModelCallResponse{Response: res.Body})
}

type refreshRequest struct {
	Refresh string `json:"refresh"`
}

type refreshResponse struct {
	Access string `json:"access"`
}

// handleRefresh handles POST /callback/token/refresh.
func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.Refresh == "" {
		transport.WriteAPIError(w, api.NewInvalidRequestError("refresh", "refresh is required"))
		return
	}
	access, err := s.tokens.Refresh(req.Refresh)
	if err != nil {
		s.logger.Warn("token refresh rejected", "error", err)
		transport.WriteErrorResponse(w,
			&api.APIError{Type: api.ErrorTypeInvalidRequest, Param: "refresh", Message: "invalid refresh credential"},
			http.StatusUnauthorized,
		)
		return
	}
	transport.WriteJSON(w, http.StatusOK, refreshResponse{Access: access})
}

func (s *Server) writeStoreError(w http.ResponseWriter, err error, b sandboxtoken.Binding) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		transport.WriteAPIError(w, api.NewNotFoundError(fmt.Sprintf("pipeline %d not found", b.PipelineID)))
	case errors.Is(err, storage.ErrUnknownComponent):
		transport.WriteAPIError(w, api.NewInvalidRequestError("component_states", err.Error()))
	case errors.Is(err, storage.ErrConflict):
		transport.WriteAPIError(w, api.NewConflictError(
			fmt.Sprintf("invocation %s already recorded a chat turn", b.InvocationID)))
	default:
		s.logger.Error("callback storage error",
			"pipeline_id", b.PipelineID,
			"invocation_id", b.InvocationID,
			"error", err,
		)
		transport.WriteAPIError(w, api.NewServerError("storage error"))
	}
}
