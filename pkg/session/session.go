// Package session is a Go client of the callback protocol spoken by pipeline
// processes. It mirrors the Python helper shipped in the pipeline template:
// a pipeline scope is opened with the stored states, components run inside
// component scopes, and closing the scope stores the states and records the
// chat turn.
//
// The control plane uses it to play the sandbox side in tests, and tools can
// use it to drive a pipeline by hand.
package session

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rhuss/composer/pkg/api"
)

// Environment variables read by ConfigFromEnv. The same names are injected
// into every pipeline process.
const (
	EnvAccessToken      = "CHAT_COMPOSER_ACCESS_TOKEN"
	EnvRefreshToken     = "CHAT_COMPOSER_REFRESH_TOKEN"
	EnvHost             = "CHAT_COMPOSER_HOST"
	EnvPort             = "CHAT_COMPOSER_PORT"
	EnvPersistOnFailure = "CHAT_COMPOSER_PERSIST_ON_FAILURE"
)

var (
	ErrClosed        = errors.New("session: pipeline scope is closed")
	ErrNoComponent   = errors.New("session: no active component scope")
	ErrUnknownTarget = errors.New("session: component is not part of this pipeline")
)

// StatusError is a callback answered with an unexpected status.
type StatusError struct {
	Method string
	Path   string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("session: %s %s: status %d: %s", e.Method, e.Path, e.Code, strings.TrimSpace(e.Body))
}

// Config locates the control plane and carries the invocation credentials.
type Config struct {
	BaseURL          string // e.g. "http://host.docker.internal:8000"
	AccessToken      string
	RefreshToken     string
	PersistOnFailure bool
	HTTPClient       *http.Client
}

// ConfigFromEnv builds a Config from the CHAT_COMPOSER_* variables.
func ConfigFromEnv() Config {
	host := os.Getenv(EnvHost)
	if host == "" {
		host = "host.docker.internal"
	}
	port := os.Getenv(EnvPort)
	if port == "" {
		port = "8000"
	}
	persist, _ := strconv.ParseBool(os.Getenv(EnvPersistOnFailure))
	return Config{
		BaseURL:          "http://" + host + ":" + port,
		AccessToken:      os.Getenv(EnvAccessToken),
		RefreshToken:     os.Getenv(EnvRefreshToken),
		PersistOnFailure: persist,
	}
}

// Client sends authenticated callbacks. It renews the access token once
// when a callback is rejected with 401.
type Client struct {
	cfg  Config
	http *http.Client

	mu     sync.Mutex
	access string
}

// NewClient creates a Client.
func NewClient(cfg Config) *Client {
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 120 * time.Second}
	}
	return &Client{
		cfg:    cfg,
		http:   hc,
		access: cfg.AccessToken,
	}
}

func (c *Client) url(path string) string {
	return strings.TrimSuffix(c.cfg.BaseURL, "/") + "/callback/" + strings.TrimPrefix(path, "/")
}

func (c *Client) token() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.access
}

// do sends one callback and decodes a JSON answer into out when out is not
// nil. Any status outside 2xx is a *StatusError.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return fmt.Errorf("session: encoding %s body: %w", path, err)
		}
	}

	for attempt := 0; ; attempt++ {
		req, err := http.NewRequestWithContext(ctx, method, c.url(path), bytes.NewReader(payload))
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+c.token())
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return fmt.Errorf("session: %s %s: %w", method, path, err)
		}
		data, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return fmt.Errorf("session: reading %s answer: %w", path, err)
		}

		if resp.StatusCode == http.StatusUnauthorized && attempt == 0 && c.cfg.RefreshToken != "" {
			if err := c.refresh(ctx); err != nil {
				return err
			}
			continue
		}
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return &StatusError{Method: method, Path: path, Code: resp.StatusCode, Body: string(data)}
		}
		if out != nil && len(data) > 0 {
			if err := json.Unmarshal(data, out); err != nil {
				return fmt.Errorf("session: decoding %s answer: %w", path, err)
			}
		}
		return nil
	}
}

func (c *Client) refresh(ctx context.Context) error {
	payload, _ := json.Marshal(map[string]string{"refresh": c.cfg.RefreshToken})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url("token/refresh"), bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("session: refreshing access token: %w", err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return &StatusError{Method: http.MethodPost, Path: "token/refresh", Code: resp.StatusCode, Body: string(data)}
	}

	var out struct {
		Access string `json:"access"`
	}
	if err := json.Unmarshal(data, &out); err != nil || out.Access == "" {
		return fmt.Errorf("session: malformed refresh answer: %s", data)
	}
	c.mu.Lock()
	c.access = out.Access
	c.mu.Unlock()
	return nil
}

// Session is an open pipeline scope. It is not safe for concurrent use.
type Session struct {
	client      *Client
	pipelineID  int64
	userMessage string
	response    any

	components    []int64
	componentData map[int64]map[string]any
	pipelineData  map[string]any

	current []int64 // component scope stack
	closed  bool
}

// Open enters the pipeline scope: it fetches the states of the pipeline
// and its enabled components.
func (c *Client) Open(ctx context.Context, pipelineID int64, userMessage string) (*Session, error) {
	var states api.States
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("state/%d", pipelineID), nil, &states); err != nil {
		return nil, err
	}

	s := &Session{
		client:        c,
		pipelineID:    pipelineID,
		userMessage:   userMessage,
		componentData: make(map[int64]map[string]any, len(states.ComponentStates)),
	}
	for _, cs := range states.ComponentStates {
		m, err := decodeState(cs.State)
		if err != nil {
			return nil, fmt.Errorf("session: state of component %d: %w", cs.ID, err)
		}
		s.components = append(s.components, cs.ID)
		s.componentData[cs.ID] = m
	}
	m, err := decodeState(states.PipelineState)
	if err != nil {
		return nil, fmt.Errorf("session: pipeline state: %w", err)
	}
	s.pipelineData = m
	return s, nil
}

func decodeState(raw json.RawMessage) (map[string]any, error) {
	m := map[string]any{}
	if len(raw) == 0 || string(raw) == "null" {
		return m, nil
	}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	if m == nil {
		m = map[string]any{}
	}
	return m, nil
}

// PipelineID returns the pipeline the scope belongs to.
func (s *Session) PipelineID() int64 { return s.pipelineID }

// Component enters the scope of one component call. The returned function
// leaves it, restoring the enclosing component.
func (s *Session) Component(id int64) (leave func(), err error) {
	if s.closed {
		return nil, ErrClosed
	}
	s.current = append(s.current, id)
	depth := len(s.current)
	return func() {
		if len(s.current) >= depth {
			s.current = s.current[:depth-1]
		}
	}, nil
}

// ComponentID returns the component whose scope is active.
func (s *Session) ComponentID() (int64, error) {
	if s.closed {
		return 0, ErrClosed
	}
	if len(s.current) == 0 {
		return 0, ErrNoComponent
	}
	return s.current[len(s.current)-1], nil
}

// ComponentState returns the mutable state of component id, or of the
// active component when id is zero.
func (s *Session) ComponentState(id int64) (map[string]any, error) {
	if s.closed {
		return nil, ErrClosed
	}
	if id == 0 {
		var err error
		if id, err = s.ComponentID(); err != nil {
			return nil, err
		}
	}
	m, ok := s.componentData[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownTarget, id)
	}
	return m, nil
}

// PipelineState returns the mutable state of the pipeline.
func (s *Session) PipelineState() (map[string]any, error) {
	if s.closed {
		return nil, ErrClosed
	}
	return s.pipelineData, nil
}

// SetResponse sets the pipeline's response.
func (s *Session) SetResponse(v any) {
	s.response = v
}

// ChatCompletion proxies a chat completion request on behalf of the active
// component and returns the upstream document.
func (s *Session) ChatCompletion(ctx context.Context, request any) (json.RawMessage, error) {
	id, err := s.ComponentID()
	if err != nil {
		return nil, err
	}
	var out api.ModelCallResponse
	if err := s.client.do(ctx, http.MethodPost, fmt.Sprintf("oai/chatcmpl/%d", id), map[string]any{"request": request}, &out); err != nil {
		return nil, err
	}
	return out.Response, nil
}

// Close leaves the pipeline scope. With a nil err the states are stored and
// the response is recorded with exit code 0. Otherwise the failure is
// recorded with exit code 1 and the states are stored only when the
// configuration persists state on failure. The scope is closed even when a
// callback fails.
func (s *Session) Close(ctx context.Context, err error) (*api.ChatTurn, error) {
	if s.closed {
		return nil, ErrClosed
	}
	defer func() {
		s.closed = true
		s.current = nil
	}()

	if err == nil || s.client.cfg.PersistOnFailure {
		if serr := s.client.do(ctx, http.MethodPost, fmt.Sprintf("state/%d", s.pipelineID), s.snapshot(), nil); serr != nil {
			return nil, serr
		}
	}

	save := api.ChatSave{UserMessage: s.userMessage}
	if err == nil {
		save.RespMessage = FormatResponse(s.response)
	} else {
		save.ExitCode = 1
		save.RespMessage = FailureMessage(err.Error())
	}

	var turn api.ChatTurn
	if cerr := s.client.do(ctx, http.MethodPatch, fmt.Sprintf("chat/%d", s.pipelineID), save, &turn); cerr != nil {
		return nil, cerr
	}
	return &turn, nil
}

func (s *Session) snapshot() api.States {
	st := api.States{ComponentStates: make([]api.ComponentState, 0, len(s.components))}
	for _, id := range s.components {
		raw, _ := json.Marshal(s.componentData[id])
		st.ComponentStates = append(st.ComponentStates, api.ComponentState{ID: id, State: raw})
	}
	st.PipelineState, _ = json.Marshal(s.pipelineData)
	return st
}

// FormatResponse renders a response value the way the pipeline records it.
// A nil response is recorded as "None".
func FormatResponse(v any) string {
	switch x := v.(type) {
	case nil:
		return "None"
	case string:
		return x
	case fmt.Stringer:
		return x.String()
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(data)
}

// FailureMessage is the recorded response of a failed invocation.
func FailureMessage(trace string) string {
	if !strings.HasSuffix(trace, "\n") {
		trace += "\n"
	}
	return "Pipeline exited with code 1\n```\n" + trace + "```"
}
