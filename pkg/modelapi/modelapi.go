// Package modelapi forwards chat completion requests from sandboxed
// components to an OpenAI-compatible backend. Sandboxes never hold model
// credentials; the control plane proxies on their behalf.
package modelapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/rhuss/composer/pkg/debug"
	"github.com/rhuss/composer/pkg/observability"
)

// Config holds settings for the upstream model API.
type Config struct {
	BaseURL    string        // e.g. "https://api.openai.com/v1"
	APIKey     string        // sent as a bearer token
	Timeout    time.Duration // per request, default: 120s
	MaxRetries int           // default: 2, negative disables retries
}

// Proxy forwards raw chat completion requests.
type Proxy interface {
	ChatCompletion(ctx context.Context, request json.RawMessage) (*Result, error)
}

// Result is an upstream answer. Upstream errors with a JSON body are results,
// not errors, so the caller can relay them to the component.
type Result struct {
	StatusCode int
	Body       json.RawMessage
}

// Client is a Proxy backed by openai-go.
type Client struct {
	client openai.Client
	logger *slog.Logger
}

var _ Proxy = (*Client)(nil)

// New creates a Client. The API key falls back to OPENAI_API_KEY.
func New(cfg Config, logger *slog.Logger) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 120 * time.Second
	}
	switch {
	case cfg.MaxRetries == 0:
		cfg.MaxRetries = 2
	case cfg.MaxRetries < 0:
		cfg.MaxRetries = 0
	}
	if logger == nil {
		logger = slog.Default()
	}

	opts := []option.RequestOption{
		option.WithRequestTimeout(cfg.Timeout),
		option.WithMaxRetries(cfg.MaxRetries),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.APIKey != "" {
		opts = append(opts, option.WithAPIKey(cfg.APIKey))
	}
	return &Client{client: openai.NewClient(opts...), logger: logger}
}

// ChatCompletion posts request unchanged to chat/completions and returns the
// raw response body.
func (c *Client) ChatCompletion(ctx context.Context, request json.RawMessage) (*Result, error) {
	debug.Trace("modelapi", "chat completion request", "body", debug.Truncate(string(request), 8192))
	start := time.Now()
	var body []byte
	err := c.client.Post(ctx, "chat/completions", request, &body)
	observability.ModelCallLatency.Observe(time.Since(start).Seconds())

	if err != nil {
		var apiErr *openai.Error
		if errors.As(err, &apiErr) {
			observability.ModelCallsTotal.WithLabelValues(fmt.Sprint(apiErr.StatusCode)).Inc()
			c.logger.Warn("model api returned error",
				"status", apiErr.StatusCode,
				"type", apiErr.Type,
				"message", apiErr.Message,
			)
			return &Result{StatusCode: apiErr.StatusCode, Body: errorBody(apiErr)}, nil
		}
		observability.ModelCallsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("calling model api: %w", err)
	}

	observability.ModelCallsTotal.WithLabelValues("200").Inc()
	debug.Trace("modelapi", "chat completion response", "body", debug.Truncate(string(body), 8192))
	return &Result{StatusCode: http.StatusOK, Body: body}, nil
}

// errorBody returns the upstream error document. The SDK keeps the response
// body readable on its errors; when it is gone the parsed error object is
// wrapped again.
func errorBody(e *openai.Error) json.RawMessage {
	if e.Response != nil && e.Response.Body != nil {
		if data, err := io.ReadAll(e.Response.Body); err == nil && json.Valid(data) {
			return data
		}
	}
	if raw := e.RawJSON(); raw != "" && json.Valid([]byte(raw)) {
		return json.RawMessage(`{"error":` + raw + `}`)
	}
	doc, _ := json.Marshal(map[string]any{
		"error": map[string]any{
			"message": http.StatusText(e.StatusCode),
			"type":    "upstream_error",
		},
	})
	return doc
}
