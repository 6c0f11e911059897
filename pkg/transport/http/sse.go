package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/rhuss/composer/pkg/api"
	"github.com/rhuss/composer/pkg/transport"
)

// writerState tracks the state of a chatWriter.
type writerState int

const (
	writerIdle      writerState = iota // no writes yet
	writerStreaming                    // at least one event written
	writerCompleted                    // terminal event or turn written
)

// chatWriter implements transport.ChatWriter for HTTP. In streaming mode
// every event is a server-sent event; otherwise events are dropped and the
// turn is written as one JSON document.
type chatWriter struct {
	w      http.ResponseWriter
	rc     *http.ResponseController
	stream bool

	mu    sync.Mutex
	state writerState

	// onCreated is called with the invocation ID of the first
	// invocation.created event.
	onCreated func(id string)
}

var _ transport.ChatWriter = (*chatWriter)(nil)

func newChatWriter(w http.ResponseWriter, stream bool, onCreated func(id string)) *chatWriter {
	return &chatWriter{
		w:         w,
		rc:        http.NewResponseController(w),
		stream:    stream,
		onCreated: onCreated,
	}
}

// WriteEvent sends one event formatted as:
//
//	event: {type}\n
//	data: {json}\n
//	\n
//
// A terminal event is followed by "data: [DONE]".
func (s *chatWriter) WriteEvent(ctx context.Context, event api.InvocationEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeEvent(event)
}

func (s *chatWriter) writeEvent(event api.InvocationEvent) error {
	if s.state == writerCompleted {
		return errors.New("cannot write event: writer is completed")
	}
	if !s.stream {
		return nil
	}

	if s.state == writerIdle {
		s.w.Header().Set("Content-Type", "text/event-stream")
		s.w.Header().Set("Cache-Control", "no-cache")
		s.w.Header().Set("Connection", "keep-alive")
		s.state = writerStreaming
	}

	if event.Type == api.EventInvocationCreated && s.onCreated != nil {
		s.onCreated(event.InvocationID)
		s.onCreated = nil
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", event.Type, data); err != nil {
		return fmt.Errorf("failed to write event: %w", err)
	}
	if err := s.rc.Flush(); err != nil {
		return fmt.Errorf("failed to flush: %w", err)
	}

	if event.Type.Terminal() {
		if _, err := fmt.Fprint(s.w, "data: [DONE]\n\n"); err != nil {
			return fmt.Errorf("failed to write [DONE]: %w", err)
		}
		if err := s.rc.Flush(); err != nil {
			return fmt.Errorf("failed to flush [DONE]: %w", err)
		}
		s.state = writerCompleted
	}
	return nil
}

// WriteTurn completes the exchange with the recorded turn.
func (s *chatWriter) WriteTurn(ctx context.Context, turn *api.ChatTurn) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stream {
		return s.writeEvent(api.InvocationEvent{
			Type:         api.EventInvocationCompleted,
			InvocationID: turn.InvocationID,
			PipelineID:   turn.PipelineID,
			Turn:         turn,
		})
	}
	if s.state == writerCompleted {
		return errors.New("cannot write turn: writer is completed")
	}

	s.w.Header().Set("Content-Type", "application/json")
	s.state = writerCompleted
	if err := json.NewEncoder(s.w).Encode(turn); err != nil {
		return fmt.Errorf("failed to encode turn: %w", err)
	}
	return nil
}

// Flush ensures buffered data is sent to the client.
func (s *chatWriter) Flush() error {
	return s.rc.Flush()
}

// hasStartedStreaming reports whether at least one event has been written.
func (s *chatWriter) hasStartedStreaming() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stream && s.state != writerIdle
}
