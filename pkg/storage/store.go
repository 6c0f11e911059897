package storage

import (
	"context"

	"github.com/rhuss/composer/pkg/api"
)

// PipelineStore reads and writes pipeline definitions.
type PipelineStore interface {
	// GetPipeline returns a pipeline with its component instances.
	GetPipeline(ctx context.Context, id int64) (*api.Pipeline, error)

	// PutPipeline creates or replaces a pipeline together with its
	// components and instances.
	PutPipeline(ctx context.Context, p *api.Pipeline) error

	// ListPipelineIDs returns the IDs of a tenant's pipelines in ascending
	// order.
	ListPipelineIDs(ctx context.Context, tenantID int64) ([]int64, error)
}

// StateStore holds the runtime state of pipelines and their components.
type StateStore interface {
	// GetStates returns the states of the pipeline's enabled components and
	// the pipeline itself. Unset states are empty objects.
	GetStates(ctx context.Context, pipelineID int64) (*api.States, error)

	// SaveStates stores a snapshot atomically. Components not enabled in the
	// pipeline fail the whole update with ErrUnknownComponent.
	SaveStates(ctx context.Context, pipelineID int64, s *api.States) error
}

// ChatStore records chat turns.
type ChatStore interface {
	// SaveChatTurn stores a turn and fills in its ID and creation time. A
	// second turn for the same invocation returns ErrConflict.
	SaveChatTurn(ctx context.Context, turn *api.ChatTurn) error

	// GetChatTurn returns the turn recorded for an invocation.
	GetChatTurn(ctx context.Context, invocationID string) (*api.ChatTurn, error)

	// ListChatTurns returns a pipeline's turns, oldest first.
	ListChatTurns(ctx context.Context, pipelineID int64) ([]*api.ChatTurn, error)
}

// ModelCallStore records proxied model API calls.
type ModelCallStore interface {
	SaveModelCall(ctx context.Context, call *api.ModelCall) error
}

// Store is implemented by every storage adapter.
type Store interface {
	PipelineStore
	StateStore
	ChatStore
	ModelCallStore

	HealthCheck(ctx context.Context) error
	Close() error
}
