// Package memory provides an in-memory storage.Store for tests, development
// and single-process deployments. Everything is lost when the process
// restarts. An optional cap bounds the number of retained chat turns.
package memory

import (
	"container/list"
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rhuss/composer/pkg/api"
	"github.com/rhuss/composer/pkg/storage"
)

// pipelineEntry stores a pipeline without its components' bodies; those live
// in the component table so that state is shared by every pipeline using
// the component.
type pipelineEntry struct {
	pipeline  *api.Pipeline
	instances []instanceRef
}

type instanceRef struct {
	id          int64
	order       int
	enabled     bool
	componentID int64
}

// Store is an in-memory storage.Store.
type Store struct {
	mu         sync.RWMutex
	pipelines  map[int64]*pipelineEntry
	components map[int64]*api.Component

	turns        map[string]*list.Element // invocation ID -> element holding *api.ChatTurn
	turnOrder    *list.List               // front = oldest
	maxTurns     int                      // 0 = unlimited
	modelCalls   []*api.ModelCall
	nextPipeline int64
	nextComp     int64
	nextInst     int64
	nextTurn     int64
	nextCall     int64
}

// Ensure Store implements storage.Store at compile time.
var _ storage.Store = (*Store)(nil)

// New creates an empty store. If maxTurns is greater than zero, the oldest
// chat turn is evicted once the limit is reached.
func New(maxTurns int) *Store {
	return &Store{
		pipelines:  make(map[int64]*pipelineEntry),
		components: make(map[int64]*api.Component),
		turns:      make(map[string]*list.Element),
		turnOrder:  list.New(),
		maxTurns:   maxTurns,
	}
}

// PutPipeline stores p. Zero pipeline, component and instance IDs are
// assigned and written back to p. A component stored without state keeps
// the state it already has.
func (s *Store) PutPipeline(ctx context.Context, p *api.Pipeline) error {
	if !storage.TenantAllowed(ctx, p.TenantID) {
		return storage.ErrNotFound
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.pipelines[p.ID]; ok && old.pipeline.TenantID != p.TenantID {
		return storage.ErrConflict
	}
	if p.ID == 0 {
		s.nextPipeline++
		p.ID = s.nextPipeline
	}
	s.nextPipeline = max(s.nextPipeline, p.ID)

	entry := &pipelineEntry{pipeline: p.Clone()}
	entry.pipeline.Instances = nil

	for i := range p.Instances {
		inst := &p.Instances[i]
		c := &inst.Component
		if c.ID == 0 {
			s.nextComp++
			c.ID = s.nextComp
		}
		s.nextComp = max(s.nextComp, c.ID)
		if inst.ID == 0 {
			s.nextInst++
			inst.ID = s.nextInst
		}
		s.nextInst = max(s.nextInst, inst.ID)
		inst.PipelineID = p.ID
		if c.TenantID == 0 {
			c.TenantID = p.TenantID
		}

		stored := c.Clone()
		if existing, ok := s.components[c.ID]; ok && len(stored.State) == 0 {
			stored.State = existing.State
		}
		s.components[c.ID] = stored
		entry.instances = append(entry.instances, instanceRef{
			id:          inst.ID,
			order:       inst.Order,
			enabled:     inst.Enabled,
			componentID: c.ID,
		})
	}

	s.pipelines[p.ID] = entry
	return nil
}

// GetPipeline returns a copy of the pipeline with the current component
// bodies and states.
func (s *Store) GetPipeline(ctx context.Context, id int64) (*api.Pipeline, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, err := s.lookup(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.assemble(e), nil
}

func (s *Store) lookup(ctx context.Context, id int64) (*pipelineEntry, error) {
	e, ok := s.pipelines[id]
	if !ok || !storage.TenantAllowed(ctx, e.pipeline.TenantID) {
		return nil, storage.ErrNotFound
	}
	return e, nil
}

func (s *Store) assemble(e *pipelineEntry) *api.Pipeline {
	p := e.pipeline.Clone()
	for _, ref := range e.instances {
		p.Instances = append(p.Instances, api.ComponentInstance{
			ID:         ref.id,
			PipelineID: p.ID,
			Order:      ref.order,
			Enabled:    ref.enabled,
			Component:  *s.components[ref.componentID].Clone(),
		})
	}
	return p
}

// ListPipelineIDs returns a tenant's pipeline IDs in ascending order.
func (s *Store) ListPipelineIDs(_ context.Context, tenantID int64) ([]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var ids []int64
	for id, e := range s.pipelines {
		if e.pipeline.TenantID == tenantID {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// GetStates returns the states of the enabled components, in pipeline
// order, and of the pipeline.
func (s *Store) GetStates(ctx context.Context, pipelineID int64) (*api.States, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, err := s.lookup(ctx, pipelineID)
	if err != nil {
		return nil, err
	}
	p := s.assemble(e)
	states := &api.States{
		ComponentStates: []api.ComponentState{},
		PipelineState:   api.StateOrEmpty(p.State),
	}
	for _, inst := range p.Enabled() {
		states.ComponentStates = append(states.ComponentStates, api.ComponentState{
			ID:    inst.Component.ID,
			State: api.StateOrEmpty(inst.Component.State),
		})
	}
	return states, nil
}

// SaveStates stores the snapshot. It is applied entirely or not at all.
func (s *Store) SaveStates(ctx context.Context, pipelineID int64, st *api.States) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.lookup(ctx, pipelineID)
	if err != nil {
		return err
	}
	enabled := make(map[int64]bool, len(e.instances))
	for _, ref := range e.instances {
		if ref.enabled {
			enabled[ref.componentID] = true
		}
	}
	for _, cs := range st.ComponentStates {
		if !enabled[cs.ID] {
			return storage.ErrUnknownComponent
		}
	}

	for _, cs := range st.ComponentStates {
		s.components[cs.ID].State = append([]byte(nil), cs.State...)
	}
	if len(st.PipelineState) > 0 {
		e.pipeline.State = append([]byte(nil), st.PipelineState...)
	}
	return nil
}

// SaveChatTurn records a turn. The pipeline must exist and be visible.
func (s *Store) SaveChatTurn(ctx context.Context, turn *api.ChatTurn) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.lookup(ctx, turn.PipelineID); err != nil {
		return err
	}
	if _, exists := s.turns[turn.InvocationID]; exists {
		return storage.ErrConflict
	}

	if s.maxTurns > 0 && s.turnOrder.Len() >= s.maxTurns {
		s.evictOldest()
	}

	s.nextTurn++
	turn.ID = s.nextTurn
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = time.Now().UTC()
	}
	stored := *turn
	s.turns[turn.InvocationID] = s.turnOrder.PushBack(&stored)
	return nil
}

// GetChatTurn returns the turn of an invocation.
func (s *Store) GetChatTurn(ctx context.Context, invocationID string) (*api.ChatTurn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	elem, ok := s.turns[invocationID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	turn := elem.Value.(*api.ChatTurn)
	if _, err := s.lookup(ctx, turn.PipelineID); err != nil {
		return nil, err
	}
	out := *turn
	return &out, nil
}

// ListChatTurns returns a pipeline's turns, oldest first.
func (s *Store) ListChatTurns(ctx context.Context, pipelineID int64) ([]*api.ChatTurn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, err := s.lookup(ctx, pipelineID); err != nil {
		return nil, err
	}
	turns := []*api.ChatTurn{}
	for elem := s.turnOrder.Front(); elem != nil; elem = elem.Next() {
		turn := elem.Value.(*api.ChatTurn)
		if turn.PipelineID == pipelineID {
			out := *turn
			turns = append(turns, &out)
		}
	}
	return turns, nil
}

// SaveModelCall records a proxied model call.
func (s *Store) SaveModelCall(_ context.Context, call *api.ModelCall) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextCall++
	call.ID = s.nextCall
	if call.CreatedAt.IsZero() {
		call.CreatedAt = time.Now().UTC()
	}
	stored := *call
	s.modelCalls = append(s.modelCalls, &stored)
	return nil
}

// ModelCalls returns the recorded model calls of a pipeline.
func (s *Store) ModelCalls(pipelineID int64) []*api.ModelCall {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*api.ModelCall
	for _, c := range s.modelCalls {
		if c.PipelineID == pipelineID {
			cp := *c
			out = append(out, &cp)
		}
	}
	return out
}

// HealthCheck always returns nil for the in-memory store.
func (s *Store) HealthCheck(_ context.Context) error {
	return nil
}

// Close is a no-op for the in-memory store.
func (s *Store) Close() error {
	return nil
}

// evictOldest removes the oldest chat turn. Must be called with mu held.
func (s *Store) evictOldest() {
	front := s.turnOrder.Front()
	if front == nil {
		return
	}
	turn := s.turnOrder.Remove(front).(*api.ChatTurn)
	delete(s.turns, turn.InvocationID)
}
