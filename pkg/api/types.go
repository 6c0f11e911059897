package api

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// Tenant is an isolation boundary owning exactly one sandbox runtime.
type Tenant struct {
	ID       int64  `json:"id"`
	Username string `json:"username,omitempty"`
}

// RuntimeName returns the container name used as the lookup key into the
// container engine.
func (t Tenant) RuntimeName() string {
	return RuntimeName(t.ID)
}

// RuntimeName derives the runtime name of a tenant from its identifier.
func RuntimeName(tenantID int64) string {
	return fmt.Sprintf("composer-tenant-%d", tenantID)
}

// PipelineDirName derives the on-disk directory name of a pipeline.
func PipelineDirName(pipelineID int64) string {
	return fmt.Sprintf("pipeline-%d", pipelineID)
}

// Argument is one declared argument of a component. When Enabled is set the
// Interpolated expression is emitted verbatim into the generated driver;
// otherwise Default is rendered as a literal.
type Argument struct {
	Default      any    `json:"default"`
	Enabled      bool   `json:"enabled"`
	Interpolated string `json:"interpolated,omitempty"`
}

// Component is a single user-authored function.
type Component struct {
	ID           int64               `json:"id"`
	TenantID     int64               `json:"tenant_id"`
	Name         string              `json:"name"`
	FunctionName string              `json:"function_name"`
	Arguments    map[string]Argument `json:"arguments,omitempty"`
	ReturnType   string              `json:"return_type,omitempty"`
	Code         string              `json:"code"`
	State        json.RawMessage     `json:"state,omitempty"`
	IsTemplate   bool                `json:"is_template"`
}

// ComponentInstance fixes a component's order and enabled flag within one
// pipeline.
type ComponentInstance struct {
	ID         int64     `json:"id"`
	PipelineID int64     `json:"pipeline_id"`
	Order      int       `json:"order"`
	Enabled    bool      `json:"enabled"`
	Component  Component `json:"component"`
}

// Pipeline is an ordered chain of components owned by one tenant.
type Pipeline struct {
	ID           int64               `json:"id"`
	TenantID     int64               `json:"tenant_id"`
	Name         string              `json:"name"`
	Description  string              `json:"description,omitempty"`
	State        json.RawMessage     `json:"state,omitempty"`
	Response     string              `json:"response"`
	Requirements []string            `json:"requirements,omitempty"`
	Instances    []ComponentInstance `json:"instances"`
}

// DirName returns the pipeline's directory name inside the tenant runtime.
func (p *Pipeline) DirName() string {
	return PipelineDirName(p.ID)
}

// Enabled returns the enabled instances sorted ascending by order. Ties keep
// their stored relative order.
func (p *Pipeline) Enabled() []ComponentInstance {
	out := make([]ComponentInstance, 0, len(p.Instances))
	for _, inst := range p.Instances {
		if inst.Enabled {
			out = append(out, inst)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Order < out[j].Order
	})
	return out
}

// HasEnabledComponent reports whether componentID belongs to an enabled
// instance of the pipeline.
func (p *Pipeline) HasEnabledComponent(componentID int64) bool {
	for _, inst := range p.Instances {
		if inst.Enabled && inst.Component.ID == componentID {
			return true
		}
	}
	return false
}

// ComponentState is the state blob of one component.
type ComponentState struct {
	ID    int64           `json:"id"`
	State json.RawMessage `json:"state"`
}

// States is the snapshot fetched at pipeline scope entry and pushed back at
// exit.
type States struct {
	ComponentStates []ComponentState `json:"component_states"`
	PipelineState   json.RawMessage  `json:"pipeline_state"`
}

// ChatSave is the body of the chat-save callback.
type ChatSave struct {
	UserMessage string `json:"user_message"`
	RespMessage string `json:"resp_message"`
	ExitCode    int    `json:"exit_code"`
}

// ChatTurn is the immutable record of one invocation.
type ChatTurn struct {
	ID           int64     `json:"id"`
	PipelineID   int64     `json:"pipeline_id"`
	InvocationID string    `json:"invocation_id"`
	UserMessage  string    `json:"user_message"`
	Response     string    `json:"response"`
	ExitCode     int       `json:"exit_code"`
	CreatedAt    time.Time `json:"created_at"`
}

// ModelCallRequest is the body of the model-API proxy callback.
type ModelCallRequest struct {
	Request json.RawMessage `json:"request"`
}

// ModelCallResponse is returned by the model-API proxy callback.
type ModelCallResponse struct {
	Response json.RawMessage `json:"response"`
}

// ModelCall records one proxied model-API call for usage attribution.
type ModelCall struct {
	ID           int64           `json:"id"`
	PipelineID   int64           `json:"pipeline_id"`
	ComponentID  int64           `json:"component_id"`
	InvocationID string          `json:"invocation_id"`
	Request      json.RawMessage `json:"request"`
	Response     json.RawMessage `json:"response,omitempty"`
	StatusCode   int             `json:"status_code"`
	CreatedAt    time.Time       `json:"created_at"`
}

// ChatRequest is the body of the user-facing chat endpoint.
type ChatRequest struct {
	Message string `json:"message"`
}

// ChatTurnList holds the chat history of one pipeline.
type ChatTurnList struct {
	Object string      `json:"object"`
	Data   []*ChatTurn `json:"data"`
}

// EmptyState is the state blob assigned to components and pipelines that
// never stored one.
var EmptyState = json.RawMessage(`{}`)

// StateOrEmpty returns s, or an empty object when s is unset.
func StateOrEmpty(s json.RawMessage) json.RawMessage {
	if len(s) == 0 {
		return EmptyState
	}
	return s
}

// Clone returns a deep copy of the pipeline.
func (p *Pipeline) Clone() *Pipeline {
	if p == nil {
		return nil
	}
	out := *p
	out.State = cloneRaw(p.State)
	out.Requirements = append([]string(nil), p.Requirements...)
	out.Instances = make([]ComponentInstance, len(p.Instances))
	for i, inst := range p.Instances {
		inst.Component = *inst.Component.Clone()
		out.Instances[i] = inst
	}
	return &out
}

// Clone returns a deep copy of the component. Argument defaults are shared,
// they are treated as immutable.
func (c *Component) Clone() *Component {
	out := *c
	out.State = cloneRaw(c.State)
	if c.Arguments != nil {
		out.Arguments = make(map[string]Argument, len(c.Arguments))
		for k, v := range c.Arguments {
			out.Arguments[k] = v
		}
	}
	return &out
}

func cloneRaw(r json.RawMessage) json.RawMessage {
	if r == nil {
		return nil
	}
	return append(json.RawMessage(nil), r...)
}
