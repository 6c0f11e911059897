package api

// EventType names an invocation progress event.
type EventType string

const (
	EventInvocationCreated   EventType = "invocation.created"
	EventInvocationStage     EventType = "invocation.stage"
	EventInvocationCompleted EventType = "invocation.completed"
	EventInvocationFailed    EventType = "invocation.failed"
)

// InvocationEvent reports the progress of one invocation to streaming
// clients. Completed and failed events are terminal.
type InvocationEvent struct {
	Type         EventType `json:"type"`
	InvocationID string    `json:"invocation_id,omitempty"`
	PipelineID   int64     `json:"pipeline_id,omitempty"`
	Stage        Stage     `json:"stage,omitempty"`
	Turn         *ChatTurn `json:"turn,omitempty"`
	Error        *APIError `json:"error,omitempty"`
}

// Terminal reports whether no event may follow e.
func (e EventType) Terminal() bool {
	return e == EventInvocationCompleted || e == EventInvocationFailed
}
