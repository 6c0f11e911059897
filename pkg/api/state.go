package api

import "fmt"

// Stage is one step of a pipeline invocation.
type Stage string

const (
	StageResolving    Stage = "resolving"
	StageSpecializing Stage = "specializing"
	StageDelivering   Stage = "delivering"
	StageInstalling   Stage = "installing"
	StageRunning      Stage = "running"
	StageRecording    Stage = "recording"
	StageDone         Stage = "done"
)

// Stages lists the invocation stages in execution order.
var Stages = []Stage{
	StageResolving,
	StageSpecializing,
	StageDelivering,
	StageInstalling,
	StageRunning,
	StageRecording,
	StageDone,
}

// ValidateStageTransition checks whether an invocation may move from one
// stage to another. An empty "from" stage represents an invocation that has
// not started. Every arrow is one-way and no stage may be skipped.
func ValidateStageTransition(from, to Stage) *APIError {
	next := map[Stage]Stage{
		"":                StageResolving,
		StageResolving:    StageSpecializing,
		StageSpecializing: StageDelivering,
		StageDelivering:   StageInstalling,
		StageInstalling:   StageRunning,
		StageRunning:      StageRecording,
		StageRecording:    StageDone,
	}

	if want, ok := next[from]; ok && want == to {
		return nil
	}

	return NewInvalidRequestError("stage",
		fmt.Sprintf("invalid transition from %q to %q", from, to))
}

// BeforeRunning reports whether a failure at stage s aborts the invocation
// without a chat turn.
func (s Stage) BeforeRunning() bool {
	switch s {
	case StageResolving, StageSpecializing, StageDelivering, StageInstalling:
		return true
	}
	return false
}
