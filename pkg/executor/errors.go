package executor

import (
	"context"
	"errors"
	"fmt"

	"github.com/rhuss/composer/pkg/api"
	"github.com/rhuss/composer/pkg/lock"
	"github.com/rhuss/composer/pkg/storage"
	"github.com/rhuss/composer/pkg/template"
)

// StageError reports an invocation aborted at a stage.
type StageError struct {
	Stage api.Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// ToAPIError maps an invocation error to the error returned to chat clients.
func ToAPIError(err error) *api.APIError {
	var apiErr *api.APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}

	var stageErr *StageError
	if !errors.As(err, &stageErr) {
		return api.NewServerError(err.Error())
	}

	var tmplErr *template.Error
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return api.NewNotFoundError("pipeline not found")
	case errors.As(err, &tmplErr):
		return api.NewTemplatingError(tmplErr.Error())
	case errors.Is(err, lock.ErrNotObtained):
		return api.NewConflictError("pipeline is busy with another invocation")
	case errors.Is(err, context.DeadlineExceeded):
		return api.NewSandboxError(stageErr.Stage, "invocation timed out")
	case errors.Is(err, context.Canceled):
		return api.NewServerError("invocation cancelled")
	}
	return api.NewSandboxError(stageErr.Stage, stageErr.Err.Error())
}
