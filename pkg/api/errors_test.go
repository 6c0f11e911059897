package api

import (
	"encoding/json"
	"testing"
)

func TestAPIErrorInterface(t *testing.T) {
	var _ error = &APIError{}
}

func TestAPIErrorString(t *testing.T) {
	tests := []struct {
		name string
		err  *APIError
		want string
	}{
		{
			"with param",
			&APIError{Type: ErrorTypeInvalidRequest, Param: "function_name", Message: "is invalid"},
			"invalid_request: is invalid (param: function_name)",
		},
		{
			"without param",
			&APIError{Type: ErrorTypeServerError, Message: "internal failure"},
			"server_error: internal failure",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("APIError.Error() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestErrorConstructors(t *testing.T) {
	tests := []struct {
		name     string
		err      *APIError
		wantType ErrorType
		wantCode string
	}{
		{"invalid request", NewInvalidRequestError("message", "is required"), ErrorTypeInvalidRequest, ""},
		{"not found", NewNotFoundError("pipeline not found"), ErrorTypeNotFound, ""},
		{"forbidden", NewForbiddenError("not your pipeline"), ErrorTypeForbidden, ""},
		{"conflict", NewConflictError("turn already recorded"), ErrorTypeConflict, ""},
		{"templating", NewTemplatingError("main.py:3: stray end"), ErrorTypeTemplating, "specializing"},
		{"sandbox", NewSandboxError(StageDelivering, "archive rejected"), ErrorTypeSandbox, "delivering"},
		{"server error", NewServerError("internal failure"), ErrorTypeServerError, ""},
		{"model error", NewModelError("model overloaded"), ErrorTypeModelError, ""},
		{"too many requests", NewTooManyRequestsError("rate limit exceeded"), ErrorTypeTooManyRequests, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.err.Type != tt.wantType {
				t.Errorf("Type = %q, want %q", tt.err.Type, tt.wantType)
			}
			if tt.err.Code != tt.wantCode {
				t.Errorf("Code = %q, want %q", tt.err.Code, tt.wantCode)
			}
		})
	}
}

func TestErrorResponseJSON(t *testing.T) {
	resp := ErrorResponse{Error: NewSandboxError(StageResolving, "engine unreachable")}
	data, err := json.Marshal(resp)
	if err != nil {
		t.Fatalf("Marshal error: %v", err)
	}
	want := `{"error":{"type":"sandbox_error","code":"resolving","message":"engine unreachable"}}`
	if string(data) != want {
		t.Errorf("JSON = %s, want %s", data, want)
	}
}
