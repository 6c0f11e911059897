package api

import (
	"strings"
	"testing"
)

func component(id int64, fn string) ComponentInstance {
	return ComponentInstance{
		Order:   int(id),
		Enabled: true,
		Component: Component{
			ID:           id,
			FunctionName: fn,
			Code:         "def " + fn + "():\n    return {}\n",
		},
	}
}

func TestValidFunctionName(t *testing.T) {
	tests := []struct {
		name string
		want bool
	}{
		{"greet", true},
		{"_private", true},
		{"step2", true},
		{"2step", false},
		{"has-dash", false},
		{"has space", false},
		{"", false},
		{"class", false},
		{"None", false},
		{"run", false},
		{"init_pipeline", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ValidFunctionName(tt.name); got != tt.want {
				t.Errorf("ValidFunctionName(%q) = %v, want %v", tt.name, got, tt.want)
			}
		})
	}
}

func TestValidatePipeline(t *testing.T) {
	cfg := DefaultValidationConfig()

	tests := []struct {
		name      string
		pipeline  *Pipeline
		wantParam string
	}{
		{
			name:     "valid pipeline accepted",
			pipeline: &Pipeline{Response: "greet.ret", Instances: []ComponentInstance{component(1, "greet")}},
		},
		{
			name:     "empty pipeline accepted",
			pipeline: &Pipeline{},
		},
		{
			name:      "invalid function name rejected",
			pipeline:  &Pipeline{Instances: []ComponentInstance{component(1, "not-valid")}},
			wantParam: "function_name",
		},
		{
			name: "duplicate enabled function names rejected",
			pipeline: &Pipeline{Instances: []ComponentInstance{
				component(1, "greet"),
				component(2, "greet"),
			}},
			wantParam: "function_name",
		},
		{
			name: "duplicate with disabled instance accepted",
			pipeline: &Pipeline{Instances: []ComponentInstance{
				component(1, "greet"),
				func() ComponentInstance { c := component(2, "greet"); c.Enabled = false; return c }(),
			}},
		},
		{
			name: "interpolated argument without expression rejected",
			pipeline: &Pipeline{Instances: []ComponentInstance{
				func() ComponentInstance {
					c := component(1, "greet")
					c.Component.Arguments = map[string]Argument{"name": {Enabled: true}}
					return c
				}(),
			}},
			wantParam: "arguments",
		},
		{
			name: "multi-line response template rejected",
			pipeline: &Pipeline{
				Response:  "a\nb",
				Instances: []ComponentInstance{component(1, "greet")},
			},
			wantParam: "response",
		},
		{
			name:      "blank requirement rejected",
			pipeline:  &Pipeline{Requirements: []string{"requests", " "}},
			wantParam: "requirements",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidatePipeline(tt.pipeline, cfg)
			if tt.wantParam == "" {
				if err != nil {
					t.Errorf("ValidatePipeline() = %v, want nil", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("ValidatePipeline() = nil, want error on %q", tt.wantParam)
			}
			if err.Param != tt.wantParam {
				t.Errorf("Param = %q, want %q", err.Param, tt.wantParam)
			}
			if err.Type != ErrorTypeInvalidRequest {
				t.Errorf("Type = %q, want %q", err.Type, ErrorTypeInvalidRequest)
			}
		})
	}
}

func TestValidatePipelineMaxComponents(t *testing.T) {
	p := &Pipeline{Instances: []ComponentInstance{component(1, "a"), component(2, "b")}}
	err := ValidatePipeline(p, ValidationConfig{MaxComponents: 1})
	if err == nil || !strings.Contains(err.Message, "maximum of 1") {
		t.Errorf("ValidatePipeline() = %v, want max components error", err)
	}
}

func TestValidateChatRequest(t *testing.T) {
	cfg := ValidationConfig{MaxMessageSize: 8}
	if err := ValidateChatRequest(&ChatRequest{Message: "hello"}, cfg); err != nil {
		t.Errorf("valid message rejected: %v", err)
	}
	if err := ValidateChatRequest(&ChatRequest{}, cfg); err == nil || err.Param != "message" {
		t.Errorf("empty message: got %v", err)
	}
	if err := ValidateChatRequest(&ChatRequest{Message: "far too long"}, cfg); err == nil {
		t.Error("oversized message accepted")
	}
}
