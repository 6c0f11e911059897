package api

import (
	"fmt"
	"regexp"
	"strings"
)

// ValidationConfig holds configurable limits for pipeline validation.
type ValidationConfig struct {
	MaxComponents  int
	MaxCodeSize    int
	MaxMessageSize int
}

// DefaultValidationConfig returns a ValidationConfig with sensible defaults.
func DefaultValidationConfig() ValidationConfig {
	return ValidationConfig{
		MaxComponents:  64,
		MaxCodeSize:    256 * 1024, // 256KB
		MaxMessageSize: 64 * 1024,  // 64KB
	}
}

var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// pythonKeywords are reserved words that cannot name a component function.
var pythonKeywords = map[string]bool{
	"False": true, "None": true, "True": true, "and": true, "as": true,
	"assert": true, "async": true, "await": true, "break": true, "class": true,
	"continue": true, "def": true, "del": true, "elif": true, "else": true,
	"except": true, "finally": true, "for": true, "from": true, "global": true,
	"if": true, "import": true, "in": true, "is": true, "lambda": true,
	"nonlocal": true, "not": true, "or": true, "pass": true, "raise": true,
	"return": true, "try": true, "while": true, "with": true, "yield": true,
}

// reservedNames are bound by the generated driver itself.
var reservedNames = map[string]bool{
	"run":            true,
	"pipeline":       true,
	"user_message":   true,
	"init_pipeline":  true,
	"init_component": true,
}

// ValidFunctionName reports whether name can be used as a component's
// function name in the generated driver.
func ValidFunctionName(name string) bool {
	return identifierPattern.MatchString(name) && !pythonKeywords[name] && !reservedNames[name]
}

// ValidatePipeline checks that a pipeline can be specialized. It returns an
// *APIError describing the first failure, or nil if the pipeline is valid.
// Only enabled instances participate in the checks.
func ValidatePipeline(p *Pipeline, cfg ValidationConfig) *APIError {
	enabled := p.Enabled()

	if cfg.MaxComponents > 0 && len(enabled) > cfg.MaxComponents {
		return NewInvalidRequestError("instances",
			fmt.Sprintf("pipeline exceeds maximum of %d enabled components", cfg.MaxComponents))
	}

	seen := make(map[string]int64, len(enabled))
	for _, inst := range enabled {
		c := inst.Component
		if !ValidFunctionName(c.FunctionName) {
			return NewInvalidRequestError("function_name",
				fmt.Sprintf("component %d: %q is not a valid function name", c.ID, c.FunctionName))
		}
		if other, dup := seen[c.FunctionName]; dup {
			return NewInvalidRequestError("function_name",
				fmt.Sprintf("components %d and %d share function name %q", other, c.ID, c.FunctionName))
		}
		seen[c.FunctionName] = c.ID

		if cfg.MaxCodeSize > 0 && len(c.Code) > cfg.MaxCodeSize {
			return NewInvalidRequestError("code",
				fmt.Sprintf("component %d: code exceeds maximum size of %d bytes", c.ID, cfg.MaxCodeSize))
		}

		for name, arg := range c.Arguments {
			if !identifierPattern.MatchString(name) || pythonKeywords[name] {
				return NewInvalidRequestError("arguments",
					fmt.Sprintf("component %d: %q is not a valid argument name", c.ID, name))
			}
			if arg.Enabled && strings.TrimSpace(arg.Interpolated) == "" {
				return NewInvalidRequestError("arguments",
					fmt.Sprintf("component %d: interpolated argument %q has no expression", c.ID, name))
			}
			if strings.ContainsAny(arg.Interpolated, "\r\n") {
				return NewInvalidRequestError("arguments",
					fmt.Sprintf("component %d: interpolated argument %q must be a single line", c.ID, name))
			}
		}
	}

	if strings.ContainsAny(p.Response, "\r\n") {
		return NewInvalidRequestError("response", "response template must be a single line")
	}

	for _, req := range p.Requirements {
		if strings.TrimSpace(req) == "" || strings.ContainsAny(req, "\r\n") {
			return NewInvalidRequestError("requirements",
				fmt.Sprintf("invalid requirement %q", req))
		}
	}

	return nil
}

// ValidateChatRequest checks the user-facing chat request body.
func ValidateChatRequest(req *ChatRequest, cfg ValidationConfig) *APIError {
	if req.Message == "" {
		return NewInvalidRequestError("message", "message is required")
	}
	if cfg.MaxMessageSize > 0 && len(req.Message) > cfg.MaxMessageSize {
		return NewInvalidRequestError("message",
			fmt.Sprintf("message exceeds maximum size of %d bytes", cfg.MaxMessageSize))
	}
	return nil
}
