package template

import (
	"encoding/json"
	"math"
	"testing"
)

func TestRenderLiteralScalars(t *testing.T) {
	tests := []struct {
		name string
		in   any
		want string
	}{
		{"nil", nil, "None"},
		{"true", true, "True"},
		{"false", false, "False"},
		{"string", `say "hi"`, `"say \"hi\""`},
		{"int", 42, "42"},
		{"int64", int64(-7), "-7"},
		{"float", 1.5, "1.5"},
		{"whole float", float64(3), "3"},
		{"nan", math.NaN(), `float("nan")`},
		{"inf", math.Inf(1), `float("inf")`},
		{"neg inf", math.Inf(-1), `float("-inf")`},
		{"json number", json.Number("12.50"), "12.50"},
		{"empty map", map[string]any{}, "{}"},
		{"empty list", []any{}, "[]"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := RenderLiteral(tt.in, "")
			if err != nil {
				t.Fatalf("RenderLiteral error: %v", err)
			}
			if got != tt.want {
				t.Errorf("RenderLiteral(%v) = %s, want %s", tt.in, got, tt.want)
			}
		})
	}
}

func TestRenderLiteralNested(t *testing.T) {
	v := map[string]any{
		"b": []any{1.0, "x"},
		"a": true,
		"c": map[string]any{},
		"d": map[string]any{"k": nil},
	}
	want := `{
    "a": True,
    "b": [
        1,
        "x",
    ],
    "c": {},
    "d": {
        "k": None,
    },
}`
	got, err := RenderLiteral(v, "")
	if err != nil {
		t.Fatalf("RenderLiteral error: %v", err)
	}
	if got != want {
		t.Errorf("RenderLiteral() =\n%s\nwant\n%s", got, want)
	}
}

func TestRenderLiteralIndent(t *testing.T) {
	got, err := RenderLiteral([]any{[]any{}, 1.0}, "  ")
	if err != nil {
		t.Fatalf("RenderLiteral error: %v", err)
	}
	want := "[\n      [],\n      1,\n  ]"
	if got != want {
		t.Errorf("RenderLiteral() = %q, want %q", got, want)
	}
}

func TestRenderLiteralStable(t *testing.T) {
	raw := json.RawMessage(`{"z": 1, "y": {"b": [true, null], "a": "s"}, "x": []}`)
	first, err := RenderLiteral(raw, "    ")
	if err != nil {
		t.Fatalf("RenderLiteral error: %v", err)
	}
	for i := 0; i < 20; i++ {
		got, err := RenderLiteral(raw, "    ")
		if err != nil {
			t.Fatalf("RenderLiteral error: %v", err)
		}
		if got != first {
			t.Fatalf("run %d differs:\n%s\nvs\n%s", i, got, first)
		}
	}
}

func TestFormatLiteralLeavesTokensUntouched(t *testing.T) {
	toks, err := LiteralTokens(map[string]any{"a": []any{}})
	if err != nil {
		t.Fatalf("LiteralTokens error: %v", err)
	}
	before := append([]LitToken(nil), toks...)
	_ = FormatLiteral(toks, "", "  ")
	for i := range toks {
		if toks[i] != before[i] {
			t.Errorf("token %d changed: %+v -> %+v", i, before[i], toks[i])
		}
	}
}

func TestRenderLiteralUnsupported(t *testing.T) {
	if _, err := RenderLiteral(struct{}{}, ""); err == nil {
		t.Error("RenderLiteral(struct{}{}) = nil error, want error")
	}
	if _, err := RenderLiteral(map[string]any{"ch": make(chan int)}, ""); err == nil {
		t.Error("RenderLiteral(nested chan) = nil error, want error")
	}
}
