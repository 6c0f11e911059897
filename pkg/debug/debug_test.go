package debug

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestParseCategories(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  []string
	}{
		{"empty", "", nil},
		{"single", "sandbox", []string{"sandbox"}},
		{"multiple", "sandbox,template", []string{"sandbox", "template"}},
		{"with spaces", " sandbox , template ", []string{"sandbox", "template"}},
		{"uppercase normalized", "SANDBOX,Template", []string{"sandbox", "template"}},
		{"empty segments", "sandbox,,template", []string{"sandbox", "template"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := parseCategories(tt.input)
			if len(got) != len(tt.want) {
				t.Fatalf("parseCategories(%q) = %v, want %v", tt.input, got, tt.want)
			}
			for _, c := range tt.want {
				if !got[c] {
					t.Errorf("category %q missing from %v", c, got)
				}
			}
		})
	}
}

func TestEnabled(t *testing.T) {
	orig := categories
	defer func() { categories = orig }()

	categories = parseCategories("sandbox,executor")
	if !Enabled("sandbox") || !Enabled("executor") {
		t.Error("configured categories should be enabled")
	}
	if Enabled("modelapi") {
		t.Error("modelapi should not be enabled")
	}

	categories = parseCategories("all")
	if !Enabled("anything") {
		t.Error("all should enable every category")
	}

	categories = parseCategories("")
	if Enabled("sandbox") {
		t.Error("nothing should be enabled without categories")
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input string
		want  slog.Level
		ok    bool
	}{
		{"TRACE", LevelTrace, true},
		{"trace", LevelTrace, true},
		{"debug", slog.LevelDebug, true},
		{"", slog.LevelInfo, true},
		{"WARNING", slog.LevelWarn, true},
		{"ERROR", slog.LevelError, true},
		{"verbose", slog.LevelInfo, false},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, ok := ParseLevel(tt.input)
			if got != tt.want || ok != tt.ok {
				t.Errorf("ParseLevel(%q) = %v, %v; want %v, %v", tt.input, got, ok, tt.want, tt.ok)
			}
		})
	}
}

func TestTruncate(t *testing.T) {
	if got := Truncate("short", 10); got != "short" {
		t.Errorf("Truncate short = %q", got)
	}
	if got := Truncate("this is a long string", 10); got != "this is a ..." {
		t.Errorf("Truncate long = %q", got)
	}
}

// setup installs a logger writing to a buffer and restores the previous
// default and categories afterwards.
func setup(t *testing.T, opts Options) *bytes.Buffer {
	t.Helper()
	t.Setenv("COMPOSER_LOG_LEVEL", "")
	t.Setenv("COMPOSER_LOG_FORMAT", "")
	t.Setenv("COMPOSER_DEBUG", "")

	prev, prevCats := slog.Default(), categories
	t.Cleanup(func() {
		slog.SetDefault(prev)
		categories = prevCats
	})

	var buf bytes.Buffer
	opts.Output = &buf
	if _, err := Setup(opts); err != nil {
		t.Fatalf("Setup: %v", err)
	}
	return &buf
}

func TestSetupCategoryOutput(t *testing.T) {
	buf := setup(t, Options{Level: "debug", Categories: "sandbox"})

	Log("sandbox", "exec", "cmd", "mkdir")
	Log("template", "rendered")
	Trace("sandbox", "below level")

	out := buf.String()
	if !strings.Contains(out, "debug=sandbox") || !strings.Contains(out, "cmd=mkdir") {
		t.Errorf("sandbox debug line missing: %q", out)
	}
	if strings.Contains(out, "rendered") {
		t.Errorf("disabled category logged: %q", out)
	}
	if strings.Contains(out, "below level") {
		t.Errorf("trace logged at debug level: %q", out)
	}
}

func TestSetupTraceLevel(t *testing.T) {
	buf := setup(t, Options{Level: "trace", Format: "json", Categories: "all"})

	if !TraceEnabled("modelapi") {
		t.Fatal("TraceEnabled = false at trace level")
	}
	Trace("modelapi", "body", "size", 3)
	if out := buf.String(); !strings.Contains(out, `"level":"TRACE"`) {
		t.Errorf("trace line = %q, want level TRACE", out)
	}
}

func TestSetupEnvFallback(t *testing.T) {
	buf := setup(t, Options{})
	t.Setenv("COMPOSER_LOG_LEVEL", "debug")
	t.Setenv("COMPOSER_DEBUG", "callback")

	if _, err := Setup(Options{Output: buf}); err != nil {
		t.Fatalf("Setup: %v", err)
	}
	Log("callback", "from env")
	if !strings.Contains(buf.String(), "from env") {
		t.Errorf("env categories not applied: %q", buf.String())
	}
}

func TestSetupRejectsInvalid(t *testing.T) {
	setup(t, Options{})
	for _, opts := range []Options{{Level: "loud"}, {Format: "xml"}} {
		if _, err := Setup(opts); err == nil {
			t.Errorf("Setup(%+v) succeeded, want error", opts)
		}
	}
}
