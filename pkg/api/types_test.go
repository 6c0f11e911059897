package api

import (
	"encoding/json"
	"testing"
)

func TestDerivedNames(t *testing.T) {
	if got := (Tenant{ID: 7}).RuntimeName(); got != "composer-tenant-7" {
		t.Errorf("RuntimeName = %q, want %q", got, "composer-tenant-7")
	}
	p := &Pipeline{ID: 42}
	if got := p.DirName(); got != "pipeline-42" {
		t.Errorf("DirName = %q, want %q", got, "pipeline-42")
	}
	if RuntimeName(7) != RuntimeName(7) || PipelineDirName(42) != p.DirName() {
		t.Error("derived names must be pure functions of the identifier")
	}
}

func TestPipelineEnabled(t *testing.T) {
	p := &Pipeline{
		Instances: []ComponentInstance{
			{Order: 3, Enabled: true, Component: Component{ID: 3, FunctionName: "third"}},
			{Order: 1, Enabled: true, Component: Component{ID: 1, FunctionName: "first"}},
			{Order: 2, Enabled: false, Component: Component{ID: 2, FunctionName: "skipped"}},
			{Order: 2, Enabled: true, Component: Component{ID: 4, FunctionName: "second"}},
		},
	}

	got := p.Enabled()
	want := []string{"first", "second", "third"}
	if len(got) != len(want) {
		t.Fatalf("len(Enabled) = %d, want %d", len(got), len(want))
	}
	for i, inst := range got {
		if inst.Component.FunctionName != want[i] {
			t.Errorf("Enabled[%d] = %q, want %q", i, inst.Component.FunctionName, want[i])
		}
	}

	if !p.HasEnabledComponent(4) {
		t.Error("HasEnabledComponent(4) = false, want true")
	}
	if p.HasEnabledComponent(2) {
		t.Error("HasEnabledComponent(2) = true for a disabled instance")
	}
	if p.HasEnabledComponent(99) {
		t.Error("HasEnabledComponent(99) = true for an unknown component")
	}
}

func TestStatesWireShape(t *testing.T) {
	s := States{
		ComponentStates: []ComponentState{{ID: 1, State: json.RawMessage(`{"counter":0}`)}},
		PipelineState:   json.RawMessage(`{}`),
	}
	data, err := json.Marshal(s)
	if err != nil {
		t.Fatalf("Marshal error: %v", err)
	}
	want := `{"component_states":[{"id":1,"state":{"counter":0}}],"pipeline_state":{}}`
	if string(data) != want {
		t.Errorf("JSON = %s, want %s", data, want)
	}
}

func TestChatSaveWireShape(t *testing.T) {
	var body ChatSave
	in := `{"user_message":"hello","resp_message":"hi","exit_code":0}`
	if err := json.Unmarshal([]byte(in), &body); err != nil {
		t.Fatalf("Unmarshal error: %v", err)
	}
	if body.UserMessage != "hello" || body.RespMessage != "hi" || body.ExitCode != 0 {
		t.Errorf("decoded %+v", body)
	}
}

func TestStateOrEmpty(t *testing.T) {
	if got := string(StateOrEmpty(nil)); got != "{}" {
		t.Errorf("StateOrEmpty(nil) = %s, want {}", got)
	}
	if got := string(StateOrEmpty(json.RawMessage(`{"a":1}`))); got != `{"a":1}` {
		t.Errorf("StateOrEmpty kept = %s", got)
	}
}

func TestPipelineClone(t *testing.T) {
	p := &Pipeline{
		ID:           1,
		State:        json.RawMessage(`{"n":1}`),
		Requirements: []string{"requests"},
		Instances: []ComponentInstance{{
			Enabled: true,
			Component: Component{
				ID:        2,
				State:     json.RawMessage(`{"c":1}`),
				Arguments: map[string]Argument{"x": {Default: 1.0}},
			},
		}},
	}
	c := p.Clone()
	c.State[2] = 'm'
	c.Requirements[0] = "numpy"
	c.Instances[0].Component.State[2] = 'z'
	c.Instances[0].Component.Arguments["y"] = Argument{}
	c.Instances[0].Enabled = false

	if string(p.State) != `{"n":1}` {
		t.Errorf("pipeline state shared: %s", p.State)
	}
	if p.Requirements[0] != "requests" {
		t.Errorf("requirements shared: %v", p.Requirements)
	}
	if string(p.Instances[0].Component.State) != `{"c":1}` {
		t.Errorf("component state shared: %s", p.Instances[0].Component.State)
	}
	if len(p.Instances[0].Component.Arguments) != 1 {
		t.Errorf("arguments shared: %v", p.Instances[0].Component.Arguments)
	}
	if !p.Instances[0].Enabled {
		t.Error("instances shared")
	}
	if (*Pipeline)(nil).Clone() != nil {
		t.Error("Clone(nil) != nil")
	}
}
