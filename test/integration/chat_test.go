package integration

import (
	"bufio"
	"fmt"
	"net/http"
	"strings"
	"testing"

	"github.com/rhuss/composer/pkg/api"
)

func TestChatGreet(t *testing.T) {
	resp := chat(t, keyTenant1, 1, "hello")
	expectStatus(t, resp, http.StatusOK)
	turn := decode[api.ChatTurn](t, resp)

	if turn.ExitCode != 0 || turn.Response != "hi" {
		t.Errorf("turn = %+v, want exit 0 and response hi", turn)
	}
	if turn.UserMessage != "hello" || turn.PipelineID != 1 {
		t.Errorf("turn = %+v", turn)
	}
	if !api.ValidateInvocationID(turn.InvocationID) {
		t.Errorf("invocation ID %q is malformed", turn.InvocationID)
	}

	files := testEnv.Engine.Files(api.RuntimeName(1), "/composer/pipeline-1")
	if _, ok := files["main.py"]; !ok {
		t.Errorf("main.py was not delivered; files: %v", keys(files))
	}
}

func TestChatHistory(t *testing.T) {
	for _, msg := range []string{"first", "second"} {
		resp := chat(t, keyTenant1, 1, msg)
		expectStatus(t, resp, http.StatusOK)
		resp.Body.Close()
	}

	resp := do(t, http.MethodGet, testEnv.BaseURL()+"/v1/pipelines/1/chat", keyTenant1, nil)
	expectStatus(t, resp, http.StatusOK)
	list := decode[api.ChatTurnList](t, resp)

	if list.Object != "list" || len(list.Data) < 2 {
		t.Fatalf("history = %+v, want at least 2 turns", list)
	}
	last := list.Data[len(list.Data)-1]
	prev := list.Data[len(list.Data)-2]
	if prev.UserMessage != "first" || last.UserMessage != "second" {
		t.Errorf("history order = %q, %q; want first, second", prev.UserMessage, last.UserMessage)
	}
}

func TestChatStatePersists(t *testing.T) {
	var got []string
	for range 3 {
		resp := chat(t, keyTenant1, 3, "tick")
		expectStatus(t, resp, http.StatusOK)
		got = append(got, decode[api.ChatTurn](t, resp).Response)
	}
	if strings.Join(got, ",") != "1,2,3" {
		t.Errorf("counter responses = %v, want 1,2,3", got)
	}
}

func TestChatModelProxy(t *testing.T) {
	before := len(testEnv.Backend.Requests())

	resp := chat(t, keyTenant1, 2, "what is up")
	expectStatus(t, resp, http.StatusOK)
	turn := decode[api.ChatTurn](t, resp)

	if turn.ExitCode != 0 || turn.Response != "echo: what is up" {
		t.Errorf("turn = %+v, want the echoed completion", turn)
	}
	if n := len(testEnv.Backend.Requests()); n != before+1 {
		t.Errorf("backend saw %d new requests, want 1", n-before)
	}

	calls := testEnv.Store.ModelCalls(2)
	if len(calls) == 0 {
		t.Fatal("model call was not recorded")
	}
	call := calls[len(calls)-1]
	if call.ComponentID != askComponent || call.StatusCode != http.StatusOK || call.InvocationID != turn.InvocationID {
		t.Errorf("model call = %+v", call)
	}
}

func TestChatModelErrorFailsPipeline(t *testing.T) {
	resp := chat(t, keyTenant1, 2, "status: 404")
	expectStatus(t, resp, http.StatusOK)
	turn := decode[api.ChatTurn](t, resp)

	if turn.ExitCode != 1 {
		t.Errorf("exit code = %d, want 1", turn.ExitCode)
	}
	if !strings.HasPrefix(turn.Response, "Pipeline exited with code 1") {
		t.Errorf("response = %q", turn.Response)
	}

	calls := testEnv.Store.ModelCalls(2)
	if last := calls[len(calls)-1]; last.StatusCode != http.StatusNotFound {
		t.Errorf("recorded status = %d, want 404", last.StatusCode)
	}
}

func TestChatTenantIsolation(t *testing.T) {
	tests := []struct {
		name       string
		key        string
		pipelineID int64
		status     int
	}{
		{"own pipeline", keyTenant2, 4, http.StatusOK},
		{"foreign pipeline", keyTenant2, 1, http.StatusNotFound},
		{"other tenant's pipeline", keyTenant1, 4, http.StatusNotFound},
		{"missing pipeline", keyTenant1, 999, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := chat(t, tt.key, tt.pipelineID, "hello")
			defer resp.Body.Close()
			expectStatus(t, resp, tt.status)
		})
	}

	resp := do(t, http.MethodGet, testEnv.BaseURL()+"/v1/pipelines/1/chat", keyTenant2, nil)
	defer resp.Body.Close()
	expectStatus(t, resp, http.StatusNotFound)

	if _, ok := testEnv.Engine.Container(api.RuntimeName(2)); !ok {
		t.Error("tenant 2 runtime was not created")
	}
}

func TestChatRequiresAuth(t *testing.T) {
	tests := []struct {
		name string
		key  string
	}{
		{"no credentials", ""},
		{"unknown key", "not-a-key"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := chat(t, tt.key, 1, "hello")
			defer resp.Body.Close()
			expectStatus(t, resp, http.StatusUnauthorized)
		})
	}
}

func TestChatInvalidRequests(t *testing.T) {
	tests := []struct {
		name   string
		path   string
		body   any
		status int
		typ    api.ErrorType
	}{
		{"empty message", "/v1/pipelines/1/chat", api.ChatRequest{}, http.StatusBadRequest, api.ErrorTypeInvalidRequest},
		{"bad pipeline id", "/v1/pipelines/abc/chat", api.ChatRequest{Message: "x"}, http.StatusBadRequest, api.ErrorTypeInvalidRequest},
		{"negative pipeline id", "/v1/pipelines/-1/chat", api.ChatRequest{Message: "x"}, http.StatusBadRequest, api.ErrorTypeInvalidRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := do(t, http.MethodPost, testEnv.BaseURL()+tt.path, keyTenant1, tt.body)
			if resp.StatusCode != tt.status {
				resp.Body.Close()
				t.Fatalf("status = %d, want %d", resp.StatusCode, tt.status)
			}
			if typ := errorType(t, resp); typ != tt.typ {
				t.Errorf("error type = %q, want %q", typ, tt.typ)
			}
		})
	}
}

func TestChatStreaming(t *testing.T) {
	req, err := http.NewRequest(http.MethodPost, testEnv.BaseURL()+"/v1/pipelines/1/chat",
		strings.NewReader(`{"message":"stream me"}`))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Authorization", "Bearer "+keyTenant1)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()
	expectStatus(t, resp, http.StatusOK)
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("Content-Type = %q", ct)
	}

	var events []string
	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		if name, ok := strings.CutPrefix(sc.Text(), "event: "); ok {
			events = append(events, name)
		}
	}
	if len(events) < 2 {
		t.Fatalf("events = %v", events)
	}
	if events[0] != string(api.EventInvocationCreated) {
		t.Errorf("first event = %q, want %s", events[0], api.EventInvocationCreated)
	}
	if last := events[len(events)-1]; last != string(api.EventInvocationCompleted) {
		t.Errorf("last event = %q, want %s", last, api.EventInvocationCompleted)
	}
}

func TestCancelUnknownInvocation(t *testing.T) {
	id := api.NewInvocationID()
	resp := do(t, http.MethodDelete, fmt.Sprintf("%s/v1/invocations/%s", testEnv.BaseURL(), id), keyTenant1, nil)
	defer resp.Body.Close()
	expectStatus(t, resp, http.StatusNotFound)
}

func keys(m map[string][]byte) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
