package modelapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestChatCompletionForwardsRawBody(t *testing.T) {
	var gotPath, gotAuth string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		data, _ := io.ReadAll(r.Body)
		json.Unmarshal(data, &gotBody)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"chatcmpl-1","choices":[{"message":{"role":"assistant","content":"hi"}}],"x_extra":true}`))
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL + "/v1", APIKey: "sk-test"}, nil)
	req := json.RawMessage(`{"model":"gpt-4o-mini","messages":[{"role":"user","content":"hi"}],"custom_field":1}`)
	res, err := c.ChatCompletion(context.Background(), req)
	if err != nil {
		t.Fatalf("ChatCompletion error: %v", err)
	}

	if gotPath != "/v1/chat/completions" {
		t.Errorf("path = %q", gotPath)
	}
	if gotAuth != "Bearer sk-test" {
		t.Errorf("Authorization = %q", gotAuth)
	}
	if gotBody["custom_field"] != float64(1) || gotBody["model"] != "gpt-4o-mini" {
		t.Errorf("upstream body = %v, want the request unchanged", gotBody)
	}
	if res.StatusCode != http.StatusOK {
		t.Errorf("StatusCode = %d", res.StatusCode)
	}
	var out map[string]any
	if err := json.Unmarshal(res.Body, &out); err != nil || out["x_extra"] != true {
		t.Errorf("response body = %s, want upstream body unchanged", res.Body)
	}
}

func TestChatCompletionRelaysUpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":{"message":"unknown model","type":"invalid_request_error","param":"model","code":null}}`))
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, APIKey: "sk-test", MaxRetries: -1}, nil)
	res, err := c.ChatCompletion(context.Background(), json.RawMessage(`{"model":"nope"}`))
	if err != nil {
		t.Fatalf("ChatCompletion error: %v", err)
	}
	if res.StatusCode != http.StatusBadRequest {
		t.Errorf("StatusCode = %d, want 400", res.StatusCode)
	}
	var doc struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(res.Body, &doc); err != nil || doc.Error.Message != "unknown model" {
		t.Errorf("body = %s", res.Body)
	}
}

func TestChatCompletionTransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	c := New(Config{BaseURL: url, APIKey: "sk-test", MaxRetries: -1}, nil)
	if _, err := c.ChatCompletion(context.Background(), json.RawMessage(`{}`)); err == nil {
		t.Fatal("expected error for unreachable upstream")
	}
}
