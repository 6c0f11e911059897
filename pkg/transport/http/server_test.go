package http

import (
	"context"
	"errors"
	"io"
	"net"
	gohttp "net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rhuss/composer/pkg/api"
	"github.com/rhuss/composer/pkg/auth"
	"github.com/rhuss/composer/pkg/transport"
)

// tokenAuthn accepts exactly one bearer token.
type tokenAuthn struct{ token string }

func (a tokenAuthn) Authenticate(_ context.Context, r *gohttp.Request) auth.AuthResult {
	switch r.Header.Get("Authorization") {
	case "":
		return auth.AuthResult{Decision: auth.Abstain}
	case "Bearer " + a.token:
		return auth.AuthResult{Decision: auth.Yes, Identity: &auth.Identity{
			Subject:  "alice",
			Metadata: map[string]string{"tenant_id": "7"},
		}}
	}
	return auth.AuthResult{Decision: auth.No, Err: auth.ErrUnauthenticated}
}

// serve runs srv on a loopback listener and returns its base URL and a stop
// function that cancels Serve and waits for it.
func serve(t *testing.T, srv *Server) (string, func() error) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()

	var once sync.Once
	var serveErr error
	stop := func() error {
		once.Do(func() {
			cancel()
			select {
			case serveErr = <-done:
			case <-time.After(10 * time.Second):
				serveErr = errors.New("Serve did not return")
			}
		})
		return serveErr
	}
	t.Cleanup(func() { stop() })
	return "http://" + ln.Addr().String(), stop
}

func TestServerServe(t *testing.T) {
	url, stop := serve(t, NewServer(echoInvoker(), nil))

	resp, err := gohttp.Post(url+"/v1/pipelines/5/chat", "application/json", strings.NewReader(`{"message":"hello"}`))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != gohttp.StatusOK || !strings.Contains(string(body), `"response":"echo: hello"`) {
		t.Errorf("status %d body %s", resp.StatusCode, body)
	}

	if err := stop(); err != nil {
		t.Errorf("Serve = %v, want nil after cancel", err)
	}
	if _, err := gohttp.Get(url + "/healthz"); err == nil {
		t.Error("server still accepting after shutdown")
	}
}

func TestServerDrainsOnShutdown(t *testing.T) {
	started := make(chan struct{})
	slow := transport.ChatInvokerFunc(func(ctx context.Context, req *transport.ChatRequest, w transport.ChatWriter) error {
		close(started)
		time.Sleep(200 * time.Millisecond)
		return w.WriteTurn(ctx, &api.ChatTurn{PipelineID: req.PipelineID, Response: "late"})
	})
	url, stop := serve(t, NewServer(slow, nil, WithShutdownTimeout(5*time.Second)))

	status := make(chan int, 1)
	go func() {
		resp, err := gohttp.Post(url+"/v1/pipelines/1/chat", "application/json", strings.NewReader(`{"message":"hi"}`))
		if err != nil {
			status <- 0
			return
		}
		resp.Body.Close()
		status <- resp.StatusCode
	}()

	<-started
	if err := stop(); err != nil {
		t.Errorf("Serve = %v", err)
	}
	if got := <-status; got != gohttp.StatusOK {
		t.Errorf("in-flight request status = %d, want 200", got)
	}
}

func TestServerFunctionalOptions(t *testing.T) {
	srv := NewServer(echoInvoker(), nil,
		WithAddr(":9999"),
		WithMaxBodySize(1024),
		WithShutdownTimeout(10*time.Second),
	)

	if srv.config.Addr != ":9999" {
		t.Errorf("addr = %q, want %q", srv.config.Addr, ":9999")
	}
	if srv.config.MaxBodySize != 1024 {
		t.Errorf("max body size = %d, want %d", srv.config.MaxBodySize, 1024)
	}
	if srv.config.ShutdownTimeout != 10*time.Second {
		t.Errorf("shutdown timeout = %v, want %v", srv.config.ShutdownTimeout, 10*time.Second)
	}
	if srv.adapter.config.MaxBodySize != 1024 {
		t.Errorf("adapter max body size = %d, want 1024", srv.adapter.config.MaxBodySize)
	}
}

func TestServerHealthAndReadiness(t *testing.T) {
	ready := errors.New("store unreachable")
	srv := NewServer(echoInvoker(), nil, WithReadiness(func(context.Context) error { return ready }))
	h := srv.Handler()

	rec := doRequest(t, h, "GET", "/healthz", "")
	if rec.Code != gohttp.StatusOK {
		t.Errorf("healthz status = %d, want 200", rec.Code)
	}

	rec = doRequest(t, h, "GET", "/readyz", "")
	if rec.Code != gohttp.StatusServiceUnavailable {
		t.Errorf("readyz status = %d, want 503", rec.Code)
	}

	ready = nil
	rec = doRequest(t, h, "GET", "/readyz", "")
	if rec.Code != gohttp.StatusOK {
		t.Errorf("readyz status after recovery = %d, want 200", rec.Code)
	}

	rec = doRequest(t, h, "GET", "/metrics", "")
	if rec.Code != gohttp.StatusOK {
		t.Errorf("metrics status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "composer_requests_total") {
		t.Error("metrics output lacks composer_requests_total")
	}
}

func TestServerAuthAndCallbackMount(t *testing.T) {
	var callbackPath string
	callback := gohttp.HandlerFunc(func(w gohttp.ResponseWriter, r *gohttp.Request) {
		callbackPath = r.URL.Path
		w.WriteHeader(gohttp.StatusNoContent)
	})

	chain := &auth.AuthChain{
		Authenticators:  []auth.Authenticator{tokenAuthn{token: "secret"}},
		DefaultDecision: auth.No,
	}
	srv := NewServer(echoInvoker(), nil, WithAuth(chain, nil), WithCallback(callback))
	h := srv.Handler()

	tests := []struct {
		name       string
		method     string
		path       string
		token      string
		wantStatus int
	}{
		{"chat without token", "POST", "/v1/pipelines/1/chat", "", gohttp.StatusUnauthorized},
		{"chat with wrong token", "POST", "/v1/pipelines/1/chat", "nope", gohttp.StatusUnauthorized},
		{"chat with token", "POST", "/v1/pipelines/1/chat", "secret", gohttp.StatusOK},
		{"health bypasses auth", "GET", "/healthz", "", gohttp.StatusOK},
		{"callback bypasses user auth", "POST", "/callback/state/1", "", gohttp.StatusNoContent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, strings.NewReader(`{"message":"hi"}`))
			req.Header.Set("Content-Type", "application/json")
			if tt.token != "" {
				req.Header.Set("Authorization", "Bearer "+tt.token)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d; body %s", rec.Code, tt.wantStatus, rec.Body.String())
			}
		})
	}

	if callbackPath != "/callback/state/1" {
		t.Errorf("callback saw path %q, want /callback/state/1", callbackPath)
	}
}
