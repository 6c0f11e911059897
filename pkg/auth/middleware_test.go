package auth

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rhuss/composer/pkg/api"
	"github.com/rhuss/composer/pkg/storage"
)

// okHandler records the identity and tenant it was called with.
type okHandler struct {
	calls   int
	subject string
	tenant  string
}

func (h *okHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.calls++
	if id := IdentityFromContext(r.Context()); id != nil {
		h.subject = id.Subject
	}
	h.tenant = storage.GetTenant(r.Context())
	w.WriteHeader(http.StatusOK)
}

func accept(id *Identity) *mockAuthn {
	return &mockAuthn{result: AuthResult{Decision: Yes, Identity: id}}
}

func serveOnce(h http.Handler, method, path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, path, nil))
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) *api.APIError {
	t.Helper()
	var resp api.ErrorResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil || resp.Error == nil {
		t.Fatalf("decoding error body %q: %v", rec.Body.String(), err)
	}
	return resp.Error
}

func TestMiddlewareBypass(t *testing.T) {
	next := &okHandler{}
	h := Middleware(&AuthChain{DefaultDecision: No}, nil, []string{"/healthz", "/callback/"})(next)

	tests := []struct {
		path string
		want int
	}{
		{"/healthz", http.StatusOK},
		{"/callback/state/3", http.StatusOK},
		{"/callback/token/refresh", http.StatusOK},
		{"/callback", http.StatusUnauthorized},
		{"/healthz/extra", http.StatusUnauthorized},
		{"/v1/pipelines/3/chat", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			if rec := serveOnce(h, "GET", tt.path); rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

func TestMiddlewareDecisions(t *testing.T) {
	tests := []struct {
		name       string
		authn      Authenticator
		def        AuthDecision
		wantStatus int
		wantType   api.ErrorType
	}{
		{"rejected", no(), Yes, http.StatusUnauthorized, api.ErrorTypeInvalidRequest},
		{"all abstain, default no", abstain(), No, http.StatusUnauthorized, api.ErrorTypeInvalidRequest},
		{"yes without identity", &mockAuthn{result: AuthResult{Decision: Yes}}, No, http.StatusUnauthorized, api.ErrorTypeInvalidRequest},
		{"empty subject", &mockAuthn{result: AuthResult{Decision: Yes, Identity: &Identity{}}}, No, http.StatusInternalServerError, api.ErrorTypeServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			next := &okHandler{}
			chain := &AuthChain{Authenticators: []Authenticator{tt.authn}, DefaultDecision: tt.def}
			rec := serveOnce(Middleware(chain, nil, DefaultBypassEndpoints)(next), "POST", "/v1/pipelines/1/chat")

			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if next.calls != 0 {
				t.Error("next handler called")
			}
			if got := decodeError(t, rec); got.Type != tt.wantType {
				t.Errorf("error type = %q, want %q", got.Type, tt.wantType)
			}
			if tt.wantStatus == http.StatusUnauthorized && rec.Header().Get("WWW-Authenticate") == "" {
				t.Error("missing WWW-Authenticate")
			}
		})
	}
}

func TestMiddlewareInjectsIdentity(t *testing.T) {
	tests := []struct {
		name     string
		identity *Identity
		tenant   string
	}{
		{"scoped", (&Identity{Subject: "alice"}).WithTenant(7), "7"},
		{"unscoped", &Identity{Subject: "admin"}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			next := &okHandler{}
			chain := &AuthChain{Authenticators: []Authenticator{accept(tt.identity)}, DefaultDecision: No}
			rec := serveOnce(Middleware(chain, nil, DefaultBypassEndpoints)(next), "POST", "/v1/pipelines/1/chat")

			if rec.Code != http.StatusOK {
				t.Fatalf("status = %d, want 200", rec.Code)
			}
			if next.subject != tt.identity.Subject || next.tenant != tt.tenant {
				t.Errorf("subject %q tenant %q, want %q %q", next.subject, next.tenant, tt.identity.Subject, tt.tenant)
			}
		})
	}
}

func TestMiddlewareRateLimit(t *testing.T) {
	chain := &AuthChain{
		Authenticators:  []Authenticator{accept((&Identity{Subject: "alice", ServiceTier: "limited"}).WithTenant(1))},
		DefaultDecision: No,
	}
	limiter := NewInProcessLimiter(map[string]TierConfig{"limited": {RequestsPerMinute: 2}}, 100)
	next := &okHandler{}
	h := Middleware(chain, limiter, DefaultBypassEndpoints)(next)

	for i := range 2 {
		if rec := serveOnce(h, "POST", "/v1/pipelines/1/chat"); rec.Code != http.StatusOK {
			t.Fatalf("request %d: status = %d, want 200", i+1, rec.Code)
		}
	}
	rec := serveOnce(h, "POST", "/v1/pipelines/1/chat")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("third request: status = %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("missing Retry-After")
	}
	if got := decodeError(t, rec); got.Type != api.ErrorTypeTooManyRequests {
		t.Errorf("error type = %q", got.Type)
	}
	if next.calls != 2 {
		t.Errorf("next called %d times, want 2", next.calls)
	}

	// Health endpoints are never limited.
	if rec := serveOnce(h, "GET", "/healthz"); rec.Code != http.StatusOK {
		t.Errorf("healthz status = %d, want 200", rec.Code)
	}
}

func TestMiddlewareWithoutLimiter(t *testing.T) {
	chain := &AuthChain{Authenticators: []Authenticator{yes("alice")}}
	h := Middleware(chain, nil, DefaultBypassEndpoints)(&okHandler{})

	for i := range 50 {
		if rec := serveOnce(h, "POST", "/v1/pipelines/1/chat"); rec.Code != http.StatusOK {
			t.Fatalf("request %d: status = %d", i+1, rec.Code)
		}
	}
}
