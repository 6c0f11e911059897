package sandboxtoken

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"

	"github.com/rhuss/composer/pkg/auth"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

func newIssuer(t *testing.T) *Issuer {
	t.Helper()
	i, err := New(Config{Secret: testSecret})
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	return i
}

func TestNewRejectsShortSecret(t *testing.T) {
	if _, err := New(Config{Secret: []byte("short")}); err == nil {
		t.Error("New() accepted a short secret")
	}
}

func TestIssueAndParse(t *testing.T) {
	i := newIssuer(t)
	pair, err := i.Issue(3, 11, "inv_abc")
	if err != nil {
		t.Fatalf("Issue error: %v", err)
	}

	c, err := i.Parse(pair.Access, TypeAccess)
	if err != nil {
		t.Fatalf("Parse access error: %v", err)
	}
	if c.TenantID != 3 || c.PipelineID != 11 || c.InvocationID != "inv_abc" {
		t.Errorf("claims = %+v", c)
	}

	if _, err := i.Parse(pair.Refresh, TypeAccess); !errors.Is(err, ErrWrongType) {
		t.Errorf("refresh used as access: error = %v, want ErrWrongType", err)
	}
	if _, err := i.Parse(pair.Access, TypeRefresh); !errors.Is(err, ErrWrongType) {
		t.Errorf("access used as refresh: error = %v, want ErrWrongType", err)
	}
}

func TestParseRejects(t *testing.T) {
	i := newIssuer(t)
	pair, err := i.Issue(1, 2, "inv_x")
	if err != nil {
		t.Fatalf("Issue error: %v", err)
	}

	other, err := New(Config{Secret: []byte("ffffffffffffffffffffffffffffffff")})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := other.Parse(pair.Access, TypeAccess); !errors.Is(err, ErrInvalid) {
		t.Errorf("foreign secret: error = %v, want ErrInvalid", err)
	}

	i.now = func() time.Time { return time.Now().Add(time.Hour) }
	if _, err := i.Parse(pair.Access, TypeAccess); !errors.Is(err, ErrInvalid) {
		t.Errorf("expired token: error = %v, want ErrInvalid", err)
	}

	none := jwtlib.NewWithClaims(jwtlib.SigningMethodNone, Claims{Type: TypeAccess, PipelineID: 2, InvocationID: "inv_x"})
	unsigned, err := none.SignedString(jwtlib.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := newIssuer(t).Parse(unsigned, TypeAccess); !errors.Is(err, ErrInvalid) {
		t.Errorf("alg none: error = %v, want ErrInvalid", err)
	}
}

func TestRefresh(t *testing.T) {
	i := newIssuer(t)
	pair, err := i.Issue(5, 6, "inv_r")
	if err != nil {
		t.Fatalf("Issue error: %v", err)
	}

	access, err := i.Refresh(pair.Refresh)
	if err != nil {
		t.Fatalf("Refresh error: %v", err)
	}
	c, err := i.Parse(access, TypeAccess)
	if err != nil {
		t.Fatalf("Parse refreshed token: %v", err)
	}
	if c.InvocationID != "inv_r" || c.PipelineID != 6 {
		t.Errorf("refreshed claims = %+v", c)
	}

	if _, err := i.Refresh(pair.Access); err == nil {
		t.Error("Refresh accepted an access token")
	}
}

func TestAuthenticate(t *testing.T) {
	i := newIssuer(t)
	pair, err := i.Issue(9, 4, "inv_q")
	if err != nil {
		t.Fatalf("Issue error: %v", err)
	}

	tests := []struct {
		name   string
		header string
		want   auth.AuthDecision
	}{
		{"no header", "", auth.Abstain},
		{"basic auth", "Basic dXNlcjpwYXNz", auth.Abstain},
		{"empty bearer", "Bearer ", auth.No},
		{"garbage", "Bearer not.a.token", auth.No},
		{"refresh token", "Bearer " + pair.Refresh, auth.No},
		{"access token", "Bearer " + pair.Access, auth.Yes},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/callback/state/4", nil)
			if tt.header != "" {
				r.Header.Set("Authorization", tt.header)
			}
			res := i.Authenticate(context.Background(), r)
			if res.Decision != tt.want {
				t.Fatalf("Decision = %v, want %v (err %v)", res.Decision, tt.want, res.Err)
			}
			if tt.want != auth.Yes {
				return
			}
			b, ok := FromIdentity(res.Identity)
			if !ok {
				t.Fatal("FromIdentity failed")
			}
			if b != (Binding{TenantID: 9, PipelineID: 4, InvocationID: "inv_q"}) {
				t.Errorf("binding = %+v", b)
			}
			if res.Identity.TenantID() != "9" {
				t.Errorf("TenantID() = %q", res.Identity.TenantID())
			}
		})
	}
}

func TestFromIdentityRejectsUserIdentity(t *testing.T) {
	id := &auth.Identity{Subject: "alice", ServiceTier: "default", Metadata: map[string]string{"tenant_id": "1"}}
	if _, ok := FromIdentity(id); ok {
		t.Error("FromIdentity accepted a user identity")
	}
	if _, ok := FromIdentity(nil); ok {
		t.Error("FromIdentity accepted nil")
	}
}
