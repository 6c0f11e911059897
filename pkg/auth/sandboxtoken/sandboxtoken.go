// Package sandboxtoken issues and verifies the short-lived credentials a
// pipeline process uses to call back into the control plane.
//
// Each invocation gets an access token and a refresh token, both HS256 JWTs
// bound to one tenant, one pipeline and one invocation ID. The access token
// authenticates callback requests; the refresh token can only mint new
// access tokens for the same invocation.
package sandboxtoken

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"

	"github.com/rhuss/composer/pkg/auth"
)

// Token types carried in the "typ" claim.
const (
	TypeAccess  = "access"
	TypeRefresh = "refresh"
)

// ServiceTier is assigned to every sandbox identity.
const ServiceTier = "sandbox"

const (
	metadataPipelineID   = "pipeline_id"
	metadataInvocationID = "invocation_id"
)

// Config holds the signing settings.
type Config struct {
	// Secret is the HMAC key. Required, at least 32 bytes.
	Secret []byte

	// Issuer is written to and required in the iss claim. Default: "composer".
	Issuer string

	// AccessTTL is the access token lifetime. Default: 15 minutes.
	AccessTTL time.Duration

	// RefreshTTL is the refresh token lifetime. Default: 24 hours.
	RefreshTTL time.Duration
}

func (c *Config) applyDefaults() {
	if c.Issuer == "" {
		c.Issuer = "composer"
	}
	if c.AccessTTL == 0 {
		c.AccessTTL = 15 * time.Minute
	}
	if c.RefreshTTL == 0 {
		c.RefreshTTL = 24 * time.Hour
	}
}

// Claims are the claims of a sandbox token.
type Claims struct {
	jwtlib.RegisteredClaims
	Type         string `json:"typ"`
	TenantID     int64  `json:"tenant_id"`
	PipelineID   int64  `json:"pipeline_id"`
	InvocationID string `json:"invocation_id"`
}

// Pair is the credential set handed to one invocation.
type Pair struct {
	Access  string
	Refresh string
}

var (
	ErrWrongType = errors.New("sandboxtoken: wrong token type")
	ErrInvalid   = errors.New("sandboxtoken: invalid token")
)

// Issuer mints and verifies sandbox tokens.
type Issuer struct {
	cfg Config
	now func() time.Time
}

// New creates an Issuer.
func New(cfg Config) (*Issuer, error) {
	if len(cfg.Secret) < 32 {
		return nil, fmt.Errorf("sandboxtoken: secret must be at least 32 bytes, got %d", len(cfg.Secret))
	}
	cfg.applyDefaults()
	return &Issuer{cfg: cfg, now: time.Now}, nil
}

// Issue mints the credential pair of one invocation.
func (i *Issuer) Issue(tenantID, pipelineID int64, invocationID string) (Pair, error) {
	access, err := i.sign(TypeAccess, tenantID, pipelineID, invocationID, i.cfg.AccessTTL)
	if err != nil {
		return Pair{}, err
	}
	refresh, err := i.sign(TypeRefresh, tenantID, pipelineID, invocationID, i.cfg.RefreshTTL)
	if err != nil {
		return Pair{}, err
	}
	return Pair{Access: access, Refresh: refresh}, nil
}

func (i *Issuer) sign(typ string, tenantID, pipelineID int64, invocationID string, ttl time.Duration) (string, error) {
	now := i.now()
	claims := Claims{
		RegisteredClaims: jwtlib.RegisteredClaims{
			Issuer:    i.cfg.Issuer,
			Subject:   invocationID,
			IssuedAt:  jwtlib.NewNumericDate(now),
			NotBefore: jwtlib.NewNumericDate(now),
			ExpiresAt: jwtlib.NewNumericDate(now.Add(ttl)),
		},
		Type:         typ,
		TenantID:     tenantID,
		PipelineID:   pipelineID,
		InvocationID: invocationID,
	}
	signed, err := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims).SignedString(i.cfg.Secret)
	if err != nil {
		return "", fmt.Errorf("signing %s token: %w", typ, err)
	}
	return signed, nil
}

// Parse verifies a token and checks its type.
func (i *Issuer) Parse(token, typ string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwtlib.ParseWithClaims(token, claims,
		func(*jwtlib.Token) (any, error) { return i.cfg.Secret, nil },
		jwtlib.WithValidMethods([]string{jwtlib.SigningMethodHS256.Alg()}),
		jwtlib.WithIssuer(i.cfg.Issuer),
		jwtlib.WithExpirationRequired(),
		jwtlib.WithTimeFunc(i.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if claims.Type != typ {
		return nil, fmt.Errorf("%w: got %q, want %q", ErrWrongType, claims.Type, typ)
	}
	if claims.InvocationID == "" || claims.PipelineID == 0 {
		return nil, fmt.Errorf("%w: missing invocation binding", ErrInvalid)
	}
	return claims, nil
}

// Refresh exchanges a refresh token for a new access token of the same
// invocation.
func (i *Issuer) Refresh(refresh string) (string, error) {
	c, err := i.Parse(refresh, TypeRefresh)
	if err != nil {
		return "", err
	}
	return i.sign(TypeAccess, c.TenantID, c.PipelineID, c.InvocationID, i.cfg.AccessTTL)
}

// Authenticate implements auth.Authenticator for callback requests. Only
// access tokens are accepted.
func (i *Issuer) Authenticate(_ context.Context, r *http.Request) auth.AuthResult {
	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		return auth.AuthResult{Decision: auth.Abstain}
	}
	token := strings.TrimPrefix(header, "Bearer ")
	if token == "" {
		return auth.AuthResult{Decision: auth.No, Err: auth.ErrUnauthenticated}
	}

	c, err := i.Parse(token, TypeAccess)
	if err != nil {
		return auth.AuthResult{Decision: auth.No, Err: err}
	}
	return auth.AuthResult{
		Decision: auth.Yes,
		Identity: (&auth.Identity{
			Subject:     c.InvocationID,
			ServiceTier: ServiceTier,
			Metadata: map[string]string{
				metadataPipelineID:   strconv.FormatInt(c.PipelineID, 10),
				metadataInvocationID: c.InvocationID,
			},
		}).WithTenant(c.TenantID),
	}
}

var _ auth.Authenticator = (*Issuer)(nil)

// Binding is the invocation a sandbox identity is bound to.
type Binding struct {
	TenantID     int64
	PipelineID   int64
	InvocationID string
}

// FromIdentity recovers the binding of an identity produced by
// Authenticate.
func FromIdentity(id *auth.Identity) (Binding, bool) {
	if id == nil || id.ServiceTier != ServiceTier || id.Metadata == nil {
		return Binding{}, false
	}
	tenant, ok := id.Tenant()
	if !ok {
		return Binding{}, false
	}
	pipeline, err := strconv.ParseInt(id.Metadata[metadataPipelineID], 10, 64)
	if err != nil {
		return Binding{}, false
	}
	inv := id.Metadata[metadataInvocationID]
	if inv == "" {
		return Binding{}, false
	}
	return Binding{TenantID: tenant, PipelineID: pipeline, InvocationID: inv}, true
}
