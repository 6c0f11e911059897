package auth

import (
	"context"
	"maps"
	"strconv"
)

// Metadata keys shared by the authenticators.
const (
	MetadataTenantID = "tenant_id"
)

// DefaultTier is the service tier of identities that name none.
const DefaultTier = "default"

// Identity is an authenticated caller.
type Identity struct {
	Subject     string // required
	ServiceTier string
	Scopes      []string

	// Metadata carries authenticator-specific values. MetadataTenantID
	// scopes the caller to the pipelines of one tenant; without it the
	// caller is unscoped.
	Metadata map[string]string
}

// Anonymous returns the unscoped identity of an unauthenticated caller.
func Anonymous() *Identity {
	return &Identity{Subject: "anonymous", ServiceTier: DefaultTier}
}

// WithTenant records tenantID on id and returns id. Zero leaves id unscoped.
func (id *Identity) WithTenant(tenantID int64) *Identity {
	if tenantID == 0 {
		return id
	}
	if id.Metadata == nil {
		id.Metadata = make(map[string]string, 1)
	}
	id.Metadata[MetadataTenantID] = strconv.FormatInt(tenantID, 10)
	return id
}

// TenantID returns the raw tenant metadata, or "" for an unscoped caller.
func (id *Identity) TenantID() string {
	if id == nil {
		return ""
	}
	return id.Metadata[MetadataTenantID]
}

// Tenant returns the numeric tenant of id. ok is false for an unscoped or
// malformed tenant.
func (id *Identity) Tenant() (tenantID int64, ok bool) {
	v := id.TenantID()
	if v == "" {
		return 0, false
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}

// Clone returns a deep copy of id.
func (id *Identity) Clone() *Identity {
	if id == nil {
		return nil
	}
	c := *id
	c.Scopes = append([]string(nil), id.Scopes...)
	c.Metadata = maps.Clone(id.Metadata)
	return &c
}

type identityKey struct{}

// SetIdentity stores the authenticated identity in the context.
func SetIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// IdentityFromContext returns the authenticated identity, or nil.
func IdentityFromContext(ctx context.Context) *Identity {
	id, _ := ctx.Value(identityKey{}).(*Identity)
	return id
}
