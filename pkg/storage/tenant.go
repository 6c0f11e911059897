package storage

import (
	"context"
	"strconv"
)

type tenantKey struct{}

// SetTenant scopes ctx to one tenant. Tenant identifiers travel as strings
// because they come from identity metadata.
func SetTenant(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, tenantKey{}, tenantID)
}

// GetTenant returns the tenant ctx is scoped to, or "" when unscoped.
func GetTenant(ctx context.Context) string {
	if v, ok := ctx.Value(tenantKey{}).(string); ok {
		return v
	}
	return ""
}

// TenantID parses the tenant of ctx. It reports false when ctx is unscoped
// or the tenant is not numeric.
func TenantID(ctx context.Context) (int64, bool) {
	id, err := strconv.ParseInt(GetTenant(ctx), 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

// TenantAllowed reports whether a record owned by ownerID is visible in ctx.
// Unscoped contexts see every tenant.
func TenantAllowed(ctx context.Context, ownerID int64) bool {
	tenant := GetTenant(ctx)
	return tenant == "" || tenant == strconv.FormatInt(ownerID, 10)
}
