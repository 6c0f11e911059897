// Package noop provides a development authenticator that accepts every
// request. The caller may scope itself to a tenant with the X-Tenant-ID
// header; nothing verifies the claim.
package noop

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"github.com/rhuss/composer/pkg/auth"
)

// TenantHeader selects the tenant of an unauthenticated caller.
const TenantHeader = "X-Tenant-ID"

// Authenticator always votes Yes, except for a malformed tenant header.
type Authenticator struct{}

var _ auth.Authenticator = Authenticator{}

func (Authenticator) Authenticate(_ context.Context, r *http.Request) auth.AuthResult {
	id := auth.Anonymous()

	if v := r.Header.Get(TenantHeader); v != "" {
		tenant, err := strconv.ParseInt(v, 10, 64)
		if err != nil || tenant <= 0 {
			return auth.AuthResult{Decision: auth.No, Err: fmt.Errorf("%s must be a positive integer: %w", TenantHeader, auth.ErrUnauthenticated)}
		}
		id.Subject = "anonymous@" + v
		id.WithTenant(tenant)
	}
	return auth.AuthResult{Decision: auth.Yes, Identity: id}
}
