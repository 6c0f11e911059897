// Package apikey authenticates users by static bearer keys. Each key is bound
// to one subject and one tenant; keys are kept only as SHA-256 hashes and
// compared in constant time.
package apikey

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/rhuss/composer/pkg/auth"
)

// Entry configures one key.
type Entry struct {
	Key         string
	Subject     string
	TenantID    int64 // 0 leaves the identity unscoped
	ServiceTier string
}

type hashedKey struct {
	hash     [32]byte
	identity *auth.Identity
}

// Authenticator validates bearer tokens against a static key store.
type Authenticator struct {
	keys []hashedKey
}

var _ auth.Authenticator = (*Authenticator)(nil)

// New creates an authenticator. Plaintext keys are not retained.
func New(entries []Entry) *Authenticator {
	a := &Authenticator{keys: make([]hashedKey, 0, len(entries))}
	for _, e := range entries {
		id := (&auth.Identity{Subject: e.Subject, ServiceTier: e.ServiceTier}).WithTenant(e.TenantID)
		if id.ServiceTier == "" {
			id.ServiceTier = auth.DefaultTier
		}
		a.keys = append(a.keys, hashedKey{hash: sha256.Sum256([]byte(e.Key)), identity: id})
	}
	return a
}

// Authenticate abstains without a bearer token and votes No for an unknown
// key.
func (a *Authenticator) Authenticate(_ context.Context, r *http.Request) auth.AuthResult {
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok {
		return auth.AuthResult{Decision: auth.Abstain}
	}
	if token == "" {
		return auth.AuthResult{Decision: auth.No, Err: auth.ErrUnauthenticated}
	}

	tokenHash := sha256.Sum256([]byte(token))

	match := -1
	for i := range a.keys {
		if subtle.ConstantTimeCompare(tokenHash[:], a.keys[i].hash[:]) == 1 && match < 0 {
			match = i
		}
	}
	if match < 0 {
		return auth.AuthResult{Decision: auth.No, Err: auth.ErrUnauthenticated}
	}

	return auth.AuthResult{Decision: auth.Yes, Identity: a.keys[match].identity.Clone()}
}
