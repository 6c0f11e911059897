// Package storage defines the control-plane persistence contract and the
// helpers shared by its adapters (memory, postgres): sentinel errors and
// tenant context scoping.
//
// When a tenant is present in the context, every lookup is restricted to
// records of that tenant and records of other tenants are reported as
// ErrNotFound.
package storage
