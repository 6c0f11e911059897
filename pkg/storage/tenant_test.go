package storage

import (
	"context"
	"testing"
)

func TestTenantContext(t *testing.T) {
	ctx := context.Background()
	if got := GetTenant(ctx); got != "" {
		t.Errorf("GetTenant(unscoped) = %q, want empty", got)
	}
	if _, ok := TenantID(ctx); ok {
		t.Error("TenantID(unscoped) reported a tenant")
	}

	ctx = SetTenant(ctx, "7")
	if got := GetTenant(ctx); got != "7" {
		t.Errorf("GetTenant = %q, want %q", got, "7")
	}
	if id, ok := TenantID(ctx); !ok || id != 7 {
		t.Errorf("TenantID = %d, %v; want 7, true", id, ok)
	}

	ctx = SetTenant(ctx, "8")
	if id, _ := TenantID(ctx); id != 8 {
		t.Errorf("TenantID after override = %d, want 8", id)
	}

	if _, ok := TenantID(SetTenant(context.Background(), "alice")); ok {
		t.Error("TenantID accepted a non-numeric tenant")
	}
}

func TestTenantKeyIsPrivate(t *testing.T) {
	ctx := context.WithValue(context.Background(), "tenant", "7") //nolint:staticcheck
	if got := GetTenant(ctx); got != "" {
		t.Errorf("GetTenant read a foreign key: %q", got)
	}
}

func TestTenantAllowed(t *testing.T) {
	tests := []struct {
		name   string
		tenant string
		owner  int64
		want   bool
	}{
		{"unscoped", "", 5, true},
		{"same tenant", "5", 5, true},
		{"other tenant", "6", 5, false},
		{"non numeric tenant", "alice", 5, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			if tt.tenant != "" {
				ctx = SetTenant(ctx, tt.tenant)
			}
			if got := TenantAllowed(ctx, tt.owner); got != tt.want {
				t.Errorf("TenantAllowed() = %v, want %v", got, tt.want)
			}
		})
	}
}
