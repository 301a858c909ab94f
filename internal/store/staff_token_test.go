package store_test

import (
	"context"
	"strings"
	"testing"

	"github.com/hotelkey/keyservice/internal/model"
	"github.com/hotelkey/keyservice/internal/store"
	"github.com/hotelkey/keyservice/internal/store/storetest"
)

func TestStaffTokenAuthenticate(t *testing.T) {
	f := storetest.New(t)
	ts := store.NewStaffTokenStore(f.DB)
	ctx := context.Background()

	plain, tok, err := ts.Create(ctx, "front desk", model.RoleStaff)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if !strings.HasPrefix(plain, "hk_") {
		t.Errorf("token = %q, want hk_ prefix", plain)
	}

	got, err := ts.Authenticate(ctx, plain)
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if got == nil || got.ID != tok.ID || got.Role != model.RoleStaff {
		t.Fatalf("authenticate = %+v", got)
	}
	if got.LastUsedAt == nil {
		t.Error("expected last_used_at to be stamped")
	}

	for _, bad := range []string{"", "hk_", "nope", plain + "x", "hk_" + tok.Prefix + "_wrong"} {
		got, err := ts.Authenticate(ctx, bad)
		if err != nil {
			t.Fatalf("authenticate %q: %v", bad, err)
		}
		if got != nil {
			t.Errorf("authenticate %q succeeded", bad)
		}
	}

	if err := ts.Revoke(ctx, tok.ID); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if got, _ := ts.Authenticate(ctx, plain); got != nil {
		t.Error("revoked token still authenticates")
	}
}

func TestStaffTokenRejectsUnknownRole(t *testing.T) {
	f := storetest.New(t)
	if _, _, err := store.NewStaffTokenStore(f.DB).Create(context.Background(), "x", "root"); err == nil {
		t.Error("expected error for unknown role")
	}
}
