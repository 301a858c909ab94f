package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/hotelkey/keyservice/internal/model"
	"github.com/hotelkey/keyservice/internal/store"
	"github.com/hotelkey/keyservice/internal/store/storetest"
)

func TestRegistrationLifecycle(t *testing.T) {
	f := storetest.New(t)
	k := insertTestKey(t, f, model.EcosystemApple, time.Now())
	rs := store.NewRegistrationStore(f.DB)
	ctx := context.Background()

	reg, created, err := rs.Upsert(ctx, k.ID, "device-a", "pass.test", k.Serial, "token-1")
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if !created || !reg.Active {
		t.Errorf("created = %v active = %v, want true/true", created, reg.Active)
	}

	_, created, err = rs.Upsert(ctx, k.ID, "device-a", "pass.test", k.Serial, "token-2")
	if err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	if created {
		t.Error("expected existing registration on second upsert")
	}

	changed, err := rs.Deactivate(ctx, "device-a", "pass.test", k.Serial)
	if err != nil || !changed {
		t.Fatalf("deactivate: changed=%v err=%v", changed, err)
	}
	active, _ := rs.ListActive(ctx, "pass.test", k.Serial)
	if len(active) != 0 {
		t.Errorf("active = %d, want 0", len(active))
	}
	all, _ := rs.ListBySerial(ctx, k.Serial)
	if len(all) != 1 {
		t.Errorf("soft delete kept %d rows, want 1", len(all))
	}

	reg, created, err = rs.Upsert(ctx, k.ID, "device-a", "pass.test", k.Serial, "token-3")
	if err != nil {
		t.Fatalf("reactivate: %v", err)
	}
	if !created || !reg.Active || reg.PushToken != "token-3" {
		t.Errorf("reactivated = %+v created = %v", reg, created)
	}
}

func TestRegistrationCascadesWithKey(t *testing.T) {
	f := storetest.New(t)
	k := insertTestKey(t, f, model.EcosystemApple, time.Now())
	rs := store.NewRegistrationStore(f.DB)
	ctx := context.Background()

	if _, _, err := rs.Upsert(ctx, k.ID, "device-a", "pass.test", k.Serial, "tok"); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if _, err := f.DB.Exec("DELETE FROM digital_keys WHERE id = ?", k.ID); err != nil {
		t.Fatalf("delete key: %v", err)
	}
	all, err := rs.ListBySerial(ctx, k.Serial)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 0 {
		t.Errorf("registrations = %d after key delete, want 0", len(all))
	}
}
