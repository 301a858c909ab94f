package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/hotelkey/keyservice/internal/model"
	"github.com/hotelkey/keyservice/internal/store"
	"github.com/hotelkey/keyservice/internal/store/storetest"
)

func insertTestKey(t *testing.T, f *storetest.Fixture, eco model.Ecosystem, updated time.Time) *model.Key {
	t.Helper()
	serial := uuid.NewString()
	k := &model.Key{
		ID:            uuid.NewString(),
		ReservationID: f.Reservation.ID,
		Serial:        serial,
		AuthToken:     serial,
		Ecosystem:     eco,
		ValidFrom:     storetest.CheckIn,
		ValidUntil:    storetest.CheckOut,
		IsActive:      true,
		Status:        model.KeyStatusCreated,
		CreatedAt:     updated,
		UpdatedAt:     updated,
	}
	_, err := store.InTx(context.Background(), f.DB, func(tx *store.Tx) error {
		if err := tx.InsertKey(context.Background(), k); err != nil {
			return err
		}
		return tx.AppendEvent(context.Background(), &model.KeyEvent{KeyID: k.ID, Type: model.EventCreated, CreatedAt: updated})
	})
	if err != nil {
		t.Fatalf("insert key: %v", err)
	}
	return k
}

func TestKeyRoundTrip(t *testing.T) {
	f := storetest.New(t)
	ks := store.NewKeyStore(f.DB)
	ctx := context.Background()

	created := insertTestKey(t, f, model.EcosystemApple, time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))

	k, err := ks.GetBySerial(ctx, created.Serial)
	if err != nil {
		t.Fatalf("get by serial: %v", err)
	}
	if k == nil {
		t.Fatal("expected key, got nil")
	}
	if !k.ValidFrom.Equal(storetest.CheckIn) {
		t.Errorf("valid_from = %v, want %v", k.ValidFrom, storetest.CheckIn)
	}
	if k.Status != model.KeyStatusCreated || !k.IsActive {
		t.Errorf("status = %q active = %v, want created/true", k.Status, k.IsActive)
	}
	if k.ActivatedAt != nil {
		t.Errorf("activated_at = %v, want nil", k.ActivatedAt)
	}

	missing, err := ks.GetByID(ctx, "nope")
	if err != nil {
		t.Fatalf("get missing: %v", err)
	}
	if missing != nil {
		t.Error("expected nil for missing key")
	}
}

func TestKeyDetail(t *testing.T) {
	f := storetest.New(t)
	ks := store.NewKeyStore(f.DB)
	k := insertTestKey(t, f, model.EcosystemApple, time.Now())

	d, err := ks.Detail(context.Background(), k.ID)
	if err != nil {
		t.Fatalf("detail: %v", err)
	}
	if d.Room.LockID != storetest.LockID {
		t.Errorf("lock id = %q, want %q", d.Room.LockID, storetest.LockID)
	}
	if d.Guest.FullName() != "Ada Lovelace" {
		t.Errorf("guest = %q, want %q", d.Guest.FullName(), "Ada Lovelace")
	}
	if d.Hotel.Name != "Grand Test Hotel" {
		t.Errorf("hotel = %q", d.Hotel.Name)
	}
}

func TestKeyNaiveStoredTimesUseHotelZone(t *testing.T) {
	f := storetest.New(t)
	ctx := context.Background()
	if _, err := f.DB.Exec("UPDATE hotels SET time_zone = 'America/New_York' WHERE id = ?", f.Hotel.ID); err != nil {
		t.Fatalf("set zone: %v", err)
	}
	k := insertTestKey(t, f, model.EcosystemApple, time.Now())
	if _, err := f.DB.Exec("UPDATE digital_keys SET valid_until = '2025-01-12 11:00:00' WHERE id = ?", k.ID); err != nil {
		t.Fatalf("write naive time: %v", err)
	}

	got, err := store.NewKeyStore(f.DB).GetByID(ctx, k.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	want := time.Date(2025, 1, 12, 16, 0, 0, 0, time.UTC)
	if !got.ValidUntil.Equal(want) {
		t.Errorf("valid_until = %v, want %v", got.ValidUntil, want)
	}
}

func TestChangedSince(t *testing.T) {
	f := storetest.New(t)
	ks := store.NewKeyStore(f.DB)
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	old := insertTestKey(t, f, model.EcosystemGoogle, base)
	recent := insertTestKey(t, f, model.EcosystemGoogle, base.Add(2*time.Hour))
	insertTestKey(t, f, model.EcosystemApple, base.Add(3*time.Hour))

	all, err := ks.ChangedSince(context.Background(), model.EcosystemGoogle, time.Time{})
	if err != nil {
		t.Fatalf("changed since zero: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("len = %d, want 2", len(all))
	}
	if all[0].Serial != old.Serial {
		t.Errorf("first serial = %q, want oldest", all[0].Serial)
	}

	some, err := ks.ChangedSince(context.Background(), model.EcosystemGoogle, base.Add(time.Hour))
	if err != nil {
		t.Fatalf("changed since: %v", err)
	}
	if len(some) != 1 || some[0].Serial != recent.Serial {
		t.Errorf("changed since = %+v, want only %q", some, recent.Serial)
	}
}

func TestSetPassURLKeepsWatermark(t *testing.T) {
	f := storetest.New(t)
	ks := store.NewKeyStore(f.DB)
	ctx := context.Background()
	updated := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	k := insertTestKey(t, f, model.EcosystemApple, updated)

	if err := ks.SetPassURL(ctx, k.ID, "https://example.com/apple/hotelkey_x.pkpass"); err != nil {
		t.Fatalf("set pass url: %v", err)
	}
	got, _ := ks.GetByID(ctx, k.ID)
	if got.PassURL != "https://example.com/apple/hotelkey_x.pkpass" {
		t.Errorf("pass url = %q", got.PassURL)
	}
	if !got.UpdatedAt.Equal(updated) {
		t.Errorf("updated_at moved to %v", got.UpdatedAt)
	}
}
