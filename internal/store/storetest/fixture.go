// Package storetest builds an in-memory database with one hotel, room, guest
// and confirmed reservation for tests across packages.
package storetest

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/hotelkey/keyservice/internal/database"
	"github.com/hotelkey/keyservice/internal/model"
	"github.com/hotelkey/keyservice/internal/store"
	"github.com/stretchr/testify/require"
)

var (
	CheckIn  = time.Date(2025, 1, 10, 14, 0, 0, 0, time.UTC)
	CheckOut = time.Date(2025, 1, 12, 11, 0, 0, 0, time.UTC)
)

const LockID = "LOCK-101"

type Fixture struct {
	DB           *sql.DB
	Reservations *store.ReservationStore
	Hotel        *model.Hotel
	Room         *model.Room
	Guest        *model.Guest
	Reservation  *model.Reservation
}

func New(t testing.TB) *Fixture {
	t.Helper()
	db, err := database.Open(":memory:")
	require.NoError(t, err, "open test db")
	t.Cleanup(func() { db.Close() })

	ctx := context.Background()
	rs := store.NewReservationStore(db)

	hotel, err := rs.CreateHotel(ctx, model.Hotel{Name: "Grand Test Hotel", City: "Lisbon", TimeZone: "UTC"})
	require.NoError(t, err)
	room, err := rs.CreateRoom(ctx, model.Room{HotelID: hotel.ID, RoomNumber: "101", Floor: 1, LockID: LockID})
	require.NoError(t, err)
	guest, err := rs.CreateGuest(ctx, model.Guest{Email: "ada@example.com", FirstName: "Ada", LastName: "Lovelace"})
	require.NoError(t, err)

	f := &Fixture{DB: db, Reservations: rs, Hotel: hotel, Room: room, Guest: guest}
	f.Reservation = f.AddReservation(t, model.ReservationConfirmed)
	return f
}

// AddReservation books the fixture room for the standard stay.
func (f *Fixture) AddReservation(t testing.TB, status model.ReservationStatus) *model.Reservation {
	t.Helper()
	r, err := f.Reservations.CreateReservation(context.Background(), model.Reservation{
		GuestID:  f.Guest.ID,
		RoomID:   f.Room.ID,
		CheckIn:  CheckIn,
		CheckOut: CheckOut,
		Status:   status,
	})
	require.NoError(t, err)
	return r
}
