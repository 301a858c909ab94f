package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hotelkey/keyservice/internal/model"
)

// ReservationStore is the storage boundary for hotels, rooms, guests and
// reservations. Their management lives elsewhere; the key service reads them
// and only ever moves a reservation's checkout.
type ReservationStore struct {
	db  *sql.DB
	now func() time.Time
}

func NewReservationStore(db *sql.DB) *ReservationStore {
	return &ReservationStore{db: db, now: time.Now}
}

const reservationCols = `r.id, r.guest_id, r.room_id, r.confirmation_code, r.check_in, r.check_out,
	r.status, r.number_of_guests, r.created_at, r.updated_at, COALESCE(h.time_zone, 'UTC')`

func scanReservation(scanner interface{ Scan(...any) error }) (*model.Reservation, error) {
	var (
		r                                     model.Reservation
		status, tz                            string
		checkIn, checkOut, created, updatedAt string
	)
	err := scanner.Scan(&r.ID, &r.GuestID, &r.RoomID, &r.ConfirmationCode, &checkIn, &checkOut,
		&status, &r.NumberOfGuests, &created, &updatedAt, &tz)
	if err != nil {
		return nil, err
	}
	r.Status = model.ReservationStatus(status)
	loc := loadLocation(tz)
	if r.CheckIn, err = parseTime(checkIn, loc); err != nil {
		return nil, err
	}
	if r.CheckOut, err = parseTime(checkOut, loc); err != nil {
		return nil, err
	}
	if r.CreatedAt, err = parseTime(created, loc); err != nil {
		return nil, err
	}
	if r.UpdatedAt, err = parseTime(updatedAt, loc); err != nil {
		return nil, err
	}
	return &r, nil
}

func getReservation(ctx context.Context, q querier, id string) (*model.Reservation, error) {
	row := q.QueryRowContext(ctx,
		"SELECT "+reservationCols+` FROM reservations r
		 LEFT JOIN rooms m ON m.id = r.room_id
		 LEFT JOIN hotels h ON h.id = m.hotel_id
		 WHERE r.id = ?`, id)
	r, err := scanReservation(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query reservation: %w", err)
	}
	return r, nil
}

func getRoom(ctx context.Context, q querier, id string) (*model.Room, error) {
	var rm model.Room
	var created string
	err := q.QueryRowContext(ctx,
		"SELECT id, hotel_id, room_number, floor, room_type, nfc_lock_id, is_active, created_at FROM rooms WHERE id = ?",
		id,
	).Scan(&rm.ID, &rm.HotelID, &rm.RoomNumber, &rm.Floor, &rm.RoomType, &rm.LockID, &rm.IsActive, &created)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query room: %w", err)
	}
	if rm.CreatedAt, err = parseTime(created, time.UTC); err != nil {
		return nil, err
	}
	return &rm, nil
}

func getGuest(ctx context.Context, q querier, id string) (*model.Guest, error) {
	var g model.Guest
	var created string
	err := q.QueryRowContext(ctx,
		"SELECT id, email, first_name, last_name, phone, created_at FROM guests WHERE id = ?",
		id,
	).Scan(&g.ID, &g.Email, &g.FirstName, &g.LastName, &g.Phone, &created)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query guest: %w", err)
	}
	if g.CreatedAt, err = parseTime(created, time.UTC); err != nil {
		return nil, err
	}
	return &g, nil
}

func getHotel(ctx context.Context, q querier, id string) (*model.Hotel, error) {
	var h model.Hotel
	var created string
	err := q.QueryRowContext(ctx,
		"SELECT id, name, address, city, country, phone, email, time_zone, created_at FROM hotels WHERE id = ?",
		id,
	).Scan(&h.ID, &h.Name, &h.Address, &h.City, &h.Country, &h.Phone, &h.Email, &h.TimeZone, &created)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query hotel: %w", err)
	}
	if h.CreatedAt, err = parseTime(created, time.UTC); err != nil {
		return nil, err
	}
	return &h, nil
}

func (s *ReservationStore) GetReservation(ctx context.Context, id string) (*model.Reservation, error) {
	return getReservation(ctx, s.db, id)
}

func (s *ReservationStore) GetRoom(ctx context.Context, id string) (*model.Room, error) {
	return getRoom(ctx, s.db, id)
}

func (s *ReservationStore) GetGuest(ctx context.Context, id string) (*model.Guest, error) {
	return getGuest(ctx, s.db, id)
}

func (s *ReservationStore) GetHotel(ctx context.Context, id string) (*model.Hotel, error) {
	return getHotel(ctx, s.db, id)
}

func (s *ReservationStore) CreateHotel(ctx context.Context, h model.Hotel) (*model.Hotel, error) {
	if h.ID == "" {
		h.ID = uuid.NewString()
	}
	if h.TimeZone == "" {
		h.TimeZone = "UTC"
	}
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO hotels (id, name, address, city, country, phone, email, time_zone, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)",
		h.ID, h.Name, h.Address, h.City, h.Country, h.Phone, h.Email, h.TimeZone, formatTime(s.now()),
	)
	if err != nil {
		return nil, fmt.Errorf("insert hotel: %w", err)
	}
	return s.GetHotel(ctx, h.ID)
}

func (s *ReservationStore) CreateRoom(ctx context.Context, rm model.Room) (*model.Room, error) {
	if rm.ID == "" {
		rm.ID = uuid.NewString()
	}
	if rm.RoomType == "" {
		rm.RoomType = "standard"
	}
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO rooms (id, hotel_id, room_number, floor, room_type, nfc_lock_id, is_active, created_at) VALUES (?, ?, ?, ?, ?, ?, 1, ?)",
		rm.ID, rm.HotelID, rm.RoomNumber, rm.Floor, rm.RoomType, rm.LockID, formatTime(s.now()),
	)
	if err != nil {
		return nil, fmt.Errorf("insert room: %w", err)
	}
	return s.GetRoom(ctx, rm.ID)
}

func (s *ReservationStore) CreateGuest(ctx context.Context, g model.Guest) (*model.Guest, error) {
	if g.ID == "" {
		g.ID = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO guests (id, email, first_name, last_name, phone, created_at) VALUES (?, ?, ?, ?, ?, ?)",
		g.ID, g.Email, g.FirstName, g.LastName, g.Phone, formatTime(s.now()),
	)
	if err != nil {
		return nil, fmt.Errorf("insert guest: %w", err)
	}
	return s.GetGuest(ctx, g.ID)
}

func (s *ReservationStore) CreateReservation(ctx context.Context, r model.Reservation) (*model.Reservation, error) {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.ConfirmationCode == "" {
		r.ConfirmationCode = uuid.NewString()[:8]
	}
	if r.Status == "" {
		r.Status = model.ReservationPending
	}
	if r.NumberOfGuests == 0 {
		r.NumberOfGuests = 1
	}
	now := formatTime(s.now())
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO reservations (id, guest_id, room_id, confirmation_code, check_in, check_out, status, number_of_guests, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.GuestID, r.RoomID, r.ConfirmationCode, formatTime(r.CheckIn), formatTime(r.CheckOut),
		string(r.Status), r.NumberOfGuests, now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("insert reservation: %w", err)
	}
	return s.GetReservation(ctx, r.ID)
}

// SetStatus changes a reservation's status, e.g. on check-in or cancellation.
func (s *ReservationStore) SetStatus(ctx context.Context, id string, status model.ReservationStatus) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE reservations SET status = ?, updated_at = ? WHERE id = ?",
		string(status), formatTime(s.now()), id,
	)
	if err != nil {
		return fmt.Errorf("update reservation status: %w", err)
	}
	return nil
}
