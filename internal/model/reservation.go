package model

import (
	"strings"
	"time"
)

type ReservationStatus string

const (
	ReservationPending    ReservationStatus = "pending"
	ReservationConfirmed  ReservationStatus = "confirmed"
	ReservationCheckedIn  ReservationStatus = "checked_in"
	ReservationCheckedOut ReservationStatus = "checked_out"
	ReservationCancelled  ReservationStatus = "cancelled"
	ReservationNoShow     ReservationStatus = "no_show"
)

// AllowsAccess reports whether keys may be issued for, and used against, a
// reservation in this status.
func (s ReservationStatus) AllowsAccess() bool {
	return s == ReservationConfirmed || s == ReservationCheckedIn
}

type Hotel struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Address   string    `json:"address"`
	City      string    `json:"city"`
	Country   string    `json:"country"`
	Phone     string    `json:"phone"`
	Email     string    `json:"email"`
	TimeZone  string    `json:"time_zone"`
	CreatedAt time.Time `json:"created_at"`
}

// Location resolves the hotel's zone, falling back to UTC.
func (h *Hotel) Location() *time.Location {
	if h.TimeZone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(h.TimeZone)
	if err != nil {
		return time.UTC
	}
	return loc
}

type Room struct {
	ID         string    `json:"id"`
	HotelID    string    `json:"hotel_id"`
	RoomNumber string    `json:"room_number"`
	Floor      int       `json:"floor"`
	RoomType   string    `json:"room_type"`
	LockID     string    `json:"nfc_lock_id"`
	IsActive   bool      `json:"is_active"`
	CreatedAt  time.Time `json:"created_at"`
}

type Guest struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	FirstName string    `json:"first_name"`
	LastName  string    `json:"last_name"`
	Phone     string    `json:"phone"`
	CreatedAt time.Time `json:"created_at"`
}

func (g *Guest) FullName() string {
	return strings.TrimSpace(g.FirstName + " " + g.LastName)
}

type Reservation struct {
	ID               string            `json:"id"`
	GuestID          string            `json:"guest_id"`
	RoomID           string            `json:"room_id"`
	ConfirmationCode string            `json:"confirmation_code"`
	CheckIn          time.Time         `json:"check_in"`
	CheckOut         time.Time         `json:"check_out"`
	Status           ReservationStatus `json:"status"`
	NumberOfGuests   int               `json:"number_of_guests"`
	CreatedAt        time.Time         `json:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at"`
}
