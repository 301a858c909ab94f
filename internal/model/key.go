package model

import "time"

// Ecosystem is a wallet platform with its own artifact format and push gateway.
type Ecosystem string

const (
	EcosystemApple  Ecosystem = "apple"
	EcosystemGoogle Ecosystem = "google"
)

// ParseEcosystem validates a path or body value against the closed set.
func ParseEcosystem(s string) (Ecosystem, bool) {
	switch Ecosystem(s) {
	case EcosystemApple, EcosystemGoogle:
		return Ecosystem(s), true
	}
	return "", false
}

type KeyStatus string

const (
	KeyStatusCreated KeyStatus = "created"
	KeyStatusActive  KeyStatus = "active"
	KeyStatusExpired KeyStatus = "expired"
	KeyStatusRevoked KeyStatus = "revoked"
)

// Terminal reports whether no further lifecycle transition is allowed.
func (s KeyStatus) Terminal() bool {
	return s == KeyStatusExpired || s == KeyStatusRevoked
}

// Key is one guest's right to open one room for one stay. IsActive and Status
// are independent: IsActive may be cleared without touching Status.
type Key struct {
	ID            string     `json:"id"`
	ReservationID string     `json:"reservation_id"`
	Serial        string     `json:"serial"`
	AuthToken     string     `json:"-"`
	Ecosystem     Ecosystem  `json:"pass_type"`
	PassURL       string     `json:"pass_url"`
	ValidFrom     time.Time  `json:"valid_from"`
	ValidUntil    time.Time  `json:"valid_until"`
	IsActive      bool       `json:"is_active"`
	Status        KeyStatus  `json:"status"`
	ActivatedAt   *time.Time `json:"activated_at,omitempty"`
	LastUsed      *time.Time `json:"last_used,omitempty"`
	AccessCount   int64      `json:"access_count"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// Touch moves the change watermark for a modification at now. Watermarks
// are whole seconds, matching HTTP dates, and strictly increase: a second
// change within the same second lands on the next one so pull clients
// holding the earlier Last-Modified still see it.
func (k *Key) Touch(now time.Time) {
	k.UpdatedAt = NextWatermark(k.UpdatedAt, now)
}

// NextWatermark returns the watermark following prev for a change at now.
func NextWatermark(prev, now time.Time) time.Time {
	w := now.UTC().Truncate(time.Second)
	if last := CeilSecond(prev); !w.After(last) {
		w = last.Add(time.Second)
	}
	return w
}

// CeilSecond rounds t up to a whole second.
func CeilSecond(t time.Time) time.Time {
	t = t.UTC()
	if f := t.Truncate(time.Second); !f.Equal(t) {
		return f.Add(time.Second)
	}
	return t
}

// UsableAt reports whether the key itself permits access at t. Reservation
// and lock checks are separate.
func (k *Key) UsableAt(t time.Time) bool {
	if !k.IsActive {
		return false
	}
	if k.Status != KeyStatusCreated && k.Status != KeyStatusActive {
		return false
	}
	return k.WithinWindow(t)
}

// WithinWindow reports valid_from <= t <= valid_until.
func (k *Key) WithinWindow(t time.Time) bool {
	return !t.Before(k.ValidFrom) && !t.After(k.ValidUntil)
}

// KeyDetail is a key with everything needed to render its pass.
type KeyDetail struct {
	Key         Key         `json:"key"`
	Reservation Reservation `json:"reservation"`
	Room        Room        `json:"room"`
	Guest       Guest       `json:"guest"`
	Hotel       Hotel       `json:"hotel"`
}
