package model

import "time"

type DeviceRegistration struct {
	ID         string    `json:"id"`
	KeyID      string    `json:"key_id"`
	DeviceID   string    `json:"device_id"`
	PassTypeID string    `json:"pass_type_id"`
	Serial     string    `json:"serial"`
	PushToken  string    `json:"-"`
	Active     bool      `json:"active"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}
