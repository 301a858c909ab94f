package model

import "time"

type EventType string

const (
	EventCreated                 EventType = "created"
	EventActivated               EventType = "activated"
	EventDeactivated             EventType = "deactivated"
	EventExtended                EventType = "extended"
	EventExpired                 EventType = "expired"
	EventRegenerated             EventType = "regenerated"
	EventTokenRotated            EventType = "token_rotated"
	EventAccessAttempt           EventType = "access_attempt"
	EventAccessGranted           EventType = "access_granted"
	EventAccessDenied            EventType = "access_denied"
	EventArtifactUpdateAttempted EventType = "artifact_update_attempted"
	EventArtifactUpdateSucceeded EventType = "artifact_update_succeeded"
	EventArtifactUpdateFailed    EventType = "artifact_update_failed"
	EventNotificationSent        EventType = "notification_sent"
	EventNotificationFailed      EventType = "notification_failed"
	EventDeliverySent            EventType = "delivery_sent"
	EventDeliveryFailed          EventType = "delivery_failed"
)

type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeError   Outcome = "error"
	OutcomePending Outcome = "pending"
)

// KeyEvent is an append-only audit record. KeyID is empty for access attempts
// against unknown serials.
type KeyEvent struct {
	ID         string    `json:"id"`
	KeyID      string    `json:"key_id,omitempty"`
	Type       EventType `json:"event_type"`
	Details    string    `json:"details"`
	DeviceInfo string    `json:"device_info,omitempty"`
	Location   string    `json:"location,omitempty"`
	Outcome    Outcome   `json:"outcome"`
	AttemptID  string    `json:"attempt_id,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}
