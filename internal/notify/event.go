package notify

import (
	"time"

	"github.com/snowops/taokey/internal/credential"
)

// EventType represents the type of lifecycle event.
type EventType string

const (
	// EventTypeExpiryWarning is emitted when a key enters the warning window.
	EventTypeExpiryWarning EventType = "expiry_warning"

	// EventTypeExpiryUrgent is emitted when a key enters the urgent window.
	EventTypeExpiryUrgent EventType = "expiry_urgent"

	// EventTypeIssued indicates a new service-account key was issued.
	EventTypeIssued EventType = "issued"

	// EventTypeRotated indicates a rotation completed successfully.
	EventTypeRotated EventType = "rotated"

	// EventTypeRotationFailed indicates a rotation failed and was rolled back.
	EventTypeRotationFailed EventType = "rotation_failed"

	// EventTypeRetired indicates a grace-window key was retired.
	EventTypeRetired EventType = "retired"
)

// AllEventTypes returns all valid event types.
func AllEventTypes() []EventType {
	return []EventType{
		EventTypeExpiryWarning,
		EventTypeExpiryUrgent,
		EventTypeIssued,
		EventTypeRotated,
		EventTypeRotationFailed,
		EventTypeRetired,
	}
}

// EventForUrgency maps a scanner urgency to its event type.
func EventForUrgency(u credential.Urgency) EventType {
	if u == credential.UrgencyUrgent {
		return EventTypeExpiryUrgent
	}
	return EventTypeExpiryWarning
}

// Event is a key lifecycle occurrence worth telling the owner about.
type Event struct {
	// Type is the kind of event.
	Type EventType

	// AccountID is the service account the event concerns.
	AccountID string

	// KeyID is the affected key generation.
	KeyID string

	// OwnerID is the TAO who should be told.
	OwnerID string

	// Environment carries the account's environment (PROD, DEV, ...).
	Environment string

	// DaysRemaining until expiry, for expiry events.
	DaysRemaining int

	// Urgency for expiry events.
	Urgency credential.Urgency

	// Error carries the failure for rotation_failed events.
	Error error

	// Timestamp is when the event occurred.
	Timestamp time.Time

	// Metadata carries additional context.
	Metadata map[string]string
}
