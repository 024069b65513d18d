// Package notify delivers key lifecycle notifications to owners.
//
// Delivery is best-effort and asynchronous: the Manager queues events and a
// worker fans them out to providers. A provider failure is logged and
// counted, never raised into the lifecycle operation that produced the
// event.
package notify

import (
	"context"
)

// Provider defines the interface for sending lifecycle notifications.
type Provider interface {
	// Name returns the provider name (e.g., "email", "webhook").
	Name() string

	// Send sends a notification for the given event.
	Send(ctx context.Context, event Event) error

	// SupportsEvent returns true if this provider handles the given event type.
	SupportsEvent(eventType EventType) bool

	// Validate checks if the provider configuration is valid.
	Validate(ctx context.Context) error
}

// Sender is the narrow interface the scanner and coordinator emit through.
// The Manager satisfies it asynchronously; tests use a synchronous fake.
type Sender interface {
	Send(ctx context.Context, event Event) error
}
