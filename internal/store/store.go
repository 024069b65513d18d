// Package store persists credential records and enforces the
// one-ACTIVE/one-GRACE invariant on every write.
//
// Three implementations exist: an in-memory store for tests and mock mode,
// a JSON file store for single-operator use, and a Postgres store for
// shared deployments. All of them hand out deep copies, so callers never
// hold an alias into store-owned memory, and all writes are guarded by an
// optimistic version token.
package store

import (
	"context"
	"time"

	"github.com/snowops/taokey/internal/credential"
)

// Store is CRUD over credential records keyed by key id, plus the two
// queries the scanner and coordinator need.
type Store interface {
	// CreateRecord inserts a new record with Version 1. Creating a second
	// ACTIVE or GRACE record for the same account fails with
	// InvariantViolation.
	CreateRecord(ctx context.Context, rec *credential.Record) error

	// GetRecord returns the record for a key id, or NotFoundError.
	GetRecord(ctx context.Context, keyID string) (*credential.Record, error)

	// UpdateRecord commits rec if the stored version still equals
	// expectedVersion, bumping the version by one. A stale expectedVersion
	// fails with ConflictError; a state change that would break the account
	// invariant fails with InvariantViolation.
	UpdateRecord(ctx context.Context, rec *credential.Record, expectedVersion int64) error

	// ListByAccount returns all records for an account, newest first.
	// An unknown account returns an empty slice, not an error.
	ListByAccount(ctx context.Context, accountID string) ([]*credential.Record, error)

	// ListExpiring returns ACTIVE and GRACE records whose expires_at falls
	// within the given window from now. ACTIVE records feed the notification
	// thresholds; GRACE records are listed so the sweep can expire the ones
	// that pass their deadline without ever being retired.
	ListExpiring(ctx context.Context, now time.Time, within time.Duration) ([]*credential.Record, error)

	// ApplyRotation atomically inserts newRec as ACTIVE and demotes the old
	// record to GRACE with the given grace deadline. Either both changes
	// commit or neither does. oldVersion guards against concurrent writers
	// (ConflictError); a pre-existing GRACE record for the account fails
	// with InvariantViolation.
	ApplyRotation(ctx context.Context, newRec *credential.Record, oldKeyID string, oldVersion int64, graceExpiresAt time.Time) error

	// MarkNotified records that an expiry notification for the given
	// urgency was sent at the given time. Version-guarded like UpdateRecord.
	MarkNotified(ctx context.Context, keyID string, at time.Time, urgency credential.Urgency, expectedVersion int64) error

	// Close releases any resources held by the store.
	Close() error
}
