// Package credential defines the credential record model shared by the
// store, the rotation coordinator and the expiry scanner.
//
// One record exists per (service account, key generation). An account keeps
// its full rotation history as RETIRED/EXPIRED records; at any instant at
// most one record is ACTIVE and at most one more is GRACE.
package credential

import (
	"time"
)

// State models the lifecycle of a single key generation.
type State string

const (
	// StateActive is the currently accepted key for the account.
	StateActive State = "ACTIVE"

	// StateGrace is the previous key, still valid during the dual-validity
	// window after a rotation.
	StateGrace State = "GRACE"

	// StateRetired is a key removed from the external system after its
	// grace window elapsed and cleanup was confirmed.
	StateRetired State = "RETIRED"

	// StateExpired is a key whose expires_at passed without rotation.
	StateExpired State = "EXPIRED"
)

// Valid reports whether s is one of the defined lifecycle states.
func (s State) Valid() bool {
	switch s {
	case StateActive, StateGrace, StateRetired, StateExpired:
		return true
	}
	return false
}

// Urgency classifies how close a key is to expiry for notification purposes.
type Urgency string

const (
	UrgencyWarn   Urgency = "WARN"
	UrgencyUrgent Urgency = "URGENT"
)

// Record is one key generation for a service account.
//
// PublicKey is the PKIX PEM encoding. PrivateKeyRef is an opaque handle to
// the one-time delivery bundle; the raw private key is never stored here.
type Record struct {
	AccountID     string `json:"account_id"`
	KeyID         string `json:"key_id"`
	OwnerID       string `json:"owner_id"`
	PublicKey     string `json:"public_key"`
	PrivateKeyRef string `json:"private_key_ref"`

	// Portal metadata carried from the issuance request.
	Purpose     string `json:"purpose,omitempty"`
	Environment string `json:"environment,omitempty"`
	Role        string `json:"role,omitempty"`

	State          State      `json:"state"`
	CreatedAt      time.Time  `json:"created_at"`
	ExpiresAt      time.Time  `json:"expires_at"`
	GraceExpiresAt *time.Time `json:"grace_expires_at,omitempty"`

	// Scanner bookkeeping. LastNotifiedAt suppresses duplicate expiry
	// notifications inside the cooldown window; NotifiedUrgency lets an
	// escalation (WARN -> URGENT) through regardless.
	LastNotifiedAt  *time.Time `json:"last_notified_at,omitempty"`
	NotifiedUrgency Urgency    `json:"notified_urgency,omitempty"`

	// Version is the optimistic concurrency token. Every committed write
	// increments it; a stale writer loses with a conflict.
	Version int64 `json:"version"`
}

// Clone returns a deep copy. Store implementations hand out clones so no
// caller holds a stale alias across a rotation boundary.
func (r *Record) Clone() *Record {
	c := *r
	if r.GraceExpiresAt != nil {
		t := *r.GraceExpiresAt
		c.GraceExpiresAt = &t
	}
	if r.LastNotifiedAt != nil {
		t := *r.LastNotifiedAt
		c.LastNotifiedAt = &t
	}
	return &c
}

// IsExpired reports whether expires_at has passed.
func (r *Record) IsExpired(now time.Time) bool {
	return now.After(r.ExpiresAt)
}

// GraceElapsed reports whether the grace window has run out.
// Records that never entered GRACE have no window to elapse.
func (r *Record) GraceElapsed(now time.Time) bool {
	return r.GraceExpiresAt != nil && now.After(*r.GraceExpiresAt)
}

// DaysUntilExpiry returns whole days remaining before expires_at,
// rounded down. Negative once the key has expired.
func (r *Record) DaysUntilExpiry(now time.Time) int {
	return int(r.ExpiresAt.Sub(now).Hours() / 24)
}

// DisplayStatus is the coarse classification the portal showed per account:
// "active", "expiring_soon" or "expired".
func (r *Record) DisplayStatus(now time.Time, warnDays int) string {
	if r.IsExpired(now) || r.State == StateExpired {
		return "expired"
	}
	if r.DaysUntilExpiry(now) <= warnDays {
		return "expiring_soon"
	}
	return "active"
}

// CheckSetInvariant validates the one-ACTIVE/one-GRACE rule over all records
// of a single account. It returns a human-readable description of the first
// violation found, or "" if the set is consistent.
func CheckSetInvariant(records []*Record) string {
	var active, grace int
	for _, r := range records {
		switch r.State {
		case StateActive:
			active++
		case StateGrace:
			grace++
		}
	}
	if active > 1 {
		return "more than one ACTIVE record"
	}
	if grace > 1 {
		return "more than one GRACE record"
	}
	return ""
}
