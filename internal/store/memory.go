package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/snowops/taokey/internal/credential"
	taoerrors "github.com/snowops/taokey/internal/errors"
)

// MemoryStore is an in-memory Store used by tests and mock mode.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*credential.Record   // key id -> record
	byAcct  map[string]map[string]struct{}  // account id -> key ids
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]*credential.Record),
		byAcct:  make(map[string]map[string]struct{}),
	}
}

// accountRecordsLocked returns the account's records. Callers hold s.mu.
func (s *MemoryStore) accountRecordsLocked(accountID string) []*credential.Record {
	var recs []*credential.Record
	for keyID := range s.byAcct[accountID] {
		recs = append(recs, s.records[keyID])
	}
	return recs
}

// checkInvariantLocked validates the account invariant as if candidate
// replaced (or joined) the current record set. Callers hold s.mu.
func (s *MemoryStore) checkInvariantLocked(candidate *credential.Record) error {
	recs := []*credential.Record{candidate}
	for keyID := range s.byAcct[candidate.AccountID] {
		if keyID == candidate.KeyID {
			continue
		}
		recs = append(recs, s.records[keyID])
	}
	if detail := credential.CheckSetInvariant(recs); detail != "" {
		return taoerrors.InvariantViolation{AccountID: candidate.AccountID, Detail: detail}
	}
	return nil
}

func (s *MemoryStore) CreateRecord(ctx context.Context, rec *credential.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.records[rec.KeyID]; exists {
		return taoerrors.ConflictError{AccountID: rec.AccountID, KeyID: rec.KeyID}
	}
	if err := s.checkInvariantLocked(rec); err != nil {
		return err
	}

	stored := rec.Clone()
	stored.Version = 1
	s.records[stored.KeyID] = stored
	if s.byAcct[stored.AccountID] == nil {
		s.byAcct[stored.AccountID] = make(map[string]struct{})
	}
	s.byAcct[stored.AccountID][stored.KeyID] = struct{}{}

	rec.Version = stored.Version
	return nil
}

func (s *MemoryStore) GetRecord(ctx context.Context, keyID string) (*credential.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[keyID]
	if !ok {
		return nil, taoerrors.NotFoundError{Kind: "key", ID: keyID}
	}
	return rec.Clone(), nil
}

func (s *MemoryStore) UpdateRecord(ctx context.Context, rec *credential.Record, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.records[rec.KeyID]
	if !ok {
		return taoerrors.NotFoundError{Kind: "key", ID: rec.KeyID}
	}
	if current.Version != expectedVersion {
		return taoerrors.ConflictError{AccountID: rec.AccountID, KeyID: rec.KeyID}
	}
	if err := s.checkInvariantLocked(rec); err != nil {
		return err
	}

	stored := rec.Clone()
	stored.Version = expectedVersion + 1
	s.records[stored.KeyID] = stored

	rec.Version = stored.Version
	return nil
}

func (s *MemoryStore) ListByAccount(ctx context.Context, accountID string) ([]*credential.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	recs := s.accountRecordsLocked(accountID)
	out := make([]*credential.Record, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (s *MemoryStore) ListExpiring(ctx context.Context, now time.Time, within time.Duration) ([]*credential.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cutoff := now.Add(within)
	var out []*credential.Record
	for _, r := range s.records {
		if (r.State == credential.StateActive || r.State == credential.StateGrace) && !r.ExpiresAt.After(cutoff) {
			out = append(out, r.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ExpiresAt.Before(out[j].ExpiresAt)
	})
	return out, nil
}

func (s *MemoryStore) ApplyRotation(ctx context.Context, newRec *credential.Record, oldKeyID string, oldVersion int64, graceExpiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	old, ok := s.records[oldKeyID]
	if !ok {
		return taoerrors.NotFoundError{Kind: "key", ID: oldKeyID}
	}
	if old.Version != oldVersion {
		return taoerrors.ConflictError{AccountID: old.AccountID, KeyID: oldKeyID}
	}
	if old.State != credential.StateActive {
		return taoerrors.InvariantViolation{
			AccountID: old.AccountID,
			Detail:    "rotation source record is not ACTIVE",
		}
	}
	if _, exists := s.records[newRec.KeyID]; exists {
		return taoerrors.ConflictError{AccountID: newRec.AccountID, KeyID: newRec.KeyID}
	}

	// A leftover GRACE key from the previous rotation must be retired
	// before another rotation may run.
	for keyID := range s.byAcct[old.AccountID] {
		if s.records[keyID].State == credential.StateGrace {
			return taoerrors.InvariantViolation{
				AccountID: old.AccountID,
				Detail:    "account already has a GRACE record; retire it before rotating again",
			}
		}
	}

	demoted := old.Clone()
	demoted.State = credential.StateGrace
	grace := graceExpiresAt
	demoted.GraceExpiresAt = &grace
	demoted.Version = oldVersion + 1

	stored := newRec.Clone()
	stored.State = credential.StateActive
	stored.Version = 1

	s.records[demoted.KeyID] = demoted
	s.records[stored.KeyID] = stored
	if s.byAcct[stored.AccountID] == nil {
		s.byAcct[stored.AccountID] = make(map[string]struct{})
	}
	s.byAcct[stored.AccountID][stored.KeyID] = struct{}{}

	newRec.State = stored.State
	newRec.Version = stored.Version
	return nil
}

func (s *MemoryStore) MarkNotified(ctx context.Context, keyID string, at time.Time, urgency credential.Urgency, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.records[keyID]
	if !ok {
		return taoerrors.NotFoundError{Kind: "key", ID: keyID}
	}
	if current.Version != expectedVersion {
		return taoerrors.ConflictError{AccountID: current.AccountID, KeyID: keyID}
	}

	notified := at
	current.LastNotifiedAt = &notified
	current.NotifiedUrgency = urgency
	current.Version = expectedVersion + 1
	return nil
}

func (s *MemoryStore) Close() error {
	return nil
}
