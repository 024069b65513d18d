package scanner

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snowops/taokey/internal/credential"
	"github.com/snowops/taokey/internal/notify"
	"github.com/snowops/taokey/internal/store"
)

// fakeSender records events and can fail for selected accounts.
type fakeSender struct {
	mu      sync.Mutex
	events  []notify.Event
	failFor map[string]error
}

func newFakeSender() *fakeSender {
	return &fakeSender{failFor: make(map[string]error)}
}

func (s *fakeSender) Send(ctx context.Context, event notify.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err, ok := s.failFor[event.AccountID]; ok {
		return err
	}
	s.events = append(s.events, event)
	return nil
}

func (s *fakeSender) Events() []notify.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]notify.Event, len(s.events))
	copy(out, s.events)
	return out
}

func seedRecord(t *testing.T, st store.Store, account string, expiresIn time.Duration, now time.Time) *credential.Record {
	t.Helper()
	rec := &credential.Record{
		AccountID: account,
		KeyID:     account + "-key-1",
		OwnerID:   "jane.doe",
		PublicKey: "-----BEGIN PUBLIC KEY-----\nAAAA\n-----END PUBLIC KEY-----\n",
		State:     credential.StateActive,
		CreatedAt: now.Add(-24 * time.Hour),
		ExpiresAt: now.Add(expiresIn),
	}
	require.NoError(t, st.CreateRecord(context.Background(), rec))
	return rec
}

func newTestScanner(st store.Store, sender notify.Sender, now time.Time) *Scanner {
	s := New(st, sender, nil, Config{})
	s.now = func() time.Time { return now }
	return s
}

func TestScanner_WarnThreshold(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	st := store.NewMemoryStore()
	sender := newFakeSender()

	seedRecord(t, st, "svc_close", 20*24*time.Hour, now)
	seedRecord(t, st, "svc_far", 200*24*time.Hour, now)

	report, err := newTestScanner(st, sender, now).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, report.Scanned)
	assert.Equal(t, 1, report.Notified)
	assert.Empty(t, report.Failures)

	events := sender.Events()
	require.Len(t, events, 1)
	assert.Equal(t, notify.EventTypeExpiryWarning, events[0].Type)
	assert.Equal(t, "svc_close", events[0].AccountID)
	assert.Equal(t, credential.UrgencyWarn, events[0].Urgency)
	assert.Equal(t, 20, events[0].DaysRemaining)
}

func TestScanner_UrgentThreshold(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	st := store.NewMemoryStore()
	sender := newFakeSender()
	seedRecord(t, st, "svc_urgent", 5*24*time.Hour, now)

	report, err := newTestScanner(st, sender, now).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Notified)

	events := sender.Events()
	require.Len(t, events, 1)
	assert.Equal(t, notify.EventTypeExpiryUrgent, events[0].Type)
	assert.Equal(t, credential.UrgencyUrgent, events[0].Urgency)
}

func TestScanner_CooldownSuppressesDuplicate(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	st := store.NewMemoryStore()
	sender := newFakeSender()
	seedRecord(t, st, "svc_once", 20*24*time.Hour, now)

	ctx := context.Background()
	s := newTestScanner(st, sender, now)

	report, err := s.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Notified)

	// Second run two hours later: inside the cooldown window
	s.now = func() time.Time { return now.Add(2 * time.Hour) }
	report, err = s.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Notified)
	assert.Equal(t, 1, report.Suppressed)
	assert.Len(t, sender.Events(), 1)

	// Third run past the cooldown notifies again
	s.now = func() time.Time { return now.Add(25 * time.Hour) }
	report, err = s.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Notified)
	assert.Len(t, sender.Events(), 2)
}

func TestScanner_EscalationBypassesCooldown(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	st := store.NewMemoryStore()
	sender := newFakeSender()

	// Just above the urgent threshold: first pass warns
	seedRecord(t, st, "svc_escalate", 8*24*time.Hour, now)

	ctx := context.Background()
	s := newTestScanner(st, sender, now)

	report, err := s.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Notified)
	assert.Equal(t, notify.EventTypeExpiryWarning, sender.Events()[0].Type)

	// Two hours later the key crosses into the urgent window; the cooldown
	// must not swallow the escalation.
	s.now = func() time.Time { return now.Add(2 * time.Hour) }
	report, err = s.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Notified)
	require.Len(t, sender.Events(), 2)
	assert.Equal(t, notify.EventTypeExpiryUrgent, sender.Events()[1].Type)
}

// staleListStore serves a fixed, stale expiring list while delegating every
// other call. It simulates a rotation committing between the scanner's
// listing and its notification pass.
type staleListStore struct {
	store.Store
	stale []*credential.Record
}

func (s *staleListStore) ListExpiring(ctx context.Context, now time.Time, within time.Duration) ([]*credential.Record, error) {
	return s.stale, nil
}

func TestScanner_StateRecheckSkipsRotatedKey(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	inner := store.NewMemoryStore()
	sender := newFakeSender()
	rec := seedRecord(t, inner, "svc_midflight", 10*24*time.Hour, now)
	stale := rec.Clone()

	// The rotation lands after the listing was taken: the old key is GRACE
	// by the time the scanner re-reads it.
	ctx := context.Background()
	newRec := &credential.Record{
		AccountID: rec.AccountID,
		KeyID:     rec.AccountID + "-key-2",
		OwnerID:   rec.OwnerID,
		PublicKey: rec.PublicKey,
		State:     credential.StateActive,
		CreatedAt: now,
		ExpiresAt: now.Add(90 * 24 * time.Hour),
	}
	require.NoError(t, inner.ApplyRotation(ctx, newRec, rec.KeyID, rec.Version, now.Add(48*time.Hour)))

	st := &staleListStore{Store: inner, stale: []*credential.Record{stale}}
	report, err := newTestScanner(st, sender, now).Run(ctx)
	require.NoError(t, err)

	assert.Equal(t, 1, report.Scanned)
	assert.Equal(t, 1, report.Suppressed)
	assert.Equal(t, 0, report.Notified)
	assert.Empty(t, sender.Events(), "no notification may reference a demoted key")
}

func TestScanner_MarksOverdueExpired(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	st := store.NewMemoryStore()
	sender := newFakeSender()
	rec := seedRecord(t, st, "svc_overdue", -24*time.Hour, now)

	report, err := newTestScanner(st, sender, now).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, report.Expired)
	assert.Equal(t, 0, report.Notified)

	stored, err := st.GetRecord(context.Background(), rec.KeyID)
	require.NoError(t, err)
	assert.Equal(t, credential.StateExpired, stored.State)
}

func TestScanner_SweepsOverdueGraceKey(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	st := store.NewMemoryStore()
	sender := newFakeSender()
	ctx := context.Background()

	// A rotation left the old key in GRACE; its deadline then passed with
	// nobody retiring it.
	overdue := seedRecord(t, st, "svc_forgotten", -24*time.Hour, now)
	newRec := &credential.Record{
		AccountID: overdue.AccountID,
		KeyID:     overdue.AccountID + "-key-2",
		OwnerID:   overdue.OwnerID,
		PublicKey: overdue.PublicKey,
		State:     credential.StateActive,
		CreatedAt: now,
		ExpiresAt: now.Add(90 * 24 * time.Hour),
	}
	require.NoError(t, st.ApplyRotation(ctx, newRec, overdue.KeyID, overdue.Version, now.Add(48*time.Hour)))

	report, err := newTestScanner(st, sender, now).Run(ctx)
	require.NoError(t, err)

	assert.Equal(t, 1, report.Expired)
	assert.Empty(t, sender.Events(), "grace keys get no expiry notifications")

	stored, err := st.GetRecord(ctx, overdue.KeyID)
	require.NoError(t, err)
	assert.Equal(t, credential.StateExpired, stored.State)
}

func TestScanner_GraceKeyInsideDeadlineUntouched(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	st := store.NewMemoryStore()
	sender := newFakeSender()
	ctx := context.Background()

	old := seedRecord(t, st, "svc_migrating", 10*24*time.Hour, now)
	newRec := &credential.Record{
		AccountID: old.AccountID,
		KeyID:     old.AccountID + "-key-2",
		OwnerID:   old.OwnerID,
		PublicKey: old.PublicKey,
		State:     credential.StateActive,
		CreatedAt: now,
		ExpiresAt: now.Add(90 * 24 * time.Hour),
	}
	require.NoError(t, st.ApplyRotation(ctx, newRec, old.KeyID, old.Version, now.Add(48*time.Hour)))

	report, err := newTestScanner(st, sender, now).Run(ctx)
	require.NoError(t, err)

	assert.Equal(t, 0, report.Expired)
	assert.Empty(t, sender.Events())

	stored, err := st.GetRecord(ctx, old.KeyID)
	require.NoError(t, err)
	assert.Equal(t, credential.StateGrace, stored.State)
}

func TestScanner_NilNotifierOnlyMarksExpiry(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	st := store.NewMemoryStore()
	ctx := context.Background()

	due := seedRecord(t, st, "svc_due", 10*24*time.Hour, now)
	seedRecord(t, st, "svc_overdue", -24*time.Hour, now)

	report, err := newTestScanner(st, nil, now).Run(ctx)
	require.NoError(t, err)

	assert.Equal(t, 1, report.Expired)
	assert.Equal(t, 0, report.Notified)
	assert.Equal(t, 1, report.Suppressed)

	// No cooldown was recorded for the unsent notification.
	stored, err := st.GetRecord(ctx, due.KeyID)
	require.NoError(t, err)
	assert.Nil(t, stored.LastNotifiedAt)
}

func TestScanner_NotifierFailureIsolated(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	st := store.NewMemoryStore()
	sender := newFakeSender()
	sender.failFor["svc_broken"] = errors.New("smtp unreachable")

	seedRecord(t, st, "svc_broken", 10*24*time.Hour, now)
	seedRecord(t, st, "svc_fine", 10*24*time.Hour, now)

	report, err := newTestScanner(st, sender, now).Run(context.Background())
	require.NoError(t, err, "per-record failures must not abort the sweep")

	assert.Equal(t, 2, report.Scanned)
	assert.Equal(t, 1, report.Notified)
	require.Len(t, report.Failures, 1)
	assert.Equal(t, "svc_broken", report.Failures[0].AccountID)

	events := sender.Events()
	require.Len(t, events, 1)
	assert.Equal(t, "svc_fine", events[0].AccountID)
}

func TestScanner_FailedNotificationRetriesNextRun(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	st := store.NewMemoryStore()
	sender := newFakeSender()
	sender.failFor["svc_retry"] = errors.New("smtp unreachable")
	seedRecord(t, st, "svc_retry", 10*24*time.Hour, now)

	ctx := context.Background()
	s := newTestScanner(st, sender, now)

	report, err := s.Run(ctx)
	require.NoError(t, err)
	require.Len(t, report.Failures, 1)

	// The failure did not set the cooldown; the next run may retry at once.
	delete(sender.failFor, "svc_retry")
	report, err = s.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Notified)
	assert.Empty(t, report.Failures)
}

func TestScanner_ThresholdScenario(t *testing.T) {
	t.Parallel()

	// Issue at day 0 with 180-day expiry. Day 150: one WARN. Day 151
	// (inside cooldown): nothing. Day 173: one URGENT, no duplicate WARN.
	issued := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	st := store.NewMemoryStore()
	sender := newFakeSender()
	seedRecord(t, st, "svc_tableau_prod", 180*24*time.Hour, issued)

	ctx := context.Background()
	s := newTestScanner(st, sender, issued)

	day := func(n int) time.Time { return issued.Add(time.Duration(n) * 24 * time.Hour) }

	s.now = func() time.Time { return day(150) }
	report, err := s.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Notified)

	s.now = func() time.Time { return day(150).Add(12 * time.Hour) }
	report, err = s.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Notified)

	s.now = func() time.Time { return day(173) }
	report, err = s.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Notified)

	events := sender.Events()
	require.Len(t, events, 2)
	assert.Equal(t, notify.EventTypeExpiryWarning, events[0].Type)
	assert.Equal(t, 30, events[0].DaysRemaining)
	assert.Equal(t, notify.EventTypeExpiryUrgent, events[1].Type)
	assert.Equal(t, 7, events[1].DaysRemaining)
}
