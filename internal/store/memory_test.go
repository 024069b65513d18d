package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snowops/taokey/internal/credential"
	taoerrors "github.com/snowops/taokey/internal/errors"
)

func testRecord(account, keyID string, state credential.State, now time.Time) *credential.Record {
	return &credential.Record{
		AccountID: account,
		KeyID:     keyID,
		OwnerID:   "jane.doe",
		PublicKey: "-----BEGIN PUBLIC KEY-----\nAAAA\n-----END PUBLIC KEY-----\n",
		State:     state,
		CreatedAt: now,
		ExpiresAt: now.Add(90 * 24 * time.Hour),
	}
}

func TestMemoryStore_CreateAndGet(t *testing.T) {
	t.Parallel()

	st := NewMemoryStore()
	ctx := context.Background()
	now := time.Now().UTC()

	rec := testRecord("svc_a", "key-1", credential.StateActive, now)
	require.NoError(t, st.CreateRecord(ctx, rec))
	assert.Equal(t, int64(1), rec.Version)

	got, err := st.GetRecord(ctx, "key-1")
	require.NoError(t, err)
	assert.Equal(t, "svc_a", got.AccountID)

	// The store hands out clones, not aliases
	got.OwnerID = "mallory"
	again, err := st.GetRecord(ctx, "key-1")
	require.NoError(t, err)
	assert.Equal(t, "jane.doe", again.OwnerID)
}

func TestMemoryStore_GetUnknownKey(t *testing.T) {
	t.Parallel()

	st := NewMemoryStore()
	_, err := st.GetRecord(context.Background(), "nope")
	assert.True(t, taoerrors.IsNotFound(err))
}

func TestMemoryStore_CreateSecondActiveViolatesInvariant(t *testing.T) {
	t.Parallel()

	st := NewMemoryStore()
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, st.CreateRecord(ctx, testRecord("svc_a", "key-1", credential.StateActive, now)))
	err := st.CreateRecord(ctx, testRecord("svc_a", "key-2", credential.StateActive, now))
	assert.True(t, taoerrors.IsInvariantViolation(err))

	// A different account is unaffected
	require.NoError(t, st.CreateRecord(ctx, testRecord("svc_b", "key-3", credential.StateActive, now)))
}

func TestMemoryStore_UpdateVersionConflict(t *testing.T) {
	t.Parallel()

	st := NewMemoryStore()
	ctx := context.Background()
	now := time.Now().UTC()

	rec := testRecord("svc_a", "key-1", credential.StateActive, now)
	require.NoError(t, st.CreateRecord(ctx, rec))

	fresh, err := st.GetRecord(ctx, "key-1")
	require.NoError(t, err)
	fresh.State = credential.StateExpired
	require.NoError(t, st.UpdateRecord(ctx, fresh, 1))
	assert.Equal(t, int64(2), fresh.Version)

	// A writer holding the old version loses
	stale, _ := st.GetRecord(ctx, "key-1")
	stale.State = credential.StateRetired
	err = st.UpdateRecord(ctx, stale, 1)
	assert.True(t, taoerrors.IsConflict(err))
}

func TestMemoryStore_ListExpiring(t *testing.T) {
	t.Parallel()

	st := NewMemoryStore()
	ctx := context.Background()
	now := time.Now().UTC()

	soon := testRecord("svc_soon", "key-soon", credential.StateActive, now)
	soon.ExpiresAt = now.Add(10 * 24 * time.Hour)
	require.NoError(t, st.CreateRecord(ctx, soon))

	later := testRecord("svc_later", "key-later", credential.StateActive, now)
	later.ExpiresAt = now.Add(200 * 24 * time.Hour)
	require.NoError(t, st.CreateRecord(ctx, later))

	graced := testRecord("svc_graced", "key-graced", credential.StateGrace, now)
	graced.ExpiresAt = now.Add(5 * 24 * time.Hour)
	require.NoError(t, st.CreateRecord(ctx, graced))

	retired := testRecord("svc_done", "key-done", credential.StateRetired, now)
	retired.ExpiresAt = now.Add(5 * 24 * time.Hour)
	require.NoError(t, st.CreateRecord(ctx, retired))

	recs, err := st.ListExpiring(ctx, now, 30*24*time.Hour)
	require.NoError(t, err)
	require.Len(t, recs, 2, "ACTIVE and GRACE records inside the window")
	assert.Equal(t, "key-graced", recs[0].KeyID)
	assert.Equal(t, "key-soon", recs[1].KeyID)
}

func TestMemoryStore_ApplyRotation(t *testing.T) {
	t.Parallel()

	st := NewMemoryStore()
	ctx := context.Background()
	now := time.Now().UTC()

	old := testRecord("svc_a", "key-old", credential.StateActive, now)
	require.NoError(t, st.CreateRecord(ctx, old))

	grace := now.Add(48 * time.Hour)
	newRec := testRecord("svc_a", "key-new", credential.StateActive, now)
	require.NoError(t, st.ApplyRotation(ctx, newRec, "key-old", 1, grace))

	demoted, err := st.GetRecord(ctx, "key-old")
	require.NoError(t, err)
	assert.Equal(t, credential.StateGrace, demoted.State)
	require.NotNil(t, demoted.GraceExpiresAt)
	assert.Equal(t, grace, *demoted.GraceExpiresAt)
	assert.Equal(t, int64(2), demoted.Version)

	promoted, err := st.GetRecord(ctx, "key-new")
	require.NoError(t, err)
	assert.Equal(t, credential.StateActive, promoted.State)
	assert.Equal(t, int64(1), promoted.Version)
}

func TestMemoryStore_ApplyRotationStaleVersion(t *testing.T) {
	t.Parallel()

	st := NewMemoryStore()
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, st.CreateRecord(ctx, testRecord("svc_a", "key-old", credential.StateActive, now)))

	err := st.ApplyRotation(ctx, testRecord("svc_a", "key-new", credential.StateActive, now), "key-old", 7, now.Add(time.Hour))
	assert.True(t, taoerrors.IsConflict(err))
}

func TestMemoryStore_ApplyRotationBlockedByGrace(t *testing.T) {
	t.Parallel()

	st := NewMemoryStore()
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, st.CreateRecord(ctx, testRecord("svc_a", "key-1", credential.StateActive, now)))
	require.NoError(t, st.ApplyRotation(ctx, testRecord("svc_a", "key-2", credential.StateActive, now), "key-1", 1, now.Add(time.Hour)))

	err := st.ApplyRotation(ctx, testRecord("svc_a", "key-3", credential.StateActive, now), "key-2", 1, now.Add(time.Hour))
	assert.True(t, taoerrors.IsInvariantViolation(err))
}

func TestMemoryStore_MarkNotified(t *testing.T) {
	t.Parallel()

	st := NewMemoryStore()
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, st.CreateRecord(ctx, testRecord("svc_a", "key-1", credential.StateActive, now)))

	at := now.Add(time.Minute)
	require.NoError(t, st.MarkNotified(ctx, "key-1", at, credential.UrgencyWarn, 1))

	rec, err := st.GetRecord(ctx, "key-1")
	require.NoError(t, err)
	require.NotNil(t, rec.LastNotifiedAt)
	assert.Equal(t, at, *rec.LastNotifiedAt)
	assert.Equal(t, credential.UrgencyWarn, rec.NotifiedUrgency)
	assert.Equal(t, int64(2), rec.Version)

	// Stale version loses
	err = st.MarkNotified(ctx, "key-1", at, credential.UrgencyUrgent, 1)
	assert.True(t, taoerrors.IsConflict(err))
}

func TestMemoryStore_ListByAccountNewestFirst(t *testing.T) {
	t.Parallel()

	st := NewMemoryStore()
	ctx := context.Background()
	now := time.Now().UTC()

	older := testRecord("svc_a", "key-old", credential.StateRetired, now.Add(-48*time.Hour))
	require.NoError(t, st.CreateRecord(ctx, older))
	newer := testRecord("svc_a", "key-new", credential.StateActive, now)
	require.NoError(t, st.CreateRecord(ctx, newer))

	recs, err := st.ListByAccount(ctx, "svc_a")
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "key-new", recs[0].KeyID)
	assert.Equal(t, "key-old", recs[1].KeyID)
}
