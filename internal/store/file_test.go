package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snowops/taokey/internal/credential"
	taoerrors "github.com/snowops/taokey/internal/errors"
)

func TestDefaultStorageDir(t *testing.T) {
	// Cannot use t.Parallel() with t.Setenv

	t.Run("with TAOKEY_DATA_DIR env var", func(t *testing.T) {
		t.Setenv("TAOKEY_DATA_DIR", "/custom/dir")
		assert.Equal(t, "/custom/dir", DefaultStorageDir())
	})

	t.Run("with XDG_DATA_HOME", func(t *testing.T) {
		t.Setenv("TAOKEY_DATA_DIR", "")
		t.Setenv("XDG_DATA_HOME", "/home/user/.local/share")
		assert.Equal(t, "/home/user/.local/share/taokey/records", DefaultStorageDir())
	})

	t.Run("fallback", func(t *testing.T) {
		t.Setenv("TAOKEY_DATA_DIR", "")
		t.Setenv("XDG_DATA_HOME", "")
		dir := DefaultStorageDir()
		assert.NotEmpty(t, dir)
		assert.Contains(t, dir, "taokey")
	})
}

func TestFileStore_PersistsAcrossReopen(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	st, err := NewFileStore(dir)
	require.NoError(t, err)

	rec := testRecord("svc_persist", "key-1", credential.StateActive, now)
	require.NoError(t, st.CreateRecord(ctx, rec))
	assert.FileExists(t, filepath.Join(dir, "accounts", "svc_persist.json"))

	reopened, err := NewFileStore(dir)
	require.NoError(t, err)
	got, err := reopened.GetRecord(ctx, "key-1")
	require.NoError(t, err)
	assert.Equal(t, "svc_persist", got.AccountID)
	assert.Equal(t, credential.StateActive, got.State)
	assert.True(t, got.ExpiresAt.Equal(rec.ExpiresAt))
}

func TestFileStore_SanitizesAccountFilename(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	ctx := context.Background()
	now := time.Now().UTC()

	st, err := NewFileStore(dir)
	require.NoError(t, err)

	rec := testRecord("../evil/name", "key-1", credential.StateActive, now)
	require.NoError(t, st.CreateRecord(ctx, rec))

	entries, err := filepath.Glob(filepath.Join(dir, "accounts", "*.json"))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.NotContains(t, filepath.Base(entries[0]), "..")
}

func TestFileStore_ApplyRotationCommitsBothSides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	st, err := NewFileStore(dir)
	require.NoError(t, err)
	require.NoError(t, st.CreateRecord(ctx, testRecord("svc_rot", "key-old", credential.StateActive, now)))

	grace := now.Add(48 * time.Hour)
	require.NoError(t, st.ApplyRotation(ctx, testRecord("svc_rot", "key-new", credential.StateActive, now), "key-old", 1, grace))

	// A fresh handle sees the committed rotation as a whole
	reopened, err := NewFileStore(dir)
	require.NoError(t, err)
	recs, err := reopened.ListByAccount(ctx, "svc_rot")
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Empty(t, credential.CheckSetInvariant(recs))

	demoted, err := reopened.GetRecord(ctx, "key-old")
	require.NoError(t, err)
	assert.Equal(t, credential.StateGrace, demoted.State)
	require.NotNil(t, demoted.GraceExpiresAt)
}

func TestFileStore_WritesLeaveNoTempFiles(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	ctx := context.Background()
	now := time.Now().UTC()

	st, err := NewFileStore(dir)
	require.NoError(t, err)

	rec := testRecord("svc_atomic", "key-1", credential.StateActive, now)
	require.NoError(t, st.CreateRecord(ctx, rec))
	rec.State = credential.StateExpired
	require.NoError(t, st.UpdateRecord(ctx, rec, 1))

	// Every write goes through a temp file and a rename; only the committed
	// account file may remain.
	entries, err := os.ReadDir(filepath.Join(dir, "accounts"))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "svc_atomic.json", entries[0].Name())

	info, err := entries[0].Info()
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
}

func TestFileStore_UpdateConflict(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	ctx := context.Background()
	now := time.Now().UTC()

	st, err := NewFileStore(dir)
	require.NoError(t, err)
	rec := testRecord("svc_conflict", "key-1", credential.StateActive, now)
	require.NoError(t, st.CreateRecord(ctx, rec))

	rec.State = credential.StateExpired
	require.NoError(t, st.UpdateRecord(ctx, rec, 1))

	stale := testRecord("svc_conflict", "key-1", credential.StateRetired, now)
	err = st.UpdateRecord(ctx, stale, 1)
	assert.True(t, taoerrors.IsConflict(err))
}

func TestFileStore_MarkNotifiedRoundtrip(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	st, err := NewFileStore(dir)
	require.NoError(t, err)
	require.NoError(t, st.CreateRecord(ctx, testRecord("svc_notify", "key-1", credential.StateActive, now)))

	require.NoError(t, st.MarkNotified(ctx, "key-1", now, credential.UrgencyUrgent, 1))

	got, err := st.GetRecord(ctx, "key-1")
	require.NoError(t, err)
	require.NotNil(t, got.LastNotifiedAt)
	assert.True(t, got.LastNotifiedAt.Equal(now))
	assert.Equal(t, credential.UrgencyUrgent, got.NotifiedUrgency)
	assert.Equal(t, int64(2), got.Version)
}
