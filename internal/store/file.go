package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/snowops/taokey/internal/credential"
	taoerrors "github.com/snowops/taokey/internal/errors"
)

// FileStore is a Store backed by one JSON document per service account under
// baseDir/accounts. It serializes all access through an in-process mutex, so
// it is suitable for a single operator workstation, not for concurrent
// deployments; use the Postgres store there.
type FileStore struct {
	baseDir string
	mu      sync.RWMutex
}

// NewFileStore creates a file-backed store rooted at baseDir.
func NewFileStore(baseDir string) (*FileStore, error) {
	if err := os.MkdirAll(filepath.Join(baseDir, "accounts"), 0700); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}
	return &FileStore{baseDir: baseDir}, nil
}

// DefaultStorageDir returns the default storage directory.
func DefaultStorageDir() string {
	if dir := os.Getenv("TAOKEY_DATA_DIR"); dir != "" {
		return dir
	}

	if xdgData := os.Getenv("XDG_DATA_HOME"); xdgData != "" {
		return filepath.Join(xdgData, "taokey", "records")
	}

	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".local", "share", "taokey", "records")
	}

	return filepath.Join(os.TempDir(), "taokey", "records")
}

// sanitizeFilename keeps account ids filesystem-safe.
func sanitizeFilename(name string) string {
	replacer := strings.NewReplacer("/", "_", "\\", "_", ":", "_", "..", "_")
	return replacer.Replace(name)
}

func (fs *FileStore) accountPath(accountID string) string {
	return filepath.Join(fs.baseDir, "accounts", fmt.Sprintf("%s.json", sanitizeFilename(accountID)))
}

// loadAccount reads all records for an account. A missing file is an empty
// account. Callers hold fs.mu.
func (fs *FileStore) loadAccount(accountID string) ([]*credential.Record, error) {
	data, err := os.ReadFile(fs.accountPath(accountID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read account file: %w", err)
	}

	var recs []*credential.Record
	if err := json.Unmarshal(data, &recs); err != nil {
		return nil, fmt.Errorf("failed to unmarshal account records: %w", err)
	}
	return recs, nil
}

// saveAccount writes all records for an account through a temp file and a
// rename, so a crash mid-write never truncates the account file. Key files
// are metadata only (public key + state), but 0600 anyway. Callers hold
// fs.mu.
func (fs *FileStore) saveAccount(accountID string, recs []*credential.Record) error {
	data, err := json.MarshalIndent(recs, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal account records: %w", err)
	}

	path := fs.accountPath(accountID)
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp account file: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if err := tmp.Chmod(0600); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to set account file mode: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write account file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close account file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to commit account file: %w", err)
	}
	return nil
}

// findAccountForKey scans account files for the record holding keyID.
// Callers hold fs.mu.
func (fs *FileStore) findAccountForKey(keyID string) (string, []*credential.Record, *credential.Record, error) {
	entries, err := os.ReadDir(filepath.Join(fs.baseDir, "accounts"))
	if err != nil {
		return "", nil, nil, fmt.Errorf("failed to list account files: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		accountID := strings.TrimSuffix(entry.Name(), ".json")
		recs, err := fs.loadAccount(accountID)
		if err != nil {
			return "", nil, nil, err
		}
		for _, r := range recs {
			if r.KeyID == keyID {
				return accountID, recs, r, nil
			}
		}
	}
	return "", nil, nil, taoerrors.NotFoundError{Kind: "key", ID: keyID}
}

func (fs *FileStore) CreateRecord(ctx context.Context, rec *credential.Record) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	recs, err := fs.loadAccount(rec.AccountID)
	if err != nil {
		return err
	}
	for _, r := range recs {
		if r.KeyID == rec.KeyID {
			return taoerrors.ConflictError{AccountID: rec.AccountID, KeyID: rec.KeyID}
		}
	}

	stored := rec.Clone()
	stored.Version = 1
	candidate := append(append([]*credential.Record{}, recs...), stored)
	if detail := credential.CheckSetInvariant(candidate); detail != "" {
		return taoerrors.InvariantViolation{AccountID: rec.AccountID, Detail: detail}
	}

	if err := fs.saveAccount(rec.AccountID, candidate); err != nil {
		return err
	}
	rec.Version = stored.Version
	return nil
}

func (fs *FileStore) GetRecord(ctx context.Context, keyID string) (*credential.Record, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	_, _, rec, err := fs.findAccountForKey(keyID)
	if err != nil {
		return nil, err
	}
	return rec.Clone(), nil
}

func (fs *FileStore) UpdateRecord(ctx context.Context, rec *credential.Record, expectedVersion int64) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	recs, err := fs.loadAccount(rec.AccountID)
	if err != nil {
		return err
	}

	idx := -1
	for i, r := range recs {
		if r.KeyID == rec.KeyID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return taoerrors.NotFoundError{Kind: "key", ID: rec.KeyID}
	}
	if recs[idx].Version != expectedVersion {
		return taoerrors.ConflictError{AccountID: rec.AccountID, KeyID: rec.KeyID}
	}

	stored := rec.Clone()
	stored.Version = expectedVersion + 1
	candidate := append([]*credential.Record{}, recs...)
	candidate[idx] = stored
	if detail := credential.CheckSetInvariant(candidate); detail != "" {
		return taoerrors.InvariantViolation{AccountID: rec.AccountID, Detail: detail}
	}

	if err := fs.saveAccount(rec.AccountID, candidate); err != nil {
		return err
	}
	rec.Version = stored.Version
	return nil
}

func (fs *FileStore) ListByAccount(ctx context.Context, accountID string) ([]*credential.Record, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	recs, err := fs.loadAccount(accountID)
	if err != nil {
		return nil, err
	}
	out := make([]*credential.Record, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (fs *FileStore) ListExpiring(ctx context.Context, now time.Time, within time.Duration) ([]*credential.Record, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	entries, err := os.ReadDir(filepath.Join(fs.baseDir, "accounts"))
	if err != nil {
		return nil, fmt.Errorf("failed to list account files: %w", err)
	}

	cutoff := now.Add(within)
	var out []*credential.Record
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		recs, err := fs.loadAccount(strings.TrimSuffix(entry.Name(), ".json"))
		if err != nil {
			return nil, err
		}
		for _, r := range recs {
			if (r.State == credential.StateActive || r.State == credential.StateGrace) && !r.ExpiresAt.After(cutoff) {
				out = append(out, r.Clone())
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ExpiresAt.Before(out[j].ExpiresAt)
	})
	return out, nil
}

func (fs *FileStore) ApplyRotation(ctx context.Context, newRec *credential.Record, oldKeyID string, oldVersion int64, graceExpiresAt time.Time) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	recs, err := fs.loadAccount(newRec.AccountID)
	if err != nil {
		return err
	}

	idx := -1
	for i, r := range recs {
		if r.KeyID == oldKeyID {
			idx = i
		}
		if r.KeyID == newRec.KeyID {
			return taoerrors.ConflictError{AccountID: newRec.AccountID, KeyID: newRec.KeyID}
		}
		if r.State == credential.StateGrace {
			return taoerrors.InvariantViolation{
				AccountID: newRec.AccountID,
				Detail:    "account already has a GRACE record; retire it before rotating again",
			}
		}
	}
	if idx < 0 {
		return taoerrors.NotFoundError{Kind: "key", ID: oldKeyID}
	}
	old := recs[idx]
	if old.Version != oldVersion {
		return taoerrors.ConflictError{AccountID: old.AccountID, KeyID: oldKeyID}
	}
	if old.State != credential.StateActive {
		return taoerrors.InvariantViolation{
			AccountID: old.AccountID,
			Detail:    "rotation source record is not ACTIVE",
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

	candidate := append([]*credential.Record{}, recs...)
	candidate[idx] = demoted
	candidate = append(candidate, stored)

	// The single rename commits both changes or neither.
	if err := fs.saveAccount(newRec.AccountID, candidate); err != nil {
		return err
	}
	newRec.State = stored.State
	newRec.Version = stored.Version
	return nil
}

func (fs *FileStore) MarkNotified(ctx context.Context, keyID string, at time.Time, urgency credential.Urgency, expectedVersion int64) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	accountID, recs, rec, err := fs.findAccountForKey(keyID)
	if err != nil {
		return err
	}
	if rec.Version != expectedVersion {
		return taoerrors.ConflictError{AccountID: accountID, KeyID: keyID}
	}

	notified := at
	rec.LastNotifiedAt = &notified
	rec.NotifiedUrgency = urgency
	rec.Version = expectedVersion + 1

	return fs.saveAccount(accountID, recs)
}

func (fs *FileStore) Close() error {
	return nil
}
