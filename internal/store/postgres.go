package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/snowops/taokey/internal/credential"
	taoerrors "github.com/snowops/taokey/internal/errors"
)

// Schema is the DDL for the Postgres store. Partial unique indexes back up
// the in-transaction invariant checks: even a bug in the application layer
// cannot commit two ACTIVE or two GRACE records for one account.
const Schema = `
CREATE TABLE IF NOT EXISTS credential_records (
    key_id            TEXT PRIMARY KEY,
    account_id        TEXT NOT NULL,
    owner_id          TEXT NOT NULL,
    public_key        TEXT NOT NULL,
    private_key_ref   TEXT NOT NULL,
    purpose           TEXT NOT NULL DEFAULT '',
    environment       TEXT NOT NULL DEFAULT '',
    role              TEXT NOT NULL DEFAULT '',
    state             TEXT NOT NULL,
    created_at        TIMESTAMPTZ NOT NULL,
    expires_at        TIMESTAMPTZ NOT NULL,
    grace_expires_at  TIMESTAMPTZ,
    last_notified_at  TIMESTAMPTZ,
    notified_urgency  TEXT NOT NULL DEFAULT '',
    version           BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_records_account ON credential_records (account_id);
CREATE INDEX IF NOT EXISTS idx_records_expiry ON credential_records (expires_at) WHERE state IN ('ACTIVE', 'GRACE');
CREATE UNIQUE INDEX IF NOT EXISTS uq_one_active ON credential_records (account_id) WHERE state = 'ACTIVE';
CREATE UNIQUE INDEX IF NOT EXISTS uq_one_grace ON credential_records (account_id) WHERE state = 'GRACE';
`

const recordColumns = `key_id, account_id, owner_id, public_key, private_key_ref,
	purpose, environment, role, state, created_at, expires_at,
	grace_expires_at, last_notified_at, notified_urgency, version`

// PostgresStore is a Store backed by Postgres via database/sql and lib/pq.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore opens a Postgres-backed store with the given DSN.
func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres store: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

// NewPostgresStoreWithDB wraps an existing connection, used by tests.
func NewPostgresStoreWithDB(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate applies the store schema.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("failed to apply store schema: %w", err)
	}
	return nil
}

func scanRecord(row interface{ Scan(...interface{}) error }) (*credential.Record, error) {
	var rec credential.Record
	var graceExpires, lastNotified sql.NullTime
	var urgency string
	err := row.Scan(
		&rec.KeyID, &rec.AccountID, &rec.OwnerID, &rec.PublicKey, &rec.PrivateKeyRef,
		&rec.Purpose, &rec.Environment, &rec.Role, &rec.State, &rec.CreatedAt, &rec.ExpiresAt,
		&graceExpires, &lastNotified, &urgency, &rec.Version,
	)
	if err != nil {
		return nil, err
	}
	if graceExpires.Valid {
		rec.GraceExpiresAt = &graceExpires.Time
	}
	if lastNotified.Valid {
		rec.LastNotifiedAt = &lastNotified.Time
	}
	rec.NotifiedUrgency = credential.Urgency(urgency)
	return &rec, nil
}

// isUniqueViolation detects the partial-index backstop firing.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

// lockAccount serializes writers for an account within a transaction so the
// invariant check and the write commit as one unit.
func lockAccount(ctx context.Context, tx *sql.Tx, accountID string) error {
	_, err := tx.ExecContext(ctx,
		`SELECT pg_advisory_xact_lock(hashtext($1))`, accountID)
	return err
}

func (p *PostgresStore) CreateRecord(ctx context.Context, rec *credential.Record) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := lockAccount(ctx, tx, rec.AccountID); err != nil {
		return fmt.Errorf("failed to lock account: %w", err)
	}

	if rec.State == credential.StateActive || rec.State == credential.StateGrace {
		var count int
		err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM credential_records WHERE account_id = $1 AND state = $2`,
			rec.AccountID, string(rec.State),
		).Scan(&count)
		if err != nil {
			return fmt.Errorf("failed to check account invariant: %w", err)
		}
		if count > 0 {
			return taoerrors.InvariantViolation{
				AccountID: rec.AccountID,
				Detail:    fmt.Sprintf("account already has a %s record", rec.State),
			}
		}
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO credential_records (`+recordColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		rec.KeyID, rec.AccountID, rec.OwnerID, rec.PublicKey, rec.PrivateKeyRef,
		rec.Purpose, rec.Environment, rec.Role, string(rec.State), rec.CreatedAt, rec.ExpiresAt,
		nullTime(rec.GraceExpiresAt), nullTime(rec.LastNotifiedAt), string(rec.NotifiedUrgency), int64(1),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return taoerrors.InvariantViolation{AccountID: rec.AccountID, Detail: "unique state index violated"}
		}
		return fmt.Errorf("failed to insert record: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit record: %w", err)
	}
	rec.Version = 1
	return nil
}

func (p *PostgresStore) GetRecord(ctx context.Context, keyID string) (*credential.Record, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM credential_records WHERE key_id = $1`, keyID)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, taoerrors.NotFoundError{Kind: "key", ID: keyID}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load record: %w", err)
	}
	return rec, nil
}

func (p *PostgresStore) UpdateRecord(ctx context.Context, rec *credential.Record, expectedVersion int64) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := lockAccount(ctx, tx, rec.AccountID); err != nil {
		return fmt.Errorf("failed to lock account: %w", err)
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE credential_records
		 SET state = $1, grace_expires_at = $2, last_notified_at = $3,
		     notified_urgency = $4, version = version + 1
		 WHERE key_id = $5 AND version = $6`,
		string(rec.State), nullTime(rec.GraceExpiresAt), nullTime(rec.LastNotifiedAt),
		string(rec.NotifiedUrgency), rec.KeyID, expectedVersion,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return taoerrors.InvariantViolation{AccountID: rec.AccountID, Detail: "unique state index violated"}
		}
		return fmt.Errorf("failed to update record: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read update result: %w", err)
	}
	if affected == 0 {
		var exists bool
		if err := tx.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM credential_records WHERE key_id = $1)`, rec.KeyID,
		).Scan(&exists); err != nil {
			return fmt.Errorf("failed to distinguish missing record from version conflict: %w", err)
		}
		if !exists {
			return taoerrors.NotFoundError{Kind: "key", ID: rec.KeyID}
		}
		return taoerrors.ConflictError{AccountID: rec.AccountID, KeyID: rec.KeyID}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit update: %w", err)
	}
	rec.Version = expectedVersion + 1
	return nil
}

func (p *PostgresStore) ListByAccount(ctx context.Context, accountID string) ([]*credential.Record, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+recordColumns+` FROM credential_records
		 WHERE account_id = $1 ORDER BY created_at DESC`, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to list account records: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*credential.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (p *PostgresStore) ListExpiring(ctx context.Context, now time.Time, within time.Duration) ([]*credential.Record, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+recordColumns+` FROM credential_records
		 WHERE state IN ('ACTIVE', 'GRACE') AND expires_at <= $1 ORDER BY expires_at ASC`,
		now.Add(within))
	if err != nil {
		return nil, fmt.Errorf("failed to list expiring records: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*credential.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (p *PostgresStore) ApplyRotation(ctx context.Context, newRec *credential.Record, oldKeyID string, oldVersion int64, graceExpiresAt time.Time) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := lockAccount(ctx, tx, newRec.AccountID); err != nil {
		return fmt.Errorf("failed to lock account: %w", err)
	}

	var graceCount int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM credential_records WHERE account_id = $1 AND state = 'GRACE'`,
		newRec.AccountID,
	).Scan(&graceCount); err != nil {
		return fmt.Errorf("failed to check account invariant: %w", err)
	}
	if graceCount > 0 {
		return taoerrors.InvariantViolation{
			AccountID: newRec.AccountID,
			Detail:    "account already has a GRACE record; retire it before rotating again",
		}
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE credential_records
		 SET state = 'GRACE', grace_expires_at = $1, version = version + 1
		 WHERE key_id = $2 AND version = $3 AND state = 'ACTIVE'`,
		graceExpiresAt, oldKeyID, oldVersion,
	)
	if err != nil {
		return fmt.Errorf("failed to demote old record: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read demotion result: %w", err)
	}
	if affected == 0 {
		return taoerrors.ConflictError{AccountID: newRec.AccountID, KeyID: oldKeyID}
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO credential_records (`+recordColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 'ACTIVE', $9, $10, NULL, NULL, '', 1)`,
		newRec.KeyID, newRec.AccountID, newRec.OwnerID, newRec.PublicKey, newRec.PrivateKeyRef,
		newRec.Purpose, newRec.Environment, newRec.Role, newRec.CreatedAt, newRec.ExpiresAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return taoerrors.InvariantViolation{AccountID: newRec.AccountID, Detail: "unique state index violated"}
		}
		return fmt.Errorf("failed to insert replacement record: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit rotation: %w", err)
	}
	newRec.State = credential.StateActive
	newRec.Version = 1
	return nil
}

func (p *PostgresStore) MarkNotified(ctx context.Context, keyID string, at time.Time, urgency credential.Urgency, expectedVersion int64) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE credential_records
		 SET last_notified_at = $1, notified_urgency = $2, version = version + 1
		 WHERE key_id = $3 AND version = $4`,
		at, string(urgency), keyID, expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("failed to mark record notified: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read notification result: %w", err)
	}
	if affected == 0 {
		rec, err := p.GetRecord(ctx, keyID)
		if err != nil {
			return err
		}
		return taoerrors.ConflictError{AccountID: rec.AccountID, KeyID: keyID}
	}
	return nil
}

func (p *PostgresStore) Close() error {
	return p.db.Close()
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
