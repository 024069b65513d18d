// Package rotation coordinates the credential lifecycle: initial issuance,
// grace-window rotation, retirement of superseded keys, and expiry marking.
// All mutation of a service account's credential set goes through the
// Coordinator so the one-ACTIVE, at-most-one-GRACE invariant holds even when
// operators race.
package rotation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/snowops/taokey/internal/credential"
	"github.com/snowops/taokey/internal/delivery"
	taoerrors "github.com/snowops/taokey/internal/errors"
	"github.com/snowops/taokey/internal/health"
	"github.com/snowops/taokey/internal/keygen"
	"github.com/snowops/taokey/internal/logging"
	"github.com/snowops/taokey/internal/notify"
	"github.com/snowops/taokey/internal/propagate"
	"github.com/snowops/taokey/internal/store"
)

const (
	// DefaultExpiryDays is the credential lifetime applied when a request
	// does not specify one.
	DefaultExpiryDays = 90

	// MinExpiryDays and MaxExpiryDays bound requested lifetimes.
	MinExpiryDays = 30
	MaxExpiryDays = 365

	// DefaultGraceHours is how long a superseded key stays usable after a
	// rotation commits.
	DefaultGraceHours = 24
)

// Options tunes coordinator behavior. The zero value is usable; unset fields
// fall back to package defaults.
type Options struct {
	// KeySize is the RSA modulus size for generated keys.
	KeySize int

	// ExpiryDays is the default credential lifetime.
	ExpiryDays int

	// GraceHours is how long a demoted key remains in GRACE.
	GraceHours int
}

// Coordinator serializes lifecycle operations per account and drives the
// propagate-then-commit rotation sequence.
type Coordinator struct {
	store    store.Store
	prop     *propagate.Retrier
	notifier notify.Sender
	logger   *logging.Logger
	metrics  *health.LifecycleMetrics
	opts     Options

	// now allows tests to pin time.
	now func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewCoordinator creates a coordinator over the given store and propagator.
// notifier may be nil when no notifications are configured.
func NewCoordinator(st store.Store, prop *propagate.Retrier, notifier notify.Sender, logger *logging.Logger, opts Options) *Coordinator {
	if opts.KeySize == 0 {
		opts.KeySize = keygen.KeySize2048
	}
	if opts.ExpiryDays == 0 {
		opts.ExpiryDays = DefaultExpiryDays
	}
	if opts.GraceHours == 0 {
		opts.GraceHours = DefaultGraceHours
	}
	return &Coordinator{
		store:    st,
		prop:     prop,
		notifier: notifier,
		logger:   logger,
		metrics:  health.NewLifecycleMetrics(),
		opts:     opts,
		now:      time.Now,
		locks:    make(map[string]*sync.Mutex),
	}
}

// accountLock returns the mutex serializing operations on one account.
func (c *Coordinator) accountLock(accountID string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	lock, ok := c.locks[accountID]
	if !ok {
		lock = &sync.Mutex{}
		c.locks[accountID] = lock
	}
	return lock
}

// clampExpiryDays normalizes a requested lifetime into the allowed range.
func clampExpiryDays(days int) int {
	if days == 0 {
		return 0
	}
	if days < MinExpiryDays {
		return MinExpiryDays
	}
	if days > MaxExpiryDays {
		return MaxExpiryDays
	}
	return days
}

// IssueRequest describes an initial credential issuance.
type IssueRequest struct {
	AccountID   string
	OwnerID     string
	Purpose     string
	Environment string
	Role        string
	Warehouse   string
	ExpiryDays  int
	KeySize     int
}

// Issue provisions the first credential for a service account: it generates a
// keypair, creates or updates the account on the external system with the new
// public key, and records an ACTIVE credential. The returned bundle holds the
// private key for one-time delivery to the caller.
func (c *Coordinator) Issue(ctx context.Context, req IssueRequest) (*delivery.Bundle, *credential.Record, error) {
	if req.AccountID == "" {
		return nil, nil, taoerrors.UserError{
			Message:    "account identifier is required",
			Suggestion: "Pass the service account name, for example: taokey issue --account svc_etl_prod",
		}
	}

	lock := c.accountLock(req.AccountID)
	lock.Lock()
	defer lock.Unlock()

	existing, err := c.store.ListByAccount(ctx, req.AccountID)
	if err != nil {
		return nil, nil, err
	}
	for _, rec := range existing {
		if rec.State == credential.StateActive {
			return nil, nil, taoerrors.UserError{
				Message:    fmt.Sprintf("account %q already has an active credential (%s)", req.AccountID, rec.KeyID),
				Suggestion: "Use 'taokey rotate' to replace the current key instead of issuing a new one",
			}
		}
	}

	material, err := c.generate(req.KeySize)
	if err != nil {
		c.recordIssuance(req.Environment, "error")
		return nil, nil, err
	}

	createReq := propagate.CreateRequest{
		Account:   req.AccountID,
		PublicKey: material.SnowflakePublicKey(),
		Role:      req.Role,
		Warehouse: req.Warehouse,
		Comment:   req.Purpose,
	}
	if err := c.prop.CreateAccount(ctx, createReq); err != nil {
		material.Destroy()
		c.recordIssuance(req.Environment, "error")
		c.recordPropagationFailure(err)
		return nil, nil, err
	}

	now := c.now().UTC()
	days := clampExpiryDays(req.ExpiryDays)
	if days == 0 {
		days = c.opts.ExpiryDays
	}

	rec := &credential.Record{
		AccountID:     req.AccountID,
		KeyID:         uuid.NewString(),
		OwnerID:       req.OwnerID,
		PublicKey:     material.PublicKeyPEM,
		PrivateKeyRef: fmt.Sprintf("onetime:%s_rsa_key.p8", req.AccountID),
		Purpose:       req.Purpose,
		Environment:   req.Environment,
		Role:          req.Role,
		State:         credential.StateActive,
		CreatedAt:     now,
		ExpiresAt:     now.AddDate(0, 0, days),
		Version:       1,
	}

	if err := c.store.CreateRecord(ctx, rec); err != nil {
		// The external account now carries a key we have no record of.
		// Surface that loudly instead of silently retrying.
		material.Destroy()
		c.recordIssuance(req.Environment, "error")
		return nil, nil, taoerrors.UserError{
			Message:    fmt.Sprintf("key was installed for %q but recording it failed: %v", req.AccountID, err),
			Suggestion: "Re-run 'taokey issue' once the storage backend is reachable; the installed key will be replaced",
			Err:        err,
		}
	}

	bundle := delivery.New(rec, material)

	c.recordIssuance(req.Environment, "success")
	c.emit(ctx, notify.Event{
		Type:        notify.EventTypeIssued,
		AccountID:   rec.AccountID,
		KeyID:       rec.KeyID,
		OwnerID:     rec.OwnerID,
		Environment: rec.Environment,
		Timestamp:   now,
	})
	c.debugf("issued credential %s for account %s (expires %s)", rec.KeyID, rec.AccountID, rec.ExpiresAt.Format(time.RFC3339))

	return bundle, rec.Clone(), nil
}

// RotateRequest describes a grace-window rotation.
type RotateRequest struct {
	AccountID  string
	ExpiryDays int
	KeySize    int
}

// Rotate replaces the ACTIVE credential of an account. The new public key is
// propagated before anything is recorded; only after the external system
// accepts both keys does the store commit the new ACTIVE record and demote
// the old one to GRACE in a single step. If the commit fails the external
// system is restored to the old key on a best-effort basis.
func (c *Coordinator) Rotate(ctx context.Context, req RotateRequest) (*delivery.Bundle, *credential.Record, error) {
	if req.AccountID == "" {
		return nil, nil, taoerrors.UserError{
			Message:    "account identifier is required",
			Suggestion: "Pass the service account name, for example: taokey rotate --account svc_etl_prod",
		}
	}

	lock := c.accountLock(req.AccountID)
	lock.Lock()
	defer lock.Unlock()

	started := c.now()

	records, err := c.store.ListByAccount(ctx, req.AccountID)
	if err != nil {
		return nil, nil, err
	}

	var active, grace *credential.Record
	for _, rec := range records {
		switch rec.State {
		case credential.StateActive:
			active = rec
		case credential.StateGrace:
			grace = rec
		}
	}
	if active == nil {
		return nil, nil, taoerrors.NotFoundError{Kind: "active credential", ID: req.AccountID}
	}
	if grace != nil {
		return nil, nil, taoerrors.InvariantViolation{
			AccountID: req.AccountID,
			Detail:    fmt.Sprintf("key %s is still in its grace window; retire it before rotating again", grace.KeyID),
		}
	}
	env := active.Environment

	material, err := c.generate(req.KeySize)
	if err != nil {
		c.recordRotation(env, "error", started)
		return nil, nil, err
	}

	newKey := material.SnowflakePublicKey()
	oldKey := keygen.CleanPublicKey(active.PublicKey)

	if err := c.prop.RotateKey(ctx, req.AccountID, newKey, oldKey); err != nil {
		material.Destroy()
		c.recordRotation(env, "error", started)
		c.recordPropagationFailure(err)
		c.emitRotationFailed(ctx, active, err)
		return nil, nil, err
	}

	now := c.now().UTC()
	days := clampExpiryDays(req.ExpiryDays)
	if days == 0 {
		days = c.opts.ExpiryDays
	}

	newRec := &credential.Record{
		AccountID:     active.AccountID,
		KeyID:         uuid.NewString(),
		OwnerID:       active.OwnerID,
		PublicKey:     material.PublicKeyPEM,
		PrivateKeyRef: fmt.Sprintf("onetime:%s_rsa_key.p8", req.AccountID),
		Purpose:       active.Purpose,
		Environment:   active.Environment,
		Role:          active.Role,
		State:         credential.StateActive,
		CreatedAt:     now,
		ExpiresAt:     now.AddDate(0, 0, days),
		Version:       1,
	}
	graceUntil := now.Add(time.Duration(c.opts.GraceHours) * time.Hour)

	if err := c.store.ApplyRotation(ctx, newRec, active.KeyID, active.Version, graceUntil); err != nil {
		// The external system holds the new key but the store does not.
		// Re-propagate the old key so reality matches the records.
		material.Destroy()
		if rbErr := c.prop.SetKey(ctx, req.AccountID, oldKey); rbErr != nil {
			c.warnf("rollback of account %s after failed rotation commit also failed: %v", req.AccountID, rbErr)
		}
		c.recordRotation(env, "error", started)
		c.emitRotationFailed(ctx, active, err)
		return nil, nil, err
	}

	bundle := delivery.New(newRec, material)

	c.recordRotation(env, "success", started)
	c.emit(ctx, notify.Event{
		Type:        notify.EventTypeRotated,
		AccountID:   newRec.AccountID,
		KeyID:       newRec.KeyID,
		OwnerID:     newRec.OwnerID,
		Environment: newRec.Environment,
		Timestamp:   now,
		Metadata: map[string]string{
			"previous_key_id":  active.KeyID,
			"grace_expires_at": graceUntil.Format(time.RFC3339),
		},
	})
	c.debugf("rotated account %s: %s -> %s (grace until %s)", req.AccountID, active.KeyID, newRec.KeyID, graceUntil.Format(time.RFC3339))

	return bundle, newRec.Clone(), nil
}

// Retire removes a GRACE credential: the secondary key slot is cleared on the
// external system and the record moves to RETIRED. Because retirement cuts
// off any consumer still using the old key, it requires explicit
// confirmation.
func (c *Coordinator) Retire(ctx context.Context, accountID string, confirmed bool) (*credential.Record, error) {
	if accountID == "" {
		return nil, taoerrors.UserError{
			Message:    "account identifier is required",
			Suggestion: "Pass the service account name, for example: taokey retire --account svc_etl_prod --confirm",
		}
	}
	if !confirmed {
		return nil, taoerrors.UserError{
			Message:    "retirement permanently disables the old key",
			Suggestion: "Re-run with --confirm once all consumers use the new key",
		}
	}

	lock := c.accountLock(accountID)
	lock.Lock()
	defer lock.Unlock()

	records, err := c.store.ListByAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	var grace *credential.Record
	for _, rec := range records {
		if rec.State == credential.StateGrace {
			grace = rec
			break
		}
	}
	if grace == nil {
		return nil, taoerrors.NotFoundError{Kind: "grace credential", ID: accountID}
	}
	if !grace.GraceElapsed(c.now().UTC()) {
		until := "the grace window elapses"
		if grace.GraceExpiresAt != nil {
			until = grace.GraceExpiresAt.Format(time.RFC3339)
		}
		return nil, taoerrors.UserError{
			Message:    fmt.Sprintf("key %s for account %q is still inside its grace window", grace.KeyID, accountID),
			Suggestion: fmt.Sprintf("Consumers may still be using it; retry after %s", until),
		}
	}
	env := grace.Environment

	if err := c.prop.RetireOldKey(ctx, accountID); err != nil {
		c.recordRetirement(env, "error")
		c.recordPropagationFailure(err)
		return nil, err
	}

	grace.State = credential.StateRetired
	if err := c.store.UpdateRecord(ctx, grace, grace.Version); err != nil {
		c.recordRetirement(env, "error")
		return nil, err
	}

	c.recordRetirement(env, "success")
	c.emit(ctx, notify.Event{
		Type:        notify.EventTypeRetired,
		AccountID:   grace.AccountID,
		KeyID:       grace.KeyID,
		OwnerID:     grace.OwnerID,
		Environment: grace.Environment,
		Timestamp:   c.now().UTC(),
	})
	c.debugf("retired credential %s for account %s", grace.KeyID, accountID)

	return grace.Clone(), nil
}

// MarkExpired transitions an ACTIVE or GRACE credential whose deadline has
// passed to EXPIRED. It is a record-keeping transition; the external system
// is left untouched.
func (c *Coordinator) MarkExpired(ctx context.Context, keyID string) (*credential.Record, error) {
	rec, err := c.store.GetRecord(ctx, keyID)
	if err != nil {
		return nil, err
	}

	lock := c.accountLock(rec.AccountID)
	lock.Lock()
	defer lock.Unlock()

	// Re-read under the lock; the record may have moved.
	rec, err = c.store.GetRecord(ctx, keyID)
	if err != nil {
		return nil, err
	}
	if rec.State != credential.StateActive && rec.State != credential.StateGrace {
		return nil, taoerrors.UserError{
			Message: fmt.Sprintf("credential %s is %s and cannot expire", keyID, rec.State),
		}
	}

	now := c.now().UTC()
	expired := rec.IsExpired(now) || (rec.State == credential.StateGrace && rec.GraceElapsed(now))
	if !expired {
		return nil, taoerrors.UserError{
			Message:    fmt.Sprintf("credential %s does not expire until %s", keyID, rec.ExpiresAt.Format(time.RFC3339)),
			Suggestion: "Use 'taokey rotate' to replace a key before its deadline",
		}
	}

	rec.State = credential.StateExpired
	if err := c.store.UpdateRecord(ctx, rec, rec.Version); err != nil {
		return nil, err
	}

	c.debugf("marked credential %s for account %s as expired", keyID, rec.AccountID)
	return rec.Clone(), nil
}

func (c *Coordinator) generate(keySize int) (*keygen.Material, error) {
	if keySize == 0 {
		keySize = c.opts.KeySize
	}
	gen, err := keygen.New(keySize)
	if err != nil {
		return nil, err
	}
	return gen.Generate()
}

func (c *Coordinator) emit(ctx context.Context, event notify.Event) {
	if c.notifier == nil {
		return
	}
	if err := c.notifier.Send(ctx, event); err != nil {
		c.warnf("notification for %s/%s not sent: %v", event.AccountID, event.Type, err)
	}
}

func (c *Coordinator) emitRotationFailed(ctx context.Context, active *credential.Record, cause error) {
	c.emit(ctx, notify.Event{
		Type:        notify.EventTypeRotationFailed,
		AccountID:   active.AccountID,
		KeyID:       active.KeyID,
		OwnerID:     active.OwnerID,
		Environment: active.Environment,
		Error:       cause,
		Timestamp:   c.now().UTC(),
	})
}

func (c *Coordinator) recordIssuance(env, status string) {
	c.metrics.RecordIssuance(env, status)
}

func (c *Coordinator) recordRotation(env, status string, started time.Time) {
	c.metrics.RecordRotation(env, status, c.now().Sub(started).Seconds())
}

func (c *Coordinator) recordRetirement(env, status string) {
	c.metrics.RecordRetirement(env, status)
}

func (c *Coordinator) recordPropagationFailure(err error) {
	var perr taoerrors.PropagationError
	if errors.As(err, &perr) {
		c.metrics.RecordPropagationFailure(perr.Step)
	}
}

func (c *Coordinator) debugf(format string, args ...interface{}) {
	if c.logger != nil {
		c.logger.Debug(format, args...)
	}
}

func (c *Coordinator) warnf(format string, args ...interface{}) {
	if c.logger != nil {
		c.logger.Warn(format, args...)
	}
}
