// Package propagate pushes public keys to the external system of record.
//
// The real implementation speaks Snowflake SQL; a mock stands in for local
// mode and tests. Which one runs is a configuration decision, never a
// conditional inside the lifecycle logic.
package propagate

import (
	"context"
	"strings"
	"time"

	taoerrors "github.com/snowops/taokey/internal/errors"
	"github.com/snowops/taokey/internal/logging"
)

// CreateRequest carries everything initial issuance pushes to the external
// system: the account name, its first public key and an optional role grant.
type CreateRequest struct {
	Account   string
	PublicKey string // cleaned Snowflake form, no PEM armor
	Role      string
	Warehouse string
	Comment   string
}

// Propagator is the account/key boundary of the external system.
//
// All methods take the cleaned public key form (PEM armor stripped).
// Implementations must be safe for concurrent use across accounts.
type Propagator interface {
	// Name identifies the implementation ("snowflake" or "mock").
	Name() string

	// CreateAccount provisions the service account with its first key.
	// Creating an account that already exists is not an error.
	CreateAccount(ctx context.Context, req CreateRequest) error

	// RotateKey installs newKey as the accepted credential while keeping
	// oldKey valid in the secondary slot for the grace window.
	RotateKey(ctx context.Context, account, newKey, oldKey string) error

	// SetKey installs key as the only accepted credential, clearing the
	// secondary slot. Used for rollback after a failed rotation commit.
	SetKey(ctx context.Context, account, key string) error

	// RetireOldKey clears the secondary slot, ending the grace window.
	RetireOldKey(ctx context.Context, account string) error

	// Validate checks connectivity and permissions.
	Validate(ctx context.Context) error
}

// RetryPolicy bounds propagation attempts. Zero values take defaults.
type RetryPolicy struct {
	MaxAttempts int
	Backoff     string // linear, exponential, fixed
	InitialWait time.Duration
}

// DefaultRetryPolicy matches the notification webhook defaults.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		Backoff:     "exponential",
		InitialWait: 1 * time.Second,
	}
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	def := DefaultRetryPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = def.MaxAttempts
	}
	if p.Backoff == "" {
		p.Backoff = def.Backoff
	}
	if p.InitialWait <= 0 {
		p.InitialWait = def.InitialWait
	}
	return p
}

// wait returns the sleep duration after the given attempt (1-based).
func (p RetryPolicy) wait(attempt int) time.Duration {
	switch strings.ToLower(p.Backoff) {
	case "linear":
		return time.Duration(attempt) * p.InitialWait
	case "fixed":
		return p.InitialWait
	default: // exponential
		return p.InitialWait * (1 << (attempt - 1))
	}
}

// Retrier wraps a Propagator with bounded retries. Transient failures are
// retried internally; exhaustion surfaces as a PropagationError naming the
// failing step (spec: rotation is rolled back by the caller in that case).
type Retrier struct {
	inner  Propagator
	policy RetryPolicy
	logger *logging.Logger
}

// NewRetrier wraps inner with the given policy.
func NewRetrier(inner Propagator, policy RetryPolicy, logger *logging.Logger) *Retrier {
	return &Retrier{
		inner:  inner,
		policy: policy.withDefaults(),
		logger: logger,
	}
}

func (r *Retrier) Name() string {
	return r.inner.Name()
}

// do runs fn up to MaxAttempts times with backoff between attempts.
func (r *Retrier) do(ctx context.Context, account, step string, fn func(context.Context) error) error {
	var lastErr error
	for attempt := 1; attempt <= r.policy.MaxAttempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		r.debugf("Propagation %s failed for %s (attempt %d/%d): %v",
			step, account, attempt, r.policy.MaxAttempts, err)

		// Don't sleep after the last attempt
		if attempt < r.policy.MaxAttempts {
			select {
			case <-ctx.Done():
				return taoerrors.PropagationError{
					AccountID: account, Step: step, Attempts: attempt, Err: ctx.Err(),
				}
			case <-time.After(r.policy.wait(attempt)):
			}
		}
	}
	return taoerrors.PropagationError{
		AccountID: account, Step: step, Attempts: r.policy.MaxAttempts, Err: lastErr,
	}
}

func (r *Retrier) CreateAccount(ctx context.Context, req CreateRequest) error {
	return r.do(ctx, req.Account, "account creation", func(ctx context.Context) error {
		return r.inner.CreateAccount(ctx, req)
	})
}

func (r *Retrier) RotateKey(ctx context.Context, account, newKey, oldKey string) error {
	return r.do(ctx, account, "key rotation", func(ctx context.Context) error {
		return r.inner.RotateKey(ctx, account, newKey, oldKey)
	})
}

func (r *Retrier) SetKey(ctx context.Context, account, key string) error {
	return r.do(ctx, account, "key restore", func(ctx context.Context) error {
		return r.inner.SetKey(ctx, account, key)
	})
}

func (r *Retrier) RetireOldKey(ctx context.Context, account string) error {
	return r.do(ctx, account, "key retirement", func(ctx context.Context) error {
		return r.inner.RetireOldKey(ctx, account)
	})
}

func (r *Retrier) Validate(ctx context.Context) error {
	return r.inner.Validate(ctx)
}

func (r *Retrier) debugf(format string, args ...interface{}) {
	if r.logger != nil {
		r.logger.Debug(format, args...)
	}
}
