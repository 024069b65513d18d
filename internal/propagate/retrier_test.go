package propagate

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	taoerrors "github.com/snowops/taokey/internal/errors"
	"github.com/snowops/taokey/internal/logging"
)

func fastPolicy(attempts int) RetryPolicy {
	return RetryPolicy{MaxAttempts: attempts, Backoff: "fixed", InitialWait: time.Millisecond}
}

func TestRetrierSucceedsAfterTransientFailure(t *testing.T) {
	t.Parallel()

	mock := NewMock()
	mock.FailNext = 1
	r := NewRetrier(mock, fastPolicy(3), logging.New(false, true))

	err := r.CreateAccount(context.Background(), CreateRequest{
		Account:   "svc_retry",
		PublicKey: "MIIBIjAN",
	})
	require.NoError(t, err)

	assert.NotNil(t, mock.Account("svc_retry"))
	assert.Equal(t, []string{"create:svc_retry", "create:svc_retry"}, mock.Calls())
}

func TestRetrierExhaustionNamesTheStep(t *testing.T) {
	t.Parallel()

	mock := NewMock()
	require.NoError(t, mock.CreateAccount(context.Background(), CreateRequest{
		Account: "svc_retry", PublicKey: "MIIBIjAN",
	}))
	mock.FailNext = 3
	r := NewRetrier(mock, fastPolicy(3), logging.New(false, true))

	err := r.RotateKey(context.Background(), "svc_retry", "NEWKEY", "MIIBIjAN")
	require.Error(t, err)

	var perr taoerrors.PropagationError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "svc_retry", perr.AccountID)
	assert.Equal(t, "key rotation", perr.Step)
	assert.Equal(t, 3, perr.Attempts)

	// The failed rotation never touched the stored keys.
	acct := mock.Account("svc_retry")
	assert.Equal(t, "MIIBIjAN", acct.PrimaryKey)
	assert.Empty(t, acct.SecondaryKey)
}

func TestRetrierNilLoggerSurvivesFailures(t *testing.T) {
	t.Parallel()

	mock := NewMock()
	require.NoError(t, mock.CreateAccount(context.Background(), CreateRequest{
		Account: "svc_retry", PublicKey: "MIIBIjAN",
	}))
	mock.FailNext = 2
	r := NewRetrier(mock, fastPolicy(3), nil)

	err := r.SetKey(context.Background(), "svc_retry", "MIIBIjAN")
	require.NoError(t, err)

	mock.FailNext = 3
	err = r.SetKey(context.Background(), "svc_retry", "MIIBIjAN")
	var perr taoerrors.PropagationError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "key restore", perr.Step)
}

func TestRetrierStopsOnCancelledContext(t *testing.T) {
	t.Parallel()

	mock := NewMock()
	mock.FailNext = 5
	r := NewRetrier(mock, RetryPolicy{MaxAttempts: 5, Backoff: "fixed", InitialWait: time.Hour},
		logging.New(false, true))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := r.RetireOldKey(ctx, "svc_retry")
	var perr taoerrors.PropagationError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, 1, perr.Attempts)
	assert.ErrorIs(t, perr.Err, context.Canceled)
}

func TestRetryPolicyBackoff(t *testing.T) {
	t.Parallel()

	tests := []struct {
		backoff string
		attempt int
		want    time.Duration
	}{
		{"fixed", 1, time.Second},
		{"fixed", 4, time.Second},
		{"linear", 1, time.Second},
		{"linear", 3, 3 * time.Second},
		{"exponential", 1, time.Second},
		{"exponential", 3, 4 * time.Second},
	}
	for _, tt := range tests {
		p := RetryPolicy{Backoff: tt.backoff, InitialWait: time.Second}
		assert.Equal(t, tt.want, p.wait(tt.attempt), "%s attempt %d", tt.backoff, tt.attempt)
	}
}

func TestRetryPolicyDefaults(t *testing.T) {
	t.Parallel()

	p := RetryPolicy{}.withDefaults()
	assert.Equal(t, 3, p.MaxAttempts)
	assert.Equal(t, "exponential", p.Backoff)
	assert.Equal(t, time.Second, p.InitialWait)
}

func TestMockDualSlotLifecycle(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	mock := NewMock()

	require.NoError(t, mock.CreateAccount(ctx, CreateRequest{
		Account: "svc_mock", PublicKey: "KEYv1", Role: "ANALYST",
	}))

	// CREATE USER IF NOT EXISTS: a second create keeps the original key.
	require.NoError(t, mock.CreateAccount(ctx, CreateRequest{
		Account: "svc_mock", PublicKey: "KEYother",
	}))
	assert.Equal(t, "KEYv1", mock.Account("svc_mock").PrimaryKey)

	require.NoError(t, mock.RotateKey(ctx, "svc_mock", "KEYv2", "KEYv1"))
	acct := mock.Account("svc_mock")
	assert.Equal(t, "KEYv2", acct.PrimaryKey)
	assert.Equal(t, "KEYv1", acct.SecondaryKey)

	require.NoError(t, mock.RetireOldKey(ctx, "svc_mock"))
	assert.Empty(t, mock.Account("svc_mock").SecondaryKey)
}

func TestMockSetKeyClearsSecondary(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	mock := NewMock()
	require.NoError(t, mock.CreateAccount(ctx, CreateRequest{Account: "svc_mock", PublicKey: "KEYv1"}))
	require.NoError(t, mock.RotateKey(ctx, "svc_mock", "KEYv2", "KEYv1"))

	require.NoError(t, mock.SetKey(ctx, "svc_mock", "KEYv1"))
	acct := mock.Account("svc_mock")
	assert.Equal(t, "KEYv1", acct.PrimaryKey)
	assert.Empty(t, acct.SecondaryKey)
}

func TestMockUnknownAccount(t *testing.T) {
	t.Parallel()

	mock := NewMock()
	assert.Error(t, mock.RotateKey(context.Background(), "svc_ghost", "a", "b"))
	assert.Error(t, mock.SetKey(context.Background(), "svc_ghost", "a"))
	assert.Error(t, mock.RetireOldKey(context.Background(), "svc_ghost"))
}
