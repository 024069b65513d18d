package propagate

import (
	"context"
	"fmt"
	"sync"
)

// MockAccount is the external-system state the mock tracks per account.
type MockAccount struct {
	PrimaryKey   string
	SecondaryKey string
	Role         string
}

// Mock is an in-memory Propagator for local mode and tests. It mirrors the
// dual-slot behavior of the real system and can be told to fail on demand.
type Mock struct {
	mu       sync.Mutex
	accounts map[string]*MockAccount
	calls    []string

	// FailNext makes the next n operations fail, then clears itself.
	// Used by tests to exercise retry and rollback paths.
	FailNext int
}

// NewMock creates an empty mock external system.
func NewMock() *Mock {
	return &Mock{accounts: make(map[string]*MockAccount)}
}

func (m *Mock) Name() string {
	return "mock"
}

// failIfRequested consumes one injected failure if any are pending.
// Callers hold m.mu.
func (m *Mock) failIfRequested(op string) error {
	if m.FailNext > 0 {
		m.FailNext--
		return fmt.Errorf("injected %s failure", op)
	}
	return nil
}

func (m *Mock) CreateAccount(ctx context.Context, req CreateRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, "create:"+req.Account)

	if err := m.failIfRequested("create"); err != nil {
		return err
	}

	// CREATE USER IF NOT EXISTS semantics: an existing account keeps its key.
	if _, exists := m.accounts[req.Account]; exists {
		return nil
	}
	m.accounts[req.Account] = &MockAccount{
		PrimaryKey: req.PublicKey,
		Role:       req.Role,
	}
	return nil
}

func (m *Mock) RotateKey(ctx context.Context, account, newKey, oldKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, "rotate:"+account)

	if err := m.failIfRequested("rotate"); err != nil {
		return err
	}

	acct, exists := m.accounts[account]
	if !exists {
		return fmt.Errorf("unknown account %q", account)
	}
	acct.SecondaryKey = oldKey
	acct.PrimaryKey = newKey
	return nil
}

func (m *Mock) SetKey(ctx context.Context, account, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, "set:"+account)

	if err := m.failIfRequested("set"); err != nil {
		return err
	}

	acct, exists := m.accounts[account]
	if !exists {
		return fmt.Errorf("unknown account %q", account)
	}
	acct.PrimaryKey = key
	acct.SecondaryKey = ""
	return nil
}

func (m *Mock) RetireOldKey(ctx context.Context, account string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, "retire:"+account)

	if err := m.failIfRequested("retire"); err != nil {
		return err
	}

	acct, exists := m.accounts[account]
	if !exists {
		return fmt.Errorf("unknown account %q", account)
	}
	acct.SecondaryKey = ""
	return nil
}

func (m *Mock) Validate(ctx context.Context) error {
	return nil
}

// Account returns a copy of the mock's state for an account, or nil.
func (m *Mock) Account(name string) *MockAccount {
	m.mu.Lock()
	defer m.mu.Unlock()
	acct, exists := m.accounts[name]
	if !exists {
		return nil
	}
	c := *acct
	return &c
}

// Calls returns the operation log.
func (m *Mock) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string{}, m.calls...)
}
