package propagate

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"strings"
	"time"

	// Registers the "snowflake" driver with database/sql.
	_ "github.com/snowflakedb/gosnowflake"

	"github.com/snowops/taokey/internal/logging"
)

// Snowflake DDL for user and key management takes no bind parameters, so
// identifiers and key bodies are validated before interpolation.
var (
	identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_$]*$`)
	keyBodyPattern    = regexp.MustCompile(`^[A-Za-z0-9+/=]+$`)
)

// SnowflakeConfig holds connection settings for the real propagator.
type SnowflakeConfig struct {
	Account   string
	User      string
	Password  string
	Warehouse string
	Role      string
	Timeout   time.Duration
}

// DSN renders the gosnowflake connection string.
func (c SnowflakeConfig) DSN() string {
	dsn := fmt.Sprintf("%s:%s@%s", c.User, c.Password, c.Account)
	var params []string
	if c.Warehouse != "" {
		params = append(params, "warehouse="+c.Warehouse)
	}
	if c.Role != "" {
		params = append(params, "role="+c.Role)
	}
	if len(params) > 0 {
		dsn += "?" + strings.Join(params, "&")
	}
	return dsn
}

// Snowflake propagates public keys with ALTER USER statements over the
// gosnowflake driver. The secondary key slot (RSA_PUBLIC_KEY_2) carries the
// outgoing key during the grace window, so both generations authenticate
// until retirement clears it.
type Snowflake struct {
	db      *sql.DB
	timeout time.Duration
	logger  *logging.Logger
}

// NewSnowflake opens a connection pool against the configured account.
func NewSnowflake(cfg SnowflakeConfig, logger *logging.Logger) (*Snowflake, error) {
	dsn := cfg.DSN()
	if logger != nil {
		logger.Debug("Connecting to snowflake: %s", logging.Redact(dsn, []string{cfg.Password}))
	}
	db, err := sql.Open("snowflake", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open snowflake connection: %w", err)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Snowflake{db: db, timeout: timeout, logger: logger}, nil
}

// NewSnowflakeWithDB wraps an existing connection, used by tests.
func NewSnowflakeWithDB(db *sql.DB, logger *logging.Logger) *Snowflake {
	return &Snowflake{db: db, timeout: 30 * time.Second, logger: logger}
}

func (s *Snowflake) Name() string {
	return "snowflake"
}

// validIdentifier rejects anything that cannot be safely interpolated into
// Snowflake DDL.
func validIdentifier(name string) error {
	if !identifierPattern.MatchString(name) {
		return fmt.Errorf("invalid snowflake identifier %q", name)
	}
	return nil
}

// cleanKey strips PEM armor if a caller passed the armored form and rejects
// anything that is not base64 body text.
func cleanKey(key string) (string, error) {
	k := strings.ReplaceAll(key, "-----BEGIN PUBLIC KEY-----", "")
	k = strings.ReplaceAll(k, "-----END PUBLIC KEY-----", "")
	k = strings.ReplaceAll(k, "\n", "")
	k = strings.ReplaceAll(k, "\r", "")
	k = strings.TrimSpace(k)
	if k == "" || !keyBodyPattern.MatchString(k) {
		return "", fmt.Errorf("public key is not a valid base64 body")
	}
	return k, nil
}

func (s *Snowflake) exec(ctx context.Context, stmt string) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	_, err := s.db.ExecContext(ctx, stmt)
	return err
}

func (s *Snowflake) CreateAccount(ctx context.Context, req CreateRequest) error {
	if err := validIdentifier(req.Account); err != nil {
		return err
	}
	key, err := cleanKey(req.PublicKey)
	if err != nil {
		return err
	}

	warehouse := req.Warehouse
	if warehouse == "" {
		warehouse = "COMPUTE_WH"
	}
	if err := validIdentifier(warehouse); err != nil {
		return err
	}

	stmt := fmt.Sprintf(
		`CREATE USER IF NOT EXISTS %s RSA_PUBLIC_KEY = '%s' DEFAULT_WAREHOUSE = '%s' MUST_CHANGE_PASSWORD = FALSE`,
		req.Account, key, warehouse)
	if err := s.exec(ctx, stmt); err != nil {
		return fmt.Errorf("create user failed: %w", err)
	}
	if s.logger != nil {
		s.logger.Debug("Created snowflake user %s with key %s", req.Account, logging.Secret(key))
	}

	if req.Role != "" {
		if err := validIdentifier(req.Role); err != nil {
			return err
		}
		grant := fmt.Sprintf(`GRANT ROLE %s TO USER %s`, req.Role, req.Account)
		if err := s.exec(ctx, grant); err != nil {
			return fmt.Errorf("role grant failed: %w", err)
		}
	}
	return nil
}

func (s *Snowflake) RotateKey(ctx context.Context, account, newKey, oldKey string) error {
	if err := validIdentifier(account); err != nil {
		return err
	}
	nk, err := cleanKey(newKey)
	if err != nil {
		return err
	}
	ok, err := cleanKey(oldKey)
	if err != nil {
		return err
	}

	// Old key moves to the secondary slot first so the account never has a
	// moment with zero accepted keys.
	demote := fmt.Sprintf(`ALTER USER %s SET RSA_PUBLIC_KEY_2 = '%s'`, account, ok)
	if err := s.exec(ctx, demote); err != nil {
		return fmt.Errorf("secondary key install failed: %w", err)
	}

	install := fmt.Sprintf(`ALTER USER %s SET RSA_PUBLIC_KEY = '%s'`, account, nk)
	if err := s.exec(ctx, install); err != nil {
		return fmt.Errorf("primary key install failed: %w", err)
	}
	return nil
}

func (s *Snowflake) SetKey(ctx context.Context, account, key string) error {
	if err := validIdentifier(account); err != nil {
		return err
	}
	k, err := cleanKey(key)
	if err != nil {
		return err
	}

	install := fmt.Sprintf(`ALTER USER %s SET RSA_PUBLIC_KEY = '%s'`, account, k)
	if err := s.exec(ctx, install); err != nil {
		return fmt.Errorf("primary key install failed: %w", err)
	}

	unset := fmt.Sprintf(`ALTER USER %s UNSET RSA_PUBLIC_KEY_2`, account)
	if err := s.exec(ctx, unset); err != nil {
		return fmt.Errorf("secondary key clear failed: %w", err)
	}
	return nil
}

func (s *Snowflake) RetireOldKey(ctx context.Context, account string) error {
	if err := validIdentifier(account); err != nil {
		return err
	}
	stmt := fmt.Sprintf(`ALTER USER %s UNSET RSA_PUBLIC_KEY_2`, account)
	if err := s.exec(ctx, stmt); err != nil {
		return fmt.Errorf("secondary key clear failed: %w", err)
	}
	return nil
}

func (s *Snowflake) Validate(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("snowflake connectivity check failed: %w", err)
	}
	return nil
}

// Close releases the connection pool.
func (s *Snowflake) Close() error {
	return s.db.Close()
}
