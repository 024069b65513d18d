// Package commands implements the taokey CLI commands.
package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/zalando/go-keyring"

	"github.com/snowops/taokey/internal/config"
	"github.com/snowops/taokey/internal/credential"
	taoerrors "github.com/snowops/taokey/internal/errors"
	"github.com/snowops/taokey/internal/health"
	"github.com/snowops/taokey/internal/notify"
	"github.com/snowops/taokey/internal/propagate"
	"github.com/snowops/taokey/internal/rotation"
	"github.com/snowops/taokey/internal/scanner"
	"github.com/snowops/taokey/internal/store"
)

// keyringService is the OS keychain entry taokey reads Snowflake
// credentials from.
const keyringService = "taokey"

// runtime wires the configured backends together for one command
// invocation.
type runtime struct {
	cfg   *config.Config
	def   *config.Definition
	store store.Store
	prop  *propagate.Retrier
	coord *rotation.Coordinator

	manager *notify.Manager
	metrics *health.MetricsServer
	cancel  context.CancelFunc
}

// buildRuntime loads the configuration and assembles store, propagator,
// notifications and coordinator. Call close when the command finishes.
func buildRuntime(cfg *config.Config) (*runtime, error) {
	def, err := loadDefinition(cfg)
	if err != nil {
		return nil, err
	}

	st, err := buildStore(def)
	if err != nil {
		return nil, err
	}

	prop, err := buildPropagator(cfg, def)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	rt := &runtime{cfg: cfg, def: def, store: st, prop: prop}

	ctx, cancel := context.WithCancel(context.Background())
	rt.cancel = cancel

	sender := rt.startNotifications(ctx, def)

	if def.Metrics.Enabled {
		notify.InitMetrics()
		rt.metrics = health.NewMetricsServer(health.MetricsServerConfig{
			Enabled: true,
			Port:    def.Metrics.Port,
			Path:    def.Metrics.Path,
		}, cfg.Logger)
		if err := rt.metrics.Start(); err != nil {
			cfg.Logger.Warn("metrics server did not start: %v", err)
		}
	}

	rt.coord = rotation.NewCoordinator(st, prop, sender, cfg.Logger, rotation.Options{
		KeySize:    def.Rotation.KeySize,
		ExpiryDays: def.Rotation.ExpiryDays,
		GraceHours: def.Rotation.GraceHours,
	})

	return rt, nil
}

// close flushes notifications and releases backend connections.
func (rt *runtime) close() {
	if rt.manager != nil {
		rt.manager.Stop()
	}
	if rt.metrics != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = rt.metrics.Stop(ctx)
		cancel()
	}
	if rt.cancel != nil {
		rt.cancel()
	}
	_ = rt.store.Close()
}

// newScanner builds the expiry scanner over this runtime's backends.
func (rt *runtime) newScanner() *scanner.Scanner {
	var sender notify.Sender
	if rt.manager != nil {
		sender = rt.manager
	}
	return scanner.New(rt.store, sender, rt.cfg.Logger, scanner.Config{
		WarnDays:   rt.def.Scanner.WarnDays,
		UrgentDays: rt.def.Scanner.UrgentDays,
		Cooldown:   rt.def.Scanner.CooldownDuration(),
	})
}

// mustListAccount fetches an account's records for display purposes; lookup
// problems degrade to an empty listing rather than failing the command.
func mustListAccount(rt *runtime, accountID string) []*credential.Record {
	recs, err := rt.store.ListByAccount(context.Background(), accountID)
	if err != nil {
		return nil
	}
	return recs
}

// loadDefinition reads taokey.yaml; a missing file falls back to local mock
// mode so exploratory usage needs no setup.
func loadDefinition(cfg *config.Config) (*config.Definition, error) {
	err := cfg.Load()
	if err == nil {
		return cfg.Definition, nil
	}

	var ce taoerrors.ConfigError
	if errors.As(err, &ce) && ce.Field == "path" {
		cfg.Logger.Debug("no configuration at %s, using in-memory mock mode", cfg.Path)
		return config.Default(), nil
	}
	return nil, err
}

func buildStore(def *config.Definition) (store.Store, error) {
	switch def.Storage.Backend {
	case "memory":
		return store.NewMemoryStore(), nil
	case "", "file":
		dir := def.Storage.Dir
		if dir == "" {
			dir = store.DefaultStorageDir()
		}
		return store.NewFileStore(dir)
	case "postgres":
		pg, err := store.NewPostgresStore(def.Storage.DSN)
		if err != nil {
			return nil, err
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := pg.Migrate(ctx); err != nil {
			_ = pg.Close()
			return nil, err
		}
		return pg, nil
	default:
		return nil, taoerrors.ConfigError{
			Field:   "storage.backend",
			Value:   def.Storage.Backend,
			Message: "unknown storage backend",
		}
	}
}

func buildPropagator(cfg *config.Config, def *config.Definition) (*propagate.Retrier, error) {
	policy := propagate.RetryPolicy{
		MaxAttempts: def.Rotation.Retry.MaxAttempts,
		Backoff:     def.Rotation.Retry.Backoff,
		InitialWait: def.Rotation.Retry.InitialWait(),
	}

	if def.Snowflake.Mock {
		return propagate.NewRetrier(propagate.NewMock(), policy, cfg.Logger), nil
	}

	password, err := snowflakePassword(def.Snowflake)
	if err != nil {
		return nil, err
	}
	sf, err := propagate.NewSnowflake(propagate.SnowflakeConfig{
		Account:   def.Snowflake.Account,
		User:      def.Snowflake.User,
		Password:  password,
		Warehouse: def.Snowflake.Warehouse,
		Role:      def.Snowflake.Role,
	}, cfg.Logger)
	if err != nil {
		return nil, err
	}
	return propagate.NewRetrier(sf, policy, cfg.Logger), nil
}

// snowflakePassword resolves the administrator password from the configured
// source. The password never appears in taokey.yaml itself.
func snowflakePassword(sf config.SnowflakeConfig) (string, error) {
	switch sf.Auth {
	case "keyring":
		secret, err := keyring.Get(keyringService, sf.User)
		if err != nil {
			return "", taoerrors.UserError{
				Message:    fmt.Sprintf("no keychain entry for Snowflake user %q", sf.User),
				Suggestion: fmt.Sprintf("Store it with: secret-tool or keychain under service %q, account %q", keyringService, sf.User),
				Err:        err,
			}
		}
		return secret, nil
	default: // "env"
		password := os.Getenv("SNOWFLAKE_PASSWORD")
		if password == "" {
			return "", taoerrors.UserError{
				Message:    "SNOWFLAKE_PASSWORD is not set",
				Suggestion: "Export SNOWFLAKE_PASSWORD, or set snowflake.auth: keyring to use the OS keychain",
			}
		}
		return password, nil
	}
}

// startNotifications registers configured providers and starts the delivery
// worker. Returns nil when nothing is configured.
func (rt *runtime) startNotifications(ctx context.Context, def *config.Definition) notify.Sender {
	n := def.Notifications
	if n.Email == nil && len(n.Webhooks) == 0 {
		return nil
	}

	manager := notify.NewManager(n.QueueSize, rt.cfg.Logger)

	if e := n.Email; e != nil {
		manager.RegisterProvider(notify.NewEmailProvider(notify.EmailConfig{
			SMTP: notify.SMTPConfig{
				Host:     e.Host,
				Port:     e.Port,
				Username: e.Username,
				Password: e.Password,
			},
			From:        e.From,
			To:          e.To,
			OwnerDomain: e.OwnerDomain,
			Events:      e.Events,
		}))
	}

	for _, wh := range n.Webhooks {
		whCfg := notify.WebhookConfig{
			Name:    wh.Name,
			URL:     wh.URL,
			Method:  wh.Method,
			Headers: wh.Headers,
			Events:  wh.Events,
		}
		if wh.TimeoutMs != 0 {
			whCfg.Timeout = time.Duration(wh.TimeoutMs) * time.Millisecond
		}
		if wh.Retry.MaxAttempts != 0 || wh.Retry.Backoff != "" {
			whCfg.Retry = &notify.RetryConfig{
				MaxAttempts: wh.Retry.MaxAttempts,
				Backoff:     wh.Retry.Backoff,
				InitialWait: wh.Retry.InitialWait(),
			}
		}
		manager.RegisterProvider(notify.NewWebhookProvider(whCfg))
	}

	manager.Start(ctx)
	rt.manager = manager
	return manager
}
