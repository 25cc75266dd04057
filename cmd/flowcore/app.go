package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/rendis/flowcore/internal/backend"
	"github.com/rendis/flowcore/internal/config"
	"github.com/rendis/flowcore/internal/engine"
	"github.com/rendis/flowcore/internal/eventbus"
	"github.com/rendis/flowcore/internal/expressions"
	"github.com/rendis/flowcore/internal/functions"
	"github.com/rendis/flowcore/internal/isolation"
	"github.com/rendis/flowcore/internal/secrets"
	"github.com/rendis/flowcore/internal/store"
	"github.com/rendis/flowcore/internal/telemetry"
	"github.com/rendis/flowcore/internal/validation"
	"github.com/rendis/flowcore/pkg/schema"
)

// app holds the wired collaborators of one CLI invocation.
type app struct {
	cfg       *config.Config
	logger    *slog.Logger
	store     store.Store
	bus       eventbus.Bus
	functions *functions.Registry
	validator *validation.WorkflowValidator
	telemetry *telemetry.Service
	vault     *secrets.AESVault
	runner    *engine.Runner

	closers []func() error
}

func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (a *app, err error) {
	a = &app{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			_ = a.close(context.Background())
		}
	}()

	if a.store, err = openStore(ctx, cfg.Store); err != nil {
		return nil, err
	}
	a.closers = append(a.closers, a.store.Close)

	var documents store.DocumentStore = a.store
	if cfg.Store.DocumentCacheSize > 0 {
		if documents, err = store.NewCachedDocumentStore(a.store, cfg.Store.DocumentCacheSize); err != nil {
			return nil, err
		}
	}

	if a.bus, err = a.openBus(ctx); err != nil {
		return nil, err
	}
	if a.functions, err = a.openFunctions(ctx); err != nil {
		return nil, err
	}
	if a.validator, err = validation.NewWorkflowValidator(a.functions); err != nil {
		return nil, err
	}

	evaluator, err := expressions.NewEvaluator(cfg.Engine.ExpressionLanguage)
	if err != nil {
		return nil, err
	}

	if a.telemetry, err = telemetry.New(ctx, cfg.Telemetry.Enabled, logger); err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func() error { return a.telemetry.Shutdown(context.Background()) })
	observer, err := a.telemetry.NewObserver()
	if err != nil {
		return nil, fmt.Errorf("register telemetry instruments: %w", err)
	}

	limits := isolation.Limits{
		MemoryBytes:  cfg.Backend.MemoryMB << 20,
		CPUPercent:   cfg.Backend.CPUQuota,
		AllowNetwork: cfg.Backend.AllowNetwork,
	}
	shell := backend.NewShellBackend(backend.ShellConfig{
		Isolator:       isolation.NewIsolator(),
		Limits:         limits,
		WorkDir:        cfg.Backend.WorkDir,
		MaxOutputBytes: cfg.Backend.MaxOutputBytes,
	})

	var resolver engine.SecretResolver
	if a.vault, err = openVault(a.store, cfg.Secrets); err != nil {
		return nil, err
	}
	if a.vault != nil {
		resolver = a.vault
	}

	a.runner = engine.NewRunner(a.store, engine.Services{
		Evaluator: evaluator,
		Documents: documents,
		Bus:       a.bus,
		Backend:   shell,
		Functions: a.functions,
		Observer:  observer,
		Secrets:   resolver,
		Logger:    logger,
		Options: engine.Options{
			MaxForkConcurrency: cfg.Engine.MaxForkConcurrency,
			PublishLifecycle:   cfg.Engine.PublishLifecycle,
			RunWorkDir:         cfg.Backend.WorkDir,
		},
	}, cfg.Engine.PoolSize)
	return a, nil
}

func openStore(ctx context.Context, cfg config.StoreConfig) (store.Store, error) {
	var st store.Store
	switch cfg.Driver {
	case "memory":
		st = store.NewMemoryStore()
	default:
		if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o700); err != nil {
			return nil, fmt.Errorf("create store directory: %w", err)
		}
		dsn := cfg.DBPath
		if !strings.HasPrefix(dsn, "file:") {
			dsn = "file:" + dsn
		}
		lib, err := store.NewLibSQLStore(dsn)
		if err != nil {
			return nil, err
		}
		st = lib
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("migrate store: %w", err)
	}
	return st, nil
}

// openVault returns nil when no passphrase is configured.
func openVault(st store.Store, cfg config.SecretsConfig) (*secrets.AESVault, error) {
	if cfg.Passphrase == "" {
		return nil, nil
	}
	ss, ok := st.(store.SecretStore)
	if !ok {
		return nil, fmt.Errorf("store %T cannot hold secrets", st)
	}
	return secrets.NewAESVault(ss, secrets.Config{Passphrase: cfg.Passphrase, Salt: []byte(cfg.Salt)})
}

func (a *app) openBus(ctx context.Context) (eventbus.Bus, error) {
	cfg := a.cfg.EventBus
	if cfg.Driver != "redis" {
		return eventbus.NewMemoryBus(cfg.BufferSize), nil
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	a.closers = append(a.closers, client.Close)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect redis %s: %w", cfg.RedisAddr, err)
	}
	return eventbus.NewRedisBus(client, cfg.Channel, cfg.BufferSize)
}

func (a *app) openFunctions(ctx context.Context) (*functions.Registry, error) {
	cfg := a.cfg.Functions
	reg := functions.NewRegistry(functions.NewBreakers(functions.BreakerConfig{
		Threshold: cfg.BreakerThreshold,
		Cooldown:  cfg.BreakerCooldown,
		Probes:    1,
	}))
	if err := reg.Register(functions.NewHTTPFunction(functions.HTTPConfig{Timeout: cfg.HTTPTimeout})); err != nil {
		return nil, err
	}
	if cfg.Builtins {
		err := functions.RegisterBuiltins(reg, functions.BuiltinConfig{
			Paths: isolation.Limits{WorkDirs: cfg.FSRoots},
		})
		if err != nil {
			return nil, err
		}
	}
	for _, srv := range cfg.MCPServers {
		bridge, err := functions.ConnectMCP(ctx, srv, a.logger)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, bridge.Close)
		n, err := bridge.Register(ctx, reg)
		if err != nil {
			return nil, err
		}
		a.logger.InfoContext(ctx, "mcp tools registered", slog.String("server", srv.Name), slog.Int("tools", n))
	}
	return reg, nil
}

// load reads a definition file, applying the engine default timeout to
// definitions that declare none.
func (a *app) load(path string) (*schema.Workflow, *schema.ValidationResult, error) {
	def, result, err := a.validator.Load(path)
	if err != nil {
		return nil, result, err
	}
	if def.Timeout == nil && a.cfg.Engine.DefaultTimeout > 0 {
		def.Timeout = &schema.Timeout{After: schema.NewDuration(a.cfg.Engine.DefaultTimeout)}
	}
	return def, result, nil
}

// close suspends active runs and releases resources in reverse order.
func (a *app) close(ctx context.Context) error {
	var errs []error
	if a.runner != nil {
		errs = append(errs, a.runner.Shutdown(ctx))
		a.runner = nil
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	return errors.Join(errs...)
}
