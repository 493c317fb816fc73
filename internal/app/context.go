package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"sepflow/internal/config"
	"sepflow/internal/db"
	"sepflow/internal/domain"
	"sepflow/internal/engine"
	"sepflow/internal/engine/auth"
	"sepflow/internal/logging"
	"sepflow/internal/repo"
	"sepflow/internal/store"
	"sepflow/internal/store/memory"
	"sepflow/internal/store/redis"
	"sepflow/internal/telemetry"
)

// App is a loaded workspace: config, store and the engine built over them.
type App struct {
	Workspace string
	Config    *config.Config
	Store     store.Store
	Engine    engine.Engine
	Metrics   *telemetry.Metrics
	Logger    *slog.Logger
}

// Open loads the workspace config and builds an engine over the configured backend.
func Open(ctx context.Context, workspace string, logger *slog.Logger) (*App, error) {
	cfg, err := config.Load(workspace)
	if err != nil {
		return nil, err
	}
	return New(ctx, workspace, cfg, logger)
}

// New builds an App from an already loaded config.
func New(ctx context.Context, workspace string, cfg *config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = logging.NewNop()
	}
	reg, err := auth.NewRegistry(cfg.Identities)
	if err != nil {
		return nil, fmt.Errorf("identities: %w", err)
	}
	table, err := cfg.Table(workspace)
	if err != nil {
		return nil, err
	}
	s, err := OpenStore(ctx, workspace, cfg.Store)
	if err != nil {
		return nil, err
	}
	metrics := telemetry.NewMetrics()
	e := engine.New(s, reg, table)
	e.Logger = logger
	e.Metrics = metrics
	return &App{
		Workspace: workspace,
		Config:    cfg,
		Store:     s,
		Engine:    e,
		Metrics:   metrics,
		Logger:    logger,
	}, nil
}

func (a *App) Close() error {
	if a == nil || a.Store == nil {
		return nil
	}
	return a.Store.Close()
}

// OpenStore opens the backend named by cfg.
func OpenStore(ctx context.Context, workspace string, cfg config.StoreConfig) (store.Store, error) {
	switch cfg.Backend {
	case "", config.BackendSQLite:
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return nil, err
		}
		r, err := repo.Open(ctx, db.Config{Workspace: workspace, BusyTimeoutMS: cfg.BusyTimeoutMS})
		if err != nil {
			return nil, err
		}
		return r, nil
	case config.BackendRedis:
		var opts []redis.Option
		if cfg.Redis.Prefix != "" {
			opts = append(opts, redis.WithPrefix(cfg.Redis.Prefix))
		}
		s := redis.New(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, opts...)
		if err := s.Ping(ctx); err != nil {
			s.Close()
			return nil, fmt.Errorf("redis %s: %w", cfg.Redis.Addr, err)
		}
		return s, nil
	case config.BackendMemory:
		return memory.NewStore(), nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}

// InitWorkspace writes the default config when none exists. It reports whether a file was written.
func InitWorkspace(workspace string) (bool, error) {
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		return false, err
	}
	path := config.Path(workspace)
	if _, err := os.Stat(path); err == nil {
		return false, nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return false, err
	}
	if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
		return false, fmt.Errorf("write %s: %w", path, err)
	}
	return true, nil
}

// SeedEmployees recruits an employee record for every Sub identity that lacks one,
// acting as the first HR identity. It returns the ids it created.
func SeedEmployees(ctx context.Context, e engine.Engine) ([]string, error) {
	var hr string
	var subs []auth.Identity
	for _, id := range e.Registry.Identities() {
		switch {
		case id.Role == domain.RoleHR && hr == "":
			hr = id.ID
		case id.Role == domain.RoleSub && id.EmployeeID != "":
			subs = append(subs, id)
		}
	}
	var created []string
	for _, sub := range subs {
		_, err := e.Store.Get(ctx, domain.EntityEmployee, sub.EmployeeID)
		if err == nil {
			continue
		}
		if !errors.Is(err, store.ErrNotFound) {
			return created, err
		}
		if hr == "" {
			return created, fmt.Errorf("employee %s for %s is missing and no HR identity can recruit it", sub.EmployeeID, sub.ID)
		}
		_, err = e.RecruitEmployee(ctx, engine.EmployeeCreateOptions{
			ID:         sub.EmployeeID,
			Name:       sub.ID,
			Department: "staff",
			ActorID:    hr,
		})
		if err != nil && !errors.Is(err, domain.ErrConflict) {
			return created, fmt.Errorf("recruit %s: %w", sub.EmployeeID, err)
		}
		if err == nil {
			created = append(created, sub.EmployeeID)
		}
	}
	return created, nil
}
