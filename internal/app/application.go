// Package app wires the service together: storage, terminal catalog,
// session manager, protocol adapters, lookup orchestrator,
// reconciliation and the HTTP API.
package app

import (
	"context"
	"fmt"
	"net/http"

	"github.com/harborsync/harborsync/internal/app/httpapi"
	"github.com/harborsync/harborsync/internal/app/metrics"
	"github.com/harborsync/harborsync/internal/app/services/adapters"
	"github.com/harborsync/harborsync/internal/app/services/fetch"
	"github.com/harborsync/harborsync/internal/app/services/lookup"
	"github.com/harborsync/harborsync/internal/app/services/reconcile"
	"github.com/harborsync/harborsync/internal/app/services/registry"
	"github.com/harborsync/harborsync/internal/app/services/session"
	"github.com/harborsync/harborsync/internal/app/storage"
	"github.com/harborsync/harborsync/internal/app/storage/memory"
	"github.com/harborsync/harborsync/internal/app/system"
	"github.com/harborsync/harborsync/internal/config"
	"github.com/harborsync/harborsync/pkg/logger"
)

// Stores are the persistence backends. Nil fields fall back to a
// shared in-memory store, which is how tests and local runs work.
type Stores struct {
	Containers storage.ContainerStore
	Sessions   storage.SessionStore
	Terminals  storage.TerminalStore
}

func (s Stores) withDefaults() Stores {
	var mem *memory.Store
	fallback := func() *memory.Store {
		if mem == nil {
			mem = memory.New()
		}
		return mem
	}
	if s.Containers == nil {
		s.Containers = fallback()
	}
	if s.Sessions == nil {
		s.Sessions = fallback()
	}
	if s.Terminals == nil {
		s.Terminals = fallback()
	}
	return s
}

// Application is the assembled service.
type Application struct {
	Config    *config.Config
	Log       *logger.Logger
	Metrics   *metrics.Metrics
	Catalog   *registry.Service
	Sessions  *session.Manager
	Adapters  *adapters.Registry
	Lookups   *lookup.Service
	Engine    *reconcile.Engine
	Scheduler *reconcile.Scheduler

	api     *httpapi.Server
	manager *system.Manager
}

// New assembles the application from configuration and stores.
func New(cfg *config.Config, stores Stores, log *logger.Logger) (*Application, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if log == nil {
		log = logger.New(logger.LoggingConfig{
			Level:     cfg.Logging.Level,
			Format:    cfg.Logging.Format,
			Component: "harborsync",
		})
	}
	stores = stores.withDefaults()

	m := metrics.New()
	catalog := registry.New(cfg.TerminalModels(), stores.Terminals, log.WithField("component", "registry"))

	fetchOpts := fetch.Options{
		Timeout:    cfg.Fetch.Timeout,
		Retries:    cfg.Fetch.Retries,
		RetryDelay: cfg.Fetch.RetryDelay,
	}
	sessions := session.NewManager(stores.Sessions, stores.Terminals, fetchOpts,
		log.WithField("component", "session"),
		session.WithFetchObserver(m),
		session.WithLoginObserver(m),
	)

	reg, err := adapters.NewRegistry(
		adapters.NewTideworks(log.WithField("component", "tideworks"), 0),
		adapters.NewWUT(log.WithField("component", "wut")),
		adapters.NewETS(log.WithField("component", "ets"), nil),
	)
	if err != nil {
		return nil, fmt.Errorf("adapter registry: %w", err)
	}

	lookups := lookup.New(catalog, sessions, reg, m, log.WithField("component", "lookup"))
	engine := reconcile.NewEngine(stores.Containers, stores.Terminals, catalog, sessions, reg, m,
		log.WithField("component", "reconcile"))
	scheduler := reconcile.NewScheduler(engine, cfg.Reconcile.Schedule, cfg.Reconcile.RunAtStartEnabled(),
		log.WithField("component", "scheduler"))

	api := httpapi.New(stores.Containers, catalog, lookups, scheduler, m,
		log.WithField("component", "httpapi"))

	manager := system.NewManager()
	if err := manager.Register(scheduler); err != nil {
		return nil, fmt.Errorf("register scheduler: %w", err)
	}

	return &Application{
		Config:    cfg,
		Log:       log,
		Metrics:   m,
		Catalog:   catalog,
		Sessions:  sessions,
		Adapters:  reg,
		Lookups:   lookups,
		Engine:    engine,
		Scheduler: scheduler,
		api:       api,
		manager:   manager,
	}, nil
}

// Router returns the HTTP handler.
func (a *Application) Router() http.Handler {
	return a.api.Router()
}

// Start launches the background services.
func (a *Application) Start(ctx context.Context) error {
	return a.manager.Start(ctx)
}

// Stop shuts the background services down.
func (a *Application) Stop(ctx context.Context) error {
	return a.manager.Stop(ctx)
}
