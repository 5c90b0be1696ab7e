// File: cmd/environment.go
package cmd

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/xkilldash9x/socialdriver/internal/action"
	"github.com/xkilldash9x/socialdriver/internal/batch"
	"github.com/xkilldash9x/socialdriver/internal/browser"
	"github.com/xkilldash9x/socialdriver/internal/config"
	"github.com/xkilldash9x/socialdriver/internal/confirm"
	"github.com/xkilldash9x/socialdriver/internal/dispatch"
	"github.com/xkilldash9x/socialdriver/internal/locator"
	"github.com/xkilldash9x/socialdriver/internal/session"
	"github.com/xkilldash9x/socialdriver/internal/store"
)

// environment creates the external resources a command needs. Tests inject
// in-memory browsing contexts and stores through it.
type environment interface {
	// Provider returns the browsing-context provider and a function that
	// shuts it down.
	Provider(ctx context.Context, cfg *config.Config, logger *zap.Logger) (browser.Provider, func(), error)
	Store(ctx context.Context, cfg *config.Config, logger *zap.Logger) (store.Repository, error)
}

type defaultEnvironment struct{}

func (defaultEnvironment) Provider(ctx context.Context, cfg *config.Config, logger *zap.Logger) (browser.Provider, func(), error) {
	alloc := browser.NewAllocator(ctx, cfg.Browser, cfg.Network, logger)
	return alloc, alloc.Shutdown, nil
}

func (defaultEnvironment) Store(ctx context.Context, cfg *config.Config, logger *zap.Logger) (store.Repository, error) {
	return store.Open(ctx, cfg.Store, logger)
}

// components holds the services shared by every account worker.
type components struct {
	Config     *config.Config
	Logger     *zap.Logger
	Manager    *session.Manager
	Dispatcher *dispatch.Dispatcher
	Confirmer  *confirm.Machine
	Store      store.Repository
	Registry   *prometheus.Registry
	Metrics    *batch.Metrics

	shutdownProvider func()
}

// Shutdown gracefully closes all components.
func (c *components) Shutdown() {
	if c.Store != nil {
		if err := c.Store.Close(); err != nil {
			c.Logger.Warn("Error closing outcome store", zap.Error(err))
		}
	}
	if c.shutdownProvider != nil {
		c.shutdownProvider()
	}
}

// initializeComponents handles dependency injection. On error, whatever was
// already built is shut down.
func initializeComponents(ctx context.Context, env environment, cfg *config.Config, logger *zap.Logger) (c *components, err error) {
	c = &components{Config: cfg, Logger: logger}
	defer func() {
		if err != nil {
			c.Shutdown()
			c = nil
		}
	}()

	// 1. Locators and action profiles
	resolver, err := locator.FromConfig(cfg, logger)
	if err != nil {
		return c, fmt.Errorf("failed to build locator chains: %w", err)
	}
	catalog, err := action.NewCatalog(cfg)
	if err != nil {
		return c, fmt.Errorf("failed to build action profiles: %w", err)
	}

	// 2. Outcome store
	c.Store, err = env.Store(ctx, cfg, logger)
	if err != nil {
		return c, fmt.Errorf("failed to initialize outcome store: %w", err)
	}

	// 3. Browsing contexts
	provider, shutdown, err := env.Provider(ctx, cfg, logger)
	if err != nil {
		return c, fmt.Errorf("failed to initialize browser provider: %w", err)
	}
	c.shutdownProvider = shutdown

	// 4. Session, dispatch and confirmation
	c.Manager = session.NewManager(provider, resolver, cfg, logger)
	c.Dispatcher = dispatch.NewDispatcher(catalog, resolver, cfg, logger)
	c.Confirmer = confirm.NewMachine(catalog, resolver, cfg, logger)

	// 5. Metrics
	c.Registry = prometheus.NewRegistry()
	c.Metrics = batch.NewMetrics(c.Registry)
	return c, nil
}
