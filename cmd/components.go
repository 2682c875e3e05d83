package cmd

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/replaydock/internal/browser"
	"github.com/xkilldash9x/replaydock/internal/config"
	"github.com/xkilldash9x/replaydock/internal/executor"
	"github.com/xkilldash9x/replaydock/internal/observability"
	"github.com/xkilldash9x/replaydock/internal/store"
)

// components holds the services a command runs with.
type components struct {
	Store    store.Store
	Sessions executor.SessionFactory
	Registry *executor.Registry

	manager         *browser.Manager
	shutdownTracing func(context.Context) error
}

// componentsFactory wires the services for cfg. Tests replace it to avoid a
// real browser and database.
type componentsFactory func(ctx context.Context, cfg config.Interface, logger *zap.Logger) (*components, error)

// Shutdown releases everything the components hold.
func (c *components) Shutdown() {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	logger := observability.GetLogger()

	if c.manager != nil {
		if err := c.manager.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Error during browser manager shutdown", zap.Error(err))
		}
	}
	if c.Store != nil {
		if err := c.Store.Close(); err != nil {
			logger.Warn("Error closing run store", zap.Error(err))
		}
	}
	if c.shutdownTracing != nil {
		if err := c.shutdownTracing(shutdownCtx); err != nil {
			logger.Warn("Error flushing traces", zap.Error(err))
		}
	}
}

// initializeComponents wires the production services. Chrome is launched
// lazily by the first session, so commands that never open one pay nothing.
func initializeComponents(ctx context.Context, cfg config.Interface, logger *zap.Logger) (*components, error) {
	c := &components{}

	shutdown, err := observability.SetupTracing(ctx, cfg.Telemetry(), cfg.Logger().ServiceName)
	if err != nil {
		logger.Warn("Tracing disabled", zap.Error(err))
	}
	c.shutdownTracing = shutdown

	st, err := store.Open(ctx, cfg.Database(), logger)
	if err != nil {
		c.Shutdown()
		return nil, fmt.Errorf("failed to open run store: %w", err)
	}
	c.Store = st

	manager, err := browser.NewManager(ctx, cfg, logger)
	if err != nil {
		c.Shutdown()
		return nil, fmt.Errorf("failed to create browser manager: %w", err)
	}
	c.manager = manager
	c.Sessions = executor.ManagerFactory{Manager: manager}
	c.Registry = executor.NewRegistry(cfg, c.Sessions, c.Store, logger)
	return c, nil
}
