// Package app bootstraps and runs the service: configuration loading,
// subsystem construction, api-locator registration, and lifecycle.
package app

import (
	"context"
	"fmt"
	"os"

	"localrouter/internal/config"
	"localrouter/pkg/logging"
)

// Application is the composed service.
type Application struct {
	config   *Config
	services *Services
}

// NewApplication performs the bootstrap sequence: logging, config
// loading, then service wiring.
func NewApplication(cfg *Config) (*Application, error) {
	appLogLevel := logging.LevelInfo
	if cfg.Debug {
		appLogLevel = logging.LevelDebug
	}
	logging.Init(appLogLevel, os.Stdout)

	var routerCfg config.LocalRouterConfig
	var err error
	if cfg.ConfigPath != "" {
		routerCfg, err = config.LoadConfig(cfg.ConfigPath)
	} else {
		routerCfg, err = config.LoadLayeredConfig()
	}
	if err != nil {
		logging.Error("Bootstrap", err, "Failed to load configuration")
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	services, err := NewServices(routerCfg, cfg.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	return &Application{
		config:   cfg,
		services: services,
	}, nil
}

// Run starts all services and blocks until ctx is cancelled.
func (a *Application) Run(ctx context.Context) error {
	if err := a.services.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	a.services.Stop()
	return ctx.Err()
}

// Services exposes the service container.
func (a *Application) Services() *Services {
	return a.services
}
