package cmd

import (
	"context"
	"errors"

	"localrouter/internal/app"
)

// runServe starts the service and blocks until shutdown.
func runServe(ctx context.Context) error {
	cfg := app.NewConfig(rootDebug, rootConfigPath)

	application, err := app.NewApplication(cfg)
	if err != nil {
		return err
	}

	err = application.Run(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
