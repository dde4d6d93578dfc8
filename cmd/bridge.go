package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"localrouter/internal/app"
	"localrouter/internal/bridge"
	"localrouter/internal/config"
	"localrouter/pkg/logging"
)

// bridgeError ties an error to one of the documented exit codes.
type bridgeError struct {
	err  error
	code int
}

func (e *bridgeError) Error() string { return e.err.Error() }
func (e *bridgeError) Unwrap() error { return e.err }

func exitCodeFor(err error) int {
	var be *bridgeError
	if errors.As(err, &be) {
		return be.code
	}
	return 1
}

// runBridge runs the STDIO↔HTTP bridge until stdin closes. All logging
// goes to stderr; stdout carries JSON-RPC only.
func runBridge(ctx context.Context) error {
	level := logging.LevelWarn
	if rootDebug {
		level = logging.LevelDebug
	}
	logging.Init(level, os.Stderr)

	secret, err := app.ClientSecret(rootClientID)
	if err != nil {
		return &bridgeError{err: err, code: bridge.ExitSecretUnavailable}
	}

	cfg := config.GetDefaultConfig()
	if rootConfigPath != "" {
		loaded, err := config.LoadConfig(rootConfigPath)
		if err == nil {
			cfg = loaded
		}
	} else if loaded, err := config.LoadLayeredConfig(); err == nil {
		cfg = loaded
	}
	endpoint := fmt.Sprintf("http://%s:%d/mcp", cfg.Server.Host, cfg.Server.Port)

	b := bridge.New(endpoint, secret, os.Stdin, os.Stdout)
	if err := b.CheckUpstream(ctx); err != nil {
		return &bridgeError{err: err, code: bridge.ExitUpstreamDown}
	}

	if err := b.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return &bridgeError{err: err, code: bridge.ExitUpstreamDown}
	}
	return nil
}
