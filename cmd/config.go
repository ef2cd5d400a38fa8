package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/teemow/calfanout/internal/config"
	"github.com/teemow/calfanout/internal/kv"
	"github.com/teemow/calfanout/internal/logging"
	"github.com/teemow/calfanout/internal/server"
)

// loadConfig reads the file named by --config (or CALFANOUT_CONFIG) and
// overlays the environment. The result is not validated yet.
func loadConfig() (*config.Config, error) {
	path := configPath
	if path == "" {
		path = os.Getenv(config.EnvPrefix + "CONFIG")
	}
	return config.Load(path)
}

// newLogger builds the process logger. Logs go to stderr so the stdio
// transport keeps stdout for the protocol.
func newLogger(cfg *config.Config) (*slog.Logger, error) {
	logger, err := logging.New(os.Stderr, cfg.Logging.Format, cfg.Logging.Level)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(logger)
	return logger, nil
}

// openOffline builds a ServerContext for the one-shot commands.
func openOffline(ctx context.Context) (*server.ServerContext, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return nil, err
	}
	if kv.Backend(cfg.Storage.Type) == kv.BackendMemory {
		logger.Warn("Using memory storage; offline commands will not see any server state")
	}
	return server.NewServerContext(ctx, cfg, server.Options{Logger: logger})
}
