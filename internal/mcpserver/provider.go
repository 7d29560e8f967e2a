package mcpserver

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kdlbs/taskbroker/internal/common/logger"
	"github.com/kdlbs/taskbroker/internal/toolsurface"
)

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{Port: 9191}
}

// NewWithLogger creates a new MCP server with the given configuration,
// dispatcher, and logger. This is useful for integration with dependency
// injection frameworks.
func NewWithLogger(cfg Config, dispatcher *toolsurface.Dispatcher, log *logger.Logger) *Server {
	srv := New(cfg, dispatcher)
	srv.logger = log.WithFields(zap.String("component", "mcp-server"))
	return srv
}

// Provide starts the MCP server and returns a cleanup function to stop it.
// This is useful for integration with dependency injection frameworks.
func Provide(ctx context.Context, cfg Config, dispatcher *toolsurface.Dispatcher, log *logger.Logger) (*Server, func() error, error) {
	srv := NewWithLogger(cfg, dispatcher, log)
	if err := srv.Start(ctx); err != nil {
		return nil, nil, err
	}

	var stopOnce sync.Once
	cleanup := func() error {
		var stopErr error
		stopOnce.Do(func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			stopErr = srv.Stop(stopCtx)
		})
		return stopErr
	}

	return srv, cleanup, nil
}

