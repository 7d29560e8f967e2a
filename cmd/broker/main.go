// Package main is the entry point for the taskbroker server: it loads
// configuration, wires up the engine (components A-H), exposes the Tool
// Surface over MCP, and waits for a shutdown signal.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/kdlbs/taskbroker/internal/common/config"
	"github.com/kdlbs/taskbroker/internal/common/logger"
	"github.com/kdlbs/taskbroker/internal/engine"
	"github.com/kdlbs/taskbroker/internal/mcpserver"
	"github.com/kdlbs/taskbroker/internal/toolsurface"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()
	logger.SetDefault(log)

	log.Info("starting taskbroker")

	// 3. Create a cancellable root context
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 4. Build the engine: Persistence, Event Sink, Registry, Waiter
	// Table, Matcher, Task Queue, Scheduler, and Tool Surface dispatcher.
	eng, err := engine.New(ctx, cfg, log, toolsurface.AllowAll)
	if err != nil {
		log.Fatal("failed to build engine", zap.Error(err))
	}

	// 5. Start the background scheduler sweeps.
	if err := eng.Start(ctx); err != nil {
		log.Fatal("failed to start scheduler", zap.Error(err))
	}
	log.Info("scheduler started")

	// 6. Expose the Tool Surface over MCP.
	mcpCfg := mcpserver.Config{Port: cfg.ToolSurface.MCPPort}
	srv, cleanupMCP, err := mcpserver.Provide(ctx, mcpCfg, eng.Dispatcher, log)
	if err != nil {
		log.Fatal("failed to start MCP server", zap.Error(err))
	}
	log.Info("MCP server started",
		zap.String("sse_endpoint", srv.SSEEndpoint()),
		zap.String("streamable_http_endpoint", srv.StreamableHTTPEndpoint()))

	// 7. Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down taskbroker...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := cleanupMCP(); err != nil {
		log.Error("MCP server shutdown error", zap.Error(err))
	}
	if err := eng.Shutdown(shutdownCtx); err != nil {
		log.Error("engine shutdown error", zap.Error(err))
	}

	log.Info("taskbroker stopped")
}
