// Command fluxgate runs the inference gateway.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/openfluxai/fluxgate/core"
	"github.com/openfluxai/fluxgate/gateway"
)

func main() {
	configPath := flag.String("config", "", "path to the YAML configuration file")
	flag.Parse()

	cfg, err := gateway.LoadConfig(*configPath)
	if err != nil {
		fatal("Configuration error", err)
	}

	logger := core.NewJSONLogger(core.ParseLogLevel(cfg.LogLevel))

	g, err := gateway.New(cfg, logger)
	if err != nil {
		fatal("Gateway initialization failed", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	g.Start(ctx)

	server := gateway.NewServer(g)

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		fatal("Server failed", err)
	case sig := <-sigCh:
		logger.Info("Shutting down", map[string]interface{}{
			"operation": "shutdown",
			"signal":    sig.String(),
		})
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP shutdown incomplete", map[string]interface{}{
			"operation": "shutdown",
			"error":     err.Error(),
		})
	}
	if err := g.Close(shutdownCtx); err != nil {
		logger.Warn("Gateway close incomplete", map[string]interface{}{
			"operation": "shutdown",
			"error":     err.Error(),
		})
	}
}

func fatal(msg string, err error) {
	core.NewJSONLogger(core.LevelError).Error(msg, map[string]interface{}{
		"operation": "startup",
		"error":     err.Error(),
	})
	os.Exit(1)
}
