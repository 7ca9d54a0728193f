// Package main is the entry point for the device discovery service.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aiforce-discovery-agent/collectors/device-discovery/internal/api"
	"github.com/aiforce-discovery-agent/collectors/device-discovery/internal/app"
	"github.com/aiforce-discovery-agent/collectors/device-discovery/internal/config"
	"github.com/aiforce-discovery-agent/collectors/device-discovery/internal/logging"
	"github.com/spf13/pflag"
)

func main() {
	config.AddFlags(pflag.CommandLine)
	pflag.Parse()

	// Load configuration
	cfg, err := config.LoadFlags(pflag.CommandLine)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	logger, err := logging.New(logging.Options{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	sugar := logger.Sugar()
	sugar.Info("Starting device discovery service")
	sugar.Infow("Configuration loaded",
		"port", cfg.Server.Port,
		"cache", cfg.Cache.Backend,
		"registry", cfg.Registry.Enabled,
		"rabbitmq", cfg.RabbitMQ.Enabled,
		"default_protocols", cfg.Discovery.DefaultProtocols,
	)

	// Initialize store, probes, registry, publisher and scanner
	startCtx, startCancel := context.WithTimeout(context.Background(), 10*time.Second)
	engine, err := app.Build(startCtx, cfg, sugar)
	startCancel()
	if err != nil {
		sugar.Fatalf("Failed to initialize discovery engine: %v", err)
	}

	// Initialize API server
	server := api.New(cfg.Server, engine.Scanner, sugar)

	// Create HTTP server
	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      server.Router(),
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		sugar.Infof("HTTP server listening on port %d", cfg.Server.Port)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			sugar.Fatalf("HTTP server error: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	sugar.Info("Shutting down server...")

	// Graceful shutdown with timeout
	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Server.ShutdownTimeout)*time.Second)
	defer cancel()

	// Shutdown HTTP server
	if err := httpServer.Shutdown(ctx); err != nil {
		sugar.Errorf("Server forced to shutdown: %v", err)
	}

	// Cancel running scans and release resources
	if err := engine.Close(ctx); err != nil {
		sugar.Errorf("Discovery engine shutdown incomplete: %v", err)
	}

	sugar.Info("Server stopped")
}
