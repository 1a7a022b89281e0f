// Package main is the entry point for the neuron geometry server.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/neuronviewer/server/internal/api"
	"github.com/neuronviewer/server/internal/cache"
	"github.com/neuronviewer/server/internal/config"
	"github.com/neuronviewer/server/internal/meshstore"
	"github.com/neuronviewer/server/internal/render"
	"github.com/neuronviewer/server/internal/service"
	"github.com/neuronviewer/server/internal/tracestore"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", "config/server.yaml", "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := cfg.Log.NewLogger(os.Stderr)
	fatal := func(msg string, err error) {
		logger.Error(msg, "error", err)
		os.Exit(1)
	}

	logger.Info(fmt.Sprintf("Starting neuron geometry server on port %d", cfg.Server.Port))

	ctx := context.Background()

	// Initialize cache manager
	cacheManager, err := cache.NewManager(cache.Config{
		PayloadCacheSizeMB: cfg.Cache.PayloadSizeMB,
		PayloadTTL:         time.Duration(cfg.Cache.PayloadTTLMinutes) * time.Minute,
		QueryCacheSize:     cfg.Cache.QueryEntries,
	})
	if err != nil {
		fatal("Failed to initialize cache", err)
	}
	defer cacheManager.Close()

	// Tracing database
	store, err := tracestore.Open(cfg.Data.Driver, cfg.Data.DSN)
	if err != nil {
		fatal("Failed to open tracing database", err)
	}
	defer store.Close()
	logger.Info("tracing database ready", "driver", store.Driver())

	// Compartment mesh store
	meshes, err := meshstore.Open(ctx, meshstore.Config{
		Driver:    meshstore.Driver(cfg.Meshes.Driver),
		Root:      cfg.Meshes.Root,
		Bucket:    cfg.Meshes.Bucket,
		Prefix:    cfg.Meshes.Prefix,
		Region:    cfg.Meshes.Region,
		Endpoint:  cfg.Meshes.Endpoint,
		PathStyle: cfg.Meshes.PathStyle,
	})
	if err != nil {
		fatal("Failed to open mesh store", err)
	}
	logger.Info("mesh store ready", "driver", meshes.Driver(), "versions", cfg.Meshes.Versions, "default", cfg.Meshes.DefaultVersion)

	previewRenderer := render.NewPreviewRenderer(render.Config{
		PreviewSize:     cfg.Render.PreviewSize,
		DefaultColormap: cfg.Render.DefaultColormap,
	})

	tracingService := service.NewTracingService(service.TracingServiceConfig{
		Store:        store,
		Cache:        cacheManager,
		Renderer:     previewRenderer,
		Logger:       logger,
		MaxBatchSize: cfg.Server.MaxBatchSize,
	})

	meshService, err := service.NewMeshService(meshes, cfg.Cache.MeshEntries, logger)
	if err != nil {
		fatal("Failed to initialize mesh service", err)
	}

	registry := api.NewMeshSetRegistry(cfg.Meshes.DefaultVersion, cfg.Meshes.Versions, "")

	// SWC import jobs share the tracing database
	importManager, err := api.NewImportJobManager(store, api.ImportJobManagerConfig{
		MaxConcurrent: cfg.Import.MaxConcurrent,
		MaxQueued:     cfg.Import.MaxQueued,
		Retention:     time.Duration(cfg.Import.RetainMinutes) * time.Minute,
		CleanupPeriod: 10 * time.Minute,
		SpoolDir:      filepath.Join(os.TempDir(), "neuronviewer-imports"),
		Logger:        logger,
	})
	if err != nil {
		fatal("Failed to initialize import job manager", err)
	}
	importManager.Imported = tracingService.Invalidate
	logger.Info("import job manager ready",
		"max_concurrent", cfg.Import.MaxConcurrent, "retain_minutes", cfg.Import.RetainMinutes)

	importManager.Start()
	defer importManager.Stop()

	// Set up HTTP router
	router := api.NewRouter(api.RouterConfig{
		Tracings:    tracingService,
		Meshes:      meshService,
		Registry:    registry,
		Imports:     importManager,
		CORSOrigins: cfg.Server.CORSOrigins,
	})

	// Create HTTP server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// Start server in goroutine
	go func() {
		logger.Info(fmt.Sprintf("Server listening on http://localhost:%d", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fatal("Server failed", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Server forced to shutdown", "error", err)
	}

	logger.Info("Server stopped")
}
