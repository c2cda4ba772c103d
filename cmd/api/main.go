//	@title			File Service API
//	@version		1.0
//	@description	Streaming multipart uploads with local and object storage backends.
//
//	@host		localhost:8080
//	@BasePath	/

package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/log"

	"github.com/radif/fileservice/internal/app"
	"github.com/radif/fileservice/internal/config"
	"github.com/radif/fileservice/internal/db"
	"github.com/radif/fileservice/internal/files"
	"github.com/radif/fileservice/internal/logging"
	"github.com/radif/fileservice/internal/mirror"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("configuration failed", "error", err)
	}

	logger, logFile, err := logging.New(logging.Options{Dir: cfg.LogDir, Level: cfg.LogLevel, Prefix: "api"})
	if err != nil {
		log.Fatal("logger init failed", "error", err)
	}
	defer logFile.Close()

	ctx := context.Background()

	if err := db.Migrate(cfg.DatabaseURL, logger); err != nil {
		logger.Fatal("database migration failed", "error", err)
	}

	pool, err := db.Connect(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		logger.Fatal("database connection failed", "error", err)
	}
	defer pool.Close()

	primary, err := app.LocalBackend(cfg)
	if err != nil {
		logger.Fatal("storage init failed", "error", err)
	}

	var mirrors files.Mirror
	var mirrorPool *mirror.Pool
	if cfg.MirrorEnabled {
		secondary, err := app.CloudBackend(ctx, cfg, logger)
		if err != nil {
			logger.Fatal("object storage init failed", "error", err)
		}
		mirrorPool = mirror.NewPool(primary, secondary, cfg.MirrorWorkers, cfg.MirrorQueue, logger)
		mirrors = mirrorPool
	}

	// Wire dependencies: repository → service → handler
	repo := files.NewRepository(pool)
	svc := files.NewService(primary, repo, mirrors, files.Options{
		MaxFileSize: cfg.MaxFileSize,
		MaxFields:   cfg.MaxFields,
	}, logger)
	handler := files.NewHandler(svc, logger)

	r := newRouter(cfg, handler, logger)

	// Uploads stream for as long as the client sends, so only the header
	// phase is bounded.
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Start server in goroutine; wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		logger.Info("server listening", "port", cfg.Port, "env", cfg.AppEnv, "upload_dir", cfg.UploadDir)
		if !cfg.IsProduction() {
			logger.Info("swagger UI available", "url", "http://localhost:"+cfg.Port+"/swagger/")
		}
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server error", "error", err)
		}
	}()

	<-quit
	logger.Info("shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("forced shutdown", "error", err)
	}
	if mirrorPool != nil {
		if err := mirrorPool.Close(shutdownCtx); err != nil {
			logger.Warn("mirror queue not drained", "error", err)
		}
	}

	logger.Info("server stopped")
}
