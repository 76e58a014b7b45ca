package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/qmtlab/qmt-bridge-go/internal/api"
	"github.com/qmtlab/qmt-bridge-go/internal/api/handlers"
	"github.com/qmtlab/qmt-bridge-go/internal/config"
	"github.com/qmtlab/qmt-bridge-go/internal/database"
	"github.com/qmtlab/qmt-bridge-go/internal/logging"
	"github.com/qmtlab/qmt-bridge-go/internal/qmt"
	"github.com/qmtlab/qmt-bridge-go/internal/services"
	"github.com/qmtlab/qmt-bridge-go/internal/telemetry"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Application failed: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Local overrides for development; absence is fine
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logging.Setup(cfg.LogLevel, cfg.Environment)

	tp, err := telemetry.Init(context.Background(), cfg.Telemetry, cfg.Environment)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			logrus.WithError(err).Warn("telemetry shutdown failed")
		}
	}()

	// Optional run-history database
	var db *database.PostgresDB
	var runRepo *database.TaskRunRepository
	if cfg.Database.Enabled {
		db, err = database.NewPostgresConnection(cfg.Database)
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		defer db.Close()

		runRepo = database.NewTaskRunRepository(db.Pool)
		if err := runRepo.EnsureSchema(context.Background()); err != nil {
			return fmt.Errorf("failed to prepare run history schema: %w", err)
		}
	}

	// Optional query-path response cache
	var redis *database.RedisClient
	if cfg.Redis.Enabled {
		redis, err = database.NewRedisConnection(cfg.Redis)
		if err != nil {
			return fmt.Errorf("failed to connect to Redis: %w", err)
		}
		defer redis.Close()
	}

	// Native sidecar client behind the process-wide serialization guard.
	// Everything downstream shares this one Service instance.
	native := qmt.NewService(qmt.NewClient(&cfg.QMT), qmt.NewSerializationGuard())

	if err := native.HealthCheck(context.Background()); err != nil {
		logrus.WithError(err).Warn("native sidecar not reachable at startup, continuing")
	}

	orchestrator := services.NewIncrementalOrchestrator(native, cfg.Download)

	var scheduler *services.Scheduler
	if cfg.Scheduler.Enabled {
		var recorder services.RunRecorder
		if runRepo != nil {
			recorder = runRepo
		}
		scheduler, err = services.NewScheduler(native, orchestrator, cfg.Scheduler, recorder)
		if err != nil {
			return fmt.Errorf("failed to initialize scheduler: %w", err)
		}
		scheduler.Start()
	}

	// Setup Gin router
	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Logger())
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware("qmt-bridge"))

	api.SetupRoutes(router, api.Dependencies{
		Native:    native,
		Download:  handlers.NewDownloadHandler(native, orchestrator, cfg.Download),
		Market:    handlers.NewMarketHandler(native, redis),
		Scheduler: handlers.NewSchedulerHandler(scheduler, runRepo),
		System:    handlers.NewSystemHandler(native),
		DB:        db,
		Redis:     redis,
	})

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       15 * time.Second,
	}

	go func() {
		logrus.WithField("port", cfg.Server.Port).Info("qmt-bridge starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logrus.WithError(err).Fatal("Failed to start server")
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logrus.Info("shutdown signal received")

	// Stop the scheduler first: it aborts at the next poll boundary and
	// leaves any in-flight native download to finish in the background.
	if scheduler != nil {
		scheduler.Stop()
	}

	// Give outstanding requests a deadline for completion
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	logrus.Info("qmt-bridge stopped")
	return nil
}
