package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"intent-service/internal/app"
	"intent-service/internal/events"
	"intent-service/internal/handler"
	"intent-service/internal/middleware"
	"intent-service/internal/scheduler"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "configs/config.yml", "path to the YAML config file")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, *configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer a.Close()
	logger := a.Logger
	cfg := a.Config

	logger.Info("Starting Intent Service...")

	var wg sync.WaitGroup
	goRun := func(fn func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn()
		}()
	}

	goRun(func() { a.Interactions.Run(ctx) })

	// No foreground UI in the server: applied events are logged.
	goRun(func() {
		a.Assistant.Events().Run(ctx, func(e events.Event) {
			logger.Debug("Event applied", zap.String("kind", string(e.Kind)))
		})
	})

	if cfg.WatchArtifacts() {
		goRun(func() {
			if err := a.Predictor.Watch(ctx, a.Artifacts.CurrentPath()); err != nil {
				logger.Error("Artifact watcher stopped", zap.Error(err))
			}
		})
	}

	if cfg.ScheduleEnabled() {
		sched, err := scheduler.New(cfg.Training.Schedule, a.Assistant, logger)
		if err != nil {
			logger.Fatal("Failed to create training scheduler", zap.Error(err))
		}
		goRun(func() { sched.Run(ctx) })
	}

	// Setup Gin router
	gin.SetMode(cfg.Server.Mode)
	router := gin.New()
	router.Use(gin.Recovery())

	// Add CORS middleware
	router.Use(func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	})

	apiHandler := handler.NewHandler(a.Assistant, a.Artifacts, a.Registry, logger)
	apiHandler.RegisterRoutes(router, middleware.AuthMiddleware(cfg.Auth.JWTSecret, logger))

	serverAddr := fmt.Sprintf(":%s", cfg.Server.Port)
	srv := &http.Server{
		Addr:    serverAddr,
		Handler: router,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	logger.Info("Intent Service is running",
		zap.String("address", serverAddr),
		zap.String("model_version", a.Predictor.Version()),
		zap.Bool("scheduled_training", cfg.ScheduleEnabled()))

	<-ctx.Done()
	logger.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}

	a.Assistant.Close()
	wg.Wait()
	logger.Info("Server exited")
}
