// Package main boots the serving-control core: it loads configuration,
// initializes logging, constructs the embeddable Engine, serves a health
// HTTP endpoint, and waits for a shutdown signal.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/ibs-source/inference-engine/internal/config"
	"github.com/ibs-source/inference-engine/internal/engine"
	"github.com/ibs-source/inference-engine/internal/logger"
	core "github.com/ibs-source/inference-engine/internal/ports"
)

// Application wires configuration, logging, and the Engine together, the
// same shape as the teacher's own Application struct.
type Application struct {
	config    *config.Config
	logger    core.Logger
	engine    *engine.Engine
	healthSrv *http.Server
	wg        sync.WaitGroup
}

func main() {
	os.Exit(run())
}

// run contains the program logic and returns an exit code. Using this
// pattern ensures defers run and avoids exit-after-defer lint issues.
func run() int {
	cfg, err := config.Load()
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		return 1
	}

	if err := logger.InitGlobalLogger(cfg.App.LogLevel, cfg.App.LogFormat); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		return 1
	}
	logr := logger.GetGlobalLogger()

	app := &Application{config: cfg, logger: logr}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := app.Start(ctx); err != nil {
		logr.Error("failed to start application", core.Field{Key: "error", Value: err})
		return 1
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	logr.Info("received shutdown signal", core.Field{Key: "signal", Value: sig})

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.App.ShutdownTimeout)
	defer shutdownCancel()

	if err := app.Shutdown(shutdownCtx); err != nil {
		logr.Error("failed to shutdown gracefully", core.Field{Key: "error", Value: err})
		return 1
	}

	logr.Info("application shutdown complete")
	return 0
}

// Start constructs the Engine and brings up the health server.
func (app *Application) Start(ctx context.Context) error {
	app.logger.Info("starting application",
		core.Field{Key: "name", Value: app.config.App.Name},
		core.Field{Key: "environment", Value: app.config.App.Environment},
	)

	eng, err := engine.New(ctx, app.config, app.logger)
	if err != nil {
		return fmt.Errorf("failed to construct engine: %w", err)
	}
	app.engine = eng

	app.startHealthServer()

	app.logger.Info("application started successfully")
	return nil
}

// Shutdown stops the health server and the engine, in that order.
func (app *Application) Shutdown(ctx context.Context) error {
	app.logger.Info("shutting down application")

	if app.healthSrv != nil {
		if err := app.healthSrv.Shutdown(ctx); err != nil {
			app.logger.Error("failed to shutdown health server", core.Field{Key: "error", Value: err})
		}
	}

	if app.engine != nil {
		if err := app.engine.Shutdown(ctx); err != nil {
			app.logger.Error("failed to shutdown engine", core.Field{Key: "error", Value: err})
		}
	}

	app.wg.Wait()
	return nil
}

func (app *Application) startHealthServer() {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", app.healthHandler)
	mux.HandleFunc("/healthz", app.healthHandler)
	mux.HandleFunc("/live", app.liveHandler)

	app.healthSrv = &http.Server{
		Addr:         fmt.Sprintf(":%d", app.config.App.HealthPort),
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}

	app.wg.Add(1)
	go app.runHealthServer()
}

func (app *Application) runHealthServer() {
	defer app.wg.Done()
	app.logger.Info("starting health server", core.Field{Key: "port", Value: app.config.App.HealthPort})

	err := app.healthSrv.ListenAndServe()
	if err == nil || err == http.ErrServerClosed {
		return
	}
	app.logger.Error("health server error", core.Field{Key: "error", Value: err})
}

func (app *Application) healthHandler(w http.ResponseWriter, r *http.Request) {
	health := app.engine.HealthCheck(r.Context())

	if health.Healthy {
		w.WriteHeader(http.StatusOK)
		if _, err := fmt.Fprintf(w, `{"status":"healthy","timestamp":"%s"}`, time.Now().Format(time.RFC3339)); err != nil {
			app.logger.Error("failed to write health response", core.Field{Key: "error", Value: err})
		}
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	if _, err := fmt.Fprintf(w, `{"status":"unhealthy","message":"%s","timestamp":"%s"}`,
		health.Message, time.Now().Format(time.RFC3339)); err != nil {
		app.logger.Error("failed to write health response", core.Field{Key: "error", Value: err})
	}
}

func (app *Application) liveHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	if _, err := fmt.Fprintf(w, `{"status":"alive","timestamp":"%s"}`, time.Now().Format(time.RFC3339)); err != nil {
		app.logger.Error("failed to write live response", core.Field{Key: "error", Value: err})
	}
}
