// Command connector launches the Postgres change-notification connector.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/wandererhq/connector/config"
	"github.com/wandererhq/connector/internal/listener"
	"github.com/wandererhq/connector/internal/persistence/migrations"
	"github.com/wandererhq/connector/internal/router"
	httpserver "github.com/wandererhq/connector/internal/server/http"
	"github.com/wandererhq/connector/internal/store"
	"github.com/wandererhq/connector/internal/trigger"
	"github.com/wandererhq/connector/internal/user"
	"github.com/wandererhq/connector/lib/async"
	"github.com/wandererhq/connector/lib/telemetry"
)

const (
	defaultConfigPath = "config/connector.yaml"
	loggerPrefix      = "connector "

	shutdownTimeout          = 30 * time.Second
	httpShutdownTimeout      = 5 * time.Second
	listenerShutdownTimeout  = 5 * time.Second
	workerShutdownTimeout    = 10 * time.Second
	telemetryShutdownTimeout = 5 * time.Second
	migrateTimeout           = 30 * time.Second
	triggerInstallTimeout    = 10 * time.Second
)

func main() {
	cfgPath := parseFlags()
	ctx, cancel := newSignalContext()
	defer cancel()

	logger := newConnectorLogger()

	cfg, loadedFromFile, err := config.LoadOrEnv(cfgPath)
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	if !loadedFromFile {
		logger.Printf("configuration file not found, using environment")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatalf("validate config: %v", err)
	}
	logger.Printf("configuration initialised: env=%s, watches=%d, pool=%d",
		cfg.Environment, len(cfg.Listener.Watches), cfg.Pool.Capacity)

	_, telemetryShutdown, err := telemetry.Init(ctx, cfg.Telemetry)
	if err != nil {
		logger.Fatalf("initialise telemetry: %v", err)
	}

	migrateCtx, migrateCancel := context.WithTimeout(ctx, migrateTimeout)
	err = migrations.Apply(migrateCtx, cfg.Database.URL, logger)
	migrateCancel()
	if err != nil {
		logger.Fatalf("apply migrations: %v", err)
	}

	pool, err := store.NewPool(store.PgxDialer{URL: cfg.Database.URL}, cfg.Pool.Capacity, cfg.Pool.AcquireTimeout, logger)
	if err != nil {
		logger.Fatalf("initialise connection pool: %v", err)
	}

	workers, err := async.NewPool(cfg.Workers.Count, cfg.Workers.Queue)
	if err != nil {
		logger.Fatalf("initialise worker pool: %v", err)
	}

	executor, err := store.NewExecutor(pool, workers)
	if err != nil {
		logger.Fatalf("initialise executor: %v", err)
	}

	repository, err := user.NewRepository(executor)
	if err != nil {
		logger.Fatalf("initialise user repository: %v", err)
	}

	if err := installTriggers(ctx, cfg, executor, logger); err != nil {
		logger.Fatalf("install notify triggers: %v", err)
	}

	eventRouter := router.New(router.Config{
		BufferSize:    cfg.Router.BufferSize,
		FanoutWorkers: cfg.Router.FanoutWorkers,
	}, logger)

	notifyListener, err := listener.New(
		listener.PgxDialer{URL: cfg.Database.URL},
		eventRouter,
		cfg.Listener.Channels(),
		cfg.Listener.Backoff,
		logger,
	)
	if err != nil {
		logger.Fatalf("initialise notification listener: %v", err)
	}
	notifyListener.Start()
	logger.Printf("notification listener started: channels=%v", cfg.Listener.Channels())

	var lifecycle conc.WaitGroup

	apiServer := httpserver.NewServer(cfg.Server, repository, eventRouter, logger)
	startAPIServer(&lifecycle, logger, apiServer)
	logger.Printf("API listening on %s", apiServer.Addr)

	logger.Print("connector started; awaiting shutdown signal")
	select {
	case <-ctx.Done():
		logger.Print("shutdown signal received, initiating graceful shutdown")
	case <-notifyListener.Done():
		if err := notifyListener.Err(); err != nil {
			logger.Printf("notification listener failed: %v", err)
		} else {
			logger.Print("notification listener stopped")
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	shutdownStart := time.Now()
	performGracefulShutdown(shutdownCtx, logger, gracefulShutdownConfig{
		server:            apiServer,
		mainCancel:        cancel,
		lifecycle:         &lifecycle,
		listener:          notifyListener,
		router:            eventRouter,
		pool:              pool,
		workers:           workers,
		telemetryShutdown: telemetryShutdown,
	})

	logger.Printf("shutdown completed in %v", time.Since(shutdownStart))
	if err := notifyListener.Err(); err != nil {
		os.Exit(1)
	}
}

func parseFlags() string {
	cfgPath := flag.String("config", "", fmt.Sprintf("Path to configuration file (default: %s)", defaultConfigPath))
	flag.Parse()
	if *cfgPath != "" {
		return *cfgPath
	}
	return defaultConfigPath
}

func newSignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func newConnectorLogger() *log.Logger {
	return log.New(os.Stdout, loggerPrefix, log.LstdFlags|log.Lmicroseconds)
}

// installTriggers installs the pg_notify function and insert trigger for every
// watched table using one pooled connection.
func installTriggers(ctx context.Context, cfg config.Settings, executor *store.Executor, logger *log.Logger) error {
	registrar, err := trigger.NewRegistrar(cfg.Listener.Watches, logger)
	if err != nil {
		return err
	}
	installCtx, cancel := context.WithTimeout(ctx, triggerInstallTimeout)
	defer cancel()
	return executor.Execute(installCtx, func(ctx context.Context, conn store.Conn) error {
		return registrar.EnsureInstalled(ctx, conn)
	})
}

func startAPIServer(lifecycle *conc.WaitGroup, logger *log.Logger, server *http.Server) {
	lifecycle.Go(func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Printf("api server: %v", err)
		}
	})
}

type gracefulShutdownConfig struct {
	server            *http.Server
	mainCancel        context.CancelFunc
	lifecycle         *conc.WaitGroup
	listener          *listener.Listener
	router            *router.Router
	pool              *store.Pool
	workers           *async.Pool
	telemetryShutdown func(context.Context) error
}

func performGracefulShutdown(ctx context.Context, logger *log.Logger, cfg gracefulShutdownConfig) {
	shutdownStep := func(name string, timeout time.Duration, fn func(context.Context) error) {
		stepCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		logger.Printf("shutdown: %s...", name)
		if err := fn(stepCtx); err != nil {
			logger.Printf("shutdown: %s failed: %v", name, err)
		} else {
			logger.Printf("shutdown: %s completed", name)
		}
	}

	if cfg.server != nil {
		shutdownStep("stopping api server", httpShutdownTimeout, func(stepCtx context.Context) error {
			return cfg.server.Shutdown(stepCtx)
		})
	}

	if cfg.listener != nil {
		shutdownStep("stopping notification listener", listenerShutdownTimeout, func(stepCtx context.Context) error {
			return cfg.listener.Stop(stepCtx)
		})
	}

	if cfg.router != nil {
		logger.Print("shutdown: closing event router")
		cfg.router.Close()
	}

	logger.Print("shutdown: cancelling main context")
	if cfg.mainCancel != nil {
		cfg.mainCancel()
	}

	if cfg.lifecycle != nil {
		shutdownStep("waiting for lifecycle goroutines", httpShutdownTimeout, func(stepCtx context.Context) error {
			done := make(chan struct{})
			go func() {
				cfg.lifecycle.Wait()
				close(done)
			}()
			select {
			case <-done:
				return nil
			case <-stepCtx.Done():
				return fmt.Errorf("timeout waiting for goroutines: %w", stepCtx.Err())
			}
		})
	}

	if cfg.workers != nil {
		shutdownStep("shutting down worker pool", workerShutdownTimeout, func(stepCtx context.Context) error {
			return cfg.workers.Shutdown(stepCtx)
		})
	}

	if cfg.pool != nil {
		logger.Print("shutdown: closing connection pool")
		cfg.pool.Close()
	}

	if cfg.telemetryShutdown != nil {
		shutdownStep("shutting down telemetry", telemetryShutdownTimeout, cfg.telemetryShutdown)
	}
}
