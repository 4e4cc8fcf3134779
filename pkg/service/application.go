package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // pprof is intentionally exposed when pprofAddr is configured
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/snapvault/pkg/backfill"
	"github.com/ethpandaops/snapvault/pkg/breaker"
	"github.com/ethpandaops/snapvault/pkg/collector"
	"github.com/ethpandaops/snapvault/pkg/observability"
	"github.com/ethpandaops/snapvault/pkg/redis"
	"github.com/ethpandaops/snapvault/pkg/storage"
)

// Application encapsulates the snapvault application logic
type Application struct {
	config *Config
	logger *logrus.Logger

	objectClient storage.ObjectClient
	store        storage.Store
	backfill     backfill.Service
	redisClient  *goredis.Client

	healthServer *http.Server
	pprofServer  *http.Server
}

// NewApplication creates a new snapvault application
func NewApplication(cfg *Config, logger *logrus.Logger) *Application {
	return &Application{
		config: cfg,
		logger: logger,
	}
}

// Store returns the read-only snapshot store. It is nil until Start
// succeeds.
func (a *Application) Store() storage.Store {
	return a.store
}

// Backfill returns the backfill service. It is nil until Start succeeds.
func (a *Application) Backfill() backfill.Service {
	return a.backfill
}

// Start initializes and starts the application
func (a *Application) Start(ctx context.Context) error {
	if err := a.config.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	a.logger.Info("Starting snapvault...")

	observability.StartMetricsServer(a.config.MetricsAddr)
	a.logger.WithField("addr", a.config.MetricsAddr).Info("Started metrics server")

	if a.config.HealthCheckAddr != "" {
		a.startHealthCheck()
	}

	if a.config.PProfAddr != "" {
		a.startPProf()
	}

	if err := a.setupStore(ctx); err != nil {
		return fmt.Errorf("failed to setup snapshot store: %w", err)
	}

	if err := a.setupBackfill(ctx); err != nil {
		return fmt.Errorf("failed to setup backfill: %w", err)
	}

	if err := a.backfill.Start(ctx); err != nil {
		return fmt.Errorf("failed to start backfill: %w", err)
	}

	a.logger.Info("snapvault started successfully")

	return nil
}

// Stop gracefully shuts down the application
func (a *Application) Stop() error {
	a.logger.Info("Shutting down snapvault...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if a.healthServer != nil {
		if err := a.healthServer.Shutdown(ctx); err != nil {
			a.logger.WithError(err).Error("Failed to shutdown health check server")
		}
	}

	if a.pprofServer != nil {
		if err := a.pprofServer.Shutdown(ctx); err != nil {
			a.logger.WithError(err).Error("Failed to shutdown pprof server")
		}
	}

	if a.backfill != nil {
		if err := a.backfill.Stop(); err != nil {
			a.logger.WithError(err).Error("Error stopping backfill service")
		}
	}

	if a.redisClient != nil {
		if err := a.redisClient.Close(); err != nil {
			a.logger.WithError(err).Error("Failed to close Redis client")
		}
	}

	if a.objectClient != nil {
		if err := a.objectClient.Close(); err != nil {
			a.logger.WithError(err).Error("Failed to close object store client")
		}
	}

	if err := observability.StopMetricsServer(ctx); err != nil {
		a.logger.WithError(err).Error("Failed to stop metrics server")
	}

	return nil
}

func (a *Application) setupStore(ctx context.Context) error {
	client, err := storage.NewGCSClient(ctx, &a.config.Storage)
	if err != nil {
		return err
	}

	a.objectClient = client

	brCfg := a.config.Breaker
	brCfg.Name = "object-store"
	brCfg.IsFailure = storage.IsCountedFailure

	br := breaker.New(a.logger, brCfg)

	a.store = storage.New(a.logger, client, &a.config.Storage, br)

	return nil
}

func (a *Application) setupBackfill(_ context.Context) error {
	opt, err := goredis.ParseURL(a.config.Redis.URL)
	if err != nil {
		return fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	a.redisClient = goredis.NewClient(opt)

	coll, err := collector.NewHTTPClient(a.logger, a.config.Collector)
	if err != nil {
		return err
	}

	writer := storage.NewWriter(a.logger, a.objectClient, &a.config.Storage)

	svc, err := backfill.NewService(
		a.logger,
		&a.config.Backfill,
		a.redisClient,
		redis.NewAsynqRedisOptions(opt),
		a.config.Redis.Prefix,
		writer,
		coll,
	)
	if err != nil {
		return err
	}

	a.backfill = svc

	return nil
}

func (a *Application) startHealthCheck() {
	a.logger.WithField("addr", a.config.HealthCheckAddr).Info("Starting health check server")

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if a.store != nil && a.store.IsReady(r.Context()) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("READY"))
		} else {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("NOT READY"))
		}
	})

	a.healthServer = &http.Server{
		Addr:              a.config.HealthCheckAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := a.healthServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.WithError(err).Error("Health check server failed")
		}
	}()
}

func (a *Application) startPProf() {
	a.logger.WithField("addr", a.config.PProfAddr).Info("Starting pprof server")

	a.pprofServer = &http.Server{
		Addr:              a.config.PProfAddr,
		Handler:           http.DefaultServeMux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := a.pprofServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.WithError(err).Error("pprof server failed")
		}
	}()
}
