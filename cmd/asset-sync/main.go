package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fritsvt/salesforce-test/internal/config"
	"github.com/fritsvt/salesforce-test/pkg/assetsync"
	"github.com/fritsvt/salesforce-test/pkg/auth"
	"github.com/fritsvt/salesforce-test/pkg/client"
	"github.com/fritsvt/salesforce-test/pkg/lock"
	"github.com/fritsvt/salesforce-test/pkg/logging"
	"github.com/fritsvt/salesforce-test/pkg/metrics"
	"github.com/fritsvt/salesforce-test/pkg/pagination"
	"github.com/fritsvt/salesforce-test/pkg/storage"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

func main() {
	if err := run(); err != nil {
		log.Error().Err(err).Msg("Asset sync failed")
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logCfg := logging.DefaultConfig()
	logCfg.Level = logging.LogLevel(cfg.LogLevel)
	logCfg.Pretty = cfg.LogPretty
	logger := logging.WithRun(logging.Setup(logCfg), uuid.NewString())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.MetricsAddr != "" {
		srv := &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           newRouter(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			logger.Info().Str("addr", cfg.MetricsAddr).Msg("Serving metrics")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error().Err(err).Msg("Metrics server failed")
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	// runCtx is cancelled as well when the run lock is lost mid-run.
	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	if cfg.LockEnabled() {
		opts, err := redisOptions(cfg.RedisURL)
		if err != nil {
			return err
		}
		redisClient := redis.NewClient(opts)
		defer redisClient.Close()

		if err := redisClient.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect to redis: %w", err)
		}

		lease, err := lock.NewLocker(redisClient, logger).Acquire(ctx, lock.Key(cfg.StorageDir), cfg.LockTTL)
		if err != nil {
			return err
		}
		defer func() {
			if err := lease.Release(context.Background()); err != nil {
				logger.Warn().Err(err).Msg("Failed to release run lock")
			}
		}()

		keepCtx, stopKeepAlive := context.WithCancel(runCtx)
		defer stopKeepAlive()
		lost := lease.KeepAlive(keepCtx, cfg.LockTTL)
		go func() {
			if err, ok := <-lost; ok && err != nil {
				logger.Error().Err(err).Msg("Aborting run, lock no longer held")
				cancelRun()
			}
		}()
	}

	httpClient := &http.Client{Timeout: cfg.HTTPTimeout}

	authCfg := auth.DefaultConfig(cfg.BaseURL, cfg.ClientID, cfg.ClientSecret)
	authCfg.Scope = cfg.Scope
	authCfg.AccountID = cfg.AccountID
	authCfg.RefreshMargin = cfg.RefreshMargin
	authCfg.HTTPClient = httpClient

	session, err := auth.New(runCtx, authCfg, logger)
	if err != nil {
		return err
	}

	clientCfg := client.DefaultConfig()
	clientCfg.HTTPClient = httpClient
	crm, err := client.New(clientCfg, logger)
	if err != nil {
		return err
	}

	store, err := storage.NewOSStore(cfg.StorageDir, logger)
	if err != nil {
		return err
	}

	pageCfg := pagination.DefaultConfig()
	pageCfg.PageSize = cfg.PageSize
	pageCfg.MaxPages = cfg.MaxPages

	fetcher := assetsync.New(session, crm, store, pageCfg, logger)
	_, err = fetcher.FetchAll(runCtx)
	return err
}

// newRouter serves the health probe and Prometheus metrics.
func newRouter() http.Handler {
	r := chi.NewRouter()
	r.Get("/health", healthHandler)
	r.Handle("/metrics", metrics.Handler())
	return r
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "OK")
}

// redisOptions accepts either a redis:// URL or a bare host:port.
func redisOptions(raw string) (*redis.Options, error) {
	if strings.Contains(raw, "://") {
		opts, err := redis.ParseURL(raw)
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", config.EnvRedisURL, err)
		}
		return opts, nil
	}
	return &redis.Options{Addr: raw}, nil
}
