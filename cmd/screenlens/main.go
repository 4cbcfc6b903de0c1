package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"screenlens/internal/api"
	"screenlens/internal/config"
	"screenlens/internal/gateway"
	"screenlens/internal/history"
	"screenlens/internal/metrics"
	"screenlens/internal/search"
	"screenlens/internal/secrets"
	"screenlens/internal/storage"
	"screenlens/internal/taglookup"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	setupLogger(cfg.Log.Level)
	log.Info().
		Str("db_driver", cfg.DB.Driver).
		Bool("history_enabled", cfg.History.Enabled).
		Int("history_limit", cfg.History.RetentionLimit).
		Msg("starting screenlens")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, err := storage.Open(ctx, cfg.DB.Driver, cfg.DB.DSN, cfg.DB.AutoMigrate, "migrations")
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize storage")
	}
	defer store.Close()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatal().Err(err).Msg("failed to connect redis")
	}
	defer rdb.Close()

	secretManager, err := secrets.NewManager(cfg.Crypto.CurrentKeyID, cfg.Crypto.Keys)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize secret manager")
	}
	secretStore := secrets.NewStore(store, secretManager)

	m := metrics.Global()

	repo := history.New(history.Config{
		Store:          store,
		Logger:         log.Logger,
		Metrics:        m,
		Enabled:        cfg.History.Enabled,
		RetentionLimit: cfg.History.RetentionLimit,
	})

	index := search.NewIndex()
	if records, err := repo.Load(ctx); err != nil {
		log.Error().Err(err).Msg("failed to load history")
	} else {
		index.Build(records)
		log.Info().Int("records", len(records)).Msg("history loaded")
	}

	gw := gateway.New(gateway.Config{
		BaseURL:        cfg.Gateway.BaseURL,
		APIKeyFallback: cfg.Gateway.APIKeyFallback,
		TextModel:      cfg.Gateway.TextModel,
		VisionModel:    cfg.Gateway.VisionModel,
		Secrets:        secretStore,
		HTTPClient:     &http.Client{Timeout: cfg.Gateway.ClientTimeout},
		MaxRetries:     cfg.Gateway.MaxRetries,
		BackoffBase:    cfg.Gateway.BackoffBase,
		Logger:         log.Logger,
		Metrics:        m,
	})

	tags := taglookup.New(taglookup.Config{
		BaseURL:    cfg.TagLookup.BaseURL,
		AppID:      cfg.TagLookup.AppID,
		HTTPClient: &http.Client{Timeout: cfg.TagLookup.Timeout},
		Cache:      taglookup.NewCache(rdb, cfg.TagLookup.CacheTTL),
		Logger:     log.Logger,
		Metrics:    m,
	})

	service := api.NewService(api.Config{
		History:        repo,
		Index:          index,
		Gateway:        gw,
		Tags:           tags,
		SearchDebounce: cfg.Search.Debounce,
		SearchMinLen:   cfg.Search.MinQueryLen,
		Logger:         log.Logger,
		Metrics:        m,
	})

	mux := http.NewServeMux()
	mux.HandleFunc(cfg.HTTP.HealthPath, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle(cfg.HTTP.MetricsPath, promhttp.Handler())
	service.Register(mux)

	httpServer := &http.Server{
		Addr:              cfg.HTTP.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.HTTP.ListenAddr).Msg("http server started")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	// Warm the provider connection off the startup path. Failures are silent.
	go func() {
		select {
		case <-ctx.Done():
		case <-time.After(cfg.Gateway.WarmupDelay):
			gw.WarmUp(ctx)
		}
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		log.Error().Err(err).Msg("runtime error")
		cancel()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("failed to stop http server")
	}
	if err := repo.Flush(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("failed to flush history")
	}
	repo.Close()

	log.Info().Msg("stopped")
}

func setupLogger(level string) {
	zerolog.TimeFieldFormat = time.RFC3339
	zerolog.SetGlobalLevel(parseLogLevel(level))
	log.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func parseLogLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}
