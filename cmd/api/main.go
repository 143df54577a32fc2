package main

import (
	"context"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"crestfund/api/internal/app"
	"crestfund/api/internal/auth"
	"crestfund/api/internal/blob"
	"crestfund/api/internal/cache"
	"crestfund/api/internal/config"
	"crestfund/api/internal/metrics"
	"crestfund/api/internal/store"
)

func main() {
	cfg := config.Load()
	ctx := context.Background()

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	var out io.Writer = os.Stdout
	if cfg.LogPretty {
		out = zerolog.ConsoleWriter{Out: os.Stdout}
	}
	logger := zerolog.New(out).Level(level).With().Timestamp().Logger()

	db, err := store.Open(ctx, cfg.DatabaseURL, store.PoolConfig{
		MaxOpenConns:    cfg.DBMaxOpenConns,
		MaxIdleConns:    cfg.DBMaxIdleConns,
		ConnMaxIdleTime: cfg.DBConnMaxIdleTime,
		ConnMaxLifetime: cfg.DBConnMaxLifetime,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("database connection failed")
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		logger.Fatal().Err(err).Msg("migrations failed")
	}

	records := store.NewRecordStore(store.NewPostgresTable(db))
	meta := store.NewPostgresStore(db)

	blobs, err := blob.NewMinioStore(ctx, blob.MinioConfig{
		Endpoint:  cfg.BlobEndpoint,
		AccessKey: cfg.BlobAccessKey,
		SecretKey: cfg.BlobSecretKey,
		Bucket:    cfg.BlobBucket,
		UseSSL:    cfg.BlobUseSSL,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("object store connection failed")
	}

	var currentCache *cache.RedisCache
	if strings.TrimSpace(cfg.RedisURL) != "" {
		currentCache, err = cache.NewRedisCache(cfg.RedisURL, cfg.CacheTTL)
		if err != nil {
			logger.Fatal().Err(err).Msg("redis connection failed")
		}
		defer currentCache.Close()
		logger.Info().Msg("current-version cache enabled")
	}

	opts := app.Options{
		Records:      records,
		Meta:         meta,
		Blobs:        blobs,
		Sink:         metrics.NewPromSink(),
		Logger:       logger,
		Retention:    cfg.Retention,
		SignedURLTTL: cfg.SignedURLTTL,
	}
	if currentCache != nil {
		opts.Cache = currentCache
	}
	service := app.NewService(opts)

	decoder := auth.NewDecoder([]byte(cfg.JWTSecret))
	httpServer := app.NewHTTPServer(service, decoder, cfg.CORSOrigin, logger, meta.Ping)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsServer := &http.Server{
		Addr:              cfg.MetricsAddr,
		Handler:           metricsMux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", cfg.MetricsAddr).Msg("metrics listening")
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("metrics server failed")
		}
	}()

	go func() {
		logger.Info().Str("addr", cfg.Addr).Msg("Crestfund API listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server failed")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("shutdown error")
	}
	_ = metricsServer.Shutdown(shutdownCtx)
}
