package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-negotiator/internal/config"
	"github.com/example/ride-negotiator/internal/dispatch"
	"github.com/example/ride-negotiator/internal/events"
	httpapi "github.com/example/ride-negotiator/internal/http"
	"github.com/example/ride-negotiator/internal/lock"
	"github.com/example/ride-negotiator/internal/logging"
	"github.com/example/ride-negotiator/internal/negotiation"
	"github.com/example/ride-negotiator/internal/storage"
)

func main() {
	cfg, err := config.LoadServerConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	logger := logging.NewLogger("ride-negotiator", cfg.LogLevel)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("server_exited", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.ServerConfig, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var closers []io.Closer
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i].Close(); err != nil {
				logger.Warn("close_failed", "error", err)
			}
		}
	}()

	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	closers = append(closers, store)

	var locks lock.Locker = lock.NewLocal()
	if cfg.RedisAddr != "" {
		rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		closers = append(closers, rc)
		rl := lock.NewRedis(rc, cfg.LockPrefix, cfg.LockTTL, cfg.LockRetry)
		rl.OnLost = func(key string, err error) { logger.Warn("ride_lock_lost", "key", key, "error", err) }
		locks = rl
		logger.Info("ride_lock", "backend", "redis", "addr", cfg.RedisAddr, "ttl", cfg.LockTTL.String())
	}

	hub := dispatch.NewHub(logger)
	pubs := events.Multi{hub}
	if len(cfg.KafkaBrokers) > 0 {
		kp := events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
		closers = append(closers, kp)
		pubs = append(pubs, kp)
		logger.Info("event_sink", "kind", "kafka", "brokers", cfg.KafkaBrokers, "topic", cfg.KafkaTopic)
	}
	if cfg.AMQPURL != "" {
		ap, err := events.NewAMQPPublisher(cfg.AMQPURL, cfg.AMQPExchange)
		if err != nil {
			return fmt.Errorf("connect amqp: %w", err)
		}
		closers = append(closers, ap)
		pubs = append(pubs, ap)
		logger.Info("event_sink", "kind", "amqp", "exchange", cfg.AMQPExchange)
	}
	if cfg.WebhookURL != "" {
		pubs = append(pubs, dispatch.NewWebhookPublisher(cfg.WebhookURL, cfg.WebhookToken))
		logger.Info("event_sink", "kind", "webhook", "url", cfg.WebhookURL)
	}

	engine := negotiation.NewService(store, locks, pubs, logger)
	engine.PublishTimeout = cfg.PublishTimeout
	api := httpapi.NewServer(engine, httpapi.Options{
		Logger:             logger,
		Hub:                hub,
		Health:             store,
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
		ListLimit:          cfg.ListLimit,
		MaxBodyBytes:       cfg.MaxBodyBytes,
	})

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      api,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("ride-negotiator listening", "addr", cfg.HTTPAddr, "store", cfg.StoreBackend)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down", "timeout", cfg.ShutdownTimeout.String())
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	// Hijacked websocket connections are not tracked by Shutdown.
	hub.Close()
	return srv.Shutdown(shutdownCtx)
}

func openStore(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger) (storage.Store, error) {
	switch cfg.StoreBackend {
	case config.StorePostgres:
		ps, err := storage.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		if cfg.RunMigrations {
			mctx, cancel := context.WithTimeout(ctx, 30*time.Second)
			applied, err := ps.Migrate(mctx)
			cancel()
			if err != nil {
				_ = ps.Close()
				return nil, fmt.Errorf("migrate: %w", err)
			}
			logger.Info("migrations applied", "files", applied)
		}
		return ps, nil
	case config.StoreMongo:
		ms, err := storage.NewMongoStore(cfg.MongoURL, cfg.MongoDatabase)
		if err != nil {
			return nil, fmt.Errorf("open mongo: %w", err)
		}
		ictx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		if err := ms.EnsureIndexes(ictx); err != nil {
			_ = ms.Close()
			return nil, fmt.Errorf("mongo indexes: %w", err)
		}
		return ms, nil
	default:
		logger.Warn("using in-memory store; data is lost on restart")
		return storage.NewMemoryStore(), nil
	}
}
