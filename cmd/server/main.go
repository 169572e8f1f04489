package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"retailpos/backend/internal/cache"
	"retailpos/backend/internal/config"
	"retailpos/backend/internal/httpapi"
	"retailpos/backend/internal/logging"
	"retailpos/backend/internal/sequence"
	"retailpos/backend/internal/service"
	"retailpos/backend/internal/store"
	"retailpos/backend/internal/store/memory"
	pgstore "retailpos/backend/internal/store/postgres"
	sqlitestore "retailpos/backend/internal/store/sqlite"
)

func main() {
	cfg := config.Load()
	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err := validateSecurityConfig(cfg); err != nil {
		logger.Fatalf("invalid security configuration: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	app, err := bootstrap(ctx, cfg, logger)
	cancel()
	if err != nil {
		logger.Fatalf("startup failed: %v", err)
	}

	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           app.api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.WithField("addr", cfg.Address()).Info("retail POS backend listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalf("server error: %v", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("shutdown error")
	}
	app.close(logger)
	logger.Info("server stopped")
}

type application struct {
	repo    store.Repository
	service *service.Service
	api     *httpapi.API
	closers []func() error
}

func (a *application) close(logger *logrus.Logger) {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			logger.WithError(err).Warn("close error")
		}
	}
}

// bootstrap wires storage, sequencer, cache, service and HTTP API from cfg.
func bootstrap(ctx context.Context, cfg config.Config, logger *logrus.Logger) (*application, error) {
	app := &application{}

	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		client := cache.NewRedisClient(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			if cfg.SequencerBackend == config.SequencerRedis {
				return nil, fmt.Errorf("redis sequencer requested but redis is unavailable: %w", err)
			}
			logger.WithError(err).Warn("redis unavailable, sale cache disabled")
		} else {
			redisClient = client
			app.closers = append(app.closers, client.Close)
		}
	}

	var redisSeq *sequence.Redis
	if cfg.SequencerBackend == config.SequencerRedis {
		redisSeq = sequence.NewRedis(redisClient, sequence.DefaultRedisKey)
	}

	repo, closeRepo, err := openRepository(ctx, cfg, redisSeq, logger)
	if err != nil {
		app.close(logger)
		return nil, err
	}
	app.repo = repo
	if closeRepo != nil {
		app.closers = append(app.closers, closeRepo)
	}

	if redisSeq != nil {
		highest, err := repo.MaxTransactionSequence(ctx)
		if err != nil {
			app.close(logger)
			return nil, fmt.Errorf("read highest transaction number: %w", err)
		}
		current, err := redisSeq.Seed(ctx, highest)
		if err != nil {
			app.close(logger)
			return nil, fmt.Errorf("seed redis sequencer: %w", err)
		}
		logger.WithFields(logrus.Fields{"floor": highest, "current": current}).Info("sequencer: redis")
	} else {
		logger.Info("sequencer: storage engine")
	}

	var saleCache cache.SaleCache = cache.NoopSaleCache{}
	if redisClient != nil {
		saleCache = cache.NewRedisSaleCache(redisClient)
		logger.Info("sale cache: redis")
	} else {
		logger.Info("sale cache: noop")
	}

	app.service = service.New(repo, nil, saleCache, time.Duration(cfg.SaleCacheTTLSeconds)*time.Second, logger)
	app.service.SetPhoneRegion(cfg.PhoneRegion)
	auth, err := httpapi.NewAuthManager(cfg.AuthSecret, time.Duration(cfg.AccessTokenTTLMinutes)*time.Minute, repo)
	if err != nil {
		app.close(logger)
		return nil, err
	}
	app.api = httpapi.New(app.service, auth, httpapi.Options{
		AllowedOrigin:      cfg.AllowedOrigin,
		LoginRatePerMinute: cfg.LoginRatePerMinute,
		Logger:             logger,
	})
	return app, nil
}

// openRepository picks Postgres when DATABASE_URL is set, SQLite when
// SQLITE_PATH is set and the seeded in-memory store otherwise. A configured
// backend that cannot be opened is fatal; there is no silent fallback.
func openRepository(ctx context.Context, cfg config.Config, redisSeq *sequence.Redis, logger *logrus.Logger) (store.Repository, func() error, error) {
	switch {
	case cfg.DatabaseURL != "":
		var opts []pgstore.Option
		if redisSeq != nil {
			opts = append(opts, pgstore.WithSequencer(redisSeq))
		}
		pg, err := pgstore.New(ctx, cfg.DatabaseURL, opts...)
		if err != nil {
			return nil, nil, fmt.Errorf("postgres unavailable and DATABASE_URL is set: %w", err)
		}
		logger.Info("repository: postgres")
		return pg, pg.Close, nil

	case cfg.SQLitePath != "":
		if redisSeq != nil {
			return nil, nil, errors.New("the redis sequencer is not supported with SQLITE_PATH; the sqlite counter already serializes draws")
		}
		lite, err := sqlitestore.New(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite %s: %w", cfg.SQLitePath, err)
		}
		logger.WithField("path", cfg.SQLitePath).Info("repository: sqlite")
		return lite, lite.Close, nil

	default:
		var seq sequence.Sequencer
		if redisSeq != nil {
			seq = redisSeq
		}
		logger.Info("repository: in-memory")
		return memory.NewSeeded(seq), nil, nil
	}
}

func validateSecurityConfig(cfg config.Config) error {
	if len(cfg.AuthSecret) < 32 {
		return fmt.Errorf("AUTH_SECRET must be set and at least 32 characters")
	}
	switch cfg.SequencerBackend {
	case config.SequencerStore:
	case config.SequencerRedis:
		if cfg.RedisAddr == "" {
			return fmt.Errorf("SEQUENCER_BACKEND=redis requires REDIS_ADDR")
		}
	default:
		return fmt.Errorf("unknown SEQUENCER_BACKEND %q", cfg.SequencerBackend)
	}
	return nil
}
