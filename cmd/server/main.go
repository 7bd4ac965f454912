package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/example/technician-matching/internal/config"
	"github.com/example/technician-matching/internal/dispatch"
	"github.com/example/technician-matching/internal/eta"
	"github.com/example/technician-matching/internal/gateway"
	"github.com/example/technician-matching/internal/geo"
	httpapi "github.com/example/technician-matching/internal/http"
	"github.com/example/technician-matching/internal/ingest"
	"github.com/example/technician-matching/internal/jobs"
	"github.com/example/technician-matching/internal/lock"
	"github.com/example/technician-matching/internal/logging"
	"github.com/example/technician-matching/internal/matcher"
	"github.com/example/technician-matching/internal/storage"
)

func main() {
	cfg, err := config.LoadServerConfig()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	logger := logging.NewLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.ServerConfig, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var closers []func() error
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i](); err != nil {
				logger.Warn("close failed", "error", err)
			}
		}
	}()

	// redis backs the location index, technician locks and event fan-out
	var (
		rdb       *redis.Client
		directory geo.Directory = geo.NewIndex()
		techLock  lock.TechnicianLock
	)
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		err := rdb.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			return errors.Join(errors.New("redis ping"), err)
		}
		closers = append(closers, rdb.Close)
		directory = geo.NewRedisGeo(rdb, cfg.RedisGeoKeyPrefix)
		techLock = lock.NewRedis(rdb)
		logger.Info("redis connected", "addr", cfg.RedisAddr)
	}

	store, err := openStore(ctx, cfg, logger, &closers)
	if err != nil {
		return err
	}

	var gw matcher.Gateway
	var source matcher.CandidateSource = directory
	if cfg.ReservationAPIURL != "" {
		client := gateway.NewHTTPClient(cfg.ReservationAPIURL, cfg.DirectoryAPIURL, cfg.JobAPIURL, cfg.GatewayTimeout)
		gw = client
		if cfg.DirectoryAPIURL != "" {
			source = client
		}
	} else {
		logger.Warn("RESERVATION_API_URL not set; using in-memory gateway")
		gw = gateway.NewMemory()
	}

	hub := dispatch.NewWSHub(logger)
	sinks := []dispatch.EventSink{hub}
	if len(cfg.KafkaBrokers) > 0 {
		kp := dispatch.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaEventsTopic)
		closers = append(closers, kp.Close)
		sinks = append(sinks, kp)
	}
	if rdb != nil {
		sinks = append(sinks, dispatch.NewRedisPublisher(rdb, cfg.RedisEventsChannel))
	}
	push, err := pushSender(ctx, cfg, logger)
	if err != nil {
		return err
	}
	notifier := dispatch.NewNotifier(logger, push, sinks...)

	estimator := &eta.Estimator{SpeedMps: cfg.DefaultSpeedMps, Cache: eta.NewCache(5 * time.Minute)}
	if cfg.OSRMEndpoint != "" {
		estimator.Client = eta.NewOSRMClient(cfg.OSRMEndpoint)
	}

	orch := matcher.New(matcher.Deps{
		Store:    store,
		Source:   source,
		Gateway:  gw,
		Notifier: notifier,
		Lock:     techLock,
		ETA:      estimator,
		Logger:   logger,
	}, cfg.Matching)
	if err := orch.Recover(ctx); err != nil {
		logger.Error("recovery failed", "error", err)
	}

	var sweeper *jobs.ExpirySweeper
	if cfg.Matching.MatchingExpiry > 0 {
		sweeper = jobs.NewExpirySweeper(orch, cfg.Matching.SweepSpec, logger)
		if err := sweeper.Start(); err != nil {
			return err
		}
	}

	var locations httpapi.LocationPublisher
	if len(cfg.KafkaBrokers) > 0 {
		producer := ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaLocationsTopic)
		closers = append(closers, producer.Close)
		locations = producer
	}

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      httpapi.NewServer(orch, directory, locations, hub, logger),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("technician-matching listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
	if sweeper != nil {
		sweeper.Stop()
	}
	if err := orch.Shutdown(shutdownCtx); err != nil {
		logger.Warn("orchestrator shutdown", "error", err)
	}
	return nil
}

func openStore(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger, closers *[]func() error) (storage.MatchingStore, error) {
	if cfg.PGDSN == "" {
		logger.Warn("PG_DSN not set; matchings are kept in memory")
		return storage.NewMemoryStore(), nil
	}
	db, err := sql.Open("postgres", cfg.PGDSN)
	if err != nil {
		return nil, err
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, errors.Join(errors.New("postgres ping"), err)
	}
	*closers = append(*closers, db.Close)

	if cfg.RunMigrations {
		b, err := os.ReadFile(filepath.Join("migrations", "001_create_matchings.sql"))
		if err != nil {
			return nil, err
		}
		if _, err := db.ExecContext(ctx, string(b)); err != nil {
			return nil, errors.Join(errors.New("migration 001_create_matchings.sql"), err)
		}
		logger.Info("migration applied", "file", "001_create_matchings.sql")
	}
	return storage.NewPostgresStoreFromDB(db), nil
}

func pushSender(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger) (dispatch.PushSender, error) {
	switch {
	case cfg.SNSTopicARN != "":
		logger.Info("push via sns", "topic", cfg.SNSTopicARN)
		return dispatch.NewSNSPush(ctx, cfg.SNSRegion, cfg.SNSTopicARN)
	case cfg.FCMEndpoint != "":
		logger.Info("push via fcm", "endpoint", cfg.FCMEndpoint)
		return dispatch.NewFCMPush(cfg.FCMEndpoint, cfg.FCMKey), nil
	case cfg.PushEndpoint != "":
		logger.Info("push via http", "endpoint", cfg.PushEndpoint)
		return dispatch.NewHTTPPush(cfg.PushEndpoint), nil
	default:
		return nil, nil
	}
}
