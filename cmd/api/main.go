package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"example.com/activitysync/internal/api"
	"example.com/activitysync/internal/config"
	"example.com/activitysync/internal/domain"
	"example.com/activitysync/internal/logging"
	"example.com/activitysync/internal/outbox"
	"example.com/activitysync/internal/persistence/document"
	"example.com/activitysync/internal/persistence/postgres"
	httptransport "example.com/activitysync/internal/transport/http"
)

func main() {
	cfg := config.Load()

	logger, logCloser := logging.New(logging.Options{Level: cfg.LogLevel, Format: cfg.LogFormat})
	defer logCloser.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	repo, closeRepo, err := openRepository(ctx, cfg, logger)
	if err != nil {
		logger.WithError(err).Fatal("failed to open canonical store")
	}
	defer closeRepo()

	opts := []domain.ServiceOption{domain.WithLogger(logger), domain.WithPublishTimeout(cfg.PublishTimeout)}
	if len(cfg.KafkaBrokers) > 0 {
		producer := outbox.NewKafkaProducer(outbox.ProducerConfig{
			Brokers:      cfg.KafkaBrokers,
			WriteTimeout: cfg.PublishTimeout,
		})
		defer producer.Close()
		opts = append(opts, domain.WithPublisher(outbox.NewPublisher(producer, cfg.KafkaTopic)))
		logger.WithField("topic", cfg.KafkaTopic).Info("publishing recorded progress to kafka")
	}
	service := domain.NewService(repo, opts...)

	handler := api.NewHandler(service, logger)
	mux := http.NewServeMux()
	handler.RegisterRoutes(mux)
	mux.Handle("/metrics", promhttp.Handler())

	server := httptransport.NewServer(httptransport.ServerConfig{
		Address:      cfg.HTTPAddress,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}, api.RequestLogger(logger)(api.CORS(mux)))

	logger.WithFields(logrus.Fields{
		"address": cfg.HTTPAddress,
		"store":   cfg.StoreDriver,
	}).Info("sync server listening")
	if err := httptransport.Serve(ctx, server, nil, cfg.ShutdownTimeout); err != nil {
		logger.WithError(err).Error("server stopped with error")
		return
	}
	logger.Info("sync server stopped")
}

func openRepository(ctx context.Context, cfg config.Config, logger logrus.FieldLogger) (domain.CanonicalRepository, func(), error) {
	switch cfg.StoreDriver {
	case config.StoreDriverPostgres:
		pool, err := pgxpool.New(ctx, cfg.PostgresURL)
		if err != nil {
			return nil, nil, err
		}
		repo := postgres.NewRepository(pool)
		if err := repo.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, nil, err
		}
		return repo, pool.Close, nil
	case config.StoreDriverFile:
		repo, err := document.NewRepository(cfg.DBPath, logger)
		if err != nil {
			return nil, nil, err
		}
		return repo, func() {}, nil
	default:
		return nil, nil, errors.New("unsupported STORE_DRIVER " + cfg.StoreDriver)
	}
}
