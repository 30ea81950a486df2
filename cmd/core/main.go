// Command core runs the notification core service: the authoritative store,
// its HTTP surface, the state-change event publisher, and the confirmations
// consumer.
package main

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/pushrelay/pushrelay/internal/auth"
	"github.com/pushrelay/pushrelay/internal/bus"
	"github.com/pushrelay/pushrelay/internal/core/config"
	"github.com/pushrelay/pushrelay/internal/core/confirmations"
	"github.com/pushrelay/pushrelay/internal/core/httpapi"
	"github.com/pushrelay/pushrelay/internal/core/notification"
	"github.com/pushrelay/pushrelay/internal/telemetry"
)

const shutdownGrace = 15 * time.Second

func main() {
	_ = godotenv.Load()

	cfg := config.Load()
	logger := telemetry.NewServiceLogger("core", telemetry.LogConfig{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
	})
	if err := cfg.Validate(); err != nil {
		logger.WithError(err).Fatal("invalid configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	mongoClient, err := mongo.Connect(connectCtx, options.Client().ApplyURI(cfg.DBURI))
	if err != nil {
		logger.WithError(err).Fatal("mongo connect failed")
	}
	defer func() {
		disconnectCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = mongoClient.Disconnect(disconnectCtx)
	}()

	repo := notification.NewMongoRepository(mongoClient.Database(cfg.DBName))
	if err := repo.EnsureIndexes(connectCtx); err != nil {
		logger.WithError(err).Fatal("index creation failed")
	}

	busClient := bus.NewClient(
		bus.Config{URI: cfg.BusURI, ReconnectInterval: cfg.BusReconnect},
		bus.Topology{
			Exchanges: []bus.ExchangeSpec{
				{Name: bus.NotificationsExchange, Kind: "topic"},
				{Name: bus.ConfirmationsExchange, Kind: "fanout"},
			},
			Queues: []bus.QueueSpec{{
				Name:     bus.ConfirmationsQueue,
				Durable:  true,
				Bindings: []bus.Binding{{Exchange: bus.ConfirmationsExchange}},
			}},
		},
		logger,
	)

	svc := notification.NewService(repo, busClient,
		notification.Config{MaxContentLen: cfg.MaxContentLen}, logger)
	confirmations.NewConsumer(svc, logger).Register(busClient)
	busClient.Start()
	defer busClient.Close()

	authConfig := auth.Config{Secret: cfg.JWTSecret, Algorithms: cfg.JWTAlgorithms}
	api := httpapi.NewServer(svc, authConfig, cfg.MaxBodyLen, logger)
	srv := &http.Server{
		Addr:              cfg.BindAddr,
		Handler:           api.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.WithField("addr", cfg.BindAddr).Info("core listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Fatal("http server failed")
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancelShutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("http shutdown incomplete")
	}
}
