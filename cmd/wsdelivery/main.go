// Command wsdelivery runs the real-time delivery service: ticket-gated
// WebSocket connections, the notifications consumer, and the per-connection
// push engines.
package main

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/pushrelay/pushrelay/internal/auth"
	"github.com/pushrelay/pushrelay/internal/bus"
	"github.com/pushrelay/pushrelay/internal/telemetry"
	"github.com/pushrelay/pushrelay/internal/wsdelivery/config"
	"github.com/pushrelay/pushrelay/internal/wsdelivery/confirm"
	"github.com/pushrelay/pushrelay/internal/wsdelivery/consumer"
	"github.com/pushrelay/pushrelay/internal/wsdelivery/dedup"
	"github.com/pushrelay/pushrelay/internal/wsdelivery/engine"
	"github.com/pushrelay/pushrelay/internal/wsdelivery/httpapi"
	"github.com/pushrelay/pushrelay/internal/wsdelivery/netstatus"
	"github.com/pushrelay/pushrelay/internal/wsdelivery/ticket"
)

const shutdownGrace = 15 * time.Second

func main() {
	_ = godotenv.Load()

	cfg := config.Load()
	logger := telemetry.NewServiceLogger("wsdelivery", telemetry.LogConfig{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
	})
	if err := cfg.Validate(); err != nil {
		logger.WithError(err).Fatal("invalid configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	redisOpts, err := redis.ParseURL(cfg.RedisURI)
	if err != nil {
		logger.WithError(err).Fatal("invalid redis uri")
	}
	redisClient := redis.NewClient(redisOpts)
	defer redisClient.Close()

	tickets := ticket.NewService(ticket.NewRedisStore(redisClient), cfg.TicketLifespan)
	registry := engine.NewRegistry()

	cache := dedup.New(cfg.DedupLifespan)
	go cache.Run(ctx, cfg.DedupSweep)

	queueName := consumer.QueueName()
	busClient := bus.NewClient(
		bus.Config{URI: cfg.BusURI, ReconnectInterval: cfg.BusReconnect},
		bus.Topology{
			Exchanges: []bus.ExchangeSpec{
				{Name: bus.NotificationsExchange, Kind: "topic"},
				{Name: bus.ConfirmationsExchange, Kind: "fanout"},
			},
			Queues: []bus.QueueSpec{consumer.QueueSpec(queueName)},
		},
		logger,
	)

	consumer.New(registry, cache, logger).Register(busClient, queueName)
	go netstatus.New(registry, logger).Run(ctx, busClient.Lifecycle())
	busClient.Start()
	defer busClient.Close()

	engineConfig := engine.Config{
		PingInterval:  cfg.PingInterval,
		RetryInterval: cfg.RetryInterval,
		RetryMaxCount: cfg.RetryMaxCount,
		BufferSize:    cfg.ConnectionBufferSize,
	}
	authConfig := auth.Config{Secret: cfg.JWTSecret, Algorithms: cfg.JWTAlgorithms}
	sink := confirm.NewSink(busClient, logger)

	api := httpapi.NewServer(ctx, tickets, registry, sink, engineConfig, authConfig, logger)
	srv := &http.Server{
		Addr:              cfg.BindAddr,
		Handler:           api.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.WithField("addr", cfg.BindAddr).Info("wsdelivery listening")
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
	// Connection engines observe ctx cancellation; wait for them to drain.
	api.Wait()
}
