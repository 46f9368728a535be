package main

import (
	"context"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/ireish/crypto-price-tracker/cmd/gateway/internal/feed"
	"github.com/ireish/crypto-price-tracker/cmd/gateway/internal/gateway"
	"github.com/ireish/crypto-price-tracker/cmd/gateway/internal/registry"
	"github.com/ireish/crypto-price-tracker/pkg/config"
	"github.com/ireish/crypto-price-tracker/pkg/models"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		panic(fmt.Sprintf("Failed to load config: %v", err))
	}

	logger, err := config.NewLogger(cfg.Logger, cfg.App.Env)
	if err != nil {
		panic(fmt.Sprintf("Failed to initialize logger: %v", err))
	}
	defer logger.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	source, err := buildSource(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("Failed to build price source", zap.Error(err))
	}

	// Dependency Injection: the registry owns the source, sessions own the registry
	reg := registry.New(source, logger, registry.Options{
		OpenTimeout:   cfg.Feed.OpenTimeout(),
		ListenerQueue: cfg.Gateway.ListenerQueue,
	})

	validTickers := make(map[string]bool)
	for _, t := range cfg.Gateway.ValidTickers {
		validTickers[models.NormalizeSymbol(t)] = true
	}

	server := gateway.NewServer(reg, logger, validTickers, cfg.Gateway.PollInterval())
	srv := &http.Server{Addr: cfg.App.Port, Handler: server.Routes()}

	go func() {
		logger.Info("Server Started",
			zap.String("port", cfg.App.Port),
			zap.String("feed", cfg.Feed.Kind))
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			logger.Fatal("HTTP Error", zap.Error(err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	logger.Info("Shutdown signal received")
	cancel()
	srv.Shutdown(context.Background())
	reg.Close()
	if err := source.Close(); err != nil {
		logger.Warn("Error closing price source", zap.Error(err))
	}
	logger.Info("Shutdown Complete")
}

func buildSource(ctx context.Context, cfg *config.Config, logger *zap.Logger) (feed.Source, error) {
	switch cfg.Feed.Kind {
	case "sim":
		basePrices := make(map[string]float64)
		for i, t := range cfg.Gateway.ValidTickers {
			basePrices[models.NormalizeSymbol(t)] = 100 * float64(i+1)
		}
		rnd := feed.RealRand{Rand: rand.New(rand.NewSource(time.Now().UnixNano()))}
		interval := time.Duration(cfg.Feed.TickIntervalMs) * time.Millisecond
		return feed.NewSimSource(logger, feed.RealClock{}, rnd, interval, basePrices), nil

	case "redis":
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("connecting to redis: %w", err)
		}
		return feed.NewRedisSource(rdb, logger), nil

	case "kafka":
		reader := kafka.NewReader(kafka.ReaderConfig{
			Brokers:  cfg.Kafka.Brokers,
			Topic:    cfg.Kafka.Topic,
			GroupID:  cfg.Kafka.GroupID,
			MinBytes: 200,
			MaxBytes: 10e6,
			MaxWait:  200 * time.Millisecond,
		})
		source := feed.NewKafkaSource(reader, logger)
		go source.Run(ctx)
		return source, nil

	case "websocket":
		return feed.NewWSSource(cfg.Feed.WSURL, cfg.Feed.APIKey, logger)

	default:
		return nil, fmt.Errorf("unknown feed kind %q", cfg.Feed.Kind)
	}
}
