package main

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/ireish/crypto-price-tracker/cmd/feedgen/internal/feedgen"
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

	sink, err := buildSink(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("Failed to build sink", zap.Error(err))
	}

	tickers := make([]string, 0, len(cfg.Feedgen.Tickers))
	basePrices := make(map[string]float64)
	for i, t := range cfg.Feedgen.Tickers {
		sym := models.NormalizeSymbol(t)
		tickers = append(tickers, sym)
		basePrices[sym] = 100 * float64(i+1)
	}

	gen := feedgen.NewTickGenerator(
		logger, sink, tickers, basePrices,
		feedgen.RealRand{Rand: rand.New(rand.NewSource(time.Now().UnixNano()))},
		feedgen.RealClock{},
		time.Duration(cfg.Feedgen.IntervalMs)*time.Millisecond,
	)

	go gen.Run(ctx)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	logger.Info("Shutdown signal received")
	cancel()
	if err := sink.Close(); err != nil {
		logger.Error("Error closing sink", zap.Error(err))
	}
	logger.Info("Shutdown Complete")
}

func buildSink(ctx context.Context, cfg *config.Config, logger *zap.Logger) (feedgen.Sink, error) {
	switch cfg.Feedgen.Sink {
	case "redis":
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("connecting to redis: %w", err)
		}
		return feedgen.NewRedisSink(logger, rdb), nil

	case "kafka":
		tc := feedgen.NewTopicCreator(logger, &feedgen.RealKafkaDialer{Dialer: kafka.DefaultDialer}, feedgen.RealClock{})
		tc.Create(cfg.Kafka.Brokers, cfg.Kafka.Topic)

		writer := &kafka.Writer{
			Addr:         kafka.TCP(cfg.Kafka.Brokers...),
			Topic:        cfg.Kafka.Topic,
			Balancer:     &kafka.LeastBytes{},
			BatchSize:    100,
			BatchTimeout: 10 * time.Millisecond,
			Async:        true,
		}
		return feedgen.NewKafkaSink(logger, writer), nil

	default:
		return nil, fmt.Errorf("unknown sink %q", cfg.Feedgen.Sink)
	}
}
