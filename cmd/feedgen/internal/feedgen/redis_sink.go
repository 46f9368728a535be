package feedgen

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

const snapshotTTL = 1 * time.Hour

// RedisSink publishes ticks on per-symbol channels and keeps the latest one
// under a plain key, so a consumer that attaches late can replay it. Key and
// channel names mirror what the gateway's redis feed subscribes to.
type RedisSink struct {
	logger *zap.Logger
	rdb    RedisClient
}

func NewRedisSink(logger *zap.Logger, rdb RedisClient) *RedisSink {
	return &RedisSink{logger: logger, rdb: rdb}
}

// Emit updates the snapshot and the live channel atomically via a pipeline
func (s *RedisSink) Emit(ctx context.Context, symbol string, payload []byte) error {
	pipe := s.rdb.Pipeline()
	pipe.Set(ctx, fmt.Sprintf("crypto:%s", symbol), payload, snapshotTTL)
	pipe.Publish(ctx, fmt.Sprintf("prices.%s", symbol), payload)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis pipeline: %w", err)
	}
	return nil
}

func (s *RedisSink) Close() error { return s.rdb.Close() }
