package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/ireish/crypto-price-tracker/pkg/models"
)

const (
	keyPrefix     = "crypto:"
	channelPrefix = "prices."
)

// Compile-time check to ensure RedisSource implements Source
var _ Source = (*RedisSource)(nil)

// RedisSource consumes ticks published by an external producer (e.g. feedgen)
// on per-symbol pub/sub channels, with the latest tick cached under a plain
// key for snapshot-on-open.
type RedisSource struct {
	client *redis.Client
	logger *zap.Logger
}

func NewRedisSource(client *redis.Client, logger *zap.Logger) *RedisSource {
	return &RedisSource{client: client, logger: logger}
}

func (r *RedisSource) Name() string { return "redis" }

func (r *RedisSource) Open(ctx context.Context, symbol string) (Handle, error) {
	ps := r.client.Subscribe(ctx, channelPrefix+symbol)

	// Subscribe is lazy; force the round trip so failures surface here,
	// not on the first receive.
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("%w: redis subscribe %s: %v", ErrSourceUnavailable, symbol, err)
	}

	// Last cached tick, replayed as the first update if present
	var snapshot *models.PriceUpdate
	if payload, err := r.client.Get(ctx, keyPrefix+symbol).Result(); err == nil {
		var u models.PriceUpdate
		if jsonErr := json.Unmarshal([]byte(payload), &u); jsonErr == nil {
			snapshot = &u
		}
	}

	return &redisHandle{
		src:      r,
		symbol:   symbol,
		pubsub:   ps,
		snapshot: snapshot,
	}, nil
}

func (r *RedisSource) Close() error { return r.client.Close() }

type redisHandle struct {
	src      *RedisSource
	symbol   string
	pubsub   *redis.PubSub
	snapshot *models.PriceUpdate

	mu      sync.Mutex
	started bool
}

func (h *redisHandle) OnUpdate(fn func(price float64, timestamp int64)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.started {
		return
	}
	h.started = true

	go func() {
		if h.snapshot != nil {
			fn(h.snapshot.Price, h.snapshot.Timestamp)
		}

		for msg := range h.pubsub.Channel() {
			var u models.PriceUpdate
			if err := json.Unmarshal([]byte(msg.Payload), &u); err != nil {
				h.src.logger.Warn("Dropping malformed tick",
					zap.String("symbol", h.symbol), zap.Error(err))
				continue
			}
			fn(u.Price, u.Timestamp)
		}
	}()
}

// Close stops the pub/sub stream; the drain goroutine exits when the
// underlying channel closes.
func (h *redisHandle) Close() error {
	return h.pubsub.Close()
}
