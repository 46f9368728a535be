package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/ireish/crypto-price-tracker/pkg/models"
)

// KafkaReader abstracts the input stream
type KafkaReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

// Compile-time check to ensure KafkaSource implements Source
var _ Source = (*KafkaSource)(nil)

// KafkaSource drains a tick topic through one shared reader and routes
// messages to open handles by message key (the producer keys every tick by
// symbol, so per-symbol order is preserved).
type KafkaSource struct {
	reader KafkaReader
	logger *zap.Logger

	mu      sync.Mutex
	handles map[string]*kafkaHandle
	running bool
}

func NewKafkaSource(reader KafkaReader, logger *zap.Logger) *KafkaSource {
	return &KafkaSource{
		reader:  reader,
		logger:  logger,
		handles: make(map[string]*kafkaHandle),
	}
}

func (k *KafkaSource) Name() string { return "kafka" }

// Run consumes the topic until ctx is cancelled. Must be started before any
// Open succeeds.
func (k *KafkaSource) Run(ctx context.Context) {
	k.mu.Lock()
	k.running = true
	k.mu.Unlock()

	defer func() {
		k.mu.Lock()
		k.running = false
		k.mu.Unlock()
	}()

	k.logger.Info("Kafka feed started")
	for {
		m, err := k.reader.ReadMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return
			}
			k.logger.Error("Kafka Read Error", zap.Error(err))
			continue
		}

		symbol := models.NormalizeSymbol(string(m.Key))

		k.mu.Lock()
		h := k.handles[symbol]
		k.mu.Unlock()
		if h == nil {
			continue // nobody holds this symbol open
		}

		var u models.PriceUpdate
		if err := json.Unmarshal(m.Value, &u); err != nil {
			k.logger.Warn("Dropping malformed tick", zap.String("symbol", symbol), zap.Error(err))
			continue
		}
		h.deliver(u.Price, u.Timestamp)
	}
}

func (k *KafkaSource) Open(ctx context.Context, symbol string) (Handle, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if !k.running {
		return nil, fmt.Errorf("%w: kafka feed not running", ErrSourceUnavailable)
	}
	if _, exists := k.handles[symbol]; exists {
		// The registry guarantees one open handle per symbol; a second open
		// means a caller bypassed it.
		return nil, fmt.Errorf("%w: %s already open", ErrSourceUnavailable, symbol)
	}

	h := &kafkaHandle{src: k, symbol: symbol}
	k.handles[symbol] = h
	return h, nil
}

func (k *KafkaSource) Close() error { return k.reader.Close() }

type kafkaHandle struct {
	src    *KafkaSource
	symbol string

	mu sync.Mutex
	fn func(price float64, timestamp int64)
}

func (h *kafkaHandle) OnUpdate(fn func(price float64, timestamp int64)) {
	h.mu.Lock()
	h.fn = fn
	h.mu.Unlock()
}

func (h *kafkaHandle) deliver(price float64, ts int64) {
	h.mu.Lock()
	fn := h.fn
	h.mu.Unlock()
	if fn != nil {
		fn(price, ts)
	}
}

func (h *kafkaHandle) Close() error {
	h.src.mu.Lock()
	delete(h.src.handles, h.symbol)
	h.src.mu.Unlock()
	return nil
}
