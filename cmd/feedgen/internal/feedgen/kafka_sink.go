package feedgen

import (
	"context"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// KafkaSink writes ticks to the topic the gateway's kafka feed consumes.
// Messages are keyed by symbol so partition order preserves per-symbol order.
type KafkaSink struct {
	logger *zap.Logger
	writer KafkaWriter
}

func NewKafkaSink(logger *zap.Logger, writer KafkaWriter) *KafkaSink {
	return &KafkaSink{logger: logger, writer: writer}
}

func (s *KafkaSink) Emit(ctx context.Context, symbol string, payload []byte) error {
	return s.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(symbol),
		Value: payload,
	})
}

func (s *KafkaSink) Close() error { return s.writer.Close() }
