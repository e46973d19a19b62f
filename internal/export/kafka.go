// Package export publishes accepted raw mesh frames to Kafka for downstream
// pipelines. The firehose is optional; when no brokers are configured the
// ingestion client runs without it.
package export

import (
	"context"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// Firehose is an async batching producer for raw ServiceEnvelope bytes,
// keyed by gateway id so one gateway's relays land on one partition.
type Firehose struct {
	writer *kafka.Writer
	logger *zap.Logger
}

func NewFirehose(brokers []string, topic string, logger *zap.Logger) *Firehose {
	writer := &kafka.Writer{
		Addr:     kafka.TCP(brokers...),
		Topic:    topic,
		Balancer: &kafka.Hash{},

		BatchSize:    1000,
		BatchBytes:   1 << 20,
		BatchTimeout: 5 * time.Millisecond,

		RequiredAcks: kafka.RequireOne,
		Async:        true,
		Compression:  kafka.Snappy,

		Completion: func(messages []kafka.Message, err error) {
			if err != nil {
				logger.Error("firehose batch delivery failed",
					zap.Int("messages", len(messages)), zap.Error(err))
			}
		},
	}
	return &Firehose{writer: writer, logger: logger}
}

// Publish enqueues one raw frame. The writer is async; delivery failures are
// reported through the writer's completion callback as log lines and never
// block ingestion.
func (f *Firehose) Publish(ctx context.Context, gatewayID string, payload []byte) error {
	key := []byte(gatewayID)
	if len(key) == 0 {
		key = []byte("unknown-gateway")
	}
	return f.writer.WriteMessages(ctx, kafka.Message{
		Key:   key,
		Value: payload,
		Headers: []kafka.Header{{
			Key:   "receivedAt",
			Value: []byte(time.Now().UTC().Format(time.RFC3339Nano)),
		}},
	})
}

func (f *Firehose) Close() error { return f.writer.Close() }
