package alerts

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/mulehunter/mulehunter/internal/retry"
)

// messageWriter is the subset of *kafka.Writer used by KafkaSink.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink publishes alerts as JSON to a Kafka topic. Messages are keyed by
// source account so alerts for one account stay ordered within a partition.
type KafkaSink struct {
	writer messageWriter
}

// NewKafkaSink creates a sink writing to topic on brokers.
func NewKafkaSink(brokers []string, topic string) *KafkaSink {
	return &KafkaSink{writer: &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		BatchTimeout: 10 * time.Millisecond,
	}}
}

func (k *KafkaSink) Publish(ctx context.Context, a *Alert) error {
	data, err := json.Marshal(a)
	if err != nil {
		return retry.Permanent(err)
	}
	return k.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(strconv.FormatInt(a.SourceAccount, 10)),
		Value: data,
		Time:  a.Timestamp,
		Headers: []kafka.Header{
			{Key: "alert-id", Value: []byte(a.ID)},
			{Key: "verdict", Value: []byte(a.Verdict)},
		},
	})
}

// Close flushes and closes the writer.
func (k *KafkaSink) Close() error {
	return k.writer.Close()
}
