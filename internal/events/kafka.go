package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/IBM/sarama"
)

// Kafka publishes events as JSON messages keyed by batch id, so every event of
// one batch lands on the same partition in order.
type Kafka struct {
	producer sarama.SyncProducer
	topic    string
	logger   *slog.Logger
}

// NewKafka creates a synchronous producer for brokers.
func NewKafka(brokers []string, topic string) (*Kafka, error) {
	config := sarama.NewConfig()
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Retry.Max = 5
	config.Producer.Return.Successes = true

	producer, err := sarama.NewSyncProducer(brokers, config)
	if err != nil {
		return nil, fmt.Errorf("creating kafka producer: %w", err)
	}
	return newKafka(producer, topic), nil
}

func newKafka(producer sarama.SyncProducer, topic string) *Kafka {
	return &Kafka{producer: producer, topic: topic, logger: slog.Default()}
}

func (k *Kafka) Publish(_ context.Context, ev StateChanged) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encoding event: %w", err)
	}
	partition, offset, err := k.producer.SendMessage(&sarama.ProducerMessage{
		Topic: k.topic,
		Key:   sarama.StringEncoder(ev.BatchID),
		Value: sarama.ByteEncoder(body),
	})
	if err != nil {
		return fmt.Errorf("sending event for %s: %w", ev.BatchID, err)
	}
	k.logger.Debug("state change published", "batch_id", ev.BatchID, "state", ev.NewState, "partition", partition, "offset", offset)
	return nil
}

// Close flushes and closes the producer.
func (k *Kafka) Close() error {
	return k.producer.Close()
}
