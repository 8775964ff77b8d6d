// Package producer appends records to Kafka with franz-go.
package producer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"

	"patientsync/internal/platform/config"
)

// Producer writes keyed records to one topic and waits for acknowledgement.
type Producer struct {
	client *kgo.Client
	topic  string
	logger *slog.Logger
}

// New connects an idempotent producer that requires acks from all in-sync replicas.
func New(cfg config.Kafka, logger *slog.Logger) (*Producer, error) {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.DefaultProduceTopic(cfg.Topic),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.ProducerLinger(5*time.Millisecond),
		kgo.RecordDeliveryTimeout(10*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}
	return &Producer{client: client, topic: cfg.Topic, logger: logger}, nil
}

// Topic is the topic records are appended to.
func (p *Producer) Topic() string {
	return p.topic
}

// Produce appends one record and blocks until the broker acknowledges it or ctx ends.
func (p *Producer) Produce(ctx context.Context, key, value []byte, headers map[string]string) error {
	record := &kgo.Record{Topic: p.topic, Key: key, Value: value}
	for k, v := range headers {
		record.Headers = append(record.Headers, kgo.RecordHeader{Key: k, Value: []byte(v)})
	}
	if err := p.client.ProduceSync(ctx, record).FirstErr(); err != nil {
		return fmt.Errorf("produce to %s: %w", p.topic, err)
	}
	p.logger.DebugContext(ctx, "record produced",
		"topic", record.Topic,
		"partition", record.Partition,
		"offset", record.Offset,
	)
	return nil
}

// Close flushes buffered records and closes the client.
func (p *Producer) Close(ctx context.Context) {
	if err := p.client.Flush(ctx); err != nil {
		p.logger.Warn("kafka flush on close failed", "error", err)
	}
	p.client.Close()
}

// EnsureTopic creates the configured topic if it does not exist yet.
func EnsureTopic(ctx context.Context, cfg config.Kafka) error {
	client, err := kgo.NewClient(kgo.SeedBrokers(cfg.Brokers...))
	if err != nil {
		return fmt.Errorf("create kafka admin client: %w", err)
	}
	defer client.Close()

	partitions := cfg.Partitions
	if partitions <= 0 {
		partitions = 1
	}
	replication := cfg.Replication
	if replication <= 0 {
		replication = 1
	}

	admin := kadm.NewClient(client)
	_, err = admin.CreateTopic(ctx, partitions, replication, nil, cfg.Topic)
	if err != nil && !errors.Is(err, kerr.TopicAlreadyExists) {
		return fmt.Errorf("create topic %s: %w", cfg.Topic, err)
	}
	return nil
}
