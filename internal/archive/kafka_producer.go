package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/averyjennings/claw-stream-vision/internal/config"
	"github.com/averyjennings/claw-stream-vision/internal/domain"
	"github.com/averyjennings/claw-stream-vision/pkg/log"
	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
)

// record is the archived form of a chat line.
type record struct {
	StreamID string `json:"streamId"`
	domain.ChatEvent
}

// KafkaArchiver produces every chat line to a topic, keyed by stream id so
// one stream's chat stays ordered within a partition.
type KafkaArchiver struct {
	producer *kafka.Producer
	topic    string
	streamID string
	doneCh   chan struct{}
}

func NewKafkaArchiver(cfg config.ArchiveConfig, streamID string) (*KafkaArchiver, error) {
	l := log.L()
	if err := ensureTopic(cfg.Brokers, cfg.Topic, cfg.Partitions); err != nil {
		l.Warn().Err(err).Str("topic", cfg.Topic).Msg("failed to ensure archive topic (may already exist)")
	}

	p, err := kafka.NewProducer(&kafka.ConfigMap{
		"bootstrap.servers": cfg.Brokers,
		"acks":              "1",
		"linger.ms":         5,
		"compression.type":  "snappy",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka producer: %w", err)
	}

	a := &KafkaArchiver{
		producer: p,
		topic:    cfg.Topic,
		streamID: streamID,
		doneCh:   make(chan struct{}),
	}
	go a.deliveryReportHandler()

	return a, nil
}

func ensureTopic(brokers, topic string, partitions int) error {
	if partitions <= 0 {
		partitions = 1
	}
	admin, err := kafka.NewAdminClient(&kafka.ConfigMap{
		"bootstrap.servers": brokers,
	})
	if err != nil {
		return fmt.Errorf("failed to create admin client: %w", err)
	}
	defer admin.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	results, err := admin.CreateTopics(ctx, []kafka.TopicSpecification{
		{Topic: topic, NumPartitions: partitions, ReplicationFactor: 1},
	})
	if err != nil {
		return err
	}
	for _, result := range results {
		if code := result.Error.Code(); code != kafka.ErrNoError && code != kafka.ErrTopicAlreadyExists {
			return fmt.Errorf("failed to create topic %s: %v", result.Topic, result.Error)
		}
	}
	return nil
}

func (a *KafkaArchiver) deliveryReportHandler() {
	l := log.L()
	for e := range a.producer.Events() {
		if m, ok := e.(*kafka.Message); ok && m.TopicPartition.Error != nil {
			l.Warn().Err(m.TopicPartition.Error).Msg("chat archive delivery failed")
		}
	}
	close(a.doneCh)
}

// Archive enqueues evt. Delivery is asynchronous; failures are logged.
func (a *KafkaArchiver) Archive(ctx context.Context, evt domain.ChatEvent) error {
	value, err := json.Marshal(record{StreamID: a.streamID, ChatEvent: evt})
	if err != nil {
		return fmt.Errorf("failed to marshal chat event: %w", err)
	}

	err = a.producer.Produce(&kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &a.topic, Partition: kafka.PartitionAny},
		Key:            []byte(a.streamID),
		Value:          value,
	}, nil)
	if err != nil {
		return fmt.Errorf("failed to produce chat event: %w", err)
	}
	return nil
}

func (a *KafkaArchiver) Close() error {
	a.producer.Flush(5000)
	a.producer.Close()
	<-a.doneCh
	return nil
}

// New returns the archiver selected by cfg.Driver.
func New(cfg config.ArchiveConfig, streamID string) (ChatArchiver, error) {
	switch cfg.Driver {
	case "", "none":
		return Nop{}, nil
	case "kafka":
		return NewKafkaArchiver(cfg, streamID)
	default:
		return nil, fmt.Errorf("unsupported archive driver: %s", cfg.Driver)
	}
}
