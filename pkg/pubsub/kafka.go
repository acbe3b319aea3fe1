package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/averyjennings/claw-stream-vision/pkg/log"
	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
)

// KafkaConfig holds Kafka connection settings.
type KafkaConfig struct {
	Brokers    string `mapstructure:"brokers"`
	GroupID    string `mapstructure:"group_id"`
	Partitions int    `mapstructure:"partitions"`
}

// route is where a bus channel lands in Kafka.
type route struct {
	topic string
	key   string
}

// routeFor maps "<prefix>:stream:<id>:<suffix>" onto topic
// "<prefix>-<suffix>" with the stream id as message key, so every stream
// shares one topic and stays ordered within its partition.
func routeFor(channel string) (route, error) {
	parts := strings.Split(channel, ":")
	if len(parts) != 4 || parts[1] != "stream" || parts[2] == "" {
		return route{}, fmt.Errorf("channel %q is not <prefix>:stream:<id>:<suffix>", channel)
	}
	return route{
		topic: parts[0] + "-" + strings.ReplaceAll(parts[3], "_", "-"),
		key:   parts[2],
	}, nil
}

var unsafeGroupChars = regexp.MustCompile(`[^a-zA-Z0-9._-]`)

// KafkaBus carries events over Kafka. Each subscription gets its own
// consumer group and starts at the latest offset.
type KafkaBus struct {
	cfg      KafkaConfig
	producer *kafka.Producer
	reports  chan struct{}

	mu        sync.Mutex
	consumers map[string]*kafkaConsumer
}

type kafkaConsumer struct {
	consumer *kafka.Consumer
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewKafkaBus creates the shared producer.
func NewKafkaBus(cfg KafkaConfig) (*KafkaBus, error) {
	if cfg.GroupID == "" {
		cfg.GroupID = "stream-relay"
	}
	if cfg.Partitions <= 0 {
		cfg.Partitions = 1
	}

	p, err := kafka.NewProducer(&kafka.ConfigMap{
		"bootstrap.servers": cfg.Brokers,
		"acks":              "1",
		"linger.ms":         5,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka producer: %w", err)
	}

	b := &KafkaBus{
		cfg:       cfg,
		producer:  p,
		reports:   make(chan struct{}),
		consumers: make(map[string]*kafkaConsumer),
	}
	go b.watchDeliveries()
	return b, nil
}

func (b *KafkaBus) watchDeliveries() {
	defer close(b.reports)
	l := log.L()
	for e := range b.producer.Events() {
		if m, ok := e.(*kafka.Message); ok && m.TopicPartition.Error != nil {
			l.Error().Err(m.TopicPartition.Error).Str("topic", *m.TopicPartition.Topic).Msg("kafka event delivery failed")
		}
	}
}

// createTopic makes sure topic exists so a consumer can join before the
// first producer writes to it.
func (b *KafkaBus) createTopic(ctx context.Context, topic string) error {
	admin, err := kafka.NewAdminClientFromProducer(b.producer)
	if err != nil {
		return fmt.Errorf("create admin client: %w", err)
	}
	defer admin.Close()

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	results, err := admin.CreateTopics(ctx, []kafka.TopicSpecification{{
		Topic:             topic,
		NumPartitions:     b.cfg.Partitions,
		ReplicationFactor: 1,
	}})
	if err != nil {
		return err
	}
	for _, r := range results {
		if code := r.Error.Code(); code != kafka.ErrNoError && code != kafka.ErrTopicAlreadyExists {
			return fmt.Errorf("create topic %s: %v", r.Topic, r.Error)
		}
	}
	return nil
}

func (b *KafkaBus) Publish(_ context.Context, channel string, event *Event) error {
	rt, err := routeFor(channel)
	if err != nil {
		return err
	}
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	err = b.producer.Produce(&kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &rt.topic, Partition: kafka.PartitionAny},
		Key:            []byte(rt.key),
		Value:          data,
	}, nil)
	if err != nil {
		return fmt.Errorf("produce to %s: %w", rt.topic, err)
	}
	return nil
}

// Subscribe reads the channel's topic and forwards only messages keyed
// with the channel's stream id.
func (b *KafkaBus) Subscribe(ctx context.Context, channel string) (<-chan *Event, error) {
	rt, err := routeFor(channel)
	if err != nil {
		return nil, err
	}

	if err := b.createTopic(ctx, rt.topic); err != nil {
		l := log.L()
		l.Warn().Err(err).Str("topic", rt.topic).Msg("could not ensure kafka topic, subscribing anyway")
	}

	c, err := kafka.NewConsumer(&kafka.ConfigMap{
		"bootstrap.servers":  b.cfg.Brokers,
		"group.id":           b.cfg.GroupID + "-" + unsafeGroupChars.ReplaceAllString(channel, "-"),
		"auto.offset.reset":  "latest",
		"enable.auto.commit": true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka consumer: %w", err)
	}
	if err := c.Subscribe(rt.topic, nil); err != nil {
		c.Close()
		return nil, fmt.Errorf("subscribe to %s: %w", rt.topic, err)
	}

	b.mu.Lock()
	old := b.consumers[channel]
	subCtx, cancel := context.WithCancel(ctx)
	kc := &kafkaConsumer{consumer: c, cancel: cancel, done: make(chan struct{})}
	b.consumers[channel] = kc
	b.mu.Unlock()

	if old != nil {
		old.stop()
	}

	out := make(chan *Event, eventBuffer)
	go kc.forward(subCtx, rt.key, out)
	return out, nil
}

func (kc *kafkaConsumer) forward(ctx context.Context, key string, out chan<- *Event) {
	defer close(kc.done)
	defer close(out)
	l := log.L()

	for ctx.Err() == nil {
		msg, err := kc.consumer.ReadMessage(500 * time.Millisecond)
		if err != nil {
			var kerr kafka.Error
			if errors.As(err, &kerr) {
				if kerr.Code() == kafka.ErrTimedOut {
					continue
				}
				if kerr.IsFatal() {
					l.Error().Err(err).Msg("kafka consumer failed")
					return
				}
			}
			l.Warn().Err(err).Msg("kafka consumer error")
			continue
		}
		if string(msg.Key) != key {
			continue
		}

		event, err := decodeEvent(msg.Value)
		if err != nil {
			l.Warn().Err(err).Str("topic", *msg.TopicPartition.Topic).Msg("dropping undecodable kafka event")
			continue
		}
		select {
		case out <- event:
		case <-ctx.Done():
			return
		}
	}
}

// stop ends the forward loop before closing the consumer, since a
// consumer must not be closed while ReadMessage is in flight.
func (kc *kafkaConsumer) stop() error {
	kc.cancel()
	<-kc.done
	return kc.consumer.Close()
}

func (b *KafkaBus) Unsubscribe(_ context.Context, channel string) error {
	b.mu.Lock()
	kc, ok := b.consumers[channel]
	delete(b.consumers, channel)
	b.mu.Unlock()

	if !ok {
		return nil
	}
	if err := kc.stop(); err != nil {
		return fmt.Errorf("close consumer for %s: %w", channel, err)
	}
	return nil
}

// Close stops every consumer, flushes pending events and closes the producer.
func (b *KafkaBus) Close() error {
	b.mu.Lock()
	consumers := b.consumers
	b.consumers = make(map[string]*kafkaConsumer)
	b.mu.Unlock()

	for _, kc := range consumers {
		kc.stop()
	}

	b.producer.Flush(5000)
	b.producer.Close()
	<-b.reports
	return nil
}
