package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Event is one capture event on the bus. Payload is decoded lazily by
// the consumer once it has switched on Type.
type Event struct {
	Type      string          `json:"type"`
	StreamID  string          `json:"streamId"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewEvent wraps payload in an event stamped with the current time.
func NewEvent(eventType, streamID string, payload interface{}) (*Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", eventType, err)
	}
	return &Event{
		Type:      eventType,
		StreamID:  streamID,
		Payload:   data,
		Timestamp: time.Now(),
	}, nil
}

// Decode unmarshals the payload into v.
func (e *Event) Decode(v interface{}) error {
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Type, err)
	}
	return nil
}

func decodeEvent(data []byte) (*Event, error) {
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, err
	}
	if e.Type == "" {
		return nil, errors.New("event has no type")
	}
	return &e, nil
}

// Publisher publishes events to a channel.
type Publisher interface {
	Publish(ctx context.Context, channel string, event *Event) error
}

// Subscriber delivers a channel's events until ctx is done or the
// channel is unsubscribed, then closes the returned channel.
type Subscriber interface {
	Subscribe(ctx context.Context, channel string) (<-chan *Event, error)
	Unsubscribe(ctx context.Context, channel string) error
}

// Bus is a capture event bus.
type Bus interface {
	Publisher
	Subscriber
	Close() error
}

const (
	DriverRedis = "redis"
	DriverKafka = "kafka"
)

// Config selects and configures the bus driver.
type Config struct {
	Driver string      `mapstructure:"driver"`
	Redis  RedisConfig `mapstructure:"redis"`
	Kafka  KafkaConfig `mapstructure:"kafka"`
}

// New connects the driver named in cfg.
func New(cfg Config) (Bus, error) {
	switch cfg.Driver {
	case DriverRedis, "":
		return NewRedisBus(cfg.Redis)
	case DriverKafka:
		return NewKafkaBus(cfg.Kafka)
	default:
		return nil, fmt.Errorf("unknown pubsub driver %q", cfg.Driver)
	}
}

// eventBuffer is the per-subscription delivery queue length.
const eventBuffer = 100
