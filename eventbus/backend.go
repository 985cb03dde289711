package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
	kafka "github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// BackendType selects which transport Forwarder.Forward uses, mirroring
// the pluggable EventBus interface in pkg/eventbus/interface.go — here
// narrowed to the one piece that actually needs a network transport:
// mirroring locally-published events out to a shared bus for multi-process
// deployments (e.g. a worker-pool Dispatcher's workers on separate hosts).
type BackendType string

const (
	BackendLocal BackendType = "local"
	BackendRedis BackendType = "redis"
	BackendKafka BackendType = "kafka"
)

// Forwarder mirrors locally published events to an external transport.
type Forwarder interface {
	Forward(ctx context.Context, evt Event) error
	Close() error
}

// nopForwarder is used for BackendLocal, where no external mirroring happens.
type nopForwarder struct{}

func (nopForwarder) Forward(context.Context, Event) error { return nil }
func (nopForwarder) Close() error                          { return nil }

// RedisForwarder publishes events to a Redis Pub/Sub channel, grounded on
// pkg/eventbus/redis_adapter.go.
type RedisForwarder struct {
	client  *redis.Client
	channel string
	logger  *zap.Logger
}

// NewRedisForwarder constructs a Forwarder backed by Redis Pub/Sub.
func NewRedisForwarder(addr, channel string, logger *zap.Logger) *RedisForwarder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisForwarder{
		client:  redis.NewClient(&redis.Options{Addr: addr}),
		channel: channel,
		logger:  logger,
	}
}

func (f *RedisForwarder) Forward(ctx context.Context, evt Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshaling event for redis: %w", err)
	}
	if err := f.client.Publish(ctx, f.channel, data).Err(); err != nil {
		f.logger.Warn("redis event forward failed", zap.Error(err), zap.String("channel", f.channel))
		return err
	}
	return nil
}

func (f *RedisForwarder) Close() error { return f.client.Close() }

// KafkaForwarder publishes events to a Kafka topic, grounded on
// pkg/eventbus/kafka_eventbus.go / kafka_producer.go.
type KafkaForwarder struct {
	writer *kafka.Writer
	logger *zap.Logger
}

// NewKafkaForwarder constructs a Forwarder backed by a Kafka topic.
func NewKafkaForwarder(brokers []string, topic string, logger *zap.Logger) *KafkaForwarder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &KafkaForwarder{
		writer: &kafka.Writer{
			Addr:     kafka.TCP(brokers...),
			Topic:    topic,
			Balancer: &kafka.LeastBytes{},
		},
		logger: logger,
	}
}

func (f *KafkaForwarder) Forward(ctx context.Context, evt Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshaling event for kafka: %w", err)
	}
	if err := f.writer.WriteMessages(ctx, kafka.Message{Key: []byte(evt.Type), Value: data}); err != nil {
		f.logger.Warn("kafka event forward failed", zap.Error(err), zap.String("topic", f.writer.Topic))
		return err
	}
	return nil
}

func (f *KafkaForwarder) Close() error { return f.writer.Close() }

// NewForwarder builds the Forwarder named by backend. addr is a Redis
// address for BackendRedis or a comma-joined broker list for BackendKafka.
func NewForwarder(backend BackendType, addr, topic string, logger *zap.Logger) (Forwarder, error) {
	switch backend {
	case "", BackendLocal:
		return nopForwarder{}, nil
	case BackendRedis:
		return NewRedisForwarder(addr, topic, logger), nil
	case BackendKafka:
		return NewKafkaForwarder(strings.Split(addr, ","), topic, logger), nil
	default:
		return nil, fmt.Errorf("eventbus: unknown backend %q", backend)
	}
}
