package platform

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisConfig holds connection settings for the Redis bridge.
type RedisConfig struct {
	Address      string        `mapstructure:"address"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	// BufferSize bounds each subscription channel. Zero uses the in-process default.
	BufferSize int `mapstructure:"buffer"`
}

func (cfg RedisConfig) bufferSize() int {
	if cfg.BufferSize > 0 {
		return cfg.BufferSize
	}
	return defaultBusBuffer
}

// RedisBridge is a Bus backed by Redis pub/sub, used when the platform client runs in
// another process.
type RedisBridge struct {
	client     *redis.Client
	logger     *zap.Logger
	bufferSize int
}

// NewRedisBridge connects to Redis and verifies the connection.
func NewRedisBridge(ctx context.Context, cfg RedisConfig, logger *zap.Logger) (*RedisBridge, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.DB,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("platform: connect to redis: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisBridge{client: client, logger: logger, bufferSize: cfg.bufferSize()}, nil
}

// Publish encodes the envelope as JSON and publishes it.
func (r *RedisBridge) Publish(ctx context.Context, channel string, envelope Envelope) error {
	data, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("platform: encode envelope: %w", err)
	}
	return r.client.Publish(ctx, channel, data).Err()
}

// Subscribe streams decoded envelopes from channel until ctx ends.
func (r *RedisBridge) Subscribe(ctx context.Context, channel string) (<-chan Envelope, error) {
	pubsub := r.client.Subscribe(ctx, channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("platform: subscribe %s: %w", channel, err)
	}
	stream := make(chan Envelope, r.bufferSize)
	go r.processMessages(ctx, pubsub, stream)
	return stream, nil
}

// Close releases the Redis client.
func (r *RedisBridge) Close() error {
	return r.client.Close()
}

func (r *RedisBridge) processMessages(ctx context.Context, pubsub *redis.PubSub, stream chan<- Envelope) {
	defer close(stream)
	defer pubsub.Close()

	messages := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case message, ok := <-messages:
			if !ok {
				return
			}
			envelope, err := decodeEnvelope([]byte(message.Payload))
			if err != nil {
				r.logger.Warn("dropping malformed envelope", zap.String("channel", message.Channel), zap.Error(err))
				continue
			}
			select {
			case stream <- envelope:
			case <-ctx.Done():
				return
			default:
				r.logger.Warn("subscriber buffer full, dropping envelope", zap.String("type", envelope.Type))
			}
		}
	}
}

func decodeEnvelope(data []byte) (Envelope, error) {
	var envelope Envelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if envelope.Type == "" {
		return Envelope{}, fmt.Errorf("%w: missing type", ErrMalformedEnvelope)
	}
	return envelope, nil
}
