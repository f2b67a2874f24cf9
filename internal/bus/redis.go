package bus

import (
	"context"
	"fmt"
	"sync"

	"github.com/MarcoPoloResearchLab/roomrelay/backend/internal/chat"
	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// RedisConfig describes a RedisBus.
type RedisConfig struct {
	URL        string
	BufferSize int
	Observer   DropObserver
	Logger     *zap.Logger
}

// RedisBus fans out through Redis pub/sub so connections on different processes share rooms.
// Each subscription owns a dedicated pub/sub connection.
type RedisBus struct {
	client     *redis.Client
	bufferSize int
	observer   DropObserver
	logger     *zap.Logger
}

// NewRedisBus connects to cfg.URL and verifies the server responds.
func NewRedisBus(ctx context.Context, cfg RedisConfig) (*RedisBus, error) {
	options, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(options)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return NewRedisBusWithClient(client, cfg), nil
}

// NewRedisBusWithClient wraps an existing client.
func NewRedisBusWithClient(client *redis.Client, cfg RedisConfig) *RedisBus {
	bufferSize := cfg.BufferSize
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	return &RedisBus{
		client:     client,
		bufferSize: bufferSize,
		observer:   cfg.Observer,
		logger:     chat.LoggerOrNop(cfg.Logger),
	}
}

// Publish sends payload on the room channel.
func (b *RedisBus) Publish(ctx context.Context, roomID chat.RoomID, payload []byte) error {
	if err := b.client.Publish(ctx, ChannelName(roomID), payload).Err(); err != nil {
		b.logger.Warn("bus publish failed", zap.String("room_id", roomID.String()), zap.Error(err))
		return fmt.Errorf("publish to %s: %w", roomID, err)
	}
	return nil
}

// Subscribe opens a dedicated pub/sub handle and waits for the subscription to be confirmed.
func (b *RedisBus) Subscribe(ctx context.Context, roomID chat.RoomID) (Subscription, error) {
	pubsub := b.client.Subscribe(ctx, ChannelName(roomID))
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe to %s: %w", roomID, err)
	}
	subscription := &redisSubscription{
		pubsub: pubsub,
		stream: make(chan []byte, b.bufferSize),
		done:   make(chan struct{}),
	}
	go subscription.forward(ctx, b.observer)
	return subscription, nil
}

// Close releases the underlying client.
func (b *RedisBus) Close() error {
	return b.client.Close()
}

type redisSubscription struct {
	pubsub *redis.PubSub
	stream chan []byte
	done   chan struct{}
	once   sync.Once
}

func (s *redisSubscription) forward(ctx context.Context, observer DropObserver) {
	defer close(s.stream)
	inbound := s.pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			_ = s.Close()
			return
		case <-s.done:
			return
		case message, ok := <-inbound:
			if !ok {
				return
			}
			select {
			case s.stream <- []byte(message.Payload):
			default:
				if observer != nil {
					observer.BusDropped()
				}
			}
		}
	}
}

func (s *redisSubscription) Messages() <-chan []byte {
	return s.stream
}

func (s *redisSubscription) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.pubsub.Close()
	})
	return err
}
