package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisConfig configures the Redis broker
type RedisConfig struct {
	Addr     string
	Password string
	DB       int

	// Queue prefixes every key used by the broker
	Queue string

	// PollInterval is how long Receive waits between empty scans
	PollInterval time.Duration

	Logger *zap.Logger
}

// Validate fills defaults and checks required fields
func (c *RedisConfig) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("redis address is required")
	}
	if c.Logger == nil {
		return fmt.Errorf("logger is required")
	}
	if c.Queue == "" {
		c.Queue = "fleetd:commands"
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 100 * time.Millisecond
	}
	return nil
}

// RedisBroker keeps one list per priority plus a processing list.
// Receive moves a message into the processing list and Ack removes it.
// Nothing moves processing entries back, so delivery is at most once.
type RedisBroker struct {
	client *redis.Client
	config RedisConfig
	logger *zap.Logger

	closeOnce sync.Once
	closed    chan struct{}
}

// NewRedisBroker connects to Redis and verifies the connection
func NewRedisBroker(ctx context.Context, config RedisConfig) (*RedisBroker, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	client := redis.NewClient(&redis.Options{
		Addr:         config.Addr,
		Password:     config.Password,
		DB:           config.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisBroker{
		client: client,
		config: config,
		logger: config.Logger,
		closed: make(chan struct{}),
	}, nil
}

func (b *RedisBroker) queueKey(priority int) string {
	return fmt.Sprintf("%s:p:%d", b.config.Queue, priority)
}

func (b *RedisBroker) processingKey() string {
	return b.config.Queue + ":processing"
}

// Publish appends msg to the list of its priority
func (b *RedisBroker) Publish(ctx context.Context, msg *Message) error {
	select {
	case <-b.closed:
		return ErrClosed
	default:
	}

	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	msg.Priority = ClampPriority(msg.Priority)

	raw, err := encode(msg)
	if err != nil {
		return err
	}
	if err := b.client.LPush(ctx, b.queueKey(msg.Priority), raw).Err(); err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}
	msg.raw = raw
	return nil
}

// Receive returns the oldest message of the highest non-empty priority
func (b *RedisBroker) Receive(ctx context.Context) (*Message, error) {
	ticker := time.NewTicker(b.config.PollInterval)
	defer ticker.Stop()

	for {
		msg, err := b.tryReceive(ctx)
		if err != nil || msg != nil {
			return msg, err
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-b.closed:
			return nil, ErrClosed
		case <-ticker.C:
		}
	}
}

func (b *RedisBroker) tryReceive(ctx context.Context) (*Message, error) {
	for p := MaxPriority; p >= MinPriority; p-- {
		raw, err := b.client.LMove(ctx, b.queueKey(p), b.processingKey(), "RIGHT", "LEFT").Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to receive message: %w", err)
		}

		msg, err := decode(raw)
		if err != nil {
			// Unreadable payloads would block the processing list forever.
			b.client.LRem(ctx, b.processingKey(), 1, raw)
			b.logger.Warn("Discarding malformed queue message", zap.Error(err))
			continue
		}
		return msg, nil
	}
	return nil, nil
}

// Ack removes a received message from the processing list
func (b *RedisBroker) Ack(ctx context.Context, msg *Message) error {
	if msg.raw == "" {
		return fmt.Errorf("message %s was not received from this broker", msg.ID)
	}
	if err := b.client.LRem(ctx, b.processingKey(), 1, msg.raw).Err(); err != nil {
		return fmt.Errorf("failed to ack message %s: %w", msg.ID, err)
	}
	return nil
}

// Len returns the number of queued messages across all priorities
func (b *RedisBroker) Len(ctx context.Context) (int64, error) {
	pipe := b.client.Pipeline()
	cmds := make([]*redis.IntCmd, 0, MaxPriority-MinPriority+1)
	for p := MinPriority; p <= MaxPriority; p++ {
		cmds = append(cmds, pipe.LLen(ctx, b.queueKey(p)))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("failed to read queue length: %w", err)
	}

	var total int64
	for _, c := range cmds {
		total += c.Val()
	}
	return total, nil
}

// Close stops pending Receive calls and closes the client
func (b *RedisBroker) Close() error {
	var err error
	b.closeOnce.Do(func() {
		close(b.closed)
		err = b.client.Close()
	})
	return err
}
