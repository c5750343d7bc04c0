package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// RedisBusConfig configures the Redis Streams backed bus. Each tenant gets its
// own stream, capped at MaxLen entries.
type RedisBusConfig struct {
	Client       redis.UniversalClient
	Prefix       string
	MaxLen       int64
	BlockTimeout time.Duration
	Buffer       int
	Logger       *slog.Logger
}

// NewRedisBus returns a bus that appends events to Redis Streams so every API
// replica can serve them. Subscribers read from the tail of the stream; there is
// no consumer group because each subscriber must observe every event.
func NewRedisBus(cfg RedisBusConfig) (Bus, error) {
	if cfg.Client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	prefix := strings.TrimSpace(cfg.Prefix)
	if prefix == "" {
		prefix = "classes"
	}
	if cfg.MaxLen <= 0 {
		cfg.MaxLen = 10000
	}
	if cfg.BlockTimeout <= 0 {
		cfg.BlockTimeout = 2 * time.Second
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 128
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &redisBus{
		client:       cfg.Client,
		prefix:       prefix,
		maxLen:       cfg.MaxLen,
		blockTimeout: cfg.BlockTimeout,
		buffer:       cfg.Buffer,
		logger:       logger,
	}, nil
}

type redisBus struct {
	client       redis.UniversalClient
	prefix       string
	maxLen       int64
	blockTimeout time.Duration
	buffer       int
	logger       *slog.Logger

	mu   sync.Mutex
	subs map[*redisSubscription]struct{}
}

func (b *redisBus) stream(tenant string) string {
	return b.prefix + ":events:" + tenant
}

func (b *redisBus) Publish(ctx context.Context, event Event) error {
	if err := event.validate(); err != nil {
		return err
	}
	event.ID = ""
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	err = b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: b.stream(event.Tenant),
		MaxLen: b.maxLen,
		Approx: true,
		Values: map[string]interface{}{"payload": string(payload)},
	}).Err()
	if err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}

func (b *redisBus) Subscribe(tenant string) Subscription {
	ctx, cancel := context.WithCancel(context.Background())
	sub := &redisSubscription{
		bus:    b,
		stream: b.stream(tenant),
		cancel: cancel,
		ch:     make(chan Event, b.buffer),
		done:   make(chan struct{}),
	}
	b.mu.Lock()
	if b.subs == nil {
		b.subs = make(map[*redisSubscription]struct{})
	}
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	go sub.run(ctx)
	return sub
}

// Close stops every subscription. The client is owned by the caller.
func (b *redisBus) Close() error {
	b.mu.Lock()
	subs := make([]*redisSubscription, 0, len(b.subs))
	for sub := range b.subs {
		subs = append(subs, sub)
	}
	b.mu.Unlock()
	for _, sub := range subs {
		sub.Close()
	}
	return nil
}

type redisSubscription struct {
	bus    *redisBus
	stream string
	cancel context.CancelFunc

	once sync.Once
	ch   chan Event
	done chan struct{}
}

func (s *redisSubscription) Events() <-chan Event {
	return s.ch
}

func (s *redisSubscription) Close() {
	s.once.Do(func() {
		s.cancel()
		<-s.done
		s.bus.mu.Lock()
		delete(s.bus.subs, s)
		s.bus.mu.Unlock()
	})
}

func (s *redisSubscription) run(ctx context.Context) {
	defer close(s.done)
	defer close(s.ch)

	// "$" only yields entries added after the first read is issued.
	lastID := "$"
	for {
		if ctx.Err() != nil {
			return
		}
		streams, err := s.bus.client.XRead(ctx, &redis.XReadArgs{
			Streams: []string{s.stream, lastID},
			Count:   32,
			Block:   s.bus.blockTimeout,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			s.bus.logger.Warn("redis event read failed", "stream", s.stream, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(200 * time.Millisecond):
			}
			continue
		}
		for _, stream := range streams {
			for _, message := range stream.Messages {
				lastID = message.ID
				event, ok := s.decode(message)
				if !ok {
					continue
				}
				select {
				case s.ch <- event:
				case <-ctx.Done():
					return
				default:
					s.bus.logger.Debug("dropping event for slow subscriber", "stream", s.stream, "id", message.ID)
				}
			}
		}
	}
}

func (s *redisSubscription) decode(message redis.XMessage) (Event, bool) {
	raw, _ := message.Values["payload"].(string)
	if raw == "" {
		return Event{}, false
	}
	var event Event
	if err := json.Unmarshal([]byte(raw), &event); err != nil {
		s.bus.logger.Error("redis event decode failed", "stream", s.stream, "id", message.ID, "error", err)
		return Event{}, false
	}
	event.ID = message.ID
	return event, true
}
