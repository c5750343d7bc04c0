package notify

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
)

// NewMemoryBus initialises an in-process fan-out bus suitable for tests and
// single-replica deployments.
func NewMemoryBus(buffer int) Bus {
	if buffer <= 0 {
		buffer = 32
	}
	return &memoryBus{
		subs:   make(map[string]map[*memorySubscription]struct{}),
		buffer: buffer,
	}
}

type memoryBus struct {
	mu     sync.RWMutex
	subs   map[string]map[*memorySubscription]struct{}
	buffer int
	seq    atomic.Uint64
	closed bool
}

func (b *memoryBus) Publish(ctx context.Context, event Event) error {
	if err := event.validate(); err != nil {
		return err
	}
	event.ID = strconv.FormatUint(b.seq.Add(1), 10)

	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.subs[event.Tenant] {
		select {
		case sub.ch <- event:
		case <-ctx.Done():
			return ctx.Err()
		default:
			// Drop instead of blocking the publisher.
		}
	}
	return nil
}

func (b *memoryBus) Subscribe(tenant string) Subscription {
	sub := &memorySubscription{
		bus:    b,
		tenant: tenant,
		ch:     make(chan Event, b.buffer),
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(sub.ch)
		sub.once.Do(func() {})
		return sub
	}
	set, ok := b.subs[tenant]
	if !ok {
		set = make(map[*memorySubscription]struct{})
		b.subs[tenant] = set
	}
	set[sub] = struct{}{}
	return sub
}

func (b *memoryBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := make([]*memorySubscription, 0)
	for _, set := range b.subs {
		for sub := range set {
			subs = append(subs, sub)
		}
	}
	b.mu.Unlock()

	for _, sub := range subs {
		sub.Close()
	}
	return nil
}

type memorySubscription struct {
	once   sync.Once
	bus    *memoryBus
	tenant string
	ch     chan Event
}

func (s *memorySubscription) Events() <-chan Event {
	return s.ch
}

func (s *memorySubscription) Close() {
	s.once.Do(func() {
		s.bus.mu.Lock()
		if set, ok := s.bus.subs[s.tenant]; ok {
			delete(set, s)
			if len(set) == 0 {
				delete(s.bus.subs, s.tenant)
			}
		}
		s.bus.mu.Unlock()
		close(s.ch)
	})
}
