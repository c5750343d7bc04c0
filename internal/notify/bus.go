// Package notify fans class notifications out to tenant subscribers. Delivery
// is best effort: slow subscribers drop events rather than stall publishers.
package notify

import "context"

// Bus publishes tenant events and hands out live subscriptions.
type Bus interface {
	Publish(ctx context.Context, event Event) error
	Subscribe(tenant string) Subscription
	Close() error
}

// Subscription represents an active event stream for one tenant.
type Subscription interface {
	Events() <-chan Event
	Close()
}
