package eventbus

import "context"

// EventBus fans pool events out per tenant. Delivery is at most once;
// subscribers that are not connected miss events.
type EventBus interface {
	Publish(ctx context.Context, tenantID string, event Event) error
	// Subscribe returns a channel that is closed once ctx is done.
	Subscribe(ctx context.Context, tenantID string) (<-chan Event, error)
}
