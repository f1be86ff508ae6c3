package oort

import "context"

// Transport is the cluster channel collaborator.
//
// Publish must deliver payload to the handlers that remote members
// subscribed on channel, preserving per-sender order as far as the
// underlying network allows. Delivery to the publishing node itself is
// performed by the Node, so transports must not echo messages back to
// their own subscribers.
type Transport interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(channel string, handler func(payload []byte)) (unsubscribe func(), err error)
	Close() error
}
