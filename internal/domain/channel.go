package domain

import "context"

// Channel is an inbound message source (webhook listener or poller).
type Channel interface {
	Name() string
	Start(ctx context.Context, bus MessageBus) error
	Stop() error
}

// Transport delivers a single outbound text message to an address on a
// channel. Returns the provider's message id when the API supplies one.
// Delivery is at-most-once per call; the outbound queue owns retries.
type Transport interface {
	Name() string
	SendText(ctx context.Context, address, body string) (string, error)

	// MaxMessageLength is the longest body the channel accepts in one
	// physical message; longer replies are split before sending.
	MaxMessageLength() int
}
