package domain

// MessageBus decouples channels from the conversation orchestrator.
// Channels publish inbound messages; the orchestrator consumes them.
type MessageBus interface {
	Publish(msg InboundMessage)
	Subscribe() <-chan InboundMessage
	Close()
}
