package domain

// MessageBus carries inbound updates from channels to their handlers.
type MessageBus interface {
	Publish(msg InboundMessage)
	Close()
}
