package domain

import "context"

// Messenger is the outbound half of a chat platform.
type Messenger interface {
	SendMessage(ctx context.Context, msg OutboundMessage) error
	// SendTyping shows the "typing…" indicator in chatID, scoped to threadID when non-zero.
	SendTyping(ctx context.Context, chatID int64, threadID int) error
}

// Channel is a chat platform connection that feeds inbound updates into a bus.
type Channel interface {
	Messenger
	Name() string
	Start(ctx context.Context, bus MessageBus) error
	Stop() error
}
