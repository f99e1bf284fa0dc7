package domain

import "time"

// InboundMessage is a single update received from the chat platform.
// ThreadID is zero when the message was not posted in a forum topic.
type InboundMessage struct {
	ChatID     int64
	ChatType   string // private | group | supergroup | channel
	MessageID  int
	ThreadID   int
	SenderID   int64
	SenderName string
	Text       string // display text with bot commands removed
	Command    string // leading bot command without slash or @mention, if any
	Timestamp  time.Time

	IsEdited              bool
	IsText                bool
	IsFromAutomatedSender bool
	// AddressedElsewhere is set when the leading command names another bot,
	// as in /chat@otherbot.
	AddressedElsewhere bool
}

// HasThread reports whether replies must be scoped to a forum topic.
func (m InboundMessage) HasThread() bool {
	return m.ThreadID != 0
}

// OutboundMessage is one message sent back to the chat platform.
// Zero ReplyTo and ThreadID mean "not a reply" and "no topic".
type OutboundMessage struct {
	ChatID                int64
	ThreadID              int
	ReplyTo               int
	Text                  string
	DisableWebPagePreview bool
}
