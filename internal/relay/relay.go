// Package relay forwards one chat message to the completion service and
// delivers the answer back, keeping the typing indicator alive meanwhile.
package relay

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"
	"unicode/utf8"

	"gptrelay/internal/domain"
	"gptrelay/internal/metrics"

	"github.com/google/uuid"
)

const defaultTypingInterval = 4500 * time.Millisecond

// FailurePrefix starts every error message sent back to the chat.
const FailurePrefix = "Failed to get a response: "

// Relay runs one independent handling cycle per inbound message.
// It holds no per-message state and is safe for concurrent use.
type Relay struct {
	completer      domain.Completer
	messenger      domain.Messenger
	logger         *slog.Logger
	typingInterval time.Duration
	maxLen         int
	enableQuoting  bool
}

type Config struct {
	Completer        domain.Completer
	Messenger        domain.Messenger
	Logger           *slog.Logger
	TypingInterval   time.Duration // default 4.5s
	MaxMessageLength int           // default 4096
	EnableQuoting    bool          // error messages reply to the trigger
}

func New(cfg Config) *Relay {
	if cfg.TypingInterval <= 0 {
		cfg.TypingInterval = defaultTypingInterval
	}
	if cfg.MaxMessageLength <= 0 {
		cfg.MaxMessageLength = DefaultMaxMessageLength
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Relay{
		completer:      cfg.Completer,
		messenger:      cfg.Messenger,
		logger:         cfg.Logger,
		typingInterval: cfg.TypingInterval,
		maxLen:         cfg.MaxMessageLength,
		enableQuoting:  cfg.EnableQuoting,
	}
}

// Accept reports whether msg is relayed. Edits, non-text updates and
// messages from other bots are dropped without any outbound call.
func Accept(msg domain.InboundMessage) bool {
	return !msg.IsEdited && msg.IsText && !msg.IsFromAutomatedSender
}

// FailureText is the chat-visible text for a failed cycle.
func FailureText(err error) string {
	return FailurePrefix + err.Error()
}

// Handle runs a full cycle for msg and returns once the reply (or the error
// message) has been sent. Failures are logged and reported to the chat,
// never returned.
func (r *Relay) Handle(ctx context.Context, msg domain.InboundMessage) {
	if !Accept(msg) {
		metrics.MessagesFiltered.Inc()
		r.logger.Debug("message ignored",
			"chat_id", msg.ChatID,
			"message_id", msg.MessageID,
			"edited", msg.IsEdited,
			"text", msg.IsText,
			"automated", msg.IsFromAutomatedSender,
		)
		return
	}

	metrics.MessagesTotal.Inc()
	metrics.InflightCycles.Inc()
	defer metrics.InflightCycles.Dec()

	logger := r.logger.With(
		"cycle_id", uuid.NewString(),
		"chat_id", msg.ChatID,
		"message_id", msg.MessageID,
	)
	if msg.HasThread() {
		logger = logger.With("thread_id", msg.ThreadID)
	}
	logger.Info("relaying message",
		"sender", msg.SenderName,
		"prompt_len", utf8.RuneCountInString(msg.Text),
	)

	if err := r.cycle(ctx, logger, msg); err != nil {
		r.fail(ctx, logger, msg, err)
	}
}

func (r *Relay) cycle(ctx context.Context, logger *slog.Logger, msg domain.InboundMessage) (err error) {
	defer func() {
		if p := recover(); p != nil {
			metrics.HandlerPanics.Inc()
			logger.Error("panic in relay cycle", "panic", p, "stack", string(debug.Stack()))
			err = fmt.Errorf("internal error: %v", p)
		}
	}()

	start := time.Now()
	res := r.await(ctx, logger, msg, r.dispatch(ctx, logger, msg.Text))
	if !res.OK() {
		return res.Err
	}
	logger.Debug("completion received", "duration_ms", time.Since(start).Milliseconds())
	return r.deliver(ctx, logger, msg, res.Text)
}

// dispatch starts the completion without blocking. The returned channel
// receives exactly one result.
func (r *Relay) dispatch(ctx context.Context, logger *slog.Logger, prompt string) <-chan domain.CompletionResult {
	done := make(chan domain.CompletionResult, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				metrics.HandlerPanics.Inc()
				logger.Error("panic in completion", "panic", p, "stack", string(debug.Stack()))
				done <- domain.CompletionResult{
					Err: domain.NewCompletionError(domain.ServiceError, fmt.Sprint(p)),
				}
			}
		}()
		done <- r.completer.Complete(ctx, prompt)
	}()
	return done
}

// await re-asserts the typing indicator once per interval until the result
// arrives. The wait ends as soon as done is ready.
func (r *Relay) await(ctx context.Context, logger *slog.Logger, msg domain.InboundMessage, done <-chan domain.CompletionResult) domain.CompletionResult {
	for {
		select {
		case res := <-done:
			return res
		default:
		}

		go r.signalTyping(ctx, logger, msg)

		timer := time.NewTimer(r.typingInterval)
		select {
		case res := <-done:
			timer.Stop()
			return res
		case <-timer.C:
		}
	}
}

func (r *Relay) signalTyping(ctx context.Context, logger *slog.Logger, msg domain.InboundMessage) {
	defer func() {
		if p := recover(); p != nil {
			logger.Debug("typing indicator panicked", "panic", p)
		}
	}()
	metrics.TypingSignals.Inc()
	if err := r.messenger.SendTyping(ctx, msg.ChatID, msg.ThreadID); err != nil {
		logger.Debug("typing indicator failed", "err", err)
	}
}

// deliver sends text in order. Only the first chunk replies to the trigger.
func (r *Relay) deliver(ctx context.Context, logger *slog.Logger, msg domain.InboundMessage, text string) error {
	chunks := Split(text, r.maxLen)
	if len(chunks) == 0 {
		logger.Info("empty completion, nothing sent")
		return nil
	}

	for i, chunk := range chunks {
		out := domain.OutboundMessage{
			ChatID:   msg.ChatID,
			ThreadID: msg.ThreadID,
			Text:     chunk,
		}
		if i == 0 {
			out.ReplyTo = msg.MessageID
		}
		if err := r.messenger.SendMessage(ctx, out); err != nil {
			metrics.DeliveryFailures.Inc()
			return fmt.Errorf("send chunk %d/%d: %w", i+1, len(chunks), err)
		}
		metrics.ChunksSent.Inc()
	}

	logger.Info("reply delivered", "chunks", len(chunks), "chars", utf8.RuneCountInString(text))
	return nil
}

// fail reports err to the chat in a single message. A send failure here is
// only logged.
func (r *Relay) fail(ctx context.Context, logger *slog.Logger, msg domain.InboundMessage, err error) {
	logger.Error("relay failed", "err", err)

	out := domain.OutboundMessage{
		ChatID:   msg.ChatID,
		ThreadID: msg.ThreadID,
		Text:     Split(FailureText(err), r.maxLen)[0],
	}
	if r.enableQuoting {
		out.ReplyTo = msg.MessageID
	}
	if sendErr := r.messenger.SendMessage(ctx, out); sendErr != nil {
		metrics.DeliveryFailures.Inc()
		logger.Error("error message not delivered", "err", sendErr)
	}
}
