// Package bus queues inbound updates and fans them out to a handler with
// bounded concurrency.
package bus

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"gptrelay/internal/domain"
	"gptrelay/internal/metrics"

	"golang.org/x/sync/semaphore"
)

const (
	publishTimeout       = 10 * time.Second
	defaultBufferSize    = 100
	defaultMaxConcurrent = 64
	defaultDrainTimeout  = 30 * time.Second
)

var _ domain.MessageBus = (*Dispatcher)(nil)

// Handler processes one inbound update.
type Handler func(ctx context.Context, msg domain.InboundMessage) error

// ErrorHandler receives every error returned or panic raised by a Handler.
// It must not panic itself.
type ErrorHandler func(msg domain.InboundMessage, err error)

// LogErrors returns an ErrorHandler that logs and carries on.
func LogErrors(logger *slog.Logger) ErrorHandler {
	return func(msg domain.InboundMessage, err error) {
		logger.Error("exception while handling an update",
			"chat_id", msg.ChatID,
			"message_id", msg.MessageID,
			"err", err,
		)
	}
}

// Dispatcher is a Go-channel based inbound queue. Run drains it, handing each
// update to its own goroutine while at most MaxConcurrent are in flight.
type Dispatcher struct {
	inbound chan domain.InboundMessage
	mu      sync.RWMutex
	closed  bool

	handler      Handler
	onError      ErrorHandler
	sem          *semaphore.Weighted
	maxInFlight  int
	drainTimeout time.Duration
	inflight     sync.WaitGroup
	logger       *slog.Logger
}

type Config struct {
	Handler       Handler
	ErrorHandler  ErrorHandler // default LogErrors(Logger)
	BufferSize    int
	MaxConcurrent int
	DrainTimeout  time.Duration // how long Run waits for in-flight updates on shutdown
	Logger        *slog.Logger
}

func New(cfg Config) *Dispatcher {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultBufferSize
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = defaultMaxConcurrent
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = defaultDrainTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ErrorHandler == nil {
		cfg.ErrorHandler = LogErrors(cfg.Logger)
	}
	return &Dispatcher{
		inbound:      make(chan domain.InboundMessage, cfg.BufferSize),
		handler:      cfg.Handler,
		onError:      cfg.ErrorHandler,
		sem:          semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		maxInFlight:  cfg.MaxConcurrent,
		drainTimeout: cfg.DrainTimeout,
		logger:       cfg.Logger,
	}
}

// Publish queues msg. Blocks up to 10 seconds if the queue is full, then drops.
func (d *Dispatcher) Publish(msg domain.InboundMessage) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		d.logger.Warn("attempted to publish to closed bus", "chat_id", msg.ChatID)
		return
	}

	select {
	case d.inbound <- msg:
	default:
		d.logger.Warn("inbound bus full, waiting...", "chat_id", msg.ChatID, "sender", msg.SenderID)
		timer := time.NewTimer(publishTimeout)
		defer timer.Stop()
		select {
		case d.inbound <- msg:
			d.logger.Info("message delivered after wait", "chat_id", msg.ChatID)
		case <-timer.C:
			d.logger.Error("message dropped: bus full for 10s",
				"chat_id", msg.ChatID,
				"sender", msg.SenderID,
			)
		}
	}
}

// Close stops accepting updates. Run returns once the queue is empty.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.closed {
		d.closed = true
		close(d.inbound)
	}
}

// Run consumes queued updates until ctx is done or the bus is closed, then
// waits up to the drain timeout for in-flight handlers. Handlers run with a
// context that outlives ctx so replies already under way are completed.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.logger.Info("dispatcher started", "max_concurrent", d.maxInFlight)
	defer d.drain()

	handlerCtx := context.WithoutCancel(ctx)
	for {
		select {
		case <-ctx.Done():
			d.logger.Info("dispatcher stopping")
			return nil
		case msg, ok := <-d.inbound:
			if !ok {
				d.logger.Info("inbound bus closed, dispatcher stopping")
				return nil
			}
			if err := d.sem.Acquire(ctx, 1); err != nil {
				d.logger.Warn("update dropped on shutdown", "chat_id", msg.ChatID, "message_id", msg.MessageID)
				return nil
			}
			d.inflight.Add(1)
			go func() {
				defer d.inflight.Done()
				defer d.sem.Release(1)
				d.Dispatch(handlerCtx, msg)
			}()
		}
	}
}

// Dispatch runs the handler for one update. Errors and panics go to the
// ErrorHandler; nothing escapes to the caller.
func (d *Dispatcher) Dispatch(ctx context.Context, msg domain.InboundMessage) {
	defer func() {
		if p := recover(); p != nil {
			metrics.HandlerPanics.Inc()
			d.onError(msg, fmt.Errorf("panic: %v\n%s", p, debug.Stack()))
		}
	}()
	if err := d.handler(ctx, msg); err != nil {
		d.onError(msg, err)
	}
}

func (d *Dispatcher) drain() {
	done := make(chan struct{})
	go func() {
		d.inflight.Wait()
		close(done)
	}()

	timer := time.NewTimer(d.drainTimeout)
	defer timer.Stop()
	select {
	case <-done:
		d.logger.Info("in-flight updates drained")
	case <-timer.C:
		d.logger.Warn("drain timeout, abandoning in-flight updates", "timeout", d.drainTimeout)
	}
}
