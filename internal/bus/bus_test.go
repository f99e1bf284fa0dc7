package bus

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"gptrelay/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

type recordedError struct {
	msg domain.InboundMessage
	err error
}

type errorSink struct {
	mu   sync.Mutex
	errs []recordedError
}

func (s *errorSink) handle(msg domain.InboundMessage, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errs = append(s.errs, recordedError{msg: msg, err: err})
}

func (s *errorSink) all() []recordedError {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]recordedError(nil), s.errs...)
}

func runAsync(ctx context.Context, d *Dispatcher) <-chan error {
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()
	return done
}

func TestDispatcher_HandlesEveryUpdate(t *testing.T) {
	var seen sync.Map
	d := New(Config{
		Handler: func(_ context.Context, msg domain.InboundMessage) error {
			seen.Store(msg.MessageID, true)
			return nil
		},
		Logger: testLogger(),
	})
	done := runAsync(context.Background(), d)

	for i := 1; i <= 20; i++ {
		d.Publish(domain.InboundMessage{ChatID: 1, MessageID: i})
	}
	d.Close()
	require.NoError(t, <-done)

	for i := 1; i <= 20; i++ {
		_, ok := seen.Load(i)
		assert.True(t, ok, "message %d not handled", i)
	}
}

func TestDispatcher_BoundsConcurrency(t *testing.T) {
	const limit = 3
	var current, peak atomic.Int32
	release := make(chan struct{})

	d := New(Config{
		MaxConcurrent: limit,
		Handler: func(context.Context, domain.InboundMessage) error {
			n := current.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			<-release
			current.Add(-1)
			return nil
		},
		Logger: testLogger(),
	})
	done := runAsync(context.Background(), d)

	for i := 0; i < 10; i++ {
		d.Publish(domain.InboundMessage{MessageID: i})
	}
	require.Eventually(t, func() bool { return current.Load() == limit }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(limit), peak.Load())

	close(release)
	d.Close()
	require.NoError(t, <-done)
	assert.Equal(t, int32(limit), peak.Load())
}

func TestDispatcher_ErrorsAndPanicsReachErrorHandler(t *testing.T) {
	sink := &errorSink{}
	d := New(Config{
		Handler: func(_ context.Context, msg domain.InboundMessage) error {
			switch msg.MessageID {
			case 1:
				return errors.New("send failed")
			case 2:
				panic("malformed update")
			}
			return nil
		},
		ErrorHandler: sink.handle,
		Logger:       testLogger(),
	})

	d.Dispatch(context.Background(), domain.InboundMessage{MessageID: 1})
	d.Dispatch(context.Background(), domain.InboundMessage{MessageID: 2})
	d.Dispatch(context.Background(), domain.InboundMessage{MessageID: 3})

	errs := sink.all()
	require.Len(t, errs, 2)
	assert.Equal(t, 1, errs[0].msg.MessageID)
	assert.EqualError(t, errs[0].err, "send failed")
	assert.Equal(t, 2, errs[1].msg.MessageID)
	assert.Contains(t, errs[1].err.Error(), "malformed update")
}

func TestDispatcher_KeepsServingAfterPanic(t *testing.T) {
	var handled atomic.Int32
	d := New(Config{
		Handler: func(_ context.Context, msg domain.InboundMessage) error {
			handled.Add(1)
			if msg.MessageID == 1 {
				panic("boom")
			}
			return nil
		},
		ErrorHandler: func(domain.InboundMessage, error) {},
		Logger:       testLogger(),
	})
	done := runAsync(context.Background(), d)

	d.Publish(domain.InboundMessage{MessageID: 1})
	d.Publish(domain.InboundMessage{MessageID: 2})
	d.Close()
	require.NoError(t, <-done)

	assert.Equal(t, int32(2), handled.Load())
}

func TestDispatcher_ShutdownDrainsInFlight(t *testing.T) {
	started := make(chan struct{})
	var finished atomic.Bool
	var handlerCtxErr atomic.Value

	d := New(Config{
		Handler: func(ctx context.Context, _ domain.InboundMessage) error {
			close(started)
			time.Sleep(50 * time.Millisecond)
			if err := ctx.Err(); err != nil {
				handlerCtxErr.Store(err)
			}
			finished.Store(true)
			return nil
		},
		DrainTimeout: 5 * time.Second,
		Logger:       testLogger(),
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := runAsync(ctx, d)

	d.Publish(domain.InboundMessage{MessageID: 1})
	<-started
	cancel()
	require.NoError(t, <-done)

	assert.True(t, finished.Load(), "Run must wait for the in-flight handler")
	assert.Nil(t, handlerCtxErr.Load(), "handler context must survive shutdown")
}

func TestDispatcher_PublishAfterClose(t *testing.T) {
	d := New(Config{Handler: func(context.Context, domain.InboundMessage) error { return nil }, Logger: testLogger()})
	d.Close()
	d.Close()

	assert.NotPanics(t, func() { d.Publish(domain.InboundMessage{MessageID: 1}) })
}

func TestNew_Defaults(t *testing.T) {
	d := New(Config{Handler: func(context.Context, domain.InboundMessage) error { return nil }})
	assert.Equal(t, defaultBufferSize, cap(d.inbound))
	assert.Equal(t, defaultMaxConcurrent, d.maxInFlight)
	assert.Equal(t, defaultDrainTimeout, d.drainTimeout)
	assert.NotNil(t, d.onError)
}
