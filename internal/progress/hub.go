package progress

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	defaultBufferSize     = 1024
	defaultMaxBatchEvents = 256
	defaultMaxBatchWait   = 250 * time.Millisecond
	defaultSinkTimeout    = 10 * time.Second
	dropLogInterval       = 5 * time.Second
)

// Config controls buffering and batching for the Hub. Zero fields take
// defaults: 1024 buffered events, batches of 256, a 250ms batch window and a
// 10s per-sink timeout.
type Config struct {
	BufferSize     int
	MaxBatchEvents int
	MaxBatchWait   time.Duration
	SinkTimeout    time.Duration
	// BaseContext parents every sink call.
	BaseContext context.Context
	Logger      *zap.Logger
}

func (c Config) withDefaults() Config {
	if c.BufferSize <= 0 {
		c.BufferSize = defaultBufferSize
	}
	if c.MaxBatchEvents <= 0 {
		c.MaxBatchEvents = defaultMaxBatchEvents
	}
	if c.MaxBatchWait <= 0 {
		c.MaxBatchWait = defaultMaxBatchWait
	}
	if c.SinkTimeout <= 0 {
		c.SinkTimeout = defaultSinkTimeout
	}
	if c.BaseContext == nil {
		c.BaseContext = context.Background()
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return c
}

// Hub buffers session events and hands them to sinks in batches on a single
// goroutine. When the buffer is full Emit drops the event, except for
// terminal kinds, which wait up to SinkTimeout for space.
// Terminal events (SESSION_DONE, SESSION_ERROR, SESSION_CANCELED) flush the
// pending batch at once so history and notifications are not delayed.
type Hub struct {
	cfg    Config
	sinks  []Sink
	in     chan Event
	quit   chan struct{}
	exited chan struct{}
	logger *zap.Logger

	dropLog      rate.Sometimes
	droppedSince atomic.Int64
	droppedTotal atomic.Int64
	closed       atomic.Bool

	closeOnce sync.Once
	closeCtx  context.Context
}

// NewHub starts a Hub delivering to sinks.
func NewHub(cfg Config, sinks ...Sink) *Hub {
	cfg = cfg.withDefaults()
	h := &Hub{
		cfg:     cfg,
		sinks:   append([]Sink(nil), sinks...),
		in:      make(chan Event, cfg.BufferSize),
		quit:    make(chan struct{}),
		exited:  make(chan struct{}),
		logger:  cfg.Logger,
		dropLog: rate.Sometimes{Interval: dropLogInterval},
	}
	go h.loop()
	return h
}

// Emit queues evt. Invalid events are discarded and so is everything emitted
// after Close. Only terminal events may block.
func (h *Hub) Emit(evt Event) {
	if h == nil || h.closed.Load() {
		return
	}
	if err := evt.Validate(); err != nil {
		h.logger.Debug("discarding invalid progress event", zap.Error(err), zap.String("kind", string(evt.Kind)))
		return
	}
	select {
	case h.in <- evt:
		return
	default:
	}
	if evt.Kind.Terminal() && h.waitToQueue(evt) {
		return
	}
	h.droppedTotal.Add(1)
	h.droppedSince.Add(1)
	h.dropLog.Do(func() {
		h.logger.Warn("progress events dropped due to backpressure", zap.Int64("dropped", h.droppedSince.Swap(0)))
	})
}

// waitToQueue blocks up to SinkTimeout for buffer space. Terminal events
// complete history rows and trigger notifications, so they are worth a wait.
func (h *Hub) waitToQueue(evt Event) bool {
	timer := time.NewTimer(h.cfg.SinkTimeout)
	defer timer.Stop()
	select {
	case h.in <- evt:
		return true
	case <-timer.C:
	case <-h.quit:
	}
	h.logger.Warn("terminal progress event dropped",
		zap.String("kind", string(evt.Kind)),
		zap.String("session_id", evt.SessionUUID().String()),
	)
	return false
}

// Dropped returns how many events were discarded for backpressure.
func (h *Hub) Dropped() int64 {
	if h == nil {
		return 0
	}
	return h.droppedTotal.Load()
}

// Close stops intake, flushes what is buffered, closes every sink and waits
// for the hub goroutine or ctx. Later calls only wait.
func (h *Hub) Close(ctx context.Context) error {
	if h == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	h.closeOnce.Do(func() {
		h.closed.Store(true)
		h.closeCtx = ctx
		close(h.quit)
	})
	select {
	case <-h.exited:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("progress hub close wait: %w", ctx.Err())
	}
}

func (h *Hub) loop() {
	defer close(h.exited)

	pending := make([]Event, 0, h.cfg.MaxBatchEvents)
	flush := func() {
		if len(pending) == 0 {
			return
		}
		h.deliver(append([]Event(nil), pending...))
		pending = pending[:0]
	}

	timer := time.NewTimer(h.cfg.MaxBatchWait)
	timer.Stop()
	// deadline is nil while nothing is pending so an idle hub never wakes up.
	var deadline <-chan time.Time

	for {
		select {
		case evt := <-h.in:
			pending = append(pending, evt)
			if len(pending) >= h.cfg.MaxBatchEvents || evt.Kind.Terminal() {
				flush()
				timer.Stop()
				deadline = nil
				continue
			}
			if deadline == nil {
				timer.Reset(h.cfg.MaxBatchWait)
				deadline = timer.C
			}
		case <-deadline:
			deadline = nil
			flush()
		case <-h.quit:
			timer.Stop()
			for {
				select {
				case evt := <-h.in:
					pending = append(pending, evt)
					if len(pending) >= h.cfg.MaxBatchEvents {
						flush()
					}
				default:
					flush()
					h.closeSinks()
					return
				}
			}
		}
	}
}

func (h *Hub) deliver(batch []Event) {
	for _, sink := range h.sinks {
		if sink == nil {
			continue
		}
		ctx, cancel := context.WithTimeout(h.cfg.BaseContext, h.cfg.SinkTimeout)
		err := sink.Consume(ctx, batch)
		cancel()
		if err != nil {
			h.logger.Warn("progress sink consume failed", zap.Error(err), zap.Int("batch", len(batch)))
		}
	}
}

func (h *Hub) closeSinks() {
	ctx := h.closeCtx
	if ctx == nil {
		ctx = context.Background()
	}
	for _, sink := range h.sinks {
		if sink == nil {
			continue
		}
		if err := sink.Close(ctx); err != nil {
			h.logger.Warn("progress sink close failed", zap.Error(err))
		}
	}
}
