package progress

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Config controls buffering and batching for the Hub.
//   - BufferSize: size of the internal channel (default 4096).
//   - MaxBatchEvents: flush once this many events queue (default 1000).
//   - MaxBatchWait: flush after this duration even if the batch is small (default 500ms).
//   - SinkTimeout: per-sink timeout while flushing (default 10s).
//   - BaseContext: parent context passed to sink calls (defaults to context.Background()).
//   - Logger: optional structured logger used for warnings.
type Config struct {
	BufferSize     int
	MaxBatchEvents int
	MaxBatchWait   time.Duration
	SinkTimeout    time.Duration
	BaseContext    context.Context
	Logger         *zap.Logger
}

const (
	defaultBufferSize     = 4096
	defaultMaxBatchEvents = 1000
	defaultMaxBatchWait   = 500 * time.Millisecond
	defaultSinkTimeout    = 10 * time.Second
	dropLogInterval       = 5 * time.Second
)

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

// Hub fans crawl events out to registered sinks. Emit never blocks: when the
// buffer is full the event is counted as lost and discarded, so a slow sink
// can never stall the scheduler or a worker.
type Hub struct {
	cfg    Config
	sinks  []Sink
	events chan Event
	stopCh chan struct{}
	doneCh chan struct{}
	logger *zap.Logger

	emitted      atomic.Int64
	lost         atomic.Int64
	lostSinceLog atomic.Int64
	lastDropLog  atomic.Int64
	closed       atomic.Bool

	closeOnce sync.Once
	closeCtx  context.Context
}

// NewHub starts the batching goroutine and returns a Hub ready for Emit.
func NewHub(cfg Config, sinks ...Sink) *Hub {
	cfg = cfg.withDefaults()
	h := &Hub{
		cfg:    cfg,
		sinks:  append([]Sink(nil), sinks...),
		events: make(chan Event, cfg.BufferSize),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
		logger: cfg.Logger,
	}
	go h.run()
	return h
}

// Emit buffers evt for the sinks. Invalid events are discarded.
func (h *Hub) Emit(evt Event) {
	if h == nil || h.closed.Load() {
		return
	}
	if err := evt.Validate(); err != nil {
		h.logger.Debug("discarding invalid progress event", zap.Error(err))
		return
	}
	select {
	case h.events <- evt:
		h.emitted.Add(1)
	default:
		h.lost.Add(1)
		h.lostSinceLog.Add(1)
		h.warnLost(time.Now())
	}
}

// Emitted returns how many events were accepted into the buffer.
func (h *Hub) Emitted() int64 {
	if h == nil {
		return 0
	}
	return h.emitted.Load()
}

// Lost returns how many events were discarded due to backpressure.
func (h *Hub) Lost() int64 {
	if h == nil {
		return 0
	}
	return h.lost.Load()
}

// Close stops intake, flushes buffered events, closes sinks, and waits for the
// background goroutine. Later calls only wait.
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
		close(h.stopCh)
	})
	select {
	case <-h.doneCh:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("progress hub close wait: %w", ctx.Err())
	}
}

func (h *Hub) warnLost(now time.Time) {
	last := h.lastDropLog.Load()
	if now.UnixNano()-last < dropLogInterval.Nanoseconds() {
		return
	}
	if !h.lastDropLog.CompareAndSwap(last, now.UnixNano()) {
		return
	}
	h.logger.Warn("progress events dropped due to backpressure",
		zap.Int64("dropped", h.lostSinceLog.Swap(0)),
		zap.Int64("dropped_total", h.lost.Load()),
	)
}

func (h *Hub) run() {
	defer close(h.doneCh)
	b := newBatcher(h.cfg.MaxBatchEvents, h.cfg.MaxBatchWait)
	defer b.stop()
	for {
		select {
		case evt := <-h.events:
			if b.add(evt) {
				h.flush(b.take())
			}
		case <-b.deadline():
			h.flush(b.take())
		case <-h.stopCh:
			h.drain(b)
			h.closeSinks()
			return
		}
	}
}

func (h *Hub) drain(b *batcher) {
	for {
		select {
		case evt := <-h.events:
			if b.add(evt) {
				h.flush(b.take())
			}
		default:
			h.flush(b.take())
			return
		}
	}
}

func (h *Hub) flush(batch []Event) {
	if len(batch) == 0 {
		return
	}
	for _, sink := range h.sinks {
		if sink == nil {
			continue
		}
		ctx, cancel := context.WithTimeout(h.cfg.BaseContext, h.cfg.SinkTimeout)
		if err := sink.Consume(ctx, batch); err != nil {
			h.logger.Warn("progress sink consume failed", zap.Error(err))
		}
		cancel()
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

// batcher accumulates events until either the size limit is reached or the
// first event in the batch has waited maxWait.
type batcher struct {
	events  []Event
	limit   int
	maxWait time.Duration
	timer   *time.Timer
	armed   bool
}

func newBatcher(limit int, maxWait time.Duration) *batcher {
	t := time.NewTimer(maxWait)
	if !t.Stop() {
		<-t.C
	}
	return &batcher{
		events:  make([]Event, 0, limit),
		limit:   limit,
		maxWait: maxWait,
		timer:   t,
	}
}

// add appends evt and reports whether the batch is full.
func (b *batcher) add(evt Event) bool {
	b.events = append(b.events, evt)
	if !b.armed {
		b.timer.Reset(b.maxWait)
		b.armed = true
	}
	return len(b.events) >= b.limit
}

// take returns the accumulated events and disarms the timer. The returned
// slice is owned by the caller.
func (b *batcher) take() []Event {
	b.stop()
	if len(b.events) == 0 {
		return nil
	}
	out := b.events
	b.events = make([]Event, 0, b.limit)
	return out
}

func (b *batcher) deadline() <-chan time.Time {
	if !b.armed {
		return nil
	}
	return b.timer.C
}

func (b *batcher) stop() {
	if !b.armed {
		return
	}
	if !b.timer.Stop() {
		select {
		case <-b.timer.C:
		default:
		}
	}
	b.armed = false
}
