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
//   - BufferSize: size of the input channel (default 4096).
//   - SubscriberBuffer: per-subscriber channel size (default 256).
//   - MaxBatchEvents: flush sinks once this many events queue (default 1000).
//   - MaxBatchWait: flush after this duration even if the batch is small (default 500ms).
//   - SinkTimeout: per-sink timeout while flushing (default 10s).
//   - SinkQueue: flushed batches waiting for the sinks (default 16). When it
//     is full further batches skip the sinks; live subscribers still see them.
//   - MaxLogs: log lines kept in the status ring (default 300).
//   - BaseContext: parent context passed to sink calls (defaults to context.Background()).
//   - Logger: optional structured logger used for warnings.
type Config struct {
	BufferSize       int
	SubscriberBuffer int
	MaxBatchEvents   int
	MaxBatchWait     time.Duration
	SinkTimeout      time.Duration
	SinkQueue        int
	MaxLogs          int
	BaseContext      context.Context
	Logger           *zap.Logger
}

const (
	defaultBufferSize       = 4096
	defaultSubscriberBuffer = 256
	defaultMaxBatchEvents   = 1000
	defaultMaxBatchWait     = 500 * time.Millisecond
	defaultSinkTimeout      = 10 * time.Second
	defaultSinkQueue        = 16
	defaultMaxLogs          = 300
	dropLogInterval         = 5 * time.Second
)

// Hub orders events, keeps the status projection, fans events out to live
// subscribers and batches them to sinks. Publish never blocks: when the input
// buffer is full the oldest pending event is discarded. Sinks run on their
// own goroutine so a slow sink never holds up subscribers or the status.
type Hub struct {
	cfg         Config
	sinks       []Sink
	events      chan Event
	stopCh      chan struct{}
	doneCh      chan struct{}
	logger      *zap.Logger
	dropLimiter rateLimiter
	dropped     atomic.Int64
	droppedAll  atomic.Int64
	closed      atomic.Bool

	batches     chan []Event
	sinkDone    chan struct{}
	sinkDropped atomic.Int64

	closeOnce sync.Once
	closeCtx  context.Context

	// seq is owned by the run goroutine.
	seq     uint64
	lastSeq atomic.Uint64
	status  *statusView

	subsMu     sync.Mutex
	subs       map[*Subscription]struct{}
	subsClosed bool
}

// NewHub initializes a Hub and starts its background goroutine.
func NewHub(cfg Config, sinks ...Sink) *Hub {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultBufferSize
	}
	if cfg.SubscriberBuffer <= 0 {
		cfg.SubscriberBuffer = defaultSubscriberBuffer
	}
	if cfg.MaxBatchEvents <= 0 {
		cfg.MaxBatchEvents = defaultMaxBatchEvents
	}
	if cfg.MaxBatchWait <= 0 {
		cfg.MaxBatchWait = defaultMaxBatchWait
	}
	if cfg.SinkTimeout <= 0 {
		cfg.SinkTimeout = defaultSinkTimeout
	}
	if cfg.SinkQueue <= 0 {
		cfg.SinkQueue = defaultSinkQueue
	}
	if cfg.MaxLogs <= 0 {
		cfg.MaxLogs = defaultMaxLogs
	}
	if cfg.BaseContext == nil {
		cfg.BaseContext = context.Background()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Hub{
		cfg:         cfg,
		sinks:       append([]Sink(nil), sinks...),
		events:      make(chan Event, cfg.BufferSize),
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
		logger:      logger,
		dropLimiter: rateLimiter{interval: dropLogInterval},
		status:      newStatusView(cfg.MaxLogs),
		subs:        make(map[*Subscription]struct{}),
		batches:     make(chan []Event, cfg.SinkQueue),
		sinkDone:    make(chan struct{}),
	}
	go h.runSinks()
	go h.run()
	return h
}

// Publish enqueues an event. It never blocks.
func (h *Hub) Publish(evt Event) {
	if h == nil || h.closed.Load() {
		return
	}
	if evt.TS.IsZero() {
		evt.TS = time.Now().UTC()
	}
	if evt.Level == "" {
		evt.Level = LevelInfo
	}
	if err := evt.Validate(); err != nil {
		h.logger.Debug("discarding invalid progress event", zap.Error(err))
		return
	}
	for {
		select {
		case h.events <- evt:
			return
		default:
		}
		select {
		case <-h.events:
			h.noteDrop()
		default:
		}
	}
}

func (h *Hub) noteDrop() {
	h.dropped.Add(1)
	h.droppedAll.Add(1)
	if h.dropLimiter.Allow(time.Now()) {
		count := h.dropped.Swap(0)
		h.logger.Warn("progress events dropped due to backpressure", zap.Int64("dropped", count))
	}
}

// Dropped reports how many events the input buffer discarded since start.
func (h *Hub) Dropped() int64 {
	return h.droppedAll.Load()
}

// SinkDropped reports how many events skipped the sinks because they fell
// behind.
func (h *Hub) SinkDropped() int64 {
	return h.sinkDropped.Load()
}

// CurrentStatus returns an independent copy of the status projection.
func (h *Hub) CurrentStatus() Status {
	st := h.status.snapshot()
	st.LastSeq = h.lastSeq.Load()
	st.Dropped = h.Dropped()
	return st
}

// Close drains remaining events, flushes sinks, closes every subscription
// and blocks until the background goroutine exits. Subsequent calls only wait.
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

func (h *Hub) run() {
	defer close(h.doneCh)
	defer h.closeSubscriptions()
	batch := make([]Event, 0, h.cfg.MaxBatchEvents)
	timer := time.NewTimer(h.cfg.MaxBatchWait)
	timer.Stop()
	timerActive := false
	for {
		select {
		case evt := <-h.events:
			batch = h.enqueueEvent(batch, h.accept(evt), timer, &timerActive)
		case <-timer.C:
			timerActive = false
			if len(batch) > 0 {
				h.flush(batch)
				batch = batch[:0]
			}
		case <-h.stopCh:
			h.handleStop(batch, timer, &timerActive)
			return
		}
	}
}

// accept stamps the sequence number and updates everything that must see
// events in order before they are batched.
func (h *Hub) accept(evt Event) Event {
	h.seq++
	evt.Seq = h.seq
	h.lastSeq.Store(h.seq)
	h.status.apply(evt)
	h.fanout(evt)
	return evt
}

func (h *Hub) enqueueEvent(batch []Event, evt Event, timer *time.Timer, timerActive *bool) []Event {
	batch = append(batch, evt)
	if len(batch) >= h.cfg.MaxBatchEvents {
		h.flush(batch)
		batch = batch[:0]
		h.stopTimer(timer, timerActive)
	} else if h.cfg.MaxBatchWait > 0 {
		h.resetTimer(timer, timerActive)
	}
	return batch
}

func (h *Hub) handleStop(batch []Event, timer *time.Timer, timerActive *bool) {
	h.stopTimer(timer, timerActive)
	for {
		select {
		case evt := <-h.events:
			batch = append(batch, h.accept(evt))
			if len(batch) >= h.cfg.MaxBatchEvents {
				h.handOff(batch, true)
				batch = batch[:0]
			}
		default:
			h.handOff(batch, true)
			close(h.batches)
			<-h.sinkDone
			h.closeSinks()
			return
		}
	}
}

func (h *Hub) resetTimer(timer *time.Timer, timerActive *bool) {
	if h.cfg.MaxBatchWait <= 0 {
		return
	}
	if *timerActive {
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
	}
	timer.Reset(h.cfg.MaxBatchWait)
	*timerActive = true
}

func (h *Hub) stopTimer(timer *time.Timer, timerActive *bool) {
	if !*timerActive {
		return
	}
	if !timer.Stop() {
		select {
		case <-timer.C:
		default:
		}
	}
	*timerActive = false
}

func (h *Hub) flush(batch []Event) {
	h.handOff(batch, false)
}

// handOff passes a copy of batch to the sink goroutine. Unless wait is set a
// full sink queue discards the batch.
func (h *Hub) handOff(batch []Event, wait bool) {
	if len(batch) == 0 || len(h.sinks) == 0 {
		return
	}
	copyBatch := append([]Event(nil), batch...)
	if wait {
		h.batches <- copyBatch
		return
	}
	select {
	case h.batches <- copyBatch:
	default:
		h.sinkDropped.Add(int64(len(copyBatch)))
		h.logger.Warn("progress sinks behind; batch skipped", zap.Int("events", len(copyBatch)))
	}
}

func (h *Hub) runSinks() {
	defer close(h.sinkDone)
	for batch := range h.batches {
		h.consume(batch)
	}
}

func (h *Hub) consume(batch []Event) {
	baseCtx := h.cfg.BaseContext
	for _, sink := range h.sinks {
		if sink == nil {
			continue
		}
		ctx, cancel := context.WithTimeout(baseCtx, h.cfg.SinkTimeout)
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

type rateLimiter struct {
	interval time.Duration
	last     atomic.Int64
}

func (r *rateLimiter) Allow(now time.Time) bool {
	if r == nil || r.interval <= 0 {
		return true
	}
	nano := now.UnixNano()
	last := r.last.Load()
	if nano-last < r.interval.Nanoseconds() {
		return false
	}
	return r.last.CompareAndSwap(last, nano)
}
