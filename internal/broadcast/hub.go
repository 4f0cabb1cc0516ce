// Package broadcast fans each cycle's batch out to presentation sinks without
// ever blocking the polling loop.
package broadcast

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/dsn-monitor/internal/ingest"
	"github.com/JakeFAU/dsn-monitor/internal/logging"
	"github.com/JakeFAU/dsn-monitor/internal/metrics"
)

// Sink consumes batches on the hub goroutine. Consume must honor ctx.
type Sink interface {
	Consume(ctx context.Context, batch ingest.Batch) error
	Close(ctx context.Context) error
}

// Config controls buffering for the Hub.
//   - BufferSize: queued batches before Publish starts dropping (default 16).
//   - SinkTimeout: per-sink deadline for one Consume call (default 2s).
//   - BaseContext: parent context passed to sink calls.
type Config struct {
	BufferSize  int
	SinkTimeout time.Duration
	BaseContext context.Context
	Logger      *zap.Logger
}

const (
	defaultBufferSize  = 16
	defaultSinkTimeout = 2 * time.Second
	dropLogInterval    = 5 * time.Second
)

// Hub delivers batches to sinks in publish order. It is safe for concurrent
// use and Publish never blocks.
type Hub struct {
	cfg         Config
	sinks       []Sink
	batches     chan ingest.Batch
	stopCh      chan struct{}
	doneCh      chan struct{}
	logger      *zap.Logger
	dropLimiter rateLimiter
	dropped     atomic.Int64
	closed      atomic.Bool

	closeOnce sync.Once
	closeCtx  context.Context
}

// NewHub starts the delivery goroutine.
func NewHub(cfg Config, sinks ...Sink) *Hub {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultBufferSize
	}
	if cfg.SinkTimeout <= 0 {
		cfg.SinkTimeout = defaultSinkTimeout
	}
	if cfg.BaseContext == nil {
		cfg.BaseContext = context.Background()
	}
	h := &Hub{
		cfg:         cfg,
		sinks:       append([]Sink(nil), sinks...),
		batches:     make(chan ingest.Batch, cfg.BufferSize),
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
		logger:      logging.OrNop(cfg.Logger).Named("broadcast"),
		dropLimiter: rateLimiter{interval: dropLogInterval},
	}
	go h.run()
	return h
}

// Publish enqueues a private copy of batch. If the buffer is full the batch is
// dropped and a rate-limited warning is logged.
func (h *Hub) Publish(batch ingest.Batch) {
	if h == nil || h.closed.Load() {
		return
	}
	select {
	case h.batches <- batch.Clone():
	default:
		metrics.ObserveObserverDrop()
		h.dropped.Add(1)
		if h.dropLimiter.Allow(time.Now()) {
			count := h.dropped.Swap(0)
			h.logger.Warn("batches dropped due to backpressure", zap.Int64("dropped", count))
		}
	}
}

// Close delivers what is already queued, closes sinks and waits for the
// delivery goroutine to exit or ctx to expire.
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
		return fmt.Errorf("broadcast hub close wait: %w", ctx.Err())
	}
}

func (h *Hub) run() {
	defer close(h.doneCh)
	for {
		select {
		case b := <-h.batches:
			h.deliver(b)
		case <-h.stopCh:
			for {
				select {
				case b := <-h.batches:
					h.deliver(b)
				default:
					h.closeSinks()
					return
				}
			}
		}
	}
}

func (h *Hub) deliver(batch ingest.Batch) {
	for _, sink := range h.sinks {
		if sink == nil {
			continue
		}
		h.consume(sink, batch)
	}
}

// consume isolates one sink: errors and panics are logged, never propagated.
func (h *Hub) consume(sink Sink, batch ingest.Batch) {
	ctx, cancel := context.WithTimeout(h.cfg.BaseContext, h.cfg.SinkTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("broadcast sink panicked",
				zap.String("cycle_id", batch.CycleID),
				zap.Any("panic", r),
			)
		}
	}()
	if err := sink.Consume(ctx, batch); err != nil {
		h.logger.Warn("broadcast sink consume failed",
			zap.String("cycle_id", batch.CycleID),
			zap.Error(err),
		)
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
			h.logger.Warn("broadcast sink close failed", zap.Error(err))
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
