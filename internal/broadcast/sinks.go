package broadcast

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/dsn-monitor/internal/ingest"
	"github.com/JakeFAU/dsn-monitor/internal/logging"
	"github.com/JakeFAU/dsn-monitor/internal/publisher"
)

// LogSink writes one structured line per batch.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logging.OrNop(logger)}
}

// Consume logs the batch summary.
func (s *LogSink) Consume(_ context.Context, batch ingest.Batch) error {
	s.logger.Info("batch received",
		zap.String("cycle_id", batch.CycleID),
		zap.String("source", string(batch.Source)),
		zap.String("format", string(batch.Format)),
		zap.Int("records", len(batch.Records)),
		zap.Int("skipped", batch.Skipped),
		zap.Time("fetched_at", batch.FetchedAt),
	)
	return nil
}

// Close implements Sink; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}

// LatestSink keeps the newest batch for readers such as the HTTP API.
type LatestSink struct {
	mu     sync.RWMutex
	latest ingest.Batch
	ok     bool
}

// NewLatestSink returns an empty LatestSink.
func NewLatestSink() *LatestSink {
	return &LatestSink{}
}

// Consume replaces the held batch.
func (s *LatestSink) Consume(_ context.Context, batch ingest.Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.latest = batch
	s.ok = true
	return nil
}

// Latest returns a copy of the newest batch and whether one has arrived.
func (s *LatestSink) Latest() (ingest.Batch, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.ok {
		return ingest.Batch{}, false
	}
	return s.latest.Clone(), true
}

// Close implements Sink; it performs no action.
func (s *LatestSink) Close(context.Context) error {
	return nil
}

// PublishSink forwards each batch as JSON to a message broker.
type PublishSink struct {
	pub   publisher.Publisher
	topic string
}

// NewPublishSink builds a sink that publishes to topic.
func NewPublishSink(pub publisher.Publisher, topic string) *PublishSink {
	return &PublishSink{pub: pub, topic: topic}
}

// Consume publishes the batch, skipping empty ones.
func (s *PublishSink) Consume(ctx context.Context, batch ingest.Batch) error {
	if s.pub == nil || len(batch.Records) == 0 {
		return nil
	}
	if _, err := s.pub.Publish(ctx, s.topic, batch); err != nil {
		return fmt.Errorf("publish batch %s: %w", batch.CycleID, err)
	}
	return nil
}

// Close releases the publisher when it supports closing.
func (s *PublishSink) Close(context.Context) error {
	if c, ok := s.pub.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}
