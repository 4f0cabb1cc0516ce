// Package scheduler drives the fetch, persist and notify cycle on a fixed
// interval and retrains the predictor on a longer wall-clock interval, all
// from one goroutine.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/dsn-monitor/internal/ingest"
	"github.com/JakeFAU/dsn-monitor/internal/logging"
	"github.com/JakeFAU/dsn-monitor/internal/metrics"
	"github.com/JakeFAU/dsn-monitor/internal/record"
)

const tracerName = "github.com/JakeFAU/dsn-monitor/internal/scheduler"

// State is the loop's current phase.
type State int32

// Loop phases.
const (
	StateIdle State = iota
	StateFetching
	StateParsing
	StatePersisting
	StateRetraining
	StateSleeping
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateFetching:
		return "fetching"
	case StateParsing:
		return "parsing"
	case StatePersisting:
		return "persisting"
	case StateRetraining:
		return "retraining"
	case StateSleeping:
		return "sleeping"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Clock abstracts time so tests can run the loop instantly.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

// Collector produces one batch per call.
type Collector interface {
	Collect(ctx context.Context, onStage ingest.StageFunc) (ingest.Batch, error)
}

// Persister appends records durably.
type Persister interface {
	Persist(ctx context.Context, records []record.Record) (int, error)
}

// Observer receives each persisted batch. Publish must not block.
type Observer interface {
	Publish(batch ingest.Batch)
}

// Trainer refreshes the predictor.
type Trainer interface {
	Train(ctx context.Context) error
}

// Config holds the two cadences.
type Config struct {
	FetchInterval   time.Duration
	RetrainInterval time.Duration
}

// CycleResult summarizes one cycle.
type CycleResult struct {
	CycleID string
	Source  ingest.Source
	Parsed  int
	Skipped int
	Stored  int
	Batch   ingest.Batch
}

// Scheduler owns the polling loop. Run must not be called concurrently.
type Scheduler struct {
	cfg       Config
	collector Collector
	store     Persister
	observer  Observer
	trainer   Trainer
	clock     Clock
	tracer    trace.Tracer
	logger    *zap.Logger

	state       atomic.Int32
	cycles      atomic.Int64
	failures    atomic.Int64
	lastRetrain time.Time
}

// Option customizes a Scheduler.
type Option func(*Scheduler)

// WithObserver sets the batch observer.
func WithObserver(o Observer) Option {
	return func(s *Scheduler) { s.observer = o }
}

// WithTrainer enables periodic retraining.
func WithTrainer(t Trainer) Option {
	return func(s *Scheduler) { s.trainer = t }
}

// WithTracerProvider sets where cycle spans are recorded. The global provider
// is used otherwise.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(s *Scheduler) {
		if tp != nil {
			s.tracer = tp.Tracer(tracerName)
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Scheduler) { s.logger = logging.OrNop(logger).Named("scheduler") }
}

// New builds a Scheduler.
func New(cfg Config, collector Collector, store Persister, clock Clock, opts ...Option) (*Scheduler, error) {
	if cfg.FetchInterval <= 0 {
		return nil, errors.New("fetch interval must be > 0")
	}
	if cfg.RetrainInterval <= 0 {
		return nil, errors.New("retrain interval must be > 0")
	}
	if collector == nil || store == nil || clock == nil {
		return nil, errors.New("collector, store and clock are required")
	}
	s := &Scheduler{
		cfg:       cfg,
		collector: collector,
		store:     store,
		clock:     clock,
		tracer:    otel.Tracer(tracerName),
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// State reports the current loop phase.
func (s *Scheduler) State() State {
	return State(s.state.Load())
}

// Cycles reports how many cycles have finished, successfully or not.
func (s *Scheduler) Cycles() int64 {
	return s.cycles.Load()
}

// Failures reports how many cycles failed.
func (s *Scheduler) Failures() int64 {
	return s.failures.Load()
}

func (s *Scheduler) setState(st State) {
	s.state.Store(int32(st))
}

// Run loops until ctx is canceled and then returns nil. A failed or panicking
// cycle is logged and followed by the normal fetch interval sleep.
func (s *Scheduler) Run(ctx context.Context) error {
	s.lastRetrain = s.clock.Now()
	s.logger.Info("scheduler started",
		zap.Duration("fetch_interval", s.cfg.FetchInterval),
		zap.Duration("retrain_interval", s.cfg.RetrainInterval),
	)
	defer s.setState(StateIdle)

	for {
		if ctx.Err() != nil {
			s.logger.Info("scheduler stopped")
			return nil
		}

		if _, err := s.RunOnce(ctx); err != nil {
			s.logger.Error("cycle failed", zap.Error(err))
		}
		s.maybeRetrain(ctx)

		s.setState(StateSleeping)
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return nil
		case <-s.clock.After(s.cfg.FetchInterval):
		}
		s.setState(StateIdle)
	}
}

// RunOnce performs a single fetch, persist and notify cycle. Panics are
// converted into errors.
func (s *Scheduler) RunOnce(ctx context.Context) (res CycleResult, err error) {
	ctx, span := s.tracer.Start(ctx, "dsn.cycle")
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("cycle panicked: %v", r)
		}
		span.SetAttributes(
			attribute.String("dsn.cycle_id", res.CycleID),
			attribute.String("dsn.source", string(res.Source)),
			attribute.Int("dsn.records.parsed", res.Parsed),
			attribute.Int("dsn.records.stored", res.Stored),
		)
		result := metrics.ResultSuccess
		if err != nil {
			result = metrics.ResultFailed
			s.failures.Add(1)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		s.cycles.Add(1)
		metrics.ObserveCycle(result, s.clock.Now())
		s.setState(StateIdle)
	}()
	return s.cycle(ctx)
}

func (s *Scheduler) cycle(ctx context.Context) (CycleResult, error) {
	s.setState(StateFetching)
	batch, err := s.collector.Collect(ctx, s.onStage)
	res := CycleResult{CycleID: batch.CycleID, Source: batch.Source}
	if err != nil {
		return res, fmt.Errorf("collect: %w", err)
	}
	res.Parsed = len(batch.Records)
	res.Skipped = batch.Skipped
	res.Batch = batch
	logger := logging.ForCycle(s.logger, batch.CycleID)

	s.setState(StatePersisting)
	n, err := s.store.Persist(ctx, batch.Records)
	if err != nil {
		metrics.ObserveStoreError()
		return res, fmt.Errorf("persist: %w", err)
	}
	metrics.ObserveStored(n)
	res.Stored = n

	if s.observer != nil {
		s.observer.Publish(batch)
	}
	logger.Info("cycle complete",
		zap.String("source", string(batch.Source)),
		zap.String("format", string(batch.Format)),
		zap.Int("parsed", res.Parsed),
		zap.Int("skipped", res.Skipped),
		zap.Int("stored", n),
	)
	return res, nil
}

func (s *Scheduler) onStage(stage ingest.Stage) {
	switch stage {
	case ingest.StageFetching:
		s.setState(StateFetching)
	case ingest.StageParsing:
		s.setState(StateParsing)
	}
}

// maybeRetrain runs regardless of the cycle outcome. lastRetrain advances
// even when training fails.
func (s *Scheduler) maybeRetrain(ctx context.Context) {
	if s.trainer == nil {
		return
	}
	now := s.clock.Now()
	if now.Sub(s.lastRetrain) < s.cfg.RetrainInterval {
		return
	}
	s.setState(StateRetraining)
	err := s.train(ctx)
	s.lastRetrain = now
	metrics.ObserveRetrain(err == nil)
	if err != nil {
		s.logger.Warn("retrain failed", zap.Error(err))
		return
	}
	s.logger.Info("model retrained")
}

func (s *Scheduler) train(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("training panicked: %v", r)
		}
	}()
	return s.trainer.Train(ctx)
}
