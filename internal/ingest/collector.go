// Package ingest implements the fetch and decode half of a polling cycle,
// including the primary to backup fallback policy.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/dsn-monitor/internal/archive"
	"github.com/JakeFAU/dsn-monitor/internal/logging"
	"github.com/JakeFAU/dsn-monitor/internal/metrics"
	"github.com/JakeFAU/dsn-monitor/internal/parser"
	"github.com/JakeFAU/dsn-monitor/internal/record"
	"github.com/JakeFAU/dsn-monitor/internal/source"
)

// Source names the feed a batch came from.
type Source string

// Feeds.
const (
	SourcePrimary Source = "primary"
	SourceBackup  Source = "backup"
)

// Stage is reported while a collection progresses.
type Stage string

// Collection stages.
const (
	StageFetching Stage = "fetching"
	StageParsing  Stage = "parsing"
)

// StageFunc receives stage transitions. It may be nil.
type StageFunc func(Stage)

// Batch is the output of one cycle's collection.
type Batch struct {
	CycleID   string          `json:"cycle_id"`
	Source    Source          `json:"source"`
	Format    parser.Format   `json:"format"`
	Records   []record.Record `json:"records"`
	Skipped   int             `json:"skipped"`
	FetchedAt time.Time       `json:"fetched_at"`
}

// Clone returns a deep copy safe to hand to another goroutine.
func (b Batch) Clone() Batch {
	out := b
	out.Records = record.Clone(b.Records)
	return out
}

// Fetcher retrieves raw feed documents.
type Fetcher interface {
	Fetch(ctx context.Context, endpoint string) (source.Response, error)
	FetchBackup(ctx context.Context, endpoint string) (source.Response, error)
}

// Decoder turns raw documents into records.
type Decoder interface {
	Decode(body []byte, contentType string) (parser.Result, error)
	DecodeBackup(body []byte) parser.Result
}

// Config holds the feed endpoints and fallback policy.
type Config struct {
	PrimaryEndpoint string
	BackupEndpoint  string
	FallbackOnEmpty bool
}

// Collector runs fetch then decode, falling back to the backup feed when the
// primary cannot be fetched or decoded.
type Collector struct {
	cfg      Config
	fetcher  Fetcher
	decoder  Decoder
	archiver *archive.Archiver
	now      func() time.Time
	newID    func() string
	logger   *zap.Logger
}

// Option customizes a Collector.
type Option func(*Collector)

// WithArchiver stores every fetched body.
func WithArchiver(a *archive.Archiver) Option {
	return func(c *Collector) { c.archiver = a }
}

// WithClock overrides the time stamped on batches.
func WithClock(now func() time.Time) Option {
	return func(c *Collector) {
		if now != nil {
			c.now = now
		}
	}
}

// WithIDGenerator overrides cycle id generation.
func WithIDGenerator(fn func() string) Option {
	return func(c *Collector) {
		if fn != nil {
			c.newID = fn
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Collector) { c.logger = logging.OrNop(logger).Named("ingest") }
}

// New builds a Collector.
func New(cfg Config, fetcher Fetcher, decoder Decoder, opts ...Option) *Collector {
	c := &Collector{
		cfg:     cfg,
		fetcher: fetcher,
		decoder: decoder,
		now:     func() time.Time { return time.Now().UTC() },
		newID:   NewCycleID,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// NewCycleID returns a time-ordered UUIDv7, or a random UUID if the v7
// generator fails.
func NewCycleID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// Collect fetches and decodes one batch. The primary feed is used when it can
// be fetched and decoded; otherwise the backup feed is consulted. An error is
// returned only when the backup fetch fails as well, and the returned batch
// still carries the cycle id.
func (c *Collector) Collect(ctx context.Context, onStage StageFunc) (Batch, error) {
	if onStage == nil {
		onStage = func(Stage) {}
	}
	batch := Batch{CycleID: c.newID()}
	logger := logging.ForCycle(c.logger, batch.CycleID)

	onStage(StageFetching)
	resp, err := c.fetch(ctx, SourcePrimary, batch.CycleID)
	primaryErr := err
	if err == nil {
		onStage(StageParsing)
		res, decErr := c.decoder.Decode(resp.Body, resp.ContentType)
		switch {
		case decErr != nil:
			primaryErr = fmt.Errorf("decode primary: %w", decErr)
		case len(res.Records) == 0 && c.cfg.FallbackOnEmpty:
			primaryErr = errors.New("primary feed decoded to zero records")
		default:
			metrics.ObserveDecode(string(res.Format), len(res.Records), len(res.Rejected))
			batch.Source = SourcePrimary
			batch.Format = res.Format
			batch.Records = res.Records
			batch.Skipped = len(res.Rejected)
			batch.FetchedAt = c.now()
			return batch, nil
		}
	}
	logger.Warn("primary feed unusable, falling back to backup", zap.Error(primaryErr))

	onStage(StageFetching)
	resp, err = c.fetch(ctx, SourceBackup, batch.CycleID)
	if err != nil {
		return batch, fmt.Errorf("primary and backup feeds failed: %w", errors.Join(primaryErr, err))
	}
	onStage(StageParsing)
	res := c.decoder.DecodeBackup(resp.Body)
	metrics.ObserveDecode(string(res.Format), len(res.Records), len(res.Rejected))
	batch.Source = SourceBackup
	batch.Format = res.Format
	batch.Records = res.Records
	batch.Skipped = len(res.Rejected)
	batch.FetchedAt = c.now()
	return batch, nil
}

func (c *Collector) fetch(ctx context.Context, src Source, cycleID string) (source.Response, error) {
	start := time.Now()
	var (
		resp source.Response
		err  error
	)
	if src == SourcePrimary {
		resp, err = c.fetcher.Fetch(ctx, c.cfg.PrimaryEndpoint)
	} else {
		resp, err = c.fetcher.FetchBackup(ctx, c.cfg.BackupEndpoint)
	}
	metrics.ObserveFetch(string(src), err == nil, time.Since(start))
	if err != nil {
		return source.Response{}, err
	}
	c.archive(ctx, src, cycleID, resp)
	return resp, nil
}

// archive failures are logged and never fail the cycle.
func (c *Collector) archive(ctx context.Context, src Source, cycleID string, resp source.Response) {
	if !c.archiver.Enabled() {
		return
	}
	uri, err := c.archiver.Save(ctx, archive.Entry{
		CycleID:     cycleID,
		Source:      string(src),
		ContentType: resp.ContentType,
		Body:        resp.Body,
		FetchedAt:   c.now(),
	})
	if err != nil {
		c.logger.Warn("archive raw body failed",
			zap.String("cycle_id", cycleID),
			zap.String("source", string(src)),
			zap.Error(err),
		)
		return
	}
	c.logger.Debug("archived raw body", zap.String("cycle_id", cycleID), zap.String("uri", uri))
}
