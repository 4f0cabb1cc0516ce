// Package parser turns raw feed documents into normalized records.
//
// The primary feed is decoded by an ordered list of strategies: structured
// markup (XML) first when the document announces itself as such, then the
// legacy JSON shape. When every strategy declines or fails, Decode returns
// ErrExhausted and the caller is expected to fetch the backup feed, whose HTML
// table is handled by DecodeBackup.
//
// Malformed elements and rows are skipped individually; document-level
// failures move on to the next strategy. Nothing in this package panics on
// bad input.
package parser

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/dsn-monitor/internal/record"
)

// Format names a wire encoding.
type Format string

// Supported formats.
const (
	FormatMarkup Format = "xml"
	FormatJSON   Format = "json"
	FormatHTML   Format = "html"
)

// Result is the outcome of a successful decode.
type Result struct {
	Format  Format
	Records []record.Record
	// Rejected lists the elements or rows dropped as malformed.
	Rejected []*RecordError
}

type strategy interface {
	format() Format
	accepts(body []byte, contentType string) bool
	decode(body []byte, ts time.Time) (Result, error)
}

// Parser decodes feed documents. It is safe for concurrent use.
type Parser struct {
	strategies []strategy
	now        func() time.Time
	logger     *zap.Logger
}

// Option customizes a Parser.
type Option func(*Parser)

// WithClock overrides the timestamp source stamped on decoded records.
func WithClock(now func() time.Time) Option {
	return func(p *Parser) {
		if now != nil {
			p.now = now
		}
	}
}

// WithLogger sets the logger used for skip diagnostics.
func WithLogger(logger *zap.Logger) Option {
	return func(p *Parser) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// New builds a Parser with the markup and legacy JSON strategies, in that order.
func New(opts ...Option) *Parser {
	p := &Parser{
		strategies: []strategy{markupStrategy{}, jsonStrategy{}},
		now:        time.Now,
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Decode classifies and decodes a primary-feed document. A successful decode
// may carry zero records.
func (p *Parser) Decode(body []byte, contentType string) (Result, error) {
	ts := p.timestamp()
	var errs []error
	for _, s := range p.strategies {
		if !s.accepts(body, contentType) {
			continue
		}
		res, err := s.decode(body, ts)
		if err != nil {
			p.logger.Debug("decode strategy failed", zap.String("format", string(s.format())), zap.Error(err))
			errs = append(errs, err)
			continue
		}
		p.logSkipped(res)
		return res, nil
	}
	if len(errs) == 0 {
		return Result{}, ErrExhausted
	}
	return Result{}, fmt.Errorf("%w: %w", ErrExhausted, errors.Join(errs...))
}

// DecodeBackup extracts records from the backup feed's HTML table. It never
// fails; an unusable document yields an empty result.
func (p *Parser) DecodeBackup(body []byte) Result {
	res, err := decodeHTMLTable(body, p.timestamp())
	if err != nil {
		p.logger.Warn("backup document unusable", zap.Error(err))
		return Result{Format: FormatHTML}
	}
	p.logSkipped(res)
	return res
}

func (p *Parser) timestamp() time.Time {
	return p.now().UTC()
}

func (p *Parser) logSkipped(res Result) {
	if len(res.Rejected) == 0 {
		return
	}
	p.logger.Debug("skipped malformed elements",
		zap.String("format", string(res.Format)),
		zap.Int("skipped", len(res.Rejected)),
		zap.Int("kept", len(res.Records)),
		zap.Error(res.Rejected[0]),
	)
}

// isNullToken reports whether an attribute value means "no value".
func isNullToken(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "", "null", "none":
		return true
	}
	return false
}
