package parser

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cast"

	"github.com/JakeFAU/dsn-monitor/internal/record"
)

var (
	errSignalStrength = errors.New("signal_strength is missing or not numeric")
	errTrailingData   = errors.New("trailing data after the document")
)

// jsonStrategy decodes the older {"antennas": [...]} wire shape.
type jsonStrategy struct{}

type legacyDocument struct {
	Antennas []json.RawMessage `json:"antennas"`
}

func (jsonStrategy) format() Format { return FormatJSON }

func (jsonStrategy) accepts([]byte, string) bool { return true }

func (jsonStrategy) decode(body []byte, ts time.Time) (Result, error) {
	var doc legacyDocument
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return Result{}, &DecodeError{Format: FormatJSON, Err: err}
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return Result{}, &DecodeError{Format: FormatJSON, Err: errTrailingData}
	}

	res := Result{Format: FormatJSON, Records: make([]record.Record, 0, len(doc.Antennas))}
	for i, raw := range doc.Antennas {
		rec, err := decodeAntenna(raw, ts)
		if err != nil {
			res.Rejected = append(res.Rejected, &RecordError{Format: FormatJSON, Index: i, Err: err})
			continue
		}
		res.Records = append(res.Records, rec)
	}
	return res, nil
}

func decodeAntenna(raw json.RawMessage, ts time.Time) (record.Record, error) {
	var fields map[string]any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&fields); err != nil {
		return record.Record{}, fmt.Errorf("antenna object: %w", err)
	}
	if fields == nil {
		return record.Record{}, errors.New("antenna is null")
	}

	strength, err := numericField(fields["signal_strength"])
	if err != nil {
		return record.Record{}, err
	}
	return record.Record{
		Timestamp:      ts,
		Spacecraft:     stringField(fields["spacecraft"]),
		AntennaID:      stringField(fields["id"]),
		SignalStrength: strength,
		RangeDisplay:   record.Unknown,
	}, nil
}

// numericField accepts JSON numbers and numeric strings. NaN and infinities
// are rejected even when spelled as strings.
func numericField(v any) (float64, error) {
	var (
		f   float64
		err error
	)
	switch val := v.(type) {
	case json.Number:
		f, err = val.Float64()
	case string:
		f, err = cast.ToFloat64E(strings.TrimSpace(val))
	default:
		return 0, errSignalStrength
	}
	if err == nil {
		err = checkFinite(f)
	}
	if err != nil {
		return 0, fmt.Errorf("%w: %w", errSignalStrength, err)
	}
	return f, nil
}

func stringField(v any) string {
	if v == nil {
		return record.Unknown
	}
	s := strings.TrimSpace(cast.ToString(v))
	if s == "" {
		return record.Unknown
	}
	return s
}
