package parser

import (
	"errors"
	"fmt"
	"math"
)

// ErrExhausted is returned by Decode when no strategy could decode the
// document. Callers should switch to the backup feed.
var ErrExhausted = errors.New("no decode strategy accepted the document")

// ErrNonFinite marks a numeric field that parsed as NaN or an infinity. Such
// values cannot be stored or encoded as JSON.
var ErrNonFinite = errors.New("value is not a finite number")

func checkFinite(v float64) error {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return ErrNonFinite
	}
	return nil
}

// DecodeError reports a document that is structurally unusable for one format.
type DecodeError struct {
	Format Format
	Err    error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s document: %v", e.Format, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// RecordError reports a single element or row that could not be normalized.
// It is reported through Result.Rejected and never returned as an error.
type RecordError struct {
	Format Format
	Index  int
	Err    error
}

func (e *RecordError) Error() string {
	return fmt.Sprintf("%s element %d: %v", e.Format, e.Index, e.Err)
}

func (e *RecordError) Unwrap() error {
	return e.Err
}
