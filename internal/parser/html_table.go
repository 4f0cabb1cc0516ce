package parser

import (
	"bytes"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/dsn-monitor/internal/record"
)

const (
	rowSelector  = "table tr"
	cellSelector = "td"
	minCells     = 3
)

var nonNumeric = regexp.MustCompile(`[^0-9.]`)

// decodeHTMLTable scrapes spacecraft, antenna and signal strength from the
// backup schedule table. The first row is a header.
func decodeHTMLTable(body []byte, ts time.Time) (Result, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return Result{}, &DecodeError{Format: FormatHTML, Err: err}
	}

	res := Result{Format: FormatHTML, Records: []record.Record{}}
	doc.Find(rowSelector).Each(func(i int, row *goquery.Selection) {
		if i == 0 {
			return
		}
		cells := row.Find(cellSelector)
		if cells.Length() < minCells {
			res.Rejected = append(res.Rejected, &RecordError{
				Format: FormatHTML,
				Index:  i,
				Err:    fmt.Errorf("row has %d cells, need %d", cells.Length(), minCells),
			})
			return
		}
		strength, err := parseSignalCell(cells.Eq(2).Text())
		if err != nil {
			res.Rejected = append(res.Rejected, &RecordError{Format: FormatHTML, Index: i, Err: err})
			return
		}
		res.Records = append(res.Records, record.Record{
			Timestamp:      ts,
			Spacecraft:     nameOrUnknown(cells.Eq(0).Text()),
			AntennaID:      strings.TrimSpace(cells.Eq(1).Text()),
			SignalStrength: strength,
			RangeDisplay:   record.Unknown,
		})
	})
	return res, nil
}

// parseSignalCell strips every character other than digits and '.' before
// parsing, so "12.3 dBm" reads as 12.3.
func parseSignalCell(text string) (float64, error) {
	cleaned := nonNumeric.ReplaceAllString(strings.TrimSpace(text), "")
	if cleaned == "" {
		return 0, errors.New("signal cell has no numeric content")
	}
	v, err := strconv.ParseFloat(cleaned, 64)
	if err != nil {
		return 0, fmt.Errorf("signal cell %q: %w", text, err)
	}
	return v, nil
}
