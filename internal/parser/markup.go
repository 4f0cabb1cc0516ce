package parser

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/antchfx/xmlquery"

	"github.com/JakeFAU/dsn-monitor/internal/record"
)

const (
	dishExpr       = "//dish"
	targetExpr     = ".//target"
	downSignalExpr = `.//downSignal[@active="true"]`
	dataSignalType = "data"
)

var xmlDeclaration = []byte("<?xml")

type markupStrategy struct{}

func (markupStrategy) format() Format { return FormatMarkup }

func (markupStrategy) accepts(body []byte, contentType string) bool {
	if strings.Contains(strings.ToLower(contentType), "xml") {
		return true
	}
	return bytes.HasPrefix(bytes.TrimSpace(body), xmlDeclaration)
}

func (markupStrategy) decode(body []byte, ts time.Time) (Result, error) {
	doc, err := xmlquery.Parse(bytes.NewReader(body))
	if err != nil {
		return Result{}, &DecodeError{Format: FormatMarkup, Err: err}
	}

	res := Result{Format: FormatMarkup, Records: []record.Record{}}
	for i, dish := range xmlquery.Find(doc, dishExpr) {
		recs, rejected, err := decodeDish(dish, ts)
		if err != nil {
			res.Rejected = append(res.Rejected, &RecordError{Format: FormatMarkup, Index: i, Err: err})
			continue
		}
		res.Records = append(res.Records, recs...)
		for _, rerr := range rejected {
			res.Rejected = append(res.Rejected, &RecordError{Format: FormatMarkup, Index: i, Err: rerr})
		}
	}
	return res, nil
}

// dishContext carries the per-antenna values shared by every signal record.
type dishContext struct {
	antennaID  string
	spacecraft string
	azimuth    *float64
	elevation  *float64
	rng        *float64
}

// decodeDish returns the records of one dish plus the errors of the signals
// it had to drop. A non-nil error means the dish itself is unusable.
func decodeDish(dish *xmlquery.Node, ts time.Time) ([]record.Record, []error, error) {
	dc := dishContext{
		antennaID:  nameOrUnknown(dish.SelectAttr("name")),
		spacecraft: record.Unknown,
	}

	var err error
	if dc.azimuth, err = optionalFloat(dish, "azimuthAngle"); err != nil {
		return nil, nil, err
	}
	if dc.elevation, err = optionalFloat(dish, "elevationAngle"); err != nil {
		return nil, nil, err
	}

	if target := xmlquery.FindOne(dish, targetExpr); target != nil {
		dc.spacecraft = nameOrUnknown(target.SelectAttr("name"))
		upleg, err := optionalFloat(target, "uplegRange")
		if err != nil {
			return nil, nil, err
		}
		downleg, err := optionalFloat(target, "downlegRange")
		if err != nil {
			return nil, nil, err
		}
		dc.rng = record.ReconcileRange(upleg, downleg)
	}

	var (
		out      []record.Record
		rejected []error
	)
	for _, signal := range xmlquery.Find(dish, downSignalExpr) {
		if signal.SelectAttr("signalType") != dataSignalType {
			continue
		}
		rec, err := decodeSignal(signal, dc, ts)
		if err != nil {
			rejected = append(rejected, fmt.Errorf("downSignal: %w", err))
			continue
		}
		out = append(out, rec)
	}
	return out, rejected, nil
}

func decodeSignal(signal *xmlquery.Node, dc dishContext, ts time.Time) (record.Record, error) {
	dataRate, err := optionalFloat(signal, "dataRate")
	if err != nil {
		return record.Record{}, err
	}
	frequency, err := optionalFloat(signal, "frequency")
	if err != nil {
		return record.Record{}, err
	}
	power, err := optionalFloat(signal, "power")
	if err != nil {
		return record.Record{}, err
	}
	strength := 0.0
	if power != nil {
		strength = *power
	}
	return record.Record{
		Timestamp:       ts,
		Spacecraft:      dc.spacecraft,
		AntennaID:       dc.antennaID,
		SignalStrength:  strength,
		DataRate:        dataRate,
		Frequency:       frequency,
		Azimuth:         copyOf(dc.azimuth),
		Elevation:       copyOf(dc.elevation),
		SpacecraftRange: copyOf(dc.rng),
		RangeDisplay:    record.RangeDisplay(dc.rng),
	}, nil
}

// optionalFloat reads a numeric attribute. Absent attributes and null tokens
// yield nil; anything else must parse as a finite float.
func optionalFloat(n *xmlquery.Node, attr string) (*float64, error) {
	raw := n.SelectAttr(attr)
	if isNullToken(raw) {
		return nil, nil
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		return nil, fmt.Errorf("attribute %s=%q: %w", attr, raw, err)
	}
	if err := checkFinite(v); err != nil {
		return nil, fmt.Errorf("attribute %s=%q: %w", attr, raw, err)
	}
	return &v, nil
}

func nameOrUnknown(v string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return record.Unknown
	}
	return v
}

func copyOf(p *float64) *float64 {
	if p == nil {
		return nil
	}
	return record.Float(*p)
}
