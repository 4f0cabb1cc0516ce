// Package record defines the normalized antenna telemetry unit shared by the
// parser, the stores and the presentation adapters.
package record

import (
	"fmt"
	"time"
)

// Unknown is the placeholder used for missing names and ranges.
const Unknown = "Unknown"

// Record is one antenna/signal observation at a point in time.
//
// Optional numeric fields are nil when the feed carries no value for them.
// CommunicationDuration stays 0 on persisted rows; presentation code fills it
// on copies from predictor output.
type Record struct {
	Timestamp             time.Time `json:"timestamp"`
	Spacecraft            string    `json:"spacecraft"`
	AntennaID             string    `json:"antenna_id"`
	SignalStrength        float64   `json:"signal_strength"`
	CommunicationDuration float64   `json:"communication_duration"`
	DataRate              *float64  `json:"data_rate"`
	Frequency             *float64  `json:"frequency"`
	Azimuth               *float64  `json:"azimuth"`
	Elevation             *float64  `json:"elevation"`
	SpacecraftRange       *float64  `json:"spacecraft_range"`
	RangeDisplay          string    `json:"range_display"`
}

// Float returns a pointer to v.
func Float(v float64) *float64 {
	return &v
}

// RangeDisplay renders a spacecraft range given in meters as a human readable
// distance. Nil or non-positive ranges render as "Unknown".
func RangeDisplay(meters *float64) string {
	if meters == nil || *meters <= 0 {
		return Unknown
	}
	km := *meters / 1000.0
	switch {
	case km >= 1_000_000:
		return fmt.Sprintf("%.2f million km", km/1_000_000)
	case km >= 1_000:
		return fmt.Sprintf("%.2f thousand km", km/1_000)
	default:
		return fmt.Sprintf("%.2f km", km)
	}
}

// ReconcileRange combines the upleg and downleg range readings. Only positive
// readings count: one reading is used as is, two are averaged, none yields nil.
func ReconcileRange(upleg, downleg *float64) *float64 {
	var (
		sum   float64
		count int
	)
	for _, v := range []*float64{upleg, downleg} {
		if v != nil && *v > 0 {
			sum += *v
			count++
		}
	}
	if count == 0 {
		return nil
	}
	return Float(sum / float64(count))
}

// Clone returns a deep copy of the slice, including optional fields.
func Clone(in []Record) []Record {
	if in == nil {
		return nil
	}
	out := make([]Record, len(in))
	for i, r := range in {
		out[i] = r
		out[i].DataRate = copyFloat(r.DataRate)
		out[i].Frequency = copyFloat(r.Frequency)
		out[i].Azimuth = copyFloat(r.Azimuth)
		out[i].Elevation = copyFloat(r.Elevation)
		out[i].SpacecraftRange = copyFloat(r.SpacecraftRange)
	}
	return out
}

func copyFloat(p *float64) *float64 {
	if p == nil {
		return nil
	}
	return Float(*p)
}
