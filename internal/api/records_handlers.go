package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/dsn-monitor/internal/predictor"
	"github.com/JakeFAU/dsn-monitor/internal/record"
)

const notAvailable = "N/A"

type batchResponse struct {
	CycleID   string          `json:"cycle_id"`
	Source    string          `json:"source"`
	FetchedAt time.Time       `json:"fetched_at"`
	Records   []record.Record `json:"records"`
}

// SpacecraftDetails is the display summary for one spacecraft/antenna pair.
type SpacecraftDetails struct {
	Spacecraft string `json:"spacecraft"`
	AntennaID  string `json:"antenna_id"`
	DataRate   string `json:"data_rate"`
	Power      string `json:"power"`
	Frequency  string `json:"frequency"`
	Range      string `json:"range"`
}

// latestRecords handles GET /v1/records/latest. Durations come from the
// estimator and stay 0 when it cannot predict.
func (s *Server) latestRecords(w http.ResponseWriter, r *http.Request) {
	if s.latest == nil {
		s.writeError(w, http.StatusServiceUnavailable, "latest batch unavailable")
		return
	}
	batch, ok := s.latest.Latest()
	if !ok {
		s.writeError(w, http.StatusNotFound, "no batch collected yet")
		return
	}
	recs := predictor.Augment(r.Context(), s.estimator, batch.Records)
	if recs == nil {
		recs = []record.Record{}
	}
	s.writeJSON(w, http.StatusOK, batchResponse{
		CycleID:   batch.CycleID,
		Source:    string(batch.Source),
		FetchedAt: batch.FetchedAt,
		Records:   recs,
	})
}

// recentRecords handles GET /v1/records/recent?limit=N. It returns 400 for a
// malformed limit and 500 when the store fails.
func (s *Server) recentRecords(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		s.writeError(w, http.StatusServiceUnavailable, "history unavailable")
		return
	}
	limit, err := parseLimit(r, defaultRecentLimit, maxRecentLimit)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	recs, err := s.history.Recent(r.Context(), limit)
	if err != nil {
		s.logger.Error("recent records failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to read records")
		return
	}
	if recs == nil {
		recs = []record.Record{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"records": recs})
}

// spacecraftDetails handles GET /v1/spacecraft?spacecraft_name=&antenna=.
// The first record in the latest batch matching both wins.
func (s *Server) spacecraftDetails(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	name := strings.TrimSpace(q.Get("spacecraft_name"))
	antenna := strings.TrimSpace(q.Get("antenna"))
	if name == "" || antenna == "" {
		s.writeError(w, http.StatusBadRequest, "missing required parameters")
		return
	}
	if s.latest == nil {
		s.writeError(w, http.StatusNotFound, "no data available")
		return
	}
	batch, ok := s.latest.Latest()
	if !ok || len(batch.Records) == 0 {
		s.writeError(w, http.StatusNotFound, "no data available")
		return
	}
	for _, rec := range batch.Records {
		if rec.Spacecraft == name && rec.AntennaID == antenna {
			s.writeJSON(w, http.StatusOK, Details(rec))
			return
		}
	}
	s.writeError(w, http.StatusNotFound, "no data found for specified parameters")
}

// Details formats a record for display: data rate in bps, power in dBm with
// one decimal, frequency in GHz with two decimals.
func Details(rec record.Record) SpacecraftDetails {
	d := SpacecraftDetails{
		Spacecraft: rec.Spacecraft,
		AntennaID:  rec.AntennaID,
		DataRate:   notAvailable,
		Power:      fmt.Sprintf("%.1f dBm", rec.SignalStrength),
		Frequency:  notAvailable,
		Range:      rec.RangeDisplay,
	}
	if d.Spacecraft == "" {
		d.Spacecraft = notAvailable
	}
	if rec.DataRate != nil {
		d.DataRate = strconv.FormatFloat(*rec.DataRate, 'f', -1, 64) + " bps"
	}
	if rec.Frequency != nil {
		d.Frequency = fmt.Sprintf("%.2f GHz", *rec.Frequency/1e9)
	}
	if d.Range == "" {
		d.Range = record.RangeDisplay(rec.SpacecraftRange)
	}
	return d
}

func parseLimit(r *http.Request, def, maxLimit int) (int, error) {
	limStr := r.URL.Query().Get("limit")
	if limStr == "" {
		return def, nil
	}
	val, err := strconv.Atoi(limStr)
	if err != nil || val <= 0 {
		return 0, errors.New("invalid limit")
	}
	if val > maxLimit {
		val = maxLimit
	}
	return val, nil
}
