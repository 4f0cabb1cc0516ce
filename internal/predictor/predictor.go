// Package predictor estimates communication durations from historical
// telemetry. The Baseline model averages durations per spacecraft and falls
// back to the global mean for spacecraft it has not seen.
package predictor

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/jszwec/csvutil"
	"go.uber.org/zap"

	"github.com/JakeFAU/dsn-monitor/internal/logging"
	"github.com/JakeFAU/dsn-monitor/internal/record"
)

// ErrNotTrained is returned by Predict before any model is available.
var ErrNotTrained = errors.New("predictor: model not trained")

// TrainingError reports a failed training pass. The previous model, if any,
// stays in use.
type TrainingError struct {
	Stage string
	Err   error
}

func (e *TrainingError) Error() string {
	return fmt.Sprintf("predictor training failed at %s: %v", e.Stage, e.Err)
}

func (e *TrainingError) Unwrap() error {
	return e.Err
}

// Config locates the model file and the training CSV.
type Config struct {
	ModelPath    string
	TrainingData string
}

// Model is the persisted baseline.
type Model struct {
	TrainedAt    time.Time          `json:"trained_at"`
	Samples      int                `json:"samples"`
	GlobalMean   float64            `json:"global_mean"`
	BySpacecraft map[string]float64 `json:"by_spacecraft"`
}

type trainingRow struct {
	Spacecraft            string  `csv:"spacecraft"`
	AntennaID             string  `csv:"antenna_id"`
	SignalStrength        float64 `csv:"signal_strength"`
	CommunicationDuration float64 `csv:"communication_duration"`
}

// Baseline is safe for concurrent use: training swaps the model atomically
// under a lock while readers predict.
type Baseline struct {
	cfg    Config
	now    func() time.Time
	logger *zap.Logger

	mu    sync.RWMutex
	model *Model
}

// New builds an untrained Baseline. Call Load to restore a saved model.
func New(cfg Config, logger *zap.Logger) *Baseline {
	return &Baseline{
		cfg:    cfg,
		now:    func() time.Time { return time.Now().UTC() },
		logger: logging.OrNop(logger).Named("predictor"),
	}
}

// Load restores the model from ModelPath. A missing file leaves the
// predictor untrained and is not an error.
func (b *Baseline) Load() error {
	data, err := os.ReadFile(b.cfg.ModelPath)
	if errors.Is(err, fs.ErrNotExist) {
		b.logger.Info("no saved model, starting untrained", zap.String("path", b.cfg.ModelPath))
		return nil
	}
	if err != nil {
		return fmt.Errorf("read model: %w", err)
	}
	var m Model
	if err := json.Unmarshal(data, &m); err != nil {
		return fmt.Errorf("decode model %s: %w", b.cfg.ModelPath, err)
	}
	b.mu.Lock()
	b.model = &m
	b.mu.Unlock()
	b.logger.Info("model loaded", zap.Int("samples", m.Samples), zap.Time("trained_at", m.TrainedAt))
	return nil
}

// Trained reports whether Predict can answer.
func (b *Baseline) Trained() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.model != nil
}

// Train refits the model from TrainingData and saves it to ModelPath.
func (b *Baseline) Train(ctx context.Context) error {
	rows, err := b.readTrainingData()
	if err != nil {
		return &TrainingError{Stage: "read", Err: err}
	}
	if err := ctx.Err(); err != nil {
		return &TrainingError{Stage: "fit", Err: err}
	}
	m, err := fit(rows, b.now())
	if err != nil {
		return &TrainingError{Stage: "fit", Err: err}
	}
	if err := b.save(m); err != nil {
		return &TrainingError{Stage: "save", Err: err}
	}
	b.mu.Lock()
	b.model = m
	b.mu.Unlock()
	b.logger.Info("model trained",
		zap.Int("samples", m.Samples),
		zap.Int("spacecraft", len(m.BySpacecraft)),
		zap.Float64("global_mean", m.GlobalMean),
	)
	return nil
}

func (b *Baseline) readTrainingData() ([]trainingRow, error) {
	f, err := os.Open(b.cfg.TrainingData)
	if err != nil {
		return nil, fmt.Errorf("open training data: %w", err)
	}
	defer f.Close() //nolint:errcheck

	dec, err := csvutil.NewDecoder(csv.NewReader(f))
	if err != nil {
		return nil, fmt.Errorf("read training header: %w", err)
	}
	dec.DisallowMissingColumns = true

	var rows []trainingRow
	if err := dec.Decode(&rows); err != nil {
		return nil, fmt.Errorf("decode training rows: %w", err)
	}
	return rows, nil
}

func fit(rows []trainingRow, at time.Time) (*Model, error) {
	if len(rows) == 0 {
		return nil, errors.New("no training rows")
	}
	sums := map[string]float64{}
	counts := map[string]int{}
	var total float64
	for _, r := range rows {
		sums[r.Spacecraft] += r.CommunicationDuration
		counts[r.Spacecraft]++
		total += r.CommunicationDuration
	}
	by := make(map[string]float64, len(sums))
	for sc, sum := range sums {
		by[sc] = sum / float64(counts[sc])
	}
	return &Model{
		TrainedAt:    at,
		Samples:      len(rows),
		GlobalMean:   total / float64(len(rows)),
		BySpacecraft: by,
	}, nil
}

// save writes through a temp file so a crash never leaves a torn model.
func (b *Baseline) save(m *Model) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("encode model: %w", err)
	}
	dir := filepath.Dir(b.cfg.ModelPath)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create model directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".model-*")
	if err != nil {
		return fmt.Errorf("create temp model: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("write temp model: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("close temp model: %w", err)
	}
	if err := os.Rename(tmp.Name(), b.cfg.ModelPath); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("replace model: %w", err)
	}
	return nil
}

// Predict returns one duration per record, in order.
func (b *Baseline) Predict(_ context.Context, records []record.Record) ([]float64, error) {
	b.mu.RLock()
	m := b.model
	b.mu.RUnlock()
	if m == nil {
		return nil, ErrNotTrained
	}
	out := make([]float64, len(records))
	for i, r := range records {
		if v, ok := m.BySpacecraft[r.Spacecraft]; ok {
			out[i] = v
			continue
		}
		out[i] = m.GlobalMean
	}
	return out, nil
}

// Estimator predicts one duration per record.
type Estimator interface {
	Predict(ctx context.Context, records []record.Record) ([]float64, error)
}

// Augment copies records and fills CommunicationDuration from predictions.
// Any prediction failure leaves every duration at 0.
func Augment(ctx context.Context, p Estimator, records []record.Record) []record.Record {
	out := record.Clone(records)
	if p == nil || len(out) == 0 {
		return out
	}
	durations, err := p.Predict(ctx, out)
	if err != nil || len(durations) != len(out) {
		return out
	}
	for i := range out {
		out[i].CommunicationDuration = durations[i]
	}
	return out
}
