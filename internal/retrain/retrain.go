// Package retrain keeps the anomaly profile fresh: a Timer refits it from
// collected normal samples, and a Watcher hot-loads a profile file written
// by another process (cmd/retrain or a peer instance).
package retrain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/mbd888/payguard/internal/anomaly"
	"github.com/mbd888/payguard/internal/features"
	"github.com/mbd888/payguard/internal/metrics"
)

// SampleSource supplies normal feature vectors, newest first.
type SampleSource interface {
	Normal(ctx context.Context, limit int) ([]features.Vector, error)
}

// Model is the fit-and-persist surface of anomaly.Detector.
type Model interface {
	Fit(samples []features.Vector) error
	Export() ([]byte, error)
	Import(data []byte) error
	Profile() *anomaly.Profile
}

var _ Model = (*anomaly.Detector)(nil)

// Outcome of one run.
const (
	ResultFitted  = "fitted"
	ResultSkipped = "skipped"
	ResultFailed  = "failed"
)

// Result reports one refit.
type Result struct {
	Outcome string `json:"outcome"`
	Samples int    `json:"samples"`
}

// Runner performs refits.
type Runner struct {
	source      SampleSource
	model       Model
	limit       int
	profilePath string
	logger      *slog.Logger
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithLimit caps how many samples one refit reads.
func WithLimit(n int) RunnerOption {
	return func(r *Runner) {
		if n > 0 {
			r.limit = n
		}
	}
}

// WithProfilePath exports each fitted profile to path.
func WithProfilePath(path string) RunnerOption {
	return func(r *Runner) { r.profilePath = path }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) RunnerOption {
	return func(r *Runner) { r.logger = l }
}

// NewRunner creates a runner reading from source and fitting model.
func NewRunner(source SampleSource, model Model, opts ...RunnerOption) *Runner {
	r := &Runner{source: source, model: model, limit: 1000, logger: slog.Default()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RunOnce refits the model. Too few samples is a skip, not an error; the
// previous profile stays active.
func (r *Runner) RunOnce(ctx context.Context) (Result, error) {
	vecs, err := r.source.Normal(ctx, r.limit)
	if err != nil {
		metrics.RetrainRunsTotal.WithLabelValues(ResultFailed).Inc()
		return Result{Outcome: ResultFailed}, fmt.Errorf("retrain: load samples: %w", err)
	}

	if err := r.model.Fit(vecs); err != nil {
		if errors.Is(err, anomaly.ErrInsufficientSamples) {
			metrics.RetrainRunsTotal.WithLabelValues(ResultSkipped).Inc()
			r.logger.Info("retrain skipped", "samples", len(vecs), "need", anomaly.MinSamples)
			return Result{Outcome: ResultSkipped, Samples: len(vecs)}, nil
		}
		metrics.RetrainRunsTotal.WithLabelValues(ResultFailed).Inc()
		return Result{Outcome: ResultFailed, Samples: len(vecs)}, fmt.Errorf("retrain: fit: %w", err)
	}
	metrics.RetrainRunsTotal.WithLabelValues(ResultFitted).Inc()
	metrics.AnomalyProfileSamples.Set(float64(len(vecs)))

	if r.profilePath != "" {
		if err := r.export(); err != nil {
			return Result{Outcome: ResultFitted, Samples: len(vecs)}, err
		}
	}
	return Result{Outcome: ResultFitted, Samples: len(vecs)}, nil
}

func (r *Runner) export() error {
	data, err := r.model.Export()
	if err != nil {
		return fmt.Errorf("retrain: export: %w", err)
	}
	return WriteFileAtomic(r.profilePath, data)
}

// WriteFileAtomic writes data to a temp file beside path and renames it into
// place, so readers never see a partial profile.
func WriteFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("retrain: create %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("retrain: temp file: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("retrain: write profile: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("retrain: close profile: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("retrain: install profile: %w", err)
	}
	return nil
}

// LoadFile imports the profile at path. A missing file is not an error.
func LoadFile(path string, model Model) (bool, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- operator-configured profile path
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("retrain: read %s: %w", path, err)
	}
	if err := model.Import(data); err != nil {
		return false, fmt.Errorf("retrain: import %s: %w", path, err)
	}
	if p := model.Profile(); p != nil {
		metrics.AnomalyProfileSamples.Set(float64(p.Samples))
	}
	return true, nil
}
