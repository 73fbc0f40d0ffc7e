// Package anomaly scores feature vectors against a statistical baseline of
// normal payments.
//
// A Detector is fitted on at least MinSamples normal vectors and then rates
// each new vector by its mean absolute Z-score. Until fitted it falls back
// to fixed heuristics, so scoring never fails.
package anomaly

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync/atomic"
	"time"

	"github.com/mbd888/payguard/internal/features"
)

// Defaults.
const (
	MinSamples       = 10
	DefaultThreshold = -0.5
	ProfileVersion   = 1

	// zFlag is the per-feature Z-score reported as a reason.
	zFlag = 2.0
	// zScale stretches mean |z| before squashing into [-1, 1].
	zScale = 2.0
	// fullConfidenceSamples is the fit size at which confidence reaches 1.
	fullConfidenceSamples = 100
)

// Scoring methods.
const (
	MethodStatistical = "statistical"
	MethodHeuristic   = "heuristic"
)

var (
	ErrInsufficientSamples = errors.New("anomaly: not enough samples to fit")
	ErrNotTrained          = errors.New("anomaly: detector is not trained")
	ErrProfileMismatch     = errors.New("anomaly: profile does not match feature layout")
)

// Result is the verdict for one vector. Score is in [-1, 1] where -1 is
// the most anomalous.
type Result struct {
	IsAnomaly  bool     `json:"isAnomaly"`
	Score      float64  `json:"anomalyScore"`
	Confidence float64  `json:"confidence"`
	Reasons    []string `json:"reasons"`
	Features   []string `json:"features,omitempty"`
	Method     string   `json:"method"`
}

// Scorer is the pluggable detection strategy used by the policy engine.
type Scorer interface {
	Fit(samples []features.Vector) error
	Score(v features.Vector) Result
	Trained() bool
}

// Profile is a fitted baseline. It is immutable once published.
type Profile struct {
	Version      int       `json:"version"`
	FeatureNames []string  `json:"featureNames"`
	Means        []float64 `json:"means"`
	Stddevs      []float64 `json:"stddevs"`
	Samples      int       `json:"samples"`
	TrainedAt    time.Time `json:"trainedAt"`
}

// Validate checks the profile against the current feature layout.
func (p *Profile) Validate() error {
	if p.Version != ProfileVersion {
		return fmt.Errorf("%w: version %d", ErrProfileMismatch, p.Version)
	}
	names := features.Names()
	if len(p.FeatureNames) != len(names) || len(p.Means) != len(names) || len(p.Stddevs) != len(names) {
		return fmt.Errorf("%w: expected %d features", ErrProfileMismatch, len(names))
	}
	for i, n := range names {
		if p.FeatureNames[i] != n {
			return fmt.Errorf("%w: feature %d is %q, want %q", ErrProfileMismatch, i, p.FeatureNames[i], n)
		}
	}
	for i, s := range p.Stddevs {
		if math.IsNaN(s) || s < 0 || math.IsNaN(p.Means[i]) {
			return fmt.Errorf("%w: bad statistics for %s", ErrProfileMismatch, names[i])
		}
	}
	if p.Samples < MinSamples {
		return fmt.Errorf("%w: %d samples", ErrInsufficientSamples, p.Samples)
	}
	return nil
}

// Detector is a Z-score scorer. It is safe for concurrent use; Fit and
// Import publish a complete profile atomically.
type Detector struct {
	profile   atomic.Pointer[Profile]
	threshold atomic.Uint64 // float64 bits
	now       func() time.Time
	logger    *slog.Logger
}

var _ Scorer = (*Detector)(nil)

// Option configures a Detector.
type Option func(*Detector)

// WithThreshold sets the score below which a vector is anomalous.
func WithThreshold(t float64) Option {
	return func(d *Detector) { d.SetThreshold(t) }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Detector) { d.logger = l }
}

// WithClock overrides the TrainedAt clock.
func WithClock(now func() time.Time) Option {
	return func(d *Detector) { d.now = now }
}

// NewDetector returns an untrained detector.
func NewDetector(opts ...Option) *Detector {
	d := &Detector{now: time.Now, logger: slog.Default()}
	d.SetThreshold(DefaultThreshold)
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// SetThreshold changes the anomaly threshold.
func (d *Detector) SetThreshold(t float64) {
	d.threshold.Store(math.Float64bits(t))
}

// Threshold returns the anomaly threshold.
func (d *Detector) Threshold() float64 {
	return math.Float64frombits(d.threshold.Load())
}

// Trained reports whether a profile is loaded.
func (d *Detector) Trained() bool {
	return d.profile.Load() != nil
}

// Profile returns the active profile, or nil.
func (d *Detector) Profile() *Profile {
	return d.profile.Load()
}

// Fit builds a profile from normal samples and swaps it in. With fewer
// than MinSamples it returns ErrInsufficientSamples and keeps the
// previous state.
func (d *Detector) Fit(samples []features.Vector) error {
	if len(samples) < MinSamples {
		return fmt.Errorf("%w: got %d, need %d", ErrInsufficientSamples, len(samples), MinSamples)
	}
	p := buildProfile(samples, d.now().UTC())
	d.profile.Store(p)
	d.logger.Info("anomaly profile fitted", "samples", p.Samples)
	return nil
}

// Score rates v against the active profile, or the heuristics when untrained.
func (d *Detector) Score(v features.Vector) Result {
	p := d.profile.Load()
	if p == nil {
		return Heuristic(v)
	}
	return scoreAgainst(p, v, d.Threshold())
}

// Export serialises the active profile.
func (d *Detector) Export() ([]byte, error) {
	p := d.profile.Load()
	if p == nil {
		return nil, ErrNotTrained
	}
	return json.Marshal(p)
}

// Import validates and activates a serialised profile.
func (d *Detector) Import(data []byte) error {
	var p Profile
	if err := json.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("anomaly: decode profile: %w", err)
	}
	if err := p.Validate(); err != nil {
		return err
	}
	for i, s := range p.Stddevs {
		p.Stddevs[i] = floorStddev(s, p.Means[i])
	}
	d.profile.Store(&p)
	d.logger.Info("anomaly profile imported", "samples", p.Samples, "trainedAt", p.TrainedAt)
	return nil
}

// Reset drops the profile, returning the detector to heuristics.
func (d *Detector) Reset() {
	d.profile.Store(nil)
}

// -----------------------------------------------------------------------------
// Statistics
// -----------------------------------------------------------------------------

func buildProfile(samples []features.Vector, now time.Time) *Profile {
	names := features.Names()
	n := float64(len(samples))
	means := make([]float64, len(names))
	stddevs := make([]float64, len(names))

	rows := make([][]float64, len(samples))
	for i, s := range samples {
		rows[i] = s.Array()
		for j, x := range rows[i] {
			means[j] += x
		}
	}
	for j := range means {
		means[j] /= n
	}

	// Population variance, as for spend baselines.
	for _, row := range rows {
		for j, x := range row {
			diff := x - means[j]
			stddevs[j] += diff * diff
		}
	}
	for j := range stddevs {
		stddevs[j] = floorStddev(math.Sqrt(stddevs[j]/n), means[j])
	}

	return &Profile{
		Version:      ProfileVersion,
		FeatureNames: names,
		Means:        means,
		Stddevs:      stddevs,
		Samples:      len(samples),
		TrainedAt:    now,
	}
}

// degenerateStddev is the stddev, relative to max(1, |mean|), below which a
// feature is treated as constant.
const degenerateStddev = 1e-9

// floorStddev returns 1 when s is negligible next to the mean, which covers
// constant features that carry float residue from summing.
func floorStddev(s, mean float64) float64 {
	if s < degenerateStddev*math.Max(1, math.Abs(mean)) {
		return 1
	}
	return s
}

type deviation struct {
	name string
	z    float64
}

func scoreAgainst(p *Profile, v features.Vector, threshold float64) Result {
	values := v.Array()
	var total float64
	var flagged []deviation
	for i, x := range values {
		z := math.Abs(x-p.Means[i]) / p.Stddevs[i]
		total += z
		if z > zFlag {
			flagged = append(flagged, deviation{name: p.FeatureNames[i], z: z})
		}
	}
	meanZ := total / float64(len(values))
	score := Transform(meanZ)

	sort.SliceStable(flagged, func(i, j int) bool { return flagged[i].z > flagged[j].z })
	names := make([]string, len(flagged))
	reasons := make([]string, 0, len(flagged))
	for i, f := range flagged {
		names[i] = f.name
		reasons = append(reasons, fmt.Sprintf("%s deviates %.1fσ from baseline", f.name, f.z))
	}

	isAnomaly := score < threshold
	if !isAnomaly {
		reasons = []string{}
	}

	return Result{
		IsAnomaly:  isAnomaly,
		Score:      score,
		Confidence: math.Min(1, float64(p.Samples)/fullConfidenceSamples),
		Reasons:    reasons,
		Features:   names,
		Method:     MethodStatistical,
	}
}

// Transform maps a mean absolute Z-score onto [-1, 1]. It is strictly
// decreasing: 0 maps to 1 and large deviations approach -1.
func Transform(meanZ float64) float64 {
	if meanZ < 0 || math.IsNaN(meanZ) {
		meanZ = 0
	}
	return 2*math.Exp(-meanZ/zScale) - 1
}
