// Package model holds the domain entities shared by the registry, intake,
// sampler and predictor: progress bars, their step specs, and observed
// traces. All timestamps are seconds since the unix epoch, double precision.
package model

import (
	"fmt"
	"sort"
)

// DefaultStepName is reserved for the position-0 default spec. It is not an
// actual step; it supplies the configuration used for the whole-trace
// estimate and the defaults applied to steps discovered through drift.
const DefaultStepName = "default"

// DefaultStepPosition is the position of the default spec.
const DefaultStepPosition = 0

// SamplingTechnique selects how completed traces are chosen for retention.
type SamplingTechnique string

const (
	SamplingSystematic   SamplingTechnique = "systematic"
	SamplingSimpleRandom SamplingTechnique = "simple_random"
)

// Valid reports whether t is a known sampling technique.
func (t SamplingTechnique) Valid() bool {
	return t == SamplingSystematic || t == SamplingSimpleRandom
}

// Technique is a named statistical estimator for step durations.
type Technique string

const (
	TechniquePercentile     Technique = "percentile"
	TechniqueHarmonicMean   Technique = "harmonic_mean"
	TechniqueGeometricMean  Technique = "geometric_mean"
	TechniqueArithmeticMean Technique = "arithmetic_mean"
	// TechniqueBestFitLinear fits t = a*n + b over (iterations, seconds)
	// pairs. Only valid for iterated steps.
	TechniqueBestFitLinear Technique = "best_fit.linear"
)

// ValidOneOff reports whether t may be used for a non-iterated step.
func (t Technique) ValidOneOff() bool {
	switch t {
	case TechniquePercentile, TechniqueHarmonicMean, TechniqueGeometricMean, TechniqueArithmeticMean:
		return true
	}
	return false
}

// ValidIterated reports whether t may be used for an iterated step.
func (t Technique) ValidIterated() bool {
	return t == TechniqueBestFitLinear || t.ValidOneOff()
}

// Key renders the technique cell key: the technique name, with the integer
// percentile appended for the percentile technique, e.g. percentile_90.
func (t Technique) Key(percentile int) string {
	if t == TechniquePercentile {
		return fmt.Sprintf("percentile_%d", percentile)
	}
	return string(t)
}

// ProgressBar is a named ordered sequence of steps owned by a user.
type ProgressBar struct {
	ID       int64  `db:"id"`
	UID      string `db:"uid"`
	OwnerSub string `db:"owner_sub"`
	Name     string `db:"name"`

	SamplingMaxCount int64 `db:"sampling_max_count"`
	// SamplingMaxAgeSeconds is nil for unbounded age.
	SamplingMaxAgeSeconds *int64            `db:"sampling_max_age_seconds"`
	SamplingTechnique     SamplingTechnique `db:"sampling_technique"`

	// IdleTimeoutSeconds overrides the service-wide idle-abort bound for
	// this bar's traces. Nil uses the service-wide bound.
	IdleTimeoutSeconds *int64 `db:"idle_timeout_seconds"`

	// Version increments monotonically each time drift forces a reset.
	Version   int64   `db:"version"`
	CreatedAt float64 `db:"created_at"`
}

// DefaultSamplingMaxAgeSeconds applies wherever an unbounded max age needs a
// finite window (systematic intervals, sorted-set trims): one week.
const DefaultSamplingMaxAgeSeconds int64 = 604800

// MaxAgeOrDefault returns the sampling max age, defaulting to one week when
// unbounded.
func (b *ProgressBar) MaxAgeOrDefault() int64 {
	if b.SamplingMaxAgeSeconds == nil {
		return DefaultSamplingMaxAgeSeconds
	}
	return *b.SamplingMaxAgeSeconds
}

// StepSpec describes one phase of the task. Position 0 is the default spec;
// positions 1..K form the real sequence with no gaps.
type StepSpec struct {
	ID            int64  `db:"id"`
	ProgressBarID int64  `db:"progress_bar_id"`
	UID           string `db:"uid"`
	Name          string `db:"name"`
	Position      int    `db:"position"`
	Iterated      bool   `db:"iterated"`

	OneOffTechnique  Technique `db:"one_off_technique"`
	OneOffPercentile int       `db:"one_off_percentile"`

	IteratedTechnique  Technique `db:"iterated_technique"`
	IteratedPercentile int       `db:"iterated_percentile"`

	CreatedAt float64 `db:"created_at"`
}

// ActiveTechnique returns the technique and percentile in effect for this
// spec: the iterated pair when the step is iterated, the one-off pair
// otherwise.
func (s *StepSpec) ActiveTechnique() (Technique, int) {
	if s.Iterated {
		return s.IteratedTechnique, s.IteratedPercentile
	}
	return s.OneOffTechnique, s.OneOffPercentile
}

// TechniqueKey renders the active technique's cell key.
func (s *StepSpec) TechniqueKey() string {
	t, p := s.ActiveTechnique()
	return t.Key(p)
}

// DefaultStepSpec returns the configuration applied when no explicit spec is
// supplied: percentile 75 for one-off steps, best-fit linear for iterated.
func DefaultStepSpec() StepSpec {
	return StepSpec{
		Name:               DefaultStepName,
		Position:           DefaultStepPosition,
		OneOffTechnique:    TechniquePercentile,
		OneOffPercentile:   75,
		IteratedTechnique:  TechniqueBestFitLinear,
		IteratedPercentile: 75,
	}
}

// Validate checks the spec's internal consistency.
func (s *StepSpec) Validate() error {
	if s.Position < 0 {
		return fmt.Errorf("step %q: negative position", s.Name)
	}
	if s.Position != DefaultStepPosition && s.Name == DefaultStepName {
		return fmt.Errorf("step name %q is reserved", DefaultStepName)
	}
	if !s.OneOffTechnique.ValidOneOff() {
		return fmt.Errorf("step %q: invalid one-off technique %q", s.Name, s.OneOffTechnique)
	}
	if !s.IteratedTechnique.ValidIterated() {
		return fmt.Errorf("step %q: invalid iterated technique %q", s.Name, s.IteratedTechnique)
	}
	if s.OneOffPercentile < 0 || s.OneOffPercentile > 100 || s.IteratedPercentile < 0 || s.IteratedPercentile > 100 {
		return fmt.Errorf("step %q: percentile out of range", s.Name)
	}
	return nil
}

// BarSchema is the resolved view of a bar served by the registry: the bar,
// its default spec, and the real steps in position order.
type BarSchema struct {
	Bar     ProgressBar
	Default StepSpec
	// Steps holds positions 1..K in order, contiguous.
	Steps []StepSpec
}

// FinalPosition returns K, the position of the last step.
func (s *BarSchema) FinalPosition() int {
	return len(s.Steps)
}

// StepAt returns the spec at position pos (1..K), or nil.
func (s *BarSchema) StepAt(pos int) *StepSpec {
	if pos < 1 || pos > len(s.Steps) {
		return nil
	}
	return &s.Steps[pos-1]
}

// Validate checks positions 0..K exist with no gaps and specs are sound.
func (s *BarSchema) Validate() error {
	if s.Default.Position != DefaultStepPosition {
		return fmt.Errorf("default spec at position %d", s.Default.Position)
	}
	sort.Slice(s.Steps, func(i, j int) bool { return s.Steps[i].Position < s.Steps[j].Position })
	seen := map[string]bool{}
	for i := range s.Steps {
		if s.Steps[i].Position != i+1 {
			return fmt.Errorf("step positions not contiguous: want %d got %d", i+1, s.Steps[i].Position)
		}
		if err := s.Steps[i].Validate(); err != nil {
			return err
		}
		if seen[s.Steps[i].Name] {
			return fmt.Errorf("duplicate step name %q", s.Steps[i].Name)
		}
		seen[s.Steps[i].Name] = true
	}
	return nil
}

// Trace is a single observed run of a progress bar, pinned to the bar
// version current at intake time.
type Trace struct {
	ID            int64   `db:"id"`
	ProgressBarID int64   `db:"progress_bar_id"`
	UID           string  `db:"uid"`
	Version       int64   `db:"progress_bar_version"`
	CreatedAt     float64 `db:"created_at"`

	Steps []TraceStep
}

// TraceStep is the observed timing of one step within a trace.
type TraceStep struct {
	ID       int64  `db:"id"`
	TraceID  int64  `db:"progress_bar_trace_id"`
	StepID   int64  `db:"progress_bar_step_id"`
	UID      string `db:"uid"`
	Position int    `db:"position"`
	// Iterations is nil iff the step spec is non-iterated.
	Iterations *int64  `db:"iterations"`
	StartedAt  float64 `db:"started_at"`
	FinishedAt float64 `db:"finished_at"`
}

// Duration returns the observed step duration in seconds.
func (s *TraceStep) Duration() float64 {
	return s.FinishedAt - s.StartedAt
}

// Complete reports whether every position 1..k has a finished step in order
// with no gaps and non-decreasing timestamps.
func (t *Trace) Complete(k int) bool {
	if len(t.Steps) != k {
		return false
	}
	prev := 0.0
	for i, s := range t.Steps {
		if s.Position != i+1 || s.FinishedAt == 0 {
			return false
		}
		if s.StartedAt < prev || s.FinishedAt < s.StartedAt {
			return false
		}
		prev = s.FinishedAt
	}
	return true
}
