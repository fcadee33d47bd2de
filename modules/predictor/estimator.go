package predictor

import (
	"math"
	"sort"

	"github.com/ezpbars/ezpbars/pkg/model"
)

// estimator accumulates step samples in streaming form for one technique.
// Means and the linear fit are closed-form over running sums, so both adding
// and removing (eviction) a sample are O(1). Percentiles need order
// statistics; the engine tracks those via staleness + recompute instead.
type estimator struct {
	technique  model.Technique
	percentile int

	// count/sum hold, per technique: raw values (arithmetic), ln values
	// (geometric), reciprocals (harmonic). Values rejected by the technique
	// (ln/reciprocal of t <= 0) are skipped and never counted.
	count float64
	sum   float64

	// ordinary least squares sums over (n, t) pairs for best_fit.linear;
	// sumTN carries sum(t/n) so a degenerate fit can fall back to the
	// arithmetic mean of the normalized speeds.
	m     float64
	sumN  float64
	sumT  float64
	sumNN float64
	sumNT float64
	sumTN float64
	// nSeen tracks distinct n values; the linear fit needs two.
	nSeen map[int64]int

	// fitted percentile value, valid when pOK.
	pValue float64
	pOK    bool
}

func newEstimator(technique model.Technique, percentile int) *estimator {
	e := &estimator{technique: technique, percentile: percentile}
	if technique == model.TechniqueBestFitLinear {
		e.nSeen = map[int64]int{}
	}
	return e
}

// add folds one observation in. For the linear technique t is raw seconds
// and n the iteration count; for everything else v is the (already
// normalized) value.
func (e *estimator) add(v float64) {
	switch e.technique {
	case model.TechniqueArithmeticMean:
		e.count++
		e.sum += v
	case model.TechniqueGeometricMean:
		if v <= 0 {
			return
		}
		e.count++
		e.sum += math.Log(v)
	case model.TechniqueHarmonicMean:
		if v <= 0 {
			return
		}
		e.count++
		e.sum += 1 / v
	case model.TechniquePercentile:
		// order statistics cannot stream; the engine recomputes
		e.count++
	}
}

func (e *estimator) remove(v float64) {
	switch e.technique {
	case model.TechniqueArithmeticMean:
		e.count--
		e.sum -= v
	case model.TechniqueGeometricMean:
		if v <= 0 {
			return
		}
		e.count--
		e.sum -= math.Log(v)
	case model.TechniqueHarmonicMean:
		if v <= 0 {
			return
		}
		e.count--
		e.sum -= 1 / v
	case model.TechniquePercentile:
		e.count--
	}
}

func (e *estimator) addPair(n int64, t float64) {
	fn := float64(n)
	e.m++
	e.sumN += fn
	e.sumT += t
	e.sumNN += fn * fn
	e.sumNT += fn * t
	e.sumTN += t / fn
	e.nSeen[n]++
}

func (e *estimator) removePair(n int64, t float64) {
	fn := float64(n)
	e.m--
	e.sumN -= fn
	e.sumT -= t
	e.sumNN -= fn * fn
	e.sumNT -= fn * t
	e.sumTN -= t / fn
	if e.nSeen[n] > 1 {
		e.nSeen[n]--
	} else {
		delete(e.nSeen, n)
	}
}

// empty reports whether no samples contribute to the fit.
func (e *estimator) empty() bool {
	if e.technique == model.TechniqueBestFitLinear {
		return e.m <= 0
	}
	if e.technique == model.TechniquePercentile {
		return !e.pOK
	}
	return e.count <= 0
}

// params returns the fitted (a, b). b is non-nil only for a non-degenerate
// linear fit.
func (e *estimator) params() (float64, *float64, bool) {
	switch e.technique {
	case model.TechniqueArithmeticMean:
		if e.count <= 0 {
			return 0, nil, false
		}
		return e.sum / e.count, nil, true
	case model.TechniqueGeometricMean:
		if e.count <= 0 {
			return 0, nil, false
		}
		return math.Exp(e.sum / e.count), nil, true
	case model.TechniqueHarmonicMean:
		if e.count <= 0 || e.sum == 0 {
			return 0, nil, false
		}
		return e.count / e.sum, nil, true
	case model.TechniquePercentile:
		if !e.pOK {
			return 0, nil, false
		}
		return e.pValue, nil, true
	case model.TechniqueBestFitLinear:
		if e.m <= 0 {
			return 0, nil, false
		}
		if len(e.nSeen) < 2 {
			// degenerate: arithmetic mean of the normalized speeds
			return e.sumTN / e.m, nil, true
		}
		denom := e.m*e.sumNN - e.sumN*e.sumN
		if denom == 0 {
			return e.sumTN / e.m, nil, true
		}
		slope := (e.m*e.sumNT - e.sumN*e.sumT) / denom
		intercept := (e.sumT - slope*e.sumN) / e.m
		return slope, &intercept, true
	}
	return 0, nil, false
}

// predict evaluates the fitted technique at the given iteration count
// (iterations <= 0 for one-off steps).
func (e *estimator) predict(iterations int64) (float64, bool) {
	a, b, ok := e.params()
	if !ok {
		return 0, false
	}
	if e.technique == model.TechniqueBestFitLinear && b != nil {
		return a*float64(iterations) + *b, true
	}
	if iterations > 0 {
		return a * float64(iterations), true
	}
	return a, true
}

// setPercentile installs a recomputed percentile value.
func (e *estimator) setPercentile(v float64, ok bool) {
	e.pValue, e.pOK = v, ok
}

// percentileOf returns the smallest value such that the fraction of samples
// at or below it is >= p/100. p=0 yields the minimum, p=100 the maximum.
func percentileOf(values []float64, p int) (float64, bool) {
	if len(values) == 0 {
		return 0, false
	}
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)

	idx := int(math.Ceil(float64(p)*float64(len(sorted))/100)) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx], true
}

// medianIterations returns the median of the observed iteration counts,
// used for the whole-trace estimate when no per-trace count is supplied.
func medianIterations(ns []int64) (int64, bool) {
	if len(ns) == 0 {
		return 0, false
	}
	sorted := make([]int64, len(ns))
	copy(sorted, ns)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	return sorted[len(sorted)/2], true
}
