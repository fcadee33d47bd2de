// Package predictor maintains the fitted per-step and whole-trace predictor
// cells for each (bar, version, technique). Cells are materialized lazily
// from the retained set, updated in place as the sampler retains and evicts
// traces, and mirrored into the hot store so other processes can read them.
package predictor

import (
	"context"
	"sync"

	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/ezpbars/ezpbars/pbardb"
	"github.com/ezpbars/ezpbars/pkg/clock"
	"github.com/ezpbars/ezpbars/pkg/hotstate"
	"github.com/ezpbars/ezpbars/pkg/model"
	"github.com/ezpbars/ezpbars/pkg/util/log"
)

var (
	metricCellRecomputes = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "ezpbars",
		Name:      "predictor_cell_recomputes_total",
		Help:      "Percentile cells rebuilt from the durable store.",
	})
	metricCellsMaterialized = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "ezpbars",
		Name:      "predictor_cells_materialized_total",
		Help:      "Predictor cells lazily materialized on first use.",
	})
)

// Estimate is a fitted prediction. OK is false when no samples support one;
// callers must surface the distinguished empty result rather than zero.
type Estimate struct {
	Seconds float64
	OK      bool
}

type cellKey struct {
	barID    int64
	version  int64
	position int
	tkey     string
}

type cell struct {
	est    *estimator
	frozen bool

	// percentile bookkeeping
	stale         bool
	lastRecompute float64
	loaded        bool
}

type wholeKey struct {
	barID   int64
	version int64
}

type Engine struct {
	cfg Config
	db  *pbardb.DB
	hot *hotstate.Client
	clk clock.Clock

	mtx   sync.Mutex
	cells map[cellKey]*cell
	whole map[wholeKey]*Estimate // canonical whole estimate, nil entry = invalidated
}

func New(cfg Config, db *pbardb.DB, hot *hotstate.Client, clk clock.Clock) *Engine {
	return &Engine{
		cfg:   cfg,
		db:    db,
		hot:   hot,
		clk:   clk,
		cells: map[cellKey]*cell{},
		whole: map[wholeKey]*Estimate{},
	}
}

// Observe folds a freshly retained trace into the cells of its bar version.
func (e *Engine) Observe(ctx context.Context, schema *model.BarSchema, trace *model.Trace) error {
	return e.apply(ctx, schema, trace, false)
}

// Evict removes evicted traces' contributions from their cells.
func (e *Engine) Evict(ctx context.Context, schema *model.BarSchema, traces []model.Trace) error {
	for i := range traces {
		if err := e.apply(ctx, schema, &traces[i], true); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) apply(ctx context.Context, schema *model.BarSchema, trace *model.Trace, removal bool) error {
	e.mtx.Lock()
	defer e.mtx.Unlock()

	for i := range trace.Steps {
		ts := &trace.Steps[i]
		spec := schema.StepAt(ts.Position)
		if spec == nil {
			continue
		}

		c, fresh, err := e.cellLocked(ctx, schema, trace.Version, spec)
		if err != nil {
			return err
		}
		if c.frozen {
			level.Warn(log.Logger).Log("msg", "ignoring update to frozen predictor cell",
				"bar", schema.Bar.Name, "version", trace.Version, "position", ts.Position)
			continue
		}

		// a freshly materialized cell was built from the durable set, which
		// already reflects this retention or eviction
		if !fresh {
			applySample(c.est, spec, ts, removal)
			if c.est.technique == model.TechniquePercentile {
				c.stale = true
			}
		}
		e.mirrorLocked(ctx, schema, trace.Version, spec, c)
	}

	// any component change invalidates the cached whole estimate
	delete(e.whole, wholeKey{barID: schema.Bar.ID, version: trace.Version})
	return nil
}

func applySample(est *estimator, spec *model.StepSpec, ts *model.TraceStep, removal bool) {
	d := ts.Duration()
	if est.technique == model.TechniqueBestFitLinear {
		if ts.Iterations == nil || *ts.Iterations <= 0 {
			return
		}
		if removal {
			est.removePair(*ts.Iterations, d)
		} else {
			est.addPair(*ts.Iterations, d)
		}
		return
	}

	v := d
	if spec.Iterated {
		if ts.Iterations == nil || *ts.Iterations <= 0 {
			return
		}
		v = d / float64(*ts.Iterations)
	}
	if removal {
		est.remove(v)
	} else {
		est.add(v)
	}
}

// cellLocked returns the cell for (bar, version, step), materializing it
// from the retained set on first use. fresh reports that the cell was built
// just now, so the durable scan behind it is fully current. Caller holds
// e.mtx.
func (e *Engine) cellLocked(ctx context.Context, schema *model.BarSchema, version int64, spec *model.StepSpec) (*cell, bool, error) {
	tech, perc := spec.ActiveTechnique()
	k := cellKey{barID: schema.Bar.ID, version: version, position: spec.Position, tkey: tech.Key(perc)}

	c := e.cells[k]
	if c != nil {
		return c, false, nil
	}

	c = &cell{est: newEstimator(tech, perc)}
	samples, err := e.stepSamplesLocked(ctx, schema, version, spec.Position)
	if err != nil {
		return nil, false, err
	}
	for _, s := range samples {
		ts := model.TraceStep{Position: spec.Position, Iterations: s.Iterations, FinishedAt: s.Seconds}
		applySample(c.est, spec, &ts, false)
	}
	if tech == model.TechniquePercentile {
		c.stale = true
	}
	c.loaded = true
	metricCellsMaterialized.Inc()

	e.cells[k] = c
	return c, true, nil
}

func (e *Engine) stepSamplesLocked(ctx context.Context, schema *model.BarSchema, version int64, position int) ([]pbardb.Sample, error) {
	since := 0.0
	if schema.Bar.SamplingMaxAgeSeconds != nil {
		since = e.clk.Now() - float64(*schema.Bar.SamplingMaxAgeSeconds)
	}
	return e.db.StepSamples(ctx, schema.Bar.ID, version, position, since)
}

// recomputeLocked rebuilds a stale percentile cell from a durable ordered
// scan, rate limited by the minimum recompute interval.
func (e *Engine) recomputeLocked(ctx context.Context, schema *model.BarSchema, version int64, spec *model.StepSpec, c *cell) error {
	now := e.clk.Now()
	if c.est.pOK && now-c.lastRecompute < e.cfg.MinRecomputeInterval.Seconds() {
		return nil // coalesce; serve the previous fit
	}

	samples, err := e.stepSamplesLocked(ctx, schema, version, spec.Position)
	if err != nil {
		return err
	}
	values := make([]float64, 0, len(samples))
	for _, s := range samples {
		v := s.Seconds
		if spec.Iterated {
			if s.Iterations == nil || *s.Iterations <= 0 {
				continue
			}
			v = s.Seconds / float64(*s.Iterations)
		}
		values = append(values, v)
	}

	v, ok := percentileOf(values, c.est.percentile)
	c.est.setPercentile(v, ok)
	c.stale = false
	c.lastRecompute = now
	metricCellRecomputes.Inc()
	e.mirrorLocked(ctx, schema, version, spec, c)
	// the component cell changed, so any cached whole estimate is dead
	delete(e.whole, wholeKey{barID: schema.Bar.ID, version: version})
	return nil
}

func (e *Engine) mirrorLocked(ctx context.Context, schema *model.BarSchema, version int64, spec *model.StepSpec, c *cell) {
	if e.hot == nil {
		return
	}
	a, b, ok := c.est.params()
	if !ok {
		return
	}
	err := e.hot.SetStepCell(ctx, schema.Bar.OwnerSub, schema.Bar.Name, version, spec.Position, spec.TechniqueKey(), a, b)
	if err != nil {
		// the mirror is a cache; the authoritative fit lives here
		level.Warn(log.Logger).Log("msg", "failed mirroring predictor cell", "err", err)
	}
}

// PredictStep returns the fitted prediction for one step at the given
// iteration count (ignored for one-off steps).
func (e *Engine) PredictStep(ctx context.Context, schema *model.BarSchema, position int, iterations int64) (Estimate, error) {
	spec := schema.StepAt(position)
	if spec == nil {
		return Estimate{}, nil
	}

	e.mtx.Lock()
	defer e.mtx.Unlock()
	return e.predictStepLocked(ctx, schema, schema.Bar.Version, spec, iterations)
}

func (e *Engine) predictStepLocked(ctx context.Context, schema *model.BarSchema, version int64, spec *model.StepSpec, iterations int64) (Estimate, error) {
	c, _, err := e.cellLocked(ctx, schema, version, spec)
	if err != nil {
		return Estimate{}, err
	}
	if c.est.technique == model.TechniquePercentile && (c.stale || !c.est.pOK) {
		if err := e.recomputeLocked(ctx, schema, version, spec, c); err != nil {
			return Estimate{}, err
		}
	}

	n := iterations
	if !spec.Iterated {
		n = 0
	}
	v, ok := c.est.predict(n)
	return Estimate{Seconds: v, OK: ok}, nil
}

// EstimateTrace returns the whole-trace estimate: the sum of per-step
// predictions using each step's own configured technique. Iterated steps
// without a supplied count are evaluated at the median of the retained
// iteration counts. The canonical (no supplied counts) estimate is cached
// and mirrored under the default spec's technique key.
func (e *Engine) EstimateTrace(ctx context.Context, schema *model.BarSchema, iterationsByPos map[int]int64) (Estimate, error) {
	e.mtx.Lock()
	defer e.mtx.Unlock()

	version := schema.Bar.Version
	canonical := len(iterationsByPos) == 0
	wk := wholeKey{barID: schema.Bar.ID, version: version}
	if canonical {
		if cached := e.whole[wk]; cached != nil {
			return *cached, nil
		}
	}

	total := 0.0
	for i := range schema.Steps {
		spec := &schema.Steps[i]

		var n int64
		if spec.Iterated {
			var supplied bool
			n, supplied = iterationsByPos[spec.Position]
			if !supplied {
				var err error
				n, err = e.medianIterationsLocked(ctx, schema, version, spec.Position)
				if err != nil {
					return Estimate{}, err
				}
				if n == 0 {
					return Estimate{}, nil // no samples at all
				}
			}
		}

		est, err := e.predictStepLocked(ctx, schema, version, spec, n)
		if err != nil {
			return Estimate{}, err
		}
		if !est.OK {
			return Estimate{}, nil
		}
		total += est.Seconds
	}

	result := Estimate{Seconds: total, OK: true}
	if canonical {
		e.whole[wk] = &result
		if e.hot != nil {
			if err := e.hot.SetWholeCell(ctx, schema.Bar.OwnerSub, schema.Bar.Name, version, schema.Default.TechniqueKey(), total); err != nil {
				level.Warn(log.Logger).Log("msg", "failed mirroring whole-trace cell", "err", err)
			}
		}
	}
	return result, nil
}

func (e *Engine) medianIterationsLocked(ctx context.Context, schema *model.BarSchema, version int64, position int) (int64, error) {
	samples, err := e.stepSamplesLocked(ctx, schema, version, position)
	if err != nil {
		return 0, err
	}
	ns := make([]int64, 0, len(samples))
	for _, s := range samples {
		if s.Iterations != nil && *s.Iterations > 0 {
			ns = append(ns, *s.Iterations)
		}
	}
	med, ok := medianIterations(ns)
	if !ok {
		return 0, nil
	}
	return med, nil
}

// FreezeBelow marks every cell of the bar below the given version frozen:
// still readable, never written again. Called on version bumps.
func (e *Engine) FreezeBelow(barID, version int64) {
	e.mtx.Lock()
	defer e.mtx.Unlock()
	for k, c := range e.cells {
		if k.barID == barID && k.version < version {
			c.frozen = true
		}
	}
}
