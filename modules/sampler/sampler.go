// Package sampler decides which completed traces are retained as samples
// for the predictor, and keeps each bar version's retained set within its
// configured size cap.
package sampler

import (
	"context"
	"math/rand"
	"sync"
	"time"

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
	metricRetained = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "ezpbars",
		Name:      "sampler_traces_retained_total",
		Help:      "Completed traces retained into the durable sample set.",
	})
	metricSkipped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "ezpbars",
		Name:      "sampler_traces_skipped_total",
		Help:      "Completed traces the sampling policy let go.",
	})
	metricEvicted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "ezpbars",
		Name:      "sampler_traces_evicted_total",
		Help:      "Retained traces evicted to hold the per-version cap.",
	})
)

// FitObserver receives retained and evicted traces. Satisfied by the
// predictor engine.
type FitObserver interface {
	Observe(ctx context.Context, schema *model.BarSchema, trace *model.Trace) error
	Evict(ctx context.Context, schema *model.BarSchema, traces []model.Trace) error
}

type Sampler struct {
	cfg  Config
	db   *pbardb.DB
	hot  *hotstate.Client
	fits FitObserver
	clk  clock.Clock

	mtx sync.Mutex
	rng *rand.Rand
}

func New(cfg Config, db *pbardb.DB, hot *hotstate.Client, fits FitObserver, clk clock.Clock) *Sampler {
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Sampler{
		cfg:  cfg,
		db:   db,
		hot:  hot,
		fits: fits,
		clk:  clk,
		rng:  rand.New(rand.NewSource(seed)),
	}
}

// OnTraceComplete runs the bar's sampling policy over one completed trace,
// retaining it when the policy says so and evicting the oldest retained
// traces past the cap. Retrying an already retained trace is a no-op.
func (s *Sampler) OnTraceComplete(ctx context.Context, schema *model.BarSchema, trace *model.Trace) (bool, error) {
	now := s.clk.Now()

	retain, err := s.decide(ctx, schema, trace, now)
	if err != nil {
		return false, err
	}
	if !retain {
		metricSkipped.Inc()
		return false, nil
	}

	inserted, err := s.db.InsertRetainedTrace(ctx, schema, trace)
	if err != nil {
		return false, err
	}
	if !inserted {
		// a retry of a trace we already hold; the fits saw it the first time
		return true, nil
	}
	metricRetained.Inc()

	// simple_random already counted this completion while deciding;
	// systematic records the retention itself
	if s.hot != nil && schema.Bar.SamplingTechnique != model.SamplingSimpleRandom {
		bar := &schema.Bar
		_, werr := s.hot.TraceCountAdd(ctx, bar.OwnerSub, bar.Name, trace.Version, trace.UID, trace.CreatedAt, bar.MaxAgeOrDefault(), now)
		if werr != nil {
			level.Warn(log.Logger).Log("msg", "failed recording retention in completion window", "err", werr)
		}
	}

	if s.fits != nil {
		if err := s.fits.Observe(ctx, schema, trace); err != nil {
			return true, err
		}
	}
	// simple_random has no hard cap; its expected retained count stays near
	// the cap through the retention probability alone
	if schema.Bar.SamplingTechnique != model.SamplingSimpleRandom {
		if err := s.enforceCap(ctx, schema, trace.Version); err != nil {
			return true, err
		}
	}
	return true, nil
}

func (s *Sampler) decide(ctx context.Context, schema *model.BarSchema, trace *model.Trace, now float64) (bool, error) {
	bar := &schema.Bar
	switch bar.SamplingTechnique {
	case model.SamplingSimpleRandom:
		return s.decideSimpleRandom(ctx, schema, trace, now)
	default:
		return s.decideSystematic(ctx, bar, trace, now)
	}
}

// decideSystematic retains at most one trace per interval, where the
// interval divides the age window evenly across the cap.
func (s *Sampler) decideSystematic(ctx context.Context, bar *model.ProgressBar, trace *model.Trace, now float64) (bool, error) {
	last, ok, err := s.db.LastRetainedAt(ctx, bar.ID, trace.Version)
	if err != nil {
		return false, err
	}
	if !ok {
		return true, nil
	}
	interval := float64(bar.MaxAgeOrDefault()) / float64(bar.SamplingMaxCount)
	return now-last >= interval, nil
}

// decideSimpleRandom counts completions inside the age window and retains
// with probability min(1, cap/n), which keeps the expected retained count
// near the cap regardless of the completion rate.
func (s *Sampler) decideSimpleRandom(ctx context.Context, schema *model.BarSchema, trace *model.Trace, now float64) (bool, error) {
	bar := &schema.Bar
	n := int64(0)
	if s.hot != nil {
		var err error
		n, err = s.hot.TraceCountAdd(ctx, bar.OwnerSub, bar.Name, trace.Version, trace.UID, trace.CreatedAt, bar.MaxAgeOrDefault(), now)
		if err != nil {
			return false, err
		}
	}

	if n <= bar.SamplingMaxCount {
		return true, nil
	}
	p := float64(bar.SamplingMaxCount) / float64(n)

	s.mtx.Lock()
	draw := s.rng.Float64()
	s.mtx.Unlock()
	return draw < p, nil
}

func (s *Sampler) enforceCap(ctx context.Context, schema *model.BarSchema, version int64) error {
	bar := &schema.Bar
	count, err := s.db.RetainedCount(ctx, bar.ID, version)
	if err != nil {
		return err
	}
	if count <= bar.SamplingMaxCount {
		return nil
	}

	evicted, err := s.db.EvictOldest(ctx, bar.ID, version, bar.SamplingMaxCount)
	if err != nil {
		return err
	}
	if len(evicted) == 0 {
		return nil
	}
	metricEvicted.Add(float64(len(evicted)))
	level.Debug(log.Logger).Log("msg", "evicted retained traces",
		"bar", bar.Name, "version", version, "count", len(evicted))

	if s.fits != nil {
		if err := s.fits.Evict(ctx, schema, evicted); err != nil {
			return err
		}
	}
	if s.hot != nil {
		uids := make([]string, 0, len(evicted))
		for i := range evicted {
			uids = append(uids, evicted[i].UID)
		}
		if err := s.hot.TraceCountRemove(ctx, bar.OwnerSub, bar.Name, version, uids...); err != nil {
			// the window self-trims by age; a failed removal only skews the
			// random policy until then
			level.Warn(log.Logger).Log("msg", "failed trimming completion window", "err", err)
		}
	}
	return nil
}
