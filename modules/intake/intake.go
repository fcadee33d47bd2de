// Package intake is the trace intake state machine: it validates step events
// against the bar's schema, advances the per-trace hot state through
// fresh -> running -> completed, detects schema drift, and hands completed
// traces to the sampling policy. All trace writes are linearized through the
// hot store's compare-and-set update.
package intake

import (
	"context"

	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/ezpbars/ezpbars/modules/registry"
	"github.com/ezpbars/ezpbars/pkg/clock"
	"github.com/ezpbars/ezpbars/pkg/errkind"
	"github.com/ezpbars/ezpbars/pkg/hotstate"
	"github.com/ezpbars/ezpbars/pkg/model"
	"github.com/ezpbars/ezpbars/pkg/util/log"
)

var (
	metricEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ezpbars",
		Name:      "intake_events_total",
		Help:      "Step events accepted by the intake state machine.",
	}, []string{"event"})
	metricCompleted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "ezpbars",
		Name:      "intake_traces_completed_total",
		Help:      "Traces that reached completion.",
	})
	metricAborted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ezpbars",
		Name:      "intake_traces_aborted_total",
		Help:      "Traces aborted before completion.",
	}, []string{"reason"})
	metricRejected = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "ezpbars",
		Name:      "intake_events_rejected_total",
		Help:      "Step events rejected by validation.",
	})
)

// Retainer receives completed traces. Satisfied by the sampler.
type Retainer interface {
	OnTraceComplete(ctx context.Context, schema *model.BarSchema, trace *model.Trace) (bool, error)
}

// Limiter gates trace creation on the owner's entitlement. Satisfied by the
// usage module.
type Limiter interface {
	AllowTraceStart(ctx context.Context, ownerSub string) error
}

// StartEvent begins a step. Iterations is nil for one-off steps. OccurredAt
// is the client's clock, 0 to use the server's.
type StartEvent struct {
	Position   int
	StepName   string
	Iterations *int64
	OccurredAt float64
}

// ProgressEvent advances the iteration counter of the active iterated step.
type ProgressEvent struct {
	Position   int
	Iteration  int64
	OccurredAt float64
}

// FinishEvent finishes the active step.
type FinishEvent struct {
	Position   int
	OccurredAt float64
}

type Intake struct {
	cfg      Config
	reg      *registry.Registry
	hot      *hotstate.Client
	retainer Retainer
	limiter  Limiter
	clk      clock.Clock
}

func New(cfg Config, reg *registry.Registry, hot *hotstate.Client, retainer Retainer, limiter Limiter, clk clock.Clock) *Intake {
	return &Intake{
		cfg:      cfg,
		reg:      reg,
		hot:      hot,
		retainer: retainer,
		limiter:  limiter,
		clk:      clk,
	}
}

func (i *Intake) eventTime(occurredAt float64) float64 {
	return clock.Reconcile(i.clk.Now(), occurredAt)
}

// StepStart handles a StepStart event. Position 1 creates the trace; later
// positions advance it. The previous step must already be finished.
func (i *Intake) StepStart(ctx context.Context, owner, bar, traceUID string, ev StartEvent) error {
	now := i.eventTime(ev.OccurredAt)

	if ev.Position == 1 {
		return i.beginTrace(ctx, owner, bar, traceUID, ev, now)
	}
	if ev.Position < 1 {
		metricRejected.Inc()
		return errkind.Validationf("step_changed: position %d is not a step", ev.Position)
	}

	state, schema, err := i.traceSchema(ctx, owner, bar, traceUID)
	if err != nil {
		return err
	}

	err = i.hot.UpdateTrace(ctx, owner, bar, traceUID, now, func(view *hotstate.TraceView) (*hotstate.Mutation, error) {
		if view.Trace.Done {
			return nil, errkind.Validationf("trace_completed: trace %s already finished", traceUID)
		}
		if ev.Position <= view.Trace.CurrentStep {
			return nil, errkind.Validationf("backwards_progress: step %d already at or behind step %d", ev.Position, view.Trace.CurrentStep)
		}
		if ev.Position != view.Trace.CurrentStep+1 {
			return nil, errkind.Validationf("step_changed: expected step %d next, got %d", view.Trace.CurrentStep+1, ev.Position)
		}
		if view.Step.FinishedAt == 0 {
			return nil, errkind.Validationf("step_changed: step %d not finished", view.Trace.CurrentStep)
		}
		if now < view.Trace.LastUpdatedAt {
			return nil, errkind.Validationf("timestamps must be non-decreasing within a trace")
		}

		step, err := i.stepStateFor(schema, ev, now)
		if err != nil {
			return nil, err
		}

		mut := &hotstate.Mutation{}
		mut.SetCurrentStep(ev.Position)
		mut.SetStep(ev.Position, step)
		return mut, nil
	})
	if errors.Is(err, errkind.ErrSchemaDrift) {
		i.abortTrace(ctx, owner, bar, traceUID, state.CurrentStep, "drift")
		return err
	}
	if err != nil {
		return i.classify(err, traceUID)
	}
	metricEvents.WithLabelValues("start").Inc()
	return nil
}

func (i *Intake) beginTrace(ctx context.Context, owner, bar, traceUID string, ev StartEvent, now float64) error {
	schema, err := i.reg.Resolve(ctx, owner, bar)
	if err != nil {
		return err
	}
	if i.limiter != nil {
		if err := i.limiter.AllowTraceStart(ctx, owner); err != nil {
			return err
		}
	}

	step, err := i.stepStateFor(schema, ev, now)
	if err != nil {
		if errors.Is(err, errkind.ErrSchemaDrift) {
			i.driftRotate(ctx, owner, bar, ev)
		}
		return err
	}

	err = i.hot.CreateTrace(ctx, owner, bar, traceUID,
		&hotstate.TraceState{
			CreatedAt:     now,
			LastUpdatedAt: now,
			CurrentStep:   1,
			Version:       schema.Bar.Version,
		}, step)
	if errors.Is(err, hotstate.ErrUIDTaken) {
		// a retried first event is a no-op while the trace still sits in
		// an unfinished step 1
		state, ok, serr := i.hot.TraceState(ctx, owner, bar, traceUID)
		if serr == nil && ok && !state.Done && state.CurrentStep == 1 {
			if st, sok, _ := i.hot.StepState(ctx, owner, bar, traceUID, 1); sok && st.FinishedAt == 0 {
				return nil
			}
		}
		metricRejected.Inc()
		return errkind.Validationf("trace uid %s already used", traceUID)
	}
	if err != nil {
		return err
	}
	metricEvents.WithLabelValues("start").Inc()
	return nil
}

// driftRotate bumps the bar when the very first event of a fresh trace
// disagrees with the schema: the client is already on a new shape, so the
// bar rotates to a version seeded from the event. The failing trace itself
// is still aborted.
func (i *Intake) driftRotate(ctx context.Context, owner, bar string, ev StartEvent) {
	spec := model.DefaultStepSpec()
	spec.Position = 1
	spec.Name = ev.StepName
	spec.Iterated = ev.Iterations != nil

	if _, err := i.reg.BumpVersion(ctx, owner, bar, []model.StepSpec{spec}); err != nil {
		level.Warn(log.Logger).Log("msg", "failed rotating bar on drift",
			"owner", owner, "bar", bar, "err", err)
	}
	metricAborted.WithLabelValues("drift").Inc()
}

// stepStateFor validates the event against the schema's spec at its position
// and builds the step hash. A shape disagreement is schema drift.
func (i *Intake) stepStateFor(schema *model.BarSchema, ev StartEvent, now float64) (*hotstate.StepState, error) {
	spec := schema.StepAt(ev.Position)
	if spec == nil {
		return nil, errkind.Driftf("bar %s v%d has no step at position %d",
			schema.Bar.Name, schema.Bar.Version, ev.Position)
	}
	if spec.Name != ev.StepName {
		return nil, errkind.Driftf("step %d is %q, got %q", ev.Position, spec.Name, ev.StepName)
	}
	if spec.Iterated && (ev.Iterations == nil || *ev.Iterations <= 0) {
		return nil, errkind.Driftf("step %q is iterated but no iteration count was declared", ev.StepName)
	}
	if !spec.Iterated && ev.Iterations != nil {
		return nil, errkind.Driftf("step %q is one-off but an iteration count was declared", ev.StepName)
	}

	step := &hotstate.StepState{StepName: ev.StepName, StartedAt: now}
	if spec.Iterated {
		step.Iterations = *ev.Iterations
	}
	return step, nil
}

// StepProgress advances the iteration counter of the active iterated step.
func (i *Intake) StepProgress(ctx context.Context, owner, bar, traceUID string, ev ProgressEvent) error {
	now := i.eventTime(ev.OccurredAt)

	err := i.hot.UpdateTrace(ctx, owner, bar, traceUID, now, func(view *hotstate.TraceView) (*hotstate.Mutation, error) {
		if view.Trace.Done {
			return nil, errkind.Validationf("trace_completed: trace %s already finished", traceUID)
		}
		if ev.Position != view.Trace.CurrentStep {
			return nil, errkind.Validationf("step_changed: active step is %d, got %d", view.Trace.CurrentStep, ev.Position)
		}
		if !view.Step.Iterated() {
			return nil, errkind.Validationf("step %q is not iterated", view.Step.StepName)
		}
		if ev.Iteration <= view.Step.Iteration {
			return nil, errkind.Validationf("backwards_progress: iteration %d is not past %d", ev.Iteration, view.Step.Iteration)
		}
		if ev.Iteration > view.Step.Iterations {
			return nil, errkind.Validationf("iteration %d exceeds declared %d", ev.Iteration, view.Step.Iterations)
		}
		if now < view.Trace.LastUpdatedAt {
			return nil, errkind.Validationf("timestamps must be non-decreasing within a trace")
		}

		mut := &hotstate.Mutation{}
		mut.SetStepFields(ev.Position, map[string]interface{}{
			"iteration": hotstate.IntField(ev.Iteration),
		})
		return mut, nil
	})
	if err != nil {
		return i.classify(err, traceUID)
	}
	metricEvents.WithLabelValues("progress").Inc()
	return nil
}

// StepFinish finishes the active step. Finishing the final position completes
// the trace and submits it to the sampling policy.
func (i *Intake) StepFinish(ctx context.Context, owner, bar, traceUID string, ev FinishEvent) error {
	now := i.eventTime(ev.OccurredAt)

	_, schema, err := i.traceSchema(ctx, owner, bar, traceUID)
	if err != nil {
		return err
	}
	final := ev.Position == schema.FinalPosition()

	err = i.hot.UpdateTrace(ctx, owner, bar, traceUID, now, func(view *hotstate.TraceView) (*hotstate.Mutation, error) {
		if view.Trace.Done {
			return nil, errkind.Validationf("trace_completed: trace %s already finished", traceUID)
		}
		if ev.Position != view.Trace.CurrentStep {
			return nil, errkind.Validationf("step_changed: active step is %d, got %d", view.Trace.CurrentStep, ev.Position)
		}
		if view.Step.StartedAt == 0 {
			return nil, errkind.Validationf("missing_start_time: step %d was never started", ev.Position)
		}
		if now < view.Step.StartedAt || now < view.Trace.LastUpdatedAt {
			return nil, errkind.Validationf("timestamps must be non-decreasing within a trace")
		}

		fields := map[string]interface{}{"finished_at": hotstate.FloatField(now)}
		if view.Step.Iterated() {
			// finishing implies the last iteration completed
			fields["iteration"] = hotstate.IntField(view.Step.Iterations)
		}

		mut := &hotstate.Mutation{}
		mut.SetStepFields(ev.Position, fields)
		if final {
			mut.MarkDone()
		}
		return mut, nil
	})
	if err != nil {
		return i.classify(err, traceUID)
	}
	metricEvents.WithLabelValues("finish").Inc()
	if !final {
		return nil
	}
	metricCompleted.Inc()

	trace, err := i.snapshotTrace(ctx, owner, bar, traceUID, schema)
	if err != nil {
		return err
	}
	if i.retainer != nil {
		if _, err := i.retainer.OnTraceComplete(ctx, schema, trace); err != nil {
			return errors.Wrap(err, "submitting completed trace for retention")
		}
	}
	return nil
}

// traceSchema reads the trace's hot state and resolves the schema for the
// version the trace was created under, which may trail the bar's current
// version across a drift bump.
func (i *Intake) traceSchema(ctx context.Context, owner, bar, traceUID string) (*hotstate.TraceState, *model.BarSchema, error) {
	state, ok, err := i.hot.TraceState(ctx, owner, bar, traceUID)
	if err != nil {
		return nil, nil, err
	}
	if !ok {
		metricRejected.Inc()
		return nil, nil, errkind.Validationf("trace_not_found: no in-flight trace %s", traceUID)
	}
	schema, err := i.reg.ResolveVersion(ctx, owner, bar, state.Version)
	if err != nil {
		return nil, nil, err
	}
	return state, schema, nil
}

// snapshotTrace projects the hot state of a completed trace into the durable
// model for the sampling policy.
func (i *Intake) snapshotTrace(ctx context.Context, owner, bar, traceUID string, schema *model.BarSchema) (*model.Trace, error) {
	state, ok, err := i.hot.TraceState(ctx, owner, bar, traceUID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errkind.Internalf("completed trace %s has no hot state", traceUID)
	}

	trace := &model.Trace{
		UID:       traceUID,
		Version:   state.Version,
		CreatedAt: state.CreatedAt,
	}
	for pos := 1; pos <= schema.FinalPosition(); pos++ {
		st, ok, err := i.hot.StepState(ctx, owner, bar, traceUID, pos)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, errkind.Internalf("completed trace %s is missing step %d", traceUID, pos)
		}
		ts := model.TraceStep{
			Position:   pos,
			StartedAt:  st.StartedAt,
			FinishedAt: st.FinishedAt,
		}
		if st.Iterated() {
			n := st.Iterations
			ts.Iterations = &n
		}
		trace.Steps = append(trace.Steps, ts)
	}
	return trace, nil
}

func (i *Intake) abortTrace(ctx context.Context, owner, bar, traceUID string, lastStep int, reason string) {
	if err := i.hot.DeleteTrace(ctx, owner, bar, traceUID, lastStep); err != nil {
		level.Warn(log.Logger).Log("msg", "failed aborting trace",
			"trace", traceUID, "reason", reason, "err", err)
		return
	}
	metricAborted.WithLabelValues(reason).Inc()
	level.Info(log.Logger).Log("msg", "trace aborted", "trace", traceUID, "reason", reason)
}

func (i *Intake) classify(err error, traceUID string) error {
	if errors.Is(err, hotstate.ErrTraceNotFound) {
		metricRejected.Inc()
		return errkind.Validationf("trace_not_found: no in-flight trace %s", traceUID)
	}
	if errors.Is(err, errkind.ErrValidation) {
		metricRejected.Inc()
	}
	return err
}
