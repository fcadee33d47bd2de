package intake

import (
	"context"
	"flag"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ezpbars/ezpbars/modules/registry"
	"github.com/ezpbars/ezpbars/pbardb"
	"github.com/ezpbars/ezpbars/pkg/clock"
	"github.com/ezpbars/ezpbars/pkg/errkind"
	"github.com/ezpbars/ezpbars/pkg/hotstate"
	"github.com/ezpbars/ezpbars/pkg/model"
)

const (
	testOwner = "user-abc"
	testBar   = "export"
	testUID   = "ep_pbt_test"
)

type recordingRetainer struct {
	traces []*model.Trace
}

func (r *recordingRetainer) OnTraceComplete(_ context.Context, _ *model.BarSchema, trace *model.Trace) (bool, error) {
	r.traces = append(r.traces, trace)
	return true, nil
}

type denyingLimiter struct{}

func (denyingLimiter) AllowTraceStart(context.Context, string) error {
	return errkind.ErrRateLimited
}

type testEnv struct {
	reg      *registry.Registry
	hot      *hotstate.Client
	retainer *recordingRetainer
	clk      *clock.Virtual
	intake   *Intake
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	clk := clock.NewVirtual(1_000_000)
	db, err := pbardb.Open(pbardb.Config{Path: ":memory:", BusyTimeoutMS: 100}, clk)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	reg := registry.New(db)

	mr := miniredis.RunT(t)
	var hotCfg hotstate.Config
	hotCfg.RegisterFlagsAndApplyDefaults("hot", flag.NewFlagSet("test", flag.PanicOnError))
	hot := hotstate.NewWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}), hotCfg)
	t.Cleanup(func() { _ = hot.Close() })

	var cfg Config
	cfg.RegisterFlagsAndApplyDefaults("intake", flag.NewFlagSet("test", flag.PanicOnError))

	retainer := &recordingRetainer{}
	return &testEnv{
		reg:      reg,
		hot:      hot,
		retainer: retainer,
		clk:      clk,
		intake:   New(cfg, reg, hot, retainer, nil, clk),
	}
}

// createBar installs a bar with a one-off "download" step and an iterated
// "process" step.
func (env *testEnv) createBar(t *testing.T) *model.BarSchema {
	t.Helper()
	download := model.DefaultStepSpec()
	download.Position = 1
	download.Name = "download"
	process := model.DefaultStepSpec()
	process.Position = 2
	process.Name = "process"
	process.Iterated = true

	schema := &model.BarSchema{
		Bar: model.ProgressBar{
			Name:              testBar,
			SamplingMaxCount:  100,
			SamplingTechnique: model.SamplingSystematic,
		},
		Default: model.DefaultStepSpec(),
		Steps:   []model.StepSpec{download, process},
	}
	require.NoError(t, env.reg.CreateBar(context.Background(), testOwner, schema))
	return schema
}

func iters(n int64) *int64 { return &n }

func TestTraceLifecycle(t *testing.T) {
	env := newTestEnv(t)
	env.createBar(t)
	ctx := context.Background()
	in := env.intake

	require.NoError(t, in.StepStart(ctx, testOwner, testBar, testUID, StartEvent{Position: 1, StepName: "download"}))
	env.clk.Advance(2)
	require.NoError(t, in.StepFinish(ctx, testOwner, testBar, testUID, FinishEvent{Position: 1}))
	env.clk.Advance(1)
	require.NoError(t, in.StepStart(ctx, testOwner, testBar, testUID, StartEvent{Position: 2, StepName: "process", Iterations: iters(5)}))
	env.clk.Advance(1)
	require.NoError(t, in.StepProgress(ctx, testOwner, testBar, testUID, ProgressEvent{Position: 2, Iteration: 3}))
	env.clk.Advance(1)
	require.NoError(t, in.StepFinish(ctx, testOwner, testBar, testUID, FinishEvent{Position: 2}))

	state, ok, err := env.hot.TraceState(ctx, testOwner, testBar, testUID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, state.Done)

	require.Len(t, env.retainer.traces, 1)
	trace := env.retainer.traces[0]
	assert.Equal(t, testUID, trace.UID)
	require.Len(t, trace.Steps, 2)
	assert.InDelta(t, 2, trace.Steps[0].Duration(), 1e-9)
	require.NotNil(t, trace.Steps[1].Iterations)
	assert.EqualValues(t, 5, *trace.Steps[1].Iterations)
	assert.Nil(t, trace.Steps[0].Iterations)

	// completion is terminal
	err = in.StepFinish(ctx, testOwner, testBar, testUID, FinishEvent{Position: 2})
	require.ErrorIs(t, err, errkind.ErrValidation)
	assert.Contains(t, err.Error(), "trace_completed")
}

func TestStartValidation(t *testing.T) {
	env := newTestEnv(t)
	env.createBar(t)
	ctx := context.Background()
	in := env.intake

	// events against a trace that was never begun
	err := in.StepStart(ctx, testOwner, testBar, "ep_pbt_nope", StartEvent{Position: 2, StepName: "process", Iterations: iters(1)})
	require.ErrorIs(t, err, errkind.ErrValidation)
	assert.Contains(t, err.Error(), "trace_not_found")

	require.NoError(t, in.StepStart(ctx, testOwner, testBar, testUID, StartEvent{Position: 1, StepName: "download"}))

	// cannot skip ahead while the active step is open
	err = in.StepStart(ctx, testOwner, testBar, testUID, StartEvent{Position: 2, StepName: "process", Iterations: iters(1)})
	require.ErrorIs(t, err, errkind.ErrValidation)
	assert.Contains(t, err.Error(), "not finished")

	// cannot restart an earlier position
	require.NoError(t, in.StepFinish(ctx, testOwner, testBar, testUID, FinishEvent{Position: 1}))
	err = in.StepStart(ctx, testOwner, testBar, testUID, StartEvent{Position: 1, StepName: "download"})
	require.ErrorIs(t, err, errkind.ErrValidation)

	// no such bar
	err = in.StepStart(ctx, testOwner, "mystery", testUID, StartEvent{Position: 1, StepName: "download"})
	require.ErrorIs(t, err, errkind.ErrNoSuchBar)
}

func TestProgressValidation(t *testing.T) {
	env := newTestEnv(t)
	env.createBar(t)
	ctx := context.Background()
	in := env.intake

	require.NoError(t, in.StepStart(ctx, testOwner, testBar, testUID, StartEvent{Position: 1, StepName: "download"}))

	// download is one-off
	err := in.StepProgress(ctx, testOwner, testBar, testUID, ProgressEvent{Position: 1, Iteration: 1})
	require.ErrorIs(t, err, errkind.ErrValidation)

	require.NoError(t, in.StepFinish(ctx, testOwner, testBar, testUID, FinishEvent{Position: 1}))
	require.NoError(t, in.StepStart(ctx, testOwner, testBar, testUID, StartEvent{Position: 2, StepName: "process", Iterations: iters(3)}))
	require.NoError(t, in.StepProgress(ctx, testOwner, testBar, testUID, ProgressEvent{Position: 2, Iteration: 2}))

	// iteration must strictly increase
	err = in.StepProgress(ctx, testOwner, testBar, testUID, ProgressEvent{Position: 2, Iteration: 2})
	require.ErrorIs(t, err, errkind.ErrValidation)
	assert.Contains(t, err.Error(), "backwards_progress")

	// and stay within the declared count
	err = in.StepProgress(ctx, testOwner, testBar, testUID, ProgressEvent{Position: 2, Iteration: 4})
	require.ErrorIs(t, err, errkind.ErrValidation)
}

func TestClientTimestampsReconciled(t *testing.T) {
	env := newTestEnv(t)
	env.createBar(t)
	ctx := context.Background()
	in := env.intake

	// a client clock within the skew bound is trusted
	start := env.clk.Now() - 100
	require.NoError(t, in.StepStart(ctx, testOwner, testBar, testUID, StartEvent{Position: 1, StepName: "download", OccurredAt: start}))

	st, ok, err := env.hot.StepState(ctx, testOwner, testBar, testUID, 1)
	require.NoError(t, err)
	require.True(t, ok)
	assert.InDelta(t, start, st.StartedAt, 1e-9)

	// a finish claimed before the start is rejected
	err = in.StepFinish(ctx, testOwner, testBar, testUID, FinishEvent{Position: 1, OccurredAt: start - 50})
	require.ErrorIs(t, err, errkind.ErrValidation)
}

func TestMidTraceDriftAborts(t *testing.T) {
	env := newTestEnv(t)
	before := env.createBar(t)
	ctx := context.Background()
	in := env.intake

	require.NoError(t, in.StepStart(ctx, testOwner, testBar, testUID, StartEvent{Position: 1, StepName: "download"}))
	require.NoError(t, in.StepFinish(ctx, testOwner, testBar, testUID, FinishEvent{Position: 1}))

	// the client sends a step the schema does not know at position 2
	err := in.StepStart(ctx, testOwner, testBar, testUID, StartEvent{Position: 2, StepName: "compress"})
	require.ErrorIs(t, err, errkind.ErrSchemaDrift)

	// the trace is gone, nothing was retained, the bar did not rotate
	_, ok, err := env.hot.TraceState(ctx, testOwner, testBar, testUID)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, env.retainer.traces)

	after, err := env.reg.Resolve(ctx, testOwner, testBar)
	require.NoError(t, err)
	assert.Equal(t, before.Bar.Version, after.Bar.Version)
}

func TestFirstEventDriftRotatesBar(t *testing.T) {
	env := newTestEnv(t)
	before := env.createBar(t)
	ctx := context.Background()
	in := env.intake

	// a fresh trace declaring a different first step is a new shape
	err := in.StepStart(ctx, testOwner, testBar, testUID, StartEvent{Position: 1, StepName: "fetch"})
	require.ErrorIs(t, err, errkind.ErrSchemaDrift)

	after, err := env.reg.Resolve(ctx, testOwner, testBar)
	require.NoError(t, err)
	assert.Equal(t, before.Bar.Version+1, after.Bar.Version)
	require.Equal(t, 1, after.FinalPosition())
	assert.Equal(t, "fetch", after.Steps[0].Name)

	// the next run proceeds under the rotated schema
	require.NoError(t, in.StepStart(ctx, testOwner, testBar, "ep_pbt_next", StartEvent{Position: 1, StepName: "fetch"}))
	require.NoError(t, in.StepFinish(ctx, testOwner, testBar, "ep_pbt_next", FinishEvent{Position: 1}))
	require.Len(t, env.retainer.traces, 1)
	assert.Equal(t, after.Bar.Version, env.retainer.traces[0].Version)
}

func TestFirstStartRetryIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	env.createBar(t)
	ctx := context.Background()
	in := env.intake

	ev := StartEvent{Position: 1, StepName: "download"}
	require.NoError(t, in.StepStart(ctx, testOwner, testBar, testUID, ev))
	require.NoError(t, in.StepStart(ctx, testOwner, testBar, testUID, ev))

	// once the trace moved on, reusing the uid is an error
	require.NoError(t, in.StepFinish(ctx, testOwner, testBar, testUID, FinishEvent{Position: 1}))
	require.NoError(t, in.StepStart(ctx, testOwner, testBar, testUID, StartEvent{Position: 2, StepName: "process", Iterations: iters(1)}))
	err := in.StepStart(ctx, testOwner, testBar, testUID, ev)
	require.ErrorIs(t, err, errkind.ErrValidation)
}

func TestRateLimitedTraceStart(t *testing.T) {
	env := newTestEnv(t)
	env.createBar(t)
	in := New(env.intake.cfg, env.reg, env.hot, env.retainer, denyingLimiter{}, env.clk)

	err := in.StepStart(context.Background(), testOwner, testBar, testUID, StartEvent{Position: 1, StepName: "download"})
	require.ErrorIs(t, err, errkind.ErrRateLimited)
}

func TestIdleSweepAborts(t *testing.T) {
	env := newTestEnv(t)
	env.createBar(t)
	ctx := context.Background()
	in := env.intake

	require.NoError(t, in.StepStart(ctx, testOwner, testBar, testUID, StartEvent{Position: 1, StepName: "download"}))

	env.clk.Advance((time.Hour + time.Minute).Seconds())
	in.SweepIdle(ctx)

	_, ok, err := env.hot.TraceState(ctx, testOwner, testBar, testUID)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, env.retainer.traces)
}

func TestPerBarIdleTimeout(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	in := env.intake

	long := int64(7200)
	download := model.DefaultStepSpec()
	download.Position = 1
	download.Name = "download"
	schema := &model.BarSchema{
		Bar: model.ProgressBar{
			Name:               "patient",
			SamplingMaxCount:   100,
			SamplingTechnique:  model.SamplingSystematic,
			IdleTimeoutSeconds: &long,
		},
		Default: model.DefaultStepSpec(),
		Steps:   []model.StepSpec{download},
	}
	require.NoError(t, env.reg.CreateBar(ctx, testOwner, schema))

	require.NoError(t, in.StepStart(ctx, testOwner, "patient", testUID, StartEvent{Position: 1, StepName: "download"}))

	// past the service-wide bound but inside the bar's own
	env.clk.Advance((90 * time.Minute).Seconds())
	in.SweepIdle(ctx)
	_, ok, err := env.hot.TraceState(ctx, testOwner, "patient", testUID)
	require.NoError(t, err)
	assert.True(t, ok)

	env.clk.Advance((60 * time.Minute).Seconds())
	in.SweepIdle(ctx)
	_, ok, err = env.hot.TraceState(ctx, testOwner, "patient", testUID)
	require.NoError(t, err)
	assert.False(t, ok)
}
