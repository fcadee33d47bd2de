package sampler

import (
	"context"
	"flag"
	"fmt"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ezpbars/ezpbars/pbardb"
	"github.com/ezpbars/ezpbars/pkg/clock"
	"github.com/ezpbars/ezpbars/pkg/hotstate"
	"github.com/ezpbars/ezpbars/pkg/model"
)

const testOwner = "user-abc"

type recordingFits struct {
	observed []string
	evicted  []string
}

func (r *recordingFits) Observe(_ context.Context, _ *model.BarSchema, trace *model.Trace) error {
	r.observed = append(r.observed, trace.UID)
	return nil
}

func (r *recordingFits) Evict(_ context.Context, _ *model.BarSchema, traces []model.Trace) error {
	for i := range traces {
		r.evicted = append(r.evicted, traces[i].UID)
	}
	return nil
}

type testEnv struct {
	db   *pbardb.DB
	clk  *clock.Virtual
	fits *recordingFits
	s    *Sampler
}

func newTestEnv(t *testing.T, hot *hotstate.Client, seed int64) *testEnv {
	t.Helper()
	clk := clock.NewVirtual(1_000_000)
	db, err := pbardb.Open(pbardb.Config{Path: ":memory:", BusyTimeoutMS: 100}, clk)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	fits := &recordingFits{}
	return &testEnv{db: db, clk: clk, fits: fits, s: New(Config{Seed: seed}, db, hot, fits, clk)}
}

func newHot(t *testing.T) *hotstate.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	var cfg hotstate.Config
	cfg.RegisterFlagsAndApplyDefaults("hot", flag.NewFlagSet("test", flag.PanicOnError))
	return hotstate.NewWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}), cfg)
}

func (env *testEnv) createBar(t *testing.T, maxCount int64, maxAge int64, technique model.SamplingTechnique) *model.BarSchema {
	t.Helper()
	s := model.DefaultStepSpec()
	s.Position = 1
	s.Name = "work"
	schema := &model.BarSchema{
		Bar: model.ProgressBar{
			Name:                  "export",
			SamplingMaxCount:      maxCount,
			SamplingMaxAgeSeconds: &maxAge,
			SamplingTechnique:     technique,
		},
		Default: model.DefaultStepSpec(),
		Steps:   []model.StepSpec{s},
	}
	require.NoError(t, env.db.CreateBar(context.Background(), testOwner, schema))
	return schema
}

func completedTrace(schema *model.BarSchema, uid string, createdAt float64) *model.Trace {
	return &model.Trace{
		UID:       uid,
		Version:   schema.Bar.Version,
		CreatedAt: createdAt,
		Steps: []model.TraceStep{{
			Position:  1,
			StartedAt: createdAt,
			// every trace takes one second so the fits stay comparable
			FinishedAt: createdAt + 1,
		}},
	}
}

func TestSystematicTimeline(t *testing.T) {
	env := newTestEnv(t, nil, 1)
	schema := env.createBar(t, 2, 10, model.SamplingSystematic)
	ctx := context.Background()

	// cap 2 over a 10s window gives one retained slot per 5s
	base := env.clk.Now()
	retained := []string{}
	for _, offset := range []float64{0, 3, 5, 8, 11} {
		env.clk.Set(base + offset)
		uid := fmt.Sprintf("tr-%v", offset)
		kept, err := env.s.OnTraceComplete(ctx, schema, completedTrace(schema, uid, base+offset))
		require.NoError(t, err)
		if kept {
			retained = append(retained, uid)
		}
	}
	assert.Equal(t, []string{"tr-0", "tr-5", "tr-11"}, retained)

	// the third retention blew the cap; the oldest was evicted again
	assert.Equal(t, []string{"tr-0"}, env.fits.evicted)
	count, err := env.db.RetainedCount(ctx, schema.Bar.ID, schema.Bar.Version)
	require.NoError(t, err)
	assert.EqualValues(t, 2, count)
}

func TestRetentionIdempotent(t *testing.T) {
	env := newTestEnv(t, nil, 1)
	schema := env.createBar(t, 10, 100, model.SamplingSystematic)
	ctx := context.Background()

	tr := completedTrace(schema, "tr-0", env.clk.Now())
	kept, err := env.s.OnTraceComplete(ctx, schema, tr)
	require.NoError(t, err)
	require.True(t, kept)

	// a redelivery of the same completion changes nothing
	kept, err = env.s.OnTraceComplete(ctx, schema, tr)
	require.NoError(t, err)
	require.True(t, kept)

	assert.Equal(t, []string{"tr-0"}, env.fits.observed)
	count, err := env.db.RetainedCount(ctx, schema.Bar.ID, schema.Bar.Version)
	require.NoError(t, err)
	assert.EqualValues(t, 1, count)
}

func TestSimpleRandomKeepsExpectedCount(t *testing.T) {
	env := newTestEnv(t, newHot(t), 1)
	schema := env.createBar(t, 10, 10_000, model.SamplingSimpleRandom)
	ctx := context.Background()

	total, kept := 200, 0
	for i := 0; i < total; i++ {
		tr := completedTrace(schema, fmt.Sprintf("tr-%d", i), env.clk.Now())
		ok, err := env.s.OnTraceComplete(ctx, schema, tr)
		require.NoError(t, err)
		if ok {
			kept++
		}
		env.clk.Advance(1)
	}

	// the first 10 are certain (p=1); after that p = 10/n, so the policy
	// thins hard while staying well short of keeping everything
	assert.GreaterOrEqual(t, kept, 10)
	assert.Less(t, kept, total/2)

	// every retained trace reaches the durable set and the fits; there is
	// no count cap under this policy
	count, err := env.db.RetainedCount(ctx, schema.Bar.ID, schema.Bar.Version)
	require.NoError(t, err)
	assert.EqualValues(t, kept, count)
	assert.Len(t, env.fits.observed, kept)
	assert.Empty(t, env.fits.evicted)
}

func TestSystematicRetentionWritesWindow(t *testing.T) {
	mr := miniredis.RunT(t)
	var cfg hotstate.Config
	cfg.RegisterFlagsAndApplyDefaults("hot", flag.NewFlagSet("window", flag.PanicOnError))
	hot := hotstate.NewWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}), cfg)
	t.Cleanup(func() { _ = hot.Close() })

	env := newTestEnv(t, hot, 1)
	schema := env.createBar(t, 2, 10, model.SamplingSystematic)
	ctx := context.Background()

	kept, err := env.s.OnTraceComplete(ctx, schema, completedTrace(schema, "tr-0", env.clk.Now()))
	require.NoError(t, err)
	require.True(t, kept)

	members, err := mr.ZMembers(hotstate.TraceCountKey(testOwner, schema.Bar.Name, schema.Bar.Version))
	require.NoError(t, err)
	assert.Equal(t, []string{"tr-0"}, members)
}

func TestSimpleRandomWindowTrims(t *testing.T) {
	env := newTestEnv(t, newHot(t), 1)
	schema := env.createBar(t, 3, 10, model.SamplingSimpleRandom)
	ctx := context.Background()

	base := env.clk.Now()
	for i := 0; i < 3; i++ {
		tr := completedTrace(schema, fmt.Sprintf("old-%d", i), env.clk.Now())
		_, err := env.s.OnTraceComplete(ctx, schema, tr)
		require.NoError(t, err)
		env.clk.Advance(1)
	}

	// far past the window the old completions no longer count, so the
	// first new completion is certain again
	env.clk.Set(base + 1000)
	kept, err := env.s.OnTraceComplete(ctx, schema, completedTrace(schema, "new-0", env.clk.Now()))
	require.NoError(t, err)
	assert.True(t, kept)
}
