package hotstate

import (
	"context"
	"flag"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ezpbars/ezpbars/pkg/errkind"
)

const (
	testOwner = "user-abc"
	testBar   = "export"
	testUID   = "ep_pbt_test"
)

func newTestClient(t *testing.T) (*Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rc := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	cfg := Config{}
	cfg.RegisterFlagsAndApplyDefaults("hotstate", flag.NewFlagSet("test", flag.PanicOnError))
	c := NewWithClient(rc, cfg)
	t.Cleanup(func() { _ = c.Close() })
	return c, mr
}

func createTestTrace(t *testing.T, c *Client) {
	t.Helper()
	err := c.CreateTrace(context.Background(), testOwner, testBar, testUID,
		&TraceState{CreatedAt: 1000, LastUpdatedAt: 1000, CurrentStep: 1},
		&StepState{StepName: "download", Iterations: 0, StartedAt: 1000})
	require.NoError(t, err)
}

func TestCreateTraceRoundTrip(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	createTestTrace(t, c)

	tr, ok, err := c.TraceState(ctx, testOwner, testBar, testUID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1, tr.CurrentStep)
	assert.False(t, tr.Done)
	assert.InDelta(t, 1000, tr.CreatedAt, 1e-9)

	st, ok, err := c.StepState(ctx, testOwner, testBar, testUID, 1)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "download", st.StepName)
	assert.False(t, st.Iterated())

	err = c.CreateTrace(ctx, testOwner, testBar, testUID,
		&TraceState{CreatedAt: 1000, LastUpdatedAt: 1000, CurrentStep: 1},
		&StepState{StepName: "download", StartedAt: 1000})
	require.ErrorIs(t, err, ErrUIDTaken)
}

func TestUpdateTraceAppliesMutation(t *testing.T) {
	c, mr := newTestClient(t)
	ctx := context.Background()

	createTestTrace(t, c)

	err := c.UpdateTrace(ctx, testOwner, testBar, testUID, 1010, func(view *TraceView) (*Mutation, error) {
		require.Equal(t, 1, view.Trace.CurrentStep)
		require.Equal(t, "download", view.Step.StepName)
		return &Mutation{
			Trace: map[string]interface{}{"current_step": "2"},
			Steps: map[int]map[string]interface{}{
				1: {"finished_at": "1010"},
				2: {"step_name": "process", "iteration": "0", "iterations": "0", "started_at": "1010"},
			},
		}, nil
	})
	require.NoError(t, err)

	tr, ok, err := c.TraceState(ctx, testOwner, testBar, testUID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 2, tr.CurrentStep)
	assert.InDelta(t, 1010, tr.LastUpdatedAt, 1e-9)

	st, ok, err := c.StepState(ctx, testOwner, testBar, testUID, 1)
	require.NoError(t, err)
	require.True(t, ok)
	assert.InDelta(t, 1010, st.FinishedAt, 1e-9)

	// hot TTL refreshed on the touched keys
	assert.Greater(t, mr.TTL(TraceKey(testOwner, testBar, testUID)), time.Hour)
}

func TestUpdateTraceDoneAppliesGraceTTL(t *testing.T) {
	c, mr := newTestClient(t)
	ctx := context.Background()

	createTestTrace(t, c)

	err := c.UpdateTrace(ctx, testOwner, testBar, testUID, 1020, func(view *TraceView) (*Mutation, error) {
		return &Mutation{
			Trace: map[string]interface{}{"done": "1"},
			Steps: map[int]map[string]interface{}{1: {"finished_at": "1020"}},
			Done:  true,
		}, nil
	})
	require.NoError(t, err)

	ttl := mr.TTL(TraceKey(testOwner, testBar, testUID))
	assert.LessOrEqual(t, ttl, 5*time.Minute)
	assert.Greater(t, ttl, time.Duration(0))
}

func TestUpdateTraceErrors(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	err := c.UpdateTrace(ctx, testOwner, testBar, "missing", 1000, func(view *TraceView) (*Mutation, error) {
		t.Fatal("callback should not run for a missing trace")
		return nil, nil
	})
	require.ErrorIs(t, err, ErrTraceNotFound)

	createTestTrace(t, c)
	want := errkind.Validationf("backwards_progress")
	err = c.UpdateTrace(ctx, testOwner, testBar, testUID, 1000, func(view *TraceView) (*Mutation, error) {
		return nil, want
	})
	require.ErrorIs(t, err, errkind.ErrValidation)
}

func TestUpdateTracePublishes(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	createTestTrace(t, c)

	sub := c.Subscribe(ctx, TraceChannel(testOwner, testBar, testUID))
	defer sub.Close()
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	err = c.UpdateTrace(ctx, testOwner, testBar, testUID, 1010, func(view *TraceView) (*Mutation, error) {
		return &Mutation{}, nil
	})
	require.NoError(t, err)

	select {
	case msg := <-sub.Channel():
		assert.Equal(t, TraceChannel(testOwner, testBar, testUID), msg.Channel)
	case <-time.After(time.Second):
		t.Fatal("no pub/sub notification within 1s")
	}
}

func TestDeleteTracePublishesAbort(t *testing.T) {
	c, mr := newTestClient(t)
	ctx := context.Background()

	createTestTrace(t, c)

	sub := c.Subscribe(ctx, TraceChannel(testOwner, testBar, testUID))
	defer sub.Close()
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	require.NoError(t, c.DeleteTrace(ctx, testOwner, testBar, testUID, 1))

	_, ok, err := c.TraceState(ctx, testOwner, testBar, testUID)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.False(t, mr.Exists(StepKey(testOwner, testBar, testUID, 1)))

	select {
	case msg := <-sub.Channel():
		assert.Equal(t, "aborted", msg.Payload)
	case <-time.After(time.Second):
		t.Fatal("no abort notification within 1s")
	}
}

func TestIdleTraces(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	createTestTrace(t, c)
	err := c.CreateTrace(ctx, testOwner, testBar, "ep_pbt_fresh",
		&TraceState{CreatedAt: 5000, LastUpdatedAt: 5000, CurrentStep: 1},
		&StepState{StepName: "download", StartedAt: 5000})
	require.NoError(t, err)
	err = c.CreateTrace(ctx, testOwner, testBar, "ep_pbt_done",
		&TraceState{CreatedAt: 900, LastUpdatedAt: 900, CurrentStep: 1, Done: true},
		&StepState{StepName: "download", StartedAt: 900, FinishedAt: 901})
	require.NoError(t, err)

	// only the stale in-flight trace qualifies; the done one rides out its
	// grace TTL and the fresh one is still live
	refs, err := c.IdleTraces(ctx, 2000)
	require.NoError(t, err)
	require.Len(t, refs, 1)
	assert.Equal(t, testUID, refs[0].TraceUID)
	assert.Equal(t, testOwner, refs[0].Owner)
	assert.Equal(t, testBar, refs[0].Bar)
	assert.Equal(t, 1, refs[0].State.CurrentStep)
}

func TestTraceCountWindow(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	n, err := c.TraceCountAdd(ctx, testOwner, testBar, 0, "tr-a", 1000, 10, 1000)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = c.TraceCountAdd(ctx, testOwner, testBar, 0, "tr-b", 1005, 10, 1005)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	// tr-a (score 1000) falls outside the window at now=1011
	n, err = c.TraceCountAdd(ctx, testOwner, testBar, 0, "tr-c", 1011, 10, 1011)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	require.NoError(t, c.TraceCountRemove(ctx, testOwner, testBar, 0, "tr-b"))
	n, err = c.TraceCountAdd(ctx, testOwner, testBar, 0, "tr-d", 1012, 10, 1012)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestMonthlyCount(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	n, err := c.MonthlyCount(ctx, 2023, 4, testOwner)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	for i := int64(1); i <= 3; i++ {
		n, err = c.IncrMonthlyCount(ctx, 2023, 4, testOwner)
		require.NoError(t, err)
		assert.Equal(t, i, n)
	}

	n, err = c.MonthlyCount(ctx, 2023, 4, testOwner)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
}

func TestStatsCells(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	_, _, ok, err := c.StepCell(ctx, testOwner, testBar, 0, 1, "arithmetic_mean")
	require.NoError(t, err)
	assert.False(t, ok)

	intercept := 1.0
	require.NoError(t, c.SetStepCell(ctx, testOwner, testBar, 0, 2, "best_fit.linear", 2.5, &intercept))
	a, b, ok, err := c.StepCell(ctx, testOwner, testBar, 0, 2, "best_fit.linear")
	require.NoError(t, err)
	require.True(t, ok)
	assert.InDelta(t, 2.5, a, 1e-9)
	require.NotNil(t, b)
	assert.InDelta(t, 1.0, *b, 1e-9)

	require.NoError(t, c.SetWholeCell(ctx, testOwner, testBar, 0, "percentile_75", 17))
	v, ok, err := c.WholeCell(ctx, testOwner, testBar, 0, "percentile_75")
	require.NoError(t, err)
	require.True(t, ok)
	assert.InDelta(t, 17, v, 1e-9)
}
