// Package hotstate adapts the redis hot store: per-trace hashes for
// in-flight state, sorted sets for rolling trace counts, monthly usage
// counters, whole-trace and per-step stats cells, and the pub/sub channel
// fanned out by the subscription fabric.
//
// Writers to a trace are linearized with an optimistic WATCH transaction on
// the trace key; a losing writer retries with a refreshed view up to a small
// bounded budget and then surfaces Conflict.
package hotstate

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/grafana/dskit/backoff"
	"github.com/pkg/errors"

	"github.com/ezpbars/ezpbars/pkg/errkind"
)

var (
	// ErrTraceNotFound is returned when no in-flight trace exists under the
	// given uid.
	ErrTraceNotFound = errors.New("trace not found")

	// ErrUIDTaken is returned when creating a trace whose uid already has
	// hot state.
	ErrUIDTaken = errors.New("trace uid already taken")
)

type Client struct {
	redis *redis.Client
	cfg   Config
}

// New connects to redis.
func New(cfg Config) (*Client, error) {
	rc := redis.NewClient(&redis.Options{
		Addr:         cfg.Endpoint,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.Timeout,
		ReadTimeout:  cfg.Timeout,
		WriteTimeout: cfg.Timeout,
	})
	if err := rc.Ping(context.Background()).Err(); err != nil {
		return nil, errors.Wrap(err, "pinging redis")
	}
	return &Client{redis: rc, cfg: cfg}, nil
}

// NewWithClient wraps an existing redis client. Used by tests to point the
// adapter at miniredis.
func NewWithClient(rc *redis.Client, cfg Config) *Client {
	return &Client{redis: rc, cfg: cfg}
}

func (c *Client) Close() error {
	return c.redis.Close()
}

// TraceView is the snapshot handed to an UpdateTrace callback: the trace
// state and the state of its current step.
type TraceView struct {
	Trace TraceState
	Step  StepState
}

// Mutation is the write plan an UpdateTrace callback returns. All fields are
// applied atomically in the winning transaction; last_updated_at is always
// refreshed by the adapter.
type Mutation struct {
	// Trace fields to set on the trace hash.
	Trace map[string]interface{}
	// Steps maps step position to fields to set on that step's hash.
	Steps map[int]map[string]interface{}
	// Done switches the touched keys from the hot TTL to the short
	// post-completion grace TTL.
	Done bool
}

// SetCurrentStep moves the trace pointer to the given position.
func (m *Mutation) SetCurrentStep(position int) {
	if m.Trace == nil {
		m.Trace = map[string]interface{}{}
	}
	m.Trace["current_step"] = strconv.Itoa(position)
}

// MarkDone flags the trace completed and switches it to the grace TTL.
func (m *Mutation) MarkDone() {
	if m.Trace == nil {
		m.Trace = map[string]interface{}{}
	}
	m.Trace["done"] = "1"
	m.Done = true
}

// SetStep writes a whole step hash at the given position.
func (m *Mutation) SetStep(position int, s *StepState) {
	if m.Steps == nil {
		m.Steps = map[int]map[string]interface{}{}
	}
	m.Steps[position] = s.fields()
}

// SetStepFields writes individual fields of a step hash.
func (m *Mutation) SetStepFields(position int, fields map[string]interface{}) {
	if m.Steps == nil {
		m.Steps = map[int]map[string]interface{}{}
	}
	if m.Steps[position] == nil {
		m.Steps[position] = map[string]interface{}{}
	}
	for k, v := range fields {
		m.Steps[position][k] = v
	}
}

// FloatField renders a float the way the hash codec expects.
func FloatField(f float64) string {
	return formatFloat(f)
}

// IntField renders an integer the way the hash codec expects.
func IntField(n int64) string {
	return strconv.FormatInt(n, 10)
}

// CreateTrace installs the trace hash and its first step atomically,
// failing with ErrUIDTaken when hot state already exists for the uid.
// Publishes one notification.
func (c *Client) CreateTrace(ctx context.Context, owner, bar, traceUID string, trace *TraceState, step *StepState) error {
	traceKey := TraceKey(owner, bar, traceUID)
	stepKey := StepKey(owner, bar, traceUID, trace.CurrentStep)

	err := c.retrying(ctx, func() error {
		return c.redis.Watch(ctx, func(tx *redis.Tx) error {
			exists, err := tx.Exists(ctx, traceKey).Result()
			if err != nil {
				return err
			}
			if exists != 0 {
				return ErrUIDTaken
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.HSet(ctx, traceKey, trace.fields())
				pipe.HSet(ctx, stepKey, step.fields())
				pipe.Expire(ctx, traceKey, c.cfg.HotTTL)
				pipe.Expire(ctx, stepKey, c.cfg.HotTTL)
				return nil
			})
			return err
		}, traceKey)
	})
	if err != nil {
		return err
	}
	return c.publish(ctx, owner, bar, traceUID, "created")
}

// UpdateTrace runs fn against a consistent snapshot of the trace and applies
// the returned mutation atomically. On contention the whole read-decide-write
// cycle is retried with a fresh snapshot; after the retry budget it returns
// errkind.ErrConflict. Publishes exactly one notification per applied
// mutation.
func (c *Client) UpdateTrace(ctx context.Context, owner, bar, traceUID string, now float64, fn func(view *TraceView) (*Mutation, error)) error {
	traceKey := TraceKey(owner, bar, traceUID)

	err := c.retrying(ctx, func() error {
		return c.redis.Watch(ctx, func(tx *redis.Tx) error {
			th, err := tx.HGetAll(ctx, traceKey).Result()
			if err != nil {
				return err
			}
			if len(th) == 0 {
				return ErrTraceNotFound
			}
			view := &TraceView{Trace: *traceStateFromHash(th)}

			stepKey := StepKey(owner, bar, traceUID, view.Trace.CurrentStep)
			sh, err := tx.HGetAll(ctx, stepKey).Result()
			if err != nil {
				return err
			}
			if len(sh) == 0 {
				return errkind.Internalf("trace %s exists but its current step %d does not", traceUID, view.Trace.CurrentStep)
			}
			view.Step = *stepStateFromHash(sh)

			mut, err := fn(view)
			if err != nil {
				return err
			}

			ttl := c.cfg.HotTTL
			if mut.Done {
				ttl = c.cfg.DoneTTL
			}

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				traceFields := map[string]interface{}{"last_updated_at": formatFloat(now)}
				for k, v := range mut.Trace {
					traceFields[k] = v
				}
				pipe.HSet(ctx, traceKey, traceFields)

				touched := map[int]bool{}
				for pos, fields := range mut.Steps {
					pipe.HSet(ctx, StepKey(owner, bar, traceUID, pos), fields)
					touched[pos] = true
				}

				pipe.Expire(ctx, traceKey, ttl)
				for pos := 1; pos <= view.Trace.CurrentStep; pos++ {
					touched[pos] = true
				}
				for pos := range touched {
					pipe.Expire(ctx, StepKey(owner, bar, traceUID, pos), ttl)
				}
				return nil
			})
			return err
		}, traceKey)
	})
	if err != nil {
		return err
	}
	return c.publish(ctx, owner, bar, traceUID, "updated trace")
}

// DeleteTrace removes a trace and its step hashes from the hot store and
// publishes an abort notification. Used for drift aborts and idle expiry.
func (c *Client) DeleteTrace(ctx context.Context, owner, bar, traceUID string, lastStep int) error {
	keys := []string{TraceKey(owner, bar, traceUID)}
	for pos := 1; pos <= lastStep; pos++ {
		keys = append(keys, StepKey(owner, bar, traceUID, pos))
	}
	if err := c.redis.Del(ctx, keys...).Err(); err != nil {
		return errors.Wrap(err, "deleting trace keys")
	}
	return c.publish(ctx, owner, bar, traceUID, "aborted")
}

// TraceRef locates one in-flight trace in the hot store.
type TraceRef struct {
	Owner    string
	Bar      string
	TraceUID string
	State    TraceState
}

// IdleTraces scans the hot store for in-flight traces whose last update is
// older than the bound. Completed traces are left for their grace TTL.
func (c *Client) IdleTraces(ctx context.Context, olderThan float64) ([]TraceRef, error) {
	var out []TraceRef
	iter := c.redis.Scan(ctx, 0, "trace:*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		if strings.Contains(key, ":step:") {
			continue
		}
		owner, bar, uid, ok := splitTraceKey(key)
		if !ok {
			continue
		}
		h, err := c.redis.HGetAll(ctx, key).Result()
		if err != nil {
			return nil, errors.Wrap(err, "reading trace hash")
		}
		if len(h) == 0 {
			continue
		}
		st := traceStateFromHash(h)
		if st.Done || st.LastUpdatedAt >= olderThan {
			continue
		}
		out = append(out, TraceRef{Owner: owner, Bar: bar, TraceUID: uid, State: *st})
	}
	if err := iter.Err(); err != nil {
		return nil, errors.Wrap(err, "scanning trace keys")
	}
	return out, nil
}

func splitTraceKey(key string) (owner, bar, uid string, ok bool) {
	rest := strings.TrimPrefix(key, "trace:")
	parts := strings.SplitN(rest, ":", 3)
	if len(parts) != 3 {
		return "", "", "", false
	}
	return parts[0], parts[1], parts[2], true
}

// retrying retries CAS losses and transient redis failures with capped
// backoff. Application errors pass through untouched.
func (c *Client) retrying(ctx context.Context, attempt func() error) error {
	boff := backoff.New(ctx, backoff.Config{
		MinBackoff: 10 * time.Millisecond,
		MaxBackoff: 250 * time.Millisecond,
		MaxRetries: c.cfg.MaxConflictRetries,
	})

	var err error
	for boff.Ongoing() {
		err = attempt()
		switch {
		case err == nil:
			return nil
		case errors.Is(err, redis.TxFailedErr):
			// lost the compare-and-set, take a fresh view
		case isApplicationErr(err):
			return err
		default:
			// transient store failure
		}
		boff.Wait()
	}

	if err == nil {
		return boff.Err()
	}
	if errors.Is(err, redis.TxFailedErr) {
		return errkind.ErrConflict
	}
	return errors.Wrap(errkind.ErrStoreUnavailable, err.Error())
}

func isApplicationErr(err error) bool {
	return errors.Is(err, ErrTraceNotFound) ||
		errors.Is(err, ErrUIDTaken) ||
		errors.Is(err, errkind.ErrValidation) ||
		errors.Is(err, errkind.ErrSchemaDrift) ||
		errors.Is(err, errkind.ErrInternal)
}

// TraceState reads the trace hash, reporting ok=false when absent.
func (c *Client) TraceState(ctx context.Context, owner, bar, traceUID string) (*TraceState, bool, error) {
	h, err := c.redis.HGetAll(ctx, TraceKey(owner, bar, traceUID)).Result()
	if err != nil {
		return nil, false, errors.Wrap(err, "reading trace hash")
	}
	if len(h) == 0 {
		return nil, false, nil
	}
	return traceStateFromHash(h), true, nil
}

// StepState reads one step hash, reporting ok=false when absent.
func (c *Client) StepState(ctx context.Context, owner, bar, traceUID string, position int) (*StepState, bool, error) {
	h, err := c.redis.HGetAll(ctx, StepKey(owner, bar, traceUID, position)).Result()
	if err != nil {
		return nil, false, errors.Wrap(err, "reading step hash")
	}
	if len(h) == 0 {
		return nil, false, nil
	}
	return stepStateFromHash(h), true, nil
}

func (c *Client) publish(ctx context.Context, owner, bar, traceUID, msg string) error {
	// fire-and-forget: a dropped notification only delays a poller
	if err := c.redis.Publish(ctx, TraceChannel(owner, bar, traceUID), msg).Err(); err != nil {
		return errors.Wrap(err, "publishing trace update")
	}
	return nil
}

// Subscribe opens a pub/sub subscription on the given channels. The caller
// owns the returned subscription.
func (c *Client) Subscribe(ctx context.Context, channels ...string) *redis.PubSub {
	return c.redis.Subscribe(ctx, channels...)
}

// TraceCountAdd records a completed trace in the bar's rolling count window,
// trims entries older than maxAgeSeconds, and returns the resulting count
// (including this trace).
func (c *Client) TraceCountAdd(ctx context.Context, owner, bar string, version int64, traceUID string, createdAt float64, maxAgeSeconds int64, now float64) (int64, error) {
	key := TraceCountKey(owner, bar, version)
	var card *redis.IntCmd
	_, err := c.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAdd(ctx, key, &redis.Z{Score: createdAt, Member: traceUID})
		pipe.ZRemRangeByScore(ctx, key, "-inf", "("+formatFloat(now-float64(maxAgeSeconds)))
		card = pipe.ZCard(ctx, key)
		return nil
	})
	if err != nil {
		return 0, errors.Wrap(err, "updating trace count window")
	}
	return card.Val(), nil
}

// TraceCountRemove drops evicted traces from the rolling count window.
func (c *Client) TraceCountRemove(ctx context.Context, owner, bar string, version int64, traceUIDs ...string) error {
	if len(traceUIDs) == 0 {
		return nil
	}
	members := make([]interface{}, len(traceUIDs))
	for i, u := range traceUIDs {
		members[i] = u
	}
	err := c.redis.ZRem(ctx, TraceCountKey(owner, bar, version), members...).Err()
	return errors.Wrap(err, "removing from trace count window")
}

// IncrMonthlyCount atomically bumps the owner's trace count for the UTC
// month and returns the new value.
func (c *Client) IncrMonthlyCount(ctx context.Context, year, month int, owner string) (int64, error) {
	n, err := c.redis.HIncrBy(ctx, MonthlyCountKey(year, month), owner, 1).Result()
	return n, errors.Wrap(err, "incrementing monthly count")
}

// MonthlyCount reads the owner's trace count for the UTC month.
func (c *Client) MonthlyCount(ctx context.Context, year, month int, owner string) (int64, error) {
	v, err := c.redis.HGet(ctx, MonthlyCountKey(year, month), owner).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, errors.Wrap(err, "reading monthly count")
	}
	n, _ := strconv.ParseInt(v, 10, 64)
	return n, nil
}

// SetStepCell mirrors a fitted per-step cell into the hot store.
func (c *Client) SetStepCell(ctx context.Context, owner, bar string, version int64, position int, techniqueKey string, a float64, b *float64) error {
	fields := map[string]interface{}{"a": formatFloat(a)}
	if b != nil {
		fields["b"] = formatFloat(*b)
	}
	err := c.redis.HSet(ctx, StepStatsKey(owner, bar, version, position, techniqueKey), fields).Err()
	return errors.Wrap(err, "writing step stats cell")
}

// StepCell reads a mirrored per-step cell.
func (c *Client) StepCell(ctx context.Context, owner, bar string, version int64, position int, techniqueKey string) (a float64, b *float64, ok bool, err error) {
	h, err := c.redis.HGetAll(ctx, StepStatsKey(owner, bar, version, position, techniqueKey)).Result()
	if err != nil {
		return 0, nil, false, errors.Wrap(err, "reading step stats cell")
	}
	if len(h) == 0 {
		return 0, nil, false, nil
	}
	a = parseFloat(h["a"])
	if bs, found := h["b"]; found {
		bv := parseFloat(bs)
		b = &bv
	}
	return a, b, true, nil
}

// SetWholeCell mirrors the whole-trace estimate into the hot store.
func (c *Client) SetWholeCell(ctx context.Context, owner, bar string, version int64, techniqueKey string, seconds float64) error {
	err := c.redis.Set(ctx, WholeStatsKey(owner, bar, version, techniqueKey), formatFloat(seconds), 0).Err()
	return errors.Wrap(err, "writing whole stats cell")
}

// WholeCell reads the mirrored whole-trace estimate.
func (c *Client) WholeCell(ctx context.Context, owner, bar string, version int64, techniqueKey string) (float64, bool, error) {
	v, err := c.redis.Get(ctx, WholeStatsKey(owner, bar, version, techniqueKey)).Result()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, errors.Wrap(err, "reading whole stats cell")
	}
	return parseFloat(v), true, nil
}
