// Package pbardb is the durable relational store for progress bars, step
// specs and retained traces, plus the billing-adjacent tables the core reads
// for entitlement checks. All retention writes happen in a single
// transaction so an abandoned call never leaves partial state.
package pbardb

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"

	"github.com/ezpbars/ezpbars/pkg/clock"
	"github.com/ezpbars/ezpbars/pkg/errkind"
	"github.com/ezpbars/ezpbars/pkg/model"
	"github.com/ezpbars/ezpbars/pkg/uid"
)

type DB struct {
	db    *sqlx.DB
	clock clock.Clock
}

// Open opens the store and ensures the schema exists.
func Open(cfg Config, c clock.Clock) (*DB, error) {
	dsn := fmt.Sprintf("file:%s?_fk=on&_busy_timeout=%d", cfg.Path, cfg.BusyTimeoutMS)
	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "opening sqlite database")
	}

	d := &DB{db: db, clock: c}
	if err := d.ensureSchema(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return d, nil
}

func (d *DB) Close() error {
	return d.db.Close()
}

func (d *DB) ensureSchema(ctx context.Context) error {
	_, err := d.db.ExecContext(ctx, schema)
	return errors.Wrap(err, "creating schema")
}

// EnsureUser inserts the user row if missing and returns its id.
func (d *DB) EnsureUser(ctx context.Context, sub string) (int64, error) {
	_, err := d.db.ExecContext(ctx,
		`INSERT INTO users (sub, created_at) VALUES (?, ?) ON CONFLICT(sub) DO NOTHING`,
		sub, d.clock.Now())
	if err != nil {
		return 0, errors.Wrap(err, "inserting user")
	}
	var id int64
	if err := d.db.GetContext(ctx, &id, `SELECT id FROM users WHERE sub = ?`, sub); err != nil {
		return 0, errors.Wrap(err, "selecting user")
	}
	return id, nil
}

// CreateBar inserts the bar, its default spec and its steps in one
// transaction. The schema must already validate.
func (d *DB) CreateBar(ctx context.Context, ownerSub string, schema *model.BarSchema) error {
	if err := schema.Validate(); err != nil {
		return errkind.Validationf("%s", err)
	}
	userID, err := d.EnsureUser(ctx, ownerSub)
	if err != nil {
		return err
	}

	now := d.clock.Now()
	return d.inTx(ctx, func(tx *sqlx.Tx) error {
		bar := &schema.Bar
		if bar.UID == "" {
			bar.UID = uid.New(uid.PrefixProgressBar)
		}
		bar.OwnerSub = ownerSub
		bar.CreatedAt = now
		res, err := tx.ExecContext(ctx,
			`INSERT INTO progress_bars
			 (user_id, uid, name, sampling_max_count, sampling_max_age_seconds, sampling_technique,
			  idle_timeout_seconds, version, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			userID, bar.UID, bar.Name, bar.SamplingMaxCount, bar.SamplingMaxAgeSeconds,
			bar.SamplingTechnique, bar.IdleTimeoutSeconds, bar.Version, now)
		if err != nil {
			return errors.Wrap(err, "inserting progress bar")
		}
		bar.ID, err = res.LastInsertId()
		if err != nil {
			return err
		}

		if err := insertStep(ctx, tx, bar.ID, bar.Version, &schema.Default, now); err != nil {
			return err
		}
		for i := range schema.Steps {
			if err := insertStep(ctx, tx, bar.ID, bar.Version, &schema.Steps[i], now); err != nil {
				return err
			}
		}
		return nil
	})
}

func insertStep(ctx context.Context, tx *sqlx.Tx, barID, version int64, s *model.StepSpec, now float64) error {
	if s.UID == "" {
		s.UID = uid.New(uid.PrefixStep)
	}
	s.ProgressBarID = barID
	s.CreatedAt = now
	res, err := tx.ExecContext(ctx,
		`INSERT INTO progress_bar_steps
		 (progress_bar_id, progress_bar_version, uid, name, position, iterated,
		  one_off_technique, one_off_percentile, iterated_technique, iterated_percentile, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		barID, version, s.UID, s.Name, s.Position, s.Iterated,
		s.OneOffTechnique, s.OneOffPercentile, s.IteratedTechnique, s.IteratedPercentile, now)
	if err != nil {
		return errors.Wrapf(err, "inserting step %q", s.Name)
	}
	s.ID, err = res.LastInsertId()
	return err
}

// GetBarSchema resolves (owner, name) to the bar's current schema.
// Returns errkind.ErrNoSuchBar on a miss.
func (d *DB) GetBarSchema(ctx context.Context, ownerSub, name string) (*model.BarSchema, error) {
	var bar model.ProgressBar
	err := d.db.GetContext(ctx, &bar,
		`SELECT pb.id, pb.uid, u.sub AS owner_sub, pb.name, pb.sampling_max_count,
		        pb.sampling_max_age_seconds, pb.sampling_technique, pb.idle_timeout_seconds,
		        pb.version, pb.created_at
		 FROM progress_bars pb JOIN users u ON u.id = pb.user_id
		 WHERE u.sub = ? AND pb.name = ?`,
		ownerSub, name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errkind.ErrNoSuchBar
	}
	if err != nil {
		return nil, errors.Wrap(err, "selecting progress bar")
	}
	return d.schemaForVersion(ctx, bar, bar.Version)
}

// GetBarSchemaVersion resolves (owner, name) to the schema the bar carried
// at the given version. In-flight traces validate against the version they
// were created under, not whatever the bar has drifted to since.
func (d *DB) GetBarSchemaVersion(ctx context.Context, ownerSub, name string, version int64) (*model.BarSchema, error) {
	var bar model.ProgressBar
	err := d.db.GetContext(ctx, &bar,
		`SELECT pb.id, pb.uid, u.sub AS owner_sub, pb.name, pb.sampling_max_count,
		        pb.sampling_max_age_seconds, pb.sampling_technique, pb.idle_timeout_seconds,
		        pb.version, pb.created_at
		 FROM progress_bars pb JOIN users u ON u.id = pb.user_id
		 WHERE u.sub = ? AND pb.name = ?`,
		ownerSub, name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errkind.ErrNoSuchBar
	}
	if err != nil {
		return nil, errors.Wrap(err, "selecting progress bar")
	}
	bar.Version = version
	return d.schemaForVersion(ctx, bar, version)
}

func (d *DB) schemaForVersion(ctx context.Context, bar model.ProgressBar, version int64) (*model.BarSchema, error) {
	var steps []model.StepSpec
	err := d.db.SelectContext(ctx, &steps,
		`SELECT id, progress_bar_id, uid, name, position, iterated,
		        one_off_technique, one_off_percentile, iterated_technique, iterated_percentile, created_at
		 FROM progress_bar_steps
		 WHERE progress_bar_id = ? AND progress_bar_version = ?
		 ORDER BY position`,
		bar.ID, version)
	if err != nil {
		return nil, errors.Wrap(err, "selecting steps")
	}
	if len(steps) == 0 || steps[0].Position != model.DefaultStepPosition {
		return nil, errkind.Internalf("bar %s v%d has no default step spec", bar.UID, version)
	}
	return &model.BarSchema{Bar: bar, Default: steps[0], Steps: steps[1:]}, nil
}

// BumpVersion increments the bar's version and installs the given steps
// (plus a carried-over default spec) under the new version. Prior versions'
// rows are left untouched. Returns the new version.
func (d *DB) BumpVersion(ctx context.Context, barID int64, steps []model.StepSpec) (int64, error) {
	now := d.clock.Now()
	var newVersion int64
	err := d.inTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`UPDATE progress_bars SET version = version + 1 WHERE id = ?`, barID); err != nil {
			return errors.Wrap(err, "bumping version")
		}
		if err := tx.GetContext(ctx, &newVersion,
			`SELECT version FROM progress_bars WHERE id = ?`, barID); err != nil {
			return errors.Wrap(err, "selecting new version")
		}

		var def model.StepSpec
		err := tx.GetContext(ctx, &def,
			`SELECT id, progress_bar_id, uid, name, position, iterated,
			        one_off_technique, one_off_percentile, iterated_technique, iterated_percentile, created_at
			 FROM progress_bar_steps
			 WHERE progress_bar_id = ? AND progress_bar_version = ? AND position = 0`,
			barID, newVersion-1)
		if errors.Is(err, sql.ErrNoRows) {
			def = model.DefaultStepSpec()
		} else if err != nil {
			return errors.Wrap(err, "selecting prior default spec")
		}
		def.UID = ""

		if err := insertStep(ctx, tx, barID, newVersion, &def, now); err != nil {
			return err
		}
		for i := range steps {
			steps[i].UID = ""
			if err := insertStep(ctx, tx, barID, newVersion, &steps[i], now); err != nil {
				return err
			}
		}
		return nil
	})
	return newVersion, err
}

// InsertRetainedTrace persists a completed trace and its steps in one
// transaction. Re-inserting the same trace uid is a no-op and returns false,
// which keeps retention retries idempotent.
func (d *DB) InsertRetainedTrace(ctx context.Context, schema *model.BarSchema, trace *model.Trace) (bool, error) {
	inserted := false
	err := d.inTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO progress_bar_traces (progress_bar_id, progress_bar_version, uid, created_at)
			 VALUES (?, ?, ?, ?) ON CONFLICT(uid) DO NOTHING`,
			schema.Bar.ID, trace.Version, trace.UID, trace.CreatedAt)
		if err != nil {
			return errors.Wrap(err, "inserting trace")
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return nil // already retained
		}
		inserted = true
		traceID, err := res.LastInsertId()
		if err != nil {
			return err
		}

		for i := range trace.Steps {
			ts := &trace.Steps[i]
			spec := schema.StepAt(ts.Position)
			if spec == nil {
				return errkind.Internalf("trace %s has step at position %d beyond schema", trace.UID, ts.Position)
			}
			if ts.UID == "" {
				ts.UID = uid.New(uid.PrefixTraceStep)
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO progress_bar_trace_steps
				 (progress_bar_trace_id, progress_bar_step_id, uid, iterations, started_at, finished_at)
				 VALUES (?, ?, ?, ?, ?, ?)`,
				traceID, spec.ID, ts.UID, ts.Iterations, ts.StartedAt, ts.FinishedAt); err != nil {
				return errors.Wrapf(err, "inserting trace step %d", ts.Position)
			}
		}
		return nil
	})
	return inserted, err
}

// RetainedCount returns the number of retained traces for (bar, version).
func (d *DB) RetainedCount(ctx context.Context, barID, version int64) (int64, error) {
	var n int64
	err := d.db.GetContext(ctx, &n,
		`SELECT COUNT(*) FROM progress_bar_traces WHERE progress_bar_id = ? AND progress_bar_version = ?`,
		barID, version)
	return n, errors.Wrap(err, "counting retained traces")
}

// LastRetainedAt returns the created_at of the most recently retained trace
// for (bar, version), reporting ok=false when none exists.
func (d *DB) LastRetainedAt(ctx context.Context, barID, version int64) (float64, bool, error) {
	var at sql.NullFloat64
	err := d.db.GetContext(ctx, &at,
		`SELECT MAX(created_at) FROM progress_bar_traces WHERE progress_bar_id = ? AND progress_bar_version = ?`,
		barID, version)
	if err != nil {
		return 0, false, errors.Wrap(err, "selecting last retained")
	}
	return at.Float64, at.Valid, nil
}

// EvictOldest deletes retained traces beyond keep, oldest first by
// created_at, and returns the evicted traces with their steps so predictor
// cells can subtract their contributions.
func (d *DB) EvictOldest(ctx context.Context, barID, version, keep int64) ([]model.Trace, error) {
	var evicted []model.Trace
	err := d.inTx(ctx, func(tx *sqlx.Tx) error {
		var rows []model.Trace
		err := tx.SelectContext(ctx, &rows,
			`SELECT id, progress_bar_id, progress_bar_version, uid, created_at
			 FROM progress_bar_traces
			 WHERE progress_bar_id = ? AND progress_bar_version = ?
			 ORDER BY created_at ASC
			 LIMIT max(0, (SELECT COUNT(*) FROM progress_bar_traces
			               WHERE progress_bar_id = ? AND progress_bar_version = ?) - ?)`,
			barID, version, barID, version, keep)
		if err != nil {
			return errors.Wrap(err, "selecting eviction candidates")
		}

		for i := range rows {
			steps, err := d.traceSteps(ctx, tx, rows[i].ID)
			if err != nil {
				return err
			}
			rows[i].Steps = steps
			if _, err := tx.ExecContext(ctx,
				`DELETE FROM progress_bar_traces WHERE id = ?`, rows[i].ID); err != nil {
				return errors.Wrap(err, "deleting evicted trace")
			}
		}
		evicted = rows
		return nil
	})
	return evicted, err
}

func (d *DB) traceSteps(ctx context.Context, q sqlx.QueryerContext, traceID int64) ([]model.TraceStep, error) {
	var steps []model.TraceStep
	err := sqlx.SelectContext(ctx, q, &steps,
		`SELECT ts.id, ts.progress_bar_trace_id, ts.progress_bar_step_id, ts.uid,
		        s.position, ts.iterations, ts.started_at, ts.finished_at
		 FROM progress_bar_trace_steps ts
		 JOIN progress_bar_steps s ON s.id = ts.progress_bar_step_id
		 WHERE ts.progress_bar_trace_id = ?
		 ORDER BY s.position`,
		traceID)
	return steps, errors.Wrap(err, "selecting trace steps")
}

// TraceByUID loads a retained trace with its steps.
func (d *DB) TraceByUID(ctx context.Context, traceUID string) (*model.Trace, error) {
	var tr model.Trace
	err := d.db.GetContext(ctx, &tr,
		`SELECT id, progress_bar_id, progress_bar_version, uid, created_at
		 FROM progress_bar_traces WHERE uid = ?`, traceUID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, sql.ErrNoRows
	}
	if err != nil {
		return nil, errors.Wrap(err, "selecting trace")
	}
	tr.Steps, err = d.traceSteps(ctx, d.db, tr.ID)
	if err != nil {
		return nil, err
	}
	return &tr, nil
}

// Sample is one retained observation of a step: its duration and, for
// iterated steps, the iteration count.
type Sample struct {
	Iterations *int64  `db:"iterations"`
	Seconds    float64 `db:"seconds"`
}

// StepSamples returns the retained samples for a step position, bounded by
// the sampling window (sinceCreatedAt may be 0 for no bound), in retention
// order.
func (d *DB) StepSamples(ctx context.Context, barID, version int64, position int, sinceCreatedAt float64) ([]Sample, error) {
	var samples []Sample
	err := d.db.SelectContext(ctx, &samples,
		`SELECT ts.iterations, ts.finished_at - ts.started_at AS seconds
		 FROM progress_bar_trace_steps ts
		 JOIN progress_bar_steps s ON s.id = ts.progress_bar_step_id
		 JOIN progress_bar_traces t ON t.id = ts.progress_bar_trace_id
		 WHERE t.progress_bar_id = ? AND t.progress_bar_version = ? AND s.position = ?
		   AND t.created_at >= ?
		 ORDER BY t.created_at`,
		barID, version, position, sinceCreatedAt)
	return samples, errors.Wrap(err, "selecting step samples")
}

func (d *DB) inTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := d.db.BeginTxx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "beginning tx")
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return errors.Wrap(tx.Commit(), "committing tx")
}
