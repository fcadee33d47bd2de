package pbardb

// Schema notes: steps and traces carry progress_bar_version so a drift-driven
// version bump never rewrites or cascades into prior artifacts. Old versions
// stay readable; new fits only see rows matching the bar's current version.
const schema = `
CREATE TABLE IF NOT EXISTS users(
    id INTEGER PRIMARY KEY,
    sub TEXT UNIQUE NOT NULL,
    created_at REAL NOT NULL
);

CREATE TABLE IF NOT EXISTS progress_bars(
    id INTEGER PRIMARY KEY,
    user_id INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
    uid TEXT UNIQUE NOT NULL,
    name TEXT NOT NULL,
    sampling_max_count INTEGER NOT NULL,
    sampling_max_age_seconds INTEGER NULL,
    sampling_technique TEXT NOT NULL,
    idle_timeout_seconds INTEGER NULL,
    version INTEGER NOT NULL,
    created_at REAL NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS progress_bars_user_id_name
    ON progress_bars(user_id, name);

CREATE TABLE IF NOT EXISTS progress_bar_steps(
    id INTEGER PRIMARY KEY,
    progress_bar_id INTEGER NOT NULL REFERENCES progress_bars(id) ON DELETE CASCADE,
    progress_bar_version INTEGER NOT NULL,
    uid TEXT UNIQUE NOT NULL,
    name TEXT NOT NULL,
    position INTEGER NOT NULL,
    iterated INTEGER NOT NULL,
    one_off_technique TEXT NOT NULL,
    one_off_percentile REAL NOT NULL,
    iterated_technique TEXT NOT NULL,
    iterated_percentile REAL NOT NULL,
    created_at REAL NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS progress_bar_steps_bar_version_name
    ON progress_bar_steps(progress_bar_id, progress_bar_version, name);
CREATE UNIQUE INDEX IF NOT EXISTS progress_bar_steps_bar_version_position
    ON progress_bar_steps(progress_bar_id, progress_bar_version, position);

CREATE TABLE IF NOT EXISTS progress_bar_traces(
    id INTEGER PRIMARY KEY,
    progress_bar_id INTEGER NOT NULL REFERENCES progress_bars(id) ON DELETE CASCADE,
    progress_bar_version INTEGER NOT NULL,
    uid TEXT UNIQUE NOT NULL,
    created_at REAL NOT NULL
);
CREATE INDEX IF NOT EXISTS progress_bar_traces_bar_version_created_at
    ON progress_bar_traces(progress_bar_id, progress_bar_version, created_at);

CREATE TABLE IF NOT EXISTS progress_bar_trace_steps(
    id INTEGER PRIMARY KEY,
    progress_bar_trace_id INTEGER NOT NULL REFERENCES progress_bar_traces(id) ON DELETE CASCADE,
    progress_bar_step_id INTEGER NOT NULL REFERENCES progress_bar_steps(id) ON DELETE CASCADE,
    uid TEXT UNIQUE NOT NULL,
    iterations INTEGER NULL,
    started_at REAL NOT NULL,
    finished_at REAL NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS progress_bar_trace_steps_trace_step
    ON progress_bar_trace_steps(progress_bar_trace_id, progress_bar_step_id);
CREATE INDEX IF NOT EXISTS progress_bar_trace_steps_step
    ON progress_bar_trace_steps(progress_bar_step_id);

CREATE TABLE IF NOT EXISTS pricing_plans(
    id INTEGER PRIMARY KEY,
    uid TEXT UNIQUE NOT NULL,
    slug TEXT UNIQUE NOT NULL,
    created_at REAL NOT NULL
);

CREATE TABLE IF NOT EXISTS pricing_plan_tiers(
    id INTEGER PRIMARY KEY,
    pricing_plan_id INTEGER NOT NULL REFERENCES pricing_plans(id) ON DELETE CASCADE,
    uid TEXT UNIQUE NOT NULL,
    position INTEGER NOT NULL,
    units INTEGER NOT NULL,
    unit_amount INTEGER NOT NULL,
    unit_price_cents INTEGER NOT NULL,
    created_at REAL NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS pricing_plan_tiers_plan_position
    ON pricing_plan_tiers(pricing_plan_id, position);

CREATE TABLE IF NOT EXISTS user_pricing_plans(
    id INTEGER PRIMARY KEY,
    user_id INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
    pricing_plan_id INTEGER NOT NULL REFERENCES pricing_plans(id) ON DELETE CASCADE,
    uid TEXT UNIQUE NOT NULL,
    created_at REAL NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS user_pricing_plans_user
    ON user_pricing_plans(user_id);

CREATE TABLE IF NOT EXISTS stripe_invoices(
    id INTEGER PRIMARY KEY,
    user_id INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
    uid TEXT UNIQUE NOT NULL,
    stripe_id TEXT UNIQUE NOT NULL,
    total_cents INTEGER NOT NULL,
    created_at REAL NOT NULL
);

CREATE TABLE IF NOT EXISTS user_usages(
    id INTEGER PRIMARY KEY,
    user_id INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
    uid TEXT UNIQUE NOT NULL,
    period_start_at REAL NOT NULL,
    traces INTEGER NOT NULL,
    created_at REAL NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS user_usages_user_period
    ON user_usages(user_id, period_start_at);
`
