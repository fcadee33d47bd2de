package pbardb

import (
	"context"
	"database/sql"

	"github.com/pkg/errors"
)

// Entitlement is the read-only view of a user's plan the core consults for
// rate checks. Users without a plan get the free tier: IncludedTraces traces
// per month, no overage.
type Entitlement struct {
	HasPlan        bool
	IncludedTraces int64
}

// FreeTierTraces is the monthly trace allowance for users without a plan.
const FreeTierTraces int64 = 5000

// EntitlementForUser reads the user's pricing plan, if any. The first tier's
// units are the included monthly traces; additional tiers are billed
// elsewhere and irrelevant to the core.
func (d *DB) EntitlementForUser(ctx context.Context, ownerSub string) (Entitlement, error) {
	var included int64
	err := d.db.GetContext(ctx, &included,
		`SELECT t.units * t.unit_amount
		 FROM user_pricing_plans up
		 JOIN users u ON u.id = up.user_id
		 JOIN pricing_plan_tiers t ON t.pricing_plan_id = up.pricing_plan_id
		 WHERE u.sub = ?
		 ORDER BY t.position
		 LIMIT 1`,
		ownerSub)
	if errors.Is(err, sql.ErrNoRows) {
		return Entitlement{HasPlan: false, IncludedTraces: FreeTierTraces}, nil
	}
	if err != nil {
		return Entitlement{}, errors.Wrap(err, "selecting entitlement")
	}
	return Entitlement{HasPlan: true, IncludedTraces: included}, nil
}

// RecordUsage upserts the user's trace count for the usage period. Called by
// the usage roll-up, read by invoicing.
func (d *DB) RecordUsage(ctx context.Context, ownerSub string, periodStartAt float64, traces int64) error {
	userID, err := d.EnsureUser(ctx, ownerSub)
	if err != nil {
		return err
	}
	_, err = d.db.ExecContext(ctx,
		`INSERT INTO user_usages (user_id, uid, period_start_at, traces, created_at)
		 VALUES (?, 'ep_uu_' || lower(hex(randomblob(8))), ?, ?, ?)
		 ON CONFLICT(user_id, period_start_at) DO UPDATE SET traces = excluded.traces`,
		userID, periodStartAt, traces, d.clock.Now())
	return errors.Wrap(err, "recording usage")
}
