// Package usage tracks per-owner monthly trace counts and gates trace
// creation on the owner's entitlement. Counting lives in the hot store;
// the durable rollup feeds invoicing.
package usage

import (
	"context"
	"time"

	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/ezpbars/ezpbars/pbardb"
	"github.com/ezpbars/ezpbars/pkg/clock"
	"github.com/ezpbars/ezpbars/pkg/errkind"
	"github.com/ezpbars/ezpbars/pkg/hotstate"
	"github.com/ezpbars/ezpbars/pkg/util/log"
)

var metricDenied = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "ezpbars",
	Name:      "usage_trace_starts_denied_total",
	Help:      "Trace starts denied by the entitlement check.",
})

type Tracker struct {
	db  *pbardb.DB
	hot *hotstate.Client
	clk clock.Clock
}

func New(db *pbardb.DB, hot *hotstate.Client, clk clock.Clock) *Tracker {
	return &Tracker{db: db, hot: hot, clk: clk}
}

// period returns the UTC month of the current instant and the unix seconds
// of its first moment, the usage period key invoicing joins on.
func (t *Tracker) period() (year, month int, startAt float64) {
	now := time.Unix(int64(t.clk.Now()), 0).UTC()
	start := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	return now.Year(), int(now.Month()), float64(start.Unix())
}

// AllowTraceStart counts the new trace against the owner's month and denies
// it once a plan-less owner exhausts the free tier. Owners with a plan are
// never denied; overage is billed.
func (t *Tracker) AllowTraceStart(ctx context.Context, ownerSub string) error {
	year, month, startAt := t.period()

	n, err := t.hot.IncrMonthlyCount(ctx, year, month, ownerSub)
	if err != nil {
		return err
	}

	ent, err := t.db.EntitlementForUser(ctx, ownerSub)
	if err != nil {
		return err
	}
	if !ent.HasPlan && n > ent.IncludedTraces {
		metricDenied.Inc()
		return errkind.ErrRateLimited
	}

	// the durable rollup trails the hot counter; invoicing tolerates that
	if err := t.db.RecordUsage(ctx, ownerSub, startAt, n); err != nil {
		level.Warn(log.Logger).Log("msg", "failed recording usage", "owner", ownerSub, "err", err)
	}
	return nil
}

// MonthlyCount reads the owner's trace count for the current UTC month.
func (t *Tracker) MonthlyCount(ctx context.Context, ownerSub string) (int64, error) {
	year, month, _ := t.period()
	return t.hot.MonthlyCount(ctx, year, month, ownerSub)
}
