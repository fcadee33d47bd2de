package intake

import (
	"context"
	"time"

	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/services"

	"github.com/ezpbars/ezpbars/pkg/util/log"
)

// Sweeper aborts in-flight traces whose hot state has gone idle past the
// configured bound. Idle traces are never submitted to sampling.
type Sweeper struct {
	services.Service

	intake *Intake
}

func NewSweeper(intake *Intake) *Sweeper {
	s := &Sweeper{intake: intake}
	s.Service = services.NewBasicService(nil, s.loop, nil)
	return s
}

func (s *Sweeper) loop(ctx context.Context) error {
	ticker := time.NewTicker(s.intake.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.intake.SweepIdle(ctx)
		case <-ctx.Done():
			return nil
		}
	}
}

// SweepIdle runs one pass over the hot store, aborting idle traces. A bar
// can carry its own idle bound, so candidates are gathered wide and each is
// judged against its bar's bound.
func (i *Intake) SweepIdle(ctx context.Context) {
	now := i.clk.Now()
	refs, err := i.hot.IdleTraces(ctx, now)
	if err != nil {
		level.Warn(log.Logger).Log("msg", "idle sweep failed", "err", err)
		return
	}
	for _, ref := range refs {
		bound := i.cfg.IdleTimeout.Seconds()
		if schema, err := i.reg.Resolve(ctx, ref.Owner, ref.Bar); err == nil && schema.Bar.IdleTimeoutSeconds != nil {
			bound = float64(*schema.Bar.IdleTimeoutSeconds)
		}
		if now-ref.State.LastUpdatedAt < bound {
			continue
		}
		i.abortTrace(ctx, ref.Owner, ref.Bar, ref.TraceUID, ref.State.CurrentStep, "idle")
	}
}
