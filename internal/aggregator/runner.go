package aggregator

import (
	"context"
	"errors"
	"fmt"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Runner fires aggregation cycles on a wall-clock cadence. An overlapping
// fire is skipped by the cycle's own run-lock.
type Runner struct {
	agg  *Aggregator
	cron *cron.Cron
	log  *zap.Logger
}

func NewRunner(agg *Aggregator, spec string, log *zap.Logger) (*Runner, error) {
	r := &Runner{
		agg:  agg,
		cron: cron.New(),
		log:  log,
	}
	_, err := r.cron.AddFunc(spec, func() {
		ctx := context.Background()
		if err := r.agg.RunCycle(ctx); err != nil {
			if errors.Is(err, ErrCycleRunning) {
				r.log.Warn("aggregation_cycle_skipped_overlap")
				return
			}
			r.log.Error("aggregation_cycle_failed", zap.Error(err))
		}
	})
	if err != nil {
		return nil, fmt.Errorf("cron spec %q: %w", spec, err)
	}
	return r, nil
}

func (r *Runner) Start() {
	r.cron.Start()
}

// Stop halts scheduling and waits for a running cycle to finish.
func (r *Runner) Stop() {
	<-r.cron.Stop().Done()
}
