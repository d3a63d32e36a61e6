package aggregator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"sitewatch/internal/domain"
	"sitewatch/internal/repo"
)

// ErrCycleRunning reports an aggregation cycle skipped because the previous
// one is still active.
var ErrCycleRunning = errors.New("aggregator: cycle already running")

// Aggregator folds raw results older than the retention cutoff into daily
// rollups, then purges the folded rows. The two phases are strictly ordered:
// a window is purged only after its stats and completion marker committed
// together, so a failed or repeated cycle can never lose unsummarized data or
// double-count a window.
type Aggregator struct {
	results   repo.ResultStore
	stats     repo.StatStore
	log       *zap.Logger
	retention time.Duration
	now       func() time.Time

	mu sync.Mutex // run-lock: one active cycle
}

func New(results repo.ResultStore, stats repo.StatStore, retention time.Duration, log *zap.Logger) *Aggregator {
	if retention <= 0 {
		retention = 7 * 24 * time.Hour
	}
	return &Aggregator{
		results:   results,
		stats:     stats,
		log:       log,
		retention: retention,
		now:       time.Now,
	}
}

// SetNow injects the clock, for tests.
func (a *Aggregator) SetNow(fn func() time.Time) { a.now = fn }

// RunCycle executes one summarize-then-purge cycle.
func (a *Aggregator) RunCycle(ctx context.Context) error {
	if !a.mu.TryLock() {
		return ErrCycleRunning
	}
	defer a.mu.Unlock()

	cutoff := domain.DayOf(a.now().Add(-a.retention))

	last, err := a.stats.LastRun(ctx)
	if err != nil {
		return fmt.Errorf("load last run: %w", err)
	}
	start := time.Time{}
	if last != nil {
		start = last.WindowEnd
	}
	if !cutoff.After(start) {
		a.log.Debug("aggregate_window_empty",
			zap.Time("window_start", start), zap.Time("cutoff", cutoff))
		return nil
	}

	// Phase 1: summarize. The lower bound excludes space already rolled up
	// and purged by earlier cycles.
	rows, err := a.results.SelectRange(ctx, start, cutoff)
	if err != nil {
		return fmt.Errorf("summarize: select window: %w", err)
	}
	deltas := fold(rows)

	run := &domain.AggregationRun{
		ID:          uuid.NewString(),
		WindowStart: start,
		WindowEnd:   cutoff,
		CompletedAt: a.now().UTC(),
	}
	if err := a.stats.MarkCompleted(ctx, deltas, run); err != nil {
		// Purge must not run for this window; the next cycle retries it.
		return fmt.Errorf("summarize: commit window: %w", err)
	}

	// Phase 2: purge, only now that the window is marked complete.
	deleted, err := a.results.DeleteBefore(ctx, cutoff)
	if err != nil {
		// Stats landed; leftover raw rows are re-deleted next cycle but not
		// re-summarized, so this is retryable without double-counting.
		err = multierr.Append(err, fmt.Errorf("purge incomplete for window ending %v", cutoff))
		a.log.Warn("purge_failed", zap.Time("cutoff", cutoff), zap.Error(err))
		return err
	}

	a.log.Info("aggregation_cycle_done",
		zap.String("run_id", run.ID),
		zap.Time("window_start", start),
		zap.Time("window_end", cutoff),
		zap.Int("raw_rows", len(rows)),
		zap.Int("stat_rows", len(deltas)),
		zap.Int64("purged", deleted),
	)
	return nil
}

// fold groups raw results into per-(target, day) deltas.
func fold(rows []*domain.CheckResult) []*domain.DailyStat {
	byKey := make(map[string]*domain.DailyStat)
	var order []string
	for _, r := range rows {
		day := domain.DayOf(r.CheckedAt)
		key := string(r.TargetID) + "|" + day.Format("2006-01-02")
		st, ok := byKey[key]
		if !ok {
			st = &domain.DailyStat{TargetID: r.TargetID, Day: day}
			byKey[key] = st
			order = append(order, key)
		}
		st.Observe(r)
	}
	out := make([]*domain.DailyStat, 0, len(order))
	for _, key := range order {
		out = append(out, byKey[key])
	}
	return out
}
