package aggregator

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"sitewatch/internal/domain"
	"sitewatch/internal/repo/memory"
)

func seed(t *testing.T, mem *memory.Store, id string, at time.Time, success bool, ms float64) {
	t.Helper()
	err := mem.Insert(context.Background(), &domain.CheckResult{
		TargetID:  domain.TargetID(id),
		CheckedAt: at,
		Success:   success,
		Total:     time.Duration(ms * float64(time.Millisecond)),
	})
	if err != nil {
		t.Fatal(err)
	}
}

func fixedNow() time.Time {
	return time.Date(2026, 6, 10, 12, 0, 0, 0, time.UTC)
}

func newTestAggregator(mem *memory.Store) *Aggregator {
	a := New(mem, mem, 7*24*time.Hour, zap.NewNop())
	a.SetNow(fixedNow)
	return a
}

func TestCycleSummarizesThenPurges(t *testing.T) {
	mem := memory.New()
	old := fixedNow().AddDate(0, 0, -10) // well past the 7-day cutoff
	seed(t, mem, "t1", old, true, 100)
	seed(t, mem, "t1", old.Add(time.Hour), false, 300)
	seed(t, mem, "t2", old, true, 50)
	recent := fixedNow().Add(-time.Hour)
	seed(t, mem, "t1", recent, true, 80) // inside retention, must survive

	a := newTestAggregator(mem)
	if err := a.RunCycle(context.Background()); err != nil {
		t.Fatalf("cycle: %v", err)
	}

	stats := mem.Stats()
	if len(stats) != 2 {
		t.Fatalf("want 2 stat rows, got %d: %+v", len(stats), stats)
	}
	t1 := stats[0]
	if t1.TargetID != "t1" || t1.TotalChecks != 2 || t1.SuccessfulChecks != 1 || t1.FailureCount != 1 {
		t.Fatalf("t1 stat wrong: %+v", t1)
	}
	if t1.AvgMS != 200 || t1.MinMS != 100 || t1.MaxMS != 300 {
		t.Fatalf("t1 latency stats wrong: %+v", t1)
	}
	if mem.ResultCount() != 1 {
		t.Fatalf("purge left %d raw rows, want 1 (the recent one)", mem.ResultCount())
	}
}

func TestRerunOverlappingWindowDoesNotDoubleCount(t *testing.T) {
	mem := memory.New()
	old := fixedNow().AddDate(0, 0, -10)
	seed(t, mem, "t1", old, true, 100)
	seed(t, mem, "t1", old.Add(time.Hour), true, 200)

	a := newTestAggregator(mem)
	if err := a.RunCycle(context.Background()); err != nil {
		t.Fatalf("first cycle: %v", err)
	}
	// Simulate a retry of the cycle (operator re-fires, cron overlap, etc.).
	if err := a.RunCycle(context.Background()); err != nil {
		t.Fatalf("second cycle: %v", err)
	}

	stats := mem.Stats()
	if len(stats) != 1 {
		t.Fatalf("want 1 stat row, got %d", len(stats))
	}
	if stats[0].TotalChecks != 2 {
		t.Fatalf("re-run double-counted: %+v", stats[0])
	}
}

func TestRerunEqualsSingleRunOverUnion(t *testing.T) {
	old := fixedNow().AddDate(0, 0, -10)

	// One store aggregated in two cycles with data arriving between them.
	twoStep := memory.New()
	seed(t, twoStep, "t1", old, true, 100)
	a1 := New(twoStep, twoStep, 9*24*time.Hour, zap.NewNop())
	a1.SetNow(fixedNow)
	if err := a1.RunCycle(context.Background()); err != nil {
		t.Fatal(err)
	}
	// Retention shrinks (cutoff advances) and more raw data is in range.
	seed(t, twoStep, "t1", old.Add(24*time.Hour), true, 300)
	a2 := New(twoStep, twoStep, 7*24*time.Hour, zap.NewNop())
	a2.SetNow(fixedNow)
	if err := a2.RunCycle(context.Background()); err != nil {
		t.Fatal(err)
	}

	// Another store aggregated once over the union.
	oneStep := memory.New()
	seed(t, oneStep, "t1", old, true, 100)
	seed(t, oneStep, "t1", old.Add(24*time.Hour), true, 300)
	b := New(oneStep, oneStep, 7*24*time.Hour, zap.NewNop())
	b.SetNow(fixedNow)
	if err := b.RunCycle(context.Background()); err != nil {
		t.Fatal(err)
	}

	got, want := twoStep.Stats(), oneStep.Stats()
	if len(got) != len(want) {
		t.Fatalf("stat row counts differ: %d vs %d", len(got), len(want))
	}
	for i := range got {
		if *got[i] != *want[i] {
			t.Fatalf("stats diverge at %d: %+v vs %+v", i, got[i], want[i])
		}
	}
}

// failingStatStore refuses to commit windows.
type failingStatStore struct {
	*memory.Store
}

func (f *failingStatStore) MarkCompleted(ctx context.Context, stats []*domain.DailyStat, run *domain.AggregationRun) error {
	return errors.New("stats db down")
}

func TestPurgeSkippedWhenSummarizeFails(t *testing.T) {
	mem := memory.New()
	old := fixedNow().AddDate(0, 0, -10)
	seed(t, mem, "t1", old, true, 100)

	a := New(mem, &failingStatStore{mem}, 7*24*time.Hour, zap.NewNop())
	a.SetNow(fixedNow)

	if err := a.RunCycle(context.Background()); err == nil {
		t.Fatal("want error from failed summarize")
	}
	if mem.ResultCount() != 1 {
		t.Fatalf("raw data purged despite failed summarize: %d rows left", mem.ResultCount())
	}
	if len(mem.Stats()) != 0 {
		t.Fatalf("partial stats leaked: %+v", mem.Stats())
	}
}

func TestRunLockSkipsOverlappingCycle(t *testing.T) {
	mem := memory.New()
	a := newTestAggregator(mem)

	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.RunCycle(context.Background()); !errors.Is(err, ErrCycleRunning) {
		t.Fatalf("want ErrCycleRunning, got %v", err)
	}
}

func TestEmptyWindowIsNoop(t *testing.T) {
	mem := memory.New()
	a := newTestAggregator(mem)

	if err := a.RunCycle(context.Background()); err != nil {
		t.Fatalf("empty cycle: %v", err)
	}
	// A marker still lands so the next cycle's window starts at this cutoff.
	if err := a.RunCycle(context.Background()); err != nil {
		t.Fatalf("repeat empty cycle: %v", err)
	}
	if len(mem.Stats()) != 0 {
		t.Fatalf("stats from empty window: %+v", mem.Stats())
	}
}
