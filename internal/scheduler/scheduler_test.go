package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"sitewatch/internal/domain"
	"sitewatch/internal/executor"
)

// fakeClock is stepped manually by the test.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// fakeBackend records submissions and optionally completes them immediately.
type fakeBackend struct {
	clock        *fakeClock
	results      chan domain.CheckResult
	autoComplete bool
	capacity     int // -1 = unlimited

	submitted []submission
}

type submission struct {
	id domain.TargetID
	at time.Time
}

func newFakeBackend(clock *fakeClock, autoComplete bool) *fakeBackend {
	return &fakeBackend{
		clock:        clock,
		results:      make(chan domain.CheckResult, 1024),
		autoComplete: autoComplete,
		capacity:     -1,
	}
}

func (b *fakeBackend) Submit(task executor.Task) error {
	if b.capacity == 0 {
		return executor.ErrCapacity
	}
	if b.capacity > 0 {
		b.capacity--
	}
	b.submitted = append(b.submitted, submission{id: task.Target.ID, at: b.clock.Now()})
	if b.autoComplete {
		b.results <- domain.CheckResult{
			TargetID:  task.Target.ID,
			CheckedAt: b.clock.Now(),
			Success:   true,
		}
	}
	return nil
}

func (b *fakeBackend) Results() <-chan domain.CheckResult { return b.results }

func (b *fakeBackend) Close(ctx context.Context) error { return nil }

func (b *fakeBackend) complete(id domain.TargetID) {
	b.results <- domain.CheckResult{TargetID: id, Success: true}
}

func (b *fakeBackend) timesFor(id domain.TargetID) []time.Time {
	var out []time.Time
	for _, s := range b.submitted {
		if s.id == id {
			out = append(out, s.at)
		}
	}
	return out
}

type captureSink struct {
	mu      sync.Mutex
	results []domain.CheckResult
}

func (c *captureSink) Record(ctx context.Context, r domain.CheckResult) {
	c.mu.Lock()
	c.results = append(c.results, r)
	c.mu.Unlock()
}

func target(id string, interval time.Duration) domain.Target {
	return domain.Target{ID: domain.TargetID(id), URL: "https://" + id + ".example.com",
		Interval: interval, Active: true}
}

func newTestScheduler(clock *fakeClock, backend executor.Backend, sink Recorder) *Scheduler {
	return New(backend, sink, Config{
		Tick:    250 * time.Millisecond,
		Timeout: time.Second,
		Grace:   time.Second,
		Now:     clock.Now,
	}, zap.NewNop())
}

// step runs one simulated tick.
func step(s *Scheduler, clock *fakeClock) {
	ctx := context.Background()
	s.collect(ctx)
	s.dispatchDue(ctx, clock.Now())
}

func TestDispatchCadenceAnchoredOnDueTime(t *testing.T) {
	clock := newFakeClock()
	backend := newFakeBackend(clock, true)
	s := newTestScheduler(clock, backend, &captureSink{})
	s.SetTargets([]domain.Target{target("a", 5 * time.Second)})

	start := clock.Now()
	// Cover more than 10 full cycles.
	for clock.Now().Sub(start) < 51*time.Second {
		step(s, clock)
		clock.Advance(250 * time.Millisecond)
	}

	times := backend.timesFor("a")
	if len(times) < 10 {
		t.Fatalf("want at least 10 dispatches, got %d", len(times))
	}
	for i, at := range times {
		want := start.Add(time.Duration(i) * 5 * time.Second)
		diff := at.Sub(want)
		if diff < 0 || diff > 250*time.Millisecond {
			t.Fatalf("dispatch %d at %v, want %v ± tick", i, at, want)
		}
	}
}

func TestNoConcurrentDispatchPerTarget(t *testing.T) {
	clock := newFakeClock()
	backend := newFakeBackend(clock, false) // nothing completes on its own
	s := newTestScheduler(clock, backend, &captureSink{})
	s.SetTargets([]domain.Target{target("slow", 5 * time.Second)})

	step(s, clock) // dispatched once
	// Three intervals pass with the probe still outstanding.
	for i := 0; i < 3; i++ {
		clock.Advance(5 * time.Second)
		step(s, clock)
	}
	if got := len(backend.timesFor("slow")); got != 1 {
		t.Fatalf("target dispatched %d times while in flight, want 1", got)
	}

	// Completion clears the flag; the next tick may dispatch again.
	backend.complete("slow")
	step(s, clock)
	if got := len(backend.timesFor("slow")); got != 2 {
		t.Fatalf("want 2 dispatches after completion, got %d", got)
	}
}

func TestStallRecoveryDoesNotCompoundDelay(t *testing.T) {
	clock := newFakeClock()
	backend := newFakeBackend(clock, true)
	s := newTestScheduler(clock, backend, &captureSink{})
	s.SetTargets([]domain.Target{target("a", 5 * time.Second)})

	start := clock.Now()
	step(s, clock) // dispatch at t=0

	// Loop stalls for 12s: the t=5 and t=10 slots are missed.
	clock.Advance(12 * time.Second)
	step(s, clock) // one late dispatch, no burst

	// Then normal ticking resumes.
	for clock.Now().Sub(start) < 21*time.Second {
		clock.Advance(250 * time.Millisecond)
		step(s, clock)
	}

	times := backend.timesFor("a")
	// t=0, one catch-up at t=12, then back on the original 5s grid: 15, 20.
	wantOffsets := []time.Duration{0, 12 * time.Second, 15 * time.Second, 20 * time.Second}
	if len(times) != len(wantOffsets) {
		t.Fatalf("want %d dispatches, got %d (%v)", len(wantOffsets), len(times), times)
	}
	for i, at := range times {
		got := at.Sub(start)
		if diff := got - wantOffsets[i]; diff < 0 || diff > 250*time.Millisecond {
			t.Fatalf("dispatch %d at offset %v, want %v", i, got, wantOffsets[i])
		}
	}
}

func TestCapacityDeferralRetriesNextTick(t *testing.T) {
	clock := newFakeClock()
	backend := newFakeBackend(clock, true)
	backend.capacity = 0
	s := newTestScheduler(clock, backend, &captureSink{})
	s.SetTargets([]domain.Target{target("a", 5 * time.Second)})

	step(s, clock)
	if len(backend.submitted) != 0 {
		t.Fatalf("submission should have been rejected")
	}
	if s.Snapshot().Deferred != 1 {
		t.Fatalf("deferral not counted: %+v", s.Snapshot())
	}
	if s.Snapshot().InFlight != 0 {
		t.Fatalf("deferred target must not be marked in flight")
	}

	// Next tick the backend has room; the target is still due.
	backend.capacity = -1
	clock.Advance(250 * time.Millisecond)
	step(s, clock)
	if len(backend.timesFor("a")) != 1 {
		t.Fatalf("deferred target not retried: %v", backend.submitted)
	}
}

func TestSimultaneouslyDueDispatchInInsertionOrder(t *testing.T) {
	clock := newFakeClock()
	backend := newFakeBackend(clock, true)
	s := newTestScheduler(clock, backend, &captureSink{})
	s.SetTargets([]domain.Target{
		target("c", 10 * time.Second),
		target("a", 10 * time.Second),
		target("b", 10 * time.Second),
	})

	step(s, clock)

	want := []domain.TargetID{"c", "a", "b"}
	if len(backend.submitted) != 3 {
		t.Fatalf("want 3 dispatches, got %d", len(backend.submitted))
	}
	for i, sub := range backend.submitted {
		if sub.id != want[i] {
			t.Fatalf("dispatch order %v, want %v", backend.submitted, want)
		}
	}
}

func TestInactiveTargetsNeverDispatched(t *testing.T) {
	clock := newFakeClock()
	backend := newFakeBackend(clock, true)
	s := newTestScheduler(clock, backend, &captureSink{})
	inactive := target("off", 5*time.Second)
	inactive.Active = false
	s.SetTargets([]domain.Target{inactive, target("on", 5 * time.Second)})

	for i := 0; i < 100; i++ {
		step(s, clock)
		clock.Advance(250 * time.Millisecond)
	}
	if got := len(backend.timesFor("off")); got != 0 {
		t.Fatalf("inactive target dispatched %d times", got)
	}
	if got := len(backend.timesFor("on")); got == 0 {
		t.Fatalf("active target never dispatched")
	}
}

func TestReloadReplacesWholeSet(t *testing.T) {
	clock := newFakeClock()
	backend := newFakeBackend(clock, true)
	s := newTestScheduler(clock, backend, &captureSink{})
	s.SetTargets([]domain.Target{target("a", 5 * time.Second), target("b", 5 * time.Second)})

	step(s, clock)

	// Replacement drops b, keeps a (with its anchor), adds c.
	s.apply([]domain.Target{target("a", 5 * time.Second), target("c", 5 * time.Second)}, clock.Now())
	clock.Advance(5 * time.Second)
	step(s, clock)

	if got := len(backend.timesFor("b")); got != 1 {
		t.Fatalf("removed target still dispatched: %d", got)
	}
	if got := len(backend.timesFor("c")); got != 1 {
		t.Fatalf("added target not dispatched: %d", got)
	}
	if got := len(backend.timesFor("a")); got != 2 {
		t.Fatalf("surviving target lost its cadence: %d", got)
	}
}

func TestReloadRemoveThenReaddKeepsSingleProbeInFlight(t *testing.T) {
	clock := newFakeClock()
	backend := newFakeBackend(clock, false) // probe stays outstanding
	s := newTestScheduler(clock, backend, &captureSink{})
	s.SetTargets([]domain.Target{target("a", 5 * time.Second)})

	step(s, clock) // dispatched, still running in the backend

	// Reload churn: a disappears, then comes back while its probe runs.
	s.apply(nil, clock.Now())
	s.apply([]domain.Target{target("a", 5 * time.Second)}, clock.Now())

	for i := 0; i < 4; i++ {
		clock.Advance(5 * time.Second)
		step(s, clock)
	}
	if got := len(backend.timesFor("a")); got != 1 {
		t.Fatalf("second probe dispatched while the first is outstanding: %d", got)
	}
	if got := s.Snapshot().InFlight; got != 1 {
		t.Fatalf("in-flight gauge = %d, want 1", got)
	}

	// The old probe's completion releases the re-added target.
	backend.complete("a")
	step(s, clock)
	if got := len(backend.timesFor("a")); got != 2 {
		t.Fatalf("completion did not release the target: %d dispatches", got)
	}
	if got := s.Snapshot().InFlight; got != 1 {
		t.Fatalf("in-flight gauge = %d after redispatch, want 1", got)
	}
}

func TestEndToEndThreeTargetsTwentySeconds(t *testing.T) {
	clock := newFakeClock()
	backend := newFakeBackend(clock, true)
	sink := &captureSink{}
	s := newTestScheduler(clock, backend, sink)
	s.SetTargets([]domain.Target{
		target("a", 5 * time.Second),
		target("b", 10 * time.Second),
		target("c", 10 * time.Second),
	})

	start := clock.Now()
	for clock.Now().Sub(start) < 20*time.Second {
		step(s, clock)
		clock.Advance(250 * time.Millisecond)
	}
	s.collect(context.Background())

	counts := map[domain.TargetID]int{}
	for _, sub := range backend.submitted {
		counts[sub.id]++
	}
	// a at 0,5,10,15; b and c at 0,10.
	if counts["a"] != 4 || counts["b"] != 2 || counts["c"] != 2 {
		t.Fatalf("dispatch counts %v", counts)
	}
	// Every dispatch completed and reached the sink exactly once.
	if got := len(sink.results); got != len(backend.submitted) {
		t.Fatalf("sink saw %d results for %d dispatches", got, len(backend.submitted))
	}
	snap := s.Snapshot()
	if snap.InFlight != 0 {
		t.Fatalf("in-flight not drained: %+v", snap)
	}
	if snap.Dispatched != uint64(len(backend.submitted)) {
		t.Fatalf("dispatch counter mismatch: %+v vs %d", snap, len(backend.submitted))
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	clock := newFakeClock()
	backend := newFakeBackend(clock, true)
	s := New(backend, &captureSink{}, Config{
		Tick: time.Millisecond, Timeout: time.Second, Grace: 50 * time.Millisecond,
	}, zap.NewNop())
	s.SetTargets([]domain.Target{target("a", 5 * time.Second)})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after cancellation")
	}
}
