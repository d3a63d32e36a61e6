package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"sitewatch/internal/domain"
	"sitewatch/internal/executor"
)

// Recorder receives completed results. Its implementation must never block
// beyond its own bounded retry budget.
type Recorder interface {
	Record(ctx context.Context, r domain.CheckResult)
}

type Config struct {
	Tick    time.Duration // loop granularity
	Timeout time.Duration // per-probe budget handed to the backend
	Grace   time.Duration // shutdown drain window for in-flight probes
	Now     func() time.Time
}

// entry is the per-target scheduling state. Only the Run goroutine touches it.
type entry struct {
	target   domain.Target
	nextDue  time.Time
	inFlight bool
}

// Scheduler owns the target set and each target's next-due time. One
// cooperative loop dispatches due targets to the backend and collects
// completions; it never blocks on a probe.
type Scheduler struct {
	log     *zap.Logger
	backend executor.Backend
	sink    Recorder
	cfg     Config

	order   []domain.TargetID
	entries map[domain.TargetID]*entry
	orphans map[domain.TargetID]int // outstanding probes of removed targets
	reload  chan []domain.Target

	// Counters readable from other goroutines (ops endpoint).
	targetCount atomic.Int64
	inFlight    atomic.Int64
	dispatched  atomic.Uint64
	deferred    atomic.Uint64
	completed   atomic.Uint64
}

func New(backend executor.Backend, sink Recorder, cfg Config, log *zap.Logger) *Scheduler {
	if cfg.Tick <= 0 {
		cfg.Tick = 250 * time.Millisecond
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Grace <= 0 {
		cfg.Grace = 15 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Scheduler{
		log:     log,
		backend: backend,
		sink:    sink,
		cfg:     cfg,
		entries: make(map[domain.TargetID]*entry),
		orphans: make(map[domain.TargetID]int),
		reload:  make(chan []domain.Target, 1),
	}
}

// SetTargets replaces the whole target set before Run starts.
func (s *Scheduler) SetTargets(ts []domain.Target) {
	s.apply(ts, s.cfg.Now())
}

// Reload swaps in a new target set from outside the loop. The swap is applied
// atomically between ticks; a pending unapplied reload is superseded.
func (s *Scheduler) Reload(ts []domain.Target) {
	for {
		select {
		case s.reload <- ts:
			return
		default:
			select {
			case <-s.reload:
			default:
			}
		}
	}
}

// apply replaces the target set. Targets that survive the reload keep their
// due-time anchor and in-flight flag; new targets are due immediately.
func (s *Scheduler) apply(ts []domain.Target, now time.Time) {
	old := s.entries
	s.entries = make(map[domain.TargetID]*entry, len(ts))
	s.order = s.order[:0]
	for _, t := range ts {
		e := &entry{target: t, nextDue: now}
		if prev, ok := old[t.ID]; ok {
			e.nextDue = prev.nextDue
			e.inFlight = prev.inFlight
		} else if s.orphans[t.ID] > 0 {
			// A probe dispatched before an earlier reload removed this id is
			// still outstanding; adopt it so a second one cannot start.
			s.orphans[t.ID]--
			e.inFlight = true
			s.inFlight.Add(1)
		}
		s.entries[t.ID] = e
		s.order = append(s.order, t.ID)
	}
	// A removed target's outstanding probe keeps running in the backend;
	// remember it so its completion (or a re-add) is matched up later.
	for id, prev := range old {
		if _, kept := s.entries[id]; !kept && prev.inFlight {
			s.orphans[id]++
			s.inFlight.Add(-1)
		}
	}
	s.targetCount.Store(int64(len(ts)))
	s.log.Info("targets_applied", zap.Int("count", len(ts)))
}

// Run drives the loop until ctx is cancelled, then drains in-flight probes
// for up to the grace period so partial results are not lost.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Tick)
	defer ticker.Stop()

	s.log.Info("scheduler_started",
		zap.Duration("tick", s.cfg.Tick),
		zap.Int64("targets", s.targetCount.Load()),
	)

	for {
		select {
		case <-ctx.Done():
			s.drain()
			s.log.Info("scheduler_stopped")
			return
		case ts := <-s.reload:
			s.apply(ts, s.cfg.Now())
		case res := <-s.backend.Results():
			s.complete(ctx, res)
		case <-ticker.C:
			s.collect(ctx)
			s.dispatchDue(ctx, s.cfg.Now())
		}
	}
}

// collect drains whatever completions are ready without blocking.
func (s *Scheduler) collect(ctx context.Context) {
	for {
		select {
		case res := <-s.backend.Results():
			s.complete(ctx, res)
		default:
			return
		}
	}
}

func (s *Scheduler) complete(ctx context.Context, res domain.CheckResult) {
	if e, ok := s.entries[res.TargetID]; ok && e.inFlight {
		e.inFlight = false
		s.inFlight.Add(-1)
	} else if !ok && s.orphans[res.TargetID] > 0 {
		s.orphans[res.TargetID]--
	}
	s.completed.Add(1)
	s.sink.Record(ctx, res)
}

// dispatchDue submits every due, not-in-flight target in insertion order.
// The next due time advances from the previous due time, not from now, so a
// late tick does not shift the cadence; a stall longer than one interval
// skips to the next on-cadence slot instead of bursting.
func (s *Scheduler) dispatchDue(ctx context.Context, now time.Time) {
	for _, id := range s.order {
		e := s.entries[id]
		if !e.target.Active || e.inFlight || e.nextDue.After(now) {
			continue
		}

		err := s.backend.Submit(executor.Task{Target: e.target, Timeout: s.cfg.Timeout})
		if errors.Is(err, executor.ErrCapacity) {
			// Leave the entry untouched; it stays due and is retried next
			// tick once the backend has room.
			s.deferred.Add(1)
			continue
		}
		if err != nil {
			s.deferred.Add(1)
			s.log.Warn("submit_error", zap.String("target_id", string(id)), zap.Error(err))
			continue
		}

		e.inFlight = true
		s.inFlight.Add(1)
		s.dispatched.Add(1)
		e.nextDue = e.nextDue.Add(e.target.Interval)
		for !e.nextDue.After(now) {
			e.nextDue = e.nextDue.Add(e.target.Interval)
		}
	}
}

// drain waits out in-flight probes up to the grace period, recording whatever
// finishes in time.
func (s *Scheduler) drain() {
	if s.inFlight.Load() == 0 {
		return
	}
	s.log.Info("scheduler_draining", zap.Int64("in_flight", s.inFlight.Load()))

	deadline := time.NewTimer(s.cfg.Grace)
	defer deadline.Stop()

	for s.inFlight.Load() > 0 {
		select {
		case res := <-s.backend.Results():
			s.complete(context.Background(), res)
		case <-deadline.C:
			s.log.Warn("drain_grace_expired", zap.Int64("abandoned", s.inFlight.Load()))
			return
		}
	}
}

// Snapshot is the scheduler's operational state for the status endpoint.
type Snapshot struct {
	Targets    int64  `json:"targets"`
	InFlight   int64  `json:"in_flight"`
	Dispatched uint64 `json:"dispatched"`
	Deferred   uint64 `json:"deferred"`
	Completed  uint64 `json:"completed"`
}

func (s *Scheduler) Snapshot() Snapshot {
	return Snapshot{
		Targets:    s.targetCount.Load(),
		InFlight:   s.inFlight.Load(),
		Dispatched: s.dispatched.Load(),
		Deferred:   s.deferred.Load(),
		Completed:  s.completed.Load(),
	}
}
