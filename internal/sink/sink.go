package sink

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"sitewatch/internal/domain"
	"sitewatch/internal/repo"
)

// Sink persists check results. Writes are idempotent per (target, checked_at)
// at the store level, so a redelivered result is harmless. Storage failures
// are retried with exponential backoff a bounded number of times, then the
// result is dropped and counted: monitoring data tolerates loss, but the loss
// must be visible.
type Sink struct {
	store    repo.ResultStore
	log      *zap.Logger
	attempts int
	backoff  time.Duration
	sleep    func(time.Duration)

	dropped atomic.Uint64
}

func New(store repo.ResultStore, attempts int, backoff time.Duration, log *zap.Logger) *Sink {
	if attempts < 1 {
		attempts = 1
	}
	return &Sink{
		store:    store,
		log:      log,
		attempts: attempts,
		backoff:  backoff,
		sleep:    time.Sleep,
	}
}

// SetSleep injects the backoff wait, for tests.
func (s *Sink) SetSleep(fn func(time.Duration)) { s.sleep = fn }

func (s *Sink) Record(ctx context.Context, r domain.CheckResult) {
	var err error
	for i := 0; i < s.attempts; i++ {
		if err = s.store.Insert(ctx, &r); err == nil {
			return
		}
		if ctx.Err() != nil {
			break
		}
		if i < s.attempts-1 {
			s.sleep(backoffFor(s.backoff, i))
		}
	}
	s.dropped.Add(1)
	s.log.Warn("result_dropped",
		zap.String("target_id", string(r.TargetID)),
		zap.Time("checked_at", r.CheckedAt),
		zap.Uint64("dropped_total", s.dropped.Load()),
		zap.Error(err),
	)
}

// maxBackoff caps the exponential pause between persistence attempts.
const maxBackoff = time.Minute

// backoffFor doubles base per attempt, capped so a large attempt budget can
// neither overflow the shift nor sleep unboundedly.
func backoffFor(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}
	d := base
	for i := 0; i < attempt && d < maxBackoff; i++ {
		d <<= 1
	}
	if d > maxBackoff {
		d = maxBackoff
	}
	return d
}

// Dropped reports how many results were lost after retry exhaustion.
func (s *Sink) Dropped() uint64 {
	return s.dropped.Load()
}
