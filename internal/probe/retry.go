package probe

import (
	"context"
	"time"

	"sitewatch/internal/domain"
)

// Retry wraps a Prober with a bounded attempt loop. Only transient failures
// (timeout, connection error) are retried; a bad status or a content mismatch
// is a definitive answer and reported immediately. Every attempt gets the same
// timeout budget. The reported result is the last attempt's outcome.
type Retry struct {
	Inner    Prober
	Attempts int
	Backoff  time.Duration
	Sleep    func(time.Duration) // nil means time.Sleep; tests inject a no-op
}

func (r *Retry) Probe(ctx context.Context, t domain.Target) domain.CheckResult {
	attempts := r.Attempts
	if attempts < 1 {
		attempts = 1
	}
	sleep := r.Sleep
	if sleep == nil {
		sleep = time.Sleep
	}

	var last domain.CheckResult
	made := 0
	for i := 0; i < attempts; i++ {
		last = r.Inner.Probe(ctx, t)
		made++
		if last.Success || !last.Reason.Transient() {
			break
		}
		if ctx.Err() != nil {
			break
		}
		if i < attempts-1 {
			sleep(r.Backoff)
		}
	}

	if last.Details == nil {
		last.Details = map[string]any{}
	}
	last.Details["attempts"] = made
	last.Details["retries"] = made - 1
	return last
}
