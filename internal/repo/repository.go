package repo

import (
	"context"
	"time"

	"sitewatch/internal/domain"
)

// Ports (interfaces) — swap in any DB adapter later.

// TargetStore mirrors the configured target set into storage so results can
// be joined against it by external reporting tools.
type TargetStore interface {
	SyncTargets(ctx context.Context, ts []domain.Target) error
}

// ResultStore persists raw check results. Insert is idempotent per
// (target, checked_at): writing the same key twice leaves storage unchanged.
type ResultStore interface {
	Insert(ctx context.Context, r *domain.CheckResult) error
	SelectRange(ctx context.Context, from, to time.Time) ([]*domain.CheckResult, error)
	DeleteBefore(ctx context.Context, t time.Time) (int64, error)
}

// StatStore owns daily rollups and the markers recording which summarize
// windows completed.
type StatStore interface {
	// UpsertDaily merges each delta into any existing (target, day) row:
	// counts add, min/max extremize, averages recombine as weighted means.
	UpsertDaily(ctx context.Context, stats []*domain.DailyStat) error

	// MarkCompleted records a finished summarize window atomically with the
	// stats written for it, so a retried cycle can detect prior completion.
	MarkCompleted(ctx context.Context, stats []*domain.DailyStat, run *domain.AggregationRun) error

	LastRun(ctx context.Context) (*domain.AggregationRun, error)
}
