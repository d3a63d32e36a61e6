package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"sitewatch/internal/domain"
	"sitewatch/internal/repo"
)

var (
	_ repo.TargetStore = (*Store)(nil)
	_ repo.ResultStore = (*Store)(nil)
	_ repo.StatStore   = (*Store)(nil)
)

// Store keeps everything in maps. It backs tests and DSN-less runs.
type Store struct {
	mu      sync.RWMutex
	targets []domain.Target
	results map[string]*domain.CheckResult
	stats   map[statKey]*domain.DailyStat
	runs    []*domain.AggregationRun
}

type statKey struct {
	target domain.TargetID
	day    time.Time
}

func New() *Store {
	return &Store{
		results: make(map[string]*domain.CheckResult),
		stats:   make(map[statKey]*domain.DailyStat),
	}
}

func (m *Store) SyncTargets(ctx context.Context, ts []domain.Target) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.targets = append([]domain.Target(nil), ts...)
	return nil
}

func (m *Store) Insert(ctx context.Context, r *domain.CheckResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := r.Key()
	if _, exists := m.results[key]; exists {
		return nil
	}
	cp := *r
	m.results[key] = &cp
	return nil
}

func (m *Store) SelectRange(ctx context.Context, from, to time.Time) ([]*domain.CheckResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*domain.CheckResult
	for _, r := range m.results {
		if !r.CheckedAt.Before(from) && r.CheckedAt.Before(to) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CheckedAt.Before(out[j].CheckedAt) })
	return out, nil
}

func (m *Store) DeleteBefore(ctx context.Context, t time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for key, r := range m.results {
		if r.CheckedAt.Before(t) {
			delete(m.results, key)
			n++
		}
	}
	return n, nil
}

func (m *Store) UpsertDaily(ctx context.Context, stats []*domain.DailyStat) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.upsertLocked(stats)
	return nil
}

func (m *Store) MarkCompleted(ctx context.Context, stats []*domain.DailyStat, run *domain.AggregationRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.upsertLocked(stats)
	cp := *run
	m.runs = append(m.runs, &cp)
	return nil
}

func (m *Store) upsertLocked(stats []*domain.DailyStat) {
	for _, s := range stats {
		key := statKey{target: s.TargetID, day: s.Day.UTC()}
		cur, ok := m.stats[key]
		if !ok {
			cp := *s
			m.stats[key] = &cp
			continue
		}
		cur.Merge(*s)
	}
}

func (m *Store) LastRun(ctx context.Context) (*domain.AggregationRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var last *domain.AggregationRun
	for _, r := range m.runs {
		if last == nil || r.WindowEnd.After(last.WindowEnd) {
			last = r
		}
	}
	return last, nil
}

// Stats returns a copy of the current rollups, for tests and the query path.
func (m *Store) Stats() []*domain.DailyStat {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*domain.DailyStat, 0, len(m.stats))
	for _, s := range m.stats {
		cp := *s
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].TargetID != out[j].TargetID {
			return out[i].TargetID < out[j].TargetID
		}
		return out[i].Day.Before(out[j].Day)
	})
	return out
}

// ResultCount reports how many raw rows remain.
func (m *Store) ResultCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.results)
}
