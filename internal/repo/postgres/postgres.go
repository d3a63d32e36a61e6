package postgres

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"sitewatch/internal/domain"
	"sitewatch/internal/repo"
)

var (
	_ repo.TargetStore = (*Store)(nil)
	_ repo.ResultStore = (*Store)(nil)
	_ repo.StatStore   = (*Store)(nil)
)

//go:embed schema.sql
var schema string

type Store struct {
	pool *pgxpool.Pool
	log  *zap.Logger
}

func New(ctx context.Context, dsn string, log *zap.Logger) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.New: %w", err)
	}
	ctxPing, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(ctxPing); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return &Store{pool: pool, log: log}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// EnsureSchema creates tables, indexes, and the trailing-24h view.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// ---- TargetStore ----

func (s *Store) SyncTargets(ctx context.Context, ts []domain.Target) error {
	for _, t := range ts {
		_, err := s.pool.Exec(ctx,
			`INSERT INTO targets (id, url, interval_s, pattern, active)
			 VALUES ($1, $2, $3, NULLIF($4, ''), $5)
			 ON CONFLICT (id) DO UPDATE
			    SET url = EXCLUDED.url,
			        interval_s = EXCLUDED.interval_s,
			        pattern = EXCLUDED.pattern,
			        active = EXCLUDED.active`,
			string(t.ID), t.URL, int(t.Interval/time.Second), t.Pattern, t.Active,
		)
		if err != nil {
			return fmt.Errorf("sync target %s: %w", t.ID, err)
		}
	}
	return nil
}

// ---- ResultStore ----

func (s *Store) Insert(ctx context.Context, r *domain.CheckResult) error {
	var details []byte
	if len(r.Details) > 0 {
		b, err := json.Marshal(r.Details)
		if err != nil {
			s.log.Warn("details_marshal_failed",
				zap.String("target_id", string(r.TargetID)), zap.Error(err))
		} else {
			details = b
		}
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO results
		   (target_id, checked_at, total_ms,
		    dns_ms, connect_ms, tls_handshake_ms, server_processing_ms, transfer_ms,
		    payload_bytes, http_status, success, pattern_matched,
		    reason, reason_detail, details)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,NULLIF($13,''),NULLIF($14,''),$15)
		 ON CONFLICT (target_id, checked_at) DO NOTHING`,
		string(r.TargetID), r.CheckedAt.UTC(), r.TotalMS(),
		ms(r.DNS), ms(r.Connect), ms(r.TLSHandshake), ms(r.ServerProcessing), ms(r.Transfer),
		r.PayloadBytes, r.HTTPStatus, r.Success, r.PatternMatched,
		string(r.Reason), r.ReasonDetail, details,
	)
	if err != nil {
		return fmt.Errorf("insert result: %w", err)
	}
	return nil
}

func (s *Store) SelectRange(ctx context.Context, from, to time.Time) ([]*domain.CheckResult, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT target_id, checked_at, total_ms, payload_bytes, http_status,
		        success, pattern_matched, reason, reason_detail
		   FROM results
		  WHERE checked_at >= $1 AND checked_at < $2
		  ORDER BY checked_at`,
		from.UTC(), to.UTC())
	if err != nil {
		return nil, fmt.Errorf("select results: %w", err)
	}
	defer rows.Close()

	var out []*domain.CheckResult
	for rows.Next() {
		var (
			r        domain.CheckResult
			targetID string
			totalMS  float64
			reason   *string
			detail   *string
		)
		if err := rows.Scan(&targetID, &r.CheckedAt, &totalMS, &r.PayloadBytes,
			&r.HTTPStatus, &r.Success, &r.PatternMatched, &reason, &detail); err != nil {
			return nil, fmt.Errorf("scan result: %w", err)
		}
		r.TargetID = domain.TargetID(targetID)
		r.Total = time.Duration(totalMS * float64(time.Millisecond))
		if reason != nil {
			r.Reason = domain.FailureReason(*reason)
		}
		if detail != nil {
			r.ReasonDetail = *detail
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

func (s *Store) DeleteBefore(ctx context.Context, t time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM results WHERE checked_at < $1`, t.UTC())
	if err != nil {
		return 0, fmt.Errorf("delete results: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ---- StatStore ----

const upsertStatSQL = `
INSERT INTO daily_stats
  (target_id, day, total_checks, successful_checks, failure_count,
   min_response_ms, avg_response_ms, max_response_ms)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
ON CONFLICT (target_id, day) DO UPDATE SET
  avg_response_ms = (daily_stats.avg_response_ms * daily_stats.total_checks
                     + EXCLUDED.avg_response_ms * EXCLUDED.total_checks)
                    / (daily_stats.total_checks + EXCLUDED.total_checks),
  total_checks      = daily_stats.total_checks + EXCLUDED.total_checks,
  successful_checks = daily_stats.successful_checks + EXCLUDED.successful_checks,
  failure_count     = daily_stats.failure_count + EXCLUDED.failure_count,
  min_response_ms   = LEAST(daily_stats.min_response_ms, EXCLUDED.min_response_ms),
  max_response_ms   = GREATEST(daily_stats.max_response_ms, EXCLUDED.max_response_ms)`

func (s *Store) UpsertDaily(ctx context.Context, stats []*domain.DailyStat) error {
	for _, st := range stats {
		if err := upsertStat(ctx, s.pool, st); err != nil {
			return err
		}
	}
	return nil
}

// MarkCompleted writes the window's stats and its completion marker in one
// transaction. Either the whole window lands or none of it does.
func (s *Store) MarkCompleted(ctx context.Context, stats []*domain.DailyStat, run *domain.AggregationRun) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, st := range stats {
		if err := upsertStat(ctx, tx, st); err != nil {
			return err
		}
	}
	_, err = tx.Exec(ctx,
		`INSERT INTO aggregation_runs (id, window_start, window_end, completed_at)
		 VALUES ($1,$2,$3,$4)`,
		run.ID, run.WindowStart.UTC(), run.WindowEnd.UTC(), run.CompletedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert aggregation run: %w", err)
	}
	return tx.Commit(ctx)
}

type execer interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

func upsertStat(ctx context.Context, db execer, st *domain.DailyStat) error {
	_, err := db.Exec(ctx, upsertStatSQL,
		string(st.TargetID), st.Day.UTC(), st.TotalChecks, st.SuccessfulChecks,
		st.FailureCount, st.MinMS, st.AvgMS, st.MaxMS)
	if err != nil {
		return fmt.Errorf("upsert daily stat %s/%s: %w", st.TargetID, st.Day.Format("2006-01-02"), err)
	}
	return nil
}

func (s *Store) LastRun(ctx context.Context) (*domain.AggregationRun, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, window_start, window_end, completed_at
		   FROM aggregation_runs
		  ORDER BY window_end DESC
		  LIMIT 1`)
	var run domain.AggregationRun
	if err := row.Scan(&run.ID, &run.WindowStart, &run.WindowEnd, &run.CompletedAt); err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("last aggregation run: %w", err)
	}
	return &run, nil
}

func ms(d *time.Duration) *float64 {
	if d == nil {
		return nil
	}
	v := float64(*d) / float64(time.Millisecond)
	return &v
}
