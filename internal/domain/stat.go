package domain

import "time"

// DailyStat is the per-(target, day) rollup of raw results. Day is a UTC
// midnight timestamp.
type DailyStat struct {
	TargetID         TargetID  `json:"target_id"`
	Day              time.Time `json:"day"`
	TotalChecks      int64     `json:"total_checks"`
	SuccessfulChecks int64     `json:"successful_checks"`
	FailureCount     int64     `json:"failure_count"`
	MinMS            float64   `json:"min_response_ms"`
	AvgMS            float64   `json:"avg_response_ms"`
	MaxMS            float64   `json:"max_response_ms"`
}

// Merge folds another stat for the same (target, day) into s. Counts add,
// extremes extremize, and the average recombines as a weighted mean so repeated
// partial rollups converge to the same totals as a single pass.
func (s *DailyStat) Merge(o DailyStat) {
	if o.TotalChecks == 0 {
		return
	}
	if s.TotalChecks == 0 {
		*s = DailyStat{TargetID: s.TargetID, Day: s.Day}
		s.TotalChecks = o.TotalChecks
		s.SuccessfulChecks = o.SuccessfulChecks
		s.FailureCount = o.FailureCount
		s.MinMS, s.AvgMS, s.MaxMS = o.MinMS, o.AvgMS, o.MaxMS
		return
	}
	total := s.TotalChecks + o.TotalChecks
	s.AvgMS = (s.AvgMS*float64(s.TotalChecks) + o.AvgMS*float64(o.TotalChecks)) / float64(total)
	s.TotalChecks = total
	s.SuccessfulChecks += o.SuccessfulChecks
	s.FailureCount += o.FailureCount
	if o.MinMS < s.MinMS {
		s.MinMS = o.MinMS
	}
	if o.MaxMS > s.MaxMS {
		s.MaxMS = o.MaxMS
	}
}

// Observe folds one raw result into the stat.
func (s *DailyStat) Observe(r *CheckResult) {
	ms := r.TotalMS()
	if s.TotalChecks == 0 {
		s.MinMS, s.MaxMS = ms, ms
	} else {
		if ms < s.MinMS {
			s.MinMS = ms
		}
		if ms > s.MaxMS {
			s.MaxMS = ms
		}
	}
	s.AvgMS = (s.AvgMS*float64(s.TotalChecks) + ms) / float64(s.TotalChecks+1)
	s.TotalChecks++
	if r.Success {
		s.SuccessfulChecks++
	} else {
		s.FailureCount++
	}
}

// DayOf truncates t to its UTC day.
func DayOf(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}

// AggregationRun marks a summarize window that completed in full. Purge only
// touches windows that carry a marker, so a retried cycle can never drop raw
// rows that were never folded into stats.
type AggregationRun struct {
	ID          string    `json:"id"`
	WindowStart time.Time `json:"window_start"`
	WindowEnd   time.Time `json:"window_end"`
	CompletedAt time.Time `json:"completed_at"`
}
