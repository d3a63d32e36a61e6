package domain

import "time"

type TargetID string

// Interval bounds for a target's check cadence.
const (
	MinInterval = 5 * time.Second
	MaxInterval = 300 * time.Second
)

// Target is one monitored endpoint. The set of targets is immutable for the
// duration of a monitoring run; a reload swaps the whole set.
type Target struct {
	ID       TargetID      `json:"id"`
	URL      string        `json:"url"`
	Interval time.Duration `json:"interval"`
	Pattern  string        `json:"pattern,omitempty"` // regex the body must contain
	Active   bool          `json:"active"`
}

// FailureReason is the categorical cause of a failed check.
type FailureReason string

const (
	ReasonTimeout         FailureReason = "timeout"
	ReasonConnection      FailureReason = "connection_error"
	ReasonHTTPError       FailureReason = "http_error"
	ReasonPatternMismatch FailureReason = "pattern_mismatch"
	ReasonUnknown         FailureReason = "unknown"
)

// Transient reports whether a retry could plausibly change the outcome.
// Bad status codes and content mismatches are answers, not faults.
func (r FailureReason) Transient() bool {
	return r == ReasonTimeout || r == ReasonConnection
}

// CheckResult is the outcome of a single probe. Phase durations are nil when
// the phase never completed (reused connection, transport failure mid-way).
type CheckResult struct {
	TargetID  TargetID  `json:"target_id"`
	CheckedAt time.Time `json:"checked_at"`

	Total            time.Duration  `json:"total"`
	DNS              *time.Duration `json:"dns,omitempty"`
	Connect          *time.Duration `json:"connect,omitempty"`
	TLSHandshake     *time.Duration `json:"tls_handshake,omitempty"`
	ServerProcessing *time.Duration `json:"server_processing,omitempty"`
	Transfer         *time.Duration `json:"transfer,omitempty"`

	PayloadBytes int64 `json:"payload_bytes"`
	HTTPStatus   *int  `json:"http_status,omitempty"` // nil on transport failure

	Success        bool          `json:"success"`
	PatternMatched *bool         `json:"pattern_matched,omitempty"` // nil when no pattern configured
	Reason         FailureReason `json:"reason,omitempty"`          // empty on success
	ReasonDetail   string        `json:"reason_detail,omitempty"`

	Details map[string]any `json:"details,omitempty"`
}

// Key identifies a result for idempotent persistence.
func (r *CheckResult) Key() string {
	return string(r.TargetID) + "@" + r.CheckedAt.UTC().Format(time.RFC3339Nano)
}

// TotalMS is the total duration in milliseconds, the unit stored and aggregated.
func (r *CheckResult) TotalMS() float64 {
	return float64(r.Total) / float64(time.Millisecond)
}
