package probe

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptrace"
	"os"
	"regexp"
	"sync"
	"time"

	"sitewatch/internal/domain"
)

const defaultMaxBody = 4 << 20 // pattern scanning does not need more

// HTTPProber runs one GET against a target, capturing per-phase wall clock
// boundaries through httptrace and validating the configured content pattern.
type HTTPProber struct {
	Client  *http.Client
	MaxBody int64

	mu       sync.Mutex
	patterns map[string]*regexp.Regexp
}

func NewHTTPProber(timeout time.Duration) *HTTPProber {
	// Connection reuse would make DNS/connect/TLS phases vanish from most
	// results; disable keep-alives so every probe measures the full path.
	transport := &http.Transport{DisableKeepAlives: true}
	return &HTTPProber{
		Client: &http.Client{
			Timeout:   timeout,
			Transport: transport,
		},
		MaxBody:  defaultMaxBody,
		patterns: make(map[string]*regexp.Regexp),
	}
}

// phases collects httptrace timestamps for one request.
type phases struct {
	dnsStart, dnsDone         time.Time
	connectStart, connectDone time.Time
	tlsStart, tlsDone         time.Time
	wroteRequest, firstByte   time.Time
}

func (p *HTTPProber) Probe(ctx context.Context, t domain.Target) domain.CheckResult {
	res := domain.CheckResult{
		TargetID:  t.ID,
		CheckedAt: time.Now().UTC(),
		Details:   map[string]any{},
	}

	var ph phases
	trace := &httptrace.ClientTrace{
		DNSStart:     func(httptrace.DNSStartInfo) { ph.dnsStart = time.Now() },
		DNSDone:      func(httptrace.DNSDoneInfo) { ph.dnsDone = time.Now() },
		ConnectStart: func(string, string) { ph.connectStart = time.Now() },
		ConnectDone:  func(string, string, error) { ph.connectDone = time.Now() },
		TLSHandshakeStart: func() { ph.tlsStart = time.Now() },
		TLSHandshakeDone: func(tls.ConnectionState, error) {
			ph.tlsDone = time.Now()
		},
		WroteRequest: func(httptrace.WroteRequestInfo) { ph.wroteRequest = time.Now() },
		GotFirstResponseByte: func() { ph.firstByte = time.Now() },
	}

	req, err := http.NewRequestWithContext(httptrace.WithClientTrace(ctx, trace), http.MethodGet, t.URL, nil)
	if err != nil {
		res.Reason = domain.ReasonUnknown
		res.ReasonDetail = err.Error()
		return res
	}

	start := time.Now()
	resp, err := p.Client.Do(req)
	if err != nil {
		res.Total = time.Since(start)
		ph.apply(&res, time.Time{})
		res.Reason, res.ReasonDetail = classifyTransport(ctx, err)
		res.Details["error_type"] = fmt.Sprintf("%T", err)
		return res
	}
	defer resp.Body.Close()

	body, readErr := io.ReadAll(io.LimitReader(resp.Body, p.maxBody()))
	done := time.Now()
	res.Total = done.Sub(start)
	ph.apply(&res, done)

	status := resp.StatusCode
	res.HTTPStatus = &status
	res.PayloadBytes = int64(len(body))
	res.Details["headers"] = flattenHeaders(resp.Header)

	if readErr != nil {
		res.Reason, res.ReasonDetail = classifyTransport(ctx, readErr)
		return res
	}
	if status >= 400 {
		res.Reason = domain.ReasonHTTPError
		res.ReasonDetail = resp.Status
		return res
	}

	if t.Pattern != "" {
		re, err := p.pattern(t.Pattern)
		if err != nil {
			// Patterns are validated at startup; a broken one here is a bug.
			res.Reason = domain.ReasonUnknown
			res.ReasonDetail = fmt.Sprintf("pattern compile: %v", err)
			return res
		}
		loc := re.FindIndex(body)
		matched := loc != nil
		res.PatternMatched = &matched
		if !matched {
			res.Reason = domain.ReasonPatternMismatch
			res.ReasonDetail = fmt.Sprintf("pattern %q not found in body", t.Pattern)
			return res
		}
		res.Details["pattern_position"] = loc[0]
	}

	res.Success = true
	return res
}

// apply converts the collected trace points into optional phase durations.
// done is zero when the body was never read.
func (ph *phases) apply(res *domain.CheckResult, done time.Time) {
	set := func(dst **time.Duration, from, to time.Time) {
		if from.IsZero() || to.IsZero() || to.Before(from) {
			return
		}
		d := to.Sub(from)
		*dst = &d
	}
	set(&res.DNS, ph.dnsStart, ph.dnsDone)
	set(&res.Connect, ph.connectStart, ph.connectDone)
	set(&res.TLSHandshake, ph.tlsStart, ph.tlsDone)
	set(&res.ServerProcessing, ph.wroteRequest, ph.firstByte)
	set(&res.Transfer, ph.firstByte, done)
}

func classifyTransport(ctx context.Context, err error) (domain.FailureReason, string) {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return domain.ReasonTimeout, err.Error()
	}
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return domain.ReasonTimeout, err.Error()
	}
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return domain.ReasonTimeout, err.Error()
	}
	return domain.ReasonConnection, err.Error()
}

func (p *HTTPProber) pattern(src string) (*regexp.Regexp, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if re, ok := p.patterns[src]; ok {
		return re, nil
	}
	re, err := regexp.Compile(src)
	if err != nil {
		return nil, err
	}
	p.patterns[src] = re
	return re, nil
}

func (p *HTTPProber) maxBody() int64 {
	if p.MaxBody > 0 {
		return p.MaxBody
	}
	return defaultMaxBody
}

func flattenHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k := range h {
		out[k] = h.Get(k)
	}
	return out
}
