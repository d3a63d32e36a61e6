package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"regexp"
	"time"

	"sitewatch/internal/domain"
)

// targetSpec is the on-disk shape of one target entry.
type targetSpec struct {
	ID              string `json:"id"`
	URL             string `json:"url"`
	IntervalSeconds int    `json:"check_interval_seconds"`
	Pattern         string `json:"regex_pattern,omitempty"`
	Active          *bool  `json:"is_active,omitempty"` // default true
}

// LoadTargets reads and validates the target list. Any invalid entry is fatal:
// a half-applied target set is worse than a refused start.
func LoadTargets(path string) ([]domain.Target, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read targets file: %w", err)
	}
	var specs []targetSpec
	if err := json.Unmarshal(raw, &specs); err != nil {
		return nil, fmt.Errorf("parse targets file: %w", err)
	}
	if len(specs) == 0 {
		return nil, fmt.Errorf("targets file %s lists no targets", path)
	}

	seen := make(map[domain.TargetID]bool, len(specs))
	out := make([]domain.Target, 0, len(specs))
	for i, s := range specs {
		t, err := validate(s)
		if err != nil {
			return nil, fmt.Errorf("target %d (%s): %w", i, s.URL, err)
		}
		if seen[t.ID] {
			return nil, fmt.Errorf("target %d: duplicate id %q", i, t.ID)
		}
		seen[t.ID] = true
		out = append(out, t)
	}
	return out, nil
}

func validate(s targetSpec) (domain.Target, error) {
	var t domain.Target
	if s.ID == "" {
		return t, fmt.Errorf("id is required")
	}
	if err := validateURL(s.URL); err != nil {
		return t, err
	}
	interval := time.Duration(s.IntervalSeconds) * time.Second
	if interval < domain.MinInterval || interval > domain.MaxInterval {
		return t, fmt.Errorf("check_interval_seconds %d outside %v..%v",
			s.IntervalSeconds, domain.MinInterval, domain.MaxInterval)
	}
	if s.Pattern != "" {
		if _, err := regexp.Compile(s.Pattern); err != nil {
			return t, fmt.Errorf("invalid regex_pattern: %w", err)
		}
	}
	active := true
	if s.Active != nil {
		active = *s.Active
	}
	return domain.Target{
		ID:       domain.TargetID(s.ID),
		URL:      s.URL,
		Interval: interval,
		Pattern:  s.Pattern,
		Active:   active,
	}, nil
}

func validateURL(raw string) error {
	if raw == "" {
		return fmt.Errorf("url is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("url scheme must be http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("url has no host")
	}
	return nil
}
