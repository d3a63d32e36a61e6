package probe

import (
	"context"

	"sitewatch/internal/domain"
)

// Prober performs a single check against one target.
type Prober interface {
	Probe(ctx context.Context, t domain.Target) domain.CheckResult
}
