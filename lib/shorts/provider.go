package shorts

import (
	"context"
	"time"

	"dataharvest/lib/ibex"
	"dataharvest/lib/timezone"
)

// TimeFrame selects how far back a harvest reaches. The zero value
// asks for the currently alive positions only; Since(t) walks the
// historic series back to t's Madrid calendar day.
type TimeFrame struct {
	Since time.Time
}

func Current() TimeFrame {
	return TimeFrame{}
}

// Since covers the historic series back to the start of t's Madrid
// day. Disclosure dates are calendar days, so a cutoff given mid-day
// must not drop that day's own rows.
func Since(t time.Time) TimeFrame {
	return TimeFrame{Since: timezone.Midnight(t)}
}

func (f TimeFrame) Historical() bool {
	return !f.Since.IsZero()
}

// Provider harvests the short positions a supervisor publishes against
// a single issuer. Implementations must be safe for concurrent use:
// the feeder runs one harvest per issuer over a shared provider.
type Provider interface {
	Name() string
	Positions(ctx context.Context, company ibex.Company, frame TimeFrame) (Batch, error)
}
