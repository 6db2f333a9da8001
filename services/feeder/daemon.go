package feeder

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"time"

	"dataharvest/lib/ibex"
	"dataharvest/lib/shorts"
	"dataharvest/lib/timezone"

	"github.com/patrickmn/go-cache"
	"go.opentelemetry.io/otel/codes"
)

type DaemonOptions struct {
	// Hours lists the Madrid hours a cycle may start at. The supervisor
	// publishes in the evening, after the session closes.
	Hours []int
	// Frame is the reach of each cycle's harvests. The zero value syncs
	// the currently alive positions only, which is what a daily daemon
	// wants.
	Frame shorts.TimeFrame
	// CycleTimeout caps one full sweep over all companies.
	CycleTimeout time.Duration
	// SkipFor is how long a company the portal reports as unknown stays
	// out of rotation before being retried.
	SkipFor  time.Duration
	Notifier *Notifier
}

func (o DaemonOptions) withDefaults() DaemonOptions {
	if len(o.Hours) == 0 {
		o.Hours = []int{17}
	}
	if o.CycleTimeout <= 0 {
		o.CycleTimeout = time.Hour
	}
	if o.SkipFor <= 0 {
		o.SkipFor = time.Hour * 24
	}
	return o
}

// RunDaemon syncs every stored company once per listed hour until ctx
// is cancelled.
func (s Service) RunDaemon(ctx context.Context, options DaemonOptions) {
	options = options.withDefaults()

	slog.InfoContext(ctx, "starting sync daemon", "hours", options.Hours)

	unknown := cache.New(options.SkipFor, time.Hour)

	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := timezone.Now()
			if !slices.Contains(options.Hours, now.Hour()) {
				continue
			}

			cycleCtx, cancel := context.WithTimeout(ctx, options.CycleTimeout)
			s.runCycle(cycleCtx, options, unknown)
			cancel()
		}
	}
}

func (s Service) runCycle(ctx context.Context, options DaemonOptions, unknown *cache.Cache) {
	ctx, span := tracer.Start(ctx, "runCycle")
	defer span.End()

	companies, err := s.store.Companies(ctx)
	if err != nil {
		slog.ErrorContext(ctx, "list companies", "err", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to list companies")
		return
	}

	var due []ibex.Company
	for _, c := range companies {
		if _, found := unknown.Get(c.ISIN); found {
			continue
		}
		due = append(due, c)
	}
	if len(due) == 0 {
		slog.InfoContext(ctx, "no companies due for sync")
		return
	}

	outcomes := s.SyncAll(ctx, due, options.Frame)

	var changed []Report
	for _, outcome := range outcomes {
		if errors.Is(outcome.Err, shorts.UnknownCompany) {
			// no series on the portal; recheck after SkipFor instead
			// of every cycle
			slog.WarnContext(ctx, "portal does not know company",
				"ticker", outcome.Report.Company.Ticker)
			unknown.Set(outcome.Report.Company.ISIN, true, cache.DefaultExpiration)
			continue
		}
		if outcome.Err != nil {
			continue
		}
		if outcome.Report.Changed() {
			changed = append(changed, outcome.Report)
		}
	}

	slog.InfoContext(ctx, "sync cycle complete",
		"companies", len(due), "changed", len(changed))

	if options.Notifier != nil && len(changed) > 0 {
		err := options.Notifier.SendDigest(ctx, changed)
		if err != nil {
			slog.ErrorContext(ctx, "send digest", "err", err)
		}
	}
}
