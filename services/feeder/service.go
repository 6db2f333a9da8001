// Package feeder keeps the short position store in step with what the
// portal currently discloses.
package feeder

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"dataharvest/lib/ibex"
	"dataharvest/lib/shorts"
	"dataharvest/lib/shortstore"
	"dataharvest/lib/timezone"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

type Options struct {
	// Workers bounds how many companies sync concurrently in SyncAll.
	// The provider's rate limiter is shared, so raising this past a
	// few only deepens the request queue.
	Workers int
}

// Store is the slice of shortstore.Store the feeder drives.
type Store interface {
	Companies(ctx context.Context) ([]ibex.Company, error)
	Projection(ctx context.Context, isin string) (map[shorts.Key]shortstore.Stored, error)
	Apply(ctx context.Context, delta shortstore.Delta) error
	RecordRun(ctx context.Context, run shortstore.Run) error
}

type Service struct {
	store    Store
	provider shorts.Provider
	workers  int
}

func NewService(store Store, provider shorts.Provider, options Options) Service {
	workers := options.Workers
	if workers <= 0 {
		workers = 4
	}
	return Service{
		store:    store,
		provider: provider,
		workers:  workers,
	}
}

// Report tallies what one sync did to the store.
type Report struct {
	Company   ibex.Company
	Pages     int
	Inserted  int
	Updated   int
	Unchanged int
	// rows the portal served but which failed normalization
	Skipped int
}

func (r Report) Changed() bool {
	return r.Inserted > 0 || r.Updated > 0
}

// Sync harvests one company and commits whatever differs from the
// store. Rerunning it against an unchanged portal writes nothing.
func (s Service) Sync(ctx context.Context, company ibex.Company, frame shorts.TimeFrame) (Report, error) {
	ctx, span := tracer.Start(ctx, "Sync")
	defer span.End()

	span.SetAttributes(
		attribute.String("ticker", company.Ticker),
		attribute.String("isin", company.ISIN),
	)

	report := Report{Company: company}
	started := timezone.Now()

	batch, err := s.provider.Positions(ctx, company, frame)
	if err != nil {
		s.recordFailure(ctx, company, started, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "harvest failed")
		return report, err
	}
	report.Pages = batch.Pages
	report.Skipped = len(batch.RowErrors)

	projection, err := s.store.Projection(ctx, company.ISIN)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to load stored positions")
		return report, err
	}

	var upserts []shorts.Position
	for _, p := range batch.Positions {
		stored, ok := projection[p.Key()]
		switch {
		case !ok:
			report.Inserted++
			upserts = append(upserts, p)
		case stored.RowHash != p.RowHash:
			report.Updated++
			upserts = append(upserts, p)
		default:
			report.Unchanged++
		}
	}

	delta := shortstore.Delta{
		Time:    batch.Time,
		Upserts: upserts,
		Run: shortstore.Run{
			Id:         uuid.NewString(),
			ISIN:       company.ISIN,
			StartedAt:  started,
			FinishedAt: timezone.Now(),
			Pages:      report.Pages,
			Inserted:   report.Inserted,
			Updated:    report.Updated,
			Unchanged:  report.Unchanged,
			Skipped:    report.Skipped,
			Status:     shortstore.RunStatusDone,
		},
	}
	err = s.store.Apply(ctx, delta)
	if err != nil {
		slog.WarnContext(ctx, "commit failed, retrying once", "ticker", company.Ticker, "err", err)
		err = s.store.Apply(ctx, delta)
	}
	if err != nil {
		s.recordFailure(ctx, company, started, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to commit delta")
		return report, err
	}

	slog.DebugContext(
		ctx, "sync complete",
		"ticker", company.Ticker,
		"pages", report.Pages,
		"inserted", report.Inserted,
		"updated", report.Updated,
		"unchanged", report.Unchanged,
		"skipped", report.Skipped,
	)
	return report, nil
}

func (s Service) recordFailure(ctx context.Context, company ibex.Company, started time.Time, cause error) {
	err := s.store.RecordRun(ctx, shortstore.Run{
		Id:         uuid.NewString(),
		ISIN:       company.ISIN,
		StartedAt:  started,
		FinishedAt: timezone.Now(),
		Status:     shortstore.RunStatusFailed,
		Error:      cause.Error(),
	})
	if err != nil {
		slog.WarnContext(ctx, "failed to record failed run", "ticker", company.Ticker, "err", err)
	}
}

// Outcome pairs a sync's report with the error that ended it, if any.
type Outcome struct {
	Report Report
	Err    error
}

// SyncAll syncs every given company over a bounded worker pool. A
// failed company never stops the others.
func (s Service) SyncAll(ctx context.Context, companies []ibex.Company, frame shorts.TimeFrame) []Outcome {
	ctx, span := tracer.Start(ctx, "SyncAll")
	defer span.End()

	span.SetAttributes(attribute.Int("companies", len(companies)))

	outcomes := make([]Outcome, len(companies))
	slots := make(chan struct{}, s.workers)
	wg := sync.WaitGroup{}
	for i, company := range companies {
		wg.Add(1)
		go func() {
			defer wg.Done()
			slots <- struct{}{}
			defer func() { <-slots }()

			report, err := s.Sync(ctx, company, frame)
			if err != nil {
				slog.WarnContext(ctx, "sync failed", "ticker", company.Ticker, "err", err)
			}
			outcomes[i] = Outcome{Report: report, Err: err}
		}()
	}
	wg.Wait()

	return outcomes
}
