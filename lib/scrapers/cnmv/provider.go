package cnmv

import (
	"context"
	"fmt"
	"log/slog"

	"dataharvest/lib/ibex"
	"dataharvest/lib/shorts"
	"dataharvest/lib/timezone"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

func (c *Client) Name() string {
	return "cnmv"
}

// Positions harvests the disclosures against one issuer: it walks the
// consulta pages until the portal runs out of rows (or the page bound
// trips), normalizes every row, aggregates the unusable ones, and
// deduplicates by natural key with the last parsed value winning.
func (c *Client) Positions(ctx context.Context, company ibex.Company, frame shorts.TimeFrame) (shorts.Batch, error) {
	ctx, span := tracer.Start(ctx, "Positions")
	defer span.End()
	span.SetAttributes(
		attribute.String("ticker", company.Ticker),
		attribute.String("isin", company.ISIN),
		attribute.Bool("historical", frame.Historical()),
	)

	err := company.Validate()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid company")
		return shorts.Batch{}, err
	}
	if company.NIF == "" {
		span.SetStatus(codes.Error, "missing nif")
		return shorts.Batch{}, MissingNIF
	}

	batch := shorts.Batch{
		ISIN: company.ISIN,
		Time: timezone.Now(),
	}
	// natural key → index into batch.Positions
	index := map[shorts.Key]int{}
	rowsSeen := 0
	sawNoData := false

	for page := 1; ; page++ {
		if page > c.options.MaxPages {
			slog.WarnContext(
				ctx, "harvest stopped at the page bound",
				"ticker", company.Ticker,
				"pages", c.options.MaxPages,
			)
			break
		}
		err := ctx.Err()
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "cancelled")
			return shorts.Batch{}, err
		}

		span.AddEvent("fetching", trace.WithAttributes(attribute.Int("page", page)))
		result, err := c.fetchPage(ctx, company.NIF, page)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "fetch failed")
			return shorts.Batch{}, err
		}
		batch.Pages = page
		if result.noData {
			sawNoData = true
			break
		}

		span.AddEvent("parsing", trace.WithAttributes(attribute.Int("page", page)))
		fragments, err := parseFragments(result.doc, page)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "page structure drifted")
			return shorts.Batch{}, err
		}
		if len(fragments) == 0 {
			// pagination exhausted
			break
		}

		span.AddEvent("normalizing", trace.WithAttributes(attribute.Int("page", page)))
		reachedCutoff := false
		for _, frag := range fragments {
			rowIndex := rowsSeen
			rowsSeen++

			position, rowErr := normalizeFragment(frag, company.ISIN)
			if rowErr != nil {
				rowErr.Row = rowIndex
				slog.WarnContext(
					ctx, "skipping unusable row",
					"ticker", company.Ticker,
					"page", page,
					"err", rowErr,
				)
				batch.RowErrors = append(batch.RowErrors, *rowErr)
				continue
			}
			if frame.Historical() && position.Date.Before(frame.Since) {
				reachedCutoff = true
				continue
			}

			key := position.Key()
			at, seen := index[key]
			if seen {
				// last parsed value wins, source order is kept
				batch.Positions[at] = position
				continue
			}
			index[key] = len(batch.Positions)
			batch.Positions = append(batch.Positions, position)
		}

		if reachedCutoff {
			break
		}
		if frame.Historical() && page == 1 && !result.historic {
			// the portal only paginates when it advertises the
			// serie histórica; without it page 1 is all there is
			break
		}
	}

	if rowsSeen > 0 {
		errRate := float64(len(batch.RowErrors)) / float64(rowsSeen)
		if errRate > c.options.RowErrorLimit {
			err := shorts.StructureError{
				Page:   batch.Pages,
				Reason: fmt.Sprintf("%d of %d rows failed normalization", len(batch.RowErrors), rowsSeen),
			}
			span.RecordError(err)
			span.SetStatus(codes.Error, "row error rate over the limit")
			return shorts.Batch{}, err
		}
	}

	if rowsSeen == 0 && !sawNoData {
		span.SetStatus(codes.Error, "no rows and no no-data marker")
		// the batch still carries how many pages were walked, so a
		// broken-empty harvest is diagnosable
		return batch, shorts.EmptyHarvest
	}

	slog.DebugContext(
		ctx, "harvest complete",
		"ticker", company.Ticker,
		"pages", batch.Pages,
		"positions", len(batch.Positions),
		"skipped", len(batch.RowErrors),
	)
	return batch, nil
}
