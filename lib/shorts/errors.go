package shorts

import (
	"errors"
	"fmt"
)

// the portal does not recognize the issuer at all, as opposed to
// knowing it and having nothing disclosed against it
var UnknownCompany = errors.New("the supervisor does not recognize this company")

// the harvest produced zero usable rows without the source positively
// reporting "no data"; a valid empty result is a nil-error Batch. The
// batch returned alongside this error still reports the pages walked.
var EmptyHarvest = errors.New("harvest produced no usable rows")

// FetchError is a transport-level failure that survived the retry
// budget: network errors, timeouts and non-retryable statuses.
type FetchError struct {
	URL      string
	Attempts int
	// last http status observed, 0 when the request never completed
	Status int
	Err    error
}

func (e FetchError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("fetch %s: status %d after %d attempt(s): %v", e.URL, e.Status, e.Attempts, e.Err)
	}
	return fmt.Sprintf("fetch %s: %v after %d attempt(s)", e.URL, e.Err, e.Attempts)
}

func (e FetchError) Unwrap() error {
	return e.Err
}

// StructureError means the page markup no longer matches what the
// parser expects: the results table is gone, a column was renamed, or
// normalization failed across the board. Retrying will not help;
// someone has to look at the page.
type StructureError struct {
	Page   int
	Reason string
}

func (e StructureError) Error() string {
	return fmt.Sprintf("page %d no longer matches the expected structure: %s", e.Page, e.Reason)
}

// RowError is a single row the normalizer could not turn into a
// Position. Row errors are aggregated on the batch; they only fail the
// harvest when their rate points at systematic drift.
type RowError struct {
	// zero-based row index within the harvest
	Row    int
	Column string
	Value  string
	Err    error
}

func (e RowError) Error() string {
	return fmt.Sprintf("row %d: column %q value %q: %v", e.Row, e.Column, e.Value, e.Err)
}

func (e RowError) Unwrap() error {
	return e.Err
}
