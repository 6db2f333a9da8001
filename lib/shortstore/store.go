// Package shortstore persists scraped short positions, the companies
// they belong to and the outcome of every sync run.
package shortstore

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"dataharvest/lib/ibex"
	"dataharvest/lib/shorts"
	"dataharvest/lib/timezone"

	_ "github.com/tursodatabase/libsql-client-go/libsql"
	_ "modernc.org/sqlite"
)

type Store struct {
	db *sql.DB
}

func NewStore(database *sql.DB) Store {
	return Store{db: database}
}

func (s Store) AddCompany(ctx context.Context, company ibex.Company) error {
	_, err := s.db.ExecContext(ctx, `
insert into companies (isin, name, full_name, ticker, nif)
values (?, ?, ?, ?, ?)
on conflict (isin) do update set
	name = excluded.name,
	full_name = excluded.full_name,
	ticker = excluded.ticker,
	nif = excluded.nif`,
		company.ISIN, company.Name, company.FullName, company.Ticker, company.NIF)
	return err
}

func (s Store) Companies(ctx context.Context) ([]ibex.Company, error) {
	rows, err := s.db.QueryContext(ctx, `
select isin, name, full_name, ticker, nif
from companies
order by ticker asc`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var companies []ibex.Company
	for rows.Next() {
		var c ibex.Company
		err := rows.Scan(&c.ISIN, &c.Name, &c.FullName, &c.Ticker, &c.NIF)
		if err != nil {
			return nil, err
		}
		companies = append(companies, c)
	}
	return companies, rows.Err()
}

// Stored is the subset of a persisted position the feeder diffs against.
type Stored struct {
	Weight  float64
	RowHash string
}

// Projection returns every stored position for the given isin keyed the
// same way incoming scrape rows are keyed, so a sync can classify each
// row as an insert, an update or unchanged without further queries.
func (s Store) Projection(ctx context.Context, isin string) (map[shorts.Key]Stored, error) {
	rows, err := s.db.QueryContext(ctx, `
select holder, position_date, weight, row_hash
from short_positions
where isin = ?`, isin)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	projection := make(map[shorts.Key]Stored)
	for rows.Next() {
		var key shorts.Key
		var stored Stored
		err := rows.Scan(&key.Holder, &key.Date, &stored.Weight, &stored.RowHash)
		if err != nil {
			return nil, err
		}
		key.ISIN = isin
		projection[key] = stored
	}
	return projection, rows.Err()
}

func (s Store) scanPositions(rows *sql.Rows) ([]shorts.Position, error) {
	defer rows.Close()

	var positions []shorts.Position
	for rows.Next() {
		var p shorts.Position
		var rawDate string
		err := rows.Scan(&p.ISIN, &p.Holder, &rawDate, &p.Weight, &p.RowHash)
		if err != nil {
			return nil, err
		}
		date, err := time.ParseInLocation(shorts.DateKeyLayout, rawDate, timezone.Location)
		if err != nil {
			slog.Warn("skipping position with malformed date", "date", rawDate, "err", err)
			continue
		}
		p.Date = date
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

// Latest returns the most recently disclosed position of every holder
// still on file for the given isin, largest weight first.
func (s Store) Latest(ctx context.Context, isin string) ([]shorts.Position, error) {
	rows, err := s.db.QueryContext(ctx, `
select p.isin, p.holder, p.position_date, p.weight, p.row_hash
from short_positions p
join (
	select holder, max(position_date) as position_date
	from short_positions
	where isin = ?
	group by holder
) latest on p.holder = latest.holder and p.position_date = latest.position_date
where p.isin = ?
order by p.weight desc, p.holder asc`, isin, isin)
	if err != nil {
		return nil, err
	}
	return s.scanPositions(rows)
}

// History returns every disclosure on file for the given isin, newest
// first.
func (s Store) History(ctx context.Context, isin string) ([]shorts.Position, error) {
	rows, err := s.db.QueryContext(ctx, `
select isin, holder, position_date, weight, row_hash
from short_positions
where isin = ?
order by position_date desc, holder asc`, isin)
	if err != nil {
		return nil, err
	}
	return s.scanPositions(rows)
}

const (
	RunStatusDone   = "done"
	RunStatusFailed = "failed"
)

// Run records the outcome of one sync of one company.
type Run struct {
	Id         string
	ISIN       string
	StartedAt  time.Time
	FinishedAt time.Time
	Pages      int
	Inserted   int
	Updated    int
	Unchanged  int
	Skipped    int
	Status     string
	Error      string
}

// Delta is the write set of a successful sync: the rows that changed
// plus the run describing them. Apply commits both in one transaction
// so a crash can never leave rows without their run or vice versa.
type Delta struct {
	Time    time.Time
	Upserts []shorts.Position
	Run     Run
}

func (s Store) Apply(ctx context.Context, delta Delta) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, p := range delta.Upserts {
		_, err := tx.ExecContext(ctx, `
insert into short_positions (isin, holder, position_date, weight, row_hash, updated_at)
values (?, ?, ?, ?, ?, ?)
on conflict (isin, holder, position_date) do update set
	weight = excluded.weight,
	row_hash = excluded.row_hash,
	updated_at = excluded.updated_at`,
			p.ISIN, p.Holder, p.Date.Format(shorts.DateKeyLayout),
			p.Weight, p.RowHash, delta.Time.Unix())
		if err != nil {
			return err
		}
	}

	err = insertRun(ctx, tx, delta.Run)
	if err != nil {
		return err
	}
	return tx.Commit()
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertRun(ctx context.Context, db execer, run Run) error {
	_, err := db.ExecContext(ctx, `
insert into sync_runs (id, isin, started_at, finished_at, pages, inserted, updated, unchanged, skipped, status, error)
values (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.Id, run.ISIN, run.StartedAt.Unix(), run.FinishedAt.Unix(),
		run.Pages, run.Inserted, run.Updated, run.Unchanged, run.Skipped,
		run.Status, run.Error)
	return err
}

// RecordRun persists a run on its own, outside any delta. Failed syncs
// use it since they have no rows to commit.
func (s Store) RecordRun(ctx context.Context, run Run) error {
	return insertRun(ctx, s.db, run)
}

// Runs returns up to limit recent runs, newest first, optionally
// filtered to one isin.
func (s Store) Runs(ctx context.Context, isin string, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `
select id, isin, started_at, finished_at, pages, inserted, updated, unchanged, skipped, status, error
from sync_runs
order by started_at desc
limit ?`
	args := []any{limit}
	if isin != "" {
		query = `
select id, isin, started_at, finished_at, pages, inserted, updated, unchanged, skipped, status, error
from sync_runs
where isin = ?
order by started_at desc
limit ?`
		args = []any{isin, limit}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var r Run
		var startedAt, finishedAt int64
		err := rows.Scan(
			&r.Id, &r.ISIN, &startedAt, &finishedAt,
			&r.Pages, &r.Inserted, &r.Updated, &r.Unchanged, &r.Skipped,
			&r.Status, &r.Error)
		if err != nil {
			return nil, err
		}
		r.StartedAt = time.Unix(startedAt, 0).In(timezone.Location)
		r.FinishedAt = time.Unix(finishedAt, 0).In(timezone.Location)
		runs = append(runs, r)
	}
	return runs, rows.Err()
}
