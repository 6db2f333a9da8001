// Package shorts holds the domain types for regulatory short-selling
// disclosures: the normalized position record, the batch a harvest
// produces, and the provider capability scrapers implement.
package shorts

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"
)

// Position is one disclosed short position: a holder's bet against an
// issuer, published on a given Madrid calendar day.
type Position struct {
	// issuer ISIN, e.g. "ES0171996087"
	ISIN string
	// the entity holding the short position
	Holder string
	// percent of the issuer's share capital, in [0,100]
	Weight float64
	// disclosure date, midnight Europe/Madrid
	Date time.Time
	// provenance hash of the canonicalized source row
	RowHash string
}

// Key is the natural key disclosures are stored and deduplicated by.
type Key struct {
	ISIN   string
	Holder string
	// "2006-01-02"
	Date string
}

const DateKeyLayout = "2006-01-02"

func (p Position) Key() Key {
	return Key{
		ISIN:   p.ISIN,
		Holder: p.Holder,
		Date:   p.Date.Format(DateKeyLayout),
	}
}

// HashRow computes the provenance hash over the canonical parsed
// values of a source row. Rows that differ only in insignificant
// whitespace hash identically; any value change produces a different
// hash.
func HashRow(holder string, weight float64, date time.Time) string {
	payload := fmt.Sprintf(
		"%s|%s|%s",
		holder,
		strconv.FormatFloat(weight, 'f', -1, 64),
		date.Format(DateKeyLayout),
	)
	sum := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:])
}

// Batch is the result of harvesting one issuer over one time frame.
type Batch struct {
	ISIN string
	// when the harvest ran
	Time time.Time
	// source order preserved; unique by Key, last parsed value wins
	Positions []Position
	// rows the normalizer skipped, aggregated instead of aborting
	RowErrors []RowError
	// pages attempted, reported even when no rows came back
	Pages int
}

// Total is the aggregate disclosed short interest, in percent of
// share capital.
func (b Batch) Total() float64 {
	var total float64
	for _, p := range b.Positions {
		total += p.Weight
	}
	return total
}
