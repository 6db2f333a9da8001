// Package ibex describes the issuers short positions are disclosed
// against. The supervisor keys its consulta pages by the issuer's tax
// id (NIF), while downstream data is keyed by ISIN, so a Company
// carries both.
package ibex

import (
	"fmt"
	"regexp"
	"strings"

	"dataharvest/lib/textutil"

	"github.com/antzucaro/matchr"
)

// ISINs of issuers listed on the Spanish market: "ES" followed by ten
// digits.
var isinRegex = regexp.MustCompile(`^ES\d{10}$`)

type Company struct {
	// optional long listing name, e.g. "Grifols Clase A"
	FullName string `json:"full_name"`
	Name     string `json:"name"`
	Ticker   string `json:"ticker"`
	ISIN     string `json:"isin"`
	// tax id (e.g. "A-58389123"), required to query the consulta
	// endpoint; issuers without a Spanish registration lack one
	NIF string `json:"nif"`
}

func (c Company) String() string {
	return c.Ticker
}

func (c Company) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("company name is required")
	}
	if c.Ticker == "" {
		return fmt.Errorf("company ticker is required")
	}
	if !isinRegex.MatchString(c.ISIN) {
		return fmt.Errorf("%q is not a valid spanish ISIN", c.ISIN)
	}
	return nil
}

// the floor a fuzzy match must clear before Find will trust it
const similarityFloor = 0.85

// Find resolves a user-supplied query (ticker, ISIN or a rough company
// name) against a listing. Exact ticker/ISIN matches win outright,
// otherwise the most similar name above the similarity floor is
// returned.
func Find(companies []Company, query string) (Company, bool) {
	trimmed := strings.TrimSpace(query)
	for _, c := range companies {
		if strings.EqualFold(c.Ticker, trimmed) || strings.EqualFold(c.ISIN, trimmed) {
			return c, true
		}
	}

	normalized := textutil.NormalizeName(trimmed)
	if normalized == "" {
		return Company{}, false
	}

	var best Company
	var similarity float64
	for _, c := range companies {
		for _, candidate := range []string{c.Name, c.FullName, c.Ticker} {
			if candidate == "" {
				continue
			}
			sim := matchr.JaroWinkler(textutil.NormalizeName(candidate), normalized, false)
			if sim > similarity {
				similarity = sim
				best = c
			}
		}
	}
	if similarity < similarityFloor {
		return Company{}, false
	}
	return best, true
}
