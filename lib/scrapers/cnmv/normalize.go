package cnmv

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"dataharvest/lib/shorts"
	"dataharvest/lib/timezone"
)

// disclosure dates come as dd/mm/yyyy Madrid calendar days
const dateLayout = "02/01/2006"

// ParseWeight parses the portal's comma-decimal percent notation
// ("3,72") into a fraction of share capital. Values must be finite and
// inside [0,100].
func ParseWeight(s string) (float64, error) {
	cleaned := strings.TrimSpace(s)
	cleaned = strings.TrimSuffix(cleaned, "%")
	cleaned = strings.TrimSpace(cleaned)
	cleaned = strings.ReplaceAll(cleaned, ",", ".")
	if cleaned == "" {
		return 0, fmt.Errorf("empty cell")
	}

	weight, err := strconv.ParseFloat(cleaned, 64)
	if err != nil {
		return 0, fmt.Errorf("not a decimal number")
	}
	if math.IsNaN(weight) || math.IsInf(weight, 0) {
		return 0, fmt.Errorf("not a finite number")
	}
	if weight < 0 || weight > 100 {
		return 0, fmt.Errorf("%v is outside [0, 100]", weight)
	}
	return weight, nil
}

// FormatWeight renders a weight the way the portal publishes it: two
// decimals, comma separator.
func FormatWeight(weight float64) string {
	return strings.ReplaceAll(strconv.FormatFloat(weight, 'f', 2, 64), ".", ",")
}

func ParseDate(s string) (time.Time, error) {
	date, err := time.ParseInLocation(dateLayout, strings.TrimSpace(s), timezone.Location)
	if err != nil {
		return time.Time{}, fmt.Errorf("not a dd/mm/yyyy date")
	}
	return date, nil
}

func FormatDate(date time.Time) string {
	return date.In(timezone.Location).Format(dateLayout)
}

// normalizeFragment turns one parsed source row into a Position. A bad
// cell rejects that row only; the caller aggregates the RowError and
// carries on with the rest of the batch.
func normalizeFragment(frag Fragment, isin string) (shorts.Position, *shorts.RowError) {
	holder := frag.Cells[columnHolder]
	if holder == "" {
		return shorts.Position{}, &shorts.RowError{
			Row:    frag.Row,
			Column: columnHolder,
			Err:    fmt.Errorf("empty cell"),
		}
	}

	weight, err := ParseWeight(frag.Cells[columnWeight])
	if err != nil {
		return shorts.Position{}, &shorts.RowError{
			Row:    frag.Row,
			Column: columnWeight,
			Value:  frag.Cells[columnWeight],
			Err:    err,
		}
	}

	date, err := ParseDate(frag.Cells[columnDate])
	if err != nil {
		return shorts.Position{}, &shorts.RowError{
			Row:    frag.Row,
			Column: columnDate,
			Value:  frag.Cells[columnDate],
			Err:    err,
		}
	}

	return shorts.Position{
		ISIN:    isin,
		Holder:  holder,
		Weight:  weight,
		Date:    date,
		RowHash: shorts.HashRow(holder, weight, date),
	}, nil
}
