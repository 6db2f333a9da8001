package cnmv

import (
	"fmt"

	"dataharvest/lib/htmlutil"
	"dataharvest/lib/shorts"
	"dataharvest/lib/textutil"

	"github.com/PuerkitoBio/goquery"
)

// canonical column labels of the consulta results table, as carried in
// the portal's data-th cell attributes
const (
	columnHolder = "Tenedor de la posición"
	columnWeight = "% sobre el capital"
	columnDate   = "Fecha de la posición"
)

var expectedColumns = []string{columnHolder, columnWeight, columnDate}

// Fragment is one source row before normalization: canonical column
// label → canonicalized cell text. Fragments keep source order.
type Fragment struct {
	// zero-based index within the page
	Row   int
	Cells map[string]string
}

// parseFragments extracts the results table of a consulta page. The
// table is located structurally (rows whose cells carry data-th
// labels, with the Izquierda-classed cell as the holder fallback),
// never by regexing markup. Rows that carry data cells but not the
// expected column set mean the portal changed its layout, which is a
// StructureError rather than something to guess around.
func parseFragments(doc *goquery.Document, page int) ([]Fragment, error) {
	rows := doc.Find("table tr")
	if rows.Length() == 0 {
		return nil, shorts.StructureError{Page: page, Reason: "results table not found"}
	}

	var fragments []Fragment
	var structureErr error
	rows.EachWithBreak(func(_ int, row *goquery.Selection) bool {
		cells := map[string]string{}
		row.Find("td").Each(func(_ int, cell *goquery.Selection) {
			label := textutil.CleanCell(cell.AttrOr("data-th", ""))
			if label == "" && cell.HasClass("Izquierda") {
				label = columnHolder
			}
			if label == "" {
				return
			}
			cells[label] = htmlutil.CellText(cell)
		})
		if len(cells) == 0 {
			// header or layout row
			return true
		}

		if len(cells) != len(expectedColumns) {
			structureErr = shorts.StructureError{
				Page:   page,
				Reason: fmt.Sprintf("expected %d columns, found %d", len(expectedColumns), len(cells)),
			}
			return false
		}
		for _, label := range expectedColumns {
			if _, ok := cells[label]; !ok {
				structureErr = shorts.StructureError{
					Page:   page,
					Reason: fmt.Sprintf("the %q column is missing", label),
				}
				return false
			}
		}

		fragments = append(fragments, Fragment{
			Row:   len(fragments),
			Cells: cells,
		})
		return true
	})
	if structureErr != nil {
		return nil, structureErr
	}

	return fragments, nil
}
