package cnmv

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"dataharvest/lib/ibex"
	"dataharvest/lib/shorts"
	"dataharvest/lib/telemetry"
	"dataharvest/lib/timezone"

	"github.com/stretchr/testify/require"
)

var grifols = ibex.Company{
	FullName: "Grifols Clase A",
	Name:     "Grifols",
	Ticker:   "GRF",
	ISIN:     "ES0171996087",
	NIF:      "A-58389123",
}

func newTestClient(t *testing.T, handler http.Handler, options ClientOptions) *Client {
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	options.BaseUrl = server.URL
	if options.RequestsPerSecond == 0 {
		options.RequestsPerSecond = 1000
	}
	if options.RetryWaitTime == 0 {
		options.RetryWaitTime = time.Millisecond
	}
	client, err := NewClient(options)
	if err != nil {
		t.Fatal(err)
	}
	return client
}

type testRow struct {
	holder string
	weight string
	date   string
}

// renders a consulta page the way the portal does: a TablaDatos table
// with data-th labelled cells, optionally advertising the historic
// series.
func consultaHtml(rows []testRow, historic bool) string {
	b := strings.Builder{}
	b.WriteString(`<!DOCTYPE html>
<html lang="es">
<body>
<div id="ctl00_ContentPrincipal_wPanelConsulta">
<h1>Notificaciones de posiciones cortas</h1>
<p class="TituloEmisor">GRIFOLS, S.A. (ES0171996087)</p>
<table class="TablaDatos">
<thead><tr>
<th scope="col">Tenedor de la posici&oacute;n</th>
<th scope="col">% sobre el capital</th>
<th scope="col">Fecha de la posici&oacute;n</th>
</tr></thead>
<tbody>`)
	for _, row := range rows {
		fmt.Fprintf(&b, `
<tr>
<td class="Izquierda">%s</td>
<td data-th="%% sobre el capital">%s</td>
<td data-th="Fecha de la posición">%s</td>
</tr>`, row.holder, row.weight, row.date)
	}
	b.WriteString(`
</tbody>
</table>`)
	if historic {
		b.WriteString(`
<div class="Enlaces"><a href="PosicionesCortas.aspx?nif=A-58389123&amp;vista=1">Serie histórica</a></div>`)
	}
	b.WriteString(`
</div>
</body>
</html>`)
	return b.String()
}

// servePages serves one body per pagina value; pages past the map get
// a header-only table, like the portal past the end of the series.
func servePages(t *testing.T, pages map[int]string, hits *atomic.Int32) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits != nil {
			hits.Add(1)
		}
		if r.URL.Path != shortPositionsPath {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		if nif := r.URL.Query().Get("nif"); nif != grifols.NIF {
			t.Errorf("unexpected nif %q", nif)
		}
		page, err := strconv.Atoi(r.URL.Query().Get("pagina"))
		if err != nil {
			t.Errorf("unparsable pagina %q", r.URL.Query().Get("pagina"))
		}

		body, ok := pages[page]
		if !ok {
			body = consultaHtml(nil, true)
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprint(w, body)
	})
}

func TestPositionsCurrent(t *testing.T) {
	cleanup := telemetry.SetupForTesting("test:cnmv")
	defer cleanup()

	client := newTestClient(t, servePages(t, map[int]string{
		1: string(consultaGrifolsTest),
	}, nil), ClientOptions{})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
	defer cancel()

	batch, err := client.Positions(ctx, grifols, shorts.Current())
	if err != nil {
		t.Fatal(err)
	}

	require.Equal(t, grifols.ISIN, batch.ISIN)
	// page 2 came back empty, ending the walk
	require.Equal(t, 2, batch.Pages)
	require.Len(t, batch.RowErrors, 0)
	require.Len(t, batch.Positions, 3)

	require.Equal(t, "AQR CAPITAL MANAGEMENT, LLC", batch.Positions[0].Holder)
	require.Equal(t, 1.57, batch.Positions[0].Weight)
	require.True(t, batch.Positions[0].Date.Equal(
		time.Date(2024, 2, 21, 0, 0, 0, 0, timezone.Location)))

	require.Equal(t, "MILLENNIUM INTERNATIONAL MANAGEMENT LP", batch.Positions[1].Holder)
	require.Equal(t, 0.70, batch.Positions[1].Weight)

	require.Equal(t, "QUBE RESEARCH & TECHNOLOGIES LIMITED", batch.Positions[2].Holder)

	require.InDelta(t, 2.79, batch.Total(), 1e-9)
}

func TestPositionsNoData(t *testing.T) {
	client := newTestClient(t, servePages(t, map[int]string{
		1: string(consultaNoDataTest),
	}, nil), ClientOptions{})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
	defer cancel()

	// the portal positively reported "no data" for a known issuer:
	// a valid, empty harvest
	batch, err := client.Positions(ctx, grifols, shorts.Current())
	if err != nil {
		t.Fatal(err)
	}
	require.Len(t, batch.Positions, 0)
	require.Len(t, batch.RowErrors, 0)
	require.Equal(t, 1, batch.Pages)
}

func TestPositionsUnknownCompany(t *testing.T) {
	client := newTestClient(t, servePages(t, map[int]string{
		1: string(consultaUnknownTest),
	}, nil), ClientOptions{})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
	defer cancel()

	_, err := client.Positions(ctx, grifols, shorts.Current())
	require.ErrorIs(t, err, shorts.UnknownCompany)
}

func TestPositionsPortalFailure(t *testing.T) {
	client := newTestClient(t, servePages(t, map[int]string{
		1: string(consultaErrorTest),
	}, nil), ClientOptions{})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
	defer cancel()

	_, err := client.Positions(ctx, grifols, shorts.Current())
	var fetchErr shorts.FetchError
	require.ErrorAs(t, err, &fetchErr)
	// the portal reports this failure inside a 200 page
	require.Equal(t, http.StatusOK, fetchErr.Status)
}

func TestPositionsEmptyPageWithoutMarker(t *testing.T) {
	client := newTestClient(t, servePages(t, map[int]string{
		1: consultaHtml(nil, true),
	}, nil), ClientOptions{})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
	defer cancel()

	// zero rows with no "no data" marker is indistinguishable from a
	// silently broken page, so it must not pass as a valid empty result
	batch, err := client.Positions(ctx, grifols, shorts.Current())
	require.ErrorIs(t, err, shorts.EmptyHarvest)
	require.Equal(t, 1, batch.Pages)
}

func TestPositionsStructureDrift(t *testing.T) {
	client := newTestClient(t, servePages(t, map[int]string{
		1: string(consultaMissingColumnTest),
	}, nil), ClientOptions{})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
	defer cancel()

	_, err := client.Positions(ctx, grifols, shorts.Current())
	var structureErr shorts.StructureError
	require.ErrorAs(t, err, &structureErr)
}

func TestPositionsRowErrorRate(t *testing.T) {
	client := newTestClient(t, servePages(t, map[int]string{
		1: consultaHtml([]testRow{
			{"FUND A", "1,00", "21/02/2024"},
			{"FUND B", "n/a", "21/02/2024"},
			{"FUND C", "", "21/02/2024"},
			{"FUND D", "0,50", "pendiente"},
		}, true),
	}, nil), ClientOptions{})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
	defer cancel()

	// 3 of 4 rows unusable: that is drift, not bad luck
	_, err := client.Positions(ctx, grifols, shorts.Current())
	var structureErr shorts.StructureError
	require.ErrorAs(t, err, &structureErr)
	require.Contains(t, structureErr.Reason, "3 of 4 rows")
}

func TestPositionsPartialFailure(t *testing.T) {
	rows := []testRow{
		{"FUND 1", "1,00", "21/02/2024"},
		{"FUND 2", "0,90", "20/02/2024"},
		{"FUND 3", "no disponible", "19/02/2024"},
		{"FUND 4", "0,80", "18/02/2024"},
		{"FUND 5", "0,70", "17/02/2024"},
		{"FUND 6", "200,00", "16/02/2024"},
		{"FUND 7", "0,60", "15/02/2024"},
		{"FUND 8", "0,55", "14/02/2024"},
		{"FUND 9", "0,50", "99/99/2024"},
		{"FUND 10", "0,45", "13/02/2024"},
	}
	client := newTestClient(t, servePages(t, map[int]string{
		1: consultaHtml(rows, true),
	}, nil), ClientOptions{})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
	defer cancel()

	batch, err := client.Positions(ctx, grifols, shorts.Current())
	if err != nil {
		t.Fatal(err)
	}

	// 7 rows survive, the 3 unusable ones are reported but abort nothing
	require.Len(t, batch.Positions, 7)
	require.Len(t, batch.RowErrors, 3)
	require.Equal(t, 2, batch.RowErrors[0].Row)
	require.Equal(t, 5, batch.RowErrors[1].Row)
	require.Equal(t, 8, batch.RowErrors[2].Row)

	require.Equal(t, "FUND 1", batch.Positions[0].Holder)
	require.Equal(t, "FUND 10", batch.Positions[6].Holder)
}

func TestPositionsDuplicateWithinPage(t *testing.T) {
	client := newTestClient(t, servePages(t, map[int]string{
		1: consultaHtml([]testRow{
			{"FUND X", "1,00", "21/02/2024"},
			{"FUND Y", "0,50", "20/02/2024"},
			{"FUND X", "1,20", "21/02/2024"},
		}, true),
	}, nil), ClientOptions{})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
	defer cancel()

	batch, err := client.Positions(ctx, grifols, shorts.Current())
	if err != nil {
		t.Fatal(err)
	}

	// one record per natural key, the later value in the earlier slot
	require.Len(t, batch.Positions, 2)
	require.Equal(t, "FUND X", batch.Positions[0].Holder)
	require.Equal(t, 1.20, batch.Positions[0].Weight)
	require.Equal(t, "FUND Y", batch.Positions[1].Holder)
}

func TestPositionsHistoricalPagination(t *testing.T) {
	pages := map[int]string{
		1: consultaHtml([]testRow{
			{"FUND X", "1,00", "21/02/2024"},
			{"FUND Y", "0,50", "20/02/2024"},
		}, true),
		2: consultaHtml([]testRow{
			// the page boundary repeats FUND Y with a revised weight:
			// the later value must win, in its original place
			{"FUND Y", "0,60", "20/02/2024"},
			{"FUND Z", "0,30", "01/02/2024"},
		}, true),
	}
	client := newTestClient(t, servePages(t, pages, nil), ClientOptions{})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
	defer cancel()

	batch, err := client.Positions(ctx, grifols,
		shorts.Since(time.Date(2024, 1, 1, 0, 0, 0, 0, timezone.Location)))
	if err != nil {
		t.Fatal(err)
	}

	require.Equal(t, 3, batch.Pages)
	require.Len(t, batch.Positions, 3)
	require.Equal(t, "FUND X", batch.Positions[0].Holder)
	require.Equal(t, "FUND Y", batch.Positions[1].Holder)
	require.Equal(t, 0.60, batch.Positions[1].Weight)
	require.Equal(t, "FUND Z", batch.Positions[2].Holder)
}

func TestPositionsHistoricalCutoff(t *testing.T) {
	pages := map[int]string{
		1: consultaHtml([]testRow{
			{"FUND X", "1,00", "21/02/2024"},
			{"FUND Y", "0,50", "20/02/2024"},
		}, true),
		2: consultaHtml([]testRow{
			{"FUND Y", "0,60", "20/02/2024"},
			{"FUND Z", "0,30", "01/02/2024"},
		}, true),
	}
	hits := &atomic.Int32{}
	client := newTestClient(t, servePages(t, pages, hits), ClientOptions{})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
	defer cancel()

	batch, err := client.Positions(ctx, grifols,
		shorts.Since(time.Date(2024, 2, 15, 0, 0, 0, 0, timezone.Location)))
	if err != nil {
		t.Fatal(err)
	}

	// FUND Z predates the frame, so the walk stops at page 2
	require.Equal(t, 2, batch.Pages)
	require.Equal(t, int32(2), hits.Load())
	require.Len(t, batch.Positions, 2)
	require.Equal(t, 0.60, batch.Positions[1].Weight)
}

func TestPositionsHistoricalWithoutSeries(t *testing.T) {
	hits := &atomic.Int32{}
	client := newTestClient(t, servePages(t, map[int]string{
		1: consultaHtml([]testRow{
			{"FUND X", "1,00", "21/02/2024"},
		}, false),
	}, hits), ClientOptions{})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
	defer cancel()

	// issuers without a published serie histórica only have one page,
	// asking for more would loop on the same content
	batch, err := client.Positions(ctx, grifols,
		shorts.Since(time.Date(2024, 1, 1, 0, 0, 0, 0, timezone.Location)))
	if err != nil {
		t.Fatal(err)
	}
	require.Equal(t, 1, batch.Pages)
	require.Equal(t, int32(1), hits.Load())
	require.Len(t, batch.Positions, 1)
}

func TestPositionsMaxPages(t *testing.T) {
	page := consultaHtml([]testRow{
		{"FUND X", "1,00", "21/02/2024"},
		{"FUND Y", "0,50", "20/02/2024"},
	}, true)
	pages := map[int]string{}
	for i := 1; i <= 10; i++ {
		pages[i] = page
	}
	hits := &atomic.Int32{}
	client := newTestClient(t, servePages(t, pages, hits), ClientOptions{
		MaxPages: 2,
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
	defer cancel()

	batch, err := client.Positions(ctx, grifols,
		shorts.Since(time.Date(2024, 1, 1, 0, 0, 0, 0, timezone.Location)))
	if err != nil {
		t.Fatal(err)
	}

	require.Equal(t, 2, batch.Pages)
	require.Equal(t, int32(2), hits.Load())
	// identical rows on both pages collapse by natural key
	require.Len(t, batch.Positions, 2)
}

func TestPositionsRetriesServerErrors(t *testing.T) {
	hits := &atomic.Int32{}
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		fmt.Fprint(w, string(consultaNoDataTest))
	})
	client := newTestClient(t, handler, ClientOptions{MaxRetries: 3})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
	defer cancel()

	_, err := client.Positions(ctx, grifols, shorts.Current())
	if err != nil {
		t.Fatal(err)
	}
	require.Equal(t, int32(3), hits.Load())
}

func TestPositionsRetriesTooManyRequests(t *testing.T) {
	hits := &atomic.Int32{}
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		fmt.Fprint(w, string(consultaNoDataTest))
	})
	client := newTestClient(t, handler, ClientOptions{MaxRetries: 3})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
	defer cancel()

	_, err := client.Positions(ctx, grifols, shorts.Current())
	if err != nil {
		t.Fatal(err)
	}
	require.Equal(t, int32(3), hits.Load())
}

func TestPositionsDoesNotRetryClientErrors(t *testing.T) {
	hits := &atomic.Int32{}
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusNotFound)
	})
	client := newTestClient(t, handler, ClientOptions{MaxRetries: 3})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
	defer cancel()

	_, err := client.Positions(ctx, grifols, shorts.Current())
	var fetchErr shorts.FetchError
	require.ErrorAs(t, err, &fetchErr)
	require.Equal(t, http.StatusNotFound, fetchErr.Status)
	require.Equal(t, 1, fetchErr.Attempts)
	require.Equal(t, int32(1), hits.Load())
}

func TestPositionsExhaustsRetryBudget(t *testing.T) {
	hits := &atomic.Int32{}
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	client := newTestClient(t, handler, ClientOptions{MaxRetries: 2})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
	defer cancel()

	_, err := client.Positions(ctx, grifols, shorts.Current())
	var fetchErr shorts.FetchError
	require.ErrorAs(t, err, &fetchErr)
	require.Equal(t, http.StatusServiceUnavailable, fetchErr.Status)
	require.Equal(t, 3, fetchErr.Attempts)
	require.Equal(t, int32(3), hits.Load())
}

func TestPositionsMissingNIF(t *testing.T) {
	hits := &atomic.Int32{}
	client := newTestClient(t, servePages(t, nil, hits), ClientOptions{})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
	defer cancel()

	noNif := grifols
	noNif.NIF = ""
	_, err := client.Positions(ctx, noNif, shorts.Current())
	require.ErrorIs(t, err, MissingNIF)
	require.Equal(t, int32(0), hits.Load())
}

func TestPositionsInvalidCompany(t *testing.T) {
	client := newTestClient(t, servePages(t, nil, nil), ClientOptions{})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
	defer cancel()

	_, err := client.Positions(ctx, ibex.Company{
		Name:   "Nowhere",
		Ticker: "NWH",
		ISIN:   "XX123",
		NIF:    "A44901010",
	}, shorts.Current())
	require.Error(t, err)
}

func TestPositionsCancelled(t *testing.T) {
	client := newTestClient(t, servePages(t, nil, nil), ClientOptions{})

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := client.Positions(cancelled, grifols, shorts.Current())
	require.ErrorIs(t, err, context.Canceled)
}
