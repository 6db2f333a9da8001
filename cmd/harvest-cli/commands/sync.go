package commands

import (
	"log"

	"dataharvest/lib/ibex"
	"dataharvest/services/feeder"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

func init() {
	RootCmd.AddCommand(syncCmd)

	syncCmd.Flags().BoolVar(&syncHistorical, "historical", false, "Walk the full historic series instead of the alive positions.")
	syncCmd.Flags().StringVar(&syncSince, "since", "", "Walk the historic series back to this date (2006-01-02).")
	syncCmd.Flags().IntVar(&syncWorkers, "workers", 0, "How many companies to sync at once.")
}

var (
	syncHistorical bool
	syncSince      string
	syncWorkers    int
)

var syncCmd = &cobra.Command{
	Use:   "sync [ticker|isin...]",
	Short: "Harvests every registered company (or just the named ones) and commits what changed.",
	Run: func(cmd *cobra.Command, args []string) {
		store, database := openStore()
		defer database.Close()

		companies, err := store.Companies(cmd.Context())
		if err != nil {
			log.Fatal(err)
		}
		if len(args) > 0 {
			var selected []ibex.Company
			for _, query := range args {
				company, ok := ibex.Find(companies, query)
				if !ok {
					log.Fatalf("no company matches %q", query)
				}
				selected = append(selected, company)
			}
			companies = selected
		}
		if len(companies) == 0 {
			log.Fatal("no companies registered; add some with 'harvest-cli company add'")
		}

		service := feeder.NewService(store, newProvider(), feeder.Options{
			Workers: syncWorkers,
		})
		outcomes := service.SyncAll(
			cmd.Context(), companies, parseFrame(syncHistorical, syncSince))

		t := newTable()
		t.AppendHeader(table.Row{"Ticker", "Pages", "New", "Changed", "Same", "Skipped", "Result"})
		for _, outcome := range outcomes {
			result := "ok"
			if outcome.Err != nil {
				result = outcome.Err.Error()
			}
			r := outcome.Report
			t.AppendRow(table.Row{
				r.Company.Ticker, r.Pages,
				r.Inserted, r.Updated, r.Unchanged, r.Skipped,
				result,
			})
		}
		t.Render()
	},
}
