package commands

import (
	"fmt"
	"log"

	"dataharvest/lib/ibex"
	"dataharvest/lib/scrapers/cnmv"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

func init() {
	RootCmd.AddCommand(checkCmd)

	checkCmd.Flags().BoolVar(&checkHistorical, "historical", false, "Walk the full historic series instead of the alive positions.")
	checkCmd.Flags().StringVar(&checkSince, "since", "", "Walk the historic series back to this date (2006-01-02).")
	checkCmd.Flags().StringVar(&checkIsin, "isin", "", "Check a company that is not in the registry (requires --nif).")
	checkCmd.Flags().StringVar(&checkNif, "nif", "", "Tax id of the company given with --isin.")
	checkCmd.Flags().StringVar(&checkName, "name", "", "Display name of the company given with --isin.")
}

var (
	checkHistorical bool
	checkSince      string
	checkIsin       string
	checkNif        string
	checkName       string
)

var checkCmd = &cobra.Command{
	Use:   "check [ticker|isin|name]",
	Short: "Harvests a company live and prints what the portal discloses, without touching the database.",
	Args:  cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		var company ibex.Company
		if checkIsin != "" {
			// one-off check against a company nobody registered
			name := checkName
			if name == "" {
				name = checkIsin
			}
			company = ibex.Company{
				Name:   name,
				Ticker: name,
				ISIN:   checkIsin,
				NIF:    checkNif,
			}
			if err := company.Validate(); err != nil {
				log.Fatal(err)
			}
		} else {
			if len(args) == 0 {
				log.Fatal("give a ticker, isin or name to look up, or --isin/--nif for a one-off check")
			}
			store, database := openStore()
			defer database.Close()
			company = resolveCompany(cmd.Context(), store, args[0])
		}

		provider := newProvider()

		batch, err := provider.Positions(cmd.Context(), company, parseFrame(checkHistorical, checkSince))
		if err != nil {
			log.Fatal(err)
		}

		fmt.Printf("%s (%s) %s\n", company.Name, company.Ticker, company.ISIN)

		t := newTable()
		t.AppendHeader(table.Row{"Holder", "% of capital", "Date"})
		for _, p := range batch.Positions {
			t.AppendRow(table.Row{p.Holder, cnmv.FormatWeight(p.Weight), cnmv.FormatDate(p.Date)})
		}
		t.AppendFooter(table.Row{"Total", cnmv.FormatWeight(batch.Total()), ""})
		t.Render()

		fmt.Printf("%d positions over %d pages\n", len(batch.Positions), batch.Pages)
		if len(batch.RowErrors) > 0 {
			fmt.Printf("%d rows could not be read:\n", len(batch.RowErrors))
			for _, rowErr := range batch.RowErrors {
				fmt.Printf("  %s\n", rowErr.Error())
			}
		}
	},
}
