package commands

import (
	"fmt"
	"log"

	"dataharvest/lib/scrapers/cnmv"
	"dataharvest/lib/shorts"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

func init() {
	RootCmd.AddCommand(positionsCmd)

	positionsCmd.Flags().BoolVar(&positionsHistory, "history", false, "Print every disclosure on file, not just each holder's latest.")
}

var positionsHistory bool

var positionsCmd = &cobra.Command{
	Use:   "positions <ticker|isin|name>",
	Short: "Prints the short positions on file for a company.",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		store, database := openStore()
		defer database.Close()

		company := resolveCompany(cmd.Context(), store, args[0])

		var positions []shorts.Position
		var err error
		if positionsHistory {
			positions, err = store.History(cmd.Context(), company.ISIN)
		} else {
			positions, err = store.Latest(cmd.Context(), company.ISIN)
		}
		if err != nil {
			log.Fatal(err)
		}

		fmt.Printf("%s (%s) %s\n", company.Name, company.Ticker, company.ISIN)
		if len(positions) == 0 {
			fmt.Println("no short positions on file, run 'harvest-cli sync' first")
			return
		}

		t := newTable()
		t.AppendHeader(table.Row{"Holder", "% of capital", "Date"})
		for _, p := range positions {
			t.AppendRow(table.Row{p.Holder, cnmv.FormatWeight(p.Weight), cnmv.FormatDate(p.Date)})
		}
		t.Render()
	},
}
