package commands

import (
	"log"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

func init() {
	RootCmd.AddCommand(runsCmd)

	runsCmd.Flags().IntVar(&runsLimit, "limit", 20, "How many runs to print.")
}

var runsLimit int

var runsCmd = &cobra.Command{
	Use:   "runs [ticker|isin|name]",
	Short: "Prints recent sync runs, newest first.",
	Args:  cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		store, database := openStore()
		defer database.Close()

		isin := ""
		if len(args) > 0 {
			isin = resolveCompany(cmd.Context(), store, args[0]).ISIN
		}

		runs, err := store.Runs(cmd.Context(), isin, runsLimit)
		if err != nil {
			log.Fatal(err)
		}

		t := newTable()
		t.AppendHeader(table.Row{"Started", "ISIN", "Status", "Pages", "New", "Changed", "Same", "Skipped", "Error"})
		for _, r := range runs {
			t.AppendRow(table.Row{
				r.StartedAt.Format("02/01/2006 15:04:05"),
				r.ISIN, r.Status, r.Pages,
				r.Inserted, r.Updated, r.Unchanged, r.Skipped,
				r.Error,
			})
		}
		t.Render()
	},
}
