package commands

import (
	"log"

	"dataharvest/lib/ibex"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

func init() {
	companyCmd.AddCommand(companyAddCmd)
	companyCmd.AddCommand(companyListCmd)
	RootCmd.AddCommand(companyCmd)

	companyAddCmd.Flags().StringVar(&addName, "name", "", "Short display name, defaults to the ticker.")
	companyAddCmd.Flags().StringVar(&addFullName, "full-name", "", "Long listing name, e.g. 'Grifols Clase A'.")
	companyAddCmd.Flags().StringVar(&addNif, "nif", "", "Tax id the supervisor keys its consulta by.")
}

var companyCmd = &cobra.Command{
	Use:   "company",
	Short: "The 'company' subcommand manages the companies being tracked.",
}

var (
	addName     string
	addFullName string
	addNif      string
)

var companyAddCmd = &cobra.Command{
	Use:   "add <ticker> <isin>",
	Short: "Registers a company so syncs and queries can refer to it.",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		store, database := openStore()
		defer database.Close()

		company := ibex.Company{
			FullName: addFullName,
			Name:     addName,
			Ticker:   args[0],
			ISIN:     args[1],
			NIF:      addNif,
		}
		if company.Name == "" {
			company.Name = company.Ticker
		}
		if err := company.Validate(); err != nil {
			log.Fatal(err)
		}

		err := store.AddCompany(cmd.Context(), company)
		if err != nil {
			log.Fatal(err)
		}
	},
}

var companyListCmd = &cobra.Command{
	Use:   "list",
	Short: "Lists the registered companies.",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		store, database := openStore()
		defer database.Close()

		companies, err := store.Companies(cmd.Context())
		if err != nil {
			log.Fatal(err)
		}

		t := newTable()
		t.AppendHeader(table.Row{"Ticker", "Name", "ISIN", "NIF"})
		for _, c := range companies {
			t.AppendRow(table.Row{c.Ticker, c.Name, c.ISIN, c.NIF})
		}
		t.Render()
	},
}
