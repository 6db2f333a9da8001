package commands

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"time"

	configlibsql "dataharvest/lib/configutil/libsql"
	"dataharvest/lib/ibex"
	"dataharvest/lib/restyutil"
	"dataharvest/lib/scrapers/cnmv"
	"dataharvest/lib/serviceutil"
	"dataharvest/lib/shorts"
	"dataharvest/lib/shortstore"
	"dataharvest/lib/telemetry"
	"dataharvest/lib/timezone"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

var (
	dbPath  string
	baseUrl string
	debug   bool
)

var RootCmd = &cobra.Command{
	Use:   "harvest-cli",
	Short: "harvest-cli works with the short position database from the command line.",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		telemetry.InitSlog(debug)
	},
}

func init() {
	RootCmd.PersistentFlags().StringVar(
		&dbPath, "db", "harvest.db", "Path to the sqlite database.")
	RootCmd.PersistentFlags().StringVar(
		&baseUrl, "base-url", cnmv.DefaultBaseUrl, "Base url of the supervisor's portal.")
	RootCmd.PersistentFlags().BoolVar(
		&debug, "debug", false, "Enable verbose logging and request transcripts.")
}

func Execute() {
	if err := RootCmd.ExecuteContext(serviceutil.SignalContext()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newTable() table.Writer {
	t := table.NewWriter()
	t.SetStyle(table.StyleRounded)
	t.SetOutputMirror(os.Stdout)
	return t
}

func openStore() (shortstore.Store, *sql.DB) {
	database, err := configlibsql.Struct{File: dbPath}.OpenDB(shortstore.Schema)
	if err != nil {
		log.Fatal(err)
	}
	return shortstore.NewStore(database), database
}

func newProvider() *cnmv.Client {
	options := cnmv.ClientOptions{BaseUrl: baseUrl}
	if debug {
		options.InstrumentOutput = restyutil.NewFilesystemOutput(".dev/resty/cnmv")
	}
	client, err := cnmv.NewClient(options)
	if err != nil {
		log.Fatal(err)
	}
	return client
}

func resolveCompany(ctx context.Context, store shortstore.Store, query string) ibex.Company {
	companies, err := store.Companies(ctx)
	if err != nil {
		log.Fatal(err)
	}
	company, ok := ibex.Find(companies, query)
	if !ok {
		log.Fatalf("no company matches %q; register it first with 'harvest-cli company add'", query)
	}
	return company
}

// the EU short selling regulation entered into force in November 2012,
// the consulta's historic series has nothing before that
var seriesStart = time.Date(2012, 11, 1, 0, 0, 0, 0, timezone.Location)

func parseFrame(historical bool, since string) shorts.TimeFrame {
	if since != "" {
		t, err := time.ParseInLocation(shorts.DateKeyLayout, since, timezone.Location)
		if err != nil {
			log.Fatalf("--since must look like 2006-01-02: %s", err)
		}
		return shorts.Since(t)
	}
	if historical {
		return shorts.Since(seriesStart)
	}
	return shorts.Current()
}
