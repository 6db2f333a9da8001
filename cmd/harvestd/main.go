package main

import (
	"flag"

	"dataharvest/lib/configutil"
	configlibsql "dataharvest/lib/configutil/libsql"
	"dataharvest/lib/ibex"
	"dataharvest/lib/restyutil"
	"dataharvest/lib/scrapers/cnmv"
	"dataharvest/lib/serviceutil"
	"dataharvest/lib/shortstore"
	"dataharvest/services/feeder"
)

type ScraperConfig struct {
	BaseUrl           string  `json:"base_url"`
	RequestsPerSecond float64 `json:"requests_per_second"`
	MaxRetries        int     `json:"max_retries"`
	MaxPages          int     `json:"max_pages"`
}

type SyncConfig struct {
	Workers int   `json:"workers"`
	Hours   []int `json:"hours"`
}

type NotifyConfig struct {
	Smtp feeder.SmtpConfig `json:"smtp"`
	To   []string          `json:"to"`
}

type Config struct {
	Database  configlibsql.Struct `json:"database"`
	Companies []ibex.Company      `json:"companies"`
	Scraper   ScraperConfig       `json:"scraper"`
	Sync      SyncConfig          `json:"sync"`
	Notify    NotifyConfig        `json:"notify"`
}

func main() {
	verbose := flag.Bool("v", false, "Enable verbose logging/instrumentation.")
	flag.Parse()

	ctx := serviceutil.SignalContext()

	InitTelemetry(ctx, *verbose)

	cfg, err := configutil.ReadConfig[Config]("config.json5")
	if err != nil {
		serviceutil.Fatal("read config", err)
	}

	database, err := cfg.Database.OpenDB(shortstore.Schema)
	if err != nil {
		serviceutil.Fatal("open database", err)
	}
	store := shortstore.NewStore(database)

	for _, company := range cfg.Companies {
		err := company.Validate()
		if err != nil {
			serviceutil.Fatal("validate company "+company.Ticker, err)
		}
		err = store.AddCompany(ctx, company)
		if err != nil {
			serviceutil.Fatal("register company "+company.Ticker, err)
		}
	}

	options := cnmv.ClientOptions{
		BaseUrl:           cfg.Scraper.BaseUrl,
		RequestsPerSecond: cfg.Scraper.RequestsPerSecond,
		MaxRetries:        cfg.Scraper.MaxRetries,
		MaxPages:          cfg.Scraper.MaxPages,
	}
	if *verbose {
		options.InstrumentOutput = restyutil.NewFilesystemOutput(".dev/resty/cnmv")
	}
	provider, err := cnmv.NewClient(options)
	if err != nil {
		serviceutil.Fatal("create scraper", err)
	}

	service := feeder.NewService(store, provider, feeder.Options{
		Workers: cfg.Sync.Workers,
	})

	daemonOptions := feeder.DaemonOptions{
		Hours: cfg.Sync.Hours,
	}
	if cfg.Notify.Smtp.Server != "" && len(cfg.Notify.To) > 0 {
		notifier := feeder.NewNotifier(cfg.Notify.Smtp, cfg.Notify.To)
		daemonOptions.Notifier = &notifier
	}

	service.RunDaemon(ctx, daemonOptions)
}
