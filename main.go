package main

import (
	"context"
	"flag"
	"os"
	"time"

	"tradecore/internal/logger"
	"tradecore/internal/marketdata"
	"tradecore/internal/orchestrator"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "config.json", "path to config.json")
	marketDataPath := flag.String("market-data-db", "market_data.db", "path to the read-only instrument/bar reference database")
	resultsDBPath := flag.String("results-db", "", "path to the results sqlite database (defaults to database.name in config.json)")
	sendEmail := flag.Bool("send-email", false, "log the configured email recipients for the report renderer once the run completes")
	logLevel := flag.String("log-level", "info", "debug, info, warn, or error")
	flag.Parse()

	// Flags may also follow the positional date; parse what comes after it.
	dateArg := ""
	if flag.NArg() > 0 {
		dateArg = flag.Arg(0)
		flag.CommandLine.Parse(flag.Args()[1:])
	}

	logger.Init(*logLevel)
	logger.Banner(version)

	runDate := time.Now().UTC().Truncate(24 * time.Hour)
	if dateArg != "" {
		d, err := time.Parse("2006-01-02", dateArg)
		if err != nil {
			logger.Error("Main", "invalid date argument %q, want YYYY-MM-DD: %v", dateArg, err)
			os.Exit(1)
		}
		runDate = d
	}

	mdStore, err := marketdata.Open(*marketDataPath)
	if err != nil {
		logger.Error("Main", "failed to open market data store: %v", err)
		os.Exit(1)
	}
	defer mdStore.Close()

	deps := orchestrator.Dependencies{
		RegistrySource: mdStore,
		BarSource:      mdStore,
		ResultsDBPath:  *resultsDBPath,
		ImpactSpan:     10.0,
	}

	orch, err := orchestrator.New(*configPath, deps)
	if err != nil {
		logger.Error("Main", "failed to initialize orchestrator: %v", err)
		os.Exit(1)
	}
	defer orch.Close()

	ctx := context.Background()
	if err := orch.Run(ctx, runDate); err != nil {
		logger.Error("Main", "daily cycle failed for %s: %v", runDate.Format("2006-01-02"), err)
		os.Exit(1)
	}

	if *sendEmail {
		notifyEmailCollaborator(orch, runDate)
	}

	logger.Success("Main", "daily cycle complete for %s", runDate.Format("2006-01-02"))
}

// notifyEmailCollaborator hands the completed run off to the email/report
// rendering collaborator (out of scope for this binary): it only logs
// the intent and the configured recipients.
func notifyEmailCollaborator(orch *orchestrator.Orchestrator, runDate time.Time) {
	recipients := orch.EmailRecipients()
	if len(recipients) == 0 {
		logger.Warn("Main", "--send-email set but no email.to_emails configured; skipping")
		return
	}
	logger.Info("Main", "run for %s complete, handing off to report renderer for %v", runDate.Format("2006-01-02"), recipients)
}
