package cmd

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/solatis/scankeeper/internal/core/config"
	"github.com/solatis/scankeeper/internal/core/db"
	"github.com/solatis/scankeeper/internal/engine"
	"github.com/solatis/scankeeper/internal/report"
	"github.com/solatis/scankeeper/internal/rules"
)

// errFindings makes the process exit non-zero when --exit-code is set.
var errFindings = errors.New("scan reported FAIL or ERROR results")

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Run rule sets and print the report",
	Long: `Load rule sets from --rules (a directory or a single file), bind their
actions to recorded fixtures or an HTTP endpoint, and run them.

With --db-url the scan is also stored and can be read back through the
scan API.`,
	RunE: runScan,
}

func init() {
	rootCmd.AddCommand(scanCmd)
	scanCmd.Flags().String("rules", "", "rule set directory or file (overrides scan.rules_dir)")
	scanCmd.Flags().String("fixtures", "", "fixture file with recorded responses")
	scanCmd.Flags().String("http-base-url", "", "base URL for HTTP-bound actions")
	scanCmd.Flags().Int("workers", 0, "concurrent check evaluations")
	scanCmd.Flags().Int("max-attempts", 0, "attempts per service call")
	scanCmd.Flags().Duration("call-timeout", 0, "timeout per service call attempt")
	scanCmd.Flags().String("format", report.FormatTable, "output format (table, json)")
	scanCmd.Flags().Bool("exit-code", false, "exit non-zero when any result is FAIL or ERROR")
}

// scanOverrides copies changed flags onto the config.
func scanOverrides(cmd *cobra.Command) func(*config.Config) {
	return func(cfg *config.Config) {
		flags := cmd.Flags()
		if flags.Changed("rules") {
			cfg.Scan.RulesDir, _ = flags.GetString("rules")
		}
		if flags.Changed("fixtures") {
			cfg.Scan.Fixtures, _ = flags.GetString("fixtures")
		}
		if flags.Changed("http-base-url") {
			cfg.Scan.HTTPBaseURL, _ = flags.GetString("http-base-url")
		}
		if flags.Changed("workers") {
			cfg.Scan.Workers, _ = flags.GetInt("workers")
		}
		if flags.Changed("max-attempts") {
			cfg.Scan.MaxAttempts, _ = flags.GetInt("max-attempts")
		}
		if flags.Changed("call-timeout") {
			cfg.Scan.CallTimeout, _ = flags.GetDuration("call-timeout")
		}
	}
}

func runScan(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(scanOverrides(cmd))
	if err != nil {
		return err
	}
	format, _ := cmd.Flags().GetString("format")
	exitCode, _ := cmd.Flags().GetBool("exit-code")

	fs := afero.NewOsFs()
	ruleSets, err := rules.LoadRuleSets(fs, cfg.Scan.RulesDir)
	if err != nil {
		return fmt.Errorf("failed to load rule sets: %w", err)
	}
	if len(ruleSets) == 0 {
		return fmt.Errorf("no rule sets found in %s", cfg.Scan.RulesDir)
	}

	bind, err := buildBinder(fs, cfg.Scan)
	if err != nil {
		return err
	}
	if bind == nil {
		return fmt.Errorf("no invoker binding: set --fixtures or --http-base-url")
	}

	targets := make([]engine.Target, len(ruleSets))
	for i, rs := range ruleSets {
		targets[i] = engine.Target{RuleSet: rs, Invoker: bind(rs.Service)}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	eng := engine.New(cfg.Scan.EngineOptions())
	var rep *engine.Report
	if dbURL != "" {
		rep, err = scanAndStore(ctx, eng, targets)
		if err != nil {
			return err
		}
	} else {
		rep = eng.Scan(ctx, targets)
	}

	if err := report.Render(cmd.OutOrStdout(), rep, format); err != nil {
		return err
	}
	if exitCode && report.Summarize(rep).Failed() {
		return errFindings
	}
	return nil
}

// scanAndStore streams results into the database, then reads the stored
// scan back so the printed report matches what was persisted.
func scanAndStore(ctx context.Context, eng *engine.Engine, targets []engine.Target) (*engine.Report, error) {
	database, err := db.Open(dbURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	defer database.Close()

	if _, err := db.MigrateUp(database); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	queries, err := db.LoadQueries(database)
	if err != nil {
		return nil, fmt.Errorf("failed to load queries: %w", err)
	}

	store := db.NewResultStore(queries, "")
	streamed := eng.Stream(ctx, targets, store)
	if streamed.SinkErrors > 0 {
		logger.WithFields(log.Fields{"sink_errors": streamed.SinkErrors}).Warn("some results were not stored")
	}

	stored, err := store.GetScan(context.Background(), streamed.ScanID)
	if err != nil {
		return nil, fmt.Errorf("failed to read stored scan: %w", err)
	}
	stored.CacheHits, stored.CacheMisses = streamed.CacheHits, streamed.CacheMisses
	stored.SinkErrors = streamed.SinkErrors
	logger.WithFields(log.Fields{"scan_id": stored.ScanID}).Info("scan stored")
	return stored, nil
}
