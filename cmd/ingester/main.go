// Command ingester loads football-data style match CSVs into a match store.
//
// Usage:
//
//	ingester migrate
//	ingester run --league E0
//	ingester fetch --league E0 --season 2022
//	ingester reconcile && ingester merge && ingester clean && ingester load
//	ingester retract --league E0 --season 2022
//	ingester export --out matches.csv
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/bytedance/sonic"
	"github.com/spf13/cobra"
	"github.com/uptrace/bun"

	"github.com/socascores/ingester/internal/config"
	"github.com/socascores/ingester/internal/database"
	"github.com/socascores/ingester/internal/logging"
	"github.com/socascores/ingester/internal/migrations"
	"github.com/socascores/ingester/internal/models"
	"github.com/socascores/ingester/internal/pipeline"
	"github.com/socascores/ingester/internal/repositories"
)

type globalFlags struct {
	configFile string
	envDir     string
	strict     bool
	debug      bool
}

var (
	flags    globalFlags
	exitCode int
)

func main() {
	root := &cobra.Command{
		Use:           "ingester",
		Short:         "Football match CSV ingestion pipeline",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flags.configFile, "config", "", "config file (default: ./config.yaml or ./config/config.yaml)")
	root.PersistentFlags().StringVar(&flags.envDir, "env-dir", "", "directory holding .env files (default: config/)")
	root.PersistentFlags().BoolVar(&flags.strict, "strict", false, "exit with status 2 when rows were quarantined or a fetch failed")
	root.PersistentFlags().BoolVar(&flags.debug, "debug", false, "console logging at debug level and SQL query logging")

	root.AddCommand(
		runCmd(),
		fetchCmd(),
		reconcileCmd(),
		mergeCmd(),
		cleanCmd(),
		loadCmd(),
		retractCmd(),
		migrateCmd(),
		exportCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		if exitCode == 0 {
			exitCode = pipeline.ExitFailed
		}
	}
	os.Exit(exitCode)
}

// --------------------------------------------------------------------------
// pipeline stages
// --------------------------------------------------------------------------

func runCmd() *cobra.Command {
	var sel pipeline.Selection
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Fetch, reconcile, merge, clean and load the catalog",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStage(true, func(ctx context.Context, p *pipeline.Pipeline) (*pipeline.RunSummary, error) {
				return p.Run(ctx, sel)
			})
		},
	}
	selectionFlags(cmd, &sel)
	return cmd
}

func fetchCmd() *cobra.Command {
	var sel pipeline.Selection
	cmd := &cobra.Command{
		Use:   "fetch",
		Short: "Download catalog entries into the raw artifact store",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStage(true, func(ctx context.Context, p *pipeline.Pipeline) (*pipeline.RunSummary, error) {
				return p.Fetch(ctx, sel)
			})
		},
	}
	selectionFlags(cmd, &sel)
	return cmd
}

func reconcileCmd() *cobra.Command {
	var sel pipeline.Selection
	cmd := &cobra.Command{
		Use:   "reconcile [manifest.json ...]",
		Short: "Map raw artifacts onto the canonical schema",
		Long:  "Reconciles the given artifact manifests, or the latest artifact of every selected catalog entry.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStage(false, func(ctx context.Context, p *pipeline.Pipeline) (*pipeline.RunSummary, error) {
				return p.Reconcile(ctx, sel, args)
			})
		},
	}
	selectionFlags(cmd, &sel)
	return cmd
}

func mergeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "merge [reconciled.json ...]",
		Short: "Merge reconciled sets into one ordered dataset",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStage(false, func(ctx context.Context, p *pipeline.Pipeline) (*pipeline.RunSummary, error) {
				return p.Merge(ctx, args)
			})
		},
	}
}

func cleanCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clean",
		Short: "Clean the merged dataset and write the rejects and conflict files",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStage(false, func(ctx context.Context, p *pipeline.Pipeline) (*pipeline.RunSummary, error) {
				return p.Clean(ctx)
			})
		},
	}
}

func loadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "load",
		Short: "Load the cleaned dataset into the match store",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStage(true, func(ctx context.Context, p *pipeline.Pipeline) (*pipeline.RunSummary, error) {
				return p.Load(ctx)
			})
		},
	}
}

func retractCmd() *cobra.Command {
	var sel pipeline.Selection
	cmd := &cobra.Command{
		Use:   "retract",
		Short: "Remove one season from the store, archiving its records",
		RunE: func(cmd *cobra.Command, args []string) error {
			if sel.League == "" || sel.Season == "" {
				return errors.New("retract needs both --league and --season")
			}
			return runStage(true, func(ctx context.Context, p *pipeline.Pipeline) (*pipeline.RunSummary, error) {
				return p.Retract(ctx, models.SeasonKey{LeagueID: sel.League, SeasonID: sel.Season})
			})
		},
	}
	selectionFlags(cmd, &sel)
	return cmd
}

func selectionFlags(cmd *cobra.Command, sel *pipeline.Selection) {
	cmd.Flags().StringVar(&sel.League, "league", "", "league code, e.g. E0 (default: all)")
	cmd.Flags().StringVar(&sel.Season, "season", "", "season id, e.g. 2022 (default: all)")
}

// --------------------------------------------------------------------------
// store maintenance
// --------------------------------------------------------------------------

func migrateCmd() *cobra.Command {
	var rollback bool
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply store migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(ctx context.Context, cfg *config.Config, db *bun.DB, logger *logging.Logger) error {
				if rollback {
					return migrations.Rollback(ctx, db, logger)
				}
				return migrations.RunMigrations(ctx, db, logger)
			})
		},
	}
	cmd.Flags().BoolVar(&rollback, "rollback", false, "roll back the last migration group instead")
	return cmd
}

func exportCmd() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write every stored match to CSV",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(ctx context.Context, cfg *config.Config, db *bun.DB, logger *logging.Logger) error {
				if err := migrations.RunMigrations(ctx, db, logger); err != nil {
					return fmt.Errorf("migrate: %w", err)
				}
				records, err := repositories.ListMatches(ctx, db)
				if err != nil {
					return fmt.Errorf("list matches: %w", err)
				}

				if err := writeExport(out, records); err != nil {
					return err
				}
				logger.Info("export finished", "records", len(records), "out", out)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "", "output file (default: stdout)")
	return cmd
}

// writeExport writes records as CSV to path, or to stdout when path is
// empty or "-".
func writeExport(path string, records []*models.MatchRecord) error {
	if path == "" || path == "-" {
		if err := pipeline.WriteMatchesCSV(os.Stdout, records); err != nil {
			return fmt.Errorf("write csv: %w", err)
		}
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := pipeline.WriteMatchesCSV(f, records); err != nil {
		_ = f.Close()
		return fmt.Errorf("write csv: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close %s: %w", path, err)
	}
	return nil
}

// --------------------------------------------------------------------------
// shared setup
// --------------------------------------------------------------------------

type stageFunc func(ctx context.Context, p *pipeline.Pipeline) (*pipeline.RunSummary, error)

// runStage builds the pipeline, runs fn, prints the summary to stdout and
// sets the exit status from its outcome.
func runStage(needsStore bool, fn stageFunc) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	defer logger.Sync()

	var db *bun.DB
	if needsStore {
		if db, err = openStore(ctx, cfg, logger); err != nil {
			return err
		}
		defer db.Close()
	}

	p, err := pipeline.New(cfg, db, logger)
	if err != nil {
		return fmt.Errorf("build pipeline: %w", err)
	}

	summary, err := fn(ctx, p)
	if err != nil {
		return err
	}

	out, err := sonic.ConfigStd.MarshalIndent(summary, "", "  ")
	if err != nil {
		return fmt.Errorf("encode summary: %w", err)
	}
	fmt.Println(string(out))

	exitCode = pipeline.ExitCode(summary.Outcome, flags.strict)
	return nil
}

func withStore(fn func(ctx context.Context, cfg *config.Config, db *bun.DB, logger *logging.Logger) error) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	defer logger.Sync()

	db, err := database.NewDB(cfg.Database.Driver, cfg.Database.DSN, cfg.Database.Debug)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	return fn(ctx, cfg, db, logger)
}

func setup() (*config.Config, *logging.Logger, error) {
	cfg, err := config.Load(flags.configFile, flags.envDir)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	if flags.debug {
		cfg.Log.Level = "debug"
		cfg.Log.Format = "console"
		cfg.Database.Debug = true
	}

	level := logging.ParseLevel(cfg.Log.Level)
	logger := logging.NewJSON(level)
	if strings.EqualFold(cfg.Log.Format, "console") {
		logger = logging.NewConsole(level)
	}
	logging.SetDefault(logger)
	return cfg, logger, nil
}

// openStore connects and brings the schema up to date.
func openStore(ctx context.Context, cfg *config.Config, logger *logging.Logger) (*bun.DB, error) {
	db, err := database.NewDB(cfg.Database.Driver, cfg.Database.DSN, cfg.Database.Debug)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if err := migrations.RunMigrations(ctx, db, logger); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return db, nil
}
