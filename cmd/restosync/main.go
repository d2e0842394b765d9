package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	_ "restosync/cmd/restosync/docs"
	"restosync/internal/config"
	"restosync/internal/logger"
	"restosync/internal/orchestrator"
	"restosync/pkg/logging"
)

var (
	configFile string
)

// @title           Restosync API
// @version         1.0
// @description     Keeps restaurant listings fresh: scheduled lookups, webhook ingestion, audited change detection and freshness reporting.

// @license.name  Apache 2.0
// @license.url   http://www.apache.org/licenses/LICENSE-2.0.html

// @host      localhost:8080
// @BasePath  /api

// @schemes   http https

func main() {
	rootCmd := &cobra.Command{
		Use:   "restosync",
		Short: "Restaurant data synchronization service",
		Long:  "Restosync refreshes restaurant records from an external lookup provider and from webhooks, recording every change in an append-only ledger",
		RunE:  serveCmd().RunE,
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Path to config file (required)")

	rootCmd.AddCommand(serveCmd(), syncCmd(), rescoreCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// setup loads config and the logger shared by every command.
func setup() (*config.Config, logger.Logger, error) {
	earlyLog := logging.NewEarlyLog()

	if configFile == "" {
		configFile = os.Getenv("CONFIG_FILE")
		if configFile == "" {
			earlyLog.Error("Config file is required. Use --config flag or CONFIG_FILE environment variable")
			return nil, nil, fmt.Errorf("config file is required")
		}
	}

	cfg, err := config.Load(configFile)
	if err != nil {
		earlyLog.Error("Failed to load config: %v", err)
		return nil, nil, err
	}

	log, err := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		earlyLog.Error("Failed to init logger: %v", err)
		return nil, nil, err
	}
	return cfg, log, nil
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API and the automation event consumer",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := setup()
			if err != nil {
				return err
			}
			defer log.Sync()

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			log.InfowCtx(ctx, "Starting restosync")

			app := NewApp(cfg, log)
			if err := app.Initialize(ctx, modeServe); err != nil {
				log.Fatalf("Failed to initialize application: %v", err)
			}

			if err := app.Run(ctx); err != nil {
				log.ErrorwCtx(ctx, "Application error", "error", err)
				return err
			}
			return nil
		},
	}
}

func syncCmd() *cobra.Command {
	var (
		scopeType string
		entityID  string
		mallSlug  string
		limit     int
		force     bool
		dryRun    bool
	)
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run one sync pass and exit (for cron)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := setup()
			if err != nil {
				return err
			}
			defer log.Sync()

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			app := NewApp(cfg, log)
			if err := app.Initialize(ctx, modeJob); err != nil {
				return err
			}
			defer app.Shutdown(context.Background())

			scope := orchestrator.Scope{Type: orchestrator.ScopeType(scopeType), EntityID: entityID, MallSlug: mallSlug}
			opts := orchestrator.Options{MaxItems: limit, ForceRefresh: force}

			if dryRun {
				preview, err := app.orchestrator.Preview(ctx, scope, opts)
				if err != nil {
					return err
				}
				return printJSON(cmd, preview)
			}

			run, err := app.orchestrator.RunSync(ctx, scope, opts)
			if err != nil {
				return err
			}
			if err := printJSON(cmd, run); err != nil {
				return err
			}
			if run.Status == orchestrator.StatusFailed {
				return fmt.Errorf("sync run %s failed", run.ID)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&scopeType, "type", string(orchestrator.ScopeStale), "Scope: single, mall, stale or full")
	cmd.Flags().StringVar(&entityID, "entity", "", "Entity id for single scope")
	cmd.Flags().StringVar(&mallSlug, "mall", "", "Mall slug for mall scope")
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum entities to process (0 uses sync.max_items)")
	cmd.Flags().BoolVar(&force, "force", false, "Bypass the lookup cache")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Show what would be processed without calling the provider")
	return cmd
}

func rescoreCmd() *cobra.Command {
	var batchSize int
	cmd := &cobra.Command{
		Use:   "rescore",
		Short: "Recompute the enrichment profile of every entity",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := setup()
			if err != nil {
				return err
			}
			defer log.Sync()

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			app := NewApp(cfg, log)
			if err := app.Initialize(ctx, modeJob); err != nil {
				return err
			}
			defer app.Shutdown(context.Background())

			stats, err := app.scorer.RecomputeAll(ctx, batchSize)
			if err != nil {
				return err
			}
			return printJSON(cmd, stats)
		},
	}
	cmd.Flags().IntVar(&batchSize, "batch-size", 100, "Entities per page")
	return cmd
}

func printJSON(cmd *cobra.Command, v interface{}) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
