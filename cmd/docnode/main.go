package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/devrev/pairdb/document-node/internal/config"
	"github.com/devrev/pairdb/document-node/internal/database"
	"github.com/devrev/pairdb/document-node/internal/health"
	"github.com/devrev/pairdb/document-node/internal/metrics"
	"github.com/devrev/pairdb/document-node/internal/revisions"
	"github.com/devrev/pairdb/document-node/internal/server"
)

var (
	configPath string
	replayDir  string
	replayFrom int64
)

func main() {
	root := &cobra.Command{
		Use:           "docnode",
		Short:         "pairdb document node",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to config file (defaults to $CONFIG_PATH or ./config.yaml)")

	replay := &cobra.Command{
		Use:   "replay",
		Short: "Replay a command log into the configured database",
		RunE:  runReplay,
	}
	replay.Flags().StringVar(&replayDir, "log-dir", "", "command log directory to replay")
	replay.Flags().Int64Var(&replayFrom, "after", 0, "skip entries up to and including this sequence")
	_ = replay.MarkFlagRequired("log-dir")

	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Open the database and serve metrics, health and admin endpoints",
			RunE:  runServe,
		},
		replay,
		&cobra.Command{
			Use:   "enforce-revisions",
			Short: "Apply the revisions configuration to every document once",
			RunE:  runEnforce,
		},
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	path := configPath
	if path == "" {
		path = os.Getenv("CONFIG_PATH")
	}
	if path == "" {
		path = "./config.yaml"
	}
	return config.LoadConfig(path)
}

// initLogger builds the zap logger selected by the logging section
func initLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if cfg.Format == "console" {
		zc = zap.NewDevelopmentConfig()
	}
	level, err := zap.ParseAtomicLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}
	zc.Level = level
	return zc.Build()
}

// bootstrap loads configuration and opens the database
func bootstrap() (*config.Config, *zap.Logger, *database.Database, *prometheus.Registry, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, nil, nil, err
	}
	logger, err := initLogger(cfg.Logging)
	if err != nil {
		return nil, nil, nil, nil, err
	}

	logger.Info("Configuration loaded",
		zap.String("node_id", cfg.Server.NodeID),
		zap.String("node_tag", cfg.Server.NodeTag),
		zap.String("database", cfg.Server.Database))

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.NewMetrics(cfg.Server.NodeID, reg)

	db, err := database.Open(database.FromConfig(cfg), logger, m)
	if err != nil {
		logger.Error("Failed to open database", zap.Error(err))
		_ = logger.Sync()
		return nil, nil, nil, nil, err
	}
	return cfg, logger, db, reg, nil
}

func closeDatabase(cfg *config.Config, logger *zap.Logger, db *database.Database) {
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := db.Close(ctx); err != nil {
		logger.Error("Failed to close database", zap.Error(err))
	}
	_ = logger.Sync()
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, logger, db, reg, err := bootstrap()
	if err != nil {
		return err
	}
	defer closeDatabase(cfg, logger, db)

	if cfg.CommandLog.Enabled {
		logger.Info("Command log position recovered", zap.Int64("last_sequence", db.CommandLogSequence()))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dataDir := ""
	if !cfg.Storage.InMemory {
		dataDir = cfg.Storage.DataDir
	}
	hc := health.NewHealthChecker(&health.HealthCheckConfig{
		NodeID:  cfg.Server.NodeID,
		DataDir: dataDir,
	}, db, logger)
	go hc.Start(ctx)

	srv := server.NewServer(&server.Config{
		Host:           cfg.Server.Host,
		Port:           cfg.Server.Port,
		ReadTimeout:    cfg.Server.ReadTimeout,
		WriteTimeout:   cfg.Server.WriteTimeout,
		MetricsEnabled: cfg.Metrics.Enabled,
		MetricsPath:    cfg.Metrics.Path,
	}, db, hc, reg, logger)
	if err := srv.Start(); err != nil {
		return err
	}

	logger.Info("Document node started",
		zap.String("node_id", cfg.Server.NodeID),
		zap.String("database_id", db.ID()))

	<-ctx.Done()
	logger.Info("Shutting down gracefully...")
	hc.SetReadiness(false)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Stop(shutdownCtx); err != nil {
		logger.Error("Failed to stop HTTP server", zap.Error(err))
	}
	return nil
}

func runReplay(cmd *cobra.Command, args []string) error {
	cfg, logger, db, _, err := bootstrap()
	if err != nil {
		return err
	}
	defer closeDatabase(cfg, logger, db)

	if cfg.CommandLog.Enabled && sameDir(replayDir, cfg.CommandLog.Dir) {
		return fmt.Errorf("cannot replay %s into the database that records to it", replayDir)
	}
	if cfg.Server.DatabaseID == "" {
		logger.Warn("server.database_id is not set; replayed change vectors carry this database's id",
			zap.String("database_id", db.ID()))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	res, err := db.Replay(ctx, replayDir, replayFrom)
	if err != nil {
		return err
	}
	return printJSON(cmd, res)
}

func runEnforce(cmd *cobra.Command, args []string) error {
	cfg, logger, db, _, err := bootstrap()
	if err != nil {
		return err
	}
	defer closeDatabase(cfg, logger, db)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if cfg.Revisions.OperationTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Revisions.OperationTimeout)
		defer cancel()
	}

	res, err := db.EnforceRevisions(ctx, func(p revisions.Progress) {
		logger.Info("Enforcement progress",
			zap.Int64("scanned_documents", p.ScannedDocuments),
			zap.Int("total_documents", p.TotalDocuments),
			zap.Int64("removed_revisions", p.RemovedRevisions))
	})
	if err != nil {
		return err
	}
	return printJSON(cmd, res)
}

func sameDir(a, b string) bool {
	absA, errA := filepath.Abs(a)
	absB, errB := filepath.Abs(b)
	return errA == nil && errB == nil && absA == absB
}

func printJSON(cmd *cobra.Command, v interface{}) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
