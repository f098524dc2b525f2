package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/INLOpen/nexushistory/backfill"
	"github.com/INLOpen/nexushistory/compressors"
	"github.com/INLOpen/nexushistory/config"
	"github.com/INLOpen/nexushistory/hooks"
	"github.com/INLOpen/nexushistory/hooks/listeners"
	"github.com/INLOpen/nexushistory/node"
	"github.com/INLOpen/nexushistory/server"
	"github.com/INLOpen/nexushistory/sys"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run a worker host serving archive loggers and readers",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		if err := cfg.Validate(); err != nil {
			return err
		}
		return runServe(cfg)
	},
}

func newRunner(cfg config.BackfillConfig, logger *slog.Logger) (backfill.Runner, error) {
	if len(cfg.IndexerCommand) == 1 && cfg.IndexerCommand[0] == "inprocess" {
		return &backfill.InProcessRunner{Logger: logger}, nil
	}
	return backfill.NewExecRunner(cfg.IndexerCommand)
}

// registerListeners attaches the standard hook listeners of a worker host.
func registerListeners(hm hooks.HookManager, cfg config.ArchiveConfig, logger *slog.Logger) {
	if cfg.BadData.Enabled {
		rules := listeners.BadDataRules{
			MaxFutureSkew: config.ParseDuration(cfg.BadData.MaxFutureSkew, 0, logger),
			MaxVectorSize: cfg.BadData.MaxVectorSize,
		}
		hm.Register(hooks.EventPreAppend, listeners.NewBadDataListener(logger, rules))
		logger.Info("Registered BadDataListener for PreAppend events.")
	}
	rawStats := listeners.NewRawFileStatsListener(logger)
	hm.Register(hooks.EventPostRotate, rawStats)
	hm.Register(hooks.EventPostDiscontinue, rawStats)
	hm.Register(hooks.EventPostQuery, listeners.NewQueryLatencyListener(logger))
}

func runServe(cfg *config.Config) error {
	logger, logCloser, err := createLogger(cfg.Logging)
	if err != nil {
		return err
	}
	if logCloser != nil {
		defer logCloser.Close()
	}
	compressors.Register()
	if cfg.Debug.TrackOpenFiles {
		sys.SetTrackLogger(logger)
		sys.SetTrackOpenFiles(true)
	}

	tp, tracerCleanup, err := initTracerProvider(cfg.Tracing, "nexushistory-node", logger)
	if err != nil {
		return err
	}
	defer tracerCleanup()
	tracer := tp.Tracer("nexushistory")

	hm := hooks.NewHookManager(logger)
	defer hm.Stop()
	registerListeners(hm, cfg.Archive, logger)

	runner, err := newRunner(cfg.Backfill, logger)
	if err != nil {
		return err
	}
	backfillSvc := backfill.NewService(backfill.Options{
		Workers:     cfg.Backfill.Workers,
		QueueSize:   cfg.Backfill.QueueSize,
		JobTimeout:  config.ParseDuration(cfg.Backfill.Timeout, backfill.DefaultJobTimeout, logger),
		Runner:      runner,
		Logger:      logger,
		HookManager: hm,
	})
	backfillSvc.Start()
	defer backfillSvc.Stop()

	nodeID := cfg.Server.NodeID
	if nodeID == "" {
		host, _ := os.Hostname()
		nodeID = fmt.Sprintf("%s:%d", host, cfg.Server.GRPCPort)
	}
	n, err := node.New(node.Options{
		NodeID:         nodeID,
		Dir:            cfg.Archive.Directory,
		MaxFileSize:    cfg.Archive.MaxFileSizeBytes(),
		FlushInterval:  config.ParseDuration(cfg.Archive.FlushInterval, time.Second, logger),
		MinFreeBytes:   cfg.Archive.MinFreeBytes,
		MaxHistorySize: cfg.Archive.MaxHistorySize,
		Readers:        cfg.Node.Readers,
		Backfill:       backfillSvc,
		Logger:         logger,
		HookManager:    hm,
		Tracer:         tracer,
	})
	if err != nil {
		return fmt.Errorf("failed to create node: %w", err)
	}

	appServer, err := server.NewAppServer(server.Services{Archive: server.NewArchiveService(n, logger)}, cfg, nil, logger)
	if err != nil {
		n.Close()
		return fmt.Errorf("failed to create application server: %w", err)
	}
	return serveUntilSignal(appServer, logger, func() {
		if err := n.Close(); err != nil {
			logger.Error("Failed to close node", "error", err)
		}
	})
}

// serveUntilSignal runs appServer until it fails or SIGINT/SIGTERM arrives,
// then calls shutdown once the servers have stopped.
func serveUntilSignal(appServer *server.AppServer, logger *slog.Logger, shutdown func()) error {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(quit)

	serverErrChan := make(chan error, 1)
	go func() {
		serverErrChan <- appServer.Start()
	}()

	var err error
	select {
	case err = <-serverErrChan:
		logger.Error("Server exited with an error", "error", err)
	case <-quit:
		logger.Info("Shutdown signal received. Stopping server...")
		appServer.Stop()
		err = <-serverErrChan
	}
	shutdown()
	logger.Info("Application exited.")
	return err
}
