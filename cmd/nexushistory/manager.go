package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/INLOpen/nexushistory/auth"
	"github.com/INLOpen/nexushistory/compressors"
	"github.com/INLOpen/nexushistory/config"
	"github.com/INLOpen/nexushistory/hooks"
	"github.com/INLOpen/nexushistory/manager"
	"github.com/INLOpen/nexushistory/server"
	"github.com/spf13/cobra"
)

var managerCmd = &cobra.Command{
	Use:   "manager",
	Short: "Run the assignment manager placing device loggers on worker hosts",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		if err := cfg.ValidateManager(); err != nil {
			return err
		}
		return runManager(cfg)
	},
}

// openStore opens the manager state backend named by cfg.
func openStore(cfg config.ManagerConfig) (manager.Store, error) {
	switch cfg.StateBackend {
	case "sqlite":
		if err := os.MkdirAll(cfg.StateDir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create manager state dir %s: %w", cfg.StateDir, err)
		}
		s, err := manager.OpenSQLStore(filepath.Join(cfg.StateDir, "manager.db"))
		if err != nil {
			return nil, err
		}
		return s, nil
	case "file", "":
		s, err := manager.NewFileStore(cfg.StateDir)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown manager state backend %q", cfg.StateBackend)
	}
}

func hostClientOptions(cfg *config.Config) server.ClientOptions {
	opts := server.ClientOptions{Compression: cfg.Server.Compression}
	if cfg.Manager.Username != "" {
		opts.Credentials = auth.BasicCredentials{
			Username:      cfg.Manager.Username,
			Password:      cfg.Manager.Password,
			AllowInsecure: true,
		}
	}
	return opts
}

func runManager(cfg *config.Config) error {
	logger, logCloser, err := createLogger(cfg.Logging)
	if err != nil {
		return err
	}
	if logCloser != nil {
		defer logCloser.Close()
	}
	compressors.Register()

	tp, tracerCleanup, err := initTracerProvider(cfg.Tracing, "nexushistory-manager", logger)
	if err != nil {
		return err
	}
	defer tracerCleanup()

	store, err := openStore(cfg.Manager)
	if err != nil {
		return err
	}

	hm := hooks.NewHookManager(logger)
	defer hm.Stop()

	hosts := server.NewHostClient(hostClientOptions(cfg), logger)
	defer hosts.Close()

	m, err := manager.New(manager.Options{
		ServerList:     cfg.Manager.ServerList,
		ReadersPerHost: cfg.Manager.ReadersPerHost,
		RPCTimeout:     config.ParseDuration(cfg.Manager.RPCTimeout, 5*time.Second, logger),
		Client:         hosts,
		Store:          store,
		Logger:         logger,
		HookManager:    hm,
		Tracer:         tp.Tracer("nexushistory"),
	})
	if err != nil {
		store.Close()
		return fmt.Errorf("failed to create manager: %w", err)
	}
	logManagerState(m, logger)

	appServer, err := server.NewAppServer(server.Services{Manager: server.NewManagerService(m, logger)}, cfg, nil, logger)
	if err != nil {
		m.Close()
		return fmt.Errorf("failed to create application server: %w", err)
	}
	return serveUntilSignal(appServer, logger, func() {
		if err := m.Close(); err != nil {
			logger.Error("Failed to close manager", "error", err)
		}
	})
}

func logManagerState(m *manager.Manager, logger *slog.Logger) {
	logger.Info("Manager state loaded", "assignments", len(m.Assignments()), "maintained", len(m.Maintained()))
}
