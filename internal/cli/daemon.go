package cli

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/lazypower/preheat/internal/config"
	"github.com/lazypower/preheat/internal/engine"
	"github.com/lazypower/preheat/internal/observe"
	"github.com/lazypower/preheat/internal/server"
	"github.com/lazypower/preheat/internal/store"
)

var verbose bool

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the prefetch daemon",
	RunE:  runDaemon,
}

func init() {
	daemonCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
}

func buildLogger() (*zap.Logger, error) {
	if verbose {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	log, err := buildLogger()
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer log.Sync()

	if err := lowerPriority(); err != nil {
		log.Warn("could not lower scheduling priority", zap.Error(err))
	}

	scanner, err := observe.NewProcScanner(log)
	if err != nil {
		return fmt.Errorf("open procfs: %w", err)
	}

	var repo store.Repository = store.NoopRepository{}
	if cfg.Persistence.StatePath != "" {
		db, err := store.Open(cfg.Persistence.StatePath)
		if err != nil {
			return fmt.Errorf("open state database: %w", err)
		}
		repo = store.NewSQLRepository(db)
	}
	defer repo.Close()

	registry := prometheus.NewRegistry()
	eng, err := engine.New(cfg, engine.Services{
		Scanner:    scanner,
		Repository: repo,
		LoadConfig: func() (config.Config, error) { return config.Load(configPath) },
		Logger:     log,
		Metrics:    engine.NewMetrics(registry),
	})
	if err != nil {
		return err
	}

	ctx := context.Background()
	if err := eng.LoadSnapshot(ctx); err != nil {
		// A damaged snapshot costs history, not availability.
		log.Warn("starting with empty state", zap.Error(err))
	}

	var admin *http.Server
	if cfg.System.AdminAddr != "" {
		admin = &http.Server{
			Addr:    cfg.System.AdminAddr,
			Handler: server.New(eng.Summary, eng.Events(), registry, VersionString(), log),
		}
		go func() {
			log.Info("admin server listening", zap.String("addr", admin.Addr))
			if err := admin.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error("admin server failed", zap.Error(err))
			}
		}()
	}

	go forwardSignals(eng.Events(), log)

	log.Info("preheat started",
		zap.String("version", VersionString()),
		zap.Uint64("cycle", cfg.Model.Cycle),
		zap.String("state_path", cfg.Persistence.StatePath))
	err = eng.Run(ctx)

	if admin != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		admin.Shutdown(shutdownCtx)
	}
	return err
}

// forwardSignals translates process signals into engine control
// events: SIGHUP reloads, SIGUSR1 dumps a summary, SIGUSR2 saves,
// SIGINT and SIGTERM shut down.
func forwardSignals(events chan<- engine.ControlEvent, log *zap.Logger) {
	sigs := make(chan os.Signal, 4)
	signal.Notify(sigs, syscall.SIGHUP, syscall.SIGUSR1, syscall.SIGUSR2,
		os.Interrupt, syscall.SIGTERM)
	for sig := range sigs {
		var kind engine.ControlKind
		switch sig {
		case syscall.SIGHUP:
			kind = engine.ControlReload
		case syscall.SIGUSR1:
			kind = engine.ControlDump
		case syscall.SIGUSR2:
			kind = engine.ControlSave
		default:
			kind = engine.ControlShutdown
		}
		log.Info("signal received",
			zap.String("signal", sig.String()),
			zap.Stringer("action", kind))
		events <- engine.ControlEvent{Kind: kind}
	}
}
