package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dragnet-project/dragnet/internal/approval"
	"github.com/dragnet-project/dragnet/internal/attrstore"
	"github.com/dragnet-project/dragnet/internal/config"
	"github.com/dragnet-project/dragnet/internal/events"
	"github.com/dragnet-project/dragnet/internal/foreman"
	"github.com/dragnet-project/dragnet/internal/hunt"
	"github.com/dragnet-project/dragnet/internal/logging"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

// Version information (set at build time with -ldflags)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

var configFile string

var rootCmd = &cobra.Command{
	Use:     "dragnet",
	Short:   "Dragnet - endpoint investigation control plane",
	Long:    `Dragnet schedules investigations across an endpoint fleet: it matches checking-in agents against hunt rules, dispatches each task at most once per client, and accounts for every outcome.`,
	Version: Version,
	Run: func(cmd *cobra.Command, args []string) {
		runServer()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Path to configuration file")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(supervisorHashCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("Dragnet %s\n", Version)
		if BuildTime != "unknown" {
			fmt.Printf("Built: %s\n", BuildTime)
		}
		if GitCommit != "unknown" {
			fmt.Printf("Commit: %s\n", GitCommit)
		}
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServer() {
	// Baseline logger for early startup, replaced once settings are loaded.
	logging.Init(logging.Config{
		Format:    "auto",
		Level:     "info",
		Component: "dragnet",
	})

	loader := config.NewLoader()
	if configFile != "" {
		loader.SetConfigPath(configFile)
	}
	settings, err := loader.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logging.Init(logging.Config{
		Format:     settings.Logging.Format,
		Level:      settings.Logging.Level,
		Component:  "dragnet",
		FilePath:   settings.Logging.File,
		MaxSizeMB:  settings.Logging.MaxSizeMB,
		MaxAgeDays: settings.Logging.MaxAgeDays,
		Compress:   settings.Logging.Compress,
	})
	defer logging.Shutdown()

	log.Info().Str("version", Version).Msg("Starting dragnet control plane")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var store attrstore.Store
	var assignments foreman.AssignmentStore
	if settings.Store.Path == "" {
		log.Warn().Msg("No store path configured, state will not survive restarts")
		store = attrstore.NewMemoryStore()
		assignments = foreman.NewMemoryAssignmentStore()
	} else {
		sqliteStore, err := attrstore.NewSQLiteStore(settings.Store.Path)
		if err != nil {
			log.Fatal().Err(err).Str("path", settings.Store.Path).Msg("Failed to open attribute store")
		}
		store = sqliteStore
		assignments = sqliteStore
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Error().Err(err).Msg("Failed to close attribute store")
		}
	}()

	bus := events.NewBus(settings.Events.QueueSize)
	defer bus.Close()

	hub := events.NewHub(bus, settings.Events.StreamPattern, settings.Server.AllowedOrigins)

	gate := approval.NewGate(store, settings.Approval.SupervisorTokenHash)
	ruleStore := foreman.NewMemoryRuleStore()

	manager := hunt.NewManager(hunt.Deps{
		Store:      store,
		Rules:      ruleStore,
		Gate:       gate,
		Events:     bus,
		Dispatcher: taskDispatcher{bus: bus},
	})
	if err := manager.Load(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to restore hunts from store")
	}

	fore := foreman.New(ruleStore, assignments, manager,
		foreman.WithWorkers(settings.Foreman.CheckInWorkers))

	unsubscribe := subscribeCheckIns(ctx, bus, fore)
	defer unsubscribe()

	watcher := startConfigWatcher(loader, fore)
	if watcher != nil {
		defer watcher.Stop()
	}

	reloadChan := make(chan os.Signal, 1)
	signal.Notify(reloadChan, syscall.SIGHUP)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})

	g.Go(func() error {
		pruneExpiredRules(gctx, ruleStore, time.Duration(settings.Foreman.PruneInterval)*time.Second)
		return nil
	})

	addr := fmt.Sprintf("%s:%d", settings.Server.Host, settings.Server.Port)
	g.Go(func() error {
		return runOpsServer(gctx, addr, hub)
	})

	g.Go(func() error {
		for {
			select {
			case <-reloadChan:
				log.Info().Msg("Received SIGHUP, reloading configuration")
				if watcher != nil {
					watcher.Reload()
				}
			case <-gctx.Done():
				return nil
			}
		}
	})

	if err := g.Wait(); err != nil && err != context.Canceled {
		log.Error().Err(err).Msg("Control plane terminated with error")
	}

	log.Info().Msg("Control plane stopped")
}

// pruneExpiredRules sweeps expired rule groups out of the active table so
// they stop costing evaluation time between check-ins.
func pruneExpiredRules(ctx context.Context, store foreman.RuleStore, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if removed := store.Prune(time.Now()); removed > 0 {
				log.Info().Int("groups", removed).Msg("Pruned expired rule groups")
			}
		case <-ctx.Done():
			return
		}
	}
}

func startConfigWatcher(loader *config.Loader, fore *foreman.Foreman) *config.Watcher {
	path := loader.ConfigFilePath()
	if path == "" {
		log.Debug().Msg("No config file in use, skipping config watcher")
		return nil
	}

	watcher, err := config.NewWatcher(path, func(settings *config.Settings) {
		applyRuntimeSettings(settings, fore)
	})
	if err != nil {
		log.Warn().Err(err).Msg("Failed to create config watcher, config changes will require restart")
		return nil
	}
	if err := watcher.Start(); err != nil {
		log.Warn().Err(err).Msg("Failed to start config watcher")
		return nil
	}
	return watcher
}

// applyRuntimeSettings applies the subset of settings that can change
// without a restart. Server address, store path, and event wiring are
// fixed for the life of the process.
func applyRuntimeSettings(settings *config.Settings, fore *foreman.Foreman) {
	logging.Init(logging.Config{
		Format:     settings.Logging.Format,
		Level:      settings.Logging.Level,
		Component:  "dragnet",
		FilePath:   settings.Logging.File,
		MaxSizeMB:  settings.Logging.MaxSizeMB,
		MaxAgeDays: settings.Logging.MaxAgeDays,
		Compress:   settings.Logging.Compress,
	})
	fore.SetWorkers(settings.Foreman.CheckInWorkers)
	log.Info().
		Str("log_level", settings.Logging.Level).
		Int("checkin_workers", settings.Foreman.CheckInWorkers).
		Msg("Runtime configuration reloaded")
}
