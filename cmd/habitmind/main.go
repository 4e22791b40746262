// HabitMind daemon: the behavioral pattern learning engine.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/habitmind/habitmind/internal/api"
	"github.com/habitmind/habitmind/internal/config"
	"github.com/habitmind/habitmind/internal/core"
	"github.com/habitmind/habitmind/internal/ingest"
	"github.com/habitmind/habitmind/internal/learning"
	"github.com/habitmind/habitmind/internal/ledger"
	"github.com/habitmind/habitmind/internal/llm"
	"github.com/habitmind/habitmind/internal/logging"
	"github.com/habitmind/habitmind/internal/matching"
	"github.com/habitmind/habitmind/internal/notify"
	"github.com/habitmind/habitmind/internal/policy"
	"github.com/habitmind/habitmind/internal/reminders"
	"github.com/habitmind/habitmind/internal/routines"
	"github.com/habitmind/habitmind/internal/storage"
	"github.com/habitmind/habitmind/internal/timectx"
)

var (
	configPath string
	dataDir    string
	port       int
	logLevel   string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "habitmind",
		Short: "HabitMind daemon - learns behavioral patterns and speaks up at the right moment",
		RunE:  runDaemon,
	}

	rootCmd.Flags().StringVar(&configPath, "config", "", "Config file path (default <data-dir>/config.json)")
	rootCmd.Flags().StringVar(&dataDir, "data-dir", "", "Data directory (overrides config)")
	rootCmd.Flags().IntVar(&port, "port", 0, "HTTP server port (overrides config)")
	rootCmd.Flags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	if port != 0 {
		cfg.Server.Port = port
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	logging.SetLevel(logging.ParseLevel(cfg.LogLevel))
	log := logging.WithField("component", "daemon")

	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	db, err := storage.Open(storage.Config{Path: cfg.DatabasePath()})
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	if err := db.Migrate(); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	clock := core.SystemClock{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	configStore := storage.NewConfigStore(db)
	if err := policy.SeedDefaults(ctx, configStore, clock.Now()); err != nil {
		return fmt.Errorf("failed to seed policy defaults: %w", err)
	}

	// Stores
	eventStore := storage.NewEventStore(db)
	reminderStore := storage.NewReminderStore(db)
	routineStore := storage.NewRoutineStore(db)
	preferenceStore := storage.NewPreferenceStore(db)
	transitionStore := storage.NewTransitionStore(db)
	cooldownStore := storage.NewCooldownStore(db)
	policies := policy.NewProvider(configStore, clock)

	// Execution history
	ledgerStore := ledger.NewStore(db.Conn())
	if err := ledgerStore.InitSchema(); err != nil {
		return fmt.Errorf("failed to initialize history schema: %w", err)
	}
	if err := ledgerStore.VerifyChain(); err != nil {
		log.Warn("execution history chain verification failed: %v", err)
	}
	recorder := ledger.NewRecorder(ledgerStore, clock)

	// Learning components
	keys := timectx.NewKeyBuilder("")
	classifier := timectx.NewClassifier(timectx.DefaultBoundaries(), cfg.Engine.LocalOffsetMinutes)
	learner := learning.NewTransitionLearner(eventStore, transitionStore, keys, clock)
	scheduler := learning.NewReminderScheduler(reminderStore, transitionStore, routineStore, preferenceStore, policies, nil, keys, clock)
	matcher := matching.NewEngine(eventStore, reminderStore, policies, nil)
	routineLearner := routines.NewLearner(routineStore, policies, classifier, keys, nil, clock)
	coordinator := ingest.NewCoordinator(eventStore, reminderStore, preferenceStore, policies, learner, scheduler, matcher, routineLearner, classifier, recorder, clock)

	// Outbound surfaces
	notifySvc := notify.NewService(db, clock)
	var sink *notify.Sink
	if cfg.Outbound.NotifyURL != "" || cfg.Outbound.MemoryURL != "" {
		sink = notify.NewSink(notify.SinkConfig{
			NotifyURL: cfg.Outbound.NotifyURL,
			MemoryURL: cfg.Outbound.MemoryURL,
		})
		notifySvc.Subscribe(sink)
	}

	phraser := llm.NewClient(llm.Config{
		Endpoint: cfg.LLM.Endpoint,
		APIKey:   cfg.LLM.APIKey,
	})
	if !phraser.IsConfigured() {
		log.Info("no LLM endpoint configured, reminders use template phrases")
	}

	// Execution pipeline
	evaluator := reminders.NewEvaluator(reminderStore, transitionStore, cooldownStore, preferenceStore, policies, phraser, clock)
	pipeline := reminders.NewPipeline(reminderStore, cooldownStore, policies, evaluator, notifySvc, sink, recorder, clock)

	// API server
	server := api.New(api.Config{
		Host:           cfg.Server.Host,
		Port:           cfg.Server.Port,
		DB:             db,
		Coordinator:    coordinator,
		Pipeline:       pipeline,
		RoutineLearner: routineLearner,
		Notifications:  notifySvc,
		LedgerStore:    ledgerStore,
		Policies:       policies,
		Clock:          clock,
	})

	go runDueSweep(ctx, cfg, pipeline, log)
	go runMaintenance(ctx, cfg, pipeline, transitionStore, cooldownStore, notifySvc, policies, clock, log)

	// Handle shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		<-sigCh

		log.Info("shutting down")
		cancel()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		server.Stop(shutdownCtx)
	}()

	log.Info("data directory %s", cfg.DataDir)
	return server.Start()
}

// runDueSweep periodically pushes due reminder candidates through the
// execution pipeline
func runDueSweep(ctx context.Context, cfg *config.Config, pipeline *reminders.Pipeline, log *logging.Logger) {
	interval := time.Duration(cfg.Engine.DueSweepSeconds) * time.Second
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := pipeline.ProcessDue(ctx, 100)
			if err != nil {
				log.Warn("due sweep failed: %v", err)
			} else if n > 0 {
				log.Info("due sweep processed %d reminders", n)
			}
		}
	}
}

// runMaintenance expires stale reminders, decays unreinforced transitions,
// and prunes cooldowns and old notifications
func runMaintenance(
	ctx context.Context,
	cfg *config.Config,
	pipeline *reminders.Pipeline,
	transitions *storage.TransitionStore,
	cooldowns *storage.CooldownStore,
	notifications *notify.Service,
	policies *policy.Provider,
	clock core.Clock,
	log *logging.Logger,
) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := clock.Now()

			expireCutoff := now.Add(-time.Duration(cfg.Engine.ExpireAfterHours) * time.Hour)
			if n, err := pipeline.ExpireOlderThan(ctx, expireCutoff); err != nil {
				log.Warn("expiry sweep failed: %v", err)
			} else if n > 0 {
				log.Info("expired %d stale reminders", n)
			}

			if _, err := cooldowns.PruneExpired(ctx, now); err != nil {
				log.Warn("cooldown prune failed: %v", err)
			}

			settings, err := policies.Load(ctx)
			if err != nil {
				log.Warn("failed to load settings for decay: %v", err)
				continue
			}
			decayCutoff := now.Add(-time.Duration(cfg.Engine.DecayAfterDays) * 24 * time.Hour)
			rate := float64(cfg.Engine.DecayRatePercent) / 100
			if n, err := transitions.DecayStale(ctx, decayCutoff, rate, settings.MinimumConfidence, now); err != nil {
				log.Warn("transition decay failed: %v", err)
			} else if n > 0 {
				log.Info("decayed %d stale transitions", n)
			}

			retention := now.Add(-time.Duration(cfg.Engine.HistoryRetentionDays) * 24 * time.Hour)
			if _, err := notifications.PruneOlderThan(ctx, retention); err != nil {
				log.Warn("notification prune failed: %v", err)
			}
		}
	}
}
