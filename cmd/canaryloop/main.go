package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"canaryloop/internal/api"
	"canaryloop/internal/bundle"
	"canaryloop/internal/config"
	"canaryloop/internal/feed"
	"canaryloop/internal/guard"
	"canaryloop/internal/judge"
	"canaryloop/internal/sampler"
	"canaryloop/internal/settings"
	"canaryloop/internal/store"
	"canaryloop/internal/trainer"
)

var (
	// Global flags
	verbose    bool
	configPath string

	// Logger
	logger *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "canaryloop",
	Short: "canaryloop - active-learning bundle trainer and canary rollout guard",
	Long: `canaryloop turns human verdicts (approvals, feedback, goldsets) into
labeled examples, trains per-agent heuristic config bundles from them, and
shepherds approved bundles through a guarded canary rollout.

Batch entries (feed, train, weights, sample, guard) are designed to run from
any scheduler; serve exposes the operator API.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg := zap.NewProductionConfig()
		if verbose {
			cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = cfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

// app is the wired component graph every subcommand works against.
type app struct {
	cfg      *config.Config
	store    *store.Local
	settings *settings.Store
	loader   *feed.Loader
	manager  *bundle.Manager
	weights  *judge.Calculator
	sampler  *sampler.Sampler
	guard    *guard.Guard
}

func buildApp() (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	st, err := store.Open(cfg.Storage.DatabasePath, logger)
	if err != nil {
		return nil, err
	}

	settingsPath := cfg.Storage.SettingsPath
	if settingsPath == "" {
		settingsPath = cfg.Storage.DatabasePath
	}
	set, err := settings.Open(settingsPath, logger)
	if err != nil {
		st.Close()
		return nil, err
	}

	loader := feed.NewLoader(st,
		&feed.LocalApprovalSource{Store: st},
		&feed.LocalFeedbackSource{Store: st},
		&feed.DirGoldsetSource{Dir: cfg.Feed.GoldsetDir},
		logger)

	ht := trainer.NewHeuristicTrainer(st, cfg.Training.MinExamples, cfg.Training.TreeMaxDepth, logger)
	manager := bundle.NewManager(set, ht, &bundle.SettingsSink{Settings: set}, logger)

	weights := judge.NewCalculator(st, set, judge.Options{
		HalfLifeDays:  cfg.Judges.HalfLifeDays,
		LookbackDays:  cfg.Judges.LookbackDays,
		MinEvidence:   cfg.Judges.MinEvidence,
		DefaultWeight: cfg.Judges.DefaultWeight,
	}, logger)

	smp := sampler.NewSampler(st, set, weights, sampler.Options{
		WindowDays:         cfg.Sampler.WindowDays,
		LowConfidenceFloor: cfg.Sampler.LowConfidenceFloor,
		DefaultTopN:        cfg.Sampler.TopN,
	}, logger)

	grd := guard.New(manager, guard.NewSettingsDetector(set), set, guard.Options{
		Thresholds: guard.Thresholds{
			QualityDrop: cfg.Guard.QualityDropThreshold,
			LatencyRise: cfg.Guard.LatencyRiseThreshold,
			QualityGain: cfg.Guard.QualityGainThreshold,
			LatencyDrop: cfg.Guard.LatencyDropThreshold,
		},
		LookbackHours:    cfg.Guard.LookbackHours,
		Stages:           cfg.Guard.Stages,
		MaxStalledCycles: cfg.Guard.MaxStalledCycles,
	}, logger)

	return &app{
		cfg:      cfg,
		store:    st,
		settings: set,
		loader:   loader,
		manager:  manager,
		weights:  weights,
		sampler:  smp,
		guard:    grd,
	}, nil
}

func (a *app) Close() {
	if a.settings != nil {
		_ = a.settings.Close()
	}
	if a.store != nil {
		_ = a.store.Close()
	}
}

// signalContext cancels on SIGINT/SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

// serveCmd runs the operator API (plus the goldset watcher when enabled)
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the operator HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := buildApp()
		if err != nil {
			return err
		}
		defer a.Close()

		ctx, cancel := signalContext()
		defer cancel()

		srv := api.NewServer(a.manager, a.guard, a.sampler, a.loader, a.store,
			a.cfg.Training.ModelType, logger)

		eg, ctx := errgroup.WithContext(ctx)
		eg.Go(func() error {
			return srv.Run(ctx, a.cfg.Server.Addr)
		})
		if a.cfg.Feed.WatchGoldsets {
			watcher, err := feed.NewGoldsetWatcher(a.loader, a.cfg.Feed.GoldsetDir, logger)
			if err != nil {
				return fmt.Errorf("failed to start goldset watcher: %w", err)
			}
			eg.Go(func() error {
				return watcher.Run(ctx)
			})
		}
		return eg.Wait()
	},
}

// feedCmd runs one ETL pass over all upstream sources
var feedCmd = &cobra.Command{
	Use:   "feed",
	Short: "Ingest labeled examples from approvals, feedback and goldsets",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := buildApp()
		if err != nil {
			return err
		}
		defer a.Close()

		ctx, cancel := signalContext()
		defer cancel()

		since := time.Now().UTC().AddDate(0, 0, -a.cfg.Feed.LookbackDays)
		agents, _ := cmd.Flags().GetStringSlice("agents")
		if len(agents) == 0 {
			// Default to every agent that has a goldset file on disk.
			src := &feed.DirGoldsetSource{Dir: a.cfg.Feed.GoldsetDir}
			if found, err := src.Agents(); err == nil {
				agents = found
			}
		}

		inserted, err := a.loader.LoadAll(ctx, since, a.cfg.Feed.BatchLimit, agents)
		if err != nil {
			return err
		}
		fmt.Printf("inserted %d labeled examples\n", inserted)
		return nil
	},
}

// trainCmd trains a new pending bundle for one agent
var trainCmd = &cobra.Command{
	Use:   "train [agent]",
	Short: "Train a new config bundle for an agent",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := buildApp()
		if err != nil {
			return err
		}
		defer a.Close()

		ctx, cancel := signalContext()
		defer cancel()

		modelType, _ := cmd.Flags().GetString("model")
		if modelType == "" {
			modelType = a.cfg.Training.ModelType
		}

		b, err := a.manager.CreateBundle(ctx, args[0], a.cfg.Training.MinExamples, trainer.ModelType(modelType))
		if err != nil {
			return err
		}
		fmt.Printf("bundle %s (v%d) trained: accuracy %.3f over %d examples\n",
			b.BundleID, b.Version, b.Accuracy, b.TrainingCount)
		return nil
	},
}

// weightsCmd runs the nightly judge-weight batch
var weightsCmd = &cobra.Command{
	Use:   "weights",
	Short: "Recompute judge trust weights (nightly batch)",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := buildApp()
		if err != nil {
			return err
		}
		defer a.Close()

		ctx, cancel := signalContext()
		defer cancel()

		return a.weights.NightlyUpdateWeights(ctx, time.Now().UTC())
	},
}

// sampleCmd runs the daily review-queue sampling batch
var sampleCmd = &cobra.Command{
	Use:   "sample",
	Short: "Rebuild the human review queue from uncertain predictions (daily batch)",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := buildApp()
		if err != nil {
			return err
		}
		defer a.Close()

		ctx, cancel := signalContext()
		defer cancel()

		return a.sampler.DailySampleReviewQueue(ctx, a.cfg.Sampler.TopN, a.cfg.Sampler.MinUncertainty)
	},
}

// guardCmd runs one guard cycle over every in-flight canary
var guardCmd = &cobra.Command{
	Use:   "guard",
	Short: "Check every active canary and promote, rollback or hold (nightly batch)",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := buildApp()
		if err != nil {
			return err
		}
		defer a.Close()

		ctx, cancel := signalContext()
		defer cancel()

		return a.guard.NightlyGuardCheck(ctx)
	},
}

// initCmd writes a default config file
var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default configuration file",
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := os.Stat(configPath); err == nil {
			return fmt.Errorf("config file %s already exists", configPath)
		}
		if err := config.DefaultConfig().Save(configPath); err != nil {
			return err
		}
		fmt.Printf("wrote %s\n", configPath)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "canaryloop.yaml", "Path to config file")

	feedCmd.Flags().StringSlice("agents", nil, "Restrict goldset ingestion to these agents")
	trainCmd.Flags().String("model", "", "Model type: logistic or tree (default from config)")

	rootCmd.AddCommand(serveCmd, feedCmd, trainCmd, weightsCmd, sampleCmd, guardCmd, initCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
