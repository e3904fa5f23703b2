package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Iron-Ham/laneway/internal/archive"
	"github.com/Iron-Ham/laneway/internal/config"
	"github.com/Iron-Ham/laneway/internal/controller"
	"github.com/Iron-Ham/laneway/internal/event"
	"github.com/Iron-Ham/laneway/internal/integration"
	"github.com/Iron-Ham/laneway/internal/lane"
	"github.com/Iron-Ham/laneway/internal/lanewatch"
	"github.com/Iron-Ham/laneway/internal/logging"
	"github.com/Iron-Ham/laneway/internal/store"
	"github.com/Iron-Ham/laneway/internal/supervisor"
	"github.com/Iron-Ham/laneway/internal/telemetry"
	"github.com/Iron-Ham/laneway/internal/worker"
	"github.com/Iron-Ham/laneway/internal/worktree"
)

var runQuiet bool

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the engine in the foreground",
	Long: `Run recovers any interrupted task, then plans, spawns, supervises and
integrates queued tasks until interrupted. Operator commands such as submit
and approve are picked up on the next scheduling pass.

Only one engine may run against a state directory at a time.`,
	Args: cobra.NoArgs,
	RunE: runEngine,
}

func init() {
	runCmd.Flags().BoolVarP(&runQuiet, "quiet", "q", false, "Do not echo engine events to stderr")
	rootCmd.AddCommand(runCmd)
}

func runEngine(cmd *cobra.Command, args []string) error {
	env, err := loadEnvironment()
	if err != nil {
		return err
	}
	cfg := env.cfg

	lanes, err := newLaneResolver(cfg)
	if err != nil {
		return fmt.Errorf("invalid lanes: %w", err)
	}

	logger := logging.NopLogger()
	if cfg.Logging.Enabled {
		logger, err = logging.NewLogger(env.stateDir, cfg.Logging.Level, logging.RotationConfig{
			MaxSizeMB:  cfg.Logging.MaxSizeMB,
			MaxBackups: cfg.Logging.MaxBackups,
			Compress:   cfg.Logging.Compress,
		})
		if err != nil {
			return fmt.Errorf("failed to open engine log: %w", err)
		}
	}
	defer func() { _ = logger.Close() }()

	st, err := store.NewOS(env.stateDir, store.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("failed to open state directory: %w", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	bus := event.NewBus(event.WithPanicLogger(logger))
	event.AttachLogger(bus, logger)
	if !runQuiet {
		event.AttachLogger(bus, logging.NewWriterLogger(cmd.ErrOrStderr(), cfg.Logging.Level))
	}

	tel, err := telemetry.Init(ctx, cfg.Telemetry, env.stateDir)
	if err != nil {
		return fmt.Errorf("failed to start telemetry: %w", err)
	}
	defer func() {
		// The run context is already cancelled here.
		if err := tel.Shutdown(context.Background()); err != nil {
			logger.Warn("telemetry shutdown failed", "error", err.Error())
		}
	}()
	event.Handle(bus, event.TypeLaneViolation, func(v event.LaneViolationEvent) {
		tel.Metrics.LaneViolation(context.Background(), v.Role)
	})

	git, err := worktree.New(env.repoRoot)
	if err != nil {
		return fmt.Errorf("failed to open repository: %w", err)
	}
	for _, pattern := range env.excludePatterns() {
		if err := git.ExcludePath(pattern); err != nil {
			logger.Warn("could not exclude engine files from git", "pattern", pattern, "error", err.Error())
		}
	}

	live := &liveLanes{}
	live.Store(lanes)
	watcher, err := lanewatch.New(live, bus, logger)
	if err != nil {
		return fmt.Errorf("failed to start lane watcher: %w", err)
	}
	watcher.Start()
	defer watcher.Stop()

	launcher := worker.NewPTYLauncher(cfg.Worker, bus, logger)
	agents := supervisor.New(st, git, launcher, supervisor.Config{
		WorktreeDir:  env.worktreeDir,
		BranchPrefix: cfg.Branch.Prefix,
		StaleTimeout: cfg.Supervisor.StaleTimeout,
		MaxAttempts:  cfg.Supervisor.MaxAttempts,
	}, supervisor.WithLogger(logger),
		supervisor.WithSharedSource(func() []string { return live.Load().Shared() }),
		supervisor.WithBus(bus),
		supervisor.WithWatcher(watcher),
		supervisor.WithMetrics(tel.Metrics))

	integ := integration.New(git, st, integration.Config{
		WorktreeDir:   env.worktreeDir,
		BranchPrefix:  cfg.Branch.Prefix,
		Protected:     cfg.Branch.Protected,
		VerifyCommand: cfg.Verify.Command,
		VerifyTimeout: cfg.Verify.Timeout,
	}, integration.WithLogger(logger),
		integration.WithBus(bus),
		integration.WithMetrics(tel.Metrics))

	opts := []controller.Option{
		controller.WithLogger(logger),
		controller.WithBus(bus),
		controller.WithTelemetry(tel),
		controller.WithSharedEdits(watcher),
		controller.WithLaneSource(func() (*lane.Resolver, error) {
			r, err := reloadLanes()
			if err != nil {
				return nil, err
			}
			live.Store(r)
			return r, nil
		}),
	}
	if cfg.Archive.Enabled {
		arc, err := archive.Open(cfg.Archive.ResolvePath(env.stateDir))
		if err != nil {
			return fmt.Errorf("failed to open archive: %w", err)
		}
		defer func() { _ = arc.Close() }()
		opts = append(opts, controller.WithArchive(arc))
	}

	ctrl := controller.New(st, lanes, agents, integ, git, controller.Config{
		RepoRoot:       env.repoRoot,
		Protected:      cfg.Branch.Protected,
		MaxTestRetries: cfg.Supervisor.MaxTestRetries,
		PollInterval:   cfg.Supervisor.PollInterval,
	}, opts...)

	if !runQuiet {
		_, _ = fmt.Fprintf(cmd.ErrOrStderr(), "laneway engine running in %s (state: %s)\n", env.repoRoot, env.stateDir)
	}
	return ctrl.Run(ctx)
}

// reloadLanes re-reads the configuration file so a replan sees edited lanes.
func reloadLanes() (*lane.Resolver, error) {
	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	return newLaneResolver(cfg)
}

// liveLanes lets the lane watcher follow lane reloads.
type liveLanes struct {
	atomic.Pointer[lane.Resolver]
}

func (l *liveLanes) Allowed(role, path string) bool {
	return l.Load().Allowed(role, path)
}

func (l *liveLanes) Owner(path string) (string, bool) {
	return l.Load().Owner(path)
}

func (l *liveLanes) IsShared(path string) bool {
	return l.Load().IsShared(path)
}
