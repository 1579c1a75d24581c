// Command crewd runs the task and execution orchestration daemon: the task
// store, the frequency scheduler and the execution dispatcher behind them.
// Without arguments it runs as a daemon; subcommands operate the same stack
// in-process for one-shot administration.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/mattn/go-isatty"

	"github.com/basket/crewd/internal/activity"
	"github.com/basket/crewd/internal/audit"
	"github.com/basket/crewd/internal/bus"
	"github.com/basket/crewd/internal/config"
	"github.com/basket/crewd/internal/dispatch"
	otelPkg "github.com/basket/crewd/internal/otel"
	"github.com/basket/crewd/internal/orchestrator"
	"github.com/basket/crewd/internal/persistence"
	"github.com/basket/crewd/internal/runtime"
	"github.com/basket/crewd/internal/scheduler"
	"github.com/basket/crewd/internal/session"
	"github.com/basket/crewd/internal/telemetry"
	"github.com/basket/crewd/internal/tools"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.3-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

DAEMON MODE (default):
  %s                                 Run the orchestration daemon

SUBCOMMANDS:
  account create <name>              Create an account
  worker list <account_id>           List an account's workers
  task propose <account_id> <title> [description]
  task <action> <task_id> [text]     Actions: approve, reject, start, block,
                                     wait, resume, complete, fail
  tasks <account_id>                 List an account's tasks
  run <account_id> <worker_id> [task_id]
  history <account_id> [worker_id]   List execution records
  logs <execution_id>                Show an execution's progress log
  feed <account_id>                  Show the activity feed
  reset-session <worker_id>          Clear a module's session continuity

ENVIRONMENT VARIABLES:
  CREWD_HOME              Data directory (default: ~/.crewd)
  GEMINI_API_KEY          API key for the google provider
`, os.Args[0], os.Args[0])
	flag.PrintDefaults()
}

func main() {
	loadDotEnv(".env")

	versionFlag := flag.Bool("version", false, "print version and exit")
	flag.Usage = printUsage
	flag.Parse()
	if *versionFlag {
		fmt.Println("crewd", Version)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if args := flag.Args(); len(args) > 0 {
		os.Exit(runCommand(ctx, args))
	}

	if err := runDaemon(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "crewd:", err)
		os.Exit(1)
	}
}

// stack is the assembled daemon: every collaborator wired and ready.
type stack struct {
	cfg        config.Config
	logger     *slog.Logger
	bus        *bus.Bus
	store      *persistence.Store
	runner     *runtime.GenkitRunner
	sessions   *session.Manager
	feed       *activity.StoreFeed
	dispatcher *dispatch.Dispatcher
	service    *orchestrator.Service
	strategic  *orchestrator.StrategicCycle
	metrics    *otelPkg.Metrics
	otel       *otelPkg.Provider
	closers    []func()
}

func (s *stack) close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
}

// buildStack loads config and wires the full daemon. quietLogs routes logs to
// file only, keeping subcommand output clean.
func buildStack(ctx context.Context, quietLogs bool) (*stack, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	s := &stack{cfg: cfg}

	if err := audit.Init(cfg.HomeDir); err != nil {
		return nil, fmt.Errorf("init audit log: %w", err)
	}
	s.closers = append(s.closers, func() { _ = audit.Close() })

	logger, logCloser, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, quietLogs)
	if err != nil {
		s.close()
		return nil, fmt.Errorf("init logging: %w", err)
	}
	s.closers = append(s.closers, func() { _ = logCloser.Close() })
	slog.SetDefault(logger)
	s.logger = logger

	otelProvider, err := otelPkg.Init(ctx, cfg.Telemetry)
	if err != nil {
		s.close()
		return nil, fmt.Errorf("init telemetry: %w", err)
	}
	s.otel = otelProvider
	s.closers = append(s.closers, func() { _ = otelProvider.Shutdown(context.Background()) })
	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		s.close()
		return nil, fmt.Errorf("init metrics: %w", err)
	}
	s.metrics = metrics

	s.bus = bus.New()

	store, err := persistence.Open(cfg.DBPath, s.bus)
	if err != nil {
		s.close()
		return nil, fmt.Errorf("open store: %w", err)
	}
	s.store = store
	s.closers = append(s.closers, func() { _ = store.Close() })
	audit.SetDB(store.DB())

	s.runner = runtime.NewGenkitRunner(ctx, runtime.Config{
		Provider:                 cfg.LLM.Provider,
		Model:                    cfg.LLM.Model,
		APIKey:                   cfg.LLM.APIKey,
		OpenAICompatibleProvider: cfg.LLM.OpenAICompatibleProvider,
		OpenAICompatibleBaseURL:  cfg.LLM.OpenAICompatibleBaseURL,
	})

	registry := tools.NewRegistry(store, logger)
	for _, t := range registry.RegisterAll(s.runner.Genkit()) {
		s.runner.RegisterTool(t)
	}

	s.sessions = session.NewManager(store, cfg.WorkspaceDir)
	s.feed = activity.NewStoreFeed(store)

	s.dispatcher = dispatch.New(dispatch.Config{
		Store:    store,
		Sessions: s.sessions,
		Runner:   s.runner,
		Registry: registry,
		Feed:     s.feed,
		Logger:   logger,
		Metrics:  metrics,
		Tracer:   otelProvider.Tracer,
	})

	s.service = orchestrator.New(orchestrator.Config{
		Store:      store,
		Dispatcher: s.dispatcher,
		Sessions:   s.sessions,
		Logger:     logger,
		Metrics:    metrics,
	})
	s.strategic = orchestrator.NewStrategicCycle(store, s.runner, s.bus, logger)
	return s, nil
}

func runDaemon(ctx context.Context) error {
	quietLogs := !isatty.IsTerminal(os.Stdout.Fd())
	s, err := buildStack(ctx, quietLogs)
	if err != nil {
		return err
	}
	defer s.close()
	s.logger.Info("crewd starting", "version", Version, "home", s.cfg.HomeDir)

	if n, err := s.store.RecoverRunningExecutions(ctx); err != nil {
		s.logger.Error("startup recovery failed", "error", err)
	} else if n > 0 {
		s.logger.Warn("recovered interrupted executions", "count", n)
	}

	sched := scheduler.New(scheduler.Config{
		Store:             s.store,
		Dispatcher:        s.dispatcher,
		Strategic:         s.strategic,
		Logger:            s.logger,
		Metrics:           s.metrics,
		Interval:          s.cfg.SchedulerInterval(),
		StrategicInterval: s.cfg.StrategicInterval(),
	})
	sched.Start(ctx)
	defer sched.Stop()

	watcher := config.NewWatcher(s.cfg.HomeDir, s.logger)
	if err := watcher.Start(ctx); err != nil {
		s.logger.Warn("config watcher unavailable", "error", err)
	} else {
		go func() {
			for range watcher.Events() {
				s.logger.Info("config changed on disk; restart to apply")
			}
		}()
	}

	s.logger.Info("crewd ready")
	<-ctx.Done()
	s.logger.Info("crewd shutting down")
	return nil
}

// loadDotEnv loads KEY=VALUE lines from a local .env file without overriding
// variables already set in the environment.
func loadDotEnv(path string) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		eq := strings.Index(line, "=")
		if eq <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:eq])
		val := strings.TrimSpace(line[eq+1:])
		if key == "" || os.Getenv(key) != "" {
			continue
		}
		_ = os.Setenv(key, val)
	}
}
