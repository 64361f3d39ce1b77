package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/nextlevelbuilder/goloop/internal/checkpoint"
	"github.com/nextlevelbuilder/goloop/internal/conditions"
	"github.com/nextlevelbuilder/goloop/internal/config"
	"github.com/nextlevelbuilder/goloop/internal/cron"
	"github.com/nextlevelbuilder/goloop/internal/loop"
	"github.com/nextlevelbuilder/goloop/internal/policy"
	"github.com/nextlevelbuilder/goloop/internal/tracing"
)

type runOptions struct {
	sessionID    string
	resume       bool
	initialState string
	noWatch      bool
}

func runCmd() *cobra.Command {
	var opts runOptions
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the agent command in a loop until its exit conditions pass",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLoop(cmd.Context(), opts)
		},
	}
	cmd.Flags().StringVar(&opts.sessionID, "session", "", "session id (generated when empty)")
	cmd.Flags().BoolVar(&opts.resume, "resume", false, "continue from the session's latest checkpoint")
	cmd.Flags().StringVar(&opts.initialState, "state", "", "initial caller state as a JSON object")
	cmd.Flags().BoolVar(&opts.noWatch, "no-watch", false, "do not hot-reload policy settings from the config file")
	return cmd
}

func runLoop(parent context.Context, opts runOptions) error {
	if parent == nil {
		parent = context.Background()
	}
	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Log, os.Stderr)

	if cfg.Agent.Command == "" {
		return fmt.Errorf("agent.command is not configured")
	}
	if opts.resume && opts.sessionID == "" {
		return fmt.Errorf("--resume requires --session")
	}
	var initial map[string]any
	if opts.initialState != "" {
		if err := json.Unmarshal([]byte(opts.initialState), &initial); err != nil {
			return fmt.Errorf("--state: %w", err)
		}
	}

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	stores, cps, err := openCheckpoints(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer stores.Close()

	collector := tracing.NewCollector(stores.Events, tracing.CollectorOptions{
		FlushInterval: cfg.Telemetry.FlushInterval.Std(),
		BufferSize:    cfg.Telemetry.BufferSize,
		Logger:        logger,
	})
	initOTelExporter(ctx, cfg, collector, logger)
	collector.Start()
	defer collector.Stop()
	emitter := tracing.NewEmitter(tracing.MultiSink{collector, tracing.LogSink{Logger: logger}}, logger)

	limits := policy.NewLimits(cfg.Policy.DefaultLimit)
	limits.Replace(cfg.Policy.DefaultLimit, cfg.Policy.Agents)
	decider, err := buildDecider(cfg.Policy, limits)
	if err != nil {
		return fmt.Errorf("policy: %w", err)
	}
	gate, err := policy.NewGate(decider, cfg.GatePolicy(), logger)
	if err != nil {
		return fmt.Errorf("policy: %w", err)
	}

	if !opts.noWatch {
		if _, statErr := os.Stat(cfgPath); statErr == nil {
			watcher, err := config.NewWatcher(cfgPath, logger)
			if err != nil {
				return err
			}
			watcher.OnChange(config.PolicyReloader(gate, limits, logger))
			if err := watcher.Start(); err != nil {
				logger.Warn("config hot reload unavailable", "error", err)
			} else {
				defer watcher.Stop()
			}
		}
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := loop.NewMetrics(reg)

	eng, err := loop.New(ctx, loopConfig(cfg, opts.sessionID), loop.Deps{
		Checkpoints: stores.Checkpoints,
		Emitter:     emitter,
		Invoker:     &conditions.ExecInvoker{WorkDir: cfg.Agent.WorkDir},
		Gate:        gate,
		Metrics:     metrics,
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	var runOpts []loop.RunOption
	if initial != nil {
		runOpts = append(runOpts, loop.WithInitialState(initial))
	}
	if opts.resume {
		cp, err := eng.LoadCheckpoint(ctx, "")
		switch {
		case err == nil:
			logger.Info("resuming from checkpoint", "checkpoint", cp.ID, "iteration", cp.Iteration)
			runOpts = append(runOpts, loop.WithResume(cp))
		case errors.Is(err, checkpoint.ErrNotFound):
			logger.Info("no checkpoint to resume, starting fresh", "session", eng.SessionID())
		case errors.Is(err, checkpoint.ErrCorrupt):
			fmt.Fprintf(os.Stderr, "Warning: latest checkpoint for %s is corrupt (%s); starting fresh.\n", eng.SessionID(), err)
		default:
			return fmt.Errorf("load checkpoint: %w", err)
		}
	}

	work, err := newCommandWork(cfg.Agent.Command, cfg.Agent.WorkDir, cfg.Agent.Env, cfg.Agent.OutputTail, logger)
	if err != nil {
		return err
	}

	auxCtx, cancelAux := context.WithCancel(ctx)
	defer cancelAux()
	g, gctx := errgroup.WithContext(auxCtx)

	if cfg.Metrics.Addr != "" {
		srv := &http.Server{
			Addr:              cfg.Metrics.Addr,
			Handler:           metricsMux(reg),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			logger.Info("metrics server listening", "addr", cfg.Metrics.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Warn("metrics server stopped", "error", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	if cfg.Loop.CheckpointRetention > 0 {
		schedule, err := cfg.PruneSchedule()
		if err != nil {
			return err
		}
		janitor, err := cron.NewJanitor(cps, schedule, cfg.Loop.CheckpointRetention.Std(), logger)
		if err != nil {
			return err
		}
		if err := janitor.Start(gctx); err != nil {
			return err
		}
		g.Go(func() error {
			<-gctx.Done()
			janitor.Stop()
			return nil
		})
	}

	var res *loop.Result
	g.Go(func() error {
		defer cancelAux()
		var runErr error
		res, runErr = eng.Run(ctx, work.Run, runOpts...)
		return runErr
	})
	if err := g.Wait(); err != nil {
		return err
	}

	flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	collector.Flush(flushCtx)
	cancel()

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(res); err != nil {
		return err
	}
	if n := collector.Dropped(); n > 0 {
		logger.Warn("progress events dropped", "count", n)
	}
	return outcomeError(res)
}

// outcomeError maps a finished run to the process exit status: 0 when the
// exit conditions passed, 2 when the iteration ceiling was reached and 1 otherwise.
func outcomeError(res *loop.Result) error {
	switch res.Outcome {
	case loop.OutcomeCompleted:
		return nil
	case loop.OutcomeIterationLimit:
		return &exitCodeError{code: 2}
	default:
		return &exitCodeError{code: 1, msg: fmt.Sprintf("run ended with outcome %s: %s", res.Outcome, res.Error)}
	}
}

func metricsMux(reg *prometheus.Registry) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

// loopConfig translates the file configuration into engine settings.
func loopConfig(cfg *config.Config, sessionID string) loop.Config {
	return loop.Config{
		AgentID:              cfg.Agent.ID,
		SessionID:            sessionID,
		MaxIterations:        cfg.Loop.MaxIterations,
		CheckpointInterval:   cfg.Loop.CheckpointInterval,
		CheckpointRetention:  cfg.Loop.CheckpointRetention.Std(),
		ExitConditions:       cfg.Conditions,
		IterationTimeout:     cfg.Loop.IterationTimeout.Std(),
		VerificationTimeout:  cfg.Loop.VerificationTimeout.Std(),
		StoreTimeout:         cfg.Loop.StoreTimeout.Std(),
		RunTimeout:           cfg.Loop.RunTimeout.Std(),
		MandatoryCheckpoints: cfg.Loop.MandatoryCheckpoints,
		CheckpointRetry:      cfg.CheckpointRetry(),
		WorkDir:              cfg.Agent.WorkDir,
		Metadata: map[string]any{
			"command": cfg.Agent.Command,
			"version": Version,
		},
	}
}
